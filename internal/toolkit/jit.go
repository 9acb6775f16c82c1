package toolkit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/agentd/internal/store"
)

const dynamicToolsKey = "dynamic_tools"

// Activator performs just-in-time tool activation for a thread and keeps
// the activated set persisted in the thread's metadata, so a continued
// thread gets its tools back.
type Activator struct {
	registry *Registry
	threads  store.Threads
}

func NewActivator(registry *Registry, threads store.Threads) *Activator {
	return &Activator{registry: registry, threads: threads}
}

// Registry returns the underlying tool registry.
func (a *Activator) Registry() *Registry { return a.registry }

// InitializeTools activates a comma-separated list of tools. Each tool
// succeeds or fails on its own; one broken tool never sinks the batch.
// The returned text reports the outcome to the model and includes the
// usage guides of newly activated tools.
func (a *Activator) InitializeTools(ctx context.Context, threadID, namesCSV string) string {
	var requested []string
	for _, name := range strings.Split(namesCSV, ",") {
		if name = strings.TrimSpace(name); name != "" {
			requested = append(requested, name)
		}
	}
	if len(requested) == 0 {
		return "❌ Failed: no tool names given"
	}

	var activated []string
	var failed []string
	var guides []string

	for _, name := range requested {
		alreadyActive := a.registry.IsActive(name)
		tool, err := a.registry.Activate(name)
		if err != nil {
			log.Warn().
				Str("thread_id", threadID).
				Str("tool", name).
				Err(err).
				Msg("Tool activation failed")
			failed = append(failed, fmt.Sprintf("%s (%v)", name, err))
			continue
		}
		activated = append(activated, name)
		if alreadyActive {
			continue
		}
		if g, ok := tool.(UsageGuide); ok {
			if guide := g.UsageGuide(); guide != "" {
				guides = append(guides, fmt.Sprintf("## %s\n%s", name, guide))
			}
		}
	}

	if len(activated) > 0 {
		if err := a.persist(ctx, threadID, activated); err != nil {
			log.Warn().
				Str("thread_id", threadID).
				Err(err).
				Msg("Failed to persist activated tools, continuing")
		}
	}

	var b strings.Builder
	if len(activated) > 0 {
		fmt.Fprintf(&b, "✅ Activated: %s", strings.Join(activated, ", "))
	}
	if len(failed) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "❌ Failed: %s", strings.Join(failed, "; "))
	}
	if len(guides) > 0 {
		b.WriteString("\n\n")
		b.WriteString(strings.Join(guides, "\n\n"))
	}
	return b.String()
}

// Restore re-activates the tools recorded in the thread's metadata. Best
// effort: a tool that no longer activates is logged and skipped.
func (a *Activator) Restore(ctx context.Context, threadID string) {
	persisted, err := a.persistedTools(ctx, threadID)
	if err != nil {
		log.Warn().
			Str("thread_id", threadID).
			Err(err).
			Msg("Could not read persisted tools")
		return
	}
	for _, name := range persisted {
		if _, err := a.registry.Activate(name); err != nil {
			log.Warn().
				Str("thread_id", threadID).
				Str("tool", name).
				Err(err).
				Msg("Could not restore persisted tool")
		}
	}
}

// persist union-merges the newly activated names into the thread metadata.
func (a *Activator) persist(ctx context.Context, threadID string, names []string) error {
	thread, err := a.threads.Get(ctx, threadID)
	if err != nil {
		return fmt.Errorf("load thread: %w", err)
	}
	if thread == nil {
		return fmt.Errorf("thread %s not found", threadID)
	}

	metadata := map[string]json.RawMessage{}
	if len(thread.Metadata) > 0 {
		if err := json.Unmarshal(thread.Metadata, &metadata); err != nil {
			return fmt.Errorf("decode thread metadata: %w", err)
		}
	}

	existing := map[string]bool{}
	var merged []string
	if raw, ok := metadata[dynamicToolsKey]; ok {
		var prior []string
		if err := json.Unmarshal(raw, &prior); err == nil {
			for _, name := range prior {
				if !existing[name] {
					existing[name] = true
					merged = append(merged, name)
				}
			}
		}
	}
	for _, name := range names {
		if !existing[name] {
			existing[name] = true
			merged = append(merged, name)
		}
	}

	encoded, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("encode tool list: %w", err)
	}
	metadata[dynamicToolsKey] = encoded

	out, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("encode thread metadata: %w", err)
	}
	return a.threads.UpdateMetadata(ctx, threadID, out)
}

func (a *Activator) persistedTools(ctx context.Context, threadID string) ([]string, error) {
	thread, err := a.threads.Get(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("load thread: %w", err)
	}
	if thread == nil || len(thread.Metadata) == 0 {
		return nil, nil
	}
	metadata := map[string]json.RawMessage{}
	if err := json.Unmarshal(thread.Metadata, &metadata); err != nil {
		return nil, fmt.Errorf("decode thread metadata: %w", err)
	}
	raw, ok := metadata[dynamicToolsKey]
	if !ok {
		return nil, nil
	}
	var names []string
	if err := json.Unmarshal(raw, &names); err != nil {
		return nil, fmt.Errorf("decode tool list: %w", err)
	}
	return names, nil
}
