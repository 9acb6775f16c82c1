package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/agentd/internal/billing"
	"github.com/agentd/internal/compression"
	"github.com/agentd/internal/hooks"
	"github.com/agentd/internal/llm"
	"github.com/agentd/internal/memory"
	"github.com/agentd/internal/store"
	"github.com/agentd/internal/toolkit"
	"github.com/agentd/internal/tools"
)

// ServiceParams wires a Service.
type ServiceParams struct {
	Store          store.Store
	Generator      llm.Generator
	Gateway        *billing.Gateway
	SystemPrompt   string
	Model          string
	MaxIterations  int
	Compression    compression.Config
	ExecutorConfig ExecutorConfig
	// OptionalTools are registered for just-in-time activation.
	OptionalTools map[string]toolkit.Factory
	// ContextProviders inject supplementary context into every model view.
	ContextProviders []memory.ContextProvider
}

// Service is the front door of the agent: it owns thread and message
// intake, builds a fully wired runner per thread, and delegates run
// supervision to the executor.
type Service struct {
	st            store.Store
	generator     llm.Generator
	gateway       *billing.Gateway
	systemPrompt  string
	model         string
	maxIters      int
	compression   compression.Config
	optionalTools map[string]toolkit.Factory
	providers     []memory.ContextProvider
	executor      *Executor
}

func NewService(p ServiceParams) *Service {
	s := &Service{
		st:            p.Store,
		generator:     p.Generator,
		gateway:       p.Gateway,
		systemPrompt:  p.SystemPrompt,
		model:         p.Model,
		maxIters:      p.MaxIterations,
		compression:   p.Compression,
		optionalTools: p.OptionalTools,
		providers:     p.ContextProviders,
	}
	s.executor = NewExecutor(p.Store, s, p.ExecutorConfig)
	return s
}

// ForThread builds the runner for one thread: its memory view, its tool
// surface with persisted activations restored, and the hook pipeline.
func (s *Service) ForThread(ctx context.Context, threadID string) (*Runner, *memory.Memory, error) {
	thread, err := s.st.Threads().Get(ctx, threadID)
	if err != nil {
		return nil, nil, fmt.Errorf("load thread: %w", err)
	}
	if thread == nil {
		return nil, nil, fmt.Errorf("thread %s not found", threadID)
	}

	mem := memory.Load(ctx, threadID, s.st.Messages())
	mem.SetContextProviders(s.providers...)

	registry := toolkit.NewRegistry()
	for name, factory := range s.optionalTools {
		registry.Register(name, factory)
	}
	activator := toolkit.NewActivator(registry, s.st.Threads())

	registry.RegisterActive(tools.Ask{})
	registry.RegisterActive(tools.Complete{})
	registry.RegisterActive(tools.ExpandMessage{Messages: s.st.Messages()})
	registry.RegisterActive(tools.InitializeTools{Activator: activator, ThreadID: threadID})

	// A continued thread gets its previously activated tools back.
	activator.Restore(ctx, threadID)

	pipeline := hooks.NewPipeline()
	pipeline.Register(hooks.PreReasoning, hooks.NewBillingGate(s.gateway))
	pipeline.Register(hooks.PostReasoning, hooks.NewUsageMeter(s.gateway))
	streamer := hooks.NewStreamer(s.executor.Emitter(), mem.LastAssistantID)
	pipeline.Register(hooks.PostReasoning, streamer)
	pipeline.Register(hooks.PostActing, streamer)
	pipeline.Register(hooks.PostActing, hooks.NewTerminator())

	runner := NewRunner(RunnerParams{
		Generator:     s.generator,
		Registry:      registry,
		Pipeline:      pipeline,
		Compressor:    compression.NewCompressor(s.generator, s.st.Summaries(), s.compression),
		SystemPrompt:  s.systemPrompt,
		Model:         s.model,
		MaxIterations: s.maxIters,
	})
	return runner, mem, nil
}

// SendMessage appends a user message to a thread, creating the thread if
// needed, and starts a run over it. It returns the thread id (generated
// when empty) and the new run id.
func (s *Service) SendMessage(ctx context.Context, threadID, accountID, text string) (string, string, error) {
	if threadID == "" {
		threadID = uuid.NewString()
	}
	if err := s.st.Threads().Create(ctx, &store.Thread{ID: threadID, AccountID: accountID}); err != nil {
		return "", "", fmt.Errorf("ensure thread: %w", err)
	}

	payload, err := json.Marshal(llm.Payload{Role: "user", Content: text})
	if err != nil {
		return "", "", fmt.Errorf("encode user message: %w", err)
	}
	msg := &store.Message{
		ThreadID:     threadID,
		Type:         store.TypeUser,
		Content:      payload,
		IsLLMMessage: true,
	}
	if err := s.st.Messages().Insert(ctx, msg); err != nil {
		return "", "", fmt.Errorf("persist user message: %w", err)
	}

	runID, err := s.executor.StartRun(ctx, threadID, accountID)
	if err != nil {
		return "", "", err
	}
	return threadID, runID, nil
}

// StopRun cancels a run.
func (s *Service) StopRun(ctx context.Context, runID string) error {
	return s.executor.StopRun(ctx, runID)
}

// GetRun returns a run record.
func (s *Service) GetRun(ctx context.Context, runID string) (*store.AgentRun, error) {
	return s.st.Runs().Get(ctx, runID)
}

// Events returns the run's stream entries after the given sequence number.
func (s *Service) Events(ctx context.Context, runID string, afterSeq int64) ([]*store.RunEvent, error) {
	return s.st.Events().ListAfter(ctx, runID, afterSeq)
}

// Balance reports the account's credit balance.
func (s *Service) Balance(ctx context.Context, accountID string) (*billing.Balance, error) {
	return s.gateway.GetBalanceForDisplay(ctx, accountID)
}

// Thread returns a thread record.
func (s *Service) Thread(ctx context.Context, threadID string) (*store.Thread, error) {
	return s.st.Threads().Get(ctx, threadID)
}
