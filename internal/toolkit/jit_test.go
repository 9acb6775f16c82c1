package toolkit

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentd/internal/store"
	"github.com/agentd/internal/store/memstore"
)

type stubTool struct {
	name  string
	guide string
	reply string
}

func (t *stubTool) Name() string        { return t.name }
func (t *stubTool) Description() string { return "stub " + t.name }
func (t *stubTool) Parameters() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{}}
}
func (t *stubTool) Execute(context.Context, json.RawMessage) (string, error) {
	return t.reply, nil
}
func (t *stubTool) UsageGuide() string { return t.guide }

func newTestActivator(t *testing.T) (*Activator, string, store.Threads) {
	t.Helper()
	st := memstore.New()
	threadID := uuid.NewString()
	require.NoError(t, st.Threads().Create(context.Background(), &store.Thread{ID: threadID}))

	reg := NewRegistry()
	reg.Register("web_search", func() (Tool, error) {
		return &stubTool{name: "web_search", guide: "Search the web."}, nil
	})
	reg.Register("people_search", func() (Tool, error) {
		return &stubTool{name: "people_search"}, nil
	})
	reg.Register("broken", func() (Tool, error) {
		return nil, errors.New("missing credentials")
	})

	return NewActivator(reg, st.Threads()), threadID, st.Threads()
}

func TestInitializeToolsMixedOutcome(t *testing.T) {
	a, threadID, _ := newTestActivator(t)

	out := a.InitializeTools(context.Background(), threadID, "web_search, broken, nope")

	assert.Contains(t, out, "✅ Activated: web_search")
	assert.Contains(t, out, "❌ Failed:")
	assert.Contains(t, out, "broken")
	assert.Contains(t, out, "nope")
	// Newly activated tool contributes its usage guide.
	assert.Contains(t, out, "Search the web.")

	assert.True(t, a.Registry().IsActive("web_search"))
	assert.False(t, a.Registry().IsActive("broken"))
}

func TestInitializeToolsAlreadyActiveIsNoop(t *testing.T) {
	a, threadID, _ := newTestActivator(t)

	first := a.InitializeTools(context.Background(), threadID, "web_search")
	assert.Contains(t, first, "Search the web.")

	second := a.InitializeTools(context.Background(), threadID, "web_search")
	assert.Contains(t, second, "✅ Activated: web_search")
	// Guide is only shown on first activation.
	assert.NotContains(t, second, "Search the web.")
}

func TestInitializeToolsPersistsUnionMerge(t *testing.T) {
	a, threadID, threads := newTestActivator(t)
	ctx := context.Background()

	a.InitializeTools(ctx, threadID, "web_search")
	a.InitializeTools(ctx, threadID, "people_search, web_search")

	thread, err := threads.Get(ctx, threadID)
	require.NoError(t, err)

	var metadata map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(thread.Metadata, &metadata))
	var names []string
	require.NoError(t, json.Unmarshal(metadata["dynamic_tools"], &names))
	assert.Equal(t, []string{"web_search", "people_search"}, names)
}

func TestRestoreReactivatesPersistedTools(t *testing.T) {
	a, threadID, threads := newTestActivator(t)
	ctx := context.Background()

	a.InitializeTools(ctx, threadID, "web_search, people_search")

	// A fresh registry simulates a continued thread in a new process.
	reg := NewRegistry()
	reg.Register("web_search", func() (Tool, error) {
		return &stubTool{name: "web_search"}, nil
	})
	// people_search is gone from this build; restore must not fail.
	restored := NewActivator(reg, threads)
	restored.Restore(ctx, threadID)

	assert.True(t, reg.IsActive("web_search"))
	assert.False(t, reg.IsActive("people_search"))
}

func TestInitializeToolsEmptyInput(t *testing.T) {
	a, threadID, _ := newTestActivator(t)
	out := a.InitializeTools(context.Background(), threadID, " , ")
	assert.Contains(t, out, "❌ Failed")
}

func TestRegistryDefinitionsAndExecute(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterActive(&stubTool{name: "ask", reply: "asked"})

	defs := reg.Definitions()
	require.Len(t, defs, 1)
	assert.Equal(t, "ask", defs[0].Function.Name)

	out, err := reg.Execute(context.Background(), "ask", nil)
	require.NoError(t, err)
	assert.Equal(t, "asked", out)

	_, err = reg.Execute(context.Background(), "inactive", nil)
	assert.Error(t, err)
}
