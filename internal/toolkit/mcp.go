package toolkit

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog/log"
)

// MCPServerConfig describes one external tool server.
type MCPServerConfig struct {
	Name    string   `json:"name"`
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
}

// MCPBridge connects to an MCP server and exposes its tools as registry
// factories. Tools are namespaced as server_toolname.
type MCPBridge struct {
	config  MCPServerConfig
	client  *mcp.Client
	session *mcp.ClientSession
}

func NewMCPBridge(config MCPServerConfig) *MCPBridge {
	return &MCPBridge{
		config: config,
		client: mcp.NewClient(&mcp.Implementation{Name: "agentd", Version: "1.0.0"}, nil),
	}
}

// Connect starts the server process and performs the MCP handshake.
func (b *MCPBridge) Connect(ctx context.Context) error {
	cmd := exec.Command(b.config.Command, b.config.Args...)
	session, err := b.client.Connect(ctx, &mcp.CommandTransport{Command: cmd}, nil)
	if err != nil {
		return fmt.Errorf("connect to mcp server %s: %w", b.config.Name, err)
	}
	b.session = session
	return nil
}

// Close shuts down the server session.
func (b *MCPBridge) Close() error {
	if b.session == nil {
		return nil
	}
	return b.session.Close()
}

// Factories lists the server's tools and returns a registry factory per
// tool, keyed by the namespaced name.
func (b *MCPBridge) Factories(ctx context.Context) (map[string]Factory, error) {
	if b.session == nil {
		return nil, fmt.Errorf("mcp server %s is not connected", b.config.Name)
	}

	listed, err := b.session.ListTools(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("list tools on %s: %w", b.config.Name, err)
	}

	factories := make(map[string]Factory, len(listed.Tools))
	for _, t := range listed.Tools {
		name := b.config.Name + "_" + t.Name
		tool := &mcpTool{
			bridge:      b,
			remoteName:  t.Name,
			name:        name,
			description: t.Description,
			schema:      schemaToMap(t.InputSchema),
		}
		factories[name] = func() (Tool, error) { return tool, nil }
		log.Debug().
			Str("server", b.config.Name).
			Str("tool", name).
			Msg("Discovered MCP tool")
	}
	return factories, nil
}

// RegisterTools registers each of the server's tools with the given
// registry under its namespaced name.
func (b *MCPBridge) RegisterTools(ctx context.Context, registry *Registry) error {
	factories, err := b.Factories(ctx)
	if err != nil {
		return err
	}
	for name, factory := range factories {
		registry.Register(name, factory)
	}
	return nil
}

type mcpTool struct {
	bridge      *MCPBridge
	remoteName  string
	name        string
	description string
	schema      map[string]any
}

func (t *mcpTool) Name() string        { return t.name }
func (t *mcpTool) Description() string { return t.description }

func (t *mcpTool) Parameters() map[string]any {
	if t.schema != nil {
		return t.schema
	}
	return map[string]any{"type": "object", "properties": map[string]any{}}
}

func (t *mcpTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var arguments map[string]any
	if len(args) > 0 {
		if err := json.Unmarshal(args, &arguments); err != nil {
			return "", fmt.Errorf("decode arguments: %w", err)
		}
	}

	res, err := t.bridge.session.CallTool(ctx, &mcp.CallToolParams{
		Name:      t.remoteName,
		Arguments: arguments,
	})
	if err != nil {
		return "", fmt.Errorf("call %s: %w", t.name, err)
	}

	var parts []string
	for _, content := range res.Content {
		if text, ok := content.(*mcp.TextContent); ok {
			parts = append(parts, text.Text)
		}
	}
	out := strings.Join(parts, "\n")

	if res.IsError {
		return "", fmt.Errorf("%s failed: %s", t.name, out)
	}
	return out, nil
}

// schemaToMap converts the SDK's schema representation to the generic map
// the model API takes.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return nil
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}
