package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config represents the application configuration
type Config struct {
	General struct {
		ListenAddr string `koanf:"listen_addr"`
		LogLevel   string `koanf:"log_level"`
		PrettyLogs bool   `koanf:"pretty_logs"`
	} `koanf:"general"`

	Database struct {
		URL string `koanf:"url"`
	} `koanf:"database"`

	Ledger struct {
		BaseURL string        `koanf:"base_url"`
		Timeout time.Duration `koanf:"timeout"`
		// Enabled=false skips metering entirely (local development).
		Enabled bool `koanf:"enabled"`
	} `koanf:"ledger"`

	Model struct {
		Default     string  `koanf:"default"`
		Provider    string  `koanf:"provider"`
		APIKey      string  `koanf:"api_key"`
		BaseURL     string  `koanf:"base_url"`
		Temperature float64 `koanf:"temperature"`
		MaxTokens   int     `koanf:"max_tokens"`
	} `koanf:"model"`

	Agent struct {
		MaxIterations     int           `koanf:"max_iterations"`
		StopCheckInterval time.Duration `koanf:"stop_check_interval"`
		StreamTTL         time.Duration `koanf:"stream_ttl"`
		StreamMaxLen      int           `koanf:"stream_max_len"`
	} `koanf:"agent"`

	Compression struct {
		Enabled        bool `koanf:"enabled"`
		TokenThreshold int  `koanf:"token_threshold"`
		KeepRecent     int  `koanf:"keep_recent"`
	} `koanf:"compression"`

	Auth struct {
		JWTSecret string `koanf:"jwt_secret"`
	} `koanf:"auth"`

	// SystemPrompt overrides the built-in agent instructions when set.
	SystemPrompt string `koanf:"system_prompt"`

	// MCPServers are external tool servers whose tools become available
	// for just-in-time activation.
	MCPServers []MCPServer `koanf:"mcp_servers"`
}

// MCPServer configures one external tool server process.
type MCPServer struct {
	Name    string   `koanf:"name"`
	Command string   `koanf:"command"`
	Args    []string `koanf:"args"`
}

// LoadConfig loads the configuration from a file
func LoadConfig(configPath string) (*Config, error) {
	var k = koanf.New(".")

	// Set up default configuration
	k.Load(confmap.Provider(map[string]interface{}{
		"general.listen_addr":         ":8090",
		"general.log_level":           "info",
		"ledger.timeout":              "10s",
		"ledger.enabled":              true,
		"model.default":               "claude-sonnet-4",
		"model.provider":              "anthropic",
		"model.temperature":           0.7,
		"agent.max_iterations":        25,
		"agent.stop_check_interval":   "2s",
		"agent.stream_ttl":            "10m",
		"agent.stream_max_len":        200,
		"compression.enabled":         true,
		"compression.token_threshold": 100000,
		"compression.keep_recent":     10,
	}, "."), nil)

	// Load from TOML file if it exists
	if configPath != "" {
		if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
			return nil, fmt.Errorf("error loading config: %w", err)
		}
	} else {
		// Try to load from default locations
		defaultPaths := []string{"./agentd.toml", "$HOME/.agentd.toml"}
		for _, path := range defaultPaths {
			path = os.ExpandEnv(path)
			if _, err := os.Stat(path); err == nil {
				if err := k.Load(file.Provider(path), toml.Parser()); err == nil {
					break
				}
			}
		}
	}

	// Load from environment variables with prefix AGENTD_
	k.Load(env.Provider("AGENTD_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "AGENTD_")), "_", ".", -1)
	}), nil)

	var config Config
	if err := k.Unmarshal("", &config); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}

	return &config, nil
}

// InitConfig initializes a new configuration file
func InitConfig(configPath string) error {
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("configuration file already exists at %s", configPath)
	}

	sampleConfig := `# agentd configuration

[general]
listen_addr = ":8090"
log_level = "info"

[database]
url = "postgres://localhost:5432/agentd?sslmode=disable"

[ledger]
base_url = "https://tokens.example.com"
timeout = "10s"
enabled = true

[model]
default = "claude-sonnet-4"
provider = "anthropic"
api_key = "your-api-key"
temperature = 0.7

[agent]
max_iterations = 25
stop_check_interval = "2s"

[compression]
enabled = true
token_threshold = 100000
keep_recent = 10

[auth]
jwt_secret = "change-me"

# [[mcp_servers]]
# name = "web"
# command = "npx"
# args = ["-y", "@some/mcp-web-server"]
`

	return os.WriteFile(configPath, []byte(sampleConfig), 0644)
}

// Validate validates the configuration. Metering and model credentials are
// required for operation; failing here is preferred over silently running
// unmetered or unauthenticated.
func Validate(config *Config) error {
	if config.Database.URL == "" {
		return fmt.Errorf("database url is required")
	}

	if config.Ledger.Enabled && config.Ledger.BaseURL == "" {
		return fmt.Errorf("ledger base_url is required when billing is enabled")
	}

	if config.Model.Default == "" {
		return fmt.Errorf("default model is required")
	}

	if config.Model.APIKey == "" && config.Model.Provider != "ollama" {
		return fmt.Errorf("model api_key is required for provider %s", config.Model.Provider)
	}

	if config.Auth.JWTSecret == "" {
		return fmt.Errorf("auth jwt_secret is required")
	}

	for _, srv := range config.MCPServers {
		if srv.Name == "" || srv.Command == "" {
			return fmt.Errorf("mcp server entries need both name and command")
		}
	}

	return nil
}
