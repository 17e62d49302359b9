package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Transport shapes understood by the backend package
const (
	TransportRaw       = "raw"
	TransportFramed    = "framed"
	TransportLangChain = "langchain"
)

// Config represents the application configuration
type Config struct {
	Backend      BackendConfig      `mapstructure:"backend"`
	Model        ModelConfig        `mapstructure:"model"`
	RAG          RAGConfig          `mapstructure:"rag"`
	Stream       StreamConfig       `mapstructure:"stream"`
	Permissions  PermissionsConfig  `mapstructure:"permissions"`
	Capabilities CapabilitiesConfig `mapstructure:"capabilities"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// BackendConfig describes where turns are streamed from
type BackendConfig struct {
	URL       string        `mapstructure:"url"`
	Transport string        `mapstructure:"transport"`
	APIKey    string        `mapstructure:"api_key"`
	Timeout   time.Duration `mapstructure:"timeout"`
	// Provider selects the langchaingo model when Transport is "langchain".
	Provider string `mapstructure:"provider"`
}

// ModelConfig holds the per-request generation options
type ModelConfig struct {
	Name        string  `mapstructure:"name"`
	Temperature float64 `mapstructure:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	TopP        float64 `mapstructure:"top_p"`
}

// RAGConfig controls retrieval augmentation
type RAGConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	TopK           int    `mapstructure:"top_k"`
	PersistenceDir string `mapstructure:"persistence_dir"`
	Collection     string `mapstructure:"collection"`
	EmbeddingModel string `mapstructure:"embedding_model"`
}

// StreamConfig controls render-snapshot coalescing
type StreamConfig struct {
	CoalesceInterval time.Duration `mapstructure:"coalesce_interval"`
}

// PermissionRuleConfig is one tool permission rule
type PermissionRuleConfig struct {
	ToolPattern string `mapstructure:"tool_pattern"`
	Action      string `mapstructure:"action"`
	Priority    int    `mapstructure:"priority"`
}

// PermissionsConfig holds the tool permission policy
type PermissionsConfig struct {
	AutoApprove      bool                   `mapstructure:"auto_approve"`
	AutoApproveDelay time.Duration          `mapstructure:"auto_approve_delay"`
	Rules            []PermissionRuleConfig `mapstructure:"rules"`
}

// CapabilitiesConfig holds the capability store location
type CapabilitiesConfig struct {
	StorePath string `mapstructure:"store_path"`
}

// LoggingConfig holds logging-related configuration
type LoggingConfig struct {
	LogFile        string `mapstructure:"log_file"`
	Level          string `mapstructure:"level"`
	Persist        bool   `mapstructure:"persist"`
	TranscriptFile string `mapstructure:"transcript_file"`
}

var cfg *Config

// Get returns the global config instance
func Get() *Config {
	if cfg == nil {
		panic("config not initialized")
	}
	return cfg
}

// Load loads configuration from file and environment
func Load(cfgFile string) (*Config, error) {
	setDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		xdgConfigHome := os.Getenv("XDG_CONFIG_HOME")
		if xdgConfigHome == "" {
			xdgConfigHome = filepath.Join(home, ".config")
		}

		viper.AddConfigPath("./.minichat")
		viper.AddConfigPath(filepath.Join(xdgConfigHome, ".minichat"))
		viper.SetConfigType("yaml")
		viper.SetConfigName("settings")
	}

	viper.SetEnvPrefix("MINICHAT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		// A missing file is fine; defaults apply.
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	loaded, err := decode()
	if err != nil {
		return nil, err
	}
	cfg = loaded
	return cfg, nil
}

func decode() (*Config, error) {
	c := &Config{}
	if err := viper.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks enumerated values and ranges
func (c *Config) Validate() error {
	switch c.Backend.Transport {
	case TransportRaw, TransportFramed, TransportLangChain:
	default:
		return fmt.Errorf("invalid backend.transport %q: want raw, framed or langchain", c.Backend.Transport)
	}
	if c.Stream.CoalesceInterval < 0 {
		return fmt.Errorf("invalid stream.coalesce_interval: %v", c.Stream.CoalesceInterval)
	}
	if c.Permissions.AutoApproveDelay < 0 {
		return fmt.Errorf("invalid permissions.auto_approve_delay: %v", c.Permissions.AutoApproveDelay)
	}
	for i, r := range c.Permissions.Rules {
		switch r.Action {
		case "allow", "deny", "ask":
		default:
			return fmt.Errorf("invalid permissions.rules[%d].action %q", i, r.Action)
		}
	}
	return nil
}

// setDefaults sets all default configuration values
func setDefaults() {
	viper.SetDefault("backend.url", "http://localhost:20001/api")
	viper.SetDefault("backend.transport", TransportFramed)
	viper.SetDefault("backend.api_key", "")
	viper.SetDefault("backend.timeout", "60s")
	viper.SetDefault("backend.provider", "ollama")

	viper.SetDefault("model.name", "gpt-4")
	viper.SetDefault("model.temperature", 0.7)
	viper.SetDefault("model.max_tokens", 2048)
	viper.SetDefault("model.top_p", 1.0)

	viper.SetDefault("rag.enabled", false)
	viper.SetDefault("rag.top_k", 3)
	viper.SetDefault("rag.persistence_dir", "./.minichat/vectors")
	viper.SetDefault("rag.collection", "documents")
	viper.SetDefault("rag.embedding_model", "nomic-embed-text")

	viper.SetDefault("stream.coalesce_interval", "16ms")

	viper.SetDefault("permissions.auto_approve", false)
	viper.SetDefault("permissions.auto_approve_delay", "800ms")

	viper.SetDefault("capabilities.store_path", "./.minichat/capabilities.json")

	viper.SetDefault("logging.log_file", "./.minichat/system.log")
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.persist", false)
	viper.SetDefault("logging.transcript_file", "./.minichat/logs/chat.history")
}

// GetConfigFileUsed returns the path to the config file being used
func GetConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
