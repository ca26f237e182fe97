// Package config loads memoh settings from memoh.yaml, MEMOH_* environment
// variables and command-line flags, in increasing order of precedence.
package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/alexma233/Memoh/pkg/redisstream"
)

const (
	EnvPrefix      = "MEMOH"
	ConfigName     = "memoh"
	DefaultAddr    = ":8080"
	DefaultChannel = "web"
)

type Config struct {
	Server ServerConfig         `mapstructure:"server" yaml:"server"`
	Memory MemoryConfig         `mapstructure:"memory" yaml:"memory"`
	Chat   ChatConfig           `mapstructure:"chat" yaml:"chat"`
	Redis  redisstream.Settings `mapstructure:"redis" yaml:"redis"`
	Agent  AgentConfig          `mapstructure:"agent" yaml:"agent"`
	Client ClientConfig         `mapstructure:"client" yaml:"client"`
	Model  ModelConfig          `mapstructure:"model" yaml:"model"`
}

type ModelConfig struct {
	// Provider is "anthropic" or "echo".
	Provider  string `mapstructure:"provider" yaml:"provider"`
	Name      string `mapstructure:"name" yaml:"name"`
	MaxTokens int64  `mapstructure:"max_tokens" yaml:"max_tokens"`
	// APIKey falls back to ANTHROPIC_API_KEY when empty.
	APIKey  string `mapstructure:"api_key" yaml:"api_key"`
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`
}

type ServerConfig struct {
	Addr              string        `mapstructure:"addr" yaml:"addr"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	EnableSchedules   bool          `mapstructure:"enable_schedules" yaml:"enable_schedules"`
}

type MemoryConfig struct {
	// DB is the sqlite file for memory units. Empty keeps them in memory.
	DB                    string `mapstructure:"db" yaml:"db"`
	ContextHorizonMinutes int    `mapstructure:"context_horizon_minutes" yaml:"context_horizon_minutes"`
	MaxContextTokens      int    `mapstructure:"max_context_tokens" yaml:"max_context_tokens"`
	Encoding              string `mapstructure:"encoding" yaml:"encoding"`
}

type ChatConfig struct {
	// DB is the sqlite file for the message log. Empty keeps it in memory.
	DB                string `mapstructure:"db" yaml:"db"`
	MaxMessagesPerBot int    `mapstructure:"max_messages_per_bot" yaml:"max_messages_per_bot"`
}

type AgentConfig struct {
	MaxSteps       int      `mapstructure:"max_steps" yaml:"max_steps"`
	Language       string   `mapstructure:"language" yaml:"language"`
	Channels       []string `mapstructure:"channels" yaml:"channels"`
	CurrentChannel string   `mapstructure:"current_channel" yaml:"current_channel"`
	IdentityFile   string   `mapstructure:"identity_file" yaml:"identity_file"`
	SoulFile       string   `mapstructure:"soul_file" yaml:"soul_file"`
	ToolsFile      string   `mapstructure:"tools_file" yaml:"tools_file"`
	SkillsDir      string   `mapstructure:"skills_dir" yaml:"skills_dir"`
	EnabledSkills  []string `mapstructure:"enabled_skills" yaml:"enabled_skills"`
}

type ClientConfig struct {
	ServerURL       string `mapstructure:"server_url" yaml:"server_url"`
	ExcludedChannel string `mapstructure:"excluded_channel" yaml:"excluded_channel"`
}

// ContextHorizon returns the memory window as a duration.
func (c MemoryConfig) ContextHorizon() time.Duration {
	return time.Duration(c.ContextHorizonMinutes) * time.Minute
}

func setDefaults(v *viper.Viper) {
	rs := redisstream.DefaultSettings()

	v.SetDefault("server.addr", DefaultAddr)
	v.SetDefault("server.heartbeat_interval", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.enable_schedules", true)

	v.SetDefault("memory.db", "")
	v.SetDefault("memory.context_horizon_minutes", 24*60)
	v.SetDefault("memory.max_context_tokens", 8000)
	v.SetDefault("memory.encoding", "cl100k_base")

	v.SetDefault("chat.db", "")
	v.SetDefault("chat.max_messages_per_bot", 5000)

	v.SetDefault("redis.enabled", rs.Enabled)
	v.SetDefault("redis.addr", rs.Addr)
	v.SetDefault("redis.group", rs.Group)
	v.SetDefault("redis.consumer", rs.Consumer)

	v.SetDefault("agent.max_steps", 10)
	v.SetDefault("agent.language", "Same as the user input")
	v.SetDefault("agent.channels", []string{DefaultChannel})
	v.SetDefault("agent.current_channel", DefaultChannel)
	v.SetDefault("agent.identity_file", "")
	v.SetDefault("agent.soul_file", "")
	v.SetDefault("agent.tools_file", "")
	v.SetDefault("agent.skills_dir", "")
	v.SetDefault("agent.enabled_skills", []string{})

	v.SetDefault("model.provider", "echo")
	v.SetDefault("model.name", "claude-3-7-sonnet-latest")
	v.SetDefault("model.max_tokens", 1024)
	v.SetDefault("model.api_key", "")
	v.SetDefault("model.base_url", "")

	v.SetDefault("client.server_url", "http://localhost:8080")
	v.SetDefault("client.excluded_channel", DefaultChannel)
}

// Options controls where Load looks.
type Options struct {
	// File is an explicit config path. When empty, memoh.yaml is searched in
	// the working directory and $HOME/.memoh, and a missing file is fine.
	File string
	// Flags, when set, override file and environment values. Flag names use
	// dashes for the dotted keys, e.g. --server-addr for server.addr.
	Flags *pflag.FlagSet
}

// Load resolves the configuration.
func Load(opts Options) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.File != "" {
		v.SetConfigFile(opts.File)
	} else {
		v.SetConfigName(ConfigName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.memoh")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if opts.File != "" || !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "read config")
		}
	}

	if opts.Flags != nil {
		for _, key := range v.AllKeys() {
			if f := opts.Flags.Lookup(strings.ReplaceAll(key, ".", "-")); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, errors.Wrapf(err, "bind flag for %s", key)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(c.Server.Addr) == "" {
		return errors.New("server.addr is required")
	}
	if c.Memory.ContextHorizonMinutes < 0 {
		return errors.New("memory.context_horizon_minutes must not be negative")
	}
	if c.Memory.MaxContextTokens < 0 {
		return errors.New("memory.max_context_tokens must not be negative")
	}
	if c.Agent.MaxSteps < 0 {
		return errors.New("agent.max_steps must not be negative")
	}
	switch c.Model.Provider {
	case "anthropic", "echo":
	default:
		return errors.Errorf("model.provider %q is not supported", c.Model.Provider)
	}
	if err := c.Redis.Validate(); err != nil {
		return errors.Wrap(err, "redis")
	}
	return nil
}
