package redisstream

import (
	"strings"

	"github.com/pkg/errors"
)

// Settings holds Redis Streams transport configuration for Watermill.
type Settings struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Group    string `mapstructure:"group" yaml:"group"`
	Consumer string `mapstructure:"consumer" yaml:"consumer"`
}

func DefaultSettings() Settings {
	return Settings{
		Addr:     "localhost:6379",
		Group:    "memoh-events",
		Consumer: "memoh-1",
	}
}

// Validate checks the settings needed when Redis is enabled.
func (s Settings) Validate() error {
	if !s.Enabled {
		return nil
	}
	if strings.TrimSpace(s.Addr) == "" {
		return errors.New("redis addr is required when redis is enabled")
	}
	if strings.TrimSpace(s.Group) == "" {
		return errors.New("redis group is required when redis is enabled")
	}
	if strings.TrimSpace(s.Consumer) == "" {
		return errors.New("redis consumer is required when redis is enabled")
	}
	return nil
}
