package server

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied wherever the config file or flags are silent.
const (
	DefaultPort         = 8080
	DefaultQueueSize    = 256
	DefaultWriteTimeout = 3 * time.Second
)

// Config holds the server's runtime settings.
type Config struct {
	Port         int
	QueueSize    int
	WriteTimeout time.Duration
}

// yamlConfig is the on-disk shape; durations are Go duration strings.
type yamlConfig struct {
	Port         int    `yaml:"port"`
	QueueSize    int    `yaml:"queue_size"`
	WriteTimeout string `yaml:"write_timeout"`
}

// DefaultConfig returns the built-in settings.
func DefaultConfig() Config {
	return Config{
		Port:         DefaultPort,
		QueueSize:    DefaultQueueSize,
		WriteTimeout: DefaultWriteTimeout,
	}
}

// LoadConfig reads a YAML config file and overlays it onto the defaults.
// A missing file is not an error — the defaults stand.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}

	var y yamlConfig
	if err := yaml.Unmarshal(data, &y); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	if y.Port != 0 {
		cfg.Port = y.Port
	}
	if y.QueueSize != 0 {
		cfg.QueueSize = y.QueueSize
	}
	if y.WriteTimeout != "" {
		d, err := time.ParseDuration(y.WriteTimeout)
		if err != nil {
			return cfg, fmt.Errorf("parse %s: write_timeout: %w", path, err)
		}
		cfg.WriteTimeout = d
	}
	return cfg, nil
}
