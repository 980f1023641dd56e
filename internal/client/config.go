package client

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied wherever the config file or flags are silent.
const (
	DefaultHost         = "127.0.0.1"
	DefaultPort         = 8080
	DefaultDownloadsDir = "./downloads"
	DefaultChunkBytes   = 64 * 1024

	// Outbound queue bounds, mirroring the server side.
	DefaultQueueSize    = 256
	DefaultWriteTimeout = 3 * time.Second
)

// Config holds the client's runtime settings.
type Config struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	DownloadsDir string `yaml:"downloads_dir"`
	ChunkBytes   int    `yaml:"chunk_bytes"`
}

// DefaultConfig returns the built-in settings.
func DefaultConfig() Config {
	return Config{
		Host:         DefaultHost,
		Port:         DefaultPort,
		DownloadsDir: DefaultDownloadsDir,
		ChunkBytes:   DefaultChunkBytes,
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

	var y Config
	if err := yaml.Unmarshal(data, &y); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	if y.Host != "" {
		cfg.Host = y.Host
	}
	if y.Port != 0 {
		cfg.Port = y.Port
	}
	if y.DownloadsDir != "" {
		cfg.DownloadsDir = y.DownloadsDir
	}
	if y.ChunkBytes != 0 {
		cfg.ChunkBytes = y.ChunkBytes
	}
	return cfg, nil
}
