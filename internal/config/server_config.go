// Package config implements the server and client configuration
// layers, both read with github.com/spf13/viper, validated via a
// Validate() error method per struct, and written atomically (temp file
// + rename). The server config is an INI-like key=value file; the client
// config is a JSON file.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"

	"github.com/andrewdavidsmith/transferase-go/internal/errs"
)

const (
	// MaxNThreads and MaxMaxResident bound what a config file may ask
	// for.
	MaxNThreads    = 1024
	MaxMaxResident = 8192

	DefaultNThreads    = 1
	DefaultMaxResident = 128

	ServerConfigFilenameDefault = "transferase_server.json"
)

// ServerConfig is the server's runtime discovery surface: hostname,
// port, storage directories, and the validation limits threaded into
// internal/wire.Limits.
type ServerConfig struct {
	Hostname     string `mapstructure:"hostname"`
	Port         uint16 `mapstructure:"port"`
	IndexDir     string `mapstructure:"index_dir"`
	MethylomeDir string `mapstructure:"methylome_dir"`
	LogFile      string `mapstructure:"log_file"`
	LogLevel     string `mapstructure:"log_level"`
	NThreads     uint32 `mapstructure:"n_threads"`
	MaxResident  uint32 `mapstructure:"max_resident"`
	MinBinSize   uint32 `mapstructure:"min_bin_size"`
	MaxIntervals uint32 `mapstructure:"max_intervals"`
	PIDFile      string `mapstructure:"pid_file"`
}

// DefaultServerConfig returns a ServerConfig pre-filled with working
// defaults for everything but the storage directories.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Hostname:     "localhost",
		Port:         5009,
		NThreads:     DefaultNThreads,
		MaxResident:  DefaultMaxResident,
		MinBinSize:   100,
		MaxIntervals: 2_000_000,
		LogLevel:     "info",
	}
}

// Validate is checked before the server binds its listener.
func (c ServerConfig) Validate() error {
	if c.Hostname == "" {
		return errs.Wrap(errs.CategoryClientConfig, errs.StatusBadRequest, "hostname must not be empty", nil)
	}
	if c.Port == 0 {
		return errs.ErrPortNotConfigured
	}
	if c.IndexDir == "" {
		return errs.ErrIndexDirNotConfigured
	}
	if c.MethylomeDir == "" {
		return errs.ErrMethylomeDirNotConfigured
	}
	if c.NThreads < 1 || c.NThreads > MaxNThreads {
		return fmt.Errorf("config: n_threads must be in [1, %d], got %d", MaxNThreads, c.NThreads)
	}
	if c.MaxResident < 1 || c.MaxResident > MaxMaxResident {
		return fmt.Errorf("config: max_resident must be in [1, %d], got %d", MaxMaxResident, c.MaxResident)
	}
	if c.MinBinSize == 0 {
		return fmt.Errorf("config: min_bin_size must be > 0")
	}
	if c.MaxIntervals == 0 {
		return fmt.Errorf("config: max_intervals must be > 0")
	}
	switch c.LogLevel {
	case "", "debug", "info", "warning", "error", "critical":
	default:
		return fmt.Errorf("config: invalid log_level %q", c.LogLevel)
	}
	return nil
}

// ReadServerConfig parses an INI-like key=value file into a ServerConfig,
// layering onto DefaultServerConfig for any field the file omits.
func ReadServerConfig(path string) (ServerConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("properties")
	def := DefaultServerConfig()
	v.SetDefault("hostname", def.Hostname)
	v.SetDefault("port", def.Port)
	v.SetDefault("n_threads", def.NThreads)
	v.SetDefault("max_resident", def.MaxResident)
	v.SetDefault("min_bin_size", def.MinBinSize)
	v.SetDefault("max_intervals", def.MaxIntervals)
	v.SetDefault("log_level", def.LogLevel)
	if err := v.ReadInConfig(); err != nil {
		return ServerConfig{}, errs.Wrap(errs.CategoryIO, errs.StatusServerFailure, "read server config", err)
	}
	var c ServerConfig
	if err := v.Unmarshal(&c); err != nil {
		return ServerConfig{}, errs.Wrap(errs.CategoryIO, errs.StatusServerFailure, "parse server config", err)
	}
	return c, nil
}

// WriteServerConfig persists c as an INI-like key=value file,
// atomically via temp-file-then-rename.
func WriteServerConfig(path string, c ServerConfig) error {
	if err := c.Validate(); err != nil {
		return err
	}
	lines := fmt.Sprintf(
		"hostname       = %s\n"+
			"port           = %d\n"+
			"index_dir      = %s\n"+
			"methylome_dir  = %s\n"+
			"log_file       = %s\n"+
			"log_level      = %s\n"+
			"n_threads      = %d\n"+
			"max_resident   = %d\n"+
			"min_bin_size   = %d\n"+
			"max_intervals  = %d\n"+
			"pid_file       = %s\n",
		c.Hostname, c.Port, c.IndexDir, c.MethylomeDir, c.LogFile, c.LogLevel,
		c.NThreads, c.MaxResident, c.MinBinSize, c.MaxIntervals, c.PIDFile)
	return atomicWrite(path, []byte(lines))
}

func atomicWrite(path string, data []byte) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
