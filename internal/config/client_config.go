package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"

	"github.com/andrewdavidsmith/transferase-go/internal/errs"
)

const (
	TransferaseConfigDirnameDefault = ".config/transferase"
	ClientConfigFilenameDefault     = "transferase_client.json"
	IndexDirnameDefault             = "indexes"
)

// ClientConfig is the client-side discovery surface: which server to
// dial and where locally-cached indexes/metadata live.
type ClientConfig struct {
	Hostname     string `mapstructure:"hostname"`
	Port         uint16 `mapstructure:"port"`
	IndexDir     string `mapstructure:"index_dir"`
	MethylomeDir string `mapstructure:"methylome_dir"`
	LogFile      string `mapstructure:"log_file"`
	LogLevel     string `mapstructure:"log_level"`
}

// Validate checks that every field required to reach a server is set.
func (c ClientConfig) Validate() error {
	if c.Hostname == "" {
		return errs.ErrHostnameNotConfigured
	}
	if c.Port == 0 {
		return errs.ErrPortNotConfigured
	}
	if c.IndexDir == "" {
		return errs.ErrIndexDirNotConfigured
	}
	return nil
}

// SystemConfigDir returns the default client config directory,
// $HOME/.config/transferase.
func SystemConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errs.Wrap(errs.CategoryClientConfig, errs.StatusBadRequest, "HOME not set", err)
	}
	return filepath.Join(home, TransferaseConfigDirnameDefault), nil
}

// ConfigFile returns dir/transferase_client.json, the canonical client
// config file path for a given config directory.
func ConfigFile(dir string) string {
	return filepath.Join(dir, ClientConfigFilenameDefault)
}

// ReadClientConfig reads the client config from dir's config file, or
// from the system default directory if dir is empty.
func ReadClientConfig(dir string) (ClientConfig, error) {
	if dir == "" {
		var err error
		dir, err = SystemConfigDir()
		if err != nil {
			return ClientConfig{}, err
		}
	}
	v := viper.New()
	v.SetConfigFile(ConfigFile(dir))
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		return ClientConfig{}, errs.Wrap(errs.CategoryClientConfig, errs.StatusBadRequest, "read client config", err)
	}
	var c ClientConfig
	if err := v.Unmarshal(&c); err != nil {
		return ClientConfig{}, errs.Wrap(errs.CategoryClientConfig, errs.StatusBadRequest, "parse client config", err)
	}
	if c.IndexDir == "" {
		c.IndexDir = filepath.Join(dir, IndexDirnameDefault)
	}
	return c, nil
}

// WriteClientConfig persists c as JSON under dir, creating dir and its
// index subdirectory if needed.
func WriteClientConfig(dir string, c ClientConfig) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errs.Wrap(errs.CategoryIO, errs.StatusServerFailure, "create client config dir", err)
	}
	if c.IndexDir == "" {
		c.IndexDir = filepath.Join(dir, IndexDirnameDefault)
	}
	if err := os.MkdirAll(c.IndexDir, 0o755); err != nil {
		return errs.Wrap(errs.CategoryIO, errs.StatusServerFailure, "create index dir", err)
	}
	body := fmt.Sprintf(
		`{"hostname":%q,"port":%d,"index_dir":%q,"methylome_dir":%q,"log_file":%q,"log_level":%q}`+"\n",
		c.Hostname, c.Port, c.IndexDir, c.MethylomeDir, c.LogFile, c.LogLevel)
	return atomicWrite(ConfigFile(dir), []byte(body))
}
