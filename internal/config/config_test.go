package config

import (
	"path/filepath"
	"testing"
)

func TestServerConfigRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "transferase_server.conf")

	c := DefaultServerConfig()
	c.IndexDir = filepath.Join(dir, "indexes")
	c.MethylomeDir = filepath.Join(dir, "methylomes")
	c.PIDFile = filepath.Join(dir, "transferase.pid")

	if err := WriteServerConfig(path, c); err != nil {
		t.Fatalf("WriteServerConfig: %v", err)
	}
	got, err := ReadServerConfig(path)
	if err != nil {
		t.Fatalf("ReadServerConfig: %v", err)
	}
	if got.Hostname != c.Hostname || got.Port != c.Port || got.IndexDir != c.IndexDir {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, c)
	}
	if err := got.Validate(); err != nil {
		t.Fatalf("round-tripped config should validate: %v", err)
	}
}

func TestServerConfigValidate(t *testing.T) {
	cases := []struct {
		name string
		mod  func(*ServerConfig)
		ok   bool
	}{
		{"missing hostname", func(c *ServerConfig) { c.Hostname = "" }, false},
		{"missing port", func(c *ServerConfig) { c.Port = 0 }, false},
		{"too many threads", func(c *ServerConfig) { c.NThreads = MaxNThreads + 1 }, false},
		{"zero bin size", func(c *ServerConfig) { c.MinBinSize = 0 }, false},
		{"bad log level", func(c *ServerConfig) { c.LogLevel = "verbose" }, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := DefaultServerConfig()
			c.IndexDir, c.MethylomeDir = "idx", "meth"
			tc.mod(&c)
			err := c.Validate()
			if tc.ok && err != nil {
				t.Fatalf("expected valid, got %v", err)
			}
			if !tc.ok && err == nil {
				t.Fatalf("expected invalid, got nil error")
			}
		})
	}
}

func TestClientConfigRoundTrip(t *testing.T) {
	dir := t.TempDir()
	c := ClientConfig{Hostname: "mirror.example.org", Port: 5009, MethylomeDir: "ignored"}
	if err := WriteClientConfig(dir, c); err != nil {
		t.Fatalf("WriteClientConfig: %v", err)
	}
	got, err := ReadClientConfig(dir)
	if err != nil {
		t.Fatalf("ReadClientConfig: %v", err)
	}
	if got.Hostname != c.Hostname || got.Port != c.Port {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, c)
	}
	if err := got.Validate(); err != nil {
		t.Fatalf("round-tripped config should validate: %v", err)
	}
}

func TestClientConfigValidateMissingHostname(t *testing.T) {
	c := ClientConfig{Port: 5009, IndexDir: "idx"}
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for missing hostname")
	}
}
