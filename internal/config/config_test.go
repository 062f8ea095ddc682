package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ENCRYPTION_KEY", "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcd")

	tests := []struct {
		name   string
		check  func(*Config) bool
		expect string
	}{
		{"default mode is api", func(c *Config) bool { return c.Mode == "api" }, "api"},
		{"default host is 0.0.0.0", func(c *Config) bool { return c.Host == "0.0.0.0" }, "0.0.0.0"},
		{"default port is 8080", func(c *Config) bool { return c.Port == 8080 }, "8080"},
		{"default log level is info", func(c *Config) bool { return c.LogLevel == "info" }, "info"},
		{"default log format is json", func(c *Config) bool { return c.LogFormat == "json" }, "json"},
		{"default metrics path", func(c *Config) bool { return c.MetricsPath == "/metrics" }, "/metrics"},
		{"default encryption key version is 0", func(c *Config) bool { return c.EncryptionKeyVersion == 0 }, "0"},
		{"listen addr format", func(c *Config) bool { return c.ListenAddr() == "0.0.0.0:8080" }, "0.0.0.0:8080"},
	}

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.check(cfg) {
				t.Errorf("expected %s", tt.expect)
			}
		})
	}
}

func TestLoadHistoricalKeys(t *testing.T) {
	t.Setenv("ENCRYPTION_KEY", "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcd")

	cfg, err := Load([]string{
		"ENCRYPTION_KEY_V0=aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		"ENCRYPTION_KEY_V1=bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb",
		"UNRELATED=ignored",
	})
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if len(cfg.EncryptionKeyHistory) != 2 {
		t.Fatalf("expected 2 historical keys, got %d", len(cfg.EncryptionKeyHistory))
	}
	if cfg.EncryptionKeyHistory["0"] == "" || cfg.EncryptionKeyHistory["1"] == "" {
		t.Fatalf("expected historical keys 0 and 1 to be populated")
	}
}
