package session

import (
	"errors"
	"testing"
	"time"

	"tlsprobe/message"
	"tlsprobe/record"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"default", func(*Config) {}, false},
		{"missing_host", func(c *Config) { c.Host = "" }, true},
		{"bad_port", func(c *Config) { c.Port = 70000 }, true},
		{"bad_network", func(c *Config) { c.Network = "sctp" }, true},
		{"zero_timeout", func(c *Config) { c.Timeout = 0 }, true},
		{"dtls_over_tcp", func(c *Config) { c.HighestVersion = record.DTLS12 }, true},
		{"dtls_over_udp", func(c *Config) { c.HighestVersion = record.DTLS12; c.Network = "udp" }, false},
		{"no_suites", func(c *Config) { c.CipherSuites = nil }, true},
		{"no_parallelism", func(c *Config) { c.Parallelism = 0 }, true},
		{"ws_without_url", func(c *Config) { c.Network = "ws" }, true},
		{"ws_relay", func(c *Config) { c.Network = "ws"; c.WebSocketURL = "ws://relay.test/tunnel" }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrConfig) {
				t.Errorf("Error should wrap ErrConfig: %v", err)
			}
		})
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("TARGET_HOST", "example.test")
	t.Setenv("TARGET_PORT", "8443")
	t.Setenv("TIMEOUT", "750ms")
	t.Setenv("PROTOCOL_VERSION", "DTLS12")
	t.Setenv("CIPHER_SUITES", "TLS_RSA_WITH_AES_128_CBC_SHA,0xc02f")
	t.Setenv("NAMED_GROUPS", "secp384r1")
	t.Setenv("PROBES", "4")
	t.Setenv("PARALLELISM", "2")

	cfg, err := LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("LoadConfigFromEnv failed: %v", err)
	}
	if cfg.Address() != "example.test:8443" {
		t.Errorf("Address = %q", cfg.Address())
	}
	if cfg.Timeout != 750*time.Millisecond {
		t.Errorf("Timeout = %v", cfg.Timeout)
	}
	if cfg.HighestVersion != record.DTLS12 || cfg.Network != "udp" {
		t.Errorf("Version %s over %s", cfg.HighestVersion, cfg.Network)
	}
	if len(cfg.CipherSuites) != 2 || cfg.CipherSuites[1] != record.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256 {
		t.Errorf("CipherSuites = %x", cfg.CipherSuites)
	}
	if len(cfg.NamedGroups) != 1 || cfg.NamedGroups[0] != message.GroupSecp384r1 {
		t.Errorf("NamedGroups = %v", cfg.NamedGroups)
	}
	if cfg.ServerName != "example.test" || cfg.Probes != 4 || cfg.Parallelism != 2 {
		t.Errorf("Unexpected config %+v", cfg)
	}
}

func TestLoadConfigFromEnvRejectsBadValues(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"PROTOCOL_VERSION", "TLS99"},
		{"CIPHER_SUITES", "TLS_NOT_A_SUITE"},
		{"NAMED_GROUPS", "curve9000"},
		{"TRANSPORT", "carrier-pigeon"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := LoadConfigFromEnv(); !errors.Is(err, ErrConfig) {
				t.Errorf("Expected ErrConfig, got %v", err)
			}
		})
	}
}
