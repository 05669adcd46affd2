package main

import (
	"bytes"
	"encoding/json"
	"io"
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("GATEWAY_ADDR", ":9090")
	t.Setenv("CONTROL_PLANE_AUDIENCES", "a;b")
	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.HTTP.Addr != ":9090" {
		t.Fatalf("want addr :9090, got %q", cfg.HTTP.Addr)
	}
	if cfg.Storage.Backend != "memory" || cfg.Session.InitTimeout != 30*time.Second || cfg.Session.MaxAge != 24*time.Hour {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if !cfg.OAuth.Enabled || cfg.OAuth.RequireAuth {
		t.Fatalf("want oauth enabled and not required by default")
	}
	if len(cfg.ControlPlane.Audiences) != 2 {
		t.Fatalf("want 2 audiences, got %v", cfg.ControlPlane.Audiences)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad backend", func(c *Config) { c.Storage.Backend = "etcd" }},
		{"auth without oauth", func(c *Config) { c.OAuth.Enabled = false; c.OAuth.RequireAuth = true }},
		{"control plane without audience", func(c *Config) { c.ControlPlane.Issuer = "https://idp.example" }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := loadConfig()
			if err != nil {
				t.Fatalf("loadConfig: %v", err)
			}
			tc.mutate(cfg)
			if err := cfg.validate(); err == nil {
				t.Fatalf("want a validation error")
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	log, err := newLogger(&buf, "warn", "json")
	if err != nil {
		t.Fatalf("newLogger: %v", err)
	}
	log.Info("dropped")
	log.Warn("kept")
	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("want one JSON record, got %q", buf.String())
	}
	if rec["msg"] != "kept" {
		t.Fatalf("unexpected record %v", rec)
	}

	if _, err := newLogger(io.Discard, "loud", "json"); err == nil {
		t.Fatalf("want an error for an unknown level")
	}
	if _, err := newLogger(io.Discard, "info", "xml"); err == nil {
		t.Fatalf("want an error for an unknown format")
	}
}

func TestSchemaCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"schema"})
	defer rootCmd.SetArgs(nil)
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("schema: %v", err)
	}
	var schema map[string]any
	if err := json.Unmarshal(out.Bytes(), &schema); err != nil {
		t.Fatalf("want JSON output: %v", err)
	}
	if _, ok := schema["properties"]; !ok {
		t.Fatalf("want a properties section, got %v", schema)
	}
}
