package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	p := cfg.Policy()
	if p.ExpiryDays != 7 || p.CancelWindow != 24*time.Hour || p.MaxRetries != 3 {
		t.Fatalf("policy %+v", p)
	}
	if cfg.Sync.BaseDelay != time.Second || cfg.Mailbox.PollInterval != time.Minute || cfg.Mailbox.InitialDelay != 5*time.Second {
		t.Fatalf("durations not decoded: %+v %+v", cfg.Sync, cfg.Mailbox)
	}
}

func TestFromYAMLOverridesDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
workflow:
  expiry_days: 10
status:
  aliases:
    em analise: analyzing
webhooks:
  - id: erp
    url: http://erp.local/hook
    events: [SEND_SUCCESS, "*"]
    enabled: true
`))
	if err != nil {
		t.Fatalf("from yaml: %v", err)
	}
	if cfg.Policy().ExpiryDays != 10 || cfg.Policy().MaxRetries != 3 {
		t.Fatalf("policy %+v", cfg.Policy())
	}
	if cfg.Status.Aliases["em analise"] != "analyzing" {
		t.Fatalf("aliases %+v", cfg.Status.Aliases)
	}
	if len(cfg.Webhooks) != 1 || cfg.Server.BasePath != "/v0" {
		t.Fatalf("unexpected config %+v", cfg)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"alias target":   "status:\n  aliases:\n    foo: nowhere\n",
		"mailbox token":  "mailbox:\n  enabled: true\n  token_env: \"\"\n",
		"webhook event":  "webhooks:\n  - id: a\n    url: http://x\n    events: [NOPE]\n",
		"duplicate hook": "webhooks:\n  - id: a\n    url: http://x\n  - id: a\n    url: http://y\n",
		"base path":      "server:\n  base_path: v0\n",
	}
	for name, doc := range cases {
		if _, err := FromYAML([]byte(doc)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	if err != nil || cfg == nil {
		t.Fatalf("missing file should yield defaults: %v", err)
	}
	if _, err := Load(dir); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("Load on missing file: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "quoteline.yml"), []byte("sync:\n  max_attempts: 5\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err = Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Sync.MaxAttempts != 5 {
		t.Fatalf("max attempts %d", cfg.Sync.MaxAttempts)
	}
}
