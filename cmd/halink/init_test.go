package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"

	"github.com/nugget/halink/internal/config"
	"github.com/nugget/halink/internal/defaults"
)

// clearUmask sets the process umask to 0 so file permission assertions are
// deterministic. It restores the original umask when the test completes.
func clearUmask(t *testing.T) {
	t.Helper()
	old := syscall.Umask(0)
	t.Cleanup(func() { syscall.Umask(old) })
}

func TestRunInit_FreshDirectory(t *testing.T) {
	clearUmask(t)
	dir := filepath.Join(t.TempDir(), "halink")
	var buf bytes.Buffer

	if err := runInit(&buf, dir); err != nil {
		t.Fatalf("runInit failed: %v", err)
	}

	path := filepath.Join(dir, "config.yaml")
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("config.yaml not created: %v", err)
	}
	if got := info.Mode().Perm(); got != 0o600 {
		t.Errorf("config.yaml permissions = %o, want 0600", got)
	}
	got, _ := os.ReadFile(path)
	if !bytes.Equal(got, defaults.ConfigYAML) {
		t.Error("config.yaml does not match the embedded example")
	}
	if !strings.Contains(buf.String(), "wrote "+path) {
		t.Errorf("output = %q", buf.String())
	}
}

func TestRunInit_KeepsExistingConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("log_level: debug\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := run(t.Context(), &buf, &buf, []string{"init", dir}); err != nil {
		t.Fatalf("init: %v", err)
	}
	got, _ := os.ReadFile(path)
	if string(got) != "log_level: debug\n" {
		t.Errorf("existing config overwritten: %q", got)
	}
	if !strings.Contains(buf.String(), "already exists") {
		t.Errorf("output = %q", buf.String())
	}
}

func TestExampleConfigIsValid(t *testing.T) {
	t.Setenv("HOMEASSISTANT_TOKEN", "example-token")
	cfg, err := config.Parse(defaults.ConfigYAML)
	if err != nil {
		t.Fatalf("Parse(example): %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate(example): %v", err)
	}
	if cfg.MQTT.Enabled() {
		t.Error("example config enables the MQTT mirror")
	}
	if !cfg.Journal.Enabled() || cfg.HomeAssistant.Subscribe.RateLimitPerMinute != 30 {
		t.Errorf("example journal/subscribe = %+v / %+v", cfg.Journal, cfg.HomeAssistant.Subscribe)
	}
}
