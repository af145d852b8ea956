package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nraphael/ipywidgets/internal/testutil/testlog"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "widgetd.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDaemonConfigFillsDefaults(t *testing.T) {
	testlog.Start(t)

	path := writeConfig(t, `kernel_url = "ws://localhost:8888/api/kernels/main/channels"`)
	cfg, err := LoadDaemonConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Name != "widgetd" || cfg.Addr != ":8890" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadDaemonConfigRejectsBadKernelURL(t *testing.T) {
	testlog.Start(t)

	path := writeConfig(t, `kernel_url = "http://localhost:8888"`)
	if _, err := LoadDaemonConfig(path); err == nil || !strings.Contains(err.Error(), "kernel_url") {
		t.Fatalf("expected kernel_url error, got %v", err)
	}
}

func TestLoadDaemonConfigRejectsHalfTLSKeypair(t *testing.T) {
	testlog.Start(t)

	path := writeConfig(t, `kernel_tls_key_file = "pki/widgetd.key"`)
	if _, err := LoadDaemonConfig(path); err == nil || !strings.Contains(err.Error(), "kernel_tls_cert_file") {
		t.Fatalf("expected tls keypair error, got %v", err)
	}
}

func TestLoadDaemonConfigValidatesModules(t *testing.T) {
	testlog.Start(t)

	path := writeConfig(t, `
[[modules]]
name = "@jupyter-widgets/controls"
range = ""
classes = ["FloatSliderModel"]
`)
	if _, err := LoadDaemonConfig(path); err == nil || !strings.Contains(err.Error(), "module[0]") {
		t.Fatalf("expected module validation error, got %v", err)
	}
}

func TestModuleBundles(t *testing.T) {
	testlog.Start(t)

	bundles := ModuleBundles([]ModuleConfig{
		{Name: "@jupyter-widgets/controls", Range: "^2.0.0", Classes: []string{"HTMLModel", "ButtonModel"}},
	})
	if len(bundles) != 1 {
		t.Fatalf("expected one bundle, got %d", len(bundles))
	}
	b := bundles[0]
	if b.Name != "@jupyter-widgets/controls" || b.Version != "^2.0.0" {
		t.Fatalf("unexpected bundle header: %+v", b)
	}
	if len(b.Exports) != 2 {
		t.Fatalf("expected two classes, got %d", len(b.Exports))
	}
	if err := b.Validate(); err != nil {
		t.Fatalf("bundle invalid: %v", err)
	}
}

func TestTemplateRoundTrip(t *testing.T) {
	testlog.Start(t)

	path := filepath.Join(t.TempDir(), "widgetd.toml")
	if err := WriteTemplate(path, "daemon", false); err != nil {
		t.Fatalf("write template: %v", err)
	}
	cfg, err := LoadDaemonConfig(path)
	if err != nil {
		t.Fatalf("load template: %v", err)
	}
	if len(cfg.Modules) != 1 || len(cfg.Modules[0].Classes) == 0 {
		t.Fatalf("template modules missing: %+v", cfg.Modules)
	}
	if cfg.AdminToken == "" || cfg.KernelToken == "" {
		t.Fatalf("template must ship placeholder tokens: %+v", cfg)
	}
	if err := WriteTemplate(path, "daemon", false); err == nil {
		t.Fatal("expected overwrite refusal")
	}
	if _, err := Template("kernel"); err == nil {
		t.Fatal("expected unknown kind error")
	}
}
