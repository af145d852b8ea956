package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/nraphael/ipywidgets/internal/config"
	"github.com/nraphael/ipywidgets/internal/daemon"
)

// widgetd config.toml key mapping to daemon runtime settings.
type fileConfig struct {
	Name            string                `toml:"name"`
	Addr            string                `toml:"addr"`
	KernelURL       string                `toml:"kernel_url"`
	Notebook        string                `toml:"notebook"`
	SnapshotOnExit  bool                  `toml:"snapshot_on_exit"`
	CorsOrigins     []string              `toml:"cors_origins"`
	AdminToken      string                `toml:"admin_token"`
	KernelToken     string                `toml:"kernel_token"`
	KernelTLSCA     string                `toml:"kernel_tls_ca_file"`
	KernelTLSCert   string                `toml:"kernel_tls_cert_file"`
	KernelTLSKey    string                `toml:"kernel_tls_key_file"`
	KernelTLSServer string                `toml:"kernel_tls_server_name"`
	HeartbeatMS     int64                 `toml:"heartbeat_interval_ms"`
	Modules         []config.ModuleConfig `toml:"modules"`
}

// widgetd loader for TOML config with default overlay.
func loadServiceConfig(path string) (daemon.ServiceConfig, error) {
	cfg := daemon.DefaultServiceConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return daemon.ServiceConfig{}, fmt.Errorf("load widgetd config: %w", err)
	}

	if meta.IsDefined("name") {
		cfg.Name = strings.TrimSpace(raw.Name)
	}
	if meta.IsDefined("addr") {
		cfg.ListenAddr = strings.TrimSpace(raw.Addr)
	}
	if meta.IsDefined("kernel_url") {
		cfg.KernelURL = strings.TrimSpace(raw.KernelURL)
	}
	if meta.IsDefined("notebook") {
		cfg.NotebookPath = strings.TrimSpace(raw.Notebook)
	}
	if meta.IsDefined("snapshot_on_exit") {
		cfg.SnapshotOnExit = raw.SnapshotOnExit
	}
	if meta.IsDefined("cors_origins") {
		cfg.CorsOrigins = raw.CorsOrigins
	}
	if meta.IsDefined("admin_token") {
		cfg.AdminToken = strings.TrimSpace(raw.AdminToken)
	}
	if meta.IsDefined("kernel_token") {
		cfg.Kernel.Token = strings.TrimSpace(raw.KernelToken)
	}
	if meta.IsDefined("kernel_tls_ca_file") {
		cfg.Kernel.TLS.CAFile = strings.TrimSpace(raw.KernelTLSCA)
	}
	if meta.IsDefined("kernel_tls_cert_file") {
		cfg.Kernel.TLS.CertFile = strings.TrimSpace(raw.KernelTLSCert)
	}
	if meta.IsDefined("kernel_tls_key_file") {
		cfg.Kernel.TLS.KeyFile = strings.TrimSpace(raw.KernelTLSKey)
	}
	if meta.IsDefined("kernel_tls_server_name") {
		cfg.Kernel.TLS.ServerName = strings.TrimSpace(raw.KernelTLSServer)
	}
	if meta.IsDefined("heartbeat_interval_ms") {
		cfg.HeartbeatInterval = time.Duration(raw.HeartbeatMS) * time.Millisecond
	}

	if url := cfg.KernelURL; url != "" {
		if !strings.HasPrefix(url, "ws://") && !strings.HasPrefix(url, "wss://") {
			return daemon.ServiceConfig{}, fmt.Errorf(
				"load widgetd config: kernel_url must use ws:// or wss://, got %q",
				url,
			)
		}
	}
	if (cfg.Kernel.TLS.CertFile == "") != (cfg.Kernel.TLS.KeyFile == "") {
		return daemon.ServiceConfig{}, fmt.Errorf(
			"load widgetd config: kernel_tls_cert_file and kernel_tls_key_file must be set together",
		)
	}

	for i, entry := range raw.Modules {
		if err := config.ValidateModuleEntry(entry); err != nil {
			return daemon.ServiceConfig{}, fmt.Errorf("load widgetd config: module[%d] invalid: %w", i, err)
		}
	}
	cfg.Bundles = config.ModuleBundles(raw.Modules)

	return cfg, nil
}
