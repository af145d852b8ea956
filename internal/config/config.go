package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

type DaemonConfig struct {
	Name            string         `toml:"name"`
	Addr            string         `toml:"addr"`
	KernelURL       string         `toml:"kernel_url"`
	Notebook        string         `toml:"notebook"`
	SnapshotOnExit  bool           `toml:"snapshot_on_exit"`
	CorsOrigins     []string       `toml:"cors_origins"`
	AdminToken      string         `toml:"admin_token"`
	KernelToken     string         `toml:"kernel_token"`
	KernelTLSCA     string         `toml:"kernel_tls_ca_file"`
	KernelTLSCert   string         `toml:"kernel_tls_cert_file"`
	KernelTLSKey    string         `toml:"kernel_tls_key_file"`
	KernelTLSServer string         `toml:"kernel_tls_server_name"`
	Modules         []ModuleConfig `toml:"modules"`
}

type ModuleConfig struct {
	Name    string   `toml:"name"`
	Range   string   `toml:"range"`
	Classes []string `toml:"classes"`
}

func LoadDaemonConfig(path string) (DaemonConfig, error) {
	var cfg DaemonConfig
	if err := loadToml(path, &cfg); err != nil {
		return DaemonConfig{}, err
	}
	if cfg.Name == "" {
		cfg.Name = "widgetd"
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8890"
	}
	if err := ValidateDaemonConfig(cfg); err != nil {
		return DaemonConfig{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidateDaemonConfig(cfg DaemonConfig) error {
	if strings.TrimSpace(cfg.Name) == "" {
		return fmt.Errorf("daemon config missing name")
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		return fmt.Errorf("daemon config missing addr")
	}
	if url := strings.TrimSpace(cfg.KernelURL); url != "" {
		if !strings.HasPrefix(url, "ws://") && !strings.HasPrefix(url, "wss://") {
			return fmt.Errorf("daemon config kernel_url must use ws:// or wss://")
		}
	}
	if (strings.TrimSpace(cfg.KernelTLSCert) == "") != (strings.TrimSpace(cfg.KernelTLSKey) == "") {
		return fmt.Errorf("daemon config kernel_tls_cert_file and kernel_tls_key_file must be set together")
	}
	for i, modCfg := range cfg.Modules {
		if err := ValidateModuleEntry(modCfg); err != nil {
			return fmt.Errorf("module[%d] invalid: %w", i, err)
		}
	}
	return nil
}

func ValidateModuleEntry(cfg ModuleConfig) error {
	if strings.TrimSpace(cfg.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if strings.TrimSpace(cfg.Range) == "" {
		return fmt.Errorf("range is required")
	}
	if len(cfg.Classes) == 0 {
		return fmt.Errorf("classes are required")
	}
	return nil
}
