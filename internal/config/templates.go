package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "daemon":
		return daemonTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const daemonTemplate = `name = "widgetd"
addr = ":8890"
kernel_url = "ws://localhost:8888/api/kernels/main/channels"
kernel_token = "temp-kernel-token"
notebook = "notebooks/session.ipynb"
snapshot_on_exit = true
cors_origins = ["http://localhost:8888"]
admin_token = "temp-admin-token"

[[modules]]
name = "@jupyter-widgets/controls"
range = "^2.0.0"
classes = [
  "FloatSliderModel",
  "IntSliderModel",
  "HTMLModel",
  "ButtonModel",
  "HBoxModel",
  "VBoxModel",
]
`
