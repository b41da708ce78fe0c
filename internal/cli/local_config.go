package cli

import (
	"os"

	"github.com/branchbox/branchbox/internal/config"
)

func defaultConfigPath() string {
	if v := os.Getenv("BRANCHBOX_CONFIG"); v != "" {
		return v
	}
	if _, err := os.Stat("config.yml"); err == nil {
		return "config.yml"
	}
	if _, err := os.Stat("config.yaml"); err == nil {
		return "config.yaml"
	}
	if _, err := os.Stat("/etc/branchbox/config.yaml"); err == nil {
		return "/etc/branchbox/config.yaml"
	}
	if _, err := os.Stat("/etc/branchbox/config.yml"); err == nil {
		return "/etc/branchbox/config.yml"
	}
	return "/etc/branchbox/config.yaml"
}

func loadLocalConfig(path string) (*config.Config, error) {
	if path == "" {
		path = defaultConfigPath()
	}
	return config.Load(path)
}
