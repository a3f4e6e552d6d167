package logcfg

import (
	"os"
	"path/filepath"

	logs "github.com/danmuck/smplog"
)

const (
	envConfigPath = "SMPLOG_CONFIG"
	configName    = "smplog.config.toml"
)

// Load returns file-backed logging configuration when available, otherwise defaults.
// extraDirs are searched after the working directory, typically the
// directory of the cluster config.
func Load(extraDirs ...string) logs.Config {
	if path := os.Getenv(envConfigPath); path != "" {
		if cfg, err := logs.ConfigFromFile(path); err == nil {
			return cfg
		}
	}

	candidates := []string{
		"./" + configName,
		"./local/" + configName,
	}
	for _, dir := range extraDirs {
		if dir != "" {
			candidates = append(candidates, filepath.Join(dir, configName))
		}
	}

	for _, path := range candidates {
		if cfg, err := logs.ConfigFromFile(path); err == nil {
			return cfg
		}
	}

	return logs.DefaultConfig()
}
