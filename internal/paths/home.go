package paths

import (
	"os"
	"path/filepath"
)

const envHome = "VERIDOC_OPS_HOME_DIR"

// Home returns the base directory for veridoc-ops configuration and state
// (config.yaml, archives, operation lock). Defaults to ~/.veridoc-ops, can
// be overridden via VERIDOC_OPS_HOME_DIR.
func Home() string {
	if v := os.Getenv(envHome); v != "" {
		return v
	}
	hd, err := os.UserHomeDir()
	if err != nil || hd == "" {
		return ".veridoc-ops"
	}
	return filepath.Join(hd, ".veridoc-ops")
}

func EnsureHome() (string, error) {
	h := Home()
	if err := os.MkdirAll(h, 0o755); err != nil {
		return "", err
	}
	return h, nil
}

// Archives returns the default directory for snapshot archives.
func Archives() string {
	return filepath.Join(Home(), "archives")
}
