package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// DefaultAuditPath returns the platform-appropriate default audit log path.
func DefaultAuditPath() string {
	if runtime.GOOS == "darwin" {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".tb-shellguard", "audit.log")
	}
	return "/var/log/tb-shellguard/audit.log"
}
