//go:build !linux && !freebsd && !darwin

package tasks

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
)

// run is a stub for platforms without shell execution support
func (e *ShellExecutor) run(ctx context.Context, command string) (string, int, error) {
	return "", -1, fmt.Errorf("command execution not supported on this platform")
}

func isCommandAllowed(command string, allowedCommands []string, scriptsDir string) bool {
	normalized := strings.Join(strings.Fields(command), " ")
	for _, allowed := range allowedCommands {
		if normalized == strings.Join(strings.Fields(allowed), " ") {
			return true
		}
	}
	return false
}

func isScript(command string) bool {
	return filepath.Ext(filepath.Base(command)) == ".sh"
}

func isScriptAllowed(command string, scriptsDir string) bool {
	return false
}

func resolveScriptPath(command string, scriptsDir string) (string, error) {
	return command, nil
}
