//go:build linux || freebsd || darwin

package tasks

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// run executes a shell command, honoring the context deadline, and
// returns combined output with the exit code
func (e *ShellExecutor) run(ctx context.Context, command string) (string, int, error) {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	output := stdout.String()
	if stderr.Len() > 0 {
		if output != "" {
			output += "\n"
		}
		output += "STDERR:\n" + stderr.String()
	}

	if ctx.Err() == context.DeadlineExceeded {
		return output, -1, fmt.Errorf("command execution timeout: %w", ctx.Err())
	}

	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return output, exitErr.ExitCode(), fmt.Errorf("command exited with code %d", exitErr.ExitCode())
		}
		return output, -1, fmt.Errorf("failed to execute command: %w", err)
	}

	return output, 0, nil
}

// isCommandAllowed checks if a command is allowed via:
// 1. Exact match in the allowed commands list
// 2. Script file in the scripts directory
func isCommandAllowed(command string, allowedCommands []string, scriptsDir string) bool {
	normalized := normalizeWhitespace(command)

	for _, allowed := range allowedCommands {
		if normalized == normalizeWhitespace(allowed) {
			return true
		}
	}

	if scriptsDir != "" && isScript(command) {
		return isScriptAllowed(command, scriptsDir)
	}

	return false
}

// isScript checks if a command looks like a shell script
func isScript(command string) bool {
	return filepath.Ext(filepath.Base(command)) == ".sh"
}

// isScriptAllowed validates that a script exists in the scripts
// directory and prevents path traversal
func isScriptAllowed(command string, scriptsDir string) bool {
	if scriptsDir == "" {
		return false
	}

	cleanScriptsDir := filepath.Clean(scriptsDir)
	filename := filepath.Base(command)

	if filepath.Ext(filename) != ".sh" {
		return false
	}

	scriptPath := filepath.Clean(filepath.Join(cleanScriptsDir, filename))
	if !strings.HasPrefix(scriptPath, cleanScriptsDir+string(filepath.Separator)) &&
		scriptPath != cleanScriptsDir {
		return false
	}

	info, err := os.Stat(scriptPath)
	if err != nil {
		return false
	}

	return !info.IsDir()
}

// resolveScriptPath resolves a script reference to its full path
func resolveScriptPath(command string, scriptsDir string) (string, error) {
	if filepath.Base(command) == command {
		return filepath.Join(scriptsDir, command), nil
	}
	return command, nil
}

// normalizeWhitespace normalizes whitespace for comparison
func normalizeWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
