//go:build linux || freebsd || darwin

package tasks

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

func writeScript(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0755); err != nil {
		t.Fatalf("failed to write script: %v", err)
	}
}

func TestResolveCommand(t *testing.T) {
	scriptsDir := t.TempDir()
	writeScript(t, scriptsDir, "update.sh", "#!/bin/sh\necho updated\n")

	exec := NewShellExecutor(zap.NewNop(), []string{"uptime", "df  -h"}, scriptsDir)

	tests := []struct {
		name        string
		task        Task
		wantCommand string
		wantErr     string
	}{
		{
			name:        "whitelisted command",
			task:        Task{Type: TypeRunCommand, Payload: json.RawMessage(`{"command":"uptime"}`)},
			wantCommand: "uptime",
		},
		{
			name:        "whitelist match ignores extra whitespace",
			task:        Task{Type: TypeRunCommand, Payload: json.RawMessage(`{"command":"df -h"}`)},
			wantCommand: "df -h",
		},
		{
			name:    "command not in whitelist",
			task:    Task{Type: TypeRunCommand, Payload: json.RawMessage(`{"command":"rm -rf /"}`)},
			wantErr: "not in allowed list",
		},
		{
			name:    "empty command",
			task:    Task{Type: TypeRunCommand, Payload: json.RawMessage(`{"command":""}`)},
			wantErr: "no command",
		},
		{
			name:    "malformed payload",
			task:    Task{Type: TypeRunCommand, Payload: json.RawMessage(`{`)},
			wantErr: "invalid",
		},
		{
			name:        "script in scripts directory",
			task:        Task{Type: TypeRunScript, Payload: json.RawMessage(`{"script":"update.sh"}`)},
			wantCommand: filepath.Join(scriptsDir, "update.sh"),
		},
		{
			name:    "missing script",
			task:    Task{Type: TypeRunScript, Payload: json.RawMessage(`{"script":"absent.sh"}`)},
			wantErr: "not found",
		},
		{
			name:    "script path traversal rejected",
			task:    Task{Type: TypeRunScript, Payload: json.RawMessage(`{"script":"../../etc/passwd.sh"}`)},
			wantErr: "not found",
		},
		{
			name:        "install_software uses command payload",
			task:        Task{Type: TypeInstallSoftware, Payload: json.RawMessage(`{"command":"uptime"}`)},
			wantCommand: "uptime",
		},
		{
			name:        "apply_policy resolves named script",
			task:        Task{Type: TypeApplyPolicy, Payload: json.RawMessage(`{"policy_id":"p1","script":"update.sh"}`)},
			wantCommand: filepath.Join(scriptsDir, "update.sh"),
		},
		{
			name:    "apply_policy without script",
			task:    Task{Type: TypeApplyPolicy, Payload: json.RawMessage(`{"policy_id":"p1"}`)},
			wantErr: "no script",
		},
		{
			name:    "unknown task type",
			task:    Task{Type: Type("reboot"), Payload: json.RawMessage(`{}`)},
			wantErr: "unknown task type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			command, err := exec.resolveCommand(&tt.task)
			if tt.wantErr != "" {
				if err == nil {
					t.Fatalf("expected error containing %q, got command %q", tt.wantErr, command)
				}
				if !strings.Contains(err.Error(), tt.wantErr) {
					t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if command != tt.wantCommand {
				t.Errorf("expected command %q, got %q", tt.wantCommand, command)
			}
		})
	}
}

func TestExecuteCommand(t *testing.T) {
	exec := NewShellExecutor(zap.NewNop(), []string{"echo hello"}, "")

	task := &Task{
		TaskID:  "t1",
		Type:    TypeRunCommand,
		Payload: json.RawMessage(`{"command":"echo hello"}`),
	}

	output, err := exec.Execute(context.Background(), task)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if strings.TrimSpace(output) != "hello" {
		t.Errorf("expected output %q, got %q", "hello", output)
	}
}

func TestExecuteScript(t *testing.T) {
	scriptsDir := t.TempDir()
	writeScript(t, scriptsDir, "hello.sh", "#!/bin/sh\necho from-script\n")

	exec := NewShellExecutor(zap.NewNop(), nil, scriptsDir)

	task := &Task{
		TaskID:  "t2",
		Type:    TypeRunScript,
		Payload: json.RawMessage(`{"script":"hello.sh"}`),
	}

	output, err := exec.Execute(context.Background(), task)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if strings.TrimSpace(output) != "from-script" {
		t.Errorf("expected output %q, got %q", "from-script", output)
	}
}

func TestExecuteNonZeroExit(t *testing.T) {
	exec := NewShellExecutor(zap.NewNop(), []string{"exit 3"}, "")

	task := &Task{
		TaskID:  "t3",
		Type:    TypeRunCommand,
		Payload: json.RawMessage(`{"command":"exit 3"}`),
	}

	_, err := exec.Execute(context.Background(), task)
	if err == nil {
		t.Fatal("expected error for non-zero exit")
	}
	if !strings.Contains(err.Error(), "code 3") {
		t.Errorf("expected exit code in error, got %v", err)
	}
}

func TestExecuteTimeout(t *testing.T) {
	exec := NewShellExecutor(zap.NewNop(), []string{"sleep 10"}, "")

	task := &Task{
		TaskID:  "t4",
		Type:    TypeRunCommand,
		Payload: json.RawMessage(`{"command":"sleep 10"}`),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := exec.Execute(ctx, task)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !strings.Contains(err.Error(), "timeout") {
		t.Errorf("expected timeout error, got %v", err)
	}
}

func TestExecuteCapturesStderr(t *testing.T) {
	exec := NewShellExecutor(zap.NewNop(), []string{"echo oops >&2"}, "")

	task := &Task{
		TaskID:  "t5",
		Type:    TypeRunCommand,
		Payload: json.RawMessage(`{"command":"echo oops >&2"}`),
	}

	output, err := exec.Execute(context.Background(), task)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !strings.Contains(output, "STDERR:") || !strings.Contains(output, "oops") {
		t.Errorf("expected stderr in output, got %q", output)
	}
}
