package tasks

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
)

// Executor performs the action a task payload describes. Implementations
// may return an error or panic; the runner contains both.
type Executor interface {
	Execute(ctx context.Context, task *Task) (string, error)
}

// ShellExecutor executes task payloads through the platform shell.
// Commands must be whitelisted or resolve to a script in the scripts
// directory; arbitrary backend-supplied strings do not run.
type ShellExecutor struct {
	logger          *zap.Logger
	allowedCommands []string
	scriptsDir      string
}

// NewShellExecutor creates the default executor
func NewShellExecutor(logger *zap.Logger, allowedCommands []string, scriptsDir string) *ShellExecutor {
	return &ShellExecutor{
		logger:          logger,
		allowedCommands: allowedCommands,
		scriptsDir:      scriptsDir,
	}
}

// commandPayload covers run_command and install_software tasks
type commandPayload struct {
	Command string `json:"command"`
}

// scriptPayload covers run_script tasks
type scriptPayload struct {
	Script string `json:"script"`
}

// policyPayload covers apply_policy tasks; the policy is applied by a
// named script shipped to the scripts directory out of band
type policyPayload struct {
	PolicyID string `json:"policy_id"`
	Script   string `json:"script"`
}

// Execute resolves the payload to a shell invocation and runs it
func (e *ShellExecutor) Execute(ctx context.Context, task *Task) (string, error) {
	command, err := e.resolveCommand(task)
	if err != nil {
		return "", err
	}

	e.logger.Info("Executing task",
		zap.String("task_id", task.TaskID),
		zap.String("type", string(task.Type)))

	output, exitCode, err := e.run(ctx, command)
	if err != nil {
		e.logger.Warn("Task execution failed",
			zap.String("task_id", task.TaskID),
			zap.Int("exit_code", exitCode),
			zap.Error(err))
		return output, err
	}

	e.logger.Info("Task executed",
		zap.String("task_id", task.TaskID),
		zap.Int("exit_code", exitCode))
	return output, nil
}

// resolveCommand maps the task payload to a whitelisted shell command
func (e *ShellExecutor) resolveCommand(task *Task) (string, error) {
	switch task.Type {
	case TypeRunCommand, TypeInstallSoftware:
		var p commandPayload
		if err := json.Unmarshal(task.Payload, &p); err != nil {
			return "", fmt.Errorf("invalid %s payload: %w", task.Type, err)
		}
		if p.Command == "" {
			return "", fmt.Errorf("%s payload has no command", task.Type)
		}
		if !isCommandAllowed(p.Command, e.allowedCommands, e.scriptsDir) {
			return "", fmt.Errorf("command not in allowed list or scripts directory")
		}
		return e.resolveIfScript(p.Command)

	case TypeRunScript:
		var p scriptPayload
		if err := json.Unmarshal(task.Payload, &p); err != nil {
			return "", fmt.Errorf("invalid run_script payload: %w", err)
		}
		if p.Script == "" {
			return "", fmt.Errorf("run_script payload has no script")
		}
		if !isScriptAllowed(p.Script, e.scriptsDir) {
			return "", fmt.Errorf("script not found in scripts directory")
		}
		return resolveScriptPath(p.Script, e.scriptsDir)

	case TypeApplyPolicy:
		var p policyPayload
		if err := json.Unmarshal(task.Payload, &p); err != nil {
			return "", fmt.Errorf("invalid apply_policy payload: %w", err)
		}
		if p.Script == "" {
			return "", fmt.Errorf("apply_policy payload has no script")
		}
		if !isScriptAllowed(p.Script, e.scriptsDir) {
			return "", fmt.Errorf("policy script not found in scripts directory")
		}
		return resolveScriptPath(p.Script, e.scriptsDir)

	default:
		return "", fmt.Errorf("unknown task type: %s", task.Type)
	}
}

// resolveIfScript expands a bare script reference to its full path
func (e *ShellExecutor) resolveIfScript(command string) (string, error) {
	if e.scriptsDir != "" && isScript(command) {
		return resolveScriptPath(command, e.scriptsDir)
	}
	return command, nil
}
