package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Poster dispatches an authenticated JSON request to the backend.
// Satisfied by the api client.
type Poster interface {
	Post(ctx context.Context, endpoint string, body interface{}, useAuth bool) (json.RawMessage, error)
}

// Runner is the task poll loop body: fetch pending tasks, execute each
// through the Executor, and report status transitions. The orchestrator
// schedules PollOnce on the poll interval.
type Runner struct {
	client         Poster
	executor       Executor
	logger         *zap.Logger
	agentID        func() string
	defaultTimeout time.Duration

	// OnCompleted and OnFailed fire once per terminal result. Either may
	// be nil.
	OnCompleted func(Result)
	OnFailed    func(Result)
}

// NewRunner creates a poll loop runner. agentID is read live on every
// poll so a re-enrollment mid-flight is picked up without rewiring.
func NewRunner(client Poster, executor Executor, logger *zap.Logger, agentID func() string, defaultTimeout time.Duration) *Runner {
	return &Runner{
		client:         client,
		executor:       executor,
		logger:         logger,
		agentID:        agentID,
		defaultTimeout: defaultTimeout,
	}
}

// fetchRequest is the /agent-get-tasks request body
type fetchRequest struct {
	AgentID string `json:"agent_id"`
}

// fetchResponse is the /agent-get-tasks response body
type fetchResponse struct {
	Tasks []Task `json:"tasks"`
}

// updateRequest is the /agent-update-task request body
type updateRequest struct {
	AgentID       string `json:"agent_id"`
	TaskID        string `json:"task_id"`
	Status        Status `json:"status"`
	Result        string `json:"result,omitempty"`
	Error         string `json:"error,omitempty"`
	ExecutionTime int64  `json:"execution_time,omitempty"`
	CompletedAt   string `json:"completed_at,omitempty"`
}

// PollOnce fetches and processes one batch of pending tasks. A fetch
// failure is returned for the caller to log; it never stops the loop.
// Tasks in a batch execute concurrently and report independently, so
// one failing task cannot withhold its siblings' reports.
func (r *Runner) PollOnce(ctx context.Context) error {
	agentID := r.agentID()
	if agentID == "" {
		return fmt.Errorf("no agent ID, skipping task poll")
	}

	raw, err := r.client.Post(ctx, "/agent-get-tasks", fetchRequest{AgentID: agentID}, true)
	if err != nil {
		return fmt.Errorf("failed to fetch tasks: %w", err)
	}
	if raw == nil {
		// 404: nothing pending
		return nil
	}

	var resp fetchResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("failed to parse task list: %w", err)
	}
	if len(resp.Tasks) == 0 {
		return nil
	}

	r.logger.Info("Fetched pending tasks", zap.Int("count", len(resp.Tasks)))

	var wg sync.WaitGroup
	for i := range resp.Tasks {
		task := resp.Tasks[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.runTask(ctx, agentID, task)
		}()
	}
	wg.Wait()

	return nil
}

// runTask executes a single task and reports exactly one terminal
// result, whatever the executor does — error, timeout, or panic.
func (r *Runner) runTask(ctx context.Context, agentID string, task Task) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Panic recovered in task execution",
				zap.String("task_id", task.TaskID),
				zap.Any("panic", rec),
				zap.String("stack", string(debug.Stack())))
			r.report(ctx, agentID, Result{
				TaskID:      task.TaskID,
				Status:      StatusFailed,
				Error:       fmt.Sprintf("internal error: executor panicked: %v", rec),
				CompletedAt: time.Now().UTC().Format(time.RFC3339),
			})
		}
	}()

	// The running transition is best effort; execution proceeds even if
	// the backend missed it.
	if err := r.updateStatus(ctx, agentID, task.TaskID, StatusRunning); err != nil {
		r.logger.Warn("Failed to report running status",
			zap.String("task_id", task.TaskID),
			zap.Error(err))
	}

	execCtx, cancel := context.WithTimeout(ctx, task.timeoutOrDefault(r.defaultTimeout))
	defer cancel()

	start := time.Now()
	output, err := r.executor.Execute(execCtx, &task)
	elapsed := time.Since(start)

	result := Result{
		TaskID:        task.TaskID,
		Result:        output,
		ExecutionTime: elapsed.Milliseconds(),
		CompletedAt:   time.Now().UTC().Format(time.RFC3339),
	}

	switch {
	case err == nil:
		result.Status = StatusCompleted
	case execCtx.Err() == context.DeadlineExceeded:
		result.Status = StatusTimeout
		result.Error = err.Error()
	default:
		result.Status = StatusFailed
		result.Error = err.Error()
	}

	r.report(ctx, agentID, result)
}

// report delivers the terminal result and fires the outcome callback
func (r *Runner) report(ctx context.Context, agentID string, result Result) {
	err := r.updateStatus(ctx, agentID, result.TaskID, result.Status,
		func(u *updateRequest) {
			u.Result = result.Result
			u.Error = result.Error
			u.ExecutionTime = result.ExecutionTime
			u.CompletedAt = result.CompletedAt
		})
	if err != nil {
		r.logger.Error("Failed to report task result",
			zap.String("task_id", result.TaskID),
			zap.String("status", string(result.Status)),
			zap.Error(err))
	}

	if result.Status == StatusCompleted {
		if r.OnCompleted != nil {
			r.OnCompleted(result)
		}
	} else if r.OnFailed != nil {
		r.OnFailed(result)
	}
}

func (r *Runner) updateStatus(ctx context.Context, agentID, taskID string, status Status, mutators ...func(*updateRequest)) error {
	update := updateRequest{
		AgentID: agentID,
		TaskID:  taskID,
		Status:  status,
	}
	for _, mutate := range mutators {
		mutate(&update)
	}

	_, err := r.client.Post(ctx, "/agent-update-task", update, true)
	return err
}
