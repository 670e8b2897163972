package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

// fakePoster records backend calls and serves a canned task batch
type fakePoster struct {
	mu       sync.Mutex
	tasks    []Task
	fetchErr error
	updates  []updateRequest
}

func (f *fakePoster) Post(ctx context.Context, endpoint string, body interface{}, useAuth bool) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch endpoint {
	case "/agent-get-tasks":
		if f.fetchErr != nil {
			return nil, f.fetchErr
		}
		if f.tasks == nil {
			return nil, nil
		}
		raw, err := json.Marshal(fetchResponse{Tasks: f.tasks})
		if err != nil {
			return nil, err
		}
		return raw, nil

	case "/agent-update-task":
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		var update updateRequest
		if err := json.Unmarshal(raw, &update); err != nil {
			return nil, err
		}
		f.updates = append(f.updates, update)
		return json.RawMessage(`{}`), nil
	}

	return nil, fmt.Errorf("unexpected endpoint %s", endpoint)
}

func (f *fakePoster) updatesFor(taskID string, status Status) []updateRequest {
	f.mu.Lock()
	defer f.mu.Unlock()

	var matched []updateRequest
	for _, u := range f.updates {
		if u.TaskID == taskID && u.Status == status {
			matched = append(matched, u)
		}
	}
	return matched
}

func (f *fakePoster) terminalFor(taskID string) []updateRequest {
	f.mu.Lock()
	defer f.mu.Unlock()

	var matched []updateRequest
	for _, u := range f.updates {
		if u.TaskID == taskID && u.Status != StatusRunning {
			matched = append(matched, u)
		}
	}
	return matched
}

// scriptedExecutor maps task IDs to outcomes
type scriptedExecutor struct {
	outcomes map[string]func(ctx context.Context) (string, error)
}

func (s *scriptedExecutor) Execute(ctx context.Context, task *Task) (string, error) {
	if fn, ok := s.outcomes[task.TaskID]; ok {
		return fn(ctx)
	}
	return "ok", nil
}

func makeTask(id string) Task {
	return Task{
		TaskID:  id,
		Type:    TypeRunCommand,
		Payload: json.RawMessage(`{"command":"uptime"}`),
	}
}

func newTestRunner(poster *fakePoster, exec Executor) *Runner {
	return NewRunner(poster, exec, zap.NewNop(), func() string { return "agent-1" }, 5*time.Second)
}

func TestPollOnceNoTasks(t *testing.T) {
	poster := &fakePoster{tasks: nil} // 404 from backend
	runner := newTestRunner(poster, &scriptedExecutor{})

	if err := runner.PollOnce(context.Background()); err != nil {
		t.Fatalf("expected nil error for empty poll, got %v", err)
	}
	if len(poster.updates) != 0 {
		t.Errorf("expected no status updates, got %d", len(poster.updates))
	}
}

func TestPollOnceFetchError(t *testing.T) {
	poster := &fakePoster{fetchErr: errors.New("backend down")}
	runner := newTestRunner(poster, &scriptedExecutor{})

	err := runner.PollOnce(context.Background())
	if err == nil {
		t.Fatal("expected error when fetch fails")
	}
	if !strings.Contains(err.Error(), "failed to fetch tasks") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestPollOnceNoAgentID(t *testing.T) {
	poster := &fakePoster{}
	runner := NewRunner(poster, &scriptedExecutor{}, zap.NewNop(), func() string { return "" }, time.Second)

	if err := runner.PollOnce(context.Background()); err == nil {
		t.Fatal("expected error when agent ID is empty")
	}
	if len(poster.updates) != 0 {
		t.Errorf("expected no backend calls beyond fetch, got %d updates", len(poster.updates))
	}
}

func TestTaskIsolation(t *testing.T) {
	// One task panics, one fails, one succeeds. Every task must still
	// produce exactly one terminal report.
	poster := &fakePoster{tasks: []Task{makeTask("t1"), makeTask("t2"), makeTask("t3")}}
	exec := &scriptedExecutor{outcomes: map[string]func(ctx context.Context) (string, error){
		"t1": func(ctx context.Context) (string, error) { return "done", nil },
		"t2": func(ctx context.Context) (string, error) { return "", errors.New("disk full") },
		"t3": func(ctx context.Context) (string, error) { panic("executor bug") },
	}}
	runner := newTestRunner(poster, exec)

	var completed, failed []string
	var mu sync.Mutex
	runner.OnCompleted = func(r Result) {
		mu.Lock()
		completed = append(completed, r.TaskID)
		mu.Unlock()
	}
	runner.OnFailed = func(r Result) {
		mu.Lock()
		failed = append(failed, r.TaskID)
		mu.Unlock()
	}

	if err := runner.PollOnce(context.Background()); err != nil {
		t.Fatalf("PollOnce failed: %v", err)
	}

	for _, id := range []string{"t1", "t2", "t3"} {
		terminal := poster.terminalFor(id)
		if len(terminal) != 1 {
			t.Errorf("task %s: expected exactly 1 terminal report, got %d", id, len(terminal))
		}
	}

	if got := poster.updatesFor("t1", StatusCompleted); len(got) != 1 {
		t.Errorf("t1: expected completed report, got %v", got)
	}
	if got := poster.updatesFor("t2", StatusFailed); len(got) != 1 {
		t.Errorf("t2: expected failed report, got %v", got)
	} else if got[0].Error != "disk full" {
		t.Errorf("t2: expected executor error in report, got %q", got[0].Error)
	}
	if got := poster.updatesFor("t3", StatusFailed); len(got) != 1 {
		t.Errorf("t3: expected failed report after panic, got %v", got)
	} else if !strings.Contains(got[0].Error, "panicked") {
		t.Errorf("t3: expected panic message in report, got %q", got[0].Error)
	}

	if len(completed) != 1 || completed[0] != "t1" {
		t.Errorf("expected OnCompleted for t1 only, got %v", completed)
	}
	if len(failed) != 2 {
		t.Errorf("expected OnFailed for t2 and t3, got %v", failed)
	}
}

func TestTaskTimeout(t *testing.T) {
	poster := &fakePoster{tasks: []Task{{
		TaskID:  "slow",
		Type:    TypeRunCommand,
		Payload: json.RawMessage(`{"command":"sleep"}`),
	}}}
	exec := &scriptedExecutor{outcomes: map[string]func(ctx context.Context) (string, error){
		"slow": func(ctx context.Context) (string, error) {
			<-ctx.Done()
			return "", fmt.Errorf("command execution timeout: %w", ctx.Err())
		},
	}}
	runner := NewRunner(poster, exec, zap.NewNop(), func() string { return "agent-1" }, 50*time.Millisecond)

	if err := runner.PollOnce(context.Background()); err != nil {
		t.Fatalf("PollOnce failed: %v", err)
	}

	got := poster.updatesFor("slow", StatusTimeout)
	if len(got) != 1 {
		t.Fatalf("expected 1 timeout report, got %d", len(got))
	}
	if got[0].Error == "" {
		t.Error("expected timeout error message in report")
	}
}

func TestRunningReportFailureDoesNotBlockExecution(t *testing.T) {
	// The fake rejects updates until the first terminal attempt; here we
	// simulate it with a poster whose update endpoint fails once.
	poster := &failFirstUpdatePoster{
		fakePoster: fakePoster{tasks: []Task{makeTask("t1")}},
	}
	runner := NewRunner(poster, &scriptedExecutor{}, zap.NewNop(), func() string { return "agent-1" }, time.Second)

	if err := runner.PollOnce(context.Background()); err != nil {
		t.Fatalf("PollOnce failed: %v", err)
	}

	// The running report failed but the task still completed and reported
	terminal := poster.terminalFor("t1")
	if len(terminal) != 1 || terminal[0].Status != StatusCompleted {
		t.Errorf("expected 1 completed report despite running-report failure, got %v", terminal)
	}
}

type failFirstUpdatePoster struct {
	fakePoster
	failed bool
}

func (f *failFirstUpdatePoster) Post(ctx context.Context, endpoint string, body interface{}, useAuth bool) (json.RawMessage, error) {
	if endpoint == "/agent-update-task" {
		f.mu.Lock()
		first := !f.failed
		f.failed = true
		f.mu.Unlock()
		if first {
			return nil, errors.New("transient network error")
		}
	}
	return f.fakePoster.Post(ctx, endpoint, body, useAuth)
}
