// Package agent wires the runtime together: enrollment, the credential
// manager, the request dispatcher, and the recurring task and telemetry
// loops, behind a small lifecycle API.
package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/opsdeck/agent/internal/api"
	"github.com/opsdeck/agent/internal/config"
	"github.com/opsdeck/agent/internal/credentials"
	"github.com/opsdeck/agent/internal/device"
	"github.com/opsdeck/agent/internal/tasks"
	"github.com/opsdeck/agent/internal/telemetry"
	"go.uber.org/zap"
)

// State is the agent lifecycle state
type State string

const (
	StateUninitialized State = "uninitialized"
	StateEnrolling     State = "enrolling"
	StateReady         State = "ready"
	StateRunning       State = "running"
	StateStopped       State = "stopped"
	StateError         State = "error"
)

// Status is a point-in-time view of the agent, assembled live on request
type Status struct {
	State         State     `json:"state"`
	Running       bool      `json:"running"`
	Authenticated bool      `json:"authenticated"`
	AgentID       string    `json:"agent_id,omitempty"`
	TokenExpiry   time.Time `json:"token_expiry,omitempty"`
	LastTaskPoll  time.Time `json:"last_task_poll,omitempty"`
	LastTelemetry time.Time `json:"last_telemetry,omitempty"`
}

// Agent is the runtime orchestrator
type Agent struct {
	config      *config.Config
	logger      *zap.Logger
	client      *api.Client
	credentials *credentials.Manager
	devices     device.Collector
	collector   telemetry.Collector
	runner      *tasks.Runner
	version     string

	events eventBus

	mu            sync.Mutex
	state         State
	scheduler     gocron.Scheduler
	cancel        context.CancelFunc
	lastTaskPoll  time.Time
	lastTelemetry time.Time
}

// New assembles an agent from configuration. No network activity happens
// here; Initialize performs enrollment and Start launches the loops.
func New(cfg *config.Config, logger *zap.Logger, version string) (*Agent, error) {
	store := credentials.NewFileStore(cfg.Credentials.Directory)
	manager := credentials.NewManager(store, cfg.Credentials.ServiceName, logger)

	client := api.NewClient(cfg.Server.URL, cfg.Server.Timeout, cfg.Retry.MaxRetries, logger)
	client.SetTokenSource(manager)
	manager.SetClient(client)

	devices := device.NewCollector(logger)

	collector, err := telemetry.NewSystemCollector(
		cfg.Telemetry.Source,
		cfg.Telemetry.ExporterURL,
		devices,
		logger,
		version,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create telemetry collector: %w", err)
	}

	executor := tasks.NewShellExecutor(logger, cfg.Tasks.AllowedCommands, cfg.Tasks.ScriptsDirectory)
	runner := tasks.NewRunner(client, executor, logger, manager.AgentID, cfg.Tasks.CommandTimeout)

	a := &Agent{
		config:      cfg,
		logger:      logger,
		client:      client,
		credentials: manager,
		devices:     devices,
		collector:   collector,
		runner:      runner,
		version:     version,
		state:       StateUninitialized,
	}

	client.SetAuthFailureHandler(func() {
		a.logger.Warn("Authentication failed, credentials cleared")
		a.events.emit(EventAuthenticationFailed, nil)
	})
	manager.OnRefreshed = func() {
		a.events.emit(EventTokenRefreshed, nil)
	}
	manager.OnRefreshFailed = func(err error) {
		a.events.emit(EventTokenRefreshFailed, map[string]string{"error": err.Error()})
	}
	runner.OnCompleted = func(r tasks.Result) {
		a.events.emit(EventTaskCompleted, map[string]string{"task_id": r.TaskID})
	}
	runner.OnFailed = func(r tasks.Result) {
		a.events.emit(EventTaskFailed, map[string]string{
			"task_id": r.TaskID,
			"status":  string(r.Status),
		})
	}

	return a, nil
}

// Subscribe registers a lifecycle event handler
func (a *Agent) Subscribe(h Handler) {
	a.events.subscribe(h)
}

// Initialize brings the agent to the ready state: load stored
// credentials, refresh them if stale, verify them with the backend, and
// fall back to a fresh enrollment when any of that fails.
func (a *Agent) Initialize(ctx context.Context) error {
	a.mu.Lock()
	if a.state == StateRunning {
		a.mu.Unlock()
		return fmt.Errorf("cannot initialize while running")
	}
	a.state = StateEnrolling
	a.mu.Unlock()

	a.credentials.Load()

	if a.credentials.HasCredentials() {
		if err := a.resumeSession(ctx); err == nil {
			a.setState(StateReady)
			return nil
		}
		// Stored credentials are unusable; enroll from scratch
	}

	if err := a.enroll(ctx); err != nil {
		a.setState(StateError)
		a.events.emit(EventEnrollmentFailed, map[string]string{"error": err.Error()})
		return fmt.Errorf("enrollment failed: %w", err)
	}

	a.events.emit(EventEnrolled, map[string]string{"agent_id": a.credentials.AgentID()})
	a.setState(StateReady)
	return nil
}

// resumeSession validates the stored bundle: refresh when within the
// expiry skew, then confirm with the backend.
func (a *Agent) resumeSession(ctx context.Context) error {
	if a.credentials.IsExpired() {
		if err := a.credentials.Refresh(ctx); err != nil {
			a.logger.Warn("Stored credentials could not be refreshed", zap.Error(err))
			return err
		}
	}

	if err := a.verifyStatus(ctx); err != nil {
		a.logger.Warn("Stored credentials rejected by backend", zap.Error(err))
		return err
	}

	a.logger.Info("Resumed session with stored credentials",
		zap.String("agent_id", a.credentials.AgentID()))
	return nil
}

// Start launches the recurring task and telemetry loops. Both fire
// immediately on start, then on their configured intervals. Calling
// Start on a running agent is a no-op.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()

	if a.state == StateRunning {
		a.mu.Unlock()
		return nil
	}
	if a.state != StateReady {
		state := a.state
		a.mu.Unlock()
		return fmt.Errorf("cannot start from state %s", state)
	}

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		a.mu.Unlock()
		return fmt.Errorf("failed to create scheduler: %w", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)

	_, err = scheduler.NewJob(
		gocron.DurationJob(a.config.Tasks.PollInterval),
		gocron.NewTask(func() {
			a.mu.Lock()
			a.lastTaskPoll = time.Now().UTC()
			a.mu.Unlock()
			if err := a.runner.PollOnce(loopCtx); err != nil {
				a.logger.Warn("Task poll failed", zap.Error(err))
			}
		}),
		gocron.WithName("task-poll"),
		gocron.WithStartAt(gocron.WithStartImmediately()),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		cancel()
		a.mu.Unlock()
		return fmt.Errorf("failed to schedule task poll: %w", err)
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(a.config.Telemetry.Interval),
		gocron.NewTask(func() {
			a.reportTelemetry(loopCtx)
		}),
		gocron.WithName("telemetry"),
		gocron.WithStartAt(gocron.WithStartImmediately()),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		cancel()
		a.mu.Unlock()
		return fmt.Errorf("failed to schedule telemetry: %w", err)
	}

	scheduler.Start()

	a.scheduler = scheduler
	a.cancel = cancel
	a.state = StateRunning
	a.mu.Unlock()

	a.credentials.ScheduleProactiveRefresh()

	a.logger.Info("Agent started",
		zap.String("agent_id", a.credentials.AgentID()),
		zap.Duration("poll_interval", a.config.Tasks.PollInterval),
		zap.Duration("telemetry_interval", a.config.Telemetry.Interval))
	a.events.emit(EventStarted, nil)
	return nil
}

// Stop halts the loops and the proactive refresh timer. In-flight work
// is cancelled; credentials stay persisted for the next run. Calling
// Stop on a stopped agent is a no-op.
func (a *Agent) Stop() error {
	a.mu.Lock()

	if a.state != StateRunning {
		a.mu.Unlock()
		return nil
	}

	a.cancel()
	a.cancel = nil

	scheduler := a.scheduler
	a.scheduler = nil
	a.state = StateStopped
	a.mu.Unlock()

	if err := scheduler.Shutdown(); err != nil {
		a.logger.Error("Error shutting down scheduler", zap.Error(err))
	}

	a.credentials.StopRefreshTimer()

	a.logger.Info("Agent stopped")
	a.events.emit(EventStopped, nil)
	return nil
}

// GetStatus assembles a live status snapshot
func (a *Agent) GetStatus() Status {
	a.mu.Lock()
	state := a.state
	lastPoll := a.lastTaskPoll
	lastTelemetry := a.lastTelemetry
	a.mu.Unlock()

	return Status{
		State:         state,
		Running:       state == StateRunning,
		Authenticated: a.credentials.HasCredentials(),
		AgentID:       a.credentials.AgentID(),
		TokenExpiry:   a.credentials.Expiry(),
		LastTaskPoll:  lastPoll,
		LastTelemetry: lastTelemetry,
	}
}

// GetAgentID returns the enrolled agent ID, "" before enrollment
func (a *Agent) GetAgentID() string {
	return a.credentials.AgentID()
}

// IsAuthenticated reports whether a credential bundle is held
func (a *Agent) IsAuthenticated() bool {
	return a.credentials.HasCredentials()
}

// ForceTokenRefresh triggers an immediate token refresh, bypassing the
// expiry check. Joins any refresh already in flight.
func (a *Agent) ForceTokenRefresh(ctx context.Context) error {
	return a.credentials.Refresh(ctx)
}

// ForceTelemetryReport collects and sends one telemetry snapshot outside
// the regular interval.
func (a *Agent) ForceTelemetryReport(ctx context.Context) error {
	return a.reportTelemetry(ctx)
}

// telemetryRequest is the /process-agent-telemetry request body
type telemetryRequest struct {
	AgentID   string              `json:"agent_id"`
	Telemetry *telemetry.Snapshot `json:"telemetry"`
}

// reportTelemetry collects a snapshot and delivers it to the backend. A
// partially degraded snapshot still ships; only delivery failure counts
// as a failed report.
func (a *Agent) reportTelemetry(ctx context.Context) error {
	a.mu.Lock()
	a.lastTelemetry = time.Now().UTC()
	a.mu.Unlock()

	agentID := a.credentials.AgentID()
	if agentID == "" {
		err := fmt.Errorf("no agent ID, skipping telemetry report")
		a.events.emit(EventTelemetryFailed, map[string]string{"error": err.Error()})
		return err
	}

	snapshot, err := a.collector.Collect(ctx)
	if err != nil {
		a.logger.Warn("Telemetry collection failed", zap.Error(err))
		a.events.emit(EventTelemetryFailed, map[string]string{"error": err.Error()})
		return fmt.Errorf("failed to collect telemetry: %w", err)
	}

	_, err = a.client.Post(ctx, "/process-agent-telemetry", telemetryRequest{
		AgentID:   agentID,
		Telemetry: snapshot,
	}, true)
	if err != nil {
		a.logger.Warn("Telemetry delivery failed", zap.Error(err))
		a.events.emit(EventTelemetryFailed, map[string]string{"error": err.Error()})
		return fmt.Errorf("failed to send telemetry: %w", err)
	}

	a.events.emit(EventTelemetrySent, nil)
	return nil
}

func (a *Agent) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}
