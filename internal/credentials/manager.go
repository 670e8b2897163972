package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// refreshSkew is subtracted from the token expiry when deciding whether a
// refresh is due, so a request never races a right-at-expiry token.
const refreshSkew = 5 * time.Minute

// defaultTokenLifetime is assumed when neither the backend response nor
// the token itself carries an expiry.
const defaultTokenLifetime = 1 * time.Hour

// refreshTimeout bounds a timer-fired proactive refresh.
const refreshTimeout = 2 * time.Minute

// Poster sends an unauthenticated JSON request to the backend. Satisfied
// by the api client; the refresh endpoint authenticates via the refresh
// token in the body, never via the Authorization header.
type Poster interface {
	Post(ctx context.Context, endpoint string, body interface{}, useAuth bool) (json.RawMessage, error)
}

// refreshCall is the in-flight refresh guard: concurrent Refresh callers
// share one outcome instead of issuing duplicate network requests.
type refreshCall struct {
	done chan struct{}
	err  error
}

// Manager owns the credential bundle: load/save/clear, expiry checks,
// token refresh, and the proactive one-shot refresh timer.
type Manager struct {
	store   Store
	service string
	logger  *zap.Logger

	mu       sync.Mutex
	bundle   *Bundle
	client   Poster
	inflight *refreshCall
	timer    *time.Timer
	stopped  bool

	now func() time.Time

	// OnRefreshed and OnRefreshFailed are invoked after each refresh
	// attempt, outside the manager's lock. Either may be nil.
	OnRefreshed     func()
	OnRefreshFailed func(error)
}

// NewManager creates a credential manager persisting under the given
// service name.
func NewManager(store Store, service string, logger *zap.Logger) *Manager {
	return &Manager{
		store:   store,
		service: service,
		logger:  logger,
		now:     time.Now,
	}
}

// SetClient wires the backend client used for token refresh. Set once
// during orchestrator construction, before any call to Refresh.
func (m *Manager) SetClient(client Poster) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.client = client
}

// Load reads the persisted bundle. A missing or corrupt bundle leaves
// the manager empty and is not an error: the agent falls back to
// enrollment instead of crashing.
func (m *Manager) Load() {
	raw, err := m.store.Get(m.service)
	if err != nil {
		if err != ErrNotFound {
			m.logger.Warn("Failed to read stored credentials", zap.Error(err))
		}
		return
	}

	var b Bundle
	if err := json.Unmarshal([]byte(raw), &b); err != nil {
		m.logger.Warn("Stored credentials are corrupt, ignoring", zap.Error(err))
		return
	}

	if b.AccessToken == "" || b.AgentID == "" {
		m.logger.Warn("Stored credentials are incomplete, ignoring")
		return
	}

	m.mu.Lock()
	m.bundle = &b
	m.mu.Unlock()

	m.logger.Info("Loaded stored credentials",
		zap.String("agent_id", b.AgentID),
		zap.Time("expires_at", b.ExpiresAt))
}

// Save persists the current bundle. Failure is logged by callers and is
// non-fatal: the in-memory bundle remains valid for this process.
func (m *Manager) Save() error {
	m.mu.Lock()
	b := m.bundle
	m.mu.Unlock()

	if b == nil {
		return fmt.Errorf("no credentials to save")
	}

	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("failed to marshal credentials: %w", err)
	}

	if err := m.store.Set(m.service, string(data)); err != nil {
		return fmt.Errorf("failed to persist credentials: %w", err)
	}

	return nil
}

// Clear deletes the persisted bundle and resets in-memory state. Called
// only when the backend has rejected both the access and refresh tokens.
func (m *Manager) Clear() error {
	m.mu.Lock()
	m.bundle = nil
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.mu.Unlock()

	m.logger.Info("Clearing stored credentials")
	return m.store.Delete(m.service)
}

// Set replaces the bundle (enrollment outcome), persists it, and arms
// the proactive refresh timer. If the bundle carries no expiry, one is
// derived from the access token's exp claim or the default lifetime.
func (m *Manager) Set(b Bundle) {
	if b.ExpiresAt.IsZero() {
		if exp, ok := expiryFromToken(b.AccessToken); ok {
			b.ExpiresAt = exp
		} else {
			b.ExpiresAt = m.now().Add(defaultTokenLifetime)
		}
	}

	m.mu.Lock()
	m.bundle = &b
	m.mu.Unlock()

	if err := m.Save(); err != nil {
		m.logger.Warn("Failed to persist credentials, continuing in memory", zap.Error(err))
	}

	m.ScheduleProactiveRefresh()
}

// HasCredentials reports whether a bundle is present
func (m *Manager) HasCredentials() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bundle != nil
}

// AccessToken returns the current access token, or "" when absent
func (m *Manager) AccessToken() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bundle == nil {
		return ""
	}
	return m.bundle.AccessToken
}

// AgentID returns the enrolled agent ID, or "" when absent
func (m *Manager) AgentID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bundle == nil {
		return ""
	}
	return m.bundle.AgentID
}

// Expiry returns the access token expiry, zero when absent
func (m *Manager) Expiry() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bundle == nil {
		return time.Time{}
	}
	return m.bundle.ExpiresAt
}

// IsExpired reports whether the bundle is absent or within the refresh
// skew of its expiry.
func (m *Manager) IsExpired() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bundle == nil {
		return true
	}
	return !m.now().Before(m.bundle.ExpiresAt.Add(-refreshSkew))
}

// refreshRequest is the /refresh-token request body
type refreshRequest struct {
	AgentID      string `json:"agent_id"`
	RefreshToken string `json:"refresh_token"`
}

// refreshResponse is the /refresh-token response body
type refreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresAt    string `json:"expires_at,omitempty"`
}

// Refresh exchanges the refresh token for a new bundle. Concurrent
// callers while one exchange is in flight await that same outcome. On
// failure the bundle is left untouched; deciding that the refresh token
// itself is bad belongs to the dispatcher's 401 path, not here.
func (m *Manager) Refresh(ctx context.Context) error {
	m.mu.Lock()
	if m.inflight != nil {
		call := m.inflight
		m.mu.Unlock()
		select {
		case <-call.done:
			return call.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	call := &refreshCall{done: make(chan struct{})}
	m.inflight = call

	var agentID, refreshToken string
	if m.bundle != nil {
		agentID = m.bundle.AgentID
		refreshToken = m.bundle.RefreshToken
	}
	client := m.client
	m.mu.Unlock()

	err := m.doRefresh(ctx, client, agentID, refreshToken)

	m.mu.Lock()
	call.err = err
	m.inflight = nil
	m.mu.Unlock()
	close(call.done)

	if err != nil {
		m.logger.Warn("Token refresh failed", zap.Error(err))
		if m.OnRefreshFailed != nil {
			m.OnRefreshFailed(err)
		}
		return err
	}

	m.logger.Info("Token refreshed", zap.Time("expires_at", m.Expiry()))
	if m.OnRefreshed != nil {
		m.OnRefreshed()
	}
	return nil
}

func (m *Manager) doRefresh(ctx context.Context, client Poster, agentID, refreshToken string) error {
	if refreshToken == "" {
		return fmt.Errorf("no refresh token available")
	}
	if client == nil {
		return fmt.Errorf("refresh client not configured")
	}

	raw, err := client.Post(ctx, "/refresh-token", refreshRequest{
		AgentID:      agentID,
		RefreshToken: refreshToken,
	}, false)
	if err != nil {
		return fmt.Errorf("refresh request failed: %w", err)
	}

	var resp refreshResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("failed to parse refresh response: %w", err)
	}
	if resp.AccessToken == "" {
		return fmt.Errorf("refresh response contained no access token")
	}

	expiresAt := m.parseExpiry(resp.ExpiresAt, resp.AccessToken)

	m.mu.Lock()
	newRefresh := resp.RefreshToken
	if newRefresh == "" {
		// Backend may rotate only the access token
		newRefresh = refreshToken
	}
	m.bundle = &Bundle{
		AccessToken:  resp.AccessToken,
		RefreshToken: newRefresh,
		AgentID:      agentID,
		ExpiresAt:    expiresAt,
	}
	m.mu.Unlock()

	if err := m.Save(); err != nil {
		m.logger.Warn("Failed to persist refreshed credentials, continuing in memory", zap.Error(err))
	}

	m.rearmRefreshTimer()
	return nil
}

// parseExpiry resolves the new expiry from the response field, the token
// exp claim, or the default lifetime, in that order.
func (m *Manager) parseExpiry(raw, token string) time.Time {
	if raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			return t
		}
		m.logger.Warn("Unparseable expires_at in refresh response", zap.String("expires_at", raw))
	}
	if exp, ok := expiryFromToken(token); ok {
		return exp
	}
	return m.now().Add(defaultTokenLifetime)
}

// ScheduleProactiveRefresh arms a one-shot timer firing Refresh at
// expiry minus skew. Any existing timer is replaced, so rescheduling is
// idempotent and two refresh timers never coexist. Lifts a prior
// StopRefreshTimer; the orchestrator calls this on start and Set calls
// it when a new bundle is installed.
func (m *Manager) ScheduleProactiveRefresh() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = false
	m.armLocked()
}

// rearmRefreshTimer re-arms after a completed exchange. A no-op once
// StopRefreshTimer has run, so a refresh still in flight at shutdown
// cannot schedule work after stop.
func (m *Manager) rearmRefreshTimer() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	m.armLocked()
}

func (m *Manager) armLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}

	if m.bundle == nil {
		return
	}

	delay := m.bundle.ExpiresAt.Add(-refreshSkew).Sub(m.now())
	if delay < 0 {
		delay = 0
	}

	m.logger.Debug("Scheduled proactive token refresh", zap.Duration("in", delay))
	m.timer = time.AfterFunc(delay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
		defer cancel()
		// Outcome is surfaced through the refresh callbacks; a transient
		// failure here leaves the 401 path as the fallback.
		m.Refresh(ctx)
	})
}

// StopRefreshTimer cancels the proactive refresh timer and blocks
// re-arming until the next ScheduleProactiveRefresh. Called on
// orchestrator stop; no timer remains armed afterwards, even if a
// refresh exchange is still in flight.
func (m *Manager) StopRefreshTimer() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// expiryFromToken extracts the exp claim from a JWT access token without
// verifying the signature (the agent is not the token's audience
// verifier; it only needs the expiry hint).
func expiryFromToken(token string) (time.Time, bool) {
	parser := jwt.NewParser()
	parsed, _, err := parser.ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, false
	}

	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}

	return exp.Time, true
}
