package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/opsdeck/agent/internal/credentials"
	"go.uber.org/zap"
)

// statusRequest is the /check-agent-status request body. The device
// snapshot lets the backend match an existing registration or create a
// new one.
type statusRequest struct {
	Hostname     string `json:"hostname"`
	Platform     string `json:"platform"`
	Arch         string `json:"arch"`
	OSVersion    string `json:"os_version,omitempty"`
	CPUModel     string `json:"cpu_model,omitempty"`
	TotalMemory  uint64 `json:"total_memory,omitempty"`
	MACAddress   string `json:"mac_address,omitempty"`
	SerialNumber string `json:"serial_number,omitempty"`
	PrimaryIP    string `json:"primary_ip,omitempty"`
	Version      string `json:"agent_version"`
}

// statusResponse is the /check-agent-status response body
type statusResponse struct {
	Exists       bool   `json:"exists"`
	AgentID      string `json:"agent_id,omitempty"`
	AccessToken  string `json:"access_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresAt    string `json:"expires_at,omitempty"`
}

// enroll registers this device with the backend and stores the issued
// credential bundle. Called when no stored credentials exist or the
// backend has rejected the stored ones.
func (a *Agent) enroll(ctx context.Context) error {
	info, err := a.devices.DeviceInfo(ctx)
	if err != nil {
		return fmt.Errorf("failed to collect device info for enrollment: %w", err)
	}

	a.logger.Info("Enrolling agent", zap.String("hostname", info.Hostname))

	raw, err := a.client.Post(ctx, "/check-agent-status", statusRequest{
		Hostname:     info.Hostname,
		Platform:     info.Platform,
		Arch:         info.Arch,
		OSVersion:    info.OSVersion,
		CPUModel:     info.CPUModel,
		TotalMemory:  info.TotalMemory,
		MACAddress:   info.MACAddress,
		SerialNumber: info.SerialNumber,
		PrimaryIP:    info.PrimaryIP,
		Version:      a.version,
	}, false)
	if err != nil {
		return fmt.Errorf("enrollment request failed: %w", err)
	}
	if raw == nil {
		return fmt.Errorf("enrollment endpoint returned no data")
	}

	var resp statusResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("failed to parse enrollment response: %w", err)
	}

	if !resp.Exists || resp.AgentID == "" || resp.AccessToken == "" {
		return fmt.Errorf("backend did not issue credentials for this device")
	}

	bundle := credentials.Bundle{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		AgentID:      resp.AgentID,
	}
	if resp.ExpiresAt != "" {
		if t, err := time.Parse(time.RFC3339, resp.ExpiresAt); err == nil {
			bundle.ExpiresAt = t
		} else {
			a.logger.Warn("Unparseable expires_at in enrollment response",
				zap.String("expires_at", resp.ExpiresAt))
		}
	}

	a.credentials.Set(bundle)

	a.logger.Info("Agent enrolled", zap.String("agent_id", resp.AgentID))
	return nil
}

// verifyStatus confirms the stored credentials with an authenticated
// status check. Failure means the bundle is stale and the agent should
// re-enroll.
func (a *Agent) verifyStatus(ctx context.Context) error {
	raw, err := a.client.Post(ctx, "/check-agent-status", map[string]string{
		"agent_id": a.credentials.AgentID(),
	}, true)
	if err != nil {
		return fmt.Errorf("status check failed: %w", err)
	}
	if raw == nil {
		return fmt.Errorf("backend no longer recognizes this agent")
	}

	var resp statusResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("failed to parse status response: %w", err)
	}
	if !resp.Exists {
		return fmt.Errorf("backend reports agent no longer registered")
	}

	return nil
}
