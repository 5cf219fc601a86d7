package http

import (
	"time"

	"keygen/internal/heartbeat"
	"keygen/internal/infrastructure"
	"keygen/internal/keygen"
	"keygen/internal/license"
)

// LicenseView is the public projection of a license. The key is masked.
type LicenseView struct {
	ID               string     `json:"id"`
	Name             string     `json:"name,omitempty"`
	Key              string     `json:"key"`
	Status           string     `json:"status"`
	Scheme           string     `json:"scheme,omitempty"`
	Expiry           *time.Time `json:"expiry,omitempty"`
	MaxMachines      int        `json:"max_machines,omitempty"`
	RequireHeartbeat bool       `json:"require_heartbeat"`
	Floating         bool       `json:"floating"`
	PolicyID         string     `json:"policy_id,omitempty"`
}

// MachineView is the public projection of this machine
type MachineView struct {
	ID                string     `json:"id"`
	Fingerprint       string     `json:"fingerprint"`
	Name              string     `json:"name,omitempty"`
	Hostname          string     `json:"hostname,omitempty"`
	Platform          string     `json:"platform,omitempty"`
	RequireHeartbeat  bool       `json:"require_heartbeat"`
	HeartbeatStatus   string     `json:"heartbeat_status,omitempty"`
	HeartbeatDuration string     `json:"heartbeat_duration,omitempty"`
	LastHeartbeat     *time.Time `json:"last_heartbeat,omitempty"`
}

// SnapshotResponse is returned by every endpoint that validates
type SnapshotResponse struct {
	License           *LicenseView        `json:"license"`
	Machine           *MachineView        `json:"machine,omitempty"`
	Entitlements      []string            `json:"entitlements"`
	Source            string              `json:"source"`
	CertificateExpiry *time.Time          `json:"certificate_expiry,omitempty"`
	CheckedAt         time.Time           `json:"checked_at"`
	Renewal           license.RenewalInfo `json:"renewal"`
	TraceID           string              `json:"trace_id,omitempty"`
}

// HeartbeatResponse mirrors heartbeat.Status
type HeartbeatResponse struct {
	Running   bool       `json:"running"`
	State     string     `json:"state"`
	Interval  string     `json:"interval,omitempty"`
	Pings     int        `json:"pings"`
	Failures  int        `json:"failures"`
	LastPing  *time.Time `json:"last_ping,omitempty"`
	LastError string     `json:"last_error,omitempty"`
}

func licenseView(l *keygen.License) *LicenseView {
	if l == nil {
		return nil
	}
	return &LicenseView{
		ID:               l.ID,
		Name:             l.Name,
		Key:              infrastructure.MaskSecret(l.Key),
		Status:           l.Status,
		Scheme:           l.Scheme,
		Expiry:           l.Expiry,
		MaxMachines:      l.MaxMachines,
		RequireHeartbeat: l.RequireHeartbeat,
		Floating:         l.Floating,
		PolicyID:         l.PolicyID,
	}
}

func machineView(m *keygen.Machine) *MachineView {
	if m == nil {
		return nil
	}
	v := &MachineView{
		ID:               m.ID,
		Fingerprint:      m.Fingerprint,
		Name:             m.Name,
		Hostname:         m.Hostname,
		Platform:         m.Platform,
		RequireHeartbeat: m.RequireHeartbeat,
		HeartbeatStatus:  m.HeartbeatStatus,
		LastHeartbeat:    m.LastHeartbeat,
	}
	if m.HeartbeatDuration > 0 {
		v.HeartbeatDuration = m.HeartbeatDuration.String()
	}
	return v
}

func snapshotResponse(s *license.Snapshot, now time.Time, traceID string) *SnapshotResponse {
	resp := &SnapshotResponse{
		License:      licenseView(s.License),
		Machine:      machineView(s.Machine),
		Entitlements: s.Entitlements,
		Source:       string(s.Source),
		CheckedAt:    s.CheckedAt,
		Renewal:      s.Renewal(now),
		TraceID:      traceID,
	}
	if resp.Entitlements == nil {
		resp.Entitlements = []string{}
	}
	if !s.CertificateExpiry.IsZero() {
		exp := s.CertificateExpiry
		resp.CertificateExpiry = &exp
	}
	return resp
}

func heartbeatResponse(st heartbeat.Status, ok bool) *HeartbeatResponse {
	if !ok {
		return &HeartbeatResponse{State: "not_started"}
	}
	resp := &HeartbeatResponse{
		Running:  st.State == heartbeat.StateRunning || st.State == heartbeat.StateFaulted,
		State:    st.State.String(),
		Interval: st.Interval.String(),
		Pings:    st.Pings,
		Failures: st.Failures,
	}
	if !st.LastPing.IsZero() {
		lp := st.LastPing
		resp.LastPing = &lp
	}
	if st.LastError != nil {
		resp.LastError = st.LastError.Error()
	}
	return resp
}
