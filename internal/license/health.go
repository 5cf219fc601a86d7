package license

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"keygen/internal/files"
	"keygen/internal/heartbeat"
	"keygen/internal/infrastructure"
)

// HealthStatus represents the overall health status
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// ComponentHealth represents health of a specific component
type ComponentHealth struct {
	Status    HealthStatus   `json:"status"`
	Message   string         `json:"message"`
	Timestamp time.Time      `json:"timestamp"`
	Error     string         `json:"error,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// HealthCheckResult contains the status of every component
type HealthCheckResult struct {
	OverallStatus HealthStatus                `json:"status"`
	Message       string                      `json:"message"`
	Timestamp     time.Time                   `json:"timestamp"`
	Duration      string                      `json:"duration"`
	TraceID       string                      `json:"trace_id"`
	Components    map[string]*ComponentHealth `json:"components"`
}

// CertificateWarning is how close to expiry a stored certificate may get
// before it is reported as degraded.
const CertificateWarning = 24 * time.Hour

// HealthCheck reports the license, heartbeat and certificate components.
// It never contacts the licensing service.
func (m *Manager) HealthCheck(ctx context.Context) *HealthCheckResult {
	ctx = infrastructure.EnsureTraceID(ctx)
	ctx, span := m.tracer.Start(ctx, "license.health_check")
	defer span.End()

	start := time.Now()
	now := m.now()
	result := &HealthCheckResult{
		Timestamp: now,
		TraceID:   infrastructure.GetTraceID(ctx),
		Components: map[string]*ComponentHealth{
			"license":     m.checkLicense(now),
			"heartbeat":   m.checkHeartbeat(now),
			"certificate": m.checkCertificate(now),
		},
	}

	result.OverallStatus = overallStatus(result.Components)
	result.Duration = time.Since(start).String()
	result.Message = statusMessage(result.OverallStatus, result.Components)

	span.SetAttributes(
		attribute.String("health.overall_status", string(result.OverallStatus)),
		attribute.Int("health.total_components", len(result.Components)),
	)
	return result
}

func (m *Manager) checkLicense(now time.Time) *ComponentHealth {
	h := &ComponentHealth{Timestamp: now, Metadata: map[string]any{}}

	snap, ok := m.Snapshot()
	if !ok {
		h.Status = HealthStatusUnhealthy
		h.Message = "No license has been validated"
		return h
	}

	renewal := snap.Renewal(now)
	h.Metadata["license_id"] = snap.License.ID
	h.Metadata["source"] = snap.Source
	h.Metadata["days_left"] = renewal.DaysLeft
	h.Metadata["checked_at"] = snap.CheckedAt

	switch {
	case renewal.IsExpired:
		h.Status = HealthStatusUnhealthy
		h.Message = "License has expired"
	case renewal.NeedsRenewal:
		h.Status = HealthStatusDegraded
		h.Message = fmt.Sprintf("License expires in %d days", renewal.DaysLeft)
	case snap.Source == SourceLicenseFile:
		h.Status = HealthStatusDegraded
		h.Message = "Licensing service unreachable, running from stored license file"
	default:
		h.Status = HealthStatusHealthy
		h.Message = "License is valid"
	}
	return h
}

func (m *Manager) checkHeartbeat(now time.Time) *ComponentHealth {
	h := &ComponentHealth{Timestamp: now, Metadata: map[string]any{}}

	status, ok := m.HeartbeatStatus()
	if !ok {
		snap, _ := m.Snapshot()
		if snap != nil && snap.Machine != nil && snap.Machine.RequireHeartbeat {
			h.Status = HealthStatusDegraded
			h.Message = "Heartbeat required but not running"
			return h
		}
		h.Status = HealthStatusHealthy
		h.Message = "Heartbeat not required"
		return h
	}

	h.Metadata["state"] = status.State.String()
	h.Metadata["interval"] = status.Interval.String()
	h.Metadata["pings"] = status.Pings
	h.Metadata["failures"] = status.Failures
	if !status.LastPing.IsZero() {
		h.Metadata["last_ping"] = status.LastPing
	}
	if status.LastError != nil {
		h.Error = status.LastError.Error()
	}

	switch status.State {
	case heartbeat.StateRunning:
		h.Status = HealthStatusHealthy
		h.Message = "Heartbeat running"
	case heartbeat.StateFaulted:
		h.Status = HealthStatusDegraded
		h.Message = "Last heartbeat ping failed"
	default:
		h.Status = HealthStatusUnhealthy
		h.Message = "Heartbeat " + status.State.String()
	}
	return h
}

func (m *Manager) checkCertificate(now time.Time) *ComponentHealth {
	h := &ComponentHealth{Timestamp: now, Metadata: map[string]any{}}

	if !m.store.Exists(files.KindMachineFile) {
		h.Status = HealthStatusDegraded
		h.Message = "No machine file stored, offline validation unavailable"
		return h
	}

	snap, ok := m.Snapshot()
	if !ok || snap.CertificateExpiry.IsZero() {
		h.Status = HealthStatusHealthy
		h.Message = "Machine file stored"
		return h
	}

	left := snap.CertificateExpiry.Sub(now)
	h.Metadata["expiry"] = snap.CertificateExpiry
	switch {
	case left <= 0:
		h.Status = HealthStatusDegraded
		h.Message = "Stored certificate has expired"
	case left <= CertificateWarning:
		h.Status = HealthStatusDegraded
		h.Message = fmt.Sprintf("Stored certificate expires in %s", left.Round(time.Minute))
	default:
		h.Status = HealthStatusHealthy
		h.Message = "Stored certificate is current"
	}
	return h
}

func overallStatus(components map[string]*ComponentHealth) HealthStatus {
	status := HealthStatusHealthy
	for _, c := range components {
		switch c.Status {
		case HealthStatusUnhealthy:
			return HealthStatusUnhealthy
		case HealthStatusDegraded:
			status = HealthStatusDegraded
		}
	}
	return status
}

func statusMessage(status HealthStatus, components map[string]*ComponentHealth) string {
	healthy := 0
	for _, c := range components {
		if c.Status == HealthStatusHealthy {
			healthy++
		}
	}
	switch status {
	case HealthStatusHealthy:
		return "All license components are healthy"
	case HealthStatusDegraded:
		return fmt.Sprintf("License system degraded (%d/%d components healthy)", healthy, len(components))
	default:
		return fmt.Sprintf("License system unhealthy (%d/%d components healthy)", healthy, len(components))
	}
}
