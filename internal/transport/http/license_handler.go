package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	apierrors "keygen/internal/errors"
	"keygen/internal/heartbeat"
	"keygen/internal/infrastructure"
	"keygen/internal/license"
	"keygen/internal/middleware"
)

// LicenseService is the part of license.Manager the handlers use.
type LicenseService interface {
	Snapshot() (*license.Snapshot, bool)
	Validate(ctx context.Context, entitlements []string) (*license.Snapshot, error)
	Refresh(ctx context.Context) (*license.Snapshot, error)
	Activate(ctx context.Context, key string) (*license.Snapshot, error)
	Deactivate(ctx context.Context) error
	HeartbeatStatus() (heartbeat.Status, bool)
	HealthCheck(ctx context.Context) *license.HealthCheckResult
	CacheStats() license.CacheStats
}

// ValidateRequest is the body of POST /api/license/validate
type ValidateRequest struct {
	Entitlements []string `json:"entitlements" validate:"max=64,dive,entitlement"`
	Refresh      bool     `json:"refresh"`
}

// ActivateRequest is the body of POST /api/license/activate
type ActivateRequest struct {
	LicenseKey string `json:"license_key" validate:"required,min=4,max=512"`
}

// LicenseHandler handles license-related HTTP requests
type LicenseHandler struct {
	service    LicenseService
	validation *middleware.ValidationMiddleware
	errors     *apierrors.ErrorHandler
	logger     *slog.Logger
	tracer     trace.Tracer
	gate       *middleware.LicenseGate
	now        func() time.Time
	timeout    time.Duration
}

// NewLicenseHandler creates a new license handler
func NewLicenseHandler(service LicenseService, validation *middleware.ValidationMiddleware, errs *apierrors.ErrorHandler, logger *slog.Logger) *LicenseHandler {
	return &LicenseHandler{
		service:    service,
		validation: validation,
		errors:     errs,
		logger:     logger.With(slog.String("handler", "license")),
		tracer:     otel.Tracer(infrastructure.InstrumentationName),
		now:        time.Now,
		timeout:    30 * time.Second,
	}
}

// UseGate validates the license before the entitlement endpoints run.
func (h *LicenseHandler) UseGate(gate *middleware.LicenseGate) {
	h.gate = gate
}

// Routes returns a chi router for license endpoints
func (h *LicenseHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.GetStatus)
	r.Post("/validate", h.Validate)
	r.Post("/activate", h.Activate)
	r.Post("/deactivate", h.Deactivate)
	r.Get("/heartbeat", h.GetHeartbeat)

	r.Group(func(r chi.Router) {
		if h.gate != nil {
			r.Use(h.gate.Handler)
		}
		r.Get("/entitlements", h.GetEntitlements)
		r.Get("/entitlements/{code}", h.CheckEntitlement)
	})
	return r
}

// GetStatus handles GET /api/license. It reports the last snapshot without
// contacting the licensing service.
func (h *LicenseHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.service.Snapshot()
	if !ok {
		h.errors.HandleError(w, r, apierrors.ErrNoLicense)
		return
	}
	render.JSON(w, r, snapshotResponse(snap, h.now(), infrastructure.GetTraceID(r.Context())))
}

// Validate handles POST /api/license/validate
func (h *LicenseHandler) Validate(w http.ResponseWriter, r *http.Request) {
	var req ValidateRequest
	if err := h.validation.Bind(r, &req); err != nil {
		h.errors.HandleError(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	ctx, span := h.tracer.Start(ctx, "license_handler.validate", trace.WithAttributes(
		attribute.StringSlice("license.entitlements", req.Entitlements),
		attribute.Bool("license.refresh", req.Refresh),
	))
	defer span.End()

	if req.Refresh {
		if _, err := h.service.Refresh(ctx); err != nil {
			infrastructure.RecordError(ctx, err)
			h.errors.HandleError(w, r, err)
			return
		}
	}

	snap, err := h.service.Validate(ctx, req.Entitlements)
	if err != nil {
		infrastructure.RecordError(ctx, err)
		h.errors.HandleError(w, r, err)
		return
	}

	h.logger.InfoContext(ctx, "license validated",
		slog.String("license_id", snap.License.ID),
		slog.String("source", string(snap.Source)),
		slog.Int("entitlements", len(req.Entitlements)))
	render.JSON(w, r, snapshotResponse(snap, h.now(), infrastructure.GetTraceID(ctx)))
}

// Activate handles POST /api/license/activate
func (h *LicenseHandler) Activate(w http.ResponseWriter, r *http.Request) {
	var req ActivateRequest
	if err := h.validation.Bind(r, &req); err != nil {
		h.errors.HandleError(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	snap, err := h.service.Activate(ctx, req.LicenseKey)
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}

	h.logger.InfoContext(ctx, "license activated through agent",
		slog.String("license_id", snap.License.ID),
		slog.String("key", infrastructure.MaskSecret(req.LicenseKey)))
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, snapshotResponse(snap, h.now(), infrastructure.GetTraceID(ctx)))
}

// Deactivate handles POST /api/license/deactivate
func (h *LicenseHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	if err := h.service.Deactivate(ctx); err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetEntitlements handles GET /api/license/entitlements
func (h *LicenseHandler) GetEntitlements(w http.ResponseWriter, r *http.Request) {
	snap, ok := middleware.SnapshotFromContext(r.Context())
	if !ok {
		snap, ok = h.service.Snapshot()
	}
	if !ok {
		h.errors.HandleError(w, r, apierrors.ErrNoLicense)
		return
	}
	codes := snap.Entitlements
	if codes == nil {
		codes = []string{}
	}
	render.JSON(w, r, map[string]any{
		"license_id":   snap.License.ID,
		"entitlements": codes,
	})
}

// CheckEntitlement handles GET /api/license/entitlements/{code}. A license
// lacking the code is answered with a 403 problem.
func (h *LicenseHandler) CheckEntitlement(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	if err := h.validation.ValidateStruct(struct {
		Code string `json:"code" validate:"entitlement"`
	}{code}); err != nil {
		h.errors.HandleError(w, r, err)
		return
	}

	snap, err := h.service.Validate(r.Context(), []string{code})
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, map[string]any{
		"license_id": snap.License.ID,
		"code":       code,
		"granted":    true,
	})
}

// GetHeartbeat handles GET /api/license/heartbeat
func (h *LicenseHandler) GetHeartbeat(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, heartbeatResponse(h.service.HeartbeatStatus()))
}
