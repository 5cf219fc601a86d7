package middleware

import (
	"context"
	"log/slog"
	"net/http"

	apierrors "keygen/internal/errors"
	"keygen/internal/license"
)

// LicenseValidator is the part of the license manager the gate needs.
type LicenseValidator interface {
	Validate(ctx context.Context, entitlements []string) (*license.Snapshot, error)
}

type snapshotKey struct{}

// SnapshotFromContext returns the license snapshot stored by LicenseGate.
func SnapshotFromContext(ctx context.Context) (*license.Snapshot, bool) {
	snap, ok := ctx.Value(snapshotKey{}).(*license.Snapshot)
	return snap, ok && snap != nil
}

// LicenseGate rejects requests unless the license validates with the
// required entitlements.
type LicenseGate struct {
	validator LicenseValidator
	handler   *apierrors.ErrorHandler
	logger    *slog.Logger
}

// NewLicenseGate creates a gate that validates through v
func NewLicenseGate(v LicenseValidator, handler *apierrors.ErrorHandler, logger *slog.Logger) *LicenseGate {
	return &LicenseGate{
		validator: v,
		handler:   handler,
		logger:    logger.With(slog.String("component", "license_gate")),
	}
}

// Handler gates every request without requiring any entitlement.
func (g *LicenseGate) Handler(next http.Handler) http.Handler {
	return g.Require()(next)
}

// Require gates requests on the license carrying every code in entitlements.
func (g *LicenseGate) Require(entitlements ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			snap, err := g.validator.Validate(ctx, entitlements)
			if err != nil {
				g.logger.WarnContext(ctx, "license gate rejected request",
					slog.String("path", r.URL.Path),
					slog.Any("entitlements", entitlements),
					slog.String("error", err.Error()))
				g.handler.HandleError(w, r, err)
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, snapshotKey{}, snap)))
		})
	}
}
