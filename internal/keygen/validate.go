package keygen

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"keygen/internal/config"
)

// ValidateOptions scopes a validation to this machine. The first fingerprint
// is the machine fingerprint; any others are component fingerprints.
type ValidateOptions struct {
	Fingerprints []string
	Entitlements []string
}

// ValidationScope is the scope object sent with a validation. It is built
// per call and never persisted.
type ValidationScope struct {
	Product      string   `json:"product,omitempty"`
	Environment  string   `json:"environment,omitempty"`
	Fingerprint  string   `json:"fingerprint,omitempty"`
	Components   []string `json:"components,omitempty"`
	Entitlements []string `json:"entitlements,omitempty"`
}

// NewValidationScope builds the scope from the service configuration and opts.
func NewValidationScope(svc config.ServiceConfig, opts ValidateOptions) ValidationScope {
	scope := ValidationScope{
		Product:      svc.Product,
		Environment:  svc.Environment,
		Entitlements: opts.Entitlements,
	}
	if len(opts.Fingerprints) > 0 {
		scope.Fingerprint = opts.Fingerprints[0]
		scope.Components = opts.Fingerprints[1:]
		if len(scope.Components) == 0 {
			scope.Components = nil
		}
	}
	return scope
}

type validationRequestMeta struct {
	Key   string          `json:"key,omitempty"`
	Nonce int64           `json:"nonce"`
	Scope ValidationScope `json:"scope"`
}

type validationRequest struct {
	Meta validationRequestMeta `json:"meta"`
}

type validationMeta struct {
	Valid  bool   `json:"valid"`
	Code   string `json:"code"`
	Detail string `json:"detail"`
	Nonce  *int64 `json:"nonce,omitempty"`
}

// Validate validates the license identified by licenseID within the scope of
// opts. On success it returns the refreshed license. Otherwise the *Error
// carries the result code, the detail and the license the service returned.
func (c *Client) Validate(ctx context.Context, licenseID string, opts ValidateOptions) (*License, error) {
	if licenseID == "" {
		return nil, &Error{Kind: KindInvalidArgument, Detail: "license id is required"}
	}
	cfg := c.src.Get()
	nonce, err := newNonce()
	if err != nil {
		return nil, err
	}
	req := request{
		method: http.MethodPost,
		path:   pathOf("licenses", licenseID, "actions", "validate"),
		body: validationRequest{Meta: validationRequestMeta{
			Nonce: nonce,
			Scope: NewValidationScope(cfg.Service, opts),
		}},
	}
	return c.validate(ctx, "validate", cfg, req, nonce)
}

// ValidateKey validates a license by its key, authenticating with the key
// itself unless a token is configured.
func (c *Client) ValidateKey(ctx context.Context, key string, opts ValidateOptions) (*License, error) {
	if key == "" {
		return nil, &Error{Kind: KindInvalidArgument, Detail: "license key is required"}
	}
	cfg := c.src.Get()
	nonce, err := newNonce()
	if err != nil {
		return nil, err
	}
	req := request{
		method:     http.MethodPost,
		path:       pathOf("licenses", "actions", "validate-key"),
		licenseKey: key,
		body: validationRequest{Meta: validationRequestMeta{
			Key:   key,
			Nonce: nonce,
			Scope: NewValidationScope(cfg.Service, opts),
		}},
	}
	return c.validate(ctx, "validate_key", cfg, req, nonce)
}

func (c *Client) validate(ctx context.Context, op string, cfg config.Config, req request, nonce int64) (*License, error) {
	var doc document
	if err := c.do(ctx, op, cfg, req, &doc); err != nil {
		return nil, err
	}

	var meta validationMeta
	if err := json.Unmarshal(doc.Meta, &meta); err != nil {
		return nil, &Error{Kind: KindAPI, Detail: "validation result is missing", Err: err}
	}
	// The echo is optional; only a differing one is rejected.
	if meta.Nonce != nil && *meta.Nonce != nonce {
		return nil, &Error{Kind: KindResponseNotGenuine, Detail: "validation nonce mismatch"}
	}

	// Attach the license before deciding the outcome so a failed validation
	// still carries it.
	var lic *License
	if hasData(doc.Data) {
		r, err := doc.one()
		if err != nil {
			return nil, &Error{Kind: KindAPI, Detail: "malformed license", Err: err}
		}
		if lic, err = licenseFromResource(r); err != nil {
			return nil, &Error{Kind: KindAPI, Detail: "malformed license", Err: err}
		}
	}

	c.metrics.Validations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("code", meta.Code),
		attribute.Bool("valid", meta.Valid),
	))

	if meta.Valid {
		if lic == nil {
			return nil, &Error{Kind: KindAPI, Code: meta.Code, Detail: "valid result without a license"}
		}
		return lic, nil
	}
	return nil, &Error{
		Kind:    ValidationKind(meta.Code),
		Code:    meta.Code,
		Detail:  meta.Detail,
		License: lic,
	}
}

func hasData(raw json.RawMessage) bool {
	return len(raw) > 0 && string(raw) != "null"
}

// newNonce returns a positive random integer that survives a JSON round trip.
func newNonce() (int64, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, &Error{Kind: KindUnknown, Detail: "nonce", Err: err}
	}
	return int64(binary.BigEndian.Uint64(b[:]) & (1<<53 - 1)), nil
}
