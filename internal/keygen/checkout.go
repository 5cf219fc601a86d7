package keygen

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"keygen/internal/config"
)

// CheckoutOptions controls a certificate checkout. A zero TTL uses the
// configured default, and when that is zero too, the service default.
type CheckoutOptions struct {
	TTL     time.Duration
	Include []string
}

func (o CheckoutOptions) resolve(cfg config.CheckoutConfig) (CheckoutOptions, error) {
	if o.TTL == 0 {
		o.TTL = cfg.TTL
	}
	if o.Include == nil {
		o.Include = cfg.Include
	}
	if err := ValidateTTL(o.TTL); err != nil {
		return o, err
	}
	return o, nil
}

// ValidateTTL accepts zero (service default) or a TTL within
// [config.MinCheckoutTTL, config.MaxCheckoutTTL].
func ValidateTTL(ttl time.Duration) error {
	if ttl == 0 {
		return nil
	}
	if ttl < config.MinCheckoutTTL || ttl > config.MaxCheckoutTTL {
		return &Error{
			Kind:   KindInvalidArgument,
			Detail: fmt.Sprintf("ttl %s must be between %s and %s", ttl, config.MinCheckoutTTL, config.MaxCheckoutTTL),
		}
	}
	return nil
}

func (o CheckoutOptions) query() url.Values {
	q := url.Values{}
	q.Set("encrypt", "1")
	if o.TTL > 0 {
		q.Set("ttl", strconv.FormatInt(int64(o.TTL/time.Second), 10))
	}
	if len(o.Include) > 0 {
		q.Set("include", strings.Join(o.Include, ","))
	}
	return q
}

type certificateFileAttributes struct {
	Certificate string    `json:"certificate"`
	Issued      time.Time `json:"issued"`
	Expiry      time.Time `json:"expiry"`
	TTL         int64     `json:"ttl"`
}

// CheckoutLicense checks out an encrypted license file for lic. The TTL is
// validated before any request is sent.
func (c *Client) CheckoutLicense(ctx context.Context, lic *License, opts CheckoutOptions) (*LicenseFile, error) {
	if lic == nil || lic.ID == "" {
		return nil, &Error{Kind: KindInvalidArgument, Detail: "license is required"}
	}
	cfg := c.src.Get()
	opts, err := opts.resolve(cfg.Checkout)
	if err != nil {
		return nil, err
	}

	r, attrs, err := c.checkout(ctx, cfg, "checkout_license", request{
		method:     http.MethodPost,
		path:       pathOf("licenses", lic.ID, "actions", "check-out"),
		query:      opts.query(),
		licenseKey: lic.Key,
	}, typeLicenseFiles)
	if err != nil {
		return nil, err
	}
	licenseID := r.rel("license")
	if licenseID == "" {
		licenseID = lic.ID
	}
	return &LicenseFile{
		ID:          r.ID,
		Certificate: attrs.Certificate,
		Issued:      attrs.Issued,
		Expiry:      attrs.Expiry,
		TTL:         time.Duration(attrs.TTL) * time.Second,
		LicenseID:   licenseID,
	}, nil
}

// CheckoutMachine checks out an encrypted machine file for m. The TTL is
// validated before any request is sent.
func (c *Client) CheckoutMachine(ctx context.Context, m *Machine, opts CheckoutOptions) (*MachineFile, error) {
	if m == nil || m.ID == "" {
		return nil, &Error{Kind: KindInvalidArgument, Detail: "machine is required"}
	}
	cfg := c.src.Get()
	opts, err := opts.resolve(cfg.Checkout)
	if err != nil {
		return nil, err
	}

	r, attrs, err := c.checkout(ctx, cfg, "checkout_machine", request{
		method: http.MethodPost,
		path:   pathOf("machines", m.ID, "actions", "check-out"),
		query:  opts.query(),
	}, typeMachineFiles)
	if err != nil {
		return nil, err
	}
	machineID := r.rel("machine")
	if machineID == "" {
		machineID = m.ID
	}
	return &MachineFile{
		ID:          r.ID,
		Certificate: attrs.Certificate,
		Issued:      attrs.Issued,
		Expiry:      attrs.Expiry,
		TTL:         time.Duration(attrs.TTL) * time.Second,
		MachineID:   machineID,
	}, nil
}

func (c *Client) checkout(ctx context.Context, cfg config.Config, op string, req request, typ string) (resource, certificateFileAttributes, error) {
	var (
		doc   document
		attrs certificateFileAttributes
	)
	err := c.do(ctx, op, cfg, req, &doc)
	c.metrics.Checkouts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", typ),
		attribute.String("result", resultLabel(err)),
	))
	if err != nil {
		return resource{}, attrs, err
	}
	r, err := doc.one()
	if err != nil {
		return r, attrs, &Error{Kind: KindAPI, Detail: "malformed checkout", Err: err}
	}
	if err := r.decode(typ, &attrs); err != nil {
		return r, attrs, &Error{Kind: KindAPI, Detail: "malformed checkout", Err: err}
	}
	if attrs.Certificate == "" {
		return r, attrs, &Error{Kind: KindAPI, Detail: "checkout returned no certificate"}
	}
	return r, attrs, nil
}
