package keygen

import (
	"context"
	"net/http"
	"runtime"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var validate = validator.New()

// ActivateOptions describes the machine being activated.
type ActivateOptions struct {
	Fingerprint string `validate:"required,max=255"`
	Name        string `validate:"max=255"`
	Platform    string
	Hostname    string
	Cores       int                `validate:"gte=0"`
	Components  []ComponentOptions `validate:"dive"`
}

// ComponentOptions registers a hardware component with a new machine.
type ComponentOptions struct {
	Fingerprint string `validate:"required"`
	Name        string `validate:"required"`
}

type machineCreate struct {
	Data machineCreateData `json:"data"`
}

type machineCreateData struct {
	Type          string                  `json:"type"`
	Attributes    machineCreateAttributes `json:"attributes"`
	Relationships map[string]any          `json:"relationships"`
}

type machineCreateAttributes struct {
	Fingerprint string `json:"fingerprint"`
	Name        string `json:"name,omitempty"`
	Platform    string `json:"platform,omitempty"`
	Hostname    string `json:"hostname,omitempty"`
	Cores       int    `json:"cores,omitempty"`
}

type componentCreate struct {
	Type       string         `json:"type"`
	Attributes map[string]any `json:"attributes"`
}

// Activate registers this machine against lic.
func (c *Client) Activate(ctx context.Context, lic *License, opts ActivateOptions) (*Machine, error) {
	if lic == nil || lic.ID == "" {
		return nil, &Error{Kind: KindInvalidArgument, Detail: "license is required"}
	}
	if err := validate.Struct(opts); err != nil {
		return nil, &Error{Kind: KindInvalidArgument, Detail: "activation options", Err: err}
	}
	cfg := c.src.Get()

	platform := opts.Platform
	if platform == "" {
		platform = cfg.Service.Platform
	}
	if platform == "" {
		platform = runtime.GOOS
	}

	rels := map[string]any{
		"license": map[string]any{"data": resourceIdentifier{Type: typeLicenses, ID: lic.ID}},
	}
	if len(opts.Components) > 0 {
		comps := make([]componentCreate, 0, len(opts.Components))
		for _, co := range opts.Components {
			comps = append(comps, componentCreate{
				Type:       typeComponents,
				Attributes: map[string]any{"fingerprint": co.Fingerprint, "name": co.Name},
			})
		}
		rels["components"] = map[string]any{"data": comps}
	}

	body := machineCreate{Data: machineCreateData{
		Type: typeMachines,
		Attributes: machineCreateAttributes{
			Fingerprint: opts.Fingerprint,
			Name:        opts.Name,
			Platform:    platform,
			Hostname:    opts.Hostname,
			Cores:       opts.Cores,
		},
		Relationships: rels,
	}}

	m, err := c.machine(ctx, "activate", request{
		method:     http.MethodPost,
		path:       "machines",
		body:       body,
		licenseKey: lic.Key,
	})
	result := "activated"
	if err != nil {
		result = resultLabel(err)
	}
	c.metrics.Activations.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
	if err != nil {
		return nil, err
	}

	c.logger.InfoContext(ctx, "machine activated",
		"machine_id", m.ID,
		"license_id", lic.ID)
	return m, nil
}

// Deactivate releases the machine seat.
func (c *Client) Deactivate(ctx context.Context, machineID string) error {
	if machineID == "" {
		return &Error{Kind: KindInvalidArgument, Detail: "machine id is required"}
	}
	cfg := c.src.Get()
	err := c.do(ctx, "deactivate", cfg, request{
		method: http.MethodDelete,
		path:   pathOf("machines", machineID),
	}, nil)
	if err != nil {
		return err
	}
	c.logger.InfoContext(ctx, "machine deactivated", "machine_id", machineID)
	return nil
}

// Machine fetches a machine.
func (c *Client) Machine(ctx context.Context, machineID string) (*Machine, error) {
	if machineID == "" {
		return nil, &Error{Kind: KindInvalidArgument, Detail: "machine id is required"}
	}
	return c.machine(ctx, "machine", request{method: http.MethodGet, path: pathOf("machines", machineID)})
}

// Ping sends a heartbeat for the machine. Any 2xx response is a successful
// ping; the refreshed machine is returned only when the response carries
// one, so a nil machine with a nil error is a normal outcome.
func (c *Client) Ping(ctx context.Context, machineID string) (*Machine, error) {
	if machineID == "" {
		return nil, &Error{Kind: KindInvalidArgument, Detail: "machine id is required"}
	}
	var doc document
	err := c.do(ctx, "ping", c.src.Get(), request{
		method:  http.MethodPost,
		path:    pathOf("machines", machineID, "actions", "ping"),
		anyBody: true,
	}, &doc)
	if err != nil {
		return nil, err
	}
	if !hasData(doc.Data) {
		return nil, nil
	}
	r, err := doc.one()
	if err != nil {
		c.logger.DebugContext(ctx, "ping response carries no machine", "machine_id", machineID, "error", err)
		return nil, nil
	}
	m, err := machineFromResource(r)
	if err != nil {
		c.logger.DebugContext(ctx, "ping response carries no machine", "machine_id", machineID, "error", err)
		return nil, nil
	}
	return m, nil
}

// ResetHeartbeat returns the machine to the NOT_STARTED heartbeat state.
func (c *Client) ResetHeartbeat(ctx context.Context, machineID string) (*Machine, error) {
	if machineID == "" {
		return nil, &Error{Kind: KindInvalidArgument, Detail: "machine id is required"}
	}
	return c.machine(ctx, "reset_heartbeat", request{
		method: http.MethodPost,
		path:   pathOf("machines", machineID, "actions", "reset"),
	})
}

func (c *Client) machine(ctx context.Context, op string, req request) (*Machine, error) {
	var doc document
	if err := c.do(ctx, op, c.src.Get(), req, &doc); err != nil {
		return nil, err
	}
	r, err := doc.one()
	if err != nil {
		return nil, &Error{Kind: KindAPI, Detail: "malformed machine", Err: err}
	}
	m, err := machineFromResource(r)
	if err != nil {
		return nil, &Error{Kind: KindAPI, Detail: "malformed machine", Err: err}
	}
	return m, nil
}

// Machines lists the machines activated for a license.
func (c *Client) Machines(ctx context.Context, licenseID string) ([]*Machine, error) {
	if licenseID == "" {
		return nil, &Error{Kind: KindInvalidArgument, Detail: "license id is required"}
	}
	rs, err := c.list(ctx, "machines", pathOf("licenses", licenseID, "machines"))
	if err != nil {
		return nil, err
	}
	return decodeAll(rs, machineFromResource)
}

// Entitlements lists the entitlements attached to a license.
func (c *Client) Entitlements(ctx context.Context, licenseID string) ([]*Entitlement, error) {
	if licenseID == "" {
		return nil, &Error{Kind: KindInvalidArgument, Detail: "license id is required"}
	}
	rs, err := c.list(ctx, "entitlements", pathOf("licenses", licenseID, "entitlements"))
	if err != nil {
		return nil, err
	}
	return decodeAll(rs, entitlementFromResource)
}

// Components lists the components registered on a machine.
func (c *Client) Components(ctx context.Context, machineID string) ([]*Component, error) {
	if machineID == "" {
		return nil, &Error{Kind: KindInvalidArgument, Detail: "machine id is required"}
	}
	rs, err := c.list(ctx, "components", pathOf("machines", machineID, "components"))
	if err != nil {
		return nil, err
	}
	return decodeAll(rs, componentFromResource)
}

// License fetches a license.
func (c *Client) License(ctx context.Context, licenseID string) (*License, error) {
	if licenseID == "" {
		return nil, &Error{Kind: KindInvalidArgument, Detail: "license id is required"}
	}
	return c.license(ctx, "license", pathOf("licenses", licenseID))
}

// Me returns the license the client is authenticated as.
func (c *Client) Me(ctx context.Context) (*License, error) {
	return c.license(ctx, "me", "me")
}

func (c *Client) license(ctx context.Context, op, path string) (*License, error) {
	var doc document
	if err := c.do(ctx, op, c.src.Get(), request{method: http.MethodGet, path: path}, &doc); err != nil {
		return nil, err
	}
	r, err := doc.one()
	if err != nil {
		return nil, &Error{Kind: KindAPI, Detail: "malformed license", Err: err}
	}
	lic, err := licenseFromResource(r)
	if err != nil {
		return nil, &Error{Kind: KindAPI, Detail: "malformed license", Err: err}
	}
	return lic, nil
}

func (c *Client) list(ctx context.Context, op, path string) ([]resource, error) {
	var doc document
	if err := c.do(ctx, op, c.src.Get(), request{method: http.MethodGet, path: path}, &doc); err != nil {
		return nil, err
	}
	rs, err := doc.many()
	if err != nil {
		return nil, &Error{Kind: KindAPI, Detail: "malformed list", Err: err}
	}
	return rs, nil
}

func decodeAll[T any](rs []resource, decode func(resource) (*T, error)) ([]*T, error) {
	out := make([]*T, 0, len(rs))
	for _, r := range rs {
		v, err := decode(r)
		if err != nil {
			return nil, &Error{Kind: KindAPI, Detail: "malformed " + r.Type, Err: err}
		}
		out = append(out, v)
	}
	return out, nil
}
