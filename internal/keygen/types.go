package keygen

import (
	"encoding/json"
	"fmt"
	"time"
)

// JSON:API resource types used by the licensing service.
const (
	typeLicenses     = "licenses"
	typeMachines     = "machines"
	typeEntitlements = "entitlements"
	typeComponents   = "components"
	typeProducts     = "products"
	typePolicies     = "policies"
	typeGroups       = "groups"
	typeLicenseFiles = "license-files"
	typeMachineFiles = "machine-files"
)

type resourceIdentifier struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

type relationship struct {
	Data json.RawMessage `json:"data"`
}

// id returns the linked id of a to-one relationship.
func (r relationship) id() string {
	var ri resourceIdentifier
	if len(r.Data) == 0 || json.Unmarshal(r.Data, &ri) != nil {
		return ""
	}
	return ri.ID
}

type resource struct {
	Type          string                  `json:"type"`
	ID            string                  `json:"id"`
	Attributes    json.RawMessage         `json:"attributes"`
	Relationships map[string]relationship `json:"relationships,omitempty"`
}

func (r resource) rel(name string) string {
	if r.Relationships == nil {
		return ""
	}
	return r.Relationships[name].id()
}

func (r resource) decode(typ string, attrs any) error {
	if r.Type != typ {
		return fmt.Errorf("expected %s resource, got %q", typ, r.Type)
	}
	if len(r.Attributes) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Attributes, attrs); err != nil {
		return fmt.Errorf("decode %s attributes: %w", typ, err)
	}
	return nil
}

// document is a JSON:API top-level document.
type document struct {
	Data     json.RawMessage `json:"data"`
	Included []resource      `json:"included,omitempty"`
	Meta     json.RawMessage `json:"meta,omitempty"`
}

func (d *document) one() (resource, error) {
	var r resource
	if err := json.Unmarshal(d.Data, &r); err != nil {
		return r, fmt.Errorf("decode resource: %w", err)
	}
	return r, nil
}

func (d *document) many() ([]resource, error) {
	var rs []resource
	if err := json.Unmarshal(d.Data, &rs); err != nil {
		return nil, fmt.Errorf("decode resources: %w", err)
	}
	return rs, nil
}

// License is a license resource as last reported by the service.
type License struct {
	ID               string
	Name             string
	Key              string
	Expiry           *time.Time
	Status           string
	Scheme           string
	Uses             int
	MaxMachines      int
	MaxCores         int
	MaxProcesses     int
	RequireHeartbeat bool
	Protected        bool
	Floating         bool
	LastValidated    *time.Time
	PolicyID         string
	ProductID        string
	Metadata         map[string]any
	Created          time.Time
	Updated          time.Time
}

type licenseAttributes struct {
	Name             string         `json:"name"`
	Key              string         `json:"key"`
	Expiry           *time.Time     `json:"expiry"`
	Status           string         `json:"status"`
	Scheme           string         `json:"scheme"`
	Uses             int            `json:"uses"`
	MaxMachines      int            `json:"maxMachines"`
	MaxCores         int            `json:"maxCores"`
	MaxProcesses     int            `json:"maxProcesses"`
	RequireHeartbeat bool           `json:"requireHeartbeat"`
	Protected        bool           `json:"protected"`
	Floating         bool           `json:"floating"`
	LastValidated    *time.Time     `json:"lastValidated"`
	Metadata         map[string]any `json:"metadata"`
	Created          time.Time      `json:"created"`
	Updated          time.Time      `json:"updated"`
}

func licenseFromResource(r resource) (*License, error) {
	var a licenseAttributes
	if err := r.decode(typeLicenses, &a); err != nil {
		return nil, err
	}
	return &License{
		ID:               r.ID,
		Name:             a.Name,
		Key:              a.Key,
		Expiry:           a.Expiry,
		Status:           a.Status,
		Scheme:           a.Scheme,
		Uses:             a.Uses,
		MaxMachines:      a.MaxMachines,
		MaxCores:         a.MaxCores,
		MaxProcesses:     a.MaxProcesses,
		RequireHeartbeat: a.RequireHeartbeat,
		Protected:        a.Protected,
		Floating:         a.Floating,
		LastValidated:    a.LastValidated,
		PolicyID:         r.rel("policy"),
		ProductID:        r.rel("product"),
		Metadata:         a.Metadata,
		Created:          a.Created,
		Updated:          a.Updated,
	}, nil
}

// Expired reports whether the license expiry has been reached at now.
func (l *License) Expired(now time.Time) bool {
	return l.Expiry != nil && !now.Before(*l.Expiry)
}

// Machine is an activated device. Only the service mutates it; local copies
// are replaced on every fetch.
type Machine struct {
	ID                string
	Fingerprint       string
	Name              string
	Platform          string
	Hostname          string
	IP                string
	Cores             int
	RequireHeartbeat  bool
	HeartbeatStatus   string
	HeartbeatDuration time.Duration
	LastHeartbeat     *time.Time
	NextHeartbeat     *time.Time
	LicenseID         string
	Metadata          map[string]any
	Created           time.Time
	Updated           time.Time
}

type machineAttributes struct {
	Fingerprint       string         `json:"fingerprint"`
	Name              string         `json:"name"`
	Platform          string         `json:"platform"`
	Hostname          string         `json:"hostname"`
	IP                string         `json:"ip"`
	Cores             int            `json:"cores"`
	RequireHeartbeat  bool           `json:"requireHeartbeat"`
	HeartbeatStatus   string         `json:"heartbeatStatus"`
	HeartbeatDuration int            `json:"heartbeatDuration"`
	LastHeartbeat     *time.Time     `json:"lastHeartbeat"`
	NextHeartbeat     *time.Time     `json:"nextHeartbeat"`
	Metadata          map[string]any `json:"metadata"`
	Created           time.Time      `json:"created"`
	Updated           time.Time      `json:"updated"`
}

func machineFromResource(r resource) (*Machine, error) {
	var a machineAttributes
	if err := r.decode(typeMachines, &a); err != nil {
		return nil, err
	}
	return &Machine{
		ID:                r.ID,
		Fingerprint:       a.Fingerprint,
		Name:              a.Name,
		Platform:          a.Platform,
		Hostname:          a.Hostname,
		IP:                a.IP,
		Cores:             a.Cores,
		RequireHeartbeat:  a.RequireHeartbeat,
		HeartbeatStatus:   a.HeartbeatStatus,
		HeartbeatDuration: time.Duration(a.HeartbeatDuration) * time.Second,
		LastHeartbeat:     a.LastHeartbeat,
		NextHeartbeat:     a.NextHeartbeat,
		LicenseID:         r.rel("license"),
		Metadata:          a.Metadata,
		Created:           a.Created,
		Updated:           a.Updated,
	}, nil
}

// Heartbeat statuses reported on a machine.
const (
	HeartbeatNotStarted = "NOT_STARTED"
	HeartbeatAlive      = "ALIVE"
	HeartbeatDeadStatus = "DEAD"
)

// Entitlement is a feature flag attached to a license.
type Entitlement struct {
	ID   string
	Code string
	Name string
}

type entitlementAttributes struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

func entitlementFromResource(r resource) (*Entitlement, error) {
	var a entitlementAttributes
	if err := r.decode(typeEntitlements, &a); err != nil {
		return nil, err
	}
	return &Entitlement{ID: r.ID, Code: a.Code, Name: a.Name}, nil
}

// Component is a hardware component fingerprint registered on a machine.
type Component struct {
	ID          string
	Fingerprint string
	Name        string
	MachineID   string
}

type componentAttributes struct {
	Fingerprint string `json:"fingerprint"`
	Name        string `json:"name"`
}

func componentFromResource(r resource) (*Component, error) {
	var a componentAttributes
	if err := r.decode(typeComponents, &a); err != nil {
		return nil, err
	}
	return &Component{ID: r.ID, Fingerprint: a.Fingerprint, Name: a.Name, MachineID: r.rel("machine")}, nil
}

// Product, Policy and Group are named resources included in certificates.
type Product struct {
	ID   string
	Name string
}

type Policy struct {
	ID   string
	Name string
}

type Group struct {
	ID   string
	Name string
}

type namedAttributes struct {
	Name string `json:"name"`
}

func decodeName(r resource, typ string) (string, error) {
	var a namedAttributes
	if err := r.decode(typ, &a); err != nil {
		return "", err
	}
	return a.Name, nil
}

// EntitlementCodes returns the codes of es.
func EntitlementCodes(es []*Entitlement) []string {
	codes := make([]string, 0, len(es))
	for _, e := range es {
		codes = append(codes, e.Code)
	}
	return codes
}
