package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"keygen/internal/certificate"
	"keygen/internal/config"
)

// Licensing is a stateful fake of the licensing service holding a single
// license. Machines are activated, pinged and deactivated against it, and
// checkouts return certificates signed by Signer.
type Licensing struct {
	*Service
	Signer       *Ed25519Signer
	Key          string
	LicenseID    string
	Expiry       time.Time
	Entitlements []string

	t  testing.TB
	mu sync.Mutex

	machines    map[string]string
	nextID      int
	code        string
	pingCode    string
	emptyPings  bool
	down        bool
	delay       time.Duration
	pings       int
	activations int
	checkouts   int
}

// NewLicensing starts a fake service for key.
func NewLicensing(t testing.TB, account, key string) *Licensing {
	t.Helper()
	l := &Licensing{
		Service:      NewService(t, account),
		Signer:       NewEd25519Signer(t),
		Key:          key,
		LicenseID:    "lic-1",
		Expiry:       time.Now().UTC().Add(365 * 24 * time.Hour).Truncate(time.Second),
		Entitlements: []string{"FEATURE_A", "FEATURE_B"},
		t:            t,
		machines:     map[string]string{},
	}

	l.handle(http.MethodPost, "/licenses/actions/validate-key", l.validateKey)
	l.handle(http.MethodPost, "/machines", l.activate)
	l.handle(http.MethodGet, "/licenses/{id}/machines", l.listMachines)
	l.handle(http.MethodGet, "/licenses/{id}/entitlements", l.listEntitlements)
	l.handle(http.MethodDelete, "/machines/{id}", l.deactivate)
	l.handle(http.MethodPost, "/machines/{id}/actions/ping", l.ping)
	l.handle(http.MethodPost, "/machines/{id}/actions/check-out", l.checkoutMachine)
	l.handle(http.MethodPost, "/licenses/{id}/actions/check-out", l.checkoutLicense)
	return l
}

// Config returns a configuration for the license, with the signer's public key.
func (l *Licensing) Config() *config.Config {
	cfg := l.Service.Config()
	cfg.Service.LicenseKey = l.Key
	cfg.Service.PublicKey = l.Signer.PublicKey()
	return cfg
}

// SetValidationCode makes every validation fail with code. An empty code
// restores normal behaviour.
func (l *Licensing) SetValidationCode(code string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.code = code
}

// FailPings makes pings fail with the API error code.
func (l *Licensing) FailPings(code string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pingCode = code
}

// EmptyPings makes successful pings answer 204 No Content.
func (l *Licensing) EmptyPings(empty bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.emptyPings = empty
}

// SetDelay holds every response for d.
func (l *Licensing) SetDelay(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.delay = d
}

// SetDown makes the service drop every connection.
func (l *Licensing) SetDown(down bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.down = down
}

// Activate registers fingerprint directly and returns the machine id.
func (l *Licensing) Activate(fingerprint string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.addMachine(fingerprint)
}

func (l *Licensing) Pings() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pings
}

func (l *Licensing) Activations() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.activations
}

func (l *Licensing) Checkouts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.checkouts
}

func (l *Licensing) MachineCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.machines)
}

func (l *Licensing) handle(method, pattern string, h http.HandlerFunc) {
	l.Handle(method, pattern, func(w http.ResponseWriter, r *http.Request) {
		l.mu.Lock()
		down, delay := l.down, l.delay
		l.mu.Unlock()
		if delay > 0 {
			time.Sleep(delay)
		}
		if down {
			if hj, ok := w.(http.Hijacker); ok {
				if conn, _, err := hj.Hijack(); err == nil {
					conn.Close()
					return
				}
			}
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		h(w, r)
	})
}

func (l *Licensing) license() Resource {
	return LicenseResource(l.LicenseID, l.Key, l.Expiry)
}

func (l *Licensing) entitlements() []Resource {
	out := make([]Resource, 0, len(l.Entitlements))
	for i, code := range l.Entitlements {
		out = append(out, EntitlementResource(fmt.Sprintf("ent-%d", i+1), code))
	}
	return out
}

func (l *Licensing) addMachine(fingerprint string) string {
	l.nextID++
	id := fmt.Sprintf("mach-%d", l.nextID)
	l.machines[id] = fingerprint
	return id
}

func (l *Licensing) machineByFingerprint(fingerprint string) (string, bool) {
	for id, fp := range l.machines {
		if fp == fingerprint {
			return id, true
		}
	}
	return "", false
}

func (l *Licensing) validateKey(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Meta struct {
			Key   string      `json:"key"`
			Nonce json.Number `json:"nonce"`
			Scope struct {
				Fingerprint string `json:"fingerprint"`
			} `json:"scope"`
		} `json:"meta"`
	}
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	_ = dec.Decode(&body)

	if body.Meta.Key != l.Key {
		WriteJSON(w, http.StatusOK, map[string]any{
			"meta": map[string]any{"valid": false, "code": "NOT_FOUND", "detail": "does not exist", "nonce": body.Meta.Nonce},
			"data": nil,
		})
		return
	}

	l.mu.Lock()
	code := l.code
	if code == "" {
		code = "VALID"
		if _, ok := l.machineByFingerprint(body.Meta.Scope.Fingerprint); !ok {
			code = "NO_MACHINE"
		}
	}
	l.mu.Unlock()

	WriteJSON(w, http.StatusOK, map[string]any{
		"meta": map[string]any{
			"valid":  code == "VALID",
			"code":   code,
			"detail": code,
			"nonce":  body.Meta.Nonce,
		},
		"data": l.license(),
	})
}

func (l *Licensing) activate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Data struct {
			Attributes struct {
				Fingerprint string `json:"fingerprint"`
			} `json:"attributes"`
		} `json:"data"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	fp := body.Data.Attributes.Fingerprint

	l.mu.Lock()
	if _, ok := l.machineByFingerprint(fp); ok {
		l.mu.Unlock()
		WriteErrors(w, http.StatusUnprocessableEntity, "FINGERPRINT_TAKEN", "has already been taken")
		return
	}
	l.activations++
	id := l.addMachine(fp)
	l.mu.Unlock()

	WriteJSON(w, http.StatusCreated, map[string]any{"data": MachineResource(id, fp, l.LicenseID)})
}

func (l *Licensing) listMachines(w http.ResponseWriter, r *http.Request) {
	l.mu.Lock()
	ids := make([]string, 0, len(l.machines))
	for id := range l.machines {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	data := make([]Resource, 0, len(ids))
	for _, id := range ids {
		data = append(data, MachineResource(id, l.machines[id], l.LicenseID))
	}
	l.mu.Unlock()

	WriteJSON(w, http.StatusOK, map[string]any{"data": data})
}

func (l *Licensing) listEntitlements(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]any{"data": l.entitlements()})
}

func (l *Licensing) deactivate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	l.mu.Lock()
	_, ok := l.machines[id]
	delete(l.machines, id)
	l.mu.Unlock()

	if !ok {
		WriteErrors(w, http.StatusNotFound, "NOT_FOUND", "machine not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (l *Licensing) ping(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	l.mu.Lock()
	fp, ok := l.machines[id]
	code := l.pingCode
	empty := l.emptyPings
	if ok && code == "" {
		l.pings++
	}
	l.mu.Unlock()

	switch {
	case !ok:
		WriteErrors(w, http.StatusNotFound, "NOT_FOUND", "machine not found")
	case code != "":
		WriteErrors(w, http.StatusUnprocessableEntity, code, "ping rejected")
	case empty:
		w.WriteHeader(http.StatusNoContent)
	default:
		WriteJSON(w, http.StatusOK, map[string]any{"data": MachineResource(id, fp, l.LicenseID)})
	}
}

func (l *Licensing) ttl(r *http.Request) time.Duration {
	if secs, err := strconv.Atoi(r.URL.Query().Get("ttl")); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 30 * 24 * time.Hour
}

func (l *Licensing) checkoutMachine(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	l.mu.Lock()
	fp, ok := l.machines[id]
	l.checkouts++
	l.mu.Unlock()
	if !ok {
		WriteErrors(w, http.StatusNotFound, "NOT_FOUND", "machine not found")
		return
	}

	ds := Dataset{
		Issued:   time.Now().UTC().Truncate(time.Second),
		TTL:      l.ttl(r),
		Data:     MachineResource(id, fp, l.LicenseID),
		Included: append([]Resource{l.license()}, l.entitlements()...),
	}
	ds.Expiry = ds.Issued.Add(ds.TTL)
	l.writeFile(w, "machine-files", certificate.MachineNamespace, l.Key+fp, ds, "machine", "machines", id)
}

func (l *Licensing) checkoutLicense(w http.ResponseWriter, r *http.Request) {
	l.mu.Lock()
	l.checkouts++
	l.mu.Unlock()

	ds := Dataset{
		Issued:   time.Now().UTC().Truncate(time.Second),
		TTL:      l.ttl(r),
		Data:     l.license(),
		Included: l.entitlements(),
	}
	ds.Expiry = ds.Issued.Add(ds.TTL)
	l.writeFile(w, "license-files", certificate.LicenseNamespace, l.Key, ds, "license", "licenses", l.LicenseID)
}

func (l *Licensing) writeFile(w http.ResponseWriter, typ, namespace, secret string, ds Dataset, rel, relType, relID string) {
	cert := Certificate(l.t, l.Signer, namespace, secret, ds.JSON(l.t))
	WriteJSON(w, http.StatusOK, map[string]any{"data": NewResource(typ, "file-"+relID, map[string]any{
		"certificate": cert,
		"issued":      ds.Issued.Format(time.RFC3339),
		"expiry":      ds.Expiry.Format(time.RFC3339),
		"ttl":         int(ds.TTL / time.Second),
	}, map[string]any{rel: Rel(relType, relID)})})
}
