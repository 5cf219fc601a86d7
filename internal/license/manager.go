package license

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"keygen/internal/config"
	"keygen/internal/files"
	"keygen/internal/heartbeat"
	"keygen/internal/infrastructure"
	"keygen/internal/keygen"
	"keygen/internal/security"
	"keygen/internal/verifier"
)

// DefaultHeartbeatDuration is used when a machine declares no heartbeat
// duration of its own.
const DefaultHeartbeatDuration = 10 * time.Minute

const defaultCacheSize = 64

var (
	ErrNoLicenseKey     = errors.New("license: no license key configured")
	ErrNoMachine        = errors.New("license: this machine is not activated")
	ErrHeartbeatRunning = errors.New("license: heartbeat already running")
)

// Source records where a snapshot was established from.
type Source string

const (
	SourceOnline      Source = "online"
	SourceMachineFile Source = "machine_file"
	SourceLicenseFile Source = "license_file"
)

// Snapshot is the outcome of the last successful validation.
type Snapshot struct {
	License           *keygen.License
	Machine           *keygen.Machine
	Entitlements      []string
	Source            Source
	CertificateExpiry time.Time
	CheckedAt         time.Time
}

// MissingEntitlements returns the codes in want that the license lacks.
func (s *Snapshot) MissingEntitlements(want []string) []string {
	have := make(map[string]struct{}, len(s.Entitlements))
	for _, code := range s.Entitlements {
		have[code] = struct{}{}
	}
	var missing []string
	for _, code := range want {
		if _, ok := have[code]; !ok {
			missing = append(missing, code)
		}
	}
	return missing
}

// RenewalInfo contains information about license renewal requirements
type RenewalInfo struct {
	DaysLeft     int    `json:"days_left"`
	Status       string `json:"status"`
	NeedsRenewal bool   `json:"needs_renewal"`
	IsExpired    bool   `json:"is_expired"`
}

// Renewal reports how close the license is to expiring. Licenses without an
// expiry never need renewal.
func (s *Snapshot) Renewal(now time.Time) RenewalInfo {
	if s.License == nil || s.License.Expiry == nil {
		return RenewalInfo{DaysLeft: -1, Status: "perpetual"}
	}
	left := s.License.Expiry.Sub(now)
	info := RenewalInfo{DaysLeft: int(left.Hours() / 24)}
	switch {
	case s.License.Expired(now):
		info.Status, info.IsExpired, info.NeedsRenewal = "expired", true, true
	case left <= 7*24*time.Hour:
		info.Status, info.NeedsRenewal = "critical", true
	case left <= 30*24*time.Hour:
		info.Status, info.NeedsRenewal = "warning", true
	default:
		info.Status = "active"
	}
	return info
}

// FingerprintSource derives this machine's fingerprint.
type FingerprintSource interface {
	GenerateFingerprint() (*security.DeviceFingerprint, error)
}

// Manager handles license operations with caching and offline fallback
type Manager struct {
	cfg          *config.Store
	client       *keygen.Client
	store        *files.Store
	fingerprints FingerprintSource
	cache        *ValidationCache
	group        singleflight.Group

	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *infrastructure.Metrics
	now     func() time.Time
	onEvent EventHandler

	mu       sync.RWMutex
	snapshot *Snapshot
	monitor  *heartbeat.Monitor
}

// Option configures a Manager
type Option func(*Manager)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = infrastructure.WithComponent(logger, "license_manager") }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(m *Manager) { m.tracer = tracer }
}

func WithMetrics(metrics *infrastructure.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithClock overrides the clock used for expiry checks and the cache.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithEventHandler registers a receiver for lifecycle events.
func WithEventHandler(h EventHandler) Option {
	return func(m *Manager) { m.onEvent = h }
}

// WithCache replaces the default validation cache.
func WithCache(c *ValidationCache) Option {
	return func(m *Manager) { m.cache = c }
}

// NewManager creates a manager. client must read its configuration from cfg.
func NewManager(cfg *config.Store, client *keygen.Client, store *files.Store, fps FingerprintSource, opts ...Option) (*Manager, error) {
	if cfg == nil || client == nil || store == nil || fps == nil {
		return nil, errors.New("license: config, client, store and fingerprint source are required")
	}
	m := &Manager{
		cfg:          cfg,
		client:       client,
		store:        store,
		fingerprints: fps,
		logger:       infrastructure.WithComponent(nil, "license_manager"),
		tracer:       otel.Tracer(infrastructure.InstrumentationName),
		metrics:      infrastructure.NoopMetrics(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.cache == nil {
		m.cache = NewValidationCache(cfg.Get().Agent.CacheTTL, defaultCacheSize, m.now)
	}
	return m, nil
}

// Snapshot returns the current validation state, if any.
func (m *Manager) Snapshot() (*Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.snapshot == nil {
		return nil, false
	}
	snap := *m.snapshot
	return &snap, true
}

// CacheStats returns validation cache statistics
func (m *Manager) CacheStats() CacheStats {
	return m.cache.Stats()
}

// Store returns the persistence layer
func (m *Manager) Store() *files.Store {
	return m.store
}

// Fingerprint returns this machine's fingerprint
func (m *Manager) Fingerprint() (*security.DeviceFingerprint, error) {
	return m.fingerprints.GenerateFingerprint()
}

// Ensure makes sure this machine holds a valid license. A stored machine
// file is used when it is genuine and current; otherwise the service is
// asked. Concurrent calls share one validation.
func (m *Manager) Ensure(ctx context.Context) (*Snapshot, error) {
	return m.shared(ctx, "ensure", true)
}

// Refresh validates online even when a stored certificate is still current.
func (m *Manager) Refresh(ctx context.Context) (*Snapshot, error) {
	m.cache.Clear()
	return m.shared(ctx, "refresh", false)
}

// ensureRequests bounds a shared ensure to this many client timeouts.
const ensureRequests = 4

// shared runs one ensure for every concurrent caller. The work is detached
// from the first caller's cancellation; each caller stops waiting when its
// own context ends.
func (m *Manager) shared(ctx context.Context, key string, offlineFirst bool) (*Snapshot, error) {
	ch := m.group.DoChan(key, func() (any, error) {
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ensureRequests*m.cfg.Get().HTTP.Timeout)
		defer cancel()
		return m.ensure(wctx, offlineFirst)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		snap := *res.Val.(*Snapshot)
		return &snap, nil
	}
}

// Validate checks that the license is valid and grants entitlements.
// Results are cached per fingerprint and entitlement scope.
func (m *Manager) Validate(ctx context.Context, entitlements []string) (*Snapshot, error) {
	fp, err := m.fingerprints.GenerateFingerprint()
	if err != nil {
		return nil, fmt.Errorf("failed to generate fingerprint: %w", err)
	}
	key := ScopeKey(fp.Scope(), entitlements)

	if snap, ok := m.cache.Get(key); ok {
		m.metrics.CacheHits.Add(ctx, 1)
		return snap, nil
	}
	m.metrics.CacheMisses.Add(ctx, 1)

	snap, err := m.Ensure(ctx)
	if err != nil {
		return nil, err
	}
	if missing := snap.MissingEntitlements(entitlements); len(missing) > 0 {
		return nil, &keygen.Error{
			Kind:    keygen.ValidationKind("ENTITLEMENTS_MISSING"),
			Code:    "ENTITLEMENTS_MISSING",
			Detail:  "missing entitlements: " + strings.Join(missing, ", "),
			License: snap.License,
		}
	}
	m.cache.Set(key, *snap)
	return snap, nil
}

// Activate adopts key as this machine's license key, persisting it sealed to
// the device fingerprint, and validates it.
func (m *Manager) Activate(ctx context.Context, key string) (*Snapshot, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, &keygen.Error{Kind: keygen.KindInvalidArgument, Detail: "license key is required", Err: ErrNoLicenseKey}
	}
	fp, err := m.fingerprints.GenerateFingerprint()
	if err != nil {
		return nil, fmt.Errorf("failed to generate fingerprint: %w", err)
	}
	if err := m.store.SaveKey(key, fp.Fingerprint); err != nil {
		return nil, err
	}
	if err := m.cfg.Update(func(c *config.Config) { c.Service.LicenseKey = key }); err != nil {
		return nil, err
	}
	m.cache.Clear()
	return m.Ensure(ctx)
}

func (m *Manager) ensure(ctx context.Context, offlineFirst bool) (snap *Snapshot, err error) {
	ctx = infrastructure.EnsureTraceID(ctx)
	ctx, span := m.tracer.Start(ctx, "license.ensure",
		trace.WithAttributes(attribute.Bool("license.offline_first", offlineFirst)))
	defer span.End()

	start := time.Now()
	defer func() { m.logOperation(ctx, "ensure", start, err) }()

	fp, err := m.fingerprints.GenerateFingerprint()
	if err != nil {
		return nil, fmt.Errorf("failed to generate fingerprint: %w", err)
	}
	key, err := m.licenseKey(fp.Fingerprint)
	if err != nil {
		return nil, err
	}

	if offlineFirst {
		if snap, ok := m.fromMachineFile(ctx, key, fp); ok {
			m.setSnapshot(snap)
			m.emit(EventValidated, snapshotEvent(snap))
			return snap, nil
		}
	}

	snap, err = m.online(ctx, key, fp)
	if err == nil {
		m.setSnapshot(snap)
		m.emit(EventValidated, snapshotEvent(snap))
		return snap, nil
	}

	if errors.Is(err, keygen.ErrTransport) {
		if snap, ok := m.fromLicenseFile(ctx, key); ok {
			m.metrics.OfflineFallbacks.Add(ctx, 1)
			m.logAction(ctx, slog.LevelWarn, "offline_fallback", "licensing service unreachable, using stored license file",
				slog.String("error", err.Error()))
			m.setSnapshot(snap)
			m.emit(EventOffline, snapshotEvent(snap))
			return snap, nil
		}
	}

	data := map[string]any{"error": err.Error()}
	var kerr *keygen.Error
	if errors.As(err, &kerr) {
		data["kind"] = kerr.Kind.String()
		data["code"] = kerr.Code
	}
	m.emit(EventInvalid, data)
	return nil, err
}

// licenseKey returns the configured key, or the one persisted by Activate.
func (m *Manager) licenseKey(fingerprint string) (string, error) {
	if key := m.cfg.Get().Service.LicenseKey; key != "" {
		return key, nil
	}
	key, err := m.store.LoadKey(fingerprint)
	if errors.Is(err, files.ErrNotFound) {
		return "", &keygen.Error{Kind: keygen.KindInvalidArgument, Detail: "no license key configured", Err: ErrNoLicenseKey}
	}
	if err != nil {
		return "", fmt.Errorf("failed to load license key: %w", err)
	}
	// Requests that authenticate from configuration need the key too.
	if err := m.cfg.Update(func(c *config.Config) { c.Service.LicenseKey = key }); err != nil {
		return "", err
	}
	return key, nil
}

func (m *Manager) offline() keygen.Offline {
	o := keygen.OfflineFromConfig(m.cfg.Get().Service)
	o.Now = m.now
	return o
}

func (m *Manager) fromMachineFile(ctx context.Context, key string, fp *security.DeviceFingerprint) (*Snapshot, bool) {
	text, err := m.store.LoadMachineFile()
	if err != nil {
		if !errors.Is(err, files.ErrNotFound) {
			m.logAction(ctx, slog.LevelWarn, "machine_file", "failed to read machine file", slog.String("error", err.Error()))
		}
		return nil, false
	}

	mf, ds, err := keygen.MachineFileFromCertificate(m.offline(), verifier.MachineSecret(key, fp.Fingerprint), text)
	if err != nil {
		m.logAction(ctx, slog.LevelInfo, "machine_file", "stored machine file not usable",
			slog.String("error", err.Error()))
		return nil, false
	}
	if ds.License == nil || ds.License.Expired(m.now()) {
		return nil, false
	}
	if ds.Machine != nil && ds.Machine.Fingerprint != "" && ds.Machine.Fingerprint != fp.Fingerprint {
		m.logAction(ctx, slog.LevelWarn, "machine_file", "stored machine file belongs to another machine")
		return nil, false
	}

	return &Snapshot{
		License:           ds.License,
		Machine:           ds.Machine,
		Entitlements:      entitlementsOrEmpty(ds.EntitlementCodes()),
		Source:            SourceMachineFile,
		CertificateExpiry: mf.Expiry,
		CheckedAt:         m.now(),
	}, true
}

func (m *Manager) fromLicenseFile(ctx context.Context, key string) (*Snapshot, bool) {
	text, err := m.store.LoadLicenseFile()
	if err != nil {
		return nil, false
	}
	lf, ds, err := keygen.LicenseFileFromCertificate(m.offline(), verifier.LicenseSecret(key), text)
	if err != nil || ds.License == nil || ds.License.Expired(m.now()) {
		if err != nil {
			m.logAction(ctx, slog.LevelInfo, "license_file", "stored license file not usable", slog.String("error", err.Error()))
		}
		return nil, false
	}
	return &Snapshot{
		License:           ds.License,
		Entitlements:      entitlementsOrEmpty(ds.EntitlementCodes()),
		Source:            SourceLicenseFile,
		CertificateExpiry: lf.Expiry,
		CheckedAt:         m.now(),
	}, true
}

func (m *Manager) online(ctx context.Context, key string, fp *security.DeviceFingerprint) (*Snapshot, error) {
	opts := keygen.ValidateOptions{Fingerprints: fp.Scope()}

	var machine *keygen.Machine
	lic, err := m.client.ValidateKey(ctx, key, opts)
	if err != nil {
		var kerr *keygen.Error
		if !errors.As(err, &kerr) || !kerr.Recoverable() {
			return nil, err
		}
		m.logAction(ctx, slog.LevelInfo, "activate", "machine not activated, activating",
			slog.String("code", kerr.Code),
			slog.String("license_id", kerr.License.ID))

		if machine, err = m.activate(ctx, kerr.License, fp); err != nil {
			return nil, err
		}
		if lic, err = m.client.ValidateKey(ctx, key, opts); err != nil {
			return nil, err
		}
	}

	if machine == nil {
		machine = m.findMachine(ctx, lic, fp.Fingerprint)
	}

	snap := &Snapshot{
		License:   lic,
		Machine:   machine,
		Source:    SourceOnline,
		CheckedAt: m.now(),
	}
	m.checkout(ctx, snap, key, fp)

	if len(snap.Entitlements) == 0 {
		ents, err := m.client.Entitlements(ctx, lic.ID)
		if err != nil {
			m.logAction(ctx, slog.LevelWarn, "entitlements", "failed to list entitlements", slog.String("error", err.Error()))
		}
		snap.Entitlements = keygen.EntitlementCodes(ents)
	}
	snap.Entitlements = entitlementsOrEmpty(snap.Entitlements)
	return snap, nil
}

func (m *Manager) activate(ctx context.Context, lic *keygen.License, fp *security.DeviceFingerprint) (*keygen.Machine, error) {
	names := make([]string, 0, len(fp.Components))
	for name := range fp.Components {
		names = append(names, name)
	}
	sort.Strings(names)
	components := make([]keygen.ComponentOptions, 0, len(names))
	for _, name := range names {
		components = append(components, keygen.ComponentOptions{Fingerprint: fp.Components[name], Name: name})
	}

	machine, err := m.client.Activate(ctx, lic, keygen.ActivateOptions{
		Fingerprint: fp.Fingerprint,
		Name:        fp.Hostname,
		Platform:    fp.Platform,
		Hostname:    fp.Hostname,
		Cores:       fp.Cores,
		Components:  components,
	})
	if errors.Is(err, keygen.ErrMachineAlreadyActivated) {
		// Another process won the race.
		if machine := m.findMachine(ctx, lic, fp.Fingerprint); machine != nil {
			return machine, nil
		}
	}
	if err != nil {
		return nil, err
	}

	m.emit(EventActivated, map[string]any{"license_id": lic.ID, "machine_id": machine.ID})
	return machine, nil
}

func (m *Manager) findMachine(ctx context.Context, lic *keygen.License, fingerprint string) *keygen.Machine {
	machines, err := m.client.Machines(ctx, lic.ID)
	if err != nil {
		m.logAction(ctx, slog.LevelWarn, "machines", "failed to list machines", slog.String("error", err.Error()))
		return nil
	}
	for _, machine := range machines {
		if machine.Fingerprint == fingerprint {
			return machine
		}
	}
	return nil
}

// checkout refreshes the stored certificates. Failures are logged only; the
// online result stands on its own.
func (m *Manager) checkout(ctx context.Context, snap *Snapshot, key string, fp *security.DeviceFingerprint) {
	if m.cfg.Get().Service.PublicKey == "" {
		m.logAction(ctx, slog.LevelDebug, "checkout", "no public key configured, skipping certificate checkout")
		return
	}

	if snap.Machine != nil {
		mf, err := m.client.CheckoutMachine(ctx, snap.Machine, keygen.CheckoutOptions{})
		if err == nil {
			_, ds, derr := keygen.MachineFileFromCertificate(m.offline(), verifier.MachineSecret(key, fp.Fingerprint), mf.Certificate)
			if derr != nil {
				err = derr
			} else {
				snap.Entitlements = ds.EntitlementCodes()
				snap.CertificateExpiry = mf.Expiry
				err = m.store.SaveMachineFile(mf.Certificate)
			}
		}
		if err != nil {
			m.logAction(ctx, slog.LevelWarn, "checkout", "machine file checkout failed", slog.String("error", err.Error()))
		}
	}

	lf, err := m.client.CheckoutLicense(ctx, snap.License, keygen.CheckoutOptions{})
	if err == nil {
		err = m.store.SaveLicenseFile(lf.Certificate)
	}
	if err != nil {
		m.logAction(ctx, slog.LevelWarn, "checkout", "license file checkout failed", slog.String("error", err.Error()))
	}
}

// Deactivate stops the heartbeat, releases this machine and removes the
// stored certificates. The license key is kept.
func (m *Manager) Deactivate(ctx context.Context) error {
	m.StopHeartbeat()

	snap, ok := m.Snapshot()
	if !ok {
		var err error
		if snap, err = m.Ensure(ctx); err != nil {
			return err
		}
	}
	if snap.Machine == nil {
		return ErrNoMachine
	}

	if err := m.client.Deactivate(ctx, snap.Machine.ID); err != nil && !errors.Is(err, keygen.ErrNotFound) {
		return err
	}
	err := errors.Join(m.store.Remove(files.KindMachineFile), m.store.Remove(files.KindLicenseFile))

	m.cache.Clear()
	m.mu.Lock()
	m.snapshot = nil
	m.mu.Unlock()
	// A monitor started while the machine was being removed.
	m.StopHeartbeat()

	m.logAction(ctx, slog.LevelInfo, "deactivate", "machine deactivated", slog.String("machine_id", snap.Machine.ID))
	m.emit(EventDeactivated, map[string]any{"machine_id": snap.Machine.ID})
	return err
}

// StartHeartbeat binds a heartbeat monitor to the active machine. With a
// nil sink, the first failed ping stops the monitor.
func (m *Manager) StartHeartbeat(ctx context.Context, sink chan<- error) (*heartbeat.Monitor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.monitor != nil {
		if st := m.monitor.State(); st != heartbeat.StateStopped {
			return nil, ErrHeartbeatRunning
		}
	}
	if m.snapshot == nil || m.snapshot.Machine == nil {
		return nil, ErrNoMachine
	}

	machineID := m.snapshot.Machine.ID
	duration := m.snapshot.Machine.HeartbeatDuration
	if duration <= 0 {
		duration = DefaultHeartbeatDuration
	}
	interval := heartbeat.Interval(duration, m.cfg.Get().Heartbeat.Margin)

	opts := []heartbeat.Option{
		heartbeat.WithInterval(interval),
		heartbeat.WithLogger(m.logger),
		heartbeat.WithMetrics(m.metrics),
	}
	if sink != nil {
		opts = append(opts, heartbeat.WithErrorSink(sink))
	}
	mon, err := heartbeat.New(heartbeat.PingFunc(func(ctx context.Context) error {
		return m.ping(ctx, machineID)
	}), opts...)
	if err != nil {
		return nil, err
	}
	if err := mon.Start(ctx); err != nil {
		return nil, err
	}
	m.monitor = mon
	return mon, nil
}

// StopHeartbeat stops the running monitor, if any.
func (m *Manager) StopHeartbeat() {
	m.mu.Lock()
	mon := m.monitor
	m.monitor = nil
	m.mu.Unlock()
	if mon != nil {
		mon.Stop()
	}
}

// HeartbeatStatus returns the monitor status, if one was started.
func (m *Manager) HeartbeatStatus() (heartbeat.Status, bool) {
	m.mu.RLock()
	mon := m.monitor
	m.mu.RUnlock()
	if mon == nil {
		return heartbeat.Status{}, false
	}
	return mon.Status(), true
}

func (m *Manager) ping(ctx context.Context, machineID string) error {
	machine, err := m.client.Ping(ctx, machineID)
	if err != nil {
		m.emit(EventHeartbeatFailed, map[string]any{"machine_id": machineID, "error": err.Error()})
		return err
	}

	fields := map[string]any{"machine_id": machineID}
	if machine != nil {
		m.mu.Lock()
		if m.snapshot != nil && m.snapshot.Machine != nil && m.snapshot.Machine.ID == machineID {
			snap := *m.snapshot
			snap.Machine = machine
			m.snapshot = &snap
		}
		m.mu.Unlock()
		fields["status"] = machine.HeartbeatStatus
	}

	m.emit(EventHeartbeat, fields)
	return nil
}

// Close stops background work.
func (m *Manager) Close() {
	m.StopHeartbeat()
	m.cache.Stop()
}

func (m *Manager) setSnapshot(snap *Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshot = snap
}

func snapshotEvent(s *Snapshot) map[string]any {
	data := map[string]any{
		"source":       s.Source,
		"entitlements": s.Entitlements,
	}
	if s.License != nil {
		data["license_id"] = s.License.ID
	}
	if s.Machine != nil {
		data["machine_id"] = s.Machine.ID
	}
	return data
}

func entitlementsOrEmpty(codes []string) []string {
	if codes == nil {
		return []string{}
	}
	return codes
}
