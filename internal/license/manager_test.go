package license_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keygen/internal/certificate"
	"keygen/internal/config"
	"keygen/internal/files"
	"keygen/internal/heartbeat"
	"keygen/internal/keygen"
	"keygen/internal/license"
	"keygen/internal/security"
	"keygen/internal/shared/testutil"
)

const (
	account = "acct-1"
	key     = "KEY-1234-ABCD"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []license.Event
}

func (r *eventRecorder) handle(e license.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) types() []license.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]license.EventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

type harness struct {
	mgr    *license.Manager
	cfg    *config.Store
	files  *files.Store
	events *eventRecorder
}

func newHarness(t *testing.T, cfg *config.Config) *harness {
	t.Helper()
	logger, _ := testutil.NewLogger()
	store := config.NewStore(cfg)

	client, err := keygen.New(store, keygen.WithLogger(logger))
	require.NoError(t, err)

	paths, err := cfg.ResolvePaths()
	require.NoError(t, err)
	fs := files.NewStore(paths, files.WithLogger(logger),
		files.WithEncryption(security.EncryptionConfig{SCryptN: 1024, SCryptR: 8, SCryptP: 1}))

	events := &eventRecorder{}
	mgr, err := license.NewManager(store, client, fs, testutil.NewStaticFingerprint("fp-1"),
		license.WithLogger(logger),
		license.WithEventHandler(events.handle),
	)
	require.NoError(t, err)
	t.Cleanup(mgr.Close)

	return &harness{mgr: mgr, cfg: store, files: fs, events: events}
}

func countRequests(l *testutil.Licensing, path string) int {
	n := 0
	for _, r := range l.Requests() {
		if r.Path == path {
			n++
		}
	}
	return n
}

const validateKeyPath = "/v1/accounts/acct-1/licenses/actions/validate-key"

func TestEnsure_ActivatesAndChecksOut(t *testing.T) {
	l := testutil.NewLicensing(t, account, key)
	h := newHarness(t, l.Config())

	snap, err := h.mgr.Ensure(context.Background())
	require.NoError(t, err)

	assert.Equal(t, license.SourceOnline, snap.Source)
	assert.Equal(t, "lic-1", snap.License.ID)
	require.NotNil(t, snap.Machine)
	assert.Equal(t, "mach-1", snap.Machine.ID)
	assert.Equal(t, []string{"FEATURE_A", "FEATURE_B"}, snap.Entitlements)
	assert.False(t, snap.CertificateExpiry.IsZero())

	assert.Equal(t, 1, l.Activations())
	assert.Equal(t, 2, countRequests(l, validateKeyPath), "validated before and after activation")
	assert.True(t, h.files.Exists(files.KindMachineFile))
	assert.True(t, h.files.Exists(files.KindLicenseFile))

	assert.Equal(t, []license.EventType{license.EventActivated, license.EventValidated}, h.events.types())

	current, ok := h.mgr.Snapshot()
	require.True(t, ok)
	assert.Equal(t, "mach-1", current.Machine.ID)
}

func TestEnsure_UsesStoredMachineFileOffline(t *testing.T) {
	l := testutil.NewLicensing(t, account, key)
	cfg := l.Config()

	_, err := newHarness(t, cfg).mgr.Ensure(context.Background())
	require.NoError(t, err)
	before := len(l.Requests())

	l.SetDown(true)
	snap, err := newHarness(t, cfg).mgr.Ensure(context.Background())
	require.NoError(t, err)

	assert.Equal(t, license.SourceMachineFile, snap.Source)
	assert.Equal(t, "lic-1", snap.License.ID)
	assert.Equal(t, "mach-1", snap.Machine.ID)
	assert.Equal(t, []string{"FEATURE_A", "FEATURE_B"}, snap.Entitlements)
	assert.Len(t, l.Requests(), before, "no request for a current machine file")
}

func TestEnsure_MachineAlreadyActivated(t *testing.T) {
	l := testutil.NewLicensing(t, account, key)
	l.Activate("fp-1")
	h := newHarness(t, l.Config())

	snap, err := h.mgr.Ensure(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, l.Activations())
	require.NotNil(t, snap.Machine)
	assert.Equal(t, "mach-1", snap.Machine.ID)
}

func TestEnsure_InvalidLicense(t *testing.T) {
	tests := []struct {
		code string
		want error
	}{
		{"SUSPENDED", keygen.ErrLicenseSuspended},
		{"EXPIRED", keygen.ErrLicenseExpired},
		{"TOO_MANY_MACHINES", keygen.ErrLicenseTooManyMachines},
		{"BANNED", keygen.ErrLicenseKeyInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			l := testutil.NewLicensing(t, account, key)
			l.SetValidationCode(tt.code)
			h := newHarness(t, l.Config())

			_, err := h.mgr.Ensure(context.Background())
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)

			var kerr *keygen.Error
			require.ErrorAs(t, err, &kerr)
			assert.Equal(t, tt.code, kerr.Code)
			assert.False(t, kerr.Recoverable())

			assert.Equal(t, 0, l.Activations())
			_, ok := h.mgr.Snapshot()
			assert.False(t, ok)
			assert.Contains(t, h.events.types(), license.EventInvalid)
		})
	}
}

func TestEnsure_FallsBackToLicenseFile(t *testing.T) {
	l := testutil.NewLicensing(t, account, key)
	h := newHarness(t, l.Config())

	_, err := h.mgr.Ensure(context.Background())
	require.NoError(t, err)

	l.SetDown(true)
	snap, err := h.mgr.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, license.SourceLicenseFile, snap.Source)
	assert.Nil(t, snap.Machine)
	assert.Equal(t, []string{"FEATURE_A", "FEATURE_B"}, snap.Entitlements)
	assert.Contains(t, h.events.types(), license.EventOffline)

	require.NoError(t, h.files.Remove(files.KindLicenseFile))
	_, err = h.mgr.Refresh(context.Background())
	assert.ErrorIs(t, err, keygen.ErrTransport)
}

func TestEnsure_IgnoresTamperedMachineFile(t *testing.T) {
	l := testutil.NewLicensing(t, account, key)
	cfg := l.Config()
	h := newHarness(t, cfg)

	_, err := h.mgr.Ensure(context.Background())
	require.NoError(t, err)

	text, err := h.files.LoadMachineFile()
	require.NoError(t, err)
	tampered := testutil.Rearmor(t, text, func(env *certificate.Envelope) {
		env.Enc = testutil.FlipBase64(env.Enc, 3)
	})
	require.NoError(t, h.files.SaveMachineFile(tampered))

	before := countRequests(l, validateKeyPath)
	snap, err := newHarness(t, cfg).mgr.Ensure(context.Background())
	require.NoError(t, err)
	assert.Equal(t, license.SourceOnline, snap.Source)
	assert.Equal(t, before+1, countRequests(l, validateKeyPath))
}

func TestEnsure_NoLicenseKey(t *testing.T) {
	l := testutil.NewLicensing(t, account, key)
	cfg := l.Config()
	cfg.Service.LicenseKey = ""
	h := newHarness(t, cfg)

	_, err := h.mgr.Ensure(context.Background())
	assert.ErrorIs(t, err, license.ErrNoLicenseKey)
	assert.ErrorIs(t, err, keygen.ErrInvalidArgument)
	assert.Empty(t, l.Requests())
}

func TestActivate_PersistsSealedKey(t *testing.T) {
	l := testutil.NewLicensing(t, account, key)
	cfg := l.Config()
	cfg.Service.LicenseKey = ""
	h := newHarness(t, cfg)

	_, err := h.mgr.Activate(context.Background(), "  ")
	assert.ErrorIs(t, err, keygen.ErrInvalidArgument)

	snap, err := h.mgr.Activate(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, "mach-1", snap.Machine.ID)
	assert.Equal(t, key, h.cfg.Get().Service.LicenseKey)

	stored, err := h.files.LoadKey("fp-1")
	require.NoError(t, err)
	assert.Equal(t, key, stored)

	raw, err := os.ReadFile(h.files.Path(files.KindKey))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), key)

	// A fresh process without a configured key picks up the stored one.
	next := newHarness(t, cfg)
	snap, err = next.mgr.Ensure(context.Background())
	require.NoError(t, err)
	assert.Equal(t, license.SourceMachineFile, snap.Source)
	assert.Equal(t, key, next.cfg.Get().Service.LicenseKey)
}

func TestValidate_EntitlementsAndCache(t *testing.T) {
	l := testutil.NewLicensing(t, account, key)
	h := newHarness(t, l.Config())
	ctx := context.Background()

	snap, err := h.mgr.Validate(ctx, []string{"FEATURE_A"})
	require.NoError(t, err)
	assert.Equal(t, "lic-1", snap.License.ID)

	_, err = h.mgr.Validate(ctx, []string{"FEATURE_A"})
	require.NoError(t, err)
	stats := h.mgr.CacheStats()
	assert.Equal(t, int64(1), stats.HitCount)
	assert.Equal(t, 1, stats.Entries)

	_, err = h.mgr.Validate(ctx, []string{"FEATURE_A", "FEATURE_Z"})
	require.Error(t, err)
	var kerr *keygen.Error
	require.ErrorAs(t, err, &kerr)
	assert.Equal(t, "ENTITLEMENTS_MISSING", kerr.Code)
	assert.Contains(t, kerr.Detail, "FEATURE_Z")
	assert.NotContains(t, kerr.Detail, "FEATURE_A")
	assert.ErrorIs(t, err, keygen.ErrLicenseKeyInvalid)
}

func TestEnsure_ConcurrentCallsActivateOnce(t *testing.T) {
	l := testutil.NewLicensing(t, account, key)
	h := newHarness(t, l.Config())

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.mgr.Ensure(context.Background())
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 1, l.Activations())
	assert.Equal(t, 1, l.MachineCount())
}

func TestEnsure_CancelledCallerDoesNotFailOthers(t *testing.T) {
	l := testutil.NewLicensing(t, account, key)
	h := newHarness(t, l.Config())
	l.SetDelay(100 * time.Millisecond)

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := h.mgr.Ensure(first)
		firstErr <- err
	}()
	time.Sleep(20 * time.Millisecond)

	secondErr := make(chan error, 1)
	go func() {
		_, err := h.mgr.Ensure(context.Background())
		secondErr <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-firstErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled caller did not return")
	}
	select {
	case err := <-secondErr:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("second caller did not return")
	}

	_, ok := h.mgr.Snapshot()
	assert.True(t, ok)
	assert.Equal(t, 1, l.Activations())
}

func TestStartHeartbeat(t *testing.T) {
	l := testutil.NewLicensing(t, account, key)
	h := newHarness(t, l.Config())
	ctx := context.Background()

	_, err := h.mgr.StartHeartbeat(ctx, nil)
	assert.ErrorIs(t, err, license.ErrNoMachine)

	_, err = h.mgr.Ensure(ctx)
	require.NoError(t, err)

	mon, err := h.mgr.StartHeartbeat(ctx, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return l.Pings() >= 1 }, 2*time.Second, 10*time.Millisecond)
	status, ok := h.mgr.HeartbeatStatus()
	require.True(t, ok)
	assert.Equal(t, heartbeat.StateRunning, status.State)
	assert.Equal(t, heartbeat.Interval(10*time.Minute, time.Minute), status.Interval)

	_, err = h.mgr.StartHeartbeat(ctx, nil)
	assert.ErrorIs(t, err, license.ErrHeartbeatRunning)

	require.Eventually(t, func() bool {
		for _, typ := range h.events.types() {
			if typ == license.EventHeartbeat {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	h.mgr.StopHeartbeat()
	assert.Equal(t, heartbeat.StateStopped, mon.State())
	_, ok = h.mgr.HeartbeatStatus()
	assert.False(t, ok)
}

func TestStartHeartbeat_FailuresReachSink(t *testing.T) {
	l := testutil.NewLicensing(t, account, key)
	h := newHarness(t, l.Config())
	ctx := context.Background()

	_, err := h.mgr.Ensure(ctx)
	require.NoError(t, err)
	l.FailPings("MACHINE_HEARTBEAT_DEAD")

	sink := make(chan error, 1)
	_, err = h.mgr.StartHeartbeat(ctx, sink)
	require.NoError(t, err)

	select {
	case err := <-sink:
		assert.ErrorIs(t, err, keygen.ErrHeartbeatDead)
	case <-time.After(2 * time.Second):
		t.Fatal("no heartbeat failure delivered")
	}
	assert.Contains(t, h.events.types(), license.EventHeartbeatFailed)
}

func TestStartHeartbeat_EmptyPingResponses(t *testing.T) {
	l := testutil.NewLicensing(t, account, key)
	h := newHarness(t, l.Config())
	ctx := context.Background()

	snap, err := h.mgr.Ensure(ctx)
	require.NoError(t, err)
	l.EmptyPings(true)

	sink := make(chan error, 1)
	_, err = h.mgr.StartHeartbeat(ctx, sink)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return l.Pings() >= 1 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return containsType(h.events.types(), license.EventHeartbeat)
	}, 2*time.Second, 10*time.Millisecond)

	select {
	case err := <-sink:
		t.Fatalf("a bodiless 204 was reported as a failure: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	status, ok := h.mgr.HeartbeatStatus()
	require.True(t, ok)
	assert.Equal(t, heartbeat.StateRunning, status.State)

	current, ok := h.mgr.Snapshot()
	require.True(t, ok)
	assert.Equal(t, snap.Machine.ID, current.Machine.ID, "the machine is kept when the ping carries none")
}

func containsType(types []license.EventType, want license.EventType) bool {
	for _, typ := range types {
		if typ == want {
			return true
		}
	}
	return false
}

func TestDeactivate(t *testing.T) {
	l := testutil.NewLicensing(t, account, key)
	h := newHarness(t, l.Config())
	ctx := context.Background()

	_, err := h.mgr.Ensure(ctx)
	require.NoError(t, err)
	_, err = h.mgr.StartHeartbeat(ctx, nil)
	require.NoError(t, err)

	require.NoError(t, h.mgr.Deactivate(ctx))

	assert.Equal(t, 0, l.MachineCount())
	assert.False(t, h.files.Exists(files.KindMachineFile))
	assert.False(t, h.files.Exists(files.KindLicenseFile))
	_, ok := h.mgr.Snapshot()
	assert.False(t, ok)
	_, ok = h.mgr.HeartbeatStatus()
	assert.False(t, ok)
	assert.Contains(t, h.events.types(), license.EventDeactivated)
}

func TestDeactivate_WithoutLicense(t *testing.T) {
	l := testutil.NewLicensing(t, account, key)
	l.SetValidationCode("SUSPENDED")
	h := newHarness(t, l.Config())

	err := h.mgr.Deactivate(context.Background())
	assert.True(t, errors.Is(err, keygen.ErrLicenseSuspended))
}
