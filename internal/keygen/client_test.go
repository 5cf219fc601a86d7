package keygen_test

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keygen/internal/config"
	"keygen/internal/keygen"
	"keygen/internal/shared/testutil"
)

const account = "acct-1"

var licenseExpiry = time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)

func newClient(t *testing.T, svc *testutil.Service, mutate func(*config.Config)) *keygen.Client {
	t.Helper()
	cfg := svc.Config()
	if mutate != nil {
		mutate(cfg)
	}
	logger, _ := testutil.NewLogger()
	c, err := keygen.New(config.NewStore(cfg), keygen.WithLogger(logger))
	require.NoError(t, err)
	return c
}

func TestValidate(t *testing.T) {
	svc := testutil.NewService(t, account)
	svc.Handle(http.MethodPost, "/licenses/{id}/actions/validate",
		testutil.ValidationHandler(true, "VALID", "is valid", testutil.LicenseResource("lic-1", "KEY-1", licenseExpiry)))

	c := newClient(t, svc, func(cfg *config.Config) {
		cfg.Service.Product = "prod-1"
		cfg.Service.Environment = "staging"
	})

	lic, err := c.Validate(context.Background(), "lic-1", keygen.ValidateOptions{
		Fingerprints: []string{"fp-machine", "fp-cpu", "fp-disk"},
		Entitlements: []string{"FEATURE_A"},
	})
	require.NoError(t, err)

	assert.Equal(t, "lic-1", lic.ID)
	assert.Equal(t, "KEY-1", lic.Key)
	assert.Equal(t, "ACTIVE", lic.Status)
	assert.Equal(t, 3, lic.MaxMachines)
	assert.Equal(t, "pol-1", lic.PolicyID)
	assert.Equal(t, "prod-1", lic.ProductID)
	require.NotNil(t, lic.Expiry)
	assert.True(t, lic.Expiry.Equal(licenseExpiry))
	assert.Equal(t, "pro", lic.Metadata["tier"])

	req := svc.LastRequest()
	assert.Equal(t, "/v1/accounts/acct-1/licenses/lic-1/actions/validate", req.Path)
	assert.Equal(t, "application/vnd.api+json", req.Header.Get("Accept"))
	assert.Equal(t, "application/vnd.api+json", req.Header.Get("Content-Type"))
	assert.Equal(t, "1.7", req.Header.Get("Keygen-Version"))
	assert.Equal(t, "staging", req.Header.Get("Keygen-Environment"))
	assert.Equal(t, "License TEST-LICENSE-KEY", req.Header.Get("Authorization"))
	assert.NotEmpty(t, req.Header.Get("User-Agent"))
	assert.NotNil(t, req.Nonce())

	scope := req.Scope()
	assert.Equal(t, "fp-machine", scope["fingerprint"])
	assert.Equal(t, []any{"fp-cpu", "fp-disk"}, scope["components"])
	assert.Equal(t, []any{"FEATURE_A"}, scope["entitlements"])
	assert.Equal(t, "prod-1", scope["product"])
	assert.Equal(t, "staging", scope["environment"])
}

func TestValidateFailureCodes(t *testing.T) {
	tests := []struct {
		code string
		want error
	}{
		{"FINGERPRINT_SCOPE_MISMATCH", keygen.ErrLicenseNotActivated},
		{"NO_MACHINES", keygen.ErrLicenseNotActivated},
		{"EXPIRED", keygen.ErrLicenseExpired},
		{"SUSPENDED", keygen.ErrLicenseSuspended},
		{"TOO_MANY_MACHINES", keygen.ErrLicenseTooManyMachines},
		{"HEARTBEAT_DEAD", keygen.ErrHeartbeatDead},
		{"PRODUCT_SCOPE_REQUIRED", keygen.ErrProductMissing},
		{"SOMETHING_NEW", keygen.ErrLicenseKeyInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			svc := testutil.NewService(t, account)
			svc.Handle(http.MethodPost, "/licenses/{id}/actions/validate",
				testutil.ValidationHandler(false, tt.code, "detail of "+tt.code, testutil.LicenseResource("lic-1", "KEY-1", licenseExpiry)))
			c := newClient(t, svc, nil)

			lic, err := c.Validate(context.Background(), "lic-1", keygen.ValidateOptions{Fingerprints: []string{"fp"}})
			assert.Nil(t, lic)
			require.ErrorIs(t, err, tt.want)

			var kerr *keygen.Error
			require.True(t, errors.As(err, &kerr))
			assert.Equal(t, tt.code, kerr.Code)
			assert.Equal(t, "detail of "+tt.code, kerr.Detail)
			require.NotNil(t, kerr.License, "the license is attached before the outcome is decided")
			assert.Equal(t, "lic-1", kerr.License.ID)
		})
	}
}

func TestValidateExpiredIsNotRecoverable(t *testing.T) {
	svc := testutil.NewService(t, account)
	svc.Handle(http.MethodPost, "/licenses/{id}/actions/validate",
		testutil.ValidationHandler(false, "EXPIRED", "is expired", testutil.LicenseResource("lic-1", "KEY-1", licenseExpiry)))
	c := newClient(t, svc, nil)

	_, err := c.Validate(context.Background(), "lic-1", keygen.ValidateOptions{})
	require.ErrorIs(t, err, keygen.ErrLicenseExpired)

	var kerr *keygen.Error
	require.True(t, errors.As(err, &kerr))
	assert.False(t, kerr.Recoverable())
}

func TestValidateWithoutLicenseData(t *testing.T) {
	svc := testutil.NewService(t, account)
	svc.Handle(http.MethodPost, "/licenses/actions/validate-key",
		testutil.ValidationHandler(false, "NOT_FOUND", "does not exist", nil))
	c := newClient(t, svc, nil)

	_, err := c.ValidateKey(context.Background(), "UNKNOWN-KEY", keygen.ValidateOptions{})
	require.ErrorIs(t, err, keygen.ErrLicenseKeyInvalid)

	var kerr *keygen.Error
	require.True(t, errors.As(err, &kerr))
	assert.Equal(t, "NOT_FOUND", kerr.Code)
	assert.Nil(t, kerr.License)
}

func TestValidateKey(t *testing.T) {
	svc := testutil.NewService(t, account)
	svc.Handle(http.MethodPost, "/licenses/actions/validate-key",
		testutil.ValidationHandler(true, "VALID", "is valid", testutil.LicenseResource("lic-1", "KEY-1", licenseExpiry)))
	c := newClient(t, svc, func(cfg *config.Config) { cfg.Service.LicenseKey = "" })

	lic, err := c.ValidateKey(context.Background(), "KEY-1", keygen.ValidateOptions{Fingerprints: []string{"fp"}})
	require.NoError(t, err)
	assert.Equal(t, "lic-1", lic.ID)

	req := svc.LastRequest()
	assert.Equal(t, "/v1/accounts/acct-1/licenses/actions/validate-key", req.Path)
	assert.Equal(t, "License KEY-1", req.Header.Get("Authorization"))
	meta := req.Body["meta"].(map[string]any)
	assert.Equal(t, "KEY-1", meta["key"])
	assert.Equal(t, "fp", req.Scope()["fingerprint"])
	assert.NotContains(t, req.Scope(), "components")
}

func TestValidateTokenAuth(t *testing.T) {
	svc := testutil.NewService(t, account)
	svc.Handle(http.MethodPost, "/licenses/{id}/actions/validate",
		testutil.ValidationHandler(true, "VALID", "", testutil.LicenseResource("lic-1", "KEY-1", licenseExpiry)))
	c := newClient(t, svc, func(cfg *config.Config) { cfg.Service.Token = "prod-token" })

	_, err := c.Validate(context.Background(), "lic-1", keygen.ValidateOptions{})
	require.NoError(t, err)
	assert.Equal(t, "Bearer prod-token", svc.LastRequest().Header.Get("Authorization"))
}

func TestValidateNonceMismatch(t *testing.T) {
	svc := testutil.NewService(t, account)
	svc.Handle(http.MethodPost, "/licenses/{id}/actions/validate", func(w http.ResponseWriter, r *http.Request) {
		testutil.WriteJSON(w, http.StatusOK, map[string]any{
			"meta": map[string]any{"valid": true, "code": "VALID", "nonce": 1},
			"data": testutil.LicenseResource("lic-1", "KEY-1", licenseExpiry),
		})
	})
	c := newClient(t, svc, nil)

	_, err := c.Validate(context.Background(), "lic-1", keygen.ValidateOptions{})
	assert.ErrorIs(t, err, keygen.ErrResponseNotGenuine)
}

func TestValidateWithoutNonceEcho(t *testing.T) {
	svc := testutil.NewService(t, account)
	svc.Handle(http.MethodPost, "/licenses/{id}/actions/validate", func(w http.ResponseWriter, r *http.Request) {
		testutil.WriteJSON(w, http.StatusOK, map[string]any{
			"meta": map[string]any{"valid": true, "code": "VALID", "detail": "is valid", "scope": map[string]any{}},
			"data": testutil.LicenseResource("lic-1", "KEY-1", licenseExpiry),
		})
	})
	c := newClient(t, svc, nil)

	lic, err := c.Validate(context.Background(), "lic-1", keygen.ValidateOptions{})
	require.NoError(t, err)
	assert.Equal(t, "lic-1", lic.ID)
}

func TestValidateTransportFailure(t *testing.T) {
	svc := testutil.NewService(t, account)
	c := newClient(t, svc, nil)
	svc.Server.Close()

	_, err := c.Validate(context.Background(), "lic-1", keygen.ValidateOptions{})
	require.ErrorIs(t, err, keygen.ErrTransport)
	assert.NotErrorIs(t, err, keygen.ErrLicenseKeyInvalid, "transport failures are never reported as invalid licenses")
}

func TestValidateCancelledContext(t *testing.T) {
	svc := testutil.NewService(t, account)
	svc.Handle(http.MethodPost, "/licenses/{id}/actions/validate",
		testutil.ValidationHandler(true, "VALID", "", testutil.LicenseResource("lic-1", "KEY-1", licenseExpiry)))
	c := newClient(t, svc, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Validate(ctx, "lic-1", keygen.ValidateOptions{})
	require.ErrorIs(t, err, keygen.ErrTransport)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestInvalidArguments(t *testing.T) {
	svc := testutil.NewService(t, account)
	c := newClient(t, svc, nil)
	ctx := context.Background()

	_, err := c.Validate(ctx, "", keygen.ValidateOptions{})
	assert.ErrorIs(t, err, keygen.ErrInvalidArgument)
	_, err = c.ValidateKey(ctx, "", keygen.ValidateOptions{})
	assert.ErrorIs(t, err, keygen.ErrInvalidArgument)
	_, err = c.Activate(ctx, nil, keygen.ActivateOptions{Fingerprint: "fp"})
	assert.ErrorIs(t, err, keygen.ErrInvalidArgument)
	_, err = c.Activate(ctx, &keygen.License{ID: "lic-1"}, keygen.ActivateOptions{})
	assert.ErrorIs(t, err, keygen.ErrInvalidArgument)
	assert.ErrorIs(t, c.Deactivate(ctx, ""), keygen.ErrInvalidArgument)
	_, err = c.Ping(ctx, "")
	assert.ErrorIs(t, err, keygen.ErrInvalidArgument)

	assert.Empty(t, svc.Requests(), "argument errors never reach the network")
}

func TestNewRequiresSource(t *testing.T) {
	_, err := keygen.New(nil)
	assert.ErrorIs(t, err, keygen.ErrInvalidArgument)
}

func TestNewRejectsBadPins(t *testing.T) {
	cfg := config.Default()
	cfg.Service.Account = account
	cfg.HTTP.PinnedKeys = []string{"not-a-pin"}

	_, err := keygen.New(config.NewStore(cfg))
	assert.ErrorIs(t, err, keygen.ErrInvalidArgument)
}
