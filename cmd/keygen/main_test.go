package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keygen/internal/certificate"
	"keygen/internal/config"
	"keygen/internal/files"
	"keygen/internal/keygen"
	"keygen/internal/shared/testutil"
)

func testCLI(t *testing.T, cfg *config.Config) *cli {
	t.Helper()
	logger, _ := testutil.NewLogger()
	return &cli{
		loadConfig:   func(string) (*config.Config, error) { return cfg, nil },
		logger:       logger,
		fingerprints: testutil.NewStaticFingerprint("fp-cli"),
	}
}

func execute(t *testing.T, c *cli, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd(c)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := root.ExecuteContext(ctx)
	return out.String(), err
}

func TestValidateCommand(t *testing.T) {
	svc := testutil.NewLicensing(t, "acct", "KEY-CLI-0001")
	c := testCLI(t, svc.Config())

	out, err := execute(t, c, "validate", "FEATURE_A")
	require.NoError(t, err)

	var body map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &body))
	assert.Equal(t, svc.LicenseID, body["license_id"])
	assert.Equal(t, "fp-cli", body["fingerprint"])
	assert.NotContains(t, out, "KEY-CLI-0001")

	_, err = execute(t, c, "validate", "FEATURE_Z")
	var kerr *keygen.Error
	require.ErrorAs(t, err, &kerr)
	assert.Equal(t, "ENTITLEMENTS_MISSING", kerr.Code)
}

func TestKeyFlagOverridesConfig(t *testing.T) {
	svc := testutil.NewLicensing(t, "acct", "KEY-CLI-0002")
	cfg := svc.Config()
	cfg.Service.LicenseKey = "WRONG"
	c := testCLI(t, cfg)

	_, err := execute(t, c, "validate", "--key", "KEY-CLI-0002")
	require.NoError(t, err)
}

func TestActivateAndDeactivateCommands(t *testing.T) {
	svc := testutil.NewLicensing(t, "acct", "KEY-CLI-0003")
	c := testCLI(t, svc.Config())

	_, err := execute(t, c, "activate")
	require.NoError(t, err)
	assert.Equal(t, 1, svc.MachineCount())

	out, err := execute(t, c, "deactivate")
	require.NoError(t, err)
	assert.Contains(t, out, "machine deactivated")
	assert.Equal(t, 0, svc.MachineCount())
}

func TestCheckoutVerifyDecrypt(t *testing.T) {
	svc := testutil.NewLicensing(t, "acct", "KEY-CLI-0004")
	cfg := svc.Config()
	c := testCLI(t, cfg)
	dir := t.TempDir()

	licPath := filepath.Join(dir, "license.lic")
	out, err := execute(t, c, "checkout", "license", "--ttl", "1h", "-o", licPath)
	require.NoError(t, err)
	assert.Contains(t, out, licPath)

	machPath := filepath.Join(dir, "machine.lic")
	_, err = execute(t, c, "checkout", "machine", "-o", machPath)
	require.NoError(t, err)

	out, err = execute(t, c, "verify", licPath)
	require.NoError(t, err)
	assert.Equal(t, "license certificate is genuine; expiry is sealed, run decrypt to check it\n", out)

	out, err = execute(t, c, "verify", machPath)
	require.NoError(t, err)
	assert.Equal(t, "machine certificate is genuine; expiry is sealed, run decrypt to check it\n", out)

	out, err = execute(t, c, "decrypt", machPath)
	require.NoError(t, err)
	var ds map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &ds))
	assert.Equal(t, certificate.MachineNamespace, ds["kind"])
	assert.Equal(t, "fp-cli", ds["fingerprint"])
	assert.ElementsMatch(t, []any{"FEATURE_A", "FEATURE_B"}, ds["entitlements"])
	assert.Equal(t, false, ds["expired"])

	// Another machine's fingerprint cannot open the certificate.
	_, err = execute(t, c, "decrypt", machPath, "--fingerprint", "fp-other")
	require.Error(t, err)
}

func TestVerifyDefaultsToStoredCertificate(t *testing.T) {
	svc := testutil.NewLicensing(t, "acct", "KEY-CLI-0006")
	c := testCLI(t, svc.Config())

	_, err := execute(t, c, "verify")
	require.ErrorIs(t, err, files.ErrNotFound, "nothing is stored before validation")

	_, err = execute(t, c, "validate")
	require.NoError(t, err)

	out, err := execute(t, c, "verify")
	require.NoError(t, err)
	assert.Contains(t, out, "using ")
	assert.Contains(t, out, "certificate is genuine")

	out, err = execute(t, c, "decrypt")
	require.NoError(t, err)
	assert.Contains(t, out, svc.LicenseID)
}

func TestCheckoutRejectsBadArgs(t *testing.T) {
	c := testCLI(t, config.Default())

	_, err := execute(t, c, "checkout", "product")
	require.Error(t, err)

	_, err = execute(t, c, "checkout", "license", "--ttl", "1m")
	require.Error(t, err)
}

func TestVerifyRejectsTamperedCertificate(t *testing.T) {
	signer := testutil.NewEd25519Signer(t)
	cfg := config.Default()
	cfg.Service.PublicKey = signer.PublicKey()
	c := testCLI(t, cfg)

	ds := testutil.Dataset{
		Issued: time.Now().UTC().Add(-time.Minute).Truncate(time.Second),
		TTL:    time.Hour,
		Data:   testutil.LicenseResource("lic-1", "KEY", time.Now().Add(24*time.Hour)),
	}
	ds.Expiry = ds.Issued.Add(ds.TTL)
	text := testutil.Certificate(t, signer, certificate.LicenseNamespace, "KEY", ds.JSON(t))

	path := filepath.Join(t.TempDir(), "license.lic")
	require.NoError(t, os.WriteFile(path, []byte(text), 0o600))
	_, err := execute(t, c, "verify", path)
	require.NoError(t, err)

	tampered := testutil.Rearmor(t, text, func(env *certificate.Envelope) {
		env.Enc = testutil.FlipBase64(env.Enc, 3)
	})
	require.NoError(t, os.WriteFile(path, []byte(tampered), 0o600))
	_, err = execute(t, c, "verify", path)
	assert.ErrorIs(t, err, keygen.ErrLicenseFileNotGenuine)
}

func TestVerifyReportsExpiredCertificate(t *testing.T) {
	signer := testutil.NewEd25519Signer(t)
	cfg := config.Default()
	cfg.Service.PublicKey = signer.PublicKey()
	c := testCLI(t, cfg)

	ds := testutil.Dataset{
		Issued: time.Now().UTC().Add(-48 * time.Hour).Truncate(time.Second),
		TTL:    24 * time.Hour,
		Data:   testutil.LicenseResource("lic-1", "KEY", time.Now().Add(24*time.Hour)),
	}
	ds.Expiry = ds.Issued.Add(ds.TTL)
	path := filepath.Join(t.TempDir(), "license.lic")
	text := testutil.Certificate(t, signer, certificate.LicenseNamespace, "", ds.JSON(t))
	require.NoError(t, os.WriteFile(path, []byte(text), 0o600))

	out, err := execute(t, c, "verify", path)
	assert.ErrorIs(t, err, keygen.ErrLicenseFileExpired)
	assert.NotContains(t, out, "genuine")
}

func TestVerifyKeyCommand(t *testing.T) {
	signer := testutil.NewEd25519Signer(t)
	cfg := config.Default()
	cfg.Service.PublicKey = signer.PublicKey()
	c := testCLI(t, cfg)

	key := testutil.SignedKey(t, signer, []byte(`{"plan":"pro"}`))
	out, err := execute(t, c, "verify-key", key)
	require.NoError(t, err)
	assert.Equal(t, `{"plan":"pro"}`, strings.TrimSpace(out))

	_, err = execute(t, c, "verify-key", key[:len(key)-4]+"AAAA")
	var kerr *keygen.Error
	require.ErrorAs(t, err, &kerr)
	assert.Equal(t, keygen.KindLicenseKeyInvalid, kerr.Kind)

	_, err = execute(t, c, "verify-key", key, "--scheme", "NOPE")
	require.ErrorAs(t, err, &kerr)
	assert.Equal(t, keygen.KindInvalidArgument, kerr.Kind)
}

func TestFingerprintCommand(t *testing.T) {
	c := testCLI(t, config.Default())
	out, err := execute(t, c, "fingerprint")
	require.NoError(t, err)
	assert.Contains(t, out, `"fingerprint": "fp-cli"`)
}
