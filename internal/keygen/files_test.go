package keygen_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keygen/internal/certificate"
	"keygen/internal/keygen"
	"keygen/internal/shared/testutil"
	"keygen/internal/verifier"
)

const (
	fileKey         = "B8A5D3-F2C1E4-9A7B6C-D5E4F3-A2B1C0-V3"
	fileFingerprint = "4f:a1:77:0c:e2:19"
)

var fileIssued = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func licenseDataset(ttl time.Duration) testutil.Dataset {
	return testutil.Dataset{
		Issued: fileIssued,
		Expiry: fileIssued.Add(ttl),
		TTL:    ttl,
		Data:   testutil.LicenseResource("lic-1", fileKey, licenseExpiry),
		Included: []testutil.Resource{
			testutil.EntitlementResource("ent-1", "FEATURE_A"),
			testutil.EntitlementResource("ent-2", "FEATURE_B"),
			testutil.NewResource("products", "prod-1", map[string]any{"name": "Desktop"}, nil),
			testutil.NewResource("policies", "pol-1", map[string]any{"name": "Annual"}, nil),
			testutil.NewResource("groups", "grp-1", map[string]any{"name": "Engineering"}, nil),
			testutil.NewResource("users", "usr-1", map[string]any{"email": "ops@example.com"}, nil),
		},
	}
}

func at(ts time.Time) keygen.Offline {
	return keygen.Offline{Now: func() time.Time { return ts }, MaxClockDrift: 5 * time.Minute}
}

func withKey(o keygen.Offline, s testutil.Signer) keygen.Offline {
	o.PublicKey = s.PublicKey()
	return o
}

func TestLicenseFileDecrypt(t *testing.T) {
	signers := map[string]testutil.Signer{
		"ed25519":        testutil.NewEd25519Signer(t),
		"rsa-pss-sha256": testutil.NewRSASigner(t, true),
		"rsa-sha256":     testutil.NewRSASigner(t, false),
	}

	for name, signer := range signers {
		t.Run(name, func(t *testing.T) {
			text := testutil.Certificate(t, signer, certificate.LicenseNamespace, fileKey, licenseDataset(time.Hour).JSON(t))
			f, err := keygen.ParseLicenseFile(text)
			require.NoError(t, err)

			o := withKey(at(fileIssued.Add(time.Minute)), signer)
			require.ErrorIs(t, f.Verify(o), keygen.ErrFileExpiryUnknown, "the expiry is sealed until decrypted")

			ds, err := f.Decrypt(o, fileKey)
			require.NoError(t, err)

			assert.Equal(t, "lic-1", ds.License.ID)
			assert.Equal(t, fileKey, ds.License.Key)
			assert.Equal(t, []string{"FEATURE_A", "FEATURE_B"}, ds.EntitlementCodes())
			assert.Equal(t, "Desktop", ds.Product.Name)
			assert.Equal(t, "Annual", ds.Policy.Name)
			assert.Equal(t, "Engineering", ds.Group.Name)
			assert.True(t, ds.Issued.Equal(fileIssued))
			assert.True(t, ds.Expiry.Equal(fileIssued.Add(time.Hour)))
			assert.Equal(t, time.Hour, ds.TTL)

			assert.True(t, f.Expiry.Equal(ds.Expiry), "decrypting fills in the declared expiry")
			assert.Equal(t, "lic-1", f.LicenseID)
		})
	}
}

func TestMachineFileDecrypt(t *testing.T) {
	signer := testutil.NewEd25519Signer(t)
	secret := verifier.MachineSecret(fileKey, fileFingerprint)
	ds := testutil.Dataset{
		Issued: fileIssued,
		Expiry: fileIssued.Add(time.Hour),
		TTL:    time.Hour,
		Data:   testutil.MachineResource("mach-1", fileFingerprint, "lic-1"),
		Included: []testutil.Resource{
			testutil.LicenseResource("lic-1", fileKey, licenseExpiry),
			testutil.ComponentResource("comp-1", "disk-fp", "mach-1"),
		},
	}
	text := testutil.Certificate(t, signer, certificate.MachineNamespace, secret, ds.JSON(t))
	o := withKey(at(fileIssued), signer)

	f, got, err := keygen.MachineFileFromCertificate(o, secret, text)
	require.NoError(t, err)
	assert.Equal(t, "mach-1", f.MachineID)
	assert.Equal(t, text, f.Certificate)
	assert.Equal(t, fileFingerprint, got.Machine.Fingerprint)
	assert.Equal(t, "lic-1", got.License.ID)
	require.Len(t, got.Components, 1)
	assert.Equal(t, "disk-fp", got.Components[0].Fingerprint)

	_, _, err = keygen.MachineFileFromCertificate(o, verifier.LicenseSecret(fileKey), text)
	require.ErrorIs(t, err, keygen.ErrMachineFileInvalid, "the license key alone cannot open a machine file")
	assert.ErrorIs(t, err, verifier.ErrDecryptionFailed)
}

func TestLicenseFileTampering(t *testing.T) {
	signer := testutil.NewEd25519Signer(t)
	text := testutil.Certificate(t, signer, certificate.LicenseNamespace, fileKey, licenseDataset(time.Hour).JSON(t))
	o := withKey(at(fileIssued), signer)

	tests := []struct {
		name   string
		mutate func(*certificate.Envelope)
		want   error
	}{
		{"ciphertext", func(e *certificate.Envelope) { e.Enc = testutil.FlipBase64(e.Enc, 0) }, keygen.ErrLicenseFileNotGenuine},
		{"signature", func(e *certificate.Envelope) { e.Sig = testutil.FlipBase64(e.Sig, 0) }, keygen.ErrLicenseFileNotGenuine},
		{"algorithm downgrade", func(e *certificate.Envelope) { e.Alg = "base64+rsa-sha256" }, keygen.ErrPublicKey},
		{"unknown algorithm", func(e *certificate.Envelope) { e.Alg = "aes-128-cbc+ed25519" }, keygen.ErrLicenseFileInvalid},
		{"signature not base64", func(e *certificate.Envelope) { e.Sig = "!!!" }, keygen.ErrLicenseFileInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := keygen.ParseLicenseFile(testutil.Rearmor(t, text, tt.mutate))
			require.NoError(t, err)

			assert.ErrorIs(t, f.Verify(o), tt.want)
			ds, err := f.Decrypt(o, fileKey)
			assert.Nil(t, ds)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestFileVerifyIsIdempotent(t *testing.T) {
	signer := testutil.NewEd25519Signer(t)
	text := testutil.Certificate(t, signer, certificate.LicenseNamespace, "", licenseDataset(time.Hour).JSON(t))
	f, err := keygen.ParseLicenseFile(text)
	require.NoError(t, err)
	o := withKey(at(fileIssued), signer)

	for i := 0; i < 3; i++ {
		assert.NoError(t, f.Verify(o))
	}

	other := withKey(at(fileIssued), testutil.NewEd25519Signer(t))
	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, f.Verify(other), keygen.ErrLicenseFileNotGenuine)
	}
}

func TestFileNamespaces(t *testing.T) {
	signer := testutil.NewEd25519Signer(t)
	machineText := testutil.Certificate(t, signer, certificate.MachineNamespace, fileKey, licenseDataset(time.Hour).JSON(t))

	_, err := keygen.ParseLicenseFile(machineText)
	assert.ErrorIs(t, err, keygen.ErrLicenseFileInvalid)

	_, err = keygen.ParseMachineFile("not a certificate")
	assert.ErrorIs(t, err, keygen.ErrMachineFileInvalid)

	// A license-file envelope signed for the machine namespace must not verify.
	env := testutil.Envelope(t, signer, certificate.MachineNamespace, fileKey, licenseDataset(time.Hour).JSON(t))
	relabeled, err := certificate.Armor(certificate.LicenseNamespace, env)
	require.NoError(t, err)
	f, err := keygen.ParseLicenseFile(relabeled)
	require.NoError(t, err)
	assert.ErrorIs(t, f.Verify(withKey(at(fileIssued), signer)), keygen.ErrLicenseFileNotGenuine)
}

func TestFileExpiry(t *testing.T) {
	signer := testutil.NewEd25519Signer(t)
	text := testutil.Certificate(t, signer, certificate.LicenseNamespace, fileKey, licenseDataset(time.Hour).JSON(t))
	expiry := fileIssued.Add(time.Hour)

	tests := []struct {
		name    string
		now     time.Time
		expired bool
	}{
		{"just issued", fileIssued, false},
		{"one second before expiry", expiry.Add(-time.Second), false},
		{"exactly at expiry", expiry, true},
		{"after expiry", expiry.Add(time.Hour), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := withKey(at(tt.now), signer)
			f, err := keygen.ParseLicenseFile(text)
			require.NoError(t, err)

			ds, err := f.Decrypt(o, fileKey)
			require.NotNil(t, ds, "the dataset is returned even when stale")
			if !tt.expired {
				require.NoError(t, err)
				require.NoError(t, f.Verify(o))
				return
			}
			require.ErrorIs(t, err, keygen.ErrLicenseFileExpired)
			assert.Equal(t, "lic-1", ds.License.ID)

			assert.ErrorIs(t, f.Verify(o), keygen.ErrLicenseFileExpired, "expiry is checked even for a genuine file")
		})
	}
}

func TestStoredFileExpiry(t *testing.T) {
	signer := testutil.NewEd25519Signer(t)
	secret := verifier.MachineSecret(fileKey, fileFingerprint)
	machine := licenseDataset(time.Hour)
	machine.Data = testutil.MachineResource("mach-1", fileFingerprint, "lic-1")
	machine.Included = []testutil.Resource{testutil.LicenseResource("lic-1", fileKey, licenseExpiry)}
	expired := withKey(at(fileIssued.Add(25*time.Hour)), signer)

	t.Run("unencrypted license file", func(t *testing.T) {
		text := testutil.Certificate(t, signer, certificate.LicenseNamespace, "", licenseDataset(time.Hour).JSON(t))
		f, err := keygen.ParseLicenseFile(text)
		require.NoError(t, err)

		require.ErrorIs(t, f.Verify(expired), keygen.ErrLicenseFileExpired)
		assert.True(t, f.Expiry.Equal(fileIssued.Add(time.Hour)))

		fresh, err := keygen.ParseLicenseFile(text)
		require.NoError(t, err)
		assert.NoError(t, fresh.Verify(withKey(at(fileIssued), signer)))
	})

	t.Run("unencrypted machine file", func(t *testing.T) {
		text := testutil.Certificate(t, signer, certificate.MachineNamespace, "", machine.JSON(t))
		f, err := keygen.ParseMachineFile(text)
		require.NoError(t, err)
		assert.ErrorIs(t, f.Verify(expired), keygen.ErrMachineFileExpired)
	})

	t.Run("encrypted license file", func(t *testing.T) {
		text := testutil.Certificate(t, signer, certificate.LicenseNamespace, fileKey, licenseDataset(time.Hour).JSON(t))
		f, err := keygen.ParseLicenseFile(text)
		require.NoError(t, err)

		err = f.Verify(expired)
		require.ErrorIs(t, err, keygen.ErrFileExpiryUnknown)
		assert.NotErrorIs(t, err, keygen.ErrLicenseFileNotGenuine)

		_, err = f.Decrypt(expired, fileKey)
		require.ErrorIs(t, err, keygen.ErrLicenseFileExpired)
		assert.ErrorIs(t, f.Verify(expired), keygen.ErrLicenseFileExpired)
	})

	t.Run("encrypted machine file", func(t *testing.T) {
		text := testutil.Certificate(t, signer, certificate.MachineNamespace, secret, machine.JSON(t))
		f, err := keygen.ParseMachineFile(text)
		require.NoError(t, err)
		assert.ErrorIs(t, f.Verify(expired), keygen.ErrFileExpiryUnknown)
	})
}

func TestFileFromCertificateExpired(t *testing.T) {
	signer := testutil.NewEd25519Signer(t)
	text := testutil.Certificate(t, signer, certificate.LicenseNamespace, fileKey, licenseDataset(time.Hour).JSON(t))

	f, ds, err := keygen.LicenseFileFromCertificate(withKey(at(fileIssued.Add(2*time.Hour)), signer), fileKey, text)
	require.ErrorIs(t, err, keygen.ErrLicenseFileExpired)
	require.NotNil(t, f)
	require.NotNil(t, ds)
	assert.Equal(t, "lic-1", f.LicenseID)
}

func TestFileIssuedInTheFuture(t *testing.T) {
	signer := testutil.NewEd25519Signer(t)
	text := testutil.Certificate(t, signer, certificate.LicenseNamespace, fileKey, licenseDataset(time.Hour).JSON(t))

	_, _, err := keygen.LicenseFileFromCertificate(withKey(at(fileIssued.Add(-10*time.Minute)), signer), fileKey, text)
	assert.ErrorIs(t, err, keygen.ErrClockUnsynced)

	_, _, err = keygen.LicenseFileFromCertificate(withKey(at(fileIssued.Add(-time.Minute)), signer), fileKey, text)
	assert.NoError(t, err, "small drift is tolerated")
}

func TestFileWrongSecret(t *testing.T) {
	signer := testutil.NewEd25519Signer(t)
	text := testutil.Certificate(t, signer, certificate.LicenseNamespace, fileKey, licenseDataset(time.Hour).JSON(t))

	for _, secret := range []string{"", "WRONG-KEY"} {
		_, _, err := keygen.LicenseFileFromCertificate(withKey(at(fileIssued), signer), secret, text)
		require.ErrorIs(t, err, keygen.ErrLicenseFileInvalid)
		assert.True(t, errors.Is(err, verifier.ErrDecryptionFailed))
	}
}

func TestUnencryptedFile(t *testing.T) {
	signer := testutil.NewEd25519Signer(t)
	text := testutil.Certificate(t, signer, certificate.LicenseNamespace, "", licenseDataset(time.Hour).JSON(t))

	_, ds, err := keygen.LicenseFileFromCertificate(withKey(at(fileIssued), signer), "", text)
	require.NoError(t, err)
	assert.Equal(t, "lic-1", ds.License.ID)
}

func TestFileWithoutPublicKey(t *testing.T) {
	signer := testutil.NewEd25519Signer(t)
	text := testutil.Certificate(t, signer, certificate.LicenseNamespace, fileKey, licenseDataset(time.Hour).JSON(t))
	f, err := keygen.ParseLicenseFile(text)
	require.NoError(t, err)

	err = f.Verify(at(fileIssued))
	require.ErrorIs(t, err, keygen.ErrPublicKey)
	assert.ErrorIs(t, err, verifier.ErrPublicKeyMissing)

	zero := at(fileIssued)
	zero.PublicKey = "0000000000000000000000000000000000000000000000000000000000000000"
	assert.ErrorIs(t, f.Verify(zero), verifier.ErrPublicKeyInvalid)
}

func TestOfflineVerifyKey(t *testing.T) {
	signer := testutil.NewEd25519Signer(t)
	payload := []byte(`{"account":"acct-1","product":"prod-1"}`)
	key := testutil.SignedKey(t, signer, payload)
	o := keygen.Offline{PublicKey: signer.PublicKey()}

	got, err := o.VerifyKey(verifier.SchemeEd25519Sign, key)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	_, err = o.VerifyKey(verifier.SchemeEd25519Sign, "key/"+testutil.FlipBase64(key[len("key/"):], 0))
	assert.ErrorIs(t, err, keygen.ErrLicenseKeyInvalid)

	_, err = o.VerifyKey(verifier.SchemeRSAJWTRS256, key)
	assert.ErrorIs(t, err, keygen.ErrInvalidArgument)

	_, err = keygen.Offline{}.VerifyKey(verifier.SchemeEd25519Sign, key)
	assert.ErrorIs(t, err, keygen.ErrPublicKey)
}
