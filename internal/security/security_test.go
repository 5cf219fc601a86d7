package security

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Fingerprint
// =============================================================================

func newTestManager(machineID string, macs []string) *FingerprintManager {
	fm := NewFingerprintManager(slog.New(slog.NewTextHandler(io.Discard, nil)))
	fm.machineID = func() (string, error) {
		if machineID == "" {
			return "", errors.New("none")
		}
		return machineID, nil
	}
	fm.hostname = func() (string, error) { return "Build-Host ", nil }
	fm.macs = func() ([]string, error) { return macs, nil }
	fm.cpu = func() string { return "Test CPU" }
	return fm
}

func TestGenerateFingerprint(t *testing.T) {
	t.Run("machine id is the primary source", func(t *testing.T) {
		a, err := newTestManager("abc123", []string{"aa:bb:cc:dd:ee:ff"}).GenerateFingerprint()
		require.NoError(t, err)
		b, err := newTestManager("abc123", []string{"11:22:33:44:55:66"}).GenerateFingerprint()
		require.NoError(t, err)

		assert.Len(t, a.Fingerprint, 64)
		assert.Equal(t, a.Fingerprint, b.Fingerprint)
		assert.NotEqual(t, a.Components["nic"], b.Components["nic"])
		assert.Equal(t, "build-host", a.Hostname)
	})

	t.Run("falls back to host and interfaces", func(t *testing.T) {
		a, err := newTestManager("", []string{"aa:bb:cc:dd:ee:ff"}).GenerateFingerprint()
		require.NoError(t, err)
		b, err := newTestManager("", []string{"11:22:33:44:55:66"}).GenerateFingerprint()
		require.NoError(t, err)
		assert.NotEqual(t, a.Fingerprint, b.Fingerprint)
	})

	t.Run("scope lists the primary first", func(t *testing.T) {
		fp, err := newTestManager("abc123", []string{"aa:bb:cc:dd:ee:ff"}).GenerateFingerprint()
		require.NoError(t, err)
		scope := fp.Scope()
		require.Len(t, scope, 3)
		assert.Equal(t, fp.Fingerprint, scope[0])
		assert.Equal(t, []string{fp.Components["cpu"], fp.Components["nic"]}, scope[1:])
	})

	t.Run("cached until cleared", func(t *testing.T) {
		fm := newTestManager("first", nil)
		a, err := fm.GenerateFingerprint()
		require.NoError(t, err)

		fm.machineID = func() (string, error) { return "second", nil }
		b, err := fm.GenerateFingerprint()
		require.NoError(t, err)
		assert.Equal(t, a.Fingerprint, b.Fingerprint)

		fm.ClearCache()
		c, err := fm.GenerateFingerprint()
		require.NoError(t, err)
		assert.NotEqual(t, a.Fingerprint, c.Fingerprint)
	})
}

// =============================================================================
// Sealing
// =============================================================================

func fastConfig() EncryptionConfig {
	return EncryptionConfig{SCryptN: 1 << 10, SCryptR: 8, SCryptP: 1}
}

func TestSealOpen(t *testing.T) {
	plaintext := []byte("LICENSE-KEY-1234")
	pass := []byte("fingerprint")

	sealed, err := Seal(plaintext, pass, fastConfig())
	require.NoError(t, err)
	assert.False(t, bytes.Contains(sealed, plaintext))

	got, err := Open(sealed, pass)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)

	_, err = Open(sealed, []byte("other machine"))
	assert.ErrorIs(t, err, ErrSealedDataInvalid)

	_, err = Open([]byte("not json"), pass)
	assert.ErrorIs(t, err, ErrSealedDataInvalid)

	_, err = Seal(plaintext, nil, fastConfig())
	assert.Error(t, err)
}

// =============================================================================
// Pinning
// =============================================================================

func TestCertificatePinner(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	leaf := srv.Certificate()
	pool := x509.NewCertPool()
	pool.AddCert(leaf)

	clientFor := func(t *testing.T, pins []string) *http.Client {
		cp, err := NewCertificatePinner(pins)
		require.NoError(t, err)
		c := cp.CreateSecureHTTPClient(5 * time.Second)
		c.Transport.(*http.Transport).TLSClientConfig.RootCAs = pool
		return c
	}

	t.Run("matching pin", func(t *testing.T) {
		pin := base64.StdEncoding.EncodeToString(SPKIHash(leaf))
		resp, err := clientFor(t, []string{pin}).Get(srv.URL)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	})

	t.Run("foreign pin", func(t *testing.T) {
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		require.NoError(t, err)
		der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
		require.NoError(t, err)
		pin := base64.StdEncoding.EncodeToString(SPKIHash(&x509.Certificate{RawSubjectPublicKeyInfo: der}))

		_, err = clientFor(t, []string{pin}).Get(srv.URL)
		require.Error(t, err)
		assert.Contains(t, err.Error(), ErrPinMismatch.Error())
	})

	t.Run("no pins", func(t *testing.T) {
		resp, err := clientFor(t, nil).Get(srv.URL)
		require.NoError(t, err)
		resp.Body.Close()
	})

	t.Run("invalid pin", func(t *testing.T) {
		_, err := NewCertificatePinner([]string{"not-base64!"})
		assert.Error(t, err)
		_, err = NewCertificatePinner([]string{base64.StdEncoding.EncodeToString([]byte("short"))})
		assert.Error(t, err)
	})

	t.Run("min version", func(t *testing.T) {
		cp, err := NewCertificatePinner(nil)
		require.NoError(t, err)
		c := cp.CreateSecureHTTPClient(time.Second)
		assert.Equal(t, uint16(tls.VersionTLS12), c.Transport.(*http.Transport).TLSClientConfig.MinVersion)
	})
}
