package security

import (
	"crypto/sha256"
	"crypto/subtle"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrPinMismatch is returned when no certificate in the chain matches a pin.
var ErrPinMismatch = errors.New("certificate pin verification failed")

// CertificatePinner checks the server chain against SHA-256 SPKI pins,
// encoded as standard base64 the way HPKP and curl express them.
type CertificatePinner struct {
	pins [][]byte
}

// NewCertificatePinner parses base64 SPKI hashes. An empty list disables pinning.
func NewCertificatePinner(pins []string) (*CertificatePinner, error) {
	cp := &CertificatePinner{}
	for _, p := range pins {
		raw, err := base64.StdEncoding.DecodeString(p)
		if err != nil || len(raw) != sha256.Size {
			return nil, fmt.Errorf("invalid pin %q: want base64 of a SHA-256 digest", p)
		}
		cp.pins = append(cp.pins, raw)
	}
	return cp, nil
}

// Enabled reports whether any pin is configured.
func (cp *CertificatePinner) Enabled() bool {
	return len(cp.pins) > 0
}

// CreateSecureHTTPClient returns a client with TLS 1.2+ and, when pins are
// configured, chain verification against them.
func (cp *CertificatePinner) CreateSecureHTTPClient(timeout time.Duration) *http.Client {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if cp.Enabled() {
		tlsConfig.VerifyPeerCertificate = cp.VerifyPeerCertificate
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			TLSClientConfig:     tlsConfig,
			TLSHandshakeTimeout: 10 * time.Second,
			MaxIdleConns:        10,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

// VerifyPeerCertificate accepts the connection if any certificate of any
// verified chain has a pinned SPKI hash.
func (cp *CertificatePinner) VerifyPeerCertificate(_ [][]byte, verifiedChains [][]*x509.Certificate) error {
	if len(verifiedChains) == 0 {
		return fmt.Errorf("%w: no verified chains", ErrPinMismatch)
	}
	for _, chain := range verifiedChains {
		for _, cert := range chain {
			if cp.Matches(cert) {
				return nil
			}
		}
	}
	return ErrPinMismatch
}

// Matches reports whether cert's public key is pinned.
func (cp *CertificatePinner) Matches(cert *x509.Certificate) bool {
	sum := SPKIHash(cert)
	for _, pin := range cp.pins {
		if subtle.ConstantTimeCompare(sum, pin) == 1 {
			return true
		}
	}
	return false
}

// SPKIHash returns the SHA-256 digest of cert's Subject Public Key Info.
func SPKIHash(cert *x509.Certificate) []byte {
	sum := sha256.Sum256(cert.RawSubjectPublicKeyInfo)
	return sum[:]
}
