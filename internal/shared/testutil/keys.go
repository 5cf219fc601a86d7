package testutil

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"testing"

	"github.com/stretchr/testify/require"

	"keygen/internal/certificate"
)

// Signer is an account signing key used to produce fixtures.
type Signer interface {
	// PublicKey returns the verification key in account format.
	PublicKey() string
	// Sign signs input the way the service does for this key family.
	Sign(t testing.TB, input []byte) []byte
	// Alg returns the signature half of a certificate alg string.
	Alg() string
}

// Ed25519Signer signs with an Ed25519 key.
type Ed25519Signer struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// NewEd25519Signer generates a fresh Ed25519 key pair.
func NewEd25519Signer(t testing.TB) *Ed25519Signer {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return &Ed25519Signer{Public: pub, Private: priv}
}

func (s *Ed25519Signer) PublicKey() string { return hex.EncodeToString(s.Public) }

func (s *Ed25519Signer) Sign(t testing.TB, input []byte) []byte {
	return ed25519.Sign(s.Private, input)
}

func (s *Ed25519Signer) Alg() string { return "ed25519" }

// RSASigner signs with a 2048-bit RSA key, PSS or PKCS#1 v1.5.
type RSASigner struct {
	Private *rsa.PrivateKey
	PSS     bool
}

// NewRSASigner generates a fresh RSA key pair.
func NewRSASigner(t testing.TB, pss bool) *RSASigner {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return &RSASigner{Private: priv, PSS: pss}
}

func (s *RSASigner) PublicKey() string {
	der, err := x509.MarshalPKIXPublicKey(&s.Private.PublicKey)
	if err != nil {
		panic(err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

func (s *RSASigner) Sign(t testing.TB, input []byte) []byte {
	t.Helper()
	digest := sha256.Sum256(input)
	var (
		sig []byte
		err error
	)
	if s.PSS {
		sig, err = rsa.SignPSS(rand.Reader, s.Private, crypto.SHA256, digest[:], &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash})
	} else {
		sig, err = rsa.SignPKCS1v15(rand.Reader, s.Private, crypto.SHA256, digest[:])
	}
	require.NoError(t, err)
	return sig
}

func (s *RSASigner) Alg() string {
	if s.PSS {
		return "rsa-pss-sha256"
	}
	return "rsa-sha256"
}

// SignedKey returns a v2 key/<payload>.<signature> license key.
func SignedKey(t testing.TB, s Signer, payload []byte) string {
	t.Helper()
	key, err := certificate.EncodeSignedKey(payload, func(in []byte) ([]byte, error) {
		return s.Sign(t, in), nil
	})
	require.NoError(t, err)
	return key
}

// LegacySignedKey returns a <payload>.<signature> key signed over the raw payload.
func LegacySignedKey(t testing.TB, s Signer, payload []byte) string {
	t.Helper()
	key, err := certificate.Encode(payload, s.Sign(t, payload))
	require.NoError(t, err)
	return key
}
