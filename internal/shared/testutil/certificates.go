package testutil

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"keygen/internal/certificate"
)

// Resource is a JSON:API resource object.
type Resource map[string]any

// NewResource builds a resource object of the given type.
func NewResource(typ, id string, attrs map[string]any, rels map[string]any) Resource {
	r := Resource{"type": typ, "id": id, "attributes": attrs}
	if len(rels) > 0 {
		r["relationships"] = rels
	}
	return r
}

// Rel returns a to-one relationship linkage.
func Rel(typ, id string) map[string]any {
	return map[string]any{"data": map[string]any{"type": typ, "id": id}}
}

// LicenseResource returns a license resource with typical attributes.
func LicenseResource(id, key string, expiry time.Time) Resource {
	attrs := map[string]any{
		"name":             "Pro License",
		"key":              key,
		"expiry":           expiry.UTC().Format(time.RFC3339),
		"status":           "ACTIVE",
		"uses":             0,
		"maxMachines":      3,
		"maxCores":         16,
		"requireHeartbeat": true,
		"protected":        true,
		"floating":         true,
		"scheme":           "ED25519_SIGN",
		"metadata":         map[string]any{"tier": "pro"},
		"created":          "2024-01-02T03:04:05Z",
		"updated":          "2024-01-02T03:04:05Z",
	}
	return NewResource("licenses", id, attrs, map[string]any{
		"product": Rel("products", "prod-1"),
		"policy":  Rel("policies", "pol-1"),
	})
}

// MachineResource returns a machine resource activated for licenseID.
func MachineResource(id, fingerprint, licenseID string) Resource {
	attrs := map[string]any{
		"fingerprint":       fingerprint,
		"name":              "build-host",
		"platform":          "linux",
		"hostname":          "build-host.local",
		"cores":             8,
		"requireHeartbeat":  true,
		"heartbeatStatus":   "ALIVE",
		"heartbeatDuration": 600,
		"created":           "2024-01-02T03:04:05Z",
		"updated":           "2024-01-02T03:04:05Z",
	}
	return NewResource("machines", id, attrs, map[string]any{
		"license": Rel("licenses", licenseID),
	})
}

// EntitlementResource returns an entitlement resource.
func EntitlementResource(id, code string) Resource {
	return NewResource("entitlements", id, map[string]any{"code": code, "name": code}, nil)
}

// ComponentResource returns a component resource attached to machineID.
func ComponentResource(id, fingerprint, machineID string) Resource {
	return NewResource("components", id, map[string]any{"fingerprint": fingerprint, "name": "disk"},
		map[string]any{"machine": Rel("machines", machineID)})
}

// Dataset describes the plaintext sealed inside a certificate.
type Dataset struct {
	Issued   time.Time
	Expiry   time.Time
	TTL      time.Duration
	Data     Resource
	Included []Resource
}

// JSON renders the dataset as a JSON:API document.
func (d Dataset) JSON(t testing.TB) []byte {
	t.Helper()
	doc := map[string]any{
		"meta": map[string]any{
			"issued": d.Issued.UTC().Format(time.RFC3339),
			"expiry": d.Expiry.UTC().Format(time.RFC3339),
			"ttl":    int(d.TTL / time.Second),
		},
		"data": d.Data,
	}
	if len(d.Included) > 0 {
		doc["included"] = d.Included
	}
	out, err := json.Marshal(doc)
	require.NoError(t, err)
	return out
}

// Seal encrypts plaintext with AES-256-GCM under SHA-256(secret) and returns
// base64(ciphertext).base64(iv).base64(tag). An empty secret produces a
// base64-only payload.
func Seal(t testing.TB, secret string, plaintext []byte) string {
	t.Helper()
	if secret == "" {
		return base64.StdEncoding.EncodeToString(plaintext)
	}

	key := sha256.Sum256([]byte(secret))
	block, err := aes.NewCipher(key[:])
	require.NoError(t, err)
	gcm, err := cipher.NewGCM(block)
	require.NoError(t, err)

	iv := make([]byte, gcm.NonceSize())
	_, err = rand.Read(iv)
	require.NoError(t, err)

	sealed := gcm.Seal(nil, iv, plaintext, nil)
	ct, tag := sealed[:len(sealed)-gcm.Overhead()], sealed[len(sealed)-gcm.Overhead():]

	enc := base64.StdEncoding
	return enc.EncodeToString(ct) + "." + enc.EncodeToString(iv) + "." + enc.EncodeToString(tag)
}

// Envelope seals plaintext and signs it for namespace.
func Envelope(t testing.TB, s Signer, namespace, secret string, plaintext []byte) certificate.Envelope {
	t.Helper()
	cipherName := "base64"
	if secret != "" {
		cipherName = "aes-256-gcm"
	}
	enc := Seal(t, secret, plaintext)
	sig := s.Sign(t, certificate.SigningInput(namespace, enc))
	return certificate.Envelope{
		Enc: enc,
		Sig: base64.StdEncoding.EncodeToString(sig),
		Alg: cipherName + "+" + s.Alg(),
	}
}

// Certificate returns an armored certificate for namespace.
func Certificate(t testing.TB, s Signer, namespace, secret string, plaintext []byte) string {
	t.Helper()
	text, err := certificate.Armor(namespace, Envelope(t, s, namespace, secret, plaintext))
	require.NoError(t, err)
	return text
}

// Rearmor replaces the envelope of an armored certificate after mutate runs.
func Rearmor(t testing.TB, text string, mutate func(*certificate.Envelope)) string {
	t.Helper()
	ns, env, err := certificate.Dearmor(text)
	require.NoError(t, err)
	mutate(&env)
	out, err := certificate.Armor(ns, env)
	require.NoError(t, err)
	return out
}

// FlipBase64 returns s with one base64 character changed.
func FlipBase64(s string, i int) string {
	b := []byte(s)
	if b[i] == 'A' {
		b[i] = 'B'
	} else {
		b[i] = 'A'
	}
	return string(b)
}
