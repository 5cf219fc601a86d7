// Package certificate parses and produces the text containers used for signed
// license keys and for sealed license and machine files.
//
// Nothing in this package performs cryptography. It only splits, joins and
// base64-decodes the segments that the verifier later checks.
package certificate

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// Namespaces that prefix a signing input.
const (
	KeyNamespace     = "key"
	LicenseNamespace = "license"
	MachineNamespace = "machine"
)

// ErrMalformedContainer is returned for any syntactic defect: a missing or
// repeated separator, a segment that is not base64, or a missing namespace.
var ErrMalformedContainer = errors.New("malformed certificate container")

// Encode joins a payload and its signature as base64url(payload).base64url(signature).
// Both must be non-empty, as Decode requires.
func Encode(payload, signature []byte) (string, error) {
	switch {
	case len(payload) == 0:
		return "", fmt.Errorf("%w: empty payload", ErrMalformedContainer)
	case len(signature) == 0:
		return "", fmt.Errorf("%w: empty signature", ErrMalformedContainer)
	}
	return encodeSegment(payload) + "." + encodeSegment(signature), nil
}

// Decode is the inverse of Encode. Exactly one separator is accepted and both
// segments must decode to non-empty byte strings.
func Decode(text string) (payload, signature []byte, err error) {
	if n := strings.Count(text, "."); n != 1 {
		return nil, nil, fmt.Errorf("%w: expected 1 separator, found %d", ErrMalformedContainer, n)
	}
	head, tail, _ := strings.Cut(text, ".")

	payload, err = decodeSegment(head)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: payload: %v", ErrMalformedContainer, err)
	}
	signature, err = decodeSegment(tail)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: signature: %v", ErrMalformedContainer, err)
	}
	return payload, signature, nil
}

// SignedKey is a decoded license key of the form key/<payload>.<signature>.
type SignedKey struct {
	// Namespace is "key" for v2 keys and empty for legacy keys.
	Namespace string
	Payload   []byte
	Signature []byte
	// SigningInput is exactly what was signed. For v2 keys it is the original
	// text up to the final separator; for legacy keys it is the raw payload.
	SigningInput []byte
}

// SignFunc signs a signing input and returns the raw signature.
type SignFunc func(signingInput []byte) ([]byte, error)

// EncodeSignedKey builds a v2 signed key. The signing input handed to sign is
// the prefixed, encoded payload; the returned key embeds it unchanged.
func EncodeSignedKey(payload []byte, sign SignFunc) (string, error) {
	if len(payload) == 0 {
		return "", fmt.Errorf("%w: empty payload", ErrMalformedContainer)
	}
	signingInput := KeyNamespace + "/" + encodeSegment(payload)
	sig, err := sign([]byte(signingInput))
	if err != nil {
		return "", fmt.Errorf("sign key: %w", err)
	}
	if len(sig) == 0 {
		return "", fmt.Errorf("%w: empty signature", ErrMalformedContainer)
	}
	return signingInput + "." + encodeSegment(sig), nil
}

// DecodeSignedKey parses a v2 signed key. The key/ namespace is required.
func DecodeSignedKey(key string) (*SignedKey, error) {
	key = strings.TrimSpace(key)
	ns, rest, ok := strings.Cut(key, "/")
	if !ok || ns != KeyNamespace {
		return nil, fmt.Errorf("%w: missing %q namespace", ErrMalformedContainer, KeyNamespace+"/")
	}
	payload, sig, err := Decode(rest)
	if err != nil {
		return nil, err
	}
	return &SignedKey{
		Namespace:    ns,
		Payload:      payload,
		Signature:    sig,
		SigningInput: []byte(key[:strings.LastIndexByte(key, '.')]),
	}, nil
}

// DecodeLegacyKey parses a legacy key of the form <payload>.<signature> whose
// signature covers the decoded payload bytes.
func DecodeLegacyKey(key string) (*SignedKey, error) {
	key = strings.TrimSpace(key)
	if strings.Contains(key, "/") {
		return nil, fmt.Errorf("%w: legacy keys carry no namespace", ErrMalformedContainer)
	}
	payload, sig, err := Decode(key)
	if err != nil {
		return nil, err
	}
	return &SignedKey{Payload: payload, Signature: sig, SigningInput: payload}, nil
}

func encodeSegment(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// decodeSegment accepts unpadded base64url, or padded base64url whose
// padding is exactly right.
func decodeSegment(s string) ([]byte, error) {
	if strings.TrimRight(s, "=") == "" {
		return nil, errors.New("empty segment")
	}
	if strings.HasSuffix(s, "=") {
		return base64.URLEncoding.Strict().DecodeString(s)
	}
	return base64.RawURLEncoding.DecodeString(s)
}
