// Package verifier proves the authenticity of signed keys and sealed
// certificates and recovers their plaintext, without any network access.
//
// Dispatch always happens on an explicit scheme or algorithm tag. The shape
// of a key is never used to guess how it should be checked.
package verifier

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"

	"keygen/internal/certificate"
)

var (
	ErrPublicKeyMissing  = errors.New("public key is missing")
	ErrPublicKeyInvalid  = errors.New("public key is invalid")
	ErrSchemeMissing     = errors.New("signing scheme is missing")
	ErrSchemeUnsupported = errors.New("signing scheme is not supported")
	ErrSignatureInvalid  = errors.New("signature is invalid")
	ErrDecryptionFailed  = errors.New("decryption failed")
)

// Scheme identifies how a license key was signed.
type Scheme string

const (
	SchemeEd25519Sign  Scheme = "ED25519_SIGN"
	SchemeRSAPSSSignV2 Scheme = "RSA_2048_PKCS1_PSS_SIGN_V2"
	SchemeRSASignV2    Scheme = "RSA_2048_PKCS1_SIGN_V2"
	SchemeRSAPSSSign   Scheme = "RSA_2048_PKCS1_PSS_SIGN"
	SchemeRSASign      Scheme = "RSA_2048_PKCS1_SIGN"
	SchemeRSAEncrypt   Scheme = "RSA_2048_PKCS1_ENCRYPT"
	SchemeRSAJWTRS256  Scheme = "RSA_2048_JWT_RS256"
)

// Legacy reports whether keys of this scheme omit the key/ namespace and
// sign the raw payload.
func (s Scheme) Legacy() bool {
	return s == SchemeRSAPSSSign || s == SchemeRSASign
}

func (s Scheme) keyType() (KeyType, error) {
	switch s {
	case "":
		return 0, ErrSchemeMissing
	case SchemeEd25519Sign:
		return KeyEd25519, nil
	case SchemeRSAPSSSignV2, SchemeRSASignV2, SchemeRSAPSSSign, SchemeRSASign:
		return KeyRSA, nil
	default:
		return 0, fmt.Errorf("%w: %s", ErrSchemeUnsupported, s)
	}
}

// KeyType is the family of a public key.
type KeyType int

const (
	KeyEd25519 KeyType = iota + 1
	KeyRSA
)

// PublicKey is an account verification key of a single family.
type PublicKey struct {
	Type    KeyType
	ed25519 ed25519.PublicKey
	rsa     *rsa.PublicKey
}

// ParsePublicKey parses text as the key family required by scheme. Ed25519
// keys are exactly 32 bytes, hex-encoded. RSA keys are PEM, PKIX or PKCS#1.
func ParsePublicKey(scheme Scheme, text string) (*PublicKey, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrPublicKeyMissing
	}
	kt, err := scheme.keyType()
	if err != nil {
		return nil, err
	}
	switch kt {
	case KeyEd25519:
		return parseEd25519(text)
	default:
		return parseRSA(text)
	}
}

func parseEd25519(text string) (*PublicKey, error) {
	raw, err := hex.DecodeString(text)
	if err != nil {
		return nil, fmt.Errorf("%w: not hex", ErrPublicKeyInvalid)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: want %d bytes, got %d", ErrPublicKeyInvalid, ed25519.PublicKeySize, len(raw))
	}
	zero := true
	for _, b := range raw {
		if b != 0 {
			zero = false
			break
		}
	}
	if zero {
		return nil, fmt.Errorf("%w: all-zero key", ErrPublicKeyInvalid)
	}
	return &PublicKey{Type: KeyEd25519, ed25519: ed25519.PublicKey(raw)}, nil
}

func parseRSA(text string) (*PublicKey, error) {
	block, _ := pem.Decode([]byte(text))
	if block == nil {
		return nil, fmt.Errorf("%w: not PEM", ErrPublicKeyInvalid)
	}
	if key, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		if rk, ok := key.(*rsa.PublicKey); ok {
			return &PublicKey{Type: KeyRSA, rsa: rk}, nil
		}
		return nil, fmt.Errorf("%w: not an RSA key", ErrPublicKeyInvalid)
	}
	rk, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPublicKeyInvalid, err)
	}
	return &PublicKey{Type: KeyRSA, rsa: rk}, nil
}

// VerifySignature checks signature over signingInput under scheme. It is the
// single place where schemes are dispatched.
func VerifySignature(scheme Scheme, pub *PublicKey, signingInput, signature []byte) error {
	if pub == nil {
		return ErrPublicKeyMissing
	}
	kt, err := scheme.keyType()
	if err != nil {
		return err
	}
	if pub.Type != kt {
		return fmt.Errorf("%w: key does not match scheme %s", ErrPublicKeyInvalid, scheme)
	}

	switch scheme {
	case SchemeEd25519Sign:
		if !ed25519.Verify(pub.ed25519, signingInput, signature) {
			return ErrSignatureInvalid
		}
		return nil
	case SchemeRSAPSSSignV2, SchemeRSAPSSSign:
		digest := sha256.Sum256(signingInput)
		opts := &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthAuto, Hash: crypto.SHA256}
		if rsa.VerifyPSS(pub.rsa, crypto.SHA256, digest[:], signature, opts) != nil {
			return ErrSignatureInvalid
		}
		return nil
	case SchemeRSASignV2, SchemeRSASign:
		digest := sha256.Sum256(signingInput)
		if rsa.VerifyPKCS1v15(pub.rsa, crypto.SHA256, digest[:], signature) != nil {
			return ErrSignatureInvalid
		}
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrSchemeUnsupported, scheme)
	}
}

// VerifyKey verifies a signed license key and returns its embedded payload.
func VerifyKey(scheme Scheme, pub *PublicKey, key string) ([]byte, error) {
	if _, err := scheme.keyType(); err != nil {
		return nil, err
	}

	var (
		signed *certificate.SignedKey
		err    error
	)
	if scheme.Legacy() {
		signed, err = certificate.DecodeLegacyKey(key)
	} else {
		signed, err = certificate.DecodeSignedKey(key)
	}
	if err != nil {
		return nil, err
	}
	if err := VerifySignature(scheme, pub, signed.SigningInput, signed.Signature); err != nil {
		return nil, err
	}
	return signed.Payload, nil
}
