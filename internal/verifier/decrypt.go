package verifier

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"

	"keygen/internal/certificate"
)

// Cipher is the encryption half of a certificate algorithm.
type Cipher string

const (
	CipherAES256GCM Cipher = "aes-256-gcm"
	CipherBase64    Cipher = "base64"
)

const gcmTagSize = 16

// Algorithm is a parsed certificate alg such as "aes-256-gcm+ed25519".
type Algorithm struct {
	Cipher    Cipher
	Signature Scheme
}

func (a Algorithm) String() string {
	var sig string
	switch a.Signature {
	case SchemeEd25519Sign:
		sig = "ed25519"
	case SchemeRSAPSSSignV2:
		sig = "rsa-pss-sha256"
	case SchemeRSASignV2:
		sig = "rsa-sha256"
	}
	return string(a.Cipher) + "+" + sig
}

// Encrypted reports whether decrypting requires a secret.
func (a Algorithm) Encrypted() bool {
	return a.Cipher == CipherAES256GCM
}

// ParseAlgorithm parses a certificate alg string.
func ParseAlgorithm(alg string) (Algorithm, error) {
	var a Algorithm
	if alg == "" {
		return a, ErrSchemeMissing
	}
	c, s, ok := strings.Cut(alg, "+")
	if !ok {
		return a, fmt.Errorf("%w: %s", ErrSchemeUnsupported, alg)
	}

	switch Cipher(c) {
	case CipherAES256GCM, CipherBase64:
		a.Cipher = Cipher(c)
	default:
		return a, fmt.Errorf("%w: cipher %s", ErrSchemeUnsupported, c)
	}

	switch s {
	case "ed25519":
		a.Signature = SchemeEd25519Sign
	case "rsa-pss-sha256":
		a.Signature = SchemeRSAPSSSignV2
	case "rsa-sha256":
		a.Signature = SchemeRSASignV2
	default:
		return a, fmt.Errorf("%w: signature %s", ErrSchemeUnsupported, s)
	}
	return a, nil
}

// VerifyCertificate checks the detached signature of an envelope sealed in
// namespace and returns its parsed algorithm.
func VerifyCertificate(pub *PublicKey, namespace string, env certificate.Envelope) (Algorithm, error) {
	alg, err := ParseAlgorithm(env.Alg)
	if err != nil {
		return alg, err
	}
	sig, err := base64.StdEncoding.DecodeString(env.Sig)
	if err != nil {
		return alg, fmt.Errorf("%w: signature: %v", certificate.ErrMalformedContainer, err)
	}
	if err := VerifySignature(alg.Signature, pub, certificate.SigningInput(namespace, env.Enc), sig); err != nil {
		return alg, err
	}
	return alg, nil
}

// LicenseSecret returns the decryption secret of a license file.
func LicenseSecret(licenseKey string) string {
	return licenseKey
}

// MachineSecret returns the decryption secret of a machine file: the license
// key followed by the machine fingerprint.
func MachineSecret(licenseKey, fingerprint string) string {
	return licenseKey + fingerprint
}

// Decrypt recovers the plaintext of enc. For aes-256-gcm, enc is
// base64(ciphertext).base64(iv).base64(tag) and the key is SHA-256(secret).
// Any failure returns ErrDecryptionFailed and no plaintext.
func Decrypt(secret, enc string, alg Algorithm) ([]byte, error) {
	switch alg.Cipher {
	case CipherBase64:
		plaintext, err := base64.StdEncoding.DecodeString(enc)
		if err != nil {
			return nil, fmt.Errorf("%w: payload is not base64", ErrDecryptionFailed)
		}
		return plaintext, nil
	case CipherAES256GCM:
		return decryptAESGCM(secret, enc)
	default:
		return nil, fmt.Errorf("%w: cipher %s", ErrSchemeUnsupported, alg.Cipher)
	}
}

func decryptAESGCM(secret, enc string) ([]byte, error) {
	if secret == "" {
		return nil, fmt.Errorf("%w: secret is required", ErrDecryptionFailed)
	}
	parts := strings.Split(enc, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: expected ciphertext.iv.tag", ErrDecryptionFailed)
	}

	var segs [3][]byte
	for i, p := range parts {
		b, err := base64.StdEncoding.DecodeString(p)
		if err != nil {
			return nil, fmt.Errorf("%w: segment %d is not base64", ErrDecryptionFailed, i)
		}
		segs[i] = b
	}
	ciphertext, iv, tag := segs[0], segs[1], segs[2]

	key := sha256.Sum256([]byte(secret))
	defer clear(key[:])

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	if len(iv) != gcm.NonceSize() || len(tag) != gcmTagSize {
		return nil, fmt.Errorf("%w: bad iv or tag length", ErrDecryptionFailed)
	}

	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)
	plaintext, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}
