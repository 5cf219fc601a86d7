package certificate

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		payloads := [][]byte{
			[]byte("a"),
			[]byte(`{"id":"4ca5a0c4","product":"app"}`),
			{0x00, 0xff, 0xfe, 0x10},
		}
		for _, payload := range payloads {
			sig := []byte("signature-bytes")
			text, err := Encode(payload, sig)
			require.NoError(t, err)
			gotPayload, gotSig, err := Decode(text)
			require.NoError(t, err)
			assert.Equal(t, payload, gotPayload)
			assert.Equal(t, sig, gotSig)
		}
	})

	t.Run("padded segments are accepted", func(t *testing.T) {
		text := base64.URLEncoding.EncodeToString([]byte("ab")) + "." + base64.URLEncoding.EncodeToString([]byte("c"))
		payload, sig, err := Decode(text)
		require.NoError(t, err)
		assert.Equal(t, []byte("ab"), payload)
		assert.Equal(t, []byte("c"), sig)
	})

	t.Run("empty input is not encoded", func(t *testing.T) {
		_, err := Encode(nil, []byte("sig"))
		assert.ErrorIs(t, err, ErrMalformedContainer)
		_, err = Encode([]byte("payload"), []byte{})
		assert.ErrorIs(t, err, ErrMalformedContainer)
	})

	tests := []struct {
		name string
		text string
	}{
		{"no separator", "YWJj"},
		{"short padding", "YQ=.ZGVm"},
		{"excess padding", "YWJj==.ZGVm"},
		{"padding only", "==.ZGVm"},
		{"two separators", "YWJj.ZGVm.Z2hp"},
		{"empty payload", ".ZGVm"},
		{"empty signature", "YWJj."},
		{"payload not base64", "a*b.ZGVm"},
		{"signature not base64", "YWJj.d e f"},
		{"standard alphabet", "a+b/.ZGVm"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Decode(tt.text)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformedContainer))
		})
	}
}

func TestSignedKey(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	payload := []byte(`{"license":"pro","seats":5}`)
	key, err := EncodeSignedKey(payload, func(in []byte) ([]byte, error) {
		return ed25519.Sign(priv, in), nil
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(key, "key/"))

	t.Run("signing input is the prefix before the final dot", func(t *testing.T) {
		decoded, err := DecodeSignedKey(key)
		require.NoError(t, err)
		assert.Equal(t, KeyNamespace, decoded.Namespace)
		assert.Equal(t, payload, decoded.Payload)
		assert.Equal(t, key[:strings.LastIndex(key, ".")], string(decoded.SigningInput))
		assert.True(t, ed25519.Verify(pub, decoded.SigningInput, decoded.Signature))
	})

	t.Run("surrounding whitespace is ignored", func(t *testing.T) {
		decoded, err := DecodeSignedKey("  " + key + "\n")
		require.NoError(t, err)
		assert.Equal(t, payload, decoded.Payload)
	})

	t.Run("missing namespace", func(t *testing.T) {
		_, err := DecodeSignedKey(strings.TrimPrefix(key, "key/"))
		assert.ErrorIs(t, err, ErrMalformedContainer)
	})

	t.Run("wrong namespace", func(t *testing.T) {
		_, err := DecodeSignedKey("license/" + strings.TrimPrefix(key, "key/"))
		assert.ErrorIs(t, err, ErrMalformedContainer)
	})

	t.Run("signer error is propagated", func(t *testing.T) {
		boom := errors.New("hsm offline")
		_, err := EncodeSignedKey(payload, func([]byte) ([]byte, error) { return nil, boom })
		assert.ErrorIs(t, err, boom)
	})

	t.Run("empty payload", func(t *testing.T) {
		_, err := EncodeSignedKey(nil, func(in []byte) ([]byte, error) { return in, nil })
		assert.ErrorIs(t, err, ErrMalformedContainer)
	})
}

func TestDecodeLegacyKey(t *testing.T) {
	text, err := Encode([]byte("legacy-payload"), []byte("sig"))
	require.NoError(t, err)

	decoded, err := DecodeLegacyKey(text)
	require.NoError(t, err)
	assert.Empty(t, decoded.Namespace)
	assert.Equal(t, []byte("legacy-payload"), decoded.SigningInput)

	_, err = DecodeLegacyKey("key/" + text)
	assert.ErrorIs(t, err, ErrMalformedContainer)
}

func TestArmor(t *testing.T) {
	env := Envelope{Enc: "Y2lwaGVy.aXY.dGFn", Sig: "c2ln", Alg: "aes-256-gcm+ed25519"}

	t.Run("round trip", func(t *testing.T) {
		for _, ns := range []string{LicenseNamespace, MachineNamespace} {
			text, err := Armor(ns, env)
			require.NoError(t, err)
			assert.Contains(t, text, "-----BEGIN "+strings.ToUpper(ns)+" FILE-----")

			gotNS, gotEnv, err := Dearmor(text)
			require.NoError(t, err)
			assert.Equal(t, ns, gotNS)
			assert.Equal(t, env, gotEnv)
		}
	})

	t.Run("unknown namespace", func(t *testing.T) {
		_, err := Armor("key", env)
		assert.ErrorIs(t, err, ErrMalformedContainer)
	})

	t.Run("signing input", func(t *testing.T) {
		assert.Equal(t, []byte("machine/abc"), SigningInput(MachineNamespace, "abc"))
	})

	bad := []struct {
		name string
		text string
	}{
		{"empty", ""},
		{"not armored", "eyJlbmMiOiJ4In0="},
		{"wrong label", "-----BEGIN CERTIFICATE-----\neyJlbmMiOiJ4Iiwic2lnIjoieSJ9\n-----END CERTIFICATE-----\n"},
		{"not json", "-----BEGIN LICENSE FILE-----\nbm90IGpzb24=\n-----END LICENSE FILE-----\n"},
		{"missing sig", "-----BEGIN LICENSE FILE-----\neyJlbmMiOiJ4In0=\n-----END LICENSE FILE-----\n"},
		{"trailing data", "-----BEGIN LICENSE FILE-----\neyJlbmMiOiJ4Iiwic2lnIjoieSJ9\n-----END LICENSE FILE-----\ngarbage"},
	}
	for _, tt := range bad {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Dearmor(tt.text)
			assert.ErrorIs(t, err, ErrMalformedContainer)
		})
	}
}
