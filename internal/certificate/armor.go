package certificate

import (
	"bytes"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"strings"
)

// Envelope is the JSON object sealed inside an armored license or machine file.
type Envelope struct {
	Enc string `json:"enc"`
	Sig string `json:"sig"`
	Alg string `json:"alg"`
}

// SigningInput returns the bytes signed for an envelope in namespace.
func SigningInput(namespace, enc string) []byte {
	return []byte(namespace + "/" + enc)
}

// Armor renders env as
//
//	-----BEGIN LICENSE FILE-----
//	<base64 JSON>
//	-----END LICENSE FILE-----
func Armor(namespace string, env Envelope) (string, error) {
	label, err := armorLabel(namespace)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: label, Bytes: data})), nil
}

// Dearmor parses armored text and returns its namespace and envelope.
func Dearmor(text string) (string, Envelope, error) {
	var env Envelope

	block, rest := pem.Decode([]byte(strings.TrimSpace(text)))
	if block == nil {
		return "", env, fmt.Errorf("%w: no armored block", ErrMalformedContainer)
	}
	if len(bytes.TrimSpace(rest)) > 0 {
		return "", env, fmt.Errorf("%w: trailing data after armored block", ErrMalformedContainer)
	}
	if len(block.Headers) > 0 {
		return "", env, fmt.Errorf("%w: unexpected armor headers", ErrMalformedContainer)
	}

	namespace := strings.ToLower(strings.TrimSuffix(block.Type, " FILE"))
	if _, err := armorLabel(namespace); err != nil {
		return "", env, err
	}

	if err := json.Unmarshal(block.Bytes, &env); err != nil {
		return "", env, fmt.Errorf("%w: envelope: %v", ErrMalformedContainer, err)
	}
	if env.Enc == "" || env.Sig == "" {
		return "", env, fmt.Errorf("%w: envelope missing enc or sig", ErrMalformedContainer)
	}
	return namespace, env, nil
}

func armorLabel(namespace string) (string, error) {
	switch namespace {
	case LicenseNamespace, MachineNamespace:
		return strings.ToUpper(namespace) + " FILE", nil
	default:
		return "", fmt.Errorf("%w: unknown namespace %q", ErrMalformedContainer, namespace)
	}
}
