package keygen

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"regexp"
	"strings"
	"time"

	"keygen/internal/config"
	"keygen/internal/verifier"
)

// SignedHeaders is the header list every signed response must cover.
const SignedHeaders = "(request-target) host date digest"

var signatureParam = regexp.MustCompile(`([a-z]+)="([^"]*)"`)

// ParseSignatureHeader splits a Keygen-Signature header into its parameters.
func ParseSignatureHeader(header string) map[string]string {
	params := make(map[string]string)
	for _, m := range signatureParam.FindAllStringSubmatch(header, -1) {
		params[m[1]] = m[2]
	}
	return params
}

// SigningString rebuilds the string the service signed for a response.
func SigningString(method, requestURI, host, date, digest string) string {
	return strings.Join([]string{
		"(request-target): " + strings.ToLower(method) + " " + requestURI,
		"host: " + host,
		"date: " + date,
		"digest: " + digest,
	}, "\n")
}

// Digest returns the Digest header value for body.
func Digest(body []byte) string {
	sum := sha256.Sum256(body)
	return "sha-256=" + base64.StdEncoding.EncodeToString(sum[:])
}

func notGenuine(detail string, err error) *Error {
	return &Error{Kind: KindResponseNotGenuine, Detail: detail, Err: err}
}

// verifyResponse checks the Ed25519 response signature, the body digest and
// the response date against the allowed clock drift.
func verifyResponse(svc config.ServiceConfig, req *http.Request, resp *http.Response, body []byte, now time.Time) error {
	pub, err := verifier.ParsePublicKey(verifier.SchemeEd25519Sign, svc.PublicKey)
	if err != nil {
		return &Error{Kind: KindPublicKey, Detail: "response verification key", Err: err}
	}

	header := resp.Header.Get("Keygen-Signature")
	if header == "" {
		return notGenuine("signature header is missing", nil)
	}
	params := ParseSignatureHeader(header)
	if params["algorithm"] != "ed25519" {
		return notGenuine("unsupported signature algorithm "+params["algorithm"], nil)
	}
	if params["headers"] != SignedHeaders {
		return notGenuine("signature does not cover the required headers", nil)
	}
	sig, err := base64.StdEncoding.DecodeString(params["signature"])
	if err != nil {
		return notGenuine("signature is not base64", err)
	}

	digest := resp.Header.Get("Digest")
	if subtle.ConstantTimeCompare([]byte(digest), []byte(Digest(body))) != 1 {
		return notGenuine("body digest mismatch", nil)
	}

	date := resp.Header.Get("Date")
	sent, err := http.ParseTime(date)
	if err != nil {
		return notGenuine("date header is invalid", err)
	}
	if svc.MaxClockDrift > 0 {
		skew := now.Sub(sent)
		if skew < 0 {
			skew = -skew
		}
		if skew > svc.MaxClockDrift {
			return notGenuine("response date is outside the allowed clock drift", nil)
		}
	}

	input := SigningString(req.Method, req.URL.RequestURI(), req.URL.Host, date, digest)
	if err := verifier.VerifySignature(verifier.SchemeEd25519Sign, pub, []byte(input), sig); err != nil {
		return notGenuine("signature mismatch", err)
	}
	return nil
}
