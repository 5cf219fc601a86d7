package testutil

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"keygen/internal/config"
)

// RecordedRequest is one request received by a Service.
type RecordedRequest struct {
	Method string
	Path   string
	Query  map[string][]string
	Header http.Header
	Body   map[string]any
}

// Service is an in-process licensing service. Routes are registered relative
// to /v1/accounts/{account}.
type Service struct {
	Account string
	Server  *httptest.Server

	t      testing.TB
	router chi.Router
	api    chi.Router

	mu       sync.Mutex
	requests []RecordedRequest
	signer   *Ed25519Signer
	clock    func() time.Time
}

// NewService starts a service that answers 404 for every unregistered route.
func NewService(t testing.TB, account string) *Service {
	t.Helper()
	s := &Service{Account: account, t: t, router: chi.NewRouter(), clock: time.Now}
	s.router.Use(s.record)
	s.router.Use(s.sign)
	s.router.Route("/v1/accounts/"+account, func(r chi.Router) {
		s.api = r
	})
	s.router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		WriteErrors(w, http.StatusNotFound, "NOT_FOUND", "Not found")
	})
	s.Server = httptest.NewServer(s.router)
	t.Cleanup(s.Server.Close)
	return s
}

// Handle registers h for method and an account-relative chi pattern.
func (s *Service) Handle(method, pattern string, h http.HandlerFunc) {
	s.api.Method(method, pattern, h)
}

// SignResponses signs every response from now on with signer. clock sets the
// Date header; nil uses time.Now.
func (s *Service) SignResponses(signer *Ed25519Signer, clock func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signer = signer
	if clock != nil {
		s.clock = clock
	}
}

// Requests returns every request received so far.
func (s *Service) Requests() []RecordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RecordedRequest, len(s.requests))
	copy(out, s.requests)
	return out
}

// LastRequest returns the most recent request.
func (s *Service) LastRequest() RecordedRequest {
	s.t.Helper()
	reqs := s.Requests()
	require.NotEmpty(s.t, reqs, "no request reached the service")
	return reqs[len(reqs)-1]
}

// Config returns a valid configuration pointing at the service.
func (s *Service) Config() *config.Config {
	cfg := config.Default()
	cfg.Service.APIURL = s.Server.URL
	cfg.Service.Account = s.Account
	cfg.Service.LicenseKey = "TEST-LICENSE-KEY"
	cfg.HTTP.RPS = 0
	cfg.HTTP.Timeout = 5 * time.Second
	cfg.Paths.DataDir = s.t.TempDir()
	return cfg
}

func (s *Service) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		r.Body = io.NopCloser(bytes.NewReader(raw))

		rec := RecordedRequest{
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  r.URL.Query(),
			Header: r.Header.Clone(),
		}
		if len(raw) > 0 {
			_ = json.Unmarshal(raw, &rec.Body)
		}
		s.mu.Lock()
		s.requests = append(s.requests, rec)
		s.mu.Unlock()

		next.ServeHTTP(w, r)
	})
}

func (s *Service) sign(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		signer, clock := s.signer, s.clock
		s.mu.Unlock()
		if signer == nil {
			next.ServeHTTP(w, r)
			return
		}

		buf := httptest.NewRecorder()
		next.ServeHTTP(buf, r)
		body := buf.Body.Bytes()

		sum := sha256.Sum256(body)
		digest := "sha-256=" + base64.StdEncoding.EncodeToString(sum[:])
		date := clock().UTC().Format(http.TimeFormat)
		input := strings.Join([]string{
			"(request-target): " + strings.ToLower(r.Method) + " " + r.RequestURI,
			"host: " + r.Host,
			"date: " + date,
			"digest: " + digest,
		}, "\n")
		sig := ed25519.Sign(signer.Private, []byte(input))

		for k, v := range buf.Header() {
			w.Header()[k] = v
		}
		w.Header().Set("Date", date)
		w.Header().Set("Digest", digest)
		w.Header().Set("Keygen-Signature", fmt.Sprintf(
			`keyid="%s", algorithm="ed25519", signature="%s", headers="(request-target) host date digest"`,
			s.Account, base64.StdEncoding.EncodeToString(sig)))
		w.WriteHeader(buf.Code)
		_, _ = w.Write(body)
	})
}

// WriteJSON writes v as a JSON:API document.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/vnd.api+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteErrors writes a JSON:API error document with one error.
func WriteErrors(w http.ResponseWriter, status int, code, detail string) {
	WriteJSON(w, status, map[string]any{
		"errors": []map[string]any{{"title": http.StatusText(status), "detail": detail, "code": code}},
	})
}

// Nonce returns meta.nonce from a recorded validation request.
func (r RecordedRequest) Nonce() any {
	meta, _ := r.Body["meta"].(map[string]any)
	return meta["nonce"]
}

// Scope returns meta.scope from a recorded validation request.
func (r RecordedRequest) Scope() map[string]any {
	meta, _ := r.Body["meta"].(map[string]any)
	scope, _ := meta["scope"].(map[string]any)
	return scope
}

// ValidationHandler answers validations with code and data, echoing the
// request nonce the way the service does.
func ValidationHandler(valid bool, code, detail string, data Resource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Meta struct {
				Nonce json.Number    `json:"nonce"`
				Scope map[string]any `json:"scope"`
			} `json:"meta"`
		}
		dec := json.NewDecoder(r.Body)
		dec.UseNumber()
		_ = dec.Decode(&body)

		doc := map[string]any{
			"meta": map[string]any{
				"valid":  valid,
				"code":   code,
				"detail": detail,
				"nonce":  body.Meta.Nonce,
				"scope":  body.Meta.Scope,
			},
			"data": data,
		}
		WriteJSON(w, http.StatusOK, doc)
	}
}
