package errors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"runtime/debug"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	"keygen/internal/keygen"
)

// ErrorHandler provides centralized error handling
type ErrorHandler struct {
	logger       *slog.Logger
	includeStack bool
}

// NewErrorHandler creates a new error handler
func NewErrorHandler(logger *slog.Logger, includeStack bool) *ErrorHandler {
	return &ErrorHandler{
		logger:       logger.With(slog.String("component", "error_handler")),
		includeStack: includeStack,
	}
}

// HandleError converts any error to RFC 7807 format and responds
func (h *ErrorHandler) HandleError(w http.ResponseWriter, r *http.Request, err error) {
	if err == nil {
		return
	}

	reqID := middleware.GetReqID(r.Context())
	problem := h.ErrorToProblem(err, r)
	problem.WithExtension("trace_id", reqID)

	level := slog.LevelWarn
	if problem.Status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	h.logger.Log(r.Context(), level, "request failed",
		slog.String("error", err.Error()),
		slog.Int("status", problem.Status),
		slog.String("request_id", reqID),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
	)

	if h.includeStack {
		problem.WithExtension("stack", getStackTrace())
	}
	_ = render.Render(w, r, problem)
}

type kindProblem struct {
	status int
	typ    string
	title  string
}

var kindProblems = map[keygen.Kind]kindProblem{
	keygen.KindInvalidArgument:         {http.StatusBadRequest, TypeValidation, "Invalid Argument"},
	keygen.KindTransport:               {http.StatusServiceUnavailable, TypeServiceDown, "Licensing Service Unavailable"},
	keygen.KindRateLimited:             {http.StatusTooManyRequests, TypeRateLimit, "Rate Limit Exceeded"},
	keygen.KindNotFound:                {http.StatusNotFound, TypeNotFound, "Not Found"},
	keygen.KindTokenInvalid:            {http.StatusUnauthorized, TypeUnauthorized, "Unauthorized"},
	keygen.KindResponseNotGenuine:      {http.StatusBadGateway, TypeNotGenuine, "Response Not Genuine"},
	keygen.KindClockUnsynced:           {http.StatusConflict, TypeClockUnsynced, "Clock Out Of Sync"},
	keygen.KindPublicKey:               {http.StatusInternalServerError, TypeInternal, "Verification Key Unusable"},
	keygen.KindLicenseNotActivated:     {http.StatusForbidden, TypeLicenseNotActivated, "License Not Activated"},
	keygen.KindLicenseExpired:          {http.StatusForbidden, TypeLicenseExpired, "License Expired"},
	keygen.KindLicenseSuspended:        {http.StatusForbidden, TypeLicenseSuspended, "License Suspended"},
	keygen.KindLicenseTooManyMachines:  {http.StatusForbidden, TypeLicenseLimit, "Too Many Machines"},
	keygen.KindLicenseTooManyCores:     {http.StatusForbidden, TypeLicenseLimit, "Too Many Cores"},
	keygen.KindLicenseTooManyProcesses: {http.StatusForbidden, TypeLicenseLimit, "Too Many Processes"},
	keygen.KindFingerprintMissing:      {http.StatusForbidden, TypeLicenseScope, "Fingerprint Required"},
	keygen.KindComponentsMissing:       {http.StatusForbidden, TypeLicenseScope, "Components Required"},
	keygen.KindComponentNotActivated:   {http.StatusForbidden, TypeLicenseNotActivated, "Component Not Activated"},
	keygen.KindHeartbeatRequired:       {http.StatusForbidden, TypeLicenseNotActivated, "Heartbeat Required"},
	keygen.KindHeartbeatDead:           {http.StatusForbidden, TypeHeartbeatDead, "Heartbeat Dead"},
	keygen.KindProductMissing:          {http.StatusForbidden, TypeLicenseScope, "Product Required"},
	keygen.KindLicenseKeyInvalid:       {http.StatusForbidden, TypeLicenseInvalid, "License Invalid"},
	keygen.KindMachineAlreadyActivated: {http.StatusConflict, TypeMachineActivated, "Machine Already Activated"},
	keygen.KindLicenseFileInvalid:      {http.StatusUnprocessableEntity, TypeCertificateInvalid, "License File Invalid"},
	keygen.KindLicenseFileNotGenuine:   {http.StatusForbidden, TypeNotGenuine, "License File Not Genuine"},
	keygen.KindLicenseFileExpired:      {http.StatusForbidden, TypeLicenseExpired, "License File Expired"},
	keygen.KindMachineFileInvalid:      {http.StatusUnprocessableEntity, TypeCertificateInvalid, "Machine File Invalid"},
	keygen.KindMachineFileNotGenuine:   {http.StatusForbidden, TypeNotGenuine, "Machine File Not Genuine"},
	keygen.KindMachineFileExpired:      {http.StatusForbidden, TypeLicenseExpired, "Machine File Expired"},
}

// ErrorToProblem converts an error to RFC 7807 Problem Details
func (h *ErrorHandler) ErrorToProblem(err error, r *http.Request) *ProblemDetails {
	var kerr *keygen.Error
	if errors.As(err, &kerr) {
		return keygenProblem(kerr, r)
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return NewProblemDetails(
			http.StatusGatewayTimeout,
			TypeTimeout,
			"Request Timeout",
			"The request took too long to process and was cancelled",
			r.URL.Path,
		)
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErrorToProblem(apiErr, r)
	}

	return NewProblemDetails(
		http.StatusInternalServerError,
		TypeInternal,
		"Internal Server Error",
		"An unexpected error occurred while processing your request",
		r.URL.Path,
	)
}

func keygenProblem(kerr *keygen.Error, r *http.Request) *ProblemDetails {
	kp, ok := kindProblems[kerr.Kind]
	if !ok {
		kp = kindProblem{http.StatusBadGateway, TypeUpstream, "Licensing Service Error"}
	}
	detail := kerr.Detail
	if detail == "" {
		detail = kerr.Kind.String()
	}

	problem := NewProblemDetails(kp.status, kp.typ, kp.title, detail, r.URL.Path).
		WithExtension("kind", kerr.Kind.String())
	if kerr.Code != "" {
		problem.WithExtension("code", kerr.Code)
	}
	if kerr.Kind == keygen.KindRateLimited {
		problem.WithExtension("retry_after", 60)
	}
	if kerr.License != nil {
		problem.WithExtension("license_id", kerr.License.ID)
	}
	return problem
}

func apiErrorToProblem(apiErr *APIError, r *http.Request) *ProblemDetails {
	problemType := TypeInternal
	switch apiErr.ErrorCode {
	case "INVALID_REQUEST", "VALIDATION_FAILED", "PAYLOAD_TOO_LARGE", "UNSUPPORTED_MEDIA_TYPE", "WEBSOCKET_UPGRADE_FAILED":
		problemType = TypeValidation
	case "RATE_LIMIT_EXCEEDED":
		problemType = TypeRateLimit
	case "NO_LICENSE":
		problemType = TypeServiceDown
	}

	problem := NewProblemDetails(
		apiErr.StatusCode,
		problemType,
		http.StatusText(apiErr.StatusCode),
		apiErr.Message,
		r.URL.Path,
	).WithExtension("error_code", apiErr.ErrorCode)

	if apiErr.Details != nil {
		problem.WithExtension("details", apiErr.Details)
	}
	return problem
}

// HandlePanic recovers from panics and returns RFC 7807 error
func (h *ErrorHandler) HandlePanic(w http.ResponseWriter, r *http.Request, recovered any) {
	reqID := middleware.GetReqID(r.Context())

	h.logger.ErrorContext(r.Context(), "panic recovered",
		slog.Any("panic", recovered),
		slog.String("request_id", reqID),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("stack", string(debug.Stack())),
	)

	problem := NewProblemDetails(
		http.StatusInternalServerError,
		TypeInternal,
		"Internal Server Error",
		"An unexpected error occurred",
		r.URL.Path,
	).WithExtension("trace_id", reqID)

	if h.includeStack {
		problem.WithExtension("panic", fmt.Sprintf("%v", recovered))
		problem.WithExtension("stack", getStackTrace())
	}
	_ = render.Render(w, r, problem)
}

// NotFound returns a standard 404 error
func (h *ErrorHandler) NotFound(w http.ResponseWriter, r *http.Request) {
	problem := NewProblemDetails(
		http.StatusNotFound,
		TypeNotFound,
		"Not Found",
		"The requested resource was not found",
		r.URL.Path,
	).WithExtension("trace_id", middleware.GetReqID(r.Context()))
	_ = render.Render(w, r, problem)
}

// MethodNotAllowed returns a standard 405 error
func (h *ErrorHandler) MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	problem := NewProblemDetails(
		http.StatusMethodNotAllowed,
		TypeValidation,
		"Method Not Allowed",
		fmt.Sprintf("Method %s is not allowed for this endpoint", r.Method),
		r.URL.Path,
	).WithExtension("trace_id", middleware.GetReqID(r.Context()))
	_ = render.Render(w, r, problem)
}

func getStackTrace() string {
	buf := make([]byte, 1024*8)
	n := runtime.Stack(buf, false)
	return string(buf[:n])
}
