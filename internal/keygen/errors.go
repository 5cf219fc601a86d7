package keygen

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Kind classifies every failure the client reports.
type Kind int

const (
	KindUnknown Kind = iota

	// Transport and protocol.
	KindTransport
	KindInvalidArgument
	KindAPI
	KindRateLimited
	KindNotFound
	KindTokenInvalid
	KindResponseNotGenuine
	KindClockUnsynced
	KindPublicKey

	// Server-judged validation outcomes.
	KindLicenseNotActivated
	KindLicenseExpired
	KindLicenseSuspended
	KindLicenseTooManyMachines
	KindLicenseTooManyCores
	KindLicenseTooManyProcesses
	KindFingerprintMissing
	KindComponentsMissing
	KindComponentNotActivated
	KindHeartbeatRequired
	KindHeartbeatDead
	KindProductMissing
	KindLicenseKeyInvalid

	// Machines.
	KindMachineAlreadyActivated

	// Certificates.
	KindLicenseFileInvalid
	KindLicenseFileNotGenuine
	KindLicenseFileExpired
	KindMachineFileInvalid
	KindMachineFileNotGenuine
	KindMachineFileExpired
	// KindFileExpiryUnknown marks a genuine encrypted certificate whose
	// expiry cannot be read without the decryption secret.
	KindFileExpiryUnknown
)

var kindNames = map[Kind]string{
	KindUnknown:                 "unknown error",
	KindTransport:               "licensing service unreachable",
	KindInvalidArgument:         "invalid argument",
	KindAPI:                     "licensing service error",
	KindRateLimited:             "rate limited",
	KindNotFound:                "not found",
	KindTokenInvalid:            "token or license key is invalid",
	KindResponseNotGenuine:      "response signature is invalid",
	KindClockUnsynced:           "system clock is out of sync",
	KindPublicKey:               "public key is unusable",
	KindLicenseNotActivated:     "license is not activated for this machine",
	KindLicenseExpired:          "license is expired",
	KindLicenseSuspended:        "license is suspended",
	KindLicenseTooManyMachines:  "license has too many machines",
	KindLicenseTooManyCores:     "license has too many cores",
	KindLicenseTooManyProcesses: "license has too many processes",
	KindFingerprintMissing:      "fingerprint scope is required",
	KindComponentsMissing:       "components scope is required",
	KindComponentNotActivated:   "component is not activated",
	KindHeartbeatRequired:       "machine heartbeat is required",
	KindHeartbeatDead:           "machine heartbeat is dead",
	KindProductMissing:          "product scope is required",
	KindLicenseKeyInvalid:       "license key is invalid",
	KindMachineAlreadyActivated: "machine is already activated",
	KindLicenseFileInvalid:      "license file is invalid",
	KindLicenseFileNotGenuine:   "license file is not genuine",
	KindLicenseFileExpired:      "license file is expired",
	KindMachineFileInvalid:      "machine file is invalid",
	KindMachineFileNotGenuine:   "machine file is not genuine",
	KindMachineFileExpired:      "machine file is expired",
	KindFileExpiryUnknown:       "certificate expiry is unknown without the decryption secret",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is the single error type returned by the client. Match a category
// with errors.Is against the Err* values below; recover the License carried
// by a validation failure with errors.As.
type Error struct {
	Kind   Kind
	Code   string
	Detail string
	Status int
	// License is the license the service returned alongside a failed
	// validation, so callers can activate without another fetch.
	License *License
	Err     error
}

func (e *Error) Error() string {
	msg := "keygen: " + e.Kind.String()
	if e.Code != "" {
		msg += " (" + e.Code + ")"
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	} else if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Recoverable reports whether the caller can fix the condition by activating
// this machine with the carried license.
func (e *Error) Recoverable() bool {
	return e.Kind == KindLicenseNotActivated && e.License != nil
}

var (
	ErrTransport          = &Error{Kind: KindTransport}
	ErrInvalidArgument    = &Error{Kind: KindInvalidArgument}
	ErrAPI                = &Error{Kind: KindAPI}
	ErrRateLimited        = &Error{Kind: KindRateLimited}
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrTokenInvalid       = &Error{Kind: KindTokenInvalid}
	ErrResponseNotGenuine = &Error{Kind: KindResponseNotGenuine}
	ErrClockUnsynced      = &Error{Kind: KindClockUnsynced}
	ErrPublicKey          = &Error{Kind: KindPublicKey}

	ErrLicenseNotActivated     = &Error{Kind: KindLicenseNotActivated}
	ErrLicenseExpired          = &Error{Kind: KindLicenseExpired}
	ErrLicenseSuspended        = &Error{Kind: KindLicenseSuspended}
	ErrLicenseTooManyMachines  = &Error{Kind: KindLicenseTooManyMachines}
	ErrLicenseTooManyCores     = &Error{Kind: KindLicenseTooManyCores}
	ErrLicenseTooManyProcesses = &Error{Kind: KindLicenseTooManyProcesses}
	ErrFingerprintMissing      = &Error{Kind: KindFingerprintMissing}
	ErrComponentsMissing       = &Error{Kind: KindComponentsMissing}
	ErrComponentNotActivated   = &Error{Kind: KindComponentNotActivated}
	ErrHeartbeatRequired       = &Error{Kind: KindHeartbeatRequired}
	ErrHeartbeatDead           = &Error{Kind: KindHeartbeatDead}
	ErrProductMissing          = &Error{Kind: KindProductMissing}
	ErrLicenseKeyInvalid       = &Error{Kind: KindLicenseKeyInvalid}

	ErrMachineAlreadyActivated = &Error{Kind: KindMachineAlreadyActivated}

	ErrLicenseFileInvalid    = &Error{Kind: KindLicenseFileInvalid}
	ErrLicenseFileNotGenuine = &Error{Kind: KindLicenseFileNotGenuine}
	ErrLicenseFileExpired    = &Error{Kind: KindLicenseFileExpired}
	ErrMachineFileInvalid    = &Error{Kind: KindMachineFileInvalid}
	ErrMachineFileNotGenuine = &Error{Kind: KindMachineFileNotGenuine}
	ErrMachineFileExpired    = &Error{Kind: KindMachineFileExpired}
	ErrFileExpiryUnknown     = &Error{Kind: KindFileExpiryUnknown}
)

// ValidationKind maps a validation result code to its Kind. Unknown codes
// map to KindLicenseKeyInvalid.
func ValidationKind(code string) Kind {
	switch code {
	case "FINGERPRINT_SCOPE_MISMATCH", "NO_MACHINES", "NO_MACHINE":
		return KindLicenseNotActivated
	case "EXPIRED":
		return KindLicenseExpired
	case "SUSPENDED":
		return KindLicenseSuspended
	case "TOO_MANY_MACHINES":
		return KindLicenseTooManyMachines
	case "TOO_MANY_CORES":
		return KindLicenseTooManyCores
	case "TOO_MANY_PROCESSES":
		return KindLicenseTooManyProcesses
	case "FINGERPRINT_SCOPE_REQUIRED", "FINGERPRINT_SCOPE_EMPTY":
		return KindFingerprintMissing
	case "COMPONENTS_SCOPE_REQUIRED", "COMPONENTS_SCOPE_EMPTY":
		return KindComponentsMissing
	case "COMPONENTS_SCOPE_MISMATCH":
		return KindComponentNotActivated
	case "HEARTBEAT_NOT_STARTED":
		return KindHeartbeatRequired
	case "HEARTBEAT_DEAD":
		return KindHeartbeatDead
	case "PRODUCT_SCOPE_REQUIRED", "PRODUCT_SCOPE_EMPTY":
		return KindProductMissing
	default:
		return KindLicenseKeyInvalid
	}
}

type apiErrorObject struct {
	Title  string `json:"title"`
	Detail string `json:"detail"`
	Code   string `json:"code"`
}

type errorDocument struct {
	Errors []apiErrorObject `json:"errors"`
}

// apiErrorKind maps an API error code to its Kind.
func apiErrorKind(status int, code string) Kind {
	switch code {
	case "FINGERPRINT_TAKEN":
		return KindMachineAlreadyActivated
	case "MACHINE_LIMIT_EXCEEDED":
		return KindLicenseTooManyMachines
	case "MACHINE_CORE_LIMIT_EXCEEDED":
		return KindLicenseTooManyCores
	case "MACHINE_PROCESS_LIMIT_EXCEEDED":
		return KindLicenseTooManyProcesses
	case "MACHINE_HEARTBEAT_DEAD":
		return KindHeartbeatDead
	case "LICENSE_INVALID", "TOKEN_INVALID", "LICENSE_NOT_ALLOWED":
		return KindTokenInvalid
	case "LICENSE_EXPIRED":
		return KindLicenseExpired
	case "LICENSE_SUSPENDED":
		return KindLicenseSuspended
	case "NOT_FOUND":
		return KindNotFound
	}
	switch {
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status >= http.StatusInternalServerError:
		return KindTransport
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusUnauthorized:
		return KindTokenInvalid
	default:
		return KindAPI
	}
}

// errorFromResponse builds an *Error from a non-2xx response body.
func errorFromResponse(status int, body []byte) *Error {
	var doc errorDocument
	_ = json.Unmarshal(body, &doc)

	e := &Error{Status: status}
	if len(doc.Errors) > 0 {
		first := doc.Errors[0]
		e.Code = first.Code
		e.Detail = first.Detail
		if e.Detail == "" {
			e.Detail = first.Title
		}
	}
	if e.Detail == "" {
		e.Detail = http.StatusText(status)
	}
	e.Kind = apiErrorKind(status, e.Code)
	return e
}
