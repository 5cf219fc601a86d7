package config

import "time"

const (
	AppName    = "keygen"
	AppVersion = "1.0.0"

	// EnvPrefix namespaces every environment variable, e.g. KEYGEN_SERVICE_ACCOUNT.
	EnvPrefix = "KEYGEN"

	DefaultAPIURL     = "https://api.keygen.sh"
	DefaultAPIVersion = "1.7"
	DefaultAPIPrefix  = "v1"

	LicenseFileName = "license.lic"
	MachineFileName = "machine.lic"
	KeyFileName     = "key"

	// Checkout TTL bounds enforced before a request is sent.
	MinCheckoutTTL = time.Hour
	MaxCheckoutTTL = 365 * 24 * time.Hour
)
