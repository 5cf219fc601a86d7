package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// Config represents the complete client configuration
type Config struct {
	Service   ServiceConfig   `yaml:"service" envconfig:"SERVICE"`
	HTTP      HTTPConfig      `yaml:"http" envconfig:"HTTP"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat" envconfig:"HEARTBEAT"`
	Checkout  CheckoutConfig  `yaml:"checkout" envconfig:"CHECKOUT"`
	Paths     PathsConfig     `yaml:"paths" envconfig:"PATHS"`
	Agent     AgentConfig     `yaml:"agent" envconfig:"AGENT"`
	Logging   LoggingConfig   `yaml:"logging" envconfig:"LOGGING"`
	Telemetry TelemetryConfig `yaml:"telemetry" envconfig:"TELEMETRY"`
}

// ServiceConfig identifies the licensing account and how to talk to it
type ServiceConfig struct {
	APIURL          string        `yaml:"api_url" envconfig:"API_URL" validate:"required,url"`
	APIVersion      string        `yaml:"api_version" envconfig:"API_VERSION" validate:"required"`
	APIPrefix       string        `yaml:"api_prefix" envconfig:"API_PREFIX" validate:"required"`
	Account         string        `yaml:"account" envconfig:"ACCOUNT" validate:"required"`
	Product         string        `yaml:"product" envconfig:"PRODUCT"`
	Environment     string        `yaml:"environment" envconfig:"ENVIRONMENT"`
	LicenseKey      string        `yaml:"license_key" envconfig:"LICENSE_KEY"`
	Token           string        `yaml:"token" envconfig:"TOKEN"`
	PublicKey       string        `yaml:"public_key" envconfig:"PUBLIC_KEY"`
	KeyScheme       string        `yaml:"key_scheme" envconfig:"KEY_SCHEME"`
	Platform        string        `yaml:"platform" envconfig:"PLATFORM"`
	UserAgent       string        `yaml:"user_agent" envconfig:"USER_AGENT"`
	MaxClockDrift   time.Duration `yaml:"max_clock_drift" envconfig:"MAX_CLOCK_DRIFT" validate:"gte=0"`
	VerifyResponses bool          `yaml:"verify_responses" envconfig:"VERIFY_RESPONSES"`
}

// HTTPConfig tunes the outbound client
type HTTPConfig struct {
	Timeout    time.Duration `yaml:"timeout" envconfig:"TIMEOUT" validate:"gt=0"`
	RPS        float64       `yaml:"rps" envconfig:"RPS" validate:"gte=0"`
	Burst      int           `yaml:"burst" envconfig:"BURST" validate:"gte=0"`
	PinnedKeys []string      `yaml:"pinned_keys" envconfig:"PINNED_KEYS"`
}

// HeartbeatConfig controls the ping interval derived from the machine policy
type HeartbeatConfig struct {
	Margin   time.Duration `yaml:"margin" envconfig:"MARGIN" validate:"gte=0"`
	Interval time.Duration `yaml:"interval" envconfig:"INTERVAL" validate:"gte=0"`
}

// CheckoutConfig holds defaults for certificate checkout
type CheckoutConfig struct {
	TTL     time.Duration `yaml:"ttl" envconfig:"TTL" validate:"gte=0"`
	Include []string      `yaml:"include" envconfig:"INCLUDE"`
}

// PathsConfig names where certificates and the key are persisted
type PathsConfig struct {
	DataDir     string `yaml:"data_dir" envconfig:"DATA_DIR"`
	LicenseFile string `yaml:"license_file" envconfig:"LICENSE_FILE" validate:"required"`
	MachineFile string `yaml:"machine_file" envconfig:"MACHINE_FILE" validate:"required"`
	KeyFile     string `yaml:"key_file" envconfig:"KEY_FILE" validate:"required"`
}

// AgentConfig contains the local agent server configuration
type AgentConfig struct {
	Address          string        `yaml:"address" envconfig:"ADDRESS" validate:"required"`
	ReadTimeout      time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT" validate:"gt=0"`
	WriteTimeout     time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT" validate:"gt=0"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT" validate:"gt=0"`
	CacheTTL         time.Duration `yaml:"cache_ttl" envconfig:"CACHE_TTL" validate:"gte=0"`
	RPS              float64       `yaml:"rps" envconfig:"RPS" validate:"gte=0"`
	Burst            int           `yaml:"burst" envconfig:"BURST" validate:"gte=0"`
	DeactivateOnExit bool          `yaml:"deactivate_on_exit" envconfig:"DEACTIVATE_ON_EXIT"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL" validate:"oneof=debug info warn error"`
	Output   string `yaml:"output" envconfig:"OUTPUT" validate:"oneof=console file both"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH"`
}

// TelemetryConfig switches tracing and metrics
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled" envconfig:"ENABLED"`
	ServiceName string `yaml:"service_name" envconfig:"SERVICE_NAME"`
	TraceStdout bool   `yaml:"trace_stdout" envconfig:"TRACE_STDOUT"`
}

var validate = validator.New()

// Load builds configuration from defaults, then the YAML file at path (or a
// discovered one when path is empty), then KEYGEN_* environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = getConfigFilePath()
	}
	if path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// loadFromFile overlays the YAML file onto cfg
func loadFromFile(filePath string, cfg *Config) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// Validate checks struct constraints and the cross-field rules
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.Service.VerifyResponses && strings.TrimSpace(c.Service.PublicKey) == "" {
		return fmt.Errorf("service.verify_responses requires service.public_key")
	}
	if c.Checkout.TTL != 0 && (c.Checkout.TTL < MinCheckoutTTL || c.Checkout.TTL > MaxCheckoutTTL) {
		return fmt.Errorf("checkout.ttl must be between %s and %s", MinCheckoutTTL, MaxCheckoutTTL)
	}
	return nil
}

// Clone returns a deep copy
func (c *Config) Clone() *Config {
	out := *c
	out.HTTP.PinnedKeys = append([]string(nil), c.HTTP.PinnedKeys...)
	out.Checkout.Include = append([]string(nil), c.Checkout.Include...)
	return &out
}

// getConfigFilePath returns the path to the config file
func getConfigFilePath() string {
	if p := os.Getenv(EnvPrefix + "_CONFIG"); p != "" {
		return p
	}
	locations := []string{
		"keygen.yaml",
		"configs/keygen.yaml",
	}
	for _, location := range locations {
		if _, err := os.Stat(location); err == nil {
			return location
		}
	}
	return ""
}

// Default returns default configuration
func Default() *Config {
	return &Config{
		Service: ServiceConfig{
			APIURL:        DefaultAPIURL,
			APIVersion:    DefaultAPIVersion,
			APIPrefix:     DefaultAPIPrefix,
			KeyScheme:     "ED25519_SIGN",
			UserAgent:     AppName + "/" + AppVersion,
			MaxClockDrift: 5 * time.Minute,
		},
		HTTP: HTTPConfig{
			Timeout: 30 * time.Second,
			RPS:     10,
			Burst:   5,
		},
		Heartbeat: HeartbeatConfig{
			Margin: time.Minute,
		},
		Checkout: CheckoutConfig{
			Include: []string{"entitlements"},
		},
		Paths: PathsConfig{
			LicenseFile: LicenseFileName,
			MachineFile: MachineFileName,
			KeyFile:     KeyFileName,
		},
		Agent: AgentConfig{
			Address:         "127.0.0.1:7777",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			CacheTTL:        5 * time.Minute,
			RPS:             20,
			Burst:           10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "console",
		},
		Telemetry: TelemetryConfig{
			ServiceName: AppName,
		},
	}
}
