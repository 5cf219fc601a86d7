package security

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"
)

// DeviceFingerprint identifies this machine and its hardware components.
type DeviceFingerprint struct {
	Fingerprint string            `json:"fingerprint"`
	Hostname    string            `json:"hostname"`
	Platform    string            `json:"platform"`
	Cores       int               `json:"cores"`
	Components  map[string]string `json:"components"`
}

// ComponentFingerprints returns component fingerprints in a stable order.
func (d *DeviceFingerprint) ComponentFingerprints() []string {
	names := make([]string, 0, len(d.Components))
	for name := range d.Components {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]string, 0, len(names))
	for _, name := range names {
		out = append(out, d.Components[name])
	}
	return out
}

// Scope returns the fingerprint followed by component fingerprints.
func (d *DeviceFingerprint) Scope() []string {
	return append([]string{d.Fingerprint}, d.ComponentFingerprints()...)
}

// FingerprintManager derives and caches the device fingerprint. Sources are
// overridable for tests.
type FingerprintManager struct {
	mu    sync.Mutex
	cache *DeviceFingerprint

	machineID func() (string, error)
	hostname  func() (string, error)
	macs      func() ([]string, error)
	cpu       func() string
	logger    *slog.Logger
}

// NewFingerprintManager returns a manager reading from the operating system.
func NewFingerprintManager(logger *slog.Logger) *FingerprintManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &FingerprintManager{
		machineID: readMachineID,
		hostname:  os.Hostname,
		macs:      hardwareAddrs,
		cpu:       cpuModel,
		logger:    logger,
	}
}

// GenerateFingerprint returns the cached fingerprint or derives it.
//
// The primary fingerprint is SHA-256 over the OS machine id when one exists,
// otherwise over hostname, MAC addresses and platform. Components are hashed
// individually so a replaced NIC does not change the primary fingerprint.
func (fm *FingerprintManager) GenerateFingerprint() (*DeviceFingerprint, error) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	if fm.cache != nil {
		cp := *fm.cache
		return &cp, nil
	}

	host, err := fm.hostname()
	if err != nil {
		host = "unknown-host"
	}
	host = strings.ToLower(strings.TrimSpace(host))

	macs, err := fm.macs()
	if err != nil {
		fm.logger.Warn("failed to read network interfaces", slog.String("error", err.Error()))
	}

	platform := runtime.GOOS + "/" + runtime.GOARCH
	var source string
	if id, err := fm.machineID(); err == nil && id != "" {
		source = "machine-id:" + id
	} else {
		source = strings.Join(append([]string{host, platform}, macs...), "|")
	}

	components := map[string]string{"cpu": hash("cpu:" + fm.cpu())}
	if len(macs) > 0 {
		components["nic"] = hash("nic:" + macs[0])
	}

	fp := &DeviceFingerprint{
		Fingerprint: hash(source),
		Hostname:    host,
		Platform:    platform,
		Cores:       runtime.NumCPU(),
		Components:  components,
	}
	fm.cache = fp

	fm.logger.Debug("device fingerprint generated",
		slog.String("fingerprint", fp.Fingerprint),
		slog.Int("components", len(components)))

	cp := *fp
	return &cp, nil
}

// ClearCache forces the next call to re-derive the fingerprint.
func (fm *FingerprintManager) ClearCache() {
	fm.mu.Lock()
	fm.cache = nil
	fm.mu.Unlock()
}

func hash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func readMachineID() (string, error) {
	for _, path := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
		data, err := os.ReadFile(path)
		if err == nil {
			if id := strings.TrimSpace(string(data)); id != "" {
				return id, nil
			}
		}
	}
	return "", errors.New("machine id not available")
}

func hardwareAddrs() ([]string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("failed to get network interfaces: %w", err)
	}
	var out []string
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) == 0 {
			continue
		}
		if mac := iface.HardwareAddr.String(); mac != "00:00:00:00:00:00" {
			out = append(out, mac)
		}
	}
	sort.Strings(out)
	return out, nil
}

func cpuModel() string {
	if runtime.GOOS == "linux" {
		if data, err := os.ReadFile("/proc/cpuinfo"); err == nil {
			for _, line := range strings.Split(string(data), "\n") {
				if strings.HasPrefix(line, "model name") {
					if _, v, ok := strings.Cut(line, ":"); ok {
						return strings.TrimSpace(v)
					}
				}
			}
		}
	}
	return runtime.GOARCH
}
