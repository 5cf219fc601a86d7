package testutil

import "keygen/internal/security"

// StaticFingerprint always reports the same device.
type StaticFingerprint struct {
	Device *security.DeviceFingerprint
}

// NewStaticFingerprint returns a device with fingerprint fp and one component.
func NewStaticFingerprint(fp string) *StaticFingerprint {
	return &StaticFingerprint{Device: &security.DeviceFingerprint{
		Fingerprint: fp,
		Hostname:    "build-host",
		Platform:    "linux/amd64",
		Cores:       8,
		Components:  map[string]string{"cpu": fp + "-cpu"},
	}}
}

func (s *StaticFingerprint) GenerateFingerprint() (*security.DeviceFingerprint, error) {
	d := *s.Device
	return &d, nil
}
