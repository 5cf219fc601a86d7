package files

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"keygen/internal/config"
	"keygen/internal/infrastructure"
	"keygen/internal/security"
)

// ErrNotFound is returned when a state file has not been written yet.
var ErrNotFound = errors.New("state file not found")

// Kind names one of the persisted state files.
type Kind string

const (
	KindLicenseFile Kind = "license_file"
	KindMachineFile Kind = "machine_file"
	KindKey         Kind = "key"
)

// Store reads and writes persisted client state
type Store struct {
	paths      *config.Paths
	logger     *slog.Logger
	encryption security.EncryptionConfig
}

// Option configures a Store
type Option func(*Store)

// WithLogger sets the store logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = infrastructure.WithComponent(logger, "files") }
}

// WithEncryption overrides the scrypt parameters used to seal the key.
func WithEncryption(cfg security.EncryptionConfig) Option {
	return func(s *Store) { s.encryption = cfg }
}

// NewStore creates a new store over paths
func NewStore(paths *config.Paths, opts ...Option) *Store {
	s := &Store{
		paths:      paths,
		logger:     infrastructure.WithComponent(nil, "files"),
		encryption: security.DefaultEncryptionConfig(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Paths returns the resolved locations
func (s *Store) Paths() *config.Paths {
	return s.paths
}

// Path returns where kind is stored
func (s *Store) Path(kind Kind) string {
	switch kind {
	case KindLicenseFile:
		return s.paths.LicenseFile
	case KindMachineFile:
		return s.paths.MachineFile
	default:
		return s.paths.KeyFile
	}
}

// SaveLicenseFile persists an armored license file
func (s *Store) SaveLicenseFile(text string) error {
	return s.write(KindLicenseFile, []byte(text))
}

// LoadLicenseFile reads the persisted license file
func (s *Store) LoadLicenseFile() (string, error) {
	data, err := s.read(KindLicenseFile)
	return string(data), err
}

// SaveMachineFile persists an armored machine file
func (s *Store) SaveMachineFile(text string) error {
	return s.write(KindMachineFile, []byte(text))
}

// LoadMachineFile reads the persisted machine file
func (s *Store) LoadMachineFile() (string, error) {
	data, err := s.read(KindMachineFile)
	return string(data), err
}

// SaveKey seals key under passphrase and persists it.
func (s *Store) SaveKey(key, passphrase string) error {
	if strings.TrimSpace(key) == "" {
		return errors.New("license key is empty")
	}
	sealed, err := security.Seal([]byte(key), []byte(passphrase), s.encryption)
	if err != nil {
		return fmt.Errorf("failed to seal license key: %w", err)
	}
	return s.write(KindKey, sealed)
}

// LoadKey opens the persisted key with passphrase. A key sealed on another
// machine fails with security.ErrSealedDataInvalid.
func (s *Store) LoadKey(passphrase string) (string, error) {
	sealed, err := s.read(KindKey)
	if err != nil {
		return "", err
	}
	key, err := security.Open(sealed, []byte(passphrase))
	if err != nil {
		return "", err
	}
	return string(key), nil
}

// Remove deletes one state file. Removing a missing file is not an error.
func (s *Store) Remove(kind Kind) error {
	path := s.Path(kind)
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", kind, err)
	}
	s.logger.Debug("state file removed", slog.String("kind", string(kind)), slog.String("path", path))
	return nil
}

// Clear deletes every state file.
func (s *Store) Clear() error {
	var errs []error
	for _, kind := range []Kind{KindLicenseFile, KindMachineFile, KindKey} {
		errs = append(errs, s.Remove(kind))
	}
	return errors.Join(errs...)
}

// Exists reports whether kind has been persisted
func (s *Store) Exists(kind Kind) bool {
	return config.FileExists(s.Path(kind))
}

func (s *Store) read(kind Kind) ([]byte, error) {
	path := s.Path(kind)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", kind, err)
	}

	s.logger.Debug("state file read",
		slog.String("kind", string(kind)),
		slog.String("path", path),
		slog.Int("size_bytes", len(data)))
	return data, nil
}

// write replaces the file at kind's path atomically.
func (s *Store) write(kind Kind, data []byte) error {
	path := s.Path(kind)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", kind, err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to chmod %s: %w", kind, err)
	}
	// Sync to ensure write is complete
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync %s: %w", kind, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", kind, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", kind, err)
	}

	s.logger.Info("state file written",
		slog.String("kind", string(kind)),
		slog.String("path", path),
		slog.Int("size_bytes", len(data)))
	return nil
}
