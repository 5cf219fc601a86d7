package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// Paths contains the resolved locations of persisted client state
type Paths struct {
	DataDir     string
	LicenseFile string
	MachineFile string
	KeyFile     string
	LogsDir     string
}

// ResolvePaths resolves the configured file names against the data
// directory. An empty data directory falls back to the user config dir.
func (c *Config) ResolvePaths() (*Paths, error) {
	dataDir := c.Paths.DataDir
	if dataDir == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve user config dir: %w", err)
		}
		dataDir = filepath.Join(base, AppName)
		if c.Service.Account != "" {
			dataDir = filepath.Join(dataDir, c.Service.Account)
		}
	}
	dataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data dir: %w", err)
	}

	return &Paths{
		DataDir:     dataDir,
		LicenseFile: join(dataDir, c.Paths.LicenseFile),
		MachineFile: join(dataDir, c.Paths.MachineFile),
		KeyFile:     join(dataDir, c.Paths.KeyFile),
		LogsDir:     filepath.Join(dataDir, "logs"),
	}, nil
}

func join(dir, name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(dir, name)
}

// EnsureDirectories creates the data and logs directories
func (p *Paths) EnsureDirectories() error {
	for _, dir := range []string{p.DataDir, p.LogsDir} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// LogPathResolution logs where state is read from and written to
func (p *Paths) LogPathResolution(logger *slog.Logger) {
	logger.Debug("path resolution",
		slog.String("data_dir", p.DataDir),
		slog.Group("files",
			slog.String("license", p.LicenseFile),
			slog.String("machine", p.MachineFile),
			slog.String("key", p.KeyFile),
		),
	)
}

// FileExists checks if a file exists
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
