// Command keygen validates, activates and checks out licenses for this
// machine, verifies certificates offline, and runs the local license agent.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"keygen/internal/config"
	"keygen/internal/files"
	"keygen/internal/infrastructure"
	"keygen/internal/keygen"
	"keygen/internal/license"
	"keygen/internal/security"
)

// cli carries the global flags and the seams tests replace.
type cli struct {
	configPath string
	licenseKey string
	debug      bool

	loadConfig   func(path string) (*config.Config, error)
	logger       *slog.Logger
	fingerprints license.FingerprintSource
}

func newRootCmd(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:           "keygen",
		Short:         "License validation and offline certificates",
		Version:       config.AppVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "config file path")
	root.PersistentFlags().StringVarP(&c.licenseKey, "key", "k", "", "license key (overrides config)")
	root.PersistentFlags().BoolVarP(&c.debug, "debug", "d", false, "enable debug logging")

	root.AddCommand(
		newValidateCmd(c),
		newActivateCmd(c),
		newDeactivateCmd(c),
		newCheckoutCmd(c),
		newHeartbeatCmd(c),
		newFingerprintCmd(c),
		newVerifyCmd(c),
		newDecryptCmd(c),
		newVerifyKeyCmd(c),
		newAgentCmd(c),
	)
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCmd(&cli{loadConfig: config.Load})
	err := root.ExecuteContext(ctx)
	_ = infrastructure.CloseLogFile()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// config loads configuration and applies the global flags.
func (c *cli) config() (*config.Config, error) {
	cfg, err := c.loadConfig(c.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if c.licenseKey != "" {
		cfg.Service.LicenseKey = c.licenseKey
	}
	if c.debug {
		cfg.Logging.Level = "debug"
	}
	return cfg, nil
}

func (c *cli) log(cfg *config.Config) (*slog.Logger, error) {
	if c.logger != nil {
		return c.logger, nil
	}
	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, nil
}

func (c *cli) fingerprintSource(logger *slog.Logger) license.FingerprintSource {
	if c.fingerprints != nil {
		return c.fingerprints
	}
	return security.NewFingerprintManager(logger)
}

// session is the online toolset most subcommands share.
type session struct {
	cfg     *config.Config
	logger  *slog.Logger
	client  *keygen.Client
	files   *files.Store
	manager *license.Manager
}

func (c *cli) session() (*session, error) {
	cfg, err := c.config()
	if err != nil {
		return nil, err
	}
	logger, err := c.log(cfg)
	if err != nil {
		return nil, err
	}

	store := config.NewStore(cfg)
	client, err := keygen.New(store, keygen.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	paths, err := cfg.ResolvePaths()
	if err != nil {
		return nil, err
	}
	if err := paths.EnsureDirectories(); err != nil {
		return nil, err
	}
	fs := files.NewStore(paths, files.WithLogger(logger))

	mgr, err := license.NewManager(store, client, fs, c.fingerprintSource(logger), license.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	return &session{cfg: cfg, logger: logger, client: client, files: fs, manager: mgr}, nil
}

func (s *session) Close() {
	s.manager.Close()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
