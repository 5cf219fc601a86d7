package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"keygen/internal/infrastructure"
	"keygen/internal/keygen"
	"keygen/internal/license"
)

type snapshotOutput struct {
	LicenseID         string              `json:"license_id"`
	Key               string              `json:"key"`
	Status            string              `json:"status"`
	Expiry            *time.Time          `json:"expiry,omitempty"`
	MachineID         string              `json:"machine_id,omitempty"`
	Fingerprint       string              `json:"fingerprint,omitempty"`
	Entitlements      []string            `json:"entitlements"`
	Source            license.Source      `json:"source"`
	CertificateExpiry *time.Time          `json:"certificate_expiry,omitempty"`
	Renewal           license.RenewalInfo `json:"renewal"`
}

func snapshotView(s *license.Snapshot) snapshotOutput {
	out := snapshotOutput{
		LicenseID:    s.License.ID,
		Key:          infrastructure.MaskSecret(s.License.Key),
		Status:       s.License.Status,
		Expiry:       s.License.Expiry,
		Entitlements: s.Entitlements,
		Source:       s.Source,
		Renewal:      s.Renewal(time.Now()),
	}
	if out.Entitlements == nil {
		out.Entitlements = []string{}
	}
	if s.Machine != nil {
		out.MachineID = s.Machine.ID
		out.Fingerprint = s.Machine.Fingerprint
	}
	if !s.CertificateExpiry.IsZero() {
		exp := s.CertificateExpiry
		out.CertificateExpiry = &exp
	}
	return out
}

func newValidateCmd(c *cli) *cobra.Command {
	var refresh bool
	cmd := &cobra.Command{
		Use:   "validate [ENTITLEMENT...]",
		Short: "Validate the license for this machine",
		Long: `Validate the configured license key scoped to this machine's fingerprint.
Valid machine certificates on disk are used when the service is unreachable.
Every ENTITLEMENT given must be granted for validation to succeed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := c.session()
			if err != nil {
				return err
			}
			defer s.Close()

			if refresh {
				if _, err := s.manager.Refresh(cmd.Context()); err != nil {
					return err
				}
			}
			snap, err := s.manager.Validate(cmd.Context(), args)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), snapshotView(snap))
		},
	}
	cmd.Flags().BoolVar(&refresh, "refresh", false, "always validate online first")
	return cmd
}

func newActivateCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "activate",
		Short: "Activate this machine and store the license key",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := c.session()
			if err != nil {
				return err
			}
			defer s.Close()

			snap, err := s.manager.Activate(cmd.Context(), s.cfg.Service.LicenseKey)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), snapshotView(snap))
		},
	}
}

func newDeactivateCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "deactivate",
		Short: "Release this machine and remove its stored certificates",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := c.session()
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.manager.Deactivate(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "machine deactivated")
			return nil
		},
	}
}

func newCheckoutCmd(c *cli) *cobra.Command {
	var (
		ttl     time.Duration
		include []string
		output  string
	)
	cmd := &cobra.Command{
		Use:       "checkout {license|machine}",
		Short:     "Check out a signed certificate",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"license", "machine"},
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := keygen.ValidateTTL(ttl); err != nil {
				return err
			}
			s, err := c.session()
			if err != nil {
				return err
			}
			defer s.Close()

			cert, err := checkout(cmd.Context(), s, args[0], keygen.CheckoutOptions{TTL: ttl, Include: include})
			if err != nil {
				return err
			}
			if output == "" || output == "-" {
				_, err = fmt.Fprint(cmd.OutOrStdout(), cert)
				return err
			}
			if err := os.WriteFile(output, []byte(cert), 0o600); err != nil {
				return fmt.Errorf("failed to write certificate: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "certificate written to %s\n", output)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "certificate lifetime (0 uses the configured default)")
	cmd.Flags().StringSliceVar(&include, "include", nil, "relationships to embed in the certificate")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write the certificate to a file instead of stdout")
	return cmd
}

func checkout(ctx context.Context, s *session, kind string, opts keygen.CheckoutOptions) (string, error) {
	snap, err := s.manager.Ensure(ctx)
	if err != nil {
		return "", err
	}
	switch kind {
	case "license":
		lf, err := s.client.CheckoutLicense(ctx, snap.License, opts)
		if err != nil {
			return "", err
		}
		return lf.Certificate, nil
	default:
		if snap.Machine == nil {
			return "", license.ErrNoMachine
		}
		mf, err := s.client.CheckoutMachine(ctx, snap.Machine, opts)
		if err != nil {
			return "", err
		}
		return mf.Certificate, nil
	}
}

func newHeartbeatCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "heartbeat",
		Short: "Keep this machine alive until interrupted",
		Long: `Validate, then ping the service on the machine's heartbeat interval until
interrupted or until a ping fails.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := c.session()
			if err != nil {
				return err
			}
			defer s.Close()

			ctx := cmd.Context()
			if _, err := s.manager.Ensure(ctx); err != nil {
				return err
			}
			mon, err := s.manager.StartHeartbeat(ctx, nil)
			if err != nil {
				return err
			}
			defer s.manager.StopHeartbeat()

			fmt.Fprintln(cmd.OutOrStdout(), "heartbeat started")
			select {
			case <-ctx.Done():
				return nil
			case <-mon.Done():
				if err := mon.Err(); err != nil && !errors.Is(err, context.Canceled) {
					return fmt.Errorf("heartbeat stopped: %w", err)
				}
				return nil
			}
		},
	}
}

func newFingerprintCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "fingerprint",
		Short: "Print this machine's fingerprint",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := c.config()
			if err != nil {
				return err
			}
			logger, err := c.log(cfg)
			if err != nil {
				return err
			}
			fp, err := c.fingerprintSource(logger).GenerateFingerprint()
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), fp)
		},
	}
}
