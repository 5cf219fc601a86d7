package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"keygen/internal/certificate"
	"keygen/internal/config"
	"keygen/internal/files"
	"keygen/internal/keygen"
	"keygen/internal/verifier"
)

// readInput reads a file path, or stdin for "-".
func readInput(cmd *cobra.Command, path string) (string, error) {
	if path == "-" {
		b, err := io.ReadAll(cmd.InOrStdin())
		return string(b), err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return string(b), nil
}

// certificateInput reads FILE when given. Otherwise it picks the most
// recently written certificate in the data directory.
func certificateInput(cmd *cobra.Command, cfg *config.Config, args []string) (string, error) {
	if len(args) == 1 {
		return readInput(cmd, args[0])
	}
	paths, err := cfg.ResolvePaths()
	if err != nil {
		return "", err
	}
	latest, err := files.NewDiscovery(paths.DataDir).FindLatest(".", "")
	if err != nil {
		return "", err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "using %s certificate %s\n", latest.Namespace, latest.Path)
	return readInput(cmd, latest.Path)
}

// offlineFile holds one parsed certificate of either kind.
type offlineFile struct {
	namespace string
	license   *keygen.LicenseFile
	machine   *keygen.MachineFile
}

func parseCertificate(text string) (*offlineFile, error) {
	namespace, _, err := certificate.Dearmor(text)
	if err != nil {
		return nil, err
	}
	f := &offlineFile{namespace: namespace}
	switch namespace {
	case certificate.LicenseNamespace:
		f.license, err = keygen.ParseLicenseFile(text)
	default:
		f.machine, err = keygen.ParseMachineFile(text)
	}
	return f, err
}

type datasetOutput struct {
	Kind         string     `json:"kind"`
	LicenseID    string     `json:"license_id,omitempty"`
	MachineID    string     `json:"machine_id,omitempty"`
	Fingerprint  string     `json:"fingerprint,omitempty"`
	Expiry       *time.Time `json:"license_expiry,omitempty"`
	Entitlements []string   `json:"entitlements"`
	Components   []string   `json:"components,omitempty"`
	Issued       time.Time  `json:"issued"`
	FileExpiry   time.Time  `json:"expiry"`
	TTL          string     `json:"ttl"`
	Expired      bool       `json:"expired"`
}

func datasetView(kind string, ds *keygen.Dataset, expired bool) datasetOutput {
	out := datasetOutput{
		Kind:         kind,
		Entitlements: ds.EntitlementCodes(),
		Issued:       ds.Issued,
		FileExpiry:   ds.Expiry,
		TTL:          ds.TTL.String(),
		Expired:      expired,
	}
	if out.Entitlements == nil {
		out.Entitlements = []string{}
	}
	if ds.License != nil {
		out.LicenseID = ds.License.ID
		out.Expiry = ds.License.Expiry
	}
	if ds.Machine != nil {
		out.MachineID = ds.Machine.ID
		out.Fingerprint = ds.Machine.Fingerprint
	}
	for _, comp := range ds.Components {
		out.Components = append(out.Components, comp.Fingerprint)
	}
	return out
}

func newVerifyCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "verify [FILE]",
		Short: "Verify a license or machine certificate offline",
		Long: `Verify that a certificate was signed by the account's public key. FILE may
be "-" for stdin and defaults to the newest certificate in the data directory.
No network access is needed.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.config()
			if err != nil {
				return err
			}
			text, err := certificateInput(cmd, cfg, args)
			if err != nil {
				return err
			}
			f, err := parseCertificate(text)
			if err != nil {
				return err
			}

			o := keygen.OfflineFromConfig(cfg.Service)
			if f.license != nil {
				err = f.license.Verify(o)
			} else {
				err = f.machine.Verify(o)
			}
			switch {
			case errors.Is(err, keygen.ErrFileExpiryUnknown):
				fmt.Fprintf(cmd.OutOrStdout(), "%s certificate is genuine; expiry is sealed, run decrypt to check it\n", f.namespace)
				return nil
			case err != nil:
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s certificate is genuine\n", f.namespace)
			return nil
		},
	}
}

func newDecryptCmd(c *cli) *cobra.Command {
	var fingerprint string
	cmd := &cobra.Command{
		Use:   "decrypt [FILE]",
		Short: "Verify and decrypt a certificate offline",
		Long: `Decrypt a certificate with the license key. Machine certificates are keyed
by the license key and this machine's fingerprint, or --fingerprint. FILE
defaults to the newest certificate in the data directory.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.config()
			if err != nil {
				return err
			}
			key := cfg.Service.LicenseKey
			if key == "" {
				return fmt.Errorf("a license key is required to decrypt")
			}
			text, err := certificateInput(cmd, cfg, args)
			if err != nil {
				return err
			}
			namespace, _, err := certificate.Dearmor(text)
			if err != nil {
				return err
			}

			o := keygen.OfflineFromConfig(cfg.Service)
			var ds *keygen.Dataset
			if namespace == certificate.LicenseNamespace {
				_, ds, err = keygen.LicenseFileFromCertificate(o, verifier.LicenseSecret(key), text)
			} else {
				if fingerprint == "" {
					logger, lerr := c.log(cfg)
					if lerr != nil {
						return lerr
					}
					fp, ferr := c.fingerprintSource(logger).GenerateFingerprint()
					if ferr != nil {
						return ferr
					}
					fingerprint = fp.Fingerprint
				}
				_, ds, err = keygen.MachineFileFromCertificate(o, verifier.MachineSecret(key, fingerprint), text)
			}
			if ds == nil {
				return err
			}
			// An expired certificate still decrypts; report it and fail after printing.
			if perr := printJSON(cmd.OutOrStdout(), datasetView(namespace, ds, err != nil)); perr != nil {
				return perr
			}
			return err
		},
	}
	cmd.Flags().StringVar(&fingerprint, "fingerprint", "", "machine fingerprint (defaults to this machine)")
	return cmd
}

func newVerifyKeyCmd(c *cli) *cobra.Command {
	var scheme string
	cmd := &cobra.Command{
		Use:   "verify-key [KEY]",
		Short: "Verify a cryptographically signed license key offline",
		Long: `Verify a signed license key against the account's public key and print its
embedded payload. KEY defaults to the configured license key.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.config()
			if err != nil {
				return err
			}
			key := cfg.Service.LicenseKey
			if len(args) == 1 {
				key = args[0]
			}
			if !cmd.Flags().Changed("scheme") && cfg.Service.KeyScheme != "" {
				scheme = cfg.Service.KeyScheme
			}
			payload, err := keygen.OfflineFromConfig(cfg.Service).VerifyKey(verifier.Scheme(scheme), key)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(payload))
			return err
		},
	}
	cmd.Flags().StringVar(&scheme, "scheme", string(verifier.SchemeEd25519Sign), "signing scheme of the key (defaults to service.key_scheme)")
	return cmd
}
