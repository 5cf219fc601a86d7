package keygen

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"keygen/internal/certificate"
	"keygen/internal/config"
	"keygen/internal/verifier"
)

// Offline holds what is needed to check certificates and signed keys without
// any network access.
type Offline struct {
	PublicKey string
	// MaxClockDrift bounds how far in the future a certificate may claim to
	// have been issued before the local clock is considered wrong.
	MaxClockDrift time.Duration
	Now           func() time.Time
}

// OfflineFromConfig returns an Offline for the configured account key.
func OfflineFromConfig(svc config.ServiceConfig) Offline {
	return Offline{PublicKey: svc.PublicKey, MaxClockDrift: svc.MaxClockDrift}
}

func (o Offline) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// VerifyKey verifies a signed license key under scheme and returns the
// embedded payload.
func (o Offline) VerifyKey(scheme verifier.Scheme, key string) ([]byte, error) {
	pub, err := verifier.ParsePublicKey(scheme, o.PublicKey)
	if err != nil {
		return nil, keyError(err)
	}
	payload, err := verifier.VerifyKey(scheme, pub, key)
	if err != nil {
		return nil, keyError(err)
	}
	return payload, nil
}

func keyError(err error) *Error {
	switch {
	case errors.Is(err, verifier.ErrSchemeMissing), errors.Is(err, verifier.ErrSchemeUnsupported):
		return &Error{Kind: KindInvalidArgument, Err: err}
	case errors.Is(err, verifier.ErrPublicKeyMissing), errors.Is(err, verifier.ErrPublicKeyInvalid):
		return &Error{Kind: KindPublicKey, Err: err}
	default:
		return &Error{Kind: KindLicenseKeyInvalid, Err: err}
	}
}

type fileKinds struct {
	namespace  string
	invalid    Kind
	notGenuine Kind
	expired    Kind
}

var (
	licenseFileKinds = fileKinds{
		namespace:  certificate.LicenseNamespace,
		invalid:    KindLicenseFileInvalid,
		notGenuine: KindLicenseFileNotGenuine,
		expired:    KindLicenseFileExpired,
	}
	machineFileKinds = fileKinds{
		namespace:  certificate.MachineNamespace,
		invalid:    KindMachineFileInvalid,
		notGenuine: KindMachineFileNotGenuine,
		expired:    KindMachineFileExpired,
	}
)

// LicenseFile is a checked-out license certificate. Certificate is the
// canonical armored text to persist.
type LicenseFile struct {
	ID          string
	Certificate string
	Issued      time.Time
	Expiry      time.Time
	TTL         time.Duration
	LicenseID   string
}

// MachineFile is a checked-out machine certificate.
type MachineFile struct {
	ID          string
	Certificate string
	Issued      time.Time
	Expiry      time.Time
	TTL         time.Duration
	MachineID   string
}

// ParseLicenseFile wraps stored certificate text. Only the armor is checked;
// Issued and Expiry stay unknown until the file is decrypted.
func ParseLicenseFile(text string) (*LicenseFile, error) {
	if err := checkArmor(licenseFileKinds, text); err != nil {
		return nil, err
	}
	return &LicenseFile{Certificate: text}, nil
}

// ParseMachineFile wraps stored certificate text.
func ParseMachineFile(text string) (*MachineFile, error) {
	if err := checkArmor(machineFileKinds, text); err != nil {
		return nil, err
	}
	return &MachineFile{Certificate: text}, nil
}

// Verify proves the certificate was signed by the account key, then checks
// its expiry. The expiry is checked even for a genuine certificate. It comes
// from an earlier Decrypt or, for unencrypted certificates, from the sealed
// dataset. A genuine encrypted certificate that was never decrypted returns
// ErrFileExpiryUnknown.
func (f *LicenseFile) Verify(o Offline) error {
	meta, err := verifyExpiry(o, licenseFileKinds, f.Certificate, f.Expiry)
	if meta != nil {
		f.Issued, f.Expiry, f.TTL = meta.times()
	}
	return err
}

// Verify proves the certificate was signed by the account key, then checks
// its expiry like LicenseFile.Verify.
func (f *MachineFile) Verify(o Offline) error {
	meta, err := verifyExpiry(o, machineFileKinds, f.Certificate, f.Expiry)
	if meta != nil {
		f.Issued, f.Expiry, f.TTL = meta.times()
	}
	return err
}

// Decrypt verifies and decrypts the certificate with the license key. When
// the sealed data has expired the dataset is returned together with
// ErrLicenseFileExpired.
func (f *LicenseFile) Decrypt(o Offline, secret string) (*Dataset, error) {
	ds, err := decryptFile(o, licenseFileKinds, f.Certificate, secret)
	if ds != nil {
		f.fill(ds)
	}
	return ds, err
}

// Decrypt verifies and decrypts the certificate with the machine secret
// (license key followed by fingerprint). When the sealed data has expired
// the dataset is returned together with ErrMachineFileExpired.
func (f *MachineFile) Decrypt(o Offline, secret string) (*Dataset, error) {
	ds, err := decryptFile(o, machineFileKinds, f.Certificate, secret)
	if ds != nil {
		f.fill(ds)
	}
	return ds, err
}

func (f *LicenseFile) fill(ds *Dataset) {
	f.Issued, f.Expiry, f.TTL = ds.Issued, ds.Expiry, ds.TTL
	if f.LicenseID == "" && ds.License != nil {
		f.LicenseID = ds.License.ID
	}
}

func (f *MachineFile) fill(ds *Dataset) {
	f.Issued, f.Expiry, f.TTL = ds.Issued, ds.Expiry, ds.TTL
	if f.MachineID == "" && ds.Machine != nil {
		f.MachineID = ds.Machine.ID
	}
}

// LicenseFileFromCertificate rebuilds a license file from stored text. The
// file is returned whenever decryption succeeded, even if it has expired.
func LicenseFileFromCertificate(o Offline, secret, text string) (*LicenseFile, *Dataset, error) {
	f, err := ParseLicenseFile(text)
	if err != nil {
		return nil, nil, err
	}
	ds, err := f.Decrypt(o, secret)
	if ds == nil {
		return nil, nil, err
	}
	return f, ds, err
}

// MachineFileFromCertificate rebuilds a machine file from stored text.
func MachineFileFromCertificate(o Offline, secret, text string) (*MachineFile, *Dataset, error) {
	f, err := ParseMachineFile(text)
	if err != nil {
		return nil, nil, err
	}
	ds, err := f.Decrypt(o, secret)
	if ds == nil {
		return nil, nil, err
	}
	return f, ds, err
}

func checkArmor(k fileKinds, text string) error {
	ns, _, err := certificate.Dearmor(text)
	if err != nil {
		return &Error{Kind: k.invalid, Err: err}
	}
	if ns != k.namespace {
		return &Error{Kind: k.invalid, Detail: fmt.Sprintf("expected a %s file, got %s", k.namespace, ns)}
	}
	return nil
}

func verifyFile(o Offline, k fileKinds, text string) (verifier.Algorithm, certificate.Envelope, error) {
	var alg verifier.Algorithm
	if err := checkArmor(k, text); err != nil {
		return alg, certificate.Envelope{}, err
	}
	_, env, _ := certificate.Dearmor(text)

	alg, err := verifier.ParseAlgorithm(env.Alg)
	if err != nil {
		return alg, env, &Error{Kind: k.invalid, Err: err}
	}
	pub, err := verifier.ParsePublicKey(alg.Signature, o.PublicKey)
	if err != nil {
		return alg, env, &Error{Kind: KindPublicKey, Err: err}
	}
	if _, err := verifier.VerifyCertificate(pub, k.namespace, env); err != nil {
		switch {
		case errors.Is(err, verifier.ErrSignatureInvalid):
			return alg, env, &Error{Kind: k.notGenuine, Err: err}
		case errors.Is(err, verifier.ErrPublicKeyInvalid):
			return alg, env, &Error{Kind: KindPublicKey, Err: err}
		default:
			return alg, env, &Error{Kind: k.invalid, Err: err}
		}
	}
	return alg, env, nil
}

// verifyExpiry verifies text and checks the known expiry, reading it from the
// dataset when the certificate is not encrypted. The dataset meta is returned
// when it was read.
func verifyExpiry(o Offline, k fileKinds, text string, known time.Time) (*datasetMeta, error) {
	alg, env, err := verifyFile(o, k, text)
	if err != nil {
		return nil, err
	}
	if !known.IsZero() {
		return nil, checkExpiry(o, k, known)
	}
	if alg.Encrypted() {
		return nil, &Error{Kind: KindFileExpiryUnknown, Detail: k.namespace + " certificate is encrypted"}
	}
	plaintext, err := verifier.Decrypt("", env.Enc, alg)
	if err != nil {
		return nil, &Error{Kind: k.invalid, Detail: "decoding failed", Err: err}
	}
	meta, err := parseDatasetMeta(plaintext)
	if err != nil {
		return nil, &Error{Kind: k.invalid, Err: err}
	}
	return meta, checkExpiry(o, k, meta.Expiry)
}

// checkExpiry is expired-inclusive: a certificate is no longer valid at the
// instant it expires. A zero expiry is unknown and passes.
func checkExpiry(o Offline, k fileKinds, expiry time.Time) error {
	if expiry.IsZero() {
		return nil
	}
	if !o.now().Before(expiry) {
		return &Error{Kind: k.expired, Detail: "expired at " + expiry.UTC().Format(time.RFC3339)}
	}
	return nil
}

func decryptFile(o Offline, k fileKinds, text, secret string) (*Dataset, error) {
	alg, env, err := verifyFile(o, k, text)
	if err != nil {
		return nil, err
	}
	plaintext, err := verifier.Decrypt(secret, env.Enc, alg)
	if err != nil {
		return nil, &Error{Kind: k.invalid, Detail: "decryption failed", Err: err}
	}
	ds, err := parseDataset(plaintext)
	if err != nil {
		return nil, &Error{Kind: k.invalid, Err: err}
	}

	now := o.now()
	if ds.Issued.After(now.Add(o.MaxClockDrift)) {
		return nil, &Error{
			Kind:   KindClockUnsynced,
			Detail: "certificate was issued at " + ds.Issued.UTC().Format(time.RFC3339),
		}
	}
	if err := checkExpiry(o, k, ds.Expiry); err != nil {
		return ds, err
	}
	return ds, nil
}

// Dataset is the decrypted content of a certificate.
type Dataset struct {
	License      *License
	Machine      *Machine
	Entitlements []*Entitlement
	Components   []*Component
	Product      *Product
	Policy       *Policy
	Group        *Group
	Issued       time.Time
	Expiry       time.Time
	TTL          time.Duration
}

// EntitlementCodes returns the codes of the included entitlements.
func (d *Dataset) EntitlementCodes() []string {
	return EntitlementCodes(d.Entitlements)
}

type datasetMeta struct {
	Issued time.Time `json:"issued"`
	Expiry time.Time `json:"expiry"`
	TTL    int64     `json:"ttl"`
}

func (m *datasetMeta) times() (issued, expiry time.Time, ttl time.Duration) {
	return m.Issued, m.Expiry, time.Duration(m.TTL) * time.Second
}

func parseDatasetMeta(plaintext []byte) (*datasetMeta, error) {
	var doc struct {
		Meta *datasetMeta `json:"meta"`
	}
	if err := json.Unmarshal(plaintext, &doc); err != nil {
		return nil, fmt.Errorf("decode dataset: %w", err)
	}
	if doc.Meta == nil {
		return &datasetMeta{}, nil
	}
	return doc.Meta, nil
}

func parseDataset(plaintext []byte) (*Dataset, error) {
	var doc document
	if err := json.Unmarshal(plaintext, &doc); err != nil {
		return nil, fmt.Errorf("decode dataset: %w", err)
	}
	var meta datasetMeta
	if len(doc.Meta) > 0 {
		if err := json.Unmarshal(doc.Meta, &meta); err != nil {
			return nil, fmt.Errorf("decode dataset meta: %w", err)
		}
	}
	ds := &Dataset{}
	ds.Issued, ds.Expiry, ds.TTL = meta.times()

	primary, err := doc.one()
	if err != nil {
		return nil, err
	}
	if err := ds.add(primary); err != nil {
		return nil, err
	}
	for _, r := range doc.Included {
		if err := ds.add(r); err != nil {
			return nil, err
		}
	}
	return ds, nil
}

func (d *Dataset) add(r resource) error {
	switch r.Type {
	case typeLicenses:
		lic, err := licenseFromResource(r)
		if err != nil {
			return err
		}
		d.License = lic
	case typeMachines:
		m, err := machineFromResource(r)
		if err != nil {
			return err
		}
		d.Machine = m
	case typeEntitlements:
		e, err := entitlementFromResource(r)
		if err != nil {
			return err
		}
		d.Entitlements = append(d.Entitlements, e)
	case typeComponents:
		c, err := componentFromResource(r)
		if err != nil {
			return err
		}
		d.Components = append(d.Components, c)
	case typeProducts:
		name, err := decodeName(r, typeProducts)
		if err != nil {
			return err
		}
		d.Product = &Product{ID: r.ID, Name: name}
	case typePolicies:
		name, err := decodeName(r, typePolicies)
		if err != nil {
			return err
		}
		d.Policy = &Policy{ID: r.ID, Name: name}
	case typeGroups:
		name, err := decodeName(r, typeGroups)
		if err != nil {
			return err
		}
		d.Group = &Group{ID: r.ID, Name: name}
	}
	return nil
}
