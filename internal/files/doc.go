// Package files persists client state between runs: the checked-out license
// and machine certificates and the license key.
//
// Store: Reads and writes the three state files under the resolved data
// directory. Writes are atomic (temp file then rename) and private (0600).
// The license key is never written in the clear; it is sealed with a
// passphrase derived from the device fingerprint, so a copied key file is
// useless on another machine.
//
// Discovery: Scans a directory for armored certificates, identifying them by
// their PEM header rather than their extension.
//
// Example usage:
//
//	paths, _ := cfg.ResolvePaths()
//	store := files.NewStore(paths)
//
//	if err := store.SaveMachineFile(text); err != nil {
//	    return err
//	}
//
//	text, err := store.LoadMachineFile()
//	if errors.Is(err, files.ErrNotFound) {
//	    // check out a fresh certificate
//	}
package files
