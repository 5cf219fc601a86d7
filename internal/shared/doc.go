// Package shared holds helpers used by more than one package.
//
// The testutil subpackage provides:
//
//   - Ed25519 and RSA key pairs with their public keys in account format
//   - signed license keys
//   - sealed license and machine certificates with realistic datasets
//   - an in-process fake of the licensing service built on chi
//   - a buffered slog handler for asserting on log output
//
// Nothing here carries business logic.
package shared
