// Package license keeps this machine licensed. It sits on top of the
// licensing client and decides, for every request, whether a stored
// certificate is good enough or the service has to be asked.
//
// # Architecture Overview
//
// The package consists of several components:
//
//   - Manager: offline-first validation, activation and deactivation
//   - Cache: in-memory validation results keyed by scope
//   - Health: license, heartbeat and certificate health checks
//   - Events: notifications for the agent's event stream
//
// # Validation Flow
//
// Ensure follows these steps:
//
//  1. Load the machine file and verify it with MachineSecret(key, fingerprint)
//  2. If it is genuine and unexpired, answer from it without network access
//  3. Otherwise validate the key online, scoped to this machine's fingerprints
//  4. On a not-activated result, activate with the license carried in the error
//  5. Check out fresh license and machine files and persist them
//  6. If the service cannot be reached, fall back to the stored license file
//
// Concurrent callers share a single in-flight validation.
//
// # Heartbeats
//
// StartHeartbeat binds a heartbeat.Monitor to the active machine. The ping
// interval is the machine's heartbeat duration minus the configured margin.
package license
