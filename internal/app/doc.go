// Package app assembles the local license agent.
//
// An Application owns one license.Manager and serves it over HTTP. Run
// starts four cooperating goroutines under an errgroup:
//
//   - the websocket hub delivering license events to /events clients
//   - startup validation, followed by the heartbeat when the machine's
//     policy requires one
//   - a consumer draining heartbeat failures from the monitor's sink
//   - the HTTP server, shut down gracefully when the context ends
//
// When Agent.DeactivateOnExit is set the machine is released during
// shutdown, after the heartbeat has stopped.
package app
