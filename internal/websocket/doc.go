// Package websocket streams license events from the agent to connected
// clients. A Hub is registered as the license manager's event handler and
// fans each event out as a JSON Message.
package websocket
