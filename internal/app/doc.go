// Package app wires the local license server.
//
// NewApplication takes an initialized license client and the OpenTelemetry
// providers and builds the chi router: request ids, tracing and HTTP metrics,
// structured request logs, panic recovery and security headers apply to every
// route. Everything under /api sits behind the license gate except the
// license endpoints themselves and /api/version; the activation route is
// rate limited and audited.
//
// Start runs one license check so the log shows the state at boot, then
// serves until the context ends. Stop drains the server within
// Server.ShutdownTimeout and flushes telemetry. Run ties Start to SIGINT
// and SIGTERM.
package app
