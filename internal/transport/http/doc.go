// Package http implements the local license API served by licensectl serve.
//
// Handlers stay thin: they bind and validate the request, call the license
// client through the LicenseService interface and render the outcome.
// Failures are rendered as RFC 7807 problem documents by errors.ErrorHandler.
//
// # Endpoints
//
//	GET  /api/license/status    run CheckComputer and report the result
//	POST /api/license/activate  run ActivateComputer with {"license_key": "..."}
//	GET  /api/license/key?key=  check a key against the local format only
//	GET  /api/entitlements      confirmed license details, behind the license gate
//	GET  /api/version           build information
//	GET  /healthz               license health report, 503 when unhealthy
//	GET  /healthz/live          liveness probe
//	GET  /metrics               Prometheus exposition
//
// A refused activation is not an error: the body carries the result name
// and the status code reflects it (404 unknown key, 409 exhausted limits,
// 503 service unreachable, 403 otherwise).
package http
