// Package server hosts the control API, ingest hooks, and playback routes
// from a single HTTP server.
//
// The server builds a consistent middleware chain of request IDs, logging,
// metrics, security headers, CORS, and rate limiting so handlers all share
// common protections and instrumentation.
package server
