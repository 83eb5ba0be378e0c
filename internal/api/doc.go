// Package api hosts the HTTP handlers fronting the driftcast REST surface.
//
// The handlers assembled by Handler coordinate request validation and
// response shaping while delegating session lifecycle to the live engine,
// segment access to the segment store, and durable history to the ledger,
// all injected at construction time. The package does not reach for globals
// or singletons and expects callers to supply fully configured dependencies.
//
// Handler implementations assume upstream middleware from internal/server has
// already enforced rate limiting, metrics, request IDs, and logging concerns.
// New routes should preserve that contract by leaning on the middleware
// guarantees established in the server stack.
package api
