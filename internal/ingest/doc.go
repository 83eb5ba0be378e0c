// Package ingest is the publisher-facing boundary. It verifies stream keys,
// turns media server callbacks into session lifecycle calls on the live
// engine, and watches transport liveness so a vanished publisher cannot hold
// a session open forever.
package ingest
