// Package session provides the per-call bridging core: a Session owns one
// telephony socket and one agent socket, runs the duplex relay pumps and the
// keepalive ticker, and walks the connecting/streaming/draining/closed
// lifecycle with idempotent teardown. The Registry maps telephony stream
// identifiers to their sessions for the lifetime of each call.
package session
