// Package server hosts the service's single HTTP listener: the media-stream
// WebSocket accept endpoint that hands connections to relay sessions, the
// call-control endpoints consumed by the telephony provider, and the
// monitoring/management API.
package server
