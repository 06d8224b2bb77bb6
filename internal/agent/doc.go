// Package agent establishes WebSocket connections to the conversational
// agent service on behalf of relay sessions.
package agent
