package session

import (
	"context"
	"fmt"
)

// Conn is the minimal socket surface the relay needs from either side.
// *websocket.Conn from gorilla/websocket satisfies it directly; tests supply
// in-memory fakes.
type Conn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// AgentDialer establishes the outbound connection to the agent service.
// Implemented by the agent package; tests supply fakes.
type AgentDialer interface {
	DialAgent(ctx context.Context) (Conn, error)
}

// UpstreamConnectError reports that the agent socket could not be
// established. It is fatal to the session: no media is ever relayed and the
// session transitions straight to closed.
type UpstreamConnectError struct {
	Err error
}

func (e *UpstreamConnectError) Error() string {
	return fmt.Sprintf("agent connect failed: %v", e.Err)
}

func (e *UpstreamConnectError) Unwrap() error {
	return e.Err
}
