package agent

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/gorilla/websocket"

	"github.com/skypro1111/voice-bridge-service/internal/config"
	"github.com/skypro1111/voice-bridge-service/internal/session"
)

// Dialer connects to the agent's conversation WebSocket endpoint. It
// implements session.AgentDialer.
type Dialer struct {
	cfg    config.AgentConfig
	dialer *websocket.Dialer
	logger *slog.Logger
}

// NewDialer creates an agent dialer for the configured endpoint
func NewDialer(cfg config.AgentConfig, logger *slog.Logger) *Dialer {
	return &Dialer{
		cfg:    cfg,
		dialer: websocket.DefaultDialer,
		logger: logger,
	}
}

// DialAgent opens a conversation socket for one session. The agent id rides
// as a query parameter; the API key, when configured, goes in a header so it
// never appears in logged URLs.
func (d *Dialer) DialAgent(ctx context.Context) (session.Conn, error) {
	u, err := url.Parse(d.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid agent url: %w", err)
	}
	q := u.Query()
	q.Set("agent_id", d.cfg.AgentID)
	u.RawQuery = q.Encode()

	header := http.Header{}
	if d.cfg.APIKey != "" {
		header.Set("xi-api-key", d.cfg.APIKey)
	}

	d.logger.Debug("dialing agent socket", slog.String("host", u.Host))

	conn, resp, err := d.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("agent dial failed with status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("agent dial failed: %w", err)
	}
	return conn, nil
}
