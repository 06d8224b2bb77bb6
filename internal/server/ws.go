package server

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/skypro1111/voice-bridge-service/internal/session"
)

// handleMediaStream accepts one telephony media-stream connection and runs a
// bridge session on it for the connection's lifetime. The handler goroutine
// is the session's owner: it blocks until the session closes and then
// records the final relay statistics.
func (s *Server) handleMediaStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("media-stream upgrade failed",
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("error", err.Error()),
		)
		return
	}

	id := uuid.NewString()
	s.logger.Info("media-stream connection accepted",
		slog.String("session_id", id),
		slog.String("remote_addr", r.RemoteAddr),
	)

	sess := session.New(id, conn, s.dialer, s.transcoder, s.registry, session.Config{
		KeepaliveInterval: s.cfg.Session.GetKeepaliveInterval(),
		DialTimeout:       s.cfg.Session.GetAgentDialTimeout(),
	}, s.logger)

	s.metrics.RecordSessionCreated()

	err = sess.Run(s.baseCtx)

	info := sess.GetInfo()
	s.metrics.RecordSessionClosed(info.DurationSeconds)
	s.metrics.RecordRelayTotals(info.FramesToAgent, info.FramesToTelephony, info.FramesDropped, info.KeepalivesSent)

	var connectErr *session.UpstreamConnectError
	if errors.As(err, &connectErr) {
		s.metrics.RecordConnectFailure()
		s.logger.Error("session ended without relaying: agent unreachable",
			slog.String("session_id", id),
			slog.String("error", connectErr.Error()),
		)
		return
	}

	s.logger.Info("media-stream connection finished",
		slog.String("session_id", id),
		slog.String("stream_sid", info.StreamSID),
		slog.Float64("duration_seconds", info.DurationSeconds),
	)
}

// newUpgrader builds the WebSocket upgrader for the media-stream endpoint.
// The telephony provider connects from its own infrastructure, so origin
// checking is not applicable here.
func newUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
}
