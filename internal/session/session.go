package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/skypro1111/voice-bridge-service/internal/audio"
	"github.com/skypro1111/voice-bridge-service/internal/protocol"
)

// State is the lifecycle state of a Session
type State int32

const (
	StateConnecting State = iota // telephony socket accepted, agent socket being established
	StateStreaming               // both sockets open and stream id bound; media flows
	StateDraining                // teardown started; no further media accepted
	StateClosed                  // terminal; sockets closed, registry entry removed
)

// String returns a human-readable name for the state
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Config contains per-session tunables
type Config struct {
	KeepaliveInterval time.Duration // cadence of liveness pings to the telephony side
	DialTimeout       time.Duration // budget for establishing the agent socket
}

// Session bridges one telephony media stream to one agent conversation.
// Its fields are mutated only through the state-transition methods, which
// serialize on mu; the two pump goroutines never write shared state directly.
type Session struct {
	id         string
	telephony  Conn
	dialer     AgentDialer
	transcoder *audio.Transcoder
	registry   *Registry
	cfg        Config
	logger     *slog.Logger

	mu              sync.Mutex
	state           State
	agent           Conn
	streamSID       string
	callSID         string
	conversationID  string
	lastKeepaliveAt time.Time
	startTime       time.Time

	// gorilla permits one concurrent writer per connection; the agent-read
	// pump and the keepalive ticker both write to the telephony socket
	telWriteMu   sync.Mutex
	agentWriteMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	runStarted atomic.Bool
	drainOnce  sync.Once
	closeOnce  sync.Once
	closed     chan struct{}

	// relay statistics
	framesToAgent     atomic.Uint64
	framesToTelephony atomic.Uint64
	framesDropped     atomic.Uint64
	keepalivesSent    atomic.Uint64
}

// New creates a session for an already-accepted telephony connection. The
// session owns the connection from this point on.
func New(id string, telephony Conn, dialer AgentDialer, transcoder *audio.Transcoder,
	registry *Registry, cfg Config, logger *slog.Logger) *Session {

	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = 10 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}

	return &Session{
		id:         id,
		telephony:  telephony,
		dialer:     dialer,
		transcoder: transcoder,
		registry:   registry,
		cfg:        cfg,
		logger:     logger.With(slog.String("session_id", id)),
		state:      StateConnecting,
		startTime:  time.Now(),
		closed:     make(chan struct{}),
	}
}

// Run establishes the agent socket and drives the duplex relay until the
// session closes. It blocks for the session lifetime. A failed agent connect
// closes the session immediately and returns an UpstreamConnectError.
func (s *Session) Run(ctx context.Context) error {
	s.runStarted.Store(true)

	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.ctx = runCtx
	s.cancel = cancel
	s.mu.Unlock()

	dialCtx, dialCancel := context.WithTimeout(runCtx, s.cfg.DialTimeout)
	agentConn, err := s.dialer.DialAgent(dialCtx)
	dialCancel()
	if err != nil {
		s.logger.Error("failed to establish agent socket", slog.String("error", err.Error()))
		s.transitionClosed()
		return &UpstreamConnectError{Err: err}
	}

	s.mu.Lock()
	s.agent = agentConn
	s.mu.Unlock()

	s.logger.Info("agent socket established")

	s.wg.Add(2)
	go s.telephonyPump()
	go s.agentPump()

	// external cancellation (process shutdown, accept-layer teardown) drains
	// the session the same way a peer disconnect does
	go func() {
		<-runCtx.Done()
		s.beginDrain("context cancelled")
	}()

	s.wg.Wait()
	s.transitionClosed()
	return nil
}

// Close tears the session down. Safe to call multiple times and from any
// goroutine; the second and later calls are no-ops.
func (s *Session) Close() error {
	s.beginDrain("close requested")
	if !s.runStarted.Load() {
		s.transitionClosed()
		return nil
	}
	<-s.closed
	return nil
}

// telephonyPump reads the telephony socket and forwards media to the agent
func (s *Session) telephonyPump() {
	defer s.wg.Done()
	defer s.beginDrain("telephony socket closed")

	for {
		_, data, err := s.telephony.ReadMessage()
		if err != nil {
			if s.State() == StateStreaming {
				s.logger.Warn("telephony peer disconnected", slog.String("error", err.Error()))
			}
			return
		}

		ev, err := protocol.DecodeTelephony(data)
		if err != nil {
			s.logger.Warn("dropping malformed telephony event", slog.String("error", err.Error()))
			continue
		}

		switch ev.Type {
		case protocol.TelephonyEventConnected:
			s.logger.Debug("telephony connected event received")

		case protocol.TelephonyEventStart:
			s.bindStream(ev.StreamSID, ev.CallSID)

		case protocol.TelephonyEventMedia:
			s.relayToAgent(ev.Payload)

		case protocol.TelephonyEventStop:
			s.logger.Info("telephony stop event received")
			return

		default:
			s.logger.Debug("ignoring unhandled telephony event", slog.String("raw", string(ev.Raw)))
		}
	}
}

// agentPump reads the agent socket and forwards audio to the telephony side
func (s *Session) agentPump() {
	defer s.wg.Done()
	defer s.beginDrain("agent socket closed")

	for {
		_, data, err := s.agent.ReadMessage()
		if err != nil {
			if s.State() == StateStreaming {
				s.logger.Warn("agent peer disconnected", slog.String("error", err.Error()))
			}
			return
		}

		ev, err := protocol.DecodeAgent(data)
		if err != nil {
			s.logger.Warn("dropping malformed agent event", slog.String("error", err.Error()))
			continue
		}

		switch ev.Type {
		case protocol.AgentEventAudio:
			s.relayToTelephony(ev.Payload)

		case protocol.AgentEventUserTranscript:
			s.logger.Info("user transcript", slog.String("text", ev.Text))

		case protocol.AgentEventResponse:
			s.logger.Info("agent response", slog.String("text", ev.Text))

		case protocol.AgentEventPing:
			s.replyPong(ev.EventID)

		case protocol.AgentEventConversationInit:
			s.mu.Lock()
			s.conversationID = ev.ConversationID
			s.mu.Unlock()
			s.logger.Info("conversation initiated", slog.String("conversation_id", ev.ConversationID))

		default:
			s.logger.Debug("ignoring unhandled agent event", slog.String("raw", string(ev.Raw)))
		}
	}
}

// relayToAgent transcodes one narrowband frame and forwards it upstream.
// Frames arriving before the stream is bound are dropped: there is no
// destination stream id yet and the agent has no context for them.
func (s *Session) relayToAgent(payload []byte) {
	if s.State() != StateStreaming {
		s.framesDropped.Add(1)
		s.logger.Warn("dropping media frame received before stream start")
		return
	}

	out, err := s.transcoder.ToAgent(payload)
	if err != nil {
		s.framesDropped.Add(1)
		if errors.Is(err, audio.ErrFrameTooShort) {
			s.logger.Debug("dropping short resampled frame", slog.String("error", err.Error()))
		} else {
			s.logger.Warn("dropping frame on transcode failure", slog.String("error", err.Error()))
		}
		return
	}

	msg, err := protocol.EncodeAgentAudioChunk(out)
	if err != nil {
		s.logger.Warn("failed to encode agent audio chunk", slog.String("error", err.Error()))
		return
	}

	if err := s.writeAgent(msg); err != nil {
		s.logger.Debug("agent send failed", slog.String("error", err.Error()))
		return
	}
	s.framesToAgent.Add(1)
}

// relayToTelephony transcodes one agent PCM frame and forwards it downstream
func (s *Session) relayToTelephony(payload []byte) {
	s.mu.Lock()
	state := s.state
	sid := s.streamSID
	s.mu.Unlock()

	if state != StateStreaming || sid == "" {
		s.framesDropped.Add(1)
		s.logger.Warn("dropping agent audio with no bound stream")
		return
	}

	out, err := s.transcoder.ToTelephony(payload)
	if err != nil {
		s.framesDropped.Add(1)
		if errors.Is(err, audio.ErrFrameTooShort) {
			s.logger.Debug("dropping short resampled frame", slog.String("error", err.Error()))
		} else {
			s.logger.Warn("dropping frame on transcode failure", slog.String("error", err.Error()))
		}
		return
	}

	msg, err := protocol.EncodeTelephonyMedia(sid, out)
	if err != nil {
		s.logger.Warn("failed to encode telephony media", slog.String("error", err.Error()))
		return
	}

	if err := s.writeTelephony(msg); err != nil {
		s.logger.Debug("telephony send failed", slog.String("error", err.Error()))
		return
	}
	s.framesToTelephony.Add(1)
}

// bindStream records the stream identifier from the telephony start event,
// registers the session, and moves it to streaming. The keepalive ticker
// starts here and runs until draining begins.
func (s *Session) bindStream(streamSID, callSID string) {
	s.mu.Lock()
	if s.state != StateConnecting {
		s.mu.Unlock()
		s.logger.Warn("ignoring start event in unexpected state",
			slog.String("state", s.state.String()),
			slog.String("stream_sid", streamSID),
		)
		return
	}
	s.streamSID = streamSID
	s.callSID = callSID
	s.state = StateStreaming
	ctx := s.ctx
	s.mu.Unlock()

	if !s.registry.Register(streamSID, s) {
		s.logger.Warn("stream id already registered", slog.String("stream_sid", streamSID))
	}

	s.logger.Info("stream started",
		slog.String("stream_sid", streamSID),
		slog.String("call_sid", callSID),
	)

	// safe: the counter cannot reach zero while the calling pump is counted
	s.wg.Add(1)
	go s.keepaliveLoop(ctx)
}

// keepaliveLoop pings the telephony side on a fixed cadence, independent of
// media arrival, until the session begins draining. Send failures are
// swallowed: they only matter if the session is still streaming, and a
// streaming session will notice a dead socket through its read pump.
func (s *Session) keepaliveLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			msg, err := protocol.EncodeTelephonyPing()
			if err != nil {
				continue
			}
			if err := s.writeTelephony(msg); err != nil {
				s.logger.Debug("keepalive send failed", slog.String("error", err.Error()))
				continue
			}
			s.mu.Lock()
			s.lastKeepaliveAt = time.Now()
			s.mu.Unlock()
			s.keepalivesSent.Add(1)
		}
	}
}

// replyPong answers an agent ping. The agent protocol tolerates a missing
// pong, so failures are swallowed.
func (s *Session) replyPong(eventID int) {
	msg, err := protocol.EncodeAgentPong(eventID)
	if err != nil {
		return
	}
	if err := s.writeAgent(msg); err != nil {
		s.logger.Debug("pong send failed", slog.String("error", err.Error()))
	}
}

// beginDrain starts teardown exactly once: the state moves to draining, the
// keepalive ticker is cancelled, and both sockets are closed, which unblocks
// any pump sitting in a read.
func (s *Session) beginDrain(reason string) {
	s.drainOnce.Do(func() {
		s.mu.Lock()
		if s.state != StateClosed {
			s.state = StateDraining
		}
		cancel := s.cancel
		agent := s.agent
		s.mu.Unlock()

		s.logger.Info("session draining", slog.String("reason", reason))

		if cancel != nil {
			cancel()
		}
		// both closes idempotent at this layer: errors from closing an
		// already-closed socket are discarded
		_ = s.telephony.Close()
		if agent != nil {
			_ = agent.Close()
		}
	})
}

// transitionClosed finalizes the session exactly once: terminal state,
// registry entry removed, closed channel released.
func (s *Session) transitionClosed() {
	s.closeOnce.Do(func() {
		s.beginDrain("closing")

		s.mu.Lock()
		s.state = StateClosed
		sid := s.streamSID
		s.mu.Unlock()

		if sid != "" {
			s.registry.Remove(sid)
		}

		s.logger.Info("session closed",
			slog.Duration("duration", time.Since(s.startTime)),
			slog.Uint64("frames_to_agent", s.framesToAgent.Load()),
			slog.Uint64("frames_to_telephony", s.framesToTelephony.Load()),
			slog.Uint64("frames_dropped", s.framesDropped.Load()),
		)

		close(s.closed)
	})
}

func (s *Session) writeTelephony(data []byte) error {
	s.telWriteMu.Lock()
	defer s.telWriteMu.Unlock()
	return s.telephony.WriteMessage(websocket.TextMessage, data)
}

func (s *Session) writeAgent(data []byte) error {
	s.mu.Lock()
	agent := s.agent
	s.mu.Unlock()
	if agent == nil {
		return errors.New("agent socket not established")
	}
	s.agentWriteMu.Lock()
	defer s.agentWriteMu.Unlock()
	return agent.WriteMessage(websocket.TextMessage, data)
}

// ID returns the local correlation id assigned at accept time
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// StreamSID returns the bound telephony stream id, or "" before start
func (s *Session) StreamSID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamSID
}

// Info is a monitoring snapshot of one session
type Info struct {
	ID                string    `json:"id"`
	StreamSID         string    `json:"stream_sid,omitempty"`
	CallSID           string    `json:"call_sid,omitempty"`
	ConversationID    string    `json:"conversation_id,omitempty"`
	State             string    `json:"state"`
	StartTime         time.Time `json:"start_time"`
	LastKeepaliveAt   time.Time `json:"last_keepalive_at,omitempty"`
	DurationSeconds   float64   `json:"duration_seconds"`
	FramesToAgent     uint64    `json:"frames_to_agent"`
	FramesToTelephony uint64    `json:"frames_to_telephony"`
	FramesDropped     uint64    `json:"frames_dropped"`
	KeepalivesSent    uint64    `json:"keepalives_sent"`
}

// GetInfo returns a monitoring snapshot of the session
func (s *Session) GetInfo() Info {
	s.mu.Lock()
	info := Info{
		ID:              s.id,
		StreamSID:       s.streamSID,
		CallSID:         s.callSID,
		ConversationID:  s.conversationID,
		State:           s.state.String(),
		StartTime:       s.startTime,
		LastKeepaliveAt: s.lastKeepaliveAt,
		DurationSeconds: time.Since(s.startTime).Seconds(),
	}
	s.mu.Unlock()

	info.FramesToAgent = s.framesToAgent.Load()
	info.FramesToTelephony = s.framesToTelephony.Load()
	info.FramesDropped = s.framesDropped.Load()
	info.KeepalivesSent = s.keepalivesSent.Load()
	return info
}
