package session

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/skypro1111/voice-bridge-service/internal/audio"
)

// fakeConn is an in-memory Conn. Reads are fed through the in channel and
// block until a message arrives or the connection is closed.
type fakeConn struct {
	in        chan []byte
	mu        sync.Mutex
	written   [][]byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case <-c.closed:
		return 0, nil, io.ErrClosedPipe
	case data, ok := <-c.in:
		if !ok {
			return 0, nil, io.EOF
		}
		return 1, data, nil
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	select {
	case <-c.closed:
		return io.ErrClosedPipe
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	c.written = append(c.written, buf)
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) writes() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.written))
	copy(out, c.written)
	return out
}

func (c *fakeConn) feed(t *testing.T, msg string) {
	t.Helper()
	select {
	case c.in <- []byte(msg):
	case <-time.After(time.Second):
		t.Fatal("Timed out feeding message to fake connection")
	}
}

// fakeDialer returns a prepared connection, or an error when failing is set
type fakeDialer struct {
	conn    *fakeConn
	failure error
}

func (d *fakeDialer) DialAgent(ctx context.Context) (Conn, error) {
	if d.failure != nil {
		return nil, d.failure
	}
	return d.conn, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testTranscoder() *audio.Transcoder {
	return audio.NewTranscoder(audio.Config{
		TelephonyRate:   8000,
		AgentInputRate:  16000,
		AgentOutputRate: 16000,
		MinFrameBytes:   100,
	})
}

func mediaEvent(frame []byte) string {
	return fmt.Sprintf(`{"event":"media","media":{"payload":"%s"}}`,
		base64.StdEncoding.EncodeToString(frame))
}

func startEvent(streamSID string) string {
	return fmt.Sprintf(`{"event":"start","start":{"streamSid":"%s","callSid":"CA001"}}`, streamSID)
}

// testFrame builds a 160-byte narrowband frame filled with a marker value so
// individual frames remain distinguishable after transcoding
func testFrame(marker byte) []byte {
	frame := make([]byte, 160)
	for i := range frame {
		frame[i] = marker
	}
	return frame
}

func runSession(t *testing.T, tel *fakeConn, dialer AgentDialer, cfg Config) (*Session, *Registry, chan error) {
	t.Helper()
	reg := NewRegistry(testLogger())
	sess := New("test-session", tel, dialer, testTranscoder(), reg, cfg, testLogger())

	done := make(chan error, 1)
	go func() { done <- sess.Run(context.Background()) }()
	return sess, reg, done
}

func waitDone(t *testing.T, done chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("Session did not close in time")
		return nil
	}
}

// waitFor polls until the condition holds or the deadline passes
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func agentChunks(conn *fakeConn) [][]byte {
	var chunks [][]byte
	for _, msg := range conn.writes() {
		var out struct {
			Type  string `json:"type"`
			Chunk string `json:"user_audio_chunk"`
		}
		if json.Unmarshal(msg, &out) == nil && out.Type == "user_audio_chunk" {
			payload, err := base64.StdEncoding.DecodeString(out.Chunk)
			if err == nil {
				chunks = append(chunks, payload)
			}
		}
	}
	return chunks
}

func TestSessionStartMediaStop(t *testing.T) {
	tel := newFakeConn()
	agentConn := newFakeConn()
	sess, reg, done := runSession(t, tel, &fakeDialer{conn: agentConn}, Config{})

	tel.feed(t, `{"event":"connected"}`)
	tel.feed(t, startEvent("MZ100"))

	waitFor(t, func() bool { return sess.State() == StateStreaming }, "Session never reached streaming")
	if _, ok := reg.Lookup("MZ100"); !ok {
		t.Error("Expected session registered under its stream id")
	}

	for i := 0; i < 5; i++ {
		tel.feed(t, mediaEvent(testFrame(byte(i))))
	}
	waitFor(t, func() bool { return len(agentChunks(agentConn)) == 5 }, "Agent never received all frames")

	tel.feed(t, `{"event":"stop"}`)

	if err := waitDone(t, done); err != nil {
		t.Fatalf("Unexpected error from Run: %v", err)
	}

	if sess.State() != StateClosed {
		t.Errorf("Expected closed state, got %v", sess.State())
	}
	if _, ok := reg.Lookup("MZ100"); ok {
		t.Error("Expected registry entry removed after close")
	}

	info := sess.GetInfo()
	if info.FramesToAgent != 5 {
		t.Errorf("Expected 5 frames to agent, got %d", info.FramesToAgent)
	}
	if info.StreamSID != "MZ100" {
		t.Errorf("Expected stream sid MZ100, got %s", info.StreamSID)
	}
	if info.CallSID != "CA001" {
		t.Errorf("Expected call sid CA001, got %s", info.CallSID)
	}
}

func TestSessionPreservesFrameOrder(t *testing.T) {
	tel := newFakeConn()
	agentConn := newFakeConn()
	_, _, done := runSession(t, tel, &fakeDialer{conn: agentConn}, Config{})

	tel.feed(t, startEvent("MZ101"))

	const n = 20
	tr := testTranscoder()
	expected := make([][]byte, n)
	for i := 0; i < n; i++ {
		frame := testFrame(byte(i * 7))
		var err error
		expected[i], err = tr.ToAgent(frame)
		if err != nil {
			t.Fatalf("Transcode of test frame failed: %v", err)
		}
		tel.feed(t, mediaEvent(frame))
	}

	waitFor(t, func() bool { return len(agentChunks(agentConn)) == n }, "Agent never received all frames")

	chunks := agentChunks(agentConn)
	for i := range chunks {
		if !bytes.Equal(chunks[i], expected[i]) {
			t.Fatalf("Frame %d out of order or corrupted", i)
		}
	}

	tel.feed(t, `{"event":"stop"}`)
	waitDone(t, done)
}

func TestMediaBeforeStartDropped(t *testing.T) {
	tel := newFakeConn()
	agentConn := newFakeConn()
	sess, _, done := runSession(t, tel, &fakeDialer{conn: agentConn}, Config{})

	// media before any start event has no destination and must be dropped
	tel.feed(t, mediaEvent(testFrame(1)))
	tel.feed(t, mediaEvent(testFrame(2)))
	tel.feed(t, startEvent("MZ102"))
	tel.feed(t, mediaEvent(testFrame(3)))

	waitFor(t, func() bool { return len(agentChunks(agentConn)) == 1 }, "Agent never received the post-start frame")

	// give any erroneously forwarded frame time to arrive
	time.Sleep(50 * time.Millisecond)
	if got := len(agentChunks(agentConn)); got != 1 {
		t.Errorf("Expected exactly 1 forwarded frame, got %d", got)
	}

	info := sess.GetInfo()
	if info.FramesDropped < 2 {
		t.Errorf("Expected at least 2 dropped frames, got %d", info.FramesDropped)
	}

	tel.feed(t, `{"event":"stop"}`)
	waitDone(t, done)
}

func TestMalformedEventsAreSkipped(t *testing.T) {
	tel := newFakeConn()
	agentConn := newFakeConn()
	_, _, done := runSession(t, tel, &fakeDialer{conn: agentConn}, Config{})

	tel.feed(t, startEvent("MZ103"))
	tel.feed(t, `{"event":`)
	tel.feed(t, `{"event":"media","media":{}}`)
	tel.feed(t, mediaEvent(testFrame(9)))

	waitFor(t, func() bool { return len(agentChunks(agentConn)) == 1 }, "Session did not survive malformed events")

	tel.feed(t, `{"event":"stop"}`)
	waitDone(t, done)
}

func TestAgentAudioRelayedToTelephony(t *testing.T) {
	tel := newFakeConn()
	agentConn := newFakeConn()
	sess, _, done := runSession(t, tel, &fakeDialer{conn: agentConn}, Config{})

	tel.feed(t, startEvent("MZ104"))
	waitFor(t, func() bool { return sess.State() == StateStreaming }, "Session never reached streaming")

	// 640 bytes of PCM16 at 16kHz becomes 160 µ-law bytes at 8kHz
	pcm := make([]byte, 640)
	for i := range pcm {
		pcm[i] = byte(i)
	}
	agentConn.feed(t, fmt.Sprintf(`{"type":"audio","audio_event":{"audio_base_64":"%s"}}`,
		base64.StdEncoding.EncodeToString(pcm)))

	var media struct {
		Event     string `json:"event"`
		StreamSID string `json:"streamSid"`
		Media     struct {
			Payload string `json:"payload"`
		} `json:"media"`
	}
	waitFor(t, func() bool {
		for _, msg := range tel.writes() {
			if json.Unmarshal(msg, &media) == nil && media.Event == "media" {
				return true
			}
		}
		return false
	}, "Telephony never received agent audio")

	if media.StreamSID != "MZ104" {
		t.Errorf("Expected media bound to MZ104, got %s", media.StreamSID)
	}
	payload, err := base64.StdEncoding.DecodeString(media.Media.Payload)
	if err != nil {
		t.Fatalf("Media payload not base64: %v", err)
	}
	if len(payload) != 160 {
		t.Errorf("Expected 160 narrowband bytes, got %d", len(payload))
	}

	tel.feed(t, `{"event":"stop"}`)
	waitDone(t, done)
}

func TestAgentPingAnsweredWithPong(t *testing.T) {
	tel := newFakeConn()
	agentConn := newFakeConn()
	_, _, done := runSession(t, tel, &fakeDialer{conn: agentConn}, Config{})

	agentConn.feed(t, `{"type":"ping","ping_event":{"event_id":21}}`)

	var pong struct {
		Type    string `json:"type"`
		EventID int    `json:"event_id"`
	}
	waitFor(t, func() bool {
		for _, msg := range agentConn.writes() {
			if json.Unmarshal(msg, &pong) == nil && pong.Type == "pong" {
				return true
			}
		}
		return false
	}, "Agent never received pong")

	if pong.EventID != 21 {
		t.Errorf("Expected pong event id 21, got %d", pong.EventID)
	}

	tel.feed(t, `{"event":"stop"}`)
	waitDone(t, done)
}

func TestConversationMetadataRecorded(t *testing.T) {
	tel := newFakeConn()
	agentConn := newFakeConn()
	sess, _, done := runSession(t, tel, &fakeDialer{conn: agentConn}, Config{})

	agentConn.feed(t, `{"type":"conversation_initiation_metadata","conversation_initiation_metadata_event":{"conversation_id":"conv_42"}}`)

	waitFor(t, func() bool { return sess.GetInfo().ConversationID == "conv_42" },
		"Conversation id never recorded")

	tel.feed(t, `{"event":"stop"}`)
	waitDone(t, done)
}

func TestKeepaliveCadence(t *testing.T) {
	tel := newFakeConn()
	agentConn := newFakeConn()
	sess, _, done := runSession(t, tel, &fakeDialer{conn: agentConn},
		Config{KeepaliveInterval: 50 * time.Millisecond})

	tel.feed(t, startEvent("MZ105"))
	waitFor(t, func() bool { return sess.State() == StateStreaming }, "Session never reached streaming")

	// 175ms at a 50ms cadence: ticks at 50, 100, 150
	time.Sleep(175 * time.Millisecond)
	tel.feed(t, `{"event":"stop"}`)
	waitDone(t, done)

	sent := sess.GetInfo().KeepalivesSent
	if sent < 2 || sent > 4 {
		t.Errorf("Expected about 3 keepalives, got %d", sent)
	}

	pings := 0
	for _, msg := range tel.writes() {
		if string(msg) == `{"event":"ping"}` {
			pings++
		}
	}
	if uint64(pings) != sent {
		t.Errorf("Keepalive counter (%d) does not match pings on the wire (%d)", sent, pings)
	}
}

func TestDoubleCloseIdempotent(t *testing.T) {
	tel := newFakeConn()
	agentConn := newFakeConn()
	sess, _, done := runSession(t, tel, &fakeDialer{conn: agentConn}, Config{})

	tel.feed(t, startEvent("MZ106"))
	waitFor(t, func() bool { return sess.State() == StateStreaming }, "Session never reached streaming")

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sess.Close(); err != nil {
				t.Errorf("Close returned error: %v", err)
			}
		}()
	}
	wg.Wait()
	waitDone(t, done)

	if sess.State() != StateClosed {
		t.Errorf("Expected closed state, got %v", sess.State())
	}
}

func TestCloseWithoutRun(t *testing.T) {
	tel := newFakeConn()
	reg := NewRegistry(testLogger())
	sess := New("never-run", tel, &fakeDialer{conn: newFakeConn()}, testTranscoder(), reg, Config{}, testLogger())

	if err := sess.Close(); err != nil {
		t.Fatalf("Close before Run returned error: %v", err)
	}
	if sess.State() != StateClosed {
		t.Errorf("Expected closed state, got %v", sess.State())
	}
}

func TestAgentConnectFailure(t *testing.T) {
	tel := newFakeConn()
	dialErr := errors.New("connection refused")
	sess, reg, done := runSession(t, tel, &fakeDialer{failure: dialErr}, Config{})

	err := waitDone(t, done)
	if err == nil {
		t.Fatal("Expected error from Run")
	}

	var connectErr *UpstreamConnectError
	if !errors.As(err, &connectErr) {
		t.Fatalf("Expected UpstreamConnectError, got %v", err)
	}
	if !errors.Is(err, dialErr) {
		t.Error("Expected wrapped dial error to be reachable via errors.Is")
	}

	if sess.State() != StateClosed {
		t.Errorf("Expected closed state, got %v", sess.State())
	}
	if reg.ActiveCount() != 0 {
		t.Errorf("Expected empty registry, got %d sessions", reg.ActiveCount())
	}
	if got := sess.GetInfo().FramesToAgent; got != 0 {
		t.Errorf("Expected no frames relayed, got %d", got)
	}
}

func TestContextCancellationDrainsSession(t *testing.T) {
	tel := newFakeConn()
	agentConn := newFakeConn()
	reg := NewRegistry(testLogger())
	sess := New("ctx-cancel", tel, &fakeDialer{conn: agentConn}, testTranscoder(), reg, Config{}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sess.Run(ctx) }()

	tel.feed(t, startEvent("MZ107"))
	waitFor(t, func() bool { return sess.State() == StateStreaming }, "Session never reached streaming")

	cancel()
	if err := waitDone(t, done); err != nil {
		t.Fatalf("Unexpected error from Run: %v", err)
	}
	if sess.State() != StateClosed {
		t.Errorf("Expected closed state, got %v", sess.State())
	}
}
