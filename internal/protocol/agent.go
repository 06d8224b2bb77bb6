package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Agent event types (wire discriminant values for the "type" field)
const (
	AgentAudio            = "audio"
	AgentUserTranscript   = "user_transcript"
	AgentResponse         = "agent_response"
	AgentPing             = "ping"
	AgentPong             = "pong"
	AgentConversationInit = "conversation_initiation_metadata"
	AgentUserAudioChunk   = "user_audio_chunk"
)

// AgentEventType identifies the decoded variant of an agent event
type AgentEventType int

const (
	AgentEventAudio AgentEventType = iota
	AgentEventUserTranscript
	AgentEventResponse
	AgentEventPing
	AgentEventConversationInit
	AgentEventOther
)

// AgentEvent is a decoded agent-side message
type AgentEvent struct {
	Type           AgentEventType
	Payload        []byte          // decoded audio bytes, set for Audio
	Text           string          // set for UserTranscript and Response
	EventID        int             // set for Ping
	ConversationID string          // set for ConversationInit
	Raw            json.RawMessage // original envelope, set for Other
}

// agentEnvelope mirrors the wire shape of inbound agent messages. Each event
// type nests its payload under a dedicated sub-object keyed by the type name.
type agentEnvelope struct {
	Type       string `json:"type"`
	AudioEvent *struct {
		AudioBase64 string `json:"audio_base_64"`
	} `json:"audio_event"`
	UserTranscriptionEvent *struct {
		UserTranscript string `json:"user_transcript"`
	} `json:"user_transcription_event"`
	AgentResponseEvent *struct {
		AgentResponse string `json:"agent_response"`
	} `json:"agent_response_event"`
	PingEvent *struct {
		EventID int `json:"event_id"`
	} `json:"ping_event"`
	ConversationInitiationMetadataEvent *struct {
		ConversationID string `json:"conversation_id"`
	} `json:"conversation_initiation_metadata_event"`
}

// DecodeAgent parses one agent-side envelope into an AgentEvent. Unparseable
// documents and recognized events missing required fields return an error
// wrapping ErrMalformedEnvelope. Unknown discriminants decode to
// AgentEventOther with the raw envelope preserved.
func DecodeAgent(data []byte) (*AgentEvent, error) {
	var env agentEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: agent: %v", ErrMalformedEnvelope, err)
	}

	switch env.Type {
	case AgentAudio:
		if env.AudioEvent == nil || env.AudioEvent.AudioBase64 == "" {
			return nil, fmt.Errorf("%w: agent audio without audio_base_64", ErrMalformedEnvelope)
		}
		payload, err := base64.StdEncoding.DecodeString(env.AudioEvent.AudioBase64)
		if err != nil {
			return nil, fmt.Errorf("%w: agent audio payload not base64: %v", ErrMalformedEnvelope, err)
		}
		return &AgentEvent{Type: AgentEventAudio, Payload: payload}, nil

	case AgentUserTranscript:
		if env.UserTranscriptionEvent == nil {
			return nil, fmt.Errorf("%w: agent user_transcript without transcription event", ErrMalformedEnvelope)
		}
		return &AgentEvent{Type: AgentEventUserTranscript, Text: env.UserTranscriptionEvent.UserTranscript}, nil

	case AgentResponse:
		if env.AgentResponseEvent == nil {
			return nil, fmt.Errorf("%w: agent agent_response without response event", ErrMalformedEnvelope)
		}
		return &AgentEvent{Type: AgentEventResponse, Text: env.AgentResponseEvent.AgentResponse}, nil

	case AgentPing:
		ev := &AgentEvent{Type: AgentEventPing}
		if env.PingEvent != nil {
			ev.EventID = env.PingEvent.EventID
		}
		return ev, nil

	case AgentConversationInit:
		ev := &AgentEvent{Type: AgentEventConversationInit}
		if env.ConversationInitiationMetadataEvent != nil {
			ev.ConversationID = env.ConversationInitiationMetadataEvent.ConversationID
		}
		return ev, nil

	default:
		return &AgentEvent{Type: AgentEventOther, Raw: json.RawMessage(data)}, nil
	}
}

// EncodeAgentAudioChunk builds the outbound audio-chunk envelope:
// {"type":"user_audio_chunk","user_audio_chunk": <base64>}
func EncodeAgentAudioChunk(payload []byte) ([]byte, error) {
	return json.Marshal(map[string]string{
		"type":             AgentUserAudioChunk,
		"user_audio_chunk": base64.StdEncoding.EncodeToString(payload),
	})
}

// EncodeAgentPong builds the pong reply for an agent ping event
func EncodeAgentPong(eventID int) ([]byte, error) {
	return json.Marshal(map[string]interface{}{
		"type":     AgentPong,
		"event_id": eventID,
	})
}

// String returns a human-readable name for the event type
func (t AgentEventType) String() string {
	switch t {
	case AgentEventAudio:
		return "audio"
	case AgentEventUserTranscript:
		return "user_transcript"
	case AgentEventResponse:
		return "agent_response"
	case AgentEventPing:
		return "ping"
	case AgentEventConversationInit:
		return "conversation_initiation_metadata"
	case AgentEventOther:
		return "other"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}
