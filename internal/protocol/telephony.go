package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedEnvelope indicates an event that could not be parsed or that is
// missing a field required by its discriminant. Callers drop the single event
// and continue; a malformed envelope is never fatal to a session.
var ErrMalformedEnvelope = errors.New("malformed envelope")

// Telephony event types (wire discriminant values for the "event" field)
const (
	TelephonyConnected = "connected"
	TelephonyStart     = "start"
	TelephonyMedia     = "media"
	TelephonyStop      = "stop"
	TelephonyPing      = "ping"
)

// TelephonyEventType identifies the decoded variant of a telephony event
type TelephonyEventType int

const (
	TelephonyEventConnected TelephonyEventType = iota
	TelephonyEventStart
	TelephonyEventMedia
	TelephonyEventStop
	TelephonyEventOther
)

// TelephonyEvent is a decoded telephony-side message. Exactly the fields
// relevant to the variant are populated; Raw always holds the original
// envelope for Other events.
type TelephonyEvent struct {
	Type      TelephonyEventType
	StreamSID string          // set for Start
	CallSID   string          // set for Start when the provider includes it
	Payload   []byte          // decoded audio bytes, set for Media
	Raw       json.RawMessage // original envelope, set for Other
}

// telephonyEnvelope mirrors the wire shape of inbound telephony messages.
// Layout: {"event": <discriminant>, "start": {...}, "media": {...}, ...}
type telephonyEnvelope struct {
	Event string `json:"event"`
	Start *struct {
		StreamSID string `json:"streamSid"`
		CallSID   string `json:"callSid"`
	} `json:"start"`
	Media *struct {
		Payload string `json:"payload"`
	} `json:"media"`
}

// telephonyMediaOut is the outbound media envelope sent back to the
// telephony socket. Shape: {"event":"media","streamSid":...,"media":{"payload":...}}
type telephonyMediaOut struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
	Media     struct {
		Payload string `json:"payload"`
	} `json:"media"`
}

// DecodeTelephony parses one telephony-side envelope into a TelephonyEvent.
// Unparseable documents and recognized events missing required fields return
// an error wrapping ErrMalformedEnvelope. Unknown discriminants decode to
// TelephonyEventOther with the raw envelope preserved.
func DecodeTelephony(data []byte) (*TelephonyEvent, error) {
	var env telephonyEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: telephony: %v", ErrMalformedEnvelope, err)
	}

	switch env.Event {
	case TelephonyConnected:
		return &TelephonyEvent{Type: TelephonyEventConnected}, nil

	case TelephonyStart:
		if env.Start == nil || env.Start.StreamSID == "" {
			return nil, fmt.Errorf("%w: telephony start without streamSid", ErrMalformedEnvelope)
		}
		return &TelephonyEvent{
			Type:      TelephonyEventStart,
			StreamSID: env.Start.StreamSID,
			CallSID:   env.Start.CallSID,
		}, nil

	case TelephonyMedia:
		if env.Media == nil || env.Media.Payload == "" {
			return nil, fmt.Errorf("%w: telephony media without payload", ErrMalformedEnvelope)
		}
		payload, err := base64.StdEncoding.DecodeString(env.Media.Payload)
		if err != nil {
			return nil, fmt.Errorf("%w: telephony media payload not base64: %v", ErrMalformedEnvelope, err)
		}
		return &TelephonyEvent{Type: TelephonyEventMedia, Payload: payload}, nil

	case TelephonyStop:
		return &TelephonyEvent{Type: TelephonyEventStop}, nil

	default:
		return &TelephonyEvent{Type: TelephonyEventOther, Raw: json.RawMessage(data)}, nil
	}
}

// EncodeTelephonyMedia builds the outbound media envelope for an audio
// payload bound to the given stream identifier.
func EncodeTelephonyMedia(streamSID string, payload []byte) ([]byte, error) {
	out := telephonyMediaOut{Event: TelephonyMedia, StreamSID: streamSID}
	out.Media.Payload = base64.StdEncoding.EncodeToString(payload)
	return json.Marshal(out)
}

// EncodeTelephonyPing builds the liveness ping envelope: {"event":"ping"}
func EncodeTelephonyPing() ([]byte, error) {
	return json.Marshal(map[string]string{"event": TelephonyPing})
}

// String returns a human-readable name for the event type
func (t TelephonyEventType) String() string {
	switch t {
	case TelephonyEventConnected:
		return "connected"
	case TelephonyEventStart:
		return "start"
	case TelephonyEventMedia:
		return "media"
	case TelephonyEventStop:
		return "stop"
	case TelephonyEventOther:
		return "other"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}
