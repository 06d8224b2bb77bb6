package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrFrameTooShort marks a resampled frame that fell below the minimum viable
// length. The frame is dropped and relay continues; resampler edge artifacts
// on very small inputs are not worth forwarding.
var ErrFrameTooShort = errors.New("resampled frame below minimum viable length")

// TranscodeError indicates an audio buffer whose shape cannot be converted
// (wrong alignment, empty input). The single frame is dropped; a transcode
// error is never fatal to a session.
type TranscodeError struct {
	Reason string
}

func (e *TranscodeError) Error() string {
	return fmt.Sprintf("transcode error: %s", e.Reason)
}

// Config holds the sample rates and frame policy for a Transcoder
type Config struct {
	TelephonyRate   int // narrowband rate, 8000 Hz
	AgentInputRate  int // PCM rate the agent expects to receive
	AgentOutputRate int // PCM rate the agent emits
	MinFrameBytes   int // resampled frames shorter than this are dropped
}

// Transcoder converts audio frames between the two wire representations.
// It holds only configuration; every call is independent.
type Transcoder struct {
	cfg Config
}

// NewTranscoder creates a transcoder for the given rate configuration
func NewTranscoder(cfg Config) *Transcoder {
	return &Transcoder{cfg: cfg}
}

// ToAgent converts a narrowband µ-law frame to linear PCM16 (little-endian)
// at the agent's input rate. Returns ErrFrameTooShort when the resampled
// buffer falls below the configured minimum.
func (t *Transcoder) ToAgent(ulawFrame []byte) ([]byte, error) {
	if len(ulawFrame) == 0 {
		return nil, &TranscodeError{Reason: "empty narrowband frame"}
	}

	pcm := DecodeUlaw(ulawFrame)
	resampled := Resample(pcm, t.cfg.TelephonyRate, t.cfg.AgentInputRate)

	out := samplesToBytes(resampled)
	if len(out) < t.cfg.MinFrameBytes {
		return nil, fmt.Errorf("%w: %d bytes after resample", ErrFrameTooShort, len(out))
	}
	return out, nil
}

// ToTelephony converts a linear PCM16 (little-endian) frame at the agent's
// output rate down to narrowband µ-law at the telephony rate.
func (t *Transcoder) ToTelephony(pcmFrame []byte) ([]byte, error) {
	if len(pcmFrame) == 0 {
		return nil, &TranscodeError{Reason: "empty linear frame"}
	}
	if len(pcmFrame)%2 != 0 {
		return nil, &TranscodeError{Reason: fmt.Sprintf("linear frame length %d not sample-aligned", len(pcmFrame))}
	}

	pcm := bytesToSamples(pcmFrame)
	resampled := Resample(pcm, t.cfg.AgentOutputRate, t.cfg.TelephonyRate)

	out := EncodeUlaw(resampled)
	if len(out) < t.cfg.MinFrameBytes/2 {
		return nil, fmt.Errorf("%w: %d bytes after resample", ErrFrameTooShort, len(out))
	}
	return out, nil
}

// Resample converts samples from one rate to another by linear interpolation.
// Output length is proportional to len(in) * to / from. Stateless: every
// call starts from the first input sample.
func Resample(in []int16, from, to int) []int16 {
	if len(in) == 0 {
		return nil
	}
	if from == to {
		out := make([]int16, len(in))
		copy(out, in)
		return out
	}

	outLen := int(int64(len(in)) * int64(to) / int64(from))
	if outLen == 0 {
		return nil
	}

	out := make([]int16, outLen)
	step := float64(from) / float64(to)
	for i := range out {
		pos := float64(i) * step
		idx := int(pos)
		if idx >= len(in)-1 {
			out[i] = in[len(in)-1]
			continue
		}
		frac := pos - float64(idx)
		s0 := float64(in[idx])
		s1 := float64(in[idx+1])
		out[i] = int16(s0 + (s1-s0)*frac)
	}
	return out
}

// samplesToBytes serializes PCM16 samples as little-endian bytes
func samplesToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// bytesToSamples parses little-endian bytes as PCM16 samples. The caller
// guarantees even length.
func bytesToSamples(data []byte) []int16 {
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return samples
}
