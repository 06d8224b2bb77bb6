// Package audio implements the transcoding pipeline between the telephony
// side's narrowband format (G.711 µ-law, 8 kHz mono) and the agent side's
// linear PCM16 at its native sample rate. Conversion is stateless and pure
// per call; the resampler restarts from every frame boundary, trading a
// minor discontinuity for restartability at any frame.
package audio
