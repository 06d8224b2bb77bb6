package audio

// G.711 µ-law companding. 8-bit µ-law <-> 16-bit linear PCM, per the CCITT
// reference algorithm (bias 0x84, clip 32635).

const (
	ulawBias = 0x84
	ulawClip = 32635
)

// segment boundaries for the 8 µ-law exponent segments
var ulawSegments = [8]int{0xFF, 0x1FF, 0x3FF, 0x7FF, 0xFFF, 0x1FFF, 0x3FFF, 0x7FFF}

// LinearToUlaw compands one 16-bit linear PCM sample to an 8-bit µ-law byte
func LinearToUlaw(sample int16) byte {
	s := int(sample)
	var sign int
	if s < 0 {
		s = -s
		sign = 0x80
	}
	if s > ulawClip {
		s = ulawClip
	}
	s += ulawBias

	seg := 8
	for i, end := range ulawSegments {
		if s <= end {
			seg = i
			break
		}
	}
	if seg >= 8 {
		return byte(^(sign | 0x7F))
	}

	mantissa := (s >> (seg + 3)) & 0x0F
	return byte(^(sign | (seg << 4) | mantissa))
}

// UlawToLinear expands one 8-bit µ-law byte to a 16-bit linear PCM sample
func UlawToLinear(u byte) int16 {
	u = ^u
	sign := u & 0x80
	exponent := int((u >> 4) & 0x07)
	mantissa := int(u & 0x0F)

	magnitude := ((mantissa << 3) + ulawBias) << exponent
	magnitude -= ulawBias

	if sign != 0 {
		return int16(-magnitude)
	}
	return int16(magnitude)
}

// DecodeUlaw expands a µ-law byte buffer to linear PCM16 samples
func DecodeUlaw(data []byte) []int16 {
	samples := make([]int16, len(data))
	for i, u := range data {
		samples[i] = UlawToLinear(u)
	}
	return samples
}

// EncodeUlaw compands linear PCM16 samples to a µ-law byte buffer
func EncodeUlaw(samples []int16) []byte {
	data := make([]byte, len(samples))
	for i, s := range samples {
		data[i] = LinearToUlaw(s)
	}
	return data
}
