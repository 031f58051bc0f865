package audio

import "encoding/binary"

const (
	ulawBias = 0x84
	ulawClip = 32635
)

var ulawDecodeTable [256]int16

func init() {
	for i := 0; i < 256; i++ {
		ulawDecodeTable[i] = decodeULaw(byte(i))
	}
}

func decodeULaw(u byte) int16 {
	u = ^u
	sign := u & 0x80
	exp := (u >> 4) & 0x07
	mant := u & 0x0F
	value := (int(mant) << 3) + ulawBias
	value <<= uint(exp)
	value -= ulawBias
	if sign != 0 {
		return int16(-value)
	}
	return int16(value)
}

// EncodeULawSample compands one linear sample with G.711 mu-law.
func EncodeULawSample(s int16) byte {
	sample := int(s)
	sign := 0
	if sample < 0 {
		sample = -sample
		sign = 0x80
	}
	if sample > ulawClip {
		sample = ulawClip
	}
	sample += ulawBias
	exponent := 7
	for mask := 0x4000; sample&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := (sample >> (exponent + 3)) & 0x0F
	return ^byte(sign | exponent<<4 | mantissa)
}

// DecodeULawSample expands one mu-law byte.
func DecodeULawSample(u byte) int16 { return ulawDecodeTable[u] }

// ULawToPCM expands mu-law bytes into PCM16LE.
func ULawToPCM(in []byte) []byte {
	out := make([]byte, len(in)*BytesPerSample)
	for i, u := range in {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(ulawDecodeTable[u]))
	}
	return out
}

// PCMToULaw compands PCM16LE into mu-law bytes.
func PCMToULaw(pcm []byte) []byte {
	n := len(pcm) / BytesPerSample
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		out[i] = EncodeULawSample(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	return out
}
