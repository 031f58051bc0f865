// Package audio holds the sample-level primitives shared by the transcoder,
// the playback scheduler and the carrier transports.
//
// The native format inside the process is 16-bit little-endian mono PCM at
// 8000 Hz. Carrier-specific companding (mu-law) happens at the wire edge.
package audio

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

const (
	// NativeRate is the sample rate every asset and frame is stored at.
	NativeRate = 8000
	// BytesPerSample for PCM16.
	BytesPerSample = 2
)

// Duration returns the playback time of n bytes of native PCM16.
func Duration(n int) time.Duration {
	samples := n / BytesPerSample
	return time.Duration(samples) * time.Second / NativeRate
}

// BytesFor returns the native PCM16 byte count covering d.
func BytesFor(d time.Duration) int {
	samples := int(d * NativeRate / time.Second)
	return samples * BytesPerSample
}

// Samples decodes PCM16LE bytes. A trailing odd byte is ignored.
func Samples(pcm []byte) []int16 {
	n := len(pcm) / BytesPerSample
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

// Bytes encodes samples as PCM16LE.
func Bytes(samples []int16) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// Downmix averages interleaved channels into mono.
func Downmix(samples []int16, channels int) ([]int16, error) {
	if channels == 1 {
		return samples, nil
	}
	if channels < 1 {
		return nil, fmt.Errorf("invalid channel count %d", channels)
	}
	if len(samples)%channels != 0 {
		return nil, fmt.Errorf("sample count %d not divisible by %d channels", len(samples), channels)
	}
	out := make([]int16, len(samples)/channels)
	for i := range out {
		var sum int
		for c := 0; c < channels; c++ {
			sum += int(samples[i*channels+c])
		}
		out[i] = int16(sum / channels)
	}
	return out, nil
}

// Resample converts mono samples between rates with linear interpolation.
func Resample(in []int16, fromRate, toRate int) ([]int16, error) {
	if fromRate <= 0 || toRate <= 0 {
		return nil, fmt.Errorf("invalid sample rates: from=%d, to=%d", fromRate, toRate)
	}
	if fromRate == toRate || len(in) == 0 {
		out := make([]int16, len(in))
		copy(out, in)
		return out, nil
	}
	n := int(int64(len(in)) * int64(toRate) / int64(fromRate))
	out := make([]int16, n)
	ratio := float64(fromRate) / float64(toRate)
	last := len(in) - 1
	for i := 0; i < n; i++ {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx >= last {
			out[i] = in[last]
			continue
		}
		frac := pos - float64(idx)
		s0, s1 := float64(in[idx]), float64(in[idx+1])
		out[i] = clamp(s0 + frac*(s1-s0))
	}
	return out, nil
}

// Silence returns n zeroed bytes, rounded down to whole samples.
func Silence(n int) []byte {
	return make([]byte, n-n%BytesPerSample)
}

// RMS returns the root-mean-square level of PCM16LE data.
func RMS(pcm []byte) float64 {
	n := len(pcm) / BytesPerSample
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

func clamp(v float64) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}
