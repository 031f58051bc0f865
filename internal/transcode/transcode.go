// Package transcode converts compressed audio delivered by TTS providers, or
// read from content files, into native PCM16LE mono at audio.NativeRate.
package transcode

import (
	"bytes"
	"fmt"
	"io"

	"github.com/hajimehoshi/go-mp3"

	"github.com/chadiek/callstream/internal/audio"
	"github.com/chadiek/callstream/internal/callerr"
)

// acceptedRates are the source rates that map cleanly onto the native rate.
var acceptedRates = map[int]struct{}{
	8000: {}, 11025: {}, 12000: {}, 16000: {}, 22050: {}, 24000: {}, 32000: {}, 44100: {}, 48000: {},
}

// Transcoder is stateless; the zero value is ready to use and safe for
// concurrent calls.
type Transcoder struct{}

// New returns a Transcoder.
func New() *Transcoder { return &Transcoder{} }

// Transcode decodes MP3 or WAV input to native PCM16LE mono.
func (t *Transcoder) Transcode(src []byte) ([]byte, error) {
	switch {
	case len(src) == 0:
		return nil, &callerr.TranscodeError{Reason: "empty input"}
	case audio.IsWAV(src):
		return fromWAV(src)
	case isMP3(src):
		return fromMP3(src)
	default:
		return nil, &callerr.TranscodeError{Reason: "unrecognized container"}
	}
}

func isMP3(b []byte) bool {
	if len(b) >= 3 && string(b[:3]) == "ID3" {
		return true
	}
	return len(b) >= 2 && b[0] == 0xFF && b[1]&0xE0 == 0xE0
}

func fromMP3(src []byte) ([]byte, error) {
	dec, err := mp3.NewDecoder(bytes.NewReader(src))
	if err != nil {
		return nil, &callerr.TranscodeError{Reason: "mp3 header", Err: err}
	}
	rate := dec.SampleRate()
	if _, ok := acceptedRates[rate]; !ok {
		return nil, &callerr.TranscodeError{Reason: fmt.Sprintf("unsupported sample rate %d", rate)}
	}
	// go-mp3 always yields 16-bit little-endian stereo.
	raw, err := io.ReadAll(dec)
	if err != nil {
		return nil, &callerr.TranscodeError{Reason: "mp3 decode", Err: err}
	}
	return normalize(audio.Samples(raw), 2, rate)
}

func fromWAV(src []byte) ([]byte, error) {
	w, err := audio.ParseWAV(src)
	if err != nil {
		return nil, &callerr.TranscodeError{Reason: "wav container", Err: err}
	}
	if _, ok := acceptedRates[w.SampleRate]; !ok {
		return nil, &callerr.TranscodeError{Reason: fmt.Sprintf("unsupported sample rate %d", w.SampleRate)}
	}
	if w.Channels != 1 && w.Channels != 2 {
		return nil, &callerr.TranscodeError{Reason: fmt.Sprintf("unsupported channel count %d", w.Channels)}
	}
	var samples []int16
	switch {
	case w.Format == audio.WAVFormatPCM && w.BitsPerSample == 16:
		if len(w.Data)%(2*w.Channels) != 0 {
			return nil, &callerr.TranscodeError{Reason: "truncated pcm data"}
		}
		samples = audio.Samples(w.Data)
	case w.Format == audio.WAVFormatULaw && w.BitsPerSample == 8:
		if len(w.Data)%w.Channels != 0 {
			return nil, &callerr.TranscodeError{Reason: "truncated mu-law data"}
		}
		samples = make([]int16, len(w.Data))
		for i, u := range w.Data {
			samples[i] = audio.DecodeULawSample(u)
		}
	default:
		return nil, &callerr.TranscodeError{Reason: fmt.Sprintf("unsupported wav encoding format=%d bits=%d", w.Format, w.BitsPerSample)}
	}
	return normalize(samples, w.Channels, w.SampleRate)
}

func normalize(samples []int16, channels, rate int) ([]byte, error) {
	mono, err := audio.Downmix(samples, channels)
	if err != nil {
		return nil, &callerr.TranscodeError{Reason: "downmix", Err: err}
	}
	out, err := audio.Resample(mono, rate, audio.NativeRate)
	if err != nil {
		return nil, &callerr.TranscodeError{Reason: "resample", Err: err}
	}
	if len(out) == 0 {
		return nil, &callerr.TranscodeError{Reason: "no audio samples"}
	}
	return audio.Bytes(out), nil
}
