package rtc

import (
	"sync"
	"time"

	"github.com/hraban/opus"
	"github.com/pion/webrtc/v3/pkg/media"

	"github.com/chadiek/callstream/internal/audio"
)

const opusFrame = 20 * time.Millisecond

type sampleWriter interface {
	WriteSample(s media.Sample) error
}

type frameEncoder interface {
	Encode(pcm []int16, data []byte) (int, error)
}

type frameDecoder interface {
	Decode(data []byte, pcm []int16) (int, error)
}

// OpusPacedWriter encodes native PCM to 20ms Opus frames and writes them
// paced to a WebRTC track.
type OpusPacedWriter struct {
	enc          frameEncoder
	track        sampleWriter
	pcmBuf       []int16
	frameSamples int
	frames       chan []byte
	stopCh       chan struct{}
	stopped      bool
	mu           sync.Mutex
}

// NewOpusPacedWriter encodes at the native call rate; Opus RTP timing is
// rate independent so the browser plays it back unchanged.
func NewOpusPacedWriter(track sampleWriter) (*OpusPacedWriter, error) {
	enc, err := opus.NewEncoder(audio.NativeRate, 1, opus.AppVoIP)
	if err != nil {
		return nil, err
	}
	w := newPacedWriter(enc, track, 512)
	go w.pacer()
	return w, nil
}

func newPacedWriter(enc frameEncoder, track sampleWriter, backlog int) *OpusPacedWriter {
	return &OpusPacedWriter{
		enc:          enc,
		track:        track,
		frameSamples: audio.NativeRate * int(opusFrame/time.Millisecond) / 1000,
		frames:       make(chan []byte, backlog),
		stopCh:       make(chan struct{}),
	}
}

// WritePCM buffers native PCM16LE and queues every complete Opus frame.
func (w *OpusPacedWriter) WritePCM(pcm []byte) {
	if len(pcm) < audio.BytesPerSample {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pcmBuf = append(w.pcmBuf, audio.Samples(pcm)...)

	opusBuf := make([]byte, 4000)
	for len(w.pcmBuf) >= w.frameSamples {
		w.encodeLocked(w.pcmBuf[:w.frameSamples], opusBuf)
		n := copy(w.pcmBuf, w.pcmBuf[w.frameSamples:])
		w.pcmBuf = w.pcmBuf[:n]
	}
}

func (w *OpusPacedWriter) encodeLocked(frame []int16, buf []byte) {
	n, err := w.enc.Encode(frame, buf)
	if err != nil || n <= 0 {
		return
	}
	pkt := make([]byte, n)
	copy(pkt, buf[:n])
	w.pushFrame(pkt)
}

// FlushTail pads the remaining PCM to a full frame and adds a short silence
// tail so the last syllable is not clipped.
func (w *OpusPacedWriter) FlushTail() {
	w.mu.Lock()
	defer w.mu.Unlock()
	opusBuf := make([]byte, 4000)
	if len(w.pcmBuf) > 0 {
		pad := make([]int16, w.frameSamples)
		copy(pad, w.pcmBuf)
		w.encodeLocked(pad, opusBuf)
		w.pcmBuf = w.pcmBuf[:0]
	}
	silence := make([]int16, w.frameSamples)
	for i := 0; i < 10; i++ {
		w.encodeLocked(silence, opusBuf)
	}
}

// Close stops the pacer.
func (w *OpusPacedWriter) Close() {
	w.mu.Lock()
	if !w.stopped {
		w.stopped = true
		close(w.stopCh)
	}
	w.mu.Unlock()
}

func (w *OpusPacedWriter) pacer() {
	ticker := time.NewTicker(opusFrame)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			select {
			case frame := <-w.frames:
				_ = w.track.WriteSample(media.Sample{Data: frame, Duration: opusFrame})
			default:
			}
		}
	}
}

// pushFrame enqueues a frame, blocking until space is available or stopped.
func (w *OpusPacedWriter) pushFrame(pkt []byte) {
	select {
	case <-w.stopCh:
	case w.frames <- pkt:
	}
}

// Reset drops queued frames and buffered PCM for an immediate barge-in.
func (w *OpusPacedWriter) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for {
		select {
		case <-w.frames:
		default:
			w.pcmBuf = w.pcmBuf[:0]
			return
		}
	}
}

// decodeInbound turns Opus packets from read into native PCM for sink until
// read fails.
func decodeInbound(dec frameDecoder, read func() ([]byte, error), sink func([]byte)) error {
	pcm := make([]int16, audio.NativeRate/10)
	for {
		payload, err := read()
		if err != nil {
			return err
		}
		if len(payload) == 0 {
			continue
		}
		n, err := dec.Decode(payload, pcm)
		if err != nil || n <= 0 {
			continue
		}
		sink(audio.Bytes(pcm[:n]))
	}
}

// newDecoder decodes straight to the native call rate.
func newDecoder() (frameDecoder, error) {
	return opus.NewDecoder(audio.NativeRate, 1)
}
