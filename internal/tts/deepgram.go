package tts

import (
	"context"
	"fmt"
	"sync"
	"time"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/pkg/api/speak/v1/websocket/interfaces"
	clientinterfaces "github.com/deepgram/deepgram-go-sdk/pkg/client/interfaces/v1"
	"github.com/deepgram/deepgram-go-sdk/pkg/client/speak"
	"go.uber.org/zap"

	"github.com/chadiek/callstream/internal/audio"
)

type speakClient interface {
	Connect() bool
	SpeakWithText(text string) error
	Flush() error
	Stop()
}

type speakDialer func(ctx context.Context, cb msginterfaces.SpeakMessageCallback) (speakClient, error)

// DeepgramClient synthesizes linear16 at the native rate over Deepgram's
// speak websocket and returns it as WAV.
type DeepgramClient struct {
	apiKey string
	model  string
	// IdleWindow ends collection once audio stops arriving.
	IdleWindow time.Duration
	// MaxWait bounds a synthesis that never goes idle.
	MaxWait time.Duration
	dial    speakDialer
	logger  *zap.Logger
}

func NewDeepgram(apiKey, model string, logger *zap.Logger) *DeepgramClient {
	if model == "" {
		model = "aura-2-thalia-en"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &DeepgramClient{apiKey: apiKey, model: model, IdleWindow: 400 * time.Millisecond, MaxWait: 12 * time.Second, logger: logger}
	d.dial = func(ctx context.Context, cb msginterfaces.SpeakMessageCallback) (speakClient, error) {
		options := &clientinterfaces.WSSpeakOptions{
			Model:      d.model,
			Encoding:   "linear16",
			SampleRate: audio.NativeRate,
		}
		return speak.NewWSUsingCallback(ctx, d.apiKey, &clientinterfaces.ClientOptions{}, options, cb)
	}
	return d
}

// Synthesize returns a WAV blob for text.
func (d *DeepgramClient) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if d.apiKey == "" {
		return nil, fmt.Errorf("deepgram: API key missing")
	}
	if text == "" {
		return nil, fmt.Errorf("deepgram: empty text")
	}

	cb := &speakCallback{}
	dg, err := d.dial(ctx, cb)
	if err != nil {
		return nil, fmt.Errorf("deepgram: create ws client: %w", err)
	}
	defer dg.Stop()

	if ok := dg.Connect(); !ok {
		return nil, fmt.Errorf("deepgram: connect failed")
	}
	if err := dg.SpeakWithText(text); err != nil {
		return nil, fmt.Errorf("deepgram: speak text: %w", err)
	}
	if err := dg.Flush(); err != nil {
		d.logger.Warn("deepgram: flush error", zap.Error(err))
	}

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.NewTimer(d.MaxWait)
	defer deadline.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-cb.flushed():
			return d.finish(cb)
		case <-deadline.C:
			return d.finish(cb)
		case <-ticker.C:
			if last := cb.lastAudio(); !last.IsZero() && time.Since(last) > d.IdleWindow {
				return d.finish(cb)
			}
		}
	}
}

func (d *DeepgramClient) finish(cb *speakCallback) ([]byte, error) {
	pcm := cb.pcm()
	if len(pcm)%2 == 1 {
		pcm = pcm[:len(pcm)-1]
	}
	if len(pcm) == 0 {
		return nil, fmt.Errorf("deepgram: no audio received")
	}
	return audio.EncodeWAV(pcm, audio.NativeRate), nil
}

// speakCallback collects binary audio frames.
type speakCallback struct {
	mu       sync.Mutex
	buf      []byte
	last     time.Time
	done     chan struct{}
	doneOnce sync.Once
}

func (s *speakCallback) flushed() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == nil {
		s.done = make(chan struct{})
	}
	return s.done
}

func (s *speakCallback) markFlushed() {
	ch := s.flushed()
	s.doneOnce.Do(func() { close(ch) })
}

func (s *speakCallback) lastAudio() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *speakCallback) pcm() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.buf...)
}

func (s *speakCallback) Open(*msginterfaces.OpenResponse) error         { return nil }
func (s *speakCallback) Metadata(*msginterfaces.MetadataResponse) error { return nil }
func (s *speakCallback) Clear(*msginterfaces.ClearedResponse) error     { return nil }
func (s *speakCallback) Close(*msginterfaces.CloseResponse) error       { return nil }
func (s *speakCallback) Warning(*msginterfaces.WarningResponse) error   { return nil }
func (s *speakCallback) Error(*msginterfaces.ErrorResponse) error       { return nil }
func (s *speakCallback) UnhandledEvent([]byte) error                    { return nil }

func (s *speakCallback) Flush(*msginterfaces.FlushedResponse) error {
	s.markFlushed()
	return nil
}

func (s *speakCallback) Binary(byMsg []byte) error {
	if len(byMsg) == 0 {
		return nil
	}
	s.mu.Lock()
	s.buf = append(s.buf, byMsg...)
	s.last = time.Now()
	s.mu.Unlock()
	return nil
}
