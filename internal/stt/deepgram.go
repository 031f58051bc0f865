package stt

import (
	"context"
	"fmt"
	"sync"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/pkg/api/listen/v1/websocket/interfaces"
	clientinterfaces "github.com/deepgram/deepgram-go-sdk/pkg/client/interfaces/v1"
	"github.com/deepgram/deepgram-go-sdk/pkg/client/listen"
	"go.uber.org/zap"
)

// DeepgramConfig configures Deepgram live transcription.
type DeepgramConfig struct {
	APIKey   string
	Model    string // default nova-2-phonecall
	Language string // default en-US
	// Endpointing is Deepgram's own silence hint in ms, passed through as is.
	Endpointing string
}

type liveClient interface {
	Connect() bool
	Write(p []byte) (int, error)
	Stop()
}

// Deepgram streams audio to Deepgram's live listen API.
type Deepgram struct {
	client    liveClient
	cb        *liveCallback
	closeOnce sync.Once
}

// NewDeepgram opens a live transcription socket for 8 kHz linear16 mono.
func NewDeepgram(ctx context.Context, cfg DeepgramConfig, logger *zap.Logger) (*Deepgram, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("deepgram: API key missing")
	}
	if cfg.Model == "" {
		cfg.Model = "nova-2-phonecall"
	}
	if cfg.Language == "" {
		cfg.Language = "en-US"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	options := &clientinterfaces.LiveTranscriptionOptions{
		Model:          cfg.Model,
		Language:       cfg.Language,
		Encoding:       "linear16",
		SampleRate:     8000,
		Channels:       1,
		InterimResults: true,
		Punctuate:      true,
		SmartFormat:    true,
		Endpointing:    cfg.Endpointing,
		VadEvents:      true,
	}
	cb := newLiveCallback(logger)
	dg, err := listen.NewWSUsingCallback(ctx, cfg.APIKey, &clientinterfaces.ClientOptions{}, options, cb)
	if err != nil {
		return nil, fmt.Errorf("deepgram: create ws client: %w", err)
	}
	return startDeepgram(dg, cb)
}

func startDeepgram(client liveClient, cb *liveCallback) (*Deepgram, error) {
	if ok := client.Connect(); !ok {
		cb.shutdown()
		return nil, fmt.Errorf("deepgram: connect failed")
	}
	return &Deepgram{client: client, cb: cb}, nil
}

func (d *Deepgram) Submit(frame []byte) error {
	if d.cb.isClosed() {
		return ErrClosed
	}
	if _, err := d.client.Write(frame); err != nil {
		return fmt.Errorf("deepgram: write audio: %w", err)
	}
	return nil
}

func (d *Deepgram) Results() <-chan Transcript { return d.cb.results }

func (d *Deepgram) Close() error {
	d.closeOnce.Do(func() {
		d.client.Stop()
		d.cb.shutdown()
	})
	return nil
}

// liveCallback translates Deepgram events into Transcripts.
type liveCallback struct {
	logger  *zap.Logger
	results chan Transcript

	mu     sync.Mutex
	closed bool
}

func newLiveCallback(logger *zap.Logger) *liveCallback {
	return &liveCallback{logger: logger, results: make(chan Transcript, 100)}
}

func (c *liveCallback) deliver(t Transcript) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.results <- t:
	default:
		c.logger.Warn("deepgram: result buffer full, dropping transcript", zap.String("text", t.Text))
	}
}

func (c *liveCallback) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.results)
	}
}

func (c *liveCallback) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *liveCallback) Open(*msginterfaces.OpenResponse) error {
	c.logger.Debug("deepgram: live socket open")
	return nil
}

func (c *liveCallback) Message(mr *msginterfaces.MessageResponse) error {
	if mr == nil || len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	text := mr.Channel.Alternatives[0].Transcript
	if text == "" {
		return nil
	}
	c.deliver(Transcript{Text: text, IsFinal: mr.IsFinal, TimestampMs: int64(mr.Start * 1000)})
	return nil
}

func (c *liveCallback) Metadata(*msginterfaces.MetadataResponse) error           { return nil }
func (c *liveCallback) SpeechStarted(*msginterfaces.SpeechStartedResponse) error { return nil }
func (c *liveCallback) UtteranceEnd(*msginterfaces.UtteranceEndResponse) error   { return nil }

func (c *liveCallback) Close(*msginterfaces.CloseResponse) error {
	c.logger.Debug("deepgram: live socket closed")
	c.shutdown()
	return nil
}

func (c *liveCallback) Error(er *msginterfaces.ErrorResponse) error {
	c.logger.Warn("deepgram: live error", zap.Any("error", er))
	return nil
}

func (c *liveCallback) UnhandledEvent(b []byte) error {
	c.logger.Debug("deepgram: unhandled event", zap.ByteString("event", b))
	return nil
}
