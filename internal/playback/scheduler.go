// Package playback turns a response plan into a paced sequence of fixed-size
// audio frames.
package playback

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/chadiek/callstream/internal/assets"
	"github.com/chadiek/callstream/internal/audio"
	"github.com/chadiek/callstream/internal/callerr"
	"github.com/chadiek/callstream/internal/plan"
)

// LibrarySource yields the library in effect; *assets.Store implements it.
type LibrarySource interface {
	Current() *assets.Library
}

// Synthesizer maps text to compressed audio (MP3, WAV).
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// Transcoder maps compressed audio to native PCM16LE.
type Transcoder interface {
	Transcode(src []byte) ([]byte, error)
}

// Sink receives frame payloads in order. It returns ErrTruncated once the
// plan it serves has been cut off by a barge-in.
type Sink interface {
	Push(ctx context.Context, payload []byte) error
}

// ErrTruncated signals that the sink no longer accepts frames for this plan.
var ErrTruncated = errors.New("playback truncated")

// Framing describes the carrier's frame geometry.
type Framing struct {
	// FrameBytes is the native PCM16 size of one frame.
	FrameBytes int
	// Align pads the final partial frame up to a multiple of this many bytes.
	Align int
}

// FrameDuration is the wall-clock length of one frame.
func (f Framing) FrameDuration() time.Duration { return audio.Duration(f.FrameBytes) }

// Observer receives scheduling events, typically Prometheus collectors.
type Observer interface {
	ObserveFallback(reason string)
	ObserveSynthesis(d time.Duration, err error)
}

type nopObserver struct{}

func (nopObserver) ObserveFallback(string)                {}
func (nopObserver) ObserveSynthesis(time.Duration, error) {}

// Config holds static scheduler settings.
type Config struct {
	FallbackAsset string
	PrerollFrames int
	SynthTimeout  time.Duration
}

// Scheduler is shared by all calls; Schedule keeps no state between plans.
type Scheduler struct {
	lib        LibrarySource
	tts        Synthesizer
	transcoder Transcoder
	cfg        Config
	newPacer   func(time.Duration) Pacer
	logger     *zap.Logger
	obs        Observer
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithPacer overrides the realtime ticker pacer.
func WithPacer(f func(time.Duration) Pacer) Option { return func(s *Scheduler) { s.newPacer = f } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(s *Scheduler) { s.logger = l } }

// WithObserver sets the metrics observer.
func WithObserver(o Observer) Option { return func(s *Scheduler) { s.obs = o } }

// New builds a scheduler. tts may be nil when only assets are played.
func New(lib LibrarySource, tts Synthesizer, tr Transcoder, cfg Config, opts ...Option) *Scheduler {
	if cfg.SynthTimeout <= 0 {
		cfg.SynthTimeout = 8 * time.Second
	}
	s := &Scheduler{
		lib:        lib,
		tts:        tts,
		transcoder: tr,
		cfg:        cfg,
		newPacer:   NewTickerPacer,
		logger:     zap.NewNop(),
		obs:        nopObserver{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Source tells where an item's audio came from.
type Source string

const (
	SourceAsset     Source = "asset"
	SourceSynthesis Source = "synthesis"
	SourceFallback  Source = "fallback"
)

// Resolved records the outcome for one plan item.
type Resolved struct {
	Item   plan.Item
	Source Source
	Bytes  int
	Err    error
}

// Result summarizes one Schedule call.
type Result struct {
	Frames       int
	Bytes        int
	Duration     time.Duration
	AssetLookups int
	Syntheses    int
	Transcodes   int
	Fallbacks    int
	Items        []Resolved
}

type resolution struct {
	pcm        []byte
	source     Source
	err        error
	lookups    int
	syntheses  int
	transcodes int
}

// Schedule resolves every item of p in order, slices the audio into frames
// and pushes them to sink paced at one frame duration per frame after the
// pre-roll. It returns early with ctx.Err() or ErrTruncated.
func (s *Scheduler) Schedule(ctx context.Context, p plan.Plan, f Framing, sink Sink) (Result, error) {
	var res Result
	if f.FrameBytes <= 0 || f.FrameBytes%audio.BytesPerSample != 0 {
		return res, fmt.Errorf("playback: invalid frame size %d", f.FrameBytes)
	}
	if f.Align <= 0 {
		f.Align = audio.BytesPerSample
	}
	lib := s.lib.Current()
	n := p.Len()
	if n == 0 {
		return res, nil
	}

	pending := make([]chan resolution, n)
	start := func(i int) {
		if i >= n || pending[i] != nil {
			return
		}
		ch := make(chan resolution, 1)
		pending[i] = ch
		item := p.At(i)
		if item.Kind == plan.KindSynthesize {
			go func() { ch <- s.resolve(ctx, lib, item) }()
			return
		}
		ch <- s.resolve(ctx, lib, item)
	}

	pacer := s.newPacer(f.FrameDuration())
	defer pacer.Stop()

	buf := make([]byte, 0, f.FrameBytes)
	emit := func(frame []byte) error {
		if res.Frames >= s.cfg.PrerollFrames {
			if err := pacer.Wait(ctx); err != nil {
				return err
			}
		}
		if err := sink.Push(ctx, frame); err != nil {
			return err
		}
		res.Frames++
		res.Bytes += len(frame)
		res.Duration += audio.Duration(len(frame))
		return nil
	}

	for i := 0; i < n; i++ {
		start(i)
		// Look one item ahead so synthesis overlaps the current item's playback.
		start(i + 1)
		var r resolution
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case r = <-pending[i]:
		}
		res.AssetLookups += r.lookups
		res.Syntheses += r.syntheses
		res.Transcodes += r.transcodes
		if r.source == SourceFallback {
			res.Fallbacks++
		}
		res.Items = append(res.Items, Resolved{Item: p.At(i), Source: r.source, Bytes: len(r.pcm), Err: r.err})

		pcm := r.pcm
		for len(pcm) > 0 {
			take := f.FrameBytes - len(buf)
			if take > len(pcm) {
				take = len(pcm)
			}
			buf = append(buf, pcm[:take]...)
			pcm = pcm[take:]
			if len(buf) == f.FrameBytes {
				if err := emit(buf); err != nil {
					return res, err
				}
				buf = make([]byte, 0, f.FrameBytes)
			}
		}
	}
	if len(buf) > 0 {
		if rem := len(buf) % f.Align; rem != 0 {
			buf = append(buf, make([]byte, f.Align-rem)...)
		}
		if err := emit(buf); err != nil {
			return res, err
		}
	}
	return res, nil
}

func (s *Scheduler) resolve(ctx context.Context, lib *assets.Library, item plan.Item) resolution {
	switch item.Kind {
	case plan.KindAsset:
		a, err := lib.Get(item.Name)
		if err == nil {
			return resolution{pcm: a.PCM, source: SourceAsset, lookups: 1}
		}
		s.logger.Warn("asset missing from library, substituting fallback",
			zap.String("asset", item.Name), zap.String("fallback", s.cfg.FallbackAsset))
		s.obs.ObserveFallback("not_found")
		r := s.fallback(lib, fmt.Errorf("asset %q: %w", item.Name, err))
		r.lookups = 1
		return r
	case plan.KindSynthesize:
		return s.synthesize(ctx, lib, item.Text)
	default:
		return s.fallback(lib, fmt.Errorf("unknown plan item kind %v", item.Kind))
	}
}

func (s *Scheduler) synthesize(ctx context.Context, lib *assets.Library, text string) resolution {
	if s.tts == nil {
		s.obs.ObserveFallback("synthesis")
		return s.fallback(lib, &callerr.SynthesisError{Provider: "none", Err: errors.New("no synthesizer configured")})
	}
	sctx, cancel := context.WithTimeout(ctx, s.cfg.SynthTimeout)
	defer cancel()

	began := time.Now()
	compressed, err := s.tts.Synthesize(sctx, text)
	if err == nil && len(compressed) == 0 {
		err = &callerr.SynthesisError{Provider: "unknown", Err: errors.New("empty audio")}
	}
	if err != nil && errors.Is(sctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		err = &callerr.TimeoutError{Op: "synthesize", After: s.cfg.SynthTimeout}
	}
	s.obs.ObserveSynthesis(time.Since(began), err)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("synthesis failed, substituting fallback", zap.Error(err), zap.Int("text_len", len(text)))
			s.obs.ObserveFallback("synthesis")
		}
		r := s.fallback(lib, err)
		r.syntheses = 1
		return r
	}

	pcm, err := s.transcoder.Transcode(compressed)
	if err != nil {
		s.logger.Warn("transcode failed, substituting fallback", zap.Error(err))
		s.obs.ObserveFallback("transcode")
		r := s.fallback(lib, err)
		r.syntheses, r.transcodes = 1, 1
		return r
	}
	return resolution{pcm: pcm, source: SourceSynthesis, syntheses: 1, transcodes: 1}
}

func (s *Scheduler) fallback(lib *assets.Library, cause error) resolution {
	a, err := lib.Get(s.cfg.FallbackAsset)
	if err != nil {
		s.logger.Error("fallback asset unavailable", zap.String("fallback", s.cfg.FallbackAsset), zap.Error(cause))
		return resolution{source: SourceFallback, err: cause}
	}
	return resolution{pcm: a.PCM, source: SourceFallback, err: cause}
}
