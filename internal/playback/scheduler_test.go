package playback

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/chadiek/callstream/internal/assets"
	"github.com/chadiek/callstream/internal/audio"
	"github.com/chadiek/callstream/internal/callerr"
	"github.com/chadiek/callstream/internal/plan"
	"github.com/chadiek/callstream/internal/transcode"
)

type staticLib struct{ lib *assets.Library }

func (s staticLib) Current() *assets.Library { return s.lib }

type fakeTTS struct {
	calls atomic.Int32
	out   []byte
	err   error
	delay time.Duration
}

func (f *fakeTTS) Synthesize(ctx context.Context, _ string) ([]byte, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.out, f.err
}

type countingTranscoder struct {
	calls atomic.Int32
	err   error
}

func (c *countingTranscoder) Transcode(src []byte) ([]byte, error) {
	c.calls.Add(1)
	if c.err != nil {
		return nil, c.err
	}
	return transcode.New().Transcode(src)
}

type collectSink struct {
	mu     sync.Mutex
	frames [][]byte
	limit  int
}

func (c *collectSink) Push(_ context.Context, p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.limit > 0 && len(c.frames) >= c.limit {
		return ErrTruncated
	}
	c.frames = append(c.frames, p)
	return nil
}

func (c *collectSink) joined() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return bytes.Join(c.frames, nil)
}

// tone returns n bytes of a recognisable ramp so concatenation order is checkable.
func tone(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i%7)
	}
	return b
}

func testLibrary(t *testing.T) *assets.Library {
	t.Helper()
	lib, err := assets.FromPCM(map[string][]byte{
		"greeting": tone(audio.BytesFor(2000*time.Millisecond), 1),
		"bye":      tone(audio.BytesFor(800*time.Millisecond), 50),
		"apology":  tone(audio.BytesFor(600*time.Millisecond), 100),
	})
	require.NoError(t, err)
	return lib
}

var twilioFraming = Framing{FrameBytes: 320, Align: 320}

func newTestScheduler(t *testing.T, tts Synthesizer, tr Transcoder) *Scheduler {
	return New(staticLib{testLibrary(t)}, tts, tr,
		Config{FallbackAsset: "apology", PrerollFrames: 2, SynthTimeout: time.Second},
		WithPacer(Unpaced), WithLogger(zaptest.NewLogger(t)))
}

func TestAssetsOnlyPlanNeverSynthesizes(t *testing.T) {
	tts := &fakeTTS{}
	tr := &countingTranscoder{}
	s := newTestScheduler(t, tts, tr)
	sink := &collectSink{}

	res, err := s.Schedule(context.Background(), plan.New(plan.Asset("greeting"), plan.Asset("bye")), twilioFraming, sink)
	require.NoError(t, err)
	assert.Equal(t, 2800*time.Millisecond, res.Duration)
	assert.Equal(t, 2, res.AssetLookups)
	assert.Equal(t, 0, res.Syntheses)
	assert.Equal(t, int32(0), tts.calls.Load())
	assert.Equal(t, int32(0), tr.calls.Load())
	assert.Equal(t, 140, res.Frames)

	lib := testLibrary(t)
	g, _ := lib.Get("greeting")
	b, _ := lib.Get("bye")
	assert.Equal(t, append(append([]byte{}, g.PCM...), b.PCM...), sink.joined())
}

func TestSynthesizedItemTranscodedOnce(t *testing.T) {
	synthesized := make([]byte, audio.BytesFor(1200*time.Millisecond)*2)
	tts := &fakeTTS{out: audio.EncodeWAV(synthesized, 16000)}
	tr := &countingTranscoder{}
	s := newTestScheduler(t, tts, tr)
	sink := &collectSink{}

	res, err := s.Schedule(context.Background(), plan.New(plan.Synthesize("Sorry, can you repeat that?")), twilioFraming, sink)
	require.NoError(t, err)
	assert.Equal(t, int32(1), tts.calls.Load())
	assert.Equal(t, int32(1), tr.calls.Load())
	assert.Equal(t, 1, res.Syntheses)
	assert.Equal(t, 1, res.Transcodes)
	assert.Equal(t, 1200*time.Millisecond, res.Duration)
	assert.Equal(t, 0, res.Fallbacks)
	assert.Equal(t, SourceSynthesis, res.Items[0].Source)
}

func TestUnknownAssetUsesFallback(t *testing.T) {
	s := newTestScheduler(t, nil, &countingTranscoder{})
	sink := &collectSink{}
	res, err := s.Schedule(context.Background(), plan.New(plan.Asset("missing")), twilioFraming, sink)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Fallbacks)
	assert.Equal(t, 600*time.Millisecond, res.Duration)
	assert.ErrorIs(t, res.Items[0].Err, callerr.ErrNotFound)
}

func TestSynthesisFailuresUseFallback(t *testing.T) {
	wav := audio.EncodeWAV(make([]byte, 1600), 8000)
	cases := []struct {
		name  string
		tts   *fakeTTS
		tr    *countingTranscoder
		check func(t *testing.T, err error)
	}{
		{"synthesis_error", &fakeTTS{err: &callerr.SynthesisError{Provider: "fake", Err: errors.New("503")}}, &countingTranscoder{},
			func(t *testing.T, err error) {
				var se *callerr.SynthesisError
				assert.True(t, errors.As(err, &se))
			}},
		{"empty_audio", &fakeTTS{}, &countingTranscoder{},
			func(t *testing.T, err error) {
				var se *callerr.SynthesisError
				assert.True(t, errors.As(err, &se))
			}},
		{"timeout", &fakeTTS{out: wav, delay: 5 * time.Second}, &countingTranscoder{},
			func(t *testing.T, err error) { assert.True(t, callerr.IsTimeout(err)) }},
		{"transcode_error", &fakeTTS{out: wav}, &countingTranscoder{err: &callerr.TranscodeError{Reason: "bad"}},
			func(t *testing.T, err error) {
				var te *callerr.TranscodeError
				assert.True(t, errors.As(err, &te))
			}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := New(staticLib{testLibrary(t)}, tc.tts, tc.tr,
				Config{FallbackAsset: "apology", SynthTimeout: 50 * time.Millisecond}, WithPacer(Unpaced))
			res, err := s.Schedule(context.Background(), plan.New(plan.Synthesize("hi")), twilioFraming, &collectSink{})
			require.NoError(t, err)
			assert.Equal(t, 1, res.Fallbacks)
			assert.Equal(t, 600*time.Millisecond, res.Duration)
			tc.check(t, res.Items[0].Err)
		})
	}
}

func TestFinalFramePaddedToAlign(t *testing.T) {
	lib, err := assets.FromPCM(map[string][]byte{"short": tone(1000, 3), "apology": tone(320, 9)})
	require.NoError(t, err)
	s := New(staticLib{lib}, nil, nil, Config{FallbackAsset: "apology"}, WithPacer(Unpaced))
	sink := &collectSink{}
	res, err := s.Schedule(context.Background(), plan.New(plan.Asset("short")), Framing{FrameBytes: 3200, Align: 320}, sink)
	require.NoError(t, err)
	require.Len(t, sink.frames, 1)
	assert.Len(t, sink.frames[0], 1280)
	assert.Equal(t, tone(1000, 3), sink.frames[0][:1000])
	assert.Equal(t, make([]byte, 280), sink.frames[0][1000:])
	assert.Equal(t, 1280, res.Bytes)
}

func TestFramesSpanItemBoundaries(t *testing.T) {
	lib, err := assets.FromPCM(map[string][]byte{"a": tone(500, 1), "b": tone(300, 2), "apology": tone(2, 0)})
	require.NoError(t, err)
	s := New(staticLib{lib}, nil, nil, Config{FallbackAsset: "apology"}, WithPacer(Unpaced))
	sink := &collectSink{}
	_, err = s.Schedule(context.Background(), plan.New(plan.Asset("a"), plan.Asset("b")), Framing{FrameBytes: 320, Align: 2}, sink)
	require.NoError(t, err)
	require.Len(t, sink.frames, 3)
	assert.Len(t, sink.frames[0], 320)
	assert.Len(t, sink.frames[1], 320)
	assert.Len(t, sink.frames[2], 160)
	assert.Equal(t, append(tone(500, 1), tone(300, 2)...), sink.joined())
}

func TestTruncationStopsSchedule(t *testing.T) {
	s := newTestScheduler(t, nil, nil)
	sink := &collectSink{limit: 5}
	res, err := s.Schedule(context.Background(), plan.New(plan.Asset("greeting")), twilioFraming, sink)
	assert.ErrorIs(t, err, ErrTruncated)
	assert.Equal(t, 5, res.Frames)
}

func TestContextCancelStopsPacing(t *testing.T) {
	s := New(staticLib{testLibrary(t)}, nil, nil, Config{FallbackAsset: "apology"})
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	sink := &collectSink{}
	start := time.Now()
	_, err := s.Schedule(ctx, plan.New(plan.Asset("greeting")), twilioFraming, sink)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
	assert.Less(t, len(sink.frames), 100)
}

func TestRealtimePacing(t *testing.T) {
	lib, err := assets.FromPCM(map[string][]byte{"clip": make([]byte, 320*6), "apology": make([]byte, 320)})
	require.NoError(t, err)
	s := New(staticLib{lib}, nil, nil, Config{FallbackAsset: "apology", PrerollFrames: 1})
	start := time.Now()
	res, err := s.Schedule(context.Background(), plan.New(plan.Asset("clip")), twilioFraming, &collectSink{})
	require.NoError(t, err)
	assert.Equal(t, 6, res.Frames)
	// five paced frames at 20ms each
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestInvalidFraming(t *testing.T) {
	s := newTestScheduler(t, nil, nil)
	_, err := s.Schedule(context.Background(), plan.New(plan.Asset("bye")), Framing{FrameBytes: 321}, &collectSink{})
	assert.Error(t, err)
	res, err := s.Schedule(context.Background(), plan.New(), twilioFraming, &collectSink{})
	assert.NoError(t, err)
	assert.Zero(t, res.Frames)
}
