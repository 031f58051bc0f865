package orchestrator

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/chadiek/callstream/internal/assets"
	"github.com/chadiek/callstream/internal/audio"
	"github.com/chadiek/callstream/internal/callerr"
	"github.com/chadiek/callstream/internal/decision"
	"github.com/chadiek/callstream/internal/metrics"
	"github.com/chadiek/callstream/internal/plan"
	"github.com/chadiek/callstream/internal/playback"
	"github.com/chadiek/callstream/internal/session"
	"github.com/chadiek/callstream/internal/summary"
	"github.com/chadiek/callstream/internal/transport"
)

type fakeRecognizer struct {
	utterances chan string
	once       sync.Once
}

func (r *fakeRecognizer) Submit([]byte) error       { return nil }
func (r *fakeRecognizer) Utterances() <-chan string { return r.utterances }
func (r *fakeRecognizer) Close() error {
	r.once.Do(func() { close(r.utterances) })
	return nil
}

type fakeDecider struct{}

func (fakeDecider) Decide(context.Context, decision.Request) (plan.Decision, error) {
	return plan.Decision{Plan: plan.New(plan.Asset("bye"))}, nil
}

type chanSink chan summary.Event

func (c chanSink) Emit(_ context.Context, e summary.Event) error {
	c <- e
	return nil
}

func library(t *testing.T, names ...string) *assets.Library {
	t.Helper()
	pcm := map[string][]byte{}
	for _, n := range names {
		pcm[n] = audio.Silence(audio.BytesFor(100 * time.Millisecond))
	}
	lib, err := assets.FromPCM(pcm)
	require.NoError(t, err)
	return lib
}

type fixture struct {
	orch    *Orchestrator
	store   *assets.Store
	events  chanSink
	opened  chan string
	srvURL  string
	served  chan error
	reload  *assets.Library
	metrics *metrics.Metrics
	recErr  error
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	f := &fixture{events: make(chanSink, 4), opened: make(chan string, 4), served: make(chan error, 4), metrics: metrics.New()}
	f.store = assets.NewStore(library(t, "greeting", "apology", "bye"), func(context.Context) (*assets.Library, error) {
		if f.reload == nil {
			return nil, errors.New("no library")
		}
		return f.reload, nil
	}, logger)
	player := playback.New(f.store, nil, nil, playback.Config{FallbackAsset: "apology"}, playback.WithPacer(playback.Unpaced))

	orch, err := New(Config{
		GreetingAsset: "greeting",
		FallbackAsset: "apology",
		TransferAsset: "transfer_hold",
	}, Deps{
		Registry: session.NewRegistry(10, nil, logger),
		Library:  f.store,
		Player:   player,
		Decider:  fakeDecider{},
		NewRecognizer: func(_ context.Context, id string) (session.Recognizer, error) {
			f.opened <- id
			if f.recErr != nil {
				return nil, f.recErr
			}
			return &fakeRecognizer{utterances: make(chan string)}, nil
		},
		Summary: f.events,
		Metrics: f.metrics,
		Logger:  logger,
	})
	require.NoError(t, err)
	f.orch = orch

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.served <- orch.ServeStream(r.Context(), ws, transport.Twilio{}, "route-id")
	}))
	f.srvURL = "ws" + strings.TrimPrefix(srv.URL, "http")
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
	})
	return f
}

func (f *fixture) dial(t *testing.T, callSid string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(f.srvURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	require.NoError(t, ws.WriteJSON(map[string]any{
		"event": "start", "sequenceNumber": "1", "streamSid": "MZ-" + callSid,
		"start": map[string]any{
			"streamSid": "MZ-" + callSid, "callSid": callSid,
			"customParameters": map[string]any{"direction": "inbound", "from": "+61400000000"},
		},
	}))
	return ws
}

func readEvent(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var m map[string]any
	require.NoError(t, ws.ReadJSON(&m))
	return m
}

func (f *fixture) summary(t *testing.T) summary.Event {
	t.Helper()
	select {
	case e := <-f.events:
		return e
	case <-time.After(3 * time.Second):
		t.Fatal("no summary emitted")
		return summary.Event{}
	}
}

func TestServeStream_GreetsAndSummarizes(t *testing.T) {
	f := newFixture(t)
	ws := f.dial(t, "CA1")
	assert.Equal(t, "CA1", <-f.opened)

	// 100ms greeting in 20ms Twilio frames
	for i := 0; i < 5; i++ {
		m := readEvent(t, ws)
		require.Equal(t, "media", m["event"])
		assert.Equal(t, "MZ-CA1", m["streamSid"])
	}
	sessions := f.orch.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, "CA1", sessions[0].ID)
	assert.Equal(t, "twilio", sessions[0].Meta["carrier"])

	require.NoError(t, ws.WriteJSON(map[string]any{"event": "stop", "streamSid": "MZ-CA1"}))
	require.NoError(t, <-f.served)

	e := f.summary(t)
	assert.Equal(t, "CA1", e.CallID)
	assert.Equal(t, "inbound", e.Direction)
	assert.Equal(t, "+61400000000", e.Phone)
	assert.Equal(t, session.ReasonCarrierStop, e.EndReason)
	assert.Empty(t, f.orch.Sessions())
}

func TestServeStream_DuplicateCallRejected(t *testing.T) {
	f := newFixture(t)
	first := f.dial(t, "CA1")
	readEvent(t, first)

	second := f.dial(t, "CA1")
	require.NoError(t, second.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := second.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseTryAgainLater), "got %v", err)
	assert.True(t, callerr.IsDuplicate(<-f.served))
	assert.Len(t, f.orch.Sessions(), 1, "existing call is untouched")
}

func TestServeStream_RecognizerFailureStillAnswers(t *testing.T) {
	f := newFixture(t)
	f.recErr = errors.New("missing DEEPGRAM_API_KEY")
	ws := f.dial(t, "CA3")
	assert.Equal(t, "CA3", <-f.opened)

	media := 0
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var m map[string]any
		err := ws.ReadJSON(&m)
		if err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
			break
		}
		if m["event"] == "media" {
			media++
		}
	}
	// 100ms apology, no greeting
	assert.Equal(t, 5, media)
	require.NoError(t, <-f.served)
	assert.Equal(t, session.ReasonRecognizerLost, f.summary(t).EndReason)
}

func TestEndCall(t *testing.T) {
	f := newFixture(t)
	ws := f.dial(t, "CA7")
	readEvent(t, ws)

	require.NoError(t, f.orch.EndCall("CA7", session.ReasonStatus))
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, _, err := ws.ReadMessage()
		if err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
			break
		}
	}
	require.NoError(t, <-f.served)
	assert.Equal(t, session.ReasonStatus, f.summary(t).EndReason)

	assert.ErrorIs(t, f.orch.EndCall("CA7", session.ReasonStatus), callerr.ErrNotFound)
}

func TestReloadAndPlans(t *testing.T) {
	f := newFixture(t)
	greeting, fallback, transfer := f.orch.plans()
	assert.Equal(t, []string{"greeting"}, greeting.AssetNames())
	assert.Equal(t, []string{"apology"}, fallback.AssetNames())
	assert.True(t, transfer.Empty(), "transfer asset is not loaded")

	assert.Error(t, f.orch.Reload(context.Background()))
	assert.Equal(t, 3, f.store.Current().Len(), "failed reload keeps the library")

	f.reload = library(t, "apology", "transfer_hold")
	require.NoError(t, f.orch.Reload(context.Background()))
	greeting, _, transfer = f.orch.plans()
	assert.True(t, greeting.Empty())
	assert.Equal(t, []string{"transfer_hold"}, transfer.AssetNames())
}

func TestEventFromSnapshot(t *testing.T) {
	start := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	snap := session.Snapshot{
		ID:        "CA9",
		Direction: session.DirectionOutbound,
		Meta:      map[string]string{"from": "+100", "to": "+200"},
		Variables: map[string]string{"name": "Sam"},
		Flags:     map[string]bool{"greeted": true},
		StartedAt: start,
		EndedAt:   start.Add(90 * time.Second),
		EndReason: session.ReasonHangup,
		Stats:     session.Stats{Utterances: 3, PlaybackDuration: 1500 * time.Millisecond},
		Entries: []session.Entry{
			{At: start, Speaker: "caller", Kind: "utterance", Content: "hi"},
			{At: start, Speaker: "agent", Kind: "assets", Assets: []string{"greeting"}, ResponseTime: 250 * time.Millisecond},
		},
	}
	e := EventFromSnapshot(snap)
	assert.Equal(t, "+200", e.Phone)
	assert.Equal(t, int64(90000), e.DurationMs)
	assert.Equal(t, int64(1500), e.Stats.PlaybackMs)
	assert.Equal(t, 3, e.Stats.Utterances)
	require.Len(t, e.Turns, 2)
	assert.Equal(t, int64(250), e.Turns[1].ResponseMs)
	assert.Equal(t, []string{"greeted"}, e.SetFlags())
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Config{}, Deps{})
	assert.Error(t, err)
}
