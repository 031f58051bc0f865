// Package orchestrator connects carrier streams to call sessions and the
// shared collaborators behind them.
package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/chadiek/callstream/internal/assets"
	"github.com/chadiek/callstream/internal/metrics"
	"github.com/chadiek/callstream/internal/plan"
	"github.com/chadiek/callstream/internal/playback"
	"github.com/chadiek/callstream/internal/rtc"
	"github.com/chadiek/callstream/internal/session"
	"github.com/chadiek/callstream/internal/summary"
	"github.com/chadiek/callstream/internal/transport"
)

// CarrierWebRTC names softphone calls in metrics and summaries.
const CarrierWebRTC = "webrtc"

// RecognizerFactory opens the speech recognizer for one call.
type RecognizerFactory func(ctx context.Context, callID string) (session.Recognizer, error)

// Config holds per-call settings shared by every call.
type Config struct {
	// Session is the template for each call's options. Framing, Meta and
	// the plans are filled in per call.
	Session       session.Options
	GreetingAsset string
	FallbackAsset string
	TransferAsset string
	// TeardownWait bounds how long ServeStream waits for the session to
	// finish after the stream closed.
	TeardownWait time.Duration
	Transport    transport.Options
}

// Deps are the collaborators shared by all calls.
type Deps struct {
	Registry      *session.Registry
	Library       *assets.Store
	Player        session.Player
	Decider       session.Decider
	NewRecognizer RecognizerFactory
	// Transferers by carrier name; a missing entry disables transfer there.
	Transferers map[string]session.Transferer
	Summary     summary.Sink
	Schema      *session.Schema
	Metrics     *metrics.Metrics
	Logger      *zap.Logger
}

// Orchestrator owns the lifetime of every call it starts.
type Orchestrator struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.Registry == nil || deps.Library == nil || deps.Player == nil || deps.Decider == nil || deps.NewRecognizer == nil {
		return nil, errors.New("orchestrator: registry, library, player, decider and recognizer factory are required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	if deps.Summary == nil {
		deps.Summary = summary.NewLogSink(deps.Logger)
	}
	if cfg.TeardownWait <= 0 {
		cfg.TeardownWait = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{cfg: cfg, deps: deps, logger: deps.Logger, baseCtx: ctx, cancel: cancel}
	if lib := deps.Library.Current(); lib != nil {
		deps.Metrics.AssetsLoaded(lib.Len())
	}
	return o, nil
}

// ServeStream runs one carrier media websocket until the call is over.
// routeCallID is the call id from the URL, used when the start event
// carries none.
func (o *Orchestrator) ServeStream(ctx context.Context, ws *websocket.Conn, d transport.Dialect, routeCallID string) error {
	opts := o.cfg.Transport
	opts.CallID = routeCallID
	opts.Logger = o.logger
	opts.Observer = o.deps.Metrics
	conn := transport.NewConn(ws, d, opts)

	var sess *session.Session
	err := conn.Serve(ctx, func(ctx context.Context, start transport.Start) (transport.Call, error) {
		s, err := o.startCall(ctx, start, d.Name(), d.Framing())
		if err != nil {
			return nil, err
		}
		sess = s
		return s, nil
	})
	if sess != nil {
		select {
		case <-sess.Done():
		case <-time.After(o.cfg.TeardownWait):
			o.logger.Warn("session still running after stream closed", zap.String("call_sid", sess.ID()))
		}
	}
	return err
}

// AcceptRTC starts a softphone call; it is the rtc.Acceptor.
func (o *Orchestrator) AcceptRTC(ctx context.Context, start transport.Start) (rtc.Call, error) {
	return o.startCall(ctx, start, CarrierWebRTC, rtc.Framing)
}

func (o *Orchestrator) startCall(ctx context.Context, start transport.Start, carrier string, framing playback.Framing) (*session.Session, error) {
	rec, err := o.deps.NewRecognizer(o.baseCtx, start.CallID)
	degraded := err != nil
	if degraded {
		o.logger.Error("recognizer unavailable, call gets fallback audio only",
			zap.String("call_sid", start.CallID), zap.String("carrier", carrier), zap.Error(err))
		rec = newDeafRecognizer()
	}

	dir := session.DirectionInbound
	if session.Direction(start.Params["direction"]) == session.DirectionOutbound {
		dir = session.DirectionOutbound
	}
	meta := map[string]string{"carrier": carrier}
	for k, v := range start.Params {
		meta[k] = v
	}
	if start.From != "" {
		meta["from"] = start.From
	}
	if start.To != "" {
		meta["to"] = start.To
	}
	if start.StreamID != "" {
		meta["stream_sid"] = start.StreamID
	}

	opts := o.cfg.Session
	opts.Framing = framing
	opts.Meta = meta
	opts.Greeting, opts.FallbackPlan, opts.TransferPlan = o.plans()
	if degraded {
		opts.Greeting = plan.Plan{}
	}

	logger := o.logger.With(zap.String("carrier", carrier))
	deps := session.Deps{
		Recognizer: rec,
		Decider:    o.deps.Decider,
		Player:     o.deps.Player,
		Transferer: o.deps.Transferers[carrier],
		Schema:     o.deps.Schema,
		Logger:     logger,
		Observer:   o.deps.Metrics,
		OnEnd:      o.onEnd,
	}
	sess, err := o.deps.Registry.Create(ctx, start.CallID, dir, deps, opts)
	if err != nil {
		_ = rec.Close()
		return nil, err
	}
	o.deps.Metrics.CallStarted()
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if err := sess.Run(o.baseCtx); err != nil {
			logger.Error("session run", zap.String("call_sid", sess.ID()), zap.Error(err))
		}
	}()
	return sess, nil
}

// plans resolves the configured asset names against the current library so
// a missing optional asset never becomes a plan.
func (o *Orchestrator) plans() (greeting, fallback, transfer plan.Plan) {
	lib := o.deps.Library.Current()
	has := func(name string) bool { return name != "" && lib != nil && lib.Has(name) }
	if has(o.cfg.GreetingAsset) {
		greeting = plan.New(plan.Asset(o.cfg.GreetingAsset))
	}
	if o.cfg.FallbackAsset != "" {
		fallback = plan.New(plan.Asset(o.cfg.FallbackAsset))
	}
	if has(o.cfg.TransferAsset) {
		transfer = plan.New(plan.Asset(o.cfg.TransferAsset))
	}
	return greeting, fallback, transfer
}

func (o *Orchestrator) onEnd(snap session.Snapshot) {
	o.deps.Metrics.CallEnded(string(snap.Direction), snap.EndReason, snap.Duration())
	if err := o.deps.Summary.Emit(context.Background(), EventFromSnapshot(snap)); err != nil {
		o.logger.Warn("summary not emitted", zap.String("call_sid", snap.ID), zap.Error(err))
	}
}

// EndCall hangs up a live call, for example on a carrier status callback.
func (o *Orchestrator) EndCall(callID, reason string) error {
	sess, err := o.deps.Registry.Get(callID)
	if err != nil {
		return err
	}
	sess.Hangup(reason)
	return nil
}

// Reload swaps in a freshly loaded asset library.
func (o *Orchestrator) Reload(ctx context.Context) error {
	if err := o.deps.Library.Reload(ctx); err != nil {
		return err
	}
	o.deps.Metrics.AssetsLoaded(o.deps.Library.Current().Len())
	return nil
}

// Sessions lists live calls.
func (o *Orchestrator) Sessions() []session.Snapshot { return o.deps.Registry.List() }

// Shutdown hangs up every call and waits for teardown, then cancels
// whatever is left when ctx expires.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.deps.Registry.HangupAll(session.ReasonCanceled)
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		o.cancel()
		return nil
	case <-ctx.Done():
		o.cancel()
		<-done
		return ctx.Err()
	}
}

// deafRecognizer stands in when no recognizer could be opened. Its closed
// utterance channel makes the session play the fallback and end the call,
// or transfer it when that is enabled.
type deafRecognizer struct{ utterances chan string }

func newDeafRecognizer() deafRecognizer {
	ch := make(chan string)
	close(ch)
	return deafRecognizer{utterances: ch}
}

func (deafRecognizer) Submit([]byte) error         { return nil }
func (r deafRecognizer) Utterances() <-chan string { return r.utterances }
func (deafRecognizer) Close() error                { return nil }
