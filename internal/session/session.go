// Package session holds the per-call conversation state machine and the
// process-wide registry of live calls.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/chadiek/callstream/internal/callerr"
	"github.com/chadiek/callstream/internal/decision"
	"github.com/chadiek/callstream/internal/plan"
	"github.com/chadiek/callstream/internal/playback"
)

// Direction of the call leg.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// State is the turn state of a call.
type State int32

const (
	StateIdle State = iota
	StateListening
	StateSpeaking
	StateTransferring
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateSpeaking:
		return "speaking"
	case StateTransferring:
		return "transferring"
	case StateEnded:
		return "ended"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// BargeInPolicy decides what a finalized utterance does while the agent is
// speaking.
type BargeInPolicy string

const (
	// BargeInInterrupt cancels playback, clears queued audio and answers now.
	BargeInInterrupt BargeInPolicy = "interrupt"
	// BargeInQueue lets playback finish and answers afterwards.
	BargeInQueue BargeInPolicy = "queue"
)

// ParseBargeInPolicy accepts "interrupt" or "queue".
func ParseBargeInPolicy(s string) (BargeInPolicy, error) {
	switch p := BargeInPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case BargeInInterrupt, BargeInQueue:
		return p, nil
	default:
		return "", fmt.Errorf("unknown barge-in policy %q", s)
	}
}

// End reasons reported in the summary.
const (
	ReasonCarrierStop = "carrier_stop"
	ReasonTransport   = "transport_error"
	ReasonHangup      = "hangup"
	ReasonTransferred = "transferred"
	ReasonFailures    = "failures"
	ReasonCanceled    = "canceled"
	ReasonStatus      = "status_callback"

	// ReasonRecognizerLost: speech recognition stopped mid-call.
	ReasonRecognizerLost = "stt_lost"
)

// Recognizer turns inbound audio into finalized utterances.
type Recognizer interface {
	Submit(pcm []byte) error
	Utterances() <-chan string
	Close() error
}

// Decider chooses the response to an utterance.
type Decider interface {
	Decide(ctx context.Context, req decision.Request) (plan.Decision, error)
}

// Player renders a plan into frames; *playback.Scheduler implements it.
type Player interface {
	Schedule(ctx context.Context, p plan.Plan, f playback.Framing, sink playback.Sink) (playback.Result, error)
}

// Transferer hands the call to a human agent.
type Transferer interface {
	Transfer(ctx context.Context, callID string) error
}

// Observer receives lifecycle events, typically Prometheus collectors.
type Observer interface {
	StateChanged(from, to State)
	BargeIn(policy BargeInPolicy, dropped int)
	DecisionDone(d time.Duration, fallback bool)
	InboundDropped()
}

type nopObserver struct{}

func (nopObserver) StateChanged(State, State)        {}
func (nopObserver) BargeIn(BargeInPolicy, int)       {}
func (nopObserver) DecisionDone(time.Duration, bool) {}
func (nopObserver) InboundDropped()                  {}

// Deps are the collaborators of one call.
type Deps struct {
	Recognizer Recognizer
	Decider    Decider
	Player     Player
	Transferer Transferer // nil disables transfer
	Schema     *Schema
	Logger     *zap.Logger
	Observer   Observer
	// OnEnd receives the final snapshot exactly once.
	OnEnd func(Snapshot)
}

// Options are per-call settings.
type Options struct {
	Framing                playback.Framing
	BargeIn                BargeInPolicy
	InboundBuffer          int
	OutboundBuffer         int
	DecisionTimeout        time.Duration
	TransferTimeout        time.Duration
	MaxConsecutiveFailures int
	TransferEnabled        bool
	Greeting               plan.Plan
	FallbackPlan           plan.Plan
	TransferPlan           plan.Plan
	Meta                   map[string]string
}

// Entry is one line of the conversation log.
type Entry struct {
	At           time.Time
	Speaker      string // "caller" or "agent"
	Kind         string // utterance, assets, synthesis, fallback, transfer
	Content      string
	Assets       []string
	ResponseTime time.Duration
}

// Stats are per-call counters.
type Stats struct {
	Utterances       int
	Decisions        int
	DecisionFailures int
	BargeIns         int
	DroppedInbound   int64
	DroppedOutbound  int
	Frames           int
	AssetsPlayed     int
	Syntheses        int
	Fallbacks        int
	PlaybackDuration time.Duration
}

// Snapshot is a copy of a call's observable state.
type Snapshot struct {
	ID        string
	Direction Direction
	State     State
	Meta      map[string]string
	Variables map[string]string
	Flags     map[string]bool
	StartedAt time.Time
	EndedAt   time.Time
	EndReason string
	Stats     Stats
	Entries   []Entry
}

// Duration is the call length so far, or in total once ended.
func (s Snapshot) Duration() time.Duration {
	if s.EndedAt.IsZero() {
		return time.Since(s.StartedAt)
	}
	return s.EndedAt.Sub(s.StartedAt)
}

type afterPlay int

const (
	afterListen afterPlay = iota
	afterHangup
	afterTransfer
)

type decisionResult struct {
	seq       uint64
	utterance string
	d         plan.Decision
	err       error
	took      time.Duration
}

type playResult struct {
	seq uint64
	res playback.Result
	err error
}

const historyTurns = 20

// Session is one live call. Run owns the conversation state; other
// goroutines talk to it through FeedAudio, Hangup and TransportClosed.
type Session struct {
	id        string
	direction Direction
	deps      Deps
	opts      Options
	logger    *zap.Logger
	obs       Observer
	out       *Outbound

	state      atomic.Int32
	started    atomic.Bool
	droppedIn  atomic.Int64
	submitErrs atomic.Int64

	inbound    chan []byte
	hangup     chan string
	firstAudio chan struct{}
	firstOnce  sync.Once
	decisions  chan decisionResult
	played     chan playResult
	done       chan struct{}
	endOnce    sync.Once
	release    func()

	// owned by Run
	decisionSeq uint64
	deciding    bool
	playSeq     uint64
	playing     bool
	playCancel  context.CancelFunc
	after       afterPlay
	afterReason string
	pending     []string
	failures    int
	deaf        bool

	// written by Run, read by Snapshot
	mu        sync.Mutex
	vars      map[string]string
	flags     map[string]bool
	entries   []Entry
	stats     Stats
	startedAt time.Time
	endedAt   time.Time
	endReason string
}

// New builds a session. Recognizer, Decider and Player are required.
func New(id string, dir Direction, deps Deps, opts Options) (*Session, error) {
	if id == "" {
		return nil, errors.New("session: empty call id")
	}
	if deps.Recognizer == nil || deps.Decider == nil || deps.Player == nil {
		return nil, errors.New("session: recognizer, decider and player are required")
	}
	if deps.Schema == nil {
		deps.Schema = DefaultSchema()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	obs := deps.Observer
	if obs == nil {
		obs = nopObserver{}
	}
	if opts.Framing.FrameBytes <= 0 {
		opts.Framing = playback.Framing{FrameBytes: 320, Align: 320}
	}
	if opts.BargeIn == "" {
		opts.BargeIn = BargeInInterrupt
	}
	if opts.InboundBuffer <= 0 {
		opts.InboundBuffer = 200
	}
	if opts.DecisionTimeout <= 0 {
		opts.DecisionTimeout = 10 * time.Second
	}
	if opts.TransferTimeout <= 0 {
		opts.TransferTimeout = 10 * time.Second
	}
	if dir == "" {
		dir = DirectionInbound
	}
	s := &Session{
		id:         id,
		direction:  dir,
		deps:       deps,
		opts:       opts,
		logger:     deps.Logger.With(zap.String("call_sid", id), zap.String("direction", string(dir))),
		obs:        obs,
		out:        NewOutbound(opts.OutboundBuffer),
		inbound:    make(chan []byte, opts.InboundBuffer),
		hangup:     make(chan string, 1),
		firstAudio: make(chan struct{}),
		decisions:  make(chan decisionResult),
		played:     make(chan playResult),
		done:       make(chan struct{}),
		vars:       make(map[string]string),
		flags:      make(map[string]bool),
		startedAt:  time.Now(),
	}
	return s, nil
}

func (s *Session) ID() string                { return s.id }
func (s *Session) Direction() Direction      { return s.direction }
func (s *Session) State() State              { return State(s.state.Load()) }
func (s *Session) Outbound() *Outbound       { return s.out }
func (s *Session) Framing() playback.Framing { return s.opts.Framing }
func (s *Session) Done() <-chan struct{}     { return s.done }

// Logger returns the call-scoped logger.
func (s *Session) Logger() *zap.Logger { return s.logger }

// FeedAudio hands inbound PCM to the call. It never blocks: once the buffer
// is full the oldest chunk is dropped.
func (s *Session) FeedAudio(pcm []byte) {
	if s.State() == StateEnded {
		return
	}
	for {
		select {
		case s.inbound <- pcm:
			return
		default:
		}
		select {
		case <-s.inbound:
			s.droppedIn.Add(1)
			s.obs.InboundDropped()
		default:
		}
	}
}

// Hangup asks the call to end with reason. Only the first request counts.
func (s *Session) Hangup(reason string) {
	select {
	case s.hangup <- reason:
	default:
	}
}

// TransportClosed ends the call after the carrier connection went away.
func (s *Session) TransportClosed(err error) {
	if err != nil {
		s.logger.Warn("transport closed with error", zap.Error(err))
		s.Hangup(ReasonTransport)
		return
	}
	s.Hangup(ReasonCarrierStop)
}

// Snapshot copies the call's observable state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		ID:        s.id,
		Direction: s.direction,
		State:     s.State(),
		Meta:      make(map[string]string, len(s.opts.Meta)),
		Variables: make(map[string]string, len(s.vars)),
		Flags:     make(map[string]bool, len(s.deps.Schema.flags)),
		StartedAt: s.startedAt,
		EndedAt:   s.endedAt,
		EndReason: s.endReason,
		Stats:     s.stats,
		Entries:   append([]Entry(nil), s.entries...),
	}
	for k, v := range s.opts.Meta {
		snap.Meta[k] = v
	}
	for k, v := range s.vars {
		snap.Variables[k] = v
	}
	for _, f := range s.deps.Schema.flags {
		snap.Flags[f] = s.flags[f]
	}
	snap.Stats.DroppedInbound = s.droppedIn.Load()
	return snap
}

// Run drives the call until it ends. It returns after teardown is complete
// and the summary has been handed to OnEnd.
func (s *Session) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("session: already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.pumpInbound(ctx)
	}()

	s.logger.Info("call started")
	if !s.opts.Greeting.Empty() {
		s.startPlayback(ctx, s.opts.Greeting, afterListen)
	}

	reason := s.loop(ctx)
	cancel()
	s.stopPlayback()
	wg.Wait()
	s.end(reason)
	return nil
}

func (s *Session) loop(ctx context.Context) string {
	utterances := s.deps.Recognizer.Utterances()
	first := s.firstAudio
	for {
		select {
		case <-ctx.Done():
			return ReasonCanceled
		case reason := <-s.hangup:
			return reason
		case <-first:
			first = nil
			if s.State() == StateIdle {
				s.setState(StateListening)
			}
		case text, ok := <-utterances:
			if !ok {
				utterances = nil
				if reason := s.onRecognizerLost(ctx); reason != "" {
					return reason
				}
				continue
			}
			s.onUtterance(ctx, text)
		case r := <-s.decisions:
			if reason := s.onDecision(ctx, r); reason != "" {
				return reason
			}
		case r := <-s.played:
			if reason := s.onPlayed(ctx, r); reason != "" {
				return reason
			}
		}
	}
}

func (s *Session) pumpInbound(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case pcm := <-s.inbound:
			s.firstOnce.Do(func() { close(s.firstAudio) })
			if err := s.deps.Recognizer.Submit(pcm); err != nil {
				if s.submitErrs.Add(1) == 1 {
					s.logger.Warn("recognizer rejected audio", zap.Error(err))
				}
			}
		}
	}
}

func (s *Session) onUtterance(ctx context.Context, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	s.record(Entry{Speaker: "caller", Kind: "utterance", Content: text})
	s.mu.Lock()
	s.stats.Utterances++
	s.mu.Unlock()
	s.logger.Info("caller utterance", zap.String("text", text), zap.String("state", s.State().String()))

	switch s.State() {
	case StateTransferring, StateEnded:
		return
	case StateSpeaking:
		if s.opts.BargeIn == BargeInQueue {
			s.pending = append(s.pending, text)
			return
		}
		s.interrupt()
	}
	if s.deciding {
		s.pending = append(s.pending, text)
		return
	}
	// utterances held back during an earlier decision go first
	if len(s.pending) > 0 {
		text = strings.Join(append(s.pending, text), " ")
		s.pending = nil
	}
	s.startDecision(ctx, text)
}

// onRecognizerLost runs once the recognizer stops delivering utterances.
// The caller can no longer be heard, so the call is handed to an agent when
// transfer is possible and otherwise ends after the fallback plan.
func (s *Session) onRecognizerLost(ctx context.Context) string {
	s.deaf = true
	s.logger.Error("speech recognizer lost", zap.String("state", s.State().String()))
	if s.State() == StateTransferring || (s.playing && s.after == afterHangup) {
		return ""
	}
	if s.deciding {
		// the in-flight result no longer matches decisionSeq
		s.decisionSeq++
		s.deciding = false
	}
	s.pending = nil
	if s.playing {
		s.out.Truncate()
		s.stopPlayback()
	}

	if s.transferAllowed() {
		p := s.opts.TransferPlan
		if p.Empty() {
			p = s.opts.FallbackPlan
		}
		s.record(Entry{Speaker: "agent", Kind: "transfer", Content: p.String(), Assets: p.AssetNames()})
		s.setState(StateTransferring)
		s.startPlayback(ctx, p, afterTransfer)
		return ""
	}
	if s.opts.FallbackPlan.Empty() {
		return ReasonRecognizerLost
	}
	s.record(Entry{Speaker: "agent", Kind: "fallback", Content: s.opts.FallbackPlan.String(), Assets: s.opts.FallbackPlan.AssetNames()})
	s.afterReason = ReasonRecognizerLost
	s.startPlayback(ctx, s.opts.FallbackPlan, afterHangup)
	return ""
}

// interrupt truncates the outbound queue before cancelling the scheduler so
// no frame of the old plan can follow the clear item.
func (s *Session) interrupt() {
	dropped := s.out.Truncate()
	s.stopPlayback()
	s.mu.Lock()
	s.stats.BargeIns++
	s.stats.DroppedOutbound += dropped
	s.mu.Unlock()
	s.obs.BargeIn(s.opts.BargeIn, dropped)
	s.logger.Info("barge-in, playback interrupted", zap.Int("dropped_frames", dropped))
	s.setState(StateListening)
}

func (s *Session) startDecision(ctx context.Context, text string) {
	s.decisionSeq++
	seq := s.decisionSeq
	s.deciding = true
	req := s.request(text)
	go func() {
		began := time.Now()
		d, err := s.decide(ctx, req)
		r := decisionResult{seq: seq, utterance: text, d: d, err: err, took: time.Since(began)}
		select {
		case s.decisions <- r:
		case <-ctx.Done():
		}
	}()
}

// decide bounds the decision step even if the Decider ignores its context.
func (s *Session) decide(ctx context.Context, req decision.Request) (plan.Decision, error) {
	dctx, cancel := context.WithTimeout(ctx, s.opts.DecisionTimeout)
	defer cancel()
	type outcome struct {
		d   plan.Decision
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		d, err := s.deps.Decider.Decide(dctx, req)
		ch <- outcome{d, err}
	}()
	select {
	case o := <-ch:
		if o.err != nil && errors.Is(dctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return plan.Decision{}, &callerr.TimeoutError{Op: "decide", After: s.opts.DecisionTimeout}
		}
		return o.d, o.err
	case <-dctx.Done():
		if ctx.Err() != nil {
			return plan.Decision{}, ctx.Err()
		}
		return plan.Decision{}, &callerr.TimeoutError{Op: "decide", After: s.opts.DecisionTimeout}
	}
}

func (s *Session) onDecision(ctx context.Context, r decisionResult) string {
	if r.seq != s.decisionSeq {
		return ""
	}
	s.deciding = false
	d := r.d
	failed := r.err != nil || d.Fallback
	if r.err != nil {
		s.logger.Warn("decision failed, using fallback plan", zap.Error(r.err), zap.Duration("took", r.took))
		d = plan.Decision{Plan: s.opts.FallbackPlan, Reason: "fallback", Fallback: true}
	}
	if failed && d.Plan.Empty() {
		d.Plan = s.opts.FallbackPlan
	}
	s.obs.DecisionDone(r.took, failed)
	if failed {
		s.failures++
	} else {
		s.failures = 0
	}
	s.mu.Lock()
	s.stats.Decisions++
	if failed {
		s.stats.DecisionFailures++
	}
	s.mu.Unlock()

	s.applyUpdates(d)

	if failed && s.opts.MaxConsecutiveFailures > 0 {
		switch {
		case s.transferAllowed() && s.failures >= s.opts.MaxConsecutiveFailures:
			d.Transfer, d.Reason = true, ReasonFailures
			if !s.opts.TransferPlan.Empty() {
				d.Plan = s.opts.TransferPlan
			}
		case s.failures >= s.opts.MaxConsecutiveFailures*2:
			d.Hangup, d.Reason = true, ReasonFailures
		}
	}

	entry := Entry{Speaker: "agent", Content: d.Plan.String(), Assets: d.Plan.AssetNames(), ResponseTime: r.took}
	switch {
	case d.Fallback:
		entry.Kind = "fallback"
	case d.Plan.SynthesizeCount() > 0:
		entry.Kind = "synthesis"
	default:
		entry.Kind = "assets"
	}
	s.logger.Info("decision",
		zap.String("plan", d.Plan.String()),
		zap.String("reason", d.Reason),
		zap.Bool("transfer", d.Transfer),
		zap.Bool("hangup", d.Hangup),
		zap.Duration("took", r.took))

	switch {
	case d.Transfer && s.transferAllowed():
		p := d.Plan
		if p.Empty() {
			p = s.opts.TransferPlan
		}
		entry.Kind = "transfer"
		entry.Content = p.String()
		entry.Assets = p.AssetNames()
		s.record(entry)
		s.setState(StateTransferring)
		s.startPlayback(ctx, p, afterTransfer)
	case d.Hangup:
		reason := d.Reason
		if reason == "" {
			reason = ReasonHangup
		}
		if d.Plan.Empty() {
			return reason
		}
		s.record(entry)
		s.afterReason = reason
		s.startPlayback(ctx, d.Plan, afterHangup)
	case d.Plan.Empty():
		s.setState(StateListening)
		s.drainPending(ctx)
	default:
		s.record(entry)
		s.startPlayback(ctx, d.Plan, afterListen)
	}
	return ""
}

func (s *Session) transferAllowed() bool {
	return s.opts.TransferEnabled && s.deps.Transferer != nil
}

func (s *Session) startPlayback(ctx context.Context, p plan.Plan, after afterPlay) {
	s.applyPlanFlags(p)
	s.playSeq++
	seq := s.playSeq
	pctx, cancel := context.WithCancel(ctx)
	s.playCancel = cancel
	s.playing = true
	s.after = after
	if after != afterTransfer {
		s.setState(StateSpeaking)
	}
	sink := s.out.Sink()
	go func() {
		res, err := s.deps.Player.Schedule(pctx, p, s.opts.Framing, sink)
		select {
		case s.played <- playResult{seq: seq, res: res, err: err}:
		case <-ctx.Done():
		}
	}()
}

func (s *Session) stopPlayback() {
	if s.playCancel != nil {
		s.playCancel()
		s.playCancel = nil
	}
	s.playing = false
}

func (s *Session) onPlayed(ctx context.Context, r playResult) string {
	if r.seq != s.playSeq || !s.playing {
		return ""
	}
	s.stopPlayback()
	s.mu.Lock()
	s.stats.Frames += r.res.Frames
	s.stats.AssetsPlayed += r.res.AssetLookups
	s.stats.Syntheses += r.res.Syntheses
	s.stats.Fallbacks += r.res.Fallbacks
	s.stats.PlaybackDuration += r.res.Duration
	s.mu.Unlock()
	if r.err != nil && ctx.Err() == nil && !errors.Is(r.err, playback.ErrTruncated) {
		s.logger.Warn("playback ended early", zap.Error(r.err))
	}
	_ = s.out.PushMark(fmt.Sprintf("plan-%d", r.seq))

	switch s.after {
	case afterTransfer:
		return s.transfer(ctx)
	case afterHangup:
		s.awaitDrain(ctx)
		return s.afterReason
	}
	s.setState(StateListening)
	s.drainPending(ctx)
	return ""
}

// awaitDrain gives the writer a bounded chance to flush queued frames.
func (s *Session) awaitDrain(ctx context.Context) {
	dctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_ = s.out.WaitEmpty(dctx)
}

func (s *Session) transfer(ctx context.Context) string {
	s.awaitDrain(ctx)
	tctx, cancel := context.WithTimeout(ctx, s.opts.TransferTimeout)
	defer cancel()
	if err := s.deps.Transferer.Transfer(tctx, s.id); err != nil {
		if s.deaf {
			s.logger.Error("transfer failed without a recognizer", zap.Error(err))
			return ReasonRecognizerLost
		}
		s.logger.Error("transfer failed, resuming conversation", zap.Error(err))
		s.failures = 0
		s.setState(StateListening)
		s.drainPending(ctx)
		return ""
	}
	s.logger.Info("call transferred")
	return ReasonTransferred
}

func (s *Session) drainPending(ctx context.Context) {
	if len(s.pending) == 0 || s.deciding {
		return
	}
	text := strings.Join(s.pending, " ")
	s.pending = nil
	s.startDecision(ctx, text)
}

func (s *Session) applyUpdates(d plan.Decision) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range d.Variables {
		if !s.deps.Schema.HasVariable(k) {
			s.logger.Warn("rejecting update for unknown variable", zap.String("variable", k))
			continue
		}
		if v = strings.TrimSpace(v); v != "" {
			s.vars[k] = v
		}
	}
	for _, f := range d.Flags {
		if !s.deps.Schema.HasFlag(f) {
			s.logger.Warn("rejecting unknown flag", zap.String("flag", f))
			continue
		}
		s.flags[f] = true
	}
}

func (s *Session) applyPlanFlags(p plan.Plan) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range p.AssetNames() {
		if f, ok := s.deps.Schema.FlagRules[name]; ok {
			s.flags[f] = true
		}
	}
}

func (s *Session) request(text string) decision.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	req := decision.Request{
		CallID:              s.id,
		Direction:           string(s.direction),
		Utterance:           text,
		Variables:           make(map[string]string, len(s.vars)),
		Flags:               make(map[string]bool, len(s.flags)),
		ConsecutiveFailures: s.failures,
	}
	for k, v := range s.vars {
		req.Variables[k] = v
	}
	for k, v := range s.flags {
		req.Flags[k] = v
	}
	start := 0
	if len(s.entries) > historyTurns {
		start = len(s.entries) - historyTurns
	}
	for _, e := range s.entries[start:] {
		role := "ASSISTANT"
		if e.Speaker == "caller" {
			role = "USER"
		}
		req.History = append(req.History, decision.Turn{Role: role, Text: e.Content})
	}
	return req
}

func (s *Session) record(e Entry) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	s.entries = append(s.entries, e)
	s.mu.Unlock()
}

func (s *Session) setState(to State) {
	from := State(s.state.Swap(int32(to)))
	if from != to {
		s.obs.StateChanged(from, to)
		s.logger.Debug("state change", zap.String("from", from.String()), zap.String("to", to.String()))
	}
}

func (s *Session) end(reason string) {
	s.endOnce.Do(func() {
		s.out.Close()
		if err := s.deps.Recognizer.Close(); err != nil {
			s.logger.Debug("recognizer close", zap.Error(err))
		}
		s.mu.Lock()
		s.endedAt = time.Now()
		s.endReason = reason
		s.mu.Unlock()
		s.setState(StateEnded)
		for len(s.inbound) > 0 {
			<-s.inbound
		}
		if s.release != nil {
			s.release()
		}
		snap := s.Snapshot()
		s.logger.Info("call ended",
			zap.String("reason", reason),
			zap.Duration("duration", snap.Duration()),
			zap.Int("utterances", snap.Stats.Utterances),
			zap.Int("barge_ins", snap.Stats.BargeIns))
		if s.deps.OnEnd != nil {
			s.deps.OnEnd(snap)
		}
		close(s.done)
	})
}
