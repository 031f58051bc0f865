package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/chadiek/callstream/internal/audio"
	"github.com/chadiek/callstream/internal/playback"
)

// ErrClosed is returned by Outbound once the call has ended.
var ErrClosed = errors.New("outbound queue closed")

// FrameKind distinguishes audio from carrier control items.
type FrameKind int

const (
	FrameAudio FrameKind = iota
	// FrameClear asks the carrier to drop audio it has buffered.
	FrameClear
	// FrameMark asks the carrier to acknowledge playback up to this point.
	FrameMark
)

// Frame is one item leaving the outbound queue.
type Frame struct {
	Kind       FrameKind
	Seq        uint64 // stamped on audio frames at dequeue
	Payload    []byte // native PCM16LE
	Duration   time.Duration
	Generation uint64
	Mark       string
}

// Outbound is the per-call ordered frame queue between the playback
// scheduler and the transport writer. Truncate bumps the generation so frames
// pushed for an interrupted plan are refused, and places a clear item ahead
// of anything queued afterwards.
type Outbound struct {
	mu      sync.Mutex
	items   []Frame
	limit   int
	gen     uint64
	seq     uint64
	closed  bool
	changed chan struct{}
}

// NewOutbound creates a queue holding at most limit pending frames.
func NewOutbound(limit int) *Outbound {
	if limit <= 0 {
		limit = 50
	}
	return &Outbound{limit: limit, changed: make(chan struct{})}
}

// broadcast wakes every waiter; mu must be held.
func (q *Outbound) broadcast() {
	close(q.changed)
	q.changed = make(chan struct{})
}

// Generation reports the current generation.
func (q *Outbound) Generation() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.gen
}

// Push enqueues an audio frame for the current generation.
func (q *Outbound) Push(ctx context.Context, payload []byte) error {
	return q.PushGen(ctx, q.Generation(), payload)
}

// PushGen enqueues an audio frame that belongs to generation gen. It blocks
// while the queue is full and returns playback.ErrTruncated once the
// generation has moved on.
func (q *Outbound) PushGen(ctx context.Context, gen uint64, payload []byte) error {
	q.mu.Lock()
	for {
		if q.closed {
			q.mu.Unlock()
			return ErrClosed
		}
		if gen != q.gen {
			q.mu.Unlock()
			return playback.ErrTruncated
		}
		if len(q.items) < q.limit {
			break
		}
		wait := q.changed
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wait:
		}
		q.mu.Lock()
	}
	q.items = append(q.items, Frame{
		Kind:       FrameAudio,
		Payload:    payload,
		Duration:   audio.Duration(len(payload)),
		Generation: gen,
	})
	q.broadcast()
	q.mu.Unlock()
	return nil
}

// PushMark enqueues a mark item for the current generation.
func (q *Outbound) PushMark(name string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.items = append(q.items, Frame{Kind: FrameMark, Mark: name, Generation: q.gen})
	q.broadcast()
	return nil
}

// Sink binds a playback sink to the current generation.
func (q *Outbound) Sink() playback.Sink {
	return &genSink{q: q, gen: q.Generation()}
}

type genSink struct {
	q   *Outbound
	gen uint64
}

func (s *genSink) Push(ctx context.Context, payload []byte) error {
	return s.q.PushGen(ctx, s.gen, payload)
}

// Truncate drops every pending item, advances the generation and queues a
// clear item. It returns the number of audio frames dropped.
func (q *Outbound) Truncate() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0
	}
	dropped := 0
	for _, it := range q.items {
		if it.Kind == FrameAudio {
			dropped++
		}
	}
	q.gen++
	q.items = append(q.items[:0], Frame{Kind: FrameClear, Generation: q.gen})
	q.broadcast()
	return dropped
}

// Next blocks until an item is available and removes it. Audio frames get
// the next sequence number here so dropped frames never leave gaps.
func (q *Outbound) Next(ctx context.Context) (Frame, error) {
	q.mu.Lock()
	for len(q.items) == 0 {
		if q.closed {
			q.mu.Unlock()
			return Frame{}, ErrClosed
		}
		wait := q.changed
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		case <-wait:
		}
		q.mu.Lock()
	}
	f := q.items[0]
	q.items[0] = Frame{}
	q.items = q.items[1:]
	if f.Kind == FrameAudio {
		q.seq++
		f.Seq = q.seq
	}
	q.broadcast()
	q.mu.Unlock()
	return f, nil
}

// WaitEmpty blocks until every queued item has been taken by the writer.
func (q *Outbound) WaitEmpty(ctx context.Context) error {
	q.mu.Lock()
	for len(q.items) > 0 && !q.closed {
		wait := q.changed
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wait:
		}
		q.mu.Lock()
	}
	q.mu.Unlock()
	return nil
}

// Len reports pending items.
func (q *Outbound) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close discards pending items and wakes all waiters.
func (q *Outbound) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.items = nil
	q.broadcast()
}
