package summary

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var ErrDispatcherClosed = errors.New("summary: dispatcher closed")

// Dispatcher fans events out to sinks off the call path. A slow or failing
// sink never delays call teardown.
type Dispatcher struct {
	sinks   []Sink
	logger  *zap.Logger
	timeout time.Duration
	queue   chan Event

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewDispatcher starts the delivery goroutine. Each sink gets timeout per
// event.
func NewDispatcher(logger *zap.Logger, timeout time.Duration, sinks ...Sink) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	d := &Dispatcher{
		sinks:   sinks,
		logger:  logger,
		timeout: timeout,
		queue:   make(chan Event, 256),
		done:    make(chan struct{}),
	}
	go d.run()
	return d
}

// Emit queues e. It drops the event with a warning when the queue is full.
func (d *Dispatcher) Emit(_ context.Context, e Event) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	select {
	case d.queue <- e:
		return nil
	default:
		d.logger.Warn("summary queue full, dropping event", zap.String("call_id", e.CallID))
		return fmt.Errorf("summary: queue full")
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for e := range d.queue {
		d.deliver(e)
	}
}

func (d *Dispatcher) deliver(e Event) {
	g := new(errgroup.Group)
	for i, s := range d.sinks {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
			defer cancel()
			if err := s.Emit(ctx, e); err != nil {
				d.logger.Warn("summary sink failed",
					zap.Int("sink", i),
					zap.String("call_id", e.CallID),
					zap.Error(err))
				return err
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Close stops accepting events and waits for queued ones to be delivered.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
