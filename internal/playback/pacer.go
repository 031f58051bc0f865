package playback

import (
	"context"
	"time"
)

// Pacer gates frame emission to wall-clock time.
type Pacer interface {
	// Wait blocks until the next frame slot or ctx is done.
	Wait(ctx context.Context) error
	Stop()
}

type tickerPacer struct {
	t *time.Ticker
}

// NewTickerPacer paces one frame per interval.
func NewTickerPacer(interval time.Duration) Pacer {
	return &tickerPacer{t: time.NewTicker(interval)}
}

func (p *tickerPacer) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.t.C:
		return nil
	}
}

func (p *tickerPacer) Stop() { p.t.Stop() }

// Unpaced never waits. It suits tests and offline rendering.
func Unpaced(time.Duration) Pacer { return unpaced{} }

type unpaced struct{}

func (unpaced) Wait(ctx context.Context) error { return ctx.Err() }
func (unpaced) Stop()                          {}
