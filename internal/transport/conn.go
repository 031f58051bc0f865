package transport

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/chadiek/callstream/internal/audio"
	"github.com/chadiek/callstream/internal/callerr"
	"github.com/chadiek/callstream/internal/session"
)

var (
	errStreamEnded = errors.New("stream ended by carrier")
	errCallEnded   = errors.New("call ended")
)

// Call is the per-call side of a stream; *session.Session implements it.
type Call interface {
	FeedAudio(pcm []byte)
	Outbound() *session.Outbound
	TransportClosed(err error)
	Done() <-chan struct{}
}

// Acceptor creates the call for a started stream. A returned error rejects
// the stream.
type Acceptor func(ctx context.Context, start Start) (Call, error)

// Observer counts outbound frames, typically a Prometheus counter.
type Observer interface {
	FrameSent(dialect string)
}

// Options tune a Conn. Zero values take defaults.
type Options struct {
	// CallID is used when the start event carries no call id.
	CallID       string
	StartTimeout time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PingInterval time.Duration
	// InboundRate is the accepted inbound audio rate as a multiple of real
	// time. Floods beyond it are dropped.
	InboundRate float64
	Logger      *zap.Logger
	Observer    Observer
}

func (o *Options) defaults() {
	if o.StartTimeout <= 0 {
		o.StartTimeout = 10 * time.Second
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 60 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 20 * time.Second
	}
	if o.InboundRate <= 0 {
		o.InboundRate = 2
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// Stats are per-connection counters.
type Stats struct {
	MediaIn     int64
	OutOfOrder  int64
	RateLimited int64
	FramesOut   int64
	Clears      int64
	Marks       int64
}

// Conn is one carrier media websocket. Serve owns the socket: one goroutine
// reads, one writes, and a third sends pings through WriteControl.
type Conn struct {
	ws      *websocket.Conn
	dialect Dialect
	opts    Options
	logger  *zap.Logger
	limiter *rate.Limiter

	streamID string
	lastSeq  int64
	closing  atomic.Bool

	mediaIn, outOfOrder, rateLimited atomic.Int64
	framesOut, clears, marks         atomic.Int64
}

func NewConn(ws *websocket.Conn, d Dialect, opts Options) *Conn {
	opts.defaults()
	bps := float64(audio.BytesFor(time.Second)) * opts.InboundRate
	return &Conn{
		ws:      ws,
		dialect: d,
		opts:    opts,
		logger:  opts.Logger.With(zap.String("carrier", d.Name())),
		limiter: rate.NewLimiter(rate.Limit(bps), int(bps)),
	}
}

func (c *Conn) Stats() Stats {
	return Stats{
		MediaIn:     c.mediaIn.Load(),
		OutOfOrder:  c.outOfOrder.Load(),
		RateLimited: c.rateLimited.Load(),
		FramesOut:   c.framesOut.Load(),
		Clears:      c.clears.Load(),
		Marks:       c.marks.Load(),
	}
}

// Serve waits for the start event, hands the stream to accept and pumps
// audio both ways until the carrier stops, the call ends or ctx is done.
// A clean end on either side returns nil.
func (c *Conn) Serve(ctx context.Context, accept Acceptor) error {
	defer c.ws.Close()
	c.ws.SetReadLimit(1 << 20)

	start, err := c.awaitStart()
	if err != nil {
		return &callerr.TransportError{Op: "handshake", Err: err}
	}
	c.streamID = start.StreamID
	c.logger = c.logger.With(zap.String("call_sid", start.CallID), zap.String("stream_sid", start.StreamID))

	call, err := accept(ctx, start)
	if err != nil {
		c.logger.Warn("stream rejected", zap.Error(err))
		c.closeWith(websocket.CloseTryAgainLater, "call rejected")
		return err
	}
	c.logger.Info("media stream started")

	_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := c.readLoop(call)
		if c.closing.Load() {
			return errCallEnded
		}
		call.TransportClosed(err)
		if err != nil {
			return &callerr.TransportError{Op: "read", Err: err}
		}
		return errStreamEnded
	})
	g.Go(func() error { return c.writeLoop(gctx, call) })
	g.Go(func() error { return c.pingLoop(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		_ = c.ws.Close()
		return nil
	})

	err = g.Wait()
	st := c.Stats()
	c.logger.Info("media stream closed",
		zap.Int64("media_in", st.MediaIn),
		zap.Int64("frames_out", st.FramesOut),
		zap.Int64("out_of_order", st.OutOfOrder),
		zap.Int64("rate_limited", st.RateLimited))
	if errors.Is(err, errStreamEnded) || errors.Is(err, errCallEnded) {
		return nil
	}
	return err
}

// awaitStart reads until the start event. Media before start is discarded.
func (c *Conn) awaitStart() (Start, error) {
	_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.StartTimeout))
	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			return Start{}, err
		}
		ev, err := c.dialect.Decode(msg)
		if err != nil {
			c.logger.Debug("ignoring undecodable message", zap.Error(err))
			continue
		}
		switch ev.Kind {
		case EventStart:
			s := *ev.Start
			if s.StreamID == "" {
				s.StreamID = ev.StreamID
			}
			if s.CallID == "" {
				s.CallID = c.opts.CallID
			}
			if s.CallID == "" {
				return Start{}, errors.New("start event carries no call id")
			}
			if ev.Seq > 0 {
				c.lastSeq = ev.Seq
			}
			return s, nil
		case EventStop:
			return Start{}, errors.New("stream stopped before start")
		}
	}
}

// readLoop returns nil when the carrier ends the stream cleanly.
func (c *Conn) readLoop(call Call) error {
	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		ev, err := c.dialect.Decode(msg)
		if err != nil {
			c.logger.Debug("ignoring undecodable message", zap.Error(err))
			continue
		}
		switch ev.Kind {
		case EventMedia:
			if ev.Seq > 0 {
				if ev.Seq <= c.lastSeq {
					c.outOfOrder.Add(1)
					continue
				}
				c.lastSeq = ev.Seq
			}
			if len(ev.Audio) == 0 {
				continue
			}
			if !c.limiter.AllowN(time.Now(), len(ev.Audio)) {
				if c.rateLimited.Add(1) == 1 {
					c.logger.Warn("inbound audio faster than real time, dropping")
				}
				continue
			}
			c.mediaIn.Add(1)
			call.FeedAudio(ev.Audio)
		case EventDTMF:
			c.logger.Info("dtmf", zap.String("digit", ev.Digit))
		case EventMark:
			c.logger.Debug("mark played", zap.String("mark", ev.Mark))
		case EventStop:
			c.logger.Info("carrier stopped stream", zap.String("reason", ev.Reason))
			return nil
		}
	}
}

// writeLoop is the only goroutine that writes data frames.
func (c *Conn) writeLoop(ctx context.Context, call Call) error {
	out := call.Outbound()
	for {
		f, err := out.Next(ctx)
		if err != nil {
			if errors.Is(err, session.ErrClosed) {
				c.closeWith(websocket.CloseNormalClosure, "call ended")
				return errCallEnded
			}
			return nil
		}
		var msg []byte
		switch f.Kind {
		case session.FrameAudio:
			msg, err = c.dialect.EncodeMedia(c.streamID, f.Payload)
		case session.FrameClear:
			msg, err = c.dialect.EncodeClear(c.streamID)
		case session.FrameMark:
			msg, err = c.dialect.EncodeMark(c.streamID, f.Mark)
		default:
			continue
		}
		if err != nil {
			return fmt.Errorf("encode frame: %w", err)
		}
		if err := c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
			return &callerr.TransportError{Op: "write", Err: err}
		}
		if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
			return &callerr.TransportError{Op: "write", Err: err}
		}
		switch f.Kind {
		case session.FrameAudio:
			c.framesOut.Add(1)
			if c.opts.Observer != nil {
				c.opts.Observer.FrameSent(c.dialect.Name())
			}
		case session.FrameClear:
			c.clears.Add(1)
		case session.FrameMark:
			c.marks.Add(1)
		}
	}
}

func (c *Conn) pingLoop(ctx context.Context) error {
	t := time.NewTicker(c.opts.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			deadline := time.Now().Add(c.opts.WriteTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, []byte("ping"), deadline); err != nil {
				return &callerr.TransportError{Op: "ping", Err: err}
			}
		}
	}
}

// closeWith sends a close frame; the socket itself is closed by Serve.
func (c *Conn) closeWith(code int, reason string) {
	c.closing.Store(true)
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.opts.WriteTimeout))
}
