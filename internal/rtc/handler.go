// Package rtc is a browser softphone transport: one pion PeerConnection per
// call carrying Opus audio both ways plus a "control" data channel.
package rtc

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/chadiek/callstream/internal/playback"
	"github.com/chadiek/callstream/internal/session"
	"github.com/chadiek/callstream/internal/transport"
)

// Framing is the outbound frame geometry for softphone calls: one Opus frame.
var Framing = playback.Framing{FrameBytes: 320, Align: 320}

// SessionDescription is a small DTO to avoid exposing webrtc types in transport.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Call is the per-call side of a softphone connection.
type Call interface {
	transport.Call
	Hangup(reason string)
}

// Acceptor creates the call for a new softphone connection.
type Acceptor func(ctx context.Context, start transport.Start) (Call, error)

type Options struct {
	ICEServers []string
	Logger     *zap.Logger
}

// Handler manages WebRTC peer connections.
type Handler struct {
	accept Acceptor
	ice    []webrtc.ICEServer
	logger *zap.Logger
}

func NewHandler(accept Acceptor, opts Options) *Handler {
	if len(opts.ICEServers) == 0 {
		opts.ICEServers = []string{"stun:stun.l.google.com:19302"}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Handler{
		accept: accept,
		ice:    []webrtc.ICEServer{{URLs: opts.ICEServers}},
		logger: opts.Logger.With(zap.String("carrier", "webrtc")),
	}
}

// HandleOffer accepts an SDP offer, starts a call and returns the SDP answer.
func (h *Handler) HandleOffer(ctx context.Context, offer SessionDescription) (SessionDescription, error) {
	if offer.Type != "offer" || offer.SDP == "" {
		return SessionDescription{}, errors.New("invalid offer")
	}
	callID := "rtc-" + uuid.NewString()
	logger := h.logger.With(zap.String("call_sid", callID))

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return SessionDescription{}, err
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, ir); err != nil {
		return SessionDescription{}, err
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithInterceptorRegistry(ir))

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: h.ice})
	if err != nil {
		return SessionDescription{}, err
	}
	outTrack, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 1}, "agent-audio", "agent")
	if err != nil {
		_ = pc.Close()
		return SessionDescription{}, err
	}
	if _, err := pc.AddTrack(outTrack); err != nil {
		_ = pc.Close()
		return SessionDescription{}, err
	}
	paced, err := NewOpusPacedWriter(outTrack)
	if err != nil {
		_ = pc.Close()
		return SessionDescription{}, err
	}

	call, err := h.accept(ctx, transport.Start{
		CallID:   callID,
		StreamID: callID,
		Params:   map[string]string{"direction": string(session.DirectionInbound), "channel": "webrtc"},
	})
	if err != nil {
		paced.Close()
		_ = pc.Close()
		return SessionDescription{}, err
	}

	var closeOnce sync.Once
	closePeer := func(err error) {
		closeOnce.Do(func() {
			call.TransportClosed(err)
			_ = pc.Close()
		})
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.Info("peer connection state", zap.String("state", state.String()))
		switch state {
		case webrtc.PeerConnectionStateFailed:
			closePeer(errors.New("peer connection failed"))
		case webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateDisconnected:
			closePeer(nil)
		}
	})
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != "control" {
			return
		}
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			handleControl(string(msg.Data), call, paced, logger)
		})
	})
	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if remote.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		logger.Info("remote audio track", zap.String("codec", remote.Codec().MimeType))
		dec, err := newDecoder()
		if err != nil {
			logger.Error("opus decoder", zap.Error(err))
			closePeer(err)
			return
		}
		go func() {
			err := decodeInbound(dec, func() ([]byte, error) {
				pkt, _, err := remote.ReadRTP()
				if err != nil {
					return nil, err
				}
				return pkt.Payload, nil
			}, call.FeedAudio)
			logger.Debug("rtp reader stopped", zap.Error(err))
		}()
	})

	go func() {
		pumpOutbound(call.Outbound(), paced)
		paced.FlushTail()
		time.AfterFunc(400*time.Millisecond, func() {
			paced.Close()
			closeOnce.Do(func() { _ = pc.Close() })
		})
	}()

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}); err != nil {
		closePeer(err)
		return SessionDescription{}, err
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		closePeer(err)
		return SessionDescription{}, err
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		closePeer(err)
		return SessionDescription{}, err
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		closePeer(ctx.Err())
		return SessionDescription{}, ctx.Err()
	}
	local := pc.LocalDescription()
	if local == nil {
		err := errors.New("no local description")
		closePeer(err)
		return SessionDescription{}, err
	}
	logger.Info("softphone call answered")
	return SessionDescription{Type: "answer", SDP: local.SDP}, nil
}

// pumpOutbound moves session frames into the Opus writer until the call ends.
func pumpOutbound(out *session.Outbound, w *OpusPacedWriter) {
	for {
		f, err := out.Next(context.Background())
		if err != nil {
			return
		}
		switch f.Kind {
		case session.FrameAudio:
			w.WritePCM(f.Payload)
		case session.FrameClear:
			w.Reset()
		}
	}
}

type resetter interface{ Reset() }

func handleControl(msg string, call Call, w resetter, logger *zap.Logger) {
	switch strings.TrimSpace(strings.ToLower(msg)) {
	case "stop", "stop-speaking", "cancel", "barge-in":
		call.Outbound().Truncate()
		w.Reset()
	case "hangup", "bye":
		call.Hangup(session.ReasonHangup)
	default:
		logger.Debug("unknown control message", zap.String("msg", msg))
	}
}
