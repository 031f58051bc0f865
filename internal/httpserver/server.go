// Package httpserver is the HTTP surface: carrier webhooks, media
// websockets, the softphone offer endpoint and operational routes.
package httpserver

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/chadiek/callstream/internal/callerr"
	mw "github.com/chadiek/callstream/internal/middleware"
	"github.com/chadiek/callstream/internal/rtc"
	"github.com/chadiek/callstream/internal/session"
	"github.com/chadiek/callstream/internal/telephony"
	"github.com/chadiek/callstream/internal/transport"
)

// CallControl is the call side of the server; *orchestrator.Orchestrator
// implements it.
type CallControl interface {
	ServeStream(ctx context.Context, ws *websocket.Conn, d transport.Dialect, routeCallID string) error
	EndCall(callID, reason string) error
	Reload(ctx context.Context) error
	Sessions() []session.Snapshot
}

// OfferHandler answers softphone SDP offers; *rtc.Handler implements it.
type OfferHandler interface {
	HandleOffer(ctx context.Context, offer rtc.SessionDescription) (rtc.SessionDescription, error)
}

// Recorder starts Twilio call recordings and handles their status
// callbacks; *telephony.Recorder implements it.
type Recorder interface {
	Start(callSid, callbackURL string) error
	HandleStatus(callSid, recordingSid, recordingURL, status string)
}

type Options struct {
	BaseURL              string
	TwilioAuthToken      string
	TwilioSkipValidation bool
	RTCAuthPassword      string
	// Metrics serves /metrics when set.
	Metrics http.Handler
	Logger  *zap.Logger
}

// Server bundles HTTP router and dependencies.
type Server struct {
	Router   *echo.Echo
	calls    CallControl
	offers   OfferHandler
	recorder Recorder
	opts     Options
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// New constructs the HTTP server with routes. offers and recorder may be nil.
func New(calls CallControl, offers OfferHandler, recorder Recorder, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	s := &Server{
		calls:    calls,
		offers:   offers,
		recorder: recorder,
		opts:     opts,
		logger:   opts.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// carriers connect from their own origins
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	e := newEcho()
	e.Use(mw.TwilioAuth(mw.TwilioConfig{
		AuthToken: func() string { return opts.TwilioAuthToken },
		PublicURL: func(r *http.Request) string {
			return telephony.BuildAbsoluteURL(opts.BaseURL, r, r.URL.RequestURI())
		},
		Skip:   opts.TwilioSkipValidation,
		Logger: opts.Logger,
	}))
	s.routes(e)
	s.Router = e
	return s
}

func (s *Server) absoluteURL(c echo.Context, path string) string {
	return telephony.BuildAbsoluteURL(s.opts.BaseURL, c.Request(), path)
}

func xml(c echo.Context, body string) error {
	return c.Blob(http.StatusOK, "application/xml", []byte(body))
}

func (s *Server) healthz(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

type sessionView struct {
	ID         string            `json:"id"`
	Direction  string            `json:"direction"`
	State      string            `json:"state"`
	Carrier    string            `json:"carrier"`
	StartedAt  time.Time         `json:"startedAt"`
	DurationMs int64             `json:"durationMs"`
	Variables  map[string]string `json:"variables"`
	Flags      map[string]bool   `json:"flags"`
	Utterances int               `json:"utterances"`
}

func (s *Server) debugSessions(c echo.Context) error {
	snaps := s.calls.Sessions()
	out := make([]sessionView, 0, len(snaps))
	for _, sn := range snaps {
		out = append(out, sessionView{
			ID:         sn.ID,
			Direction:  string(sn.Direction),
			State:      sn.State.String(),
			Carrier:    sn.Meta["carrier"],
			StartedAt:  sn.StartedAt,
			DurationMs: sn.Duration().Milliseconds(),
			Variables:  sn.Variables,
			Flags:      sn.Flags,
			Utterances: sn.Stats.Utterances,
		})
	}
	return c.JSON(http.StatusOK, map[string]any{"count": len(out), "sessions": out})
}

func (s *Server) reload(c echo.Context) error {
	if err := s.calls.Reload(c.Request().Context()); err != nil {
		s.logger.Error("asset reload failed", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.NoContent(http.StatusNoContent)
}

func allowBrowser(c echo.Context) {
	h := c.Response().Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Auth-Token")
}

func (s *Server) offerPreflight(c echo.Context) error {
	allowBrowser(c)
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) offer(c echo.Context) error {
	allowBrowser(c)
	if s.offers == nil {
		return c.String(http.StatusNotFound, "softphone disabled")
	}
	var offer rtc.SessionDescription
	if err := c.Bind(&offer); err != nil {
		s.logger.Debug("invalid offer", zap.Error(err))
		return c.String(http.StatusBadRequest, "invalid offer")
	}
	answer, err := s.offers.HandleOffer(c.Request().Context(), offer)
	if err != nil {
		s.logger.Warn("webrtc handle offer failed", zap.Error(err))
		switch {
		case callerr.IsDuplicate(err), errors.Is(err, session.ErrCapacity):
			return c.String(http.StatusServiceUnavailable, "busy")
		}
		return c.String(http.StatusInternalServerError, "offer failed")
	}
	return c.JSON(http.StatusOK, answer)
}

// twilioDirection maps Twilio's Direction parameter onto call direction.
func twilioDirection(d string) session.Direction {
	if strings.HasPrefix(d, "outbound") {
		return session.DirectionOutbound
	}
	return session.DirectionInbound
}

func (s *Server) twilioVoice(c echo.Context) error {
	params := mw.TwilioParams(c)
	callSid := params["CallSid"]
	if callSid == "" {
		return c.String(http.StatusBadRequest, "missing CallSid")
	}
	logger := s.logger.With(zap.String("call_sid", callSid))
	logger.Info("incoming twilio call", zap.String("from", params["From"]), zap.String("to", params["To"]))

	streamURL := telephony.WebsocketURL(s.absoluteURL(c, "/media/"+callSid))
	twiml, err := telephony.StreamTwiML(streamURL, s.absoluteURL(c, "/twilio/status"), map[string]string{
		"direction": string(twilioDirection(params["Direction"])),
		"from":      params["From"],
		"to":        params["To"],
	})
	if err != nil {
		logger.Error("build stream twiml", zap.Error(err))
		return c.String(http.StatusInternalServerError, "failed to build TwiML")
	}

	if s.recorder != nil {
		callback := s.absoluteURL(c, "/twilio/recording-status")
		go func() {
			if err := s.recorder.Start(callSid, callback); err != nil {
				logger.Error("failed to start call recording", zap.Error(err))
			}
		}()
	}
	return xml(c, twiml)
}

// endOnStatus hangs up the session when a carrier reports a terminal status.
func (s *Server) endOnStatus(callSid, status string) {
	if callSid == "" || !telephony.IsTerminalStatus(status) {
		return
	}
	err := s.calls.EndCall(callSid, session.ReasonStatus)
	switch {
	case err == nil:
		s.logger.Info("call ended by status callback", zap.String("call_sid", callSid), zap.String("status", status))
	case errors.Is(err, callerr.ErrNotFound):
	default:
		s.logger.Warn("end call on status", zap.String("call_sid", callSid), zap.Error(err))
	}
}

func (s *Server) twilioStatus(c echo.Context) error {
	params := mw.TwilioParams(c)
	status := params["CallStatus"]
	if status == "" {
		status = params["StreamEvent"]
	}
	s.endOnStatus(params["CallSid"], status)
	return c.String(http.StatusOK, "OK")
}

func (s *Server) twilioRecordingStatus(c echo.Context) error {
	params := mw.TwilioParams(c)
	s.logger.Info("recording status update",
		zap.String("call_sid", params["CallSid"]),
		zap.String("recording_sid", params["RecordingSid"]),
		zap.String("status", params["RecordingStatus"]),
		zap.String("duration", params["RecordingDuration"]))
	if s.recorder != nil {
		s.recorder.HandleStatus(params["CallSid"], params["RecordingSid"], params["RecordingUrl"], params["RecordingStatus"])
	}
	return c.String(http.StatusOK, "OK")
}

func (s *Server) serveMedia(c echo.Context, d transport.Dialect) error {
	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.String("carrier", d.Name()), zap.Error(err))
		return nil
	}
	callSid := c.Param("callSid")
	if err := s.calls.ServeStream(c.Request().Context(), ws, d, callSid); err != nil {
		s.logger.Warn("media stream ended with error",
			zap.String("carrier", d.Name()),
			zap.String("call_sid", callSid),
			zap.Error(err))
	}
	return nil
}

func (s *Server) twilioMedia(c echo.Context) error { return s.serveMedia(c, transport.Twilio{}) }

func (s *Server) exotelMedia(c echo.Context) error { return s.serveMedia(c, transport.Exotel{}) }

func (s *Server) exotelStreamURL(c echo.Context, callSid string) string {
	path := "/exotel/media"
	if callSid != "" {
		path += "/" + callSid
	}
	return telephony.WebsocketURL(s.absoluteURL(c, path))
}

func (s *Server) exotelVoice(c echo.Context) error {
	callSid := c.FormValue("CallSid")
	s.logger.Info("incoming exotel call", zap.String("call_sid", callSid), zap.String("from", c.FormValue("From")))
	body, err := telephony.ExotelVoicebotXML(s.exotelStreamURL(c, callSid))
	if err != nil {
		return c.String(http.StatusInternalServerError, "failed to build response")
	}
	return xml(c, body)
}

func (s *Server) exotelWebsocketURL(c echo.Context) error {
	return c.JSON(http.StatusOK, telephony.ExotelWebsocket{URL: s.exotelStreamURL(c, c.QueryParam("CallSid"))})
}

func (s *Server) exotelStatus(c echo.Context) error {
	status := c.FormValue("Status")
	if status == "" {
		status = c.FormValue("CallStatus")
	}
	s.endOnStatus(c.FormValue("CallSid"), strings.ToLower(status))
	return c.String(http.StatusOK, "OK")
}
