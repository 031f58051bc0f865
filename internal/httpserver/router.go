package httpserver

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	mw "github.com/chadiek/callstream/internal/middleware"
)

// newEcho creates a configured Echo instance.
func newEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	return e
}

func (s *Server) routes(e *echo.Echo) {
	e.GET("/healthz", s.healthz)
	if s.opts.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(s.opts.Metrics))
	}
	e.GET("/debug/sessions", s.debugSessions)

	guard := mw.RTCAuth(s.opts.RTCAuthPassword)
	e.POST("/admin/reload", s.reload, guard)
	e.POST("/call", s.offer, guard)
	e.OPTIONS("/call", s.offerPreflight)

	e.POST("/twilio/voice", s.twilioVoice)
	e.POST("/twilio/status", s.twilioStatus)
	e.POST("/twilio/recording-status", s.twilioRecordingStatus)
	e.GET("/media/:callSid", s.twilioMedia)

	e.Match([]string{"GET", "POST"}, "/exotel/voice", s.exotelVoice)
	e.GET("/exotel/get_websocket", s.exotelWebsocketURL)
	e.Match([]string{"GET", "POST"}, "/exotel/status", s.exotelStatus)
	e.GET("/exotel/media", s.exotelMedia)
	e.GET("/exotel/media/:callSid", s.exotelMedia)
}
