package telephony

import (
	"context"
	"encoding/xml"
	"fmt"

	"go.uber.org/zap"
)

type exotelResponse struct {
	XMLName  xml.Name        `xml:"Response"`
	Say      string          `xml:"Say,omitempty"`
	Voicebot *exotelVoicebot `xml:"Voicebot,omitempty"`
	Hangup   *struct{}       `xml:"Hangup,omitempty"`
}

type exotelVoicebot struct {
	URL string `xml:"url,attr"`
}

// ExotelVoicebotXML answers an Exotel call with a Voicebot applet pointing at
// url, either the media websocket or an endpoint that returns it.
func ExotelVoicebotXML(url string) (string, error) {
	if url == "" {
		return "", fmt.Errorf("exotel: empty voicebot url")
	}
	return renderExotel(exotelResponse{Voicebot: &exotelVoicebot{URL: url}})
}

// ExotelHangupXML says message, if any, and hangs up.
func ExotelHangupXML(message string) (string, error) {
	return renderExotel(exotelResponse{Say: message, Hangup: &struct{}{}})
}

func renderExotel(r exotelResponse) (string, error) {
	b, err := xml.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("exotel: encode response: %w", err)
	}
	return xml.Header + string(b), nil
}

// ExotelWebsocket is the JSON body Exotel expects from a dynamic
// websocket URL endpoint.
type ExotelWebsocket struct {
	URL string `json:"url"`
}

// ExotelTransferer hands an Exotel call back to the call flow. Exotel has no
// redirect API for a live Voicebot leg; ending the stream lets the flow move
// on to its next applet, which is configured to connect the agent.
type ExotelTransferer struct {
	logger *zap.Logger
}

func NewExotelTransferer(logger *zap.Logger) *ExotelTransferer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExotelTransferer{logger: logger}
}

func (t *ExotelTransferer) Transfer(ctx context.Context, callID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.logger.Info("handing exotel call back to flow", zap.String("call_sid", callID))
	return nil
}
