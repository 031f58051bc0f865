// Package telephony holds the carrier-facing glue around a call: TwiML and
// Exotel responses, Twilio REST transfer and recording, and public URL
// construction for callbacks and media websockets.
package telephony

import (
	"fmt"
	"sort"

	"github.com/twilio/twilio-go/twiml"
)

// TerminalStatuses are carrier call statuses after which the call is gone.
var TerminalStatuses = map[string]bool{
	"completed": true,
	"failed":    true,
	"busy":      true,
	"no-answer": true,
	"canceled":  true,
}

// IsTerminalStatus reports whether a status callback means the call is over.
func IsTerminalStatus(status string) bool { return TerminalStatuses[status] }

// StreamTwiML answers a call by connecting it to a bidirectional media
// stream. params become <Parameter> elements, which Twilio echoes back in the
// stream's start event.
func StreamTwiML(streamURL, statusCallback string, params map[string]string) (string, error) {
	if streamURL == "" {
		return "", fmt.Errorf("twiml: empty stream url")
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	inner := make([]twiml.Element, 0, len(keys))
	for _, k := range keys {
		inner = append(inner, &twiml.VoiceParameter{Name: k, Value: params[k]})
	}
	stream := &twiml.VoiceStream{Url: streamURL, InnerElements: inner}
	if statusCallback != "" {
		stream.StatusCallback = statusCallback
		stream.StatusCallbackMethod = "POST"
	}
	connect := &twiml.VoiceConnect{InnerElements: []twiml.Element{stream}}
	return twiml.Voice([]twiml.Element{connect})
}

// DialTwiML redirects a live call to number, optionally announcing first.
func DialTwiML(number, announcement string) (string, error) {
	if number == "" {
		return "", fmt.Errorf("twiml: empty dial number")
	}
	var elems []twiml.Element
	if announcement != "" {
		elems = append(elems, &twiml.VoiceSay{Message: announcement})
	}
	elems = append(elems, &twiml.VoiceDial{Number: number})
	return twiml.Voice(elems)
}

// HangupTwiML says message, if any, and hangs up.
func HangupTwiML(message string) (string, error) {
	var elems []twiml.Element
	if message != "" {
		elems = append(elems, &twiml.VoiceSay{Message: message})
	}
	elems = append(elems, &twiml.VoiceHangup{})
	return twiml.Voice(elems)
}
