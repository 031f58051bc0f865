// Package transport speaks the carriers' bidirectional media-stream
// websocket protocols and moves audio between the socket and a call.
package transport

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/chadiek/callstream/internal/audio"
	"github.com/chadiek/callstream/internal/playback"
)

// EventKind classifies inbound carrier events.
type EventKind string

const (
	EventConnected EventKind = "connected"
	EventStart     EventKind = "start"
	EventMedia     EventKind = "media"
	EventDTMF      EventKind = "dtmf"
	EventMark      EventKind = "mark"
	EventStop      EventKind = "stop"
	EventUnknown   EventKind = "unknown"
)

// Start describes the stream a carrier opened.
type Start struct {
	CallID    string
	StreamID  string
	AccountID string
	From      string
	To        string
	Params    map[string]string
}

// Event is one decoded inbound message. Audio is native PCM16LE.
type Event struct {
	Kind     EventKind
	Seq      int64 // 0 when the carrier sent none
	StreamID string
	Start    *Start
	Audio    []byte
	Digit    string
	Mark     string
	Reason   string
}

// Dialect is one carrier's wire format.
type Dialect interface {
	Name() string
	// Framing is the outbound frame geometry in native PCM16 bytes.
	Framing() playback.Framing
	Decode(msg []byte) (Event, error)
	EncodeMedia(streamID string, pcm []byte) ([]byte, error)
	EncodeClear(streamID string) ([]byte, error)
	EncodeMark(streamID, name string) ([]byte, error)
}

// ByName returns the dialect called name.
func ByName(name string) (Dialect, error) {
	switch strings.ToLower(name) {
	case "twilio":
		return Twilio{}, nil
	case "exotel":
		return Exotel{}, nil
	}
	return nil, fmt.Errorf("unknown carrier dialect %q", name)
}

// seqNum accepts sequence numbers sent as JSON strings or numbers.
type seqNum int64

func (s *seqNum) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(b, `"`)
	if len(b) == 0 || string(b) == "null" {
		*s = 0
		return nil
	}
	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return fmt.Errorf("sequence number %q: %w", b, err)
	}
	*s = seqNum(n)
	return nil
}

// stringMap accepts custom parameters with non-string values.
func stringMap(in map[string]any) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		switch t := v.(type) {
		case string:
			out[k] = t
		default:
			out[k] = fmt.Sprint(t)
		}
	}
	return out
}

// Twilio Media Streams: camelCase fields, mu-law 8 kHz, 20 ms frames.
type Twilio struct{}

type twilioInbound struct {
	Event     string `json:"event"`
	Sequence  seqNum `json:"sequenceNumber"`
	StreamSid string `json:"streamSid"`
	Start     *struct {
		StreamSid        string         `json:"streamSid"`
		CallSid          string         `json:"callSid"`
		AccountSid       string         `json:"accountSid"`
		CustomParameters map[string]any `json:"customParameters"`
	} `json:"start"`
	Media *struct {
		Track   string `json:"track"`
		Payload string `json:"payload"`
	} `json:"media"`
	DTMF *struct {
		Digit string `json:"digit"`
	} `json:"dtmf"`
	Mark *struct {
		Name string `json:"name"`
	} `json:"mark"`
}

type twilioMedia struct {
	Payload string `json:"payload"`
}

type twilioMark struct {
	Name string `json:"name"`
}

type twilioOutbound struct {
	Event     string       `json:"event"`
	StreamSid string       `json:"streamSid"`
	Media     *twilioMedia `json:"media,omitempty"`
	Mark      *twilioMark  `json:"mark,omitempty"`
}

func (Twilio) Name() string { return "twilio" }

func (Twilio) Framing() playback.Framing {
	return playback.Framing{FrameBytes: 320, Align: 320}
}

func (Twilio) Decode(msg []byte) (Event, error) {
	var in twilioInbound
	if err := json.Unmarshal(msg, &in); err != nil {
		return Event{}, fmt.Errorf("decode twilio event: %w", err)
	}
	ev := Event{Kind: EventKind(in.Event), Seq: int64(in.Sequence), StreamID: in.StreamSid}
	switch ev.Kind {
	case EventConnected, EventStop:
	case EventStart:
		if in.Start == nil {
			return Event{}, fmt.Errorf("twilio start event without start block")
		}
		params := stringMap(in.Start.CustomParameters)
		ev.Start = &Start{
			CallID:    in.Start.CallSid,
			StreamID:  in.Start.StreamSid,
			AccountID: in.Start.AccountSid,
			From:      params["from"],
			To:        params["to"],
			Params:    params,
		}
		if ev.StreamID == "" {
			ev.StreamID = in.Start.StreamSid
		}
	case EventMedia:
		if in.Media == nil {
			return Event{}, fmt.Errorf("twilio media event without media block")
		}
		if in.Media.Track != "" && in.Media.Track != "inbound" {
			ev.Kind = EventUnknown
			return ev, nil
		}
		raw, err := base64.StdEncoding.DecodeString(in.Media.Payload)
		if err != nil {
			return Event{}, fmt.Errorf("decode twilio payload: %w", err)
		}
		ev.Audio = audio.ULawToPCM(raw)
	case EventDTMF:
		if in.DTMF != nil {
			ev.Digit = in.DTMF.Digit
		}
	case EventMark:
		if in.Mark != nil {
			ev.Mark = in.Mark.Name
		}
	default:
		ev.Kind = EventUnknown
	}
	return ev, nil
}

func (Twilio) EncodeMedia(streamID string, pcm []byte) ([]byte, error) {
	payload := base64.StdEncoding.EncodeToString(audio.PCMToULaw(pcm))
	return json.Marshal(twilioOutbound{Event: "media", StreamSid: streamID, Media: &twilioMedia{Payload: payload}})
}

func (Twilio) EncodeClear(streamID string) ([]byte, error) {
	return json.Marshal(twilioOutbound{Event: "clear", StreamSid: streamID})
}

func (Twilio) EncodeMark(streamID, name string) ([]byte, error) {
	return json.Marshal(twilioOutbound{Event: "mark", StreamSid: streamID, Mark: &twilioMark{Name: name}})
}

// Exotel Voicebot streams: snake_case fields, PCM16LE 8 kHz, 100 ms frames
// with the last chunk padded to a 320-byte multiple.
type Exotel struct{}

type exotelInbound struct {
	Event     string `json:"event"`
	Sequence  seqNum `json:"sequence_number"`
	StreamSid string `json:"stream_sid"`
	Start     *struct {
		StreamSid        string         `json:"stream_sid"`
		CallSid          string         `json:"call_sid"`
		AccountSid       string         `json:"account_sid"`
		From             string         `json:"from"`
		To               string         `json:"to"`
		CustomParameters map[string]any `json:"custom_parameters"`
	} `json:"start"`
	Media *struct {
		Payload string `json:"payload"`
	} `json:"media"`
	DTMF *struct {
		Digit string `json:"digit"`
	} `json:"dtmf"`
	Mark *struct {
		Name string `json:"name"`
	} `json:"mark"`
	Stop *struct {
		Reason string `json:"reason"`
	} `json:"stop"`
}

type exotelOutbound struct {
	Event     string       `json:"event"`
	StreamSid string       `json:"stream_sid"`
	Media     *twilioMedia `json:"media,omitempty"`
	Mark      *twilioMark  `json:"mark,omitempty"`
}

func (Exotel) Name() string { return "exotel" }

func (Exotel) Framing() playback.Framing {
	return playback.Framing{FrameBytes: 3200, Align: 320}
}

func (Exotel) Decode(msg []byte) (Event, error) {
	var in exotelInbound
	if err := json.Unmarshal(msg, &in); err != nil {
		return Event{}, fmt.Errorf("decode exotel event: %w", err)
	}
	ev := Event{Kind: EventKind(in.Event), Seq: int64(in.Sequence), StreamID: in.StreamSid}
	switch ev.Kind {
	case EventConnected:
	case EventStart:
		if in.Start == nil {
			return Event{}, fmt.Errorf("exotel start event without start block")
		}
		ev.Start = &Start{
			CallID:    in.Start.CallSid,
			StreamID:  in.Start.StreamSid,
			AccountID: in.Start.AccountSid,
			From:      in.Start.From,
			To:        in.Start.To,
			Params:    stringMap(in.Start.CustomParameters),
		}
		if ev.StreamID == "" {
			ev.StreamID = in.Start.StreamSid
		}
	case EventMedia:
		if in.Media == nil {
			return Event{}, fmt.Errorf("exotel media event without media block")
		}
		raw, err := base64.StdEncoding.DecodeString(in.Media.Payload)
		if err != nil {
			return Event{}, fmt.Errorf("decode exotel payload: %w", err)
		}
		ev.Audio = raw[:len(raw)&^1]
	case EventDTMF:
		if in.DTMF != nil {
			ev.Digit = in.DTMF.Digit
		}
	case EventMark:
		if in.Mark != nil {
			ev.Mark = in.Mark.Name
		}
	case EventStop:
		if in.Stop != nil {
			ev.Reason = in.Stop.Reason
		}
	default:
		ev.Kind = EventUnknown
	}
	return ev, nil
}

func (Exotel) EncodeMedia(streamID string, pcm []byte) ([]byte, error) {
	payload := base64.StdEncoding.EncodeToString(pcm)
	return json.Marshal(exotelOutbound{Event: "media", StreamSid: streamID, Media: &twilioMedia{Payload: payload}})
}

func (Exotel) EncodeClear(streamID string) ([]byte, error) {
	return json.Marshal(exotelOutbound{Event: "clear", StreamSid: streamID})
}

func (Exotel) EncodeMark(streamID, name string) ([]byte, error) {
	return json.Marshal(exotelOutbound{Event: "mark", StreamSid: streamID, Mark: &twilioMark{Name: name}})
}
