// Package summary exports one record per finished call.
package summary

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"
)

// Event is the end-of-call record. It is emitted exactly once per call.
type Event struct {
	ID         string            `json:"id"`
	CallID     string            `json:"callId"`
	Direction  string            `json:"direction"`
	Phone      string            `json:"phone,omitempty"`
	StartedAt  time.Time         `json:"startedAt"`
	EndedAt    time.Time         `json:"endedAt"`
	DurationMs int64             `json:"durationMs"`
	Variables  map[string]string `json:"variables"`
	Flags      map[string]bool   `json:"flags"`
	EndReason  string            `json:"endReason"`
	Stats      Stats             `json:"stats"`
	Turns      []Turn            `json:"turns,omitempty"`
}

// Stats are the call's counters.
type Stats struct {
	Utterances       int   `json:"utterances"`
	Decisions        int   `json:"decisions"`
	DecisionFailures int   `json:"decisionFailures"`
	BargeIns         int   `json:"bargeIns"`
	DroppedInbound   int64 `json:"droppedInbound"`
	DroppedOutbound  int   `json:"droppedOutbound"`
	Frames           int   `json:"frames"`
	AssetsPlayed     int   `json:"assetsPlayed"`
	Syntheses        int   `json:"syntheses"`
	Fallbacks        int   `json:"fallbacks"`
	PlaybackMs       int64 `json:"playbackMs"`
}

// Turn is one line of the conversation log.
type Turn struct {
	At         time.Time `json:"at"`
	Speaker    string    `json:"speaker"`
	Kind       string    `json:"kind"`
	Content    string    `json:"content"`
	Assets     []string  `json:"assets,omitempty"`
	ResponseMs int64     `json:"responseMs,omitempty"`
}

// SetFlags lists the flags that are set, sorted.
func (e Event) SetFlags() []string {
	var out []string
	for f, v := range e.Flags {
		if v {
			out = append(out, f)
		}
	}
	sort.Strings(out)
	return out
}

// Sink persists or forwards events.
type Sink interface {
	Emit(ctx context.Context, e Event) error
}

// LogSink writes events to a zap logger.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Emit(_ context.Context, e Event) error {
	s.logger.Info("call summary",
		zap.String("call_id", e.CallID),
		zap.String("direction", e.Direction),
		zap.Int64("duration_ms", e.DurationMs),
		zap.String("end_reason", e.EndReason),
		zap.Any("variables", e.Variables),
		zap.Strings("flags", e.SetFlags()),
		zap.Int("utterances", e.Stats.Utterances),
		zap.Int("assets_played", e.Stats.AssetsPlayed),
		zap.Int("syntheses", e.Stats.Syntheses),
		zap.Int("fallbacks", e.Stats.Fallbacks),
		zap.Int("barge_ins", e.Stats.BargeIns))
	return nil
}
