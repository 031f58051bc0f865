package orchestrator

import (
	"github.com/chadiek/callstream/internal/session"
	"github.com/chadiek/callstream/internal/summary"
)

// EventFromSnapshot converts a finished call into its summary record.
func EventFromSnapshot(s session.Snapshot) summary.Event {
	phone := s.Meta["from"]
	if s.Direction == session.DirectionOutbound {
		phone = s.Meta["to"]
	}
	e := summary.Event{
		CallID:     s.ID,
		Direction:  string(s.Direction),
		Phone:      phone,
		StartedAt:  s.StartedAt,
		EndedAt:    s.EndedAt,
		DurationMs: s.Duration().Milliseconds(),
		Variables:  s.Variables,
		Flags:      s.Flags,
		EndReason:  s.EndReason,
		Stats: summary.Stats{
			Utterances:       s.Stats.Utterances,
			Decisions:        s.Stats.Decisions,
			DecisionFailures: s.Stats.DecisionFailures,
			BargeIns:         s.Stats.BargeIns,
			DroppedInbound:   s.Stats.DroppedInbound,
			DroppedOutbound:  s.Stats.DroppedOutbound,
			Frames:           s.Stats.Frames,
			AssetsPlayed:     s.Stats.AssetsPlayed,
			Syntheses:        s.Stats.Syntheses,
			Fallbacks:        s.Stats.Fallbacks,
			PlaybackMs:       s.Stats.PlaybackDuration.Milliseconds(),
		},
	}
	for _, en := range s.Entries {
		e.Turns = append(e.Turns, summary.Turn{
			At:         en.At,
			Speaker:    en.Speaker,
			Kind:       en.Kind,
			Content:    en.Content,
			Assets:     en.Assets,
			ResponseMs: en.ResponseTime.Milliseconds(),
		})
	}
	return e
}
