package summary

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

const (
	callLogFile         = "call_log.csv"
	conversationLogFile = "conversation_log.csv"
	timestampLayout     = "2006-01-02 15:04:05"
)

var (
	callLogHeader = []string{
		"timestamp", "call_sid", "phone_number", "call_direction", "call_duration",
		"total_audio_files_used", "tts_responses_count", "session_flags", "lead_data", "final_status",
	}
	conversationLogHeader = []string{
		"timestamp", "call_sid", "speaker", "message_type", "content", "audio_files_used", "response_time_ms",
	}
)

// CSVSink appends to a call log and a conversation log in dir.
type CSVSink struct {
	dir string
	mu  sync.Mutex
}

// NewCSVSink creates dir and both files with headers when missing.
func NewCSVSink(dir string) (*CSVSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	s := &CSVSink{dir: dir}
	for name, header := range map[string][]string{callLogFile: callLogHeader, conversationLogFile: conversationLogHeader} {
		if err := s.ensureHeader(name, header); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *CSVSink) ensureHeader(name string, header []string) error {
	path := filepath.Join(s.dir, name)
	if fi, err := os.Stat(path); err == nil && fi.Size() > 0 {
		return nil
	}
	return s.appendRows(name, [][]string{header})
}

func (s *CSVSink) appendRows(name string, rows [][]string) error {
	f, err := os.OpenFile(filepath.Join(s.dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", name, err)
	}
	w := csv.NewWriter(f)
	if err := w.WriteAll(rows); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", name, err)
	}
	return f.Close()
}

func (s *CSVSink) Emit(_ context.Context, e Event) error {
	lead, err := json.Marshal(e.Variables)
	if err != nil {
		return err
	}
	flags, err := json.Marshal(e.SetFlags())
	if err != nil {
		return err
	}
	callRow := []string{
		e.EndedAt.Format(timestampLayout),
		e.CallID,
		e.Phone,
		e.Direction,
		strconv.FormatInt(e.DurationMs/1000, 10),
		strconv.Itoa(e.Stats.AssetsPlayed),
		strconv.Itoa(e.Stats.Syntheses),
		string(flags),
		string(lead),
		e.EndReason,
	}
	turns := make([][]string, 0, len(e.Turns))
	for _, t := range e.Turns {
		at := t.At
		if at.IsZero() {
			at = e.EndedAt
		}
		rt := ""
		if t.ResponseMs > 0 {
			rt = strconv.FormatInt(t.ResponseMs, 10)
		}
		turns = append(turns, []string{
			at.Format(timestampLayout),
			e.CallID,
			t.Speaker,
			t.Kind,
			t.Content,
			strings.Join(t.Assets, " + "),
			rt,
		})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendRows(callLogFile, [][]string{callRow}); err != nil {
		return err
	}
	if len(turns) == 0 {
		return nil
	}
	return s.appendRows(conversationLogFile, turns)
}
