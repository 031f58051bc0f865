package summary

import (
	"context"
	"encoding/json"
	"fmt"
	"path"

	"github.com/chadiek/callstream/internal/storage"
)

// SupabaseSink uploads each summary as a JSON object:
// <prefix>/<yyyy-mm-dd>/<callId>.json.
type SupabaseSink struct {
	up     storage.Uploader
	prefix string
}

func NewSupabaseSink(up storage.Uploader, prefix string) *SupabaseSink {
	if prefix == "" {
		prefix = "summaries"
	}
	return &SupabaseSink{up: up, prefix: prefix}
}

func (s *SupabaseSink) Key(e Event) string {
	return path.Join(s.prefix, e.EndedAt.UTC().Format("2006-01-02"), e.CallID+".json")
}

func (s *SupabaseSink) Emit(_ context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	return s.up.Upload(s.Key(e), "application/json", body)
}
