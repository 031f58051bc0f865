package assets

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// LoaderFunc builds a fresh library, typically by re-reading the manifest.
type LoaderFunc func(ctx context.Context) (*Library, error)

// Store publishes the current library. Readers never see a partially built
// table: a reload builds off to the side and swaps one pointer.
type Store struct {
	cur    atomic.Pointer[Library]
	load   LoaderFunc
	logger *zap.Logger

	reloadMu sync.Mutex
}

// NewStore wraps an already loaded library.
func NewStore(initial *Library, load LoaderFunc, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{load: load, logger: logger}
	s.cur.Store(initial)
	return s
}

// Current returns the library in effect right now.
func (s *Store) Current() *Library { return s.cur.Load() }

// Reload builds a new library and swaps it in. On failure the previous
// library stays active.
func (s *Store) Reload(ctx context.Context) error {
	if s.load == nil {
		return errors.New("assets: store has no loader")
	}
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	next, err := s.load(ctx)
	if err != nil {
		s.logger.Error("asset reload failed, keeping previous library", zap.Error(err))
		return err
	}
	prev := s.cur.Swap(next)
	fields := []zap.Field{zap.Int("assets", next.Len()), zap.Duration("total_audio", next.TotalDuration())}
	if prev != nil {
		fields = append(fields, zap.Int("previous_assets", prev.Len()))
	}
	s.logger.Info("asset library reloaded", fields...)
	return nil
}
