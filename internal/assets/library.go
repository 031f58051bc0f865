// Package assets holds the immutable in-memory library of pre-decoded audio
// snippets that every call plays from.
package assets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/chadiek/callstream/internal/audio"
	"github.com/chadiek/callstream/internal/callerr"
)

// Asset is one decoded snippet in native PCM16LE mono. PCM must not be
// modified by callers; it is shared across every call.
type Asset struct {
	Name     string
	PCM      []byte
	Duration time.Duration
}

// DurationMs is the playback length in milliseconds.
func (a *Asset) DurationMs() int64 { return a.Duration.Milliseconds() }

// Decoder turns a source file's bytes into native PCM16LE mono.
type Decoder interface {
	Transcode(src []byte) ([]byte, error)
}

// Library is read-only after Load returns.
type Library struct {
	byName   map[string]*Asset
	names    []string
	total    time.Duration
	loadedAt time.Time
}

// Options controls Load.
type Options struct {
	Decoder Decoder
	// Required names must be present in the manifest, e.g. the fallback asset.
	Required []string
	// Concurrency bounds parallel decodes; 0 means 8.
	Concurrency int
}

// Load decodes every manifest entry exactly once. Any single failure fails
// the whole load with a *callerr.LoadError.
func Load(ctx context.Context, m Manifest, opts Options) (*Library, error) {
	if len(m.Entries) == 0 {
		return nil, &callerr.LoadError{Err: errors.New("manifest has no entries")}
	}
	if opts.Decoder == nil {
		return nil, &callerr.LoadError{Err: errors.New("no decoder configured")}
	}
	seen := make(map[string]struct{}, len(m.Entries))
	for _, e := range m.Entries {
		if strings.TrimSpace(e.Name) == "" {
			return nil, &callerr.LoadError{Path: e.Source(), Err: errors.New("entry without name")}
		}
		if e.Source() == "" {
			return nil, &callerr.LoadError{Asset: e.Name, Err: errors.New("entry without source_file")}
		}
		if _, dup := seen[e.Name]; dup {
			return nil, &callerr.LoadError{Asset: e.Name, Err: errors.New("duplicate asset name")}
		}
		seen[e.Name] = struct{}{}
	}
	for _, r := range opts.Required {
		if _, ok := seen[r]; !ok {
			return nil, &callerr.LoadError{Asset: r, Err: errors.New("required asset missing from manifest")}
		}
	}

	limit := opts.Concurrency
	if limit <= 0 {
		limit = 8
	}
	decoded := make([]*Asset, len(m.Entries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, e := range m.Entries {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			a, err := decodeEntry(m, e, opts.Decoder)
			if err != nil {
				return err
			}
			decoded[i] = a
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		var le *callerr.LoadError
		if errors.As(err, &le) {
			return nil, le
		}
		return nil, &callerr.LoadError{Err: err}
	}

	lib := &Library{byName: make(map[string]*Asset, len(decoded)), loadedAt: time.Now()}
	for _, a := range decoded {
		lib.byName[a.Name] = a
		lib.names = append(lib.names, a.Name)
		lib.total += a.Duration
	}
	sort.Strings(lib.names)
	return lib, nil
}

func decodeEntry(m Manifest, e Entry, dec Decoder) (*Asset, error) {
	path := m.resolve(e)
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &callerr.LoadError{Asset: e.Name, Path: path, Err: err}
	}
	var pcm []byte
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pcm", ".raw":
		// Already native PCM16LE at audio.NativeRate.
		if len(raw)%audio.BytesPerSample != 0 {
			return nil, &callerr.LoadError{Asset: e.Name, Path: path, Err: errors.New("odd byte count for pcm16")}
		}
		pcm = raw
	default:
		pcm, err = dec.Transcode(raw)
		if err != nil {
			return nil, &callerr.LoadError{Asset: e.Name, Path: path, Err: err}
		}
	}
	if len(pcm) == 0 {
		return nil, &callerr.LoadError{Asset: e.Name, Path: path, Err: errors.New("decoded to zero samples")}
	}
	return &Asset{Name: e.Name, PCM: pcm, Duration: audio.Duration(len(pcm))}, nil
}

// FromPCM builds a library directly from native PCM buffers. Buffers are
// copied.
func FromPCM(pcm map[string][]byte) (*Library, error) {
	lib := &Library{byName: make(map[string]*Asset, len(pcm)), loadedAt: time.Now()}
	for name, b := range pcm {
		if len(b) == 0 || len(b)%audio.BytesPerSample != 0 {
			return nil, &callerr.LoadError{Asset: name, Err: fmt.Errorf("invalid pcm length %d", len(b))}
		}
		cp := make([]byte, len(b))
		copy(cp, b)
		a := &Asset{Name: name, PCM: cp, Duration: audio.Duration(len(cp))}
		lib.byName[name] = a
		lib.names = append(lib.names, name)
		lib.total += a.Duration
	}
	sort.Strings(lib.names)
	return lib, nil
}

// Get returns the named asset or callerr.ErrNotFound.
func (l *Library) Get(name string) (*Asset, error) {
	if a, ok := l.byName[name]; ok {
		return a, nil
	}
	return nil, callerr.ErrNotFound
}

// Has reports whether name is loaded.
func (l *Library) Has(name string) bool {
	_, ok := l.byName[name]
	return ok
}

// Names lists asset names in sorted order.
func (l *Library) Names() []string {
	out := make([]string, len(l.names))
	copy(out, l.names)
	return out
}

func (l *Library) Len() int                     { return len(l.byName) }
func (l *Library) TotalDuration() time.Duration { return l.total }
func (l *Library) LoadedAt() time.Time          { return l.loadedAt }
