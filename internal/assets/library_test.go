package assets

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/chadiek/callstream/internal/audio"
	"github.com/chadiek/callstream/internal/callerr"
	"github.com/chadiek/callstream/internal/transcode"
)

type countingDecoder struct {
	calls atomic.Int32
	fail  string
}

func (d *countingDecoder) Transcode(src []byte) ([]byte, error) {
	d.calls.Add(1)
	if d.fail != "" && string(src) == d.fail {
		return nil, &callerr.TranscodeError{Reason: "bad"}
	}
	return transcode.New().Transcode(src)
}

func writeFile(t *testing.T, dir, name string, data []byte) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), data, 0o644))
}

func fixtureDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, dir, "greeting.wav", audio.EncodeWAV(make([]byte, audio.BytesFor(2*time.Second)*2), 16000))
	writeFile(t, dir, "bye.pcm", make([]byte, audio.BytesFor(800*time.Millisecond)))
	writeFile(t, dir, "manifest.yaml", []byte(`
- name: greeting
  source_file: greeting.wav
- name: bye
  source_file: bye.pcm
`))
	return dir
}

func TestLoadManifestLayouts(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "list.yaml", []byte("- name: a\n  source_file: a.mp3\n"))
	writeFile(t, dir, "doc.yaml", []byte("assets:\n  - name: b\n    source_file: b.mp3\n"))
	writeFile(t, dir, "camel.json", []byte(`[{"name":"c","sourceFile":"c.mp3"}]`))

	m, err := LoadManifest(filepath.Join(dir, "list.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "a", m.Entries[0].Name)
	assert.Equal(t, dir, m.Dir)

	m, err = LoadManifest(filepath.Join(dir, "doc.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "b.mp3", m.Entries[0].Source())

	m, err = LoadManifest(filepath.Join(dir, "camel.json"))
	require.NoError(t, err)
	assert.Equal(t, "c.mp3", m.Entries[0].Source())
	assert.Equal(t, filepath.Join(dir, "c.mp3"), m.resolve(m.Entries[0]))

	_, err = LoadManifest(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadAndGet(t *testing.T) {
	dir := fixtureDir(t)
	m, err := LoadManifest(filepath.Join(dir, "manifest.yaml"))
	require.NoError(t, err)

	dec := &countingDecoder{}
	lib, err := Load(context.Background(), m, Options{Decoder: dec, Required: []string{"bye"}})
	require.NoError(t, err)
	assert.Equal(t, 2, lib.Len())
	assert.Equal(t, []string{"bye", "greeting"}, lib.Names())
	assert.Equal(t, int32(1), dec.calls.Load(), "pcm sources bypass the decoder")

	g, err := lib.Get("greeting")
	require.NoError(t, err)
	assert.Equal(t, int64(2000), g.DurationMs())
	b, err := lib.Get("bye")
	require.NoError(t, err)
	assert.Equal(t, int64(800), b.DurationMs())
	assert.Equal(t, 2800*time.Millisecond, lib.TotalDuration())

	again, err := lib.Get("greeting")
	require.NoError(t, err)
	assert.Equal(t, g.PCM, again.PCM)

	_, err = lib.Get("nope")
	assert.ErrorIs(t, err, callerr.ErrNotFound)
}

func TestLoadFailsClosed(t *testing.T) {
	dir := fixtureDir(t)
	writeFile(t, dir, "broken.mp3", []byte("definitely not audio"))

	cases := []struct {
		name    string
		entries []Entry
		opts    Options
		asset   string
	}{
		{"malformed", []Entry{{Name: "greeting", SourceFile: "greeting.wav"}, {Name: "broken", SourceFile: "broken.mp3"}}, Options{}, "broken"},
		{"missing_file", []Entry{{Name: "ghost", SourceFile: "ghost.wav"}}, Options{}, "ghost"},
		{"duplicate", []Entry{{Name: "bye", SourceFile: "bye.pcm"}, {Name: "bye", SourceFile: "bye.pcm"}}, Options{}, "bye"},
		{"required_missing", []Entry{{Name: "bye", SourceFile: "bye.pcm"}}, Options{Required: []string{"apology"}}, "apology"},
		{"no_source", []Entry{{Name: "bye"}}, Options{}, "bye"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.opts.Decoder = transcode.New()
			lib, err := Load(context.Background(), Manifest{Dir: dir, Entries: tc.entries}, tc.opts)
			assert.Nil(t, lib)
			var le *callerr.LoadError
			require.True(t, errors.As(err, &le), "want LoadError, got %v", err)
			assert.Equal(t, tc.asset, le.Asset)
		})
	}

	_, err := Load(context.Background(), Manifest{}, Options{Decoder: transcode.New()})
	assert.Error(t, err)
}

func TestFromPCM(t *testing.T) {
	src := map[string][]byte{"x": make([]byte, 320)}
	lib, err := FromPCM(src)
	require.NoError(t, err)
	src["x"][0] = 1
	a, _ := lib.Get("x")
	assert.Equal(t, byte(0), a.PCM[0], "library must own its buffers")

	_, err = FromPCM(map[string][]byte{"odd": make([]byte, 3)})
	assert.Error(t, err)
}

func TestStoreReloadSwapsAtomically(t *testing.T) {
	first, err := FromPCM(map[string][]byte{"a": make([]byte, 320)})
	require.NoError(t, err)
	second, err := FromPCM(map[string][]byte{"a": make([]byte, 640), "b": make([]byte, 320)})
	require.NoError(t, err)

	fail := false
	s := NewStore(first, func(context.Context) (*Library, error) {
		if fail {
			return nil, &callerr.LoadError{Err: errors.New("boom")}
		}
		return second, nil
	}, zaptest.NewLogger(t))

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				lib := s.Current()
				a, err := lib.Get("a")
				if err != nil {
					t.Errorf("reader saw table without a: %v", err)
					return
				}
				if lib.Has("b") && len(a.PCM) != 640 {
					t.Errorf("reader saw a mixed table")
					return
				}
			}
		}()
	}
	require.NoError(t, s.Reload(context.Background()))
	close(stop)
	wg.Wait()
	assert.Same(t, second, s.Current())

	fail = true
	assert.Error(t, s.Reload(context.Background()))
	assert.Same(t, second, s.Current(), "failed reload keeps previous library")

	assert.Error(t, NewStore(first, nil, nil).Reload(context.Background()))
}
