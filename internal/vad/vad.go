// Package vad is an energy-based voice activity detector for 8 kHz PCM16LE.
package vad

import (
	"sync"
	"time"

	"github.com/chadiek/callstream/internal/audio"
)

// Config tunes the detector.
type Config struct {
	// Threshold is the RMS level above which a frame counts as speech.
	Threshold float64
	// Smoothing is the number of recent frames voted over.
	Smoothing int
	// FrameDuration is the analysis window.
	FrameDuration time.Duration
}

// DefaultConfig suits narrowband telephone audio.
func DefaultConfig() Config {
	return Config{Threshold: 300, Smoothing: 4, FrameDuration: 10 * time.Millisecond}
}

// Detector is safe for concurrent use.
type Detector struct {
	cfg        Config
	frameBytes int
	now        func() time.Time

	mu        sync.Mutex
	carry     []byte
	window    []bool
	lastVoice time.Time
}

// NewDetector builds a detector; zero fields of cfg take defaults.
func NewDetector(cfg Config) *Detector {
	def := DefaultConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.Smoothing <= 0 {
		cfg.Smoothing = def.Smoothing
	}
	if cfg.FrameDuration <= 0 {
		cfg.FrameDuration = def.FrameDuration
	}
	return &Detector{cfg: cfg, frameBytes: audio.BytesFor(cfg.FrameDuration), now: time.Now}
}

// Feed analyses pcm in fixed windows and reports whether the smoothed state
// is speech after the last complete window.
func (d *Detector) Feed(pcm []byte) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	buf := append(d.carry, pcm...)
	speech := d.smoothedLocked()
	for len(buf) >= d.frameBytes {
		frame := buf[:d.frameBytes]
		buf = buf[d.frameBytes:]
		d.window = append(d.window, audio.RMS(frame) >= d.cfg.Threshold)
		if len(d.window) > d.cfg.Smoothing {
			d.window = d.window[len(d.window)-d.cfg.Smoothing:]
		}
		speech = d.smoothedLocked()
		if speech {
			d.lastVoice = d.now()
		}
	}
	d.carry = append(d.carry[:0], buf...)
	return speech
}

// smoothedLocked is true when at least half the window voted speech.
func (d *Detector) smoothedLocked() bool {
	if len(d.window) == 0 {
		return false
	}
	n := 0
	for _, v := range d.window {
		if v {
			n++
		}
	}
	return n*2 >= len(d.window)
}

// RecentlyDetected reports whether speech was seen within window.
func (d *Detector) RecentlyDetected(window time.Duration) bool {
	d.mu.Lock()
	last := d.lastVoice
	d.mu.Unlock()
	return !last.IsZero() && d.now().Sub(last) <= window
}

// LastVoice is the time speech was last seen, zero if never.
func (d *Detector) LastVoice() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastVoice
}

// Reset clears window state.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.carry = d.carry[:0]
	d.window = d.window[:0]
}
