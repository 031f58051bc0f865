package stt

import (
	"strings"
	"sync"
	"time"
	"unicode"

	"go.uber.org/zap"

	"github.com/chadiek/callstream/internal/vad"
)

// EndpointConfig tunes utterance finalization.
type EndpointConfig struct {
	// Silence is the gap without new text and without voice energy that
	// completes an utterance.
	Silence time.Duration
	// ContinuationExtension is added to Silence when the last word suggests
	// the caller will keep talking.
	ContinuationExtension time.Duration
	// MaxUtterance forces finalization of a caller who never pauses.
	MaxUtterance time.Duration
	// Tick is how often the gap is checked.
	Tick time.Duration
}

func DefaultEndpointConfig() EndpointConfig {
	return EndpointConfig{
		Silence:               400 * time.Millisecond,
		ContinuationExtension: 800 * time.Millisecond,
		MaxUtterance:          15 * time.Second,
		Tick:                  20 * time.Millisecond,
	}
}

// Endpointer turns a stream of partial and final transcripts into
// finalized utterances. It implements session.Recognizer.
type Endpointer struct {
	tr     Transcriber
	det    *vad.Detector
	cfg    EndpointConfig
	logger *zap.Logger
	now    func() time.Time

	utterances chan string
	stop       chan struct{}
	done       chan struct{}
	closeOnce  sync.Once
	closeErr   error

	// owned by run
	committed []string
	partial   string
	lastText  time.Time
	started   time.Time
}

// NewEndpointer starts finalizing results from tr. det may be nil, in which
// case only text activity holds an utterance open.
func NewEndpointer(tr Transcriber, det *vad.Detector, cfg EndpointConfig, logger *zap.Logger) *Endpointer {
	def := DefaultEndpointConfig()
	if cfg.Silence <= 0 {
		cfg.Silence = def.Silence
	}
	if cfg.ContinuationExtension < 0 {
		cfg.ContinuationExtension = 0
	}
	if cfg.Tick <= 0 {
		cfg.Tick = def.Tick
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Endpointer{
		tr:         tr,
		det:        det,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
		utterances: make(chan string, 8),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go e.run()
	return e
}

// Submit feeds caller audio to the detector and the transcriber.
func (e *Endpointer) Submit(pcm []byte) error {
	select {
	case <-e.stop:
		return ErrClosed
	default:
	}
	if e.det != nil {
		e.det.Feed(pcm)
	}
	return e.tr.Submit(pcm)
}

// Utterances is closed when the transcriber stops or the endpointer is closed.
func (e *Endpointer) Utterances() <-chan string { return e.utterances }

// Close stops finalization and closes the transcriber. Pending text is
// discarded.
func (e *Endpointer) Close() error {
	e.closeOnce.Do(func() {
		close(e.stop)
		<-e.done
		e.closeErr = e.tr.Close()
	})
	return e.closeErr
}

func (e *Endpointer) run() {
	defer close(e.done)
	defer close(e.utterances)
	ticker := time.NewTicker(e.cfg.Tick)
	defer ticker.Stop()
	results := e.tr.Results()
	for {
		select {
		case <-e.stop:
			return
		case t, ok := <-results:
			if !ok {
				// provider gone; hand over what was heard
				e.emit()
				return
			}
			e.observe(t)
		case <-ticker.C:
			if e.due() {
				e.emit()
			}
		}
	}
}

func (e *Endpointer) observe(t Transcript) {
	text := strings.TrimSpace(t.Text)
	if text == "" {
		return
	}
	now := e.now()
	if e.started.IsZero() {
		e.started = now
	}
	if t.IsFinal {
		e.committed = append(e.committed, text)
		e.partial = ""
	} else {
		if text == e.partial {
			return
		}
		e.partial = text
	}
	e.lastText = now
}

func (e *Endpointer) current() string {
	parts := e.committed
	if e.partial != "" {
		parts = append(parts[:len(parts):len(parts)], e.partial)
	}
	return strings.Join(parts, " ")
}

func (e *Endpointer) due() bool {
	if e.started.IsZero() {
		return false
	}
	now := e.now()
	if e.cfg.MaxUtterance > 0 && now.Sub(e.started) >= e.cfg.MaxUtterance {
		return true
	}
	threshold := e.cfg.Silence
	if isContinuationLikely(e.current()) {
		threshold += e.cfg.ContinuationExtension
	}
	if now.Sub(e.lastText) < threshold {
		return false
	}
	if e.det != nil {
		if last := e.det.LastVoice(); !last.IsZero() && now.Sub(last) < threshold {
			return false
		}
	}
	return true
}

func (e *Endpointer) emit() {
	text := e.current()
	e.committed = e.committed[:0]
	e.partial = ""
	e.started = time.Time{}
	if text == "" {
		return
	}
	e.logger.Debug("utterance finalized", zap.String("text", text))
	select {
	case e.utterances <- text:
	case <-e.stop:
	}
}

// isContinuationLikely reports whether the last word is a conjunction,
// filler or preposition.
func isContinuationLikely(text string) bool {
	w := lastWord(text)
	if w == "" {
		return false
	}
	_, ok := continuationWords[w]
	return ok
}

func lastWord(text string) string {
	fields := strings.FieldsFunc(strings.TrimSpace(text), func(r rune) bool { return !unicode.IsLetter(r) })
	if len(fields) == 0 {
		return ""
	}
	return strings.ToLower(fields[len(fields)-1])
}

var continuationWords = map[string]struct{}{
	// coordinating conjunctions
	"and": {}, "or": {}, "but": {}, "nor": {}, "yet": {}, "so": {},
	// subordinating conjunctions
	"if": {}, "when": {}, "while": {}, "though": {}, "although": {},
	"because": {}, "since": {}, "unless": {}, "until": {}, "whereas": {},
	// fillers
	"also": {}, "plus": {}, "um": {}, "uh": {}, "like": {},
	// prepositions
	"about": {}, "with": {}, "to": {}, "of": {}, "for": {}, "on": {}, "in": {}, "at": {},
}
