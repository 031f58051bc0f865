// Package stt adapts streaming speech-to-text providers and turns their
// partial results into finalized caller utterances.
package stt

// Transcript is one recognition result.
type Transcript struct {
	Text string
	// IsFinal marks a segment the provider will not revise.
	IsFinal bool
	// TimestampMs is the segment start within the stream.
	TimestampMs int64
}

// Transcriber is a streaming recognizer fed with 8 kHz PCM16LE.
type Transcriber interface {
	Submit(frame []byte) error
	Results() <-chan Transcript
	Close() error
}
