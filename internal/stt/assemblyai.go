package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const assemblyAIURL = "wss://streaming.assemblyai.com/v3/ws"

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("stt: recognizer closed")

// AssemblyAIConfig configures the AssemblyAI v3 streaming client.
type AssemblyAIConfig struct {
	APIKey     string
	URL        string // default wss://streaming.assemblyai.com/v3/ws
	SampleRate int    // default 8000
}

// AssemblyAI streams audio to AssemblyAI's v3 realtime API.
type AssemblyAI struct {
	conn    *websocket.Conn
	logger  *zap.Logger
	results chan Transcript
	audio   chan []byte
	stopCh  chan struct{}
	dropped atomic.Int64

	closeOnce sync.Once
	writerWG  sync.WaitGroup
	readerWG  sync.WaitGroup
}

// AssemblyAI message types
type beginMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	ExpiresAt int64  `json:"expires_at"`
}

type turnMessage struct {
	Type           string `json:"type"`
	Transcript     string `json:"transcript"`
	EndOfTurn      bool   `json:"end_of_turn"`
	TurnFormatted  bool   `json:"turn_is_formatted"`
	AudioStartTime int64  `json:"audio_start_time,omitempty"`
	AudioEndTime   int64  `json:"audio_end_time,omitempty"`
}

type terminationMessage struct {
	Type                   string  `json:"type"`
	AudioDurationSeconds   float64 `json:"audio_duration_seconds"`
	SessionDurationSeconds float64 `json:"session_duration_seconds"`
}

type errorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// NewAssemblyAI dials the streaming endpoint.
func NewAssemblyAI(ctx context.Context, cfg AssemblyAIConfig, logger *zap.Logger) (*AssemblyAI, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("AssemblyAI API key is empty")
	}
	if cfg.URL == "" {
		cfg.URL = assemblyAIURL
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 8000
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	params := url.Values{}
	params.Set("sample_rate", strconv.Itoa(cfg.SampleRate))
	params.Set("format_turns", "false")
	params.Set("encoding", "pcm_s16le")
	wsURL := cfg.URL + "?" + params.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	headers := http.Header{"Authorization": {cfg.APIKey}}
	conn, resp, err := dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		if resp != nil {
			logger.Warn("AssemblyAI connection failed", zap.Int("status", resp.StatusCode))
		}
		return nil, fmt.Errorf("failed to connect to AssemblyAI: %w", err)
	}

	a := &AssemblyAI{
		conn:    conn,
		logger:  logger,
		results: make(chan Transcript, 100),
		audio:   make(chan []byte, 1000),
		stopCh:  make(chan struct{}),
	}
	a.writerWG.Add(1)
	go a.sendAudio()
	a.readerWG.Add(1)
	go a.readMessages()
	logger.Debug("connected to AssemblyAI streaming service")
	return a, nil
}

// Submit queues audio; it drops the frame when the send buffer is full.
func (a *AssemblyAI) Submit(frame []byte) error {
	select {
	case <-a.stopCh:
		return ErrClosed
	default:
	}
	select {
	case a.audio <- frame:
	default:
		if a.dropped.Add(1) == 1 {
			a.logger.Warn("AssemblyAI audio buffer full, dropping audio")
		}
	}
	return nil
}

func (a *AssemblyAI) Results() <-chan Transcript { return a.results }

// Close terminates the session and waits for both pumps to exit.
func (a *AssemblyAI) Close() error {
	a.closeOnce.Do(func() {
		close(a.stopCh)
		a.writerWG.Wait()
		_ = a.conn.Close()
		a.readerWG.Wait()
	})
	return nil
}

func (a *AssemblyAI) sendAudio() {
	defer a.writerWG.Done()
	for {
		select {
		case <-a.stopCh:
			_ = a.conn.SetWriteDeadline(time.Now().Add(time.Second))
			_ = a.conn.WriteJSON(map[string]string{"type": "Terminate"})
			return
		case frame := <-a.audio:
			_ = a.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := a.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				a.logger.Warn("error sending audio to AssemblyAI", zap.Error(err))
				<-a.stopCh
				return
			}
		}
	}
}

func (a *AssemblyAI) readMessages() {
	defer a.readerWG.Done()
	defer close(a.results)
	for {
		_, message, err := a.conn.ReadMessage()
		if err != nil {
			select {
			case <-a.stopCh:
			default:
				a.logger.Warn("AssemblyAI read failed", zap.Error(err))
			}
			return
		}
		a.processMessage(message)
	}
}

func (a *AssemblyAI) processMessage(message []byte) {
	var base struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(message, &base); err != nil {
		a.logger.Debug("AssemblyAI message not JSON", zap.Error(err))
		return
	}
	switch base.Type {
	case "Begin":
		var msg beginMessage
		if err := json.Unmarshal(message, &msg); err == nil {
			a.logger.Debug("AssemblyAI session began",
				zap.String("session_id", msg.ID),
				zap.Time("expires_at", time.Unix(msg.ExpiresAt, 0)))
		}
	case "Turn":
		var msg turnMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			a.logger.Debug("AssemblyAI bad Turn message", zap.Error(err))
			return
		}
		if msg.Transcript == "" {
			return
		}
		select {
		case a.results <- Transcript{Text: msg.Transcript, IsFinal: msg.EndOfTurn, TimestampMs: msg.AudioStartTime}:
		case <-a.stopCh:
		}
	case "Termination":
		var msg terminationMessage
		if err := json.Unmarshal(message, &msg); err == nil {
			a.logger.Debug("AssemblyAI session terminated",
				zap.Float64("audio_seconds", msg.AudioDurationSeconds),
				zap.Float64("session_seconds", msg.SessionDurationSeconds))
		}
	case "Error":
		var msg errorMessage
		if err := json.Unmarshal(message, &msg); err == nil {
			a.logger.Warn("AssemblyAI error", zap.String("error", msg.Error))
		}
	default:
		a.logger.Debug("unknown AssemblyAI message type", zap.String("type", base.Type))
	}
}
