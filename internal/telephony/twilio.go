package telephony

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
	"go.uber.org/zap"

	"github.com/chadiek/callstream/internal/storage"
)

// CallUpdater modifies a live call; *twilioApi.ApiService implements it.
type CallUpdater interface {
	UpdateCall(sid string, params *twilioApi.UpdateCallParams) (*twilioApi.ApiV2010Call, error)
}

// RecordingStarter starts a recording on a live call; *twilioApi.ApiService
// implements it.
type RecordingStarter interface {
	CreateCallRecording(callSid string, params *twilioApi.CreateCallRecordingParams) (*twilioApi.ApiV2010CallRecording, error)
}

// NewTwilioAPI builds the REST API service for an account.
func NewTwilioAPI(accountSID, authToken string) *twilioApi.ApiService {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	return client.Api
}

// TwilioTransferer redirects a live call to the agent number by replacing
// its TwiML with a <Dial>. The media stream ends as a side effect.
type TwilioTransferer struct {
	api          CallUpdater
	agentNumber  string
	announcement string
	logger       *zap.Logger
}

func NewTwilioTransferer(api CallUpdater, agentNumber, announcement string, logger *zap.Logger) *TwilioTransferer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TwilioTransferer{api: api, agentNumber: agentNumber, announcement: announcement, logger: logger}
}

func (t *TwilioTransferer) Transfer(ctx context.Context, callID string) error {
	if t.agentNumber == "" {
		return fmt.Errorf("transfer %s: no agent number configured", callID)
	}
	doc, err := DialTwiML(t.agentNumber, t.announcement)
	if err != nil {
		return err
	}
	params := &twilioApi.UpdateCallParams{}
	params.SetTwiml(doc)
	if err := t.update(ctx, callID, params); err != nil {
		return fmt.Errorf("transfer %s: %w", callID, err)
	}
	t.logger.Info("call redirected to agent", zap.String("call_sid", callID), zap.String("agent", t.agentNumber))
	return nil
}

// Hangup completes a live call from the server side.
func (t *TwilioTransferer) Hangup(ctx context.Context, callID string) error {
	params := &twilioApi.UpdateCallParams{}
	params.SetStatus("completed")
	if err := t.update(ctx, callID, params); err != nil {
		return fmt.Errorf("hangup %s: %w", callID, err)
	}
	return nil
}

// update runs the blocking SDK call without outliving ctx.
func (t *TwilioTransferer) update(ctx context.Context, callID string, params *twilioApi.UpdateCallParams) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() {
		_, err := t.api.UpdateCall(callID, params)
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RecorderConfig holds the credentials used to fetch recordings.
type RecorderConfig struct {
	AccountSID string
	AuthToken  string
	// Prefix is prepended to uploaded object keys.
	Prefix string
}

// Recorder starts call-level recordings and copies finished recordings to
// storage.
type Recorder struct {
	cfg        RecorderConfig
	api        RecordingStarter
	storage    storage.Uploader
	httpClient *http.Client
	logger     *zap.Logger
}

func NewRecorder(cfg RecorderConfig, api RecordingStarter, up storage.Uploader, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "recordings"
	}
	return &Recorder{
		cfg:        cfg,
		api:        api,
		storage:    up,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
	}
}

// Start creates a single continuous recording of both tracks.
func (r *Recorder) Start(callSid, callbackURL string) error {
	if r.cfg.AccountSID == "" || r.cfg.AuthToken == "" {
		return fmt.Errorf("missing Twilio credentials: TWILIO_ACCOUNT_SID and TWILIO_AUTH_TOKEN required to start recording")
	}
	params := &twilioApi.CreateCallRecordingParams{}
	params.SetRecordingStatusCallback(callbackURL)
	params.SetRecordingStatusCallbackMethod("POST")
	params.SetRecordingStatusCallbackEvent([]string{"in-progress", "completed", "absent"})
	params.SetTrim("do-not-trim")
	params.SetRecordingChannels("mono")
	params.SetRecordingTrack("both")

	if _, err := r.api.CreateCallRecording(callSid, params); err != nil {
		return fmt.Errorf("failed to start recording: %w", err)
	}
	return nil
}

// Key is the storage object key for a recording.
func (r *Recorder) Key(callSid, recordingSid string, at time.Time) string {
	return fmt.Sprintf("%s/%s/recording_%s_%d.wav", r.cfg.Prefix, callSid, recordingSid, at.Unix())
}

// HandleStatus reacts to a recording status callback. Completed recordings
// are uploaded in the background.
func (r *Recorder) HandleStatus(callSid, recordingSid, recordingURL, status string) {
	log := r.logger.With(zap.String("call_sid", callSid), zap.String("recording_sid", recordingSid))
	switch status {
	case "completed":
		if recordingURL == "" {
			log.Warn("completed recording has no url")
			return
		}
		key := r.Key(callSid, recordingSid, time.Now())
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
			defer cancel()
			if err := r.Upload(ctx, recordingURL, key); err != nil {
				log.Error("recording upload failed", zap.Error(err))
				return
			}
			log.Info("recording uploaded", zap.String("key", key))
		}()
	case "failed", "absent":
		log.Error("recording failed or absent", zap.String("status", status))
	default:
		log.Debug("recording status", zap.String("status", status))
	}
}

// Upload downloads the WAV rendition of a recording and stores it under key.
func (r *Recorder) Upload(ctx context.Context, recordingURL, key string) error {
	if r.storage == nil {
		return fmt.Errorf("no storage configured for recordings")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, recordingURL+".wav", nil)
	if err != nil {
		return fmt.Errorf("failed to create request to Twilio recording URL: %w", err)
	}
	req.SetBasicAuth(r.cfg.AccountSID, r.cfg.AuthToken)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download recording: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		preview, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("failed to download recording, status %d: %s", resp.StatusCode, string(preview))
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read recording: %w", err)
	}
	if err := r.storage.Upload(key, "audio/wav", body); err != nil {
		return fmt.Errorf("failed to upload to storage: %w", err)
	}
	return nil
}
