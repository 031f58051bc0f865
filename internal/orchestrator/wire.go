package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/chadiek/callstream/internal/assets"
	"github.com/chadiek/callstream/internal/claim"
	"github.com/chadiek/callstream/internal/config"
	"github.com/chadiek/callstream/internal/decision"
	"github.com/chadiek/callstream/internal/llm"
	"github.com/chadiek/callstream/internal/metrics"
	"github.com/chadiek/callstream/internal/playback"
	"github.com/chadiek/callstream/internal/rtc"
	"github.com/chadiek/callstream/internal/session"
	"github.com/chadiek/callstream/internal/storage"
	"github.com/chadiek/callstream/internal/stt"
	"github.com/chadiek/callstream/internal/summary"
	"github.com/chadiek/callstream/internal/telephony"
	"github.com/chadiek/callstream/internal/transcode"
	"github.com/chadiek/callstream/internal/tts"
	"github.com/chadiek/callstream/internal/vad"
)

const transferAnnouncement = "Please hold while I connect you to an agent."

// Stack is the fully wired process: the orchestrator plus the pieces the
// HTTP surface needs directly.
type Stack struct {
	Orchestrator *Orchestrator
	Metrics      *metrics.Metrics
	RTC          *rtc.Handler
	// Recorder is nil unless RECORD_CALLS is set with Twilio credentials.
	Recorder *telephony.Recorder

	closers []func(context.Context) error
}

// Close flushes summaries and releases external connections.
func (s *Stack) Close(ctx context.Context) error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Build wires every component from cfg. Only an asset library that fails to
// load is fatal for a valid config; missing provider keys degrade to the
// fallback audio.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *Stack, err error) {
	st := &Stack{Metrics: metrics.New()}
	defer func() {
		if err != nil {
			_ = st.Close(context.Background())
		}
	}()

	schema := session.DefaultSchema()
	if cfg.SchemaFile != "" {
		if schema, err = session.LoadSchema(cfg.SchemaFile); err != nil {
			return nil, err
		}
	}

	transcoder := transcode.New()
	loader := func(ctx context.Context) (*assets.Library, error) {
		m, err := assets.LoadManifest(cfg.AssetManifest)
		if err != nil {
			return nil, err
		}
		return assets.Load(ctx, m, assets.Options{Decoder: transcoder, Required: []string{cfg.FallbackAsset}})
	}
	lib, err := loader(ctx)
	if err != nil {
		return nil, err
	}
	store := assets.NewStore(lib, loader, logger)
	logger.Info("asset library loaded", zap.Int("assets", lib.Len()), zap.Duration("total_audio", lib.TotalDuration()))

	synth := newSynthesizer(cfg, logger)
	player := playback.New(store, synth, transcoder, playback.Config{
		FallbackAsset: cfg.FallbackAsset,
		PrerollFrames: cfg.PrerollFrames,
		SynthTimeout:  cfg.TTSTimeout,
	}, playback.WithLogger(logger), playback.WithObserver(st.Metrics))

	completer, err := newCompleter(ctx, cfg)
	if err != nil {
		return nil, err
	}
	router := decision.NewRouter(completer, decision.Config{
		Persona:         cfg.Persona,
		Assets:          func() []string { return store.Current().Names() },
		Variables:       schema.Variables(),
		FlagRules:       schema.FlagRules,
		TransferEnabled: cfg.TransferEnabled,
		AutoTransfer:    cfg.TransferEnabled,
	}, logger)

	var claimer session.Claimer
	if cfg.RedisURL != "" {
		rc, err := claim.Dial(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		claimer = rc
		st.closers = append(st.closers, func(context.Context) error { return rc.Close() })
		logger.Info("distributed call claims enabled", zap.String("owner", rc.Owner()))
	}
	registry := session.NewRegistry(cfg.MaxConcurrentCalls, claimer, logger)

	var uploader storage.Uploader
	if cfg.SupabaseURL != "" && cfg.SupabaseServiceRoleKey != "" {
		sb, err := storage.NewSupabase(storage.Config{URL: cfg.SupabaseURL, ServiceRoleKey: cfg.SupabaseServiceRoleKey, Bucket: cfg.SupabaseBucket})
		if err != nil {
			return nil, err
		}
		uploader = sb
	}

	sinks := []summary.Sink{summary.NewLogSink(logger)}
	if cfg.CallLogDir != "" {
		csvSink, err := summary.NewCSVSink(cfg.CallLogDir)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, csvSink)
	}
	if cfg.SQLitePath != "" {
		db, err := summary.NewSQLiteSink(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, db)
		st.closers = append(st.closers, func(context.Context) error { return db.Close() })
	}
	if uploader != nil {
		sinks = append(sinks, summary.NewSupabaseSink(uploader, "summaries"))
	}
	dispatcher := summary.NewDispatcher(logger, 10*time.Second, sinks...)
	st.closers = append(st.closers, dispatcher.Close)

	transferers := map[string]session.Transferer{
		"exotel": telephony.NewExotelTransferer(logger),
	}
	if cfg.TwilioAccountSID != "" && cfg.TwilioAuthToken != "" {
		api := telephony.NewTwilioAPI(cfg.TwilioAccountSID, cfg.TwilioAuthToken)
		transferers["twilio"] = telephony.NewTwilioTransferer(api, cfg.AgentNumber, transferAnnouncement, logger)
		if cfg.RecordCalls {
			st.Recorder = telephony.NewRecorder(telephony.RecorderConfig{
				AccountSID: cfg.TwilioAccountSID,
				AuthToken:  cfg.TwilioAuthToken,
			}, api, uploader, logger)
		}
	}

	policy, err := session.ParseBargeInPolicy(cfg.BargeInPolicy)
	if err != nil {
		return nil, err
	}
	orch, err := New(Config{
		Session: session.Options{
			BargeIn:                policy,
			InboundBuffer:          cfg.InboundBufferChunks,
			DecisionTimeout:        cfg.DecisionTimeout,
			MaxConsecutiveFailures: cfg.MaxConsecutiveFailures,
			TransferEnabled:        cfg.TransferEnabled,
		},
		GreetingAsset: cfg.GreetingAsset,
		FallbackAsset: cfg.FallbackAsset,
		TransferAsset: cfg.TransferAsset,
	}, Deps{
		Registry:      registry,
		Library:       store,
		Player:        player,
		Decider:       router,
		NewRecognizer: newRecognizerFactory(cfg, logger),
		Transferers:   transferers,
		Summary:       dispatcher,
		Schema:        schema,
		Metrics:       st.Metrics,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}
	st.Orchestrator = orch
	st.RTC = rtc.NewHandler(orch.AcceptRTC, rtc.Options{ICEServers: cfg.ICEServers, Logger: logger})
	return st, nil
}

func newSynthesizer(cfg config.Config, logger *zap.Logger) playback.Synthesizer {
	switch cfg.TTSProvider {
	case "deepgram":
		if cfg.DeepgramKey != "" {
			return tts.NewDeepgram(cfg.DeepgramKey, cfg.DeepgramTTSModel, logger)
		}
	case "elevenlabs":
		if cfg.ElevenLabsKey != "" && cfg.ElevenLabsVoiceID != "" {
			return tts.NewElevenLabs(cfg.ElevenLabsKey, cfg.ElevenLabsVoiceID, logger)
		}
	}
	return nil
}

func newCompleter(ctx context.Context, cfg config.Config) (llm.Completer, error) {
	switch cfg.DecisionProvider {
	case "cerebras":
		return llm.NewChatClient(llm.CerebrasBaseURL, cfg.CerebrasKey, cfg.CerebrasModelID), nil
	case "gemini":
		c, err := llm.NewGeminiClient(ctx, cfg.GeminiKey, cfg.GeminiModel)
		if err != nil {
			return nil, fmt.Errorf("decision provider: %w", err)
		}
		return c, nil
	default:
		return llm.NewChatClient(llm.OpenAIBaseURL, cfg.OpenAIKey, cfg.OpenAIModel), nil
	}
}

func newRecognizerFactory(cfg config.Config, logger *zap.Logger) RecognizerFactory {
	ep := stt.DefaultEndpointConfig()
	ep.Silence = cfg.SilenceThreshold
	ep.MaxUtterance = cfg.STTFinalizeTimeout
	vcfg := vad.DefaultConfig()
	if cfg.VADThreshold > 0 {
		vcfg.Threshold = cfg.VADThreshold
	}
	return func(ctx context.Context, callID string) (session.Recognizer, error) {
		l := logger.With(zap.String("call_sid", callID))
		var (
			tr  stt.Transcriber
			err error
		)
		switch cfg.STTProvider {
		case "assemblyai":
			tr, err = stt.NewAssemblyAI(ctx, stt.AssemblyAIConfig{APIKey: cfg.AssemblyAIKey}, l)
		default:
			tr, err = stt.NewDeepgram(ctx, stt.DeepgramConfig{APIKey: cfg.DeepgramKey, Model: cfg.DeepgramSTTModel}, l)
		}
		if err != nil {
			return nil, fmt.Errorf("open recognizer: %w", err)
		}
		return stt.NewEndpointer(tr, vad.NewDetector(vcfg), ep, l), nil
	}
}
