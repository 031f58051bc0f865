package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/chadiek/callstream/internal/session"
)

// Config holds application configuration.
type Config struct {
	HTTPAddress string
	BaseURL     string
	LogLevel    string
	LogFormat   string

	AssetManifest string
	FallbackAsset string
	GreetingAsset string
	TransferAsset string
	SchemaFile    string
	Persona       string

	BargeInPolicy       string
	InboundBufferChunks int
	PrerollFrames       int
	SilenceThreshold    time.Duration
	VADThreshold        float64

	STTProvider        string
	DeepgramKey        string
	DeepgramSTTModel   string
	DeepgramTTSModel   string
	AssemblyAIKey      string
	DecisionProvider   string
	OpenAIKey          string
	OpenAIModel        string
	CerebrasKey        string
	CerebrasModelID    string
	GeminiKey          string
	GeminiModel        string
	TTSProvider        string
	ElevenLabsKey      string
	ElevenLabsVoiceID  string
	DecisionTimeout    time.Duration
	TTSTimeout         time.Duration
	STTFinalizeTimeout time.Duration

	MaxConsecutiveFailures int
	MaxConcurrentCalls     int
	TransferEnabled        bool
	AgentNumber            string

	TwilioAccountSID     string
	TwilioAuthToken      string
	TwilioSkipValidation bool
	RecordCalls          bool

	SupabaseURL            string
	SupabaseServiceRoleKey string
	SupabaseBucket         string
	CallLogDir             string
	SQLitePath             string
	RedisURL               string

	RTCAuthPassword string
	ICEServers      []string

	// Warnings lists missing optional settings found by Load.
	Warnings []string
}

// Load reads .env and the environment and returns Config with sane defaults.
func Load() Config {
	var warnings []string
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		warnings = append(warnings, fmt.Sprintf("error loading .env file: %v", err))
	}
	warn := func(format string, args ...any) { warnings = append(warnings, fmt.Sprintf(format, args...)) }

	cfg := Config{
		HTTPAddress: getEnv("HTTP_ADDRESS", ":8080"),
		BaseURL:     strings.TrimRight(os.Getenv("BASE_URL"), "/"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogFormat:   getEnv("LOG_FORMAT", "json"),

		AssetManifest: getEnv("ASSET_MANIFEST", "content/manifest.yaml"),
		FallbackAsset: getEnv("FALLBACK_ASSET", "apology"),
		GreetingAsset: getEnv("GREETING_ASSET", "greeting"),
		TransferAsset: getEnv("TRANSFER_ASSET", "transfer_hold"),
		SchemaFile:    os.Getenv("CONTENT_SCHEMA_FILE"),
		Persona:       os.Getenv("DECISION_PERSONA"),

		BargeInPolicy:       getEnv("BARGE_IN_POLICY", "interrupt"),
		InboundBufferChunks: getEnvInt("INBOUND_BUFFER_CHUNKS", 200, warn),
		PrerollFrames:       getEnvInt("PLAYBACK_PREROLL_FRAMES", 2, warn),
		SilenceThreshold:    getEnvDuration("SILENCE_THRESHOLD", 400*time.Millisecond, warn),
		VADThreshold:        getEnvFloat("VAD_THRESHOLD", 300, warn),

		STTProvider:        strings.ToLower(getEnv("STT_PROVIDER", "deepgram")),
		DeepgramKey:        os.Getenv("DEEPGRAM_API_KEY"),
		DeepgramSTTModel:   getEnv("DEEPGRAM_STT_MODEL", "nova-2-phonecall"),
		DeepgramTTSModel:   getEnv("DEEPGRAM_TTS_MODEL", "aura-asteria-en"),
		AssemblyAIKey:      os.Getenv("ASSEMBLYAI_API_KEY"),
		DecisionProvider:   strings.ToLower(getEnv("DECISION_PROVIDER", "openai")),
		OpenAIKey:          os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:        getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		CerebrasKey:        os.Getenv("CEREBRAS_API_KEY"),
		CerebrasModelID:    getEnv("CEREBRAS_MODEL_ID", "gpt-oss-120b"),
		GeminiKey:          os.Getenv("GEMINI_API_KEY"),
		GeminiModel:        getEnv("GEMINI_MODEL", "gemini-2.0-flash"),
		TTSProvider:        strings.ToLower(getEnv("TTS_PROVIDER", "elevenlabs")),
		ElevenLabsKey:      os.Getenv("ELEVENLABS_API_KEY"),
		ElevenLabsVoiceID:  os.Getenv("ELEVENLABS_VOICE_ID"),
		DecisionTimeout:    getEnvDuration("DECISION_TIMEOUT", 10*time.Second, warn),
		TTSTimeout:         getEnvDuration("TTS_TIMEOUT", 8*time.Second, warn),
		STTFinalizeTimeout: getEnvDuration("STT_FINALIZE_TIMEOUT", 15*time.Second, warn),

		MaxConsecutiveFailures: getEnvInt("MAX_CONSECUTIVE_FAILURES", 3, warn),
		MaxConcurrentCalls:     getEnvInt("MAX_CONCURRENT_CALLS", 50, warn),
		TransferEnabled:        getEnvBool("AGENT_TRANSFER_ENABLED", false, warn),
		AgentNumber:            os.Getenv("AGENT_NUMBER"),

		TwilioAccountSID:     os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:      os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioSkipValidation: getEnvBool("TWILIO_SKIP_VALIDATION", false, warn),
		RecordCalls:          getEnvBool("RECORD_CALLS", false, warn),

		SupabaseURL:            os.Getenv("SUPABASE_URL"),
		SupabaseServiceRoleKey: os.Getenv("SUPABASE_SERVICE_ROLE_KEY"),
		SupabaseBucket:         getEnv("SUPABASE_BUCKET", "voice-recording"),
		CallLogDir:             getEnv("CALL_LOG_DIR", "logs"),
		SQLitePath:             os.Getenv("SQLITE_PATH"),
		RedisURL:               os.Getenv("REDIS_URL"),

		RTCAuthPassword: os.Getenv("RTC_AUTH_PASSWORD"),
		ICEServers:      splitList(getEnv("ICE_SERVERS", "stun:stun.l.google.com:19302")),
	}

	switch cfg.STTProvider {
	case "deepgram":
		if cfg.DeepgramKey == "" {
			warn("DEEPGRAM_API_KEY not set - transcription will not work")
		}
	case "assemblyai":
		if cfg.AssemblyAIKey == "" {
			warn("ASSEMBLYAI_API_KEY not set - transcription will not work")
		}
	}
	switch cfg.DecisionProvider {
	case "openai":
		if cfg.OpenAIKey == "" {
			warn("OPENAI_API_KEY not set - decisions will use the fallback plan")
		}
	case "cerebras":
		if cfg.CerebrasKey == "" {
			warn("CEREBRAS_API_KEY not set - decisions will use the fallback plan")
		}
	case "gemini":
		if cfg.GeminiKey == "" {
			warn("GEMINI_API_KEY not set - decisions will use the fallback plan")
		}
	}
	switch cfg.TTSProvider {
	case "elevenlabs":
		if cfg.ElevenLabsKey == "" || cfg.ElevenLabsVoiceID == "" {
			warn("ELEVENLABS_API_KEY or ELEVENLABS_VOICE_ID not set - synthesized replies fall back to %q", cfg.FallbackAsset)
		}
	case "deepgram":
		if cfg.DeepgramKey == "" {
			warn("DEEPGRAM_API_KEY not set - synthesized replies fall back to %q", cfg.FallbackAsset)
		}
	}
	if cfg.TransferEnabled && cfg.AgentNumber == "" {
		warn("AGENT_TRANSFER_ENABLED without AGENT_NUMBER - Twilio transfers will fail")
	}
	if cfg.TwilioAuthToken == "" && !cfg.TwilioSkipValidation {
		warn("TWILIO_AUTH_TOKEN not set - Twilio webhooks will be rejected")
	}
	if cfg.RecordCalls && (cfg.SupabaseURL == "" || cfg.SupabaseServiceRoleKey == "") {
		warn("RECORD_CALLS set without Supabase storage - recordings will not be uploaded")
	}
	cfg.Warnings = warnings
	return cfg
}

// Validate reports misconfiguration the process cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.AssetManifest == "" {
		errs = append(errs, errors.New("ASSET_MANIFEST is required"))
	}
	if c.FallbackAsset == "" {
		errs = append(errs, errors.New("FALLBACK_ASSET is required"))
	}
	if _, err := session.ParseBargeInPolicy(c.BargeInPolicy); err != nil {
		errs = append(errs, err)
	}
	if c.InboundBufferChunks <= 0 {
		errs = append(errs, fmt.Errorf("INBOUND_BUFFER_CHUNKS must be positive, got %d", c.InboundBufferChunks))
	}
	if c.PrerollFrames < 0 {
		errs = append(errs, fmt.Errorf("PLAYBACK_PREROLL_FRAMES must not be negative, got %d", c.PrerollFrames))
	}
	if c.MaxConcurrentCalls <= 0 {
		errs = append(errs, fmt.Errorf("MAX_CONCURRENT_CALLS must be positive, got %d", c.MaxConcurrentCalls))
	}
	if c.MaxConsecutiveFailures <= 0 {
		errs = append(errs, fmt.Errorf("MAX_CONSECUTIVE_FAILURES must be positive, got %d", c.MaxConsecutiveFailures))
	}
	for name, d := range map[string]time.Duration{
		"SILENCE_THRESHOLD":    c.SilenceThreshold,
		"DECISION_TIMEOUT":     c.DecisionTimeout,
		"TTS_TIMEOUT":          c.TTSTimeout,
		"STT_FINALIZE_TIMEOUT": c.STTFinalizeTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if !oneOf(c.STTProvider, "deepgram", "assemblyai") {
		errs = append(errs, fmt.Errorf("unknown STT_PROVIDER %q", c.STTProvider))
	}
	if !oneOf(c.DecisionProvider, "openai", "cerebras", "gemini") {
		errs = append(errs, fmt.Errorf("unknown DECISION_PROVIDER %q", c.DecisionProvider))
	}
	if !oneOf(c.TTSProvider, "elevenlabs", "deepgram") {
		errs = append(errs, fmt.Errorf("unknown TTS_PROVIDER %q", c.TTSProvider))
	}
	return errors.Join(errs...)
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int, warn func(string, ...any)) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		warn("%s=%q is not an integer, using %d", key, v, defaultValue)
		return defaultValue
	}
	return n
}

func getEnvFloat(key string, defaultValue float64, warn func(string, ...any)) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		warn("%s=%q is not a number, using %g", key, v, defaultValue)
		return defaultValue
	}
	return f
}

func getEnvBool(key string, defaultValue bool, warn func(string, ...any)) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		warn("%s=%q is not a boolean, using %t", key, v, defaultValue)
		return defaultValue
	}
	return b
}

// getEnvDuration accepts Go durations ("400ms") or bare seconds ("0.4").
func getEnvDuration(key string, defaultValue time.Duration, warn func(string, ...any)) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	warn("%s=%q is not a duration, using %s", key, v, defaultValue)
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
