package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoad_DefaultsAndEnv(t *testing.T) {
	t.Setenv("HTTP_ADDRESS", "")
	t.Setenv("ICE_SERVERS", "")
	t.Setenv("CEREBRAS_MODEL_ID", "")
	t.Setenv("SILENCE_THRESHOLD", "")
	cfg := Load()
	if cfg.HTTPAddress != ":8080" {
		t.Fatalf("expected default http address, got %q", cfg.HTTPAddress)
	}
	if len(cfg.ICEServers) != 1 {
		t.Fatalf("expected default ice server, got %v", cfg.ICEServers)
	}
	if cfg.CerebrasModelID == "" {
		t.Fatalf("expected default cerebras model id")
	}
	if cfg.SilenceThreshold != 400*time.Millisecond {
		t.Fatalf("expected 400ms silence threshold, got %s", cfg.SilenceThreshold)
	}
}

func TestLoad_TypedValues(t *testing.T) {
	t.Setenv("BASE_URL", "https://calls.example.com/")
	t.Setenv("SILENCE_THRESHOLD", "0.6")
	t.Setenv("DECISION_TIMEOUT", "3s")
	t.Setenv("MAX_CONCURRENT_CALLS", "7")
	t.Setenv("AGENT_TRANSFER_ENABLED", "true")
	t.Setenv("AGENT_NUMBER", "")
	t.Setenv("INBOUND_BUFFER_CHUNKS", "many")
	t.Setenv("ICE_SERVERS", "stun:a:3478, turn:b:3478")
	cfg := Load()
	if cfg.BaseURL != "https://calls.example.com" {
		t.Fatalf("expected trailing slash trimmed, got %q", cfg.BaseURL)
	}
	if cfg.SilenceThreshold != 600*time.Millisecond {
		t.Fatalf("expected bare seconds to parse, got %s", cfg.SilenceThreshold)
	}
	if cfg.DecisionTimeout != 3*time.Second || cfg.MaxConcurrentCalls != 7 || !cfg.TransferEnabled {
		t.Fatalf("unexpected typed values: %+v", cfg)
	}
	if cfg.InboundBufferChunks != 200 {
		t.Fatalf("expected default on bad int, got %d", cfg.InboundBufferChunks)
	}
	if len(cfg.ICEServers) != 2 || cfg.ICEServers[1] != "turn:b:3478" {
		t.Fatalf("unexpected ice servers %v", cfg.ICEServers)
	}
	joined := strings.Join(cfg.Warnings, "\n")
	if !strings.Contains(joined, "INBOUND_BUFFER_CHUNKS") || !strings.Contains(joined, "AGENT_NUMBER") {
		t.Fatalf("expected warnings for bad int and missing agent number, got %q", joined)
	}
}

func validConfig() Config {
	return Config{
		AssetManifest:          "content/manifest.yaml",
		FallbackAsset:          "apology",
		BargeInPolicy:          "interrupt",
		InboundBufferChunks:    200,
		PrerollFrames:          2,
		SilenceThreshold:       400 * time.Millisecond,
		DecisionTimeout:        10 * time.Second,
		TTSTimeout:             8 * time.Second,
		STTFinalizeTimeout:     15 * time.Second,
		MaxConsecutiveFailures: 3,
		MaxConcurrentCalls:     50,
		STTProvider:            "deepgram",
		DecisionProvider:       "openai",
		TTSProvider:            "elevenlabs",
	}
}

func TestValidate(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
	cases := map[string]func(*Config){
		"BARGE":                func(c *Config) { c.BargeInPolicy = "shout" },
		"INBOUND_BUFFER":       func(c *Config) { c.InboundBufferChunks = 0 },
		"ASSET_MANIFEST":       func(c *Config) { c.AssetManifest = "" },
		"DECISION_TIMEOUT":     func(c *Config) { c.DecisionTimeout = 0 },
		"STT_PROVIDER":         func(c *Config) { c.STTProvider = "whisper" },
		"TTS_PROVIDER":         func(c *Config) { c.TTSProvider = "polly" },
		"MAX_CONCURRENT_CALLS": func(c *Config) { c.MaxConcurrentCalls = -1 },
	}
	for want, mutate := range cases {
		t.Run(want, func(t *testing.T) {
			c := validConfig()
			mutate(&c)
			err := c.Validate()
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(strings.ToUpper(err.Error()), want) {
				t.Fatalf("expected %s in error, got %v", want, err)
			}
		})
	}
}
