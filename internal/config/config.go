package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"voiceplan/internal/domain"
)

// Config stores runtime configuration for the capture client and the relay.
type Config struct {
	Channel     ChannelConfig
	Session     SessionConfig
	Audio       AudioConfig
	Relay       RelayConfig
	Deepgram    DeepgramConfig
	CloudSpeech CloudSpeechConfig
	Planner     PlannerConfig
	Log         LogConfig
}

type ChannelConfig struct {
	URL              string
	HandshakeTimeout time.Duration
	StopAckTimeout   time.Duration
}

type SessionConfig struct {
	Mode         domain.AggregationMode
	TiersFile    string
	FrameSamples int
	FrameQueue   int
}

type AudioConfig struct {
	Command          string
	InputFormat      string
	InputDevice      string
	EchoCancelDevice string
	OutputFormat     string
	OutputDevice     string
	StartupWait      time.Duration
}

type RelayConfig struct {
	Addr        string
	Provider    string
	Mode        domain.AggregationMode
	Language    string
	StopTimeout time.Duration
}

type DeepgramConfig struct {
	APIKey      string
	APIBaseURL  string
	Model       string
	Language    string
	SmartFormat bool
	Endpointing time.Duration
	KeepAlive   time.Duration
}

type CloudSpeechConfig struct {
	ProjectID       string
	CredentialsJSON string
	Location        string
	Model           string
	Language        string
}

type PlannerConfig struct {
	BaseURL string
	UserID  string
	Timeout time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

const (
	ProviderDeepgram    = "deepgram"
	ProviderCloudSpeech = "cloudspeech"
)

type envConfig struct {
	ChannelURL       string        `env:"VOICEPLAN_CHANNEL_URL" envDefault:"ws://127.0.0.1:8080/ws"`
	HandshakeTimeout time.Duration `env:"VOICEPLAN_HANDSHAKE_TIMEOUT" envDefault:"5s"`
	StopAckTimeout   time.Duration `env:"VOICEPLAN_STOP_ACK_TIMEOUT" envDefault:"2s"`

	Mode         string `env:"VOICEPLAN_MODE" envDefault:"replace"`
	TiersFile    string `env:"VOICEPLAN_TIERS_FILE"`
	FrameSamples int    `env:"VOICEPLAN_FRAME_SAMPLES" envDefault:"4096"`
	FrameQueue   int    `env:"VOICEPLAN_FRAME_QUEUE" envDefault:"8"`

	FFmpegCommand    string        `env:"VOICEPLAN_FFMPEG_COMMAND" envDefault:"ffmpeg"`
	InputFormat      string        `env:"VOICEPLAN_AUDIO_INPUT_FORMAT" envDefault:"pulse"`
	InputDevice      string        `env:"VOICEPLAN_AUDIO_INPUT_DEVICE" envDefault:"default"`
	EchoCancelDevice string        `env:"VOICEPLAN_AUDIO_ECHO_CANCEL_DEVICE"`
	OutputFormat     string        `env:"VOICEPLAN_AUDIO_OUTPUT_FORMAT" envDefault:"pulse"`
	OutputDevice     string        `env:"VOICEPLAN_AUDIO_OUTPUT_DEVICE" envDefault:"default"`
	StartupWait      time.Duration `env:"VOICEPLAN_AUDIO_STARTUP_WAIT" envDefault:"250ms"`

	RelayAddr        string        `env:"VOICEPLAN_RELAY_ADDR" envDefault:":8080"`
	RelayProvider    string        `env:"VOICEPLAN_RELAY_PROVIDER" envDefault:"deepgram"`
	RelayMode        string        `env:"VOICEPLAN_RELAY_MODE" envDefault:"replace"`
	RelayLanguage    string        `env:"VOICEPLAN_RELAY_LANGUAGE"`
	RelayStopTimeout time.Duration `env:"VOICEPLAN_RELAY_STOP_TIMEOUT" envDefault:"4s"`

	DeepgramAPIKey      string        `env:"DEEPGRAM_API_KEY"`
	DeepgramAPIBase     string        `env:"DEEPGRAM_API_BASE" envDefault:"https://api.deepgram.com/v1"`
	DeepgramModel       string        `env:"DEEPGRAM_MODEL" envDefault:"nova-2"`
	DeepgramLanguage    string        `env:"DEEPGRAM_LANGUAGE"`
	DeepgramSmartFormat bool          `env:"DEEPGRAM_SMART_FORMAT" envDefault:"true"`
	DeepgramEndpointing time.Duration `env:"DEEPGRAM_ENDPOINTING"`
	DeepgramKeepAlive   time.Duration `env:"DEEPGRAM_KEEPALIVE" envDefault:"5s"`

	GoogleCloudProjectID       string `env:"GOOGLE_CLOUD_PROJECT_ID"`
	GoogleCloudCredentialsJSON string `env:"GOOGLE_CLOUD_CREDENTIALS_JSON"`
	GoogleCloudSpeechLocation  string `env:"GOOGLE_CLOUD_SPEECH_LOCATION" envDefault:"global"`
	GoogleCloudSpeechModel     string `env:"GOOGLE_CLOUD_SPEECH_MODEL" envDefault:"long"`
	GoogleCloudSpeechLanguage  string `env:"GOOGLE_CLOUD_SPEECH_LANGUAGE" envDefault:"cmn-Hans-CN"`

	PlannerURL     string        `env:"VOICEPLAN_PLANNER_URL" envDefault:"http://127.0.0.1:8000"`
	PlannerUserID  string        `env:"VOICEPLAN_PLANNER_USER_ID"`
	PlannerTimeout time.Duration `env:"VOICEPLAN_PLANNER_TIMEOUT" envDefault:"60s"`

	LogLevel  string `env:"VOICEPLAN_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"VOICEPLAN_LOG_FORMAT" envDefault:"text"`
}

// Load resolves configuration from environment variables and defaults.
// Recognizer credentials are checked when a stream starts, so record and
// diagnose run without them.
func Load() (Config, error) {
	var raw envConfig
	if err := env.Parse(&raw); err != nil {
		return Config{}, fmt.Errorf("environment variables are invalid: %w", err)
	}

	cfg := Config{
		Channel: ChannelConfig{
			URL:              strings.TrimSpace(raw.ChannelURL),
			HandshakeTimeout: raw.HandshakeTimeout,
			StopAckTimeout:   raw.StopAckTimeout,
		},
		Session: SessionConfig{
			Mode:         domain.AggregationMode(normalize(raw.Mode)),
			TiersFile:    strings.TrimSpace(raw.TiersFile),
			FrameSamples: raw.FrameSamples,
			FrameQueue:   raw.FrameQueue,
		},
		Audio: AudioConfig{
			Command:          strings.TrimSpace(raw.FFmpegCommand),
			InputFormat:      strings.TrimSpace(raw.InputFormat),
			InputDevice:      strings.TrimSpace(raw.InputDevice),
			EchoCancelDevice: strings.TrimSpace(raw.EchoCancelDevice),
			OutputFormat:     strings.TrimSpace(raw.OutputFormat),
			OutputDevice:     strings.TrimSpace(raw.OutputDevice),
			StartupWait:      raw.StartupWait,
		},
		Relay: RelayConfig{
			Addr:        strings.TrimSpace(raw.RelayAddr),
			Provider:    normalize(raw.RelayProvider),
			Mode:        domain.AggregationMode(normalize(raw.RelayMode)),
			Language:    strings.TrimSpace(raw.RelayLanguage),
			StopTimeout: raw.RelayStopTimeout,
		},
		Deepgram: DeepgramConfig{
			APIKey:      strings.TrimSpace(raw.DeepgramAPIKey),
			APIBaseURL:  strings.TrimSpace(raw.DeepgramAPIBase),
			Model:       strings.TrimSpace(raw.DeepgramModel),
			Language:    strings.TrimSpace(raw.DeepgramLanguage),
			SmartFormat: raw.DeepgramSmartFormat,
			Endpointing: raw.DeepgramEndpointing,
			KeepAlive:   raw.DeepgramKeepAlive,
		},
		CloudSpeech: CloudSpeechConfig{
			ProjectID:       strings.TrimSpace(raw.GoogleCloudProjectID),
			CredentialsJSON: raw.GoogleCloudCredentialsJSON,
			Location:        strings.TrimSpace(raw.GoogleCloudSpeechLocation),
			Model:           strings.TrimSpace(raw.GoogleCloudSpeechModel),
			Language:        strings.TrimSpace(raw.GoogleCloudSpeechLanguage),
		},
		Planner: PlannerConfig{
			BaseURL: strings.TrimSpace(raw.PlannerURL),
			UserID:  strings.TrimSpace(raw.PlannerUserID),
			Timeout: raw.PlannerTimeout,
		},
		Log: LogConfig{
			Level:  normalize(raw.LogLevel),
			Format: normalize(raw.LogFormat),
		},
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects values that would make a session misbehave rather than fail.
func (c Config) Validate() error {
	var errs []error

	if err := validateChannelURL(c.Channel.URL); err != nil {
		errs = append(errs, err)
	}
	if c.Channel.HandshakeTimeout <= 0 {
		errs = append(errs, errors.New("VOICEPLAN_HANDSHAKE_TIMEOUT must be positive"))
	}
	if c.Channel.StopAckTimeout < 0 {
		errs = append(errs, errors.New("VOICEPLAN_STOP_ACK_TIMEOUT must not be negative"))
	}
	if !validMode(c.Session.Mode) {
		errs = append(errs, fmt.Errorf("VOICEPLAN_MODE must be replace or append, got %q", c.Session.Mode))
	}
	if c.Session.FrameSamples < 256 {
		errs = append(errs, fmt.Errorf("VOICEPLAN_FRAME_SAMPLES must be at least 256, got %d", c.Session.FrameSamples))
	}
	if c.Session.FrameQueue < 1 {
		errs = append(errs, fmt.Errorf("VOICEPLAN_FRAME_QUEUE must be at least 1, got %d", c.Session.FrameQueue))
	}
	if c.Audio.Command == "" {
		errs = append(errs, errors.New("VOICEPLAN_FFMPEG_COMMAND must not be empty"))
	}
	switch c.Relay.Provider {
	case ProviderDeepgram, ProviderCloudSpeech:
	default:
		errs = append(errs, fmt.Errorf("VOICEPLAN_RELAY_PROVIDER must be %s or %s, got %q", ProviderDeepgram, ProviderCloudSpeech, c.Relay.Provider))
	}
	if !validMode(c.Relay.Mode) {
		errs = append(errs, fmt.Errorf("VOICEPLAN_RELAY_MODE must be replace or append, got %q", c.Relay.Mode))
	}
	if c.Relay.StopTimeout <= 0 {
		errs = append(errs, errors.New("VOICEPLAN_RELAY_STOP_TIMEOUT must be positive"))
	}

	return errors.Join(errs...)
}

// Warnings reports settings that are valid on their own but disagree with
// each other.
func (c Config) Warnings() []string {
	var warnings []string
	if validMode(c.Session.Mode) && validMode(c.Relay.Mode) && c.Session.Mode != c.Relay.Mode {
		warnings = append(warnings, fmt.Sprintf(
			"VOICEPLAN_MODE=%s does not match VOICEPLAN_RELAY_MODE=%s; a client and relay must share a mode",
			c.Session.Mode, c.Relay.Mode))
	}
	return warnings
}

func validateChannelURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("VOICEPLAN_CHANNEL_URL is invalid: %w", err)
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return fmt.Errorf("VOICEPLAN_CHANNEL_URL must use ws or wss, got %q", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("VOICEPLAN_CHANNEL_URL is missing a host: %q", raw)
	}
	return nil
}

func validMode(mode domain.AggregationMode) bool {
	return mode == domain.ModeReplace || mode == domain.ModeAppend
}

func normalize(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
