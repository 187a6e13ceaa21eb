// Package bootstrap assembles the runtime graph. Every service is registered
// lazily so a command only builds what it invokes.
package bootstrap

import (
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/samber/do/v2"

	"voiceplan/internal/audio"
	"voiceplan/internal/capture"
	"voiceplan/internal/channel"
	"voiceplan/internal/config"
	"voiceplan/internal/diagnostics"
	"voiceplan/internal/domain"
	"voiceplan/internal/logging"
	"voiceplan/internal/metrics"
	"voiceplan/internal/pcm"
	"voiceplan/internal/planner"
	"voiceplan/internal/ports"
	"voiceplan/internal/providers/cloudspeech"
	"voiceplan/internal/providers/deepgram"
	"voiceplan/internal/relay"
	"voiceplan/internal/usecase"
)

// Services is the desktop runtime graph.
type Services struct {
	Session   *usecase.RecordingSession
	Prober    *diagnostics.Prober
	Submitter *usecase.Submitter
	Channel   *channel.Client
	Logger    *log.Logger
	Config    config.Config
}

// Build loads configuration and resolves the recording services.
func Build(sink ports.EventSink) (Services, error) {
	cfg, err := config.Load()
	if err != nil {
		return Services{}, err
	}

	injector := NewInjector(cfg, sink)
	session, err := do.Invoke[*usecase.RecordingSession](injector)
	if err != nil {
		return Services{}, fmt.Errorf("resolve recording session: %w", err)
	}
	prober, err := do.Invoke[*diagnostics.Prober](injector)
	if err != nil {
		return Services{}, fmt.Errorf("resolve diagnostics: %w", err)
	}
	submitter, err := do.Invoke[*usecase.Submitter](injector)
	if err != nil {
		return Services{}, fmt.Errorf("resolve submitter: %w", err)
	}

	return Services{
		Session:   session,
		Prober:    prober,
		Submitter: submitter,
		Channel:   do.MustInvoke[*channel.Client](injector),
		Logger:    do.MustInvoke[*log.Logger](injector),
		Config:    cfg,
	}, nil
}

// NewInjector registers every provider. A nil sink discards session events.
func NewInjector(cfg config.Config, sink ports.EventSink) do.Injector {
	injector := do.New()

	if sink == nil {
		sink = discardSink{}
	}
	do.ProvideValue(injector, &cfg)
	do.ProvideValue[ports.EventSink](injector, sink)

	registerAmbient(injector)
	registerCapture(injector)
	registerSession(injector)
	registerRelay(injector)

	return injector
}

func registerAmbient(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*log.Logger, error) {
		cfg := do.MustInvoke[*config.Config](i)
		logger := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
		for _, warning := range cfg.Warnings() {
			logger.Warn(warning)
		}
		return logger, nil
	})
	do.Provide(injector, func(i do.Injector) (*metrics.Metrics, error) {
		return metrics.New(), nil
	})
}

func registerCapture(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*audio.FFmpegCapture, error) {
		cfg := do.MustInvoke[*config.Config](i)
		return audio.NewFFmpegCapture(audio.CaptureConfig{
			Command:          cfg.Audio.Command,
			InputFormat:      cfg.Audio.InputFormat,
			InputDevice:      cfg.Audio.InputDevice,
			EchoCancelDevice: cfg.Audio.EchoCancelDevice,
			StartupWait:      cfg.Audio.StartupWait,
		}), nil
	})
	do.Provide(injector, func(i do.Injector) (*capture.Acquirer, error) {
		backend := do.MustInvoke[*audio.FFmpegCapture](i)
		logger := do.MustInvoke[*log.Logger](i)
		return capture.NewAcquirer(backend, logger.With("component", "capture"), do.MustInvoke[*metrics.Metrics](i)), nil
	})
	do.Provide(injector, func(i do.Injector) ([]domain.ConstraintTier, error) {
		cfg := do.MustInvoke[*config.Config](i)
		return capture.LoadTiers(cfg.Session.TiersFile)
	})
	do.Provide(injector, func(i do.Injector) (*diagnostics.Prober, error) {
		cfg := do.MustInvoke[*config.Config](i)
		return diagnostics.NewProber(
			do.MustInvoke[*audio.FFmpegCapture](i),
			do.MustInvoke[*capture.Acquirer](i),
			cfg.Channel.URL,
			do.MustInvoke[*log.Logger](i),
		), nil
	})
}

func registerSession(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*channel.Client, error) {
		cfg := do.MustInvoke[*config.Config](i)
		logger := do.MustInvoke[*log.Logger](i)
		return channel.NewClient(channel.Config{URL: cfg.Channel.URL}, logger.With("component", "channel"), do.MustInvoke[*metrics.Metrics](i)), nil
	})
	do.Provide(injector, func(i do.Injector) (*pcm.Encoder, error) {
		cfg := do.MustInvoke[*config.Config](i)
		m := do.MustInvoke[*metrics.Metrics](i)
		return pcm.NewEncoder(
			do.MustInvoke[*log.Logger](i).With("component", "encoder"),
			pcm.WithFrameSamples(cfg.Session.FrameSamples),
			pcm.WithQueue(cfg.Session.FrameQueue),
			pcm.WithDropHook(m.FrameDropped),
		), nil
	})
	do.Provide(injector, func(i do.Injector) (*audio.FFmpegPlayer, error) {
		cfg := do.MustInvoke[*config.Config](i)
		return audio.NewFFmpegPlayer(audio.PlayerConfig{
			Command:      cfg.Audio.Command,
			OutputFormat: cfg.Audio.OutputFormat,
			OutputDevice: cfg.Audio.OutputDevice,
		}), nil
	})
	do.Provide(injector, func(i do.Injector) (*usecase.RecordingSession, error) {
		cfg := do.MustInvoke[*config.Config](i)
		tiers, err := do.Invoke[[]domain.ConstraintTier](i)
		if err != nil {
			return nil, err
		}
		return usecase.NewRecordingSession(
			do.MustInvoke[*channel.Client](i),
			do.MustInvoke[*capture.Acquirer](i),
			do.MustInvoke[*pcm.Encoder](i),
			do.MustInvoke[*audio.FFmpegPlayer](i),
			do.MustInvoke[ports.EventSink](i),
			do.MustInvoke[*log.Logger](i),
			do.MustInvoke[*metrics.Metrics](i),
			usecase.Config{
				Tiers:            tiers,
				Mode:             cfg.Session.Mode,
				HandshakeTimeout: cfg.Channel.HandshakeTimeout,
				StopAckTimeout:   cfg.Channel.StopAckTimeout,
			},
		), nil
	})
	do.Provide(injector, func(i do.Injector) (*planner.Client, error) {
		cfg := do.MustInvoke[*config.Config](i)
		return planner.NewClient(planner.Config{
			BaseURL: cfg.Planner.BaseURL,
			UserID:  cfg.Planner.UserID,
			Timeout: cfg.Planner.Timeout,
		}), nil
	})
	do.Provide(injector, func(i do.Injector) (*usecase.Submitter, error) {
		return usecase.NewSubmitter(
			do.MustInvoke[*planner.Client](i),
			do.MustInvoke[*usecase.RecordingSession](i),
			do.MustInvoke[*log.Logger](i),
		), nil
	})
}

func registerRelay(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (ports.TranscriptionProvider, error) {
		cfg := do.MustInvoke[*config.Config](i)
		return newTranscriptionProvider(cfg, do.MustInvoke[*log.Logger](i))
	})
	do.Provide(injector, func(i do.Injector) (*relay.Server, error) {
		cfg := do.MustInvoke[*config.Config](i)
		provider, err := do.Invoke[ports.TranscriptionProvider](i)
		if err != nil {
			return nil, err
		}
		relayCfg := relay.Config{
			Addr:        cfg.Relay.Addr,
			Mode:        cfg.Relay.Mode,
			Language:    cfg.Relay.Language,
			StopTimeout: cfg.Relay.StopTimeout,
		}
		return relay.NewServer(relayCfg, provider, do.MustInvoke[*log.Logger](i), do.MustInvoke[*metrics.Metrics](i)), nil
	})
}

func newTranscriptionProvider(cfg *config.Config, logger *log.Logger) (ports.TranscriptionProvider, error) {
	switch cfg.Relay.Provider {
	case config.ProviderDeepgram:
		return deepgram.NewProvider(deepgram.Config{
			APIKey:      cfg.Deepgram.APIKey,
			APIBaseURL:  cfg.Deepgram.APIBaseURL,
			Model:       cfg.Deepgram.Model,
			Language:    cfg.Deepgram.Language,
			SmartFormat: cfg.Deepgram.SmartFormat,
			Endpointing: cfg.Deepgram.Endpointing,
			KeepAlive:   cfg.Deepgram.KeepAlive,
		}, logger), nil
	case config.ProviderCloudSpeech:
		return cloudspeech.NewProvider(cloudspeech.Config{
			ProjectID:       cfg.CloudSpeech.ProjectID,
			CredentialsJSON: cfg.CloudSpeech.CredentialsJSON,
			Location:        cfg.CloudSpeech.Location,
			Model:           cfg.CloudSpeech.Model,
			Language:        cfg.CloudSpeech.Language,
		}, logger), nil
	default:
		return nil, fmt.Errorf("unknown transcription provider %q", cfg.Relay.Provider)
	}
}

type discardSink struct{}

func (discardSink) SessionStateChanged(domain.SessionState, domain.SessionStateReason) {}
func (discardSink) TranscriptRendered(domain.RenderInstruction)                      {}
func (discardSink) VoiceReply(domain.VoiceReply)                                     {}
func (discardSink) SessionError(domain.ErrorKind, string)                            {}
