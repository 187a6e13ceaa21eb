// Package deepgram streams PCM16 audio to Deepgram's live transcription API.
package deepgram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"voiceplan/internal/domain"
	"voiceplan/internal/ports"
)

const defaultAPIBase = "https://api.deepgram.com/v1"

// Config controls the Deepgram listen endpoint.
type Config struct {
	APIKey      string
	APIBaseURL  string
	Model       string
	Language    string
	SmartFormat bool
	// Endpointing is the silence that closes an utterance. Zero keeps the
	// server default.
	Endpointing time.Duration
	// KeepAlive is how long the send side may idle before a KeepAlive message
	// is written. Deepgram drops streams idle for about 10s.
	KeepAlive time.Duration
}

// Provider implements ports.TranscriptionProvider.
type Provider struct {
	cfg    Config
	dialer *websocket.Dialer
	logger *log.Logger
}

func NewProvider(cfg Config, logger *log.Logger) *Provider {
	if strings.TrimSpace(cfg.APIBaseURL) == "" {
		cfg.APIBaseURL = defaultAPIBase
	}
	if cfg.Model == "" {
		cfg.Model = "nova-2"
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 5 * time.Second
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Provider{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second, Proxy: http.ProxyFromEnvironment},
		logger: logger.With("provider", "deepgram"),
	}
}

func (p *Provider) StartStreaming(ctx context.Context, cfg ports.StreamingConfig) (ports.StreamingSession, error) {
	if strings.TrimSpace(p.cfg.APIKey) == "" {
		return nil, errors.New("DEEPGRAM_API_KEY is not configured")
	}

	target, err := listenURL(p.cfg, cfg)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("Authorization", "Token "+p.cfg.APIKey)

	conn, resp, err := p.dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("deepgram rejected the stream (HTTP %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to connect to Deepgram: %w", err)
	}

	p.logger.Debug("listen stream opened", "model", p.cfg.Model)
	return startSession(ctx, conn, p.cfg.KeepAlive, p.logger), nil
}

// listenURL turns the REST base into the websocket /listen endpoint.
func listenURL(providerCfg Config, streamCfg ports.StreamingConfig) (string, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(providerCfg.APIBaseURL), "/"))
	if err != nil {
		return "", fmt.Errorf("invalid Deepgram API base URL: %w", err)
	}
	switch base.Scheme {
	case "https", "wss":
		base.Scheme = "wss"
	case "http", "ws":
		base.Scheme = "ws"
	default:
		return "", fmt.Errorf("invalid Deepgram API base URL %q: unsupported scheme", providerCfg.APIBaseURL)
	}
	base.Path += "/listen"

	encoding := streamCfg.Encoding
	if encoding == "" {
		encoding = "linear16"
	}
	sampleRate := streamCfg.SampleRate
	if sampleRate <= 0 {
		sampleRate = domain.FrameSampleRate
	}
	channels := streamCfg.Channels
	if channels <= 0 {
		channels = domain.FrameChannels
	}
	language := streamCfg.Language
	if language == "" {
		language = providerCfg.Language
	}

	query := url.Values{}
	query.Set("model", providerCfg.Model)
	query.Set("encoding", encoding)
	query.Set("sample_rate", strconv.Itoa(sampleRate))
	query.Set("channels", strconv.Itoa(channels))
	query.Set("interim_results", strconv.FormatBool(streamCfg.InterimResults))
	query.Set("smart_format", strconv.FormatBool(providerCfg.SmartFormat))
	if language != "" {
		query.Set("language", language)
	}
	if providerCfg.Endpointing > 0 {
		query.Set("endpointing", strconv.FormatInt(providerCfg.Endpointing.Milliseconds(), 10))
	}
	base.RawQuery = query.Encode()
	return base.String(), nil
}
