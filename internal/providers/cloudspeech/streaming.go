// Package cloudspeech streams audio to Google Cloud Speech-to-Text v2.
package cloudspeech

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"cloud.google.com/go/auth/credentials"
	speech "cloud.google.com/go/speech/apiv2"
	speechpb "cloud.google.com/go/speech/apiv2/speechpb"
	"github.com/charmbracelet/log"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"voiceplan/internal/domain"
	"voiceplan/internal/ports"
)

const speechAPIEndpointPort = 443

// Config controls the Cloud Speech recognizer.
type Config struct {
	ProjectID       string
	CredentialsJSON string
	Location        string
	Model           string
	Language        string
}

// Provider implements ports.TranscriptionProvider for Cloud Speech v2.
type Provider struct {
	cfg    Config
	logger *log.Logger
}

func NewProvider(cfg Config, logger *log.Logger) *Provider {
	cfg.Location = strings.TrimSpace(cfg.Location)
	if cfg.Location == "" {
		cfg.Location = "global"
	}
	cfg.Model = strings.TrimSpace(cfg.Model)
	if cfg.Model == "" {
		cfg.Model = "long"
	}
	if cfg.Language == "" {
		cfg.Language = "cmn-Hans-CN"
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Provider{cfg: cfg, logger: logger.With("provider", "cloudspeech")}
}

func (p *Provider) StartStreaming(ctx context.Context, cfg ports.StreamingConfig) (ports.StreamingSession, error) {
	if strings.TrimSpace(p.cfg.ProjectID) == "" {
		return nil, errors.New("GOOGLE_CLOUD_PROJECT_ID is not configured")
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = domain.FrameSampleRate
	}
	if cfg.Channels <= 0 {
		cfg.Channels = domain.FrameChannels
	}
	if cfg.Language == "" {
		cfg.Language = p.cfg.Language
	}

	opts, err := p.clientOptions()
	if err != nil {
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(ctx)
	client, err := speech.NewClient(streamCtx, opts...)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create speech client: %w", err)
	}

	session := &streamingSession{
		ctx:        streamCtx,
		cancel:     cancel,
		client:     client,
		logger:     p.logger,
		recognizer: recognizerName(p.cfg.ProjectID, p.cfg.Location),
		config:     p.streamingConfig(cfg),
		events:     make(chan domain.TranscriptEvent, 64),
		done:       make(chan struct{}),
	}

	stream, err := session.open()
	if err != nil {
		cancel()
		_ = client.Close()
		return nil, err
	}
	session.stream = stream
	go session.receive(stream)

	p.logger.Info("cloud speech stream initialized", "location", p.cfg.Location, "model", p.cfg.Model, "language", cfg.Language)
	return session, nil
}

func (p *Provider) clientOptions() ([]option.ClientOption, error) {
	detect := &credentials.DetectOptions{
		Scopes: []string{"https://www.googleapis.com/auth/cloud-platform"},
	}
	if strings.TrimSpace(p.cfg.CredentialsJSON) != "" {
		detect.CredentialsJSON = []byte(p.cfg.CredentialsJSON)
	}
	creds, err := credentials.DetectDefault(detect)
	if err != nil {
		return nil, fmt.Errorf("detect credentials: %w", err)
	}

	opts := []option.ClientOption{option.WithAuthCredentials(creds)}
	if endpoint := regionalEndpoint(p.cfg.Location); endpoint != "" {
		opts = append(opts, option.WithEndpoint(endpoint))
	}
	return opts, nil
}

func (p *Provider) streamingConfig(cfg ports.StreamingConfig) *speechpb.StreamingRecognitionConfig {
	return &speechpb.StreamingRecognitionConfig{
		Config: &speechpb.RecognitionConfig{
			Model:         p.cfg.Model,
			LanguageCodes: []string{cfg.Language},
			DecodingConfig: &speechpb.RecognitionConfig_ExplicitDecodingConfig{
				ExplicitDecodingConfig: &speechpb.ExplicitDecodingConfig{
					Encoding:          speechpb.ExplicitDecodingConfig_LINEAR16,
					SampleRateHertz:   int32(cfg.SampleRate),
					AudioChannelCount: int32(cfg.Channels),
				},
			},
			Features: &speechpb.RecognitionFeatures{EnableAutomaticPunctuation: true},
		},
		StreamingFeatures: &speechpb.StreamingRecognitionFeatures{InterimResults: cfg.InterimResults},
	}
}

func recognizerName(projectID, location string) string {
	return fmt.Sprintf("projects/%s/locations/%s/recognizers/_", projectID, location)
}

func regionalEndpoint(location string) string {
	if location == "" || location == "global" {
		return ""
	}
	return fmt.Sprintf("%s-speech.googleapis.com:%d", location, speechAPIEndpointPort)
}

type streamingSession struct {
	ctx        context.Context
	cancel     context.CancelFunc
	client     *speech.Client
	logger     *log.Logger
	recognizer string
	config     *speechpb.StreamingRecognitionConfig

	events chan domain.TranscriptEvent
	done   chan struct{}

	mu         sync.Mutex
	stream     speechpb.Speech_StreamingRecognizeClient
	stale      bool
	sendClosed bool

	// emitMu orders event delivery against closing the events channel.
	emitMu    sync.Mutex
	finished  bool
	sequence  uint64
	err       error
	closeOnce sync.Once
}

func (s *streamingSession) open() (speechpb.Speech_StreamingRecognizeClient, error) {
	stream, err := s.client.StreamingRecognize(s.ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open recognize stream: %w", err)
	}
	err = stream.Send(&speechpb.StreamingRecognizeRequest{
		Recognizer:       s.recognizer,
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{StreamingConfig: s.config},
	})
	if err != nil {
		_ = stream.CloseSend()
		return nil, fmt.Errorf("failed to send streaming config: %w", err)
	}
	return stream, nil
}

func (s *streamingSession) SendAudio(chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendClosed {
		return io.ErrClosedPipe
	}
	if s.stale {
		if err := s.reconnectLocked(); err != nil {
			return err
		}
	}

	req := &speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_Audio{Audio: chunk},
	}
	if err := s.stream.Send(req); err != nil {
		if !isReconnectableStreamError(err) {
			return err
		}
		s.logger.Warn("send failed with reconnectable error; reconnecting", "err", err)
		if err := s.reconnectLocked(); err != nil {
			return err
		}
		return s.stream.Send(req)
	}
	return nil
}

func (s *streamingSession) CloseSend() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendClosed {
		return nil
	}
	s.sendClosed = true
	if s.stale {
		go s.finish(nil)
		return nil
	}
	return s.stream.CloseSend()
}

func (s *streamingSession) Events() <-chan domain.TranscriptEvent {
	return s.events
}

func (s *streamingSession) Wait() error {
	<-s.done
	return s.err
}

func (s *streamingSession) Close() error {
	s.closeOnce.Do(func() {
		_ = s.CloseSend()
		s.cancel()
		s.finish(nil)
		_ = s.client.Close()
	})
	return s.Wait()
}

func (s *streamingSession) reconnectLocked() error {
	_ = s.stream.CloseSend()
	next, err := s.open()
	if err != nil {
		s.logger.Error("failed to reconnect recognize stream", "err", err)
		return fmt.Errorf("reconnect stream: %w", err)
	}
	s.stream = next
	s.stale = false
	go s.receive(next)
	s.logger.Info("recognize stream reconnected")
	return nil
}

func (s *streamingSession) receive(stream speechpb.Speech_StreamingRecognizeClient) {
	for {
		resp, err := stream.Recv()
		if err != nil {
			s.handleRecvErr(stream, err)
			return
		}
		for _, result := range resp.GetResults() {
			alternatives := result.GetAlternatives()
			if len(alternatives) == 0 {
				continue
			}
			text := strings.TrimSpace(alternatives[0].GetTranscript())
			if text == "" {
				continue
			}
			s.emit(text, result.GetIsFinal())
		}
	}
}

func (s *streamingSession) handleRecvErr(stream speechpb.Speech_StreamingRecognizeClient, err error) {
	if errors.Is(err, context.Canceled) || status.Code(err) == codes.Canceled {
		s.finish(nil)
		return
	}
	if errors.Is(err, io.EOF) || isReconnectableStreamError(err) {
		s.mu.Lock()
		closed := s.sendClosed
		current := s.stream == stream
		if current && !closed {
			s.stale = true
		}
		s.mu.Unlock()

		if closed && current {
			s.finish(nil)
		} else if current {
			s.logger.Warn("recognize stream ended; reconnecting on next audio", "err", err)
		}
		return
	}
	s.finish(err)
}

func (s *streamingSession) emit(text string, isFinal bool) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	if s.finished {
		return
	}
	s.sequence++
	event := domain.TranscriptEvent{Text: text, IsFinal: isFinal, Sequence: s.sequence}
	select {
	case s.events <- event:
	default:
		s.logger.Warn("transcript event dropped", "sequence", event.Sequence)
	}
}

func (s *streamingSession) finish(err error) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	if s.finished {
		return
	}
	s.finished = true
	s.err = err
	close(s.events)
	close(s.done)
}

func isReconnectableStreamError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || strings.Contains(strings.ToLower(err.Error()), "eof") {
		return true
	}
	st, ok := status.FromError(err)
	if !ok || st.Code() != codes.Aborted {
		return false
	}
	msg := strings.ToLower(st.Message())
	return strings.Contains(msg, "max duration of 5 minutes") ||
		strings.Contains(msg, "stream timed out after receiving no more client requests")
}
