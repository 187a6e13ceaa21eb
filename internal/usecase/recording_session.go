package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"voiceplan/internal/domain"
	"voiceplan/internal/metrics"
	"voiceplan/internal/pcm"
	"voiceplan/internal/ports"
)

const defaultHandshakeTimeout = 5 * time.Second

// Config controls one RecordingSession.
type Config struct {
	Tiers []domain.ConstraintTier
	// Mode is fixed for the lifetime of the RecordingSession.
	Mode             domain.AggregationMode
	HandshakeTimeout time.Duration
	// StopAckTimeout bounds the wait for recording_stopped. Zero returns to
	// idle right after the stop control is sent.
	StopAckTimeout time.Duration
}

// RecordingSession drives the capture and recognition lifecycle:
// idle, starting, active, stopping and failed.
type RecordingSession struct {
	channel  ports.SessionChannel
	acquirer ports.DeviceAcquirer
	encoder  *pcm.Encoder
	player   ports.VoicePlayer
	events   ports.EventSink
	logger   *log.Logger
	metrics  *metrics.Metrics
	cfg      Config

	mu         sync.Mutex
	state      domain.SessionState
	current    *activeSession
	lastRender domain.RenderInstruction
	lastErr    *domain.Error
}

func NewRecordingSession(
	channel ports.SessionChannel,
	acquirer ports.DeviceAcquirer,
	encoder *pcm.Encoder,
	player ports.VoicePlayer,
	events ports.EventSink,
	logger *log.Logger,
	m *metrics.Metrics,
	cfg Config,
) *RecordingSession {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.StopAckTimeout < 0 {
		cfg.StopAckTimeout = 0
	}
	cfg.Mode = domain.ParseAggregationMode(string(cfg.Mode))
	if logger == nil {
		logger = log.Default()
	}
	if encoder == nil {
		encoder = pcm.NewEncoder(logger)
	}
	return &RecordingSession{
		channel:  channel,
		acquirer: acquirer,
		encoder:  encoder,
		player:   player,
		events:   events,
		logger:   logger,
		metrics:  m,
		cfg:      cfg,
		state:    domain.SessionStateIdle,
	}
}

// Start performs the handshake and, once acknowledged, acquires the device
// and starts streaming frames. It returns a *domain.Error on every failure
// except cancellation.
func (s *RecordingSession) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != domain.SessionStateIdle {
		state := s.state
		s.mu.Unlock()
		return domain.NewError(domain.KindSessionBusy, "a recording session is already %s", state)
	}
	active := newActiveSession(uuid.NewString(), s.cfg.Mode)
	s.current = active
	s.lastRender = domain.RenderInstruction{}
	s.lastErr = nil
	s.setStateLocked(domain.SessionStateStarting)
	s.mu.Unlock()
	defer close(active.startDone)

	logger := s.logger.With("session", active.id)
	s.events.SessionStateChanged(domain.SessionStateStarting, domain.SessionReasonHandshake)

	// The handshake clock covers the dial as well, and Stop cancels both.
	began := time.Now()
	handshakeCtx, cancelHandshake := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	defer cancelHandshake()
	stopWatch := context.AfterFunc(active.ctx, cancelHandshake)
	defer stopWatch()

	active.sub = s.channel.Subscribe()
	err := s.channel.SendControl(handshakeCtx, ports.ControlStart)
	if err == nil {
		err = s.awaitHandshake(handshakeCtx, active)
	}
	if err != nil {
		return s.abortStart(ctx, active, err)
	}
	s.metrics.Handshake(time.Since(began).Seconds())
	logger.Info("recording started", "handshake", time.Since(began))

	if !s.transition(active, domain.SessionStateStarting, domain.SessionStateActive) {
		_ = s.channel.SendControl(context.Background(), ports.ControlStop)
		s.end(active, domain.SessionStateIdle, domain.SessionReasonStartCancelled, nil)
		return context.Canceled
	}
	s.events.SessionStateChanged(domain.SessionStateActive, domain.SessionReasonRecordingStarted)

	device, err := s.acquirer.Acquire(active.ctx, s.cfg.Tiers)
	if err != nil {
		classified := classifyDeviceErr(err)
		logger.Warn("capture device unavailable", "kind", classified.Kind, "err", classified.Message)
		_ = s.channel.SendControl(context.Background(), ports.ControlStop)
		s.end(active, domain.SessionStateFailed, domain.SessionReasonDeviceFailed, classified)
		return classified
	}
	logger.Info("capture device acquired", "device", device.Label())

	active.device = device
	active.stream = s.encoder.Attach(device)
	go pumpFrames(active.stream, s.channel, active.released.Load, active.deviceLost, logger)
	go s.eventLoop(active, logger)
	if s.player != nil {
		go s.playReplies(active, logger)
	}
	active.markReady()
	return nil
}

// Stop ends the active session. It is a no-op while idle or failed. Stopping
// during the handshake cancels it.
func (s *RecordingSession) Stop(ctx context.Context) error {
	s.mu.Lock()
	active := s.current
	switch s.state {
	case domain.SessionStateStarting:
		s.mu.Unlock()
		active.cancel()
		<-active.startDone
		return nil
	case domain.SessionStateActive:
		s.setStateLocked(domain.SessionStateStopping)
		s.mu.Unlock()
	default:
		s.mu.Unlock()
		return nil
	}

	logger := s.logger.With("session", active.id)
	s.events.SessionStateChanged(domain.SessionStateStopping, domain.SessionReasonStopRequested)

	<-active.ready
	if !s.isCurrent(active) {
		return nil
	}

	if err := active.releaseCapture(); err != nil {
		logger.Warn("capture device release failed", "err", err)
	}

	if err := s.channel.SendControl(ctx, ports.ControlStop); err != nil {
		classified := classifyChannelErr(err)
		s.end(active, domain.SessionStateFailed, domain.SessionReasonChannelFailed, classified)
		return classified
	}

	if s.cfg.StopAckTimeout > 0 {
		timer := time.NewTimer(s.cfg.StopAckTimeout)
		defer timer.Stop()

		select {
		case ackErr := <-active.stopAck:
			if ackErr != nil {
				s.end(active, domain.SessionStateFailed, domain.SessionReasonChannelFailed, ackErr)
				return ackErr
			}
		case <-timer.C:
			logger.Warn("no recording_stopped before timeout", "timeout", s.cfg.StopAckTimeout)
		case <-ctx.Done():
		case <-active.ctx.Done():
			if err := s.sessionError(); err != nil {
				return err
			}
			return nil
		}
	}

	s.end(active, domain.SessionStateIdle, domain.SessionReasonRecordingStopped, nil)
	logger.Info("recording stopped")
	return nil
}

// Reset moves a failed session back to idle.
func (s *RecordingSession) Reset() {
	s.mu.Lock()
	if s.state != domain.SessionStateFailed {
		s.mu.Unlock()
		return
	}
	s.setStateLocked(domain.SessionStateIdle)
	s.lastErr = nil
	s.mu.Unlock()

	s.events.SessionStateChanged(domain.SessionStateIdle, domain.SessionReasonReset)
}

func (s *RecordingSession) Status() domain.Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := domain.Status{
		State:  s.state,
		Active: s.state != domain.SessionStateIdle && s.state != domain.SessionStateFailed,
	}
	if s.current != nil {
		status.SessionID = s.current.id
	}
	if s.lastErr != nil {
		status.Message = s.lastErr.Error()
	}
	return status
}

// Transcript returns the latest render instruction of the current or most
// recent session.
func (s *RecordingSession) Transcript() domain.RenderInstruction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRender
}

// awaitHandshake waits for recording_started. ctx carries the handshake
// deadline.
func (s *RecordingSession) awaitHandshake(ctx context.Context, active *activeSession) error {
	for {
		select {
		case event, ok := <-active.sub.Events():
			if !ok {
				return domain.NewError(domain.KindChannelError, "channel closed during handshake")
			}
			switch event.Type {
			case ports.EventSessionStarted:
				return nil
			case ports.EventError:
				return eventErr(event)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// abortStart ends a session whose dial or handshake did not complete. A
// cancelled start returns to idle; a missed deadline or a refused start fails.
func (s *RecordingSession) abortStart(ctx context.Context, active *activeSession, err error) error {
	switch {
	case ctx.Err() != nil || active.ctx.Err() != nil:
		_ = s.channel.SendControl(context.Background(), ports.ControlStop)
		s.end(active, domain.SessionStateIdle, domain.SessionReasonStartCancelled, nil)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return context.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		classified := domain.NewError(domain.KindChannelTimeout, "no recording_started within %s", s.cfg.HandshakeTimeout)
		_ = s.channel.SendControl(context.Background(), ports.ControlStop)
		s.end(active, domain.SessionStateFailed, domain.SessionReasonHandshakeTimeout, classified)
		return classified
	default:
		classified := classifyChannelErr(err)
		s.end(active, domain.SessionStateFailed, domain.SessionReasonHandshakeFailed, classified)
		return classified
	}
}

// eventLoop serializes channel events and device loss for one session.
func (s *RecordingSession) eventLoop(active *activeSession, logger *log.Logger) {
	for {
		select {
		case event, ok := <-active.sub.Events():
			if !ok {
				s.end(active, domain.SessionStateFailed, domain.SessionReasonChannelFailed,
					domain.NewError(domain.KindChannelError, "channel closed"))
				return
			}
			if done := s.handleEvent(active, event, logger); done {
				return
			}
		case cause := <-active.deviceLost:
			logger.Warn("capture device lost", "err", cause)
			s.end(active, domain.SessionStateFailed, domain.SessionReasonDeviceLost,
				domain.NewError(domain.KindDeviceNotFound, "capture device lost: %v", cause))
			return
		case <-active.ctx.Done():
			return
		}
	}
}

func (s *RecordingSession) handleEvent(active *activeSession, event ports.ChannelEvent, logger *log.Logger) bool {
	switch event.Type {
	case ports.EventTranscript:
		render, changed := active.aggregator.OnEvent(event.Transcript)
		if !changed {
			return false
		}
		s.mu.Lock()
		if s.current == active {
			s.lastRender = render
		}
		s.mu.Unlock()
		s.events.TranscriptRendered(render)
	case ports.EventVoiceReply:
		s.events.VoiceReply(event.Reply)
		select {
		case active.replies <- event.Reply:
		default:
			logger.Warn("voice reply dropped, playback is behind")
		}
	case ports.EventSessionStopped:
		if s.stateOf(active) == domain.SessionStateStopping {
			active.ackStop(nil)
			return false
		}
		logger.Info("recording stopped by server", "message", event.Message)
		s.end(active, domain.SessionStateIdle, domain.SessionReasonServerStopped, nil)
		return true
	case ports.EventError:
		classified := eventErr(event)
		if s.stateOf(active) == domain.SessionStateStopping {
			active.ackStop(classified)
			return false
		}
		s.end(active, domain.SessionStateFailed, domain.SessionReasonChannelFailed, classified)
		return true
	}
	return false
}

func (s *RecordingSession) playReplies(active *activeSession, logger *log.Logger) {
	for {
		select {
		case reply := <-active.replies:
			if err := s.player.Play(active.ctx, reply); err != nil && active.ctx.Err() == nil {
				logger.Warn("voice reply playback failed", "err", err)
			}
		case <-active.ctx.Done():
			return
		}
	}
}

// end moves the session to a terminal state and tears it down. Only the first
// caller for a given session wins.
func (s *RecordingSession) end(active *activeSession, state domain.SessionState, reason domain.SessionStateReason, cause *domain.Error) bool {
	s.mu.Lock()
	if s.current != active {
		s.mu.Unlock()
		return false
	}
	s.current = nil
	s.lastErr = cause
	s.setStateLocked(state)
	s.mu.Unlock()

	active.markReady()
	active.cancel()
	if err := active.releaseCapture(); err != nil {
		s.logger.Warn("capture device release failed", "session", active.id, "err", err)
	}
	active.unsubscribe()

	if cause != nil {
		s.logger.Error("recording session failed", "session", active.id, "kind", cause.Kind, "err", cause.Message)
		s.events.SessionError(cause.Kind, cause.Message)
	}
	s.events.SessionStateChanged(state, reason)
	return true
}

func (s *RecordingSession) transition(active *activeSession, from, to domain.SessionState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != active || s.state != from || active.ctx.Err() != nil {
		return false
	}
	s.setStateLocked(to)
	return true
}

func (s *RecordingSession) setStateLocked(state domain.SessionState) {
	s.state = state
	s.metrics.SessionState(string(state))
}

func (s *RecordingSession) stateOf(active *activeSession) domain.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != active {
		return ""
	}
	return s.state
}

func (s *RecordingSession) isCurrent(active *activeSession) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current == active
}

func (s *RecordingSession) sessionError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastErr == nil {
		return nil
	}
	return s.lastErr
}

func eventErr(event ports.ChannelEvent) *domain.Error {
	if event.Err != nil {
		return event.Err
	}
	message := event.Message
	if message == "" {
		message = "server reported an error"
	}
	return domain.NewError(domain.KindChannelError, "%s", message)
}

func classifyChannelErr(err error) *domain.Error {
	var classified *domain.Error
	if errors.As(err, &classified) {
		return classified
	}
	return domain.NewError(domain.KindChannelError, "%v", err)
}

func classifyDeviceErr(err error) *domain.Error {
	var classified *domain.Error
	if errors.As(err, &classified) {
		return classified
	}
	return domain.NewError(domain.KindUnknown, "%s", fmt.Sprint(err))
}
