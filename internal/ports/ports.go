package ports

import (
	"context"
	"errors"

	"voiceplan/internal/domain"
)

// ErrPermissionQueryUnsupported is returned by backends that cannot report a
// standing capture permission.
var ErrPermissionQueryUnsupported = errors.New("permission query is not supported by this capture backend")

// SampleSource yields float samples in [-1, 1] at the negotiated rate.
type SampleSource interface {
	ReadSamples(dst []float32) (int, error)
}

// Device is an acquired capture device. The capture lock is held until Release.
type Device interface {
	SampleSource
	Label() string
	Release() error
}

// PlatformError is a raw capture failure as reported by the platform backend.
// Name follows the capture API naming (NotAllowedError, NotFoundError, ...).
type PlatformError struct {
	Name    string
	Message string
}

func (e *PlatformError) Error() string {
	if e.Message == "" {
		return e.Name
	}
	return e.Name + ": " + e.Message
}

// CaptureBackend is the host's audio capture API.
type CaptureBackend interface {
	// Available reports whether the capture API is present at all.
	Available() error
	// Open acquires a device honoring the tier. A non-nil Device returned with
	// an error holds partial resources that the caller must release.
	Open(ctx context.Context, tier domain.ConstraintTier) (Device, error)
	ListInputs(ctx context.Context) ([]domain.InputDevice, error)
	PermissionState(ctx context.Context) (domain.PermissionState, error)
}

// DeviceAcquirer negotiates a device across an ordered list of tiers.
type DeviceAcquirer interface {
	Acquire(ctx context.Context, tiers []domain.ConstraintTier) (Device, error)
}

// ControlKind is an outbound control message.
type ControlKind string

const (
	ControlStart ControlKind = "start"
	ControlStop  ControlKind = "stop"
)

// ChannelEventType identifies inbound channel events.
type ChannelEventType string

const (
	EventSessionStarted ChannelEventType = "session_started"
	EventSessionStopped ChannelEventType = "session_stopped"
	EventTranscript     ChannelEventType = "transcript"
	EventVoiceReply     ChannelEventType = "voice_reply"
	EventError          ChannelEventType = "error"
)

// ChannelEvent is one inbound event delivered to a subscription.
type ChannelEvent struct {
	Type       ChannelEventType
	Message    string
	Transcript domain.TranscriptEvent
	Reply      domain.VoiceReply
	// Err is set on EventError and is always classified.
	Err *domain.Error
}

// Subscription receives inbound events until Unsubscribe or channel shutdown.
type Subscription interface {
	Events() <-chan ChannelEvent
	Unsubscribe()
}

// SessionChannel is the bidirectional event channel to the recognizer.
type SessionChannel interface {
	// SendControl enqueues a control message. Start dials first when the
	// channel is not connected; ctx bounds that dial.
	SendControl(ctx context.Context, kind ControlKind) error
	SendAudioFrame(frame domain.AudioFrame) error
	Subscribe() Subscription
}

// StreamingConfig describes provider-agnostic streaming settings.
type StreamingConfig struct {
	SampleRate     int
	Channels       int
	Encoding       string
	Language       string
	InterimResults bool
}

// StreamingSession is an active recognizer stream.
type StreamingSession interface {
	SendAudio(chunk []byte) error
	CloseSend() error
	Events() <-chan domain.TranscriptEvent
	Wait() error
	Close() error
}

// TranscriptionProvider starts streaming recognition sessions.
type TranscriptionProvider interface {
	StartStreaming(ctx context.Context, cfg StreamingConfig) (StreamingSession, error)
}

// EventSink emits session state and render instructions to the UI.
type EventSink interface {
	SessionStateChanged(state domain.SessionState, reason domain.SessionStateReason)
	TranscriptRendered(instruction domain.RenderInstruction)
	VoiceReply(reply domain.VoiceReply)
	SessionError(kind domain.ErrorKind, detail string)
}

// VoicePlayer plays synthesized PCM16 replies.
type VoicePlayer interface {
	Play(ctx context.Context, reply domain.VoiceReply) error
}

// PlanService turns finalized text into an itinerary.
type PlanService interface {
	CreatePlan(ctx context.Context, input string) (Plan, error)
}

// Plan is the opaque itinerary returned by the planner.
type Plan struct {
	ID  string
	Raw []byte
}
