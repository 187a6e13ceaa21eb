package domain

import (
	"encoding/base64"
	"encoding/binary"
)

// SessionState models the recording session lifecycle.
type SessionState string

const (
	SessionStateIdle     SessionState = "idle"
	SessionStateStarting SessionState = "starting"
	SessionStateActive   SessionState = "active"
	SessionStateStopping SessionState = "stopping"
	SessionStateFailed   SessionState = "failed"
)

// SessionStateReason provides a structured reason for state transitions.
type SessionStateReason string

const (
	SessionReasonMicCold          SessionStateReason = "mic_cold"
	SessionReasonHandshake        SessionStateReason = "handshake"
	SessionReasonRecordingStarted SessionStateReason = "recording_started"
	SessionReasonStopRequested    SessionStateReason = "stop_requested"
	SessionReasonRecordingStopped SessionStateReason = "recording_stopped"
	SessionReasonServerStopped    SessionStateReason = "server_stopped"
	SessionReasonStartCancelled   SessionStateReason = "start_cancelled"
	SessionReasonHandshakeTimeout SessionStateReason = "handshake_timeout"
	SessionReasonHandshakeFailed  SessionStateReason = "handshake_failed"
	SessionReasonDeviceFailed     SessionStateReason = "device_failed"
	SessionReasonDeviceLost       SessionStateReason = "device_lost"
	SessionReasonChannelFailed    SessionStateReason = "channel_failed"
	SessionReasonReset            SessionStateReason = "reset"
)

// AggregationMode decides how final transcripts update the buffer.
type AggregationMode string

const (
	// ModeReplace overwrites the buffer with every final result.
	ModeReplace AggregationMode = "replace"
	// ModeAppend concatenates final results onto the buffer.
	ModeAppend AggregationMode = "append"
)

// ParseAggregationMode accepts "replace"/"append"; anything else is replace.
func ParseAggregationMode(value string) AggregationMode {
	if AggregationMode(value) == ModeAppend {
		return ModeAppend
	}
	return ModeReplace
}

// TranscriptEvent is one transcript delivery from the recognizer.
// Sequence reflects arrival order on the channel.
type TranscriptEvent struct {
	Text     string `json:"text"`
	IsFinal  bool   `json:"isFinal"`
	Sequence uint64 `json:"sequence"`
}

// RenderInstruction is what the UI shows after a transcript event.
type RenderInstruction struct {
	Text           string `json:"text"`
	ReadyForSubmit bool   `json:"readyForSubmit"`
}

// VoiceReply is synthesized audio pushed by the server for playback.
type VoiceReply struct {
	PCM        []byte
	SampleRate int
}

// ConstraintTier is one candidate set of capture capabilities. The zero value
// requests any audio input.
type ConstraintTier struct {
	SampleRate       int  `yaml:"sample_rate" json:"sampleRate,omitempty"`
	Channels         int  `yaml:"channels" json:"channels,omitempty"`
	EchoCancellation bool `yaml:"echo_cancellation" json:"echoCancellation,omitempty"`
	NoiseSuppression bool `yaml:"noise_suppression" json:"noiseSuppression,omitempty"`
	AutoGainControl  bool `yaml:"auto_gain_control" json:"autoGainControl,omitempty"`
}

// IsAnyAudio reports whether the tier carries no constraints at all.
func (t ConstraintTier) IsAnyAudio() bool {
	return t == ConstraintTier{}
}

// AudioFrame holds PCM16 mono samples at FrameSampleRate.
type AudioFrame struct {
	Sequence uint64
	Samples  []int16
}

const (
	FrameSampleRate = 16000
	FrameChannels   = 1
)

// Bytes returns the little-endian PCM16 payload.
func (f AudioFrame) Bytes() []byte {
	out := make([]byte, len(f.Samples)*2)
	for i, s := range f.Samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// Base64 returns the transport encoding used by audio_data.
func (f AudioFrame) Base64() string {
	return base64.StdEncoding.EncodeToString(f.Bytes())
}

// DiagnosisReport is the result of one capture probe.
type DiagnosisReport struct {
	BrowserSupport    bool     `json:"browserSupport"`
	SecureContext     bool     `json:"secureContext"`
	DevicesAvailable  bool     `json:"devicesAvailable"`
	DeviceCount       int      `json:"deviceCount"`
	PermissionGranted bool     `json:"permissionGranted"`
	StreamAccessible  bool     `json:"streamAccessible"`
	Errors            []string `json:"errors"`
}

// InputDevice describes one enumerated capture input.
type InputDevice struct {
	ID      string `json:"id"`
	Label   string `json:"label"`
	Default bool   `json:"default"`
}

// PermissionState mirrors a platform's standing capture permission.
type PermissionState string

const (
	PermissionGranted PermissionState = "granted"
	PermissionPrompt  PermissionState = "prompt"
	PermissionDenied  PermissionState = "denied"
)

// Status summarizes the current runtime status.
type Status struct {
	State     SessionState `json:"state"`
	Active    bool         `json:"active"`
	SessionID string       `json:"sessionId,omitempty"`
	Message   string       `json:"message,omitempty"`
}
