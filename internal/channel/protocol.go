// Package channel implements the recording event channel: a JSON envelope
// protocol carried over websocket text frames.
package channel

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"voiceplan/internal/domain"
	"voiceplan/internal/ports"
)

// Event names on the wire.
const (
	EventStartRecording    = "start_recording"
	EventRecordingStarted  = "recording_started"
	EventAudioData         = "audio_data"
	EventRecognitionResult = "recognition_result"
	EventRecognitionText   = "recognition_text"
	EventAudioOutput       = "audio_output"
	EventStopRecording     = "stop_recording"
	EventRecordingStopped  = "recording_stopped"
	EventError             = "error"
)

// Envelope is one message in either direction.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type MessagePayload struct {
	Message string `json:"message"`
}

type RecognitionResultPayload struct {
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
}

type RecognitionTextPayload struct {
	Text string `json:"text"`
}

type AudioOutputPayload struct {
	Audio      string `json:"audio"`
	SampleRate int    `json:"sample_rate"`
}

// Encode builds an envelope. A nil data omits the payload.
func Encode(event string, data any) ([]byte, error) {
	envelope := Envelope{Event: event}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s payload: %w", event, err)
		}
		envelope.Data = raw
	}
	return json.Marshal(envelope)
}

func Decode(raw []byte) (Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return Envelope{}, fmt.Errorf("invalid channel message: %w", err)
	}
	if strings.TrimSpace(envelope.Event) == "" {
		return Envelope{}, fmt.Errorf("invalid channel message: missing event name")
	}
	return envelope, nil
}

// DecodeAudioData extracts the PCM16 bytes from an audio_data payload.
func DecodeAudioData(data json.RawMessage) ([]byte, error) {
	var encoded string
	if err := json.Unmarshal(data, &encoded); err != nil {
		return nil, fmt.Errorf("invalid audio_data payload: %w", err)
	}
	pcm, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid audio_data encoding: %w", err)
	}
	return pcm, nil
}

func controlEvent(kind ports.ControlKind) (string, error) {
	switch kind {
	case ports.ControlStart:
		return EventStartRecording, nil
	case ports.ControlStop:
		return EventStopRecording, nil
	default:
		return "", fmt.Errorf("unknown control kind %q", kind)
	}
}

// toChannelEvent maps an inbound envelope. Unknown events report ok=false.
func toChannelEvent(envelope Envelope) (ports.ChannelEvent, bool, error) {
	switch envelope.Event {
	case EventRecordingStarted:
		return ports.ChannelEvent{Type: ports.EventSessionStarted, Message: decodeMessage(envelope.Data)}, true, nil
	case EventRecordingStopped:
		return ports.ChannelEvent{Type: ports.EventSessionStopped, Message: decodeMessage(envelope.Data)}, true, nil
	case EventRecognitionResult:
		var payload RecognitionResultPayload
		if err := json.Unmarshal(envelope.Data, &payload); err != nil {
			return ports.ChannelEvent{}, false, fmt.Errorf("invalid recognition_result payload: %w", err)
		}
		return ports.ChannelEvent{
			Type:       ports.EventTranscript,
			Transcript: domain.TranscriptEvent{Text: payload.Text, IsFinal: payload.IsFinal},
		}, true, nil
	case EventRecognitionText:
		var payload RecognitionTextPayload
		if err := json.Unmarshal(envelope.Data, &payload); err != nil {
			return ports.ChannelEvent{}, false, fmt.Errorf("invalid recognition_text payload: %w", err)
		}
		return ports.ChannelEvent{
			Type:       ports.EventTranscript,
			Transcript: domain.TranscriptEvent{Text: payload.Text, IsFinal: true},
		}, true, nil
	case EventAudioOutput:
		var payload AudioOutputPayload
		if err := json.Unmarshal(envelope.Data, &payload); err != nil {
			return ports.ChannelEvent{}, false, fmt.Errorf("invalid audio_output payload: %w", err)
		}
		pcm, err := base64.StdEncoding.DecodeString(payload.Audio)
		if err != nil {
			return ports.ChannelEvent{}, false, fmt.Errorf("invalid audio_output encoding: %w", err)
		}
		return ports.ChannelEvent{
			Type:  ports.EventVoiceReply,
			Reply: domain.VoiceReply{PCM: pcm, SampleRate: payload.SampleRate},
		}, true, nil
	case EventError:
		message := decodeMessage(envelope.Data)
		if message == "" {
			message = "server reported an error"
		}
		return ports.ChannelEvent{
			Type:    ports.EventError,
			Message: message,
			Err:     domain.NewError(domain.KindChannelError, "%s", message),
		}, true, nil
	default:
		return ports.ChannelEvent{}, false, nil
	}
}

// decodeMessage accepts {"message": "..."} or a bare string.
func decodeMessage(data json.RawMessage) string {
	if len(data) == 0 {
		return ""
	}
	var payload MessagePayload
	if err := json.Unmarshal(data, &payload); err == nil {
		return payload.Message
	}
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		return text
	}
	return ""
}
