package channel

import (
	"encoding/json"
	"errors"
	"testing"

	"voiceplan/internal/domain"
	"voiceplan/internal/ports"
)

func TestEncodeWithoutPayloadOmitsData(t *testing.T) {
	t.Parallel()

	raw, err := Encode(EventStartRecording, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(raw) != `{"event":"start_recording"}` {
		t.Fatalf("unexpected envelope %s", raw)
	}
}

func TestAudioDataRoundTrip(t *testing.T) {
	t.Parallel()

	frame := domain.AudioFrame{Samples: []int16{1, -1}}
	raw, err := Encode(EventAudioData, frame.Base64())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(raw) != `{"event":"audio_data","data":"AQD//w=="}` {
		t.Fatalf("unexpected envelope %s", raw)
	}

	envelope, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	pcm, err := DecodeAudioData(envelope.Data)
	if err != nil {
		t.Fatalf("decode audio failed: %v", err)
	}
	if string(pcm) != string(frame.Bytes()) {
		t.Fatalf("unexpected pcm %v", pcm)
	}
}

func TestDecodeRejectsMissingEvent(t *testing.T) {
	t.Parallel()

	if _, err := Decode([]byte(`{"data":{}}`)); err == nil {
		t.Fatalf("expected missing event error")
	}
	if _, err := Decode([]byte(`not json`)); err == nil {
		t.Fatalf("expected invalid json error")
	}
}

func TestToChannelEvent(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		raw       string
		wantType  ports.ChannelEventType
		wantText  string
		wantFinal bool
	}{
		{name: "started", raw: `{"event":"recording_started","data":{"message":"ok"}}`, wantType: ports.EventSessionStarted},
		{name: "stopped", raw: `{"event":"recording_stopped","data":"bye"}`, wantType: ports.EventSessionStopped},
		{name: "interim", raw: `{"event":"recognition_result","data":{"text":"早上","is_final":false}}`, wantType: ports.EventTranscript, wantText: "早上"},
		{name: "final", raw: `{"event":"recognition_result","data":{"text":"早上好","is_final":true}}`, wantType: ports.EventTranscript, wantText: "早上好", wantFinal: true},
		{name: "append text", raw: `{"event":"recognition_text","data":{"text":"北京"}}`, wantType: ports.EventTranscript, wantText: "北京", wantFinal: true},
		{name: "error", raw: `{"event":"error","data":{"message":"recognizer down"}}`, wantType: ports.EventError},
	}

	for _, tc := range cases {
		envelope, err := Decode([]byte(tc.raw))
		if err != nil {
			t.Fatalf("%s: decode failed: %v", tc.name, err)
		}
		event, ok, err := toChannelEvent(envelope)
		if err != nil || !ok {
			t.Fatalf("%s: expected event, ok=%v err=%v", tc.name, ok, err)
		}
		if event.Type != tc.wantType {
			t.Fatalf("%s: unexpected type %q", tc.name, event.Type)
		}
		if event.Transcript.Text != tc.wantText || event.Transcript.IsFinal != tc.wantFinal {
			t.Fatalf("%s: unexpected transcript %+v", tc.name, event.Transcript)
		}
	}
}

func TestToChannelEventErrorIsClassified(t *testing.T) {
	t.Parallel()

	event, _, _ := toChannelEvent(Envelope{Event: EventError, Data: json.RawMessage(`{"message":"boom"}`)})
	if !errors.Is(event.Err, domain.ErrChannelError) {
		t.Fatalf("expected channel error, got %v", event.Err)
	}
	if event.Message != "boom" {
		t.Fatalf("unexpected message %q", event.Message)
	}
}

func TestToChannelEventAudioOutput(t *testing.T) {
	t.Parallel()

	event, ok, err := toChannelEvent(Envelope{
		Event: EventAudioOutput,
		Data:  json.RawMessage(`{"audio":"AQD//w==","sample_rate":24000}`),
	})
	if err != nil || !ok {
		t.Fatalf("expected voice reply, ok=%v err=%v", ok, err)
	}
	if event.Reply.SampleRate != 24000 || len(event.Reply.PCM) != 4 {
		t.Fatalf("unexpected reply %+v", event.Reply)
	}

	if _, _, err := toChannelEvent(Envelope{Event: EventAudioOutput, Data: json.RawMessage(`{"audio":"%%%"}`)}); err == nil {
		t.Fatalf("expected encoding error")
	}
}

func TestToChannelEventIgnoresUnknown(t *testing.T) {
	t.Parallel()

	_, ok, err := toChannelEvent(Envelope{Event: "plan_ready"})
	if ok || err != nil {
		t.Fatalf("expected unknown event to be ignored, ok=%v err=%v", ok, err)
	}
}

func TestControlEventRejectsUnknownKind(t *testing.T) {
	t.Parallel()

	if _, err := controlEvent(ports.ControlKind("pause")); err == nil {
		t.Fatalf("expected unknown control error")
	}
}
