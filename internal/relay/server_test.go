package relay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"voiceplan/internal/channel"
	"voiceplan/internal/domain"
	"voiceplan/internal/metrics"
	"voiceplan/internal/ports"
)

func TestRelayReplaceModeLifecycle(t *testing.T) {
	t.Parallel()

	provider := newFakeProvider()
	ws := dialRelay(t, Config{Mode: domain.ModeReplace}, provider)

	writeEvent(t, ws, channel.EventStartRecording, nil)
	started := readEvent(t, ws)
	if started.Event != channel.EventRecordingStarted {
		t.Fatalf("expected recording_started, got %+v", started)
	}
	stream := provider.next(t)
	if !provider.lastConfig().InterimResults {
		t.Fatalf("expected interim results in replace mode")
	}

	writeEvent(t, ws, channel.EventAudioData, base64.StdEncoding.EncodeToString([]byte{1, 0, 2, 0}))
	stream.events <- domain.TranscriptEvent{Text: "hel", Sequence: 1}

	result := readEvent(t, ws)
	var payload channel.RecognitionResultPayload
	decodeData(t, result, &payload)
	if result.Event != channel.EventRecognitionResult || payload.Text != "hel" || payload.IsFinal {
		t.Fatalf("unexpected interim %+v / %+v", result, payload)
	}

	waitUntil(t, func() bool { return stream.audioBytes() == 4 })

	writeEvent(t, ws, channel.EventStopRecording, nil)
	flushed := readEvent(t, ws)
	decodeData(t, flushed, &payload)
	if payload.Text != "hello" || !payload.IsFinal {
		t.Fatalf("expected flushed final, got %+v", payload)
	}
	stopped := readEvent(t, ws)
	if stopped.Event != channel.EventRecordingStopped {
		t.Fatalf("expected recording_stopped, got %+v", stopped)
	}
}

func TestRelayReplaceModeSendsCumulativeText(t *testing.T) {
	t.Parallel()

	provider := newFakeProvider()
	ws := dialRelay(t, Config{Mode: domain.ModeReplace}, provider)

	writeEvent(t, ws, channel.EventStartRecording, nil)
	_ = readEvent(t, ws)
	stream := provider.next(t)

	stream.events <- domain.TranscriptEvent{Text: "我想去北京", IsFinal: true, Sequence: 1}
	stream.events <- domain.TranscriptEvent{Text: "玩", Sequence: 2}
	stream.events <- domain.TranscriptEvent{Text: "玩三天", IsFinal: true, Sequence: 3}

	want := []channel.RecognitionResultPayload{
		{Text: "我想去北京", IsFinal: true},
		{Text: "我想去北京玩"},
		{Text: "我想去北京玩三天", IsFinal: true},
	}
	for i, expected := range want {
		got := readEvent(t, ws)
		if got.Event != channel.EventRecognitionResult {
			t.Fatalf("event %d: expected recognition_result, got %+v", i, got)
		}
		var payload channel.RecognitionResultPayload
		decodeData(t, got, &payload)
		if payload != expected {
			t.Fatalf("event %d: expected %+v, got %+v", i, expected, payload)
		}
	}

	// A new recording starts from an empty transcript.
	writeEvent(t, ws, channel.EventStopRecording, nil)
	_ = readEvent(t, ws)
	if got := readEvent(t, ws); got.Event != channel.EventRecordingStopped {
		t.Fatalf("expected recording_stopped, got %+v", got)
	}
	writeEvent(t, ws, channel.EventStartRecording, nil)
	_ = readEvent(t, ws)
	next := provider.next(t)
	next.events <- domain.TranscriptEvent{Text: "上海", IsFinal: true, Sequence: 1}

	got := readEvent(t, ws)
	var payload channel.RecognitionResultPayload
	decodeData(t, got, &payload)
	if payload.Text != "上海" {
		t.Fatalf("expected fresh transcript after restart, got %q", payload.Text)
	}
}

func TestRelayAppendModeSendsOnlyFinalText(t *testing.T) {
	t.Parallel()

	provider := newFakeProvider()
	ws := dialRelay(t, Config{Mode: domain.ModeAppend}, provider)

	writeEvent(t, ws, channel.EventStartRecording, nil)
	_ = readEvent(t, ws)
	stream := provider.next(t)
	if provider.lastConfig().InterimResults {
		t.Fatalf("expected interim results disabled in append mode")
	}

	stream.events <- domain.TranscriptEvent{Text: "draft", Sequence: 1}
	stream.events <- domain.TranscriptEvent{Text: "去北京", IsFinal: true, Sequence: 2}

	got := readEvent(t, ws)
	if got.Event != channel.EventRecognitionText {
		t.Fatalf("expected recognition_text, got %+v", got)
	}
	var payload channel.RecognitionTextPayload
	decodeData(t, got, &payload)
	if payload.Text != "去北京" {
		t.Fatalf("unexpected text %q", payload.Text)
	}
}

func TestRelayRejectsSecondStart(t *testing.T) {
	t.Parallel()

	provider := newFakeProvider()
	ws := dialRelay(t, Config{}, provider)

	writeEvent(t, ws, channel.EventStartRecording, nil)
	_ = readEvent(t, ws)
	_ = provider.next(t)

	writeEvent(t, ws, channel.EventStartRecording, nil)
	got := readEvent(t, ws)
	if got.Event != channel.EventError {
		t.Fatalf("expected error, got %+v", got)
	}
	if provider.startCount() != 1 {
		t.Fatalf("expected a single recognizer stream, got %d", provider.startCount())
	}
}

func TestRelayReportsProviderStartFailure(t *testing.T) {
	t.Parallel()

	provider := newFakeProvider()
	provider.startErr = errors.New("no api key")
	ws := dialRelay(t, Config{}, provider)

	writeEvent(t, ws, channel.EventStartRecording, nil)
	got := readEvent(t, ws)
	if got.Event != channel.EventError {
		t.Fatalf("expected error, got %+v", got)
	}
	var payload channel.MessagePayload
	decodeData(t, got, &payload)
	if !strings.Contains(payload.Message, "no api key") {
		t.Fatalf("expected provider message, got %q", payload.Message)
	}
}

func TestRelayStopWithoutRecordingStillAcks(t *testing.T) {
	t.Parallel()

	ws := dialRelay(t, Config{}, newFakeProvider())
	writeEvent(t, ws, channel.EventStopRecording, nil)
	if got := readEvent(t, ws); got.Event != channel.EventRecordingStopped {
		t.Fatalf("expected recording_stopped, got %+v", got)
	}
}

func TestRelayReportsStreamFailure(t *testing.T) {
	t.Parallel()

	provider := newFakeProvider()
	ws := dialRelay(t, Config{}, provider)

	writeEvent(t, ws, channel.EventStartRecording, nil)
	_ = readEvent(t, ws)
	stream := provider.next(t)
	stream.fail(errors.New("upstream reset"))

	got := readEvent(t, ws)
	if got.Event != channel.EventError {
		t.Fatalf("expected error, got %+v", got)
	}

	// A new start replaces the dead stream.
	writeEvent(t, ws, channel.EventStartRecording, nil)
	if got := readEvent(t, ws); got.Event != channel.EventRecordingStarted {
		t.Fatalf("expected restart to succeed, got %+v", got)
	}
}

func TestRelayDisconnectClosesStream(t *testing.T) {
	t.Parallel()

	provider := newFakeProvider()
	ws := dialRelay(t, Config{}, provider)

	writeEvent(t, ws, channel.EventStartRecording, nil)
	_ = readEvent(t, ws)
	stream := provider.next(t)

	_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = ws.Close()

	select {
	case <-stream.closed:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected stream to be closed on disconnect")
	}
}

func TestRelayHealthAndMetrics(t *testing.T) {
	t.Parallel()

	srv := NewServer(Config{}, newFakeProvider(), log.New(io.Discard), metrics.New())
	httpSrv := httptest.NewServer(srv.Routes())
	t.Cleanup(httpSrv.Close)

	for _, path := range []string{"/healthz", "/metrics"} {
		resp, err := http.Get(httpSrv.URL + path)
		if err != nil {
			t.Fatalf("get %s: %v", path, err)
		}
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200 for %s, got %d", path, resp.StatusCode)
		}
	}
}

func TestWaitForStreamClosesOnTimeout(t *testing.T) {
	t.Parallel()

	stream := newFakeStream()
	err := waitForStream(stream, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("expected clean close, got %v", err)
	}
	select {
	case <-stream.closed:
	default:
		t.Fatalf("expected close to be called on timeout")
	}
}

func dialRelay(t *testing.T, cfg Config, provider ports.TranscriptionProvider) *websocket.Conn {
	t.Helper()

	cfg.StopTimeout = time.Second
	srv := NewServer(cfg, provider, log.New(io.Discard), metrics.New())
	httpSrv := httptest.NewServer(srv.Routes())
	t.Cleanup(httpSrv.Close)

	url := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial relay: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func writeEvent(t *testing.T, ws *websocket.Conn, event string, data any) {
	t.Helper()
	raw, err := channel.Encode(event, data)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := ws.WriteMessage(websocket.TextMessage, raw); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readEvent(t *testing.T, ws *websocket.Conn) channel.Envelope {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	envelope, err := channel.Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return envelope
}

func decodeData(t *testing.T, envelope channel.Envelope, target any) {
	t.Helper()
	if err := json.Unmarshal(envelope.Data, target); err != nil {
		t.Fatalf("decode %s payload: %v", envelope.Event, err)
	}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

type fakeProvider struct {
	mu       sync.Mutex
	startErr error
	configs  []ports.StreamingConfig
	streams  chan *fakeStream
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{streams: make(chan *fakeStream, 4)}
}

func (p *fakeProvider) StartStreaming(_ context.Context, cfg ports.StreamingConfig) (ports.StreamingSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.startErr != nil {
		return nil, p.startErr
	}
	p.configs = append(p.configs, cfg)
	stream := newFakeStream()
	p.streams <- stream
	return stream, nil
}

func (p *fakeProvider) next(t *testing.T) *fakeStream {
	t.Helper()
	select {
	case stream := <-p.streams:
		return stream
	case <-time.After(2 * time.Second):
		t.Fatalf("recognizer stream was not started")
		return nil
	}
}

func (p *fakeProvider) startCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.configs)
}

func (p *fakeProvider) lastConfig() ports.StreamingConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.configs[len(p.configs)-1]
}

// fakeStream flushes a final "hello" on CloseSend.
type fakeStream struct {
	events chan domain.TranscriptEvent
	done   chan struct{}
	closed chan struct{}

	mu     sync.Mutex
	audio  []byte
	err    error
	ended  bool
	closeO sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		events: make(chan domain.TranscriptEvent, 8),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}
}

func (s *fakeStream) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audio = append(s.audio, chunk...)
	return nil
}

func (s *fakeStream) CloseSend() error {
	s.mu.Lock()
	ended := s.ended
	s.mu.Unlock()
	if !ended {
		s.events <- domain.TranscriptEvent{Text: "hello", IsFinal: true, Sequence: 99}
	}
	s.end(nil)
	return nil
}

func (s *fakeStream) Events() <-chan domain.TranscriptEvent { return s.events }

func (s *fakeStream) Wait() error {
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *fakeStream) Close() error {
	s.closeO.Do(func() { close(s.closed) })
	s.end(nil)
	return s.Wait()
}

func (s *fakeStream) fail(err error) { s.end(err) }

func (s *fakeStream) end(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.ended = true
	s.err = err
	close(s.events)
	close(s.done)
}

func (s *fakeStream) audioBytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.audio)
}
