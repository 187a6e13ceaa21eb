package usecase

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"voiceplan/internal/domain"
	"voiceplan/internal/ports"
)

type fakeChannel struct {
	mu         sync.Mutex
	controls   []ports.ControlKind
	frames     int
	subs       []*fakeSubscription
	controlErr map[ports.ControlKind]error
	onControl  func(kind ports.ControlKind)
	// hangStart blocks start until its context ends, like a dial that never
	// completes.
	hangStart bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{controlErr: map[ports.ControlKind]error{}}
}

// ackingChannel acknowledges start and stop like a healthy server.
func ackingChannel() *fakeChannel {
	ch := newFakeChannel()
	ch.onControl = func(kind ports.ControlKind) {
		switch kind {
		case ports.ControlStart:
			ch.push(ports.ChannelEvent{Type: ports.EventSessionStarted, Message: "ready"})
		case ports.ControlStop:
			ch.push(ports.ChannelEvent{Type: ports.EventSessionStopped, Message: "bye"})
		}
	}
	return ch
}

func (f *fakeChannel) SendControl(ctx context.Context, kind ports.ControlKind) error {
	f.mu.Lock()
	f.controls = append(f.controls, kind)
	err := f.controlErr[kind]
	hook := f.onControl
	hang := f.hangStart && kind == ports.ControlStart
	f.mu.Unlock()

	if hang {
		<-ctx.Done()
		return ctx.Err()
	}
	if err != nil {
		return err
	}
	if hook != nil {
		hook(kind)
	}
	return nil
}

func (f *fakeChannel) SendAudioFrame(_ domain.AudioFrame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames++
	return nil
}

func (f *fakeChannel) Subscribe() ports.Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub := &fakeSubscription{events: make(chan ports.ChannelEvent, 64)}
	f.subs = append(f.subs, sub)
	return sub
}

// push delivers to the newest subscription; closed subscriptions drop events.
func (f *fakeChannel) push(event ports.ChannelEvent) {
	f.mu.Lock()
	if len(f.subs) == 0 {
		f.mu.Unlock()
		return
	}
	sub := f.subs[len(f.subs)-1]
	f.mu.Unlock()
	sub.deliver(event)
}

func (f *fakeChannel) closeTransport() {
	f.mu.Lock()
	subs := append([]*fakeSubscription(nil), f.subs...)
	f.mu.Unlock()
	for _, sub := range subs {
		sub.close()
	}
}

func (f *fakeChannel) snapshotControls() []ports.ControlKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ports.ControlKind, len(f.controls))
	copy(out, f.controls)
	return out
}

func (f *fakeChannel) frameCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.frames
}

func (f *fakeChannel) subscription(i int) *fakeSubscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs[i]
}

type fakeSubscription struct {
	mu           sync.Mutex
	events       chan ports.ChannelEvent
	closed       bool
	unsubscribes int
}

func (f *fakeSubscription) Events() <-chan ports.ChannelEvent { return f.events }

func (f *fakeSubscription) Unsubscribe() {
	f.mu.Lock()
	f.unsubscribes++
	f.mu.Unlock()
	f.close()
}

func (f *fakeSubscription) deliver(event ports.ChannelEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.events <- event
}

func (f *fakeSubscription) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.events)
	}
}

func (f *fakeSubscription) unsubscribeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unsubscribes
}

type fakeAcquirer struct {
	mu      sync.Mutex
	devices []*fakeDevice
	err     error
	calls   int
}

func (f *fakeAcquirer) Acquire(_ context.Context, _ []domain.ConstraintTier) (ports.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	device := newFakeDevice()
	f.devices = append(f.devices, device)
	return device, nil
}

func (f *fakeAcquirer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeAcquirer) device(i int) *fakeDevice {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.devices[i]
}

// fakeDevice yields silence every few milliseconds until released or lost.
type fakeDevice struct {
	mu       sync.Mutex
	releases int
	released chan struct{}
	lost     chan error
	once     sync.Once
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{released: make(chan struct{}), lost: make(chan error, 1)}
}

func (f *fakeDevice) ReadSamples(dst []float32) (int, error) {
	select {
	case <-f.released:
		return 0, io.EOF
	case err := <-f.lost:
		return 0, err
	case <-time.After(2 * time.Millisecond):
	}
	for i := range dst {
		dst[i] = 0
	}
	return len(dst), nil
}

func (f *fakeDevice) Label() string { return "fake microphone" }

func (f *fakeDevice) Release() error {
	f.mu.Lock()
	f.releases++
	f.mu.Unlock()
	f.once.Do(func() { close(f.released) })
	return nil
}

func (f *fakeDevice) releaseCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.releases
}

type fakePlayer struct {
	mu      sync.Mutex
	replies []domain.VoiceReply
}

func (f *fakePlayer) Play(_ context.Context, reply domain.VoiceReply) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, reply)
	return nil
}

func (f *fakePlayer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.replies)
}

type fakeEventSink struct {
	mu sync.Mutex

	states  []stateEvent
	renders []domain.RenderInstruction
	replies []domain.VoiceReply
	errors  []errEvent
}

type stateEvent struct {
	state  domain.SessionState
	reason domain.SessionStateReason
}

type errEvent struct {
	kind   domain.ErrorKind
	detail string
}

func (f *fakeEventSink) SessionStateChanged(state domain.SessionState, reason domain.SessionStateReason) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = append(f.states, stateEvent{state: state, reason: reason})
}

func (f *fakeEventSink) TranscriptRendered(instruction domain.RenderInstruction) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renders = append(f.renders, instruction)
}

func (f *fakeEventSink) VoiceReply(reply domain.VoiceReply) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, reply)
}

func (f *fakeEventSink) SessionError(kind domain.ErrorKind, detail string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errors = append(f.errors, errEvent{kind: kind, detail: detail})
}

func (f *fakeEventSink) snapshotStates() []stateEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]stateEvent, len(f.states))
	copy(out, f.states)
	return out
}

func (f *fakeEventSink) snapshotRenders() []domain.RenderInstruction {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.RenderInstruction, len(f.renders))
	copy(out, f.renders)
	return out
}

func (f *fakeEventSink) snapshotErrors() []errEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]errEvent, len(f.errors))
	copy(out, f.errors)
	return out
}

func (f *fakeEventSink) countState(state domain.SessionState) int {
	count := 0
	for _, event := range f.snapshotStates() {
		if event.state == state {
			count++
		}
	}
	return count
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
