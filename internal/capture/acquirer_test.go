package capture

import (
	"context"
	"errors"
	"sync"
	"testing"

	"voiceplan/internal/domain"
	"voiceplan/internal/logging"
	"voiceplan/internal/ports"
)

func TestAcquireStopsAtFirstSuccessfulTier(t *testing.T) {
	t.Parallel()

	tiers := DefaultTiers()
	backend := &fakeBackend{
		results: []openResult{
			{err: &ports.PlatformError{Name: "OverconstrainedError", Message: "sampleRate"}},
			{device: &fakeDevice{label: "second"}},
			{device: &fakeDevice{label: "third"}},
		},
	}

	device, err := NewAcquirer(backend, logging.Discard(), nil).Acquire(context.Background(), tiers)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if device.Label() != "second" {
		t.Fatalf("unexpected device: %s", device.Label())
	}

	opened := backend.snapshotTiers()
	if len(opened) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(opened))
	}
	if opened[0] != tiers[0] || opened[1] != tiers[1] {
		t.Fatalf("tiers tried out of order: %+v", opened)
	}
}

func TestAcquireAllTiersFailReportsLastClassification(t *testing.T) {
	t.Parallel()

	orderings := [][]string{
		{"NotAllowedError", "NotReadableError", "NotFoundError"},
		{"NotFoundError", "OverconstrainedError", "NotAllowedError"},
		{"SecurityError", "NotAllowedError", "NotReadableError"},
	}
	for _, names := range orderings {
		names := names
		t.Run(names[len(names)-1], func(t *testing.T) {
			t.Parallel()

			backend := &fakeBackend{}
			for _, name := range names {
				backend.results = append(backend.results, openResult{err: &ports.PlatformError{Name: name, Message: "raw " + name}})
			}

			_, err := NewAcquirer(backend, logging.Discard(), nil).Acquire(context.Background(), DefaultTiers())
			want := kindForPlatformName(names[len(names)-1])
			if domain.KindOf(err) != want {
				t.Fatalf("expected %s, got %v", want, err)
			}
			var classified *domain.Error
			if !errors.As(err, &classified) || classified.Message != "raw "+names[len(names)-1] {
				t.Fatalf("expected raw platform message to be preserved, got %v", err)
			}
			if len(backend.snapshotTiers()) != len(names) {
				t.Fatalf("expected every tier tried exactly once")
			}
		})
	}
}

func TestAcquireReleasesPartialDevice(t *testing.T) {
	t.Parallel()

	partial := &fakeDevice{label: "partial"}
	backend := &fakeBackend{
		results: []openResult{
			{device: partial, err: &ports.PlatformError{Name: "NotReadableError"}},
			{device: &fakeDevice{label: "ok"}},
		},
	}

	if _, err := NewAcquirer(backend, logging.Discard(), nil).Acquire(context.Background(), DefaultTiers()); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if partial.releases() != 1 {
		t.Fatalf("expected partial device released once, got %d", partial.releases())
	}
}

func TestAcquireUnavailableBackend(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{availableErr: &ports.PlatformError{Name: "NotSupportedError", Message: "ffmpeg missing"}}
	_, err := NewAcquirer(backend, logging.Discard(), nil).Acquire(context.Background(), DefaultTiers())
	if !errors.Is(err, domain.ErrUnsupported) {
		t.Fatalf("expected unsupported, got %v", err)
	}
	if len(backend.snapshotTiers()) != 0 {
		t.Fatalf("no tier should be attempted")
	}
}

func TestAcquireEmptyTiersMeansAnyAudio(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{results: []openResult{{device: &fakeDevice{label: "any"}}}}
	if _, err := NewAcquirer(backend, logging.Discard(), nil).Acquire(context.Background(), nil); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	opened := backend.snapshotTiers()
	if len(opened) != 1 || !opened[0].IsAnyAudio() {
		t.Fatalf("expected a single any-audio attempt, got %+v", opened)
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	cases := map[string]domain.ErrorKind{
		"NotAllowedError":      domain.KindPermissionDenied,
		"NotFoundError":        domain.KindDeviceNotFound,
		"NotReadableError":     domain.KindDeviceBusy,
		"OverconstrainedError": domain.KindConstraintUnsatisfiable,
		"SecurityError":        domain.KindInsecureContext,
		"NotSupportedError":    domain.KindUnsupported,
		"WeirdError":           domain.KindUnknown,
	}
	for name, want := range cases {
		if got := Classify(&ports.PlatformError{Name: name}).Kind; got != want {
			t.Fatalf("%s: expected %s, got %s", name, want, got)
		}
	}

	if got := Classify(errors.New("plain")).Kind; got != domain.KindUnknown {
		t.Fatalf("expected unknown for unclassified error, got %s", got)
	}
	already := domain.NewError(domain.KindDeviceBusy, "busy")
	if Classify(already) != already {
		t.Fatalf("expected classified error to pass through")
	}
	if Classify(nil) != nil {
		t.Fatalf("expected nil for nil error")
	}
}

type openResult struct {
	device *fakeDevice
	err    error
}

type fakeBackend struct {
	mu           sync.Mutex
	availableErr error
	results      []openResult
	tiers        []domain.ConstraintTier
}

func (f *fakeBackend) Available() error { return f.availableErr }

func (f *fakeBackend) Open(_ context.Context, tier domain.ConstraintTier) (ports.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	index := len(f.tiers)
	f.tiers = append(f.tiers, tier)
	if index >= len(f.results) {
		return nil, &ports.PlatformError{Name: "NotFoundError", Message: "no result configured"}
	}
	result := f.results[index]
	if result.device == nil {
		return nil, result.err
	}
	return result.device, result.err
}

func (f *fakeBackend) ListInputs(_ context.Context) ([]domain.InputDevice, error) { return nil, nil }

func (f *fakeBackend) PermissionState(_ context.Context) (domain.PermissionState, error) {
	return "", ports.ErrPermissionQueryUnsupported
}

func (f *fakeBackend) snapshotTiers() []domain.ConstraintTier {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.ConstraintTier, len(f.tiers))
	copy(out, f.tiers)
	return out
}

type fakeDevice struct {
	mu           sync.Mutex
	label        string
	releaseCalls int
}

func (f *fakeDevice) ReadSamples(_ []float32) (int, error) { return 0, errors.New("not readable") }
func (f *fakeDevice) Label() string                        { return f.label }

func (f *fakeDevice) Release() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releaseCalls++
	return nil
}

func (f *fakeDevice) releases() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.releaseCalls
}
