package capture

import (
	"context"
	"errors"
	"strconv"

	"github.com/charmbracelet/log"

	"voiceplan/internal/domain"
	"voiceplan/internal/metrics"
	"voiceplan/internal/ports"
)

// Acquirer walks constraint tiers from most to least specific.
type Acquirer struct {
	backend ports.CaptureBackend
	logger  *log.Logger
	metrics *metrics.Metrics
}

func NewAcquirer(backend ports.CaptureBackend, logger *log.Logger, m *metrics.Metrics) *Acquirer {
	if logger == nil {
		logger = log.Default()
	}
	return &Acquirer{backend: backend, logger: logger, metrics: m}
}

// Acquire tries each tier once, in order, and returns the first device opened.
// When every tier fails the error is classified from the last failure.
func (a *Acquirer) Acquire(ctx context.Context, tiers []domain.ConstraintTier) (ports.Device, error) {
	if len(tiers) == 0 {
		tiers = []domain.ConstraintTier{{}}
	}
	if err := a.backend.Available(); err != nil {
		return nil, Classify(err)
	}

	var lastErr error
	for i, tier := range tiers {
		if err := ctx.Err(); err != nil {
			return nil, domain.NewError(domain.KindUnknown, "acquisition cancelled: %v", err)
		}

		device, err := a.backend.Open(ctx, tier)
		if err == nil {
			a.metrics.AcquireAttempt(strconv.Itoa(i), "ok")
			a.logger.Debug("capture device acquired", "tier", i, "device", device.Label())
			return device, nil
		}

		if device != nil {
			if releaseErr := device.Release(); releaseErr != nil {
				a.logger.Warn("failed to release partial capture device", "tier", i, "err", releaseErr)
			}
		}
		a.metrics.AcquireAttempt(strconv.Itoa(i), string(Classify(err).Kind))
		a.logger.Debug("capture tier failed", "tier", i, "err", err)
		lastErr = err
	}

	return nil, Classify(lastErr)
}

// Classify maps a raw platform failure into the error taxonomy.
func Classify(err error) *domain.Error {
	if err == nil {
		return nil
	}

	var classified *domain.Error
	if errors.As(err, &classified) {
		return classified
	}

	var platformErr *ports.PlatformError
	if !errors.As(err, &platformErr) {
		return &domain.Error{Kind: domain.KindUnknown, Message: err.Error()}
	}

	return &domain.Error{Kind: kindForPlatformName(platformErr.Name), Message: platformErr.Message}
}

func kindForPlatformName(name string) domain.ErrorKind {
	switch name {
	case "NotAllowedError", "PermissionDeniedError":
		return domain.KindPermissionDenied
	case "NotFoundError", "DevicesNotFoundError":
		return domain.KindDeviceNotFound
	case "NotReadableError", "TrackStartError", "AbortError":
		return domain.KindDeviceBusy
	case "OverconstrainedError", "ConstraintNotSatisfiedError":
		return domain.KindConstraintUnsatisfiable
	case "SecurityError":
		return domain.KindInsecureContext
	case "NotSupportedError", "TypeError":
		return domain.KindUnsupported
	default:
		return domain.KindUnknown
	}
}
