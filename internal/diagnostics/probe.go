// Package diagnostics explains why voice capture is unavailable.
package diagnostics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/charmbracelet/log"

	"voiceplan/internal/capture"
	"voiceplan/internal/domain"
	"voiceplan/internal/ports"
)

// Prober runs the read-only capture probe. The only side effect is a test
// acquisition that is released before Probe returns.
type Prober struct {
	backend    ports.CaptureBackend
	acquirer   ports.DeviceAcquirer
	channelURL string
	logger     *log.Logger
}

func NewProber(backend ports.CaptureBackend, acquirer ports.DeviceAcquirer, channelURL string, logger *log.Logger) *Prober {
	if logger == nil {
		logger = log.Default()
	}
	return &Prober{
		backend:    backend,
		acquirer:   acquirer,
		channelURL: channelURL,
		logger:     logger.With("component", "diagnostics"),
	}
}

// Probe never fails; every problem becomes an entry in the report's Errors.
func (p *Prober) Probe(ctx context.Context) domain.DiagnosisReport {
	report := domain.DiagnosisReport{Errors: []string{}}

	if err := p.backend.Available(); err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("audio capture is not supported: %s", capture.Classify(err).Message))
		p.logger.Error("capture API unavailable", "err", err)
		return report
	}
	report.BrowserSupport = true

	report.SecureContext = IsSecureEndpoint(p.channelURL)
	if !report.SecureContext {
		report.Errors = append(report.Errors, "not running in a secure context (requires wss:// or a loopback address)")
		p.logger.Warn("insecure channel endpoint", "url", p.channelURL)
	}

	devices, err := p.backend.ListInputs(ctx)
	switch {
	case err != nil:
		report.Errors = append(report.Errors, fmt.Sprintf("failed to enumerate input devices: %v", err))
	case len(devices) == 0:
		report.Errors = append(report.Errors, "no audio input devices found")
	default:
		report.DevicesAvailable = true
		report.DeviceCount = len(devices)
		for i, device := range devices {
			p.logger.Debug("input device", "index", i+1, "id", device.ID, "label", device.Label, "default", device.Default)
		}
	}

	state, err := p.backend.PermissionState(ctx)
	switch {
	case errors.Is(err, ports.ErrPermissionQueryUnsupported):
		p.logger.Debug("permission state not exposed by capture backend")
	case err != nil:
		p.logger.Warn("permission query failed", "err", err)
	case state == domain.PermissionGranted:
		report.PermissionGranted = true
	case state == domain.PermissionDenied:
		report.Errors = append(report.Errors, "microphone permission denied")
	}

	device, err := p.acquirer.Acquire(ctx, capture.MinimalTiers())
	if err != nil {
		classified := capture.Classify(err)
		report.Errors = append(report.Errors, fmt.Sprintf("%s: %s", classified.Kind, classified.Message))
		p.logger.Error("test acquisition failed", "kind", classified.Kind, "err", classified.Message)
		return report
	}
	report.StreamAccessible = true
	p.logger.Info("test acquisition succeeded", "device", device.Label())
	if err := device.Release(); err != nil {
		p.logger.Warn("test device release failed", "err", err)
	}
	return report
}

// IsSecureEndpoint reports whether the channel endpoint is encrypted or local.
func IsSecureEndpoint(rawURL string) bool {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return false
	}
	switch strings.ToLower(parsed.Scheme) {
	case "wss", "https":
		return true
	}

	host := parsed.Hostname()
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
