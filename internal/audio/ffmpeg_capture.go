package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"voiceplan/internal/domain"
	"voiceplan/internal/ports"
)

// CaptureConfig describes how the microphone is reached through ffmpeg.
type CaptureConfig struct {
	Command     string
	InputFormat string
	InputDevice string
	// EchoCancelDevice is a source with echo cancellation applied upstream
	// (for example PulseAudio's module-echo-cancel). Tiers that require echo
	// cancellation are unsatisfiable without it.
	EchoCancelDevice string
	StartupWait      time.Duration
}

// FFmpegCapture implements ports.CaptureBackend by running ffmpeg and reading
// 32-bit float samples resampled to 16kHz mono.
type FFmpegCapture struct {
	cfg CaptureConfig
}

func NewFFmpegCapture(cfg CaptureConfig) *FFmpegCapture {
	if cfg.Command == "" {
		cfg.Command = "ffmpeg"
	}
	if cfg.InputFormat == "" {
		cfg.InputFormat = "pulse"
	}
	if cfg.InputDevice == "" {
		cfg.InputDevice = "default"
	}
	if cfg.StartupWait <= 0 {
		cfg.StartupWait = 250 * time.Millisecond
	}
	return &FFmpegCapture{cfg: cfg}
}

func (c *FFmpegCapture) Available() error {
	if _, err := exec.LookPath(c.cfg.Command); err != nil {
		return &ports.PlatformError{Name: "NotSupportedError", Message: fmt.Sprintf("capture command %q not found", c.cfg.Command)}
	}
	return nil
}

func (c *FFmpegCapture) Open(ctx context.Context, tier domain.ConstraintTier) (ports.Device, error) {
	args, device, err := c.buildArgs(tier)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, c.cfg.Command, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	// A plain pipe keeps buffered samples readable after ffmpeg exits;
	// cmd.StdoutPipe would be closed by Wait.
	stdout, writer, err := os.Pipe()
	if err != nil {
		return nil, &ports.PlatformError{Name: "UnknownError", Message: fmt.Sprintf("failed to create ffmpeg stdout pipe: %v", err)}
	}
	cmd.Stdout = writer
	if err := cmd.Start(); err != nil {
		_ = writer.Close()
		_ = stdout.Close()
		return nil, &ports.PlatformError{Name: "NotSupportedError", Message: fmt.Sprintf("failed to start ffmpeg: %v", err)}
	}
	_ = writer.Close()

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
		close(waitErr)
	}()

	select {
	case err := <-waitErr:
		detail := stringsTrimSpaceSafe(stderr.String())
		_ = stdout.Close()
		if detail == "" {
			detail = "ffmpeg exited before capture started"
			if err != nil {
				detail = fmt.Sprintf("%s: %v", detail, err)
			}
		}
		return nil, classifyStderr(detail)
	case <-time.After(c.cfg.StartupWait):
	}

	return &ffmpegDevice{
		label:   device,
		stdout:  stdout,
		stderr:  &stderr,
		process: cmd.Process,
		waitErr: waitErr,
	}, nil
}

// ListInputs enumerates capture sources with `ffmpeg -sources`. Monitor
// sources of output sinks are skipped.
func (c *FFmpegCapture) ListInputs(ctx context.Context) ([]domain.InputDevice, error) {
	cmd := exec.CommandContext(ctx, c.cfg.Command, "-hide_banner", "-sources", c.cfg.InputFormat)
	out, err := cmd.Output()
	devices := parseSources(string(out))
	if err != nil && len(devices) == 0 {
		return nil, fmt.Errorf("failed to list %s sources: %w", c.cfg.InputFormat, err)
	}
	return devices, nil
}

// PermissionState is not exposed by desktop audio servers.
func (c *FFmpegCapture) PermissionState(_ context.Context) (domain.PermissionState, error) {
	return "", ports.ErrPermissionQueryUnsupported
}

func (c *FFmpegCapture) buildArgs(tier domain.ConstraintTier) ([]string, string, error) {
	device := c.cfg.InputDevice
	if tier.EchoCancellation {
		if c.cfg.EchoCancelDevice == "" {
			return nil, "", &ports.PlatformError{
				Name:    "OverconstrainedError",
				Message: "echo cancellation requested but no echo-cancel source is configured",
			}
		}
		device = c.cfg.EchoCancelDevice
	}

	args := []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", c.cfg.InputFormat,
	}
	if tier.SampleRate > 0 {
		args = append(args, "-sample_rate", strconv.Itoa(tier.SampleRate))
	}
	if tier.Channels > 0 {
		args = append(args, "-channels", strconv.Itoa(tier.Channels))
	}
	args = append(args, "-i", device)

	var filters []string
	if tier.NoiseSuppression {
		filters = append(filters, "afftdn")
	}
	if tier.AutoGainControl {
		filters = append(filters, "dynaudnorm")
	}
	if len(filters) > 0 {
		args = append(args, "-af", strings.Join(filters, ","))
	}

	args = append(args,
		"-ac", strconv.Itoa(domain.FrameChannels),
		"-ar", strconv.Itoa(domain.FrameSampleRate),
		"-f", "f32le",
		"-",
	)
	return args, device, nil
}

func classifyStderr(detail string) *ports.PlatformError {
	lower := strings.ToLower(detail)
	name := "UnknownError"
	switch {
	case strings.Contains(lower, "permission denied"), strings.Contains(lower, "access denied"),
		strings.Contains(lower, "not authorized"):
		name = "NotAllowedError"
	case strings.Contains(lower, "device or resource busy"), strings.Contains(lower, "resource temporarily unavailable"):
		name = "NotReadableError"
	case strings.Contains(lower, "unknown input format"), strings.Contains(lower, "not compiled"):
		name = "NotSupportedError"
	case strings.Contains(lower, "no such file or directory"), strings.Contains(lower, "no such device"),
		strings.Contains(lower, "no such entity"), strings.Contains(lower, "not found"):
		name = "NotFoundError"
	case strings.Contains(lower, "invalid argument"), strings.Contains(lower, "sample rate"),
		strings.Contains(lower, "not supported"), strings.Contains(lower, "channel"):
		name = "OverconstrainedError"
	}
	return &ports.PlatformError{Name: name, Message: detail}
}

func parseSources(output string) []domain.InputDevice {
	var devices []domain.InputDevice
	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasSuffix(trimmed, ":") {
			continue
		}
		isDefault := strings.HasPrefix(trimmed, "*")
		trimmed = strings.TrimSpace(strings.TrimPrefix(trimmed, "*"))

		id := trimmed
		label := ""
		if idx := strings.Index(trimmed, " "); idx >= 0 {
			id = trimmed[:idx]
			rest := trimmed[idx+1:]
			if start := strings.Index(rest, "["); start >= 0 {
				if end := strings.LastIndex(rest, "]"); end > start {
					label = rest[start+1 : end]
				}
			}
		}
		if strings.HasSuffix(id, ".monitor") {
			continue
		}
		devices = append(devices, domain.InputDevice{ID: id, Label: label, Default: isDefault})
	}
	return devices
}

type ffmpegDevice struct {
	label  string
	stdout io.ReadCloser
	stderr *bytes.Buffer

	process *os.Process
	waitErr <-chan error

	buf []byte

	stopOnce sync.Once
	stopErr  error
}

func (d *ffmpegDevice) Label() string {
	return d.label
}

// ReadSamples decodes little-endian float32 samples. A trailing partial
// sample at end of stream is discarded.
func (d *ffmpegDevice) ReadSamples(dst []float32) (int, error) {
	need := len(dst) * 4
	if cap(d.buf) < need {
		d.buf = make([]byte, need)
	}
	buf := d.buf[:need]

	n, err := io.ReadFull(d.stdout, buf)
	count := n / 4
	for i := 0; i < count; i++ {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, os.ErrClosed) {
		err = io.EOF
	}
	return count, err
}

func (d *ffmpegDevice) Release() error {
	d.stopOnce.Do(func() {
		if d.process != nil {
			_ = d.process.Signal(os.Interrupt)
		}

		select {
		case err, ok := <-d.waitErr:
			if ok {
				d.stopErr = normalizeStopErr(err)
			}
		case <-time.After(1200 * time.Millisecond):
			if d.process != nil {
				_ = d.process.Kill()
			}
			err, ok := <-d.waitErr
			if ok {
				d.stopErr = normalizeStopErr(err)
			}
		}

		if closeErr := d.stdout.Close(); closeErr != nil && !errors.Is(closeErr, os.ErrClosed) {
			if d.stopErr == nil {
				d.stopErr = closeErr
			}
		}

		if d.stopErr != nil && d.stderr != nil && d.stderr.Len() > 0 {
			d.stopErr = fmt.Errorf("%w: %s", d.stopErr, stringsTrimSpaceSafe(d.stderr.String()))
		}
	})

	return d.stopErr
}

func normalizeStopErr(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}

func stringsTrimSpaceSafe(input string) string {
	if input == "" {
		return input
	}
	return string(bytes.TrimSpace([]byte(input)))
}
