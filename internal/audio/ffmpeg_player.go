package audio

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"

	"voiceplan/internal/domain"
)

// PlayerConfig describes the ffmpeg output used for voice replies.
type PlayerConfig struct {
	Command      string
	OutputFormat string
	OutputDevice string
}

// FFmpegPlayer plays PCM16 mono replies by piping them into ffmpeg.
type FFmpegPlayer struct {
	cfg PlayerConfig
}

func NewFFmpegPlayer(cfg PlayerConfig) *FFmpegPlayer {
	if cfg.Command == "" {
		cfg.Command = "ffmpeg"
	}
	if cfg.OutputFormat == "" {
		cfg.OutputFormat = "pulse"
	}
	if cfg.OutputDevice == "" {
		cfg.OutputDevice = "default"
	}
	return &FFmpegPlayer{cfg: cfg}
}

// Play blocks until the reply has been written to the output device or ctx is
// cancelled.
func (p *FFmpegPlayer) Play(ctx context.Context, reply domain.VoiceReply) error {
	if len(reply.PCM) == 0 {
		return nil
	}
	rate := reply.SampleRate
	if rate <= 0 {
		rate = domain.FrameSampleRate
	}

	cmd := exec.CommandContext(ctx, p.cfg.Command, p.args(rate)...)
	cmd.Stdin = bytes.NewReader(reply.PCM)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if detail := stringsTrimSpaceSafe(stderr.String()); detail != "" {
			return fmt.Errorf("voice playback failed: %w: %s", err, detail)
		}
		return fmt.Errorf("voice playback failed: %w", err)
	}
	return nil
}

func (p *FFmpegPlayer) args(rate int) []string {
	return []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "error",
		"-f", "s16le",
		"-ar", strconv.Itoa(rate),
		"-ac", "1",
		"-i", "pipe:0",
		"-f", p.cfg.OutputFormat,
		p.cfg.OutputDevice,
	}
}
