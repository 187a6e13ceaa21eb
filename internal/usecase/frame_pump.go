package usecase

import (
	"errors"

	"github.com/charmbracelet/log"

	"voiceplan/internal/pcm"
	"voiceplan/internal/ports"
)

var errDeviceEnded = errors.New("capture device stopped delivering audio")

// pumpFrames hands every encoded frame to the channel. When the stream ends
// without the session having released the device, the loss is reported on
// deviceLost.
func pumpFrames(
	stream *pcm.Stream,
	channel ports.SessionChannel,
	released func() bool,
	deviceLost chan<- error,
	logger *log.Logger,
) {
	sendFailed := false
	for frame := range stream.Frames() {
		if err := channel.SendAudioFrame(frame); err != nil && !sendFailed {
			sendFailed = true
			logger.Warn("audio frame not sent", "sequence", frame.Sequence, "err", err)
		}
	}

	<-stream.Ended()
	if released() {
		return
	}

	cause := stream.Err()
	if cause == nil {
		cause = errDeviceEnded
	}
	select {
	case deviceLost <- cause:
	default:
	}
}
