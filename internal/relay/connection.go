package relay

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"voiceplan/internal/channel"
	"voiceplan/internal/domain"
	"voiceplan/internal/metrics"
	"voiceplan/internal/ports"
)

var errPeerClosed = errors.New("peer closed connection")

type connection struct {
	id       string
	cfg      Config
	ws       *websocket.Conn
	provider ports.TranscriptionProvider
	logger   *log.Logger
	metrics  *metrics.Metrics
	outbound chan []byte

	ctx context.Context

	// Owned by the read loop.
	stream      ports.StreamingSession
	forwardDone chan struct{}
	stopping    atomic.Bool
}

func (c *connection) run(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	c.ctx = gctx

	g.Go(func() error {
		defer cancel()
		return c.readLoop(gctx)
	})
	g.Go(func() error {
		return c.writeLoop(gctx)
	})

	err := g.Wait()
	c.closeStream()
	_ = c.ws.Close()

	if errors.Is(err, errPeerClosed) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (c *connection) readLoop(ctx context.Context) error {
	c.ws.SetReadLimit(1 << 20)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || ctx.Err() != nil {
				return errPeerClosed
			}
			return fmt.Errorf("read: %w", err)
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))

		envelope, err := channel.Decode(raw)
		if err != nil {
			c.logger.Warn("dropping malformed message", "err", err)
			c.sendError("invalid message")
			continue
		}

		switch envelope.Event {
		case channel.EventStartRecording:
			c.handleStart(ctx)
		case channel.EventAudioData:
			c.handleAudio(envelope)
		case channel.EventStopRecording:
			c.handleStop()
		default:
			c.logger.Debug("ignoring unknown event", "event", envelope.Event)
		}
	}
}

func (c *connection) writeLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			deadline := time.Now().Add(time.Second)
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return nil
		case raw := <-c.outbound:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
				return fmt.Errorf("write: %w", err)
			}
		case <-ticker.C:
			deadline := time.Now().Add(c.cfg.WriteTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return fmt.Errorf("ping: %w", err)
			}
		}
	}
}

func (c *connection) handleStart(ctx context.Context) {
	if c.stream != nil {
		select {
		case <-c.forwardDone:
			// The previous recognizer stream already ended on its own.
			c.closeStream()
		default:
			c.sendError("recording already in progress")
			return
		}
	}

	stream, err := c.provider.StartStreaming(ctx, ports.StreamingConfig{
		SampleRate:     domain.FrameSampleRate,
		Channels:       domain.FrameChannels,
		Encoding:       "linear16",
		Language:       c.cfg.Language,
		InterimResults: c.cfg.Mode == domain.ModeReplace,
	})
	if err != nil {
		c.metrics.RecognizerError()
		c.logger.Error("failed to start recognizer", "err", err)
		c.sendError(fmt.Sprintf("failed to start recognition: %v", err))
		return
	}

	c.stream = stream
	c.stopping.Store(false)
	c.forwardDone = make(chan struct{})
	go c.forward(stream, c.forwardDone)

	c.metrics.RelaySessionStarted()
	c.logger.Info("recording started")
	c.send(channel.EventRecordingStarted, channel.MessagePayload{Message: "recording started"})
}

func (c *connection) handleAudio(envelope channel.Envelope) {
	if c.stream == nil {
		c.logger.Debug("audio received without an active recording")
		return
	}
	pcm, err := channel.DecodeAudioData(envelope.Data)
	if err != nil {
		c.logger.Warn("dropping audio frame", "err", err)
		return
	}
	if err := c.stream.SendAudio(pcm); err != nil {
		c.metrics.RecognizerError()
		c.logger.Error("failed to forward audio", "err", err)
		c.sendError(fmt.Sprintf("failed to forward audio: %v", err))
		return
	}
	c.metrics.AudioForwarded(len(pcm))
}

func (c *connection) handleStop() {
	if c.stream == nil {
		c.send(channel.EventRecordingStopped, channel.MessagePayload{Message: "no active recording"})
		return
	}

	c.stopping.Store(true)
	if err := c.stream.CloseSend(); err != nil {
		c.logger.Warn("failed to close recognizer send side", "err", err)
	}
	if err := waitForStream(c.stream, c.cfg.StopTimeout); err != nil {
		c.metrics.RecognizerError()
		c.logger.Warn("recognizer stream ended with error", "err", err)
	}
	<-c.forwardDone
	c.stream = nil

	c.logger.Info("recording stopped")
	c.send(channel.EventRecordingStopped, channel.MessagePayload{Message: "recording stopped"})
}

// forward relays recognizer events until the stream's event channel closes.
// Recognizers emit one final per utterance, so replace mode sends the
// committed finals of this stream followed by the current segment.
// done is closed before a stream failure is reported so a follow-up start
// sees the stream as finished.
func (c *connection) forward(stream ports.StreamingSession, done chan<- struct{}) {
	var committed string
	for event := range stream.Events() {
		if c.cfg.Mode == domain.ModeAppend {
			if !event.IsFinal {
				continue
			}
			c.send(channel.EventRecognitionText, channel.RecognitionTextPayload{Text: event.Text})
			continue
		}
		text := committed + event.Text
		c.send(channel.EventRecognitionResult, channel.RecognitionResultPayload{
			Text:    text,
			IsFinal: event.IsFinal,
		})
		if event.IsFinal {
			committed = text
		}
	}

	var err error
	if !c.stopping.Load() {
		err = stream.Wait()
	}
	close(done)

	if err != nil {
		c.metrics.RecognizerError()
		c.logger.Error("recognizer stream failed", "err", err)
		c.sendError(fmt.Sprintf("recognition failed: %v", err))
	}
}

func (c *connection) closeStream() {
	if c.stream == nil {
		return
	}
	c.stopping.Store(true)
	_ = c.stream.Close()
	<-c.forwardDone
	c.stream = nil
}

func (c *connection) sendError(message string) {
	c.send(channel.EventError, channel.MessagePayload{Message: message})
}

func (c *connection) send(event string, data any) {
	raw, err := channel.Encode(event, data)
	if err != nil {
		c.logger.Error("failed to encode event", "event", event, "err", err)
		return
	}
	select {
	case c.outbound <- raw:
		c.metrics.EventPushed(event)
	case <-c.ctx.Done():
	}
}

func waitForStream(session ports.StreamingSession, timeout time.Duration) error {
	done := make(chan error, 1)
	go func() {
		done <- session.Wait()
	}()

	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		_ = session.Close()
		return <-done
	}
}
