package deepgram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"voiceplan/internal/domain"
)

var errStreamEnded = errors.New("deepgram stream ended")

type session struct {
	conn      *websocket.Conn
	logger    *log.Logger
	keepAlive time.Duration

	audio  chan []byte
	events chan domain.TranscriptEvent
	done   chan struct{}
	err    error

	sendMu     sync.Mutex
	sendClosed bool
	closing    atomic.Bool
	closeOnce  sync.Once
	sequence   uint64
}

// startSession runs the read and write loops until the server closes the
// stream, either loop fails, or ctx is cancelled.
func startSession(ctx context.Context, conn *websocket.Conn, keepAlive time.Duration, logger *log.Logger) *session {
	s := &session{
		conn:      conn,
		logger:    logger,
		keepAlive: keepAlive,
		audio:     make(chan []byte, 32),
		events:    make(chan domain.TranscriptEvent, 64),
		done:      make(chan struct{}),
	}

	g, gctx := errgroup.WithContext(context.Background())
	g.Go(func() error { return s.writeLoop(gctx) })
	g.Go(s.readLoop)

	go func() {
		<-gctx.Done()
		// Unblocks the read loop when the write side fails first.
		_ = conn.Close()
	}()
	go func() {
		s.err = s.normalize(g.Wait())
		close(s.events)
		close(s.done)
	}()
	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-s.done:
		}
	}()
	return s
}

func (s *session) SendAudio(chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.sendClosed {
		return io.ErrClosedPipe
	}
	select {
	case <-s.done:
		return errStreamEnded
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return errStreamEnded
	}
}

// CloseSend asks the server to flush final results and close the stream.
func (s *session) CloseSend() error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if !s.sendClosed {
		s.sendClosed = true
		close(s.audio)
	}
	return nil
}

func (s *session) Events() <-chan domain.TranscriptEvent {
	return s.events
}

func (s *session) Wait() error {
	<-s.done
	return s.err
}

func (s *session) Close() error {
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		_ = s.CloseSend()
		_ = s.conn.Close()
	})
	return s.Wait()
}

func (s *session) writeLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case chunk, ok := <-s.audio:
			if !ok {
				if err := s.conn.WriteMessage(websocket.TextMessage, encodeControl(controlCloseStream)); err != nil {
					return fmt.Errorf("failed to close stream: %w", err)
				}
				return nil
			}
			if err := s.conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
				return fmt.Errorf("failed to send audio: %w", err)
			}
			ticker.Reset(s.keepAlive)
		case <-ticker.C:
			if err := s.conn.WriteMessage(websocket.TextMessage, encodeControl(controlKeepAlive)); err != nil {
				return fmt.Errorf("failed to send keepalive: %w", err)
			}
		}
	}
}

func (s *session) readLoop() error {
	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				return errStreamEnded
			}
			return fmt.Errorf("failed to read provider event: %w", err)
		}

		res, err := parseResponse(payload)
		if err != nil {
			return err
		}
		if res.Text == "" {
			continue
		}

		s.sequence++
		event := domain.TranscriptEvent{Text: res.Text, IsFinal: res.Final, Sequence: s.sequence}
		select {
		case s.events <- event:
		default:
			s.logger.Warn("transcript event dropped", "sequence", event.Sequence)
		}
	}
}

// normalize maps an orderly shutdown to a nil error.
func (s *session) normalize(err error) error {
	if err == nil || errors.Is(err, errStreamEnded) {
		return nil
	}
	if s.closing.Load() {
		return nil
	}
	return err
}
