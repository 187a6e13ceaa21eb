// Package pcm turns float capture samples into fixed-size PCM16 frames.
package pcm

import (
	"errors"
	"io"
	"sync"

	"github.com/charmbracelet/log"

	"voiceplan/internal/domain"
	"voiceplan/internal/ports"
)

const (
	// DefaultFrameSamples is one processing block: 4096 samples, ~256ms at 16kHz.
	DefaultFrameSamples = 4096
	DefaultFrameQueue   = 8
)

// ToPCM16 clamps v to [-1, 1] and scales it asymmetrically onto int16.
func ToPCM16(v float32) int16 {
	if v != v {
		return 0
	}
	if v > 1 {
		v = 1
	} else if v < -1 {
		v = -1
	}
	if v < 0 {
		return int16(v * 32768)
	}
	return int16(v * 32767)
}

// Convert writes the PCM16 form of src into dst and returns the count written.
func Convert(dst []int16, src []float32) int {
	n := len(src)
	if len(dst) < n {
		n = len(dst)
	}
	for i := 0; i < n; i++ {
		dst[i] = ToPCM16(src[i])
	}
	return n
}

// Encoder produces frame streams from capture devices.
type Encoder struct {
	frameSamples int
	queue        int
	logger       *log.Logger
	onDrop       func()
}

// Option customizes an Encoder.
type Option func(*Encoder)

func WithFrameSamples(n int) Option {
	return func(e *Encoder) {
		if n > 0 {
			e.frameSamples = n
		}
	}
}

func WithQueue(n int) Option {
	return func(e *Encoder) {
		if n > 0 {
			e.queue = n
		}
	}
}

// WithDropHook is called whenever a frame is dropped for lack of queue space.
func WithDropHook(fn func()) Option {
	return func(e *Encoder) {
		e.onDrop = fn
	}
}

func NewEncoder(logger *log.Logger, opts ...Option) *Encoder {
	e := &Encoder{
		frameSamples: DefaultFrameSamples,
		queue:        DefaultFrameQueue,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Attach starts reading src and returns the frame stream. The stream is not
// restartable; attach again for a new one.
func (e *Encoder) Attach(src ports.SampleSource) *Stream {
	s := &Stream{
		frames: make(chan domain.AudioFrame, e.queue),
		done:   make(chan struct{}),
		ended:  make(chan struct{}),
	}
	go s.run(src, e.frameSamples, e.logger, e.onDrop)
	return s
}

// Stream is one live frame sequence.
type Stream struct {
	frames chan domain.AudioFrame
	done   chan struct{}
	ended  chan struct{}

	detachOnce sync.Once

	errMu sync.Mutex
	err   error
}

// Frames yields frames until Detach or the device ends.
func (s *Stream) Frames() <-chan domain.AudioFrame {
	return s.frames
}

// Detach stops frame production. Safe to call any number of times.
func (s *Stream) Detach() {
	s.detachOnce.Do(func() {
		close(s.done)
	})
}

// Ended is closed once the reader goroutine has exited.
func (s *Stream) Ended() <-chan struct{} {
	return s.ended
}

// Err reports why the device ended; nil after a clean Detach or EOF.
func (s *Stream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *Stream) detached() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Stream) run(src ports.SampleSource, frameSamples int, logger *log.Logger, onDrop func()) {
	defer close(s.ended)
	defer close(s.frames)

	block := make([]float32, frameSamples)
	var sequence uint64

	for {
		filled, readErr := fill(src, block, s.done)
		if filled > 0 && !s.detached() {
			frame := domain.AudioFrame{Sequence: sequence, Samples: make([]int16, filled)}
			Convert(frame.Samples, block[:filled])
			sequence++

			select {
			case s.frames <- frame:
			case <-s.done:
			default:
				if logger != nil {
					logger.Warn("frame queue full; dropping frame", "sequence", frame.Sequence)
				}
				if onDrop != nil {
					onDrop()
				}
			}
		}

		if readErr != nil {
			if !s.detached() && !errors.Is(readErr, io.EOF) {
				s.errMu.Lock()
				s.err = readErr
				s.errMu.Unlock()
			}
			return
		}
		if s.detached() {
			return
		}
	}
}

// fill reads until block is full, the source errors, or the stream detaches.
func fill(src ports.SampleSource, block []float32, done <-chan struct{}) (int, error) {
	filled := 0
	for filled < len(block) {
		select {
		case <-done:
			return filled, nil
		default:
		}
		n, err := src.ReadSamples(block[filled:])
		filled += n
		if err != nil {
			return filled, err
		}
		if n == 0 {
			return filled, io.ErrNoProgress
		}
	}
	return filled, nil
}
