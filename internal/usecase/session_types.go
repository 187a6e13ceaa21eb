package usecase

import (
	"context"
	"sync"
	"sync/atomic"

	"voiceplan/internal/domain"
	"voiceplan/internal/pcm"
	"voiceplan/internal/ports"
)

// activeSession owns every resource of one recording attempt. Resources are
// installed by Start and released exactly once by teardown.
type activeSession struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc

	sub    ports.Subscription
	device ports.Device
	stream *pcm.Stream

	aggregator *transcriptAggregator
	replies    chan domain.VoiceReply

	// startDone closes when Start returns; ready closes once the capture
	// pipeline is installed or acquisition failed.
	startDone  chan struct{}
	ready      chan struct{}
	deviceLost chan error
	stopAck    chan *domain.Error

	released atomic.Bool

	readyOnce       sync.Once
	releaseOnce     sync.Once
	unsubscribeOnce sync.Once
	stopAckOnce     sync.Once
}

func newActiveSession(id string, mode domain.AggregationMode) *activeSession {
	ctx, cancel := context.WithCancel(context.Background())
	return &activeSession{
		id:         id,
		ctx:        ctx,
		cancel:     cancel,
		aggregator: newTranscriptAggregator(mode),
		replies:    make(chan domain.VoiceReply, 4),
		startDone:  make(chan struct{}),
		ready:      make(chan struct{}),
		deviceLost: make(chan error, 1),
		stopAck:    make(chan *domain.Error, 1),
	}
}

func (s *activeSession) markReady() {
	s.readyOnce.Do(func() { close(s.ready) })
}

// releaseCapture detaches the encoder and releases the device.
func (s *activeSession) releaseCapture() error {
	var err error
	s.releaseOnce.Do(func() {
		s.released.Store(true)
		if s.stream != nil {
			s.stream.Detach()
		}
		if s.device != nil {
			err = s.device.Release()
		}
	})
	return err
}

func (s *activeSession) unsubscribe() {
	s.unsubscribeOnce.Do(func() {
		if s.sub != nil {
			s.sub.Unsubscribe()
		}
	})
}

func (s *activeSession) ackStop(err *domain.Error) {
	s.stopAckOnce.Do(func() {
		s.stopAck <- err
	})
}
