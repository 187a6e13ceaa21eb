package main

import (
	"fmt"
	"io"
	"sync"

	"voiceplan/internal/domain"
	"voiceplan/internal/usecase"
)

// terminalSink prints session events for the record command.
type terminalSink struct {
	mu  sync.Mutex
	out io.Writer
}

func newTerminalSink(out io.Writer) *terminalSink {
	return &terminalSink{out: out}
}

func (s *terminalSink) SessionStateChanged(state domain.SessionState, reason domain.SessionStateReason) {
	s.printf("[%s] %s\n", state, reason)
}

func (s *terminalSink) TranscriptRendered(render domain.RenderInstruction) {
	marker := "…"
	if render.ReadyForSubmit {
		marker = "✓"
	}
	s.printf("%s %s\n", marker, render.Text)
}

func (s *terminalSink) VoiceReply(reply domain.VoiceReply) {
	s.printf("♪ voice reply (%d bytes @ %d Hz)\n", len(reply.PCM), reply.SampleRate)
}

func (s *terminalSink) SessionError(kind domain.ErrorKind, detail string) {
	s.printf("error: %s: %s\n", kind, detail)
	if hint := usecase.Guidance(kind); hint != "" {
		s.printf("hint: %s\n", hint)
	}
}

func (s *terminalSink) printf(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = fmt.Fprintf(s.out, format, args...)
}
