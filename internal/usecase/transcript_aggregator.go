package usecase

import (
	"strings"

	"voiceplan/internal/domain"
)

// transcriptAggregator owns the transcript buffer of one session. It is only
// touched from the session's event loop.
type transcriptAggregator struct {
	mode   domain.AggregationMode
	buffer string
	ready  bool
}

func newTranscriptAggregator(mode domain.AggregationMode) *transcriptAggregator {
	if mode != domain.ModeAppend {
		mode = domain.ModeReplace
	}
	return &transcriptAggregator{mode: mode}
}

// OnEvent applies one transcript event. Blank text leaves the buffer alone
// and reports changed=false.
func (a *transcriptAggregator) OnEvent(event domain.TranscriptEvent) (domain.RenderInstruction, bool) {
	if strings.TrimSpace(event.Text) == "" {
		return a.Render(), false
	}

	switch {
	case !event.IsFinal:
		a.buffer = event.Text
		a.ready = false
	case a.mode == domain.ModeAppend:
		a.buffer += event.Text
		a.ready = true
	default:
		a.buffer = event.Text
		a.ready = true
	}
	return a.Render(), true
}

func (a *transcriptAggregator) Render() domain.RenderInstruction {
	return domain.RenderInstruction{Text: a.buffer, ReadyForSubmit: a.ready}
}
