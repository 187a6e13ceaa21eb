package usecase

import (
	"testing"

	"voiceplan/internal/domain"
)

func TestTranscriptAggregatorReplaceMode(t *testing.T) {
	t.Parallel()

	agg := newTranscriptAggregator(domain.ModeReplace)

	render, changed := agg.OnEvent(domain.TranscriptEvent{Text: "早上好", IsFinal: false})
	if !changed || render.Text != "早上好" || render.ReadyForSubmit {
		t.Fatalf("unexpected interim render: %+v changed=%v", render, changed)
	}

	render, changed = agg.OnEvent(domain.TranscriptEvent{Text: "早上好，北京", IsFinal: true})
	if !changed || render.Text != "早上好，北京" || !render.ReadyForSubmit {
		t.Fatalf("unexpected final render: %+v changed=%v", render, changed)
	}
}

func TestTranscriptAggregatorAppendMode(t *testing.T) {
	t.Parallel()

	agg := newTranscriptAggregator(domain.ModeAppend)

	agg.OnEvent(domain.TranscriptEvent{Text: "早上好", IsFinal: true})
	render, _ := agg.OnEvent(domain.TranscriptEvent{Text: "，北京", IsFinal: true})
	if render.Text != "早上好，北京" || !render.ReadyForSubmit {
		t.Fatalf("unexpected append render: %+v", render)
	}
}

func TestTranscriptAggregatorInterimClearsReadyInAppendMode(t *testing.T) {
	t.Parallel()

	agg := newTranscriptAggregator(domain.ModeAppend)

	agg.OnEvent(domain.TranscriptEvent{Text: "去上海", IsFinal: true})
	render, _ := agg.OnEvent(domain.TranscriptEvent{Text: "三天", IsFinal: false})
	if render.Text != "三天" || render.ReadyForSubmit {
		t.Fatalf("interim should replace the buffer and clear ready: %+v", render)
	}
}

func TestTranscriptAggregatorIgnoresBlankText(t *testing.T) {
	t.Parallel()

	for _, mode := range []domain.AggregationMode{domain.ModeReplace, domain.ModeAppend} {
		agg := newTranscriptAggregator(mode)
		agg.OnEvent(domain.TranscriptEvent{Text: "杭州", IsFinal: true})

		for _, event := range []domain.TranscriptEvent{
			{Text: "", IsFinal: false},
			{Text: "   ", IsFinal: true},
			{Text: "\n\t", IsFinal: false},
		} {
			render, changed := agg.OnEvent(event)
			if changed {
				t.Fatalf("%s: blank event %+v reported a change", mode, event)
			}
			if render.Text != "杭州" || !render.ReadyForSubmit {
				t.Fatalf("%s: blank event %+v changed buffer to %+v", mode, event, render)
			}
		}
	}
}

func TestTranscriptAggregatorStartsEmpty(t *testing.T) {
	t.Parallel()

	if render := newTranscriptAggregator("").Render(); render.Text != "" || render.ReadyForSubmit {
		t.Fatalf("expected empty buffer, got %+v", render)
	}
}
