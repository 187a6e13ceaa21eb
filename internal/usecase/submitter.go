package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"

	"voiceplan/internal/domain"
	"voiceplan/internal/ports"
)

var ErrNotReadyForSubmit = errors.New("transcript is not ready for submission")

// TranscriptSource exposes the latest render instruction.
type TranscriptSource interface {
	Transcript() domain.RenderInstruction
}

// Submitter hands a finalized transcript to the planner.
type Submitter struct {
	planner ports.PlanService
	source  TranscriptSource
	logger  *log.Logger
}

func NewSubmitter(planner ports.PlanService, source TranscriptSource, logger *log.Logger) *Submitter {
	if logger == nil {
		logger = log.Default()
	}
	return &Submitter{planner: planner, source: source, logger: logger}
}

// Submit sends the current transcript only when the last render marked it
// ready. Text may be supplied to override the transcript, which covers
// typed input after a voice failure.
func (s *Submitter) Submit(ctx context.Context, text string) (ports.Plan, error) {
	input := strings.TrimSpace(text)
	if input == "" {
		render := s.source.Transcript()
		if !render.ReadyForSubmit {
			return ports.Plan{}, ErrNotReadyForSubmit
		}
		input = strings.TrimSpace(render.Text)
	}
	if input == "" {
		return ports.Plan{}, ErrNotReadyForSubmit
	}

	plan, err := s.planner.CreatePlan(ctx, input)
	if err != nil {
		return ports.Plan{}, fmt.Errorf("failed to create plan: %w", err)
	}
	s.logger.Info("plan created", "plan", plan.ID, "chars", len([]rune(input)))
	return plan, nil
}
