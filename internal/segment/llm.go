package segment

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/pavelanni/labgrader/internal/config"
	"github.com/pavelanni/labgrader/internal/llm"
	"github.com/pavelanni/labgrader/internal/llm/prompts"
	"github.com/pavelanni/labgrader/internal/model"
)

// LLM delegates segmentation to a language model using the sentinel
// protocol. Short replies are repaired locally before the call is retried
// with a reinforced prompt.
type LLM struct {
	Completer llm.Completer
	// Model overrides the completer's default model when set.
	Model string
	// Prompts defaults to prompts.Default().
	Prompts *prompts.Set
	// MaxAttempts is clamped to [1, config.MaxRetries]; zero selects
	// config.DefaultRetries.
	MaxAttempts int
	Logger      *slog.Logger
}

// Segment implements Segmenter. A transport failure is returned as is; a
// count that stays wrong after the last attempt yields a
// *CountMismatchError. With expected <= 0 the first reply is accepted.
func (s *LLM) Segment(ctx context.Context, raw string, expected int) ([]model.ContentItem, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, ErrEmptyContent
	}
	log := s.Logger
	if log == nil {
		log = slog.Default()
	}
	set := s.Prompts
	if set == nil {
		var err error
		if set, err = prompts.Default(); err != nil {
			return nil, err
		}
	}

	m := NewMachine(expected, config.ClampRetries(s.MaxAttempts))
	var items []model.ContentItem
	for !m.Done() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		system, user, err := set.Segment(prompts.SegmentData{
			Markers:       markers(),
			Count:         expected,
			Content:       raw,
			Retry:         m.Retrying(),
			Attempt:       m.Attempt,
			PreviousCount: m.ReplyCount,
		})
		if err != nil {
			return nil, err
		}
		reply, err := s.Completer.Complete(ctx, []llm.Message{
			{Role: llm.RoleSystem, Content: system},
			{Role: llm.RoleUser, Content: user},
		}, s.Model)
		if err != nil {
			return nil, fmt.Errorf("segmentation attempt %d: %w", m.Attempt, err)
		}

		items = ParseReply(reply)
		attempt := m.Attempt
		m = m.Observe(len(items))
		log.Info("segment.llm.attempt", "attempt", attempt, "expected", expected, "got", len(items), "state", m.State.String())

		if m.State == StateRepairing {
			repaired, _ := Repair(items, expected)
			m = m.Repaired(len(repaired))
			log.Info("segment.llm.repaired", "attempt", attempt, "before", len(items), "after", len(repaired), "state", m.State.String())
			items = repaired
		}
	}
	if err := m.Err(); err != nil {
		log.Warn("segment.llm.exhausted", "expected", expected, "got", m.LastCount, "attempts", m.Attempt)
		return nil, err
	}
	model.Renumber(items)
	return items, nil
}
