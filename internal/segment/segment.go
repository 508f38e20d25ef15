// Package segment splits the raw experiment content of a report into
// question items, either locally by boundary markers or by delegating the
// split to a language model under a sentinel-delimited protocol.
package segment

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/pavelanni/labgrader/internal/model"
)

// ErrEmptyContent is returned when there is no content to segment.
var ErrEmptyContent = errors.New("experiment content is empty")

// CountMismatchError reports that the number of segments could not be
// brought to the expected count.
type CountMismatchError struct {
	Expected int
	Got      int
	Attempts int
}

func (e *CountMismatchError) Error() string {
	return fmt.Sprintf("segmentation produced %d items, expected %d (after %d attempts)", e.Got, e.Expected, e.Attempts)
}

// Segmenter splits raw content into items. When expected > 0 a successful
// result has exactly expected items with ids Q1..Qn.
type Segmenter interface {
	Segment(ctx context.Context, raw string, expected int) ([]model.ContentItem, error)
}

// Strategy selects a Segmenter implementation.
type Strategy string

const (
	StrategyLocal Strategy = "local"
	StrategyLLM   Strategy = "llm"
)

// ParseStrategy validates a strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(strings.ToLower(strings.TrimSpace(s))); st {
	case StrategyLocal, StrategyLLM:
		return st, nil
	case "":
		return StrategyLocal, nil
	}
	return "", fmt.Errorf("unknown segmentation strategy %q (want local or llm)", s)
}

// PadPolicy decides what the local segmenter does when it finds fewer
// segments than expected.
type PadPolicy string

const (
	// PadFill appends empty placeholder items.
	PadFill PadPolicy = "pad"
	// PadWarn appends placeholders and logs a warning with their count.
	PadWarn PadPolicy = "warn"
	// PadStrict fails with a CountMismatchError.
	PadStrict PadPolicy = "strict"
)

// ParsePadPolicy validates a policy name. Empty selects PadFill.
func ParsePadPolicy(s string) (PadPolicy, error) {
	switch p := PadPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case PadFill, PadWarn, PadStrict:
		return p, nil
	case "":
		return PadFill, nil
	}
	return "", fmt.Errorf("unknown pad policy %q (want pad, warn or strict)", s)
}

// Fit truncates or pads items to exactly expected entries and renumbers
// them. It returns how many placeholders were added and how many items were
// dropped. expected <= 0 leaves the length unchanged.
func Fit(items []model.ContentItem, expected int) (out []model.ContentItem, padded, dropped int) {
	out = append([]model.ContentItem(nil), items...)
	if expected > 0 {
		if len(out) > expected {
			dropped = len(out) - expected
			out = out[:expected]
		}
		for len(out) < expected {
			out = append(out, model.ContentItem{})
			padded++
		}
	}
	model.Renumber(out)
	return out, padded, dropped
}
