package summarize

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/m-mizutani/goerr/v2"

	"github.com/rcliao/memcompact/internal/logging"
	"github.com/rcliao/memcompact/internal/model"
)

// Scorer rates how worth keeping a piece of memory is, in [0, 1].
type Scorer interface {
	Name() string
	Score(ctx context.Context, texts []string) (float64, error)
}

// ScoreChain tries each scorer in order; the first success wins.
type ScoreChain []Scorer

// Score returns the first successful score, or every failure joined.
func (c ScoreChain) Score(ctx context.Context, texts []string) (float64, error) {
	var errs []error
	for _, s := range c {
		v, err := s.Score(ctx, texts)
		if err == nil {
			return v, nil
		}
		logging.From(ctx).Warn("scorer failed, trying next", "scorer", s.Name(), "error", err)
		errs = append(errs, goerr.Wrap(err, "score", goerr.V("scorer", s.Name())))
	}
	if len(errs) == 0 {
		return 0, goerr.New("no scorer configured")
	}
	return 0, errors.Join(errs...)
}

// Constant scores everything the same. It never fails.
type Constant float64

// DefaultScore is the fallback every chain should end with.
const DefaultScore = Constant(model.DefaultImportance)

func (Constant) Name() string { return "constant" }

func (c Constant) Score(context.Context, []string) (float64, error) { return float64(c), nil }

const scorePrompt = `Rate how important the following conversation memory notes are for future
conversations, on a scale from 0 to 1. Reply with the number only.

`

func (a *Anthropic) Score(ctx context.Context, texts []string) (float64, error) {
	var b strings.Builder
	b.WriteString(scorePrompt)
	writeNotes(&b, texts)

	out, err := a.complete(ctx, b.String(), 8)
	if err != nil {
		return 0, err
	}
	return ParseScore(out)
}

// ParseScore reads a model reply such as "0.8" or "0.8." into a score in
// [0, 1].
func ParseScore(s string) (float64, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return 0, goerr.New("empty score")
	}
	v, err := strconv.ParseFloat(strings.TrimRight(fields[0], ".,;"), 64)
	if err != nil {
		return 0, goerr.Wrap(err, "parse score", goerr.V("reply", s))
	}
	if v < 0 || v > 1 {
		return 0, goerr.New("score out of range", goerr.V("score", v))
	}
	return v, nil
}
