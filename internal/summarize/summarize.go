// Package summarize condenses chunk texts into one summary through an
// ordered list of strategies.
package summarize

import (
	"context"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/m-mizutani/goerr/v2"

	"github.com/rcliao/memcompact/internal/logging"
)

const (
	// DefaultMaxWords bounds rollup summaries.
	DefaultMaxWords = 256
	DefaultModel    = "claude-sonnet-4-20250514"
)

// Strategy produces a summary or fails.
type Strategy interface {
	Name() string
	Summarize(ctx context.Context, texts []string) (string, error)
}

// Chain tries each strategy in order; the first success wins.
type Chain []Strategy

// Summarize returns the first successful summary, or every failure joined.
func (c Chain) Summarize(ctx context.Context, texts []string) (string, error) {
	var errs []error
	for _, s := range c {
		out, err := s.Summarize(ctx, texts)
		if err == nil {
			return out, nil
		}
		logging.From(ctx).Warn("summarizer failed, trying next", "strategy", s.Name(), "error", err)
		errs = append(errs, goerr.Wrap(err, "summarize", goerr.V("strategy", s.Name())))
	}
	if len(errs) == 0 {
		return "", goerr.New("no summarizer configured")
	}
	return "", errors.Join(errs...)
}

// Concat joins the texts and keeps the first MaxWords words. It never fails.
type Concat struct {
	MaxWords int
}

func (Concat) Name() string { return "concat" }

func (c Concat) Summarize(_ context.Context, texts []string) (string, error) {
	return Truncate(strings.Join(texts, " "), c.MaxWords), nil
}

// Truncate keeps the first maxWords whitespace-separated words of s.
// maxWords <= 0 uses DefaultMaxWords.
func Truncate(s string, maxWords int) string {
	if maxWords <= 0 {
		maxWords = DefaultMaxWords
	}
	words := strings.Fields(s)
	if len(words) > maxWords {
		words = words[:maxWords]
	}
	return strings.Join(words, " ")
}

const prompt = `Summarize the following conversation memory notes into one short paragraph.
Keep names, decisions, numbers and open tasks. Reply with the summary only.

`

// Anthropic asks a Claude model for the summary.
type Anthropic struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// NewAnthropic creates the strategy. Extra request options (base URL,
// retries) are passed to the client.
func NewAnthropic(apiKey, model string, opts ...option.RequestOption) *Anthropic {
	if model == "" {
		model = DefaultModel
	}
	return &Anthropic{
		client:    anthropic.NewClient(append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)...),
		model:     model,
		maxTokens: 512,
	}
}

func (a *Anthropic) Name() string { return "anthropic" }

func (a *Anthropic) Summarize(ctx context.Context, texts []string) (string, error) {
	var b strings.Builder
	b.WriteString(prompt)
	writeNotes(&b, texts)

	out, err := a.complete(ctx, b.String(), a.maxTokens)
	if err != nil {
		return "", err
	}
	if out == "" {
		return "", goerr.New("empty summary from model", goerr.V("model", a.model))
	}
	return out, nil
}

// complete sends one user message and returns the joined text blocks.
func (a *Anthropic) complete(ctx context.Context, msg string, maxTokens int64) (string, error) {
	resp, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(msg)),
		},
	})
	if err != nil {
		return "", goerr.Wrap(err, "anthropic messages", goerr.V("model", a.model))
	}

	var parts []string
	for _, block := range resp.Content {
		if block.Type == "text" {
			parts = append(parts, block.Text)
		}
	}
	return strings.TrimSpace(strings.Join(parts, "\n")), nil
}

func writeNotes(b *strings.Builder, texts []string) {
	for _, t := range texts {
		b.WriteString("- ")
		b.WriteString(strings.TrimSpace(t))
		b.WriteString("\n")
	}
}
