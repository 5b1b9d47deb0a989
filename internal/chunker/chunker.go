// Package chunker splits conversation text into pieces small enough to embed
// and store as individual chunks.
package chunker

import (
	"regexp"
	"strings"
)

const (
	DefaultTargetSize = 1200
	DefaultMinSize    = 200
	DefaultMaxSize    = 1600
)

// Options configures chunking behavior. Sizes are in bytes.
type Options struct {
	TargetSize int
	MinSize    int
	MaxSize    int
}

// DefaultOptions returns default chunking options.
func DefaultOptions() Options {
	return Options{
		TargetSize: DefaultTargetSize,
		MinSize:    DefaultMinSize,
		MaxSize:    DefaultMaxSize,
	}
}

func (o Options) normalize() Options {
	if o.TargetSize <= 0 {
		return DefaultOptions()
	}
	if o.MaxSize < o.TargetSize {
		o.MaxSize = o.TargetSize
	}
	if o.MinSize < 0 || o.MinSize > o.TargetSize {
		o.MinSize = 0
	}
	return o
}

// turnLine matches lines that start a new speaker turn, e.g. "user: ..." or
// "Assistant:".
var turnLine = regexp.MustCompile(`(?i)^(user|assistant|system|human|ai|tool)\s*:`)

// Split breaks text into pieces of at most MaxSize bytes. Text that already
// fits is returned as a single piece. Blank lines, markdown headings and
// speaker turns are preferred cut points; lines and then words are used
// when a single block is too large.
func Split(text string, opts Options) []string {
	opts = opts.normalize()
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(text) <= opts.MaxSize {
		return []string{text}
	}

	var pieces []string
	var accum string
	flush := func() {
		if accum != "" {
			pieces = append(pieces, accum)
			accum = ""
		}
	}
	for _, b := range splitBlocks(text) {
		if len(b) > opts.MaxSize {
			flush()
			pieces = append(pieces, hardSplit(b, opts)...)
			continue
		}
		if accum == "" {
			accum = b
			continue
		}
		if combined := accum + "\n\n" + b; len(combined) <= opts.TargetSize {
			accum = combined
			continue
		}
		flush()
		accum = b
	}
	flush()

	return mergeTail(pieces, opts)
}

// splitBlocks cuts on blank lines, headings and speaker turns.
func splitBlocks(text string) []string {
	var blocks []string
	var current []string
	flush := func() {
		if t := strings.TrimSpace(strings.Join(current, "\n")); t != "" {
			blocks = append(blocks, t)
		}
		current = nil
	}
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "":
			flush()
			continue
		case strings.HasPrefix(trimmed, "#"), turnLine.MatchString(trimmed):
			flush()
		}
		current = append(current, line)
	}
	flush()
	return blocks
}

// hardSplit breaks an oversized block on line boundaries, and a single
// oversized line on word boundaries.
func hardSplit(text string, opts Options) []string {
	var out []string
	var cur strings.Builder
	emit := func() {
		if t := strings.TrimSpace(cur.String()); t != "" {
			out = append(out, t)
		}
		cur.Reset()
	}
	add := func(s, sep string) {
		if cur.Len() > 0 && cur.Len()+len(sep)+len(s) > opts.TargetSize {
			emit()
		}
		if cur.Len() > 0 {
			cur.WriteString(sep)
		}
		cur.WriteString(s)
	}

	for _, line := range strings.Split(text, "\n") {
		if len(line) <= opts.MaxSize {
			add(line, "\n")
			continue
		}
		emit()
		for _, w := range strings.Fields(line) {
			for len(w) > opts.MaxSize {
				emit()
				cut := runeBoundary(w, opts.MaxSize)
				out = append(out, w[:cut])
				w = w[cut:]
			}
			add(w, " ")
		}
		emit()
	}
	emit()
	return out
}

// runeBoundary returns the largest index <= n that does not split a UTF-8
// sequence.
func runeBoundary(s string, n int) int {
	for n > 0 && n < len(s) && s[n]&0xC0 == 0x80 {
		n--
	}
	return n
}

// mergeTail folds a final piece shorter than MinSize into its predecessor
// when the result still fits.
func mergeTail(pieces []string, opts Options) []string {
	if len(pieces) < 2 || opts.MinSize == 0 {
		return pieces
	}
	last := pieces[len(pieces)-1]
	prev := pieces[len(pieces)-2]
	if len(last) < opts.MinSize && len(prev)+2+len(last) <= opts.MaxSize {
		pieces[len(pieces)-2] = prev + "\n\n" + last
		pieces = pieces[:len(pieces)-1]
	}
	return pieces
}
