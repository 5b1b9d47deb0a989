package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rcliao/memcompact/internal/ingest"
	"github.com/rcliao/memcompact/internal/model"
)

func init() {
	cmd := &cobra.Command{
		Use:   "store [content]",
		Short: "Store memory for a session",
		Long:  "Store memory. Content can be a positional arg or piped via stdin. Long content is split into several chunks.",
		Run:   runStore,
	}

	cmd.Flags().StringP("session", "s", "", "Session id (required)")
	cmd.Flags().String("summary", "", "Summary (default: generated by the summarizer chain)")
	cmd.Flags().Float64("importance", -1, "Importance in [0,1] (default: scored by the model, else 0.5)")

	cmd.MarkFlagRequired("session")

	RootCmd.AddCommand(cmd)
}

func runStore(cmd *cobra.Command, args []string) {
	sessionID, _ := cmd.Flags().GetString("session")
	summary, _ := cmd.Flags().GetString("summary")
	importance, _ := cmd.Flags().GetFloat64("importance")

	// Get content: positional arg first, then check stdin
	var content string
	if len(args) > 0 {
		content = strings.Join(args, " ")
	} else {
		stat, _ := os.Stdin.Stat()
		if (stat.Mode() & os.ModeCharDevice) == 0 {
			b, err := io.ReadAll(os.Stdin)
			if err != nil {
				exitErr("read stdin", err)
			}
			content = string(b)
		}
	}
	if strings.TrimSpace(content) == "" && strings.TrimSpace(summary) == "" {
		exitErr("store", fmt.Errorf("content is required (positional arg or stdin)"))
	}

	p := ingest.Params{SessionID: sessionID, Content: strings.TrimSpace(content), Summary: summary}
	if cmd.Flags().Changed("importance") {
		if importance < 0 || importance > 1 {
			exitErr("store", fmt.Errorf("importance must be within [0,1], got %v", importance))
		}
		p.Importance = model.Float(importance)
	}

	ctx := cmd.Context()
	s, err := openStore(ctx)
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()
	c, closeCache := openCache()
	defer closeCache()
	emb, err := newEmbedder()
	if err != nil {
		exitErr("embedding provider", err)
	}

	svc := &ingest.Service{
		Store:      s,
		Cache:      c,
		Embedder:   emb,
		Summarizer: newSummarizer(),
		Scorer:     newScorer(),
		SummaryTTL: cfg.Compaction.SummaryTTL,
	}
	res, err := svc.Ingest(ctx, p)
	if err != nil {
		exitErr("store", err)
	}

	output(res, func(w io.Writer) {
		fmt.Fprintf(w, "stored %d chunk(s) for %s, %d embedded\n", len(res.IDs), sessionID, res.Embedded)
	})
}
