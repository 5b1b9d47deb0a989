package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/rcliao/memcompact/internal/aggregate"
)

func init() {
	cmd := &cobra.Command{
		Use:   "aggregate",
		Short: "Roll a session's unarchived chunks into one summary row",
		Run:   runAggregate,
	}

	cmd.Flags().StringP("session", "s", "", "Session id (required)")
	cmd.MarkFlagRequired("session")

	RootCmd.AddCommand(cmd)
}

func runAggregate(cmd *cobra.Command, args []string) {
	sessionID, _ := cmd.Flags().GetString("session")

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

	agg := &aggregate.Aggregator{
		Store:      s,
		Cache:      c,
		Embedder:   emb,
		Summarizer: newSummarizer(),
		MaxWords:   cfg.Compaction.MaxWords,
		SummaryTTL: cfg.Compaction.SummaryTTL,
	}
	res, err := agg.Aggregate(ctx, sessionID)
	if err != nil {
		exitErr("aggregate", err)
	}

	output(res, func(w io.Writer) {
		if res.RollupID == 0 {
			fmt.Fprintf(w, "nothing to aggregate for %s\n", sessionID)
			return
		}
		fmt.Fprintf(w, "rollup #%d archived %d chunk(s)\n%s\n", res.RollupID, len(res.Archived), res.Summary)
	})
}
