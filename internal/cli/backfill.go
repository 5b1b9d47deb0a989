package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/rcliao/memcompact/internal/backfill"
	"github.com/rcliao/memcompact/internal/embedding"
)

func init() {
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Embed chunks that have no vector yet",
		Run:   runBackfill,
	}

	cmd.Flags().Int("batch", 0, "Rows per batch (default from config)")
	cmd.Flags().Float64("rate", 0, "Max embedding calls per second, 0 for unlimited (default from config)")

	RootCmd.AddCommand(cmd)
}

func runBackfill(cmd *cobra.Command, args []string) {
	batch, _ := cmd.Flags().GetInt("batch")
	rate, _ := cmd.Flags().GetFloat64("rate")
	if batch <= 0 {
		batch = cfg.Backfill.BatchSize
	}
	if !cmd.Flags().Changed("rate") {
		rate = cfg.Backfill.RatePerSecond
	}

	ctx := cmd.Context()
	s, err := openStore(ctx)
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()
	emb, err := newEmbedder()
	if err != nil {
		exitErr("embedding provider", err)
	}
	if emb == nil {
		exitErr("backfill", embedding.ErrEmbeddingUnavailable)
	}

	res, err := backfill.New(s, emb, backfill.WithBatchSize(batch), backfill.WithRate(rate)).Run(ctx)
	if err != nil {
		exitErr("backfill", err)
	}

	output(res, func(w io.Writer) {
		fmt.Fprintf(w, "updated %d, failed %d, skipped %d in %s\n", res.Updated, res.Failed, res.Skipped, res.Duration)
	})
}
