package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rcliao/memcompact/internal/model"
	"github.com/rcliao/memcompact/internal/search"
)

func init() {
	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Search memory by similarity",
		Long:  "Embed the query and rank stored chunks by cosine similarity. Results are cached per query text.",
		Args:  cobra.MinimumNArgs(1),
		Run:   runSearch,
	}

	cmd.Flags().IntP("top-k", "k", 0, "Max results (default from config)")
	cmd.Flags().Float64("min-score", -2, "Minimum similarity score (default from config)")

	RootCmd.AddCommand(cmd)
}

func runSearch(cmd *cobra.Command, args []string) {
	topK, _ := cmd.Flags().GetInt("top-k")
	minScore, _ := cmd.Flags().GetFloat64("min-score")
	if topK <= 0 {
		topK = cfg.Search.TopK
	}
	if !cmd.Flags().Changed("min-score") {
		minScore = cfg.Search.MinScore
	}
	query := strings.Join(args, " ")
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

	svc := &search.Service{Store: s, Cache: c, Embedder: emb, TTL: cfg.Search.TTL}
	hits, err := svc.Search(ctx, query, topK, minScore)
	if err != nil {
		exitErr("search", err)
	}
	if hits == nil {
		hits = []model.Hit{}
	}

	output(hits, func(w io.Writer) {
		for _, h := range hits {
			fmt.Fprintf(w, "%.4f  #%d  [%s]  %s\n", h.Score, h.ID, h.SessionID, oneLine(h.Text(), 100))
		}
	})
}

func oneLine(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > n {
		return string(r[:n]) + "..."
	}
	return s
}
