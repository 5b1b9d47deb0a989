package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show store statistics",
		Run:   runStats,
	}

	RootCmd.AddCommand(cmd)
}

func runStats(cmd *cobra.Command, args []string) {
	s, err := openStore(cmd.Context())
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	stats, err := s.Stats(cmd.Context())
	if err != nil {
		exitErr("stats", err)
	}

	output(stats, func(w io.Writer) {
		fmt.Fprintf(w, "backend:      %s\n", stats.Backend)
		fmt.Fprintf(w, "chunks:       %d\n", stats.Total)
		fmt.Fprintf(w, "sessions:     %d\n", stats.Sessions)
		fmt.Fprintf(w, "with vector:  %d (%.1f%%)\n", stats.WithVector, stats.Coverage*100)
		fmt.Fprintf(w, "with content: %d\n", stats.WithContent)
		fmt.Fprintf(w, "archived:     %d\n", stats.Archived)
		fmt.Fprintf(w, "aggregated:   %d\n", stats.Aggregated)
	})
}
