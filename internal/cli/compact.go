package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/rcliao/memcompact/internal/compactor"
)

func init() {
	cmd := &cobra.Command{
		Use:   "compact",
		Short: "Run one compaction pass",
		Long: "Read cache memory usage and execute the tier it selects. With --tier, execute that " +
			"tier regardless of usage. Tier3 and tier5 irreversibly clear or delete stored rows.",
		Run: runCompact,
	}

	cmd.Flags().String("tier", "", "Force a tier: tier1..tier5")

	RootCmd.AddCommand(cmd)
}

func runCompact(cmd *cobra.Command, args []string) {
	tierFlag, _ := cmd.Flags().GetString("tier")

	ctx := cmd.Context()
	s, err := openStore(ctx)
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()
	c, closeCache := openCache()
	defer closeCache()

	cp := newCompactor(c, s)

	var rep *compactor.Report
	if tierFlag != "" {
		tier, perr := compactor.ParseTier(tierFlag)
		if perr != nil || tier == compactor.TierNone {
			exitErr("compact", fmt.Errorf("invalid --tier %q", tierFlag))
		}
		rep, err = cp.Compact(ctx, tier)
	} else {
		rep, err = cp.Run(ctx)
	}
	if err != nil {
		exitErr("compact", err)
	}

	output(rep, func(w io.Writer) { printReport(w, rep) })
}

func printReport(w io.Writer, rep *compactor.Report) {
	if rep.Skipped != "" {
		fmt.Fprintf(w, "skipped: %s\n", rep.Skipped)
		return
	}
	fmt.Fprintf(w, "%s  ratio %.3f -> %.3f  (%dms)\n", rep.Tier, rep.RatioBefore, rep.RatioAfter, rep.DurationMS)
	fmt.Fprintf(w, "keys: scanned %d, compressed %d, rewritten %d, deleted %d, errors %d\n",
		rep.KeysScanned, rep.KeysCompressed, rep.KeysRewritten, rep.KeysDeleted, rep.KeyErrors)
	fmt.Fprintf(w, "rows: cleared %d, evicted %d\n", rep.RowsCleared, rep.RowsEvicted)
	if rep.StoreError != "" {
		fmt.Fprintf(w, "store error: %s\n", rep.StoreError)
	}
}
