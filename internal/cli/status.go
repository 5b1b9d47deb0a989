package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/rcliao/memcompact/internal/compactor"
)

func init() {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show cache usage and the tier it selects",
		Run:   runStatus,
	}

	RootCmd.AddCommand(cmd)
}

type tierRow struct {
	Tier      compactor.Tier `json:"tier"`
	Threshold float64        `json:"threshold"`
}

type statusView struct {
	UsedBytes int64          `json:"used_bytes"`
	MaxBytes  int64          `json:"max_bytes"`
	Ratio     float64        `json:"ratio"`
	Tier      compactor.Tier `json:"tier"`
	Tiers     []tierRow      `json:"tiers"`
}

func runStatus(cmd *cobra.Command, args []string) {
	c, closeCache := openCache()
	defer closeCache()

	cp := newCompactor(c, nil)
	u, err := cp.Usage(cmd.Context())
	if err != nil {
		exitErr("status", err)
	}

	th := cp.Thresholds()
	v := statusView{
		UsedBytes: u.Used,
		MaxBytes:  u.Max,
		Ratio:     u.Ratio(),
		Tier:      compactor.SelectTier(u.Ratio(), th),
	}
	for _, t := range compactor.Tiers {
		v.Tiers = append(v.Tiers, tierRow{Tier: t, Threshold: th.Of(t)})
	}

	output(v, func(w io.Writer) {
		fmt.Fprintf(w, "used %d / max %d bytes (ratio %.3f)\n", v.UsedBytes, v.MaxBytes, v.Ratio)
		for _, r := range v.Tiers {
			marker := " "
			if r.Tier == v.Tier {
				marker = "*"
			}
			fmt.Fprintf(w, "%s %s  >= %.2f\n", marker, r.Tier, r.Threshold)
		}
	})
}
