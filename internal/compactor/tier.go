package compactor

import (
	"strconv"
	"strings"

	"github.com/m-mizutani/goerr/v2"
)

// Tier is one compaction escalation level. Higher tiers degrade more.
type Tier int

const (
	TierNone Tier = iota
	Tier1
	Tier2
	Tier3
	Tier4
	Tier5
)

// Tiers lists the actionable tiers in escalation order.
var Tiers = []Tier{Tier1, Tier2, Tier3, Tier4, Tier5}

func (t Tier) String() string {
	if t >= Tier1 && t <= Tier5 {
		return "tier" + strconv.Itoa(int(t))
	}
	return "none"
}

// MarshalText encodes the tier by name so reports read "tier3".
func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *Tier) UnmarshalText(b []byte) error {
	v, err := ParseTier(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// ParseTier accepts "tier3", "3" or "none".
func ParseTier(s string) (Tier, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "none" || s == "" {
		return TierNone, nil
	}
	n, err := strconv.Atoi(strings.TrimPrefix(s, "tier"))
	if err != nil || n < int(Tier1) || n > int(Tier5) {
		return TierNone, goerr.New("unknown tier", goerr.V("tier", s))
	}
	return Tier(n), nil
}

// Thresholds holds the minimum usage ratio of each tier, tier1 first.
type Thresholds [5]float64

// DefaultThresholds is the stock escalation table.
var DefaultThresholds = Thresholds{0.60, 0.70, 0.80, 0.90, 0.95}

// Of returns the threshold of t.
func (th Thresholds) Of(t Tier) float64 {
	if t < Tier1 || t > Tier5 {
		return 0
	}
	return th[t-1]
}

// Validate checks that thresholds are in (0, 1] and strictly ascending.
func (th Thresholds) Validate() error {
	prev := 0.0
	for i, v := range th {
		if v <= prev || v > 1 {
			return goerr.New("thresholds must be ascending within (0, 1]",
				goerr.V("tier", Tier(i+1).String()), goerr.V("threshold", v))
		}
		prev = v
	}
	return nil
}

// SelectTier returns the highest tier whose threshold does not exceed ratio,
// or TierNone when ratio is below every threshold.
func SelectTier(ratio float64, th Thresholds) Tier {
	for i := len(th) - 1; i >= 0; i-- {
		if ratio >= th[i] {
			return Tier(i + 1)
		}
	}
	return TierNone
}
