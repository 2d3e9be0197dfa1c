package monitor

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/rangewatch/internal/domain"
)

// Markers that identify each notification section.
const (
	MarkerMonitored    = "now being monitored"
	MarkerRangeChanged = "price range has changed significantly"
	MarkerEnteredRange = "back in range"
	MarkerExitedRange  = "out of range"
	MarkerOnChain      = "on-chain position changed"
)

// notificationSections evaluates every trigger independently and returns one
// section per trigger that fired. prev is the snapshot stored before this
// reconciliation.
func notificationSections(p domain.Position, prev *domain.StatusSnapshot, next domain.StatusSnapshot) []string {
	var sections []string

	if prev == nil {
		state := "outside"
		if next.BinInRange {
			state = "inside"
		}
		sections = append(sections, fmt.Sprintf(
			"🔍 Position is %s.\nActive bin %d is %s your range %d-%d at price %s.",
			MarkerMonitored, next.ActiveBin, state, p.LowerBinID, p.UpperBinID, formatPrice(next.CurrentPrice)))
	}

	if next.PriceRangeChanged {
		sections = append(sections, fmt.Sprintf(
			"⚠️ The %s.\nOriginal: %s - %s\nCurrent: %s - %s",
			MarkerRangeChanged,
			formatPrice(p.LowerPriceLimit), formatPrice(p.UpperPriceLimit),
			formatOptionalPrice(next.CurrentLowerPrice), formatOptionalPrice(next.CurrentUpperPrice)))
	}

	if prev != nil && prev.BinInRange != next.BinInRange {
		if next.BinInRange {
			sections = append(sections, fmt.Sprintf(
				"✅ Position is %s.\nActive bin %d is within %d-%d, your liquidity is earning fees again.",
				MarkerEnteredRange, next.ActiveBin, p.LowerBinID, p.UpperBinID))
		} else {
			sections = append(sections, fmt.Sprintf(
				"🚨 Position is %s.\nActive bin %d is outside %d-%d at price %s, your liquidity is not earning fees.",
				MarkerExitedRange, next.ActiveBin, p.LowerBinID, p.UpperBinID, formatPrice(next.CurrentPrice)))
		}
	}

	if prev != nil && prev.OnChain != nil && next.OnChain != nil {
		if delta := next.OnChain.Diff(*prev.OnChain); delta.Any() {
			sections = append(sections, fmt.Sprintf("📊 Your %s: %s.",
				MarkerOnChain, strings.Join(changedCategories(delta), ", ")))
		}
	}

	return sections
}

func changedCategories(d domain.OnChainDelta) []string {
	var out []string
	if d.Liquidity {
		out = append(out, "liquidity")
	}
	if d.Fees {
		out = append(out, "pending fees")
	}
	if d.ClaimedFees {
		out = append(out, "claimed fees")
	}
	if d.Rewards {
		out = append(out, "rewards")
	}
	return out
}

func renderMessage(p domain.Position, snap domain.StatusSnapshot, sections []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Position %s/%s\nPool: %s\n\n",
		p.TokenPair.X.Symbol, p.TokenPair.Y.Symbol, p.PoolAddress)
	b.WriteString(strings.Join(sections, "\n\n"))
	fmt.Fprintf(&b, "\n\nChecked at %s", snap.Timestamp.Format("2006-01-02 15:04:05 UTC"))
	return b.String()
}

func formatPrice(v float64) string {
	return decimal.NewFromFloat(v).Round(6).String()
}

func formatOptionalPrice(v *float64) string {
	if v == nil {
		return "n/a"
	}
	return formatPrice(*v)
}
