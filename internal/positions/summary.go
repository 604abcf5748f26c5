package positions

import (
	"time"

	"github.com/shopspring/decimal"
)

// ProjectedAPY drives the display-only yield projection. It never feeds
// into payouts.
var ProjectedAPY = decimal.RequireFromString("0.12")

const yearDuration = 365 * 24 * time.Hour

type Summary struct {
	TotalPrincipal decimal.Decimal `json:"total_principal"`
	ProjectedYield decimal.Decimal `json:"projected_yield"`
	TotalValue     decimal.Decimal `json:"total_value"`
	ActiveCount    int             `json:"active_count"`
	SettledCount   int             `json:"settled_count"`
}

type Portfolio struct {
	Positions []MarketPosition `json:"positions"`
	Summary   Summary          `json:"summary"`
}

// Summarize aggregates active positions as of now. Settled positions are
// only counted.
func Summarize(positions []MarketPosition, now time.Time) Summary {
	out := Summary{
		TotalPrincipal: decimal.Zero,
		ProjectedYield: decimal.Zero,
	}
	year := decimal.NewFromInt(int64(yearDuration))

	for _, position := range positions {
		if position.Status != StatusActive {
			out.SettledCount++
			continue
		}
		out.ActiveCount++
		out.TotalPrincipal = out.TotalPrincipal.Add(position.Principal)

		elapsed := now.Sub(position.CreatedAt)
		if elapsed <= 0 {
			continue
		}
		fraction := decimal.NewFromInt(int64(elapsed)).Div(year)
		out.ProjectedYield = out.ProjectedYield.Add(position.Principal.Mul(ProjectedAPY).Mul(fraction))
	}

	out.TotalValue = out.TotalPrincipal.Add(out.ProjectedYield)
	return out
}

func newPortfolio(positions []MarketPosition, now time.Time) Portfolio {
	if positions == nil {
		positions = []MarketPosition{}
	}
	return Portfolio{Positions: positions, Summary: Summarize(positions, now)}
}
