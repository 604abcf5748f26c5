package positions

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/umara25/PolyYield/internal/vault"
)

func TestSummarizeProjectsYieldOverActivePositions(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	day := 24 * time.Hour
	positions := []MarketPosition{
		{Principal: decimal.NewFromInt(100), CreatedAt: now.Add(-30 * day), Status: StatusActive, Side: vault.Affirmative},
		{Principal: decimal.NewFromInt(200), CreatedAt: now.Add(-60 * day), Status: StatusActive, Side: vault.Negative},
		{Principal: decimal.NewFromInt(500), CreatedAt: now.Add(-90 * day), Status: StatusClaimed},
	}

	got := Summarize(positions, now)

	// 100*0.12*30/365 + 200*0.12*60/365
	wantYield := decimal.RequireFromString("4.931506849315068")
	tolerance := decimal.New(1, -9)

	assert.Equal(t, "300", got.TotalPrincipal.String())
	assert.True(t, got.ProjectedYield.Sub(wantYield).Abs().LessThan(tolerance), "yield %s", got.ProjectedYield)
	assert.True(t, got.TotalValue.Sub(decimal.NewFromInt(300).Add(wantYield)).Abs().LessThan(tolerance), "value %s", got.TotalValue)
	assert.Equal(t, 2, got.ActiveCount)
	assert.Equal(t, 1, got.SettledCount)
}

func TestSummarizeClampsFutureTimestamps(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	got := Summarize([]MarketPosition{
		{Principal: decimal.NewFromInt(50), CreatedAt: now.Add(time.Hour), Status: StatusActive},
	}, now)

	assert.True(t, got.ProjectedYield.IsZero())
	assert.Equal(t, "50", got.TotalValue.String())
}

func TestSummarizeEmpty(t *testing.T) {
	got := Summarize(nil, time.Now())
	assert.True(t, got.TotalPrincipal.IsZero())
	assert.True(t, got.ProjectedYield.IsZero())
	assert.True(t, got.TotalValue.IsZero())
	assert.Zero(t, got.ActiveCount)
}
