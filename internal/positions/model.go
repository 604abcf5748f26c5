package positions

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"

	"github.com/umara25/PolyYield/internal/vault"
)

var (
	ErrNotFound          = errors.New("position not found")
	ErrInvalidTransition = errors.New("invalid position status transition")
	ErrInvalidPosition   = errors.New("invalid position")
)

type Status string

const (
	StatusActive   Status = "active"
	StatusClaimed  Status = "claimed"
	StatusRefunded Status = "refunded"
)

func ParseStatus(raw string) (Status, error) {
	status := Status(strings.ToLower(strings.TrimSpace(raw)))
	switch status {
	case StatusActive, StatusClaimed, StatusRefunded:
		return status, nil
	default:
		return "", fmt.Errorf("unknown position status %q (expected active|claimed|refunded)", raw)
	}
}

// CanTransitionTo reports whether a position may move from s to next.
// Settlement is one-way: only active positions change, and only to a
// terminal status.
func (s Status) CanTransitionTo(next Status) bool {
	return s == StatusActive && (next == StatusClaimed || next == StatusRefunded)
}

// MarketPosition is the off-chain record of one confirmed deposit. Several
// records may share an (owner, market, side).
type MarketPosition struct {
	ID                   string          `json:"id"`
	Owner                string          `json:"wallet_address"`
	MarketID             string          `json:"market_id"`
	MarketQuestion       string          `json:"market_question"`
	Side                 vault.Side      `json:"position"`
	Principal            decimal.Decimal `json:"amount"`
	TransactionSignature string          `json:"transaction_signature,omitempty"`
	CreatedAt            time.Time       `json:"timestamp"`
	ExpiresAt            time.Time       `json:"expiry_timestamp"`
	Status               Status          `json:"status"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

type CreateParams struct {
	Owner                string
	MarketID             string
	MarketQuestion       string
	Side                 vault.Side
	Principal            decimal.Decimal
	TransactionSignature string
	CreatedAt            time.Time
	ExpiresAt            time.Time
}

func (p CreateParams) Validate() error {
	if _, err := solana.PublicKeyFromBase58(p.Owner); err != nil {
		return fmt.Errorf("%w: owner %q: %v", ErrInvalidPosition, p.Owner, err)
	}
	if strings.TrimSpace(p.MarketID) == "" {
		return fmt.Errorf("%w: market id is required", ErrInvalidPosition)
	}
	if !p.Side.Valid() {
		return fmt.Errorf("%w: side %d", ErrInvalidPosition, p.Side)
	}
	if !p.Principal.IsPositive() {
		return fmt.Errorf("%w: principal must be > 0, got %s", ErrInvalidPosition, p.Principal)
	}
	if p.CreatedAt.IsZero() {
		return fmt.Errorf("%w: created at is required", ErrInvalidPosition)
	}
	return nil
}

func (p CreateParams) position(id string, now time.Time) MarketPosition {
	return MarketPosition{
		ID:                   id,
		Owner:                p.Owner,
		MarketID:             p.MarketID,
		MarketQuestion:       p.MarketQuestion,
		Side:                 p.Side,
		Principal:            p.Principal,
		TransactionSignature: p.TransactionSignature,
		CreatedAt:            p.CreatedAt.UTC(),
		ExpiresAt:            p.ExpiresAt.UTC(),
		Status:               StatusActive,
		UpdatedAt:            now.UTC(),
	}
}
