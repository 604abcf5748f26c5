package vault

import (
	"errors"
	"math"
	"math/big"

	"github.com/shopspring/decimal"
)

// StablecoinDecimals is fixed by the mint.
const StablecoinDecimals = 6

var (
	ErrAmountOverflow = errors.New("amount exceeds u64 base units")
	ErrNegativeAmount = errors.New("amount must not be negative")

	maxBaseUnits = decimal.NewFromBigInt(new(big.Int).SetUint64(math.MaxUint64), 0)
)

// ToBaseUnits scales a display amount by 10^6 and rounds to the nearest
// integer. Values that do not fit in a u64 are rejected, never wrapped.
func ToBaseUnits(amount decimal.Decimal) (uint64, error) {
	if amount.IsNegative() {
		return 0, ErrNegativeAmount
	}
	scaled := amount.Shift(StablecoinDecimals).Round(0)
	if scaled.GreaterThan(maxBaseUnits) {
		return 0, ErrAmountOverflow
	}
	return scaled.BigInt().Uint64(), nil
}

func FromBaseUnits(units uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(units), -StablecoinDecimals)
}
