package vault

import (
	"bytes"
	"errors"
	"fmt"

	bin "github.com/gagliardetto/binary"
)

// InstructionSetVersion names the program build the discriminators below
// were taken from. Bump it together with the constants.
const InstructionSetVersion = "polyield_vault/0.1.0"

var (
	InitializeDiscriminator = [8]byte{175, 175, 109, 31, 13, 152, 155, 237}
	DepositDiscriminator    = [8]byte{242, 35, 198, 137, 82, 225, 242, 182}
	WithdrawDiscriminator   = [8]byte{183, 18, 70, 156, 148, 109, 161, 34}
)

// MaxMarketIDLength mirrors the program's own bound on the market_id argument.
const MaxMarketIDLength = 64

var (
	ErrEmptyMarketID    = errors.New("market id is required")
	ErrMarketIDTooLong  = fmt.Errorf("market id exceeds %d bytes", MaxMarketIDLength)
	ErrZeroAmount       = errors.New("amount must be greater than 0")
	ErrInvalidSideValue = errors.New("invalid side")
)

func EncodeInitialize() []byte {
	out := make([]byte, len(InitializeDiscriminator))
	copy(out, InitializeDiscriminator[:])
	return out
}

// EncodeDeposit lays out discriminator, u64 amount, u32-prefixed market id
// and the side byte, all little-endian.
func EncodeDeposit(baseUnits uint64, marketID string, side Side) ([]byte, error) {
	if baseUnits == 0 {
		return nil, ErrZeroAmount
	}
	if err := ValidateMarketID(marketID); err != nil {
		return nil, err
	}
	if !side.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSideValue, uint8(side))
	}

	buf := new(bytes.Buffer)
	buf.Grow(8 + 8 + 4 + len(marketID) + 1)
	enc := bin.NewBorshEncoder(buf)
	if err := enc.WriteBytes(DepositDiscriminator[:], false); err != nil {
		return nil, fmt.Errorf("encode deposit discriminator: %w", err)
	}
	if err := enc.WriteUint64(baseUnits, bin.LE); err != nil {
		return nil, fmt.Errorf("encode deposit amount: %w", err)
	}
	if err := enc.WriteString(marketID); err != nil {
		return nil, fmt.Errorf("encode deposit market id: %w", err)
	}
	if err := enc.WriteUint8(uint8(side)); err != nil {
		return nil, fmt.Errorf("encode deposit side: %w", err)
	}
	return buf.Bytes(), nil
}

func EncodeWithdraw(baseUnits uint64) ([]byte, error) {
	if baseUnits == 0 {
		return nil, ErrZeroAmount
	}
	buf := new(bytes.Buffer)
	enc := bin.NewBorshEncoder(buf)
	if err := enc.WriteBytes(WithdrawDiscriminator[:], false); err != nil {
		return nil, fmt.Errorf("encode withdraw discriminator: %w", err)
	}
	if err := enc.WriteUint64(baseUnits, bin.LE); err != nil {
		return nil, fmt.Errorf("encode withdraw amount: %w", err)
	}
	return buf.Bytes(), nil
}

func ValidateMarketID(marketID string) error {
	if marketID == "" {
		return ErrEmptyMarketID
	}
	if len(marketID) > MaxMarketIDLength {
		return fmt.Errorf("%w: got %d", ErrMarketIDTooLong, len(marketID))
	}
	return nil
}
