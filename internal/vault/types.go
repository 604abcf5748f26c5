package vault

import (
	"fmt"
	"strings"

	"github.com/gagliardetto/solana-go"
)

// Side is the one-byte position code the program stores in UserDeposit.
type Side uint8

const (
	Affirmative Side = 0
	Negative    Side = 1
)

func (s Side) Valid() bool {
	return s == Affirmative || s == Negative
}

func (s Side) String() string {
	switch s {
	case Affirmative:
		return "YES"
	case Negative:
		return "NO"
	default:
		return fmt.Sprintf("Side(%d)", uint8(s))
	}
}

func (s Side) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid side %d", uint8(s))
	}
	return []byte(s.String()), nil
}

func (s *Side) UnmarshalText(text []byte) error {
	parsed, err := ParseSide(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

func ParseSide(raw string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "yes", "y", "affirmative", "0":
		return Affirmative, nil
	case "no", "n", "negative", "1":
		return Negative, nil
	default:
		return 0, fmt.Errorf("invalid side %q (expected yes|no)", raw)
	}
}

// TokenProgram selects which SPL token program governs the stablecoin mint.
// The two programs are not interchangeable: every account list built for one
// operation must name the same variant.
type TokenProgram uint8

const (
	// TokenProgram2022 is the newer Token-2022 program, tried first.
	TokenProgram2022 TokenProgram = iota + 1
	// TokenProgramLegacy is the first-generation SPL Token program.
	TokenProgramLegacy
)

func (p TokenProgram) Valid() bool {
	return p == TokenProgram2022 || p == TokenProgramLegacy
}

func (p TokenProgram) ProgramID() solana.PublicKey {
	switch p {
	case TokenProgram2022:
		return solana.Token2022ProgramID
	case TokenProgramLegacy:
		return solana.TokenProgramID
	default:
		return solana.PublicKey{}
	}
}

func (p TokenProgram) String() string {
	switch p {
	case TokenProgram2022:
		return "token-2022"
	case TokenProgramLegacy:
		return "token"
	default:
		return "unknown"
	}
}
