package vault

import (
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

const (
	vaultSeed       = "vault"
	vaultStateSeed  = "vault_state"
	userDepositSeed = "user_deposit"
)

var ErrSeedTooLong = errors.New("pda seed exceeds 32 bytes")

type DerivedAddress struct {
	Address solana.PublicKey
	Bump    uint8
}

func DeriveVault(programID, mint solana.PublicKey) (DerivedAddress, error) {
	return derive([][]byte{[]byte(vaultSeed), mint.Bytes()}, programID)
}

func DeriveVaultState(programID, mint solana.PublicKey) (DerivedAddress, error) {
	return derive([][]byte{[]byte(vaultStateSeed), mint.Bytes()}, programID)
}

// DeriveUserDeposit uses the raw market id bytes as a seed, so ids longer
// than solana.MaxSeedLength have no address even though the program accepts
// them in instruction data.
func DeriveUserDeposit(programID, user solana.PublicKey, marketID string, side Side) (DerivedAddress, error) {
	if !side.Valid() {
		return DerivedAddress{}, fmt.Errorf("derive user deposit: invalid side %d", uint8(side))
	}
	return derive([][]byte{
		[]byte(userDepositSeed),
		user.Bytes(),
		[]byte(marketID),
		{byte(side)},
	}, programID)
}

// DeriveAssociatedTokenAccount computes the canonical (owner, mint) token
// account for the given program variant. solana.FindAssociatedTokenAddress
// only covers the legacy program.
func DeriveAssociatedTokenAccount(owner, mint solana.PublicKey, program TokenProgram) (DerivedAddress, error) {
	if !program.Valid() {
		return DerivedAddress{}, fmt.Errorf("derive associated token account: unknown token program %d", uint8(program))
	}
	programID := program.ProgramID()
	return derive([][]byte{owner.Bytes(), programID.Bytes(), mint.Bytes()}, solana.SPLAssociatedTokenAccountProgramID)
}

// Addresses are the two per-mint accounts shared by every depositor.
type Addresses struct {
	Vault      DerivedAddress
	VaultState DerivedAddress
}

func DeriveAddresses(programID, mint solana.PublicKey) (Addresses, error) {
	vault, err := DeriveVault(programID, mint)
	if err != nil {
		return Addresses{}, fmt.Errorf("derive vault PDA: %w", err)
	}
	state, err := DeriveVaultState(programID, mint)
	if err != nil {
		return Addresses{}, fmt.Errorf("derive vault state PDA: %w", err)
	}
	return Addresses{Vault: vault, VaultState: state}, nil
}

func derive(seeds [][]byte, programID solana.PublicKey) (DerivedAddress, error) {
	for _, seed := range seeds {
		if len(seed) > solana.MaxSeedLength {
			return DerivedAddress{}, fmt.Errorf("%w: got %d", ErrSeedTooLong, len(seed))
		}
	}
	address, bump, err := solana.FindProgramAddress(seeds, programID)
	if err != nil {
		return DerivedAddress{}, err
	}
	return DerivedAddress{Address: address, Bump: bump}, nil
}
