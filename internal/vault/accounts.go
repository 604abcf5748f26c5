package vault

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/shopspring/decimal"
)

var (
	VaultStateAccountDiscriminator  = [8]byte{0xe4, 0xc4, 0x52, 0xa5, 0x62, 0xd2, 0xeb, 0x98}
	UserDepositAccountDiscriminator = [8]byte{0x45, 0xee, 0x17, 0xd9, 0xff, 0x89, 0xb9, 0x23}

	ErrAccountDiscriminator = errors.New("unexpected account discriminator")
)

type VaultState struct {
	Admin         solana.PublicKey
	Mint          solana.PublicKey
	VaultBump     uint8
	StateBump     uint8
	TotalDeposits uint64
}

type UserDeposit struct {
	User      solana.PublicKey
	MarketID  string
	Side      Side
	Amount    uint64
	Timestamp int64
	Bump      uint8
}

func DecodeVaultState(data []byte) (*VaultState, error) {
	dec := bin.NewBorshDecoder(data)
	if err := readAccountDiscriminator(dec, VaultStateAccountDiscriminator); err != nil {
		return nil, fmt.Errorf("decode vault state: %w", err)
	}

	var out VaultState
	var err error
	if out.Admin, err = readPublicKey(dec); err != nil {
		return nil, fmt.Errorf("decode vault state admin: %w", err)
	}
	if out.Mint, err = readPublicKey(dec); err != nil {
		return nil, fmt.Errorf("decode vault state mint: %w", err)
	}
	if out.VaultBump, err = dec.ReadUint8(); err != nil {
		return nil, fmt.Errorf("decode vault state vault_bump: %w", err)
	}
	if out.StateBump, err = dec.ReadUint8(); err != nil {
		return nil, fmt.Errorf("decode vault state state_bump: %w", err)
	}
	if out.TotalDeposits, err = dec.ReadUint64(bin.LE); err != nil {
		return nil, fmt.Errorf("decode vault state total_deposits: %w", err)
	}
	return &out, nil
}

func DecodeUserDeposit(data []byte) (*UserDeposit, error) {
	dec := bin.NewBorshDecoder(data)
	if err := readAccountDiscriminator(dec, UserDepositAccountDiscriminator); err != nil {
		return nil, fmt.Errorf("decode user deposit: %w", err)
	}

	var out UserDeposit
	var err error
	if out.User, err = readPublicKey(dec); err != nil {
		return nil, fmt.Errorf("decode user deposit user: %w", err)
	}
	if out.MarketID, err = dec.ReadString(); err != nil {
		return nil, fmt.Errorf("decode user deposit market_id: %w", err)
	}
	side, err := dec.ReadUint8()
	if err != nil {
		return nil, fmt.Errorf("decode user deposit position: %w", err)
	}
	out.Side = Side(side)
	if !out.Side.Valid() {
		return nil, fmt.Errorf("decode user deposit position: %w: %d", ErrInvalidSideValue, side)
	}
	if out.Amount, err = dec.ReadUint64(bin.LE); err != nil {
		return nil, fmt.Errorf("decode user deposit amount: %w", err)
	}
	if out.Timestamp, err = dec.ReadInt64(bin.LE); err != nil {
		return nil, fmt.Errorf("decode user deposit timestamp: %w", err)
	}
	if out.Bump, err = dec.ReadUint8(); err != nil {
		return nil, fmt.Errorf("decode user deposit bump: %w", err)
	}
	return &out, nil
}

// VaultInitialized reports whether the vault state account exists.
func (b *Builder) VaultInitialized(ctx context.Context, net Network) (bool, error) {
	addrs, err := b.Addresses()
	if err != nil {
		return false, err
	}
	if _, err := fetchAccount(ctx, net, addrs.VaultState.Address, b.Commitment); err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("fetch vault state %s: %w", addrs.VaultState.Address, err)
	}
	return true, nil
}

func (b *Builder) FetchVaultState(ctx context.Context, net Network) (*VaultState, error) {
	addrs, err := b.Addresses()
	if err != nil {
		return nil, err
	}
	account, err := fetchAccount(ctx, net, addrs.VaultState.Address, b.Commitment)
	if err != nil {
		return nil, fmt.Errorf("fetch vault state %s: %w", addrs.VaultState.Address, err)
	}
	return DecodeVaultState(accountData(account))
}

func (b *Builder) FetchUserDeposit(ctx context.Context, net Network, user solana.PublicKey, marketID string, side Side) (*UserDeposit, error) {
	pda, err := DeriveUserDeposit(b.ProgramID, user, marketID, side)
	if err != nil {
		return nil, err
	}
	account, err := fetchAccount(ctx, net, pda.Address, b.Commitment)
	if err != nil {
		return nil, fmt.Errorf("fetch user deposit %s: %w", pda.Address, err)
	}
	return DecodeUserDeposit(accountData(account))
}

// TokenBalance reads the owner's stablecoin balance from their associated
// token account. A missing account is a zero balance.
func (b *Builder) TokenBalance(ctx context.Context, net Network, owner solana.PublicKey) (decimal.Decimal, error) {
	program := ResolveTokenProgram(ctx, net, b.Mint, b.Commitment)
	ata, err := DeriveAssociatedTokenAccount(owner, b.Mint, program)
	if err != nil {
		return decimal.Zero, err
	}
	amount, err := b.tokenAmount(ctx, net, ata.Address)
	if err != nil {
		return decimal.Zero, err
	}
	return FromBaseUnits(amount), nil
}

// VaultTotalDeposits is the pooled balance held by the vault token account.
func (b *Builder) VaultTotalDeposits(ctx context.Context, net Network) (decimal.Decimal, error) {
	addrs, err := b.Addresses()
	if err != nil {
		return decimal.Zero, err
	}
	amount, err := b.tokenAmount(ctx, net, addrs.Vault.Address)
	if err != nil {
		return decimal.Zero, err
	}
	return FromBaseUnits(amount), nil
}

func (b *Builder) tokenAmount(ctx context.Context, net Network, address solana.PublicKey) (uint64, error) {
	account, err := fetchAccount(ctx, net, address, b.Commitment)
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("fetch token account %s: %w", address, err)
	}
	var decoded token.Account
	if err := bin.NewBinDecoder(accountData(account)).Decode(&decoded); err != nil {
		return 0, fmt.Errorf("decode token account %s: %w", address, err)
	}
	if !decoded.Mint.Equals(b.Mint) {
		return 0, fmt.Errorf("token account %s holds mint %s, expected %s", address, decoded.Mint, b.Mint)
	}
	return decoded.Amount, nil
}

func readAccountDiscriminator(dec *bin.Decoder, want [8]byte) error {
	got, err := dec.ReadNBytes(8)
	if err != nil {
		return err
	}
	if !bytes.Equal(got, want[:]) {
		return fmt.Errorf("%w: %x", ErrAccountDiscriminator, got)
	}
	return nil
}

func readPublicKey(dec *bin.Decoder) (solana.PublicKey, error) {
	raw, err := dec.ReadNBytes(solana.PublicKeyLength)
	if err != nil {
		return solana.PublicKey{}, err
	}
	return solana.PublicKeyFromBytes(raw), nil
}
