package vault

import (
	"context"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/shopspring/decimal"
)

var ErrMissingPayer = errors.New("payer public key is required")

// PendingTransaction is an unsigned transaction together with the accounts
// it was built against. It is handed to a signer and then dropped.
type PendingTransaction struct {
	Tx                  *solana.Transaction
	Payer               solana.PublicKey
	Vault               solana.PublicKey
	VaultState          solana.PublicKey
	UserDeposit         solana.PublicKey
	TokenAccount        TokenAccount
	CreatesTokenAccount bool
	BaseUnits           uint64
}

type Builder struct {
	ProgramID  solana.PublicKey
	Mint       solana.PublicKey
	Commitment rpc.CommitmentType
}

func NewBuilder(programID, mint solana.PublicKey, commitment rpc.CommitmentType) *Builder {
	return &Builder{ProgramID: programID, Mint: mint, Commitment: commitment}
}

func (b *Builder) Addresses() (Addresses, error) {
	return DeriveAddresses(b.ProgramID, b.Mint)
}

// BuildDeposit composes the deposit transaction for payer. When the payer has
// no associated token account yet, a create instruction is prepended.
func (b *Builder) BuildDeposit(ctx context.Context, net Network, payer solana.PublicKey, amount decimal.Decimal, marketID string, side Side) (*PendingTransaction, error) {
	baseUnits, err := ToBaseUnits(amount)
	if err != nil {
		return nil, err
	}
	data, err := EncodeDeposit(baseUnits, marketID, side)
	if err != nil {
		return nil, err
	}
	return b.buildUserTransaction(ctx, net, payer, baseUnits, marketID, side, data)
}

// BuildWithdraw takes the same account list as BuildDeposit; the deposit
// record is selected by (marketID, side).
func (b *Builder) BuildWithdraw(ctx context.Context, net Network, user solana.PublicKey, amount decimal.Decimal, marketID string, side Side) (*PendingTransaction, error) {
	baseUnits, err := ToBaseUnits(amount)
	if err != nil {
		return nil, err
	}
	if err := ValidateMarketID(marketID); err != nil {
		return nil, err
	}
	data, err := EncodeWithdraw(baseUnits)
	if err != nil {
		return nil, err
	}
	return b.buildUserTransaction(ctx, net, user, baseUnits, marketID, side, data)
}

func (b *Builder) BuildInitialize(ctx context.Context, net Network, admin solana.PublicKey) (*PendingTransaction, error) {
	if admin.IsZero() {
		return nil, ErrMissingPayer
	}
	addrs, err := b.Addresses()
	if err != nil {
		return nil, err
	}
	program := ResolveTokenProgram(ctx, net, b.Mint, b.Commitment)

	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(admin, true, true),
		solana.NewAccountMeta(b.Mint, false, false),
		solana.NewAccountMeta(addrs.VaultState.Address, true, false),
		solana.NewAccountMeta(addrs.Vault.Address, true, false),
		solana.NewAccountMeta(program.ProgramID(), false, false),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
	}
	ix := solana.NewInstruction(b.ProgramID, accounts, EncodeInitialize())

	tx, err := b.stamp(ctx, net, []solana.Instruction{ix}, admin)
	if err != nil {
		return nil, err
	}
	return &PendingTransaction{
		Tx:           tx,
		Payer:        admin,
		Vault:        addrs.Vault.Address,
		VaultState:   addrs.VaultState.Address,
		TokenAccount: TokenAccount{Program: program},
	}, nil
}

func (b *Builder) buildUserTransaction(
	ctx context.Context,
	net Network,
	user solana.PublicKey,
	baseUnits uint64,
	marketID string,
	side Side,
	data []byte,
) (*PendingTransaction, error) {
	if user.IsZero() {
		return nil, ErrMissingPayer
	}

	addrs, err := b.Addresses()
	if err != nil {
		return nil, err
	}
	userDeposit, err := DeriveUserDeposit(b.ProgramID, user, marketID, side)
	if err != nil {
		return nil, fmt.Errorf("derive user deposit PDA: %w", err)
	}
	tokenAccount, err := ResolveTokenAccount(ctx, net, b.Mint, user, b.Commitment)
	if err != nil {
		return nil, err
	}

	instructions := make([]solana.Instruction, 0, 2)
	if !tokenAccount.Exists {
		instructions = append(instructions, NewCreateAssociatedTokenAccountInstruction(
			user,
			tokenAccount.Address,
			user,
			b.Mint,
			tokenAccount.Program,
		))
	}

	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(user, true, true),
		solana.NewAccountMeta(b.Mint, false, false),
		solana.NewAccountMeta(addrs.VaultState.Address, true, false),
		solana.NewAccountMeta(addrs.Vault.Address, true, false),
		solana.NewAccountMeta(tokenAccount.Address, true, false),
		solana.NewAccountMeta(userDeposit.Address, true, false),
		solana.NewAccountMeta(tokenAccount.Program.ProgramID(), false, false),
		solana.NewAccountMeta(solana.SPLAssociatedTokenAccountProgramID, false, false),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
	}
	instructions = append(instructions, solana.NewInstruction(b.ProgramID, accounts, data))

	tx, err := b.stamp(ctx, net, instructions, user)
	if err != nil {
		return nil, err
	}

	return &PendingTransaction{
		Tx:                  tx,
		Payer:               user,
		Vault:               addrs.Vault.Address,
		VaultState:          addrs.VaultState.Address,
		UserDeposit:         userDeposit.Address,
		TokenAccount:        tokenAccount,
		CreatesTokenAccount: !tokenAccount.Exists,
		BaseUnits:           baseUnits,
	}, nil
}

// NewCreateAssociatedTokenAccountInstruction targets the associated token
// account program with the given token program variant. The legacy builder in
// solana-go hardcodes the legacy token program.
func NewCreateAssociatedTokenAccountInstruction(payer, account, owner, mint solana.PublicKey, program TokenProgram) solana.Instruction {
	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(payer, true, true),
		solana.NewAccountMeta(account, true, false),
		solana.NewAccountMeta(owner, false, false),
		solana.NewAccountMeta(mint, false, false),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
		solana.NewAccountMeta(program.ProgramID(), false, false),
	}
	return solana.NewInstruction(solana.SPLAssociatedTokenAccountProgramID, accounts, []byte{})
}

func (b *Builder) stamp(ctx context.Context, net Network, instructions []solana.Instruction, payer solana.PublicKey) (*solana.Transaction, error) {
	recent, err := net.GetLatestBlockhash(ctx, b.Commitment)
	if err != nil {
		return nil, fmt.Errorf("get latest blockhash: %w", err)
	}
	if recent == nil || recent.Value == nil {
		return nil, fmt.Errorf("get latest blockhash: empty response")
	}

	tx, err := solana.NewTransaction(
		instructions,
		recent.Value.Blockhash,
		solana.TransactionPayer(payer),
	)
	if err != nil {
		return nil, fmt.Errorf("build transaction: %w", err)
	}
	return tx, nil
}
