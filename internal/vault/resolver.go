package vault

import (
	"context"
	"errors"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
)

// Network is the read side of the RPC client used while building
// transactions. *rpc.Client satisfies it.
type Network interface {
	GetAccountInfoWithOpts(ctx context.Context, account solana.PublicKey, opts *rpc.GetAccountInfoOpts) (*rpc.GetAccountInfoResult, error)
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
}

type TokenAccount struct {
	Address solana.PublicKey
	Exists  bool
	Program TokenProgram
}

// ResolveTokenProgram looks up the mint under Token-2022 and falls back to the
// legacy program on any failure. The fallback is silent: an unreadable mint
// under Token-2022 only means the legacy program governs it.
func ResolveTokenProgram(ctx context.Context, net Network, mint solana.PublicKey, commitment rpc.CommitmentType) TokenProgram {
	account, err := fetchAccount(ctx, net, mint, commitment)
	if err != nil {
		return TokenProgramLegacy
	}
	if !account.Owner.Equals(solana.Token2022ProgramID) {
		return TokenProgramLegacy
	}
	var decoded token.Mint
	if err := bin.NewBinDecoder(accountData(account)).Decode(&decoded); err != nil {
		return TokenProgramLegacy
	}
	return TokenProgram2022
}

// ResolveTokenAccount returns the owner's associated account for mint under
// the governing token program. A missing account is reported through Exists;
// any other read failure is returned.
func ResolveTokenAccount(ctx context.Context, net Network, mint, owner solana.PublicKey, commitment rpc.CommitmentType) (TokenAccount, error) {
	program := ResolveTokenProgram(ctx, net, mint, commitment)
	return resolveTokenAccountFor(ctx, net, mint, owner, program, commitment)
}

func resolveTokenAccountFor(ctx context.Context, net Network, mint, owner solana.PublicKey, program TokenProgram, commitment rpc.CommitmentType) (TokenAccount, error) {
	ata, err := DeriveAssociatedTokenAccount(owner, mint, program)
	if err != nil {
		return TokenAccount{}, err
	}

	resolved := TokenAccount{Address: ata.Address, Program: program}
	if _, err := fetchAccount(ctx, net, ata.Address, commitment); err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return resolved, nil
		}
		return TokenAccount{}, fmt.Errorf("fetch token account %s: %w", ata.Address, err)
	}
	resolved.Exists = true
	return resolved, nil
}

func fetchAccount(ctx context.Context, net Network, key solana.PublicKey, commitment rpc.CommitmentType) (*rpc.Account, error) {
	resp, err := net.GetAccountInfoWithOpts(ctx, key, &rpc.GetAccountInfoOpts{Commitment: commitment})
	if err != nil {
		return nil, err
	}
	if resp == nil || resp.Value == nil {
		return nil, rpc.ErrNotFound
	}
	return resp.Value, nil
}

func accountData(account *rpc.Account) []byte {
	if account == nil || account.Data == nil {
		return nil
	}
	return account.Data.GetBinary()
}
