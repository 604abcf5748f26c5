package apiserver

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/require"

	"github.com/umara25/PolyYield/internal/config"
	"github.com/umara25/PolyYield/internal/logging"
	"github.com/umara25/PolyYield/internal/positions"
	"github.com/umara25/PolyYield/internal/vault"
)

var (
	testProgramID = solana.MustPublicKeyFromBase58("F8gkLV5nMaCG16PQAwkKKsTdWC2yuPektUXAFHQF4Cds")
	testMint      = solana.MustPublicKeyFromBase58("4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU")
	testBlockhash = solana.HashFromBytes([]byte("api-server-test-blockhash-000000"))
)

type fakeNetwork struct {
	mu         sync.Mutex
	accounts   map[solana.PublicKey]*rpc.Account
	accountErr error
	submitted  []*solana.Transaction
	skipped    []bool
}

func newFakeNetwork() *fakeNetwork {
	f := &fakeNetwork{accounts: map[solana.PublicKey]*rpc.Account{}}
	mint := make([]byte, 82)
	mint[44] = vault.StablecoinDecimals
	mint[45] = 1
	f.accounts[testMint] = &rpc.Account{Owner: solana.TokenProgramID, Data: rpc.DataBytesOrJSONFromBytes(mint)}
	return f
}

func (f *fakeNetwork) GetAccountInfoWithOpts(_ context.Context, key solana.PublicKey, _ *rpc.GetAccountInfoOpts) (*rpc.GetAccountInfoResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.accountErr != nil {
		return nil, f.accountErr
	}
	account, ok := f.accounts[key]
	if !ok {
		return nil, rpc.ErrNotFound
	}
	return &rpc.GetAccountInfoResult{Value: account}, nil
}

func (f *fakeNetwork) GetLatestBlockhash(context.Context, rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error) {
	return &rpc.GetLatestBlockhashResult{Value: &rpc.LatestBlockhashResult{Blockhash: testBlockhash}}, nil
}

func (f *fakeNetwork) Submit(_ context.Context, tx *solana.Transaction, skipPreflight bool) (solana.Signature, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, tx)
	f.skipped = append(f.skipped, skipPreflight)
	return tx.Signatures[0], nil
}

func (f *fakeNetwork) Confirm(context.Context, solana.Signature) error {
	return nil
}

func (f *fakeNetwork) submissions() []*solana.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*solana.Transaction(nil), f.submitted...)
}

func (f *fakeNetwork) skippedPreflight() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bool(nil), f.skipped...)
}

// putVaultState marks the vault as initialized with the given admin.
func (f *fakeNetwork) putVaultState(t *testing.T, admin solana.PublicKey, totalDeposits uint64) {
	t.Helper()
	addrs, err := vault.DeriveAddresses(testProgramID, testMint)
	require.NoError(t, err)

	data := make([]byte, 0, 8+32+32+1+1+8)
	data = append(data, vault.VaultStateAccountDiscriminator[:]...)
	data = append(data, admin[:]...)
	data = append(data, testMint[:]...)
	data = append(data, addrs.Vault.Bump, addrs.VaultState.Bump)
	data = binary.LittleEndian.AppendUint64(data, totalDeposits)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts[addrs.VaultState.Address] = &rpc.Account{Owner: testProgramID, Data: rpc.DataBytesOrJSONFromBytes(data)}
}

func (f *fakeNetwork) putTokenAccount(t *testing.T, address, owner solana.PublicKey, amount uint64) {
	t.Helper()
	data := make([]byte, 165)
	copy(data[0:32], testMint[:])
	copy(data[32:64], owner[:])
	binary.LittleEndian.PutUint64(data[64:72], amount)
	data[108] = 1

	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts[address] = &rpc.Account{Owner: solana.TokenProgramID, Data: rpc.DataBytesOrJSONFromBytes(data)}
}

func (f *fakeNetwork) fundWallet(t *testing.T, owner solana.PublicKey, amount uint64) {
	t.Helper()
	ata, err := vault.DeriveAssociatedTokenAccount(owner, testMint, vault.TokenProgramLegacy)
	require.NoError(t, err)
	f.putTokenAccount(t, ata.Address, owner, amount)
}

func newTestService(t *testing.T, net *fakeNetwork) *Service {
	t.Helper()
	backend, err := positions.NewLocalBackend(t.TempDir())
	require.NoError(t, err)

	cfg := config.APIServerConfig{
		SignTimeout: 5 * time.Second,
		Chain:       config.ChainConfig{Commitment: rpc.CommitmentConfirmed},
		Vault:       config.VaultConfig{ProgramID: testProgramID, Mint: testMint},
	}
	svc := newService(cfg, logging.Discard(), net, positions.NewStore(backend, positions.ModeLocal))
	t.Cleanup(func() { _ = svc.store.Close() })
	return svc
}
