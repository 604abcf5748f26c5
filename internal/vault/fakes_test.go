package vault

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/require"
)

var (
	testProgramID = solana.MustPublicKeyFromBase58("F8gkLV5nMaCG16PQAwkKKsTdWC2yuPektUXAFHQF4Cds")
	testMint      = solana.MustPublicKeyFromBase58("4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU")
	testUser      = solana.MustPublicKeyFromBase58("GpMobZUKPtEE1eiZQAADo2ecD54JXhNHPNts5kPGwLtb")
	testBlockhash = solana.HashFromBytes([]byte("recent-blockhash-for-vault-tests"))
)

type fakeNetwork struct {
	mu             sync.Mutex
	accounts       map[solana.PublicKey]*rpc.Account
	accountErrs    map[solana.PublicKey]error
	blockhashErr   error
	accountCalls   int
	blockhashCalls int
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{
		accounts:    map[solana.PublicKey]*rpc.Account{},
		accountErrs: map[solana.PublicKey]error{},
	}
}

func (f *fakeNetwork) GetAccountInfoWithOpts(_ context.Context, key solana.PublicKey, _ *rpc.GetAccountInfoOpts) (*rpc.GetAccountInfoResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accountCalls++
	if err := f.accountErrs[key]; err != nil {
		return nil, err
	}
	account, ok := f.accounts[key]
	if !ok {
		return nil, rpc.ErrNotFound
	}
	return &rpc.GetAccountInfoResult{Value: account}, nil
}

func (f *fakeNetwork) GetLatestBlockhash(_ context.Context, _ rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blockhashCalls++
	if f.blockhashErr != nil {
		return nil, f.blockhashErr
	}
	return &rpc.GetLatestBlockhashResult{Value: &rpc.LatestBlockhashResult{Blockhash: testBlockhash}}, nil
}

func (f *fakeNetwork) putMint(mint solana.PublicKey, program TokenProgram) {
	data := make([]byte, 82)
	data[44] = StablecoinDecimals
	data[45] = 1
	f.accounts[mint] = &rpc.Account{Owner: program.ProgramID(), Data: rpc.DataBytesOrJSONFromBytes(data)}
}

func (f *fakeNetwork) putTokenAccount(address, mint, owner solana.PublicKey, program TokenProgram, amount uint64) {
	data := make([]byte, 165)
	copy(data[0:32], mint[:])
	copy(data[32:64], owner[:])
	binary.LittleEndian.PutUint64(data[64:72], amount)
	data[108] = 1
	f.accounts[address] = &rpc.Account{Owner: program.ProgramID(), Data: rpc.DataBytesOrJSONFromBytes(data)}
}

func (f *fakeNetwork) putRaw(address, owner solana.PublicKey, data []byte) {
	f.accounts[address] = &rpc.Account{Owner: owner, Data: rpc.DataBytesOrJSONFromBytes(data)}
}

type builtInstruction struct {
	program  solana.PublicKey
	accounts []*solana.AccountMeta
	data     []byte
}

func decodeInstructions(t *testing.T, tx *solana.Transaction) []builtInstruction {
	t.Helper()
	out := make([]builtInstruction, 0, len(tx.Message.Instructions))
	for _, compiled := range tx.Message.Instructions {
		program, err := tx.Message.ResolveProgramIDIndex(compiled.ProgramIDIndex)
		require.NoError(t, err)
		metas, err := compiled.ResolveInstructionAccounts(&tx.Message)
		require.NoError(t, err)
		out = append(out, builtInstruction{program: program, accounts: metas, data: compiled.Data})
	}
	return out
}
