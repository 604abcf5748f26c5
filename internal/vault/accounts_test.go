package vault

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeVaultStateAccount(state VaultState) []byte {
	buf := new(bytes.Buffer)
	buf.Write(VaultStateAccountDiscriminator[:])
	buf.Write(state.Admin[:])
	buf.Write(state.Mint[:])
	buf.WriteByte(state.VaultBump)
	buf.WriteByte(state.StateBump)
	_ = binary.Write(buf, binary.LittleEndian, state.TotalDeposits)
	return buf.Bytes()
}

func encodeUserDepositAccount(deposit UserDeposit) []byte {
	buf := new(bytes.Buffer)
	buf.Write(UserDepositAccountDiscriminator[:])
	buf.Write(deposit.User[:])
	_ = binary.Write(buf, binary.LittleEndian, uint32(len(deposit.MarketID)))
	buf.WriteString(deposit.MarketID)
	buf.WriteByte(byte(deposit.Side))
	_ = binary.Write(buf, binary.LittleEndian, deposit.Amount)
	_ = binary.Write(buf, binary.LittleEndian, deposit.Timestamp)
	buf.WriteByte(deposit.Bump)
	return buf.Bytes()
}

func TestDecodeVaultState(t *testing.T) {
	want := VaultState{Admin: testUser, Mint: testMint, VaultBump: 255, StateBump: 254, TotalDeposits: 42_000_000}
	got, err := DecodeVaultState(encodeVaultStateAccount(want))
	require.NoError(t, err)
	assert.Equal(t, want, *got)

	corrupted := encodeVaultStateAccount(want)
	corrupted[0] ^= 0xff
	_, err = DecodeVaultState(corrupted)
	require.ErrorIs(t, err, ErrAccountDiscriminator)

	_, err = DecodeVaultState(encodeVaultStateAccount(want)[:40])
	require.Error(t, err)
}

func TestDecodeUserDeposit(t *testing.T) {
	want := UserDeposit{User: testUser, MarketID: "m1", Side: Negative, Amount: 7_500_000, Timestamp: 1_760_000_000, Bump: 253}
	got, err := DecodeUserDeposit(encodeUserDepositAccount(want))
	require.NoError(t, err)
	assert.Equal(t, want, *got)
}

func TestVaultInitialized(t *testing.T) {
	builder := newTestBuilder()
	addrs, err := builder.Addresses()
	require.NoError(t, err)

	net := newFakeNetwork()
	initialized, err := builder.VaultInitialized(context.Background(), net)
	require.NoError(t, err)
	assert.False(t, initialized)

	net.putRaw(addrs.VaultState.Address, testProgramID, encodeVaultStateAccount(VaultState{Admin: testUser, Mint: testMint}))
	initialized, err = builder.VaultInitialized(context.Background(), net)
	require.NoError(t, err)
	assert.True(t, initialized)

	state, err := builder.FetchVaultState(context.Background(), net)
	require.NoError(t, err)
	assert.Equal(t, testMint, state.Mint)

	broken := newFakeNetwork()
	broken.accountErrs[addrs.VaultState.Address] = errors.New("503")
	_, err = builder.VaultInitialized(context.Background(), broken)
	require.Error(t, err)
}

func TestTokenBalanceAndVaultTotals(t *testing.T) {
	builder := newTestBuilder()
	net := newFakeNetwork()
	net.putMint(testMint, TokenProgramLegacy)

	balance, err := builder.TokenBalance(context.Background(), net, testUser)
	require.NoError(t, err)
	assert.True(t, balance.IsZero())

	ata, err := DeriveAssociatedTokenAccount(testUser, testMint, TokenProgramLegacy)
	require.NoError(t, err)
	net.putTokenAccount(ata.Address, testMint, testUser, TokenProgramLegacy, 12_340_000)
	balance, err = builder.TokenBalance(context.Background(), net, testUser)
	require.NoError(t, err)
	assert.Equal(t, "12.34", balance.String())

	addrs, err := builder.Addresses()
	require.NoError(t, err)
	net.putTokenAccount(addrs.Vault.Address, testMint, addrs.Vault.Address, TokenProgramLegacy, 500_000_000)
	total, err := builder.VaultTotalDeposits(context.Background(), net)
	require.NoError(t, err)
	assert.Equal(t, "500", total.String())

	otherMint := solana.MustPublicKeyFromBase58("So11111111111111111111111111111111111111112")
	net.putTokenAccount(addrs.Vault.Address, otherMint, addrs.Vault.Address, TokenProgramLegacy, 1)
	_, err = builder.VaultTotalDeposits(context.Background(), net)
	require.Error(t, err)
}

func TestFetchUserDeposit(t *testing.T) {
	builder := newTestBuilder()
	net := newFakeNetwork()
	pda, err := DeriveUserDeposit(testProgramID, testUser, "m1", Affirmative)
	require.NoError(t, err)
	record := UserDeposit{User: testUser, MarketID: "m1", Side: Affirmative, Amount: 1_000_000, Timestamp: 10, Bump: pda.Bump}
	net.putRaw(pda.Address, testProgramID, encodeUserDepositAccount(record))

	got, err := builder.FetchUserDeposit(context.Background(), net, testUser, "m1", Affirmative)
	require.NoError(t, err)
	assert.Equal(t, record, *got)
}
