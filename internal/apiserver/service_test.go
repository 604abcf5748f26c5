package apiserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umara25/PolyYield/internal/positions"
	"github.com/umara25/PolyYield/internal/vault"
)

func serve(t *testing.T, svc *Service, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	svc.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out), rec.Body.String())
}

func TestHealth(t *testing.T) {
	svc := newTestService(t, newFakeNetwork())

	rec := serve(t, svc, http.MethodGet, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())

	rec = serve(t, svc, http.MethodPost, "/healthz")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestBalance(t *testing.T) {
	owner := solana.NewWallet().PublicKey()

	t.Run("funded wallet", func(t *testing.T) {
		net := newFakeNetwork()
		net.fundWallet(t, owner, 42_500_000)
		svc := newTestService(t, net)

		rec := serve(t, svc, http.MethodGet, "/api/v1/balance?owner="+owner.String())
		require.Equal(t, http.StatusOK, rec.Code)
		var body balanceResponse
		decodeBody(t, rec, &body)
		assert.True(t, decimal.RequireFromString("42.5").Equal(body.Balance), body.Balance.String())
	})

	t.Run("read failure reports zero", func(t *testing.T) {
		net := newFakeNetwork()
		net.accountErr = errors.New("rpc unavailable")
		svc := newTestService(t, net)

		rec := serve(t, svc, http.MethodGet, "/api/v1/balance?owner="+owner.String())
		require.Equal(t, http.StatusOK, rec.Code)
		var body balanceResponse
		decodeBody(t, rec, &body)
		assert.True(t, body.Balance.IsZero())
	})

	t.Run("invalid owner", func(t *testing.T) {
		svc := newTestService(t, newFakeNetwork())
		rec := serve(t, svc, http.MethodGet, "/api/v1/balance?owner=not-a-key")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "invalid owner: pubkey")
	})
}

func TestVault(t *testing.T) {
	t.Run("uninitialized", func(t *testing.T) {
		svc := newTestService(t, newFakeNetwork())

		rec := serve(t, svc, http.MethodGet, "/api/v1/vault")
		require.Equal(t, http.StatusOK, rec.Code)
		var body vaultResponse
		decodeBody(t, rec, &body)
		assert.False(t, body.Initialized)
		assert.Empty(t, body.Admin)
		assert.True(t, body.TotalDeposits.IsZero())
		assert.True(t, body.ProgramConfigured)
	})

	t.Run("initialized", func(t *testing.T) {
		net := newFakeNetwork()
		admin := solana.NewWallet().PublicKey()
		net.putVaultState(t, admin, 7_000_000)
		addrs, err := vault.DeriveAddresses(testProgramID, testMint)
		require.NoError(t, err)
		net.putTokenAccount(t, addrs.Vault.Address, addrs.Vault.Address, 7_000_000)
		svc := newTestService(t, net)

		rec := serve(t, svc, http.MethodGet, "/api/v1/vault")
		require.Equal(t, http.StatusOK, rec.Code)
		var body vaultResponse
		decodeBody(t, rec, &body)
		assert.True(t, body.Initialized)
		assert.Equal(t, admin.String(), body.Admin)
		assert.Equal(t, addrs.VaultState.Address.String(), body.VaultState)
		assert.True(t, decimal.NewFromInt(7).Equal(body.TotalDeposits))
	})
}

func TestUserDepositNotFound(t *testing.T) {
	svc := newTestService(t, newFakeNetwork())
	owner := solana.NewWallet().PublicKey()

	rec := serve(t, svc, http.MethodGet, "/api/v1/deposits?owner="+owner.String()+"&market_id=m-1&side=yes")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(t, svc, http.MethodGet, "/api/v1/deposits?owner="+owner.String()+"&market_id=m-1&side=maybe")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPositions(t *testing.T) {
	svc := newTestService(t, newFakeNetwork())
	owner := solana.NewWallet().PublicKey().String()
	other := solana.NewWallet().PublicKey().String()
	created := time.Now().Add(-24 * time.Hour)

	for _, params := range []positions.CreateParams{
		{Owner: owner, MarketID: "m-1", Side: vault.Affirmative, Principal: decimal.NewFromInt(100), CreatedAt: created},
		{Owner: owner, MarketID: "m-2", Side: vault.Negative, Principal: decimal.NewFromInt(50), CreatedAt: created},
		{Owner: other, MarketID: "m-1", Side: vault.Negative, Principal: decimal.NewFromInt(10), CreatedAt: created},
	} {
		_, _, err := svc.store.Create(context.Background(), params)
		require.NoError(t, err)
	}

	t.Run("by owner", func(t *testing.T) {
		rec := serve(t, svc, http.MethodGet, "/api/v1/positions?owner="+owner)
		require.Equal(t, http.StatusOK, rec.Code)
		var body positionsResponse
		decodeBody(t, rec, &body)
		assert.Equal(t, positions.ModeLocal, body.Mode)
		assert.Len(t, body.Items, 2)
		require.NotNil(t, body.Summary)
		assert.True(t, decimal.NewFromInt(150).Equal(body.Summary.TotalPrincipal))
		assert.True(t, body.Summary.ProjectedYield.IsPositive())
	})

	t.Run("by owner and market", func(t *testing.T) {
		rec := serve(t, svc, http.MethodGet, "/api/v1/positions?owner="+owner+"&market_id=m-2")
		require.Equal(t, http.StatusOK, rec.Code)
		var body positionsResponse
		decodeBody(t, rec, &body)
		require.Len(t, body.Items, 1)
		assert.Equal(t, vault.Negative, body.Items[0].Side)
	})

	t.Run("by market", func(t *testing.T) {
		rec := serve(t, svc, http.MethodGet, "/api/v1/positions?market_id=m-1")
		require.Equal(t, http.StatusOK, rec.Code)
		var body positionsResponse
		decodeBody(t, rec, &body)
		assert.Len(t, body.Items, 2)
		assert.Nil(t, body.Summary)
	})

	t.Run("owner or market required", func(t *testing.T) {
		rec := serve(t, svc, http.MethodGet, "/api/v1/positions")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown status", func(t *testing.T) {
		rec := serve(t, svc, http.MethodGet, "/api/v1/positions?owner="+owner+"&status=pending")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestPositionsOwnerSummaryIgnoresFilters(t *testing.T) {
	svc := newTestService(t, newFakeNetwork())
	owner := solana.NewWallet().PublicKey().String()
	created := time.Now().Add(-24 * time.Hour)
	ctx := context.Background()

	var ids []string
	for _, params := range []positions.CreateParams{
		{Owner: owner, MarketID: "m-1", Side: vault.Affirmative, Principal: decimal.NewFromInt(100), CreatedAt: created},
		{Owner: owner, MarketID: "m-2", Side: vault.Negative, Principal: decimal.NewFromInt(40), CreatedAt: created},
		{Owner: owner, MarketID: "m-3", Side: vault.Affirmative, Principal: decimal.NewFromInt(25), CreatedAt: created},
	} {
		position, _, err := svc.store.Create(ctx, params)
		require.NoError(t, err)
		ids = append(ids, position.ID)
	}
	_, err := svc.store.UpdateStatus(ctx, ids[2], positions.StatusClaimed)
	require.NoError(t, err)

	rec := serve(t, svc, http.MethodGet, "/api/v1/positions?owner="+owner+"&status=claimed")
	require.Equal(t, http.StatusOK, rec.Code)
	var body positionsResponse
	decodeBody(t, rec, &body)

	require.Len(t, body.Items, 1)
	assert.Equal(t, "m-3", body.Items[0].MarketID)
	require.NotNil(t, body.Summary)
	assert.True(t, decimal.NewFromInt(140).Equal(body.Summary.TotalPrincipal), body.Summary.TotalPrincipal.String())
	assert.Equal(t, 2, body.Summary.ActiveCount)
	assert.Equal(t, 1, body.Summary.SettledCount)

	rec = serve(t, svc, http.MethodGet, "/api/v1/positions?owner="+owner+"&market_id=m-2")
	require.Equal(t, http.StatusOK, rec.Code)
	body = positionsResponse{}
	decodeBody(t, rec, &body)
	require.Len(t, body.Items, 1)
	require.NotNil(t, body.Summary)
	assert.True(t, decimal.NewFromInt(140).Equal(body.Summary.TotalPrincipal))
}

func TestCORS(t *testing.T) {
	svc := newTestService(t, newFakeNetwork())
	svc.allowAllOrigins = false
	svc.allowedOriginSet = map[string]struct{}{"https://app.polyield.xyz": {}}

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/vault", nil)
	req.Header.Set("Origin", "https://app.polyield.xyz")
	rec := httptest.NewRecorder()
	svc.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.polyield.xyz", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/api/v1/vault", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	svc.Handler().ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
