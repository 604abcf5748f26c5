package apiserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/umara25/PolyYield/internal/chain"
	"github.com/umara25/PolyYield/internal/config"
	"github.com/umara25/PolyYield/internal/deposit"
	"github.com/umara25/PolyYield/internal/positions"
	"github.com/umara25/PolyYield/internal/vault"
)

type Service struct {
	cfg              config.APIServerConfig
	logger           *slog.Logger
	net              deposit.Network
	builder          *vault.Builder
	store            *positions.Store
	orchestrator     *deposit.Orchestrator
	validate         *validator.Validate
	wsReadTimeout    time.Duration
	wsPingInterval   time.Duration
	allowAllOrigins  bool
	allowedOriginSet map[string]struct{}
}

func New(ctx context.Context, cfg config.APIServerConfig, logger *slog.Logger) (*Service, error) {
	if !cfg.Vault.ProgramConfigured() {
		logger.Warn("VAULT_PROGRAM_ID is the system program placeholder; deposits will fail until it is set")
	}

	store, err := positions.Open(ctx, cfg.Positions, logger)
	if err != nil {
		return nil, fmt.Errorf("init position store: %w", err)
	}
	return newService(cfg, logger, chain.NewClient(cfg.Chain, logger), store), nil
}

func newService(cfg config.APIServerConfig, logger *slog.Logger, net deposit.Network, store *positions.Store) *Service {
	allowAllOrigins := false
	allowedOriginSet := make(map[string]struct{}, len(cfg.AllowedOrigins))
	for _, origin := range cfg.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		if trimmed == "*" {
			allowAllOrigins = true
			continue
		}
		allowedOriginSet[trimmed] = struct{}{}
	}
	if len(allowedOriginSet) == 0 && !allowAllOrigins {
		allowAllOrigins = true
	}

	builder := vault.NewBuilder(cfg.Vault.ProgramID, cfg.Vault.Mint, cfg.Chain.Commitment)
	return &Service{
		cfg:              cfg,
		logger:           logger,
		net:              net,
		builder:          builder,
		store:            store,
		orchestrator:     deposit.New(builder, net, store, logger),
		validate:         newValidator(),
		wsReadTimeout:    websocketReadTimeout,
		wsPingInterval:   websocketPingInterval,
		allowAllOrigins:  allowAllOrigins,
		allowedOriginSet: allowedOriginSet,
	}
}

func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/api/v1/positions", s.handlePositions)
	mux.HandleFunc("/api/v1/vault", s.handleVault)
	mux.HandleFunc("/api/v1/balance", s.handleBalance)
	mux.HandleFunc("/api/v1/deposits", s.handleUserDeposit)
	mux.HandleFunc("/ws/deposit", s.handleDepositWebsocket)
	return s.withCORS(mux)
}

func (s *Service) Run(ctx context.Context) error {
	defer func() {
		if err := s.store.Close(); err != nil {
			s.logger.Error("failed to close position store", "err", err)
		}
	}()

	server := &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		err := server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			errCh <- nil
			return
		}
		errCh <- err
	}()

	s.logger.Info("api-server started",
		"listen_addr", s.cfg.ListenAddr,
		"rpc", s.cfg.Chain.RPCURL,
		"program", s.cfg.Vault.ProgramID,
		"mint", s.cfg.Vault.Mint,
		"position_store", s.store.Mode(),
		"allowed_origins", strings.Join(s.cfg.AllowedOrigins, ","),
	)

	select {
	case <-ctx.Done():
		s.logger.Info("api-server stopping")
		if err := server.Shutdown(context.Background()); err != nil {
			return fmt.Errorf("shutdown api-server: %w", err)
		}
		return <-errCh
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen and serve: %w", err)
		}
		return nil
	}
}

type healthResponse struct {
	OK bool `json:"ok"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type positionsResponse struct {
	Mode    positions.Mode             `json:"mode"`
	Items   []positions.MarketPosition `json:"items"`
	Summary *positions.Summary         `json:"summary,omitempty"`
}

type vaultResponse struct {
	ProgramID         string          `json:"program_id"`
	ProgramConfigured bool            `json:"program_configured"`
	Mint              string          `json:"mint"`
	Vault             string          `json:"vault"`
	VaultState        string          `json:"vault_state"`
	Initialized       bool            `json:"initialized"`
	Admin             string          `json:"admin,omitempty"`
	TotalDeposits     decimal.Decimal `json:"total_deposits"`
}

type balanceResponse struct {
	Owner   string          `json:"owner"`
	Balance decimal.Decimal `json:"balance"`
}

type userDepositResponse struct {
	Address   string          `json:"address"`
	Owner     string          `json:"owner"`
	MarketID  string          `json:"market_id"`
	Side      vault.Side      `json:"position"`
	Amount    decimal.Decimal `json:"amount"`
	Timestamp int64           `json:"timestamp"`
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}
	s.respondJSON(w, http.StatusOK, healthResponse{OK: true})
}

func (s *Service) handlePositions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}

	query := positionsQuery{
		Owner:    strings.TrimSpace(r.URL.Query().Get("owner")),
		MarketID: strings.TrimSpace(r.URL.Query().Get("market_id")),
		Status:   strings.ToLower(strings.TrimSpace(r.URL.Query().Get("status"))),
	}
	if err := s.validate.Struct(query); err != nil {
		s.respondError(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	if query.Owner == "" {
		items, err := s.store.ListByMarket(r.Context(), query.MarketID)
		if err != nil {
			s.logger.Error("list market positions failed", "market_id", query.MarketID, "err", err)
			s.respondError(w, http.StatusInternalServerError, "failed to list positions")
			return
		}
		s.respondJSON(w, http.StatusOK, positionsResponse{Mode: s.store.Mode(), Items: filterPositions(items, "", query.Status)})
		return
	}

	portfolio, err := s.store.ListByOwner(r.Context(), query.Owner)
	if err != nil {
		s.logger.Error("list positions failed", "owner", query.Owner, "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to list positions")
		return
	}
	// The summary always covers the owner's whole book; filters only
	// narrow the listed items.
	items := filterPositions(portfolio.Positions, query.MarketID, query.Status)
	s.respondJSON(w, http.StatusOK, positionsResponse{Mode: s.store.Mode(), Items: items, Summary: &portfolio.Summary})
}

func filterPositions(items []positions.MarketPosition, marketID, status string) []positions.MarketPosition {
	out := make([]positions.MarketPosition, 0, len(items))
	for _, item := range items {
		if marketID != "" && item.MarketID != marketID {
			continue
		}
		if status != "" && string(item.Status) != status {
			continue
		}
		out = append(out, item)
	}
	return out
}

func (s *Service) handleVault(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}

	addrs, err := s.builder.Addresses()
	if err != nil {
		s.logger.Error("derive vault addresses failed", "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to derive vault addresses")
		return
	}

	resp := vaultResponse{
		ProgramID:         s.builder.ProgramID.String(),
		ProgramConfigured: s.cfg.Vault.ProgramConfigured(),
		Mint:              s.builder.Mint.String(),
		Vault:             addrs.Vault.Address.String(),
		VaultState:        addrs.VaultState.Address.String(),
		TotalDeposits:     decimal.Zero,
	}

	resp.Initialized, err = s.builder.VaultInitialized(r.Context(), s.net)
	if err != nil {
		s.logger.Error("check vault failed", "err", err)
		s.respondError(w, http.StatusBadGateway, "failed to read vault state")
		return
	}
	if resp.Initialized {
		state, err := s.builder.FetchVaultState(r.Context(), s.net)
		if err != nil {
			s.logger.Warn("decode vault state failed", "err", err)
		} else {
			resp.Admin = state.Admin.String()
		}
	}

	resp.TotalDeposits, err = s.builder.VaultTotalDeposits(r.Context(), s.net)
	if err != nil {
		s.logger.Error("read vault balance failed", "err", err)
		s.respondError(w, http.StatusBadGateway, "failed to read vault balance")
		return
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Service) handleBalance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}

	query := ownerQuery{Owner: strings.TrimSpace(r.URL.Query().Get("owner"))}
	if err := s.validate.Struct(query); err != nil {
		s.respondError(w, http.StatusBadRequest, validationMessage(err))
		return
	}
	owner := solana.MustPublicKeyFromBase58(query.Owner)
	s.respondJSON(w, http.StatusOK, balanceResponse{Owner: query.Owner, Balance: s.balanceOf(r.Context(), owner)})
}

// balanceOf reports a zero balance when the chain cannot be read so the UI
// keeps rendering.
func (s *Service) balanceOf(ctx context.Context, owner solana.PublicKey) decimal.Decimal {
	balance, err := s.builder.TokenBalance(ctx, s.net, owner)
	if err != nil {
		s.logger.Warn("failed to fetch stablecoin balance", "owner", owner, "err", err)
		return decimal.Zero
	}
	return balance
}

func (s *Service) handleUserDeposit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}

	query := userDepositQuery{
		Owner:    strings.TrimSpace(r.URL.Query().Get("owner")),
		MarketID: strings.TrimSpace(r.URL.Query().Get("market_id")),
		Side:     strings.TrimSpace(r.URL.Query().Get("side")),
	}
	if err := s.validate.Struct(query); err != nil {
		s.respondError(w, http.StatusBadRequest, validationMessage(err))
		return
	}
	side, err := vault.ParseSide(query.Side)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	owner := solana.MustPublicKeyFromBase58(query.Owner)

	pda, err := vault.DeriveUserDeposit(s.builder.ProgramID, owner, query.MarketID, side)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	record, err := s.builder.FetchUserDeposit(r.Context(), s.net, owner, query.MarketID, side)
	if errors.Is(err, rpc.ErrNotFound) {
		s.respondError(w, http.StatusNotFound, "deposit not found")
		return
	}
	if err != nil {
		s.logger.Error("fetch user deposit failed", "address", pda.Address, "err", err)
		s.respondError(w, http.StatusBadGateway, "failed to read deposit account")
		return
	}

	s.respondJSON(w, http.StatusOK, userDepositResponse{
		Address:   pda.Address.String(),
		Owner:     record.User.String(),
		MarketID:  record.MarketID,
		Side:      record.Side,
		Amount:    vault.FromBaseUnits(record.Amount),
		Timestamp: record.Timestamp,
	})
}

func (s *Service) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin != "" {
			allowed := s.isOriginAllowed(origin)
			if allowed {
				if s.allowAllOrigins {
					w.Header().Set("Access-Control-Allow-Origin", "*")
				} else {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Add("Vary", "Origin")
				}
				w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
				w.Header().Set("Access-Control-Max-Age", "300")
			}
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Service) isOriginAllowed(origin string) bool {
	if origin == "" {
		return true
	}
	if s.allowAllOrigins {
		return true
	}
	_, ok := s.allowedOriginSet[origin]
	return ok
}

func (s *Service) respondMethodNotAllowed(w http.ResponseWriter) {
	s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (s *Service) respondError(w http.ResponseWriter, code int, message string) {
	s.respondJSON(w, code, errorResponse{Error: message})
}

func (s *Service) respondJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to write JSON response", "err", err)
	}
}
