package positions

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/umara25/PolyYield/internal/config"
)

type Mode string

const (
	ModeRemote Mode = "remote"
	ModeLocal  Mode = "local"
)

type Filter struct {
	Owner    string
	MarketID string
	Status   Status
}

type Backend interface {
	List(ctx context.Context, filter Filter) ([]MarketPosition, error)
	Create(ctx context.Context, params CreateParams) (MarketPosition, error)
	UpdateStatus(ctx context.Context, id string, status Status) (MarketPosition, error)
	Delete(ctx context.Context, id string) error
	Close() error
}

// Store fronts whichever backend was selected at startup. The mode never
// changes for the life of the process.
type Store struct {
	backend Backend
	mode    Mode
	now     func() time.Time
}

func NewStore(backend Backend, mode Mode) *Store {
	return &Store{backend: backend, mode: mode, now: time.Now}
}

// Open selects the remote backend when a real DSN is configured and
// reachable, and the local file backend otherwise.
func Open(ctx context.Context, cfg config.PositionStoreConfig, logger *slog.Logger) (*Store, error) {
	if cfg.RemoteConfigured() {
		backend, err := NewPostgresBackend(ctx, cfg.DBDSN)
		if err == nil {
			logger.Info("position store ready", "mode", ModeRemote, "dsn", cfg.DBDSN)
			return NewStore(backend, ModeRemote), nil
		}
		logger.Warn("position database unavailable, falling back to local store", "err", err, "dir", cfg.FallbackDir)
	} else {
		logger.Warn("position database not configured, using local store", "dir", cfg.FallbackDir)
	}

	backend, err := NewLocalBackend(cfg.FallbackDir)
	if err != nil {
		return nil, err
	}
	return NewStore(backend, ModeLocal), nil
}

func (s *Store) Mode() Mode {
	return s.mode
}

func (s *Store) Close() error {
	return s.backend.Close()
}

func (s *Store) ListByOwner(ctx context.Context, owner string) (Portfolio, error) {
	if err := validateOwner(owner); err != nil {
		return Portfolio{}, err
	}
	items, err := s.backend.List(ctx, Filter{Owner: owner})
	if err != nil {
		return Portfolio{}, err
	}
	return newPortfolio(items, s.now()), nil
}

func (s *Store) ListActiveByOwner(ctx context.Context, owner string) ([]MarketPosition, error) {
	if err := validateOwner(owner); err != nil {
		return nil, err
	}
	return s.backend.List(ctx, Filter{Owner: owner, Status: StatusActive})
}

func (s *Store) ListByMarket(ctx context.Context, marketID string) ([]MarketPosition, error) {
	if marketID == "" {
		return nil, fmt.Errorf("%w: market id is required", ErrInvalidPosition)
	}
	return s.backend.List(ctx, Filter{MarketID: marketID})
}

// Create records a position and returns the owner's refreshed portfolio.
func (s *Store) Create(ctx context.Context, params CreateParams) (MarketPosition, Portfolio, error) {
	if err := params.Validate(); err != nil {
		return MarketPosition{}, Portfolio{}, err
	}
	created, err := s.backend.Create(ctx, params)
	if err != nil {
		return MarketPosition{}, Portfolio{}, err
	}
	portfolio, err := s.ListByOwner(ctx, params.Owner)
	if err != nil {
		return created, Portfolio{}, fmt.Errorf("reload portfolio: %w", err)
	}
	return created, portfolio, nil
}

func (s *Store) UpdateStatus(ctx context.Context, id string, status Status) (MarketPosition, error) {
	if !StatusActive.CanTransitionTo(status) {
		return MarketPosition{}, fmt.Errorf("%w: target %s", ErrInvalidTransition, status)
	}
	return s.backend.UpdateStatus(ctx, id, status)
}

func (s *Store) Delete(ctx context.Context, id string) error {
	return s.backend.Delete(ctx, id)
}

func validateOwner(owner string) error {
	if _, err := solana.PublicKeyFromBase58(owner); err != nil {
		return fmt.Errorf("%w: owner %q: %v", ErrInvalidPosition, owner, err)
	}
	return nil
}
