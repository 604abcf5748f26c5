package deposit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"

	"github.com/umara25/PolyYield/internal/positions"
	"github.com/umara25/PolyYield/internal/vault"
)

// Network is the chain collaborator. *chain.Client satisfies it.
type Network interface {
	vault.Network
	Submit(ctx context.Context, tx *solana.Transaction, skipPreflight bool) (solana.Signature, error)
	Confirm(ctx context.Context, sig solana.Signature) error
}

type Signer interface {
	SignTransaction(ctx context.Context, tx *solana.Transaction) (*solana.Transaction, error)
}

// Recorder persists confirmed deposits. *positions.Store satisfies it.
type Recorder interface {
	Create(ctx context.Context, params positions.CreateParams) (positions.MarketPosition, positions.Portfolio, error)
}

// Session is the caller's wallet handle. Balance is the last balance shown
// to the user and is not re-read before validating.
type Session struct {
	Owner    solana.PublicKey
	Signer   Signer
	Balance  decimal.Decimal
	Observer func(State)
}

type Request struct {
	Amount         decimal.Decimal
	MarketID       string
	Side           vault.Side
	MarketQuestion string
	ExpiresAt      time.Time
}

type Result struct {
	Signature    solana.Signature
	State        State
	Bootstrapped bool
	Recorded     bool
	Position     *positions.MarketPosition
	Portfolio    *positions.Portfolio
}

type Orchestrator struct {
	builder  *vault.Builder
	net      Network
	recorder Recorder
	logger   *slog.Logger
	now      func() time.Time
}

type Option func(*Orchestrator)

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// New wires an orchestrator. A nil recorder disables position recording.
func New(builder *vault.Builder, net Network, recorder Recorder, logger *slog.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		builder:  builder,
		net:      net,
		recorder: recorder,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

type run struct {
	*Orchestrator
	session Session
	request Request
	result  Result
	logger  *slog.Logger
}

func (r *run) enter(state State) {
	r.result.State = state
	r.logger.Debug("deposit state", "state", state)
	if r.session.Observer != nil {
		r.session.Observer(state)
	}
}

func (r *run) fail(err *Error) (Result, error) {
	r.enter(StateFailed)
	r.logger.Info("deposit failed", "kind", err.Kind, "err", err)
	return r.result, err
}

// Deposit runs one deposit end to end. The returned Result carries the
// signature whenever submission got that far, including on failure.
func (o *Orchestrator) Deposit(ctx context.Context, session Session, req Request) (Result, error) {
	r := &run{
		Orchestrator: o,
		session:      session,
		request:      req,
		result:       Result{State: StateIdle},
		logger: o.logger.With(
			"owner", session.Owner,
			"market_id", req.MarketID,
			"side", req.Side,
		),
	}

	r.enter(StateValidating)
	if err := validate(session, req); err != nil {
		return r.fail(err)
	}

	r.enter(StateCheckingVault)
	initialized, err := o.builder.VaultInitialized(ctx, o.net)
	if err != nil {
		return r.fail(newError(KindBootstrap, "Vault initialization failed: "+err.Error(), err))
	}
	if !initialized {
		r.enter(StateInitializingVault)
		if err := r.bootstrap(ctx); err != nil {
			return r.fail(newError(KindBootstrap, "Vault initialization failed: "+err.Error(), err))
		}
		r.result.Bootstrapped = true
	}

	r.enter(StateBuildingTransaction)
	pending, err := o.builder.BuildDeposit(ctx, o.net, session.Owner, req.Amount, req.MarketID, req.Side)
	if err != nil {
		return r.fail(newError(KindConstruction, err.Error(), err))
	}

	r.enter(StateAwaitingSignature)
	signed, err := session.Signer.SignTransaction(ctx, pending.Tx)
	if err != nil {
		return r.fail(signingError(err))
	}

	r.enter(StateSubmitting)
	sig, err := o.net.Submit(ctx, signed, false)
	if err != nil {
		return r.fail(newError(KindSubmission, err.Error(), err))
	}
	r.result.Signature = sig

	r.enter(StateConfirming)
	if err := o.net.Confirm(ctx, sig); err != nil {
		return r.fail(newError(KindConfirmation, err.Error(), err))
	}

	r.enter(StateRecording)
	r.record(ctx, sig)

	r.enter(StateSucceeded)
	r.logger.Info("deposit confirmed",
		"signature", sig,
		"amount", req.Amount,
		"bootstrapped", r.result.Bootstrapped,
		"recorded", r.result.Recorded,
	)
	return r.result, nil
}

func validate(session Session, req Request) *Error {
	if session.Owner.IsZero() || session.Signer == nil {
		return newError(KindValidation, "Please connect your wallet first", nil)
	}
	if !req.Amount.IsPositive() {
		return newError(KindValidation, "Amount must be greater than 0", nil)
	}
	if req.Amount.GreaterThan(session.Balance) {
		return newError(KindValidation, fmt.Sprintf("Insufficient USDC balance. You have %s USDC", session.Balance.StringFixed(2)), nil)
	}
	return nil
}

// bootstrap creates the shared vault on behalf of the first depositor. The
// send skips preflight and the caller pays the rent.
func (r *run) bootstrap(ctx context.Context) error {
	r.logger.Info("vault not initialized, initializing", "program", r.builder.ProgramID, "mint", r.builder.Mint)

	pending, err := r.builder.BuildInitialize(ctx, r.net, r.session.Owner)
	if err != nil {
		return err
	}
	signed, err := r.session.Signer.SignTransaction(ctx, pending.Tx)
	if err != nil {
		return err
	}
	sig, err := r.net.Submit(ctx, signed, true)
	if err != nil {
		return err
	}
	if err := r.net.Confirm(ctx, sig); err != nil {
		return err
	}

	r.logger.Info("vault initialized", "signature", sig)
	return nil
}

// record is best effort: the deposit is already final on chain.
func (r *run) record(ctx context.Context, sig solana.Signature) {
	if r.recorder == nil {
		return
	}
	position, portfolio, err := r.recorder.Create(ctx, positions.CreateParams{
		Owner:                r.session.Owner.String(),
		MarketID:             r.request.MarketID,
		MarketQuestion:       r.request.MarketQuestion,
		Side:                 r.request.Side,
		Principal:            r.request.Amount,
		TransactionSignature: sig.String(),
		CreatedAt:            r.now(),
		ExpiresAt:            r.request.ExpiresAt,
	})
	if err != nil && position.ID == "" {
		r.logger.Warn("failed to record position", "signature", sig, "err", err)
		return
	}
	r.result.Recorded = true
	r.result.Position = &position
	if err != nil {
		r.logger.Warn("position recorded without portfolio", "signature", sig, "position_id", position.ID, "err", err)
		return
	}
	r.result.Portfolio = &portfolio
}

func signingError(err error) *Error {
	if errors.Is(err, ErrSignatureRejected) {
		return newError(KindSigningRejected, "Transaction was rejected in your wallet", err)
	}
	return newError(KindSigningRejected, err.Error(), err)
}
