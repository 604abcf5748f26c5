package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/ws"

	"github.com/umara25/PolyYield/internal/config"
)

var ErrConfirmationTimeout = errors.New("confirmation timed out")

// TransactionError is an on-chain failure reported for a landed transaction.
// Detail holds the raw error payload as JSON.
type TransactionError struct {
	Signature solana.Signature
	Detail    string
}

func (e *TransactionError) Error() string {
	return "Transaction failed: " + e.Detail
}

func newTransactionError(sig solana.Signature, raw interface{}) *TransactionError {
	detail, err := json.Marshal(raw)
	if err != nil {
		return &TransactionError{Signature: sig, Detail: fmt.Sprint(raw)}
	}
	return &TransactionError{Signature: sig, Detail: string(detail)}
}

type Client struct {
	*rpc.Client

	cfg    config.ChainConfig
	logger *slog.Logger
}

func NewClient(cfg config.ChainConfig, logger *slog.Logger) *Client {
	return &Client{
		Client: rpc.New(cfg.RPCURL),
		cfg:    cfg,
		logger: logger,
	}
}

func (c *Client) Commitment() rpc.CommitmentType {
	return c.cfg.Commitment
}

// Submit sends a signed transaction. Preflight simulation runs at the
// configured preflight commitment unless skipPreflight is set.
func (c *Client) Submit(ctx context.Context, tx *solana.Transaction, skipPreflight bool) (solana.Signature, error) {
	opts := rpc.TransactionOpts{
		SkipPreflight:       skipPreflight,
		PreflightCommitment: c.cfg.PreflightCommitment,
	}
	if c.cfg.MaxRetries != nil {
		retries := *c.cfg.MaxRetries
		opts.MaxRetries = &retries
	}

	sig, err := c.SendTransactionWithOpts(ctx, tx, opts)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("send transaction: %w", err)
	}
	c.logger.Debug("transaction submitted", "signature", sig, "skip_preflight", skipPreflight)
	return sig, nil
}

// Confirm blocks until sig reaches the configured commitment, fails on
// chain, or ConfirmTimeout elapses.
func (c *Client) Confirm(ctx context.Context, sig solana.Signature) error {
	if c.cfg.ConfirmTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.ConfirmTimeout)
		defer cancel()
	}

	wsClient, err := ws.Connect(ctx, c.cfg.WSURL)
	if err != nil {
		return fmt.Errorf("connect websocket %q: %w", c.cfg.WSURL, err)
	}
	defer wsClient.Close()

	sub, err := wsClient.SignatureSubscribe(sig, c.cfg.Commitment)
	if err != nil {
		return fmt.Errorf("subscribe signature %s: %w", sig, err)
	}
	defer sub.Unsubscribe()

	// The transaction may have landed before the subscription was registered,
	// in which case no notification will arrive.
	landed, err := c.lookupStatus(ctx, sig)
	var txErr *TransactionError
	switch {
	case errors.As(err, &txErr):
		return txErr
	case err != nil:
		c.logger.Debug("signature status lookup failed", "signature", sig, "err", err)
	case landed:
		return nil
	}

	result, err := sub.Recv(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w after %s: %s", ErrConfirmationTimeout, c.cfg.ConfirmTimeout, sig)
		}
		return fmt.Errorf("await signature %s: %w", sig, err)
	}
	if result == nil {
		return fmt.Errorf("await signature %s: %w", sig, ws.ErrSubscriptionClosed)
	}
	if result.Value.Err != nil {
		return newTransactionError(sig, result.Value.Err)
	}
	return nil
}

func (c *Client) lookupStatus(ctx context.Context, sig solana.Signature) (bool, error) {
	out, err := c.GetSignatureStatuses(ctx, true, sig)
	if err != nil {
		return false, err
	}
	if out == nil || len(out.Value) == 0 || out.Value[0] == nil {
		return false, nil
	}
	status := out.Value[0]
	if status.Err != nil {
		return true, newTransactionError(sig, status.Err)
	}
	return reachedCommitment(status.ConfirmationStatus, c.cfg.Commitment), nil
}

func reachedCommitment(status rpc.ConfirmationStatusType, want rpc.CommitmentType) bool {
	switch want {
	case rpc.CommitmentFinalized:
		return status == rpc.ConfirmationStatusFinalized
	case rpc.CommitmentProcessed:
		return status != ""
	default:
		return status == rpc.ConfirmationStatusConfirmed || status == rpc.ConfirmationStatusFinalized
	}
}
