package apiserver

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/umara25/PolyYield/internal/deposit"
	"github.com/umara25/PolyYield/internal/positions"
	"github.com/umara25/PolyYield/internal/vault"
)

// Inbound message types.
const (
	messageHello    = "hello"
	messageDeposit  = "deposit"
	messageSigned   = "signed"
	messageRejected = "rejected"
)

// Outbound message types.
const (
	messageBalance     = "balance"
	messageState       = "state"
	messageSignRequest = "sign_request"
	messageResult      = "result"
	messageError       = "error"
)

const depositChannel = "deposit"

const (
	websocketWriteWait    = 10 * time.Second
	websocketReadTimeout  = 90 * time.Second
	websocketPingInterval = 30 * time.Second
)

type websocketInbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type websocketEnvelope struct {
	Type    string `json:"type"`
	Channel string `json:"channel,omitempty"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	TS      int64  `json:"ts"`
}

var websocketUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

type signRequestPayload struct {
	Transaction string `json:"transaction"`
	Purpose     string `json:"purpose"`
}

// stateEvent mirrors one orchestrator transition. Terminal tells the UI the
// result or error message follows.
type stateEvent struct {
	State    deposit.State `json:"state"`
	Terminal bool          `json:"terminal"`
}

type depositResultPayload struct {
	Signature    string                    `json:"signature"`
	State        deposit.State             `json:"state"`
	Bootstrapped bool                      `json:"bootstrapped"`
	Recorded     bool                      `json:"recorded"`
	Position     *positions.MarketPosition `json:"position,omitempty"`
	Summary      *positions.Summary        `json:"summary,omitempty"`
}

type depositErrorPayload struct {
	Kind      deposit.Kind  `json:"kind,omitempty"`
	State     deposit.State `json:"state,omitempty"`
	Signature string        `json:"signature,omitempty"`
}

// depositSession is one connected wallet. The browser wallet signs; the
// server builds, submits, confirms and records.
type depositSession struct {
	svc  *Service
	conn *websocket.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	owner   solana.PublicKey
	balance decimal.Decimal

	inFlight  atomic.Bool
	signature chan websocketInbound
}

func (s *Service) handleDepositWebsocket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}
	upgrader := websocketUpgrader
	upgrader.CheckOrigin = func(req *http.Request) bool {
		origin := strings.TrimSpace(req.Header.Get("Origin"))
		return s.isOriginAllowed(origin)
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())

	session := &depositSession{
		svc:       s,
		conn:      conn,
		balance:   decimal.Zero,
		signature: make(chan websocketInbound, 1),
	}

	var wg sync.WaitGroup
	defer wg.Wait()
	defer cancel()

	inbound := make(chan websocketInbound)
	readErrCh := make(chan error, 1)
	go session.readLoop(ctx, inbound, readErrCh)

	// Wallets stay silent while the user reviews a signature prompt; pings
	// keep the read deadline moving through the pong handler.
	wg.Add(1)
	go func() {
		defer wg.Done()
		session.keepAlive(ctx)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-readErrCh:
			if err != nil {
				s.logger.Debug("deposit websocket read loop ended", "err", err)
			}
			return
		case message := <-inbound:
			switch message.Type {
			case messageHello:
				session.handleHello(ctx, message)
			case messageDeposit:
				req, err := session.parseDeposit(message)
				if err != nil {
					session.sendError(err.Error(), depositErrorPayload{Kind: deposit.KindValidation})
					continue
				}
				if !session.inFlight.CompareAndSwap(false, true) {
					session.sendError("A deposit is already in progress", depositErrorPayload{})
					continue
				}
				wg.Add(1)
				go func() {
					defer wg.Done()
					defer session.inFlight.Store(false)
					session.runDeposit(ctx, req)
				}()
			case messageSigned, messageRejected:
				select {
				case session.signature <- message:
				default:
					session.sendError("no signature was requested", depositErrorPayload{})
				}
			default:
				session.sendError(fmt.Sprintf("unsupported message type %q", message.Type), depositErrorPayload{})
			}
		}
	}
}

func (d *depositSession) readLoop(ctx context.Context, inbound chan<- websocketInbound, readErrCh chan<- error) {
	readTimeout := d.svc.wsReadTimeout
	d.conn.SetReadLimit(1024 * 1024)
	if err := d.conn.SetReadDeadline(time.Now().Add(readTimeout)); err == nil {
		d.conn.SetPongHandler(func(string) error {
			return d.conn.SetReadDeadline(time.Now().Add(readTimeout))
		})
	}
	for {
		var message websocketInbound
		if err := d.conn.ReadJSON(&message); err != nil {
			readErrCh <- err
			return
		}
		// Any client traffic counts as liveness.
		_ = d.conn.SetReadDeadline(time.Now().Add(readTimeout))
		message.Type = strings.ToLower(strings.TrimSpace(message.Type))
		select {
		case inbound <- message:
		case <-ctx.Done():
			readErrCh <- nil
			return
		}
	}
}

func (d *depositSession) keepAlive(ctx context.Context) {
	ticker := time.NewTicker(d.svc.wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.writeMu.Lock()
			err := d.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(websocketWriteWait))
			d.writeMu.Unlock()
			if err != nil {
				d.svc.logger.Debug("deposit websocket ping failed", "err", err)
				return
			}
		}
	}
}

func (d *depositSession) handleHello(ctx context.Context, message websocketInbound) {
	var req helloRequest
	if err := d.decode(message, &req); err != nil {
		d.sendError(err.Error(), depositErrorPayload{Kind: deposit.KindValidation})
		return
	}
	owner := solana.MustPublicKeyFromBase58(req.Owner)
	d.mu.Lock()
	d.owner = owner
	d.mu.Unlock()
	d.refreshBalance(ctx)
}

func (d *depositSession) refreshBalance(ctx context.Context) {
	d.mu.Lock()
	owner := d.owner
	d.mu.Unlock()
	if owner.IsZero() {
		return
	}

	balance := d.svc.balanceOf(ctx, owner)
	d.mu.Lock()
	d.balance = balance
	d.mu.Unlock()
	d.send(messageBalance, balanceResponse{Owner: owner.String(), Balance: balance})
}

func (d *depositSession) parseDeposit(message websocketInbound) (deposit.Request, error) {
	var req depositRequest
	if err := d.decode(message, &req); err != nil {
		return deposit.Request{}, err
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		return deposit.Request{}, fmt.Errorf("invalid amount: %w", err)
	}
	side, err := vault.ParseSide(req.Side)
	if err != nil {
		return deposit.Request{}, err
	}
	out := deposit.Request{
		Amount:         amount,
		MarketID:       req.MarketID,
		Side:           side,
		MarketQuestion: req.MarketQuestion,
	}
	if req.ExpiresAt > 0 {
		out.ExpiresAt = time.UnixMilli(req.ExpiresAt).UTC()
	}
	return out, nil
}

func (d *depositSession) decode(message websocketInbound, destination any) error {
	if len(message.Data) == 0 {
		return fmt.Errorf("%s: data is required", message.Type)
	}
	decoder := json.NewDecoder(bytes.NewReader(message.Data))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(destination); err != nil {
		return fmt.Errorf("invalid %s payload: %w", message.Type, err)
	}
	if err := d.svc.validate.Struct(destination); err != nil {
		return errors.New(validationMessage(err))
	}
	return nil
}

func (d *depositSession) runDeposit(ctx context.Context, req deposit.Request) {
	d.mu.Lock()
	session := deposit.Session{
		Owner:   d.owner,
		Balance: d.balance,
		Observer: func(state deposit.State) {
			d.send(messageState, stateEvent{State: state, Terminal: state.Terminal()})
		},
	}
	d.mu.Unlock()
	if !session.Owner.IsZero() {
		session.Signer = &walletSigner{session: d, owner: session.Owner, timeout: d.svc.cfg.SignTimeout}
	}

	result, err := d.svc.orchestrator.Deposit(ctx, session, req)
	if err != nil {
		payload := depositErrorPayload{Kind: deposit.KindOf(err), State: result.State}
		if !result.Signature.IsZero() {
			payload.Signature = result.Signature.String()
		}
		d.sendError(err.Error(), payload)
		return
	}

	out := depositResultPayload{
		Signature:    result.Signature.String(),
		State:        result.State,
		Bootstrapped: result.Bootstrapped,
		Recorded:     result.Recorded,
		Position:     result.Position,
	}
	if result.Portfolio != nil {
		out.Summary = &result.Portfolio.Summary
	}
	d.send(messageResult, out)
	d.refreshBalance(ctx)
}

func (d *depositSession) send(messageType string, data any) {
	d.write(websocketEnvelope{Type: messageType, Channel: depositChannel, Data: data, TS: time.Now().Unix()})
}

func (d *depositSession) sendError(message string, data depositErrorPayload) {
	d.write(websocketEnvelope{Type: messageError, Channel: depositChannel, Data: data, Error: message, TS: time.Now().Unix()})
}

func (d *depositSession) write(envelope websocketEnvelope) {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	if err := writeWebsocketJSON(d.conn, envelope); err != nil {
		d.svc.logger.Debug("deposit websocket write failed", "type", envelope.Type, "err", err)
	}
}

func writeWebsocketJSON(conn *websocket.Conn, payload websocketEnvelope) error {
	if err := conn.SetWriteDeadline(time.Now().Add(websocketWriteWait)); err != nil {
		return err
	}
	return conn.WriteJSON(payload)
}

// walletSigner relays a transaction to the connected wallet and waits for
// it to come back signed.
type walletSigner struct {
	session *depositSession
	owner   solana.PublicKey
	timeout time.Duration
}

func (w *walletSigner) SignTransaction(ctx context.Context, tx *solana.Transaction) (*solana.Transaction, error) {
	unsigned, err := tx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("encode transaction: %w", err)
	}
	message, err := tx.Message.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("encode transaction message: %w", err)
	}

	// Drop any stale reply from an earlier request.
	select {
	case <-w.session.signature:
	default:
	}

	w.session.send(messageSignRequest, signRequestPayload{
		Transaction: base64.StdEncoding.EncodeToString(unsigned),
		Purpose:     purposeOf(tx),
	})

	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("wait for wallet signature: %w", ctx.Err())
	case reply := <-w.session.signature:
		if reply.Type == messageRejected {
			return nil, deposit.ErrSignatureRejected
		}
		var req signedRequest
		if err := w.session.decode(reply, &req); err != nil {
			return nil, err
		}
		return verifySignedTransaction(req.Transaction, message, w.owner)
	}
}

// verifySignedTransaction accepts the wallet's copy only when the message is
// byte-identical to the one sent and the owner's signature verifies.
func verifySignedTransaction(encoded string, wantMessage []byte, owner solana.PublicKey) (*solana.Transaction, error) {
	signed, err := solana.TransactionFromBase64(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode signed transaction: %w", err)
	}
	gotMessage, err := signed.Message.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("encode signed message: %w", err)
	}
	if !bytes.Equal(gotMessage, wantMessage) {
		return nil, errors.New("wallet returned a different transaction")
	}
	if err := signed.VerifySignatures(); err != nil {
		return nil, fmt.Errorf("verify wallet signature: %w", err)
	}
	if len(signed.Signatures) == 0 || !signed.Message.AccountKeys[0].Equals(owner) {
		return nil, errors.New("transaction fee payer is not the connected wallet")
	}
	return signed, nil
}

func purposeOf(tx *solana.Transaction) string {
	initData := vault.EncodeInitialize()
	for _, ix := range tx.Message.Instructions {
		if bytes.Equal(ix.Data, initData) {
			return "initialize_vault"
		}
	}
	return "deposit"
}
