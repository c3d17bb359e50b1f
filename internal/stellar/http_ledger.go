package stellar

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/models"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// HTTPLedger talks to a ledger daemon (cmd/ledgerd) over HTTP, with account
// activity streamed over a websocket.
type HTTPLedger struct {
	baseURL    string
	wsURL      string
	token      string
	httpClient *http.Client
	dialer     *websocket.Dialer
	log        *zap.Logger
}

func NewHTTPLedger(baseURL string, timeout time.Duration, log *zap.Logger) *HTTPLedger {
	baseURL = strings.TrimRight(baseURL, "/")
	wsURL := baseURL
	switch {
	case strings.HasPrefix(wsURL, "https://"):
		wsURL = "wss://" + strings.TrimPrefix(wsURL, "https://")
	case strings.HasPrefix(wsURL, "http://"):
		wsURL = "ws://" + strings.TrimPrefix(wsURL, "http://")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPLedger{
		baseURL: baseURL,
		wsURL:   wsURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
		log: log,
	}
}

// WithToken sets the bearer token sent with arbiter requests.
func (l *HTTPLedger) WithToken(token string) *HTTPLedger {
	l.token = token
	return l
}

type envelope struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error"`
	Code  string          `json:"code"`
}

func (l *HTTPLedger) Submit(ctx context.Context, tx *SignedTx) (*Confirmation, error) {
	var conf Confirmation
	if err := l.do(ctx, http.MethodPost, "/api/v1/tx", tx, &conf); err != nil {
		return nil, err
	}
	return &conf, nil
}

func (l *HTTPLedger) QueryStatus(ctx context.Context, contractID string) (*models.EscrowContract, error) {
	var c models.EscrowContract
	if err := l.do(ctx, http.MethodGet, "/api/v1/contracts/"+url.PathEscape(contractID), nil, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

type BalanceResponse struct {
	Address string          `json:"address"`
	Asset   string          `json:"asset"`
	Balance decimal.Decimal `json:"balance"`
}

func (l *HTTPLedger) Balance(ctx context.Context, address, asset string) (decimal.Decimal, error) {
	path := fmt.Sprintf("/api/v1/accounts/%s/balance?asset=%s", url.PathEscape(address), url.QueryEscape(asset))
	var resp BalanceResponse
	if err := l.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return decimal.Zero, err
	}
	return resp.Balance, nil
}

type FundRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// Fund uses the sandbox faucet.
func (l *HTTPLedger) Fund(ctx context.Context, address string, amount decimal.Decimal) (*models.LedgerTransaction, error) {
	var tx models.LedgerTransaction
	path := fmt.Sprintf("/api/v1/accounts/%s/fund", url.PathEscape(address))
	if err := l.do(ctx, http.MethodPost, path, FundRequest{Amount: amount}, &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

func (l *HTTPLedger) SubmitBid(ctx context.Context, bid *models.SignedBid) (*models.BidReceipt, error) {
	var receipt models.BidReceipt
	if err := l.do(ctx, http.MethodPost, "/api/v1/bids", bid, &receipt); err != nil {
		return nil, err
	}
	return &receipt, nil
}

type ResolveRequest struct {
	Outcome    string `json:"outcome"`
	Resolution string `json:"resolution,omitempty"`
}

// ResolveDispute applies an arbitration outcome. Requires an arbiter token.
func (l *HTTPLedger) ResolveDispute(ctx context.Context, contractID, disputeID, outcome, resolution string) (*models.EscrowContract, error) {
	var c models.EscrowContract
	path := fmt.Sprintf("/api/v1/contracts/%s/disputes/%s/resolve", url.PathEscape(contractID), url.PathEscape(disputeID))
	if err := l.do(ctx, http.MethodPost, path, ResolveRequest{Outcome: outcome, Resolution: resolution}, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

type loginRequest struct {
	Address   string `json:"address"`
	Challenge string `json:"challenge,omitempty"`
	Signature string `json:"signature,omitempty"`
}

// Login proves control of the wallet key with a signed challenge and keeps
// the issued token for later requests.
func (l *HTTPLedger) Login(ctx context.Context, w Wallet) (string, error) {
	address := w.Address()
	if address == "" {
		return "", ErrNotConnected
	}

	var challenge struct {
		Challenge string `json:"challenge"`
	}
	if err := l.do(ctx, http.MethodPost, "/api/v1/auth/challenge", loginRequest{Address: address}, &challenge); err != nil {
		return "", fmt.Errorf("request challenge: %w", err)
	}

	sig, err := w.SignMessage(ctx, []byte(challenge.Challenge))
	if err != nil {
		return "", err
	}

	var resp struct {
		Token string `json:"token"`
	}
	if err := l.do(ctx, http.MethodPost, "/api/v1/auth/token", loginRequest{
		Address:   address,
		Challenge: challenge.Challenge,
		Signature: hex.EncodeToString(sig),
	}, &resp); err != nil {
		return "", fmt.Errorf("exchange challenge: %w", err)
	}

	l.token = resp.Token
	return resp.Token, nil
}

func (l *HTTPLedger) StreamAccountActivity(ctx context.Context, account string) (<-chan models.LedgerTransaction, error) {
	conn, _, err := l.dialer.DialContext(ctx, l.wsURL+"/ws/accounts/"+url.PathEscape(account), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial activity stream: %v", ErrTransient, err)
	}

	ch := make(chan models.LedgerTransaction, 32)
	done := make(chan struct{})

	// Закрываем соединение по отмене контекста, чтобы разблокировать ReadJSON.
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		conn.Close()
	}()

	go func() {
		defer close(ch)
		defer close(done)
		for {
			var tx models.LedgerTransaction
			if err := conn.ReadJSON(&tx); err != nil {
				if ctx.Err() == nil {
					l.log.Warn("activity stream closed", zap.String("account", account), zap.Error(err))
				}
				return
			}
			select {
			case ch <- tx:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch, nil
}

func (l *HTTPLedger) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, l.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if l.token != "" {
		req.Header.Set("Authorization", "Bearer "+l.token)
	}

	resp, err := l.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: ledger unavailable: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read response: %v", ErrTransient, err)
	}

	var env envelope
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &env); err != nil && resp.StatusCode < 300 {
			return fmt.Errorf("decode ledger response: %w", err)
		}
	}

	if resp.StatusCode >= 300 {
		return statusError(resp.StatusCode, env, raw)
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	return json.Unmarshal(env.Data, out)
}

func statusError(status int, env envelope, raw []byte) error {
	msg := env.Error
	if msg == "" {
		msg = strings.TrimSpace(string(raw))
	}
	switch {
	case status == http.StatusGone:
		return ErrTxExpired
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrContractNotFound, msg)
	case status == http.StatusTooManyRequests || status >= 500:
		return fmt.Errorf("%w: ledger returned %d: %s", ErrTransient, status, msg)
	case env.Code != "":
		return &RejectionError{Code: env.Code, Message: msg}
	default:
		return fmt.Errorf("ledger returned %d: %s", status, msg)
	}
}
