package http

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"net"
	nethttp "net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/auth"
	"github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/config"
	"github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/events"
	"github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/http/dto"
	"github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/http/handlers"
	"github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/kvstore"
	"github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/models"
	"github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/rbac"
	"github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/stellar"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testPassphrase = "Test Escrow Network ; 2026"

type testServer struct {
	app     *fiber.App
	cfg     *config.Config
	sandbox *stellar.Sandbox
	bus     *events.MemoryBus
	hub     *handlers.WSHub
	baseURL string
}

func newTestServer(t *testing.T, arbiters ...string) *testServer {
	t.Helper()
	cfg := &config.Config{
		NetworkPassphrase: testPassphrase,
		Asset:             "USDC",
		FeeReserve:        decimal.NewFromInt(1),
		JWTSecret:         "test-secret",
		JWTExpiration:     time.Hour,
		ArbiterAddresses:  arbiters,
	}
	log := zap.NewNop()
	sb := stellar.NewSandbox(cfg.NetworkPassphrase, cfg.Asset)
	bus := events.NewMemoryBus()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	hub := handlers.NewWSHub(cfg, bus, log)
	require.NoError(t, hub.Start(ctx))

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	SetupRouter(app, cfg, log, nil,
		handlers.NewLedgerHandler(sb, bus, cfg, log),
		handlers.NewAuthHandler(kvstore.NewMemoryStore(), cfg, log),
		handlers.NewActivityHandler(sb, log),
		hub,
	)
	return &testServer{app: app, cfg: cfg, sandbox: sb, bus: bus, hub: hub}
}

// listen serves the app on a loopback port for real HTTP clients.
func (s *testServer) listen(t *testing.T) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = s.app.Listener(ln) }()
	t.Cleanup(func() { _ = s.app.Shutdown() })
	s.baseURL = "http://" + ln.Addr().String()
}

func newWallet(t *testing.T, balances stellar.BalanceSource) *stellar.KeypairWallet {
	t.Helper()
	seed, _, err := stellar.GenerateSeed()
	require.NoError(t, err)
	w, err := stellar.NewKeypairWallet(seed, testPassphrase, balances)
	require.NoError(t, err)
	_, err = w.Connect(context.Background())
	require.NoError(t, err)
	return w
}

func decodeError(t *testing.T, resp *nethttp.Response) dto.ErrorResponse {
	t.Helper()
	defer resp.Body.Close()
	var out dto.ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestRouter_Basics(t *testing.T) {
	srv := newTestServer(t)

	resp, err := srv.app.Test(httptest.NewRequest(nethttp.MethodGet, "/health", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	resp, err = srv.app.Test(httptest.NewRequest(nethttp.MethodGet, "/api/v1/meta/network", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	var meta struct {
		Data dto.NetworkResponse `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&meta))
	id := stellar.NetworkID(testPassphrase)
	require.Equal(t, hex.EncodeToString(id[:]), meta.Data.NetworkID)

	resp, err = srv.app.Test(httptest.NewRequest(nethttp.MethodGet, "/api/v1/contracts/missing", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusNotFound, resp.StatusCode)

	resp, err = srv.app.Test(httptest.NewRequest(nethttp.MethodGet, "/api/v1/accounts/GBAD/balance", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	require.Equal(t, stellar.CodeInvalidArgument, decodeError(t, resp).Code)

	req := httptest.NewRequest(nethttp.MethodPost, "/api/v1/tx", bytes.NewBufferString(`{"tx":{}}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err = srv.app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestRouter_ResolveRequiresArbiterToken(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(nethttp.MethodPost, "/api/v1/contracts/c/disputes/d/resolve", bytes.NewBufferString(`{"outcome":"resolved"}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := srv.app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}

func TestLedgerOverHTTP(t *testing.T) {
	ctx := context.Background()
	arbiterWallet := newWallet(t, nil)
	srv := newTestServer(t, arbiterWallet.Address())
	srv.listen(t)

	ledger := stellar.NewHTTPLedger(srv.baseURL, 5*time.Second, zap.NewNop())
	client := newWallet(t, ledger)
	provider := newWallet(t, ledger)

	_, err := ledger.Fund(ctx, client.Address(), decimal.NewFromInt(1500))
	require.NoError(t, err)
	balance, err := client.GetBalance(ctx, client.Address(), "USDC")
	require.NoError(t, err)
	require.True(t, balance.Equal(decimal.NewFromInt(1500)))

	submit := func(w *stellar.KeypairWallet, op stellar.Operation) (*stellar.Confirmation, error) {
		signed, err := w.SignTransaction(ctx, &stellar.Tx{
			Source:     w.Address(),
			Network:    testPassphrase,
			Nonce:      time.Now().Format(time.RFC3339Nano),
			Operation:  op,
			ValidUntil: time.Now().Add(time.Minute),
		})
		require.NoError(t, err)
		return ledger.Submit(ctx, signed)
	}

	conf, err := submit(client, stellar.Operation{
		Type:        stellar.OpCreateEscrow,
		Provider:    provider.Address(),
		TotalAmount: decimal.RequireFromString("1000.50"),
		ReleaseType: models.ReleaseMilestoneBased,
		Milestones: []models.Milestone{
			{ID: 1, Description: "design", Amount: decimal.RequireFromString("500.25")},
			{ID: 2, Description: "build", Amount: decimal.RequireFromString("500.25")},
		},
	})
	require.NoError(t, err)
	contractID := conf.ContractID

	contract, err := ledger.QueryStatus(ctx, contractID)
	require.NoError(t, err)
	require.Equal(t, client.Address(), contract.Client)

	activityCtx, stopActivity := context.WithCancel(ctx)
	defer stopActivity()
	activity, err := ledger.StreamAccountActivity(activityCtx, contract.HoldingAccount)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return srv.sandbox.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)

	// Rejections keep their ledger code across the wire.
	_, err = submit(provider, stellar.Operation{Type: stellar.OpReleaseMilestone, ContractID: contractID, MilestoneID: 1})
	require.Equal(t, stellar.CodeUnauthorized, stellar.RejectionCode(err))

	_, err = submit(client, stellar.Operation{Type: stellar.OpReleaseMilestone, ContractID: contractID, MilestoneID: 1})
	require.NoError(t, err)

	select {
	case tx := <-activity:
		require.Equal(t, models.TxTypeMilestonePaid, tx.Type)
		require.True(t, tx.Amount.Equal(decimal.RequireFromString("500.25")))
	case <-time.After(2 * time.Second):
		t.Fatal("no activity received")
	}

	dispute, err := submit(provider, stellar.Operation{Type: stellar.OpOpenDispute, ContractID: contractID, Reason: "late payment"})
	require.NoError(t, err)

	_, err = ledger.QueryStatus(ctx, "missing")
	require.ErrorIs(t, err, stellar.ErrContractNotFound)

	// A party token cannot resolve disputes.
	partyToken := login(t, srv.baseURL, provider)
	_, err = stellar.NewHTTPLedger(srv.baseURL, 5*time.Second, zap.NewNop()).WithToken(partyToken).
		ResolveDispute(ctx, contractID, dispute.DisputeID, models.OutcomeRefundClient, "")
	require.Error(t, err)

	arbiterToken := login(t, srv.baseURL, arbiterWallet)
	resolved, err := stellar.NewHTTPLedger(srv.baseURL, 5*time.Second, zap.NewNop()).WithToken(arbiterToken).
		ResolveDispute(ctx, contractID, dispute.DisputeID, models.OutcomeRefundClient, "work not delivered")
	require.NoError(t, err)
	require.Equal(t, models.EscrowStatusCancelled, resolved.Status)

	balance, err = ledger.Balance(ctx, client.Address(), "USDC")
	require.NoError(t, err)
	require.True(t, balance.Equal(decimal.RequireFromString("999.75")), balance.String())

	stopActivity()
	require.Eventually(t, func() bool { return srv.sandbox.Subscribers() == 0 }, 2*time.Second, 10*time.Millisecond)
}

type okResponse[T any] struct {
	OK   bool `json:"ok"`
	Data T    `json:"data"`
}

func postJSON(t *testing.T, url string, body, out any) int {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := nethttp.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func login(t *testing.T, baseURL string, w *stellar.KeypairWallet) string {
	t.Helper()
	var challenge okResponse[dto.ChallengeResponse]
	status := postJSON(t, baseURL+"/api/v1/auth/challenge", dto.ChallengeRequest{Address: w.Address()}, &challenge)
	require.Equal(t, nethttp.StatusOK, status)

	sig, err := w.SignMessage(context.Background(), []byte(challenge.Data.Challenge))
	require.NoError(t, err)

	var tokenResp okResponse[dto.AuthResponse]
	status = postJSON(t, baseURL+"/api/v1/auth/token", dto.TokenRequest{
		Address:   w.Address(),
		Challenge: challenge.Data.Challenge,
		Signature: hex.EncodeToString(sig),
	}, &tokenResp)
	require.Equal(t, nethttp.StatusOK, status)
	require.NotEmpty(t, tokenResp.Data.Token)

	// Challenges are single use.
	status = postJSON(t, baseURL+"/api/v1/auth/token", dto.TokenRequest{
		Address:   w.Address(),
		Challenge: challenge.Data.Challenge,
		Signature: hex.EncodeToString(sig),
	}, nil)
	require.Equal(t, nethttp.StatusUnauthorized, status)

	return tokenResp.Data.Token
}

func TestAuthRoles(t *testing.T) {
	arbiter := newWallet(t, nil)
	srv := newTestServer(t, arbiter.Address())
	srv.listen(t)

	require.NotEmpty(t, login(t, srv.baseURL, arbiter))

	// A challenge signed by another key is refused.
	other := newWallet(t, nil)
	var challenge okResponse[dto.ChallengeResponse]
	postJSON(t, srv.baseURL+"/api/v1/auth/challenge", dto.ChallengeRequest{Address: other.Address()}, &challenge)
	sig, err := arbiter.SignMessage(context.Background(), []byte(challenge.Data.Challenge))
	require.NoError(t, err)
	status := postJSON(t, srv.baseURL+"/api/v1/auth/token", dto.TokenRequest{
		Address:   other.Address(),
		Challenge: challenge.Data.Challenge,
		Signature: hex.EncodeToString(sig),
	}, nil)
	require.Equal(t, nethttp.StatusUnauthorized, status)

	sig, err = other.SignMessage(context.Background(), []byte(challenge.Data.Challenge))
	require.NoError(t, err)
	var resp okResponse[dto.AuthResponse]
	status = postJSON(t, srv.baseURL+"/api/v1/auth/token", dto.TokenRequest{
		Address:   other.Address(),
		Challenge: challenge.Data.Challenge,
		Signature: hex.EncodeToString(sig),
	}, &resp)
	require.Equal(t, nethttp.StatusOK, status)
	require.Equal(t, rbac.RoleParty, resp.Data.Role)

	// HTTPLedger.Login runs the same exchange.
	ledger := stellar.NewHTTPLedger(srv.baseURL, 5*time.Second, zap.NewNop())
	token, err := ledger.Login(context.Background(), arbiter)
	require.NoError(t, err)
	require.NotEmpty(t, token)
}

func TestEventHub_FiltersByAddress(t *testing.T) {
	arbiter := newWallet(t, nil)
	party := newWallet(t, nil)
	srv := newTestServer(t, arbiter.Address())
	srv.listen(t)
	wsBase := "ws" + strings.TrimPrefix(srv.baseURL, "http")

	dial := func(address, role string) *websocket.Conn {
		token, err := auth.GenerateJWT(srv.cfg.JWTSecret, address, role, time.Hour)
		require.NoError(t, err)
		conn, _, err := websocket.DefaultDialer.Dial(wsBase+"/ws/events?token="+token, nil)
		require.NoError(t, err)
		t.Cleanup(func() { _ = conn.Close() })
		return conn
	}
	arbiterConn := dial(arbiter.Address(), rbac.RoleArbiter)
	partyConn := dial(party.Address(), rbac.RoleParty)
	require.Eventually(t, func() bool { return srv.hub.Clients() == 2 }, 2*time.Second, 10*time.Millisecond)

	ctx := context.Background()
	require.NoError(t, srv.bus.Publish(ctx, events.StreamEscrow, events.Event{
		Type:    events.EventEscrowCreated,
		Payload: map[string]any{"contract_id": "other", "client": "GSOMEONEELSE"},
	}))
	require.NoError(t, srv.bus.Publish(ctx, events.StreamEscrow, events.Event{
		Type:    events.EventMilestoneReleased,
		Payload: map[string]any{"contract_id": "mine", "provider": party.Address()},
	}))

	read := func(conn *websocket.Conn) events.Event {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var ev events.Event
		require.NoError(t, conn.ReadJSON(&ev))
		return ev
	}

	ev := read(partyConn)
	require.Equal(t, events.EventMilestoneReleased, ev.Type)
	require.Equal(t, "mine", ev.Payload["contract_id"])

	require.Equal(t, "other", read(arbiterConn).Payload["contract_id"])
	require.Equal(t, "mine", read(arbiterConn).Payload["contract_id"])

	require.NoError(t, partyConn.Close())
	require.Eventually(t, func() bool { return srv.hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)
}
