package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/config"
	"github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/events"
	"github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/kvstore"
	"github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/models"
	"github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/stellar"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testPassphrase = "Test Escrow Network ; 2026"

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testConfig() *config.Config {
	return &config.Config{
		NetworkPassphrase:    testPassphrase,
		Asset:                "USDC",
		FeeReserve:           decimal.NewFromInt(1),
		LowBalanceThreshold:  decimal.NewFromInt(10),
		BalanceStaleness:     5 * time.Second,
		SubmissionTimeout:    3 * time.Minute,
		BidSubmitMaxAttempts: 3,
		BidSubmitRetryDelay:  time.Millisecond,
		ObserverPollInterval: 20 * time.Millisecond,
		ObserverMaxTxs:       50,
		CacheRetention:       90 * 24 * time.Hour,
	}
}

// recordingAudit keeps audit entries in memory.
type recordingAudit struct {
	mu      sync.Mutex
	entries []models.AuditLog
}

func (a *recordingAudit) Log(ctx context.Context, entry models.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, entry)
	return nil
}

func (a *recordingAudit) Actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.entries))
	for _, e := range a.entries {
		out = append(out, e.Action)
	}
	return out
}

// collector gathers events published on one stream.
type collector struct {
	mu     sync.Mutex
	events []events.Event
}

func collect(t *testing.T, bus *events.MemoryBus, stream string) *collector {
	t.Helper()
	c := &collector{}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, bus.Subscribe(ctx, stream, func(e events.Event) {
		c.mu.Lock()
		c.events = append(c.events, e)
		c.mu.Unlock()
	}))
	return c
}

func (c *collector) Types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.events))
	for _, e := range c.events {
		out = append(out, e.Type)
	}
	return out
}

type testEnv struct {
	cfg    *config.Config
	clock  *testClock
	ledger *stellar.Sandbox
	cache  *kvstore.MemoryStore
	bus    *events.MemoryBus
	audit  *recordingAudit
	svc    *EscrowService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := testConfig()
	clock := newTestClock()
	sb := stellar.NewSandbox(cfg.NetworkPassphrase, cfg.Asset, stellar.WithClock(clock.Now))
	cache := kvstore.NewMemoryStore()
	bus := events.NewMemoryBus()
	audit := &recordingAudit{}
	log := zap.NewNop()

	guard := NewBalanceGuard(sb, cfg, log)
	guard.now = clock.Now
	svc := NewEscrowService(sb, guard, cache, audit, bus, cfg, log)
	svc.now = clock.Now

	return &testEnv{cfg: cfg, clock: clock, ledger: sb, cache: cache, bus: bus, audit: audit, svc: svc}
}

// wallet returns a connected wallet funded with funds units of the asset.
func (e *testEnv) wallet(t *testing.T, funds string) *stellar.KeypairWallet {
	t.Helper()
	seed, _, err := stellar.GenerateSeed()
	require.NoError(t, err)
	w, err := stellar.NewKeypairWallet(seed, e.cfg.NetworkPassphrase, e.ledger)
	require.NoError(t, err)
	_, err = w.Connect(context.Background())
	require.NoError(t, err)
	if funds != "" {
		_, err = e.ledger.Fund(w.Address(), decimal.RequireFromString(funds))
		require.NoError(t, err)
	}
	return w
}

func (e *testEnv) balance(t *testing.T, address string) decimal.Decimal {
	t.Helper()
	b, err := e.ledger.Balance(context.Background(), address, e.cfg.Asset)
	require.NoError(t, err)
	return b
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func requireDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.Truef(t, dec(want).Equal(got), "want %s, got %s", want, got)
}
