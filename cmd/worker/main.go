package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/config"
	"github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/db"
	"github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/events"
	"github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/kvstore"
	"github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/models"
	"github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/repositories"
	"github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/services"
	"github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/stellar"
	"github.com/lifafa03/EasyA-Hack-stellar-sub002/migrations"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	ledgerTimeout   = 10 * time.Second
	maxWatched      = 500
	releasesPerScan = 100
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()
	cfg.Validate(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPostgresPool(ctx, cfg.PostgresDSN, "escrow-worker", log)
	if err != nil {
		log.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pool.Close()

	if err := db.RunMigrations(ctx, pool, migrations.FS, log); err != nil {
		log.Fatal("failed to run migrations", zap.Error(err))
	}

	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	// Repos
	escrowRepo := repositories.NewEscrowRepo(pool)
	auditRepo := repositories.NewAuditRepo(pool)

	// Services
	publisher := events.NewRedisPublisher(rdb, log)
	subscriber := events.NewRedisSubscriber(rdb, log)
	store := kvstore.NewRedisStore(rdb, "escrow")
	ledger := stellar.NewHTTPLedger(cfg.LedgerURL, ledgerTimeout, log)

	txCache := services.NewTransactionCache(store, cfg, log)
	observer := services.NewStatusObserver(ledger, store, escrowRepo, publisher, cfg, log)

	scanner := &releaseScanner{repo: escrowRepo, publisher: publisher, log: log}
	if cfg.ReleaseKeeper {
		wallet, err := stellar.NewKeypairWallet(cfg.WalletSecret, cfg.NetworkPassphrase, ledger)
		if err != nil {
			log.Fatal("invalid WALLET_SECRET", zap.Error(err))
		}
		if _, err := wallet.Connect(ctx); err != nil {
			log.Fatal("failed to connect wallet", zap.Error(err))
		}
		guard := services.NewBalanceGuard(ledger, cfg, log)
		scanner.escrow = services.NewEscrowService(ledger, guard, store, auditRepo, publisher, cfg, log)
		scanner.wallet = wallet
		log.Info("scheduled releases will be submitted", zap.String("signer", wallet.Address()))
	}

	watcher := &contractWatcher{
		observer: observer,
		repo:     escrowRepo,
		log:      log,
		subs:     make(map[string]*services.Subscription),
	}

	log.Info("worker started")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		every(gctx, cfg.SweepInterval, func() { runCacheSweep(gctx, txCache, log) })
		return nil
	})
	g.Go(func() error {
		every(gctx, cfg.ReleaseScanInterval, func() { scanner.run(gctx) })
		return nil
	})
	g.Go(func() error {
		return watcher.run(gctx, subscriber)
	})

	if err := g.Wait(); err != nil {
		log.Error("worker stopped with error", zap.Error(err))
		os.Exit(1)
	}
	log.Info("worker stopped")
}

// every runs fn immediately and then on each tick until ctx is done.
func every(ctx context.Context, interval time.Duration, fn func()) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		fn()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func runCacheSweep(ctx context.Context, cache *services.TransactionCache, log *zap.Logger) {
	removed, err := cache.Sweep(ctx, time.Now())
	if err != nil {
		log.Error("cache sweep failed", zap.Error(err))
		return
	}
	if removed > 0 {
		log.Info("swept pending transactions", zap.Int("removed", removed))
	}
}

// releaseScanner looks for time-based releases whose date has passed. With a
// signer configured it submits them, otherwise it only announces them.
type releaseScanner struct {
	repo      *repositories.EscrowRepo
	publisher events.Publisher
	escrow    *services.EscrowService
	wallet    stellar.Wallet
	log       *zap.Logger
}

func (s *releaseScanner) run(ctx context.Context) {
	contracts, err := s.repo.ListActiveTimeBased(ctx)
	if err != nil {
		s.log.Error("failed to list time-based contracts", zap.Error(err))
		return
	}

	now := time.Now()
	submitted := 0
	for _, c := range contracts {
		due := services.EligibleReleasesAt(c, now)
		if len(due) == 0 {
			continue
		}

		if s.escrow == nil {
			_ = s.publisher.Publish(ctx, events.StreamEscrow, events.Event{
				Type: events.EventReleaseAvailable,
				Payload: map[string]any{
					"contract_id":     c.ID,
					"client":          c.Client,
					"provider":        c.Provider,
					"release_indexes": due,
				},
			})
			continue
		}

		for _, idx := range due {
			if submitted >= releasesPerScan {
				s.log.Warn("release scan limit reached, continuing next tick")
				return
			}
			hash, err := s.escrow.ReleaseScheduled(ctx, c.ID, idx, s.wallet)
			if err != nil {
				// The mirrored snapshot may lag the ledger.
				s.log.Warn("scheduled release failed",
					zap.String("contract_id", c.ID),
					zap.Int("release_index", idx),
					zap.Error(err),
				)
				continue
			}
			submitted++
			s.log.Info("scheduled release submitted",
				zap.String("contract_id", c.ID),
				zap.Int("release_index", idx),
				zap.String("tx_hash", hash),
			)
		}
	}
}

// contractWatcher keeps one status observer subscription per open contract.
// Snapshots are mirrored to postgres by the observer itself.
type contractWatcher struct {
	observer *services.StatusObserver
	repo     *repositories.EscrowRepo
	log      *zap.Logger

	mu   sync.Mutex
	subs map[string]*services.Subscription
}

func (w *contractWatcher) run(ctx context.Context, subscriber events.Subscriber) error {
	err := subscriber.Subscribe(ctx, events.StreamLedger, func(e events.Event) {
		if e.Type != events.EventLedgerActivity || e.Payload["op"] != stellar.OpCreateEscrow {
			return
		}
		if id, _ := e.Payload["contract_id"].(string); id != "" {
			w.watch(ctx, id)
		}
	})
	if err != nil {
		return err
	}

	ids, err := w.repo.ListOpen(ctx, maxWatched)
	if err != nil {
		return err
	}
	for _, id := range ids {
		w.watch(ctx, id)
	}
	w.log.Info("watching open contracts", zap.Int("count", len(ids)))

	<-ctx.Done()

	w.mu.Lock()
	subs := make([]*services.Subscription, 0, len(w.subs))
	for _, sub := range w.subs {
		subs = append(subs, sub)
	}
	w.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
	return nil
}

func (w *contractWatcher) watch(ctx context.Context, contractID string) {
	w.mu.Lock()
	if _, ok := w.subs[contractID]; ok || len(w.subs) >= maxWatched {
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	sub, err := w.observer.Watch(ctx, contractID)
	if err != nil {
		w.log.Warn("failed to watch contract", zap.String("contract_id", contractID), zap.Error(err))
		return
	}

	w.mu.Lock()
	if _, ok := w.subs[contractID]; ok {
		w.mu.Unlock()
		sub.Close()
		return
	}
	w.subs[contractID] = sub
	w.mu.Unlock()

	go func() {
		for snap := range sub.C {
			if models.IsTerminalEscrowStatus(snap.Status) {
				w.log.Info("contract settled, stop watching",
					zap.String("contract_id", contractID),
					zap.String("status", snap.Status),
				)
				w.mu.Lock()
				delete(w.subs, contractID)
				w.mu.Unlock()
				go sub.Close()
			}
		}
	}()
}
