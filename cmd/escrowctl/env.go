package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/config"
	"github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/db"
	"github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/events"
	"github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/kvstore"
	"github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/repositories"
	"github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/services"
	"github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/stellar"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

const ledgerTimeout = 30 * time.Second

var errNoRedis = errors.New("this command needs --redis")

// env holds the clients one command invocation works with. Redis and
// postgres are optional.
type env struct {
	cfg    *config.Config
	log    *zap.Logger
	ledger *stellar.HTTPLedger
	store  kvstore.Store
	rdb    *redis.Client
	pool   *pgxpool.Pool
}

func newEnv(cctx *cli.Context) (*env, error) {
	cfg := config.Load()
	if u := cctx.String("ledger"); u != "" {
		cfg.LedgerURL = u
	}
	if s := cctx.String("secret"); s != "" {
		cfg.WalletSecret = s
	}

	level, err := zap.ParseAtomicLevel(cctx.String("log-level"))
	if err != nil {
		return nil, fmt.Errorf("invalid --log-level: %w", err)
	}
	zcfg := zap.NewDevelopmentConfig()
	zcfg.Level = level
	log, err := zcfg.Build()
	if err != nil {
		return nil, err
	}
	cfg.Validate(log)

	e := &env{
		cfg:    cfg,
		log:    log,
		ledger: stellar.NewHTTPLedger(cfg.LedgerURL, ledgerTimeout, log),
		store:  kvstore.NewMemoryStore(),
	}

	ctx := cctx.Context
	if u := cctx.String("redis"); u != "" {
		rdb, err := db.NewRedisClient(ctx, u, log)
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		e.rdb = rdb
		e.store = kvstore.NewRedisStore(rdb, "escrow")
	}
	if dsn := cctx.String("postgres"); dsn != "" {
		pool, err := db.NewPostgresPool(ctx, dsn, "escrowctl", log)
		if err != nil {
			e.close()
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		e.pool = pool
	}
	return e, nil
}

func (e *env) close() {
	if e.pool != nil {
		e.pool.Close()
	}
	if e.rdb != nil {
		_ = e.rdb.Close()
	}
	_ = e.log.Sync()
}

func (e *env) wallet(ctx context.Context) (*stellar.KeypairWallet, error) {
	if e.cfg.WalletSecret == "" {
		return nil, errors.New("no wallet: set --secret or WALLET_SECRET")
	}
	w, err := stellar.NewKeypairWallet(e.cfg.WalletSecret, e.cfg.NetworkPassphrase, e.ledger)
	if err != nil {
		return nil, err
	}
	if _, err := w.Connect(ctx); err != nil {
		return nil, err
	}
	return w, nil
}

func (e *env) publisher() events.Publisher {
	if e.rdb == nil {
		return nil
	}
	return events.NewRedisPublisher(e.rdb, e.log)
}

func (e *env) audit() services.AuditLogger {
	if e.pool == nil {
		return nil
	}
	return repositories.NewAuditRepo(e.pool)
}

func (e *env) guard() *services.BalanceGuard {
	return services.NewBalanceGuard(e.ledger, e.cfg, e.log)
}

func (e *env) escrow() *services.EscrowService {
	return services.NewEscrowService(e.ledger, e.guard(), e.store, e.audit(), e.publisher(), e.cfg, e.log)
}

func (e *env) txCache() (*services.TransactionCache, error) {
	if e.rdb == nil {
		return nil, errNoRedis
	}
	return services.NewTransactionCache(e.store, e.cfg, e.log), nil
}

// withEnv wraps a command action with env setup and teardown.
func withEnv(action func(cctx *cli.Context, e *env) error) cli.ActionFunc {
	return func(cctx *cli.Context) error {
		e, err := newEnv(cctx)
		if err != nil {
			return err
		}
		defer e.close()
		return action(cctx, e)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func argN(cctx *cli.Context, n int, name string) (string, error) {
	v := cctx.Args().Get(n)
	if v == "" {
		return "", fmt.Errorf("missing argument <%s>", name)
	}
	return v, nil
}
