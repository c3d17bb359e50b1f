package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/config"
	"github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/kvstore"
	"github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/models"
	"go.uber.org/zap"
)

const (
	pendingTxPrefix  = "pending_tx:"
	preferencePrefix = "pref:"
)

// TransactionCache holds display metadata of on/off-ramp transfers and user
// preferences. It is not authoritative for escrow state.
type TransactionCache struct {
	store     kvstore.Store
	retention time.Duration
	log       *zap.Logger
	now       func() time.Time
}

func NewTransactionCache(store kvstore.Store, cfg *config.Config, log *zap.Logger) *TransactionCache {
	return &TransactionCache{
		store:     store,
		retention: cfg.CacheRetention,
		log:       log,
		now:       time.Now,
	}
}

func pendingTxKey(address, id string) string {
	return pendingTxPrefix + address + ":" + id
}

func (c *TransactionCache) Put(ctx context.Context, tx models.PendingTransaction) error {
	verr := &ValidationError{}
	if tx.ID == "" {
		verr.Add("id", "is required")
	}
	if tx.Address == "" {
		verr.Add("address", "is required")
	}
	if tx.Status == "" {
		verr.Add("status", "is required")
	}
	if err := verr.OrNil(); err != nil {
		return err
	}

	now := c.now()
	if existing, err := c.Get(ctx, tx.Address, tx.ID); err == nil {
		tx.CreatedAt = existing.CreatedAt
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = now
	}
	tx.UpdatedAt = now

	return saveJSON(ctx, c.store, pendingTxKey(tx.Address, tx.ID), tx)
}

func (c *TransactionCache) Get(ctx context.Context, address, id string) (*models.PendingTransaction, error) {
	var tx models.PendingTransaction
	ok, err := loadJSON(ctx, c.store, pendingTxKey(address, id), &tx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: pending transaction %s", ErrNotFound, id)
	}
	return &tx, nil
}

// List returns the cached transactions of address, newest first.
func (c *TransactionCache) List(ctx context.Context, address string) ([]models.PendingTransaction, error) {
	keys, err := c.store.Keys(ctx, pendingTxPrefix+address+":")
	if err != nil {
		return nil, err
	}
	out := make([]models.PendingTransaction, 0, len(keys))
	for _, key := range keys {
		var tx models.PendingTransaction
		ok, err := loadJSON(ctx, c.store, key, &tx)
		if err != nil {
			c.log.Warn("skip unreadable cache entry", zap.String("key", key), zap.Error(err))
			continue
		}
		if ok {
			out = append(out, tx)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (c *TransactionCache) SetPreference(ctx context.Context, address, name, value string) error {
	if address == "" || name == "" {
		verr := &ValidationError{}
		verr.Add("preference", "address and name are required")
		return verr
	}
	return c.store.Set(ctx, preferencePrefix+address+":"+name, []byte(value), 0)
}

func (c *TransactionCache) Preference(ctx context.Context, address, name string) (string, error) {
	v, err := c.store.Get(ctx, preferencePrefix+address+":"+name)
	if errors.Is(err, kvstore.ErrNotFound) {
		return "", fmt.Errorf("%w: preference %s", ErrNotFound, name)
	}
	if err != nil {
		return "", err
	}
	return string(v), nil
}

// Sweep removes entries that reached a terminal status and are older than
// the retention window. Unreadable entries are removed as well.
func (c *TransactionCache) Sweep(ctx context.Context, now time.Time) (int, error) {
	keys, err := c.store.Keys(ctx, pendingTxPrefix)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		data, err := c.store.Get(ctx, key)
		if errors.Is(err, kvstore.ErrNotFound) {
			continue
		}
		if err != nil {
			return removed, err
		}

		var tx models.PendingTransaction
		if err := json.Unmarshal(data, &tx); err != nil {
			c.log.Warn("removing corrupt cache entry", zap.String("key", key), zap.Error(err))
		} else if !models.IsTerminalPendingStatus(tx.Status) || now.Sub(tx.CreatedAt) <= c.retention {
			continue
		}

		if err := c.store.Delete(ctx, key); err != nil {
			return removed, err
		}
		removed++
	}

	if removed > 0 {
		c.log.Info("transaction cache swept",
			zap.Int("removed", removed),
			zap.String("retention", c.retention.String()),
		)
	}
	return removed, nil
}
