package services

import (
	"context"
	"sync"
	"time"

	"github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/config"
	"github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/events"
	"github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/kvstore"
	"github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/models"
	"github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/stellar"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Snapshot is the local read-model of one contract. Progress metrics are
// derived from Contract on every fetch, never stored on their own.
type Snapshot struct {
	Contract          *models.EscrowContract     `json:"contract"`
	Status            string                     `json:"status"`
	Transactions      []models.LedgerTransaction `json:"transactions"`
	FundingProgress   decimal.Decimal            `json:"funding_progress"`
	MilestoneProgress float64                    `json:"milestone_progress"`
	FetchedAt         time.Time                  `json:"fetched_at"`
}

// SnapshotStore mirrors snapshots to durable storage. May be nil.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, c *models.EscrowContract, fetchedAt time.Time) error
}

// StatusObserver keeps snapshots of watched contracts in sync with the ledger
// by polling on a fixed interval and reacting to account activity.
type StatusObserver struct {
	ledger    stellar.Ledger
	cache     kvstore.Store
	store     SnapshotStore
	publisher events.Publisher
	interval  time.Duration
	maxTxs    int
	log       *zap.Logger
	now       func() time.Time

	mu     sync.RWMutex
	latest map[string]Snapshot
}

func NewStatusObserver(ledger stellar.Ledger, cache kvstore.Store, store SnapshotStore, publisher events.Publisher, cfg *config.Config, log *zap.Logger) *StatusObserver {
	interval := cfg.ObserverPollInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	maxTxs := cfg.ObserverMaxTxs
	if maxTxs <= 0 {
		maxTxs = 50
	}
	return &StatusObserver{
		ledger:    ledger,
		cache:     cache,
		store:     store,
		publisher: publisher,
		interval:  interval,
		maxTxs:    maxTxs,
		log:       log,
		now:       time.Now,
		latest:    make(map[string]Snapshot),
	}
}

// Subscription delivers snapshots of one contract on C. Only the newest
// undelivered snapshot is kept. Close must be called to stop watching.
type Subscription struct {
	C <-chan Snapshot

	contractID string
	cancel     context.CancelFunc
	done       chan struct{}
	once       sync.Once
}

func (s *Subscription) ContractID() string { return s.contractID }

// Close stops polling and the activity stream and waits until both are gone.
// Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(s.cancel)
	<-s.done
}

// Done is closed once the watch has fully stopped.
func (s *Subscription) Done() <-chan struct{} { return s.done }

type watch struct {
	o          *StatusObserver
	contractID string
	holding    string
	out        chan Snapshot
	txs        []models.LedgerTransaction
}

// Watch fetches the contract once and keeps it fresh until the subscription
// is closed or ctx is cancelled. The first snapshot is available on C
// immediately.
func (o *StatusObserver) Watch(ctx context.Context, contractID string) (*Subscription, error) {
	c, err := o.ledger.QueryStatus(ctx, contractID)
	if err != nil {
		return nil, ledgerError(err)
	}

	wctx, cancel := context.WithCancel(ctx)
	w := &watch{
		o:          o,
		contractID: contractID,
		holding:    c.HoldingAccount,
		out:        make(chan Snapshot, 1),
	}
	if _, err := loadJSON(ctx, o.cache, activityKey(contractID), &w.txs); err != nil {
		o.log.Warn("load cached activity failed", zap.String("contract_id", contractID), zap.Error(err))
	}
	w.publish(wctx, c)

	sub := &Subscription{
		C:          w.out,
		contractID: contractID,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	go func() {
		defer close(sub.done)
		defer close(w.out)
		w.run(wctx)
	}()

	o.log.Debug("watching contract", zap.String("contract_id", contractID))
	return sub, nil
}

// Latest returns the most recently fetched snapshot of a contract.
func (o *StatusObserver) Latest(contractID string) (Snapshot, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	s, ok := o.latest[contractID]
	return s, ok
}

func (w *watch) run(ctx context.Context) {
	ticker := time.NewTicker(w.o.interval)
	defer ticker.Stop()

	var activity <-chan models.LedgerTransaction
	if w.holding != "" {
		stream, err := w.o.ledger.StreamAccountActivity(ctx, w.holding)
		if err != nil {
			w.o.log.Warn("activity stream unavailable, polling only",
				zap.String("contract_id", w.contractID),
				zap.Error(err),
			)
		} else {
			activity = stream
		}
	}

	// Ledgers close the stream once ctx is done; wait for it so Close
	// returns only after the subscription is released.
	defer func() {
		if activity != nil {
			for range activity {
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.refresh(ctx)
		case tx, ok := <-activity:
			if !ok {
				if ctx.Err() != nil {
					return
				}
				w.o.log.Warn("activity stream closed, polling only", zap.String("contract_id", w.contractID))
				activity = nil
				continue
			}
			w.prepend(ctx, tx)
			w.refresh(ctx)
		}
	}
}

func (w *watch) refresh(ctx context.Context) {
	c, err := w.o.ledger.QueryStatus(ctx, w.contractID)
	if err != nil {
		if ctx.Err() == nil {
			w.o.log.Warn("status refresh failed", zap.String("contract_id", w.contractID), zap.Error(err))
		}
		return
	}
	w.publish(ctx, c)
}

// prepend records an observed transaction, newest first, capped.
func (w *watch) prepend(ctx context.Context, tx models.LedgerTransaction) {
	for _, existing := range w.txs {
		if existing.Hash == tx.Hash && existing.Type == tx.Type {
			return
		}
	}
	txs := make([]models.LedgerTransaction, 0, len(w.txs)+1)
	txs = append(txs, tx)
	txs = append(txs, w.txs...)
	if len(txs) > w.o.maxTxs {
		txs = txs[:w.o.maxTxs]
	}
	w.txs = txs

	if err := saveJSON(ctx, w.o.cache, activityKey(w.contractID), w.txs); err != nil {
		w.o.log.Warn("cache activity failed", zap.String("contract_id", w.contractID), zap.Error(err))
	}
}

// publish replaces the snapshot wholesale: the last completed fetch wins.
func (w *watch) publish(ctx context.Context, c *models.EscrowContract) {
	o := w.o
	snap := Snapshot{
		Contract:          c,
		Status:            c.EffectiveStatus(),
		Transactions:      append([]models.LedgerTransaction(nil), w.txs...),
		FundingProgress:   c.FundingProgress(),
		MilestoneProgress: c.MilestoneProgress(),
		FetchedAt:         o.now(),
	}

	o.mu.Lock()
	prev, hadPrev := o.latest[w.contractID]
	o.latest[w.contractID] = snap
	o.mu.Unlock()

	if err := saveJSON(ctx, o.cache, snapshotKey(w.contractID), c); err != nil {
		o.log.Warn("cache snapshot failed", zap.String("contract_id", w.contractID), zap.Error(err))
	}
	if o.store != nil {
		if err := o.store.SaveSnapshot(ctx, c, snap.FetchedAt); err != nil {
			o.log.Warn("persist snapshot failed", zap.String("contract_id", w.contractID), zap.Error(err))
		}
	}
	if o.publisher != nil && (!hadPrev || changed(prev.Contract, c)) {
		_ = o.publisher.Publish(ctx, events.StreamEscrow, events.Event{
			Type: events.EventSnapshotUpdated,
			Payload: map[string]any{
				"contract_id":     w.contractID,
				"status":          snap.Status,
				"released_amount": c.ReleasedAmount.String(),
			},
		})
	}

	// Keep only the newest undelivered snapshot.
	select {
	case w.out <- snap:
	default:
		select {
		case <-w.out:
		default:
		}
		select {
		case w.out <- snap:
		default:
		}
	}
}

func changed(prev, next *models.EscrowContract) bool {
	if prev == nil {
		return true
	}
	return prev.EffectiveStatus() != next.EffectiveStatus() ||
		!prev.ReleasedAmount.Equal(next.ReleasedAmount) ||
		!prev.WithdrawnAmount.Equal(next.WithdrawnAmount) ||
		len(prev.Disputes) != len(next.Disputes)
}
