package services

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/kvstore"
	"github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/models"
)

// Cache keys for the local read-model. Values are replaced wholesale.
func snapshotKey(contractID string) string { return "escrow:snapshot:" + contractID }
func activityKey(contractID string) string { return "escrow:activity:" + contractID }

func saveJSON(ctx context.Context, store kvstore.Store, key string, v any) error {
	if store == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return store.Set(ctx, key, data, 0)
}

// loadJSON returns false when the key is absent.
func loadJSON(ctx context.Context, store kvstore.Store, key string, v any) (bool, error) {
	if store == nil {
		return false, nil
	}
	data, err := store.Get(ctx, key)
	if errors.Is(err, kvstore.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, json.Unmarshal(data, v)
}

func loadSnapshot(ctx context.Context, store kvstore.Store, contractID string) (*models.EscrowContract, error) {
	var c models.EscrowContract
	ok, err := loadJSON(ctx, store, snapshotKey(contractID), &c)
	if err != nil || !ok {
		return nil, err
	}
	return &c, nil
}
