package stellar

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// Wallet is the signing capability of a connected account.
type Wallet interface {
	Connect(ctx context.Context) (string, error)
	// Address returns the connected address, "" when not connected.
	Address() string
	SignTransaction(ctx context.Context, tx *Tx) (*SignedTx, error)
	SignMessage(ctx context.Context, msg []byte) ([]byte, error)
	GetBalance(ctx context.Context, address, asset string) (decimal.Decimal, error)
}

// KeypairWallet signs with a local ed25519 key. Balances come from the
// ledger it is attached to.
type KeypairWallet struct {
	key        ed25519.PrivateKey
	address    string
	passphrase string
	balances   BalanceSource

	mu        sync.RWMutex
	connected bool
}

// NewKeypairWallet builds a wallet from a hex-encoded 32-byte seed.
func NewKeypairWallet(seedHex, passphrase string, balances BalanceSource) (*KeypairWallet, error) {
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("invalid wallet seed hex: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("invalid wallet seed size: %d", len(seed))
	}
	return newKeypairWallet(ed25519.NewKeyFromSeed(seed), passphrase, balances)
}

func newKeypairWallet(key ed25519.PrivateKey, passphrase string, balances BalanceSource) (*KeypairWallet, error) {
	address, err := EncodeAddress(key.Public().(ed25519.PublicKey))
	if err != nil {
		return nil, err
	}
	return &KeypairWallet{
		key:        key,
		address:    address,
		passphrase: passphrase,
		balances:   balances,
	}, nil
}

// GenerateSeed returns a fresh hex seed and the address it controls.
func GenerateSeed() (seedHex, address string, err error) {
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", "", err
	}
	address, err = EncodeAddress(key.Public().(ed25519.PublicKey))
	if err != nil {
		return "", "", err
	}
	return hex.EncodeToString(key.Seed()), address, nil
}

func (w *KeypairWallet) Connect(ctx context.Context) (string, error) {
	w.mu.Lock()
	w.connected = true
	w.mu.Unlock()
	return w.address, nil
}

func (w *KeypairWallet) Disconnect() {
	w.mu.Lock()
	w.connected = false
	w.mu.Unlock()
}

func (w *KeypairWallet) Address() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if !w.connected {
		return ""
	}
	return w.address
}

func (w *KeypairWallet) SignTransaction(ctx context.Context, tx *Tx) (*SignedTx, error) {
	if w.Address() == "" {
		return nil, ErrNotConnected
	}
	if tx.Source != w.address {
		return nil, fmt.Errorf("tx source %s does not match wallet %s", tx.Source, w.address)
	}
	if tx.Network != w.passphrase {
		return nil, fmt.Errorf("tx network %q does not match wallet network", tx.Network)
	}
	sig := Sign(w.key, w.passphrase, tx.HashBytes())
	return &SignedTx{Tx: *tx, Signature: hex.EncodeToString(sig)}, nil
}

func (w *KeypairWallet) SignMessage(ctx context.Context, msg []byte) ([]byte, error) {
	if w.Address() == "" {
		return nil, ErrNotConnected
	}
	return Sign(w.key, w.passphrase, msg), nil
}

func (w *KeypairWallet) GetBalance(ctx context.Context, address, asset string) (decimal.Decimal, error) {
	if w.balances == nil {
		return decimal.Zero, fmt.Errorf("wallet has no balance source")
	}
	return w.balances.Balance(ctx, address, asset)
}
