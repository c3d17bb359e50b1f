package handlers

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/auth"
	"github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/config"
	"github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/events"
	"github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/rbac"
	"github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/stellar"
	"go.uber.org/zap"
)

type wsClient struct {
	conn    *websocket.Conn
	address string
	role    string
	mu      sync.Mutex // serializes writes
}

func (c *wsClient) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// WSHub relays bus events to websocket clients. Arbiters see every event,
// other accounts only events that mention their address.
type WSHub struct {
	cfg        *config.Config
	subscriber events.Subscriber
	log        *zap.Logger

	mu      sync.RWMutex
	clients map[string][]*wsClient
}

func NewWSHub(cfg *config.Config, subscriber events.Subscriber, log *zap.Logger) *WSHub {
	return &WSHub{
		cfg:        cfg,
		subscriber: subscriber,
		log:        log,
		clients:    make(map[string][]*wsClient),
	}
}

func (h *WSHub) Start(ctx context.Context) error {
	for _, stream := range []string{events.StreamEscrow, events.StreamBid, events.StreamLedger} {
		if err := h.subscriber.Subscribe(ctx, stream, h.broadcast); err != nil {
			return err
		}
	}
	return nil
}

func (h *WSHub) broadcast(event events.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for address, clients := range h.clients {
		for _, c := range clients {
			if c.role != rbac.RoleArbiter && !mentions(event, address) {
				continue
			}
			if err := c.write(data); err != nil {
				h.log.Debug("ws write failed", zap.String("address", address), zap.Error(err))
			}
		}
	}
}

func mentions(event events.Event, address string) bool {
	for _, v := range event.Payload {
		if s, ok := v.(string); ok && s == address {
			return true
		}
	}
	return false
}

// Clients returns the number of connected event clients.
func (h *WSHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, clients := range h.clients {
		n += len(clients)
	}
	return n
}

// WSUpgradeMiddleware checks for websocket upgrade
func WSUpgradeMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	}
}

func (h *WSHub) HandleWS(conn *websocket.Conn) {
	tokenStr := conn.Query("token")
	if tokenStr == "" {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"missing token"}`))
		conn.Close()
		return
	}

	claims, err := auth.ParseJWT(h.cfg.JWTSecret, tokenStr)
	if err != nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"invalid token"}`))
		conn.Close()
		return
	}

	client := &wsClient{conn: conn, address: claims.Address, role: claims.Role}

	h.mu.Lock()
	h.clients[client.address] = append(h.clients[client.address], client)
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		clients := h.clients[client.address]
		for i, c := range clients {
			if c == client {
				h.clients[client.address] = append(clients[:i], clients[i+1:]...)
				break
			}
		}
		if len(h.clients[client.address]) == 0 {
			delete(h.clients, client.address)
		}
		h.mu.Unlock()
		conn.Close()
	}()

	// Read loop (keep alive / pings)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

// ActivityHandler streams ledger transactions touching one account.
type ActivityHandler struct {
	ledger stellar.Ledger
	log    *zap.Logger
}

func NewActivityHandler(ledger stellar.Ledger, log *zap.Logger) *ActivityHandler {
	return &ActivityHandler{ledger: ledger, log: log}
}

func (h *ActivityHandler) HandleWS(conn *websocket.Conn) {
	account := conn.Params("address")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, err := h.ledger.StreamAccountActivity(ctx, account)
	if err != nil {
		_ = conn.WriteJSON(map[string]string{"error": err.Error()})
		conn.Close()
		return
	}

	// Клиент закрыл соединение: останавливаем поток.
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	failed := false
	for tx := range stream {
		if failed {
			continue
		}
		if err := conn.WriteJSON(tx); err != nil {
			h.log.Debug("activity write failed", zap.String("account", account), zap.Error(err))
			failed = true
			cancel()
		}
	}

	// The connection must not be used after the handler returns.
	conn.Close()
	<-readerDone
}
