package models

import (
	"time"

	"github.com/google/uuid"
)

type AuditLog struct {
	ID         uuid.UUID `json:"id"`
	Actor      string    `json:"actor,omitempty"` // stellar address
	ActorType  string    `json:"actor_type"`      // client/provider/freelancer/arbiter/system
	Action     string    `json:"action"`
	EntityType string    `json:"entity_type"` // escrow/bid/dispute
	EntityID   string    `json:"entity_id"`
	Meta       any       `json:"meta,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
