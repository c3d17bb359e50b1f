package events

import "context"

// Streams
const (
	StreamEscrow = "events:escrow"
	StreamBid    = "events:bid"
	StreamLedger = "events:ledger"
)

// Event types
const (
	EventEscrowCreated     = "escrow_created"
	EventMilestoneReleased = "milestone_released"
	EventScheduledReleased = "scheduled_released"
	EventReleaseAvailable  = "release_available"
	EventDisputeOpened     = "dispute_opened"
	EventDisputeResolved   = "dispute_resolved"
	EventWithdrawal        = "withdrawal"
	EventSnapshotUpdated   = "snapshot_updated"
	EventBidCheckpoint     = "bid_checkpoint"
	EventBidSubmitted      = "bid_submitted"
	EventLedgerActivity    = "ledger_activity"
)

type Event struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

type Publisher interface {
	Publish(ctx context.Context, stream string, event Event) error
}

type Subscriber interface {
	Subscribe(ctx context.Context, stream string, handler func(Event)) error
}
