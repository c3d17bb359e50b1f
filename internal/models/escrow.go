package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Escrow statuses. Disputed is never stored by the ledger: it is derived from
// open disputes, see EffectiveStatus.
const (
	EscrowStatusActive    = "active"
	EscrowStatusDisputed  = "disputed"
	EscrowStatusCompleted = "completed"
	EscrowStatusCancelled = "cancelled"
)

// Valid state transitions: from -> []to
var ValidEscrowTransitions = map[string][]string{
	EscrowStatusActive:    {EscrowStatusDisputed, EscrowStatusCompleted},
	EscrowStatusDisputed:  {EscrowStatusActive, EscrowStatusCompleted, EscrowStatusCancelled},
	EscrowStatusCompleted: {},
	EscrowStatusCancelled: {},
}

func IsValidEscrowTransition(from, to string) bool {
	allowed, ok := ValidEscrowTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminalEscrowStatus reports whether no transition leaves status s.
func IsTerminalEscrowStatus(s string) bool {
	next, ok := ValidEscrowTransitions[s]
	return ok && len(next) == 0
}

type ReleaseType string

const (
	ReleaseMilestoneBased ReleaseType = "milestone"
	ReleaseTimeBased      ReleaseType = "time"
)

func (t ReleaseType) Valid() bool {
	return t == ReleaseMilestoneBased || t == ReleaseTimeBased
}

// Milestone statuses
const (
	MilestoneStatusPending    = "pending"
	MilestoneStatusInProgress = "in_progress"
	MilestoneStatusCompleted  = "completed"
)

type Milestone struct {
	ID          int             `json:"id"`
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
	Status      string          `json:"status"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

type TimeRelease struct {
	ReleaseDate time.Time       `json:"release_date"`
	Amount      decimal.Decimal `json:"amount"`
	Released    bool            `json:"released"`
	ReleasedAt  *time.Time      `json:"released_at,omitempty"`
}

// Eligible reports whether the release can be triggered at now.
func (r TimeRelease) Eligible(now time.Time) bool {
	return !r.Released && !now.Before(r.ReleaseDate)
}

type EscrowContract struct {
	ID              string          `json:"id"`
	Client          string          `json:"client"`
	Provider        string          `json:"provider"`
	HoldingAccount  string          `json:"holding_account"`
	Asset           string          `json:"asset"`
	TotalAmount     decimal.Decimal `json:"total_amount"`
	ReleasedAmount  decimal.Decimal `json:"released_amount"`
	WithdrawnAmount decimal.Decimal `json:"withdrawn_amount"`
	ReleaseType     ReleaseType     `json:"release_type"`
	Milestones      []Milestone     `json:"milestones,omitempty"`
	TimeSchedule    []TimeRelease   `json:"time_schedule,omitempty"`
	Status          string          `json:"status"`
	Disputes        []DisputeRecord `json:"disputes,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// EffectiveStatus returns disputed while any dispute is open, the stored
// status otherwise.
func (c *EscrowContract) EffectiveStatus() string {
	if c.Status == EscrowStatusActive && c.OpenDispute() != nil {
		return EscrowStatusDisputed
	}
	return c.Status
}

// OpenDispute returns the first open dispute, if any.
func (c *EscrowContract) OpenDispute() *DisputeRecord {
	for i := range c.Disputes {
		if c.Disputes[i].Status == DisputeStatusOpen {
			return &c.Disputes[i]
		}
	}
	return nil
}

func (c *EscrowContract) FindMilestone(id int) *Milestone {
	for i := range c.Milestones {
		if c.Milestones[i].ID == id {
			return &c.Milestones[i]
		}
	}
	return nil
}

// IsParty reports whether address is the client or the provider.
func (c *EscrowContract) IsParty(address string) bool {
	return address == c.Client || address == c.Provider
}

// PartyRole maps an address to its role on the contract ("" if none).
func (c *EscrowContract) PartyRole(address string) string {
	switch address {
	case c.Client:
		return PartyClient
	case c.Provider:
		return PartyProvider
	default:
		return ""
	}
}

// FullyReleased reports whether every milestone or scheduled release has
// been paid out.
func (c *EscrowContract) FullyReleased() bool {
	switch c.ReleaseType {
	case ReleaseMilestoneBased:
		if len(c.Milestones) == 0 {
			return false
		}
		for _, m := range c.Milestones {
			if m.Status != MilestoneStatusCompleted {
				return false
			}
		}
		return true
	case ReleaseTimeBased:
		if len(c.TimeSchedule) == 0 {
			return false
		}
		for _, r := range c.TimeSchedule {
			if !r.Released {
				return false
			}
		}
		return true
	}
	return false
}

// Withdrawable is the released amount not yet claimed by the provider.
func (c *EscrowContract) Withdrawable() decimal.Decimal {
	return c.ReleasedAmount.Sub(c.WithdrawnAmount)
}

// FundingProgress = releasedAmount / totalAmount, in [0, 1].
func (c *EscrowContract) FundingProgress() decimal.Decimal {
	if !c.TotalAmount.IsPositive() {
		return decimal.Zero
	}
	return c.ReleasedAmount.DivRound(c.TotalAmount, 4)
}

// MilestoneProgress = completed items / total items. Scheduled releases
// count as items for time-based contracts.
func (c *EscrowContract) MilestoneProgress() float64 {
	var done, total int
	switch c.ReleaseType {
	case ReleaseMilestoneBased:
		total = len(c.Milestones)
		for _, m := range c.Milestones {
			if m.Status == MilestoneStatusCompleted {
				done++
			}
		}
	case ReleaseTimeBased:
		total = len(c.TimeSchedule)
		for _, r := range c.TimeSchedule {
			if r.Released {
				done++
			}
		}
	}
	if total == 0 {
		return 0
	}
	return float64(done) / float64(total)
}

// Clone returns a deep copy so callers never share slices with the ledger.
func (c *EscrowContract) Clone() *EscrowContract {
	if c == nil {
		return nil
	}
	clone := *c
	if c.Milestones != nil {
		clone.Milestones = make([]Milestone, len(c.Milestones))
		for i, m := range c.Milestones {
			m.CompletedAt = cloneTime(m.CompletedAt)
			clone.Milestones[i] = m
		}
	}
	if c.TimeSchedule != nil {
		clone.TimeSchedule = make([]TimeRelease, len(c.TimeSchedule))
		for i, r := range c.TimeSchedule {
			r.ReleasedAt = cloneTime(r.ReleasedAt)
			clone.TimeSchedule[i] = r
		}
	}
	if c.Disputes != nil {
		clone.Disputes = make([]DisputeRecord, len(c.Disputes))
		for i, d := range c.Disputes {
			d.ResolvedAt = cloneTime(d.ResolvedAt)
			if d.Resolution != nil {
				res := *d.Resolution
				d.Resolution = &res
			}
			clone.Disputes[i] = d
		}
	}
	return &clone
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
