package stellar

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lifafa03/EasyA-Hack-stellar-sub002/internal/models"
	"github.com/shopspring/decimal"
)

// Sandbox is an in-memory Ledger applying the escrow contract rules. It backs
// cmd/ledgerd and serves as the integration double in tests.
type Sandbox struct {
	passphrase string
	asset      string
	now        func() time.Time

	mu        sync.Mutex
	seq       int64
	contracts map[string]*models.EscrowContract
	balances  map[string]decimal.Decimal
	applied   map[string]struct{}
	bids      map[string]*models.BidReceipt
	subs      map[string]map[int]chan models.LedgerTransaction
	nextSub   int
	failures  int
}

type SandboxOption func(*Sandbox)

// WithClock overrides the ledger clock.
func WithClock(now func() time.Time) SandboxOption {
	return func(s *Sandbox) { s.now = now }
}

func NewSandbox(passphrase, asset string, opts ...SandboxOption) *Sandbox {
	s := &Sandbox{
		passphrase: passphrase,
		asset:      asset,
		now:        time.Now,
		contracts:  make(map[string]*models.EscrowContract),
		balances:   make(map[string]decimal.Decimal),
		applied:    make(map[string]struct{}),
		bids:       make(map[string]*models.BidReceipt),
		subs:       make(map[string]map[int]chan models.LedgerTransaction),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Sandbox) Passphrase() string { return s.passphrase }
func (s *Sandbox) Asset() string      { return s.asset }

// FailNext makes the next n submissions fail with ErrTransient.
func (s *Sandbox) FailNext(n int) {
	s.mu.Lock()
	s.failures = n
	s.mu.Unlock()
}

// Fund credits address with amount of the sandbox asset.
func (s *Sandbox) Fund(address string, amount decimal.Decimal) (*models.LedgerTransaction, error) {
	if err := ValidateAddress(address); err != nil {
		return nil, err
	}
	if !amount.IsPositive() {
		return nil, reject(CodeInvalidArgument, "fund amount must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.seq++
	s.balances[address] = s.balances[address].Add(amount)
	tx := models.LedgerTransaction{
		Hash:      syntheticHash("fund", address, amount.String(), fmt.Sprint(s.seq)),
		Account:   address,
		Type:      models.TxTypeDeposit,
		Amount:    amount,
		To:        address,
		CreatedAt: now,
	}
	s.broadcast(tx, address)
	return &tx, nil
}

func (s *Sandbox) Balance(ctx context.Context, address, asset string) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}
	if asset != "" && asset != s.asset {
		return decimal.Zero, reject(CodeInvalidArgument, "unknown asset %q", asset)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[address], nil
}

func (s *Sandbox) QueryStatus(ctx context.Context, contractID string) (*models.EscrowContract, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contracts[contractID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrContractNotFound, contractID)
	}
	return c.Clone(), nil
}

func (s *Sandbox) Submit(ctx context.Context, signed *SignedTx) (*Confirmation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failures > 0 {
		s.failures--
		return nil, fmt.Errorf("%w: sandbox unavailable", ErrTransient)
	}

	tx := &signed.Tx
	if tx.Network != s.passphrase {
		return nil, reject(CodeWrongNetwork, "tx signed for %q", tx.Network)
	}
	if err := VerifySignatureHex(tx.Source, s.passphrase, tx.HashBytes(), signed.Signature); err != nil {
		return nil, reject(CodeBadSignature, "%v", err)
	}
	now := s.now()
	if tx.Expired(now) {
		return nil, ErrTxExpired
	}
	hash := tx.Hash()
	if _, ok := s.applied[hash]; ok {
		return nil, reject(CodeDuplicateTx, "tx %s already applied", hash)
	}

	var (
		conf *Confirmation
		err  error
	)
	switch tx.Operation.Type {
	case OpCreateEscrow:
		conf, err = s.createEscrow(tx, hash, now)
	case OpReleaseMilestone:
		conf, err = s.releaseMilestone(tx, hash, now)
	case OpReleaseScheduled:
		conf, err = s.releaseScheduled(tx, hash, now)
	case OpOpenDispute:
		conf, err = s.openDispute(tx, hash, now)
	case OpWithdraw:
		conf, err = s.withdraw(tx, hash, now)
	default:
		err = reject(CodeInvalidArgument, "unknown operation %q", tx.Operation.Type)
	}
	if err != nil {
		return nil, err
	}

	s.applied[hash] = struct{}{}
	s.seq++
	conf.Hash = hash
	conf.LedgerSeq = s.seq
	conf.ConfirmedAt = now
	return conf, nil
}

func (s *Sandbox) createEscrow(tx *Tx, hash string, now time.Time) (*Confirmation, error) {
	op := tx.Operation
	if err := ValidateAddress(op.Provider); err != nil {
		return nil, reject(CodeInvalidArgument, "provider: %v", err)
	}
	if op.Provider == tx.Source {
		return nil, reject(CodeInvalidArgument, "client and provider must differ")
	}
	if op.Asset != "" && op.Asset != s.asset {
		return nil, reject(CodeInvalidArgument, "unsupported asset %q", op.Asset)
	}
	if !op.TotalAmount.IsPositive() {
		return nil, reject(CodeInvalidArgument, "total amount must be positive")
	}

	c := &models.EscrowContract{
		ID:          uuid.NewString(),
		Client:      tx.Source,
		Provider:    op.Provider,
		Asset:       s.asset,
		TotalAmount: op.TotalAmount,
		ReleaseType: op.ReleaseType,
		Status:      models.EscrowStatusActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	sum := decimal.Zero
	switch op.ReleaseType {
	case models.ReleaseMilestoneBased:
		if len(op.Milestones) == 0 {
			return nil, reject(CodeInvalidArgument, "at least one milestone required")
		}
		seen := make(map[int]bool, len(op.Milestones))
		for _, m := range op.Milestones {
			if !m.Amount.IsPositive() {
				return nil, reject(CodeInvalidArgument, "milestone %d amount must be positive", m.ID)
			}
			if seen[m.ID] {
				return nil, reject(CodeInvalidArgument, "duplicate milestone id %d", m.ID)
			}
			seen[m.ID] = true
			if m.Status != models.MilestoneStatusInProgress {
				m.Status = models.MilestoneStatusPending
			}
			m.CompletedAt = nil
			c.Milestones = append(c.Milestones, m)
			sum = sum.Add(m.Amount)
		}
	case models.ReleaseTimeBased:
		if len(op.TimeSchedule) == 0 {
			return nil, reject(CodeInvalidArgument, "at least one scheduled release required")
		}
		for i, r := range op.TimeSchedule {
			if !r.Amount.IsPositive() {
				return nil, reject(CodeInvalidArgument, "release %d amount must be positive", i)
			}
			if !r.ReleaseDate.After(now) {
				return nil, reject(CodeInvalidArgument, "release %d date must be in the future", i)
			}
			c.TimeSchedule = append(c.TimeSchedule, models.TimeRelease{ReleaseDate: r.ReleaseDate, Amount: r.Amount})
			sum = sum.Add(r.Amount)
		}
	default:
		return nil, reject(CodeInvalidArgument, "unknown release type %q", op.ReleaseType)
	}
	if !sum.Equal(op.TotalAmount) {
		return nil, reject(CodeInvalidArgument, "schedule totals %s, contract total is %s", sum, op.TotalAmount)
	}

	if s.balances[tx.Source].LessThan(op.TotalAmount) {
		return nil, reject(CodeInsufficientFunds, "balance %s below %s", s.balances[tx.Source], op.TotalAmount)
	}

	c.HoldingAccount = holdingAccount(c.ID)
	s.balances[tx.Source] = s.balances[tx.Source].Sub(op.TotalAmount)
	s.balances[c.HoldingAccount] = s.balances[c.HoldingAccount].Add(op.TotalAmount)
	s.contracts[c.ID] = c

	s.record(c, hash, models.TxTypeEscrowCreated, op.TotalAmount, c.Client, c.HoldingAccount, now)
	return &Confirmation{ContractID: c.ID, Amount: op.TotalAmount}, nil
}

func (s *Sandbox) releaseMilestone(tx *Tx, hash string, now time.Time) (*Confirmation, error) {
	c, err := s.releasable(tx.Operation.ContractID)
	if err != nil {
		return nil, err
	}
	if tx.Source != c.Client {
		return nil, reject(CodeUnauthorized, "only the client may release milestones")
	}
	m := c.FindMilestone(tx.Operation.MilestoneID)
	if m == nil {
		return nil, reject(CodeMilestoneNotFound, "milestone %d", tx.Operation.MilestoneID)
	}
	if m.Status == models.MilestoneStatusCompleted {
		return nil, reject(CodeAlreadyReleased, "milestone %d", m.ID)
	}

	at := now
	m.Status = models.MilestoneStatusCompleted
	m.CompletedAt = &at
	s.applyRelease(c, m.Amount, now)

	s.record(c, hash, models.TxTypeMilestonePaid, m.Amount, c.HoldingAccount, c.Provider, now)
	return &Confirmation{ContractID: c.ID, Amount: m.Amount}, nil
}

func (s *Sandbox) releaseScheduled(tx *Tx, hash string, now time.Time) (*Confirmation, error) {
	c, err := s.releasable(tx.Operation.ContractID)
	if err != nil {
		return nil, err
	}
	idx := tx.Operation.ReleaseIndex
	if c.ReleaseType != models.ReleaseTimeBased || idx < 0 || idx >= len(c.TimeSchedule) {
		return nil, reject(CodeMilestoneNotFound, "scheduled release %d", idx)
	}
	r := &c.TimeSchedule[idx]
	if r.Released {
		return nil, reject(CodeAlreadyReleased, "scheduled release %d", idx)
	}
	if now.Before(r.ReleaseDate) {
		return nil, reject(CodeTimeNotReached, "release %d due at %s", idx, r.ReleaseDate.Format(time.RFC3339))
	}

	at := now
	r.Released = true
	r.ReleasedAt = &at
	s.applyRelease(c, r.Amount, now)

	s.record(c, hash, models.TxTypeScheduledPaid, r.Amount, c.HoldingAccount, c.Provider, now)
	return &Confirmation{ContractID: c.ID, Amount: r.Amount}, nil
}

func (s *Sandbox) openDispute(tx *Tx, hash string, now time.Time) (*Confirmation, error) {
	c, err := s.releasable(tx.Operation.ContractID)
	if err != nil {
		return nil, err
	}
	role := c.PartyRole(tx.Source)
	if role == "" {
		return nil, reject(CodeUnauthorized, "only contract parties may open a dispute")
	}
	reason := strings.TrimSpace(tx.Operation.Reason)
	if reason == "" {
		return nil, reject(CodeInvalidArgument, "dispute reason is required")
	}

	d := models.DisputeRecord{
		ID:          uuid.NewString(),
		InitiatedBy: role,
		Initiator:   tx.Source,
		Reason:      reason,
		Status:      models.DisputeStatusOpen,
		CreatedAt:   now,
	}
	c.Disputes = append(c.Disputes, d)
	c.UpdatedAt = now

	s.record(c, hash, models.TxTypeDisputeOpened, decimal.Zero, tx.Source, c.HoldingAccount, now)
	return &Confirmation{ContractID: c.ID, DisputeID: d.ID}, nil
}

func (s *Sandbox) withdraw(tx *Tx, hash string, now time.Time) (*Confirmation, error) {
	c, ok := s.contracts[tx.Operation.ContractID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrContractNotFound, tx.Operation.ContractID)
	}
	if tx.Source != c.Provider {
		return nil, reject(CodeUnauthorized, "only the provider may withdraw")
	}
	amount := c.Withdrawable()
	if !amount.IsPositive() {
		return nil, reject(CodeInsufficientFunds, "nothing released to withdraw")
	}

	s.balances[c.HoldingAccount] = s.balances[c.HoldingAccount].Sub(amount)
	s.balances[c.Provider] = s.balances[c.Provider].Add(amount)
	c.WithdrawnAmount = c.WithdrawnAmount.Add(amount)
	c.UpdatedAt = now

	s.record(c, hash, models.TxTypeWithdrawal, amount, c.HoldingAccount, c.Provider, now)
	return &Confirmation{ContractID: c.ID, Amount: amount}, nil
}

// ResolveDispute applies an arbitration outcome to the open dispute of a
// contract. disputeID may be empty to target whichever dispute is open.
func (s *Sandbox) ResolveDispute(ctx context.Context, contractID, disputeID, outcome, resolution string) (*models.EscrowContract, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !models.IsValidOutcome(outcome) {
		return nil, reject(CodeInvalidArgument, "unknown outcome %q", outcome)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.contracts[contractID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrContractNotFound, contractID)
	}
	d := c.OpenDispute()
	if d == nil || (disputeID != "" && d.ID != disputeID) {
		return nil, reject(CodeNoDisputeActive, "no open dispute %s", disputeID)
	}

	now := s.now()
	target := models.EscrowStatusActive
	switch outcome {
	case models.OutcomeRefundClient:
		target = models.EscrowStatusCancelled
	case models.OutcomeReleaseProvider:
		target = models.EscrowStatusCompleted
	}
	if !models.IsValidEscrowTransition(c.EffectiveStatus(), target) {
		return nil, reject(CodeInvalidArgument, "cannot move %s contract to %s", c.EffectiveStatus(), target)
	}

	at := now
	d.ResolvedAt = &at
	if outcome == models.OutcomeRejected {
		d.Status = models.DisputeStatusRejected
	} else {
		d.Status = models.DisputeStatusResolved
		res := resolution
		if res == "" {
			res = outcome
		}
		d.Resolution = &res
	}

	remaining := c.TotalAmount.Sub(c.ReleasedAmount)
	hash := syntheticHash("resolve", c.ID, d.ID, outcome)
	s.seq++

	switch outcome {
	case models.OutcomeRefundClient:
		s.balances[c.HoldingAccount] = s.balances[c.HoldingAccount].Sub(remaining)
		s.balances[c.Client] = s.balances[c.Client].Add(remaining)
		c.Status = models.EscrowStatusCancelled
		s.record(c, hash, models.TxTypeRefund, remaining, c.HoldingAccount, c.Client, now)
	case models.OutcomeReleaseProvider:
		for i := range c.Milestones {
			if c.Milestones[i].Status != models.MilestoneStatusCompleted {
				c.Milestones[i].Status = models.MilestoneStatusCompleted
				c.Milestones[i].CompletedAt = &at
			}
		}
		for i := range c.TimeSchedule {
			if !c.TimeSchedule[i].Released {
				c.TimeSchedule[i].Released = true
				c.TimeSchedule[i].ReleasedAt = &at
			}
		}
		c.ReleasedAmount = c.TotalAmount
		c.Status = models.EscrowStatusCompleted
		s.record(c, hash, models.TxTypeDisputeSettled, remaining, c.HoldingAccount, c.Provider, now)
	default:
		s.record(c, hash, models.TxTypeDisputeSettled, decimal.Zero, c.HoldingAccount, "", now)
	}
	c.UpdatedAt = now
	return c.Clone(), nil
}

// SubmitBid verifies the freelancer signature and records the bid.
func (s *Sandbox) SubmitBid(ctx context.Context, bid *models.SignedBid) (*models.BidReceipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failures > 0 {
		s.failures--
		return nil, fmt.Errorf("%w: sandbox unavailable", ErrTransient)
	}

	p := bid.Proposal
	payload, err := p.CanonicalBytes()
	if err != nil {
		return nil, reject(CodeInvalidArgument, "%v", err)
	}
	if err := VerifySignatureHex(p.FreelancerAddress, s.passphrase, payload, bid.Signature); err != nil {
		return nil, reject(CodeBadSignature, "%v", err)
	}

	key := p.ProjectID + "|" + p.FreelancerAddress
	if _, ok := s.bids[key]; ok {
		return nil, reject(CodeDuplicateBid, "freelancer already bid on project %s", p.ProjectID)
	}
	receipt := &models.BidReceipt{
		BidID:      uuid.NewString(),
		ProjectID:  p.ProjectID,
		Freelancer: p.FreelancerAddress,
		ReceivedAt: s.now(),
	}
	s.bids[key] = receipt

	out := *receipt
	return &out, nil
}

func (s *Sandbox) StreamAccountActivity(ctx context.Context, account string) (<-chan models.LedgerTransaction, error) {
	if err := ValidateAddress(account); err != nil {
		return nil, err
	}

	ch := make(chan models.LedgerTransaction, 32)

	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	if s.subs[account] == nil {
		s.subs[account] = make(map[int]chan models.LedgerTransaction)
	}
	s.subs[account][id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.subs[account][id]; ok {
			delete(s.subs[account], id)
			close(ch)
		}
	}()

	return ch, nil
}

// DropStreams closes every open activity stream, as a broken connection
// would.
func (s *Sandbox) DropStreams() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for account, subs := range s.subs {
		for id, ch := range subs {
			close(ch)
			delete(subs, id)
		}
		delete(s.subs, account)
	}
}

// Subscribers returns the number of open activity streams.
func (s *Sandbox) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, subs := range s.subs {
		n += len(subs)
	}
	return n
}

// releasable checks the gates shared by release and dispute operations.
func (s *Sandbox) releasable(contractID string) (*models.EscrowContract, error) {
	c, ok := s.contracts[contractID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrContractNotFound, contractID)
	}
	switch c.Status {
	case models.EscrowStatusCompleted:
		return nil, reject(CodeContractCompleted, "contract %s is completed", c.ID)
	case models.EscrowStatusCancelled:
		return nil, reject(CodeContractCancelled, "contract %s is cancelled", c.ID)
	}
	if c.OpenDispute() != nil {
		return nil, reject(CodeDisputeActive, "contract %s has an open dispute", c.ID)
	}
	return c, nil
}

func (s *Sandbox) applyRelease(c *models.EscrowContract, amount decimal.Decimal, now time.Time) {
	c.ReleasedAmount = c.ReleasedAmount.Add(amount)
	c.UpdatedAt = now
	if c.FullyReleased() {
		c.Status = models.EscrowStatusCompleted
	}
}

func (s *Sandbox) record(c *models.EscrowContract, hash, txType string, amount decimal.Decimal, from, to string, now time.Time) {
	tx := models.LedgerTransaction{
		Hash:       hash,
		ContractID: c.ID,
		Account:    c.HoldingAccount,
		Type:       txType,
		Amount:     amount,
		From:       from,
		To:         to,
		CreatedAt:  now,
	}
	s.broadcast(tx, c.HoldingAccount, c.Client, c.Provider)
}

// broadcast must be called with s.mu held. Slow subscribers lose events;
// the observer's polling catches up.
func (s *Sandbox) broadcast(tx models.LedgerTransaction, accounts ...string) {
	sent := make(map[string]bool, len(accounts))
	for _, account := range accounts {
		if account == "" || sent[account] {
			continue
		}
		sent[account] = true
		for _, ch := range s.subs[account] {
			select {
			case ch <- tx:
			default:
			}
		}
	}
}

func holdingAccount(contractID string) string {
	sum := sha256.Sum256([]byte("escrow-holding:" + contractID))
	addr, _ := EncodeAddress(sum[:])
	return addr
}

func syntheticHash(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}
