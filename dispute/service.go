package dispute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/kindfi-org/kindfi-sub006/auth"
	"github.com/kindfi-org/kindfi-sub006/escrow"
	"github.com/kindfi-org/kindfi-sub006/fault"
	"github.com/kindfi-org/kindfi-sub006/ledger"
	"github.com/kindfi-org/kindfi-sub006/live"
	"github.com/kindfi-org/kindfi-sub006/notify"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// UserDirectory answers mediator lookups. *auth.Service satisfies it.
type UserDirectory interface {
	IsMediator(ctx context.Context, userID string) (bool, error)
}

// Settler runs a ledger operation to confirmation. *ledger.Pipeline
// satisfies it.
type Settler interface {
	Execute(ctx context.Context, req ledger.Request) (ledger.Receipt, error)
}

type Config struct {
	// Lease bounds how long a resolution claim blocks other attempts. It must
	// outlast the confirmation ceiling of the pipeline.
	Lease time.Duration
	// Channel is the change feed channel.
	Channel string
}

// recordTimeout bounds the writes that follow a ledger outcome. They run
// detached from the caller so a dropped request cannot strand a settlement.
const recordTimeout = 10 * time.Second

type Service struct {
	pool     TxBeginner
	store    Store
	users    UserDirectory
	settler  Settler
	cfg      Config
	logger   *slog.Logger
	newToken func() string
}

func NewService(pool TxBeginner, store Store, users UserDirectory, settler Settler, cfg Config, logger *slog.Logger) *Service {
	if cfg.Lease <= 0 {
		cfg.Lease = 5 * time.Minute
	}
	if cfg.Channel == "" {
		cfg.Channel = live.DefaultChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		pool:     pool,
		store:    store,
		users:    users,
		settler:  settler,
		cfg:      cfg,
		logger:   logger.With("component", "dispute"),
		newToken: uuid.NewString,
	}
}

// FileDispute opens a dispute on a milestone and marks the milestone
// disputed. Only a party of the escrow may file.
func (s *Service) FileDispute(ctx context.Context, req FileRequest) (Record, error) {
	const op = "dispute: file"

	if strings.TrimSpace(req.MilestoneID) == "" {
		return Record{}, fault.Validation(op, "missing milestone id")
	}
	if strings.TrimSpace(req.Reason) == "" {
		return Record{}, fault.Validation(op, "missing reason")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("%s: begin tx: %w", op, err)
	}
	defer tx.Rollback(ctx)

	m, err := s.store.LockMilestone(ctx, tx, req.MilestoneID)
	if err != nil {
		if errors.Is(err, ErrMilestoneNotFound) {
			return Record{}, fault.NotFound(op, "milestone %s not found", req.MilestoneID)
		}
		return Record{}, err
	}
	if !m.IsParty(req.InitiatorID) {
		return Record{}, fault.Unauthorized(op, "only escrow parties may dispute a milestone")
	}
	if !m.Status.Disputable() {
		return Record{}, fault.Validation(op, "milestone is %s", m.Status)
	}

	rec, err := s.store.Insert(ctx, tx, Record{
		MilestoneID: m.ID,
		EscrowID:    m.EscrowID,
		InitiatorID: req.InitiatorID,
		Reason:      strings.TrimSpace(req.Reason),
		Evidence:    req.Evidence,
	})
	if err != nil {
		if errors.Is(err, ErrAlreadyOpen) {
			return Record{}, fault.Validation(op, "milestone already has an open dispute")
		}
		return Record{}, err
	}
	if err := s.store.SetMilestoneStatus(ctx, tx, m.ID, escrow.MilestoneDisputed); err != nil {
		return Record{}, err
	}
	for _, party := range m.Parties() {
		if party == req.InitiatorID {
			continue
		}
		msg := notify.Message{
			UserID:    party,
			Type:      notify.TypeDisputeFiled,
			Text:      "A dispute was filed on your milestone",
			DisputeID: rec.ID,
			EscrowID:  m.EscrowID,
		}
		if err := notify.Write(ctx, tx, msg); err != nil {
			return Record{}, err
		}
	}
	if err := s.emit(ctx, tx, rec, m.Parties()...); err != nil {
		return Record{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("%s: commit: %w", op, err)
	}

	s.logger.Info("dispute filed", "dispute_id", rec.ID, "milestone_id", m.ID)
	return rec, nil
}

// AssignMediator upserts the mediator assignment and moves a PENDING
// dispute to MEDIATION. Every precondition is checked before any write and
// the whole change commits atomically.
func (s *Service) AssignMediator(ctx context.Context, disputeID, mediatorID, assignerID string, assignerRole auth.Role) (Record, error) {
	const op = "dispute: assign mediator"

	if !assignerRole.CanAssignMediators() {
		return Record{}, fault.Unauthorized(op, "role %q may not assign mediators", assignerRole)
	}
	if strings.TrimSpace(mediatorID) == "" {
		return Record{}, fault.Validation(op, "missing mediator id")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("%s: begin tx: %w", op, err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.store.LockDispute(ctx, tx, disputeID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Record{}, fault.NotFound(op, "dispute %s not found", disputeID)
		}
		return Record{}, err
	}
	if !rec.Status.Open() {
		return Record{}, fault.NotFound(op, "dispute %s is %s", disputeID, rec.Status)
	}
	held, err := s.store.ClaimHeld(ctx, tx, rec.ID, s.cfg.Lease)
	if err != nil {
		return Record{}, err
	}
	if held {
		return Record{}, fault.NotFound(op, "dispute %s has a resolution in progress", disputeID)
	}
	ok, err := s.users.IsMediator(ctx, mediatorID)
	if err != nil {
		return Record{}, fmt.Errorf("%s: lookup mediator: %w", op, err)
	}
	if !ok {
		return Record{}, fault.NotFound(op, "mediator %s not found", mediatorID)
	}

	a, err := s.store.UpsertAssignment(ctx, tx, Assignment{DisputeID: rec.ID, MediatorID: mediatorID, AssignedBy: assignerID})
	if err != nil {
		return Record{}, err
	}
	if rec.Status == StatusPending {
		if err := s.store.MarkMediation(ctx, tx, rec.ID); err != nil {
			return Record{}, err
		}
		rec.Status = StatusMediation
	}
	rec.Mediator = &a

	msg := notify.Message{
		UserID:    mediatorID,
		Type:      notify.TypeMediatorAssigned,
		Text:      "You have been assigned to mediate a dispute",
		DisputeID: rec.ID,
		EscrowID:  rec.EscrowID,
	}
	if err := notify.Write(ctx, tx, msg); err != nil {
		return Record{}, err
	}
	if err := s.emit(ctx, tx, rec, mediatorID, rec.InitiatorID); err != nil {
		return Record{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("%s: commit: %w", op, err)
	}

	s.logger.Info("mediator assigned", "dispute_id", rec.ID, "mediator_id", mediatorID, "assigned_by", assignerID)
	return rec, nil
}

func validateResolve(req ResolveRequest) (Resolution, error) {
	const op = "dispute: resolve"
	resolution, ok := ParseResolution(req.Resolution)
	switch {
	case !ok:
		return "", fault.Validation(op, "unknown resolution %q", req.Resolution)
	case req.ApproverAmount < 0 || req.ReceiverAmount < 0:
		return "", fault.Validation(op, "amounts must not be negative")
	case req.ApproverAmount+req.ReceiverAmount <= 0:
		return "", fault.Validation(op, "amounts must split a positive total")
	case strings.TrimSpace(req.Signer) == "":
		return "", fault.Validation(op, "missing signer")
	}
	return resolution, nil
}

// ResolveDispute settles a dispute on the ledger and only after the ledger
// confirms records the outcome. Concurrent attempts are serialized by a
// claim taken with a conditional update; the loser is told the dispute is
// not open for resolution. A mediator signs with their own key only.
func (s *Service) ResolveDispute(ctx context.Context, req ResolveRequest) (Record, error) {
	const op = "dispute: resolve"

	resolution, err := validateResolve(req)
	if err != nil {
		return Record{}, err
	}
	if req.Signer != req.MediatorID {
		return Record{}, fault.Unauthorized(op, "signer %q is not the resolving mediator", req.Signer)
	}

	token := s.newToken()
	rec, m, contract, err := s.claim(ctx, req, token)
	if err != nil {
		return Record{}, err
	}
	log := s.logger.With("dispute_id", rec.ID, "mediator_id", req.MediatorID)

	receipt, err := s.settler.Execute(ctx, ledger.Request{
		Action:   ledger.ActionResolveDispute,
		Contract: contract,
		Signer:   req.Signer,
		Args: map[string]any{
			"dispute_id":      rec.ID,
			"milestone_id":    rec.MilestoneID,
			"approver_amount": req.ApproverAmount,
			"receiver_amount": req.ReceiverAmount,
			"resolution":      string(resolution),
		},
	})
	if err != nil {
		kind := fault.KindOf(err)
		if kind == fault.KindTimeout {
			// the transaction may still land; the claim stays until the lease ends
			fe, _ := fault.As(err)
			log.Warn("resolution confirmation timed out", "hash", fe.Hash)
			return Record{}, err
		}
		log.Warn("resolution settlement failed", "kind", kind.String(), "error", err)
		s.release(ctx, rec.ID, token, log)
		return Record{}, err
	}

	rctx, cancel := detached(ctx)
	defer cancel()
	out, err := s.complete(rctx, rec, m, Completion{
		Token:          token,
		Resolution:     resolution,
		Notes:          req.Notes,
		ResolvedBy:     req.MediatorID,
		TxHash:         receipt.Hash,
		ApproverAmount: req.ApproverAmount,
		ReceiverAmount: req.ReceiverAmount,
	})
	if err != nil {
		log.Error("ledger confirmed but resolution not recorded", "hash", receipt.Hash, "error", err)
		if errors.Is(err, ErrClaimLost) {
			return Record{}, fault.NotFound(op, "resolution claim expired before it was recorded")
		}
		return Record{}, fault.Unrecorded(op, receipt.Hash, err)
	}

	log.Info("dispute resolved", "resolution", resolution, "hash", receipt.Hash)
	return out, nil
}

// claim checks the resolve preconditions and takes the resolution claim in
// one short transaction. The dispute row lock orders it against a concurrent
// reassignment. It returns the contract address to settle against.
func (s *Service) claim(ctx context.Context, req ResolveRequest, token string) (Record, Milestone, string, error) {
	const op = "dispute: resolve"

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, Milestone{}, "", fmt.Errorf("%s: begin tx: %w", op, err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.store.LockDispute(ctx, tx, req.DisputeID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Record{}, Milestone{}, "", fault.NotFound(op, "dispute %s not found", req.DisputeID)
		}
		return Record{}, Milestone{}, "", err
	}
	if !rec.Status.Open() {
		return Record{}, Milestone{}, "", fault.NotFound(op, "dispute %s is not open for resolution", req.DisputeID)
	}

	a, err := s.store.Assignment(ctx, tx, rec.ID)
	if err != nil {
		if errors.Is(err, ErrNoAssignment) {
			return Record{}, Milestone{}, "", fault.Unauthorized(op, "dispute %s has no assigned mediator", rec.ID)
		}
		return Record{}, Milestone{}, "", err
	}
	if a.MediatorID != req.MediatorID {
		return Record{}, Milestone{}, "", fault.Unauthorized(op, "only the assigned mediator may resolve this dispute")
	}

	m, err := s.store.LockMilestone(ctx, tx, rec.MilestoneID)
	if err != nil {
		if errors.Is(err, ErrMilestoneNotFound) {
			return Record{}, Milestone{}, "", fault.NotFound(op, "milestone %s not found", rec.MilestoneID)
		}
		return Record{}, Milestone{}, "", err
	}
	if total := req.ApproverAmount + req.ReceiverAmount; total > m.Amount {
		return Record{}, Milestone{}, "", fault.Validation(op, "split %d exceeds milestone amount %d", total, m.Amount)
	}
	contract := m.ContractAddress
	if req.ContractAddress != "" && req.ContractAddress != contract {
		return Record{}, Milestone{}, "", fault.Validation(op, "contract address does not match the escrow")
	}

	if err := s.store.ClaimResolution(ctx, tx, rec.ID, token, s.cfg.Lease); err != nil {
		switch {
		case errors.Is(err, ErrResolutionInProgress), errors.Is(err, ErrNotOpen), errors.Is(err, ErrNotFound):
			return Record{}, Milestone{}, "", fault.NotFound(op, "dispute %s is not open for resolution", rec.ID)
		}
		return Record{}, Milestone{}, "", err
	}
	if err := tx.Commit(ctx); err != nil {
		return Record{}, Milestone{}, "", fmt.Errorf("%s: commit claim: %w", op, err)
	}
	return rec, m, contract, nil
}

func (s *Service) complete(ctx context.Context, rec Record, m Milestone, c Completion) (Record, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	out, err := s.store.Complete(ctx, tx, rec.ID, c)
	if err != nil {
		return Record{}, err
	}
	if err := s.store.SetMilestoneStatus(ctx, tx, rec.MilestoneID, MilestoneOutcome(c.Resolution)); err != nil {
		return Record{}, err
	}
	for _, party := range m.Parties() {
		msg := notify.Message{
			UserID:    party,
			Type:      notify.TypeDisputeResolved,
			Text:      fmt.Sprintf("Dispute resolved: %s", c.Resolution),
			DisputeID: rec.ID,
			EscrowID:  rec.EscrowID,
		}
		if err := notify.Write(ctx, tx, msg); err != nil {
			return Record{}, err
		}
	}
	if err := s.emit(ctx, tx, out, m.PayerID, m.ReceiverID, c.ResolvedBy); err != nil {
		return Record{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("dispute: commit resolution: %w", err)
	}
	return out, nil
}

// release drops the claim after a failed settlement so the dispute can be
// resolved again. It must run even when the request context is gone.
func (s *Service) release(ctx context.Context, disputeID, token string, log *slog.Logger) {
	ctx, cancel := detached(ctx)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		log.Error("release claim: begin tx", "error", err)
		return
	}
	defer tx.Rollback(ctx)

	if err := s.store.ReleaseClaim(ctx, tx, disputeID, token); err != nil {
		log.Error("release claim", "error", err)
		return
	}
	if err := tx.Commit(ctx); err != nil {
		log.Error("release claim: commit", "error", err)
	}
}

func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
}

func (s *Service) emit(ctx context.Context, tx pgx.Tx, rec Record, users ...string) error {
	audience := make([]string, 0, len(users))
	seen := make(map[string]struct{}, len(users))
	for _, u := range users {
		if u == "" {
			continue
		}
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		audience = append(audience, u)
	}
	return live.Emit(ctx, tx, s.cfg.Channel, live.Change{
		Entity: live.EntityDispute,
		ID:     rec.ID,
		Status: string(rec.Status),
		Users:  audience,
	})
}

func (s *Service) Get(ctx context.Context, disputeID string) (Record, error) {
	rec, err := s.store.Get(ctx, disputeID)
	if errors.Is(err, ErrNotFound) {
		return Record{}, fault.NotFound("dispute: get", "dispute %s not found", disputeID)
	}
	return rec, err
}

func (s *Service) ListByMilestone(ctx context.Context, milestoneID string) ([]Record, error) {
	return s.store.ListByMilestone(ctx, milestoneID)
}
