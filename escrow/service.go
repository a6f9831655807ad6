package escrow

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
	"github.com/kindfi-org/kindfi-sub006/fault"
	"github.com/kindfi-org/kindfi-sub006/ledger"
	"github.com/kindfi-org/kindfi-sub006/live"
	"github.com/kindfi-org/kindfi-sub006/notify"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Settler runs a ledger operation to confirmation. *ledger.Pipeline
// satisfies it.
type Settler interface {
	Execute(ctx context.Context, req ledger.Request) (ledger.Receipt, error)
}

type Config struct {
	// Channel is the change feed channel.
	Channel string
	// PlatformSigner is the keyring identity any party may register an
	// escrow with. Otherwise a caller signs with their own key.
	PlatformSigner string
}

const (
	DefaultPlatformSigner = "platform"

	// recordTimeout bounds the write that follows a confirmed receipt.
	recordTimeout = 10 * time.Second
)

type Service struct {
	pool    TxBeginner
	store   Store
	settler Settler
	cfg     Config
	logger  *slog.Logger
	newID   func() string
}

func NewService(pool TxBeginner, store Store, settler Settler, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Channel == "" {
		cfg.Channel = live.DefaultChannel
	}
	if cfg.PlatformSigner == "" {
		cfg.PlatformSigner = DefaultPlatformSigner
	}
	return &Service{
		pool:    pool,
		store:   store,
		settler: settler,
		cfg:     cfg,
		logger:  logger.With("component", "escrow"),
		newID:   uuid.NewString,
	}
}

func validateInitialize(req InitializeRequest) error {
	const op = "escrow: initialize"
	switch {
	case strings.TrimSpace(req.PayerID) == "" || strings.TrimSpace(req.ReceiverID) == "":
		return fault.Validation(op, "payer and receiver are required")
	case req.PayerID == req.ReceiverID:
		return fault.Validation(op, "payer and receiver must differ")
	case req.TotalAmount <= 0:
		return fault.Validation(op, "total amount must be positive")
	case req.PlatformFee < 0 || req.PlatformFee > req.TotalAmount:
		return fault.Validation(op, "platform fee out of range")
	case len(req.Milestones) == 0:
		return fault.Validation(op, "at least one milestone is required")
	}
	var sum int64
	for i, m := range req.Milestones {
		if strings.TrimSpace(m.Title) == "" {
			return fault.Validation(op, "milestone %d: missing title", i)
		}
		if m.Amount <= 0 {
			return fault.Validation(op, "milestone %d: amount must be positive", i)
		}
		sum += m.Amount
	}
	if sum > req.TotalAmount {
		return fault.Validation(op, "milestones total %d exceeds contract amount %d", sum, req.TotalAmount)
	}
	return nil
}

// Initialize persists a PENDING contract with its milestones, registers it
// on the ledger, and only after confirmation marks it INITIALIZED. When the
// ledger step fails the contract stays PENDING and the error is returned.
func (s *Service) Initialize(ctx context.Context, actorID string, role auth.Role, req InitializeRequest) (Contract, error) {
	const op = "escrow: initialize"

	if err := validateInitialize(req); err != nil {
		return Contract{}, err
	}
	if actorID != req.PayerID && actorID != req.ReceiverID && role != auth.RoleAdmin {
		return Contract{}, fault.Unauthorized(op, "only a party or an admin may initialize an escrow")
	}
	if req.Signer != "" && req.Signer != actorID && req.Signer != s.cfg.PlatformSigner {
		return Contract{}, fault.Unauthorized(op, "signer %q is not available to %s", req.Signer, actorID)
	}

	escrowID := s.newID()
	settle := ledger.Request{
		Action:   ledger.ActionInitializeEscrow,
		Contract: req.ContractAddress,
		Signer:   req.Signer,
		Args: map[string]any{
			"escrow_id":    escrowID,
			"payer_id":     req.PayerID,
			"receiver_id":  req.ReceiverID,
			"total_amount": req.TotalAmount,
			"platform_fee": req.PlatformFee,
		},
	}
	if _, err := (ledger.Builder{}).Build(settle); err != nil {
		return Contract{}, err
	}

	contract, err := s.create(ctx, escrowID, req)
	if err != nil {
		return Contract{}, err
	}
	log := s.logger.With("escrow_id", escrowID)

	receipt, err := s.settler.Execute(ctx, settle)
	if err != nil {
		log.Warn("escrow ledger initialization failed", "kind", fault.KindOf(err).String(), "error", err)
		return Contract{}, err
	}

	// the ledger has moved; the record must not depend on the caller staying
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	updated, err := s.record(rctx, escrowID, receipt)
	if err != nil {
		log.Error("ledger confirmed but escrow record not updated", "hash", receipt.Hash, "error", err)
		return Contract{}, fault.Unrecorded("escrow: record initialization", receipt.Hash, err)
	}

	log.Info("escrow initialized", "hash", receipt.Hash)
	updated.Milestones = contract.Milestones
	return updated, nil
}

func (s *Service) record(ctx context.Context, escrowID string, receipt ledger.Receipt) (Contract, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Contract{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	updated, err := s.store.MarkInitialized(ctx, tx, escrowID, receipt.Hash)
	if err != nil {
		return Contract{}, err
	}
	for _, party := range updated.Parties() {
		msg := notify.Message{
			UserID:   party,
			Type:     notify.TypeEscrowInitialized,
			Text:     "Escrow contract initialized on ledger",
			EscrowID: escrowID,
		}
		if err := notify.Write(ctx, tx, msg); err != nil {
			return Contract{}, err
		}
	}
	change := live.Change{Entity: live.EntityEscrow, ID: escrowID, Status: string(updated.Status), Users: updated.Parties()}
	if err := live.Emit(ctx, tx, s.cfg.Channel, change); err != nil {
		return Contract{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Contract{}, fmt.Errorf("escrow: commit: %w", err)
	}
	return updated, nil
}

func (s *Service) create(ctx context.Context, escrowID string, req InitializeRequest) (Contract, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Contract{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	c, err := s.store.InsertContract(ctx, tx, Contract{
		ID:              escrowID,
		ContractAddress: req.ContractAddress,
		PayerID:         req.PayerID,
		ReceiverID:      req.ReceiverID,
		TotalAmount:     req.TotalAmount,
		PlatformFee:     req.PlatformFee,
	})
	if err != nil {
		return Contract{}, err
	}
	for _, in := range req.Milestones {
		m, err := s.store.InsertMilestone(ctx, tx, escrowID, in)
		if err != nil {
			return Contract{}, err
		}
		c.Milestones = append(c.Milestones, m)
	}
	if err := tx.Commit(ctx); err != nil {
		return Contract{}, fmt.Errorf("escrow: commit: %w", err)
	}
	return c, nil
}

func (s *Service) Get(ctx context.Context, escrowID string) (Contract, error) {
	c, err := s.store.Get(ctx, escrowID)
	if errors.Is(err, ErrNotFound) {
		return Contract{}, fault.NotFound("escrow: get", "escrow %s not found", escrowID)
	}
	return c, err
}

func (s *Service) GetMilestone(ctx context.Context, milestoneID string) (Milestone, error) {
	m, err := s.store.GetMilestone(ctx, milestoneID)
	if errors.Is(err, ErrMilestoneNotFound) {
		return Milestone{}, fault.NotFound("escrow: get milestone", "milestone %s not found", milestoneID)
	}
	return m, err
}
