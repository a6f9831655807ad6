package dispute

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/kindfi-org/kindfi-sub006/escrow"
)

var (
	ErrNotFound             = errors.New("dispute: not found")
	ErrMilestoneNotFound    = errors.New("dispute: milestone not found")
	ErrAlreadyOpen          = errors.New("dispute: milestone already has an open dispute")
	ErrNotOpen              = errors.New("dispute: not open")
	ErrResolutionInProgress = errors.New("dispute: resolution in progress")
	ErrNoAssignment         = errors.New("dispute: no mediator assigned")
	ErrClaimLost            = errors.New("dispute: resolution claim lost")
)

// Querier is satisfied by *pgxpool.Pool and pgx.Tx.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is the data access the workflow needs. Every write takes the
// caller's transaction so a workflow step commits or rolls back as a whole.
type Store interface {
	LockMilestone(ctx context.Context, tx pgx.Tx, milestoneID string) (Milestone, error)
	SetMilestoneStatus(ctx context.Context, tx pgx.Tx, milestoneID string, status escrow.MilestoneStatus) error
	Insert(ctx context.Context, tx pgx.Tx, rec Record) (Record, error)
	LockDispute(ctx context.Context, tx pgx.Tx, disputeID string) (Record, error)
	Assignment(ctx context.Context, tx pgx.Tx, disputeID string) (Assignment, error)
	UpsertAssignment(ctx context.Context, tx pgx.Tx, a Assignment) (Assignment, error)
	MarkMediation(ctx context.Context, tx pgx.Tx, disputeID string) error
	ClaimHeld(ctx context.Context, tx pgx.Tx, disputeID string, lease time.Duration) (bool, error)
	ClaimResolution(ctx context.Context, tx pgx.Tx, disputeID, token string, lease time.Duration) error
	ReleaseClaim(ctx context.Context, tx pgx.Tx, disputeID, token string) error
	Complete(ctx context.Context, tx pgx.Tx, disputeID string, c Completion) (Record, error)
	Get(ctx context.Context, disputeID string) (Record, error)
	ListByMilestone(ctx context.Context, milestoneID string) ([]Record, error)
}

type Repository struct {
	db Querier
}

func NewRepository(db Querier) *Repository {
	return &Repository{db: db}
}

const recordColumns = `id, milestone_id, escrow_id, initiator_id, reason, evidence, status,
		resolution, resolution_notes, resolved_by, resolved_at, resolution_tx_hash,
		approver_amount, receiver_amount, resolving_token, resolving_since,
		created_at, updated_at`

func scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	err := row.Scan(
		&rec.ID,
		&rec.MilestoneID,
		&rec.EscrowID,
		&rec.InitiatorID,
		&rec.Reason,
		&rec.Evidence,
		&rec.Status,
		&rec.Resolution,
		&rec.ResolutionNotes,
		&rec.ResolvedBy,
		&rec.ResolvedAt,
		&rec.ResolutionTxHash,
		&rec.ApproverAmount,
		&rec.ReceiverAmount,
		&rec.ResolvingToken,
		&rec.ResolvingSince,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	return rec, err
}

func (r *Repository) LockMilestone(ctx context.Context, tx pgx.Tx, milestoneID string) (Milestone, error) {
	const query = `
		SELECT m.id, m.escrow_id, m.status, m.amount, e.payer_id, e.receiver_id, e.contract_address
		FROM milestones m
		JOIN escrow_contracts e ON e.id = m.escrow_id
		WHERE m.id = $1
		FOR UPDATE OF m
	`
	var m Milestone
	err := tx.QueryRow(ctx, query, milestoneID).
		Scan(&m.ID, &m.EscrowID, &m.Status, &m.Amount, &m.PayerID, &m.ReceiverID, &m.ContractAddress)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Milestone{}, ErrMilestoneNotFound
		}
		return Milestone{}, fmt.Errorf("dispute: lock milestone: %w", err)
	}
	return m, nil
}

func (r *Repository) SetMilestoneStatus(ctx context.Context, tx pgx.Tx, milestoneID string, status escrow.MilestoneStatus) error {
	tag, err := tx.Exec(ctx, `UPDATE milestones SET status = $2, updated_at = now() WHERE id = $1`, milestoneID, string(status))
	if err != nil {
		return fmt.Errorf("dispute: set milestone status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrMilestoneNotFound
	}
	return nil
}

// Insert creates a PENDING dispute. The partial unique index on open
// disputes turns a second open dispute into ErrAlreadyOpen.
func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, rec Record) (Record, error) {
	query := `
		INSERT INTO disputes (milestone_id, escrow_id, initiator_id, reason, evidence)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING ` + recordColumns

	evidence := rec.Evidence
	if evidence == nil {
		evidence = []string{}
	}
	out, err := scanRecord(tx.QueryRow(ctx, query, rec.MilestoneID, rec.EscrowID, rec.InitiatorID, rec.Reason, evidence))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Record{}, ErrAlreadyOpen
		}
		return Record{}, fmt.Errorf("dispute: insert: %w", err)
	}
	return out, nil
}

func (r *Repository) LockDispute(ctx context.Context, tx pgx.Tx, disputeID string) (Record, error) {
	return r.load(ctx, tx, disputeID, " FOR UPDATE")
}

func (r *Repository) load(ctx context.Context, q Querier, disputeID, suffix string) (Record, error) {
	query := `SELECT ` + recordColumns + ` FROM disputes WHERE id = $1` + suffix
	rec, err := scanRecord(q.QueryRow(ctx, query, disputeID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: load: %w", err)
	}
	return rec, nil
}

func (r *Repository) Assignment(ctx context.Context, tx pgx.Tx, disputeID string) (Assignment, error) {
	return r.assignment(ctx, tx, disputeID)
}

func (r *Repository) assignment(ctx context.Context, q Querier, disputeID string) (Assignment, error) {
	const query = `
		SELECT dispute_id, mediator_id, assigned_by, assigned_at
		FROM mediator_assignments
		WHERE dispute_id = $1
	`
	var a Assignment
	if err := q.QueryRow(ctx, query, disputeID).Scan(&a.DisputeID, &a.MediatorID, &a.AssignedBy, &a.AssignedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Assignment{}, ErrNoAssignment
		}
		return Assignment{}, fmt.Errorf("dispute: load assignment: %w", err)
	}
	return a, nil
}

// UpsertAssignment replaces any existing assignment for the dispute.
func (r *Repository) UpsertAssignment(ctx context.Context, tx pgx.Tx, a Assignment) (Assignment, error) {
	const query = `
		INSERT INTO mediator_assignments (dispute_id, mediator_id, assigned_by, assigned_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (dispute_id) DO UPDATE
		SET mediator_id = EXCLUDED.mediator_id,
		    assigned_by = EXCLUDED.assigned_by,
		    assigned_at = EXCLUDED.assigned_at
		RETURNING dispute_id, mediator_id, assigned_by, assigned_at
	`
	var out Assignment
	err := tx.QueryRow(ctx, query, a.DisputeID, a.MediatorID, a.AssignedBy).
		Scan(&out.DisputeID, &out.MediatorID, &out.AssignedBy, &out.AssignedAt)
	if err != nil {
		return Assignment{}, fmt.Errorf("dispute: upsert assignment: %w", err)
	}
	return out, nil
}

// MarkMediation moves PENDING to MEDIATION; MEDIATION is left as is.
func (r *Repository) MarkMediation(ctx context.Context, tx pgx.Tx, disputeID string) error {
	const query = `UPDATE disputes SET status = 'MEDIATION' WHERE id = $1 AND status = 'PENDING'`
	if _, err := tx.Exec(ctx, query, disputeID); err != nil {
		return fmt.Errorf("dispute: mark mediation: %w", err)
	}
	return nil
}

// ClaimHeld reports whether a claim younger than lease holds the dispute.
// The age is measured on the database clock that stamped it.
func (r *Repository) ClaimHeld(ctx context.Context, tx pgx.Tx, disputeID string, lease time.Duration) (bool, error) {
	const query = `
		SELECT COALESCE(resolving_token IS NOT NULL
		       AND resolving_since >= now() - ($2::bigint * interval '1 millisecond'), false)
		FROM disputes
		WHERE id = $1
	`
	var held bool
	if err := tx.QueryRow(ctx, query, disputeID, lease.Milliseconds()).Scan(&held); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, ErrNotFound
		}
		return false, fmt.Errorf("dispute: claim held: %w", err)
	}
	return held, nil
}

// ClaimResolution marks the dispute as being resolved by token. It only
// succeeds while the dispute is open and no other claim is younger than
// lease; the losing side of a race gets ErrResolutionInProgress.
func (r *Repository) ClaimResolution(ctx context.Context, tx pgx.Tx, disputeID, token string, lease time.Duration) error {
	const query = `
		UPDATE disputes
		SET resolving_token = $2, resolving_since = now()
		WHERE id = $1
		  AND status IN ('PENDING', 'MEDIATION')
		  AND (resolving_token IS NULL OR resolving_since < now() - ($3::bigint * interval '1 millisecond'))
	`
	tag, err := tx.Exec(ctx, query, disputeID, token, lease.Milliseconds())
	if err != nil {
		return fmt.Errorf("dispute: claim resolution: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var (
		status  Status
		claimed bool
	)
	const check = `SELECT status, resolving_token IS NOT NULL FROM disputes WHERE id = $1`
	if err := tx.QueryRow(ctx, check, disputeID).Scan(&status, &claimed); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("dispute: claim resolution fetch: %w", err)
	}
	if !status.Open() {
		return ErrNotOpen
	}
	return ErrResolutionInProgress
}

func (r *Repository) ReleaseClaim(ctx context.Context, tx pgx.Tx, disputeID, token string) error {
	const query = `
		UPDATE disputes
		SET resolving_token = NULL, resolving_since = NULL
		WHERE id = $1 AND resolving_token = $2
	`
	if _, err := tx.Exec(ctx, query, disputeID, token); err != nil {
		return fmt.Errorf("dispute: release claim: %w", err)
	}
	return nil
}

// Complete records a confirmed resolution. It is conditional on the claim
// token, so a claim that expired and was taken over cannot be completed.
func (r *Repository) Complete(ctx context.Context, tx pgx.Tx, disputeID string, c Completion) (Record, error) {
	query := `
		UPDATE disputes
		SET status = $3,
		    resolution = $3,
		    resolution_notes = $4,
		    resolved_by = $5,
		    resolved_at = now(),
		    resolution_tx_hash = $6,
		    approver_amount = $7,
		    receiver_amount = $8,
		    resolving_token = NULL,
		    resolving_since = NULL
		WHERE id = $1
		  AND resolving_token = $2
		  AND status IN ('PENDING', 'MEDIATION')
		RETURNING ` + recordColumns

	rec, err := scanRecord(tx.QueryRow(ctx, query,
		disputeID, c.Token, string(c.Resolution), c.Notes, c.ResolvedBy, c.TxHash, c.ApproverAmount, c.ReceiverAmount))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrClaimLost
		}
		return Record{}, fmt.Errorf("dispute: complete: %w", err)
	}
	return rec, nil
}

func (r *Repository) Get(ctx context.Context, disputeID string) (Record, error) {
	rec, err := r.load(ctx, r.db, disputeID, "")
	if err != nil {
		return Record{}, err
	}
	a, err := r.assignment(ctx, r.db, disputeID)
	switch {
	case err == nil:
		rec.Mediator = &a
	case !errors.Is(err, ErrNoAssignment):
		return Record{}, err
	}
	return rec, nil
}

func (r *Repository) ListByMilestone(ctx context.Context, milestoneID string) ([]Record, error) {
	query := `SELECT ` + recordColumns + ` FROM disputes WHERE milestone_id = $1 ORDER BY created_at DESC`
	rows, err := r.db.Query(ctx, query, milestoneID)
	if err != nil {
		return nil, fmt.Errorf("dispute: list: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, 4)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("dispute: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate: %w", err)
	}
	return out, nil
}
