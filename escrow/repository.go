package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrNotFound          = errors.New("escrow: not found")
	ErrMilestoneNotFound = errors.New("escrow: milestone not found")
	ErrBadStatus         = errors.New("escrow: invalid status transition")
)

// Querier is satisfied by *pgxpool.Pool and pgx.Tx.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is the data access the service needs. Writes run inside the
// caller's transaction; reads go straight to the pool.
type Store interface {
	InsertContract(ctx context.Context, tx pgx.Tx, c Contract) (Contract, error)
	InsertMilestone(ctx context.Context, tx pgx.Tx, escrowID string, in MilestoneInput) (Milestone, error)
	MarkInitialized(ctx context.Context, tx pgx.Tx, escrowID, txHash string) (Contract, error)
	Get(ctx context.Context, escrowID string) (Contract, error)
	GetMilestone(ctx context.Context, milestoneID string) (Milestone, error)
}

type Repository struct {
	db Querier
}

func NewRepository(db Querier) *Repository {
	return &Repository{db: db}
}

const contractColumns = `id, contract_address, payer_id, receiver_id, total_amount, platform_fee,
		status, init_tx_hash, created_at, updated_at`

func scanContract(row pgx.Row) (Contract, error) {
	var c Contract
	err := row.Scan(
		&c.ID,
		&c.ContractAddress,
		&c.PayerID,
		&c.ReceiverID,
		&c.TotalAmount,
		&c.PlatformFee,
		&c.Status,
		&c.InitTxHash,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	return c, err
}

const milestoneColumns = `id, escrow_id, title, amount, deadline, status, created_at, updated_at`

func scanMilestone(row pgx.Row) (Milestone, error) {
	var m Milestone
	err := row.Scan(&m.ID, &m.EscrowID, &m.Title, &m.Amount, &m.Deadline, &m.Status, &m.CreatedAt, &m.UpdatedAt)
	return m, err
}

func (r *Repository) InsertContract(ctx context.Context, tx pgx.Tx, c Contract) (Contract, error) {
	query := `
		INSERT INTO escrow_contracts (id, contract_address, payer_id, receiver_id, total_amount, platform_fee, status)
		VALUES ($1, $2, $3, $4, $5, $6, 'PENDING')
		RETURNING ` + contractColumns

	out, err := scanContract(tx.QueryRow(ctx, query,
		c.ID, c.ContractAddress, c.PayerID, c.ReceiverID, c.TotalAmount, c.PlatformFee))
	if err != nil {
		return Contract{}, fmt.Errorf("escrow: insert contract: %w", err)
	}
	return out, nil
}

func (r *Repository) InsertMilestone(ctx context.Context, tx pgx.Tx, escrowID string, in MilestoneInput) (Milestone, error) {
	query := `
		INSERT INTO milestones (escrow_id, title, amount, deadline)
		VALUES ($1, $2, $3, $4)
		RETURNING ` + milestoneColumns

	m, err := scanMilestone(tx.QueryRow(ctx, query, escrowID, in.Title, in.Amount, in.Deadline))
	if err != nil {
		return Milestone{}, fmt.Errorf("escrow: insert milestone: %w", err)
	}
	return m, nil
}

// MarkInitialized moves a PENDING contract to INITIALIZED and records the
// ledger hash.
func (r *Repository) MarkInitialized(ctx context.Context, tx pgx.Tx, escrowID, txHash string) (Contract, error) {
	query := `
		UPDATE escrow_contracts
		SET status = 'INITIALIZED', init_tx_hash = $2, updated_at = now()
		WHERE id = $1 AND status = 'PENDING'
		RETURNING ` + contractColumns

	c, err := scanContract(tx.QueryRow(ctx, query, escrowID, txHash))
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Contract{}, fmt.Errorf("escrow: mark initialized: %w", err)
	}

	var status Status
	if err := tx.QueryRow(ctx, `SELECT status FROM escrow_contracts WHERE id = $1`, escrowID).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Contract{}, ErrNotFound
		}
		return Contract{}, fmt.Errorf("escrow: mark initialized fetch: %w", err)
	}
	return Contract{}, fmt.Errorf("%w: contract is %s", ErrBadStatus, status)
}

func (r *Repository) Get(ctx context.Context, escrowID string) (Contract, error) {
	query := `SELECT ` + contractColumns + ` FROM escrow_contracts WHERE id = $1`
	c, err := scanContract(r.db.QueryRow(ctx, query, escrowID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Contract{}, ErrNotFound
		}
		return Contract{}, fmt.Errorf("escrow: get: %w", err)
	}

	rows, err := r.db.Query(ctx, `SELECT `+milestoneColumns+` FROM milestones WHERE escrow_id = $1 ORDER BY created_at, id`, escrowID)
	if err != nil {
		return Contract{}, fmt.Errorf("escrow: list milestones: %w", err)
	}
	defer rows.Close()

	c.Milestones = make([]Milestone, 0, 4)
	for rows.Next() {
		m, err := scanMilestone(rows)
		if err != nil {
			return Contract{}, fmt.Errorf("escrow: scan milestone: %w", err)
		}
		c.Milestones = append(c.Milestones, m)
	}
	if err := rows.Err(); err != nil {
		return Contract{}, fmt.Errorf("escrow: iterate milestones: %w", err)
	}
	return c, nil
}

func (r *Repository) GetMilestone(ctx context.Context, milestoneID string) (Milestone, error) {
	query := `SELECT ` + milestoneColumns + ` FROM milestones WHERE id = $1`
	m, err := scanMilestone(r.db.QueryRow(ctx, query, milestoneID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Milestone{}, ErrMilestoneNotFound
		}
		return Milestone{}, fmt.Errorf("escrow: get milestone: %w", err)
	}
	return m, nil
}
