package live

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DefaultChannel is the Postgres NOTIFY channel carrying status changes.
const DefaultChannel = "settlement_changes"

const (
	EntityDispute = "dispute"
	EntityEscrow  = "escrow"
	EntityUser    = "user"
)

// Change is a persisted status transition. Users lists the accounts the
// change is addressed to besides watchers of the entity itself.
type Change struct {
	Entity string    `json:"entity"`
	ID     string    `json:"id"`
	Status string    `json:"status"`
	Users  []string  `json:"users,omitempty"`
	At     time.Time `json:"at"`
}

// Keys returns every interest key that should receive this change.
func (c Change) Keys() []string {
	keys := make([]string, 0, 1+len(c.Users))
	keys = append(keys, c.Entity+":"+c.ID)
	for _, u := range c.Users {
		if k := EntityUser + ":" + u; k != keys[0] {
			keys = append(keys, k)
		}
	}
	return keys
}

func (c Change) validate() error {
	switch {
	case c.Entity == "" || c.ID == "":
		return errors.New("live: change without entity or id")
	case c.Status == "":
		return errors.New("live: change without status")
	}
	return nil
}

// DecodeChange parses a change feed payload.
func DecodeChange(payload string) (Change, error) {
	var c Change
	if err := json.Unmarshal([]byte(payload), &c); err != nil {
		return Change{}, fmt.Errorf("live: decode change: %w", err)
	}
	if err := c.validate(); err != nil {
		return Change{}, err
	}
	return c, nil
}

// Execer is satisfied by pgx.Tx and *pgxpool.Pool.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Emit queues c on channel. Inside a transaction the notification is only
// delivered on commit.
func Emit(ctx context.Context, ex Execer, channel string, c Change) error {
	if err := c.validate(); err != nil {
		return err
	}
	if channel == "" {
		channel = DefaultChannel
	}
	if c.At.IsZero() {
		c.At = time.Now().UTC()
	}
	body, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("live: encode change: %w", err)
	}
	if _, err := ex.Exec(ctx, `SELECT pg_notify($1, $2)`, channel, string(body)); err != nil {
		return fmt.Errorf("live: notify %s: %w", channel, err)
	}
	return nil
}

// ParseInterest validates an interest key of the form dispute:{id} or user:{id}.
func ParseInterest(raw string) (kind, id string, err error) {
	kind, id, ok := strings.Cut(strings.TrimSpace(raw), ":")
	if !ok || id == "" {
		return "", "", fmt.Errorf("live: malformed interest %q", raw)
	}
	switch kind {
	case EntityDispute, EntityUser:
		return kind, id, nil
	default:
		return "", "", fmt.Errorf("live: unsupported interest %q", raw)
	}
}

// Querier is satisfied by pgx.Tx and *pgxpool.Pool.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// StatusReader loads persisted status for catch-up on subscribe.
type StatusReader interface {
	DisputeStatus(ctx context.Context, id string) (string, error)
	UserKYCStatus(ctx context.Context, id string) (string, error)
}

var ErrUnknownEntity = errors.New("live: entity not found")

type PGStatusReader struct {
	db Querier
}

func NewStatusReader(db Querier) *PGStatusReader {
	return &PGStatusReader{db: db}
}

func (r *PGStatusReader) DisputeStatus(ctx context.Context, id string) (string, error) {
	return r.scalar(ctx, `SELECT status FROM disputes WHERE id = $1`, id)
}

func (r *PGStatusReader) UserKYCStatus(ctx context.Context, id string) (string, error) {
	return r.scalar(ctx, `SELECT kyc_status FROM users WHERE id = $1`, id)
}

func (r *PGStatusReader) scalar(ctx context.Context, q, id string) (string, error) {
	var s string
	if err := r.db.QueryRow(ctx, q, id).Scan(&s); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrUnknownEntity
		}
		return "", fmt.Errorf("live: read status: %w", err)
	}
	return s, nil
}
