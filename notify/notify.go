// Package notify delivers user notifications. Producers write outbox rows in
// their own transaction; the Relay later hands them to a Sink.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

type Type string

const (
	TypeDisputeFiled      Type = "dispute_filed"
	TypeMediatorAssigned  Type = "mediator_assigned"
	TypeDisputeResolved   Type = "dispute_resolved"
	TypeEscrowInitialized Type = "escrow_initialized"
)

// TopicPrefix marks outbox rows the relay owns.
const TopicPrefix = "notify."

func Topic(t Type) string { return TopicPrefix + string(t) }

// Message is the outbox payload.
type Message struct {
	UserID    string `json:"user_id"`
	Type      Type   `json:"type"`
	Text      string `json:"message"`
	DisputeID string `json:"dispute_id,omitempty"`
	EscrowID  string `json:"escrow_id,omitempty"`
}

func (m Message) validate() error {
	if strings.TrimSpace(m.UserID) == "" {
		return errors.New("notify: message without recipient")
	}
	if m.Type == "" {
		return errors.New("notify: message without type")
	}
	return nil
}

// Execer is satisfied by pgx.Tx, *pgxpool.Pool and *pgx.Conn.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Write enqueues m in the outbox using the caller's transaction.
func Write(ctx context.Context, tx Execer, m Message) error {
	if err := m.validate(); err != nil {
		return err
	}
	body, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("notify: marshal payload: %w", err)
	}
	const q = `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`
	if _, err := tx.Exec(ctx, q, Topic(m.Type), body); err != nil {
		return fmt.Errorf("notify: enqueue outbox: %w", err)
	}
	return nil
}

// Sink is the platform notification queue.
type Sink interface {
	Enqueue(ctx context.Context, userID, message string, typ Type) error
}

// PGSink writes into the notifications table read by the platform UI.
type PGSink struct {
	db Execer
}

func NewPGSink(db Execer) *PGSink {
	return &PGSink{db: db}
}

func (s *PGSink) Enqueue(ctx context.Context, userID, message string, typ Type) error {
	const q = `INSERT INTO notifications (user_id, type, message) VALUES ($1, $2, $3)`
	if _, err := s.db.Exec(ctx, q, userID, string(typ), message); err != nil {
		return fmt.Errorf("notify: insert notification: %w", err)
	}
	return nil
}
