package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"golang.org/x/time/rate"

	"github.com/kindfi-org/kindfi-sub006/metrics"
)

// Entry is one claimed outbox row.
type Entry struct {
	ID       int64
	Topic    string
	Payload  []byte
	Attempts int
}

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// OutboxStore is the relay's data access.
type OutboxStore interface {
	ClaimPending(ctx context.Context, tx pgx.Tx, prefix string, limit int) ([]Entry, error)
	MarkProcessed(ctx context.Context, tx pgx.Tx, id int64) error
	// MarkFailed records a failed attempt and reports whether the row is now dead.
	MarkFailed(ctx context.Context, tx pgx.Tx, id int64, reason string, maxAttempts int) (bool, error)
}

type PGOutbox struct{}

func NewOutbox() *PGOutbox { return &PGOutbox{} }

func (PGOutbox) ClaimPending(ctx context.Context, tx pgx.Tx, prefix string, limit int) ([]Entry, error) {
	const q = `
		SELECT id, topic, payload, attempts
		FROM outbox
		WHERE status = 'pending' AND starts_with(topic, $1)
		ORDER BY id
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`
	rows, err := tx.Query(ctx, q, prefix, limit)
	if err != nil {
		return nil, fmt.Errorf("notify: claim outbox: %w", err)
	}
	defer rows.Close()

	out := make([]Entry, 0, limit)
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Topic, &e.Payload, &e.Attempts); err != nil {
			return nil, fmt.Errorf("notify: scan outbox: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("notify: iterate outbox: %w", err)
	}
	return out, nil
}

func (PGOutbox) MarkProcessed(ctx context.Context, tx pgx.Tx, id int64) error {
	const q = `UPDATE outbox SET status = 'processed', processed_at = now() WHERE id = $1`
	if _, err := tx.Exec(ctx, q, id); err != nil {
		return fmt.Errorf("notify: mark processed %d: %w", id, err)
	}
	return nil
}

func (PGOutbox) MarkFailed(ctx context.Context, tx pgx.Tx, id int64, reason string, maxAttempts int) (bool, error) {
	const q = `
		UPDATE outbox
		SET attempts = attempts + 1,
		    last_error = $2,
		    status = CASE WHEN attempts + 1 >= $3 THEN 'dead' ELSE 'pending' END
		WHERE id = $1
		RETURNING status
	`
	var status string
	if err := tx.QueryRow(ctx, q, id, reason, maxAttempts).Scan(&status); err != nil {
		return false, fmt.Errorf("notify: mark failed %d: %w", id, err)
	}
	return status == "dead", nil
}

type RelayConfig struct {
	PollInterval time.Duration
	BatchSize    int
	MaxAttempts  int
	RatePerSec   float64
}

// Relay drains notify.* outbox rows into a Sink. Delivery is at least once.
type Relay struct {
	pool    TxBeginner
	store   OutboxStore
	sink    Sink
	cfg     RelayConfig
	limiter *rate.Limiter
	logger  *slog.Logger
	metrics *metrics.Registry

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

func NewRelay(pool TxBeginner, store OutboxStore, sink Sink, cfg RelayConfig, logger *slog.Logger, m *metrics.Registry) *Relay {
	if store == nil {
		store = NewOutbox()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 8
	}
	limit, burst := rate.Inf, 1
	if cfg.RatePerSec > 0 {
		limit = rate.Limit(cfg.RatePerSec)
		burst = max(1, int(cfg.RatePerSec))
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		pool:    pool,
		store:   store,
		sink:    sink,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger.With("component", "notify.relay"),
		metrics: m,
		stop:    make(chan struct{}),
	}
}

// RunOnce processes one batch and returns how many rows it delivered.
// Sink failures are recorded on the row and never abort the batch.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("notify: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	entries, err := r.store.ClaimPending(ctx, tx, TopicPrefix, r.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, e := range entries {
		if err := r.limiter.Wait(ctx); err != nil {
			break
		}

		maxAttempts := r.cfg.MaxAttempts
		var msg Message
		sendErr := json.Unmarshal(e.Payload, &msg)
		if sendErr == nil {
			sendErr = msg.validate()
		}
		if sendErr != nil {
			maxAttempts = 0
			sendErr = fmt.Errorf("malformed payload: %w", sendErr)
		} else {
			sendErr = r.sink.Enqueue(ctx, msg.UserID, msg.Text, msg.Type)
		}

		if sendErr == nil {
			if err := r.store.MarkProcessed(ctx, tx, e.ID); err != nil {
				return delivered, err
			}
			delivered++
			r.metrics.OutboxDispatched("ok")
			continue
		}

		dead, err := r.store.MarkFailed(ctx, tx, e.ID, sendErr.Error(), maxAttempts)
		if err != nil {
			return delivered, err
		}
		result := "retry"
		if dead {
			result = "dead"
		}
		r.metrics.OutboxDispatched(result)
		r.logger.Warn("notification delivery failed",
			"outbox_id", e.ID, "topic", e.Topic, "attempts", e.Attempts+1, "dead", dead, "error", sendErr)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("notify: commit tx: %w", err)
	}
	return delivered, nil
}

// Start polls until ctx ends or Stop is called. A full batch triggers an
// immediate follow-up run.
func (r *Relay) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		timer := time.NewTimer(0)
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stop:
				return
			case <-timer.C:
			}
			next := r.cfg.PollInterval
			n, err := r.RunOnce(ctx)
			switch {
			case err != nil && !errors.Is(err, context.Canceled):
				r.logger.Error("outbox relay run failed", "error", err)
			case n == r.cfg.BatchSize:
				next = 0
			}
			timer.Reset(next)
		}
	}()
}

func (r *Relay) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
	r.wg.Wait()
}
