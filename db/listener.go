package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
)

// Listener streams NOTIFY payloads from one channel over a dedicated
// connection, reconnecting with backoff when the connection drops.
type Listener struct {
	connString string
	channel    string
	buffer     int
	logger     *slog.Logger
}

func NewListener(connString, channel string, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{
		connString: connString,
		channel:    channel,
		buffer:     64,
		logger:     logger.With("component", "db.listener", "channel", channel),
	}
}

// Changes returns a channel of payloads that is closed when ctx ends. The
// first connection is made synchronously so configuration errors surface.
func (l *Listener) Changes(ctx context.Context) (<-chan string, error) {
	conn, err := l.listen(ctx)
	if err != nil {
		return nil, err
	}
	out := make(chan string, l.buffer)
	go l.run(ctx, conn, out)
	return out, nil
}

func (l *Listener) listen(ctx context.Context) (*pgx.Conn, error) {
	conn, err := pgx.Connect(ctx, l.connString)
	if err != nil {
		return nil, fmt.Errorf("db: listener connect: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{l.channel}.Sanitize()); err != nil {
		conn.Close(context.Background())
		return nil, fmt.Errorf("db: listen %s: %w", l.channel, err)
	}
	return conn, nil
}

func (l *Listener) run(ctx context.Context, conn *pgx.Conn, out chan<- string) {
	defer close(out)

	policy := backoff.NewExponentialBackOff()
	policy.MaxInterval = 30 * time.Second
	policy.MaxElapsedTime = 0

	for {
		err := l.pump(ctx, conn, out)
		conn.Close(context.Background())
		if ctx.Err() != nil {
			return
		}
		l.logger.Warn("listener connection lost", "error", err)

		reconnect := func() error {
			c, err := l.listen(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return backoff.Permanent(ctx.Err())
				}
				return err
			}
			conn = c
			return nil
		}
		notify := func(err error, wait time.Duration) {
			l.logger.Warn("listener reconnect failed", "error", err, "retry_in", wait)
		}
		if err := backoff.RetryNotify(reconnect, backoff.WithContext(policy, ctx), notify); err != nil {
			return
		}
		l.logger.Info("listener reconnected")
	}
}

func (l *Listener) pump(ctx context.Context, conn *pgx.Conn, out chan<- string) error {
	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return ctx.Err()
			}
			return err
		}
		select {
		case out <- n.Payload:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
