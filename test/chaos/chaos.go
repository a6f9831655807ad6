// Package chaos injects infrastructure faults while actors run.
package chaos

import (
	"context"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// TerminateBackends occasionally kills one of the connections opened under
// appName, forcing in-flight transactions to abort mid-settlement.
func TerminateBackends(ctx context.Context, pool *pgxpool.Pool, appName string, every time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if rand.Intn(4) != 0 {
				continue
			}
			_, _ = pool.Exec(ctx, `
				SELECT pg_terminate_backend(pid) FROM pg_stat_activity
				WHERE datname = current_database()
				  AND application_name = $1
				  AND pid <> pg_backend_pid()
				ORDER BY random() LIMIT 1`, appName)
		}
	}
}

// LedgerStall toggles the fake ledger between settling and stalling so some
// resolutions time out and hold their claim.
func LedgerStall(ctx context.Context, toggle func(stalled bool), every time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	stalled := false
	for {
		select {
		case <-ctx.Done():
			toggle(false)
			return
		case <-stop:
			toggle(false)
			return
		case <-ticker.C:
			stalled = rand.Intn(3) == 0
			toggle(stalled)
		}
	}
}
