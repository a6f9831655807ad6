// Package actors drives the settlement services concurrently against a real
// database. Expected rejections are absorbed; anything else is counted.
package actors

import (
	"context"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kindfi-org/kindfi-sub006/auth"
	"github.com/kindfi-org/kindfi-sub006/dispute"
	"github.com/kindfi-org/kindfi-sub006/fault"
	"github.com/kindfi-org/kindfi-sub006/notify"
)

// Cast is the seeded population the actors pick from.
type Cast struct {
	AdminID    string
	PayerID    string
	ReceiverID string
	Mediators  []string
	Milestones []Milestone
}

type Milestone struct {
	ID     string
	Amount int64
}

// Stats counts outcomes across all actors.
type Stats struct {
	Filed      atomic.Int64
	Assigned   atomic.Int64
	Resolved   atomic.Int64
	Rejected   atomic.Int64
	Unexpected atomic.Int64
	Delivered  atomic.Int64
}

func (s *Stats) String() string {
	return fmt.Sprintf("filed=%d assigned=%d resolved=%d rejected=%d unexpected=%d delivered=%d",
		s.Filed.Load(), s.Assigned.Load(), s.Resolved.Load(), s.Rejected.Load(), s.Unexpected.Load(), s.Delivered.Load())
}

// record sorts an error into the counters. Taxonomy errors are the normal
// result of racing actors; chaos makes transport errors normal too.
func (s *Stats) record(err error) {
	switch fault.KindOf(err) {
	case fault.KindValidation, fault.KindNotFound, fault.KindAuthorization, fault.KindSimulation, fault.KindTimeout:
		s.Rejected.Add(1)
	default:
		s.Unexpected.Add(1)
	}
}

func pause(ctx context.Context, stop <-chan struct{}, base, jitter int) bool {
	t := time.NewTimer(time.Duration(base+rand.Intn(jitter)) * time.Millisecond)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-stop:
		return false
	case <-t.C:
		return true
	}
}

// Filer keeps opening disputes on random milestones as either party.
func Filer(ctx context.Context, svc *dispute.Service, cast Cast, stats *Stats, stop <-chan struct{}) error {
	parties := []string{cast.PayerID, cast.ReceiverID}
	for pause(ctx, stop, 10, 30) {
		m := cast.Milestones[rand.Intn(len(cast.Milestones))]
		_, err := svc.FileDispute(ctx, dispute.FileRequest{
			MilestoneID: m.ID,
			InitiatorID: parties[rand.Intn(len(parties))],
			Reason:      "deliverable disputed",
		})
		if err != nil {
			stats.record(err)
			continue
		}
		stats.Filed.Add(1)
	}
	return nil
}

// Assigner keeps (re)assigning random mediators to open disputes.
func Assigner(ctx context.Context, pool *pgxpool.Pool, svc *dispute.Service, cast Cast, stats *Stats, stop <-chan struct{}) error {
	for pause(ctx, stop, 15, 30) {
		disputeID, err := randomOpenDispute(ctx, pool)
		if err != nil || disputeID == "" {
			continue
		}
		mediator := cast.Mediators[rand.Intn(len(cast.Mediators))]
		if _, err := svc.AssignMediator(ctx, disputeID, mediator, cast.AdminID, auth.RoleAdmin); err != nil {
			stats.record(err)
			continue
		}
		stats.Assigned.Add(1)
	}
	return nil
}

// Resolver resolves open disputes. Most attempts come from the mediator on
// record; the rest impersonate another mediator and must be refused.
func Resolver(ctx context.Context, pool *pgxpool.Pool, svc *dispute.Service, cast Cast, stats *Stats, stop <-chan struct{}) error {
	resolutions := []string{"APPROVED", "REJECTED", "RESOLVED"}
	for pause(ctx, stop, 10, 40) {
		var disputeID, mediatorID string
		var amount int64
		err := pool.QueryRow(ctx, `
			SELECT d.id, a.mediator_id, m.amount
			FROM disputes d
			JOIN mediator_assignments a ON a.dispute_id = d.id
			JOIN milestones m ON m.id = d.milestone_id
			WHERE d.status IN ('PENDING', 'MEDIATION')
			ORDER BY random() LIMIT 1`).Scan(&disputeID, &mediatorID, &amount)
		if err != nil {
			continue
		}
		if rand.Intn(5) == 0 {
			mediatorID = cast.Mediators[rand.Intn(len(cast.Mediators))]
		}
		approver := rand.Int63n(amount + 1)
		_, err = svc.ResolveDispute(ctx, dispute.ResolveRequest{
			DisputeID:      disputeID,
			MediatorID:     mediatorID,
			Resolution:     resolutions[rand.Intn(len(resolutions))],
			Notes:          "stress",
			ApproverAmount: approver,
			ReceiverAmount: amount - approver,
			Signer:         mediatorID,
		})
		if err != nil {
			stats.record(err)
			continue
		}
		stats.Resolved.Add(1)
	}
	return nil
}

// Relay drains the notification outbox the way the server does.
func Relay(ctx context.Context, relay *notify.Relay, stats *Stats, stop <-chan struct{}) error {
	for pause(ctx, stop, 20, 30) {
		n, err := relay.RunOnce(ctx)
		if err != nil {
			stats.Unexpected.Add(1)
			continue
		}
		stats.Delivered.Add(int64(n))
	}
	return nil
}

func randomOpenDispute(ctx context.Context, pool *pgxpool.Pool) (string, error) {
	var id string
	err := pool.QueryRow(ctx, `
		SELECT id FROM disputes
		WHERE status IN ('PENDING', 'MEDIATION')
		ORDER BY random() LIMIT 1`).Scan(&id)
	return id, err
}
