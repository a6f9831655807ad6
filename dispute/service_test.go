package dispute

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/kindfi-org/kindfi-sub006/auth"
	"github.com/kindfi-org/kindfi-sub006/escrow"
	"github.com/kindfi-org/kindfi-sub006/fault"
	"github.com/kindfi-org/kindfi-sub006/ledger"
	"github.com/kindfi-org/kindfi-sub006/ledger/ledgertest"
	"github.com/kindfi-org/kindfi-sub006/notify"
)

var testContract = "C" + strings.Repeat("D", 55)

const (
	payer     = "payer-1"
	receiver  = "receiver-1"
	admin     = "admin-1"
	mediatorX = "mediator-x"
	mediatorY = "mediator-y"
)

type fixture struct {
	svc    *Service
	pool   *fakePool
	store  *fakeStore
	ledger *ledgertest.Ledger
	clock  *fakeClock
}

func newFixture(t *testing.T, attempts int) *fixture {
	t.Helper()
	kr, err := ledger.NewKeyring(map[string]string{
		mediatorX: strings.Repeat("0a", 32),
		mediatorY: strings.Repeat("0b", 32),
	})
	if err != nil {
		t.Fatalf("keyring: %v", err)
	}
	l := ledgertest.New()
	pipeline := ledger.NewPipeline(l, kr, ledger.Config{PollInterval: time.Millisecond, MaxAttempts: attempts}, nil, nil)

	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := newFakeStore(clock)
	store.milestones["milestone-1"] = Milestone{
		ID:              "milestone-1",
		EscrowID:        "escrow-1",
		Status:          escrow.MilestonePending,
		Amount:          100,
		PayerID:         payer,
		ReceiverID:      receiver,
		ContractAddress: testContract,
	}
	pool := &fakePool{}
	users := fakeDirectory{mediatorX: true, mediatorY: true}

	svc := NewService(pool, store, users, pipeline, Config{Lease: time.Minute}, nil)
	return &fixture{svc: svc, pool: pool, store: store, ledger: l, clock: clock}
}

func (f *fixture) file(t *testing.T) Record {
	t.Helper()
	rec, err := f.svc.FileDispute(context.Background(), FileRequest{
		MilestoneID: "milestone-1",
		InitiatorID: payer,
		Reason:      "deliverable incomplete",
		Evidence:    []string{"ipfs://evidence-1"},
	})
	if err != nil {
		t.Fatalf("file dispute: %v", err)
	}
	return rec
}

func (f *fixture) assign(t *testing.T, disputeID, mediatorID string) Record {
	t.Helper()
	rec, err := f.svc.AssignMediator(context.Background(), disputeID, mediatorID, admin, auth.RoleAdmin)
	if err != nil {
		t.Fatalf("assign %s: %v", mediatorID, err)
	}
	return rec
}

func approve(disputeID, mediatorID string) ResolveRequest {
	return ResolveRequest{
		DisputeID:      disputeID,
		MediatorID:     mediatorID,
		Resolution:     "APPROVED",
		Notes:          "work delivered",
		ApproverAmount: 0,
		ReceiverAmount: 100,
		Signer:         mediatorID,
	}
}

func TestScenario_FileAssignReassign(t *testing.T) {
	f := newFixture(t, 5)
	rec := f.file(t)

	if rec.Status != StatusPending {
		t.Fatalf("expected PENDING, got %s", rec.Status)
	}
	if got := f.store.milestone("milestone-1").Status; got != escrow.MilestoneDisputed {
		t.Fatalf("expected milestone disputed, got %s", got)
	}
	if msgs := f.pool.outbox(notify.TypeDisputeFiled); len(msgs) != 1 || msgs[0].UserID != receiver {
		t.Fatalf("expected the counterparty to be notified, got %+v", msgs)
	}

	rec = f.assign(t, rec.ID, mediatorX)
	if rec.Status != StatusMediation {
		t.Fatalf("expected MEDIATION, got %s", rec.Status)
	}
	if n := f.store.assignmentCount(); n != 1 {
		t.Fatalf("expected one assignment, got %d", n)
	}

	rec = f.assign(t, rec.ID, mediatorY)
	if rec.Status != StatusMediation {
		t.Fatalf("expected MEDIATION after reassignment, got %s", rec.Status)
	}
	if n := f.store.assignmentCount(); n != 1 {
		t.Fatalf("expected one assignment after reassignment, got %d", n)
	}
	if got := f.store.assignments[rec.ID].MediatorID; got != mediatorY {
		t.Fatalf("expected assignment to reference %s, got %s", mediatorY, got)
	}
	if got := f.store.dispute(rec.ID).Status; got != StatusMediation {
		t.Fatalf("expected stored status MEDIATION, got %s", got)
	}
	if msgs := f.pool.outbox(notify.TypeMediatorAssigned); len(msgs) != 2 {
		t.Fatalf("expected a notification per assignment, got %d", len(msgs))
	}
	if n := f.pool.committedCount("pg_notify"); n != 3 {
		t.Fatalf("expected a change event per transition, got %d", n)
	}
}

func TestAssignMediator_RepeatedAssignmentKeepsOneRecord(t *testing.T) {
	f := newFixture(t, 5)
	rec := f.file(t)

	for i := 0; i < 4; i++ {
		f.assign(t, rec.ID, mediatorX)
	}
	if n := f.store.assignmentCount(); n != 1 {
		t.Fatalf("expected one assignment, got %d", n)
	}
	if got := f.store.dispute(rec.ID).Status; got != StatusMediation {
		t.Fatalf("expected MEDIATION, got %s", got)
	}
}

func TestAssignMediator_PreconditionsMutateNothing(t *testing.T) {
	f := newFixture(t, 5)
	rec := f.file(t)
	ctx := context.Background()

	cases := []struct {
		name       string
		disputeID  string
		mediatorID string
		role       auth.Role
		want       error
	}{
		{"backer cannot assign", rec.ID, mediatorX, auth.RoleBacker, fault.ErrAuthorization},
		{"mediator cannot assign", rec.ID, mediatorX, auth.RoleMediator, fault.ErrAuthorization},
		{"unknown dispute", "dispute-404", mediatorX, auth.RoleAdmin, fault.ErrNotFound},
		{"unknown mediator", rec.ID, "ghost", auth.RoleDisputeManager, fault.ErrNotFound},
		{"not a mediator", rec.ID, payer, auth.RoleAdmin, fault.ErrNotFound},
		{"missing mediator", rec.ID, "", auth.RoleAdmin, fault.ErrValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.AssignMediator(ctx, tc.disputeID, tc.mediatorID, admin, tc.role)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
	if n := f.store.assignmentCount(); n != 0 {
		t.Fatalf("expected no assignment, got %d", n)
	}
	if got := f.store.dispute(rec.ID).Status; got != StatusPending {
		t.Fatalf("expected PENDING, got %s", got)
	}
	if msgs := f.pool.outbox(notify.TypeMediatorAssigned); len(msgs) != 0 {
		t.Fatalf("expected no notification, got %d", len(msgs))
	}
}

func TestResolve_ApprovedSplitAfterConfirmation(t *testing.T) {
	f := newFixture(t, 5)
	rec := f.file(t)
	f.assign(t, rec.ID, mediatorX)
	f.assign(t, rec.ID, mediatorY)

	out, err := f.svc.ResolveDispute(context.Background(), approve(rec.ID, mediatorY))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if out.Status != StatusApproved {
		t.Fatalf("expected APPROVED, got %s", out.Status)
	}
	if out.ResolutionTxHash == nil || *out.ResolutionTxHash == "" {
		t.Fatal("expected the ledger hash to be recorded")
	}
	if out.ApproverAmount == nil || *out.ApproverAmount != 0 || out.ReceiverAmount == nil || *out.ReceiverAmount != 100 {
		t.Fatalf("unexpected amounts: %v / %v", out.ApproverAmount, out.ReceiverAmount)
	}
	if out.ResolvedBy == nil || *out.ResolvedBy != mediatorY {
		t.Fatalf("expected resolved_by %s", mediatorY)
	}
	if got := f.store.milestone("milestone-1").Status; got != escrow.MilestoneCompleted {
		t.Fatalf("expected milestone completed, got %s", got)
	}

	msgs := f.pool.outbox(notify.TypeDisputeResolved)
	if len(msgs) != 2 {
		t.Fatalf("expected two notifications, got %d", len(msgs))
	}
	recipients := map[string]bool{msgs[0].UserID: true, msgs[1].UserID: true}
	if !recipients[payer] || !recipients[receiver] {
		t.Fatalf("expected payer and receiver to be notified, got %v", recipients)
	}

	submitted := f.ledger.Submitted()
	if len(submitted) != 1 {
		t.Fatalf("expected one ledger submission, got %d", len(submitted))
	}
	args := submitted[0].Operation.Args
	if args["dispute_id"] != rec.ID || args["receiver_amount"] != int64(100) {
		t.Fatalf("unexpected ledger args: %v", args)
	}
	if submitted[0].Signer != mediatorY {
		t.Fatalf("expected %s to sign, got %s", mediatorY, submitted[0].Signer)
	}
}

func TestResolve_RejectedMarksMilestoneRejected(t *testing.T) {
	f := newFixture(t, 5)
	rec := f.file(t)
	f.assign(t, rec.ID, mediatorX)

	req := approve(rec.ID, mediatorX)
	req.Resolution = "REJECTED"
	req.ApproverAmount, req.ReceiverAmount = 100, 0
	out, err := f.svc.ResolveDispute(context.Background(), req)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if out.Status != StatusRejected {
		t.Fatalf("expected REJECTED, got %s", out.Status)
	}
	if got := f.store.milestone("milestone-1").Status; got != escrow.MilestoneRejected {
		t.Fatalf("expected milestone rejected, got %s", got)
	}
}

func TestResolve_NoMutationBeforeConfirmation(t *testing.T) {
	f := newFixture(t, 5)
	rec := f.file(t)
	f.assign(t, rec.ID, mediatorX)
	f.ledger.SetOutcome(ledgertest.Outcome{After: 3, Status: ledger.TxSuccess})

	spy := &orderingSettler{inner: f.svc.settler, store: f.store, disputeID: rec.ID}
	f.svc.settler = spy

	if _, err := f.svc.ResolveDispute(context.Background(), approve(rec.ID, mediatorX)); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if spy.statusAtConfirm != StatusMediation {
		t.Fatalf("dispute changed before confirmation: %s", spy.statusAtConfirm)
	}
	if spy.milestoneAtConfirm != escrow.MilestoneDisputed {
		t.Fatalf("milestone changed before confirmation: %s", spy.milestoneAtConfirm)
	}
	if got := f.store.dispute(rec.ID).Status; got != StatusApproved {
		t.Fatalf("expected APPROVED after confirmation, got %s", got)
	}
}

func TestScenario_SimulationFailureKeepsState(t *testing.T) {
	f := newFixture(t, 5)
	rec := f.file(t)
	f.assign(t, rec.ID, mediatorY)
	f.ledger.FailSimulation(ledger.ActionResolveDispute, "insufficient funds")

	_, err := f.svc.ResolveDispute(context.Background(), approve(rec.ID, mediatorY))
	if fault.KindOf(err) != fault.KindSimulation {
		t.Fatalf("expected simulation error, got %v", err)
	}
	d := f.store.dispute(rec.ID)
	if d.Status != StatusMediation {
		t.Fatalf("expected MEDIATION, got %s", d.Status)
	}
	if d.ResolvingToken != nil {
		t.Fatal("expected the resolution claim to be released")
	}
	if got := f.store.milestone("milestone-1").Status; got != escrow.MilestoneDisputed {
		t.Fatalf("expected milestone disputed, got %s", got)
	}
	if len(f.ledger.Submitted()) != 0 {
		t.Fatal("nothing should be submitted after a failed simulation")
	}
	if msgs := f.pool.outbox(notify.TypeDisputeResolved); len(msgs) != 0 {
		t.Fatalf("expected no resolution notification, got %d", len(msgs))
	}

	// retryable once the ledger accepts the operation
	f.ledger.FailSimulation(ledger.ActionResolveDispute, "")
	if _, err := f.svc.ResolveDispute(context.Background(), approve(rec.ID, mediatorY)); err != nil {
		t.Fatalf("retry: %v", err)
	}
}

func TestResolve_ExplicitLedgerFailureReleasesClaim(t *testing.T) {
	f := newFixture(t, 5)
	rec := f.file(t)
	f.assign(t, rec.ID, mediatorX)
	f.ledger.SetOutcome(ledgertest.Outcome{After: 2, Status: ledger.TxFailed, Reason: "contract trapped"})

	_, err := f.svc.ResolveDispute(context.Background(), approve(rec.ID, mediatorX))
	fe, ok := fault.As(err)
	if !ok || fe.Kind != fault.KindTransaction {
		t.Fatalf("expected transaction error, got %v", err)
	}
	if fe.Hash == "" {
		t.Fatal("expected the failed hash to be reported")
	}
	d := f.store.dispute(rec.ID)
	if d.Status != StatusMediation || d.ResolvingToken != nil {
		t.Fatalf("expected open, unclaimed dispute, got %s claimed=%v", d.Status, d.ResolvingToken != nil)
	}
}

func TestScenario_ConfirmationTimeout(t *testing.T) {
	f := newFixture(t, 3)
	rec := f.file(t)
	f.assign(t, rec.ID, mediatorY)
	f.ledger.SetOutcome(ledgertest.NeverSettle)

	_, err := f.svc.ResolveDispute(context.Background(), approve(rec.ID, mediatorY))
	fe, ok := fault.As(err)
	if !ok || fe.Kind != fault.KindTimeout {
		t.Fatalf("expected timeout, got %v", err)
	}
	if fe.Hash == "" {
		t.Fatal("expected the transaction hash for reconciliation")
	}
	if got := f.ledger.Polls(fe.Hash); got != 3 {
		t.Fatalf("expected polling bounded at 3 attempts, got %d", got)
	}
	d := f.store.dispute(rec.ID)
	if d.Status != StatusMediation {
		t.Fatalf("expected MEDIATION, got %s", d.Status)
	}
	if got := f.store.milestone("milestone-1").Status; got != escrow.MilestoneDisputed {
		t.Fatalf("expected milestone disputed, got %s", got)
	}
	if f.store.completes != 0 {
		t.Fatal("no completion expected after a timeout")
	}

	// the claim outlives the timeout while the transaction may still land
	_, err = f.svc.ResolveDispute(context.Background(), approve(rec.ID, mediatorY))
	if !errors.Is(err, fault.ErrNotFound) {
		t.Fatalf("expected not found while claimed, got %v", err)
	}
	if _, err := f.svc.AssignMediator(context.Background(), rec.ID, mediatorX, admin, auth.RoleAdmin); !errors.Is(err, fault.ErrNotFound) {
		t.Fatalf("expected reassignment to be refused while claimed, got %v", err)
	}

	// once the lease ends the same operation can be resubmitted; the ledger
	// reports it as a duplicate and its eventual outcome is picked up
	f.clock.Advance(2 * time.Minute)
	f.ledger.Settle(fe.Hash, ledgertest.ConfirmImmediately)
	out, err := f.svc.ResolveDispute(context.Background(), approve(rec.ID, mediatorY))
	if err != nil {
		t.Fatalf("resolve after lease: %v", err)
	}
	if out.ResolutionTxHash == nil || *out.ResolutionTxHash != fe.Hash {
		t.Fatalf("expected the original hash to be recorded, got %v", out.ResolutionTxHash)
	}
	if n := len(f.ledger.Submitted()); n != 1 {
		t.Fatalf("expected no second submission, got %d", n)
	}
}

func TestResolve_Authorization(t *testing.T) {
	f := newFixture(t, 5)
	rec := f.file(t)

	_, err := f.svc.ResolveDispute(context.Background(), approve(rec.ID, mediatorX))
	if !errors.Is(err, fault.ErrAuthorization) {
		t.Fatalf("expected authorization error without assignment, got %v", err)
	}

	f.assign(t, rec.ID, mediatorX)
	f.assign(t, rec.ID, mediatorY)
	_, err = f.svc.ResolveDispute(context.Background(), approve(rec.ID, mediatorX))
	if !errors.Is(err, fault.ErrAuthorization) {
		t.Fatalf("expected authorization error for replaced mediator, got %v", err)
	}
	if len(f.ledger.Submitted()) != 0 || f.ledger.Simulations() != 0 {
		t.Fatal("unauthorized attempts must not reach the ledger")
	}
	if d := f.store.dispute(rec.ID); d.ResolvingToken != nil {
		t.Fatal("unauthorized attempts must not claim the dispute")
	}
}

func TestResolve_SignerBoundToMediator(t *testing.T) {
	f := newFixture(t, 5)
	rec := f.file(t)
	f.assign(t, rec.ID, mediatorY)

	for _, signer := range []string{mediatorX, "platform"} {
		req := approve(rec.ID, mediatorY)
		req.Signer = signer
		if _, err := f.svc.ResolveDispute(context.Background(), req); !errors.Is(err, fault.ErrAuthorization) {
			t.Fatalf("signer %s: expected authorization error, got %v", signer, err)
		}
	}
	if f.ledger.Simulations() != 0 || len(f.ledger.Submitted()) != 0 {
		t.Fatal("a foreign signer must not reach the ledger")
	}
	if d := f.store.dispute(rec.ID); d.ResolvingToken != nil || d.Status != StatusMediation {
		t.Fatalf("expected untouched dispute, got %s claimed=%v", d.Status, d.ResolvingToken != nil)
	}
}

func TestResolve_RecordSurvivesCallerCancellation(t *testing.T) {
	f := newFixture(t, 5)
	rec := f.file(t)
	f.assign(t, rec.ID, mediatorX)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.svc.settler = &afterSettler{inner: f.svc.settler, hook: cancel}

	out, err := f.svc.ResolveDispute(ctx, approve(rec.ID, mediatorX))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if out.Status != StatusApproved {
		t.Fatalf("expected APPROVED, got %s", out.Status)
	}
	if got := f.store.dispute(rec.ID).Status; got != StatusApproved {
		t.Fatalf("expected stored APPROVED, got %s", got)
	}
	if got := f.store.milestone("milestone-1").Status; got != escrow.MilestoneCompleted {
		t.Fatalf("expected milestone completed, got %s", got)
	}
	if n := len(f.ledger.Submitted()); n != 1 {
		t.Fatalf("expected one ledger submission, got %d", n)
	}
	if msgs := f.pool.outbox(notify.TypeDisputeResolved); len(msgs) != 2 {
		t.Fatalf("expected the resolution notifications to commit, got %d", len(msgs))
	}
}

func TestResolve_ClaimLostAfterConfirmation(t *testing.T) {
	f := newFixture(t, 5)
	rec := f.file(t)
	f.assign(t, rec.ID, mediatorX)
	f.svc.settler = &afterSettler{inner: f.svc.settler, hook: func() { f.store.stealClaim(rec.ID) }}

	_, err := f.svc.ResolveDispute(context.Background(), approve(rec.ID, mediatorX))
	if !errors.Is(err, fault.ErrNotFound) {
		t.Fatalf("expected not found for a lost claim, got %v", err)
	}
	if f.store.completes != 0 {
		t.Fatal("a lost claim must not complete the dispute")
	}
	d := f.store.dispute(rec.ID)
	if d.Status != StatusMediation || d.ResolvingToken == nil || *d.ResolvingToken != "other-token" {
		t.Fatalf("expected the other claim to stand, got %s", d.Status)
	}
	if got := f.store.milestone("milestone-1").Status; got != escrow.MilestoneDisputed {
		t.Fatalf("expected milestone disputed, got %s", got)
	}
}

func TestResolve_RecordFailureAfterConfirmation(t *testing.T) {
	cases := map[string]func(f *fixture){
		"store failure":  func(f *fixture) { f.store.completeErr = errors.New("connection reset") },
		"commit failure": func(f *fixture) { f.pool.failCommits(errors.New("connection reset")) },
	}
	for name, breakRecord := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, 5)
			rec := f.file(t)
			f.assign(t, rec.ID, mediatorX)
			f.svc.settler = &afterSettler{inner: f.svc.settler, hook: func() { breakRecord(f) }}

			_, err := f.svc.ResolveDispute(context.Background(), approve(rec.ID, mediatorX))
			fe, ok := fault.As(err)
			if !ok || fe.Kind != fault.KindTransaction || !fe.Settled {
				t.Fatalf("expected a settled transaction error, got %v", err)
			}
			submitted := f.ledger.Submitted()
			if len(submitted) != 1 || fe.Hash == "" {
				t.Fatalf("expected the confirmed hash to be reported, got %q (%d submissions)", fe.Hash, len(submitted))
			}
			if msgs := f.pool.outbox(notify.TypeDisputeResolved); len(msgs) != 0 {
				t.Fatalf("expected no committed notification, got %d", len(msgs))
			}
		})
	}

	// the claim is kept, so nothing can resubmit or reassign until the lease ends
	f := newFixture(t, 5)
	rec := f.file(t)
	f.assign(t, rec.ID, mediatorX)
	f.store.completeErr = errors.New("connection reset")
	if _, err := f.svc.ResolveDispute(context.Background(), approve(rec.ID, mediatorX)); !fault.IsSettled(err) {
		t.Fatalf("expected a settled error, got %v", err)
	}
	f.store.completeErr = nil
	if _, err := f.svc.ResolveDispute(context.Background(), approve(rec.ID, mediatorX)); !errors.Is(err, fault.ErrNotFound) {
		t.Fatalf("expected resubmission to be refused, got %v", err)
	}
	if _, err := f.svc.AssignMediator(context.Background(), rec.ID, mediatorY, admin, auth.RoleAdmin); !errors.Is(err, fault.ErrNotFound) {
		t.Fatalf("expected reassignment to be refused, got %v", err)
	}
	if n := len(f.ledger.Submitted()); n != 1 {
		t.Fatalf("expected one ledger submission, got %d", n)
	}
}

func TestAssignMediator_ExpiredClaimAllowsReassignment(t *testing.T) {
	f := newFixture(t, 5)
	rec := f.file(t)
	f.assign(t, rec.ID, mediatorX)
	f.store.stealClaim(rec.ID)

	if _, err := f.svc.AssignMediator(context.Background(), rec.ID, mediatorY, admin, auth.RoleAdmin); !errors.Is(err, fault.ErrNotFound) {
		t.Fatalf("expected a live claim to block reassignment, got %v", err)
	}
	f.clock.Advance(2 * time.Minute)
	if got := f.assign(t, rec.ID, mediatorY); got.Mediator == nil || got.Mediator.MediatorID != mediatorY {
		t.Fatalf("expected %s after the lease ended, got %+v", mediatorY, got.Mediator)
	}
}

func TestResolve_Validation(t *testing.T) {
	cases := map[string]func(r *ResolveRequest){
		"unknown resolution": func(r *ResolveRequest) { r.Resolution = "MEDIATION" },
		"negative amount":    func(r *ResolveRequest) { r.ApproverAmount = -1 },
		"empty split":        func(r *ResolveRequest) { r.ReceiverAmount = 0 },
		"split too large":    func(r *ResolveRequest) { r.ApproverAmount = 1 },
		"missing signer":     func(r *ResolveRequest) { r.Signer = "" },
		"foreign contract":   func(r *ResolveRequest) { r.ContractAddress = "C" + strings.Repeat("Z", 55) },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, 5)
			rec := f.file(t)
			f.assign(t, rec.ID, mediatorX)

			req := approve(rec.ID, mediatorX)
			mutate(&req)
			if _, err := f.svc.ResolveDispute(context.Background(), req); !errors.Is(err, fault.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if d := f.store.dispute(rec.ID); d.Status != StatusMediation || d.ResolvingToken != nil {
				t.Fatalf("expected untouched dispute, got %s", d.Status)
			}
		})
	}
}

func TestResolve_TerminalDisputeIsNotOpen(t *testing.T) {
	f := newFixture(t, 5)
	rec := f.file(t)
	f.assign(t, rec.ID, mediatorX)
	if _, err := f.svc.ResolveDispute(context.Background(), approve(rec.ID, mediatorX)); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	if _, err := f.svc.ResolveDispute(context.Background(), approve(rec.ID, mediatorX)); !errors.Is(err, fault.ErrNotFound) {
		t.Fatalf("expected not found for terminal dispute, got %v", err)
	}
	if _, err := f.svc.AssignMediator(context.Background(), rec.ID, mediatorY, admin, auth.RoleAdmin); !errors.Is(err, fault.ErrNotFound) {
		t.Fatalf("expected not found when assigning a terminal dispute, got %v", err)
	}
	if got := f.store.assignments[rec.ID].MediatorID; got != mediatorX {
		t.Fatalf("terminal dispute assignment changed to %s", got)
	}
}

func TestResolve_ConcurrentAttemptsResolveOnce(t *testing.T) {
	f := newFixture(t, 20)
	rec := f.file(t)
	f.assign(t, rec.ID, mediatorX)
	f.ledger.SetOutcome(ledgertest.Outcome{After: 4, Status: ledger.TxSuccess})

	const attempts = 6
	var (
		wg   sync.WaitGroup
		errs = make(chan error, attempts)
	)
	start := make(chan struct{})
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			req := approve(rec.ID, mediatorX)
			req.Notes = fmt.Sprintf("attempt %d", i)
			_, err := f.svc.ResolveDispute(context.Background(), req)
			errs <- err
		}(i)
	}
	close(start)
	wg.Wait()
	close(errs)

	var succeeded, rejected int
	for err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, fault.ErrNotFound):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 || rejected != attempts-1 {
		t.Fatalf("expected exactly one success, got %d succeeded / %d rejected", succeeded, rejected)
	}
	if f.store.completes != 1 {
		t.Fatalf("expected one completion, got %d", f.store.completes)
	}
	if n := len(f.ledger.Submitted()); n != 1 {
		t.Fatalf("expected one ledger submission, got %d", n)
	}
}

func TestFileDispute_Preconditions(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()

	_, err := f.svc.FileDispute(ctx, FileRequest{MilestoneID: "milestone-1", InitiatorID: "stranger", Reason: "x"})
	if !errors.Is(err, fault.ErrAuthorization) {
		t.Fatalf("expected authorization error, got %v", err)
	}
	_, err = f.svc.FileDispute(ctx, FileRequest{MilestoneID: "milestone-404", InitiatorID: payer, Reason: "x"})
	if !errors.Is(err, fault.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	_, err = f.svc.FileDispute(ctx, FileRequest{MilestoneID: "milestone-1", InitiatorID: payer, Reason: "  "})
	if !errors.Is(err, fault.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}

	f.file(t)
	_, err = f.svc.FileDispute(ctx, FileRequest{MilestoneID: "milestone-1", InitiatorID: receiver, Reason: "again"})
	if !errors.Is(err, fault.ErrValidation) {
		t.Fatalf("expected validation error for disputed milestone, got %v", err)
	}

	// a second open dispute is refused by the store even if the milestone
	// status was not updated
	f.store.setMilestoneStatus("milestone-1", escrow.MilestonePending)
	_, err = f.svc.FileDispute(ctx, FileRequest{MilestoneID: "milestone-1", InitiatorID: receiver, Reason: "again"})
	if !errors.Is(err, fault.ErrValidation) {
		t.Fatalf("expected validation error for duplicate open dispute, got %v", err)
	}
}

func TestGet_IncludesMediator(t *testing.T) {
	f := newFixture(t, 5)
	rec := f.file(t)
	f.assign(t, rec.ID, mediatorX)

	got, err := f.svc.Get(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Mediator == nil || got.Mediator.MediatorID != mediatorX {
		t.Fatalf("expected mediator %s, got %+v", mediatorX, got.Mediator)
	}
	if _, err := f.svc.Get(context.Background(), "dispute-404"); !errors.Is(err, fault.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	list, err := f.svc.ListByMilestone(context.Background(), "milestone-1")
	if err != nil || len(list) != 1 {
		t.Fatalf("expected one dispute for milestone, got %d (%v)", len(list), err)
	}
}

type orderingSettler struct {
	inner              Settler
	store              *fakeStore
	disputeID          string
	statusAtConfirm    Status
	milestoneAtConfirm escrow.MilestoneStatus
}

func (o *orderingSettler) Execute(ctx context.Context, req ledger.Request) (ledger.Receipt, error) {
	receipt, err := o.inner.Execute(ctx, req)
	o.statusAtConfirm = o.store.dispute(o.disputeID).Status
	o.milestoneAtConfirm = o.store.milestone("milestone-1").Status
	return receipt, err
}

// afterSettler runs hook once the inner settler returned a receipt.
type afterSettler struct {
	inner Settler
	hook  func()
}

func (a *afterSettler) Execute(ctx context.Context, req ledger.Request) (ledger.Receipt, error) {
	receipt, err := a.inner.Execute(ctx, req)
	if err == nil {
		a.hook()
	}
	return receipt, err
}

type fakeDirectory map[string]bool

func (d fakeDirectory) IsMediator(ctx context.Context, userID string) (bool, error) {
	return d[userID], nil
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// fakeStore applies writes immediately and reproduces the conditional
// update rules of the SQL store.
type fakeStore struct {
	mu          sync.Mutex
	clock       *fakeClock
	disputes    map[string]Record
	milestones  map[string]Milestone
	assignments map[string]Assignment
	seq         int
	completes   int
	completeErr error
}

func newFakeStore(clock *fakeClock) *fakeStore {
	return &fakeStore{
		clock:       clock,
		disputes:    make(map[string]Record),
		milestones:  make(map[string]Milestone),
		assignments: make(map[string]Assignment),
	}
}

func (f *fakeStore) dispute(id string) Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disputes[id]
}

func (f *fakeStore) milestone(id string) Milestone {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.milestones[id]
}

func (f *fakeStore) setMilestoneStatus(id string, status escrow.MilestoneStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := f.milestones[id]
	m.Status = status
	f.milestones[id] = m
}

func (f *fakeStore) assignmentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.assignments)
}

func (f *fakeStore) LockMilestone(ctx context.Context, tx pgx.Tx, milestoneID string) (Milestone, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.milestones[milestoneID]
	if !ok {
		return Milestone{}, ErrMilestoneNotFound
	}
	return m, nil
}

func (f *fakeStore) SetMilestoneStatus(ctx context.Context, tx pgx.Tx, milestoneID string, status escrow.MilestoneStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.milestones[milestoneID]
	if !ok {
		return ErrMilestoneNotFound
	}
	m.Status = status
	f.milestones[milestoneID] = m
	return nil
}

func (f *fakeStore) Insert(ctx context.Context, tx pgx.Tx, rec Record) (Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range f.disputes {
		if d.MilestoneID == rec.MilestoneID && d.Status.Open() {
			return Record{}, ErrAlreadyOpen
		}
	}
	f.seq++
	rec.ID = fmt.Sprintf("dispute-%d", f.seq)
	rec.Status = StatusPending
	rec.CreatedAt = f.clock.Now()
	rec.UpdatedAt = rec.CreatedAt
	f.disputes[rec.ID] = rec
	return rec, nil
}

func (f *fakeStore) LockDispute(ctx context.Context, tx pgx.Tx, disputeID string) (Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.disputes[disputeID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return d, nil
}

func (f *fakeStore) Assignment(ctx context.Context, tx pgx.Tx, disputeID string) (Assignment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.assignments[disputeID]
	if !ok {
		return Assignment{}, ErrNoAssignment
	}
	return a, nil
}

func (f *fakeStore) UpsertAssignment(ctx context.Context, tx pgx.Tx, a Assignment) (Assignment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a.AssignedAt = f.clock.Now()
	f.assignments[a.DisputeID] = a
	return a, nil
}

func (f *fakeStore) MarkMediation(ctx context.Context, tx pgx.Tx, disputeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d := f.disputes[disputeID]
	if d.Status == StatusPending {
		d.Status = StatusMediation
		f.disputes[disputeID] = d
	}
	return nil
}

func (f *fakeStore) ClaimResolution(ctx context.Context, tx pgx.Tx, disputeID, token string, lease time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.disputes[disputeID]
	if !ok {
		return ErrNotFound
	}
	if !d.Status.Open() {
		return ErrNotOpen
	}
	now := f.clock.Now()
	if leaseHeld(d, now, lease) {
		return ErrResolutionInProgress
	}
	d.ResolvingToken = &token
	d.ResolvingSince = &now
	f.disputes[disputeID] = d
	return nil
}

func (f *fakeStore) ClaimHeld(ctx context.Context, tx pgx.Tx, disputeID string, lease time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.disputes[disputeID]
	if !ok {
		return false, ErrNotFound
	}
	return leaseHeld(d, f.clock.Now(), lease), nil
}

func leaseHeld(d Record, now time.Time, lease time.Duration) bool {
	return d.ResolvingToken != nil && d.ResolvingSince != nil && now.Sub(*d.ResolvingSince) < lease
}

// stealClaim hands the claim to another attempt, as happens when a lease
// expires and a second resolver takes over.
func (f *fakeStore) stealClaim(disputeID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d := f.disputes[disputeID]
	other, now := "other-token", f.clock.Now()
	d.ResolvingToken = &other
	d.ResolvingSince = &now
	f.disputes[disputeID] = d
}

func (f *fakeStore) ReleaseClaim(ctx context.Context, tx pgx.Tx, disputeID, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d := f.disputes[disputeID]
	if d.ResolvingToken != nil && *d.ResolvingToken == token {
		d.ResolvingToken = nil
		d.ResolvingSince = nil
		f.disputes[disputeID] = d
	}
	return nil
}

func (f *fakeStore) Complete(ctx context.Context, tx pgx.Tx, disputeID string, c Completion) (Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.completeErr != nil {
		return Record{}, f.completeErr
	}
	d, ok := f.disputes[disputeID]
	if !ok || !d.Status.Open() || d.ResolvingToken == nil || *d.ResolvingToken != c.Token {
		return Record{}, ErrClaimLost
	}
	now := f.clock.Now()
	resolution := string(c.Resolution)
	d.Status = c.Resolution
	d.Resolution = &resolution
	d.ResolutionNotes = &c.Notes
	d.ResolvedBy = &c.ResolvedBy
	d.ResolvedAt = &now
	d.ResolutionTxHash = &c.TxHash
	d.ApproverAmount = &c.ApproverAmount
	d.ReceiverAmount = &c.ReceiverAmount
	d.ResolvingToken = nil
	d.ResolvingSince = nil
	f.disputes[disputeID] = d
	f.completes++
	return d, nil
}

func (f *fakeStore) Get(ctx context.Context, disputeID string) (Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.disputes[disputeID]
	if !ok {
		return Record{}, ErrNotFound
	}
	if a, ok := f.assignments[disputeID]; ok {
		d.Mediator = &a
	}
	return d, nil
}

func (f *fakeStore) ListByMilestone(ctx context.Context, milestoneID string) ([]Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Record
	for _, d := range f.disputes {
		if d.MilestoneID == milestoneID {
			out = append(out, d)
		}
	}
	return out, nil
}

// fakePool refuses to begin on a finished context, as pgxpool does.
type fakePool struct {
	mu        sync.Mutex
	txs       []*fakeTx
	commitErr error
}

func (f *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	tx := &fakeTx{commitErr: f.commitErr}
	f.txs = append(f.txs, tx)
	return tx, nil
}

func (f *fakePool) failCommits(err error) {
	f.mu.Lock()
	f.commitErr = err
	f.mu.Unlock()
}

func (f *fakePool) committed() []execCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []execCall
	for _, tx := range f.txs {
		tx.mu.Lock()
		if tx.committed {
			out = append(out, tx.execs...)
		}
		tx.mu.Unlock()
	}
	return out
}

func (f *fakePool) committedCount(fragment string) int {
	n := 0
	for _, call := range f.committed() {
		if strings.Contains(call.sql, fragment) {
			n++
		}
	}
	return n
}

// outbox decodes committed notification rows of type typ.
func (f *fakePool) outbox(typ notify.Type) []notify.Message {
	var out []notify.Message
	for _, call := range f.committed() {
		if !strings.Contains(call.sql, "INSERT INTO outbox") || call.args[0] != notify.Topic(typ) {
			continue
		}
		var m notify.Message
		if err := json.Unmarshal(call.args[1].([]byte), &m); err != nil {
			panic(err)
		}
		out = append(out, m)
	}
	return out
}

type execCall struct {
	sql  string
	args []any
}

type fakeTx struct {
	mu        sync.Mutex
	rolled    bool
	committed bool
	commitErr error
	execs     []execCall
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.commitErr != nil {
		f.rolled = true
		return f.commitErr
	}
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.mu.Lock()
	if !f.committed {
		f.rolled = true
	}
	f.mu.Unlock()
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.mu.Lock()
	f.execs = append(f.execs, execCall{sql: sql, args: args})
	f.mu.Unlock()
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}
