// Package ledgertest provides a programmable in-memory ledger that satisfies
// ledger.Client directly and can also be served over JSON-RPC.
package ledgertest

import (
	"context"
	"encoding/hex"
	"sync"

	"github.com/ethereum/go-ethereum/rpc"
	"golang.org/x/crypto/blake2b"

	"github.com/kindfi-org/kindfi-sub006/ledger"
)

// Outcome controls how submitted operations settle.
type Outcome struct {
	// After is the poll on which the final status is reported; earlier polls
	// report PENDING. Zero means the operation never settles.
	After  int
	Status ledger.TxStatus
	Reason string
}

var (
	ConfirmImmediately = Outcome{After: 1, Status: ledger.TxSuccess}
	NeverSettle        = Outcome{}
)

type Ledger struct {
	mu          sync.Mutex
	outcome     Outcome
	simErrors   map[ledger.Action]string
	submitErr   string
	submitted   []ledger.SignedOperation
	polls       map[string]int
	outcomes    map[string]Outcome
	simulations int
	seq         uint64
}

func New() *Ledger {
	return &Ledger{
		outcome:   ConfirmImmediately,
		simErrors: make(map[ledger.Action]string),
		polls:     make(map[string]int),
		outcomes:  make(map[string]Outcome),
		seq:       1000,
	}
}

// SetOutcome applies to operations submitted afterwards.
func (l *Ledger) SetOutcome(o Outcome) {
	l.mu.Lock()
	l.outcome = o
	l.mu.Unlock()
}

// FailSimulation makes every simulation of action report reason. An empty
// reason lets simulations pass again.
func (l *Ledger) FailSimulation(action ledger.Action, reason string) {
	l.mu.Lock()
	if reason == "" {
		delete(l.simErrors, action)
	} else {
		l.simErrors[action] = reason
	}
	l.mu.Unlock()
}

// Settle changes the outcome of an operation that was already submitted.
func (l *Ledger) Settle(hash string, o Outcome) {
	l.mu.Lock()
	if _, ok := l.outcomes[hash]; ok {
		l.outcomes[hash] = o
	}
	l.mu.Unlock()
}

func (l *Ledger) RejectSubmissions(reason string) {
	l.mu.Lock()
	l.submitErr = reason
	l.mu.Unlock()
}

func (l *Ledger) Submitted() []ledger.SignedOperation {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]ledger.SignedOperation(nil), l.submitted...)
}

func (l *Ledger) Simulations() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.simulations
}

func (l *Ledger) Polls(hash string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.polls[hash]
}

func (l *Ledger) Simulate(_ context.Context, op ledger.Operation) (ledger.Simulation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.simulations++
	if reason, ok := l.simErrors[op.Action]; ok {
		return ledger.Simulation{LatestLedger: l.seq, Error: reason}, nil
	}
	return ledger.Simulation{MinResourceFee: 100, LatestLedger: l.seq}, nil
}

func (l *Ledger) Submit(_ context.Context, signed ledger.SignedOperation) (ledger.SubmitResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.submitErr != "" {
		return ledger.SubmitResult{Status: ledger.SubmitError, Error: l.submitErr}, nil
	}
	sum := blake2b.Sum256(append([]byte(signed.Operation.IdempotencyKey), signed.Signature...))
	hash := hex.EncodeToString(sum[:])
	if _, seen := l.outcomes[hash]; seen {
		return ledger.SubmitResult{Hash: hash, Status: ledger.SubmitDuplicate}, nil
	}
	l.submitted = append(l.submitted, signed)
	l.outcomes[hash] = l.outcome
	return ledger.SubmitResult{Hash: hash, Status: ledger.SubmitPending}, nil
}

func (l *Ledger) Status(_ context.Context, hash string) (ledger.StatusReport, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.outcomes[hash]
	if !ok {
		return ledger.StatusReport{Hash: hash, Status: ledger.TxNotFound}, nil
	}
	l.polls[hash]++
	if o.After == 0 || l.polls[hash] < o.After {
		return ledger.StatusReport{Hash: hash, Status: ledger.TxPending}, nil
	}
	l.seq++
	return ledger.StatusReport{Hash: hash, Status: o.Status, Ledger: l.seq, Error: o.Reason}, nil
}

// Service exposes the ledger as an RPC receiver. Registered under a
// namespace ns, its methods answer ns_simulateTransaction,
// ns_sendTransaction and ns_getTransaction.
type Service struct {
	l *Ledger
}

func (s *Service) SimulateTransaction(ctx context.Context, op ledger.Operation) (ledger.Simulation, error) {
	return s.l.Simulate(ctx, op)
}

func (s *Service) SendTransaction(ctx context.Context, signed ledger.SignedOperation) (ledger.SubmitResult, error) {
	return s.l.Submit(ctx, signed)
}

func (s *Service) GetTransaction(ctx context.Context, hash string) (ledger.StatusReport, error) {
	return s.l.Status(ctx, hash)
}

// Server returns an RPC server with the ledger registered under namespace.
func (l *Ledger) Server(namespace string) (*rpc.Server, error) {
	srv := rpc.NewServer()
	if err := srv.RegisterName(namespace, &Service{l: l}); err != nil {
		return nil, err
	}
	return srv, nil
}
