package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/kindfi-org/kindfi-sub006/fault"
	"github.com/kindfi-org/kindfi-sub006/metrics"
)

// IntentState tracks one pipeline invocation.
type IntentState string

const (
	IntentBuilt     IntentState = "BUILT"
	IntentSimulated IntentState = "SIMULATED"
	IntentSigned    IntentState = "SIGNED"
	IntentSubmitted IntentState = "SUBMITTED"
	IntentConfirmed IntentState = "CONFIRMED"
	IntentFailed    IntentState = "FAILED"
	IntentTimeout   IntentState = "TIMEOUT"
)

// Receipt proves a confirmed operation. It is only produced for SUCCESS.
type Receipt struct {
	Hash        string    `json:"hash"`
	Action      Action    `json:"action"`
	Contract    string    `json:"contract"`
	Ledger      uint64    `json:"ledger"`
	ConfirmedAt time.Time `json:"confirmedAt"`
}

type Config struct {
	PollInterval time.Duration
	MaxAttempts  int
}

const (
	// ceilingSlack is added to MaxAttempts x PollInterval for the time the
	// polls themselves take.
	ceilingSlack = 500 * time.Millisecond
	// minStatusTimeout floors the per-poll deadline for short intervals.
	minStatusTimeout = 250 * time.Millisecond
)

// Ceiling is the wall-clock bound on confirmation, whatever the caller's
// deadline.
func (c Config) Ceiling() time.Duration {
	return time.Duration(c.MaxAttempts)*c.PollInterval + ceilingSlack
}

func (c Config) statusTimeout() time.Duration {
	return max(c.PollInterval, minStatusTimeout)
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 60
	}
	return c
}

// Pipeline runs build, simulate, sign, submit and confirm for one request.
type Pipeline struct {
	builder Builder
	client  Client
	signers SignerSource
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Registry
	now     func() time.Time
}

func NewPipeline(client Client, signers SignerSource, cfg Config, logger *slog.Logger, m *metrics.Registry) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		client:  client,
		signers: signers,
		cfg:     cfg.withDefaults(),
		logger:  logger.With("component", "ledger"),
		metrics: m,
		now:     time.Now,
	}
}

// Execute runs the whole pipeline and blocks until confirmation, failure,
// the polling ceiling, or ctx cancellation.
func (p *Pipeline) Execute(ctx context.Context, req Request) (Receipt, error) {
	pending, err := p.Start(ctx, req)
	if err != nil {
		return Receipt{}, err
	}
	return pending.Wait(ctx)
}

// Start runs the pipeline up to submission and hands confirmation to a
// background goroutine whose lifetime is bound to ctx and to the pipeline's
// own Ceiling.
func (p *Pipeline) Start(ctx context.Context, req Request) (*Pending, error) {
	intent := &Intent{ID: uuid.NewString(), Action: req.Action, Contract: req.Contract}
	log := p.logger.With("intent", intent.ID, "action", string(req.Action))

	op, err := p.builder.Build(req)
	if err != nil {
		p.metrics.PipelineOutcome(string(req.Action), "validation")
		return nil, err
	}
	signer, err := p.signers.Signer(req.Signer)
	if err != nil {
		p.metrics.PipelineOutcome(string(req.Action), "validation")
		return nil, fault.Validation("ledger: build", "%v", err)
	}
	intent.set(IntentBuilt)
	log.Debug("operation built", "idempotency_key", op.IdempotencyKey)

	sim, err := p.client.Simulate(ctx, op)
	if err != nil {
		p.metrics.PipelineOutcome(string(req.Action), "simulation")
		log.Warn("simulation unavailable", "error", err)
		return nil, fault.Simulation("ledger: simulate", err, "simulation unavailable")
	}
	if sim.Error != "" {
		p.metrics.PipelineOutcome(string(req.Action), "simulation")
		log.Info("simulation rejected operation", "reason", sim.Error)
		return nil, fault.Simulation("ledger: simulate", nil, "%s", sim.Error)
	}
	op.Fee = sim.MinResourceFee
	intent.set(IntentSimulated)

	digest, err := op.Digest()
	if err != nil {
		p.metrics.PipelineOutcome(string(req.Action), "transaction")
		return nil, fault.Transaction("ledger: sign", "", err, "encode operation")
	}
	sig, err := signer.Sign(ctx, digest)
	if err != nil {
		p.metrics.PipelineOutcome(string(req.Action), "transaction")
		log.Warn("signing failed", "signer", signer.Identity(), "error", err)
		return nil, fault.Transaction("ledger: sign", "", err, "signing failed")
	}
	intent.set(IntentSigned)

	res, err := p.client.Submit(ctx, SignedOperation{Operation: op, Signer: signer.Identity(), Signature: sig})
	if err != nil {
		p.metrics.PipelineOutcome(string(req.Action), "transaction")
		log.Warn("submit failed", "error", err)
		return nil, fault.Transaction("ledger: submit", "", err, "submit failed")
	}
	switch res.Status {
	case SubmitError, SubmitTryAgainLater:
		p.metrics.PipelineOutcome(string(req.Action), "transaction")
		log.Warn("submit rejected", "status", res.Status, "reason", res.Error)
		return nil, fault.Transaction("ledger: submit", res.Hash, nil, "submit status %s: %s", res.Status, res.Error)
	}
	if res.Hash == "" {
		p.metrics.PipelineOutcome(string(req.Action), "transaction")
		return nil, fault.Transaction("ledger: submit", "", nil, "ledger returned no hash")
	}
	intent.Hash = res.Hash
	intent.set(IntentSubmitted)
	log.Info("operation submitted", "hash", res.Hash, "fee", op.Fee)

	pollCtx, cancel := context.WithTimeout(ctx, p.cfg.Ceiling())
	pending := &Pending{
		Hash:   res.Hash,
		intent: intent,
		done:   make(chan struct{}),
		cancel: cancel,
	}
	go func() {
		defer cancel()
		receipt, err := p.confirm(pollCtx, intent, log)
		pending.finish(receipt, err)
	}()
	return pending, nil
}

// Lookup reports the ledger status of a previously submitted hash without
// waiting.
func (p *Pipeline) Lookup(ctx context.Context, hash string) (StatusReport, error) {
	if hash == "" {
		return StatusReport{}, fault.Validation("ledger: lookup", "missing hash")
	}
	report, err := p.client.Status(ctx, hash)
	if err != nil {
		return StatusReport{}, fault.Transaction("ledger: lookup", hash, err, "status unavailable")
	}
	return report, nil
}

var errNotFinal = errors.New("ledger: not final")

type failedError struct{ reason string }

func (e *failedError) Error() string { return "ledger reported failure: " + e.reason }

func (p *Pipeline) confirm(ctx context.Context, intent *Intent, log *slog.Logger) (Receipt, error) {
	var (
		attempts int
		final    StatusReport
	)
	poll := func() error {
		attempts++
		statusCtx, cancel := context.WithTimeout(ctx, p.cfg.statusTimeout())
		report, err := p.client.Status(statusCtx, intent.Hash)
		cancel()
		if err != nil {
			log.Debug("status poll failed", "hash", intent.Hash, "attempt", attempts, "error", err)
			return err
		}
		switch report.Status {
		case TxSuccess:
			final = report
			return nil
		case TxFailed:
			return backoff.Permanent(&failedError{reason: report.Error})
		default:
			return errNotFinal
		}
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(p.cfg.PollInterval), uint64(p.cfg.MaxAttempts-1)),
		ctx,
	)
	err := backoff.Retry(poll, policy)
	p.metrics.ConfirmAttempts(attempts)
	action := string(intent.Action)

	if err == nil {
		intent.set(IntentConfirmed)
		p.metrics.PipelineOutcome(action, "confirmed")
		log.Info("operation confirmed", "hash", intent.Hash, "ledger", final.Ledger, "attempts", attempts)
		return Receipt{
			Hash:        intent.Hash,
			Action:      intent.Action,
			Contract:    intent.Contract,
			Ledger:      final.Ledger,
			ConfirmedAt: p.now().UTC(),
		}, nil
	}

	var failed *failedError
	if errors.As(err, &failed) {
		intent.set(IntentFailed)
		p.metrics.PipelineOutcome(action, "transaction")
		log.Warn("operation failed on ledger", "hash", intent.Hash, "reason", failed.reason)
		return Receipt{}, fault.Transaction("ledger: confirm", intent.Hash, failed, "operation failed")
	}

	intent.set(IntentTimeout)
	p.metrics.PipelineOutcome(action, "timeout")
	log.Warn("confirmation not reached", "hash", intent.Hash, "attempts", attempts, "error", err)
	return Receipt{}, fault.Timeout("ledger: confirm", intent.Hash, fmt.Errorf("after %d polls: %w", attempts, err))
}

// Intent is the in-memory record of one invocation.
type Intent struct {
	mu       sync.Mutex
	ID       string
	Action   Action
	Contract string
	Hash     string
	state    IntentState
}

func (i *Intent) set(s IntentState) {
	i.mu.Lock()
	i.state = s
	i.mu.Unlock()
}

func (i *Intent) State() IntentState {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// Pending is a submitted operation whose confirmation is still running.
type Pending struct {
	Hash string

	intent  *Intent
	done    chan struct{}
	cancel  context.CancelFunc
	receipt Receipt
	err     error
}

func (p *Pending) finish(r Receipt, err error) {
	p.receipt, p.err = r, err
	close(p.done)
}

// Wait blocks for the confirmation outcome. If ctx ends first, polling is
// stopped and a timeout carrying the hash is returned; the submitted
// operation itself is not withdrawn.
func (p *Pending) Wait(ctx context.Context) (Receipt, error) {
	select {
	case <-p.done:
		return p.receipt, p.err
	case <-ctx.Done():
		p.cancel()
		<-p.done
		if p.err == nil {
			return p.receipt, nil
		}
		if fault.KindOf(p.err) == fault.KindTransaction {
			return Receipt{}, p.err
		}
		return Receipt{}, fault.Timeout("ledger: confirm", p.Hash, ctx.Err())
	}
}

// State exposes the current intent state.
func (p *Pending) State() IntentState { return p.intent.State() }

// Done is closed once confirmation finished either way.
func (p *Pending) Done() <-chan struct{} { return p.done }
