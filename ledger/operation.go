package ledger

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/kindfi-org/kindfi-sub006/fault"
)

// Action names a contract entry point the pipeline knows how to build.
type Action string

const (
	ActionResolveDispute   Action = "resolveDispute"
	ActionInitializeEscrow Action = "initializeEscrow"
	ActionReleaseMilestone Action = "releaseMilestone"
)

// required arguments per action; anything else is passed through untouched.
var actionSchema = map[Action][]string{
	ActionResolveDispute:   {"dispute_id", "milestone_id", "approver_amount", "receiver_amount"},
	ActionInitializeEscrow: {"escrow_id", "payer_id", "receiver_id", "total_amount", "platform_fee"},
	ActionReleaseMilestone: {"escrow_id", "milestone_id", "amount"},
}

var contractAddress = regexp.MustCompile(`^C[A-Z2-7]{55}$`)

// Request is what callers hand to the pipeline.
type Request struct {
	Action   Action
	Contract string
	Args     map[string]any
	// Signer is the identity resolved through the pipeline's SignerSource.
	Signer string
}

// Operation is a built, not yet signed, ledger operation. Fee is zero until
// the simulation result is folded in.
type Operation struct {
	Action         Action         `json:"action"`
	Contract       string         `json:"contract"`
	Args           map[string]any `json:"args"`
	IdempotencyKey string         `json:"idempotencyKey"`
	Fee            int64          `json:"fee"`
}

// Digest is the blake2b-256 hash of the operation's canonical encoding.
// encoding/json sorts map keys, which keeps the encoding stable.
func (o Operation) Digest() ([]byte, error) {
	raw, err := json.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("ledger: encode operation: %w", err)
	}
	sum := blake2b.Sum256(raw)
	return sum[:], nil
}

// SignedOperation is the submit payload.
type SignedOperation struct {
	Operation Operation `json:"operation"`
	Signer    string    `json:"signer"`
	Signature []byte    `json:"signature"`
}

// Builder turns requests into operations.
type Builder struct{}

// Build validates the action, its arguments and the contract address.
// Every failure is a validation error; nothing here touches the network.
func (Builder) Build(req Request) (Operation, error) {
	const op = "ledger: build"

	required, ok := actionSchema[req.Action]
	if !ok {
		return Operation{}, fault.Validation(op, "unknown action %q", req.Action)
	}
	if !contractAddress.MatchString(req.Contract) {
		return Operation{}, fault.Validation(op, "malformed contract address %q", req.Contract)
	}
	if strings.TrimSpace(req.Signer) == "" {
		return Operation{}, fault.Validation(op, "missing signer")
	}
	for _, name := range required {
		v, ok := req.Args[name]
		if !ok || v == nil {
			return Operation{}, fault.Validation(op, "%s: missing argument %q", req.Action, name)
		}
		if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
			return Operation{}, fault.Validation(op, "%s: empty argument %q", req.Action, name)
		}
	}

	args := make(map[string]any, len(req.Args))
	for k, v := range req.Args {
		args[k] = v
	}
	key, err := idempotencyKey(req.Action, req.Contract, args)
	if err != nil {
		return Operation{}, fault.Validation(op, "encode arguments: %v", err)
	}
	return Operation{
		Action:         req.Action,
		Contract:       req.Contract,
		Args:           args,
		IdempotencyKey: key,
	}, nil
}

func idempotencyKey(action Action, contract string, args map[string]any) (string, error) {
	raw, err := json.Marshal(struct {
		Action   Action         `json:"action"`
		Contract string         `json:"contract"`
		Args     map[string]any `json:"args"`
	}{action, contract, args})
	if err != nil {
		return "", err
	}
	sum := blake2b.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}
