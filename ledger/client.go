package ledger

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/ethereum/go-ethereum/rpc"
)

// TxStatus is the ledger's view of a submitted operation.
type TxStatus string

const (
	TxPending  TxStatus = "PENDING"
	TxNotFound TxStatus = "NOT_FOUND"
	TxSuccess  TxStatus = "SUCCESS"
	TxFailed   TxStatus = "FAILED"
)

// SubmitStatus is the immediate answer to a submission.
type SubmitStatus string

const (
	SubmitPending       SubmitStatus = "PENDING"
	SubmitDuplicate     SubmitStatus = "DUPLICATE"
	SubmitTryAgainLater SubmitStatus = "TRY_AGAIN_LATER"
	SubmitError         SubmitStatus = "ERROR"
)

// Simulation is the dry run result. A non-empty Error means the ledger
// would reject the operation.
type Simulation struct {
	MinResourceFee int64  `json:"minResourceFee"`
	LatestLedger   uint64 `json:"latestLedger"`
	Error          string `json:"error,omitempty"`
}

type SubmitResult struct {
	Hash   string       `json:"hash"`
	Status SubmitStatus `json:"status"`
	Error  string       `json:"error,omitempty"`
}

type StatusReport struct {
	Hash   string   `json:"hash"`
	Status TxStatus `json:"status"`
	Ledger uint64   `json:"ledger,omitempty"`
	Error  string   `json:"error,omitempty"`
}

// Client is the opaque ledger service.
type Client interface {
	Simulate(ctx context.Context, op Operation) (Simulation, error)
	Submit(ctx context.Context, signed SignedOperation) (SubmitResult, error)
	Status(ctx context.Context, hash string) (StatusReport, error)
}

// RPCClient speaks JSON-RPC 2.0 to the ledger gateway. Methods live under a
// configurable namespace: {ns}_simulateTransaction, {ns}_sendTransaction and
// {ns}_getTransaction.
type RPCClient struct {
	rpc       *rpc.Client
	namespace string
}

// DialRPC connects to url. httpClient may be nil.
func DialRPC(ctx context.Context, url, namespace string, httpClient *http.Client) (*RPCClient, error) {
	if url == "" {
		return nil, errors.New("ledger: empty rpc url")
	}
	var opts []rpc.ClientOption
	if httpClient != nil {
		opts = append(opts, rpc.WithHTTPClient(httpClient))
	}
	c, err := rpc.DialOptions(ctx, url, opts...)
	if err != nil {
		return nil, fmt.Errorf("ledger: dial %s: %w", url, err)
	}
	return NewRPCClient(c, namespace), nil
}

func NewRPCClient(c *rpc.Client, namespace string) *RPCClient {
	if namespace == "" {
		namespace = "ledger"
	}
	return &RPCClient{rpc: c, namespace: namespace}
}

func (c *RPCClient) Close() { c.rpc.Close() }

func (c *RPCClient) method(name string) string { return c.namespace + "_" + name }

func (c *RPCClient) Simulate(ctx context.Context, op Operation) (Simulation, error) {
	var out Simulation
	if err := c.rpc.CallContext(ctx, &out, c.method("simulateTransaction"), op); err != nil {
		return Simulation{}, fmt.Errorf("ledger: simulate: %w", err)
	}
	return out, nil
}

func (c *RPCClient) Submit(ctx context.Context, signed SignedOperation) (SubmitResult, error) {
	var out SubmitResult
	if err := c.rpc.CallContext(ctx, &out, c.method("sendTransaction"), signed); err != nil {
		return SubmitResult{}, fmt.Errorf("ledger: submit: %w", err)
	}
	return out, nil
}

func (c *RPCClient) Status(ctx context.Context, hash string) (StatusReport, error) {
	var out StatusReport
	if err := c.rpc.CallContext(ctx, &out, c.method("getTransaction"), hash); err != nil {
		return StatusReport{}, fmt.Errorf("ledger: status %s: %w", hash, err)
	}
	if out.Hash == "" {
		out.Hash = hash
	}
	return out, nil
}
