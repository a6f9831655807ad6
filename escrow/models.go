package escrow

import "time"

// Status is the lifecycle of an escrow contract. Contracts only move
// forward and are never deleted.
type Status string

const (
	StatusPending     Status = "PENDING"
	StatusInitialized Status = "INITIALIZED"
	StatusFunded      Status = "FUNDED"
	StatusActive      Status = "ACTIVE"
	StatusCompleted   Status = "COMPLETED"
)

type MilestoneStatus string

const (
	MilestonePending   MilestoneStatus = "pending"
	MilestoneCompleted MilestoneStatus = "completed"
	MilestoneApproved  MilestoneStatus = "approved"
	MilestoneRejected  MilestoneStatus = "rejected"
	MilestoneDisputed  MilestoneStatus = "disputed"
)

// Disputable reports whether a dispute may be filed against a milestone in
// this status.
func (s MilestoneStatus) Disputable() bool {
	return s == MilestonePending || s == MilestoneCompleted
}

// Contract mirrors escrow_contracts.
type Contract struct {
	ID              string      `json:"id"`
	ContractAddress string      `json:"contract_address"`
	PayerID         string      `json:"payer_id"`
	ReceiverID      string      `json:"receiver_id"`
	TotalAmount     int64       `json:"total_amount"`
	PlatformFee     int64       `json:"platform_fee"`
	Status          Status      `json:"status"`
	InitTxHash      *string     `json:"init_tx_hash,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
	Milestones      []Milestone `json:"milestones,omitempty"`
}

// Parties returns the payer and receiver ids.
func (c Contract) Parties() []string {
	return []string{c.PayerID, c.ReceiverID}
}

// Milestone mirrors milestones.
type Milestone struct {
	ID        string          `json:"id"`
	EscrowID  string          `json:"escrow_id"`
	Title     string          `json:"title"`
	Amount    int64           `json:"amount"`
	Deadline  *time.Time      `json:"deadline,omitempty"`
	Status    MilestoneStatus `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type MilestoneInput struct {
	Title    string     `json:"title"`
	Amount   int64      `json:"amount"`
	Deadline *time.Time `json:"deadline,omitempty"`
}

// InitializeRequest creates a contract with its milestones and registers it
// on the ledger.
type InitializeRequest struct {
	ContractAddress string           `json:"contract_address"`
	PayerID         string           `json:"payer_id"`
	ReceiverID      string           `json:"receiver_id"`
	TotalAmount     int64            `json:"total_amount"`
	PlatformFee     int64            `json:"platform_fee"`
	Milestones      []MilestoneInput `json:"milestones"`
	Signer          string           `json:"signer"`
}
