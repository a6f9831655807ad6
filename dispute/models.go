package dispute

import (
	"time"

	"github.com/kindfi-org/kindfi-sub006/escrow"
)

// Status represents the lifecycle of a dispute record.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusMediation Status = "MEDIATION"
	StatusResolved  Status = "RESOLVED"
	StatusApproved  Status = "APPROVED"
	StatusRejected  Status = "REJECTED"
)

// Open reports whether the dispute can still be assigned or resolved.
func (s Status) Open() bool {
	return s == StatusPending || s == StatusMediation
}

func (s Status) Terminal() bool {
	return s == StatusResolved || s == StatusApproved || s == StatusRejected
}

// Resolution is the terminal status a mediator settles a dispute with.
type Resolution = Status

// ParseResolution accepts the terminal statuses only.
func ParseResolution(s string) (Resolution, bool) {
	r := Status(s)
	return r, r.Terminal()
}

// MilestoneOutcome is the milestone status that follows a resolution.
func MilestoneOutcome(r Resolution) escrow.MilestoneStatus {
	if r == StatusRejected {
		return escrow.MilestoneRejected
	}
	return escrow.MilestoneCompleted
}

// Record mirrors the disputes table.
type Record struct {
	ID               string      `json:"id"`
	MilestoneID      string      `json:"milestone_id"`
	EscrowID         string      `json:"escrow_id"`
	InitiatorID      string      `json:"initiator_id"`
	Reason           string      `json:"reason"`
	Evidence         []string    `json:"evidence"`
	Status           Status      `json:"status"`
	Resolution       *string     `json:"resolution,omitempty"`
	ResolutionNotes  *string     `json:"resolution_notes,omitempty"`
	ResolvedBy       *string     `json:"resolved_by,omitempty"`
	ResolvedAt       *time.Time  `json:"resolved_at,omitempty"`
	ResolutionTxHash *string     `json:"resolution_tx_hash,omitempty"`
	ApproverAmount   *int64      `json:"approver_amount,omitempty"`
	ReceiverAmount   *int64      `json:"receiver_amount,omitempty"`
	ResolvingToken   *string     `json:"-"`
	ResolvingSince   *time.Time  `json:"-"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
	Mediator         *Assignment `json:"mediator,omitempty"`
}

// Assignment mirrors mediator_assignments; one row per dispute.
type Assignment struct {
	DisputeID  string    `json:"dispute_id"`
	MediatorID string    `json:"mediator_id"`
	AssignedBy string    `json:"assigned_by"`
	AssignedAt time.Time `json:"assigned_at"`
}

// Milestone is the slice of milestone and escrow state a dispute needs.
type Milestone struct {
	ID              string
	EscrowID        string
	Status          escrow.MilestoneStatus
	Amount          int64
	PayerID         string
	ReceiverID      string
	ContractAddress string
}

func (m Milestone) Parties() []string {
	return []string{m.PayerID, m.ReceiverID}
}

func (m Milestone) IsParty(userID string) bool {
	return userID == m.PayerID || userID == m.ReceiverID
}

type FileRequest struct {
	MilestoneID string   `json:"milestone_id"`
	InitiatorID string   `json:"-"`
	Reason      string   `json:"reason"`
	Evidence    []string `json:"evidence"`
}

type ResolveRequest struct {
	DisputeID       string `json:"-"`
	MediatorID      string `json:"-"`
	Resolution      string `json:"resolution"`
	Notes           string `json:"notes"`
	ApproverAmount  int64  `json:"approver_amount"`
	ReceiverAmount  int64  `json:"receiver_amount"`
	Signer          string `json:"signer"`
	ContractAddress string `json:"contract_address"`
}

// Completion is written once the ledger confirms a resolution.
type Completion struct {
	Token          string
	Resolution     Resolution
	Notes          string
	ResolvedBy     string
	TxHash         string
	ApproverAmount int64
	ReceiverAmount int64
}
