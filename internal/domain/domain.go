package domain

import "github.com/shopspring/decimal"

// Order is a paid request for engagement actions placed by a task giver.
// Its cost (rate x quantity) is debited from the creator when the order is
// created and refunded if the order is rejected.
type Order struct {
	ID             string          `json:"id"`
	CreatorID      string          `json:"creator_id"`
	Kind           string          `json:"kind"`
	Target         string          `json:"target"`
	Rate           decimal.Decimal `json:"rate"`
	Quantity       int             `json:"quantity"`
	CompletedCount int             `json:"completed_count"`
	Status         string          `json:"status" enum:"pending,approved,rejected,completed"`
	CreatedAt      string          `json:"created_at" format:"date-time"`
	UpdatedAt      string          `json:"updated_at" format:"date-time"`
}

// Task is a claimable unit of work with a bounded slot pool. One task with
// remaining_slots subsumes one-row-per-unit modeling: a surrounding system
// that needs N independent rows creates N tasks of quantity 1.
type Task struct {
	ID               string          `json:"id"`
	OrderID          *string         `json:"order_id,omitempty"`
	Kind             string          `json:"kind"`
	Target           string          `json:"target"`
	NormalizedTarget string          `json:"normalized_target"`
	Rate             decimal.Decimal `json:"rate"`
	Quantity         int             `json:"quantity"`
	RemainingSlots   int             `json:"remaining_slots"`
	CompletedCount   int             `json:"completed_count"`
	Status           string          `json:"status" enum:"pending,in_progress,completed"`
	ApprovalStatus   string          `json:"approval_status" enum:"pending,approved,rejected"`
	ExcludedUserID   string          `json:"excluded_user_id,omitempty"`
	CreatedAt        string          `json:"created_at" format:"date-time"`
	UpdatedAt        string          `json:"updated_at" format:"date-time"`
}

// Execution is one user's reservation lifecycle against a task. A row in
// {approved, rejected, expired} is terminal.
type Execution struct {
	ID           string           `json:"id"`
	TaskID       string           `json:"task_id"`
	UserID       string           `json:"user_id"`
	Status       string           `json:"status" enum:"pending,submitted,approved,rejected,expired"`
	ReservedAt   string           `json:"reserved_at" format:"date-time"`
	Deadline     string           `json:"deadline" format:"date-time"`
	SubmittedAt  *string          `json:"submitted_at,omitempty" format:"date-time"`
	Proof        *string          `json:"proof,omitempty"`
	ReviewerID   *string          `json:"reviewer_id,omitempty"`
	ReviewedAt   *string          `json:"reviewed_at,omitempty" format:"date-time"`
	RejectReason *string          `json:"reject_reason,omitempty"`
	Reward       *decimal.Decimal `json:"reward,omitempty"`
}

// LedgerEntry is an immutable balance-affecting fact. Entries are appended,
// never updated or deleted.
type LedgerEntry struct {
	ID            string          `json:"id"`
	AccountID     string          `json:"account_id"`
	Amount        decimal.Decimal `json:"amount"`
	Reason        string          `json:"reason"`
	BalanceBefore decimal.Decimal `json:"balance_before"`
	BalanceAfter  decimal.Decimal `json:"balance_after"`
	ProcessedBy   string          `json:"processed_by"`
	CreatedAt     string          `json:"created_at" format:"date-time"`
}

// Account holds the balance snapshot maintained by the ledger helpers.
// No other component writes to it.
type Account struct {
	ID        string          `json:"id"`
	Balance   decimal.Decimal `json:"balance"`
	CreatedAt string          `json:"created_at" format:"date-time"`
	UpdatedAt string          `json:"updated_at" format:"date-time"`
}

// Event is an audit log row describing one state transition.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Order statuses.
const (
	OrderPending   = "pending"
	OrderApproved  = "approved"
	OrderRejected  = "rejected"
	OrderCompleted = "completed"
)

// Task lifecycle statuses.
const (
	TaskPending    = "pending"
	TaskInProgress = "in_progress"
	TaskCompleted  = "completed"
)

// Execution statuses.
const (
	ExecPending   = "pending"
	ExecSubmitted = "submitted"
	ExecApproved  = "approved"
	ExecRejected  = "rejected"
	ExecExpired   = "expired"
)
