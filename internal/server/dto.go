package server

import (
	"boostline/internal/domain"
)

// Request payloads

type CreateOrderRequest struct {
	Kind     string `json:"kind"`
	Target   string `json:"target"`
	Rate     string `json:"rate" example:"2.50"`
	Quantity int    `json:"quantity" minimum:"1"`
}

type RejectOrderRequest struct {
	Reason string `json:"reason,omitempty"`
}

type SubmitRequest struct {
	Proof string `json:"proof"`
}

type ApproveExecutionRequest struct {
	Notes string `json:"notes,omitempty"`
}

type RejectExecutionRequest struct {
	Reason string `json:"reason"`
}

type AmountRequest struct {
	Amount string `json:"amount" example:"10.00"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
}

// Response payloads. Money fields are decimal strings.

type OrderResponse struct {
	ID             string `json:"id"`
	CreatorID      string `json:"creator_id"`
	Kind           string `json:"kind"`
	Target         string `json:"target"`
	Rate           string `json:"rate"`
	Quantity       int    `json:"quantity"`
	CompletedCount int    `json:"completed_count"`
	Status         string `json:"status" enum:"pending,approved,rejected,completed"`
	CreatedAt      string `json:"created_at" format:"date-time"`
	UpdatedAt      string `json:"updated_at" format:"date-time"`
}

type TaskResponse struct {
	ID               string  `json:"id"`
	OrderID          *string `json:"order_id,omitempty"`
	Kind             string  `json:"kind"`
	Target           string  `json:"target"`
	NormalizedTarget string  `json:"normalized_target"`
	Rate             string  `json:"rate"`
	Quantity         int     `json:"quantity"`
	RemainingSlots   int     `json:"remaining_slots"`
	CompletedCount   int     `json:"completed_count"`
	Status           string  `json:"status" enum:"pending,in_progress,completed"`
	ApprovalStatus   string  `json:"approval_status" enum:"pending,approved,rejected"`
	CreatedAt        string  `json:"created_at" format:"date-time"`
	UpdatedAt        string  `json:"updated_at" format:"date-time"`
}

type ExecutionResponse struct {
	ID           string  `json:"id"`
	TaskID       string  `json:"task_id"`
	UserID       string  `json:"user_id"`
	Status       string  `json:"status" enum:"pending,submitted,approved,rejected,expired"`
	ReservedAt   string  `json:"reserved_at" format:"date-time"`
	Deadline     string  `json:"deadline" format:"date-time"`
	SubmittedAt  *string `json:"submitted_at,omitempty" format:"date-time"`
	Proof        *string `json:"proof,omitempty"`
	ReviewerID   *string `json:"reviewer_id,omitempty"`
	ReviewedAt   *string `json:"reviewed_at,omitempty" format:"date-time"`
	RejectReason *string `json:"reject_reason,omitempty"`
	Reward       *string `json:"reward,omitempty"`
}

type AccountResponse struct {
	ID        string `json:"id"`
	Balance   string `json:"balance"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type LedgerEntryResponse struct {
	ID            string `json:"id"`
	AccountID     string `json:"account_id"`
	Amount        string `json:"amount"`
	Reason        string `json:"reason"`
	BalanceBefore string `json:"balance_before"`
	BalanceAfter  string `json:"balance_after"`
	ProcessedBy   string `json:"processed_by"`
	CreatedAt     string `json:"created_at" format:"date-time"`
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
	// Key is returned once, on creation only.
	Key string `json:"key,omitempty"`
}

func orderResponse(o domain.Order) OrderResponse {
	return OrderResponse{
		ID:             o.ID,
		CreatorID:      o.CreatorID,
		Kind:           o.Kind,
		Target:         o.Target,
		Rate:           o.Rate.String(),
		Quantity:       o.Quantity,
		CompletedCount: o.CompletedCount,
		Status:         o.Status,
		CreatedAt:      o.CreatedAt,
		UpdatedAt:      o.UpdatedAt,
	}
}

func mapOrders(items []domain.Order) []OrderResponse {
	out := make([]OrderResponse, 0, len(items))
	for _, o := range items {
		out = append(out, orderResponse(o))
	}
	return out
}

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:               t.ID,
		OrderID:          t.OrderID,
		Kind:             t.Kind,
		Target:           t.Target,
		NormalizedTarget: t.NormalizedTarget,
		Rate:             t.Rate.String(),
		Quantity:         t.Quantity,
		RemainingSlots:   t.RemainingSlots,
		CompletedCount:   t.CompletedCount,
		Status:           t.Status,
		ApprovalStatus:   t.ApprovalStatus,
		CreatedAt:        t.CreatedAt,
		UpdatedAt:        t.UpdatedAt,
	}
}

func mapTasks(items []domain.Task) []TaskResponse {
	out := make([]TaskResponse, 0, len(items))
	for _, t := range items {
		out = append(out, taskResponse(t))
	}
	return out
}

func executionResponse(e domain.Execution) ExecutionResponse {
	resp := ExecutionResponse{
		ID:           e.ID,
		TaskID:       e.TaskID,
		UserID:       e.UserID,
		Status:       e.Status,
		ReservedAt:   e.ReservedAt,
		Deadline:     e.Deadline,
		SubmittedAt:  e.SubmittedAt,
		Proof:        e.Proof,
		ReviewerID:   e.ReviewerID,
		ReviewedAt:   e.ReviewedAt,
		RejectReason: e.RejectReason,
	}
	if e.Reward != nil {
		s := e.Reward.String()
		resp.Reward = &s
	}
	return resp
}

func mapExecutions(items []domain.Execution) []ExecutionResponse {
	out := make([]ExecutionResponse, 0, len(items))
	for _, e := range items {
		out = append(out, executionResponse(e))
	}
	return out
}

func accountResponse(a domain.Account) AccountResponse {
	return AccountResponse{
		ID:        a.ID,
		Balance:   a.Balance.String(),
		CreatedAt: a.CreatedAt,
		UpdatedAt: a.UpdatedAt,
	}
}

func ledgerEntryResponse(e domain.LedgerEntry) LedgerEntryResponse {
	return LedgerEntryResponse{
		ID:            e.ID,
		AccountID:     e.AccountID,
		Amount:        e.Amount.String(),
		Reason:        e.Reason,
		BalanceBefore: e.BalanceBefore.String(),
		BalanceAfter:  e.BalanceAfter.String(),
		ProcessedBy:   e.ProcessedBy,
		CreatedAt:     e.CreatedAt,
	}
}

func mapLedgerEntries(items []domain.LedgerEntry) []LedgerEntryResponse {
	out := make([]LedgerEntryResponse, 0, len(items))
	for _, e := range items {
		out = append(out, ledgerEntryResponse(e))
	}
	return out
}

func mapEvents(items []domain.Event) []EventResponse {
	out := make([]EventResponse, 0, len(items))
	for _, e := range items {
		out = append(out, EventResponse{
			ID:         e.ID,
			TS:         e.TS,
			Type:       e.Type,
			EntityKind: e.EntityKind,
			EntityID:   e.EntityID,
			ActorID:    e.ActorID,
			Payload:    e.Payload,
		})
	}
	return out
}
