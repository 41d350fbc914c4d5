// Package convo provides the durable conversation store. It is the single
// point of mutation for persistent state: requests, responses, approvals,
// budgets, and lifecycle flags all live here, keyed by request id. Every
// other component holds only ids.
package convo

import "time"

// Approval states for approval-request rows. Transitions are monotonic:
// pending may become approved or rejected, never the reverse.
const (
	ApprovalPending  = "pending"
	ApprovalApproved = "approved"
	ApprovalRejected = "rejected"
)

// BudgetStatus derives from the optional per-conversation energy budget.
type BudgetStatus string

const (
	// BudgetNone means no budget is set.
	BudgetNone BudgetStatus = ""
	// BudgetDepleted means the budget is exactly zero.
	BudgetDepleted BudgetStatus = "depleted"
	// BudgetExceeded means consumption has crossed a positive budget.
	BudgetExceeded BudgetStatus = "exceeded"
	// BudgetWithin means consumption is still under the budget.
	BudgetWithin BudgetStatus = "within"
)

// Response is one model output attached to a conversation. Approval
// requests share the table, flagged by IsApprovalRequest.
type Response struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Content   string    `json:"content"`
	// EnergyLevel is the regulator level observed when the response
	// was produced.
	EnergyLevel float64 `json:"energyLevel"`
	ModelUsed   string  `json:"modelUsed"`

	IsApprovalRequest bool       `json:"isApprovalRequest,omitempty"`
	Status            string     `json:"status,omitempty"`
	Feedback          string     `json:"feedback,omitempty"`
	ApprovalTimestamp *time.Time `json:"approvalTimestamp,omitempty"`
}

// Conversation is the full persistent record for one request id.
type Conversation struct {
	RequestID           string     `json:"requestId"`
	InputMessage        string     `json:"inputMessage"`
	CreatedAt           time.Time  `json:"createdAt"`
	TotalEnergyConsumed float64    `json:"totalEnergyConsumed"`
	SleepCycles         int        `json:"sleepCycles"`
	Ended               bool       `json:"ended"`
	EndedReason         string     `json:"endedReason,omitempty"`
	SnoozeUntil         *time.Time `json:"snoozeUntil,omitempty"`
	SnoozeDurationMin   int        `json:"snoozeDurationMin,omitempty"`
	EnergyBudget        *float64   `json:"energyBudget,omitempty"`

	Responses []Response `json:"responses,omitempty"`

	// BudgetStatus is derived at read time, never stored.
	BudgetStatus BudgetStatus `json:"budgetStatus,omitempty"`
}

// Snoozed reports whether the conversation is hidden from selection at t.
func (c *Conversation) Snoozed(t time.Time) bool {
	return c.SnoozeUntil != nil && c.SnoozeUntil.After(t)
}

// PendingMessage is the derived view the loop consumes: a conversation
// with user text, no responses, and no active snooze.
type PendingMessage struct {
	RequestID    string    `json:"requestId"`
	Content      string    `json:"content"`
	CreatedAt    time.Time `json:"createdAt"`
	EnergyBudget *float64  `json:"energyBudget,omitempty"`
}

// Stats summarises the store for /stats and the prompt status block.
type Stats struct {
	Conversations       int     `json:"conversations"`
	Responses           int     `json:"responses"`
	PendingCount        int     `json:"pending"`
	TotalEnergyConsumed float64 `json:"totalEnergyConsumed"`
	AverageEnergyLevel  float64 `json:"averageEnergyLevel"`
	UrgentCount         int     `json:"urgent"`
}

// deriveBudgetStatus computes the budget tag from budget and consumption.
func deriveBudgetStatus(budget *float64, consumed float64) BudgetStatus {
	switch {
	case budget == nil:
		return BudgetNone
	case *budget == 0:
		return BudgetDepleted
	case consumed >= *budget:
		return BudgetExceeded
	default:
		return BudgetWithin
	}
}
