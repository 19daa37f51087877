package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Tenant is an isolated customer account.
type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// Wallet holds one beneficiary's balances within a tenant.
// Both balances are never negative.
type Wallet struct {
	ID             uuid.UUID       `json:"id"`
	TenantID       string          `json:"tenant_id"`
	UserID         string          `json:"user_id"`
	PendingBalance decimal.Decimal `json:"pending_balance"`
	PayableBalance decimal.Decimal `json:"payable_balance"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// NewWallet returns a zeroed wallet for a beneficiary.
func NewWallet(tenantID, userID string) *Wallet {
	return &Wallet{
		ID:             uuid.New(),
		TenantID:       tenantID,
		UserID:         userID,
		PendingBalance: decimal.Zero,
		PayableBalance: decimal.Zero,
		UpdatedAt:      time.Now().UTC(),
	}
}

// Total is pending plus payable.
func (w *Wallet) Total() decimal.Decimal {
	return w.PendingBalance.Add(w.PayableBalance)
}

// Employee is a payroll beneficiary.
type Employee struct {
	ID          string          `json:"id"`
	TenantID    string          `json:"tenant_id"`
	UserID      string          `json:"user_id"`
	Name        string          `json:"name"`
	BaseSalary  decimal.Decimal `json:"base_salary"`
	BankAccount string          `json:"bank_account"`
}

type PayoutStatus string

const (
	PayoutPending    PayoutStatus = "PENDING"
	PayoutProcessing PayoutStatus = "PROCESSING" // claimed by the relay, transfer in flight
	PayoutSent       PayoutStatus = "SENT"
	PayoutFailed     PayoutStatus = "FAILED"
)

// PayoutMetadata links a payout back to its beneficiary without a foreign key.
type PayoutMetadata struct {
	UserID      string `json:"userId"`
	ReferenceID string `json:"referenceId"`
	BankAccount string `json:"bankAccount"`
}

// Payout is an outbox record: intent to pay, relayed to the gateway later.
// CommissionAmount is the wallet (payable) portion of Amount.
type Payout struct {
	ID               uuid.UUID       `json:"id"`
	TenantID         string          `json:"tenant_id"`
	Amount           decimal.Decimal `json:"amount"`
	CommissionAmount decimal.Decimal `json:"commission_amount"`
	Status           PayoutStatus    `json:"status"`
	Metadata         PayoutMetadata  `json:"metadata"`
	Notes            string          `json:"notes"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

type PayrollRunStatus string

const (
	RunCompleted        PayrollRunStatus = "COMPLETED"
	RunPartiallyFailed  PayrollRunStatus = "PARTIALLY_FAILED"
	RunNothingToProcess PayrollRunStatus = "EMPTY"
)

// PayrollRun summarizes one tenant's settlement cycle. Append-only.
type PayrollRun struct {
	ID             uuid.UUID        `json:"id"`
	TenantID       string           `json:"tenant_id"`
	Period         string           `json:"period"`
	TotalEmployees int              `json:"total_employees"`
	Succeeded      int              `json:"succeeded"`
	Skipped        int              `json:"skipped"`
	Failed         int              `json:"failed"`
	TotalPayout    decimal.Decimal  `json:"total_payout"`
	TransactionIDs []uuid.UUID      `json:"transaction_ids"`
	ProcessedAt    time.Time        `json:"processed_at"`
	Status         PayrollRunStatus `json:"status"`
}

// AuditEntry is a fire-and-forget audit record.
type AuditEntry struct {
	TenantID  string                 `json:"tenant_id"`
	Action    string                 `json:"action"`
	Entity    string                 `json:"entity"`
	EntityID  string                 `json:"entity_id"`
	Details   map[string]interface{} `json:"details,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// AmountRequest is the DTO for wallet mutation requests.
type AmountRequest struct {
	Amount decimal.Decimal `json:"amount"`
}
