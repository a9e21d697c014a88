// Package invoice records warehouse invoices and reconciles them against the
// calculated costs of their billing period.
package invoice

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status enumerates invoice states.
type Status string

const (
	StatusPending    Status = "pending"
	StatusReconciled Status = "reconciled"
	StatusDisputed   Status = "disputed"
	StatusPaid       Status = "paid"
)

var transitions = map[Status][]Status{
	StatusPending:    {StatusReconciled, StatusDisputed, StatusPaid},
	StatusReconciled: {StatusPending, StatusDisputed, StatusPaid},
	StatusDisputed:   {StatusPaid, StatusPending},
}

// CanTransition reports whether the state machine allows s → to. Nothing
// leaves paid.
func (s Status) CanTransition(to Status) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Source tells where an invoice came from.
type Source string

const (
	SourceExternal  Source = "external"
	SourceGenerated Source = "generated"
)

// DisputeStatus enumerates dispute states.
type DisputeStatus string

const (
	DisputeOpen     DisputeStatus = "open"
	DisputeResolved DisputeStatus = "resolved"
)

// Outcome is the result of comparing an invoice with calculated costs.
type Outcome string

const (
	OutcomeMatched     Outcome = "matched"
	OutcomeOverbilled  Outcome = "overbilled"
	OutcomeUnderbilled Outcome = "underbilled"
)

// Invoice is a bill for one warehouse and billing period.
type Invoice struct {
	ID                 int64           `json:"id"`
	Number             string          `json:"number"`
	WarehouseID        int64           `json:"warehouse_id"`
	BillingPeriodStart time.Time       `json:"billing_period_start"`
	BillingPeriodEnd   time.Time       `json:"billing_period_end"`
	TotalAmount        decimal.Decimal `json:"total_amount"`
	Status             Status          `json:"status"`
	Source             Source          `json:"source"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
	PaidAt             *time.Time      `json:"paid_at,omitempty"`
	Lines              []LineItem      `json:"lines,omitempty"`
}

// LineItem is one charge on an invoice.
type LineItem struct {
	ID          int64           `json:"id"`
	InvoiceID   int64           `json:"invoice_id"`
	Category    string          `json:"category"`
	Description string          `json:"description,omitempty"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitRate    decimal.Decimal `json:"unit_rate"`
	Amount      decimal.Decimal `json:"amount"`
}

// Dispute challenges an invoice amount.
type Dispute struct {
	ID             int64           `json:"id"`
	InvoiceID      int64           `json:"invoice_id"`
	Reason         string          `json:"reason"`
	DisputedAmount decimal.Decimal `json:"disputed_amount"`
	Status         DisputeStatus   `json:"status"`
	Resolution     string          `json:"resolution,omitempty"`
	CreatedBy      string          `json:"created_by,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	ResolvedAt     *time.Time      `json:"resolved_at,omitempty"`
}

// Reconciliation is a stored comparison result.
type Reconciliation struct {
	ID              int64           `json:"id"`
	InvoiceID       int64           `json:"invoice_id"`
	InvoiceTotal    decimal.Decimal `json:"invoice_total"`
	CalculatedTotal decimal.Decimal `json:"calculated_total"`
	Variance        decimal.Decimal `json:"variance"`
	Result          Outcome         `json:"result"`
	ReconciledAt    time.Time       `json:"reconciled_at"`
}

// ReconcileResult is returned by ReconcileInvoice.
type ReconcileResult struct {
	InvoiceID       int64           `json:"invoice_id"`
	Status          Status          `json:"status"`
	Result          Outcome         `json:"result"`
	InvoiceTotal    decimal.Decimal `json:"invoice_total"`
	CalculatedTotal decimal.Decimal `json:"calculated_total"`
	Variance        decimal.Decimal `json:"variance"`
}

// LineInput describes a line on an external invoice. A zero Amount is derived
// from Quantity × UnitRate.
type LineInput struct {
	Category    string          `json:"category" validate:"required,max=32"`
	Description string          `json:"description" validate:"max=255"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitRate    decimal.Decimal `json:"unit_rate"`
	Amount      decimal.Decimal `json:"amount"`
}

// CreateInvoiceInput records an invoice received from a warehouse operator.
type CreateInvoiceInput struct {
	Number      string          `json:"number" validate:"required,max=64"`
	WarehouseID int64           `json:"warehouse_id" validate:"required,gt=0"`
	PeriodStart time.Time       `json:"billing_period_start"`
	PeriodEnd   time.Time       `json:"billing_period_end"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	Lines       []LineInput     `json:"lines" validate:"dive"`
	CreatedBy   string          `json:"-"`
}

// GenerateInvoiceInput builds an invoice from calculated costs.
type GenerateInvoiceInput struct {
	WarehouseID int64     `json:"warehouse_id" validate:"required,gt=0"`
	PeriodStart time.Time `json:"billing_period_start"`
	PeriodEnd   time.Time `json:"billing_period_end"`
	CreatedBy   string    `json:"-"`
}

// DisputeInput opens a dispute. A nil Amount defaults to the positive
// variance, or to the invoice total when there is none.
type DisputeInput struct {
	InvoiceID int64            `json:"-" validate:"required,gt=0"`
	Reason    string           `json:"reason" validate:"required,max=1000"`
	Amount    *decimal.Decimal `json:"amount,omitempty"`
	CreatedBy string           `json:"-"`
}

// ResolveDisputeInput closes a dispute. With AdjustedTotal the invoice is
// re-totalled and returns to pending; without it the invoice is paid.
type ResolveDisputeInput struct {
	DisputeID     int64            `json:"-" validate:"required,gt=0"`
	Resolution    string           `json:"resolution" validate:"required,max=1000"`
	AdjustedTotal *decimal.Decimal `json:"adjusted_total,omitempty"`
	ResolvedBy    string           `json:"-"`
}

// ListFilter narrows invoice listings.
type ListFilter struct {
	WarehouseID int64
	Status      Status
	Page        int
	PerPage     int
}
