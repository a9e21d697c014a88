package invoice

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/progami/WMS-EcomOS-sub000/internal/masterdata"
	"github.com/progami/WMS-EcomOS-sub000/internal/platform/db"
	"github.com/progami/WMS-EcomOS-sub000/internal/shared"
)

const readAttempts = 3

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetInvoice(ctx context.Context, id int64) (Invoice, error)
	ListInvoices(ctx context.Context, filter ListFilter, limit, offset int) ([]Invoice, int, error)
	ListDisputes(ctx context.Context, invoiceID int64) ([]Dispute, error)
}

// Service coordinates invoice workflows.
type Service struct {
	repo    RepositoryPort
	lookup  masterdata.Lookup
	metrics *Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewService builds Service.
func NewService(repo RepositoryPort, lookup masterdata.Lookup, metrics *Metrics, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:    repo,
		lookup:  lookup,
		metrics: metrics,
		logger:  logger.With(slog.String("component", "invoice")),
		now:     time.Now,
	}
}

// Page is one page of invoices.
type Page struct {
	Invoices   []Invoice         `json:"invoices"`
	Pagination shared.Pagination `json:"pagination"`
}

// CreateInvoice records an externally issued invoice as pending. When lines
// are given the total must equal their sum.
func (s *Service) CreateInvoice(ctx context.Context, input CreateInvoiceInput) (Invoice, error) {
	const op = "invoice.create"
	if err := shared.ValidateStruct(op, input); err != nil {
		return Invoice{}, err
	}
	period, err := shared.AlignedBillingPeriod(input.PeriodStart, input.PeriodEnd)
	if err != nil {
		return Invoice{}, err
	}
	if input.TotalAmount.IsNegative() {
		return Invoice{}, shared.Validation(op, "total_amount must not be negative")
	}
	if _, err := s.lookup.Warehouse(ctx, input.WarehouseID); err != nil {
		return Invoice{}, err
	}
	lines := make([]LineItem, 0, len(input.Lines))
	for _, l := range input.Lines {
		amount := l.Amount
		if amount.IsZero() {
			amount = l.Quantity.Mul(l.UnitRate)
		}
		lines = append(lines, LineItem{
			Category:    strings.ToLower(strings.TrimSpace(l.Category)),
			Description: l.Description,
			Quantity:    l.Quantity,
			UnitRate:    l.UnitRate,
			Amount:      amount.Round(2),
		})
	}
	total := input.TotalAmount.Round(2)
	if len(lines) > 0 && !sumLines(lines).Equal(total) {
		return Invoice{}, shared.Validation(op, "total_amount %s does not equal line sum %s", total.StringFixed(2), sumLines(lines).StringFixed(2))
	}
	inv := Invoice{
		Number:             strings.TrimSpace(input.Number),
		WarehouseID:        input.WarehouseID,
		BillingPeriodStart: period.Start,
		BillingPeriodEnd:   period.End,
		TotalAmount:        total,
		Status:             StatusPending,
		Source:             SourceExternal,
		Lines:              lines,
	}
	return s.insert(ctx, inv, input.CreatedBy)
}

// GenerateInvoice builds a pending invoice with one line per cost category
// from the calculated costs of the period.
func (s *Service) GenerateInvoice(ctx context.Context, input GenerateInvoiceInput) (Invoice, error) {
	const op = "invoice.generate"
	if err := shared.ValidateStruct(op, input); err != nil {
		return Invoice{}, err
	}
	period, err := shared.AlignedBillingPeriod(input.PeriodStart, input.PeriodEnd)
	if err != nil {
		return Invoice{}, err
	}
	if _, err := s.lookup.Warehouse(ctx, input.WarehouseID); err != nil {
		return Invoice{}, err
	}
	var out Invoice
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		sum, err := tx.Summarize(ctx, input.WarehouseID, period)
		if err != nil {
			return err
		}
		if len(sum.Categories) == 0 {
			return shared.Validation(op, "no calculated costs for warehouse %d in %s", input.WarehouseID, period.Label())
		}
		inv := Invoice{
			Number:             generatedNumber(input.WarehouseID, period),
			WarehouseID:        input.WarehouseID,
			BillingPeriodStart: period.Start,
			BillingPeriodEnd:   period.End,
			Status:             StatusPending,
			Source:             SourceGenerated,
		}
		for _, c := range sum.Categories {
			line := LineItem{
				Category:    string(c.Category),
				Description: fmt.Sprintf("%s charges %s", c.Category, period.Label()),
				Quantity:    c.Quantity,
				UnitRate:    decimal.Zero,
				Amount:      c.Amount.Round(2),
			}
			if !c.Quantity.IsZero() {
				line.UnitRate = c.Amount.Div(c.Quantity).Round(4)
			}
			inv.Lines = append(inv.Lines, line)
		}
		inv.TotalAmount = sumLines(inv.Lines)
		out, err = s.insertTx(ctx, tx, inv, input.CreatedBy)
		return err
	})
	if err != nil {
		return Invoice{}, err
	}
	s.logger.Info("invoice generated", slog.Int64("invoice_id", out.ID), slog.String("number", out.Number), slog.String("total", out.TotalAmount.StringFixed(2)))
	return out, nil
}

// ReconcileInvoice compares the invoice total with the calculated costs of its
// warehouse and period and stores the comparison. A match moves a pending
// invoice to reconciled; a mismatch moves a reconciled invoice back to pending.
func (s *Service) ReconcileInvoice(ctx context.Context, id int64) (ReconcileResult, error) {
	const op = "invoice.reconcile"
	var res ReconcileResult
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		inv, err := tx.LockInvoice(ctx, id)
		if err != nil {
			return err
		}
		if inv.Status != StatusPending && inv.Status != StatusReconciled {
			return shared.InvalidState(op, "invoice %d is %s", id, inv.Status)
		}
		calculated, err := s.calculatedTotal(ctx, tx, inv)
		if err != nil {
			return err
		}
		outcome, variance := Compare(inv.TotalAmount, calculated)
		if _, err := tx.InsertReconciliation(ctx, Reconciliation{
			InvoiceID:       inv.ID,
			InvoiceTotal:    inv.TotalAmount,
			CalculatedTotal: calculated,
			Variance:        variance,
			Result:          outcome,
			ReconciledAt:    s.now().UTC(),
		}); err != nil {
			return err
		}
		next := inv.Status
		switch {
		case outcome == OutcomeMatched && inv.Status == StatusPending:
			next = StatusReconciled
		case outcome != OutcomeMatched && inv.Status == StatusReconciled:
			// costs were recalculated since the last match
			next = StatusPending
		}
		if next != inv.Status {
			inv.Status = next
			if err := tx.UpdateInvoice(ctx, inv); err != nil {
				return err
			}
		}
		res = ReconcileResult{
			InvoiceID:       inv.ID,
			Status:          inv.Status,
			Result:          outcome,
			InvoiceTotal:    inv.TotalAmount,
			CalculatedTotal: calculated,
			Variance:        variance,
		}
		return tx.Audit(ctx, shared.AuditLog{
			ActorID:  shared.ActorFromContext(ctx),
			Action:   "invoice.reconciled",
			Entity:   "invoice",
			EntityID: strconv.FormatInt(inv.ID, 10),
			Meta:     map[string]any{"result": outcome, "variance": variance.StringFixed(2)},
		})
	})
	if err != nil {
		return ReconcileResult{}, err
	}
	s.metrics.reconciled(res.Result)
	s.logger.Info("invoice reconciled", slog.Int64("invoice_id", id), slog.String("result", string(res.Result)), slog.String("variance", res.Variance.StringFixed(2)))
	return res, nil
}

// DisputeInvoice opens a dispute and marks the invoice disputed.
func (s *Service) DisputeInvoice(ctx context.Context, input DisputeInput) (Dispute, error) {
	const op = "invoice.dispute"
	input.Reason = strings.TrimSpace(input.Reason)
	if err := shared.ValidateStruct(op, input); err != nil {
		return Dispute{}, err
	}
	if input.Amount != nil && !input.Amount.IsPositive() {
		return Dispute{}, shared.Validation(op, "amount must be positive")
	}
	var out Dispute
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		inv, err := tx.LockInvoice(ctx, input.InvoiceID)
		if err != nil {
			return err
		}
		if !inv.Status.CanTransition(StatusDisputed) {
			return shared.InvalidState(op, "invoice %d is %s and cannot be disputed", inv.ID, inv.Status)
		}
		var amount decimal.Decimal
		if input.Amount != nil {
			amount = input.Amount.Round(2)
		} else {
			calculated, err := s.calculatedTotal(ctx, tx, inv)
			if err != nil {
				return err
			}
			_, variance := Compare(inv.TotalAmount, calculated)
			amount = defaultDisputeAmount(inv.TotalAmount, variance)
		}
		d, err := tx.InsertDispute(ctx, Dispute{
			InvoiceID:      inv.ID,
			Reason:         input.Reason,
			DisputedAmount: amount,
			Status:         DisputeOpen,
			CreatedBy:      input.CreatedBy,
			CreatedAt:      s.now().UTC(),
		})
		if err != nil {
			return err
		}
		inv.Status = StatusDisputed
		if err := tx.UpdateInvoice(ctx, inv); err != nil {
			return err
		}
		out = d
		return tx.Audit(ctx, shared.AuditLog{
			ActorID:  input.CreatedBy,
			Action:   "invoice.disputed",
			Entity:   "invoice",
			EntityID: strconv.FormatInt(inv.ID, 10),
			Meta:     map[string]any{"dispute_id": d.ID, "amount": amount.StringFixed(2)},
		})
	})
	if err != nil {
		return Dispute{}, err
	}
	s.logger.Info("invoice disputed", slog.Int64("invoice_id", input.InvoiceID), slog.Int64("dispute_id", out.ID))
	return out, nil
}

// ResolveDispute closes an open dispute. An adjusted total re-opens the
// invoice as pending; otherwise the invoice is paid.
func (s *Service) ResolveDispute(ctx context.Context, input ResolveDisputeInput) (Invoice, error) {
	const op = "invoice.resolve_dispute"
	input.Resolution = strings.TrimSpace(input.Resolution)
	if err := shared.ValidateStruct(op, input); err != nil {
		return Invoice{}, err
	}
	if input.AdjustedTotal != nil && input.AdjustedTotal.IsNegative() {
		return Invoice{}, shared.Validation(op, "adjusted_total must not be negative")
	}
	var invoiceID int64
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		d, err := tx.LockDispute(ctx, input.DisputeID)
		if err != nil {
			return err
		}
		if d.Status != DisputeOpen {
			return shared.InvalidState(op, "dispute %d is already %s", d.ID, d.Status)
		}
		inv, err := tx.LockInvoice(ctx, d.InvoiceID)
		if err != nil {
			return err
		}
		if inv.Status != StatusDisputed {
			return shared.InvalidState(op, "invoice %d is %s", inv.ID, inv.Status)
		}
		now := s.now().UTC()
		if input.AdjustedTotal != nil {
			inv.TotalAmount = input.AdjustedTotal.Round(2)
			inv.Status = StatusPending
		} else {
			inv.Status = StatusPaid
			inv.PaidAt = &now
		}
		if err := tx.UpdateInvoice(ctx, inv); err != nil {
			return err
		}
		d.Status = DisputeResolved
		d.Resolution = input.Resolution
		d.ResolvedAt = &now
		if err := tx.UpdateDispute(ctx, d); err != nil {
			return err
		}
		invoiceID = inv.ID
		return tx.Audit(ctx, shared.AuditLog{
			ActorID:  input.ResolvedBy,
			Action:   "invoice.dispute_resolved",
			Entity:   "invoice",
			EntityID: strconv.FormatInt(inv.ID, 10),
			Meta:     map[string]any{"dispute_id": d.ID, "status": inv.Status},
		})
	})
	if err != nil {
		return Invoice{}, err
	}
	return s.GetInvoice(ctx, invoiceID)
}

// AcceptInvoice marks a pending or reconciled invoice as paid.
func (s *Service) AcceptInvoice(ctx context.Context, id int64, actor string) (Invoice, error) {
	const op = "invoice.accept"
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		inv, err := tx.LockInvoice(ctx, id)
		if err != nil {
			return err
		}
		if inv.Status == StatusDisputed || !inv.Status.CanTransition(StatusPaid) {
			return shared.InvalidState(op, "invoice %d is %s and cannot be accepted", id, inv.Status)
		}
		now := s.now().UTC()
		inv.Status = StatusPaid
		inv.PaidAt = &now
		if err := tx.UpdateInvoice(ctx, inv); err != nil {
			return err
		}
		return tx.Audit(ctx, shared.AuditLog{ActorID: actor, Action: "invoice.accepted", Entity: "invoice", EntityID: strconv.FormatInt(id, 10)})
	})
	if err != nil {
		return Invoice{}, err
	}
	return s.GetInvoice(ctx, id)
}

// DeleteInvoice removes an invoice that has not been paid.
func (s *Service) DeleteInvoice(ctx context.Context, id int64, actor string) error {
	const op = "invoice.delete"
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		inv, err := tx.LockInvoice(ctx, id)
		if err != nil {
			return err
		}
		if inv.Status == StatusPaid {
			return shared.InvalidState(op, "invoice %d is paid", id)
		}
		if err := tx.DeleteInvoice(ctx, id); err != nil {
			return err
		}
		return tx.Audit(ctx, shared.AuditLog{ActorID: actor, Action: "invoice.deleted", Entity: "invoice", EntityID: strconv.FormatInt(id, 10),
			Meta: map[string]any{"number": inv.Number}})
	})
	if err != nil {
		return err
	}
	s.logger.Info("invoice deleted", slog.Int64("invoice_id", id))
	return nil
}

// GetInvoice loads one invoice with its lines.
func (s *Service) GetInvoice(ctx context.Context, id int64) (Invoice, error) {
	return db.RetryRead(ctx, readAttempts, func(ctx context.Context) (Invoice, error) {
		return s.repo.GetInvoice(ctx, id)
	})
}

// ListInvoices returns a page of invoices, newest period first.
func (s *Service) ListInvoices(ctx context.Context, filter ListFilter) (Page, error) {
	if filter.Status != "" {
		switch filter.Status {
		case StatusPending, StatusReconciled, StatusDisputed, StatusPaid:
		default:
			return Page{}, shared.Validation("invoice.list", "unknown status %q", filter.Status)
		}
	}
	probe := shared.NewPagination(filter.Page, filter.PerPage, 0)
	type page struct {
		items []Invoice
		total int
	}
	res, err := db.RetryRead(ctx, readAttempts, func(ctx context.Context) (page, error) {
		items, total, err := s.repo.ListInvoices(ctx, filter, probe.PerPage, probe.Offset())
		return page{items: items, total: total}, err
	})
	if err != nil {
		return Page{}, err
	}
	if res.items == nil {
		res.items = []Invoice{}
	}
	return Page{Invoices: res.items, Pagination: shared.NewPagination(probe.Page, probe.PerPage, res.total)}, nil
}

// ListDisputes returns the disputes of an invoice.
func (s *Service) ListDisputes(ctx context.Context, invoiceID int64) ([]Dispute, error) {
	return db.RetryRead(ctx, readAttempts, func(ctx context.Context) ([]Dispute, error) {
		return s.repo.ListDisputes(ctx, invoiceID)
	})
}

func (s *Service) insert(ctx context.Context, inv Invoice, actor string) (Invoice, error) {
	var out Invoice
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		out, err = s.insertTx(ctx, tx, inv, actor)
		return err
	})
	if err != nil {
		return Invoice{}, err
	}
	s.logger.Info("invoice recorded", slog.Int64("invoice_id", out.ID), slog.String("number", out.Number))
	return out, nil
}

func (s *Service) insertTx(ctx context.Context, tx TxRepository, inv Invoice, actor string) (Invoice, error) {
	out, err := tx.InsertInvoice(ctx, inv)
	if err != nil {
		return Invoice{}, err
	}
	err = tx.Audit(ctx, shared.AuditLog{
		ActorID:  actor,
		Action:   "invoice.created",
		Entity:   "invoice",
		EntityID: strconv.FormatInt(out.ID, 10),
		Meta:     map[string]any{"number": out.Number, "source": out.Source, "total": out.TotalAmount.StringFixed(2)},
	})
	return out, err
}

func (s *Service) calculatedTotal(ctx context.Context, tx TxRepository, inv Invoice) (decimal.Decimal, error) {
	sum, err := tx.Summarize(ctx, inv.WarehouseID, shared.BillingPeriod{Start: inv.BillingPeriodStart, End: inv.BillingPeriodEnd})
	if err != nil {
		return decimal.Zero, err
	}
	return sum.Total.Round(2), nil
}

func generatedNumber(warehouseID int64, period shared.BillingPeriod) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	return fmt.Sprintf("GEN-%d-%s-%s", warehouseID, period.End.Format("200601"), suffix)
}
