package invoice

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/progami/WMS-EcomOS-sub000/internal/billing"
	"github.com/progami/WMS-EcomOS-sub000/internal/masterdata"
	"github.com/progami/WMS-EcomOS-sub000/internal/shared"
)

type memoryRepo struct {
	mu              sync.Mutex
	invoices        map[int64]Invoice
	disputes        map[int64]Dispute
	reconciliations []Reconciliation
	audits          []shared.AuditLog
	costs           map[int64][]billing.CategoryTotal
	nextID          int64
}

type memoryTx struct {
	repo            *memoryRepo
	invoices        map[int64]Invoice
	disputes        map[int64]Dispute
	reconciliations []Reconciliation
	audits          []shared.AuditLog
	nextID          int64
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		invoices: make(map[int64]Invoice),
		disputes: make(map[int64]Dispute),
		costs:    make(map[int64][]billing.CategoryTotal),
	}
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx := &memoryTx{repo: r, invoices: make(map[int64]Invoice), disputes: make(map[int64]Dispute), nextID: r.nextID}
	for k, v := range r.invoices {
		tx.invoices[k] = v
	}
	for k, v := range r.disputes {
		tx.disputes[k] = v
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	r.invoices, r.disputes, r.nextID = tx.invoices, tx.disputes, tx.nextID
	r.reconciliations = append(r.reconciliations, tx.reconciliations...)
	r.audits = append(r.audits, tx.audits...)
	return nil
}

func (r *memoryRepo) GetInvoice(_ context.Context, id int64) (Invoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inv, ok := r.invoices[id]
	if !ok {
		return Invoice{}, shared.NotFound("invoice", "invoice %d not found", id)
	}
	return inv, nil
}

func (r *memoryRepo) ListInvoices(_ context.Context, f ListFilter, limit, offset int) ([]Invoice, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var all []Invoice
	for _, inv := range r.invoices {
		if (f.WarehouseID == 0 || inv.WarehouseID == f.WarehouseID) && (f.Status == "" || inv.Status == f.Status) {
			all = append(all, inv)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID > all[j].ID })
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (r *memoryRepo) ListDisputes(_ context.Context, invoiceID int64) ([]Dispute, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Dispute
	for _, d := range r.disputes {
		if d.InvoiceID == invoiceID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (tx *memoryTx) Summarize(_ context.Context, warehouseID int64, period shared.BillingPeriod) (billing.Summary, error) {
	sum := billing.Summary{WarehouseID: warehouseID, PeriodStart: period.Start, PeriodEnd: period.End, Total: decimal.Zero}
	for _, c := range tx.repo.costs[warehouseID] {
		sum.Categories = append(sum.Categories, c)
		sum.Total = sum.Total.Add(c.Amount)
	}
	return sum, nil
}

func (tx *memoryTx) LockInvoice(_ context.Context, id int64) (Invoice, error) {
	inv, ok := tx.invoices[id]
	if !ok {
		return Invoice{}, shared.NotFound("invoice", "invoice %d not found", id)
	}
	return inv, nil
}

func (tx *memoryTx) InsertInvoice(_ context.Context, inv Invoice) (Invoice, error) {
	for _, existing := range tx.invoices {
		if existing.Number == inv.Number {
			return Invoice{}, shared.Conflict("invoice", "invoice number %q already exists", inv.Number)
		}
	}
	tx.nextID++
	inv.ID = tx.nextID
	inv.CreatedAt, inv.UpdatedAt = time.Now(), time.Now()
	for i := range inv.Lines {
		inv.Lines[i].InvoiceID = inv.ID
		inv.Lines[i].ID = int64(i + 1)
	}
	tx.invoices[inv.ID] = inv
	return inv, nil
}

func (tx *memoryTx) UpdateInvoice(_ context.Context, inv Invoice) error {
	cur := tx.invoices[inv.ID]
	cur.TotalAmount, cur.Status, cur.PaidAt = inv.TotalAmount, inv.Status, inv.PaidAt
	tx.invoices[inv.ID] = cur
	return nil
}

func (tx *memoryTx) DeleteInvoice(_ context.Context, id int64) error {
	delete(tx.invoices, id)
	return nil
}

func (tx *memoryTx) InsertReconciliation(_ context.Context, rec Reconciliation) (Reconciliation, error) {
	rec.ID = int64(len(tx.repo.reconciliations) + len(tx.reconciliations) + 1)
	tx.reconciliations = append(tx.reconciliations, rec)
	return rec, nil
}

func (tx *memoryTx) InsertDispute(_ context.Context, d Dispute) (Dispute, error) {
	tx.nextID++
	d.ID = tx.nextID
	tx.disputes[d.ID] = d
	return d, nil
}

func (tx *memoryTx) LockDispute(_ context.Context, id int64) (Dispute, error) {
	d, ok := tx.disputes[id]
	if !ok {
		return Dispute{}, shared.NotFound("invoice", "dispute %d not found", id)
	}
	return d, nil
}

func (tx *memoryTx) UpdateDispute(_ context.Context, d Dispute) error {
	tx.disputes[d.ID] = d
	return nil
}

func (tx *memoryTx) Audit(_ context.Context, log shared.AuditLog) error {
	tx.audits = append(tx.audits, log)
	return nil
}

var period = shared.BillingPeriodFor(2024, time.February)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestService(repo *memoryRepo) *Service {
	lookup := masterdata.NewStatic([]masterdata.Warehouse{{ID: 1, Code: "LAX", Active: true}}, nil)
	return NewService(repo, lookup, nil, nil)
}

func withCosts(repo *memoryRepo, storage, handling string) {
	repo.costs[1] = []billing.CategoryTotal{
		{Category: billing.CategoryStorage, Quantity: decimal.NewFromInt(40), Amount: dec(storage)},
		{Category: billing.CategoryPick, Quantity: decimal.NewFromInt(100), Amount: dec(handling)},
	}
}

func createInvoice(t *testing.T, svc *Service, number, total string) Invoice {
	t.Helper()
	inv, err := svc.CreateInvoice(context.Background(), CreateInvoiceInput{
		Number: number, WarehouseID: 1, PeriodStart: period.Start, PeriodEnd: period.End, TotalAmount: dec(total),
	})
	require.NoError(t, err)
	return inv
}

func TestCompareClassifiesVariance(t *testing.T) {
	cases := []struct {
		invoice, calculated string
		outcome             Outcome
		variance            string
	}{
		{"1000", "1000", OutcomeMatched, "0"},
		{"1050", "1000", OutcomeOverbilled, "50"},
		{"950", "1000", OutcomeUnderbilled, "-50"},
		{"1000.004", "1000", OutcomeMatched, "0"},
		{"1000.01", "1000", OutcomeOverbilled, "0.01"},
	}
	for _, tc := range cases {
		outcome, variance := Compare(dec(tc.invoice), dec(tc.calculated))
		require.Equal(t, tc.outcome, outcome, tc.invoice)
		require.True(t, variance.Equal(dec(tc.variance)), "%s: got %s", tc.invoice, variance)
	}
}

func TestReconcileMatchedInvoiceBecomesReconciled(t *testing.T) {
	repo := newMemoryRepo()
	withCosts(repo, "700", "300")
	svc := newTestService(repo)
	inv := createInvoice(t, svc, "INV-1", "1000")

	res, err := svc.ReconcileInvoice(context.Background(), inv.ID)
	require.NoError(t, err)
	require.Equal(t, OutcomeMatched, res.Result)
	require.Equal(t, StatusReconciled, res.Status)
	require.True(t, res.CalculatedTotal.Equal(decimal.NewFromInt(1000)))
	require.Len(t, repo.reconciliations, 1)
}

func TestReconcileAfterCostRerunReopensInvoice(t *testing.T) {
	repo := newMemoryRepo()
	withCosts(repo, "700", "300")
	svc := newTestService(repo)
	inv := createInvoice(t, svc, "INV-1", "1000")

	res, err := svc.ReconcileInvoice(context.Background(), inv.ID)
	require.NoError(t, err)
	require.Equal(t, StatusReconciled, res.Status)

	withCosts(repo, "650", "300")
	res, err = svc.ReconcileInvoice(context.Background(), inv.ID)
	require.NoError(t, err)
	require.Equal(t, OutcomeOverbilled, res.Result)
	require.Equal(t, StatusPending, res.Status)
	require.True(t, res.Variance.Equal(dec("50")))

	got, err := svc.GetInvoice(context.Background(), inv.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, got.Status)
	require.Len(t, repo.reconciliations, 2)
}

func TestReconcileReportsOverAndUnderBilling(t *testing.T) {
	repo := newMemoryRepo()
	withCosts(repo, "700", "300")
	svc := newTestService(repo)

	over := createInvoice(t, svc, "INV-OVER", "1050")
	res, err := svc.ReconcileInvoice(context.Background(), over.ID)
	require.NoError(t, err)
	require.Equal(t, OutcomeOverbilled, res.Result)
	require.True(t, res.Variance.Equal(decimal.NewFromInt(50)))
	require.Equal(t, StatusPending, res.Status)

	under := createInvoice(t, svc, "INV-UNDER", "950")
	res, err = svc.ReconcileInvoice(context.Background(), under.ID)
	require.NoError(t, err)
	require.Equal(t, OutcomeUnderbilled, res.Result)
	require.True(t, res.Variance.Equal(decimal.NewFromInt(-50)))
}

func TestDisputeDefaultsToPositiveVariance(t *testing.T) {
	repo := newMemoryRepo()
	withCosts(repo, "700", "300")
	svc := newTestService(repo)

	over := createInvoice(t, svc, "INV-OVER", "1050")
	d, err := svc.DisputeInvoice(context.Background(), DisputeInput{InvoiceID: over.ID, Reason: "storage overcharged", CreatedBy: "alice"})
	require.NoError(t, err)
	require.True(t, d.DisputedAmount.Equal(decimal.NewFromInt(50)))
	require.Equal(t, DisputeOpen, d.Status)

	under := createInvoice(t, svc, "INV-UNDER", "950")
	d, err = svc.DisputeInvoice(context.Background(), DisputeInput{InvoiceID: under.ID, Reason: "wrong period"})
	require.NoError(t, err)
	require.True(t, d.DisputedAmount.Equal(decimal.NewFromInt(950)))

	got, err := svc.GetInvoice(context.Background(), under.ID)
	require.NoError(t, err)
	require.Equal(t, StatusDisputed, got.Status)
}

func TestResolveDisputeWithAdjustmentReturnsToPending(t *testing.T) {
	repo := newMemoryRepo()
	withCosts(repo, "700", "300")
	svc := newTestService(repo)
	inv := createInvoice(t, svc, "INV-1", "1050")
	d, err := svc.DisputeInvoice(context.Background(), DisputeInput{InvoiceID: inv.ID, Reason: "overcharged"})
	require.NoError(t, err)

	adjusted := decimal.NewFromInt(1000)
	got, err := svc.ResolveDispute(context.Background(), ResolveDisputeInput{DisputeID: d.ID, Resolution: "credit note issued", AdjustedTotal: &adjusted})
	require.NoError(t, err)
	require.Equal(t, StatusPending, got.Status)
	require.True(t, got.TotalAmount.Equal(adjusted))
	require.Equal(t, DisputeResolved, repo.disputes[d.ID].Status)

	_, err = svc.ResolveDispute(context.Background(), ResolveDisputeInput{DisputeID: d.ID, Resolution: "again"})
	require.True(t, errors.Is(err, shared.ErrInvalidState))

	res, err := svc.ReconcileInvoice(context.Background(), inv.ID)
	require.NoError(t, err)
	require.Equal(t, StatusReconciled, res.Status)
}

func TestResolveDisputeWithoutAdjustmentPays(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	inv := createInvoice(t, svc, "INV-1", "10")
	d, err := svc.DisputeInvoice(context.Background(), DisputeInput{InvoiceID: inv.ID, Reason: "check"})
	require.NoError(t, err)

	got, err := svc.ResolveDispute(context.Background(), ResolveDisputeInput{DisputeID: d.ID, Resolution: "confirmed"})
	require.NoError(t, err)
	require.Equal(t, StatusPaid, got.Status)
	require.NotNil(t, got.PaidAt)
}

func TestPaidInvoiceIsFinal(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	inv := createInvoice(t, svc, "INV-1", "10")

	paid, err := svc.AcceptInvoice(context.Background(), inv.ID, "bob")
	require.NoError(t, err)
	require.Equal(t, StatusPaid, paid.Status)

	_, err = svc.DisputeInvoice(context.Background(), DisputeInput{InvoiceID: inv.ID, Reason: "late"})
	require.True(t, errors.Is(err, shared.ErrInvalidState))
	require.True(t, errors.Is(svc.DeleteInvoice(context.Background(), inv.ID, "bob"), shared.ErrInvalidState))
	_, err = svc.AcceptInvoice(context.Background(), inv.ID, "bob")
	require.True(t, errors.Is(err, shared.ErrInvalidState))
	_, err = svc.ReconcileInvoice(context.Background(), inv.ID)
	require.True(t, errors.Is(err, shared.ErrInvalidState))
}

func TestAcceptRejectsDisputedInvoice(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	inv := createInvoice(t, svc, "INV-1", "10")
	_, err := svc.DisputeInvoice(context.Background(), DisputeInput{InvoiceID: inv.ID, Reason: "check"})
	require.NoError(t, err)

	_, err = svc.AcceptInvoice(context.Background(), inv.ID, "bob")
	require.True(t, errors.Is(err, shared.ErrInvalidState))
}

func TestCreateInvoiceValidatesLines(t *testing.T) {
	svc := newTestService(newMemoryRepo())
	input := CreateInvoiceInput{
		Number: "INV-9", WarehouseID: 1, PeriodStart: period.Start, PeriodEnd: period.End, TotalAmount: dec("100"),
		Lines: []LineInput{
			{Category: "storage", Quantity: dec("10"), UnitRate: dec("5")},
			{Category: "pick", Amount: dec("40")},
		},
	}
	_, err := svc.CreateInvoice(context.Background(), input)
	require.True(t, errors.Is(err, shared.ErrValidation))

	input.TotalAmount = dec("90")
	inv, err := svc.CreateInvoice(context.Background(), input)
	require.NoError(t, err)
	require.Len(t, inv.Lines, 2)
	require.True(t, inv.Lines[0].Amount.Equal(dec("50")))

	_, err = svc.CreateInvoice(context.Background(), input)
	require.True(t, errors.Is(err, shared.ErrConflict))

	input.Number, input.WarehouseID = "INV-10", 7
	_, err = svc.CreateInvoice(context.Background(), input)
	require.True(t, errors.Is(err, shared.ErrExternalLookup))

	_, err = svc.CreateInvoice(context.Background(), CreateInvoiceInput{WarehouseID: 1, PeriodStart: period.Start, PeriodEnd: period.End})
	var se *shared.Error
	require.True(t, errors.As(err, &se))
	require.Contains(t, se.Fields, "number")
}

func TestGenerateInvoiceBuildsLinePerCategory(t *testing.T) {
	repo := newMemoryRepo()
	withCosts(repo, "700", "300")
	svc := newTestService(repo)

	inv, err := svc.GenerateInvoice(context.Background(), GenerateInvoiceInput{WarehouseID: 1, PeriodStart: period.Start, PeriodEnd: period.End})
	require.NoError(t, err)
	require.Equal(t, SourceGenerated, inv.Source)
	require.Equal(t, StatusPending, inv.Status)
	require.Len(t, inv.Lines, 2)
	require.True(t, inv.TotalAmount.Equal(decimal.NewFromInt(1000)))
	require.True(t, inv.Lines[0].UnitRate.Equal(dec("17.5")))

	res, err := svc.ReconcileInvoice(context.Background(), inv.ID)
	require.NoError(t, err)
	require.Equal(t, OutcomeMatched, res.Result)

	repo.costs = map[int64][]billing.CategoryTotal{}
	_, err = svc.GenerateInvoice(context.Background(), GenerateInvoiceInput{WarehouseID: 1, PeriodStart: period.Start, PeriodEnd: period.End})
	require.True(t, errors.Is(err, shared.ErrValidation))
}

func TestListAndDeleteInvoices(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	for _, n := range []string{"A", "B", "C"} {
		createInvoice(t, svc, n, "1")
	}

	page, err := svc.ListInvoices(context.Background(), ListFilter{PerPage: 2})
	require.NoError(t, err)
	require.Len(t, page.Invoices, 2)
	require.Equal(t, 3, page.Pagination.Total)
	require.Equal(t, 2, page.Pagination.TotalPages)

	_, err = svc.ListInvoices(context.Background(), ListFilter{Status: "void"})
	require.True(t, errors.Is(err, shared.ErrValidation))

	require.NoError(t, svc.DeleteInvoice(context.Background(), page.Invoices[0].ID, "alice"))
	_, err = svc.GetInvoice(context.Background(), page.Invoices[0].ID)
	require.True(t, errors.Is(err, shared.ErrNotFound))
	require.NotEmpty(t, repo.audits)
}

func TestStatusTransitions(t *testing.T) {
	require.True(t, StatusPending.CanTransition(StatusReconciled))
	require.True(t, StatusReconciled.CanTransition(StatusDisputed))
	require.True(t, StatusDisputed.CanTransition(StatusPending))
	require.True(t, StatusReconciled.CanTransition(StatusPending))
	require.False(t, StatusPending.CanTransition(StatusPending))
	for _, to := range []Status{StatusPending, StatusReconciled, StatusDisputed} {
		require.False(t, StatusPaid.CanTransition(to))
	}
}

func TestInvoicesRequireWholeBillingPeriod(t *testing.T) {
	repo := newMemoryRepo()
	withCosts(repo, "700", "300")
	svc := newTestService(repo)
	feb1 := time.Date(2024, time.February, 1, 0, 0, 0, 0, time.UTC)
	feb29 := time.Date(2024, time.February, 29, 0, 0, 0, 0, time.UTC)

	_, err := svc.CreateInvoice(context.Background(), CreateInvoiceInput{
		Number: "INV-FEB", WarehouseID: 1, PeriodStart: feb1, PeriodEnd: feb29, TotalAmount: dec("1000"),
	})
	require.True(t, errors.Is(err, shared.ErrValidation))

	_, err = svc.GenerateInvoice(context.Background(), GenerateInvoiceInput{WarehouseID: 1, PeriodStart: feb1, PeriodEnd: feb29})
	require.True(t, errors.Is(err, shared.ErrValidation))
	require.Empty(t, repo.invoices)
}
