package invoice

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/progami/WMS-EcomOS-sub000/internal/platform/httpx"
	"github.com/progami/WMS-EcomOS-sub000/internal/rbac"
	"github.com/progami/WMS-EcomOS-sub000/internal/shared"
)

// API is the subset of Service used by Handler.
type API interface {
	CreateInvoice(ctx context.Context, input CreateInvoiceInput) (Invoice, error)
	GenerateInvoice(ctx context.Context, input GenerateInvoiceInput) (Invoice, error)
	ReconcileInvoice(ctx context.Context, id int64) (ReconcileResult, error)
	DisputeInvoice(ctx context.Context, input DisputeInput) (Dispute, error)
	ResolveDispute(ctx context.Context, input ResolveDisputeInput) (Invoice, error)
	AcceptInvoice(ctx context.Context, id int64, actor string) (Invoice, error)
	DeleteInvoice(ctx context.Context, id int64, actor string) error
	GetInvoice(ctx context.Context, id int64) (Invoice, error)
	ListInvoices(ctx context.Context, filter ListFilter) (Page, error)
	ListDisputes(ctx context.Context, invoiceID int64) ([]Dispute, error)
}

// Handler exposes invoice endpoints.
type Handler struct {
	logger  *slog.Logger
	service API
	rbac    rbac.Middleware
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service API, rbac rbac.Middleware) *Handler {
	return &Handler{logger: logger, service: service, rbac: rbac}
}

// MountRoutes registers invoice routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(rbac.PermFinanceRead, rbac.PermFinanceWrite))
		r.Get("/invoices", h.list)
		r.Get("/invoices/{id}", h.get)
		r.Get("/invoices/{id}/disputes", h.disputes)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(rbac.PermFinanceWrite))
		r.Post("/invoices", h.create)
		r.Post("/invoices/generate", h.generate)
		r.Post("/invoices/{id}/reconcile", h.reconcile)
		r.Post("/invoices/{id}/accept", h.accept)
		r.Delete("/invoices/{id}", h.delete)
		r.Post("/disputes/{id}/resolve", h.resolve)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(rbac.PermInvoiceDispute, rbac.PermFinanceWrite))
		r.Post("/invoices/{id}/dispute", h.dispute)
	})
}

type invoiceRequest struct {
	Number      string          `json:"number"`
	WarehouseID int64           `json:"warehouse_id"`
	PeriodStart string          `json:"billing_period_start"`
	PeriodEnd   string          `json:"billing_period_end"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	Lines       []LineInput     `json:"lines"`
}

type generateRequest struct {
	WarehouseID int64  `json:"warehouse_id"`
	PeriodStart string `json:"billing_period_start"`
	PeriodEnd   string `json:"billing_period_end"`
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req invoiceRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	start, end, err := periodBounds(req.PeriodStart, req.PeriodEnd)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	inv, err := h.service.CreateInvoice(r.Context(), CreateInvoiceInput{
		Number:      req.Number,
		WarehouseID: req.WarehouseID,
		PeriodStart: start,
		PeriodEnd:   end,
		TotalAmount: req.TotalAmount,
		Lines:       req.Lines,
		CreatedBy:   shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.fail(w, "create invoice", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, inv)
}

func (h *Handler) generate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	start, end, err := periodBounds(req.PeriodStart, req.PeriodEnd)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	inv, err := h.service.GenerateInvoice(r.Context(), GenerateInvoiceInput{
		WarehouseID: req.WarehouseID,
		PeriodStart: start,
		PeriodEnd:   end,
		CreatedBy:   shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.fail(w, "generate invoice", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, inv)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ListFilter{Status: Status(strings.ToLower(strings.TrimSpace(q.Get("status"))))}
	filter.Page, _ = strconv.Atoi(q.Get("page"))
	filter.PerPage, _ = strconv.Atoi(q.Get("per_page"))
	if raw := q.Get("warehouse_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			httpx.RespondError(w, shared.Validation("invoice", "warehouse_id must be a positive integer"))
			return
		}
		filter.WarehouseID = id
	}
	page, err := h.service.ListInvoices(r.Context(), filter)
	if err != nil {
		h.fail(w, "list invoices", err)
		return
	}
	httpx.JSON(w, http.StatusOK, page)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	inv, err := h.service.GetInvoice(r.Context(), id)
	if err != nil {
		h.fail(w, "get invoice", err)
		return
	}
	httpx.JSON(w, http.StatusOK, inv)
}

func (h *Handler) disputes(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	list, err := h.service.ListDisputes(r.Context(), id)
	if err != nil {
		h.fail(w, "list disputes", err)
		return
	}
	if list == nil {
		list = []Dispute{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"disputes": list})
}

func (h *Handler) reconcile(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	res, err := h.service.ReconcileInvoice(r.Context(), id)
	if err != nil {
		h.fail(w, "reconcile invoice", err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

func (h *Handler) dispute(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var input DisputeInput
	if err := httpx.DecodeJSON(r, &input); err != nil {
		httpx.RespondError(w, err)
		return
	}
	input.InvoiceID = id
	input.CreatedBy = shared.ActorFromContext(r.Context())
	d, err := h.service.DisputeInvoice(r.Context(), input)
	if err != nil {
		h.fail(w, "dispute invoice", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, d)
}

func (h *Handler) resolve(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var input ResolveDisputeInput
	if err := httpx.DecodeJSON(r, &input); err != nil {
		httpx.RespondError(w, err)
		return
	}
	input.DisputeID = id
	input.ResolvedBy = shared.ActorFromContext(r.Context())
	inv, err := h.service.ResolveDispute(r.Context(), input)
	if err != nil {
		h.fail(w, "resolve dispute", err)
		return
	}
	httpx.JSON(w, http.StatusOK, inv)
}

func (h *Handler) accept(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	inv, err := h.service.AcceptInvoice(r.Context(), id, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.fail(w, "accept invoice", err)
		return
	}
	httpx.JSON(w, http.StatusOK, inv)
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.service.DeleteInvoice(r.Context(), id, shared.ActorFromContext(r.Context())); err != nil {
		h.fail(w, "delete invoice", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) fail(w http.ResponseWriter, action string, err error) {
	if shared.KindOf(err) == shared.KindInternal {
		h.logger.Error(action+" failed", slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.RespondError(w, shared.Validation("invoice", "id must be a positive integer"))
		return 0, false
	}
	return id, true
}

func periodBounds(rawStart, rawEnd string) (time.Time, time.Time, error) {
	start, err := time.Parse(time.DateOnly, strings.TrimSpace(rawStart))
	if err != nil {
		return time.Time{}, time.Time{}, shared.Validation("invoice", "billing_period_start must be YYYY-MM-DD")
	}
	end, err := time.Parse(time.DateOnly, strings.TrimSpace(rawEnd))
	if err != nil {
		return time.Time{}, time.Time{}, shared.Validation("invoice", "billing_period_end must be YYYY-MM-DD")
	}
	return start, end, nil
}
