package billing

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/progami/WMS-EcomOS-sub000/internal/ledger"
	"github.com/progami/WMS-EcomOS-sub000/internal/platform/httpx"
	"github.com/progami/WMS-EcomOS-sub000/internal/rbac"
	"github.com/progami/WMS-EcomOS-sub000/internal/shared"
)

// API is the subset of Service used by Handler.
type API interface {
	CalculateCosts(ctx context.Context, input CalculateCostsInput) (CostRunResult, error)
	GetStorageLedger(ctx context.Context, filter StorageLedgerFilter) ([]StorageLedgerEntry, error)
	Summarize(ctx context.Context, warehouseID int64, start, end time.Time) (Summary, error)
}

// Handler exposes cost runs and reads.
type Handler struct {
	logger  *slog.Logger
	service API
	rbac    rbac.Middleware
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service API, rbac rbac.Middleware) *Handler {
	return &Handler{logger: logger, service: service, rbac: rbac}
}

// MountRoutes registers billing routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(rbac.PermFinanceWrite))
		r.Post("/costs/calculate", h.calculate)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(rbac.PermFinanceRead, rbac.PermFinanceWrite))
		r.Get("/costs/storage-ledger", h.storageLedger)
		r.Get("/costs/summary", h.summary)
	})
}

type calculateRequest struct {
	WarehouseID int64  `json:"warehouse_id"`
	PeriodStart string `json:"period_start"`
	PeriodEnd   string `json:"period_end"`
}

func (h *Handler) calculate(w http.ResponseWriter, r *http.Request) {
	var req calculateRequest
	if r.ContentLength != 0 {
		if err := httpx.DecodeJSON(r, &req); err != nil {
			httpx.RespondError(w, err)
			return
		}
	}
	input := CalculateCostsInput{
		WarehouseID:    req.WarehouseID,
		IdempotencyKey: strings.TrimSpace(r.Header.Get(ledger.IdempotencyHeader)),
	}
	var err error
	if input.PeriodStart, err = parseDate(req.PeriodStart); err != nil {
		httpx.RespondError(w, shared.Validation("billing", "period_start must be a date"))
		return
	}
	if input.PeriodEnd, err = parseDate(req.PeriodEnd); err != nil {
		httpx.RespondError(w, shared.Validation("billing", "period_end must be a date"))
		return
	}
	result, err := h.service.CalculateCosts(r.Context(), input)
	if err != nil {
		h.fail(w, "calculate costs", err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) storageLedger(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var (
		filter StorageLedgerFilter
		err    error
	)
	if filter.WarehouseID, err = optionalID(q.Get("warehouse_id")); err != nil {
		httpx.RespondError(w, shared.Validation("billing", "warehouse_id must be a positive integer"))
		return
	}
	if filter.SKUID, err = optionalID(q.Get("sku_id")); err != nil {
		httpx.RespondError(w, shared.Validation("billing", "sku_id must be a positive integer"))
		return
	}
	if filter.PeriodStart, err = parseDate(q.Get("period_start")); err != nil {
		httpx.RespondError(w, shared.Validation("billing", "period_start must be a date"))
		return
	}
	if filter.PeriodEnd, err = parseDate(q.Get("period_end")); err != nil {
		httpx.RespondError(w, shared.Validation("billing", "period_end must be a date"))
		return
	}
	entries, err := h.service.GetStorageLedger(r.Context(), filter)
	if err != nil {
		h.fail(w, "storage ledger", err)
		return
	}
	if entries == nil {
		entries = []StorageLedgerEntry{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (h *Handler) summary(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	warehouseID, err := optionalID(q.Get("warehouse_id"))
	if err != nil {
		httpx.RespondError(w, shared.Validation("billing", "warehouse_id must be a positive integer"))
		return
	}
	start, err1 := parseDate(q.Get("period_start"))
	end, err2 := parseDate(q.Get("period_end"))
	if err1 != nil || err2 != nil {
		httpx.RespondError(w, shared.Validation("billing", "period_start and period_end must be dates"))
		return
	}
	sum, err := h.service.Summarize(r.Context(), warehouseID, start, end)
	if err != nil {
		h.fail(w, "summarize costs", err)
		return
	}
	httpx.JSON(w, http.StatusOK, sum)
}

func (h *Handler) fail(w http.ResponseWriter, action string, err error) {
	if kind := shared.KindOf(err); kind == shared.KindInternal || kind == shared.KindDataIntegrity {
		h.logger.Error(action+" failed", slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

// parseDate accepts YYYY-MM-DD or RFC 3339. Empty input yields the zero time.
func parseDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.DateOnly, raw); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, raw)
}

func optionalID(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, strconv.ErrSyntax
	}
	return id, nil
}
