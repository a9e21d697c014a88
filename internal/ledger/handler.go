package ledger

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/progami/WMS-EcomOS-sub000/internal/platform/httpx"
	"github.com/progami/WMS-EcomOS-sub000/internal/rbac"
	"github.com/progami/WMS-EcomOS-sub000/internal/shared"
)

// IdempotencyHeader carries the client idempotency key.
const IdempotencyHeader = "Idempotency-Key"

// API is the subset of Service used by Handler.
type API interface {
	CreateMovement(ctx context.Context, input CreateMovementInput) (MovementResult, error)
	GetBalance(ctx context.Context, filter BalanceFilter) ([]Balance, error)
	ResolveIdempotent(ctx context.Context, key string) (MovementResult, bool, error)
}

// Handler exposes the ledger over JSON.
type Handler struct {
	logger  *slog.Logger
	service API
	rbac    rbac.Middleware
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service API, rbac rbac.Middleware) *Handler {
	return &Handler{logger: logger, service: service, rbac: rbac}
}

// MountRoutes registers ledger routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(rbac.PermInventoryWrite))
		r.Post("/movements", h.createMovement)
		r.Get("/movements/outcome/{key}", h.resolveIdempotent)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(rbac.PermInventoryRead, rbac.PermInventoryWrite))
		r.Get("/balances", h.getBalance)
	})
}

func (h *Handler) createMovement(w http.ResponseWriter, r *http.Request) {
	var input CreateMovementInput
	if err := httpx.DecodeJSON(r, &input); err != nil {
		httpx.RespondError(w, err)
		return
	}
	input.IdempotencyKey = strings.TrimSpace(r.Header.Get(IdempotencyHeader))
	if actor := shared.ActorFromContext(r.Context()); actor != "" {
		input.CreatedBy = actor
	}
	result, err := h.service.CreateMovement(r.Context(), input)
	if err != nil {
		h.fail(w, "create movement", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, result)
}

func (h *Handler) resolveIdempotent(w http.ResponseWriter, r *http.Request) {
	result, found, err := h.service.ResolveIdempotent(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		h.fail(w, "resolve idempotent", err)
		return
	}
	if !found {
		httpx.RespondError(w, shared.NotFound("ledger", "no outcome recorded for key"))
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) getBalance(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := BalanceFilter{BatchLot: strings.TrimSpace(q.Get("batch_lot"))}
	var err error
	if filter.WarehouseID, err = optionalID(q.Get("warehouse_id")); err != nil {
		httpx.RespondError(w, shared.Validation("ledger", "warehouse_id must be a positive integer"))
		return
	}
	if filter.SKUID, err = optionalID(q.Get("sku_id")); err != nil {
		httpx.RespondError(w, shared.Validation("ledger", "sku_id must be a positive integer"))
		return
	}
	if raw := q.Get("include_zero"); raw != "" {
		if filter.IncludeZero, err = strconv.ParseBool(raw); err != nil {
			httpx.RespondError(w, shared.Validation("ledger", "include_zero must be a boolean"))
			return
		}
	}
	balances, err := h.service.GetBalance(r.Context(), filter)
	if err != nil {
		h.fail(w, "get balance", err)
		return
	}
	if balances == nil {
		balances = []Balance{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"balances": balances})
}

func (h *Handler) fail(w http.ResponseWriter, action string, err error) {
	if kind := shared.KindOf(err); kind == shared.KindInternal || kind == shared.KindDataIntegrity {
		h.logger.Error(action+" failed", slog.Any("error", err))
	}
	httpx.RespondError(w, err)
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
