package audit

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/progami/WMS-EcomOS-sub000/internal/platform/httpx"
	"github.com/progami/WMS-EcomOS-sub000/internal/rbac"
	"github.com/progami/WMS-EcomOS-sub000/internal/shared"
)

// API is the subset of Service used by Handler.
type API interface {
	Timeline(ctx context.Context, filters TimelineFilters) (Result, error)
	ExportCSV(ctx context.Context, filters TimelineFilters) ([]byte, error)
}

// Handler serves the audit trail.
type Handler struct {
	logger  *slog.Logger
	service API
	rbac    rbac.Middleware
}

// NewHandler builds Handler.
func NewHandler(logger *slog.Logger, service API, rbac rbac.Middleware) *Handler {
	return &Handler{logger: logger, service: service, rbac: rbac}
}

// MountRoutes registers audit routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(rbac.PermFinanceRead, rbac.PermFinanceWrite))
		r.Get("/audit", h.timeline)
		r.Get("/audit/export.csv", h.export)
	})
}

func (h *Handler) timeline(w http.ResponseWriter, r *http.Request) {
	filters, err := parseFilters(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	result, err := h.service.Timeline(r.Context(), filters)
	if err != nil {
		h.fail(w, "audit timeline", err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) export(w http.ResponseWriter, r *http.Request) {
	filters, err := parseFilters(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	body, err := h.service.ExportCSV(r.Context(), filters)
	if err != nil {
		h.fail(w, "audit export", err)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="audit-trail.csv"`)
	if _, err := w.Write(body); err != nil {
		h.logger.Warn("write csv", slog.Any("error", err))
	}
}

func (h *Handler) fail(w http.ResponseWriter, action string, err error) {
	if shared.KindOf(err) == shared.KindInternal {
		h.logger.Error(action+" failed", slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func parseFilters(r *http.Request) (TimelineFilters, error) {
	q := r.URL.Query()
	filters := TimelineFilters{
		Actor:    q.Get("actor"),
		Entity:   q.Get("entity"),
		EntityID: q.Get("entity_id"),
		Action:   q.Get("action"),
	}
	var err error
	if filters.From, err = parseInstant(q.Get("from"), false); err != nil {
		return filters, shared.Validation("audit", "from must be a date or RFC 3339 timestamp")
	}
	if filters.To, err = parseInstant(q.Get("to"), true); err != nil {
		return filters, shared.Validation("audit", "to must be a date or RFC 3339 timestamp")
	}
	if filters.Page, err = optionalInt(q.Get("page")); err != nil {
		return filters, shared.Validation("audit", "page must be a positive integer")
	}
	if filters.PageSize, err = optionalInt(q.Get("page_size")); err != nil {
		return filters, shared.Validation("audit", "page_size must be a positive integer")
	}
	return filters, nil
}

// parseInstant accepts YYYY-MM-DD or RFC 3339. A bare date used as an upper
// bound covers the whole day.
func parseInstant(raw string, endOfDay bool) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.DateOnly, raw); err == nil {
		if endOfDay {
			return t.Add(24*time.Hour - time.Nanosecond), nil
		}
		return t, nil
	}
	return time.Parse(time.RFC3339, raw)
}

func optionalInt(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return 0, strconv.ErrSyntax
	}
	return v, nil
}
