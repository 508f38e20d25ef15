package handler

import (
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	appI18n "github.com/pavelanni/labgrader/internal/i18n"
	"github.com/pavelanni/labgrader/internal/model"
	"github.com/pavelanni/labgrader/internal/store"
)

// Handler serves the read-only review API over the store.
type Handler struct {
	store  *store.Store
	logger *slog.Logger
}

// New creates a new Handler.
func New(s *store.Store, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{store: s, logger: logger}
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/healthz", h.handleHealth)
	r.Group(func(r chi.Router) {
		r.Use(h.requireToken)
		r.Get("/api/reports", h.handleListReports)
		r.Get("/api/reports/{id}", h.handleGetReport)
		r.Get("/api/reports/{id}/scores", h.handleGetScores)
		r.Get("/api/runs", h.handleListRuns)
		r.Get("/api/export", h.handleExport)
	})
}

// reportListItem is one entry of GET /api/reports.
type reportListItem struct {
	ID int64 `json:"id"`
	model.SummaryRow
	Items     int       `json:"items"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	count, err := h.store.ReportCount()
	if err != nil {
		h.logger.Error("handler.health.failed", "error", err)
		h.writeError(w, r, http.StatusServiceUnavailable, "InternalError")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "reports": count})
}

func (h *Handler) handleListReports(w http.ResponseWriter, r *http.Request) {
	reports, err := h.store.ListReports()
	if err != nil {
		h.logger.Error("handler.reports.list.failed", "error", err)
		h.writeError(w, r, http.StatusInternalServerError, "InternalError")
		return
	}

	out := make([]reportListItem, 0, len(reports))
	for _, rep := range reports {
		out = append(out, reportListItem{
			ID:         rep.ID,
			SummaryRow: model.SummaryFor(rep.Path, &rep.Record, rep.Status),
			Items:      len(rep.Record.Items),
			UpdatedAt:  rep.UpdatedAt,
		})
	}
	h.writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleGetReport(w http.ResponseWriter, r *http.Request) {
	rep, ok := h.loadReport(w, r)
	if !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, rep)
}

func (h *Handler) handleGetScores(w http.ResponseWriter, r *http.Request) {
	rep, ok := h.loadReport(w, r)
	if !ok {
		return
	}
	scores, err := h.store.GetScores(rep.ID)
	if err != nil {
		h.logger.Error("handler.scores.failed", "report_id", rep.ID, "error", err)
		h.writeError(w, r, http.StatusInternalServerError, "InternalError")
		return
	}
	if scores == nil {
		scores = []model.GradingResult{}
	}
	h.writeJSON(w, http.StatusOK, scores)
}

// loadReport resolves the {id} URL parameter. It writes the error response
// itself and reports false when the report cannot be served.
func (h *Handler) loadReport(w http.ResponseWriter, r *http.Request) (model.StoredReport, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		h.writeError(w, r, http.StatusNotFound, "NotFound")
		return model.StoredReport{}, false
	}
	rep, err := h.store.GetReport(id)
	if errors.Is(err, sql.ErrNoRows) {
		h.writeError(w, r, http.StatusNotFound, "NotFound")
		return model.StoredReport{}, false
	}
	if err != nil {
		h.logger.Error("handler.report.failed", "report_id", id, "error", err)
		h.writeError(w, r, http.StatusInternalServerError, "InternalError")
		return model.StoredReport{}, false
	}
	return rep, true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		h.logger.Error("handler.encode.failed", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, status int, msgID string) {
	h.writeJSON(w, status, map[string]string{"error": appI18n.T(r.Context(), msgID)})
}
