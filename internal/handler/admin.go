package handler

import (
	"fmt"
	"net/http"
	"time"

	"github.com/pavelanni/labgrader/internal/model"
)

func (h *Handler) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.store.ListRuns()
	if err != nil {
		h.logger.Error("handler.runs.failed", "error", err)
		h.writeError(w, r, http.StatusInternalServerError, "InternalError")
		return
	}
	if runs == nil {
		runs = []model.Run{}
	}
	h.writeJSON(w, http.StatusOK, runs)
}

// handleExport serves the same document as `labgrader export`.
func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	exp, err := h.store.ExportAll()
	if err != nil {
		h.logger.Error("handler.export.failed", "error", err)
		h.writeError(w, r, http.StatusInternalServerError, "InternalError")
		return
	}
	name := fmt.Sprintf("labgrader-export-%s.json", exp.ExportedAt.Format(time.DateOnly))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	h.logger.Info("handler.export", "reports", len(exp.Reports), "runs", len(exp.Runs))
	h.writeJSON(w, http.StatusOK, exp)
}
