// Package handlers exposes the worker's read-only status surface and the
// manual rule trigger. Everything user-facing beyond this lives in the
// dashboard, not here.
package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"gorm.io/gorm"

	"github.com/torboard/torboard/internal/automation"
	"github.com/torboard/torboard/internal/database"
	"github.com/torboard/torboard/internal/worker"
)

type Handler struct {
	db     *database.DB
	worker *worker.Worker
	engine *automation.Engine
}

func New(db *database.DB, w *worker.Worker, engine *automation.Engine) *Handler {
	return &Handler{db: db, worker: w, engine: engine}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/health", h.health)
	r.Get("/status", h.status)
	r.Get("/executions", h.executions)
	r.Post("/rules/{ruleID}/run", h.runRule)
	return r
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.worker.Status())
}

func (h *Handler) executions(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	var logs []database.RuleExecutionLog
	if err := h.db.Order("executed_at DESC").Limit(limit).Find(&logs).Error; err != nil {
		slog.Error("Failed to load execution log", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load execution log")
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

func (h *Handler) runRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "ruleID")

	if err := h.engine.RunRule(r.Context(), ruleID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			writeError(w, http.StatusNotFound, "rule not found")
			return
		}
		slog.Error("Manual rule run failed", "ruleID", ruleID, "error", err)
		writeError(w, http.StatusInternalServerError, "rule execution failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "executed"})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
