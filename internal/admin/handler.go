package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/numrent/numrent/pkg/logging"
)

// Reprocessor runs an on-demand orphan sweep.
type Reprocessor interface {
	ReprocessOrphans(ctx context.Context, since time.Time, limit int) (int, error)
}

const reprocessBatchLimit = 500

// Handler serves the runtime-flag and orphan-reprocess endpoints. Auth is
// the router's concern.
type Handler struct {
	flags       *Flags
	reprocessor Reprocessor
	orphanAge   time.Duration
	logger      *logging.Logger
}

// NewHandler creates the admin handler.
func NewHandler(flags *Flags, reprocessor Reprocessor, orphanAge time.Duration, logger *logging.Logger) *Handler {
	if flags == nil {
		panic("admin: flags are required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	if orphanAge <= 0 {
		orphanAge = 24 * time.Hour
	}
	return &Handler{
		flags:       flags,
		reprocessor: reprocessor,
		orphanAge:   orphanAge,
		logger:      logger.Component("admin"),
	}
}

// toggleRequest requires an explicit boolean so a missing field cannot
// silently disable anything.
type toggleRequest struct {
	Enabled *bool `json:"enabled"`
}

func decodeToggle(w http.ResponseWriter, r *http.Request) (bool, bool) {
	var req toggleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON payload", http.StatusBadRequest)
		return false, false
	}
	if req.Enabled == nil {
		http.Error(w, "enabled is required", http.StatusBadRequest)
		return false, false
	}
	return *req.Enabled, true
}

// SetMaintenance toggles the maintenance gate.
// POST /v1/admin/maintenance
func (h *Handler) SetMaintenance(w http.ResponseWriter, r *http.Request) {
	enabled, ok := decodeToggle(w, r)
	if !ok {
		return
	}
	h.flags.SetMaintenance(enabled)
	h.logger.Info("maintenance flag changed", "enabled", enabled)
	respondJSON(w, http.StatusOK, map[string]bool{"maintenance": enabled})
}

// SetCleanup toggles the retention sweep gate.
// POST /v1/admin/cleanup
func (h *Handler) SetCleanup(w http.ResponseWriter, r *http.Request) {
	enabled, ok := decodeToggle(w, r)
	if !ok {
		return
	}
	h.flags.SetCleanupEnabled(enabled)
	h.logger.Info("cleanup flag changed", "enabled", enabled)
	respondJSON(w, http.StatusOK, map[string]bool{"cleanup_enabled": enabled})
}

// ReprocessOrphans runs one orphan sweep over the retention window.
// POST /v1/admin/orphans/reprocess
func (h *Handler) ReprocessOrphans(w http.ResponseWriter, r *http.Request) {
	if h.reprocessor == nil {
		http.Error(w, "reprocessor not configured", http.StatusServiceUnavailable)
		return
	}
	since := time.Now().Add(-h.orphanAge)
	count, err := h.reprocessor.ReprocessOrphans(r.Context(), since, reprocessBatchLimit)
	if err != nil {
		h.logger.Error("orphan reprocess failed", "error", err)
		http.Error(w, "reprocess failed", http.StatusInternalServerError)
		return
	}
	h.logger.Info("orphan reprocess triggered", "reprocessed", count)
	respondJSON(w, http.StatusOK, map[string]int{"reprocessed": count})
}

func respondJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
