package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// requireAdmin gates a handler behind HTTP basic auth checked against
// the configured bcrypt hash.
func (h *Handler) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.config.AdminPassword == "" {
			http.Error(w, "admin access not configured", http.StatusForbidden)
			return
		}
		_, pass, ok := r.BasicAuth()
		if !ok || bcrypt.CompareHashAndPassword([]byte(h.config.AdminPassword), []byte(pass)) != nil {
			w.Header().Set("WWW-Authenticate", `Basic realm="memelabel admin"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (h *Handler) handleAdminStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.Stats()
	if err != nil {
		slog.Error("collect completion stats", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	entries, err := h.ledger.Entries()
	if err != nil {
		slog.Warn("read ledger entries", "error", err)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"completion":            stats,
		"aggregate_completions": h.store.Aggregate().Participants(),
		"live_sessions":         h.sessions.Count(),
		"ledger":                entries,
	})
}

func (h *Handler) handleAdminExport(w http.ResponseWriter, r *http.Request) {
	dbPath := r.FormValue("db")
	if dbPath == "" {
		dbPath = filepath.Join(h.config.DataDir, "results.db")
	}

	start := time.Now()
	n, err := h.store.ExportSQLite(dbPath)
	if err != nil {
		slog.Error("export to sqlite", "path", dbPath, "error", err)
		http.Error(w, "export failed", http.StatusInternalServerError)
		return
	}
	slog.Info("exported results", "path", dbPath, "participants", n, "took", time.Since(start))

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success":      true,
		"path":         dbPath,
		"participants": n,
	})
}
