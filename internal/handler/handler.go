// Package handler implements the study's HTTP surface: the linear stage
// flow a participant's browser walks through, label submission, the
// comparison summary, and the monitoring endpoints.
package handler

import (
	"embed"
	"encoding/json"
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"path"
	"runtime"
	"strings"

	"github.com/go-chi/chi/v5"

	appI18n "github.com/deehuihan/memelabel/internal/i18n"
	"github.com/deehuihan/memelabel/internal/model"
	"github.com/deehuihan/memelabel/internal/store"
	"github.com/deehuihan/memelabel/internal/stimulus"
)

//go:embed templates/*.html
var templateFS embed.FS

// Stage names used both as session gate flags and ledger action suffixes.
const (
	stageIntroduction = "introduction"
	stageConsent      = "consent"
	stageTerms        = "terms"
	stageInstruction1 = "instruction1"
	stageInstruction2 = "instruction2"
	stagePractice     = "practice"
	stageGame         = "game"
)

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	store    *store.Store
	ledger   *store.Ledger
	sessions *Sessions
	selector *stimulus.Selector
	config   model.StudyConfig
	tmpl     *template.Template
}

// New creates a Handler with parsed templates.
func New(s *store.Store, l *store.Ledger, sel *stimulus.Selector, cfg model.StudyConfig) (*Handler, error) {
	tmpl, err := template.ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, err
	}
	return &Handler{
		store:    s,
		ledger:   l,
		sessions: NewSessions(),
		selector: sel,
		config:   cfg,
		tmpl:     tmpl,
	}, nil
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/", h.handleIntroduction)
	r.Post("/", h.handleIntroduction)
	r.Get("/consent", h.handleConsent)
	r.Post("/consent", h.handleConsent)
	r.Get("/terms", h.handleTerms)
	r.Post("/terms", h.handleTerms)
	r.Get("/instruction1", h.handleInstruction1)
	r.Post("/instruction1", h.handleInstruction1)
	r.Get("/instruction2", h.handleInstruction2)
	r.Post("/instruction2", h.handleRegister)
	r.Get("/practice", h.handlePractice)
	r.Get("/game/{participant}", h.handleGame)
	r.Post("/label/{participant}", h.handleLabel)
	r.Get("/summary/{participant}", h.handleSummary)
	r.Post("/email/{participant}", h.handleEmail)

	r.Get("/images/game/*", h.serveGameImage)
	r.Get("/images/practice/*", h.servePracticeImage)

	r.Get("/health", h.handleHealth)

	r.Get("/admin/stats", h.requireAdmin(h.handleAdminStats))
	r.Post("/admin/export", h.requireAdmin(h.handleAdminExport))
}

// pageData is what every template receives. T resolves a translation in
// the request's language.
type pageData struct {
	T           func(string) string
	Participant string
	Error       string
	Images      []string
	Emotions    []model.Emotion
	Summary     *store.SummaryResult
}

func (h *Handler) render(w http.ResponseWriter, r *http.Request, name string, data pageData) {
	if data.T == nil {
		ctx := r.Context()
		data.T = func(id string) string { return appI18n.T(ctx, id) }
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := h.tmpl.ExecuteTemplate(w, name, data); err != nil {
		slog.Error("render error", "template", name, "error", err)
	}
}

func (h *Handler) renderError(w http.ResponseWriter, r *http.Request, msgID string) {
	h.render(w, r, "error.html", pageData{Error: msgID})
}

// track records a ledger action for the session's participant handle,
// generating the handle on first use so pre-registration activity is
// attributed to the eventual participant id.
func (h *Handler) track(s *Session, action string) {
	if s.ParticipantID == "" {
		handle, err := ParticipantHandle()
		if err != nil {
			slog.Error("generate participant handle", "error", err)
			return
		}
		s.ParticipantID = handle
	}
	key := s.CurrentName
	if key == "" {
		key = s.ParticipantID
	}
	if err := h.ledger.RecordAction(key, action); err != nil {
		slog.Warn("ledger update failed", "participant", s.ParticipantID, "action", action, "error", err)
	}
}

func (h *Handler) handleIntroduction(w http.ResponseWriter, r *http.Request) {
	// The introduction always starts a fresh run.
	if old := h.currentSession(r); old != nil {
		h.sessions.Delete(old.Token)
	}
	s := h.session(w, r)
	s.Stages[stageIntroduction] = true
	h.track(s, "visited_introduction")

	if r.Method == http.MethodPost {
		http.Redirect(w, r, "/consent", http.StatusSeeOther)
		return
	}
	h.render(w, r, "introduction.html", pageData{})
}

// stagePage builds a GET/POST handler for one of the static consent-flow
// stages: gate on the previous stage, mark this one visited, advance on
// POST.
func (h *Handler) stagePage(stage, prevStage, tmplName, nextPath string, postGuard func(*http.Request) bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if completed(r) {
			h.renderError(w, r, "error.completed")
			return
		}
		s := h.currentSession(r)
		if s == nil || !s.Stages[prevStage] {
			http.Redirect(w, r, "/", http.StatusSeeOther)
			return
		}
		s.Stages[stage] = true
		h.track(s, "visited_"+stage)

		if r.Method == http.MethodPost {
			if postGuard != nil && !postGuard(r) {
				h.render(w, r, tmplName, pageData{})
				return
			}
			http.Redirect(w, r, nextPath, http.StatusSeeOther)
			return
		}
		h.render(w, r, tmplName, pageData{})
	}
}

func (h *Handler) handleConsent(w http.ResponseWriter, r *http.Request) {
	h.stagePage(stageConsent, stageIntroduction, "consent.html", "/terms", nil)(w, r)
}

func (h *Handler) handleTerms(w http.ResponseWriter, r *http.Request) {
	h.stagePage(stageTerms, stageConsent, "terms.html", "/instruction1", func(r *http.Request) bool {
		return r.FormValue("accept_terms") != ""
	})(w, r)
}

func (h *Handler) handleInstruction1(w http.ResponseWriter, r *http.Request) {
	h.stagePage(stageInstruction1, stageTerms, "instruction1.html", "/instruction2", nil)(w, r)
}

func (h *Handler) handleInstruction2(w http.ResponseWriter, r *http.Request) {
	if completed(r) {
		h.renderError(w, r, "error.completed")
		return
	}
	s := h.currentSession(r)
	if s == nil || !s.Stages[stageInstruction1] {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	s.Stages[stageInstruction2] = true
	h.track(s, "visited_"+stageInstruction2)
	h.render(w, r, "instruction2.html", pageData{Participant: s.ParticipantID})
}

// handleRegister processes the demographics form: it creates the
// participant record, selects the stimulus set, and moves the session to
// the practice stage.
func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	if completed(r) {
		h.renderError(w, r, "error.completed")
		return
	}
	s := h.currentSession(r)
	if s == nil || !s.Stages[stageInstruction1] {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	s.Stages[stageInstruction2] = true

	age := strings.TrimSpace(r.FormValue("age"))
	gender := strings.TrimSpace(r.FormValue("gender"))
	if custom := strings.TrimSpace(r.FormValue("custom_gender")); gender == "custom" && custom != "" {
		gender = custom
	}
	if age == "" || gender == "" {
		h.render(w, r, "instruction2.html", pageData{
			Participant: s.ParticipantID,
			Error:       "registration.missing",
		})
		return
	}

	if s.ParticipantID == "" {
		handle, err := ParticipantHandle()
		if err != nil {
			slog.Error("generate participant handle", "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		s.ParticipantID = handle
	}

	demo := model.Demographics{
		Age:       age,
		Gender:    gender,
		UserAgent: r.UserAgent(),
		IP:        clientIP(r),
	}

	created, err := h.store.Create(s.ParticipantID, demo)
	if err != nil {
		slog.Error("create participant record", "participant", s.ParticipantID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !created {
		// A stale handle collided with an existing record: mint a fresh
		// one and fold the old ledger history into it.
		old := s.ParticipantID
		handle, err := ParticipantHandle()
		if err != nil {
			slog.Error("generate participant handle", "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		s.ParticipantID = handle
		if err := h.ledger.Merge(old, handle); err != nil {
			slog.Warn("merge ledger history", "old", old, "new", handle, "error", err)
		}
		if _, err := h.store.Create(handle, demo); err != nil {
			slog.Error("create participant record", "participant", handle, "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
	}

	s.Registered = true
	s.CurrentName = s.ParticipantID
	s.Age, s.Gender = age, gender

	order, err := h.selector.SelectGameSet()
	if err != nil {
		slog.Error("select stimulus set", "participant", s.ParticipantID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.StimulusOrder = order

	h.track(s, "user_initialized")
	http.Redirect(w, r, "/practice", http.StatusSeeOther)
}

func (h *Handler) handlePractice(w http.ResponseWriter, r *http.Request) {
	if completed(r) {
		h.renderError(w, r, "error.completed")
		return
	}
	s := h.currentSession(r)
	if s == nil || !s.Stages[stageInstruction2] || !s.Registered {
		http.Redirect(w, r, "/instruction2", http.StatusSeeOther)
		return
	}
	s.Stages[stagePractice] = true

	images, err := stimulus.ListImages(h.config.PracticeDir)
	if err != nil {
		slog.Warn("list practice images", "error", err)
	}

	h.updateRecord(s, model.EventPracticeStarted, store.UpdateData{})
	h.track(s, "practice_page_visited")

	h.render(w, r, "practice.html", pageData{
		Participant: s.ParticipantID,
		Images:      images,
		Emotions:    model.Emotions,
	})
}

func (h *Handler) handleGame(w http.ResponseWriter, r *http.Request) {
	if completed(r) {
		h.renderError(w, r, "error.completed")
		return
	}
	s := h.currentSession(r)
	if s == nil || !s.Stages[stagePractice] {
		http.Redirect(w, r, "/practice", http.StatusSeeOther)
		return
	}
	if !h.ownsParticipant(s, chi.URLParam(r, "participant")) {
		writeJSONError(w, http.StatusForbidden, "unauthorized")
		return
	}
	s.Stages[stageGame] = true

	if len(s.StimulusOrder) == 0 {
		order, err := h.selector.SelectGameSet()
		if err != nil {
			slog.Error("select stimulus set", "participant", s.ParticipantID, "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		s.StimulusOrder = order
	}

	h.updateRecord(s, model.EventGameStarted, store.UpdateData{StimulusOrder: s.StimulusOrder})
	h.track(s, "game_started")

	h.render(w, r, "game.html", pageData{
		Participant: s.ParticipantID,
		Images:      s.StimulusOrder,
		Emotions:    model.Emotions,
	})
}

// labelAck tells the client whether its label actually reached disk, so a
// failed save is distinguishable from a failed acknowledgement.
type labelAck struct {
	Success bool   `json:"success"`
	Saved   bool   `json:"saved"`
	Message string `json:"message,omitempty"`
}

func (h *Handler) handleLabel(w http.ResponseWriter, r *http.Request) {
	s := h.currentSession(r)
	if s == nil || !h.ownsParticipant(s, chi.URLParam(r, "participant")) {
		writeJSONError(w, http.StatusForbidden, "unauthorized")
		return
	}

	var payload model.LabelPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if payload.Stimulus == "" || payload.Label == "" || payload.ResponseTime == "" {
		writeJSONError(w, http.StatusBadRequest, "missing parameters")
		return
	}

	err := h.store.Update(s.CurrentName, model.EventImageLabeled, store.UpdateData{Label: &payload})
	if err != nil {
		slog.Error("record label", "participant", s.ParticipantID, "stimulus", payload.Stimulus, "error", err)
		status := http.StatusInternalServerError
		if errors.Is(err, store.ErrNotFound) {
			status = http.StatusNotFound
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(labelAck{Success: false, Saved: false, Message: "label not saved"})
		return
	}
	h.track(s, "image_labeled")

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(labelAck{Success: true, Saved: true})
}

func (h *Handler) handleSummary(w http.ResponseWriter, r *http.Request) {
	s := h.currentSession(r)
	if s == nil || !s.Stages[stagePractice] {
		http.Redirect(w, r, "/practice", http.StatusSeeOther)
		return
	}
	if !h.ownsParticipant(s, chi.URLParam(r, "participant")) {
		writeJSONError(w, http.StatusForbidden, "unauthorized")
		return
	}
	h.track(s, "visited_summary")

	h.updateRecord(s, model.EventGameCompleted, store.UpdateData{})
	h.updateRecord(s, model.EventSummaryViewed, store.UpdateData{})

	// Reaching the summary makes the record provisionally complete even
	// if the participant never leaves contact details.
	if newName, err := h.store.RenameOnMilestone(s.CurrentName, store.MilestoneReachedSummary); err != nil {
		slog.Error("rename on summary", "participant", s.ParticipantID, "error", err)
	} else {
		s.CurrentName = newName
	}

	rec, err := h.store.Read(s.CurrentName)
	if err != nil {
		slog.Error("read record for summary", "participant", s.ParticipantID, "error", err)
		h.renderError(w, r, "error.retry")
		return
	}
	summary := h.store.Summarize(rec)

	h.setCompletionCookie(w)
	h.render(w, r, "summary.html", pageData{
		Participant: s.ParticipantID,
		Summary:     &summary,
		Emotions:    model.Emotions,
	})
}

func (h *Handler) handleEmail(w http.ResponseWriter, r *http.Request) {
	s := h.currentSession(r)
	if s == nil || !h.ownsParticipant(s, chi.URLParam(r, "participant")) {
		writeJSONError(w, http.StatusForbidden, "unauthorized")
		return
	}

	email := strings.TrimSpace(r.FormValue("email"))
	if email == "" {
		writeJSONError(w, http.StatusBadRequest, "email is required")
		return
	}
	participation := r.FormValue("participation") == "yes"

	h.track(s, "saved_email")

	err := h.store.Update(s.CurrentName, model.EventEmailSubmitted, store.UpdateData{
		Email:         email,
		Participation: participation,
	})
	if err != nil {
		slog.Error("save email", "participant", s.ParticipantID, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "failed to save email")
		return
	}

	if newName, err := h.store.RenameOnMilestone(s.CurrentName, store.MilestoneEmailSubmitted); err != nil {
		slog.Error("rename on email", "participant", s.ParticipantID, "error", err)
	} else {
		s.CurrentName = newName
	}

	h.setCompletionCookie(w)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success":        true,
		"saved":          true,
		"final_filename": s.CurrentName,
	})
}

func (h *Handler) serveGameImage(w http.ResponseWriter, r *http.Request) {
	h.serveImage(w, r, h.config.StimulusDir)
}

func (h *Handler) servePracticeImage(w http.ResponseWriter, r *http.Request) {
	h.serveImage(w, r, h.config.PracticeDir)
}

// serveImage serves a stimulus file from under root, routing the
// attention_check/ prefix to the attention pool directory.
func (h *Handler) serveImage(w http.ResponseWriter, r *http.Request, root string) {
	rel := chi.URLParam(r, "*")
	clean := path.Clean("/" + rel)
	if strings.Contains(clean, "..") {
		http.NotFound(w, r)
		return
	}
	if strings.HasPrefix(strings.TrimPrefix(clean, "/"), stimulus.AttentionPrefix) {
		name := strings.TrimPrefix(strings.TrimPrefix(clean, "/"), stimulus.AttentionPrefix)
		http.ServeFile(w, r, path.Join(h.config.AttentionDir, name))
		return
	}
	http.ServeFile(w, r, path.Join(root, clean))
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	recordCount, err := h.store.RecordCount()
	if err != nil {
		slog.Warn("count records for health", "error", err)
		recordCount = -1
	}
	ledgerSize, err := h.ledger.Size()
	if err != nil {
		slog.Warn("read ledger for health", "error", err)
		ledgerSize = -1
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":                "healthy",
		"record_files":          recordCount,
		"ledger_entries":        ledgerSize,
		"live_sessions":         h.sessions.Count(),
		"aggregate_completions": h.store.Aggregate().Participants(),
		"memory_alloc_mb":       float64(mem.Alloc) / 1024 / 1024,
		"memory_sys_mb":         float64(mem.Sys) / 1024 / 1024,
	})
}

// updateRecord applies an event to the session's record, logging and
// continuing on failure: a dropped update is not retried.
func (h *Handler) updateRecord(s *Session, event model.Event, data store.UpdateData) {
	if s.CurrentName == "" {
		return
	}
	if err := h.store.Update(s.CurrentName, event, data); err != nil {
		slog.Warn("record update failed", "participant", s.ParticipantID, "event", event, "error", err)
	}
}

// ownsParticipant checks a URL participant handle against the session,
// accepting both the stable id and the current (possibly renamed)
// filename.
func (h *Handler) ownsParticipant(s *Session, participant string) bool {
	if participant == "" || !s.Registered {
		return false
	}
	return participant == s.ParticipantID || participant == s.CurrentName
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// clientIP extracts the client address, honoring the usual proxy headers.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	if real := r.Header.Get("X-Real-IP"); real != "" {
		return strings.TrimSpace(real)
	}
	host := r.RemoteAddr
	if i := strings.LastIndex(host, ":"); i > 0 {
		host = host[:i]
	}
	return host
}
