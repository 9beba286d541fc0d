package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/maltedev/solar-panel-scraper/internal/database"
	"github.com/maltedev/solar-panel-scraper/internal/metrics"
	"github.com/maltedev/solar-panel-scraper/internal/models"
	"github.com/maltedev/solar-panel-scraper/internal/parser"
	"github.com/maltedev/solar-panel-scraper/internal/reparse"
)

const maxRequestBytes = 5 << 20

// Outbox thresholds for the health check.
const (
	pendingWarnThreshold    = 1000
	deadLetterFailThreshold = 100
)

type PanelParser interface {
	ParseRaw(data []byte) (*models.Panel, error)
}

type PanelStore interface {
	GetStoredPanel(ctx context.Context, id string) (*models.StoredPanel, error)
	LatestRawResponse(ctx context.Context, panelID string) (*models.RawResponse, error)
}

type OutboxStats interface {
	Stats(ctx context.Context) (database.RelayStats, error)
}

type Handlers struct {
	parser PanelParser
	store  PanelStore
	outbox OutboxStats
	logger *slog.Logger
	now    func() time.Time
}

// NewHandlers creates the handlers. store and outbox may be nil when the
// server runs without a database; the endpoints that need them then
// answer 503.
func NewHandlers(p PanelParser, store PanelStore, outbox OutboxStats, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		parser: p,
		store:  store,
		outbox: outbox,
		logger: logger.With("component", "api"),
		now:    time.Now,
	}
}

// Parse runs the parser over a posted scraping API response.
func (h *Handlers) Parse(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	panel, err := h.parser.ParseRaw(body)
	metrics.ObserveParse(missingOf(panel), err)

	if err != nil {
		status, code := classifyParseError(err)
		h.logger.Info("parse rejected", "code", code, "error", err)
		h.respondJSON(w, status, models.ParseResult{
			Success:  false,
			ParsedAt: h.now().UTC(),
			Error: &models.Error{
				Code:    code,
				Message: err.Error(),
				Time:    h.now().UTC(),
				ASIN:    missingFieldASIN(err),
			},
		})
		return
	}

	h.respondJSON(w, http.StatusOK, models.ParseResult{
		Panel:    panel,
		Success:  true,
		ParsedAt: h.now().UTC(),
	})
}

// ReparseResponse is the dry-run reconciliation of one stored panel.
type ReparseResponse struct {
	Plan    *reparse.Plan `json:"plan"`
	Changes string        `json:"changes,omitempty"`
	Applied bool          `json:"applied"`
}

// ReparsePanel reconciles a stored panel with a fresh parse of its latest
// raw response. Nothing is written.
func (h *Handlers) ReparsePanel(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		h.respondError(w, http.StatusServiceUnavailable, "database not configured")
		return
	}

	panelID := chi.URLParam(r, "panelID")
	ctx := r.Context()

	stored, err := h.store.GetStoredPanel(ctx, panelID)
	if errors.Is(err, models.ErrPanelNotFound) {
		h.respondError(w, http.StatusNotFound, "panel not found")
		return
	}
	if err != nil {
		h.logger.Error("failed to get panel", "panel_id", panelID, "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to get panel")
		return
	}

	raw, err := h.store.LatestRawResponse(ctx, panelID)
	if errors.Is(err, database.ErrRawResponseNotFound) {
		h.respondError(w, http.StatusNotFound, "no raw response stored for panel")
		return
	}
	if err != nil {
		h.logger.Error("failed to get raw response", "panel_id", panelID, "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to get raw response")
		return
	}

	parsed, err := h.parser.ParseRaw(raw.Payload)
	if err != nil {
		status, _ := classifyParseError(err)
		h.respondError(w, status, err.Error())
		return
	}

	plan := reparse.Reconcile(stored, parsed)
	resp := ReparseResponse{Plan: plan}
	if plan.HasChanges() {
		resp.Changes = reparse.FormatChanges(stored, plan)
	}

	h.respondJSON(w, http.StatusOK, resp)
}

// Health reports the outbox backlog.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	health := map[string]any{"status": "ok"}
	status := http.StatusOK

	if h.outbox != nil {
		stats, err := h.outbox.Stats(r.Context())
		switch {
		case err != nil:
			h.logger.Error("failed to read outbox stats", "error", err)
			health["status"] = "error"
			health["message"] = "outbox unavailable"
			status = http.StatusServiceUnavailable
		case stats.DeadLetter > deadLetterFailThreshold:
			health["status"] = "error"
			health["message"] = "High number of dead letter events"
			status = http.StatusServiceUnavailable
		case stats.Pending > pendingWarnThreshold:
			health["status"] = "warning"
			health["message"] = "High number of pending outbox events"
		}
		if err == nil {
			health["outbox"] = stats
		}
	}

	h.respondJSON(w, status, health)
}

func classifyParseError(err error) (int, string) {
	switch {
	case errors.Is(err, models.ErrInvalidListing):
		return http.StatusBadRequest, "invalid_listing"
	case errors.Is(err, parser.ErrMissingRequiredField):
		return http.StatusUnprocessableEntity, "missing_required_field"
	default:
		return http.StatusUnprocessableEntity, "parse_failed"
	}
}

func missingFieldASIN(err error) string {
	var missing *parser.MissingFieldError
	if errors.As(err, &missing) {
		return missing.ASIN
	}
	return ""
}

func missingOf(panel *models.Panel) []string {
	if panel == nil {
		return nil
	}
	return panel.MissingFields
}

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handlers) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}
