package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/statuscard/statuscard/internal/apperror"
	"github.com/statuscard/statuscard/internal/card"
	"github.com/statuscard/statuscard/internal/middleware"
	"github.com/statuscard/statuscard/internal/presence"
	"github.com/statuscard/statuscard/internal/render"
	"github.com/statuscard/statuscard/internal/supervisor"
)

// Status is the operational snapshot served on /status.
type Status struct {
	Version       string            `json:"version"`
	Connection    supervisor.Status `json:"connection"`
	Pool          *render.Stats     `json:"pool,omitempty"`
	ActiveClients int               `json:"active_clients"`
}

type handlers struct {
	provider presence.Provider
	cards    *card.Builder
	images   render.ImageRenderer // nil when rendering is disabled
	status   func() Status
	logger   *slog.Logger
}

func (h *handlers) presence(w http.ResponseWriter, r *http.Request) {
	p, err := h.provider.Fetch(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *handlers) card(w http.ResponseWriter, r *http.Request) {
	p, err := h.provider.Fetch(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	markup, err := h.cards.Build(p)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	if !wantsImage(r) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-cache")
		_, _ = w.Write([]byte(markup))
		return
	}

	if h.images == nil {
		h.fail(w, r, apperror.NotFound("card", "image rendering is disabled", nil))
		return
	}
	png, err := h.images.Render(r.Context(), markup)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = w.Write(png)
}

func (h *handlers) statusHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.status())
}

// fail logs err and writes the structured error body.
func (h *handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	attrs := []any{
		"path", r.URL.Path,
		"kind", string(apperror.KindOf(err)),
		"request_id", w.Header().Get(middleware.RequestIDHeader),
		"error", err,
	}
	switch apperror.KindOf(err) {
	case apperror.KindNotFound, apperror.KindThrottled:
		h.logger.Debug("request failed", attrs...)
	case apperror.KindUpstreamUnavailable:
		h.logger.Warn("request failed", attrs...)
	default:
		h.logger.Error("request failed", attrs...)
	}
	apperror.Write(w, err)
}

// wantsImage reports whether the card should be rasterized.
func wantsImage(r *http.Request) bool {
	q := r.URL.Query()
	return q.Get("image") == "true" || q.Get("format") == "png"
}

func notFound(w http.ResponseWriter, _ *http.Request) {
	apperror.Write(w, apperror.NotFound("route", "Not Found", nil))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
