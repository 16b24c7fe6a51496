package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/merchwire/brief-engine/internal/export"
	"github.com/merchwire/brief-engine/internal/model"
	"github.com/merchwire/brief-engine/internal/signal"
	"github.com/merchwire/brief-engine/internal/store"
)

const defaultTopMovers = 10

type handlers struct {
	reader Reader
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("api: encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// serverError logs err and hides it from the client.
func serverError(w http.ResponseWriter, r *http.Request, err error) {
	zap.L().Error("api: request failed",
		zap.String("path", r.URL.Path),
		zap.Error(err),
	)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func dateParam(r *http.Request) (time.Time, error) {
	return model.ParseDay(chi.URLParam(r, "date"))
}

// intQuery reads a non-negative integer query parameter.
func intQuery(r *http.Request, name string, def int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	if err := h.reader.Ping(r.Context()); err != nil {
		zap.L().Warn("api: health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type leaderboardResponse struct {
	Date    string                   `json:"date"`
	Entries []model.LeaderboardEntry `json:"entries"`
}

// leaderboard serves GET /leaderboard/{date}. ?format=csv streams the export
// columns instead of JSON.
func (h *handlers) leaderboard(w http.ResponseWriter, r *http.Request) {
	day, err := dateParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return
	}
	limit, ok := intQuery(r, "limit", 0)
	if !ok {
		writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return
	}

	entries, err := h.reader.ListLeaderboard(r.Context(), day, limit)
	if err != nil {
		serverError(w, r, err)
		return
	}

	switch r.URL.Query().Get("format") {
	case "", "json":
		writeJSON(w, http.StatusOK, leaderboardResponse{Date: model.FormatDay(day), Entries: entries})
	case export.FormatCSV:
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", `attachment; filename="daily-`+model.FormatDay(day)+`.csv"`)
		if err := export.WriteLeaderboardCSV(w, entries); err != nil {
			zap.L().Warn("api: write csv", zap.Error(err))
		}
	default:
		writeError(w, http.StatusBadRequest, "format must be json or csv")
	}
}

type eventsResponse struct {
	Date   string               `json:"date"`
	Events []model.AnomalyEvent `json:"events"`
}

// events serves GET /events/{date} with optional kind, brand_id and limit.
func (h *handlers) events(w http.ResponseWriter, r *http.Request) {
	day, err := dateParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return
	}
	limit, ok := intQuery(r, "limit", 0)
	if !ok {
		writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return
	}
	brandID, ok := intQuery(r, "brand_id", 0)
	if !ok {
		writeError(w, http.StatusBadRequest, "brand_id must be a non-negative integer")
		return
	}

	filter := store.EventFilter{
		Date:    day,
		Kind:    model.EventKind(r.URL.Query().Get("kind")),
		BrandID: int64(brandID),
		Limit:   limit,
	}
	events, err := h.reader.ListEvents(r.Context(), filter)
	if err != nil {
		serverError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, eventsResponse{Date: model.FormatDay(day), Events: events})
}

// topMovers serves GET /leaderboard/{date}/top-movers?n=.
func (h *handlers) topMovers(w http.ResponseWriter, r *http.Request) {
	day, err := dateParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return
	}
	n, ok := intQuery(r, "n", defaultTopMovers)
	if !ok {
		writeError(w, http.StatusBadRequest, "n must be a non-negative integer")
		return
	}

	events, err := h.reader.ListEvents(r.Context(), store.EventFilter{Date: day, Kind: model.EventPriceMover, Limit: 10000})
	if err != nil {
		serverError(w, r, err)
		return
	}
	movers := signal.TopMovers(events, n)
	if movers == nil {
		movers = []model.AnomalyEvent{}
	}
	writeJSON(w, http.StatusOK, eventsResponse{Date: model.FormatDay(day), Events: movers})
}

// listRuns serves GET /runs with optional status, date, limit and offset.
func (h *handlers) listRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.RunFilter{Status: model.RunStatus(q.Get("status"))}

	if raw := q.Get("date"); raw != "" {
		day, err := model.ParseDay(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
			return
		}
		filter.Date = &day
	}
	var ok bool
	if filter.Limit, ok = intQuery(r, "limit", 50); !ok {
		writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return
	}
	if filter.Offset, ok = intQuery(r, "offset", 0); !ok {
		writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
		return
	}

	runs, err := h.reader.ListRuns(r.Context(), filter)
	if err != nil {
		serverError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// getRun serves GET /runs/{id}.
func (h *handlers) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.reader.GetRun(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		serverError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}
