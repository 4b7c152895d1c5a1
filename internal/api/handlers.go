package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/neexbeast/weather-etl/internal/handoff"
	"github.com/neexbeast/weather-etl/internal/pipeline"
	"github.com/neexbeast/weather-etl/internal/storage"
	"github.com/neexbeast/weather-etl/internal/weather"
)

// Handlers holds the dependencies for all HTTP handlers.
type Handlers struct {
	runs RunService
	repo WeatherRepo
	log  *slog.Logger

	// background tracks asynchronous runs started by TriggerRun.
	background sync.WaitGroup
}

// NewHandlers constructs Handlers with all required dependencies.
func NewHandlers(runs RunService, repo WeatherRepo, log *slog.Logger) *Handlers {
	return &Handlers{
		runs: runs,
		repo: repo,
		log:  log,
	}
}

// Wait blocks until every run started in the background has finished.
func (h *Handlers) Wait() {
	h.background.Wait()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// TriggerRun handles POST /api/v1/runs?date=YYYY-MM-DD[&wait=true].
// Without wait the run starts in the background and 202 carries its id.
// With wait the response is the final report: 200 when committed, 502 when
// the run failed or rolled back.
func (h *Handlers) TriggerRun(w http.ResponseWriter, r *http.Request) {
	date := r.URL.Query().Get("date")
	if date == "" {
		date = h.runs.Yesterday()
	}
	if _, err := time.Parse(weather.DateLayout, date); err != nil {
		writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return
	}

	runID := h.runs.NewRunID()

	if r.URL.Query().Get("wait") == "true" {
		rep, err := h.runs.ExecuteRun(r.Context(), runID, date)
		if err != nil {
			h.log.Error("run failed", "run_id", runID, "err", err)
			writeJSON(w, http.StatusBadGateway, rep)
			return
		}
		writeJSON(w, http.StatusOK, rep)
		return
	}

	// The run outlives the request but keeps its values (request id).
	ctx := context.WithoutCancel(r.Context())
	h.background.Add(1)
	go func() {
		defer h.background.Done()
		defer func() {
			if rec := recover(); rec != nil {
				h.log.Error("background run panicked", "run_id", runID, "recover", rec)
			}
		}()
		if _, err := h.runs.ExecuteRun(ctx, runID, date); err != nil {
			h.log.Error("background run failed", "run_id", runID, "err", err)
		}
	}()

	writeJSON(w, http.StatusAccepted, pipeline.Report{RunID: runID, TargetDate: date, State: pipeline.Pending})
}

// GetRun handles GET /api/v1/runs/{runID}.
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	rep, err := h.runs.Status(r.Context(), runID)
	if err != nil {
		if errors.Is(err, handoff.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		h.log.Error("run status failed", "run_id", runID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, rep)
}

// weatherResponse is the latest stored request plus how many runs have been
// loaded for the city in total.
type weatherResponse struct {
	*storage.StoredRequest
	Loads int `json:"loads"`
}

// GetWeather handles GET /api/v1/weather/{city}: the latest persisted request
// for the city with its hourly readings.
func (h *Handlers) GetWeather(w http.ResponseWriter, r *http.Request) {
	city := chi.URLParam(r, "city")

	req, err := h.repo.LatestRequest(r.Context(), city)
	if err != nil {
		h.log.Error("db get failed", "city", city, "err", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if req == nil {
		writeError(w, http.StatusNotFound, "no data loaded for city")
		return
	}

	loads, err := h.repo.CountRequests(r.Context(), city)
	if err != nil {
		h.log.Error("db count failed", "city", city, "err", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, weatherResponse{StoredRequest: req, Loads: loads})
}

// HealthHandlerFunc handles GET /api/v1/health. It pings Postgres and Redis
// and returns 200 when both answer, 503 otherwise.
func HealthHandlerFunc(db, redis pinger, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		status := http.StatusOK
		overall, dbStatus, redisStatus := "ok", "ok", "ok"

		if err := db.Ping(ctx); err != nil {
			log.Error("health check: db ping failed", "err", err)
			dbStatus = "error"
			status = http.StatusServiceUnavailable
		}

		if err := redis.Ping(ctx); err != nil {
			log.Error("health check: redis ping failed", "err", err)
			redisStatus = "error"
			status = http.StatusServiceUnavailable
		}

		if status != http.StatusOK {
			overall = "degraded"
		}
		writeJSON(w, status, map[string]string{
			"status": overall,
			"db":     dbStatus,
			"redis":  redisStatus,
		})
	}
}
