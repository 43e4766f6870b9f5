package webserver

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/mpataki/feeder/internal/debug"
	"github.com/mpataki/feeder/internal/models"
	"github.com/mpataki/feeder/internal/session"
)

const (
	maxHistory   = 100
	maxBodyBytes = 64 << 10
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		debug.LogKV("webserver", "failed to encode json response", "status", status, "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// decodeJSON reads at most maxBodyBytes into dst. An empty body is only
// accepted when optional is set, leaving dst untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any, optional bool) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	err := json.NewDecoder(r.Body).Decode(dst)
	if err == nil || (optional && errors.Is(err, io.EOF)) {
		return true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return false
	}
	// a bad HH:MM surfaces here through TimeOfDay.UnmarshalText
	writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
	return false
}

func (srv *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Session:      srv.session.Status(),
		Schedule:     srv.scheduler.Config(),
		FeedDefaults: srv.defaultPlan,
	}
	if next := srv.scheduler.NextFire(); !next.IsZero() {
		resp.NextFeed = &next
	}
	if srv.history != nil {
		last, err := srv.history.LastFeed()
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to load last feed")
			return
		}
		resp.LastFeed = last
	}
	writeJSON(w, http.StatusOK, resp)
}

func (srv *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	var req FeedRequest
	if !decodeJSON(w, r, &req, true) {
		return
	}
	plan, err := req.Plan(srv.defaultPlan)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	run, err := srv.session.Start(plan, models.TriggerManual)
	switch {
	case errors.Is(err, session.ErrBusy):
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, models.ErrInvalidPlan):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, FeedResponse{RunID: run.ID, Plan: run.Plan, StartedAt: run.StartedAt})
}

func (srv *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StopResponse{Stopped: srv.session.Stop()})
}

func (srv *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, srv.scheduler.Config())
}

func (srv *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	var update models.ScheduleUpdate
	if !decodeJSON(w, r, &update, false) {
		return
	}

	cfg, err := srv.scheduler.Update(update)
	if err != nil {
		if errors.Is(err, models.ErrInvalidSchedule) || errors.Is(err, models.ErrInvalidPlan) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (srv *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if srv.history == nil {
		writeJSON(w, http.StatusOK, []*models.FeedRecord{})
		return
	}

	limit := maxHistory
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(n, maxHistory)
	}

	feeds, err := srv.history.ListFeeds(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list feeds")
		return
	}
	if feeds == nil {
		feeds = []*models.FeedRecord{}
	}
	writeJSON(w, http.StatusOK, feeds)
}
