package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/JakeFAU/fetchguard/internal/apperr"
	"github.com/JakeFAU/fetchguard/internal/jobs"
)

type historyResponse struct {
	Jobs   []jobs.Summary `json:"jobs"`
	Limit  int            `json:"limit,omitempty"`
	Offset int            `json:"offset"`
}

// listJobs handles GET /v1/jobs?limit=&offset=, newest first.
func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	owner, err := ownerFrom(r)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	limit, offset, err := parseLimitOffset(r)
	if err != nil {
		s.writeAppError(w, r, apperr.New(apperr.CodeInvalidTarget, "%s", err.Error()))
		return
	}
	summaries, err := s.deps.Tracker.GetHistory(r.Context(), owner, limit, offset)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	if summaries == nil {
		summaries = []jobs.Summary{}
	}
	writeJSON(w, http.StatusOK, historyResponse{Jobs: summaries, Limit: limit, Offset: offset})
}

// getJob handles GET /v1/jobs/{job_id}. Jobs of other owners are reported as missing.
func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	view, ok := s.ownedJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// cancelJob handles POST /v1/jobs/{job_id}/cancel. Cancelling a finished job returns its
// current status unchanged.
func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	existing, ok := s.ownedJob(w, r)
	if !ok {
		return
	}
	view, err := s.deps.Tracker.Cancel(r.Context(), existing.ID)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) ownedJob(w http.ResponseWriter, r *http.Request) (*jobs.StatusView, bool) {
	owner, err := ownerFrom(r)
	if err != nil {
		s.writeAppError(w, r, err)
		return nil, false
	}
	jobID := chi.URLParam(r, "job_id")
	view, err := s.lookup(r.Context(), owner, jobID)
	if err != nil {
		s.writeAppError(w, r, err)
		return nil, false
	}
	return view, true
}

func (s *Server) lookup(ctx context.Context, owner, jobID string) (*jobs.StatusView, error) {
	if jobID == "" {
		return nil, apperr.New(apperr.CodeInvalidTarget, "job_id is required")
	}
	view, err := s.deps.Tracker.GetOwnedStatus(ctx, owner, jobID)
	if err != nil {
		return nil, err
	}
	if view == nil {
		return nil, apperr.New(apperr.CodeJobNotFound, "job %s not found", jobID)
	}
	return view, nil
}

// parseLimitOffset reads paging parameters. A zero limit defers to the tracker default.
func parseLimitOffset(r *http.Request) (int, int, error) {
	q := r.URL.Query()
	limit := 0
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}
