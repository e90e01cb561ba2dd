package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/me/dammer/pkg/model"
)

func parseListOptions(r *http.Request) (model.ListOptions, *model.APIError) {
	opts := model.DefaultListOptions()
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return opts, &model.APIError{Code: model.CodeValidation, Message: "limit must be an integer"}
		}
		opts.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return opts, &model.APIError{Code: model.CodeValidation, Message: "offset must be an integer"}
		}
		opts.Offset = n
	}
	opts.State = q.Get("state")
	if err := opts.Validate(); err != nil {
		var apiErr *model.APIError
		errors.As(err, &apiErr)
		return opts, apiErr
	}
	return opts, nil
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	opts, apiErr := parseListOptions(r)
	if apiErr != nil {
		respondError(w, reqID, http.StatusBadRequest, apiErr)
		return
	}

	runs, total, err := s.store.ListRuns(r.Context(), opts)
	if err != nil {
		respondInternal(w, reqID, err)
		return
	}
	for i, run := range runs {
		if live, ok := s.liveRun(run.ID); ok {
			live.Units = nil
			runs[i] = &live
		}
	}

	respondList(w, reqID, runs, &model.Pagination{
		Total:   total,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
		HasMore: opts.Offset+len(runs) < total,
	})
}

// lookupRun prefers a live report over the stored record.
func (s *Server) lookupRun(w http.ResponseWriter, r *http.Request) (*model.Run, bool) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "runID")

	if live, ok := s.liveRun(id); ok {
		return &live, true
	}
	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		respondInternal(w, reqID, err)
		return nil, false
	}
	if run == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("run", id))
		return nil, false
	}
	return run, true
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, r)
	if !ok {
		return
	}
	respondOK(w, RequestIDFromContext(r.Context()), run)
}

func (s *Server) handleListUnits(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, r)
	if !ok {
		return
	}
	units := run.Units
	if units == nil {
		units = []model.Outcome{}
	}
	respondList(w, RequestIDFromContext(r.Context()), units, &model.Pagination{
		Total: len(units),
		Limit: len(units),
	})
}

func (s *Server) handleDeleteRun(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "runID")

	if _, ok := s.liveRun(id); ok {
		respondError(w, reqID, http.StatusConflict,
			&model.APIError{Code: model.CodeValidation, Message: "run " + id + " is still in progress"})
		return
	}
	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		respondInternal(w, reqID, err)
		return
	}
	if run == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("run", id))
		return
	}
	if err := s.store.DeleteRun(r.Context(), id); err != nil {
		respondInternal(w, reqID, err)
		return
	}
	respondOK(w, reqID, map[string]string{"id": id, "deleted": "true"})
}
