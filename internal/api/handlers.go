// Faultstore - Resilient Exception Logging Write Path
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/faultstore

package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/tomtom215/faultstore/internal/coordinator"
	"github.com/tomtom215/faultstore/internal/models"
	"github.com/tomtom215/faultstore/internal/store"
)

type handler struct {
	coord *coordinator.Coordinator
}

// logRequest is the POST /errors payload. ReportedType preserves the
// client's own type rendering; it lands in custom data because the
// record's Type field describes the in-process error value.
type logRequest struct {
	Message              string            `json:"message"`
	ReportedType         string            `json:"type,omitempty"`
	ApplicationName      string            `json:"application_name,omitempty"`
	Source               string            `json:"source,omitempty"`
	AppendFullStackTrace bool              `json:"append_full_stack_trace,omitempty"`
	RollupPerServer      bool              `json:"rollup_per_server,omitempty"`
	CustomData           map[string]string `json:"custom_data,omitempty"`
}

type idsRequest struct {
	IDs []uuid.UUID `json:"ids"`
}

type boolResponse struct {
	Success bool `json:"success"`
}

type listResponse struct {
	Errors []*models.ErrorRecord `json:"errors"`
	Total  int                   `json:"total"`
}

type countResponse struct {
	Count int `json:"count"`
}

type healthResponse struct {
	Healthy        bool   `json:"healthy"`
	FailureMode    bool   `json:"failure_mode"`
	QueueLength    int    `json:"queue_length"`
	LastRetryError string `json:"last_retry_error,omitempty"`
}

func (h *handler) logError(w http.ResponseWriter, r *http.Request) {
	var req logRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	custom := req.CustomData
	if req.ReportedType != "" {
		if custom == nil {
			custom = map[string]string{}
		}
		custom["ReportedType"] = req.ReportedType
	}

	rec := h.coord.Log(errors.New(req.Message), models.RecordOptions{
		ApplicationName:      req.ApplicationName,
		Source:               req.Source,
		AppendFullStackTrace: req.AppendFullStackTrace,
		RollupPerServer:      req.RollupPerServer,
		CustomData:           custom,
	})
	if rec == nil {
		// Filtered or logging disabled.
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (h *handler) listErrors(w http.ResponseWriter, r *http.Request) {
	recs, total, err := h.coord.GetAll(r.Context(), r.URL.Query().Get("application"))
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	if recs == nil {
		recs = []*models.ErrorRecord{}
	}
	writeJSON(w, http.StatusOK, listResponse{Errors: recs, Total: total})
}

func (h *handler) countErrors(w http.ResponseWriter, r *http.Request) {
	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		since = parsed
	}
	n, err := h.coord.GetCount(r.Context(), since, r.URL.Query().Get("application"))
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, countResponse{Count: n})
}

func (h *handler) getError(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	rec, err := h.coord.Get(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "error record not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *handler) deleteError(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	done, err := h.coord.Delete(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, boolResponse{Success: done})
}

func (h *handler) protectError(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	done, err := h.coord.Protect(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, boolResponse{Success: done})
}

func (h *handler) protectMany(w http.ResponseWriter, r *http.Request) {
	ids, ok := parseIDs(w, r)
	if !ok {
		return
	}
	done, err := h.coord.ProtectMany(r.Context(), ids)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, boolResponse{Success: done})
}

func (h *handler) deleteMany(w http.ResponseWriter, r *http.Request) {
	ids, ok := parseIDs(w, r)
	if !ok {
		return
	}
	done, err := h.coord.DeleteMany(r.Context(), ids)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, boolResponse{Success: done})
}

func (h *handler) deleteAll(w http.ResponseWriter, r *http.Request) {
	done, err := h.coord.DeleteAll(r.Context(), r.URL.Query().Get("application"))
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, boolResponse{Success: done})
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Healthy:     h.coord.Test(r.Context()),
		FailureMode: h.coord.InFailureMode(),
		QueueLength: h.coord.QueueLength(),
	}
	if err := h.coord.LastRetryError(); err != nil {
		resp.LastRetryError = err.Error()
	}
	status := http.StatusOK
	if !resp.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid record id")
		return uuid.Nil, false
	}
	return id, true
}

func parseIDs(w http.ResponseWriter, r *http.Request) ([]uuid.UUID, bool) {
	var req idsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return nil, false
	}
	if len(req.IDs) == 0 {
		writeError(w, http.StatusBadRequest, "ids are required")
		return nil, false
	}
	return req.IDs, true
}
