package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kioskworks/locker-core/internal/locker"
)

// lockerID extracts and validates the {id} route parameter.
func lockerID(r *http.Request) (int, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil || id < 1 {
		return 0, false
	}
	return id, true
}

// handleListLockers returns the site's lockers, optionally filtered by status.
//
// GET /api/v1/lockers?status=free
func (s *Server) handleListLockers(w http.ResponseWriter, r *http.Request) {
	lockers, err := s.lockers.List(r.Context(), s.kioskID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if status := r.URL.Query().Get("status"); status != "" {
		if !locker.Status(status).Valid() {
			writeBadRequest(w, "unknown status: "+status)
			return
		}
		filtered := make([]locker.Locker, 0, len(lockers))
		for _, l := range lockers {
			if l.Status == locker.Status(status) {
				filtered = append(filtered, l)
			}
		}
		lockers = filtered
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"lockers": lockers,
		"count":   len(lockers),
	})
}

// handleGetLocker returns one locker record.
//
// GET /api/v1/lockers/{id}
func (s *Server) handleGetLocker(w http.ResponseWriter, r *http.Request) {
	id, ok := lockerID(r)
	if !ok {
		writeBadRequest(w, "invalid locker id")
		return
	}

	l, err := s.lockers.Get(r.Context(), s.kioskID, id)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, l)
}

// openRequest is the body for POST /lockers/{id}/open.
type openRequest struct {
	// OwnerKey must match the holder; empty means a staff open.
	OwnerKey string `json:"owner_key"`
}

// handleOpenLocker pulses a locker already held by an identity.
//
// POST /api/v1/lockers/{id}/open
func (s *Server) handleOpenLocker(w http.ResponseWriter, r *http.Request) {
	id, ok := lockerID(r)
	if !ok {
		writeBadRequest(w, "invalid locker id")
		return
	}

	var req openRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	l, err := s.assigner.Open(r.Context(), s.kioskID, id, req.OwnerKey)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, l)
}

// handleConfirmOwnership transitions a reserved locker to owned without
// a pulse. Used when the caller drove the hardware itself, e.g. after a
// manual-fallback selection where staff opened the door.
//
// POST /api/v1/lockers/{id}/confirm
func (s *Server) handleConfirmOwnership(w http.ResponseWriter, r *http.Request) {
	id, ok := lockerID(r)
	if !ok {
		writeBadRequest(w, "invalid locker id")
		return
	}

	l, err := s.lockers.ConfirmOwnership(r.Context(), s.kioskID, id)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, l)
}

// releaseRequest is the body for POST /lockers/{id}/release.
type releaseRequest struct {
	// OwnerKey must match the holder; empty means a staff force-release.
	OwnerKey string `json:"owner_key"`
}

// handleReleaseLocker returns a held locker to Free.
//
// POST /api/v1/lockers/{id}/release
func (s *Server) handleReleaseLocker(w http.ResponseWriter, r *http.Request) {
	id, ok := lockerID(r)
	if !ok {
		writeBadRequest(w, "invalid locker id")
		return
	}

	var req releaseRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	l, err := s.lockers.Release(r.Context(), s.kioskID, id, req.OwnerKey)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, l)
}

// staffRequest carries the acting staff user for block/unblock.
type staffRequest struct {
	StaffUser string `json:"staff_user"`
}

// handleBlockLocker removes a locker from service.
//
// POST /api/v1/lockers/{id}/block
func (s *Server) handleBlockLocker(w http.ResponseWriter, r *http.Request) {
	id, ok := lockerID(r)
	if !ok {
		writeBadRequest(w, "invalid locker id")
		return
	}

	var req staffRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if req.StaffUser == "" {
		writeBadRequest(w, "staff_user is required")
		return
	}

	l, err := s.lockers.Block(r.Context(), s.kioskID, id, req.StaffUser)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, l)
}

// handleUnblockLocker returns a blocked locker to service.
//
// POST /api/v1/lockers/{id}/unblock
func (s *Server) handleUnblockLocker(w http.ResponseWriter, r *http.Request) {
	id, ok := lockerID(r)
	if !ok {
		writeBadRequest(w, "invalid locker id")
		return
	}

	var req staffRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if req.StaffUser == "" {
		writeBadRequest(w, "staff_user is required")
		return
	}

	l, err := s.lockers.Unblock(r.Context(), s.kioskID, id, req.StaffUser)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, l)
}

// handleListEvents returns the locker event log, most recent first.
//
// GET /api/v1/events?locker_id=17&type=released&limit=50&offset=0
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	filter := locker.EventFilter{
		Type: r.URL.Query().Get("type"),
	}

	if v := r.URL.Query().Get("locker_id"); v != "" {
		id, err := strconv.Atoi(v)
		if err != nil || id < 1 {
			writeBadRequest(w, "invalid locker_id")
			return
		}
		filter.LockerID = id
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeBadRequest(w, "invalid limit")
			return
		}
		filter.Limit = n
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeBadRequest(w, "invalid offset")
			return
		}
		filter.Offset = n
	}

	result, err := s.lockers.Events(r.Context(), s.kioskID, filter)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// decodeBody decodes a JSON request body. An empty body decodes to the
// zero value so handlers with all-optional fields accept bare POSTs.
func decodeBody(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
