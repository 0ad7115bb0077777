package api

import (
	"net/http"

	"github.com/kioskworks/locker-core/internal/locker"
)

// scanRequest is the body for POST /scan: an identity presented at a kiosk.
type scanRequest struct {
	OwnerType string `json:"owner_type"`
	OwnerKey  string `json:"owner_key"`

	// Zone restricts automatic assignment and the fallback list to one
	// zone. Empty means the whole site.
	Zone string `json:"zone,omitempty"`
}

// handleScan runs the scan flow: open the identity's existing locker,
// auto-assign a fresh one, or return the manual selection list.
//
// POST /api/v1/scan
func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if req.OwnerKey == "" {
		writeBadRequest(w, "owner_key is required")
		return
	}
	ownerType := locker.OwnerType(req.OwnerType)
	if !ownerType.Valid() {
		writeBadRequest(w, "owner_type must be card, device, or vip")
		return
	}

	result, err := s.assigner.Scan(r.Context(), s.kioskID, ownerType, req.OwnerKey, req.Zone)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// assignRequest is the body for POST /assign: a manual selection.
type assignRequest struct {
	LockerID  int    `json:"locker_id"`
	OwnerType string `json:"owner_type"`
	OwnerKey  string `json:"owner_key"`
}

// handleAssign reserves a chosen locker, pulses it, and confirms
// ownership.
//
// POST /api/v1/assign
func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	var req assignRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if req.LockerID < 1 {
		writeBadRequest(w, "locker_id is required")
		return
	}
	if req.OwnerKey == "" {
		writeBadRequest(w, "owner_key is required")
		return
	}
	ownerType := locker.OwnerType(req.OwnerType)
	if !ownerType.Valid() {
		writeBadRequest(w, "owner_type must be card, device, or vip")
		return
	}

	l, err := s.assigner.Assign(r.Context(), s.kioskID, req.LockerID, ownerType, req.OwnerKey)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, l)
}
