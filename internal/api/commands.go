package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kioskworks/locker-core/internal/command"
)

// enqueueRequest is the body for POST /commands.
type enqueueRequest struct {
	// CommandID is the caller's idempotency key. Required: retrying a
	// request with the same id never duplicates the command.
	CommandID string `json:"command_id"`

	Type       string         `json:"type"`
	Payload    map[string]any `json:"payload,omitempty"`
	MaxRetries int            `json:"max_retries,omitempty"`
}

// knownCommandTypes guards the queue against typo'd types that would
// sit pending forever with no registered handler.
var knownCommandTypes = map[string]bool{
	command.TypeOpenLocker:         true,
	command.TypePulseChannel:       true,
	command.TypeExpireReservations: true,
}

// handleEnqueueCommand adds a command to the durable queue.
//
// POST /api/v1/commands
//
// Returns 201 when the command was created, 200 when the id already
// existed (idempotent replay).
func (s *Server) handleEnqueueCommand(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if req.CommandID == "" {
		writeBadRequest(w, "command_id is required")
		return
	}
	if !knownCommandTypes[req.Type] {
		writeBadRequest(w, "unknown command type: "+req.Type)
		return
	}
	if req.MaxRetries < 0 {
		writeBadRequest(w, "max_retries must not be negative")
		return
	}

	cmd := &command.Command{
		CommandID:  req.CommandID,
		KioskID:    s.kioskID,
		Type:       req.Type,
		Payload:    req.Payload,
		MaxRetries: req.MaxRetries,
	}

	created, err := s.commands.Enqueue(r.Context(), cmd)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	stored, err := s.commands.Get(r.Context(), req.CommandID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, stored)
}

// handleGetCommand returns one command's current state.
//
// GET /api/v1/commands/{id}
func (s *Server) handleGetCommand(w http.ResponseWriter, r *http.Request) {
	commandID := chi.URLParam(r, "id")

	cmd, err := s.commands.Get(r.Context(), commandID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, cmd)
}

// handleCancelCommand withdraws a pending command.
//
// DELETE /api/v1/commands/{id}
func (s *Server) handleCancelCommand(w http.ResponseWriter, r *http.Request) {
	commandID := chi.URLParam(r, "id")

	if err := s.commands.Cancel(r.Context(), commandID); err != nil {
		writeDomainError(w, err)
		return
	}

	cmd, err := s.commands.Get(r.Context(), commandID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, cmd)
}

// handleClearPending cancels every pending command at the site.
//
// DELETE /api/v1/commands
func (s *Server) handleClearPending(w http.ResponseWriter, r *http.Request) {
	cancelled, err := s.commands.ClearPending(r.Context(), s.kioskID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"cancelled": cancelled,
	})
}
