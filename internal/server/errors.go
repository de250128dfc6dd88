package server

import (
	"errors"
	"net/http"

	"github.com/graphnode/graphnode/internal/credits"
	"github.com/graphnode/graphnode/internal/graphdb"
	"github.com/graphnode/graphnode/internal/ingest"
	"github.com/graphnode/graphnode/internal/pathsafe"
	"github.com/graphnode/graphnode/internal/registry"
	"github.com/graphnode/graphnode/internal/repository"
	"github.com/graphnode/graphnode/internal/stagingdb"
)

// writeError maps engine sentinels onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var insufficient *credits.InsufficientCreditsError
	if errors.As(err, &insufficient) {
		writeJSON(w, http.StatusPaymentRequired, map[string]any{
			"error":     "insufficient credits",
			"available": insufficient.Available,
			"required":  insufficient.Required,
		})
		return
	}

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, credits.ErrInsufficientCredits):
		status = http.StatusPaymentRequired
	case errors.Is(err, pathsafe.ErrInvalidArgument):
		status = http.StatusBadRequest
	case errors.Is(err, graphdb.ErrNotFound),
		errors.Is(err, registry.ErrNotFound),
		errors.Is(err, credits.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, graphdb.ErrAlreadyExists):
		status = http.StatusConflict
	case errors.Is(err, graphdb.ErrCapacityExceeded):
		status = http.StatusInsufficientStorage
	case errors.Is(err, credits.ErrReservationExpired),
		errors.Is(err, credits.ErrInactivePool):
		status = http.StatusConflict
	case errors.Is(err, stagingdb.ErrQueryFailed),
		errors.Is(err, repository.ErrQueryFailed),
		errors.Is(err, ingest.ErrRebuildFailed):
		status = http.StatusInternalServerError
	}
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// maybeWriteError writes an error response unless the failure was already
// delivered inside a committed stream.
func (s *Server) maybeWriteError(w http.ResponseWriter, err error) {
	if errors.Is(err, errStreamed) {
		s.log.Warn("stream terminated with error", "error", err)
		return
	}
	s.writeError(w, err)
}
