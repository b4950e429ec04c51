package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/basket/clawboard/internal/board"
	"github.com/basket/clawboard/internal/ingest"
	"github.com/basket/clawboard/internal/persistence"
	"github.com/basket/clawboard/internal/reporting"
	"github.com/basket/clawboard/internal/workflow"
)

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"ok": false, "error": msg})
}

// decodeJSON reads the request body into dst. On failure it writes the
// error response and returns false.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	err := json.NewDecoder(r.Body).Decode(dst)
	if err == nil {
		return true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return false
	}
	writeError(w, http.StatusBadRequest, "invalid JSON body")
	return false
}

// pathID parses a positive integer path value. On failure it writes a 400.
func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, name+" must be a positive integer")
		return 0, false
	}
	return id, true
}

// writeDomainError maps service errors onto status codes. Anything
// unrecognised is a 500 with a generic message.
func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		validation *board.ValidationError
		conflict   *workflow.ConflictError
		cycle      *persistence.CycleError
	)
	switch {
	case errors.As(err, &validation):
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": validation.Error(), "field": validation.Field})
	case errors.As(err, &conflict):
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.GateRejections.Add(r.Context(), 1)
		}
		writeJSON(w, http.StatusConflict, map[string]any{"ok": false, "error": conflict.Message, "rule": conflict.Rule})
	case errors.As(err, &cycle):
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": persistence.ErrCycle.Error(), "path": cycle.Path})
	case errors.Is(err, persistence.ErrSelfLoop):
		writeError(w, http.StatusBadRequest, persistence.ErrSelfLoop.Error())
	case errors.Is(err, persistence.ErrStale):
		writeError(w, http.StatusConflict, persistence.ErrStale.Error())
	case errors.Is(err, persistence.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ingest.ErrInvalidBody), errors.Is(err, reporting.ErrInvalidQuery):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.internalError(w, r, err)
	}
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	s.cfg.Logger.ErrorContext(r.Context(), "request failed", "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}
