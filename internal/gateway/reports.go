package gateway

import (
	"errors"
	"io"
	"net/http"

	"github.com/basket/clawboard/internal/reporting"
)

type heartbeatRequest struct {
	Owner  string `json:"owner"`
	Source string `json:"source"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	p, err := s.cfg.Board.Heartbeat(r.Context(), req.Owner, req.Source)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "presence": p})
}

func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	rows, err := s.cfg.Board.Presence(r.Context())
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":          true,
		"ttl_seconds": int(s.cfg.Board.Policy().PresenceTTL.Seconds()),
		"presence":    rows,
	})
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "could not read body")
		return
	}
	res, err := s.cfg.Ingest.Ingest(r.Context(), body)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, res.StatusCode(), res)
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	q, err := reporting.ParseQuery(r.URL.Query(), s.cfg.Reports.Now())
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	rep, err := s.cfg.Reports.Report(r.Context(), q)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	recs, err := s.cfg.Reports.Reconcile(r.Context())
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	ok := true
	for _, rec := range recs {
		ok = ok && rec.OK
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": ok, "results": recs})
}
