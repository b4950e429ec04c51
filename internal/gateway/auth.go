package gateway

import (
	"errors"
	"net/http"
	"strings"

	"github.com/basket/clawboard/internal/audit"
	"github.com/basket/clawboard/internal/auth"
	"github.com/basket/clawboard/internal/shared"
)

const maxActorLen = 64

// requireAuth rejects requests without a live session token or API key when
// credentials are configured, and attaches the acting identity.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor := shared.DefaultActor
		if s.cfg.Auth.Enabled() {
			token := ExtractToken(r)
			if token == "" {
				writeError(w, http.StatusUnauthorized, "missing credentials")
				return
			}
			p, ok := s.cfg.Auth.Authenticate(token)
			if !ok {
				writeError(w, http.StatusUnauthorized, "invalid or expired credentials")
				return
			}
			actor = p.Subject
		}
		if claimed := strings.TrimSpace(r.Header.Get("X-Actor")); claimed != "" && len(claimed) <= maxActorLen {
			actor = claimed
		}
		ctx := shared.WithActor(r.Context(), actor)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ExtractToken reads the credential from the request headers.
// It checks, in order: Authorization: Bearer <token>, X-API-Key header.
func ExtractToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}

type loginRequest struct {
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	session, err := s.cfg.Auth.Login(req.Password)
	switch {
	case errors.Is(err, auth.ErrPasswordDisabled):
		writeError(w, http.StatusNotFound, "password login is not configured")
		return
	case errors.Is(err, auth.ErrInvalidCredentials):
		s.cfg.Logger.WarnContext(r.Context(), "dashboard login failed", "remote", r.RemoteAddr)
		audit.Record(r.Context(), audit.Entry{Decision: audit.DecisionDeny, Action: audit.ActionLogin, Reason: "invalid_password", Subject: clientIP(r)})
		writeError(w, http.StatusUnauthorized, "invalid password")
		return
	case err != nil:
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"ok":         true,
		"token":      session.Token,
		"expires_at": session.ExpiresAt,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if token := ExtractToken(r); token != "" {
		s.cfg.Auth.Logout(token)
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
