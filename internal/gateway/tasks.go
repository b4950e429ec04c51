package gateway

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/basket/clawboard/internal/board"
	"github.com/basket/clawboard/internal/persistence"
)

type createTaskRequest struct {
	Title                string   `json:"title"`
	Description          string   `json:"description"`
	Status               string   `json:"status"`
	Owner                string   `json:"owner"`
	Priority             string   `json:"priority"`
	EstimatedTokenEffort string   `json:"estimated_token_effort"`
	GithubURL            string   `json:"github_url"`
	Tags                 []string `json:"tags"`
	ParentID             *int64   `json:"parent_id"`
}

// patchTaskRequest distinguishes absent fields (nil) from explicit values.
// parent_id is kept raw so that null can clear the parent.
type patchTaskRequest struct {
	Title                *string         `json:"title"`
	Description          *string         `json:"description"`
	Status               *string         `json:"status"`
	Owner                *string         `json:"owner"`
	Priority             *string         `json:"priority"`
	EstimatedTokenEffort *string         `json:"estimated_token_effort"`
	GithubURL            *string         `json:"github_url"`
	Tags                 *[]string       `json:"tags"`
	ParentID             json.RawMessage `json:"parent_id"`
}

func (p patchTaskRequest) toPatch() (persistence.TaskPatch, bool) {
	patch := persistence.TaskPatch{
		Title:                p.Title,
		Description:          p.Description,
		Status:               p.Status,
		Owner:                p.Owner,
		Priority:             p.Priority,
		EstimatedTokenEffort: p.EstimatedTokenEffort,
		GithubURL:            p.GithubURL,
		Tags:                 p.Tags,
	}
	switch raw := bytes.TrimSpace(p.ParentID); {
	case len(raw) == 0:
	case bytes.Equal(raw, []byte("null")):
		patch.ClearParent = true
	default:
		var id int64
		if err := json.Unmarshal(raw, &id); err != nil {
			return patch, false
		}
		patch.ParentID = &id
	}
	return patch, true
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var statuses []string
	for _, v := range q["status"] {
		for _, st := range strings.Split(v, ",") {
			if st = strings.TrimSpace(st); st != "" {
				statuses = append(statuses, st)
			}
		}
	}
	tasks, err := s.cfg.Board.List(r.Context(), persistence.TaskFilter{
		Statuses: statuses,
		Owner:    strings.TrimSpace(q.Get("owner")),
		Priority: strings.TrimSpace(q.Get("priority")),
		Search:   strings.TrimSpace(q.Get("search")),
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "tasks": tasks})
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	task, err := s.cfg.Board.Create(r.Context(), board.CreateInput{
		Title:                req.Title,
		Description:          req.Description,
		Status:               req.Status,
		Owner:                req.Owner,
		Priority:             req.Priority,
		EstimatedTokenEffort: req.EstimatedTokenEffort,
		GithubURL:            req.GithubURL,
		Tags:                 req.Tags,
		ParentID:             req.ParentID,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"ok": true, "task": task})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	task, err := s.cfg.Board.Get(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "task": task})
}

func (s *Server) handlePatchTask(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req patchTaskRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	patch, ok := req.toPatch()
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "parent_id must be an integer or null", "field": "parent_id"})
		return
	}
	task, changes, err := s.cfg.Board.Patch(r.Context(), id, patch)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	fields := make([]string, 0, len(changes))
	for _, c := range changes {
		fields = append(fields, c.Field)
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "task": task, "changed": fields})
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := s.cfg.Board.Delete(r.Context(), id); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type commentRequest struct {
	Author string `json:"author"`
	Body   string `json:"body"`
}

func (s *Server) handleListComments(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	comments, err := s.cfg.Board.ListComments(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "comments": comments})
}

func (s *Server) handleAddComment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req commentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	c, err := s.cfg.Board.AddComment(r.Context(), id, req.Author, req.Body)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"ok": true, "comment": c})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	history, err := s.cfg.Board.History(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "history": history})
}

type dependencyRequest struct {
	BlockedBy json.Number `json:"blocked_by"`
}

func (s *Server) handleListDependencies(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	deps, err := s.cfg.Board.Dependencies(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		OK bool `json:"ok"`
		*board.DependencyView
	}{true, deps})
}

func (s *Server) handleAddDependency(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req dependencyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	blockedBy, err := req.BlockedBy.Int64()
	if err != nil || blockedBy <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "blocked_by must be a positive integer", "field": "blocked_by"})
		return
	}
	created, err := s.cfg.Board.AddDependency(r.Context(), id, blockedBy)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"ok": true, "created": created, "task_id": id, "blocked_by": blockedBy})
}

func (s *Server) handleRemoveDependency(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	blockedBy, ok := pathID(w, r, "blockerId")
	if !ok {
		return
	}
	removed, err := s.cfg.Board.RemoveDependency(r.Context(), id, blockedBy)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "removed": removed})
}
