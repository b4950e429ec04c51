// Package board orchestrates task mutations: it validates input, runs the
// workflow gate against the post-write values and hands the write to the
// store with a compare-and-swap token so nothing changes in between.
package board

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/clawboard/internal/audit"
	"github.com/basket/clawboard/internal/bus"
	"github.com/basket/clawboard/internal/depgraph"
	otelx "github.com/basket/clawboard/internal/otel"
	"github.com/basket/clawboard/internal/persistence"
	"github.com/basket/clawboard/internal/shared"
	"github.com/basket/clawboard/internal/workflow"
)

type Config struct {
	Store  *persistence.Store
	Gate   *workflow.Gate
	Bus    *bus.Bus
	Tracer trace.Tracer
	Logger *slog.Logger
}

type Service struct {
	store  *persistence.Store
	gate   *workflow.Gate
	bus    *bus.Bus
	tracer trace.Tracer
	logger *slog.Logger
}

func New(cfg Config) *Service {
	s := &Service{
		store:  cfg.Store,
		gate:   cfg.Gate,
		bus:    cfg.Bus,
		tracer: cfg.Tracer,
		logger: cfg.Logger,
	}
	if s.tracer == nil {
		s.tracer = nooptrace.NewTracerProvider().Tracer(otelx.TracerName)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// TaskView is a task with its derived blocked state.
type TaskView struct {
	persistence.Task
	depgraph.Summary
}

// CreateInput is a new task as submitted. Empty fields take defaults.
type CreateInput struct {
	Title                string
	Description          string
	Status               string
	Owner                string
	Priority             string
	EstimatedTokenEffort string
	GithubURL            string
	Tags                 []string
	ParentID             *int64
	CreatedBy            string
}

// DependencyView is the dependency panel of a task.
type DependencyView struct {
	BlockedBy []persistence.DependencyRef `json:"blocked_by"`
	Blocking  []persistence.DependencyRef `json:"blocking"`
	depgraph.Summary
}

// PresenceView reports whether an owner is currently live.
type PresenceView struct {
	persistence.Presence
	Active bool `json:"active"`
}

func (s *Service) Policy() workflow.Policy {
	return s.gate.Policy()
}

func (s *Service) view(t *persistence.Task) TaskView {
	return TaskView{Task: *t, Summary: depgraph.Summarize(t.BlockerStatuses, s.gate.Policy().Terminal())}
}

func (s *Service) Create(ctx context.Context, in CreateInput) (*TaskView, error) {
	policy := s.gate.Policy()
	if in.CreatedBy == "" {
		in.CreatedBy = shared.Actor(ctx)
	}
	nt, err := normalizeCreate(policy, in)
	if err != nil {
		return nil, err
	}
	if err := s.checkGate(ctx, 0, workflow.Candidate{Status: nt.Status, Owner: nt.Owner, GithubURL: nt.GithubURL}); err != nil {
		return nil, err
	}
	task, err := s.store.CreateTask(ctx, nt, shared.Actor(ctx))
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "task created", "task_id", task.DisplayID, "status", task.Status, "owner", task.Owner)
	v := s.view(task)
	return &v, nil
}

func (s *Service) Get(ctx context.Context, id int64) (*TaskView, error) {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	v := s.view(task)
	return &v, nil
}

func (s *Service) List(ctx context.Context, f persistence.TaskFilter) ([]TaskView, error) {
	tasks, err := s.store.ListTasks(ctx, f)
	if err != nil {
		return nil, err
	}
	terminal := s.gate.Policy().Terminal()
	out := make([]TaskView, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, TaskView{Task: t, Summary: depgraph.Summarize(t.BlockerStatuses, terminal)})
	}
	return out, nil
}

// Patch applies a partial update. The gate sees the task as it will look
// after the patch; the write only lands if nobody changed the task since
// the gate read it, otherwise persistence.ErrStale is returned.
func (s *Service) Patch(ctx context.Context, id int64, patch persistence.TaskPatch) (*TaskView, []persistence.Change, error) {
	policy := s.gate.Policy()
	patch, err := normalizePatch(policy, patch)
	if err != nil {
		return nil, nil, err
	}

	current, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if touchesGate(patch) {
		after := patch.Apply(*current)
		if err := s.checkGate(ctx, id, workflow.Candidate{Status: after.Status, Owner: after.Owner, GithubURL: after.GithubURL}); err != nil {
			return nil, nil, err
		}
	}

	task, changes, err := s.store.UpdateTask(ctx, id, patch, current.UpdatedAt, shared.Actor(ctx))
	if err != nil {
		return nil, nil, err
	}
	if len(changes) > 0 {
		fields := make([]string, 0, len(changes))
		for _, c := range changes {
			fields = append(fields, c.Field)
		}
		s.logger.InfoContext(ctx, "task updated", "task_id", task.DisplayID, "fields", strings.Join(fields, ","))
	}
	v := s.view(task)
	return &v, changes, nil
}

func (s *Service) Delete(ctx context.Context, id int64) error {
	if err := s.store.DeleteTask(ctx, id); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "task deleted", "id", id)
	return nil
}

func (s *Service) checkGate(ctx context.Context, taskID int64, c workflow.Candidate) error {
	ctx, span := otelx.StartSpan(ctx, s.tracer, "workflow.gate",
		otelx.AttrTaskID.Int64(taskID),
		otelx.AttrStatus.String(c.Status),
		otelx.AttrOwner.String(c.Owner),
	)
	defer span.End()

	err := s.gate.Check(ctx, c)
	var conflict *workflow.ConflictError
	if errors.As(err, &conflict) {
		span.SetAttributes(attribute.String("clawboard.workflow.rule", conflict.Rule))
		span.SetStatus(codes.Error, conflict.Rule)
		audit.Record(ctx, audit.Entry{Decision: audit.DecisionDeny, Action: audit.ActionTaskWrite, Reason: conflict.Rule, Subject: conflict.Message})
		s.bus.Publish(bus.TopicWorkflowConflict, bus.WorkflowConflictEvent{
			TaskID: taskID,
			Rule:   conflict.Rule,
			Status: c.Status,
			Owner:  c.Owner,
		})
		s.logger.WarnContext(ctx, "workflow gate refused write", "rule", conflict.Rule, "status", c.Status, "owner", c.Owner)
	} else if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "presence lookup failed")
	}
	return err
}

func (s *Service) AddComment(ctx context.Context, taskID int64, author, body string) (*persistence.Comment, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, invalid("body", "is required")
	}
	if len(body) > maxCommentLen {
		return nil, invalid("body", "must be at most %d characters", maxCommentLen)
	}
	author = strings.TrimSpace(author)
	if author == "" {
		author = shared.Actor(ctx)
	}
	return s.store.AddComment(ctx, taskID, author, body)
}

func (s *Service) ListComments(ctx context.Context, taskID int64) ([]persistence.Comment, error) {
	return s.store.ListComments(ctx, taskID)
}

func (s *Service) History(ctx context.Context, taskID int64) ([]persistence.HistoryEntry, error) {
	return s.store.ListHistory(ctx, taskID)
}

// AddDependency records "taskID is blocked by blockedBy". Self-loops and
// cycles are audited and announced before the error is returned.
func (s *Service) AddDependency(ctx context.Context, taskID, blockedBy int64) (bool, error) {
	ctx, span := otelx.StartSpan(ctx, s.tracer, "dependency.add",
		otelx.AttrTaskID.Int64(taskID),
		otelx.AttrBlockerID.Int64(blockedBy),
	)
	defer span.End()

	created, err := s.store.AddDependency(ctx, taskID, blockedBy)
	if err == nil {
		if created {
			s.logger.InfoContext(ctx, "dependency added", "task", taskID, "blocked_by", blockedBy)
		}
		return created, nil
	}

	var reason string
	switch {
	case errors.Is(err, persistence.ErrSelfLoop):
		reason = "self_loop"
	case errors.Is(err, persistence.ErrCycle):
		reason = "cycle"
	default:
		span.RecordError(err)
		return false, err
	}
	span.SetStatus(codes.Error, reason)
	audit.Record(ctx, audit.Entry{Decision: audit.DecisionDeny, Action: audit.ActionDependencyAdd, Reason: reason, Subject: err.Error()})
	s.bus.Publish(bus.TopicTaskDependencyDenied, bus.DependencyEvent{TaskID: taskID, BlockedBy: blockedBy, Reason: reason})
	s.logger.WarnContext(ctx, "dependency rejected", "task", taskID, "blocked_by", blockedBy, "reason", reason)
	return false, err
}

func (s *Service) RemoveDependency(ctx context.Context, taskID, blockedBy int64) (bool, error) {
	return s.store.RemoveDependency(ctx, taskID, blockedBy)
}

func (s *Service) Dependencies(ctx context.Context, taskID int64) (*DependencyView, error) {
	deps, err := s.store.ListDependencies(ctx, taskID)
	if err != nil {
		return nil, err
	}
	statuses := make([]string, 0, len(deps.BlockedBy))
	for _, d := range deps.BlockedBy {
		statuses = append(statuses, d.Status)
	}
	return &DependencyView{
		BlockedBy: deps.BlockedBy,
		Blocking:  deps.Blocking,
		Summary:   depgraph.Summarize(statuses, s.gate.Policy().Terminal()),
	}, nil
}

// Heartbeat records presence for a known owner.
func (s *Service) Heartbeat(ctx context.Context, owner, source string) (*PresenceView, error) {
	owner = strings.ToLower(strings.TrimSpace(owner))
	if owner == "" {
		return nil, invalid("owner", "is required")
	}
	if !s.gate.Policy().ValidOwner(owner) {
		return nil, invalid("owner", "unknown owner %q", owner)
	}
	if source == "" {
		source = "api"
	}
	p, err := s.store.Heartbeat(ctx, owner, source)
	if err != nil {
		return nil, err
	}
	return &PresenceView{Presence: *p, Active: true}, nil
}

// Presence lists every owner seen, with liveness judged now.
func (s *Service) Presence(ctx context.Context) ([]PresenceView, error) {
	rows, err := s.store.ListPresence(ctx)
	if err != nil {
		return nil, err
	}
	ttl := s.gate.Policy().PresenceTTL
	now := s.store.Now()
	out := make([]PresenceView, 0, len(rows))
	for _, p := range rows {
		out = append(out, PresenceView{Presence: p, Active: now.Sub(p.LastSeen) <= ttl})
	}
	return out, nil
}

// PruneStalePresence deletes presence rows older than the retention window.
func (s *Service) PruneStalePresence(ctx context.Context, retention time.Duration) (int64, error) {
	n, err := s.store.PrunePresence(ctx, s.store.Now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("prune presence: %w", err)
	}
	return n, nil
}
