package board

import (
	"fmt"
	"slices"
	"strings"

	"github.com/basket/clawboard/internal/persistence"
	"github.com/basket/clawboard/internal/workflow"
)

var (
	priorities = []string{"high", "medium", "low"}
	efforts    = []string{"unknown", "small", "medium", "large"}
)

const (
	maxTitleLen       = 200
	maxDescriptionLen = 20000
	maxCommentLen     = 10000
	maxTags           = 20
	defaultOwner      = "matt"
)

// ValidationError is malformed input. It is never persisted or retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

func validateTitle(title string) error {
	if title == "" {
		return invalid("title", "is required")
	}
	if len(title) > maxTitleLen {
		return invalid("title", "must be at most %d characters", maxTitleLen)
	}
	return nil
}

func validateEnum(field, value string, allowed []string) error {
	if !slices.Contains(allowed, value) {
		return invalid(field, "must be one of %s", strings.Join(allowed, ", "))
	}
	return nil
}

func validateTags(tags []string) ([]string, error) {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" || slices.Contains(out, t) {
			continue
		}
		out = append(out, t)
	}
	if len(out) > maxTags {
		return nil, invalid("tags", "at most %d tags allowed", maxTags)
	}
	return out, nil
}

// normalizeCreate fills defaults and checks every field of a new task.
func normalizeCreate(p workflow.Policy, in CreateInput) (persistence.NewTask, error) {
	out := persistence.NewTask{
		Title:                strings.TrimSpace(in.Title),
		Description:          in.Description,
		Status:               strings.TrimSpace(in.Status),
		Owner:                strings.TrimSpace(in.Owner),
		Priority:             strings.TrimSpace(in.Priority),
		EstimatedTokenEffort: strings.TrimSpace(in.EstimatedTokenEffort),
		GithubURL:            strings.TrimSpace(in.GithubURL),
		ParentID:             in.ParentID,
		CreatedBy:            strings.TrimSpace(in.CreatedBy),
	}
	if out.Status == "" {
		out.Status = p.Initial()
	}
	if out.Owner == "" {
		out.Owner = defaultOwner
	}
	if out.Priority == "" {
		out.Priority = "medium"
	}
	if out.EstimatedTokenEffort == "" {
		out.EstimatedTokenEffort = "unknown"
	}

	if err := validateTitle(out.Title); err != nil {
		return out, err
	}
	if len(out.Description) > maxDescriptionLen {
		return out, invalid("description", "must be at most %d characters", maxDescriptionLen)
	}
	if err := validateEnum("status", out.Status, p.Statuses); err != nil {
		return out, err
	}
	if err := validateEnum("owner", out.Owner, p.Owners); err != nil {
		return out, err
	}
	if err := validateEnum("priority", out.Priority, priorities); err != nil {
		return out, err
	}
	if err := validateEnum("estimated_token_effort", out.EstimatedTokenEffort, efforts); err != nil {
		return out, err
	}
	tags, err := validateTags(in.Tags)
	if err != nil {
		return out, err
	}
	out.Tags = tags
	return out, nil
}

// normalizePatch trims and checks the fields present in a patch.
func normalizePatch(p workflow.Policy, patch persistence.TaskPatch) (persistence.TaskPatch, error) {
	trim := func(s *string) *string {
		if s == nil {
			return nil
		}
		v := strings.TrimSpace(*s)
		return &v
	}
	patch.Title = trim(patch.Title)
	patch.Status = trim(patch.Status)
	patch.Owner = trim(patch.Owner)
	patch.Priority = trim(patch.Priority)
	patch.EstimatedTokenEffort = trim(patch.EstimatedTokenEffort)
	patch.GithubURL = trim(patch.GithubURL)

	if patch.Title != nil {
		if err := validateTitle(*patch.Title); err != nil {
			return patch, err
		}
	}
	if patch.Description != nil && len(*patch.Description) > maxDescriptionLen {
		return patch, invalid("description", "must be at most %d characters", maxDescriptionLen)
	}
	if patch.Status != nil {
		if err := validateEnum("status", *patch.Status, p.Statuses); err != nil {
			return patch, err
		}
	}
	if patch.Owner != nil {
		if err := validateEnum("owner", *patch.Owner, p.Owners); err != nil {
			return patch, err
		}
	}
	if patch.Priority != nil {
		if err := validateEnum("priority", *patch.Priority, priorities); err != nil {
			return patch, err
		}
	}
	if patch.EstimatedTokenEffort != nil {
		if err := validateEnum("estimated_token_effort", *patch.EstimatedTokenEffort, efforts); err != nil {
			return patch, err
		}
	}
	if patch.Tags != nil {
		tags, err := validateTags(*patch.Tags)
		if err != nil {
			return patch, err
		}
		patch.Tags = &tags
	}
	return patch, nil
}

// touchesGate reports whether a patch changes a field the gate evaluates.
func touchesGate(patch persistence.TaskPatch) bool {
	return patch.Status != nil || patch.Owner != nil || patch.GithubURL != nil
}
