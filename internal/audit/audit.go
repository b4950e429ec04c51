// Package audit keeps an append-only trail of board decisions: gate
// refusals, rejected dependency edges, failed logins and schema migrations.
// Entries go to logs/audit.jsonl and, once SetDB is called, the audit_log table.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/basket/clawboard/internal/shared"
)

const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
)

// Actions.
const (
	ActionTaskWrite     = "task.write"
	ActionDependencyAdd = "task.dependency.add"
	ActionLogin         = "auth.session"
	ActionMigration     = "data.migration"
)

// Entry is one audited decision. Subject names what was acted on, usually a
// display id; Reason is a rule name or short explanation.
type Entry struct {
	Decision string
	Action   string
	Reason   string
	Subject  string
}

type record struct {
	Timestamp string `json:"timestamp"`
	TraceID   string `json:"trace_id"`
	Actor     string `json:"actor"`
	Decision  string `json:"decision"`
	Action    string `json:"action"`
	Reason    string `json:"reason"`
	Subject   string `json:"subject,omitempty"`
}

var (
	mu     sync.Mutex
	sink   io.WriteCloser
	db     *sql.DB
	denies = map[string]int64{}
	now    = time.Now
)

// Init opens <homeDir>/logs/audit.jsonl. Calling it again is a no-op until Close.
func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if sink != nil {
		return nil
	}
	sink = &lumberjack.Logger{
		Filename:   filepath.Join(homeDir, "logs", "audit.jsonl"),
		MaxSize:    20,
		MaxBackups: 10,
	}
	return nil
}

// SetDB mirrors subsequent entries into the audit_log table.
func SetDB(d *sql.DB) {
	mu.Lock()
	defer mu.Unlock()
	db = d
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	db = nil
	if sink == nil {
		return nil
	}
	err := sink.Close()
	sink = nil
	return err
}

// DenyCounts returns refusals per action since startup.
func DenyCounts() map[string]int64 {
	mu.Lock()
	defer mu.Unlock()
	out := make(map[string]int64, len(denies))
	for k, v := range denies {
		out[k] = v
	}
	return out
}

// Record appends e. The trace id and actor come from ctx. It must not run
// inside an open transaction on the same single-connection database.
func Record(ctx context.Context, e Entry) {
	rec := record{
		Timestamp: now().UTC().Format(time.RFC3339Nano),
		TraceID:   shared.TraceID(ctx),
		Actor:     shared.Actor(ctx),
		Decision:  e.Decision,
		Action:    e.Action,
		Reason:    shared.Redact(e.Reason),
		Subject:   shared.Redact(e.Subject),
	}

	mu.Lock()
	defer mu.Unlock()
	if e.Decision == DecisionDeny {
		denies[e.Action]++
	}
	if sink != nil {
		if b, err := json.Marshal(rec); err == nil {
			_, _ = sink.Write(append(b, '\n'))
		}
	}
	if db != nil {
		_, _ = db.ExecContext(context.WithoutCancel(ctx), `
			INSERT INTO audit_log (trace_id, actor, action, decision, reason, subject)
			VALUES (?, ?, ?, ?, ?, ?);
		`, rec.TraceID, rec.Actor, rec.Action, rec.Decision, rec.Reason, rec.Subject)
	}
}
