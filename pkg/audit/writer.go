package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Writer persists events to policy_audit_events. It is only reached through
// a sink; nothing in the engine reads it back.
type Writer struct {
	DB       auditDB
	HashSalt []byte
	Redact   bool
}

const eventColumns = `id, event_type, occurred_at, tool_name, app_scope, action_type, actor_role, decision, risk_level, rule_ids, reasons, nonce, correlation_id, mode, detail`

func (w *Writer) Append(ctx context.Context, ev Event) error {
	if w.Redact {
		ev = redactEvent(ev, w.HashSalt)
	}
	ruleIDs, _ := json.Marshal(nonNil(ev.RuleIDs))
	reasons, _ := json.Marshal(ev.Reasons)
	detail, _ := json.Marshal(ev.Detail)
	_, err := w.DB.Exec(ctx, `
		INSERT INTO policy_audit_events
		(`+eventColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		ON CONFLICT (id) DO NOTHING
	`, ev.ID, ev.EventType, ev.Timestamp, ev.ToolName, ev.AppScope, ev.ActionType, ev.ActorRole,
		ev.Decision, ev.RiskLevel, json.RawMessage(ruleIDs), json.RawMessage(reasons), ev.Nonce,
		ev.CorrelationID, ev.Mode, json.RawMessage(detail))
	return err
}

// Handler adapts Append for NewAsyncSink.
func (w *Writer) Handler() HandlerFunc { return w.Append }

func (w *Writer) Get(ctx context.Context, id string) (Event, error) {
	row := w.DB.QueryRow(ctx, `SELECT `+eventColumns+` FROM policy_audit_events WHERE id=$1`, id)
	return scanEvent(row)
}

// Since lists persisted events at or after t, oldest first.
func (w *Writer) Since(ctx context.Context, t time.Time, limit int) ([]Event, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	rows, err := w.DB.Query(ctx, `SELECT `+eventColumns+` FROM policy_audit_events WHERE occurred_at >= $1 ORDER BY occurred_at ASC LIMIT $2`, t, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Event{}
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func scanEvent(row pgx.Row) (Event, error) {
	var ev Event
	var ruleIDs, reasons, detail []byte
	if err := row.Scan(&ev.ID, &ev.EventType, &ev.Timestamp, &ev.ToolName, &ev.AppScope, &ev.ActionType, &ev.ActorRole,
		&ev.Decision, &ev.RiskLevel, &ruleIDs, &reasons, &ev.Nonce, &ev.CorrelationID, &ev.Mode, &detail); err != nil {
		return ev, err
	}
	if len(ruleIDs) > 0 {
		_ = json.Unmarshal(ruleIDs, &ev.RuleIDs)
	}
	if len(reasons) > 0 {
		_ = json.Unmarshal(reasons, &ev.Reasons)
	}
	if len(detail) > 0 {
		_ = json.Unmarshal(detail, &ev.Detail)
	}
	return ev, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
