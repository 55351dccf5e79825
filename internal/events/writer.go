package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"prototypia/internal/domain"
)

const (
	ProfileLogin     = "profile.login"
	ProfileLogout    = "profile.logout"
	AttemptStarted   = "attempt.started"
	AttemptAnalyzed  = "attempt.analyzed"
	AttemptExited    = "attempt.exited"
	ProgressUpdated  = "progress.updated"
	ReportRendered   = "report.rendered"
	ReportFailed     = "report.failed"
	defaultTailLimit = 20
)

// Writer appends audit rows to the events table. A Writer without a DB
// drops events, which is what a memory-only session gets.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, evtType, userKey, entityKind, entityID string, payload EventPayload) error {
	if w.DB == nil {
		return nil
	}
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = w.DB.ExecContext(ctx, `INSERT INTO events(ts,type,user_key,entity_kind,entity_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, evtType, nullable(userKey), entityKind, nullable(entityID), string(data))
	return err
}

// Latest returns the newest events first, optionally filtered by user and type.
func (w Writer) Latest(ctx context.Context, limit int, userKey, evtType string) ([]domain.Event, error) {
	if w.DB == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = defaultTailLimit
	}
	clauses := []string{"1=1"}
	var args []any
	if userKey != "" {
		clauses = append(clauses, "user_key=?")
		args = append(args, userKey)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(user_key,''),entity_kind,COALESCE(entity_id,''),payload_json FROM events WHERE %s ORDER BY id DESC LIMIT ?`,
		strings.Join(clauses, " AND "))
	args = append(args, limit)
	rows, err := w.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.UserKey, &e.EntityKind, &e.EntityID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
