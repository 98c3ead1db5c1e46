package storage

import (
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"agentorch/internal/domain"
)

// Timestamps are stored as unix milliseconds.

func fromMS(ms int64) time.Time { return time.UnixMilli(ms) }

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMS(v.Int64)
	return &t
}

func msPtr(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// jsonCol encodes a pointer payload; nil stores SQL NULL.
func jsonCol[T any](v *T) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func jsonMap[K comparable, V any](m map[K]V) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func payloadCol(p domain.Payload) any {
	if p.IsEmpty() {
		return nil
	}
	return string(p.Bytes())
}

func decodePayload(v sql.NullString) (domain.Payload, error) {
	if !v.Valid {
		return domain.Payload{}, nil
	}
	return domain.NewPayload([]byte(v.String))
}

func decodeOutput(v sql.NullString) (*domain.ExecutionOutput, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	var out domain.ExecutionOutput
	if err := json.Unmarshal([]byte(v.String), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func stampAgent(a *domain.Agent, now time.Time) {
	if a.ID == "" {
		a.ID = newID()
	}
	if a.Status == "" {
		a.Status = domain.AgentIdle
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
}

func stampTask(t *domain.Task, now time.Time) {
	if t.ID == "" {
		t.ID = newID()
	}
	if t.Status == "" {
		t.Status = domain.TaskPending
	}
	if t.Priority == "" {
		t.Priority = domain.PriorityMedium
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
}
