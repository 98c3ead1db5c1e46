package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"agentorch/internal/domain"
	logx "agentorch/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

type scanner interface{ Scan(dest ...any) error }

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// one writer; pragmas below apply to this single connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	for _, pragma := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			log.Warn("sqlite pragma failed", logx.String("pragma", pragma), logx.Err(err))
		}
	}

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- agents ----

const agentCols = `id, name, type, model, description, capabilities, status, performance, created_at, updated_at`

func scanAgent(row scanner) (domain.Agent, error) {
	var (
		a                domain.Agent
		caps, status     string
		perf             sql.NullString
		created, updated int64
	)
	if err := row.Scan(&a.ID, &a.Name, &a.Type, &a.Model, &a.Description, &caps, &status, &perf, &created, &updated); err != nil {
		return domain.Agent{}, err
	}
	a.Status = domain.AgentStatus(status)
	a.CreatedAt, a.UpdatedAt = fromMS(created), fromMS(updated)
	if err := json.Unmarshal([]byte(caps), &a.Capabilities); err != nil {
		return domain.Agent{}, fmt.Errorf("agent %s capabilities: %w", a.ID, err)
	}
	if perf.Valid && perf.String != "" {
		var p domain.PerformanceSnapshot
		if err := json.Unmarshal([]byte(perf.String), &p); err != nil {
			return domain.Agent{}, fmt.Errorf("agent %s performance: %w", a.ID, err)
		}
		a.Performance = &p
	}
	return a, nil
}

func (s *sqliteStore) GetAgent(ctx context.Context, id string) (domain.Agent, error) {
	a, err := scanAgent(s.db.QueryRowContext(ctx, `SELECT `+agentCols+` FROM agents WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Agent{}, domain.NotFound("agent", id)
	}
	return a, err
}

func (s *sqliteStore) ListAgents(ctx context.Context) ([]domain.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+agentCols+` FROM agents ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PutAgent(ctx context.Context, a *domain.Agent) error {
	stampAgent(a, time.Now())
	caps, err := json.Marshal(nonNil(a.Capabilities))
	if err != nil {
		return err
	}
	perf, err := jsonCol(a.Performance)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agents(`+agentCols+`) VALUES(?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, type=excluded.type, model=excluded.model,
		   description=excluded.description, capabilities=excluded.capabilities, status=excluded.status,
		   performance=excluded.performance, updated_at=excluded.updated_at`,
		a.ID, a.Name, a.Type, a.Model, a.Description, string(caps), string(a.Status), perf,
		a.CreatedAt.UnixMilli(), a.UpdatedAt.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) SetAgentStatus(ctx context.Context, id string, status domain.AgentStatus, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE agents SET status = ?, updated_at = ? WHERE id = ?`, string(status), at.UnixMilli(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NotFound("agent", id)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO agent_status_history(agent_id, status, at) VALUES(?,?,?)`,
		id, string(status), at.UnixMilli(),
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) TransitionAgent(ctx context.Context, id string, from, to domain.AgentStatus, at time.Time) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE agents SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), at.UnixMilli(), id, string(from),
	)
	if err != nil {
		return false, err
	}
	if n, err := res.RowsAffected(); err != nil || n != 1 {
		return false, err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO agent_status_history(agent_id, status, at) VALUES(?,?,?)`,
		id, string(to), at.UnixMilli(),
	); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (s *sqliteStore) SetAgentPerformance(ctx context.Context, id string, p domain.PerformanceSnapshot) error {
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE agents SET performance = ? WHERE id = ?`, string(b), id)
	if err != nil {
		return err
	}
	return mustAffect(res, "agent", id)
}

func (s *sqliteStore) StatusHistory(ctx context.Context, agentID string) ([]domain.StatusChange, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT agent_id, status, at FROM agent_status_history WHERE agent_id = ? ORDER BY at, id`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.StatusChange
	for rows.Next() {
		var (
			c      domain.StatusChange
			status string
			at     int64
		)
		if err := rows.Scan(&c.AgentID, &status, &at); err != nil {
			return nil, err
		}
		c.Status, c.At = domain.AgentStatus(status), fromMS(at)
		out = append(out, c)
	}
	return out, rows.Err()
}

// ---- tasks ----

const taskCols = `id, title, description, priority, status, progress, schedule, scheduled_for, is_recurring,
	assigned_to, input, output, last_run, completed_at, created_at, updated_at`

func scanTask(row scanner) (domain.Task, error) {
	var (
		t                                 domain.Task
		priority, status                  string
		schedule, assigned, input, output sql.NullString
		scheduledFor, lastRun, completed  sql.NullInt64
		recurring, created, updated       int64
	)
	if err := row.Scan(&t.ID, &t.Title, &t.Description, &priority, &status, &t.Progress, &schedule, &scheduledFor,
		&recurring, &assigned, &input, &output, &lastRun, &completed, &created, &updated); err != nil {
		return domain.Task{}, err
	}
	t.Priority, t.Status = domain.Priority(priority), domain.TaskStatus(status)
	t.Schedule, t.AssignedTo = schedule.String, assigned.String
	t.IsRecurring = recurring != 0
	t.ScheduledFor, t.LastRun, t.CompletedAt = timePtr(scheduledFor), timePtr(lastRun), timePtr(completed)
	t.CreatedAt, t.UpdatedAt = fromMS(created), fromMS(updated)

	var err error
	if t.Input, err = decodePayload(input); err != nil {
		return domain.Task{}, fmt.Errorf("task %s input: %w", t.ID, err)
	}
	if t.Output, err = decodeOutput(output); err != nil {
		return domain.Task{}, fmt.Errorf("task %s output: %w", t.ID, err)
	}
	return t, nil
}

func (s *sqliteStore) GetTask(ctx context.Context, id string) (domain.Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, domain.NotFound("task", id)
	}
	return t, err
}

func (s *sqliteStore) ListTasks(ctx context.Context, f TaskFilter) ([]domain.Task, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where, args = append(where, "status = ?"), append(args, string(f.Status))
	}
	if f.RecurringOnly {
		where = append(where, "is_recurring = 1 AND schedule IS NOT NULL AND schedule <> ''")
	}
	if !f.DueBy.IsZero() {
		where, args = append(where, "scheduled_for IS NOT NULL AND scheduled_for <= ?"), append(args, f.DueBy.UnixMilli())
	}
	if f.AssignedTo != "" {
		where, args = append(where, "assigned_to = ?"), append(args, f.AssignedTo)
	}
	q := `SELECT ` + taskCols + ` FROM tasks`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PutTask(ctx context.Context, t *domain.Task) error {
	stampTask(t, time.Now())
	output, err := jsonCol(t.Output)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks(`+taskCols+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET title=excluded.title, description=excluded.description,
		   priority=excluded.priority, status=excluded.status, progress=excluded.progress,
		   schedule=excluded.schedule, scheduled_for=excluded.scheduled_for, is_recurring=excluded.is_recurring,
		   assigned_to=excluded.assigned_to, input=excluded.input, output=excluded.output,
		   last_run=excluded.last_run, completed_at=excluded.completed_at, updated_at=excluded.updated_at`,
		t.ID, t.Title, t.Description, string(t.Priority), string(t.Status), t.Progress,
		nullStr(t.Schedule), msPtr(t.ScheduledFor), boolInt(t.IsRecurring), nullStr(t.AssignedTo),
		payloadCol(t.Input), output, msPtr(t.LastRun), msPtr(t.CompletedAt),
		t.CreatedAt.UnixMilli(), t.UpdatedAt.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) ClaimTask(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, last_run = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(domain.TaskRunning), at.UnixMilli(), at.UnixMilli(), id, string(domain.TaskPending),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *sqliteStore) ReleaseTask(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(domain.TaskPending), at.UnixMilli(), id, string(domain.TaskRunning),
	)
	return err
}

func (s *sqliteStore) FinishTask(ctx context.Context, id string, r TaskResult) (bool, error) {
	output, err := jsonCol(r.Output)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, progress = ?, output = COALESCE(?, output), completed_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(r.Status), r.Progress, output, r.CompletedAt.UnixMilli(), r.CompletedAt.UnixMilli(),
		id, string(domain.TaskRunning),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *sqliteStore) RescheduleTask(ctx context.Context, id string, scheduledFor, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, scheduled_for = ?, updated_at = ? WHERE id = ? AND status IN (?, ?)`,
		string(domain.TaskPending), scheduledFor.UnixMilli(), at.UnixMilli(), id,
		string(domain.TaskCompleted), string(domain.TaskFailed),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *sqliteStore) UpdateTaskSchedule(ctx context.Context, id, schedule string, recurring bool, scheduledFor *time.Time, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET schedule = ?, is_recurring = ?, scheduled_for = ?, updated_at = ? WHERE id = ?`,
		nullStr(schedule), boolInt(recurring), msPtr(scheduledFor), at.UnixMilli(), id,
	)
	if err != nil {
		return err
	}
	return mustAffect(res, "task", id)
}

// ---- executions ----

const execCols = `id, agent_id, task_id, status, input, output, duration_ms, error, started_at, completed_at`

func scanExecution(row scanner) (domain.Execution, error) {
	var (
		e                          domain.Execution
		status                     string
		taskID, input, output, msg sql.NullString
		durMS, started             int64
		completed                  sql.NullInt64
	)
	if err := row.Scan(&e.ID, &e.AgentID, &taskID, &status, &input, &output, &durMS, &msg, &started, &completed); err != nil {
		return domain.Execution{}, err
	}
	e.TaskID, e.Status, e.Error = taskID.String, domain.ExecutionStatus(status), msg.String
	e.Duration = time.Duration(durMS) * time.Millisecond
	e.StartedAt, e.CompletedAt = fromMS(started), timePtr(completed)

	var err error
	if e.Input, err = decodePayload(input); err != nil {
		return domain.Execution{}, fmt.Errorf("execution %s input: %w", e.ID, err)
	}
	if e.Output, err = decodeOutput(output); err != nil {
		return domain.Execution{}, fmt.Errorf("execution %s output: %w", e.ID, err)
	}
	return e, nil
}

func (s *sqliteStore) CreateExecution(ctx context.Context, e *domain.Execution) error {
	if e.ID == "" {
		e.ID = newID()
	}
	if e.StartedAt.IsZero() {
		e.StartedAt = time.Now()
	}
	output, err := jsonCol(e.Output)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions(`+execCols+`) VALUES(?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.AgentID, nullStr(e.TaskID), string(e.Status), payloadCol(e.Input), output,
		e.Duration.Milliseconds(), nullStr(e.Error), e.StartedAt.UnixMilli(), msPtr(e.CompletedAt),
	)
	return err
}

func (s *sqliteStore) FinishExecution(ctx context.Context, id string, r domain.ExecutionResult) (bool, error) {
	output, err := jsonCol(r.Output)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET status = ?, output = ?, duration_ms = ?, error = ?, completed_at = ?
		 WHERE id = ? AND status = ?`,
		string(r.Status), output, r.Duration.Milliseconds(), nullStr(r.Error), r.CompletedAt.UnixMilli(),
		id, string(domain.ExecutionRunning),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *sqliteStore) GetExecution(ctx context.Context, id string) (domain.Execution, error) {
	e, err := scanExecution(s.db.QueryRowContext(ctx, `SELECT `+execCols+` FROM executions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Execution{}, domain.NotFound("execution", id)
	}
	return e, err
}

func (s *sqliteStore) ListExecutions(ctx context.Context, f ExecutionFilter) ([]domain.Execution, error) {
	var (
		where []string
		args  []any
	)
	if f.AgentID != "" {
		where, args = append(where, "agent_id = ?"), append(args, f.AgentID)
	}
	if f.TaskID != "" {
		where, args = append(where, "task_id = ?"), append(args, f.TaskID)
	}
	if f.Status != "" {
		where, args = append(where, "status = ?"), append(args, string(f.Status))
	}
	q := `SELECT ` + execCols + ` FROM executions`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY started_at DESC, rowid DESC`
	if f.Limit > 0 {
		q, args = q+` LIMIT ?`, append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AppendLog(ctx context.Context, l *domain.ExecutionLog) error {
	if l.ID == "" {
		l.ID = newID()
	}
	if l.Timestamp.IsZero() {
		l.Timestamp = time.Now()
	}
	meta, err := json.Marshal(l.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO execution_logs(id, execution_id, level, message, metadata, ts) VALUES(?,?,?,?,?,?)`,
		l.ID, l.ExecutionID, string(l.Level), l.Message, string(meta), l.Timestamp.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) ListLogs(ctx context.Context, executionID string) ([]domain.ExecutionLog, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, level, message, metadata, ts FROM execution_logs
		 WHERE execution_id = ? ORDER BY ts, rowid`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.ExecutionLog
	for rows.Next() {
		var (
			l     domain.ExecutionLog
			level string
			meta  sql.NullString
			ts    int64
		)
		if err := rows.Scan(&l.ID, &l.ExecutionID, &level, &l.Message, &meta, &ts); err != nil {
			return nil, err
		}
		l.Level, l.Timestamp = domain.LogLevel(level), fromMS(ts)
		if meta.Valid && meta.String != "" {
			if err := json.Unmarshal([]byte(meta.String), &l.Metadata); err != nil {
				return nil, fmt.Errorf("log %s metadata: %w", l.ID, err)
			}
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// ---- messages ----

func (s *sqliteStore) CreateMessage(ctx context.Context, m *domain.Message) error {
	if m.ID == "" {
		m.ID = newID()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	meta, err := json.Marshal(m.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages(id, agent_id, content, type, metadata, created_at) VALUES(?,?,?,?,?,?)`,
		m.ID, m.AgentID, m.Content, string(m.Type), string(meta), m.CreatedAt.UnixMilli(),
	)
	return err
}

// ---- alerts ----

const alertCols = `id, severity, category, message, created_at, resolved, resolved_at, metadata`

func scanAlert(row scanner) (domain.Alert, error) {
	var (
		a                  domain.Alert
		severity, category string
		created, resolved  int64
		resolvedAt         sql.NullInt64
		meta               sql.NullString
	)
	if err := row.Scan(&a.ID, &severity, &category, &a.Message, &created, &resolved, &resolvedAt, &meta); err != nil {
		return domain.Alert{}, err
	}
	a.Severity, a.Category = domain.AlertSeverity(severity), domain.AlertCategory(category)
	a.CreatedAt, a.Resolved, a.ResolvedAt = fromMS(created), resolved != 0, timePtr(resolvedAt)
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &a.Metadata); err != nil {
			return domain.Alert{}, fmt.Errorf("alert %s metadata: %w", a.ID, err)
		}
	}
	return a, nil
}

func (s *sqliteStore) CreateAlert(ctx context.Context, a *domain.Alert) error {
	if a.ID == "" {
		a.ID = newID()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	meta, err := jsonMap(a.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO alerts(`+alertCols+`) VALUES(?,?,?,?,?,?,?,?)`,
		a.ID, string(a.Severity), string(a.Category), a.Message, a.CreatedAt.UnixMilli(),
		boolInt(a.Resolved), msPtr(a.ResolvedAt), meta,
	)
	return err
}

func (s *sqliteStore) ResolveAlert(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE alerts SET resolved = 1, resolved_at = ? WHERE id = ? AND resolved = 0`, at.UnixMilli(), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *sqliteStore) GetAlert(ctx context.Context, id string) (domain.Alert, error) {
	a, err := scanAlert(s.db.QueryRowContext(ctx, `SELECT `+alertCols+` FROM alerts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Alert{}, domain.NotFound("alert", id)
	}
	return a, err
}

func (s *sqliteStore) ListAlerts(ctx context.Context, f AlertFilter) ([]domain.Alert, error) {
	q := `SELECT ` + alertCols + ` FROM alerts`
	var args []any
	if f.UnresolvedOnly {
		q += ` WHERE resolved = 0`
	}
	q += ` ORDER BY created_at DESC, rowid DESC`
	if f.Limit > 0 {
		q, args = q+` LIMIT ?`, append(args, f.Limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ---- stats ----

func (s *sqliteStore) Stats(ctx context.Context, since time.Time) (Stats, error) {
	st := Stats{
		Agents:     map[domain.AgentStatus]int{},
		Tasks:      map[domain.TaskStatus]int{},
		Executions: map[domain.ExecutionStatus]int{},
	}
	if err := s.groupCount(ctx, "agents", func(k string, n int) { st.Agents[domain.AgentStatus(k)] = n }); err != nil {
		return st, err
	}
	if err := s.groupCount(ctx, "tasks", func(k string, n int) { st.Tasks[domain.TaskStatus(k)] = n }); err != nil {
		return st, err
	}
	if err := s.groupCount(ctx, "executions", func(k string, n int) { st.Executions[domain.ExecutionStatus(k)] = n }); err != nil {
		return st, err
	}

	var avg sql.NullFloat64
	if err := s.db.QueryRowContext(ctx,
		`SELECT AVG(duration_ms) FROM executions WHERE status = ? AND duration_ms > 0`,
		string(domain.ExecutionCompleted),
	).Scan(&avg); err != nil {
		return st, err
	}
	st.AverageExecutionMS = avg.Float64

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN created_at >= ? THEN 1 ELSE 0 END), 0) FROM messages`,
		since.UnixMilli(),
	).Scan(&st.Messages, &st.MessagesSince); err != nil {
		return st, err
	}
	return st, nil
}

func (s *sqliteStore) groupCount(ctx context.Context, table string, set func(string, int)) error {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM `+table+` GROUP BY status`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			k string
			n int
		)
		if err := rows.Scan(&k, &n); err != nil {
			return err
		}
		set(k, n)
	}
	return rows.Err()
}

// ---- dedup ----

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, until.UnixMilli(),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		if _, perr := s.db.ExecContext(pctx, `DELETE FROM dedup WHERE until < ?`, time.Now().UnixMilli()); perr != nil {
			s.log.Debug("dedup prune failed", logx.Err(perr))
		}
		cancel()
	}
	return err
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return fromMS(ms), true, nil
}

func mustAffect(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.NotFound(kind, id)
	}
	return nil
}
