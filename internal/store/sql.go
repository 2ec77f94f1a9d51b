package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/lybic/agent/internal/task"
)

// SQL is the database-backed store. The DSN selects the driver: postgres://
// URLs use pgx, everything else is treated as a SQLite path.
type SQL struct {
	db     *sql.DB
	driver string
	logger *zap.SugaredLogger
}

// migrations are applied in order; version n is migrations[n-1]. Types are
// the portable intersection of Postgres and SQLite. Timestamps are Unix
// nanoseconds so ordering needs no dialect-specific time handling, and the
// aggregate columns hold opaque JSON so plan shape changes never need a
// schema change.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS agent_tasks (
		task_id         TEXT PRIMARY KEY,
		instruction     TEXT NOT NULL,
		status          TEXT NOT NULL,
		created_at      BIGINT NOT NULL,
		started_at      BIGINT,
		ended_at        BIGINT,
		sandbox_id      TEXT NOT NULL DEFAULT '',
		destroy_sandbox INTEGER NOT NULL DEFAULT 0,
		mode            TEXT NOT NULL DEFAULT 'normal',
		max_steps       INTEGER NOT NULL DEFAULT 50,
		platform        TEXT NOT NULL DEFAULT 'linux',
		final_message   TEXT NOT NULL DEFAULT '',
		stats           TEXT NOT NULL DEFAULT '{}',
		plan            TEXT NOT NULL DEFAULT '{}',
		conversation    TEXT NOT NULL DEFAULT '[]'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_agent_tasks_created_at ON agent_tasks (created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_agent_tasks_status ON agent_tasks (status)`,
}

// OpenSQL connects, applies pending migrations, and returns the store.
func OpenSQL(ctx context.Context, dsn string, logger *zap.SugaredLogger) (*SQL, error) {
	driver, source := driverFor(dsn)

	db, err := sql.Open(driver, source)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", driver, err)
	}

	if driver == "sqlite" {
		// One writer connection; SQLite serializes writes anyway and a
		// single conn keeps :memory: databases coherent.
		db.SetMaxOpenConns(1)
		for _, pragma := range []string{
			`PRAGMA journal_mode = WAL`,
			`PRAGMA busy_timeout = 5000`,
			`PRAGMA foreign_keys = ON`,
		} {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				db.Close()
				return nil, fmt.Errorf("apply %s: %w", pragma, err)
			}
		}
	} else {
		db.SetMaxOpenConns(10)
		db.SetConnMaxIdleTime(5 * time.Minute)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQL{db: db, driver: driver, logger: logger}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	logger.Infow("Connected to task store", "driver", driver)
	return s, nil
}

// driverFor picks the driver and normalizes the data source string.
func driverFor(dsn string) (driver, source string) {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return "pgx", dsn
	case strings.HasPrefix(dsn, "sqlite:"):
		return "sqlite", strings.TrimPrefix(dsn, "sqlite:")
	default:
		return "sqlite", dsn
	}
}

// migrate creates the version table and applies every pending migration
// inside a transaction.
func (s *SQL) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at BIGINT NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	err = s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for v := current + 1; v <= len(migrations); v++ {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", v, err)
		}
		if _, err := tx.ExecContext(ctx, migrations[v-1]); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", v, err)
		}
		if _, err := tx.ExecContext(ctx, s.q(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`),
			v, time.Now().UnixNano()); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", v, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", v, err)
		}
		s.logger.Infow("Applied migration", "version", v)
	}
	return nil
}

// q rewrites ? placeholders to $n for the pgx driver. Queries are written
// once in SQLite style.
func (s *SQL) q(query string) string {
	if s.driver != "pgx" {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// retry runs op, retrying transient database errors up to 3 times with
// 100ms/400ms/1.6s backoff. Non-transient errors surface immediately.
func (s *SQL) retry(ctx context.Context, name string, op func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.Multiplier = 4
	policy.RandomizationFactor = 0
	policy.MaxInterval = 2 * time.Second

	attempt := 0
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if !transient(err) {
			return backoff.Permanent(err)
		}
		attempt++
		s.logger.Warnw("Transient store error, retrying", "op", name, "attempt", attempt, "error", err)
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(policy, 3), ctx))
}

// transient classifies connection-level and lock-contention failures that
// a short retry can heal.
func transient(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, frag := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"i/o timeout",
		"database is locked",
		"database table is locked",
		"sqlite_busy",
		"deadlock detected",
		"too many connections",
	} {
		if strings.Contains(msg, frag) {
			return true
		}
	}
	return false
}

func (s *SQL) Create(ctx context.Context, t *task.Task) error {
	stats, plan, conv, err := marshalAggregates(t)
	if err != nil {
		return err
	}
	return s.retry(ctx, "create", func() error {
		_, err := s.db.ExecContext(ctx, s.q(`
			INSERT INTO agent_tasks (task_id, instruction, status, created_at, started_at, ended_at,
				sandbox_id, destroy_sandbox, mode, max_steps, platform, final_message,
				stats, plan, conversation)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`), t.ID, t.Instruction, string(t.Status), t.CreatedAt.UnixNano(),
			nanosOrNil(t.StartedAt), nanosOrNil(t.EndedAt),
			t.SandboxID, boolInt(t.DestroySandbox), string(t.Mode), t.MaxSteps, string(t.Platform),
			t.FinalMessage, stats, plan, conv)
		if err != nil && isDuplicateKey(err) {
			return backoff.Permanent(ErrAlreadyExists)
		}
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		return nil
	})
}

func (s *SQL) Update(ctx context.Context, id string, p Patch) error {
	var sets []string
	var args []any
	if p.Status != nil {
		sets, args = append(sets, "status = ?"), append(args, string(*p.Status))
	}
	if p.StartedAt != nil {
		sets, args = append(sets, "started_at = ?"), append(args, p.StartedAt.UnixNano())
	}
	if p.EndedAt != nil {
		sets, args = append(sets, "ended_at = ?"), append(args, p.EndedAt.UnixNano())
	}
	if p.SandboxID != nil {
		sets, args = append(sets, "sandbox_id = ?"), append(args, *p.SandboxID)
	}
	if p.FinalMessage != nil {
		sets, args = append(sets, "final_message = ?"), append(args, *p.FinalMessage)
	}
	if p.Stats != nil {
		b, err := json.Marshal(p.Stats)
		if err != nil {
			return fmt.Errorf("marshal stats: %w", err)
		}
		sets, args = append(sets, "stats = ?"), append(args, string(b))
	}
	if p.Plan != nil {
		b, err := json.Marshal(p.Plan)
		if err != nil {
			return fmt.Errorf("marshal plan: %w", err)
		}
		sets, args = append(sets, "plan = ?"), append(args, string(b))
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := s.q(fmt.Sprintf(`UPDATE agent_tasks SET %s WHERE task_id = ?`, strings.Join(sets, ", ")))
	return s.retry(ctx, "update", func() error {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("update task: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("update task rows: %w", err)
		}
		if n == 0 {
			return backoff.Permanent(ErrNotFound)
		}
		return nil
	})
}

const taskColumns = `task_id, instruction, status, created_at, started_at, ended_at,
	sandbox_id, destroy_sandbox, mode, max_steps, platform, final_message,
	stats, plan, conversation`

func (s *SQL) Get(ctx context.Context, id string) (*task.Task, error) {
	var t *task.Task
	err := s.retry(ctx, "get", func() error {
		row := s.db.QueryRowContext(ctx, s.q(`SELECT `+taskColumns+` FROM agent_tasks WHERE task_id = ?`), id)
		got, err := scanTask(row)
		if errors.Is(err, sql.ErrNoRows) {
			return backoff.Permanent(ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("get task: %w", err)
		}
		t = got
		return nil
	})
	return t, err
}

func (s *SQL) List(ctx context.Context, limit, offset int) ([]*task.Task, int, error) {
	if limit <= 0 {
		limit = -1 // SQLite convention for "no limit"; also valid for pgx via ALL below
	}

	var tasks []*task.Task
	var total int
	err := s.retry(ctx, "list", func() error {
		tasks = nil
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM agent_tasks`).Scan(&total); err != nil {
			return fmt.Errorf("count tasks: %w", err)
		}

		query := `SELECT ` + taskColumns + ` FROM agent_tasks ORDER BY created_at DESC LIMIT ? OFFSET ?`
		var limitArg any = limit
		if limit < 0 && s.driver == "pgx" {
			query = strings.Replace(query, "LIMIT ?", "LIMIT ALL", 1)
			rows, err := s.db.QueryContext(ctx, s.q(query), offset)
			if err != nil {
				return fmt.Errorf("list tasks: %w", err)
			}
			var scanErr error
			tasks, scanErr = scanTasks(rows)
			return scanErr
		}
		rows, err := s.db.QueryContext(ctx, s.q(query), limitArg, offset)
		if err != nil {
			return fmt.Errorf("list tasks: %w", err)
		}
		var scanErr error
		tasks, scanErr = scanTasks(rows)
		return scanErr
	})
	if err != nil {
		return nil, 0, err
	}
	return tasks, total, nil
}

func (s *SQL) ListByStatus(ctx context.Context, status task.Status) ([]*task.Task, error) {
	var tasks []*task.Task
	err := s.retry(ctx, "list_by_status", func() error {
		rows, err := s.db.QueryContext(ctx, s.q(`
			SELECT `+taskColumns+` FROM agent_tasks WHERE status = ? ORDER BY created_at ASC
		`), string(status))
		if err != nil {
			return fmt.Errorf("list tasks by status: %w", err)
		}
		tasks, err = scanTasks(rows)
		return err
	})
	return tasks, err
}

func (s *SQL) AppendConversation(ctx context.Context, id string, messages []json.RawMessage) error {
	if len(messages) == 0 {
		return nil
	}
	// The dispatcher is the only writer for a task, so read-modify-write
	// needs no row lock.
	return s.retry(ctx, "append_conversation", func() error {
		var raw string
		err := s.db.QueryRowContext(ctx, s.q(`SELECT conversation FROM agent_tasks WHERE task_id = ?`), id).Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			return backoff.Permanent(ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("read conversation: %w", err)
		}

		var conv []json.RawMessage
		if raw != "" {
			if err := json.Unmarshal([]byte(raw), &conv); err != nil {
				conv = nil
			}
		}
		conv = append(conv, messages...)
		b, err := json.Marshal(conv)
		if err != nil {
			return fmt.Errorf("marshal conversation: %w", err)
		}

		if _, err := s.db.ExecContext(ctx, s.q(`UPDATE agent_tasks SET conversation = ? WHERE task_id = ?`),
			string(b), id); err != nil {
			return fmt.Errorf("write conversation: %w", err)
		}
		return nil
	})
}

func (s *SQL) Close() error { return s.db.Close() }

// ─── Row Mapping ───

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*task.Task, error) {
	var t task.Task
	var status, mode, platform, stats, plan, conv string
	var createdNs int64
	var startedNs, endedNs sql.NullInt64
	var destroy int

	err := row.Scan(&t.ID, &t.Instruction, &status, &createdNs, &startedNs, &endedNs,
		&t.SandboxID, &destroy, &mode, &t.MaxSteps, &platform, &t.FinalMessage,
		&stats, &plan, &conv)
	if err != nil {
		return nil, err
	}

	t.Status = task.Status(status)
	t.Mode = task.Mode(mode)
	t.Platform = task.Platform(platform)
	t.CreatedAt = time.Unix(0, createdNs).UTC()
	if startedNs.Valid {
		v := time.Unix(0, startedNs.Int64).UTC()
		t.StartedAt = &v
	}
	if endedNs.Valid {
		v := time.Unix(0, endedNs.Int64).UTC()
		t.EndedAt = &v
	}
	t.DestroySandbox = destroy != 0
	if err := json.Unmarshal([]byte(stats), &t.Stats); err != nil {
		return nil, fmt.Errorf("unmarshal stats of %s: %w", t.ID, err)
	}
	if err := json.Unmarshal([]byte(plan), &t.Plan); err != nil {
		return nil, fmt.Errorf("unmarshal plan of %s: %w", t.ID, err)
	}
	if conv != "" && conv != "[]" {
		if err := json.Unmarshal([]byte(conv), &t.Conversation); err != nil {
			return nil, fmt.Errorf("unmarshal conversation of %s: %w", t.ID, err)
		}
	}
	return &t, nil
}

func scanTasks(rows *sql.Rows) ([]*task.Task, error) {
	defer rows.Close()
	var out []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func marshalAggregates(t *task.Task) (stats, plan, conv string, err error) {
	sb, err := json.Marshal(t.Stats)
	if err != nil {
		return "", "", "", fmt.Errorf("marshal stats: %w", err)
	}
	pb, err := json.Marshal(t.Plan)
	if err != nil {
		return "", "", "", fmt.Errorf("marshal plan: %w", err)
	}
	c := t.Conversation
	if c == nil {
		c = []json.RawMessage{}
	}
	cb, err := json.Marshal(c)
	if err != nil {
		return "", "", "", fmt.Errorf("marshal conversation: %w", err)
	}
	return string(sb), string(pb), string(cb), nil
}

func nanosOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isDuplicateKey(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "constraint failed")
}
