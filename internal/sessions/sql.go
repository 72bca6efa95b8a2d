package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/haasonsaas/nexusd/internal/llm"
	"github.com/haasonsaas/nexusd/internal/observability"
)

// Dialect selects placeholder style and driver.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// SQLConfig holds configuration for a SQL-backed store.
type SQLConfig struct {
	Driver          string        `yaml:"driver" env:"DRIVER"`
	DSN             string        `yaml:"dsn" env:"DSN"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
}

// DefaultSQLConfig returns a SQLite configuration.
func DefaultSQLConfig() SQLConfig {
	return SQLConfig{
		Driver:          string(DialectSQLite),
		DSN:             "nexusd.db",
		MaxOpenConns:    10,
		MaxIdleConns:    2,
		ConnMaxLifetime: 5 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// SQLStore implements Store on SQLite (modernc) or Postgres (lib/pq).
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	metrics *observability.Metrics
}

// OpenSQLStore opens the database, pings it and applies pending migrations.
func OpenSQLStore(ctx context.Context, cfg SQLConfig, metrics *observability.Metrics) (*SQLStore, error) {
	dialect, err := parseDialect(cfg.Driver)
	if err != nil {
		return nil, err
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("dsn is required")
	}

	db, err := sql.Open(string(dialect), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dialect == DialectSQLite {
		// SQLite allows one writer; a single connection avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	} else {
		if cfg.MaxOpenConns > 0 {
			db.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		if cfg.MaxIdleConns > 0 {
			db.SetMaxIdleConns(cfg.MaxIdleConns)
		}
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrator, err := NewMigrator(db, dialect)
	if err != nil {
		db.Close()
		return nil, err
	}
	if _, err := migrator.Up(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return NewSQLStore(db, dialect, metrics), nil
}

// NewSQLStore wraps an open database without migrating it.
func NewSQLStore(db *sql.DB, dialect Dialect, metrics *observability.Metrics) *SQLStore {
	return &SQLStore{db: db, dialect: dialect, metrics: metrics}
}

func parseDialect(driver string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "sqlite", "sqlite3":
		return DialectSQLite, nil
	case "postgres", "postgresql", "pq":
		return DialectPostgres, nil
	default:
		return "", fmt.Errorf("unsupported database driver %q", driver)
	}
}

// rebind rewrites ? placeholders to $N for Postgres.
func rebind(dialect Dialect, query string) string {
	if dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) exec(ctx context.Context, op, table, query string, args ...any) (sql.Result, error) {
	start := time.Now()
	res, err := s.db.ExecContext(ctx, rebind(s.dialect, query), args...)
	s.metrics.RecordDatabaseQuery(op, table, queryStatus(err), time.Since(start).Seconds())
	return res, err
}

func (s *SQLStore) query(ctx context.Context, op, table, query string, args ...any) (*sql.Rows, error) {
	start := time.Now()
	rows, err := s.db.QueryContext(ctx, rebind(s.dialect, query), args...)
	s.metrics.RecordDatabaseQuery(op, table, queryStatus(err), time.Since(start).Seconds())
	return rows, err
}

func queryStatus(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func (s *SQLStore) GetOrCreate(ctx context.Context, chatID, defaultModel string) (*Session, error) {
	if chatID == "" {
		return nil, errors.New("chat id is required")
	}
	now := time.Now().UnixNano()
	if _, err := s.exec(ctx, "create", "sessions", `
		INSERT INTO sessions (chat_id, model, segment_start, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (chat_id) DO NOTHING
	`, chatID, defaultModel, int64(0), now, now); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	rows, err := s.query(ctx, "get", "sessions", `
		SELECT chat_id, model, segment_start, created_at, updated_at
		FROM sessions WHERE chat_id = ?
	`, chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("failed to get session: %w", err)
		}
		return nil, ErrNotFound
	}
	var (
		session                       Session
		segment, createdAt, updatedAt int64
	)
	if err := rows.Scan(&session.ChatID, &session.Model, &segment, &createdAt, &updatedAt); err != nil {
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}
	session.SegmentStart = time.Unix(0, segment)
	session.CreatedAt = time.Unix(0, createdAt)
	session.UpdatedAt = time.Unix(0, updatedAt)
	return &session, nil
}

func (s *SQLStore) UpdateModel(ctx context.Context, chatID, model string) error {
	res, err := s.exec(ctx, "update_model", "sessions",
		`UPDATE sessions SET model = ?, updated_at = ? WHERE chat_id = ?`,
		model, time.Now().UnixNano(), chatID)
	if err != nil {
		return fmt.Errorf("failed to update model: %w", err)
	}
	return requireRow(res)
}

func (s *SQLStore) ResetSegment(ctx context.Context, chatID string, at time.Time) error {
	res, err := s.exec(ctx, "reset_segment", "sessions",
		`UPDATE sessions SET segment_start = ?, updated_at = ? WHERE chat_id = ?`,
		unixNano(at), time.Now().UnixNano(), chatID)
	if err != nil {
		return fmt.Errorf("failed to reset segment: %w", err)
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		// Driver cannot report affected rows; assume the update applied.
		return nil
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) SaveTurn(ctx context.Context, msg *Message) error {
	if msg == nil {
		return errors.New("message is required")
	}
	if msg.ChatID == "" {
		return errors.New("chat id is required")
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Kind == "" {
		msg.Kind = KindMessage
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	var toolCalls sql.NullString
	if len(msg.ToolCalls) > 0 {
		data, err := json.Marshal(msg.ToolCalls)
		if err != nil {
			return fmt.Errorf("failed to marshal tool calls: %w", err)
		}
		toolCalls = sql.NullString{String: string(data), Valid: true}
	}

	if _, err := s.exec(ctx, "save", "messages", `
		INSERT INTO messages (id, chat_id, kind, role, content, tool_calls, tool_call_id, tool_name, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.ChatID, string(msg.Kind), string(msg.Role), msg.Content, toolCalls,
		nullString(msg.ToolCallID), nullString(msg.ToolName), msg.CreatedAt.UnixNano()); err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}
	return nil
}

func (s *SQLStore) History(ctx context.Context, chatID string, since time.Time, limit int) ([]*Message, error) {
	query := `
		SELECT id, chat_id, kind, role, content, tool_calls, tool_call_id, tool_name, created_at
		FROM messages WHERE chat_id = ? AND created_at >= ?
		ORDER BY created_at DESC`
	args := []any{chatID, unixNano(since)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.query(ctx, "history", "messages", query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get history: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate history: %w", err)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *SQLStore) AppendSessionBreak(ctx context.Context, chatID string, at time.Time) error {
	return s.SaveTurn(ctx, &Message{ChatID: chatID, Kind: KindSessionBreak, Role: llm.RoleSystem, CreatedAt: at})
}

func (s *SQLStore) LastSummary(ctx context.Context, chatID string) (*Message, error) {
	rows, err := s.query(ctx, "last_summary", "messages", `
		SELECT id, chat_id, kind, role, content, tool_calls, tool_call_id, tool_name, created_at
		FROM messages WHERE chat_id = ? AND kind = ?
		ORDER BY created_at DESC LIMIT 1
	`, chatID, string(KindSummary))
	if err != nil {
		return nil, fmt.Errorf("failed to get summary: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanMessage(rows)
}

func scanMessage(rows *sql.Rows) (*Message, error) {
	var (
		msg                         Message
		kind, role                  string
		toolCalls, callID, toolName sql.NullString
		createdAt                   int64
	)
	if err := rows.Scan(&msg.ID, &msg.ChatID, &kind, &role, &msg.Content, &toolCalls, &callID, &toolName, &createdAt); err != nil {
		return nil, fmt.Errorf("failed to scan message: %w", err)
	}
	msg.Kind = Kind(kind)
	msg.Role = llm.Role(role)
	msg.ToolCallID = callID.String
	msg.ToolName = toolName.String
	msg.CreatedAt = time.Unix(0, createdAt)
	if toolCalls.Valid && toolCalls.String != "" {
		if err := json.Unmarshal([]byte(toolCalls.String), &msg.ToolCalls); err != nil {
			return nil, fmt.Errorf("failed to unmarshal tool calls: %w", err)
		}
	}
	return &msg, nil
}

// unixNano maps the zero time to 0; time.Time{}.UnixNano is out of range.
func unixNano(t time.Time) int64 {
	if t.IsZero() || t.Before(time.Unix(0, 0)) {
		return 0
	}
	return t.UnixNano()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

var _ Store = (*SQLStore)(nil)
