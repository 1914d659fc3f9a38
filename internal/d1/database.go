// Package d1 runs the SQL databases behind D1 bindings on embedded SQLite.
package d1

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"
	_ "modernc.org/sqlite"

	"github.com/GriffinCanCode/edgeworker/internal/protocol"
)

// Database is one D1 database. Statements run one at a time on a single
// pinned connection.
type Database struct {
	mu   sync.Mutex
	db   *sql.DB
	conn *sql.Conn
}

// Open opens the database file at path, or an in-memory database when path
// is empty.
func Open(ctx context.Context, path string) (*Database, error) {
	dsn := ":memory:"
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create d1 dir: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open d1 database: %w", err)
	}
	db.SetMaxOpenConns(1)
	conn, err := db.Conn(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("connect d1 database: %w", err)
	}
	return &Database{db: db, conn: conn}, nil
}

// Exec runs semicolon separated statements without bindings.
func (d *Database) Exec(ctx context.Context, script string) (protocol.D1ExecResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	start := time.Now()
	count := 0
	for _, stmt := range splitStatements(script) {
		if _, err := d.conn.ExecContext(ctx, stmt); err != nil {
			return protocol.D1ExecResult{}, fmt.Errorf("exec statement %d: %w", count+1, err)
		}
		count++
	}
	return protocol.D1ExecResult{Count: count, Duration: millisSince(start)}, nil
}

// Query runs one bound statement and returns every row.
func (d *Database) Query(ctx context.Context, stmt protocol.D1Statement) (protocol.D1Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.query(ctx, d.conn, stmt)
}

// Batch runs statements atomically. Any failure rolls back all of them.
func (d *Database) Batch(ctx context.Context, stmts []protocol.D1Statement) (results []protocol.D1Result, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin batch: %w", err)
	}
	defer func() {
		if err != nil {
			err = multierr.Append(err, ignoreDone(tx.Rollback()))
		}
	}()

	results = make([]protocol.D1Result, 0, len(stmts))
	for i, stmt := range stmts {
		res, err := d.query(ctx, tx, stmt)
		if err != nil {
			return nil, fmt.Errorf("batch statement %d: %w", i+1, err)
		}
		results = append(results, res)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit batch: %w", err)
	}
	return results, nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (d *Database) query(ctx context.Context, q queryer, stmt protocol.D1Statement) (protocol.D1Result, error) {
	before, _, err := counters(ctx, q)
	if err != nil {
		return protocol.D1Result{}, err
	}

	start := time.Now()
	rows, err := q.QueryContext(ctx, stmt.SQL, bindParams(stmt.Params)...)
	if err != nil {
		return protocol.D1Result{}, err
	}
	columns, err := rows.Columns()
	if err != nil {
		rows.Close()
		return protocol.D1Result{}, err
	}

	result := protocol.D1Result{Columns: columns, Rows: [][]any{}, Success: true}
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			rows.Close()
			return protocol.D1Result{}, err
		}
		for i, v := range values {
			values[i] = normalize(v)
		}
		result.Rows = append(result.Rows, values)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return protocol.D1Result{}, err
	}
	if err := rows.Close(); err != nil {
		return protocol.D1Result{}, err
	}
	duration := millisSince(start)

	after, lastID, err := counters(ctx, q)
	if err != nil {
		return protocol.D1Result{}, err
	}
	changes := after - before
	result.Meta = protocol.D1Meta{
		Duration:    duration,
		Changes:     changes,
		LastRowID:   lastID,
		ChangedDB:   changes > 0,
		RowsRead:    int64(len(result.Rows)),
		RowsWritten: changes,
	}
	return result, nil
}

func counters(ctx context.Context, q queryer) (total, lastID int64, err error) {
	err = q.QueryRowContext(ctx, "SELECT total_changes(), last_insert_rowid()").Scan(&total, &lastID)
	if err != nil {
		return 0, 0, fmt.Errorf("read change counters: %w", err)
	}
	return total, lastID, nil
}

// Close closes the database.
func (d *Database) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return multierr.Combine(d.conn.Close(), d.db.Close())
}

// splitStatements splits script at top-level semicolons. A semicolon inside
// a quoted literal or identifier, a comment or a trigger body does not end
// a statement. Statements holding only comments are dropped.
func splitStatements(script string) []string {
	var (
		out     []string
		start   int
		hasCode bool
		first   string
		words   int
		trigger bool
		depth   int
	)
	flush := func(end int) {
		if hasCode {
			out = append(out, strings.TrimSpace(script[start:end]))
		}
		start, hasCode, first, words, trigger, depth = end+1, false, "", 0, false, 0
	}

	for i := 0; i < len(script); {
		c := script[i]
		switch {
		case c == '\'' || c == '"' || c == '`':
			i = skipQuoted(script, i)
			hasCode = true
		case c == '[':
			i = skipPast(script, i+1, "]")
			hasCode = true
		case strings.HasPrefix(script[i:], "--"):
			i = skipPast(script, i+2, "\n")
		case strings.HasPrefix(script[i:], "/*"):
			i = skipPast(script, i+2, "*/")
		case c == ';':
			if depth == 0 {
				flush(i)
			}
			i++
		case isWordByte(c):
			j := i
			for j < len(script) && isWordByte(script[j]) {
				j++
			}
			word := strings.ToUpper(script[i:j])
			words++
			if words == 1 {
				first = word
			}
			switch {
			case first == "CREATE" && word == "TRIGGER" && words <= 4:
				trigger = true
			case trigger && (word == "BEGIN" || word == "CASE"):
				depth++
			case trigger && word == "END" && depth > 0:
				depth--
			}
			hasCode = true
			i = j
		default:
			if c != ' ' && c != '\t' && c != '\n' && c != '\r' && c != '\f' {
				hasCode = true
			}
			i++
		}
	}
	flush(len(script))
	return out
}

// skipQuoted returns the index after the literal opening at i. A doubled
// quote character is an escaped quote.
func skipQuoted(s string, i int) int {
	q := s[i]
	for j := i + 1; j < len(s); j++ {
		if s[j] != q {
			continue
		}
		if j+1 < len(s) && s[j+1] == q {
			j++
			continue
		}
		return j + 1
	}
	return len(s)
}

// skipPast returns the index after the first end at or after i, or len(s).
func skipPast(s string, i int, end string) int {
	if j := strings.Index(s[i:], end); j >= 0 {
		return i + j + len(end)
	}
	return len(s)
}

func isWordByte(c byte) bool {
	return c == '_' || c >= 0x80 ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func bindParams(params []any) []any {
	out := make([]any, len(params))
	for i, p := range params {
		switch v := p.(type) {
		case bool:
			if v {
				out[i] = int64(1)
			} else {
				out[i] = int64(0)
			}
		case []any:
			// byte arrays arrive as number arrays
			b := make([]byte, len(v))
			for j, n := range v {
				if x, ok := n.(int64); ok {
					b[j] = byte(x)
				}
			}
			out[i] = b
		default:
			out[i] = v
		}
	}
	return out
}

func normalize(v any) any {
	switch val := v.(type) {
	case []byte:
		out := make([]any, len(val))
		for i, b := range val {
			out[i] = int64(b)
		}
		return out
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	case int:
		return int64(val)
	case float32:
		return float64(val)
	default:
		return v
	}
}

func millisSince(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000
}

func ignoreDone(err error) error {
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}
