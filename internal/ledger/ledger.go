package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// MemoryDSN keeps the ledger for the lifetime of the process only.
const MemoryDSN = ":memory:"

const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// Attempt is one network call to the generation endpoint.
type Attempt struct {
	ID          int64
	RequestID   string
	Prompt      string
	Iterative   bool
	Outcome     string
	Status      int
	InferenceMS float64
	Error       string
	TS          int64
}

type Stats struct {
	Requests        int
	Failures        int
	MeanInferenceMS float64
}

type Ledger struct {
	db         *sql.DB
	ftsEnabled bool
	mu         sync.Mutex
}

func Open(dsn string) (*Ledger, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = MemoryDSN
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// Every new connection to :memory: is a fresh database.
	db.SetMaxOpenConns(1)

	l := &Ledger{db: db}
	if err := l.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

func (l *Ledger) Close() error {
	return l.db.Close()
}

func (l *Ledger) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS attempts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			request_id TEXT,
			prompt TEXT,
			iterative INTEGER,
			outcome TEXT,
			status INTEGER,
			inference_ms REAL,
			error TEXT,
			ts INTEGER
		);`,
		`CREATE INDEX IF NOT EXISTS idx_attempts_request_id ON attempts(request_id);`,
	}
	for _, stmt := range stmts {
		if _, err := l.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return l.ensureFTSTable()
}

func (l *Ledger) ensureFTSTable() error {
	var sqlDef string
	err := l.db.QueryRow(`SELECT sql FROM sqlite_master WHERE name = 'attempts_fts'`).Scan(&sqlDef)
	if err == nil {
		lower := strings.ToLower(sqlDef)
		l.ftsEnabled = strings.Contains(lower, "virtual table") && strings.Contains(lower, "fts5")
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("inspect attempts_fts table: %w", err)
	}

	_, err = l.db.Exec(`CREATE VIRTUAL TABLE attempts_fts USING fts5(prompt);`)
	if err == nil {
		l.ftsEnabled = true
		return nil
	}
	if !strings.Contains(strings.ToLower(err.Error()), "no such module: fts5") {
		return fmt.Errorf("create attempts_fts: %w", err)
	}

	// go-sqlite3 only ships FTS5 with the sqlite_fts5 build tag.
	l.ftsEnabled = false
	return nil
}

func (l *Ledger) Record(ctx context.Context, a Attempt) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if a.TS == 0 {
		a.TS = time.Now().Unix()
	}
	if a.Outcome == "" {
		a.Outcome = OutcomeOK
		if a.Error != "" {
			a.Outcome = OutcomeError
		}
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin record tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO attempts(request_id, prompt, iterative, outcome, status, inference_ms, error, ts)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?)
	`, a.RequestID, a.Prompt, a.Iterative, a.Outcome, a.Status, a.InferenceMS, a.Error, a.TS)
	if err != nil {
		return 0, fmt.Errorf("insert attempt: %w", err)
	}
	rowID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("attempt row id: %w", err)
	}
	if l.ftsEnabled {
		if _, err := tx.ExecContext(ctx, `INSERT INTO attempts_fts(rowid, prompt) VALUES(?, ?)`, rowID, a.Prompt); err != nil {
			return 0, fmt.Errorf("insert attempt fts: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit attempt: %w", err)
	}
	return rowID, nil
}

const attemptColumns = `a.id, COALESCE(a.request_id, ''), COALESCE(a.prompt, ''), a.iterative, a.outcome,
	COALESCE(a.status, 0), COALESCE(a.inference_ms, 0), COALESCE(a.error, ''), a.ts`

// Recent lists the newest attempts first.
func (l *Ledger) Recent(limit int) ([]Attempt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if limit <= 0 {
		limit = 200
	}
	rows, err := l.db.Query(`SELECT `+attemptColumns+` FROM attempts a ORDER BY a.id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	return scanAttempts(rows)
}

// Search matches successful attempts whose prompt contains every term.
func (l *Ledger) Search(query string, limit int) ([]Attempt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if limit <= 0 {
		limit = 200
	}
	if len(TokenizeSearchTerms(query)) == 0 {
		return nil, nil
	}

	var rows *sql.Rows
	var err error
	if l.ftsEnabled {
		rows, err = l.searchRowsFTS(query, limit)
		if err != nil {
			fallback, fbErr := l.searchRowsLike(query, limit)
			if fbErr != nil {
				return nil, fmt.Errorf("search attempts (fts and fallback failed): fts=%w, fallback=%v", err, fbErr)
			}
			rows = fallback
		}
	} else {
		rows, err = l.searchRowsLike(query, limit)
		if err != nil {
			return nil, err
		}
	}
	return scanAttempts(rows)
}

func (l *Ledger) searchRowsFTS(query string, limit int) (*sql.Rows, error) {
	ftsQuery := buildFTSQuery(query)
	if ftsQuery == "" {
		return nil, fmt.Errorf("empty fts query")
	}
	rows, err := l.db.Query(`
		SELECT `+attemptColumns+`
		FROM attempts a
		JOIN attempts_fts f ON f.rowid = a.id
		WHERE attempts_fts MATCH ? AND a.outcome = ?
		ORDER BY a.id DESC
		LIMIT ?
	`, ftsQuery, OutcomeOK, limit)
	if err != nil {
		return nil, fmt.Errorf("fts query failed: %w", err)
	}
	return rows, nil
}

func (l *Ledger) searchRowsLike(query string, limit int) (*sql.Rows, error) {
	terms := TokenizeSearchTerms(query)

	var b strings.Builder
	b.WriteString(`SELECT ` + attemptColumns + ` FROM attempts a WHERE a.outcome = ?`)
	args := make([]any, 0, len(terms)+2)
	args = append(args, OutcomeOK)
	for _, term := range terms {
		b.WriteString(" AND LOWER(a.prompt) LIKE ?")
		args = append(args, "%"+term+"%")
	}
	b.WriteString(" ORDER BY a.id DESC LIMIT ?")
	args = append(args, limit)

	rows, err := l.db.Query(b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("like query failed: %w", err)
	}
	return rows, nil
}

func (l *Ledger) Stats(ctx context.Context) (Stats, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var s Stats
	err := l.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN outcome = ? THEN 1 ELSE 0 END), 0),
			COALESCE(AVG(CASE WHEN outcome = ? THEN inference_ms END), 0)
		FROM attempts
	`, OutcomeError, OutcomeOK).Scan(&s.Requests, &s.Failures, &s.MeanInferenceMS)
	if err != nil {
		return Stats{}, fmt.Errorf("query stats: %w", err)
	}
	return s, nil
}

func scanAttempts(rows *sql.Rows) ([]Attempt, error) {
	defer rows.Close()

	out := make([]Attempt, 0, 32)
	for rows.Next() {
		var a Attempt
		if err := rows.Scan(&a.ID, &a.RequestID, &a.Prompt, &a.Iterative, &a.Outcome, &a.Status, &a.InferenceMS, &a.Error, &a.TS); err != nil {
			return nil, fmt.Errorf("scan attempt row: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attempts: %w", err)
	}
	return out, nil
}

func buildFTSQuery(raw string) string {
	parts := TokenizeSearchTerms(raw)
	if len(parts) == 0 {
		return ""
	}
	quoted := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ReplaceAll(p, `"`, "")
		if p == "" {
			continue
		}
		quoted = append(quoted, fmt.Sprintf(`"%s"*`, p))
	}
	return strings.Join(quoted, " AND ")
}

// TokenizeSearchTerms lowercases and splits a search query, dropping
// surrounding punctuation.
func TokenizeSearchTerms(raw string) []string {
	parts := strings.Fields(strings.ToLower(strings.TrimSpace(raw)))
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.Trim(p, "`\"'.,:;!?()[]{}<>|")
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

func FormatUnix(ts int64) string {
	if ts <= 0 {
		return "n/a"
	}
	return time.Unix(ts, 0).Local().Format("15:04:05")
}
