package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS processes (
	agent_type  TEXT NOT NULL,
	process_id  TEXT NOT NULL,
	state       TEXT NOT NULL,
	data        TEXT,
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL,
	created_seq INTEGER NOT NULL,
	touch_seq   INTEGER NOT NULL,
	PRIMARY KEY (agent_type, process_id)
);

CREATE INDEX IF NOT EXISTS idx_processes_recency
	ON processes(agent_type, touch_seq DESC, created_seq DESC);
`

// SQLiteBackend persists records in a SQLite database. touch_seq is bumped
// on every write and gives List its recency order.
type SQLiteBackend struct {
	db *sql.DB
}

// OpenSQLite opens or creates the database at path.
func OpenSQLite(path string) (*SQLiteBackend, error) {
	if path == "" {
		return nil, errors.New("database path is required")
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer keeps touch_seq allocation serial.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteBackend{db: db}, nil
}

func (b *SQLiteBackend) Name() string {
	return "sqlite"
}

func (b *SQLiteBackend) Insert(ctx context.Context, p Process) error {
	data, err := encodeData(p.Data)
	if err != nil {
		return err
	}

	_, err = b.db.ExecContext(ctx, `
		INSERT INTO processes (agent_type, process_id, state, data, created_at, updated_at, created_seq, touch_seq)
		VALUES (?, ?, ?, ?, ?, ?,
			(SELECT COALESCE(MAX(created_seq), 0) + 1 FROM processes),
			(SELECT COALESCE(MAX(touch_seq), 0) + 1 FROM processes))`,
		p.AgentType, p.ProcessID, p.State, data, p.CreatedAt.UnixNano(), p.UpdatedAt.UnixNano(),
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return fmt.Errorf("%w: %s", ErrExists, Key(p.AgentType, p.ProcessID))
		}
		return fmt.Errorf("failed to insert process: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) Get(ctx context.Context, agentType, processID string) (Process, error) {
	row := b.db.QueryRowContext(ctx, `
		SELECT agent_type, process_id, state, data, created_at, updated_at
		FROM processes WHERE agent_type = ? AND process_id = ?`,
		agentType, processID,
	)
	p, err := scanProcess(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Process{}, notFound(agentType, processID)
	}
	return p, err
}

func (b *SQLiteBackend) Update(ctx context.Context, agentType, processID, state string, data interface{}, at time.Time) (Process, error) {
	encoded, err := encodeData(data)
	if err != nil {
		return Process{}, err
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return Process{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE processes
		SET state = ?, data = ?, updated_at = ?,
			touch_seq = (SELECT COALESCE(MAX(touch_seq), 0) + 1 FROM processes)
		WHERE agent_type = ? AND process_id = ?`,
		state, encoded, at.UnixNano(), agentType, processID,
	)
	if err != nil {
		return Process{}, fmt.Errorf("failed to update process: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Process{}, notFound(agentType, processID)
	}

	row := tx.QueryRowContext(ctx, `
		SELECT agent_type, process_id, state, data, created_at, updated_at
		FROM processes WHERE agent_type = ? AND process_id = ?`,
		agentType, processID,
	)
	p, err := scanProcess(row)
	if err != nil {
		return Process{}, err
	}

	if err := tx.Commit(); err != nil {
		return Process{}, fmt.Errorf("failed to commit update: %w", err)
	}
	return p, nil
}

func (b *SQLiteBackend) Delete(ctx context.Context, agentType, processID string) (int, error) {
	res, err := b.db.ExecContext(ctx,
		`DELETE FROM processes WHERE agent_type = ? AND process_id = ?`,
		agentType, processID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete process: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, notFound(agentType, processID)
	}
	return int(n), nil
}

func (b *SQLiteBackend) List(ctx context.Context, agentType string, page Page) ([]Process, int, error) {
	var total int
	if err := b.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM processes WHERE agent_type = ?`, agentType,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count processes: %w", err)
	}

	limit := page.Limit
	if limit <= 0 {
		limit = -1
	}
	skip := page.Skip
	if skip < 0 {
		skip = 0
	}

	rows, err := b.db.QueryContext(ctx, `
		SELECT agent_type, process_id, state, data, created_at, updated_at
		FROM processes WHERE agent_type = ?
		ORDER BY touch_seq DESC, created_seq DESC
		LIMIT ? OFFSET ?`,
		agentType, limit, skip,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list processes: %w", err)
	}
	defer rows.Close()

	processes := []Process{}
	for rows.Next() {
		p, err := scanProcess(rows)
		if err != nil {
			return nil, 0, err
		}
		processes = append(processes, p)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return processes, total, nil
}

func (b *SQLiteBackend) Counts(ctx context.Context) (map[string]int, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT agent_type, COUNT(*) FROM processes GROUP BY agent_type`)
	if err != nil {
		return nil, fmt.Errorf("failed to count processes: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var agentType string
		var n int
		if err := rows.Scan(&agentType, &n); err != nil {
			return nil, err
		}
		counts[agentType] = n
	}
	return counts, rows.Err()
}

func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanProcess(row rowScanner) (Process, error) {
	var (
		p         Process
		data      sql.NullString
		createdAt int64
		updatedAt int64
	)
	if err := row.Scan(&p.AgentType, &p.ProcessID, &p.State, &data, &createdAt, &updatedAt); err != nil {
		return Process{}, err
	}
	if data.Valid && data.String != "" {
		if err := json.Unmarshal([]byte(data.String), &p.Data); err != nil {
			return Process{}, fmt.Errorf("failed to decode process data: %w", err)
		}
	}
	p.CreatedAt = time.Unix(0, createdAt).UTC()
	p.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return p, nil
}

func encodeData(data interface{}) (sql.NullString, error) {
	if data == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode process data: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}
