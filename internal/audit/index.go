package audit

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	_ "github.com/glebarez/go-sqlite"
)

// sqliteIndex provides filtered, paginated queries over the audit log.
// The JSONL chain files are the source of truth; the index is a
// queryable projection that can be rebuilt from them at any time.
//
// WAL mode allows the daemon to insert while CLI queries read.
type sqliteIndex struct {
	db *sql.DB
}

// openIndex opens (or creates) the SQLite index database and its schema.
func openIndex(path string) (*sqliteIndex, error) {
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite index %s: %w", path, err)
	}

	// ts_unix carries the parsed timestamp in Unix nanoseconds so range
	// filters compare numerically, not lexicographically.
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS records (
			seq             INTEGER PRIMARY KEY,
			log_id          TEXT NOT NULL UNIQUE,
			ts              TEXT NOT NULL,
			ts_unix         INTEGER NOT NULL DEFAULT 0,
			event_type      TEXT NOT NULL DEFAULT '',
			actor           TEXT NOT NULL DEFAULT '',
			actor_role      TEXT NOT NULL DEFAULT '',
			target_resource TEXT NOT NULL DEFAULT '',
			target_type     TEXT NOT NULL DEFAULT '',
			action          TEXT NOT NULL DEFAULT '',
			status          TEXT NOT NULL DEFAULT '',
			description     TEXT NOT NULL DEFAULT '',
			metadata        TEXT NOT NULL DEFAULT '',
			prev_hash       TEXT NOT NULL DEFAULT '',
			hash            TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_event_type  ON records(event_type);
		CREATE INDEX IF NOT EXISTS idx_actor       ON records(actor);
		CREATE INDEX IF NOT EXISTS idx_status      ON records(status);
		CREATE INDEX IF NOT EXISTS idx_target_type ON records(target_type);
		CREATE INDEX IF NOT EXISTS idx_ts_unix     ON records(ts_unix);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating sqlite schema: %w", err)
	}

	return &sqliteIndex{db: db}, nil
}

// insert adds a record to the index. Non-blocking with respect to the
// chain: errors are logged, the committed JSONL record stands, and the
// next reindex repairs the gap.
func (idx *sqliteIndex) insert(r *Record) {
	var tsUnix int64
	if t, err := r.Time(); err == nil {
		tsUnix = t.UnixNano()
	}

	var metaJSON string
	if len(r.Metadata) > 0 {
		data, _ := json.Marshal(r.Metadata)
		metaJSON = string(data)
	}

	_, err := idx.db.Exec(
		`INSERT OR REPLACE INTO records
		 (seq, log_id, ts, ts_unix, event_type, actor, actor_role, target_resource, target_type, action, status, description, metadata, prev_hash, hash)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Seq, r.LogID, r.Timestamp, tsUnix, string(r.EventType), r.Actor,
		string(r.ActorRole), r.TargetResource, string(r.TargetType),
		r.Action, string(r.Status), r.Description, metaJSON,
		r.PreviousHash, r.IntegrityHash,
	)
	if err != nil {
		slog.Error("sqlite index insert failed", "seq", r.Seq, "error", err)
	}
}

const recordColumns = "seq, log_id, ts, event_type, actor, actor_role, target_resource, target_type, action, status, description, metadata, prev_hash, hash"

// whereClause builds the WHERE tail and arguments for a filter. Shared
// by query and count so the post-filter total always matches the rows.
func whereClause(f Filter) (string, []any) {
	var (
		clause strings.Builder
		args   []any
	)
	clause.WriteString(" WHERE 1=1")

	if f.EventType != "" {
		clause.WriteString(" AND event_type = ?")
		args = append(args, string(f.EventType))
	}
	if f.TargetType != "" {
		clause.WriteString(" AND target_type = ?")
		args = append(args, string(f.TargetType))
	}
	if f.Status != "" {
		clause.WriteString(" AND status = ?")
		args = append(args, string(f.Status))
	}
	if f.Actor != "" {
		// instr instead of LIKE so %/_ in the needle stay literal.
		clause.WriteString(" AND instr(lower(actor), lower(?)) > 0")
		args = append(args, f.Actor)
	}
	if f.Search != "" {
		clause.WriteString(" AND (instr(lower(description), lower(?)) > 0" +
			" OR instr(lower(actor), lower(?)) > 0" +
			" OR instr(lower(target_resource), lower(?)) > 0)")
		args = append(args, f.Search, f.Search, f.Search)
	}
	if !f.From.IsZero() {
		clause.WriteString(" AND ts_unix >= ?")
		args = append(args, f.From.UnixNano())
	}
	if !f.To.IsZero() {
		clause.WriteString(" AND ts_unix <= ?")
		args = append(args, f.To.UnixNano())
	}

	return clause.String(), args
}

// query returns the filtered records ordered by seq descending (most
// recent first). limit <= 0 means no limit; offset skips rows for
// pagination.
func (idx *sqliteIndex) query(f Filter, limit, offset int) ([]Record, error) {
	where, args := whereClause(f)
	q := "SELECT " + recordColumns + " FROM records" + where + " ORDER BY seq DESC"

	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
		if offset > 0 {
			q += " OFFSET ?"
			args = append(args, offset)
		}
	}

	rows, err := idx.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying sqlite index: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *r)
	}
	return records, rows.Err()
}

// count returns the post-filter record count, independent of pagination.
func (idx *sqliteIndex) count(f Filter) (int, error) {
	where, args := whereClause(f)

	var n int
	if err := idx.db.QueryRow("SELECT COUNT(*) FROM records"+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting sqlite index: %w", err)
	}
	return n, nil
}

// getByLogID returns a single record by its log ID, or ErrNotFound.
func (idx *sqliteIndex) getByLogID(logID string) (*Record, error) {
	row := idx.db.QueryRow("SELECT "+recordColumns+" FROM records WHERE log_id = ?", logID)
	r, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: log_id %s", ErrNotFound, logID)
		}
		return nil, err
	}
	return r, nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*Record, error) {
	var (
		r        Record
		metaJSON string
	)
	err := s.Scan(
		&r.Seq, &r.LogID, &r.Timestamp, &r.EventType, &r.Actor,
		&r.ActorRole, &r.TargetResource, &r.TargetType, &r.Action,
		&r.Status, &r.Description, &metaJSON, &r.PreviousHash,
		&r.IntegrityHash,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning sqlite row: %w", err)
	}

	if metaJSON != "" {
		var meta map[string]string
		if jsonErr := json.Unmarshal([]byte(metaJSON), &meta); jsonErr == nil {
			r.Metadata = meta
		}
	}
	return &r, nil
}

// lastSeq returns the highest sequence number in the index, 0 when empty.
func (idx *sqliteIndex) lastSeq() uint64 {
	var seq sql.NullInt64
	err := idx.db.QueryRow("SELECT MAX(seq) FROM records").Scan(&seq)
	if err != nil || !seq.Valid {
		return 0
	}
	return uint64(seq.Int64)
}

// close closes the SQLite database connection.
func (idx *sqliteIndex) close() error {
	return idx.db.Close()
}
