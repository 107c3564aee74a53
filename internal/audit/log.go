package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// appendRetries bounds the internal resync attempts when another writer
// advanced the chain files underneath us.
const appendRetries = 3

// Log manages the hash-chained, append-only audit store.
//
// Storage layout:
//
//	~/.chainlog/data/
//	├── chain-2026-08-20.jsonl   # One file per UTC day, append-only
//	├── chain-2026-08-21.jsonl
//	└── index.db                 # SQLite index for fast queries
//
// File names sort lexicographically in date order, which is also sequence
// order, so chain walks read the files in sorted name order.
//
// Thread-safe. Appends serialize on a single writer mutex, which is the
// only place sequence numbers are allocated. Reads go through the SQLite
// index (queries) or a snapshot walk of the JSONL files (verification)
// and never take the writer mutex.
type Log struct {
	mu       sync.Mutex
	dir      string
	seq      uint64 // Sequence number of the last committed record.
	lastHash string // Integrity hash of the last committed record.
	index    *sqliteIndex
	file     *os.File // Currently open daily JSONL file.
	fileDate string   // UTC date (YYYY-MM-DD) of the open file.
	fileSize int64    // Size after our last write, for drift detection.
}

// Open opens or creates an audit store in the given directory and
// recovers the chain state (last sequence number and hash) from the most
// recent JSONL file. Records missed by the index, for example after a
// crash between file commit and indexing, are re-indexed.
func Open(dir string) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: creating audit directory %s: %v", ErrAvailability, dir, err)
	}

	l := &Log{
		dir:      dir,
		lastHash: PreviousHashSentinel,
	}

	idx, err := openIndex(filepath.Join(dir, "index.db"))
	if err != nil {
		return nil, fmt.Errorf("%w: opening audit index: %v", ErrAvailability, err)
	}
	l.index = idx

	if err := l.recoverState(); err != nil {
		idx.close()
		return nil, err
	}

	slog.Info("audit log ready", "dir", dir, "seq", l.seq)
	return l, nil
}

// Close flushes and closes the chain file and the SQLite index.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var errs []error
	if l.file != nil {
		if err := l.file.Close(); err != nil {
			errs = append(errs, err)
		}
		l.file = nil
	}
	if l.index != nil {
		if err := l.index.close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("closing audit log: %v", errs)
	}
	return nil
}

// Dir returns the store directory.
func (l *Log) Dir() string {
	return l.dir
}

// LastSeq returns the sequence number of the last committed record,
// 0 when the store is empty.
func (l *Log) LastSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

// Append validates the event, allocates the next sequence number, seals
// the record into the chain and commits it. The whole allocation, seal
// and file write happens under one writer mutex: concurrent appends are
// strictly serialized and readers never observe a record without its
// hash or without its predecessor.
//
// Validation failures return ErrValidation before any sequence number is
// allocated. A failed file write rolls the allocation back, so no gap
// becomes visible. Once the sequence number is allocated the append runs
// to completion; ctx is only honored before allocation.
func (l *Log) Append(ctx context.Context, ev Event) (*Record, error) {
	rec, err := buildRecord(ev)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rec.LogID = uuid.NewString()

	l.mu.Lock()
	defer l.mu.Unlock()

	// Another process may append to the same store (daemon plus offline
	// CLI). If the open file grew underneath us, resync from disk and
	// retry the allocation rather than forking the chain.
	for attempt := 0; ; attempt++ {
		drifted, err := l.resyncIfDrifted()
		if err != nil {
			return nil, err
		}
		if !drifted {
			break
		}
		if attempt+1 >= appendRetries {
			return nil, fmt.Errorf("%w: chain advanced by another writer", ErrConcurrency)
		}
	}

	rec.Seq = l.seq + 1
	seal(rec, l.lastHash)

	if err := l.writeToFile(rec); err != nil {
		// Sequence state untouched, the allocation rolls back with us.
		return nil, fmt.Errorf("%w: %v", ErrAvailability, err)
	}

	l.seq = rec.Seq
	l.lastHash = rec.IntegrityHash

	// The JSONL write above is the commit point. The index is a
	// rebuildable projection: insert failures are logged inside and
	// repaired by reindexing on next open.
	l.index.insert(rec)

	out := *rec
	return &out, nil
}

// Tail returns the N most recent records, newest first.
func (l *Log) Tail(limit int) ([]Record, error) {
	return l.index.query(Filter{}, limit, 0)
}

// GetByLogID returns the record with the given log ID, or ErrNotFound.
func (l *Log) GetByLogID(ctx context.Context, logID string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return l.index.getByLogID(logID)
}

// Follow polls for new records and invokes the callback for each one, in
// sequence order. Blocks until the context is cancelled. Similar to
// `tail -f` for the audit log.
func (l *Log) Follow(ctx context.Context, callback func(Record)) error {
	lastSeq := l.LastSeq()
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			records, err := l.readRecordsAfter(lastSeq)
			if err != nil {
				slog.Error("follow: reading records", "error", err)
				continue
			}
			for _, r := range records {
				callback(r)
				if r.Seq > lastSeq {
					lastSeq = r.Seq
				}
			}
		}
	}
}

// writeToFile appends the record as one JSON line to the daily chain
// file, rotating when the UTC date changes, and syncs to disk. Caller
// must hold the mutex.
func (l *Log) writeToFile(r *Record) error {
	today := time.Now().UTC().Format("2006-01-02")

	if l.file == nil || l.fileDate != today {
		if l.file != nil {
			l.file.Close()
		}

		path := filepath.Join(l.dir, "chain-"+today+".jsonl")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("opening chain file %s: %w", path, err)
		}
		l.file = f
		l.fileDate = today
		if st, err := f.Stat(); err == nil {
			l.fileSize = st.Size()
		}
	}

	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshaling audit record: %w", err)
	}

	n, err := l.file.Write(append(data, '\n'))
	if err != nil {
		return fmt.Errorf("writing audit record: %w", err)
	}
	l.fileSize += int64(n)

	// Sync immediately, audit records must survive crashes.
	return l.file.Sync()
}

// resyncIfDrifted compares the open chain file's size on disk against the
// size after our last write. A mismatch means another writer appended, so
// the in-memory seq and lastHash are stale; recover them from disk.
// Caller must hold the mutex.
func (l *Log) resyncIfDrifted() (bool, error) {
	if l.file == nil {
		return false, nil
	}
	st, err := l.file.Stat()
	if err != nil {
		return false, fmt.Errorf("%w: stat chain file: %v", ErrAvailability, err)
	}
	if st.Size() == l.fileSize {
		return false, nil
	}

	slog.Warn("audit chain advanced externally, resyncing", "seq", l.seq)
	if err := l.recoverState(); err != nil {
		return false, err
	}
	l.fileSize = st.Size()
	return true, nil
}

// recoverState scans the chain files to find the last committed sequence
// number and hash, then re-indexes anything the SQLite index is missing.
// Called at open and after external writer drift.
func (l *Log) recoverState() error {
	files, err := l.chainFiles()
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return nil
	}

	// Only the last record matters for chain continuity; files sort in
	// date order, so it lives in the last file.
	last, err := readLastRecord(files[len(files)-1])
	if err != nil {
		return fmt.Errorf("%w: recovering audit state from %s: %v", ErrAvailability, files[len(files)-1], err)
	}
	if last == nil {
		return nil
	}

	l.seq = last.Seq
	l.lastHash = last.IntegrityHash

	if l.index.lastSeq() < l.seq {
		l.reindex(files)
	}
	return nil
}

// reindex scans the chain files and inserts every record missing from
// the SQLite index, for example after a crash between file commit and
// indexing, or after deleting index.db.
func (l *Log) reindex(files []string) {
	indexLastSeq := l.index.lastSeq()

	var added int
	for _, file := range files {
		records, err := readRecordsFromFile(file)
		if err != nil {
			slog.Error("reindex: reading chain file", "file", file, "error", err)
			continue
		}
		for i := range records {
			if records[i].Seq > indexLastSeq {
				l.index.insert(&records[i])
				added++
			}
		}
	}
	if added > 0 {
		slog.Info("audit index rebuilt", "records", added)
	}
}

// chainFiles lists the daily chain files in date (= sequence) order.
func (l *Log) chainFiles() ([]string, error) {
	files, err := filepath.Glob(filepath.Join(l.dir, "chain-*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("%w: listing chain files: %v", ErrAvailability, err)
	}
	return files, nil
}

// readAllRecords reads every record from the chain files in sequence
// order. This is the verification-grade read path: it bypasses the index
// and reflects exactly what is on disk.
func (l *Log) readAllRecords() ([]Record, error) {
	files, err := l.chainFiles()
	if err != nil {
		return nil, err
	}

	var all []Record
	for _, file := range files {
		records, err := readRecordsFromFile(file)
		if err != nil {
			return nil, fmt.Errorf("%w: reading chain file %s: %v", ErrAvailability, file, err)
		}
		all = append(all, records...)
	}
	return all, nil
}

// readRecordsAfter reads records with seq > afterSeq from today's chain
// file. Used by Follow for cheap polling; records older than today are
// by definition already seen.
func (l *Log) readRecordsAfter(afterSeq uint64) ([]Record, error) {
	today := time.Now().UTC().Format("2006-01-02")
	path := filepath.Join(l.dir, "chain-"+today+".jsonl")

	records, err := readRecordsFromFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var result []Record
	for _, r := range records {
		if r.Seq > afterSeq {
			result = append(result, r)
		}
	}
	return result, nil
}

// readRecordsFromFile reads all records from a single JSONL chain file.
// Malformed lines are skipped with a warning; verification catches the
// resulting gap.
func readRecordsFromFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var records []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		var r Record
		if err := json.Unmarshal([]byte(line), &r); err != nil {
			slog.Warn("skipping malformed audit record", "file", filepath.Base(path), "error", err)
			continue
		}
		records = append(records, r)
	}
	return records, scanner.Err()
}

// readLastRecord reads the last non-empty line of a JSONL chain file.
// Returns nil when the file is empty.
func readLastRecord(path string) (*Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lastLine string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) != "" {
			lastLine = line
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	if lastLine == "" {
		return nil, nil
	}

	var r Record
	if err := json.Unmarshal([]byte(lastLine), &r); err != nil {
		return nil, err
	}
	return &r, nil
}
