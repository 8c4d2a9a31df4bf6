package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// Sink receives flushed audit batches. Implementations must tolerate being
// called from a single background goroutine plus Close from the owner.
type Sink interface {
	Write(ctx context.Context, entries []Entry) error
	Close() error
}

// NopSink discards everything. Used when no durable audit target is
// configured.
type NopSink struct{}

func (NopSink) Write(context.Context, []Entry) error { return nil }
func (NopSink) Close() error                         { return nil }

// FileSink appends entries as JSON lines and syncs after each batch.
type FileSink struct {
	mu  sync.Mutex
	f   *os.File
	enc *json.Encoder
}

// NewFileSink opens (or creates) the JSONL file in append mode.
func NewFileSink(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open audit file: %w", err)
	}
	return &FileSink{f: f, enc: json.NewEncoder(f)}, nil
}

func (s *FileSink) Write(_ context.Context, entries []Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		if err := s.enc.Encode(e); err != nil {
			return err
		}
	}
	return s.f.Sync()
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}

// SQLSink writes batches into the audit_log table within one transaction.
// Placeholder style follows the driver: $n for pgx, ? for sqlite3.
type SQLSink struct {
	db     *sql.DB
	insert string
}

const (
	insertPg = `insert into audit_log (id, ts, action, subject_id, outcome, error_kind, client_ip, user_agent, request_id, extra)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	insertSQLite = `insert into audit_log (id, ts, action, subject_id, outcome, error_kind, client_ip, user_agent, request_id, extra)
		values (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
)

// NewSQLSink wraps an open database handle. The caller owns the handle's
// pool settings; migrations must have created audit_log already.
func NewSQLSink(db *sql.DB, driver string) *SQLSink {
	insert := insertSQLite
	if driver == "pgx" {
		insert = insertPg
	}
	return &SQLSink{db: db, insert: insert}
}

func (s *SQLSink) Write(ctx context.Context, entries []Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, e := range entries {
		var extra any
		if len(e.Extra) > 0 {
			data, err := json.Marshal(e.Extra)
			if err != nil {
				return err
			}
			extra = string(data)
		}
		if _, err := tx.ExecContext(ctx, s.insert,
			e.ID, e.Timestamp, e.Action, nullable(e.SubjectID), e.Outcome,
			nullable(e.ErrorKind), nullable(e.Client.IP), nullable(e.Client.UserAgent),
			nullable(e.Client.RequestID), extra,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLSink) Close() error { return s.db.Close() }

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
