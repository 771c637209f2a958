// Package offline keeps events the channel could not deliver in a SQLite file, so a
// later process can send them.
package offline

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/newrelic/newrelic-telemetry-channel/telemetry"
	"github.com/newrelic/newrelic-telemetry-channel/util"
)

var l = util.NewPackageLogger("offline")

const (
	// DefaultMaxEvents bounds the file; the oldest rows go first.
	DefaultMaxEvents = 100000
	storeTimeout     = 5 * time.Second
)

// Store is a durable queue of serialized events.
type Store struct {
	path      string
	db        *sql.DB
	maxEvents int
	now       func() time.Time
}

// Open creates or opens the store at path. maxEvents of zero or less means DefaultMaxEvents.
func Open(path string, maxEvents int) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "creating offline store directory")
	}
	if maxEvents <= 0 {
		maxEvents = DefaultMaxEvents
	}

	db, err := sql.Open("sqlite", "file:"+path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening offline store %s", path)
	}
	// One connection, so the pragmas below hold for every statement.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "pinging offline store")
	}
	if _, err := db.ExecContext(ctx, pragmaSQL); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "applying offline store pragmas")
	}
	if _, err := db.ExecContext(ctx, schemaDDL); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "applying offline store schema")
	}

	l.Debugf("[offline:Open] using %s", path)
	return &Store{path: path, db: db, maxEvents: maxEvents, now: time.Now}, nil
}

func (s *Store) Path() string {
	return s.path
}

// Store writes every event of batches in one transaction, then trims the oldest rows
// beyond the size bound.
func (s *Store) Store(batches []*telemetry.EventBatch) error {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return errors.Wrap(err, "begin store tx")
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO offline_events (token, name, latency, attempts, payload, stored_at) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return errors.Wrap(err, "prepare insert")
	}
	defer stmt.Close()

	storedAt := s.now().UnixMilli()
	n := 0
	for _, b := range batches {
		for _, evt := range b.Events() {
			if evt.Payload() == nil {
				continue
			}
			if _, err := stmt.ExecContext(ctx, b.Token(), evt.Name, int(evt.Latency), evt.SendAttempt, evt.Payload(), storedAt); err != nil {
				return errors.Wrap(err, "insert offline event")
			}
			n++
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM offline_events WHERE id NOT IN (SELECT id FROM offline_events ORDER BY id DESC LIMIT ?)`, s.maxEvents); err != nil {
		return errors.Wrap(err, "trim offline events")
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit store tx")
	}
	l.Debugf("[offline:Store] stored %d events", n)
	return nil
}

// Drain removes and returns up to limit of the oldest events, ready to be enqueued again.
// Their attempt counters start over.
func (s *Store) Drain(ctx context.Context, limit int) ([]*telemetry.Event, error) {
	if limit <= 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin drain tx")
	}
	defer func() {
		_ = tx.Rollback()
	}()

	rows, err := tx.QueryContext(ctx, `SELECT id, token, name, latency, payload FROM offline_events ORDER BY id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query offline events")
	}
	var (
		ids    []interface{}
		events []*telemetry.Event
	)
	for rows.Next() {
		var (
			id      int64
			latency int
			payload []byte
			evt     telemetry.Event
		)
		if err := rows.Scan(&id, &evt.Token, &evt.Name, &latency, &payload); err != nil {
			_ = rows.Close()
			return nil, errors.Wrap(err, "scan offline event")
		}
		evt.Latency = telemetry.Latency(latency)
		evt.SetPayload(payload)
		ids = append(ids, id)
		events = append(events, &evt)
	}
	if err := rows.Close(); err != nil {
		return nil, errors.Wrap(err, "close offline rows")
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate offline events")
	}
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	if _, err := tx.ExecContext(ctx, `DELETE FROM offline_events WHERE id IN (`+placeholders+`)`, ids...); err != nil {
		return nil, errors.Wrap(err, "delete drained events")
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit drain tx")
	}
	return events, nil
}

// Count is the number of events waiting in the store.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM offline_events`).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "count offline events")
	}
	return n, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
