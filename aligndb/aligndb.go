/* SPDX-License-Identifier: AGPL-3.0-or-later
 *
 * Zymatik Alignstore - A genomic multiple-sequence-alignment store for Go.
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published
 * by the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

package aligndb

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"
	"go.uber.org/multierr"
	"golang.org/x/sync/singleflight"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// InMemory is the sentinel source value meaning "ephemeral in-memory
// store" (spec §4.D open(source)).
const InMemory = ":memory:"

// ErrInvalidQuery is returned when GetRecordsMatching is called without
// either species or seqid.
var ErrInvalidQuery = errors.New("aligndb: at least one of species or seqid is required")

// DB is a persistent, indexed AlignRecord store backed by SQLite.
type DB struct {
	logger *slog.Logger
	sqlxdb *sqlx.DB

	mu    sync.Mutex
	trees map[string]*seqidIndex
	sf    singleflight.Group
}

// Open opens (creating if necessary) the AlignDb at source, a filesystem
// path or InMemory for an ephemeral store. Schema migrations run
// automatically on first use.
func Open(ctx context.Context, logger *slog.Logger, source string) (*DB, error) {
	dsn := source
	if source == InMemory {
		dsn = "file::memory:?_busy_timeout=5000"
	} else {
		dsn = fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", source)
	}

	sqlxdb, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("aligndb: opening %s: %w", source, err)
	}

	if source == InMemory {
		// A private in-memory database belongs to the connection that
		// created it and lives only as long as that connection; pin the
		// pool to one connection so the schema and data outlive individual
		// queries. Each Open gets its own independent store.
		sqlxdb.SetMaxOpenConns(1)
	}

	if err := sqlxdb.PingContext(ctx); err != nil {
		sqlxdb.Close()

		return nil, fmt.Errorf("aligndb: connecting to %s: %w", source, err)
	}

	if err := migrate(ctx, sqlxdb.DB); err != nil {
		sqlxdb.Close()

		return nil, fmt.Errorf("aligndb: migrating schema: %w", err)
	}

	return &DB{
		logger: logger,
		sqlxdb: sqlxdb,
		trees:  make(map[string]*seqidIndex),
	}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrationsFS)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}

	return goose.UpContext(ctx, db, "migrations")
}

// Close releases the underlying database handle.
func (db *DB) Close() error {
	return db.sqlxdb.Close()
}

// AddRecords bulk-inserts records within a single transaction: all rows
// commit or none do. Transient SQLITE_BUSY/SQLITE_LOCKED errors from a
// concurrent writer are retried with bounded exponential backoff.
func (db *DB) AddRecords(ctx context.Context, records []Record) error {
	for i, rec := range records {
		if err := rec.validate(); err != nil {
			return fmt.Errorf("aligndb: record %d: %w", i, err)
		}
	}

	backoff := retry.WithMaxRetries(5, retry.NewExponential(25*time.Millisecond))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := db.addRecordsOnce(ctx, records); err != nil {
			if isBusy(err) {
				return retry.RetryableError(err)
			}

			return err
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("aligndb: adding records: %w", err)
	}

	db.invalidate(records)

	return nil
}

func (db *DB) addRecordsOnce(ctx context.Context, records []Record) (err error) {
	tx, err := db.sqlxdb.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}

	defer func() {
		if err != nil {
			err = multierr.Append(err, tx.Rollback())
		}
	}()

	const insert = `
		INSERT INTO align (source, block_id, species, seqid, start, stop, strand, gap_spans)
		VALUES (:source, :block_id, :species, :seqid, :start, :stop, :strand, :gap_spans)`

	for _, rec := range records {
		if _, err = tx.NamedExecContext(ctx, insert, fromRecord(rec)); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func isBusy(err error) bool {
	var sqliteErr sqlite3.Error

	return errors.As(err, &sqliteErr) && (sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked)
}

func (db *DB) invalidate(records []Record) {
	db.mu.Lock()
	defer db.mu.Unlock()

	for _, rec := range records {
		delete(db.trees, indexKey(rec.Species, rec.Seqid))
	}
}

// Query is an explicit optional interval: Species and Seqid are exact
// equality filters (at least one required), Start/Stop together define
// the overlap predicate record.Stop > Start AND record.Start < Stop. A
// nil Start/Stop is treated as unbounded (-infinity / +infinity).
type Query struct {
	Species *string
	Seqid   *string
	Start   *int64
	Stop    *int64
}

// Iterator lazily yields Records in no guaranteed order (spec §5: "AlignDb
// query results have no defined order").
type Iterator interface {
	Next() (*Record, error)
	Close() error
}

var errIterEOF = io.EOF

// GetRecordsMatching returns records matching q. When both Species and
// Seqid are given, the query is served from an in-memory interval index
// built lazily per (species, seqid) pair (spec §4.D: "an interval-overlap
// index is recommended"); otherwise it falls back to a direct SQL filter
// pass.
func (db *DB) GetRecordsMatching(ctx context.Context, q Query) (Iterator, error) {
	if q.Species == nil && q.Seqid == nil {
		return nil, ErrInvalidQuery
	}

	if q.Species != nil && q.Seqid != nil {
		idx, err := db.ensureIndex(ctx, *q.Species, *q.Seqid)
		if err != nil {
			return nil, err
		}

		return &sliceIterator{records: idx.query(q.Start, q.Stop)}, nil
	}

	return db.queryWithoutIndex(ctx, q)
}

func (db *DB) queryWithoutIndex(ctx context.Context, q Query) (Iterator, error) {
	clauses := make([]string, 0, 4)
	args := make([]interface{}, 0, 4)

	if q.Species != nil {
		clauses = append(clauses, "species = ?")
		args = append(args, *q.Species)
	}
	if q.Seqid != nil {
		clauses = append(clauses, "seqid = ?")
		args = append(args, *q.Seqid)
	}
	if q.Stop != nil {
		clauses = append(clauses, "start < ?")
		args = append(args, *q.Stop)
	}
	if q.Start != nil {
		clauses = append(clauses, "stop > ?")
		args = append(args, *q.Start)
	}

	query := "SELECT source, block_id, species, seqid, start, stop, strand, gap_spans FROM align WHERE " + strings.Join(clauses, " AND ")

	rows, err := db.sqlxdb.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("aligndb: querying: %w", err)
	}

	return &rowsIterator{rows: rows}, nil
}

// GetRecordsByBlockID returns every record sharing blockID, the full set of
// participating sequences for one alignment block, ordered by species then
// seqid for deterministic alignment-row ordering.
func (db *DB) GetRecordsByBlockID(ctx context.Context, blockID string) (Iterator, error) {
	rows, err := db.sqlxdb.QueryxContext(ctx,
		"SELECT source, block_id, species, seqid, start, stop, strand, gap_spans FROM align WHERE block_id = ? ORDER BY species, seqid",
		blockID)
	if err != nil {
		return nil, fmt.Errorf("aligndb: querying block %s: %w", blockID, err)
	}

	return &rowsIterator{rows: rows}, nil
}

// GetBlockIDs returns the distinct block_id values currently stored,
// ordered for deterministic iteration (spec §4.F: "every block in the
// database").
func (db *DB) GetBlockIDs(ctx context.Context) ([]string, error) {
	var ids []string
	if err := db.sqlxdb.SelectContext(ctx, &ids, "SELECT DISTINCT block_id FROM align ORDER BY block_id"); err != nil {
		return nil, fmt.Errorf("aligndb: listing block ids: %w", err)
	}

	return ids, nil
}

// GetSpeciesNames returns the distinct species values currently stored.
func (db *DB) GetSpeciesNames(ctx context.Context) (map[string]struct{}, error) {
	var names []string
	if err := db.sqlxdb.SelectContext(ctx, &names, "SELECT DISTINCT species FROM align"); err != nil {
		return nil, fmt.Errorf("aligndb: listing species: %w", err)
	}

	out := make(map[string]struct{}, len(names))
	for _, n := range names {
		out[n] = struct{}{}
	}

	return out, nil
}

type rowsIterator struct {
	rows *sqlx.Rows
}

func (it *rowsIterator) Next() (*Record, error) {
	if !it.rows.Next() {
		if err := it.rows.Err(); err != nil {
			return nil, err
		}

		return nil, errIterEOF
	}

	var r row
	if err := it.rows.StructScan(&r); err != nil {
		return nil, err
	}

	rec, err := r.toRecord()
	if err != nil {
		return nil, err
	}

	return &rec, nil
}

func (it *rowsIterator) Close() error {
	return it.rows.Close()
}

type sliceIterator struct {
	records []Record
	pos     int
}

func (it *sliceIterator) Next() (*Record, error) {
	if it.pos >= len(it.records) {
		return nil, errIterEOF
	}

	rec := it.records[it.pos]
	it.pos++

	return &rec, nil
}

func (it *sliceIterator) Close() error {
	return nil
}

func indexKey(species, seqid string) string {
	return species + "\x00" + seqid
}

// ensureIndex returns the cached interval index for (species, seqid),
// building it from a full scan the first time it's requested, collapsing
// concurrent builders for the same key via singleflight.
func (db *DB) ensureIndex(ctx context.Context, species, seqid string) (*seqidIndex, error) {
	key := indexKey(species, seqid)

	db.mu.Lock()
	idx, ok := db.trees[key]
	db.mu.Unlock()
	if ok {
		return idx, nil
	}

	v, err, _ := db.sf.Do(key, func() (interface{}, error) {
		db.mu.Lock()
		if idx, ok := db.trees[key]; ok {
			db.mu.Unlock()

			return idx, nil
		}
		db.mu.Unlock()

		rows, err := db.sqlxdb.QueryxContext(ctx,
			"SELECT source, block_id, species, seqid, start, stop, strand, gap_spans FROM align WHERE species = ? AND seqid = ?",
			species, seqid)
		if err != nil {
			return nil, fmt.Errorf("aligndb: building index for %s/%s: %w", species, seqid, err)
		}
		defer rows.Close()

		var records []Record
		for rows.Next() {
			var r row
			if err := rows.StructScan(&r); err != nil {
				return nil, err
			}

			rec, err := r.toRecord()
			if err != nil {
				return nil, err
			}

			records = append(records, rec)
		}
		if err := rows.Err(); err != nil {
			return nil, err
		}

		built := newSeqidIndex(records)

		db.mu.Lock()
		db.trees[key] = built
		db.mu.Unlock()

		return built, nil
	})
	if err != nil {
		return nil, err
	}

	return v.(*seqidIndex), nil
}
