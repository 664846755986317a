// Package sqlite implements core.Repository and core.LeaseLocker on a local
// SQLite file. Records are stored as JSON documents in a single table keyed
// by (collection, id); filters and sorts use json_extract so the store stays
// schema-free. WAL mode supports concurrent readers while writing.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hupe1980/convoloop/core"
	"github.com/hupe1980/convoloop/repository"
)

// timeFormat is RFC 3339 UTC with a fixed 9-digit fraction so stored
// timestamps order lexicographically.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// validIdent constrains filter and sort field names to word characters; they
// are embedded in json_extract paths, never bound as parameters.
var validIdent = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// Store is a SQLite-backed repository plus lease locker.
type Store struct {
	db        *sql.DB
	relations map[string][]repository.Relation
}

// Open creates (or opens) the database file and initializes the schema.
func Open(path string) (*Store, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" {
		return nil, errors.New("missing db path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &Store{db: db, relations: make(map[string][]repository.Relation)}, nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL`,
		`CREATE TABLE IF NOT EXISTS records (
			collection TEXT NOT NULL,
			id         TEXT NOT NULL,
			data       TEXT NOT NULL,
			PRIMARY KEY (collection, id)
		)`,
		`CREATE TABLE IF NOT EXISTS leases (
			key        TEXT PRIMARY KEY,
			expires_at TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DefineRelation registers a relation resolvable through Query.Include.
func (s *Store) DefineRelation(collection string, rel repository.Relation) {
	s.relations[collection] = append(s.relations[collection], rel)
}

// Find implements core.Repository. Filter keys and the sort field reach this
// method from tool arguments, so they are validated as plain identifiers
// before being spliced into JSON paths.
func (s *Store) Find(ctx context.Context, collection string, q core.Query) ([]core.Record, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT data FROM records WHERE collection = ?`)
	args := []any{collection}

	for k, v := range q.Filter {
		field := strings.TrimSuffix(k, ">")
		if !validIdent.MatchString(field) {
			return nil, core.NewValidationError("filter", fmt.Sprintf("invalid field name %q", field))
		}
		if strings.HasSuffix(k, ">") {
			sb.WriteString(fmt.Sprintf(` AND json_extract(data, '$.%s') > ?`, field))
		} else {
			sb.WriteString(fmt.Sprintf(` AND json_extract(data, '$.%s') = ?`, field))
		}
		args = append(args, normalizeValue(v))
	}
	if q.Sort != "" {
		field, dir := q.Sort, "ASC"
		if strings.HasPrefix(field, "-") {
			field, dir = field[1:], "DESC"
		}
		if !validIdent.MatchString(field) {
			return nil, core.NewValidationError("sort", fmt.Sprintf("invalid field name %q", field))
		}
		sb.WriteString(fmt.Sprintf(` ORDER BY json_extract(data, '$.%s') %s`, field, dir))
	}
	if q.Limit > 0 {
		sb.WriteString(` LIMIT ?`)
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", collection, err)
	}
	defer rows.Close()

	var out []core.Record
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var rec core.Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("decode %s record: %w", collection, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, rel := range s.relations[collection] {
		if !included(q.Include, rel.Name) {
			continue
		}
		for _, rec := range out {
			children, err := s.Find(ctx, rel.Collection, core.Query{
				Filter: map[string]any{rel.ForeignField: rec[rel.LocalField]},
			})
			if err != nil {
				return nil, err
			}
			rec[rel.Name] = children
		}
	}
	return out, nil
}

// Create implements core.Repository. A missing id field is generated.
func (s *Store) Create(ctx context.Context, collection string, rec core.Record) (core.Record, error) {
	stored := normalizeRecord(rec)
	id, _ := stored["id"].(string)
	if id == "" {
		id = core.NewID()
		stored["id"] = id
	}
	raw, err := json.Marshal(stored)
	if err != nil {
		return nil, fmt.Errorf("encode %s record: %w", collection, err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO records (collection, id, data) VALUES (?, ?, ?)`,
		collection, id, string(raw),
	); err != nil {
		return nil, fmt.Errorf("create %s: %w", collection, err)
	}
	return stored, nil
}

// Update implements core.Repository. Changes merge into the stored document.
func (s *Store) Update(ctx context.Context, collection string, id string, changes core.Record) (core.Record, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM records WHERE collection = ? AND id = ?`, collection, id,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.NewNotFoundError(collection, id)
	}
	if err != nil {
		return nil, fmt.Errorf("update %s: %w", collection, err)
	}

	var rec core.Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("decode %s record: %w", collection, err)
	}
	for k, v := range normalizeRecord(changes) {
		rec[k] = v
	}
	updated, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode %s record: %w", collection, err)
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE records SET data = ? WHERE collection = ? AND id = ?`,
		string(updated), collection, id,
	); err != nil {
		return nil, fmt.Errorf("update %s: %w", collection, err)
	}
	return rec, nil
}

// Delete implements core.Repository.
func (s *Store) Delete(ctx context.Context, collection string, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM records WHERE collection = ? AND id = ?`, collection, id)
	if err != nil {
		return fmt.Errorf("delete %s: %w", collection, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.NewNotFoundError(collection, id)
	}
	return nil
}

// Acquire implements core.LeaseLocker with a single upsert: the insert wins
// only when the key is free or its lease has expired.
func (s *Store) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO leases (key, expires_at) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET expires_at = excluded.expires_at
		WHERE leases.expires_at < ?`,
		key, now.Add(ttl).Format(timeFormat), now.Format(timeFormat),
	)
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Release implements core.LeaseLocker. Releasing an unheld key is a no-op.
func (s *Store) Release(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM leases WHERE key = ?`, key); err != nil {
		return fmt.Errorf("release lease %s: %w", key, err)
	}
	return nil
}

func included(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

// normalizeRecord copies rec, converting time values to the fixed-width
// format so ordering and cutoff filters work at the SQL level.
func normalizeRecord(rec core.Record) core.Record {
	out := make(core.Record, len(rec))
	for k, v := range rec {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	if t, ok := v.(time.Time); ok {
		return t.UTC().Format(timeFormat)
	}
	return v
}
