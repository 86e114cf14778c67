package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/cloudbridge/internal/schema"
)

//go:embed schema.sql
var schemaSQL string

// sqlOpen is swapped in tests.
var sqlOpen = sql.Open

// dialect captures the few differences between the supported databases.
type dialect struct {
	name        string
	driver      string
	placeholder func(n int) string
}

func (d dialect) params(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = d.placeholder(i + 1)
	}
	return out
}

// Durable is a Memory store whose commits are written through to a SQL
// database before they become visible. Opening a Durable store loads every
// persisted object into memory.
type Durable struct {
	*Memory
	db      *sql.DB
	dialect dialect
}

// DB returns the underlying database handle.
func (d *Durable) DB() *sql.DB { return d.db }

// Driver names the database flavor: "sqlite" or "postgres".
func (d *Durable) Driver() string { return d.dialect.name }

// Close closes the database. The in-memory cache stays readable.
func (d *Durable) Close() error {
	if d.db == nil {
		return nil
	}
	return d.db.Close()
}

func openDurable(db *sql.DB, d dialect, registry *schema.Registry, opts []Option) (*Durable, error) {
	if err := applyStatements(db, schemaSQL); err != nil {
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	p := &sqlPersister{db: db, dialect: d, now: time.Now}
	m := NewMemory(registry, append(opts, WithPersister(p))...)

	records, seq, err := p.load(context.Background(), registry, m)
	if err != nil {
		return nil, fmt.Errorf("failed to load objects: %w", err)
	}
	m.load(records, seq)
	m.logger.Info("store opened",
		"driver", d.name,
		"objects", len(records),
		"seq", seq)
	return &Durable{Memory: m, db: db, dialect: d}, nil
}

// applyStatements runs a multi-statement script one statement at a time.
// Comments are removed before splitting so a ';' inside one cannot cut a
// statement.
func applyStatements(db *sql.DB, script string) error {
	for _, stmt := range splitStatements(script) {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt, err)
		}
	}
	return nil
}

func splitStatements(script string) []string {
	var out []string
	for _, stmt := range strings.Split(stripComments(script), ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

func stripComments(script string) string {
	var b strings.Builder
	for _, line := range strings.Split(script, "\n") {
		if i := strings.Index(line, "--"); i >= 0 {
			line = line[:i]
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}

// sqlPersister writes change sets into the objects and commits tables.
type sqlPersister struct {
	db      *sql.DB
	dialect dialect
	now     func() time.Time
}

func (p *sqlPersister) Persist(ctx context.Context, cs ChangeSet) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	ph := p.dialect.params(4)
	upsert := fmt.Sprintf(`INSERT INTO objects (entity, row_id, version, payload)
		VALUES (%s, %s, %s, %s)
		ON CONFLICT (entity, row_id) DO UPDATE SET version = excluded.version, payload = excluded.payload`,
		ph[0], ph[1], ph[2], ph[3])
	for _, r := range cs.Upserts {
		payload, err := encodePayload(r.Values)
		if err != nil {
			return fmt.Errorf("encode %s: %w", r.ID, err)
		}
		if _, err := tx.ExecContext(ctx, upsert, r.ID.Entity, r.ID.Row, r.Version, payload); err != nil {
			return fmt.Errorf("upsert %s: %w", r.ID, err)
		}
	}

	del := fmt.Sprintf(`DELETE FROM objects WHERE entity = %s AND row_id = %s`, ph[0], ph[1])
	for _, id := range cs.Deletes {
		if _, err := tx.ExecContext(ctx, del, id.Entity, id.Row); err != nil {
			return fmt.Errorf("delete %s: %w", id, err)
		}
	}

	commit := fmt.Sprintf(`INSERT INTO commits (seq, committed_at, upserts, deletes) VALUES (%s, %s, %s, %s)`,
		ph[0], ph[1], ph[2], ph[3])
	if _, err := tx.ExecContext(ctx, commit, cs.Seq, p.now().UTC().Format(time.RFC3339Nano),
		len(cs.Upserts), len(cs.Deletes)); err != nil {
		return fmt.Errorf("record commit %d: %w", cs.Seq, err)
	}
	return tx.Commit()
}

func (p *sqlPersister) load(ctx context.Context, registry *schema.Registry, m *Memory) ([]Record, int64, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT entity, row_id, version, payload FROM objects ORDER BY row_id`)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		var payload string
		if err := rows.Scan(&r.ID.Entity, &r.ID.Row, &r.Version, &payload); err != nil {
			return nil, 0, err
		}
		if registry.Entity(r.ID.Entity) == nil {
			m.logger.Warn("skipping object of unknown entity",
				"entity", r.ID.Entity,
				"row", strconv.FormatInt(r.ID.Row, 10))
			continue
		}
		if r.Values, err = decodePayload(payload); err != nil {
			return nil, 0, fmt.Errorf("decode %s: %w", r.ID, err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	var seq int64
	if err := p.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM commits`).Scan(&seq); err != nil {
		return nil, 0, fmt.Errorf("read commit clock: %w", err)
	}
	return records, seq, nil
}
