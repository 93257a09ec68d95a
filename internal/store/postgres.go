package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/Amsterdam/bag-services/internal/geometry"
	"github.com/Amsterdam/bag-services/internal/record"
)

// maxParams is the Postgres limit on bind parameters per statement.
const maxParams = 65535

// DBTX is the interface for database operations.
// Satisfied by both *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
}

// DB is a DBTX that can open transactions. Satisfied by *pgxpool.Pool.
type DB interface {
	DBTX
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Postgres stores records in PostGIS-enabled Postgres tables.
//
// Types without geometry columns are loaded with COPY; geometry types use multi-row
// INSERT statements that decode EWKB server side.
type Postgres struct {
	db DB
}

// NewPostgres returns a store over db.
func NewPostgres(db DB) *Postgres {
	return &Postgres{db: db}
}

// InsertBatch implements Store.
func (p *Postgres) InsertBatch(ctx context.Context, t *record.EntityType, recs []*record.Record) error {
	if len(recs) == 0 {
		return nil
	}
	rows := make([][]any, len(recs))
	for i, r := range recs {
		row, err := encodeRow(t, r)
		if err != nil {
			return fmt.Errorf("encode %s %q: %w", t.Name, r.ID, err)
		}
		rows[i] = row
	}

	tx, err := p.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if !t.HasGeometry() {
		_, err = tx.CopyFrom(ctx, pgx.Identifier{t.TableName()}, t.ColumnNames(), pgx.CopyFromRows(rows))
		if err != nil {
			return fmt.Errorf("copy into %s: %w", t.TableName(), err)
		}
	} else {
		perStmt := maxParams / len(t.Columns)
		for start := 0; start < len(rows); start += perStmt {
			end := min(start+perStmt, len(rows))
			chunk := rows[start:end]
			args := make([]any, 0, len(chunk)*len(t.Columns))
			for _, row := range chunk {
				args = append(args, row...)
			}
			if _, err := tx.Exec(ctx, insertSQL(t, len(chunk)), args...); err != nil {
				return fmt.Errorf("insert into %s: %w", t.TableName(), err)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// ApplyMerges implements Store.
func (p *Postgres) ApplyMerges(ctx context.Context, t *record.EntityType, merges []Merge) (int, []string, error) {
	if len(merges) == 0 {
		return 0, nil, nil
	}

	batch := &pgx.Batch{}
	for _, m := range merges {
		cols := sortedColumns(m.Values)
		args := make([]any, 0, len(cols)+1)
		for _, c := range cols {
			col, ok := t.Column(c)
			if !ok {
				return 0, nil, fmt.Errorf("merge %s %q: unknown column %q", t.Name, m.ID, c)
			}
			v, err := encodeValue(col, m.Values[c])
			if err != nil {
				return 0, nil, fmt.Errorf("merge %s %q: %w", t.Name, m.ID, err)
			}
			args = append(args, v)
		}
		args = append(args, m.ID)
		batch.Queue(updateSQL(t, cols), args...)
	}

	tx, err := p.db.Begin(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	br := tx.SendBatch(ctx, batch)
	applied := 0
	var missing []string
	for _, m := range merges {
		tag, err := br.Exec()
		if err != nil {
			br.Close()
			return 0, nil, fmt.Errorf("update %s %q: %w", t.TableName(), m.ID, err)
		}
		if tag.RowsAffected() == 0 {
			missing = append(missing, m.ID)
			continue
		}
		applied++
	}
	if err := br.Close(); err != nil {
		return 0, nil, fmt.Errorf("update %s: %w", t.TableName(), err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, nil, fmt.Errorf("commit transaction: %w", err)
	}
	return applied, missing, nil
}

// LookupID implements Store.
func (p *Postgres) LookupID(ctx context.Context, t *record.EntityType, naturalKey string) (string, bool, error) {
	query := fmt.Sprintf("SELECT %s::text FROM %s WHERE %s = $1 LIMIT 1",
		quoteIdentifier(t.Key()),
		quoteIdentifier(t.TableName()),
		quoteIdentifier(t.NaturalKey()),
	)
	var id string
	err := p.db.QueryRow(ctx, query, naturalKey).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup %s %q: %w", t.Name, naturalKey, err)
	}
	return id, true, nil
}

// Exists implements Store.
func (p *Postgres) Exists(ctx context.Context, t *record.EntityType, id string) (bool, error) {
	query := fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM %s WHERE %s = $1)",
		quoteIdentifier(t.TableName()),
		quoteIdentifier(t.Key()),
	)
	var exists bool
	if err := p.db.QueryRow(ctx, query, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("exists %s %q: %w", t.Name, id, err)
	}
	return exists, nil
}

// DeleteAll implements Store.
func (p *Postgres) DeleteAll(ctx context.Context, t *record.EntityType) (int64, error) {
	tag, err := p.db.Exec(ctx, "DELETE FROM "+quoteIdentifier(t.TableName()))
	if err != nil {
		return 0, fmt.Errorf("delete from %s: %w", t.TableName(), err)
	}
	return tag.RowsAffected(), nil
}

// Count implements Store.
func (p *Postgres) Count(ctx context.Context, t *record.EntityType) (int64, error) {
	var n int64
	if err := p.db.QueryRow(ctx, "SELECT COUNT(*) FROM "+quoteIdentifier(t.TableName())).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", t.TableName(), err)
	}
	return n, nil
}

// Scan implements Store. Geometry columns are read back as EWKB and decoded.
func (p *Postgres) Scan(ctx context.Context, t *record.EntityType, fn func(*record.Record) error) error {
	rows, err := p.db.Query(ctx, selectSQL(t))
	if err != nil {
		return fmt.Errorf("scan %s: %w", t.TableName(), err)
	}
	defer rows.Close()

	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return fmt.Errorf("scan %s: %w", t.TableName(), err)
		}
		r, err := decodeRow(t, vals)
		if err != nil {
			return fmt.Errorf("scan %s: %w", t.TableName(), err)
		}
		if err := fn(r); err != nil {
			return err
		}
	}
	return rows.Err()
}

func encodeRow(t *record.EntityType, r *record.Record) ([]any, error) {
	row := r.Row()
	for i, col := range t.Columns {
		v, err := encodeValue(col, row[i])
		if err != nil {
			return nil, err
		}
		row[i] = v
	}
	return row, nil
}

func encodeValue(col record.Column, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if col.Kind != record.KindGeometry {
		return v, nil
	}
	switch g := v.(type) {
	case geometry.Geometry:
		b, err := g.EWKB()
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", col.Name, err)
		}
		return b, nil
	case *geometry.Geometry:
		if g == nil {
			return nil, nil
		}
		return encodeValue(col, *g)
	case []byte:
		return g, nil
	default:
		return nil, fmt.Errorf("column %s: unsupported geometry value %T", col.Name, v)
	}
}

func decodeRow(t *record.EntityType, vals []any) (*record.Record, error) {
	if len(vals) != len(t.Columns) {
		return nil, fmt.Errorf("expected %d columns, got %d", len(t.Columns), len(vals))
	}
	values := make(map[string]any, len(vals))
	for i, col := range t.Columns {
		v := vals[i]
		if b, ok := v.([]byte); ok && col.Kind == record.KindGeometry {
			g, err := geometry.FromEWKB(b)
			if err != nil {
				return nil, fmt.Errorf("column %s: %w", col.Name, err)
			}
			v = g
		}
		values[col.Name] = v
	}
	id := fmt.Sprint(values[t.Key()])
	r := record.New(t, id, values)
	if nk := values[t.NaturalKey()]; nk != nil {
		r.NaturalKey = fmt.Sprint(nk)
	}
	return r, nil
}

// quoteIdentifier quotes a SQL identifier to prevent injection.
func quoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func insertSQL(t *record.EntityType, rows int) string {
	cols := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		cols[i] = quoteIdentifier(c.Name)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", quoteIdentifier(t.TableName()), strings.Join(cols, ", "))
	n := 1
	for r := 0; r < rows; r++ {
		if r > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for i, c := range t.Columns {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(placeholder(c, n))
			n++
		}
		b.WriteString(")")
	}
	return b.String()
}

func updateSQL(t *record.EntityType, cols []string) string {
	sets := make([]string, len(cols))
	for i, name := range cols {
		col, _ := t.Column(name)
		col.Name = name
		sets[i] = fmt.Sprintf("%s = %s", quoteIdentifier(name), placeholder(col, i+1))
	}
	return fmt.Sprintf("UPDATE %s SET %s WHERE %s = $%d",
		quoteIdentifier(t.TableName()),
		strings.Join(sets, ", "),
		quoteIdentifier(t.Key()),
		len(cols)+1,
	)
}

func selectSQL(t *record.EntityType) string {
	cols := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		if c.Kind == record.KindGeometry {
			cols[i] = "ST_AsEWKB(" + quoteIdentifier(c.Name) + ")"
		} else {
			cols[i] = quoteIdentifier(c.Name)
		}
	}
	return fmt.Sprintf("SELECT %s FROM %s ORDER BY %s",
		strings.Join(cols, ", "),
		quoteIdentifier(t.TableName()),
		quoteIdentifier(t.Key()),
	)
}

func placeholder(c record.Column, n int) string {
	if c.Kind == record.KindGeometry {
		return fmt.Sprintf("ST_GeomFromEWKB($%d)", n)
	}
	return fmt.Sprintf("$%d", n)
}

func sortedColumns(values map[string]any) []string {
	cols := make([]string, 0, len(values))
	for c := range values {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}
