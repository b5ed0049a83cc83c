package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"notesrag/types"
)

var _ Backend = (*PgVector)(nil)

var validName = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// ivfflatLists is the list count of the embedding index. Scanning every list
// makes the search exact, so user filters applied after it lose nothing.
const ivfflatLists = 100

// PgVector keeps one table per index in Postgres with the pgvector extension.
type PgVector struct {
	pool      *pgxpool.Pool
	ownsPool  bool
	scanLists int

	mu    sync.RWMutex
	table string // sanitized identifier, set by EnsureIndex
}

type PgVectorOption func(*PgVector)

// WithScanLists sets how many ivfflat lists a query visits, capped at the
// list count. n <= 0 keeps the default of scanning every list.
func WithScanLists(n int) PgVectorOption {
	return func(p *PgVector) {
		if n > 0 {
			p.scanLists = min(n, ivfflatLists)
		}
	}
}

func newPgVector(pool *pgxpool.Pool, owns bool, opts []PgVectorOption) *PgVector {
	p := &PgVector{pool: pool, ownsPool: owns, scanLists: ivfflatLists}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// NewPgVector connects to Postgres and checks the connection.
func NewPgVector(ctx context.Context, connStr string, opts ...PgVectorOption) (*PgVector, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return newPgVector(pool, true, opts), nil
}

// NewPgVectorWithPool uses a pool owned by the caller; Close leaves it open.
func NewPgVectorWithPool(pool *pgxpool.Pool, opts ...PgVectorOption) *PgVector {
	return newPgVector(pool, false, opts)
}

func (p *PgVector) EnsureIndex(ctx context.Context, spec Spec) error {
	if !validName.MatchString(spec.Name) {
		return fmt.Errorf("pgvector: invalid index name %q", spec.Name)
	}
	if spec.Metric != "" && spec.Metric != MetricCosine {
		return fmt.Errorf("pgvector: unsupported metric %q", spec.Metric)
	}
	if spec.Dimension <= 0 {
		return fmt.Errorf("pgvector: invalid dimension %d", spec.Dimension)
	}

	dims, found, err := p.existingDimension(ctx, spec.Name)
	if err != nil {
		return fmt.Errorf("pgvector: inspect index: %w", err)
	}
	if !found {
		if err := p.createIndex(ctx, spec); err != nil {
			if !isAlreadyExists(err) {
				return fmt.Errorf("pgvector: create index: %w", err)
			}
			// Lost a creation race; the winner's table must match us too.
			slog.Info("index created concurrently", "index", spec.Name)
			if dims, _, err = p.existingDimension(ctx, spec.Name); err != nil {
				return fmt.Errorf("pgvector: inspect index: %w", err)
			}
		} else {
			dims = spec.Dimension
		}
	}
	if dims != spec.Dimension {
		return types.DimensionError("index "+spec.Name, dims, spec.Dimension)
	}

	p.mu.Lock()
	p.table = pgx.Identifier{spec.Name}.Sanitize()
	p.mu.Unlock()
	return nil
}

// existingDimension reads the declared size of the embedding column.
// pgvector stores it as the column's type modifier.
func (p *PgVector) existingDimension(ctx context.Context, name string) (int, bool, error) {
	var typmod int
	err := p.pool.QueryRow(ctx, `
		SELECT a.atttypmod
		FROM pg_attribute a
		JOIN pg_class c ON c.oid = a.attrelid
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE n.nspname = current_schema()
		  AND c.relname = $1
		  AND a.attname = 'embedding'
		  AND NOT a.attisdropped`, name).Scan(&typmod)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return typmod, true, nil
}

func (p *PgVector) createIndex(ctx context.Context, spec Spec) error {
	table := pgx.Identifier{spec.Name}.Sanitize()
	idx := func(suffix string) string {
		return pgx.Identifier{"idx_" + spec.Name + "_" + suffix}.Sanitize()
	}

	query := fmt.Sprintf(`
	CREATE EXTENSION IF NOT EXISTS vector;

	CREATE TABLE %[1]s (
		id UUID PRIMARY KEY,
		note_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		chunk_ordinal INT NOT NULL,
		embedding vector(%[2]d) NOT NULL
	);

	CREATE INDEX IF NOT EXISTS %[3]s ON %[1]s USING ivfflat (embedding vector_cosine_ops)
	WITH (lists = %[6]d);

	CREATE INDEX IF NOT EXISTS %[4]s ON %[1]s(note_id);
	CREATE INDEX IF NOT EXISTS %[5]s ON %[1]s(user_id);
	`, table, spec.Dimension, idx("embedding"), idx("note_id"), idx("user_id"), ivfflatLists)

	_, err := p.pool.Exec(ctx, query)
	return err
}

func isAlreadyExists(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	// duplicate_table, or unique_violation on pg_type when two sessions
	// create the same table at once.
	return pgErr.Code == "42P07" || pgErr.Code == "23505"
}

func (p *PgVector) tableName() (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.table == "" {
		return "", types.ErrIndexNotReady
	}
	return p.table, nil
}

func (p *PgVector) Upsert(ctx context.Context, entries []types.IndexEntry) error {
	if len(entries) == 0 {
		return nil
	}
	table, err := p.tableName()
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`INSERT INTO %s (id, note_id, user_id, title, chunk_ordinal, embedding)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			note_id = EXCLUDED.note_id,
			user_id = EXCLUDED.user_id,
			title = EXCLUDED.title,
			chunk_ordinal = EXCLUDED.chunk_ordinal,
			embedding = EXCLUDED.embedding`, table)

	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(query,
			e.ID,
			e.Metadata.NoteID,
			e.Metadata.UserID,
			e.Metadata.Title,
			e.Metadata.ChunkOrdinal,
			pgvector.NewVector(e.Vector),
		)
	}

	br := p.pool.SendBatch(ctx, batch)
	for range entries {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return err
		}
	}
	return br.Close()
}

func (p *PgVector) Query(ctx context.Context, vector []float32, topK int, filter Filter) ([]Match, error) {
	table, err := p.tableName()
	if err != nil {
		return nil, err
	}

	args := []any{pgvector.NewVector(vector)}
	where, args := whereClause(filter, args)
	args = append(args, topK)

	query := fmt.Sprintf(`
		SELECT id, note_id, user_id, title, chunk_ordinal,
		       1 - (embedding <=> $1) AS score
		FROM %s
		%s
		ORDER BY embedding <=> $1
		LIMIT $%d`, table, where, len(args))

	// SET LOCAL ends with the transaction.
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL ivfflat.probes = %d", p.scanLists)); err != nil {
		return nil, fmt.Errorf("pgvector: set scan lists: %w", err)
	}

	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	matches, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Match, error) {
		var m Match
		err := row.Scan(
			&m.EntryID,
			&m.Metadata.NoteID,
			&m.Metadata.UserID,
			&m.Metadata.Title,
			&m.Metadata.ChunkOrdinal,
			&m.Score,
		)
		return m, err
	})
	if err != nil {
		return nil, err
	}
	return matches, tx.Commit(ctx)
}

func (p *PgVector) DeleteByFilter(ctx context.Context, filter Filter) (int64, error) {
	if filter.Empty() {
		return 0, ErrEmptyFilter
	}
	table, err := p.tableName()
	if err != nil {
		return 0, err
	}

	where, args := whereClause(filter, nil)
	tag, err := p.pool.Exec(ctx, fmt.Sprintf("DELETE FROM %s %s", table, where), args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (p *PgVector) Count(ctx context.Context, filter Filter) (int, error) {
	table, err := p.tableName()
	if err != nil {
		return 0, err
	}

	where, args := whereClause(filter, nil)
	var n int
	err = p.pool.QueryRow(ctx, fmt.Sprintf("SELECT count(*) FROM %s %s", table, where), args...).Scan(&n)
	return n, err
}

func (p *PgVector) NoteIDs(ctx context.Context) ([]string, error) {
	table, err := p.tableName()
	if err != nil {
		return nil, err
	}

	rows, err := p.pool.Query(ctx, fmt.Sprintf("SELECT DISTINCT note_id FROM %s ORDER BY note_id", table))
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (p *PgVector) Close() {
	if p.ownsPool && p.pool != nil {
		p.pool.Close()
		slog.Info("Postgres connection pool is closed", "component", "index")
	}
}

// whereClause appends the filter values to args and returns the matching
// WHERE clause, or "" for an empty filter.
func whereClause(filter Filter, args []any) (string, []any) {
	var conds []string
	if filter.NoteID != "" {
		args = append(args, filter.NoteID)
		conds = append(conds, fmt.Sprintf("note_id = $%d", len(args)))
	}
	if filter.UserID != "" {
		args = append(args, filter.UserID)
		conds = append(conds, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if len(conds) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(conds, " AND "), args
}
