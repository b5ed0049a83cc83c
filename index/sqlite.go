package index

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"notesrag/types"
)

var _ Backend = (*SQLite)(nil)

// SQLite keeps an index in a local SQLite file. Vectors are stored as
// little-endian float32 blobs and queries scan the filtered rows, which is
// fine for a single user's notes but not for large corpora.
type SQLite struct {
	db *sql.DB

	mu    sync.RWMutex
	table string
}

// NewSQLite opens (or creates) the database file at path.
func NewSQLite(ctx context.Context, path string) (*SQLite, error) {
	if path == "" {
		return nil, errors.New("sqlite: path required")
	}

	// modernc.org/sqlite takes pragmas as _pragma= parameters.
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) EnsureIndex(ctx context.Context, spec Spec) error {
	if !validName.MatchString(spec.Name) {
		return fmt.Errorf("sqlite: invalid index name %q", spec.Name)
	}
	if spec.Metric != "" && spec.Metric != MetricCosine {
		return fmt.Errorf("sqlite: unsupported metric %q", spec.Metric)
	}
	if spec.Dimension <= 0 {
		return fmt.Errorf("sqlite: invalid dimension %d", spec.Dimension)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS index_specs (
		name TEXT PRIMARY KEY,
		dimension INTEGER NOT NULL,
		metric TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("sqlite: create index_specs: %w", err)
	}

	// The first writer wins; everyone compares against the stored spec.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO index_specs (name, dimension, metric) VALUES (?, ?, ?)`,
		spec.Name, spec.Dimension, string(MetricCosine)); err != nil {
		return fmt.Errorf("sqlite: register index: %w", err)
	}
	var dims int
	if err := tx.QueryRowContext(ctx, `SELECT dimension FROM index_specs WHERE name = ?`, spec.Name).Scan(&dims); err != nil {
		return fmt.Errorf("sqlite: inspect index: %w", err)
	}
	if dims != spec.Dimension {
		return types.DimensionError("index "+spec.Name, dims, spec.Dimension)
	}

	table := `"` + spec.Name + `"`
	query := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %[1]s (
		id TEXT PRIMARY KEY,
		note_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		chunk_ordinal INTEGER NOT NULL,
		embedding BLOB NOT NULL
	);
	CREATE INDEX IF NOT EXISTS "idx_%[2]s_note_id" ON %[1]s(note_id);
	CREATE INDEX IF NOT EXISTS "idx_%[2]s_user_id" ON %[1]s(user_id);
	`, table, spec.Name)
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("sqlite: create index: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	s.mu.Lock()
	s.table = table
	s.mu.Unlock()
	return nil
}

func (s *SQLite) tableName() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.table == "" {
		return "", types.ErrIndexNotReady
	}
	return s.table, nil
}

func (s *SQLite) Upsert(ctx context.Context, entries []types.IndexEntry) error {
	if len(entries) == 0 {
		return nil
	}
	table, err := s.tableName()
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`INSERT INTO %s (id, note_id, user_id, title, chunk_ordinal, embedding)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			note_id = excluded.note_id,
			user_id = excluded.user_id,
			title = excluded.title,
			chunk_ordinal = excluded.chunk_ordinal,
			embedding = excluded.embedding`, table))
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx,
			e.ID.String(),
			e.Metadata.NoteID,
			e.Metadata.UserID,
			e.Metadata.Title,
			e.Metadata.ChunkOrdinal,
			encodeVector(e.Vector),
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLite) Query(ctx context.Context, vector []float32, topK int, filter Filter) ([]Match, error) {
	table, err := s.tableName()
	if err != nil {
		return nil, err
	}

	where, args := sqliteWhere(filter)
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT id, note_id, user_id, title, chunk_ordinal, embedding FROM %s %s ORDER BY rowid`, table, where), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var (
			m    Match
			id   string
			blob []byte
		)
		if err := rows.Scan(&id, &m.Metadata.NoteID, &m.Metadata.UserID, &m.Metadata.Title, &m.Metadata.ChunkOrdinal, &blob); err != nil {
			return nil, err
		}
		if m.EntryID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("sqlite: entry id %q: %w", id, err)
		}
		vec, err := decodeVector(blob)
		if err != nil {
			return nil, err
		}
		m.Score = Cosine(vector, vec)
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

func (s *SQLite) DeleteByFilter(ctx context.Context, filter Filter) (int64, error) {
	if filter.Empty() {
		return 0, ErrEmptyFilter
	}
	table, err := s.tableName()
	if err != nil {
		return 0, err
	}

	where, args := sqliteWhere(filter)
	res, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s %s", table, where), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLite) Count(ctx context.Context, filter Filter) (int, error) {
	table, err := s.tableName()
	if err != nil {
		return 0, err
	}

	where, args := sqliteWhere(filter)
	var n int
	err = s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT count(*) FROM %s %s", table, where), args...).Scan(&n)
	return n, err
}

func (s *SQLite) NoteIDs(ctx context.Context) ([]string, error) {
	table, err := s.tableName()
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("SELECT DISTINCT note_id FROM %s ORDER BY note_id", table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLite) Close() {
	if err := s.db.Close(); err != nil {
		slog.Error("error closing sqlite index", "component", "index", "err", err)
	}
}

func sqliteWhere(filter Filter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if filter.NoteID != "" {
		conds = append(conds, "note_id = ?")
		args = append(args, filter.NoteID)
	}
	if filter.UserID != "" {
		conds = append(conds, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(conds, " AND "), args
}

func encodeVector(vec []float32) []byte {
	b := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(v))
	}
	return b
}

func decodeVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("sqlite: invalid embedding blob length %d", len(b))
	}
	vec := make([]float32, len(b)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return vec, nil
}
