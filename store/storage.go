package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"notesrag/types"
)

// NoteStore is the read side of the note database used by indexing and search.
type NoteStore interface {
	Get(ctx context.Context, id string) (*types.Note, error)
	// ListByIDs returns the notes that exist, in no particular order.
	ListByIDs(ctx context.Context, ids []string) ([]types.Note, error)
	Exists(ctx context.Context, id string) (bool, error)
	ListUpdatedSince(ctx context.Context, since time.Time) ([]types.Note, error)
}

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, connStr string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{
		pool: pool,
	}, nil
}

// Pool exposes the connection pool so the index can share it.
func (p *PostgresStore) Pool() *pgxpool.Pool { return p.pool }

const noteColumns = `id, user_id, title, text, summary, tags, created_at, updated_at`

func scanNote(row pgx.CollectableRow) (types.Note, error) {
	var n types.Note
	err := row.Scan(
		&n.ID,
		&n.UserID,
		&n.Title,
		&n.Text,
		&n.Summary,
		&n.Tags,
		&n.CreatedAt,
		&n.UpdatedAt,
	)
	return n, err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*types.Note, error) {
	rows, err := p.pool.Query(ctx, "SELECT "+noteColumns+" FROM notes WHERE id = $1", id)
	if err != nil {
		return nil, err
	}
	note, err := pgx.CollectExactlyOneRow(rows, scanNote)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", types.ErrNoteNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &note, nil
}

func (p *PostgresStore) ListByIDs(ctx context.Context, ids []string) ([]types.Note, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := p.pool.Query(ctx, "SELECT "+noteColumns+" FROM notes WHERE id = ANY($1)", ids)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanNote)
}

func (p *PostgresStore) Exists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := p.pool.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM notes WHERE id = $1)", id).Scan(&exists)
	return exists, err
}

func (p *PostgresStore) ListUpdatedSince(ctx context.Context, since time.Time) ([]types.Note, error) {
	rows, err := p.pool.Query(ctx,
		"SELECT "+noteColumns+" FROM notes WHERE updated_at > $1 ORDER BY updated_at", since)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanNote)
}

// SaveNote inserts or updates a note. The application owns note writes; this
// is used by tooling and tests.
func (p *PostgresStore) SaveNote(ctx context.Context, n types.Note) error {
	query := `INSERT INTO notes (id, user_id, title, text, summary, tags, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			title = EXCLUDED.title,
			text = EXCLUDED.text,
			summary = EXCLUDED.summary,
			tags = EXCLUDED.tags,
			updated_at = EXCLUDED.updated_at
			`
	if n.Tags == nil {
		n.Tags = []string{}
	}
	_, err := p.pool.Exec(
		ctx,
		query,
		n.ID,
		n.UserID,
		n.Title,
		n.Text,
		n.Summary,
		n.Tags,
		n.CreatedAt,
		n.UpdatedAt,
	)

	return err
}

func (p *PostgresStore) DeleteNote(ctx context.Context, id string) error {
	_, err := p.pool.Exec(ctx, "DELETE FROM notes WHERE id = $1", id)
	return err
}

func (p *PostgresStore) createNotesTable(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS notes (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		text TEXT NOT NULL DEFAULT '',
		summary TEXT NOT NULL DEFAULT '',
		tags TEXT[] NOT NULL DEFAULT '{}',
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT now(),
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT now()
	);

	CREATE INDEX IF NOT EXISTS idx_notes_user_id ON notes(user_id);
	CREATE INDEX IF NOT EXISTS idx_notes_updated_at ON notes(updated_at);
	`
	_, err := p.pool.Exec(ctx, query)
	return err
}

func (p *PostgresStore) Init(ctx context.Context) error {
	return p.createNotesTable(ctx)
}

func (p *PostgresStore) Close() error {
	if p.pool != nil {
		p.pool.Close()
		slog.Info("Postgres connection pool is closed", "component", "store")
	}
	return nil
}
