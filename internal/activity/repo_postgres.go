package activity

import (
	"context"
	"database/sql"
)

// PostgresRepo persists activity entries.
//
// Expected schema:
//
//	CREATE TABLE activity_entries (
//	    id               UUID PRIMARY KEY,
//	    property_ref     TEXT NOT NULL,
//	    type             TEXT NOT NULL,
//	    title            TEXT NOT NULL,
//	    duration_seconds INT NOT NULL DEFAULT 0,
//	    created_at       TIMESTAMPTZ NOT NULL
//	);
//	CREATE INDEX activity_entries_property ON activity_entries (property_ref, created_at DESC);
//
// INSERT-only; no UPDATE/DELETE statements exist in this repo.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) Append(ctx context.Context, e Entry) error {
	const q = `
INSERT INTO activity_entries (id, property_ref, type, title, duration_seconds, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
`
	_, err := r.db.ExecContext(ctx, q, e.ID, e.PropertyRef, e.Type, e.Title, e.DurationSeconds, e.CreatedAt)
	return err
}

func (r *PostgresRepo) List(ctx context.Context, propertyRef string, limit, offset int) ([]Entry, error) {
	const q = `
SELECT id, property_ref, type, title, duration_seconds, created_at
FROM activity_entries
WHERE property_ref = $1
ORDER BY created_at DESC
LIMIT $2 OFFSET $3
`
	rows, err := r.db.QueryContext(ctx, q, propertyRef, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.PropertyRef, &e.Type, &e.Title, &e.DurationSeconds, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
