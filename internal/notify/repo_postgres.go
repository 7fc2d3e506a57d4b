package notify

import (
	"context"
	"database/sql"
	"errors"
)

// PostgresTargetRepo stores push target registrations.
//
// Expected schema:
//
//	CREATE TABLE push_targets (
//	    id         UUID PRIMARY KEY,
//	    owner_ref  TEXT NOT NULL,
//	    kind       TEXT NOT NULL,
//	    endpoint   TEXT NOT NULL,
//	    created_at TIMESTAMPTZ NOT NULL,
//	    UNIQUE (owner_ref, kind, endpoint)
//	);
type PostgresTargetRepo struct {
	db *sql.DB
}

func NewPostgresTargetRepo(db *sql.DB) *PostgresTargetRepo { return &PostgresTargetRepo{db: db} }

func (r *PostgresTargetRepo) Save(ctx context.Context, t PushTarget) error {
	if t.ID == "" || t.OwnerRef == "" || t.Kind == "" || t.Endpoint == "" {
		return ErrInvalidTarget
	}
	// Re-registering the same endpoint refreshes the row instead of piling
	// up duplicates for the dispatcher to pay for.
	const q = `
INSERT INTO push_targets (id, owner_ref, kind, endpoint, created_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (owner_ref, kind, endpoint) DO UPDATE SET created_at = EXCLUDED.created_at
`
	_, err := r.db.ExecContext(ctx, q, t.ID, t.OwnerRef, t.Kind, t.Endpoint, t.CreatedAt)
	return err
}

func (r *PostgresTargetRepo) ListByOwner(ctx context.Context, ownerRef string) ([]PushTarget, error) {
	const q = `
SELECT id, owner_ref, kind, endpoint, created_at
FROM push_targets
WHERE owner_ref = $1
ORDER BY created_at ASC
`
	rows, err := r.db.QueryContext(ctx, q, ownerRef)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PushTarget
	for rows.Next() {
		var t PushTarget
		if err := rows.Scan(&t.ID, &t.OwnerRef, &t.Kind, &t.Endpoint, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *PostgresTargetRepo) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM push_targets WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrTargetNotFound
	}
	return nil
}

// PostgresDirectory reads the properties table owned by the CRUD side of
// the product.
//
// Expected columns: ref, room_key, name, owner_ref, auto_online.
type PostgresDirectory struct {
	db *sql.DB
}

func NewPostgresDirectory(db *sql.DB) *PostgresDirectory { return &PostgresDirectory{db: db} }

const propertyColumns = `ref, room_key, name, owner_ref, auto_online`

func (d *PostgresDirectory) ByRoomKey(ctx context.Context, roomKey string) (Property, error) {
	const q = `SELECT ` + propertyColumns + ` FROM properties WHERE room_key = $1`
	return scanProperty(d.db.QueryRowContext(ctx, q, roomKey))
}

func (d *PostgresDirectory) ByRef(ctx context.Context, ref string) (Property, error) {
	const q = `SELECT ` + propertyColumns + ` FROM properties WHERE ref = $1`
	return scanProperty(d.db.QueryRowContext(ctx, q, ref))
}

func scanProperty(row *sql.Row) (Property, error) {
	var p Property
	err := row.Scan(&p.Ref, &p.RoomKey, &p.Name, &p.OwnerRef, &p.AutoOnline)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Property{}, ErrPropertyNotFound
		}
		return Property{}, err
	}
	return p, nil
}
