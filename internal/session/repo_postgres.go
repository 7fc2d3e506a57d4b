package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"doorbell-platform/pkg/utils"

	"github.com/google/uuid"
)

// PostgresRepo stores sessions in a relational table.
//
// Expected schema:
//
//	CREATE TABLE sessions (
//	    id               UUID PRIMARY KEY,
//	    room_key         TEXT NOT NULL,
//	    property_ref     TEXT NOT NULL,
//	    owner_ref        TEXT NOT NULL,
//	    status           TEXT NOT NULL,
//	    visitor_present  BOOLEAN NOT NULL DEFAULT FALSE,
//	    owner_present    BOOLEAN NOT NULL DEFAULT FALSE,
//	    meet_link        TEXT NOT NULL DEFAULT '',
//	    owner_messages   JSONB NOT NULL DEFAULT '[]',
//	    visitor_messages JSONB NOT NULL DEFAULT '[]',
//	    version          BIGINT NOT NULL DEFAULT 1,
//	    created_at       TIMESTAMPTZ NOT NULL,
//	    updated_at       TIMESTAMPTZ NOT NULL,
//	    ended_at         TIMESTAMPTZ
//	);
//	CREATE UNIQUE INDEX sessions_live_room ON sessions (room_key) WHERE ended_at IS NULL;
//
// The partial unique index is the duplicate-row guard for concurrent
// implicit creation: two racing inserts for a brand-new room resolve to a
// single live row.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

const sessionColumns = `
id, room_key, property_ref, owner_ref, status,
visitor_present, owner_present, meet_link,
owner_messages, visitor_messages,
version, created_at, updated_at, ended_at
`

func (r *PostgresRepo) Get(ctx context.Context, roomKey string) (Session, error) {
	const q = `
SELECT ` + sessionColumns + `
FROM sessions
WHERE room_key = $1 AND ended_at IS NULL
`
	return scanSession(r.db.QueryRowContext(ctx, q, roomKey))
}

func (r *PostgresRepo) CreateIfAbsent(ctx context.Context, roomKey, propertyRef, ownerRef string) (Session, error) {
	now := time.Now().UTC()

	// The partial unique index makes the insert a no-op when a live row
	// already exists; the follow-up read returns whichever row won. Both
	// run in one tx so the caller always sees the row its insert raced
	// against.
	const ins = `
INSERT INTO sessions (id, room_key, property_ref, owner_ref, status, version, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, 1, $6, $6)
ON CONFLICT (room_key) WHERE ended_at IS NULL DO NOTHING
`
	const sel = `
SELECT ` + sessionColumns + `
FROM sessions
WHERE room_key = $1 AND ended_at IS NULL
`
	var out Session
	err := utils.WithTx(ctx, r.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, ins, uuid.NewString(), roomKey, propertyRef, ownerRef, StatusWaiting, now); err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		s, err := scanSession(tx.QueryRowContext(ctx, sel, roomKey))
		if err != nil {
			return err
		}
		out = s
		return nil
	})
	if err != nil {
		return Session{}, err
	}
	return out, nil
}

func (r *PostgresRepo) CompareAndSetStatus(ctx context.Context, roomKey string, expected Status, expectedVersion int64, up Update) (Session, error) {
	const q = `
UPDATE sessions SET
    status           = $4,
    visitor_present  = COALESCE($5, visitor_present),
    owner_present    = COALESCE($6, owner_present),
    meet_link        = COALESCE($7, meet_link),
    owner_messages   = CASE WHEN $8::jsonb IS NULL THEN owner_messages ELSE owner_messages || $8::jsonb END,
    visitor_messages = CASE WHEN $9::jsonb IS NULL THEN visitor_messages ELSE visitor_messages || $9::jsonb END,
    ended_at         = COALESCE($10, ended_at),
    version          = version + 1,
    updated_at       = $11
WHERE room_key = $1 AND ended_at IS NULL AND status = $2 AND version = $3
RETURNING ` + sessionColumns + `
`
	ownerMsg, err := marshalMessage(up.AppendOwnerMessage)
	if err != nil {
		return Session{}, err
	}
	visitorMsg, err := marshalMessage(up.AppendVisitorMessage)
	if err != nil {
		return Session{}, err
	}

	s, err := scanSession(r.db.QueryRowContext(ctx, q,
		roomKey,
		expected,
		expectedVersion,
		up.Status,
		nullableBool(up.VisitorPresent),
		nullableBool(up.OwnerPresent),
		nullableString(up.MeetLink),
		ownerMsg,
		visitorMsg,
		nullableTime(up.EndedAt),
		time.Now().UTC(),
	))
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Session{}, err
	}

	// No row matched: either the session is gone or the CAS lost a race.
	if _, gerr := r.Get(ctx, roomKey); gerr != nil {
		if errors.Is(gerr, ErrNotFound) {
			return Session{}, ErrNotFound
		}
		return Session{}, gerr
	}
	return Session{}, ErrConflict
}

func (r *PostgresRepo) ListRingingBefore(ctx context.Context, cutoff time.Time) ([]Session, error) {
	const q = `
SELECT ` + sessionColumns + `
FROM sessions
WHERE status = $1 AND ended_at IS NULL AND updated_at < $2
ORDER BY updated_at ASC
`
	rows, err := r.db.QueryContext(ctx, q, StatusRinging, cutoff.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var (
		s           Session
		ownerMsgs   []byte
		visitorMsgs []byte
		endedAt     sql.NullTime
	)
	err := row.Scan(
		&s.ID,
		&s.RoomKey,
		&s.PropertyRef,
		&s.OwnerRef,
		&s.Status,
		&s.VisitorPresent,
		&s.OwnerPresent,
		&s.MeetLink,
		&ownerMsgs,
		&visitorMsgs,
		&s.Version,
		&s.CreatedAt,
		&s.UpdatedAt,
		&endedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, err
	}
	if len(ownerMsgs) > 0 {
		if err := json.Unmarshal(ownerMsgs, &s.OwnerMessages); err != nil {
			return Session{}, fmt.Errorf("decode owner_messages: %w", err)
		}
	}
	if len(visitorMsgs) > 0 {
		if err := json.Unmarshal(visitorMsgs, &s.VisitorMessages); err != nil {
			return Session{}, fmt.Errorf("decode visitor_messages: %w", err)
		}
	}
	if endedAt.Valid {
		t := endedAt.Time
		s.EndedAt = &t
	}
	return s, nil
}

// marshalMessage encodes a single message ref as a one-element JSON array so
// the SQL append (`||`) keeps prior references intact.
func marshalMessage(m *MessageRef) (any, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal([]MessageRef{*m})
	if err != nil {
		return nil, fmt.Errorf("encode message ref: %w", err)
	}
	return b, nil
}

func nullableBool(b *bool) any {
	if b == nil {
		return nil
	}
	return *b
}

func nullableString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
