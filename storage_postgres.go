package relay

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStorage is a Storage backed by PostgreSQL, for deployments that
// talk to the database directly instead of through the hosted REST API.
//
// Expected schema:
//
//	CREATE TABLE messages (
//	    id             TEXT PRIMARY KEY,
//	    temp_id        TEXT,
//	    contact_id     TEXT NOT NULL,
//	    direction      TEXT NOT NULL,
//	    body           TEXT NOT NULL,
//	    created_at     TIMESTAMPTZ NOT NULL,
//	    status         TEXT NOT NULL,
//	    transport_ref  TEXT,
//	    failure_reason TEXT,
//	    seq            BIGSERIAL
//	);
//	CREATE INDEX messages_contact_idx ON messages (contact_id, created_at, seq);
type PostgresStorage struct {
	pool *pgxpool.Pool
}

// NewPostgresStorage creates a Postgres-backed storage with a connection
// pool and verifies connectivity.
func NewPostgresStorage(ctx context.Context, databaseURL string) (*PostgresStorage, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStorage{pool: pool}, nil
}

// Close closes the connection pool.
func (s *PostgresStorage) Close() {
	s.pool.Close()
}

// Insert implements Storage.
func (s *PostgresStorage) Insert(ctx context.Context, m Message) error {
	if m.ID == "" {
		return fmt.Errorf("insert: message has no id")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO messages (id, temp_id, contact_id, direction, body, created_at, status, transport_ref, failure_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, m.ID, m.TempID, m.ContactID, string(m.Direction), m.Body, m.CreatedAt, string(m.Status), m.TransportRef, m.FailureReason)
	return err
}

// Update implements Storage.
func (s *PostgresStorage) Update(ctx context.Context, id string, upd MessageUpdate) error {
	set := ""
	args := []any{id}
	add := func(col string, v any) {
		args = append(args, v)
		if set != "" {
			set += ", "
		}
		set += fmt.Sprintf("%s = $%d", col, len(args))
	}
	if upd.ID != nil {
		add("id", *upd.ID)
	}
	if upd.Status != nil {
		add("status", string(*upd.Status))
	}
	if upd.TransportRef != nil {
		add("transport_ref", *upd.TransportRef)
	}
	if upd.FailureReason != nil {
		add("failure_reason", *upd.FailureReason)
	}
	if set == "" {
		return nil
	}

	tag, err := s.pool.Exec(ctx, "UPDATE messages SET "+set+" WHERE id = $1", args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update: message %s not found", id)
	}
	return nil
}

// QueryHistory implements Storage.
func (s *PostgresStorage) QueryHistory(ctx context.Context, contactID string) ([]Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, temp_id, contact_id, direction, body, created_at, status, transport_ref, failure_reason
		FROM messages
		WHERE contact_id = $1
		ORDER BY created_at ASC, seq ASC
	`, contactID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		var direction, status string
		if err := rows.Scan(&m.ID, &m.TempID, &m.ContactID, &direction, &m.Body,
			&m.CreatedAt, &status, &m.TransportRef, &m.FailureReason); err != nil {
			return nil, err
		}
		m.Direction = Direction(direction)
		m.Status = Status(status)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
