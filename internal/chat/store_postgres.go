package chat

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "marlin").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("chat: empty schema")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "marlin",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("chat: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// FetchMessages returns all messages of a thread ordered by created_at ASC,
// id ASC. Timestamps have second resolution, so the id tie-break matters.
func (s *PostgresStore) FetchMessages(ctx context.Context, thread ThreadID) ([]Message, error) {
	const op = "chat.FetchMessages"
	if s == nil || s.pool == nil {
		return nil, storageErr(op, errors.New("nil store"))
	}
	if err := ctx.Err(); err != nil {
		return nil, storageErr(op, err)
	}

	messages := pgIdent(s.schema, "messages")

	rows, err := s.pool.Query(ctx,
		`SELECT id, order_id, sender_id, message_text,
		        COALESCE(media_url, ''), COALESCE(media_type, ''), created_at
		   FROM `+messages+`
		  WHERE order_id = $1
		  ORDER BY created_at ASC, id ASC`,
		int64(thread),
	)
	if err != nil {
		return nil, storageErr(op, err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(
			&m.ID,
			&m.ThreadID,
			&m.SenderID,
			&m.Text,
			&m.MediaURL,
			&m.MediaType,
			&m.CreatedAt,
		); err != nil {
			return nil, storageErr(op, err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(op, err)
	}
	return out, nil
}

// AppendMessage inserts a message with a server-assigned id and timestamp
// and returns the persisted row.
func (s *PostgresStore) AppendMessage(ctx context.Context, in AppendInput) (Message, error) {
	const op = "chat.AppendMessage"
	if s == nil || s.pool == nil {
		return Message{}, storageErr(op, errors.New("nil store"))
	}
	if in.Thread == 0 || in.Sender == "" {
		return Message{}, validationErr(op, "missing thread or sender")
	}
	if err := ctx.Err(); err != nil {
		return Message{}, storageErr(op, err)
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	messages := pgIdent(s.schema, "messages")

	m := Message{
		ThreadID:  in.Thread,
		SenderID:  in.Sender,
		Text:      in.Text,
		MediaURL:  in.MediaURL,
		MediaType: in.MediaType,
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO `+messages+` (order_id, sender_id, message_text, media_url, media_type, created_at)
		 VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6)
		 RETURNING id, created_at`,
		int64(in.Thread), string(in.Sender), in.Text, in.MediaURL, in.MediaType, now,
	).Scan(&m.ID, &m.CreatedAt)
	if err != nil {
		return Message{}, storageErr(op, err)
	}
	return m, nil
}

// GetLastRead returns the durable read cursor for (user, thread), or
// found=false when the user has never marked the thread read.
func (s *PostgresStore) GetLastRead(ctx context.Context, user UserID, thread ThreadID) (ReadCursor, bool, error) {
	const op = "chat.GetLastRead"
	if s == nil || s.pool == nil {
		return ReadCursor{}, false, storageErr(op, errors.New("nil store"))
	}
	if err := ctx.Err(); err != nil {
		return ReadCursor{}, false, storageErr(op, err)
	}

	reads := pgIdent(s.schema, "message_reads")

	c := ReadCursor{UserID: user, Thread: thread}
	err := s.pool.QueryRow(ctx,
		`SELECT last_read_message_id, last_read_at
		   FROM `+reads+`
		  WHERE user_id = $1 AND order_id = $2`,
		string(user), int64(thread),
	).Scan(&c.LastReadID, &c.LastReadAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ReadCursor{}, false, nil
	}
	if err != nil {
		return ReadCursor{}, false, storageErr(op, err)
	}
	return c, true, nil
}

// UpsertLastRead persists a read cursor keyed on (user_id, order_id).
func (s *PostgresStore) UpsertLastRead(ctx context.Context, cursor ReadCursor) error {
	const op = "chat.UpsertLastRead"
	if s == nil || s.pool == nil {
		return storageErr(op, errors.New("nil store"))
	}
	if cursor.UserID == "" || cursor.Thread == 0 {
		return validationErr(op, "missing user or thread")
	}
	if err := ctx.Err(); err != nil {
		return storageErr(op, err)
	}

	at := cursor.LastReadAt
	if at.IsZero() {
		at = time.Now().UTC()
	}

	reads := pgIdent(s.schema, "message_reads")

	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+reads+` (user_id, order_id, last_read_message_id, last_read_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_id, order_id)
		 DO UPDATE SET last_read_message_id = EXCLUDED.last_read_message_id,
		               last_read_at = EXCLUDED.last_read_at`,
		string(cursor.UserID), int64(cursor.Thread), cursor.LastReadID, at,
	)
	if err != nil {
		return storageErr(op, err)
	}
	return nil
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
