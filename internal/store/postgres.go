package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/eldtechnologies/chatrelay/internal/metrics"
	"github.com/eldtechnologies/chatrelay/internal/models"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS users (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS messages (
	id         TEXT PRIMARY KEY,
	room_id    TEXT NOT NULL,
	sender_id  TEXT NOT NULL,
	content    TEXT NOT NULL,
	reply_to   TEXT,
	type       TEXT NOT NULL DEFAULT 'text',
	status     TEXT NOT NULL DEFAULT 'sent',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_messages_room_status ON messages(room_id, status, created_at);
CREATE INDEX IF NOT EXISTS idx_messages_room_created ON messages(room_id, created_at DESC);

CREATE TABLE IF NOT EXISTS room_participants (
	room_id   TEXT NOT NULL,
	user_id   TEXT NOT NULL,
	joined_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (room_id, user_id)
);
`

const messageColumns = `
	m.id, m.room_id, m.sender_id, u.name, m.content, m.reply_to, m.type, m.status, m.created_at
`

// RunMigrations creates the schema if it does not exist.
func RunMigrations(ctx context.Context, databaseURL string) error {
	conn, err := pgx.Connect(ctx, databaseURL)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)

	_, err = conn.Exec(ctx, postgresSchema)
	return err
}

// PostgresStore handles PostgreSQL database operations.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL store with a connection pool.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func observe(start time.Time) {
	metrics.PostgresLatency.Observe(time.Since(start).Seconds())
}

// CreateMessage inserts a message. The caller assigns id, status and timestamp.
func (s *PostgresStore) CreateMessage(ctx context.Context, msg *models.Message) error {
	defer observe(time.Now())

	_, err := s.pool.Exec(ctx, `
		INSERT INTO messages (id, room_id, sender_id, content, reply_to, type, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, msg.ID, msg.RoomID.Key(), msg.SenderID, msg.Content, nullable(msg.ReplyTo), msg.Type, string(msg.Status), msg.CreatedAt)
	return err
}

// GetMessage retrieves a message by id with sender display attributes.
func (s *PostgresStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	defer observe(time.Now())

	row := s.pool.QueryRow(ctx, `
		SELECT `+messageColumns+`
		FROM messages m LEFT JOIN users u ON u.id = m.sender_id
		WHERE m.id = $1
	`, id)

	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return msg, nil
}

// FindUndelivered returns messages in a room not yet delivered and not sent
// by excludeSender, oldest first.
func (s *PostgresStore) FindUndelivered(ctx context.Context, room models.RoomRef, excludeSender string) ([]models.Message, error) {
	defer observe(time.Now())

	rows, err := s.pool.Query(ctx, `
		SELECT `+messageColumns+`
		FROM messages m LEFT JOIN users u ON u.id = m.sender_id
		WHERE m.room_id = $1 AND m.status <> $2 AND m.sender_id <> $3
		ORDER BY m.created_at ASC, m.id ASC
	`, room.Key(), string(models.StatusDelivered), excludeSender)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectMessages(rows)
}

// UpdateStatus sets the delivery status. Applying the same status twice is a no-op.
func (s *PostgresStore) UpdateStatus(ctx context.Context, id string, status models.Status) error {
	defer observe(time.Now())

	_, err := s.pool.Exec(ctx, `UPDATE messages SET status = $2 WHERE id = $1`, id, string(status))
	return err
}

// ListRoomMessages returns messages newest first, optionally strictly before a timestamp.
func (s *PostgresStore) ListRoomMessages(ctx context.Context, room models.RoomRef, limit int, before time.Time) ([]models.Message, error) {
	defer observe(time.Now())

	var beforePtr *time.Time
	if !before.IsZero() {
		beforePtr = &before
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+messageColumns+`
		FROM messages m LEFT JOIN users u ON u.id = m.sender_id
		WHERE m.room_id = $1 AND ($2::timestamptz IS NULL OR m.created_at < $2)
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT $3
	`, room.Key(), beforePtr, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectMessages(rows)
}

// Participants returns the user ids recorded as members of a room.
func (s *PostgresStore) Participants(ctx context.Context, room models.RoomRef) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT user_id FROM room_participants WHERE room_id = $1 ORDER BY joined_at
	`, room.Key())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// AddParticipant records room membership. Idempotent.
func (s *PostgresStore) AddParticipant(ctx context.Context, room models.RoomRef, userID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO room_participants (room_id, user_id)
		VALUES ($1, $2)
		ON CONFLICT (room_id, user_id) DO NOTHING
	`, room.Key(), userID)
	return err
}

// GetUser retrieves display attributes for a user.
func (s *PostgresStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	user := &models.User{}
	err := s.pool.QueryRow(ctx, `SELECT id, name FROM users WHERE id = $1`, id).Scan(&user.ID, &user.Name)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return user, nil
}

// UpsertUser creates or renames a user.
func (s *PostgresStore) UpsertUser(ctx context.Context, user models.User) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (id, name) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name
	`, user.ID, user.Name)
	return err
}

func scanMessage(row pgx.Row) (*models.Message, error) {
	var (
		msg     models.Message
		roomKey string
		name    *string
		replyTo *string
		status  string
	)
	err := row.Scan(
		&msg.ID,
		&roomKey,
		&msg.SenderID,
		&name,
		&msg.Content,
		&replyTo,
		&msg.Type,
		&status,
		&msg.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	room, err := models.ParseRoomRef(roomKey)
	if err != nil {
		return nil, err
	}
	msg.RoomID = room
	msg.Sender = senderOf(msg.SenderID, name)
	msg.Status = models.Status(status)
	if replyTo != nil {
		msg.ReplyTo = *replyTo
	}
	return &msg, nil
}

func collectMessages(rows pgx.Rows) ([]models.Message, error) {
	var messages []models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *msg)
	}
	return messages, rows.Err()
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
