package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/eldtechnologies/chatrelay/internal/models"
)

// SQLiteStore handles SQLite database operations for single-node deployments.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
// If dbPath is empty, defaults to "./data/chatrelay.db"
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/chatrelay.db"
	}

	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	store := &SQLiteStore{db: db}

	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// initSchema creates tables if they don't exist.
// Timestamps are stored as unix milliseconds.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		room_id TEXT NOT NULL,
		sender_id TEXT NOT NULL,
		content TEXT NOT NULL,
		reply_to TEXT,
		type TEXT NOT NULL DEFAULT 'text',
		status TEXT NOT NULL DEFAULT 'sent',
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_messages_room_status ON messages(room_id, status, created_at);

	CREATE TABLE IF NOT EXISTS room_participants (
		room_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		joined_at INTEGER NOT NULL,
		PRIMARY KEY (room_id, user_id)
	);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() {
	s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const sqliteMessageColumns = `
	m.id, m.room_id, m.sender_id, u.name, m.content, m.reply_to, m.type, m.status, m.created_at
`

// CreateMessage inserts a message.
func (s *SQLiteStore) CreateMessage(ctx context.Context, msg *models.Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, room_id, sender_id, content, reply_to, type, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.RoomID.Key(), msg.SenderID, msg.Content, nullable(msg.ReplyTo), msg.Type, string(msg.Status), msg.CreatedAt.UnixMilli())
	return err
}

// GetMessage retrieves a message by id.
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sqliteMessageColumns+`
		FROM messages m LEFT JOIN users u ON u.id = m.sender_id
		WHERE m.id = ?
	`, id)

	msg, err := scanSQLiteMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return msg, nil
}

// FindUndelivered returns undelivered messages in a room not sent by excludeSender, oldest first.
func (s *SQLiteStore) FindUndelivered(ctx context.Context, room models.RoomRef, excludeSender string) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteMessageColumns+`
		FROM messages m LEFT JOIN users u ON u.id = m.sender_id
		WHERE m.room_id = ? AND m.status <> ? AND m.sender_id <> ?
		ORDER BY m.created_at ASC, m.id ASC
	`, room.Key(), string(models.StatusDelivered), excludeSender)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectSQLiteMessages(rows)
}

// UpdateStatus sets the delivery status.
func (s *SQLiteStore) UpdateStatus(ctx context.Context, id string, status models.Status) error {
	_, err := s.db.ExecContext(ctx, `UPDATE messages SET status = ? WHERE id = ?`, string(status), id)
	return err
}

// ListRoomMessages returns messages newest first.
func (s *SQLiteStore) ListRoomMessages(ctx context.Context, room models.RoomRef, limit int, before time.Time) ([]models.Message, error) {
	var beforeMs int64 = 1<<63 - 1
	if !before.IsZero() {
		beforeMs = before.UnixMilli()
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteMessageColumns+`
		FROM messages m LEFT JOIN users u ON u.id = m.sender_id
		WHERE m.room_id = ? AND m.created_at < ?
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT ?
	`, room.Key(), beforeMs, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectSQLiteMessages(rows)
}

// Participants returns the user ids recorded as members of a room.
func (s *SQLiteStore) Participants(ctx context.Context, room models.RoomRef) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id FROM room_participants WHERE room_id = ? ORDER BY joined_at
	`, room.Key())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		users = append(users, id)
	}
	return users, rows.Err()
}

// AddParticipant records room membership. Idempotent.
func (s *SQLiteStore) AddParticipant(ctx context.Context, room models.RoomRef, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO room_participants (room_id, user_id, joined_at) VALUES (?, ?, ?)
	`, room.Key(), userID, time.Now().UnixMilli())
	return err
}

// GetUser retrieves display attributes for a user.
func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	user := &models.User{}
	err := s.db.QueryRowContext(ctx, `SELECT id, name FROM users WHERE id = ?`, id).Scan(&user.ID, &user.Name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return user, nil
}

// UpsertUser creates or renames a user.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user models.User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, name) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name
	`, user.ID, user.Name)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteMessage(row rowScanner) (*models.Message, error) {
	var (
		msg       models.Message
		roomKey   string
		name      sql.NullString
		replyTo   sql.NullString
		status    string
		createdAt int64
	)
	err := row.Scan(&msg.ID, &roomKey, &msg.SenderID, &name, &msg.Content, &replyTo, &msg.Type, &status, &createdAt)
	if err != nil {
		return nil, err
	}

	room, err := models.ParseRoomRef(roomKey)
	if err != nil {
		return nil, err
	}
	msg.RoomID = room
	msg.Sender = senderOf(msg.SenderID, &name.String)
	msg.ReplyTo = replyTo.String
	msg.Status = models.Status(status)
	msg.CreatedAt = time.UnixMilli(createdAt).UTC()
	return &msg, nil
}

func collectSQLiteMessages(rows *sql.Rows) ([]models.Message, error) {
	var messages []models.Message
	for rows.Next() {
		msg, err := scanSQLiteMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *msg)
	}
	return messages, rows.Err()
}
