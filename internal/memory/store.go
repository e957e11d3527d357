package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"convobot/internal/domain"

	_ "modernc.org/sqlite"
)

const defaultRecentLimit = 300

// SQLiteStore implements domain.HistoryStore and domain.TranscriptStore.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) the database at dbPath and migrates it.
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}
	// Single connection for SQLite.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return &SQLiteStore{db: db, logger: logger}, nil
}

const messageColumns = `channel, chat_id, id, sender, sender_name, body, ts_ms, kind,
	has_media, file_name, mime_type, from_self, quoted_id, metadata, raw`

// SaveMessage inserts msg, replacing an earlier row with the same id (edits).
func (s *SQLiteStore) SaveMessage(ctx context.Context, msg domain.StoredMessage) error {
	var meta string
	if len(msg.Metadata) > 0 {
		b, err := json.Marshal(msg.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
		meta = string(b)
	}
	var mime string
	if msg.Media != nil {
		mime = msg.Media.MimeType
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_messages (`+messageColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(channel, chat_id, id) DO UPDATE SET
			sender=excluded.sender, sender_name=excluded.sender_name, body=excluded.body,
			ts_ms=excluded.ts_ms, kind=excluded.kind, has_media=excluded.has_media,
			file_name=excluded.file_name, mime_type=excluded.mime_type, from_self=excluded.from_self,
			quoted_id=excluded.quoted_id, metadata=excluded.metadata, raw=excluded.raw`,
		msg.Channel, msg.ChatID, msg.ID, msg.Sender, msg.SenderName, msg.Body,
		unixMilli(msg.Timestamp), string(msg.Kind), msg.HasMedia, msg.FileName, mime,
		msg.FromSelf, msg.QuotedID, meta, msg.Raw,
	)
	if err != nil {
		return fmt.Errorf("save message %s: %w", msg.ID, err)
	}
	return nil
}

// RecentMessages returns the last limit messages of a chat, oldest first.
func (s *SQLiteStore) RecentMessages(ctx context.Context, channel, chatID string, limit int) ([]domain.StoredMessage, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM chat_messages
		 WHERE channel = ? AND chat_id = ?
		 ORDER BY ts_ms DESC, rowid DESC LIMIT ?`,
		channel, chatID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent messages: %w", err)
	}
	defer rows.Close()

	var msgs []domain.StoredMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to chronological order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// MessageByID returns domain.ErrNotFound when the message was never stored.
func (s *SQLiteStore) MessageByID(ctx context.Context, channel, chatID, id string) (*domain.StoredMessage, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM chat_messages WHERE channel = ? AND chat_id = ? AND id = ?`,
		channel, chatID, id,
	)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return m, err
}

// PruneBefore deletes messages older than cutoff and transcripts created
// before it. Messages without a timestamp are kept.
func (s *SQLiteStore) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM chat_messages WHERE ts_ms > 0 AND ts_ms < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune messages: %w", err)
	}
	n, _ := res.RowsAffected()

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM transcripts WHERE created_at < ?`, cutoff.UTC().Format("2006-01-02 15:04:05")); err != nil {
		return n, fmt.Errorf("prune transcripts: %w", err)
	}
	return n, nil
}

// GetTranscript returns a cached transcription for mediaID.
func (s *SQLiteStore) GetTranscript(ctx context.Context, mediaID string) (string, bool, error) {
	var text string
	err := s.db.QueryRowContext(ctx, `SELECT text FROM transcripts WHERE media_id = ?`, mediaID).Scan(&text)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get transcript: %w", err)
	}
	return text, true, nil
}

// PutTranscript stores text for mediaID, last write wins.
func (s *SQLiteStore) PutTranscript(ctx context.Context, mediaID, text string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO transcripts (media_id, text) VALUES (?, ?)`, mediaID, text)
	if err != nil {
		return fmt.Errorf("put transcript: %w", err)
	}
	return nil
}

// Stats reports row counts, used by the status command.
func (s *SQLiteStore) Stats(ctx context.Context) (messages, transcripts int, err error) {
	if err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chat_messages`).Scan(&messages); err != nil {
		return 0, 0, err
	}
	if err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transcripts`).Scan(&transcripts); err != nil {
		return 0, 0, err
	}
	return messages, transcripts, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(sc scanner) (*domain.StoredMessage, error) {
	var (
		m    domain.StoredMessage
		tsMs int64
		kind string
		mime string
		meta string
		raw  []byte
	)
	err := sc.Scan(&m.Channel, &m.ChatID, &m.ID, &m.Sender, &m.SenderName, &m.Body, &tsMs, &kind,
		&m.HasMedia, &m.FileName, &mime, &m.FromSelf, &m.QuotedID, &meta, &raw)
	if err != nil {
		return nil, err
	}
	m.Kind = domain.MessageKind(kind)
	if tsMs > 0 {
		m.Timestamp = time.UnixMilli(tsMs)
	}
	if meta != "" {
		if err := json.Unmarshal([]byte(meta), &m.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata of %s: %w", m.ID, err)
		}
	}
	if mime != "" {
		m.Media = &domain.MediaPayload{MimeType: mime, Filename: m.FileName}
	}
	m.Raw = raw
	return &m, nil
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
