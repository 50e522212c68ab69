package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"chathub/internal/errs"
	"chathub/internal/models"

	_ "github.com/mattn/go-sqlite3"
)

const unitSchema = `
CREATE TABLE IF NOT EXISTS messages (
	seq        INTEGER PRIMARY KEY,
	sender_id  INTEGER NOT NULL,
	type       TEXT NOT NULL DEFAULT 'text',
	content    TEXT NOT NULL DEFAULT '',
	media_url  TEXT NOT NULL DEFAULT '',
	media_name TEXT NOT NULL DEFAULT '',
	media_size INTEGER NOT NULL DEFAULT 0,
	media_mime TEXT NOT NULL DEFAULT '',
	reply_to   INTEGER NOT NULL DEFAULT 0,
	is_edited  INTEGER NOT NULL DEFAULT 0,
	is_deleted INTEGER NOT NULL DEFAULT 0,
	is_pinned  INTEGER NOT NULL DEFAULT 0,
	reactions  TEXT NOT NULL DEFAULT '{}',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_sender ON messages(sender_id);
`

// Manager 管理所有房间的 SQLite 存储单元，懒加载并缓存句柄。
type Manager struct {
	dir   string
	mu    sync.Mutex
	units map[uint]*unit
}

type unit struct {
	roomID uint
	mu     sync.Mutex
	db     *sql.DB
}

func NewManager(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Manager{dir: dir, units: make(map[uint]*unit)}, nil
}

// Dir 返回单元根目录，供回收器扫描。
func (m *Manager) Dir() string { return m.dir }

func (m *Manager) unitFor(ctx context.Context, roomID uint) (*unit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.units[roomID]; ok {
		return u, nil
	}
	path := UnitPath(m.dir, roomID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errs.Wrap(errs.CodeStorageUnavailable, "room storage unit is unavailable", err)
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, errs.Wrap(errs.CodeStorageUnavailable, "room storage unit is unavailable", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errs.Wrap(errs.CodeStorageUnavailable, "room storage unit is unavailable", err)
	}
	if _, err := db.ExecContext(ctx, unitSchema); err != nil {
		_ = db.Close()
		return nil, errs.Wrap(errs.CodeStorageUnavailable, "room storage unit is unavailable", err)
	}
	u := &unit{roomID: roomID, db: db}
	m.units[roomID] = u
	return u, nil
}

// Append 在单元私有锁内分配 MAX(seq)+1 并写入，保证同一房间的并发追加串行化。
func (m *Manager) Append(ctx context.Context, roomID uint, msg *models.Message) error {
	u, err := m.unitFor(ctx, roomID)
	if err != nil {
		return err
	}
	u.mu.Lock()
	defer u.mu.Unlock()

	tx, err := u.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.Wrap(errs.CodeStorageUnavailable, "room storage unit is unavailable", err)
	}
	defer func() { _ = tx.Rollback() }()

	var last uint64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM messages`).Scan(&last); err != nil {
		return errs.Wrap(errs.CodeStorageUnavailable, "room storage unit is unavailable", err)
	}

	now := time.Now().UTC()
	msg.Seq = last + 1
	msg.RoomID = roomID
	msg.CreatedAt = now
	msg.UpdatedAt = now
	reactions, err := msg.Reactions.Encode()
	if err != nil {
		return err
	}
	var mediaURL, mediaName, mediaMime string
	var mediaSize int64
	if msg.Media != nil {
		mediaURL, mediaName, mediaSize, mediaMime = msg.Media.URL, msg.Media.Name, msg.Media.Size, msg.Media.Mime
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (seq, sender_id, type, content, media_url, media_name, media_size, media_mime,
			reply_to, is_edited, is_deleted, is_pinned, reactions, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0, 0, ?, ?, ?)
	`, msg.Seq, msg.SenderID, msg.Type, msg.Content, mediaURL, mediaName, mediaSize, mediaMime,
		msg.ReplyTo, reactions, now, now)
	if err != nil {
		return errs.Wrap(errs.CodeStorageUnavailable, "room storage unit is unavailable", err)
	}
	if err := tx.Commit(); err != nil {
		return errs.Wrap(errs.CodeStorageUnavailable, "room storage unit is unavailable", err)
	}
	return nil
}

const messageColumns = `seq, sender_id, type, content, media_url, media_name, media_size, media_mime,
	reply_to, is_edited, is_deleted, is_pinned, reactions, created_at, updated_at`

func (m *Manager) Get(ctx context.Context, roomID uint, seq uint64) (*models.Message, error) {
	u, err := m.unitFor(ctx, roomID)
	if err != nil {
		return nil, err
	}
	row := u.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE seq = ?`, seq)
	msg, err := scanMessage(row, roomID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errs.Wrap(errs.CodeStorageUnavailable, "room storage unit is unavailable", err)
	}
	return msg, nil
}

func (m *Manager) Update(ctx context.Context, roomID uint, msg *models.Message) error {
	u, err := m.unitFor(ctx, roomID)
	if err != nil {
		return err
	}
	u.mu.Lock()
	defer u.mu.Unlock()

	msg.UpdatedAt = time.Now().UTC()
	reactions, err := msg.Reactions.Encode()
	if err != nil {
		return err
	}
	res, err := u.db.ExecContext(ctx, `
		UPDATE messages
		SET content = ?, is_edited = ?, is_deleted = ?, is_pinned = ?, reactions = ?, updated_at = ?
		WHERE seq = ?
	`, msg.Content, msg.IsEdited, msg.IsDeleted, msg.IsPinned, reactions, msg.UpdatedAt, msg.Seq)
	if err != nil {
		return errs.Wrap(errs.CodeStorageUnavailable, "room storage unit is unavailable", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.New(errs.CodeInvalidArgument, "message does not exist")
	}
	return nil
}

func (m *Manager) Page(ctx context.Context, roomID uint, beforeSeq uint64, limit int) ([]models.Message, error) {
	u, err := m.unitFor(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	q := `SELECT ` + messageColumns + ` FROM messages`
	args := make([]any, 0, 2)
	if beforeSeq > 0 {
		q += ` WHERE seq < ?`
		args = append(args, beforeSeq)
	}
	q += ` ORDER BY seq DESC LIMIT ?`
	args = append(args, limit)

	rows, err := u.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errs.Wrap(errs.CodeStorageUnavailable, "room storage unit is unavailable", err)
	}
	defer rows.Close()

	out := make([]models.Message, 0, limit)
	for rows.Next() {
		msg, err := scanMessage(rows, roomID)
		if err != nil {
			return nil, errs.Wrap(errs.CodeStorageUnavailable, "room storage unit is unavailable", err)
		}
		out = append(out, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.CodeStorageUnavailable, "room storage unit is unavailable", err)
	}
	return out, nil
}

func (m *Manager) CloseUnit(roomID uint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.units[roomID]; ok {
		_ = u.db.Close()
		delete(m.units, roomID)
	}
}

func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, u := range m.units {
		_ = u.db.Close()
		delete(m.units, id)
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner, roomID uint) (*models.Message, error) {
	var (
		msg       models.Message
		mediaURL  string
		mediaName string
		mediaSize int64
		mediaMime string
		reactions string
	)
	err := row.Scan(&msg.Seq, &msg.SenderID, &msg.Type, &msg.Content,
		&mediaURL, &mediaName, &mediaSize, &mediaMime,
		&msg.ReplyTo, &msg.IsEdited, &msg.IsDeleted, &msg.IsPinned,
		&reactions, &msg.CreatedAt, &msg.UpdatedAt)
	if err != nil {
		return nil, err
	}
	msg.RoomID = roomID
	if mediaURL != "" {
		msg.Media = &models.Media{URL: mediaURL, Name: mediaName, Size: mediaSize, Mime: mediaMime}
	}
	msg.Reactions, err = models.DecodeReactions(reactions)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}
