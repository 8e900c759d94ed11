// Package repo implements the reference remote-store collaborator. This file
// holds the message table and the Store methods that satisfy the engine's
// MessageStore contract: bounded history fetch, durable insert with
// client-tag echo, delete, and the per-room change feed.
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-chat-client/internal/domain"
)

// ErrNotFound indicates the requested message does not exist.
var ErrNotFound = errors.New("message not found")

// maxHistoryLimit bounds a single history page regardless of what the caller
// asks for.
const maxHistoryLimit = 200

// messageRow is the persisted shape of a message. The id is the
// server-assigned, monotonically increasing identity the engine relies on.
type messageRow struct {
	ID        int64     `gorm:"primaryKey;autoIncrement"`
	RoomID    string    `gorm:"type:varchar(64);not null;index:idx_room_msgs,priority:1"`
	AuthorID  string    `gorm:"type:varchar(64)"`
	Sender    string    `gorm:"type:varchar(128);not null"`
	Content   string    `gorm:"type:text;not null"`
	Automated bool      `gorm:"not null;default:false"`
	System    bool      `gorm:"not null;default:false"`
	ClientTag string    `gorm:"type:char(36);index:idx_room_tag"`
	CreatedAt time.Time `gorm:"index:idx_room_msgs,priority:2"`
}

// TableName implements the GORM tabler interface.
func (messageRow) TableName() string { return "messages" }

func (r messageRow) toDomain() domain.Message {
	return domain.Message{
		Identity:  domain.ConfirmedIdentity(r.ID),
		RoomID:    r.RoomID,
		AuthorID:  r.AuthorID,
		Sender:    r.Sender,
		Content:   r.Content,
		Automated: r.Automated,
		System:    r.System,
		ClientTag: r.ClientTag,
		CreatedAt: r.CreatedAt,
	}
}

// Store is the SQLite-backed reference store. It satisfies the engine's
// MessageStore contract and fans change notifications out to per-room
// subscribers (see feed.go).
type Store struct {
	db    *gorm.DB
	feeds *feedHub
}

// NewStore wraps an opened (and migrated) database handle.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db, feeds: newFeedHub()}
}

// History returns up to limit of the most recent messages in a room,
// newest first. Callers own re-sorting; the contract promises no order.
func (s *Store) History(ctx context.Context, roomID string, limit int) ([]domain.Message, error) {
	if limit <= 0 || limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	var rows []messageRow
	err := s.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]domain.Message, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

// Insert durably writes a message and returns the confirmed record with its
// server-assigned identity and timestamp. When the message carries a
// ClientTag that was already written to the same room, the original row is
// echoed back instead of inserting a second time, so client retries and
// reconciliation stay unambiguous.
func (s *Store) Insert(ctx context.Context, m domain.Message) (domain.Message, error) {
	if strings.TrimSpace(m.Content) == "" {
		return domain.Message{}, errors.New("content must not be empty")
	}
	if m.ClientTag != "" {
		var existing messageRow
		err := s.db.WithContext(ctx).
			Where("room_id = ? AND client_tag = ?", m.RoomID, m.ClientTag).
			First(&existing).Error
		if err == nil {
			return existing.toDomain(), nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Message{}, err
		}
	}

	row := messageRow{
		RoomID:    m.RoomID,
		AuthorID:  m.AuthorID,
		Sender:    m.Sender,
		Content:   m.Content,
		Automated: m.Automated,
		System:    m.System,
		ClientTag: m.ClientTag,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return domain.Message{}, err
	}

	confirmed := row.toDomain()
	s.feeds.publish(m.RoomID, domain.ChangeEvent{Kind: domain.ChangeInsert, Message: confirmed})
	return confirmed, nil
}

// Delete removes a persisted message and notifies the room's feed.
// Returns ErrNotFound when no row matches.
func (s *Store) Delete(ctx context.Context, roomID string, id int64) error {
	res := s.db.WithContext(ctx).
		Where("room_id = ? AND id = ?", roomID, id).
		Delete(&messageRow{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	s.feeds.publish(roomID, domain.ChangeEvent{Kind: domain.ChangeDelete, ID: id})
	return nil
}

// SubscribeChanges opens a change-feed channel for one room. The returned
// cancel func unsubscribes and closes the channel; it is safe to call twice.
func (s *Store) SubscribeChanges(roomID string) (<-chan domain.ChangeEvent, func()) {
	return s.feeds.subscribe(roomID)
}
