package models

import (
	"encoding/json"
	"time"
)

const (
	VisibilityPublic  = "public"
	VisibilityPrivate = "private"

	RoomStatusActive = "active"
	RoomStatusClosed = "closed"

	RoleOwner  = "owner"
	RoleMember = "member"

	ParticipantActive   = "active"
	ParticipantInactive = "inactive"
	ParticipantBanned   = "banned"
)

type User struct {
	ID           uint   `gorm:"primaryKey"`
	UUID         string `gorm:"uniqueIndex;size:36;not null"`
	Username     string `gorm:"uniqueIndex;size:64;not null"`
	DisplayName  string `gorm:"size:64;not null"`
	PasswordHash string `gorm:"not null"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Room struct {
	ID              uint   `gorm:"primaryKey"`
	UUID            string `gorm:"uniqueIndex;size:36;not null"`
	Title           string `gorm:"size:128;not null"`
	Description     string `gorm:"size:512"`
	Visibility      string `gorm:"size:16;not null;default:public"`
	PasswordHash    string `gorm:"size:128"`
	InviteCode      string `gorm:"index;size:16"`
	OwnerID         uint   `gorm:"index;not null"`
	MaxParticipants int    `gorm:"not null;default:0"`
	Status          string `gorm:"size:16;not null;default:active"`
	Settings        string `gorm:"type:text;not null;default:'{}'"`
	LastActivityAt  time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// IsActive 房间是否仍可写入（closed 为终态）。
func (r *Room) IsActive() bool { return r.Status == RoomStatusActive }

// ParseSettings 将 Settings 字段解析为自由格式配置。
func (r *Room) ParseSettings() (map[string]any, error) {
	out := make(map[string]any)
	if r.Settings == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(r.Settings), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SetSettings 序列化配置并写回 Settings 字段。
func (r *Room) SetSettings(settings map[string]any) error {
	if len(settings) == 0 {
		r.Settings = "{}"
		return nil
	}
	b, err := json.Marshal(settings)
	if err != nil {
		return err
	}
	r.Settings = string(b)
	return nil
}

type Participant struct {
	ID          uint   `gorm:"primaryKey"`
	RoomID      uint   `gorm:"uniqueIndex:idx_room_user;not null"`
	UserID      uint   `gorm:"uniqueIndex:idx_room_user;not null"`
	Role        string `gorm:"size:16;not null;default:member"`
	Status      string `gorm:"size:16;not null;default:active"`
	JoinedAt    time.Time
	LastReadAt  *time.Time
	UnreadCount int    `gorm:"not null;default:0"`
	Muted       bool   `gorm:"not null;default:false"`
	Pinned      bool   `gorm:"not null;default:false"`
	BanReason   string `gorm:"size:256"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type RefreshToken struct {
	ID        uint      `gorm:"primaryKey"`
	UserID    uint      `gorm:"index;not null"`
	Token     string    `gorm:"uniqueIndex;size:128;not null"`
	ExpiresAt time.Time `gorm:"index;not null"`
	RevokedAt *time.Time
	CreatedAt time.Time
}
