package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"

	"chathub/internal/auth"
	"chathub/internal/errs"
	"chathub/internal/models"
	"chathub/internal/store"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// RoomService 封装房间生命周期：创建、查询、关闭与删除。
type RoomService struct {
	db    *gorm.DB
	units store.Store
}

func NewRoomService(db *gorm.DB, units store.Store) *RoomService {
	return &RoomService{db: db, units: units}
}

type CreateRoomParams struct {
	Title           string
	Description     string
	Visibility      string
	Password        string
	MaxParticipants int
	Settings        map[string]any
}

// Create 创建房间并在同一事务里写入房主成员记录（role=owner）。
// 私有房间自动分配全局唯一邀请码。
func (s *RoomService) Create(ctx context.Context, owner auth.Identity, p CreateRoomParams) (*models.Room, error) {
	p.Title = strings.TrimSpace(p.Title)
	if p.Title == "" || len(p.Title) > 128 {
		return nil, errs.New(errs.CodeInvalidArgument, "invalid room title")
	}
	if p.Visibility == "" {
		p.Visibility = models.VisibilityPublic
	}
	if p.Visibility != models.VisibilityPublic && p.Visibility != models.VisibilityPrivate {
		return nil, errs.New(errs.CodeInvalidArgument, "invalid visibility")
	}
	if p.MaxParticipants < 0 {
		return nil, errs.New(errs.CodeInvalidArgument, "invalid participant capacity")
	}

	room := &models.Room{
		UUID:            uuid.NewString(),
		Title:           p.Title,
		Description:     p.Description,
		Visibility:      p.Visibility,
		OwnerID:         owner.UserID,
		MaxParticipants: p.MaxParticipants,
		Status:          models.RoomStatusActive,
		LastActivityAt:  time.Now(),
	}
	if err := room.SetSettings(p.Settings); err != nil {
		return nil, errs.Wrap(errs.CodeInvalidArgument, "invalid settings", err)
	}
	if p.Password != "" {
		hash, err := auth.HashPassword(p.Password)
		if err != nil {
			return nil, err
		}
		room.PasswordHash = hash
	}
	if p.Visibility == models.VisibilityPrivate {
		code, err := s.generateUniqueInviteCode(ctx)
		if err != nil {
			return nil, err
		}
		room.InviteCode = code
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(room).Error; err != nil {
			return err
		}
		participant := &models.Participant{
			RoomID:   room.ID,
			UserID:   owner.UserID,
			Role:     models.RoleOwner,
			Status:   models.ParticipantActive,
			JoinedAt: time.Now(),
		}
		return tx.Create(participant).Error
	})
	if err != nil {
		return nil, err
	}
	log.Info().Uint("room_id", room.ID).Uint("owner_id", owner.UserID).Str("visibility", room.Visibility).Msg("room created")
	return room, nil
}

// Get 按 ID 查房间。
func (s *RoomService) Get(ctx context.Context, roomID uint) (*models.Room, error) {
	var room models.Room
	if err := s.db.WithContext(ctx).First(&room, roomID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.ErrRoomNotFound
		}
		return nil, err
	}
	return &room, nil
}

// List 按最近活跃排序返回房间列表。
func (s *RoomService) List(ctx context.Context, limit int) ([]models.Room, error) {
	if limit <= 0 || limit > 200 {
		limit = 100
	}
	var rooms []models.Room
	err := s.db.WithContext(ctx).Order("last_activity_at desc").Limit(limit).Find(&rooms).Error
	return rooms, err
}

// Close 将房间置为 closed。closed 是终态，历史与存储单元全部保留。
func (s *RoomService) Close(ctx context.Context, roomID uint, actor auth.Identity) error {
	room, err := s.Get(ctx, roomID)
	if err != nil {
		return err
	}
	if room.OwnerID != actor.UserID {
		return errs.ErrForbidden
	}
	if !room.IsActive() {
		return errs.ErrRoomClosed
	}
	return s.db.WithContext(ctx).Model(room).Update("status", models.RoomStatusClosed).Error
}

// Delete 硬删除房间与成员记录。消息存储单元留在磁盘上，
// 由回收器在下一轮对账时作为孤儿清除。
func (s *RoomService) Delete(ctx context.Context, roomID uint, actor auth.Identity) error {
	room, err := s.Get(ctx, roomID)
	if err != nil {
		return err
	}
	if room.OwnerID != actor.UserID {
		return errs.ErrForbidden
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("room_id = ?", roomID).Delete(&models.Participant{}).Error; err != nil {
			return err
		}
		return tx.Delete(&models.Room{}, roomID).Error
	})
	if err != nil {
		return err
	}
	s.units.CloseUnit(roomID)
	log.Info().Uint("room_id", roomID).Msg("room deleted, storage unit left for reconciliation")
	return nil
}

// TouchActivity 更新房间最后活跃时间。
func (s *RoomService) TouchActivity(ctx context.Context, roomID uint) error {
	return s.db.WithContext(ctx).Model(&models.Room{}).Where("id = ?", roomID).
		UpdateColumn("last_activity_at", time.Now()).Error
}

// generateUniqueInviteCode 生成 6 位邀请码并确认在现存房间中唯一。
func (s *RoomService) generateUniqueInviteCode(ctx context.Context) (string, error) {
	const letters = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	const codeLength = 6
	const maxAttempts = 10

	b := make([]byte, codeLength)
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if _, err := rand.Read(b); err != nil {
			return "", fmt.Errorf("generate invite code: %w", err)
		}
		for i := range b {
			b[i] = letters[int(b[i])%len(letters)]
		}
		code := string(b)

		var count int64
		err := s.db.WithContext(ctx).Model(&models.Room{}).Where("invite_code = ?", code).Count(&count).Error
		if err != nil {
			return "", fmt.Errorf("check invite code: %w", err)
		}
		if count == 0 {
			return code, nil
		}
		log.Warn().Str("invite_code", code).Int("attempt", attempt+1).Msg("invite code collision, retrying")
	}
	return "", errs.ErrDuplicateInviteCode
}
