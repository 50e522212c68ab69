package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"chathub/internal/access"
	"chathub/internal/auth"
	"chathub/internal/errs"
	"chathub/internal/events"
	"chathub/internal/models"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// ParticipantService 维护 (room, user) 成员状态机与未读计数。
// 同一房间的 join/leave/ban 经房间级互斥串行化，不同房间互不阻塞。
type ParticipantService struct {
	db    *gorm.DB
	bc    events.Broadcaster
	locks sync.Map // roomID -> *sync.Mutex
}

func NewParticipantService(db *gorm.DB, bc events.Broadcaster) *ParticipantService {
	return &ParticipantService{db: db, bc: bc}
}

func (s *ParticipantService) roomLock(roomID uint) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(roomID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func (s *ParticipantService) find(ctx context.Context, roomID, userID uint) (*models.Participant, error) {
	var p models.Participant
	err := s.db.WithContext(ctx).Where("room_id = ? AND user_id = ?", roomID, userID).First(&p).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &p, nil
}

func (s *ParticipantService) findRoom(ctx context.Context, roomID uint) (*models.Room, error) {
	var room models.Room
	if err := s.db.WithContext(ctx).First(&room, roomID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.ErrRoomNotFound
		}
		return nil, err
	}
	return &room, nil
}

func (s *ParticipantService) countActive(ctx context.Context, roomID uint) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.Participant{}).
		Where("room_id = ? AND status = ?", roomID, models.ParticipantActive).Count(&n).Error
	return n, err
}

// Join 让用户加入房间。已是活跃成员时幂等返回且不发事件；
// 只有真正转入 active 状态才广播 ParticipantJoined。
func (s *ParticipantService) Join(ctx context.Context, roomID uint, caller auth.Identity, creds access.Credentials) (*models.Participant, error) {
	mu := s.roomLock(roomID)
	mu.Lock()
	defer mu.Unlock()

	room, err := s.findRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	p, err := s.find(ctx, roomID, caller.UserID)
	if err != nil {
		return nil, err
	}
	active, err := s.countActive(ctx, roomID)
	if err != nil {
		return nil, err
	}

	d := access.Evaluate(room, p, active, creds)
	if d.Deny != nil {
		return nil, d.Deny
	}
	if d.PasswordRequired {
		return nil, errs.ErrPasswordRequired
	}
	if d.InviteRequired {
		return nil, errs.ErrInviteRequired
	}

	if p != nil {
		if p.Status == models.ParticipantActive {
			return p, nil
		}
		// inactive -> active：重新加入
		p.Status = models.ParticipantActive
		if err := s.db.WithContext(ctx).Model(p).Update("status", models.ParticipantActive).Error; err != nil {
			return nil, err
		}
	} else {
		p = &models.Participant{
			RoomID:   roomID,
			UserID:   caller.UserID,
			Role:     models.RoleMember,
			Status:   models.ParticipantActive,
			JoinedAt: time.Now(),
		}
		if err := s.db.WithContext(ctx).Create(p).Error; err != nil {
			return nil, err
		}
	}

	s.bc.Publish(ctx, events.RoomChannel(roomID), events.ParticipantJoined{
		RoomID:      roomID,
		UserID:      caller.UserID,
		Role:        p.Role,
		DisplayName: caller.DisplayName,
	})
	log.Info().Uint("room_id", roomID).Uint("user_id", caller.UserID).Msg("participant joined")
	return p, nil
}

// Leave 把成员置为 inactive，保留成员历史。
func (s *ParticipantService) Leave(ctx context.Context, roomID, userID uint, reason string) error {
	mu := s.roomLock(roomID)
	mu.Lock()
	defer mu.Unlock()

	p, err := s.find(ctx, roomID, userID)
	if err != nil {
		return err
	}
	if p == nil || p.Status != models.ParticipantActive {
		return errs.ErrNotParticipant
	}
	if err := s.db.WithContext(ctx).Model(p).Update("status", models.ParticipantInactive).Error; err != nil {
		return err
	}
	s.bc.Publish(ctx, events.RoomChannel(roomID), events.ParticipantLeft{RoomID: roomID, UserID: userID, Reason: reason})
	return nil
}

// Ban 由房主封禁成员；封禁后成员的所有读写操作在下一次边界检查即被拒绝。
func (s *ParticipantService) Ban(ctx context.Context, roomID, targetID uint, actor auth.Identity, reason string) error {
	mu := s.roomLock(roomID)
	mu.Lock()
	defer mu.Unlock()

	if err := s.requireOwner(ctx, roomID, actor.UserID); err != nil {
		return err
	}
	p, err := s.find(ctx, roomID, targetID)
	if err != nil {
		return err
	}
	if p == nil {
		return errs.ErrNotParticipant
	}
	if p.Role == models.RoleOwner {
		return errs.New(errs.CodeForbidden, "the room owner cannot be banned")
	}
	updates := map[string]any{"status": models.ParticipantBanned, "ban_reason": reason}
	if err := s.db.WithContext(ctx).Model(p).Updates(updates).Error; err != nil {
		return err
	}
	s.bc.Publish(ctx, events.RoomChannel(roomID), events.ParticipantLeft{RoomID: roomID, UserID: targetID, Reason: reason})
	log.Info().Uint("room_id", roomID).Uint("user_id", targetID).Str("reason", reason).Msg("participant banned")
	return nil
}

// Unban 解除封禁，成员回到 inactive，需要重新 Join 才会变为 active。
func (s *ParticipantService) Unban(ctx context.Context, roomID, targetID uint, actor auth.Identity) error {
	mu := s.roomLock(roomID)
	mu.Lock()
	defer mu.Unlock()

	if err := s.requireOwner(ctx, roomID, actor.UserID); err != nil {
		return err
	}
	p, err := s.find(ctx, roomID, targetID)
	if err != nil {
		return err
	}
	if p == nil || p.Status != models.ParticipantBanned {
		return errs.New(errs.CodeInvalidArgument, "participant is not banned")
	}
	updates := map[string]any{"status": models.ParticipantInactive, "ban_reason": ""}
	return s.db.WithContext(ctx).Model(p).Updates(updates).Error
}

// SetMuted 与 SetPinned 只改 UI 偏好，不广播。
func (s *ParticipantService) SetMuted(ctx context.Context, roomID, userID uint, muted bool) error {
	return s.setFlag(ctx, roomID, userID, "muted", muted)
}

func (s *ParticipantService) SetPinned(ctx context.Context, roomID, userID uint, pinned bool) error {
	return s.setFlag(ctx, roomID, userID, "pinned", pinned)
}

func (s *ParticipantService) setFlag(ctx context.Context, roomID, userID uint, column string, v bool) error {
	p, err := s.find(ctx, roomID, userID)
	if err != nil {
		return err
	}
	if p == nil {
		return errs.ErrNotParticipant
	}
	if p.Status == models.ParticipantBanned {
		return errs.ErrBanned
	}
	return s.db.WithContext(ctx).Model(p).Update(column, v).Error
}

// MarkRead 更新最后已读时间并清零未读数，只有本人能重置自己的计数。
func (s *ParticipantService) MarkRead(ctx context.Context, roomID, userID uint) error {
	p, err := s.find(ctx, roomID, userID)
	if err != nil {
		return err
	}
	if p == nil || p.Status != models.ParticipantActive {
		return errs.ErrNotParticipant
	}
	now := time.Now()
	updates := map[string]any{"last_read_at": &now, "unread_count": 0}
	return s.db.WithContext(ctx).Model(p).Updates(updates).Error
}

// OnMessageAppended 为除发送者外的所有活跃成员累加未读数。
func (s *ParticipantService) OnMessageAppended(ctx context.Context, roomID, senderID uint) error {
	return s.db.WithContext(ctx).Model(&models.Participant{}).
		Where("room_id = ? AND user_id <> ? AND status = ?", roomID, senderID, models.ParticipantActive).
		UpdateColumn("unread_count", gorm.Expr("unread_count + ?", 1)).Error
}

// Active 返回活跃成员记录；封禁与缺失分别映射到 Banned / NotParticipant。
func (s *ParticipantService) Active(ctx context.Context, roomID, userID uint) (*models.Participant, error) {
	p, err := s.find(ctx, roomID, userID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, errs.ErrNotParticipant
	}
	if p.Status == models.ParticipantBanned {
		return nil, errs.ErrBanned
	}
	if p.Status != models.ParticipantActive {
		return nil, errs.ErrNotParticipant
	}
	return p, nil
}

// Member 返回非封禁的成员记录（含 inactive），用于只读访问。
func (s *ParticipantService) Member(ctx context.Context, roomID, userID uint) (*models.Participant, error) {
	p, err := s.find(ctx, roomID, userID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, errs.ErrNotParticipant
	}
	if p.Status == models.ParticipantBanned {
		return nil, errs.ErrBanned
	}
	return p, nil
}

// Get 返回成员记录（可能为 nil），供 handler 展示用。
func (s *ParticipantService) Get(ctx context.Context, roomID, userID uint) (*models.Participant, error) {
	return s.find(ctx, roomID, userID)
}

// List 返回房间全部非封禁成员。
func (s *ParticipantService) List(ctx context.Context, roomID uint) ([]models.Participant, error) {
	var out []models.Participant
	err := s.db.WithContext(ctx).
		Where("room_id = ? AND status <> ?", roomID, models.ParticipantBanned).
		Order("joined_at asc").Find(&out).Error
	return out, err
}

func (s *ParticipantService) requireOwner(ctx context.Context, roomID, userID uint) error {
	p, err := s.find(ctx, roomID, userID)
	if err != nil {
		return err
	}
	if p == nil || p.Status != models.ParticipantActive || p.Role != models.RoleOwner {
		return errs.ErrForbidden
	}
	return nil
}
