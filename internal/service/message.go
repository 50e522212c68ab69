package service

import (
	"context"
	"strings"
	"unicode/utf8"

	"chathub/internal/auth"
	"chathub/internal/errs"
	"chathub/internal/events"
	"chathub/internal/metrics"
	"chathub/internal/models"
	"chathub/internal/store"

	"gorm.io/gorm"
)

// MaxContentLength 是消息正文的最大字符数（按 rune 计）。
const MaxContentLength = 1000

// MessageService 负责消息的追加、变更与分页读取。
// 持久化成功后才发布事件；发布失败只记日志，不影响已落盘的消息。
type MessageService struct {
	db           *gorm.DB
	units        store.Store
	participants *ParticipantService
	rooms        *RoomService
	bc           events.Broadcaster
}

func NewMessageService(db *gorm.DB, units store.Store, participants *ParticipantService, rooms *RoomService, bc events.Broadcaster) *MessageService {
	return &MessageService{db: db, units: units, participants: participants, rooms: rooms, bc: bc}
}

type AppendInput struct {
	Content string
	Type    string
	ReplyTo uint64
	Media   *models.Media
}

var messageTypes = map[string]bool{
	models.MessageText:   true,
	models.MessageImage:  true,
	models.MessageFile:   true,
	models.MessageVoice:  true,
	models.MessageVideo:  true,
	models.MessageSystem: true,
}

// Append 校验发送者与内容后把消息写入房间的存储单元，
// 更新房间活跃时间与成员未读数，最后广播 MessageSent。
func (s *MessageService) Append(ctx context.Context, roomID uint, sender auth.Identity, in AppendInput) (*models.Message, error) {
	room, err := s.rooms.Get(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if !room.IsActive() {
		return nil, errs.ErrRoomClosed
	}
	if _, err := s.participants.Active(ctx, roomID, sender.UserID); err != nil {
		return nil, err
	}

	if in.Type == "" {
		in.Type = models.MessageText
	}
	if !messageTypes[in.Type] {
		return nil, errs.New(errs.CodeInvalidArgument, "invalid message type")
	}
	in.Content = strings.TrimSpace(in.Content)
	if utf8.RuneCountInString(in.Content) > MaxContentLength {
		return nil, errs.ErrContentTooLong
	}
	if in.Content == "" && in.Media == nil {
		return nil, errs.New(errs.CodeInvalidArgument, "message content is required")
	}
	if in.ReplyTo > 0 {
		target, err := s.units.Get(ctx, roomID, in.ReplyTo)
		if err != nil {
			return nil, err
		}
		if target == nil {
			return nil, errs.ErrInvalidReplyTarget
		}
	}

	msg := &models.Message{
		RoomID:    roomID,
		SenderID:  sender.UserID,
		Type:      in.Type,
		Content:   in.Content,
		Media:     in.Media,
		ReplyTo:   in.ReplyTo,
		Reactions: make(models.Reactions),
	}
	if err := s.units.Append(ctx, roomID, msg); err != nil {
		return nil, err
	}
	metrics.MessagesAppendedTotal.Inc()

	if err := s.rooms.TouchActivity(ctx, roomID); err != nil {
		return nil, err
	}
	if err := s.participants.OnMessageAppended(ctx, roomID, sender.UserID); err != nil {
		return nil, err
	}

	s.bc.Publish(ctx, events.RoomChannel(roomID), events.MessageSent{
		RoomID:            roomID,
		Message:           *msg,
		SenderDisplayName: sender.DisplayName,
	})
	return msg, nil
}

// Edit 只允许发送者本人修改未删除消息的正文。
func (s *MessageService) Edit(ctx context.Context, roomID uint, seq uint64, actor auth.Identity, newContent string) (*models.Message, error) {
	msg, err := s.getExisting(ctx, roomID, seq)
	if err != nil {
		return nil, err
	}
	if msg.SenderID != actor.UserID {
		return nil, errs.New(errs.CodeForbidden, "only the sender can edit a message")
	}
	if msg.IsDeleted {
		return nil, errs.New(errs.CodeForbidden, "a deleted message cannot be edited")
	}
	newContent = strings.TrimSpace(newContent)
	if newContent == "" {
		return nil, errs.New(errs.CodeInvalidArgument, "message content is required")
	}
	if utf8.RuneCountInString(newContent) > MaxContentLength {
		return nil, errs.ErrContentTooLong
	}
	msg.Content = newContent
	msg.IsEdited = true
	if err := s.units.Update(ctx, roomID, msg); err != nil {
		return nil, err
	}
	s.publishUpdate(ctx, roomID, *msg, events.UpdateEdited)
	return msg, nil
}

// SoftDelete 打墓碑：行保留在单元内，正文与媒体不再对外提供。
// 发送者本人或房主可删。
func (s *MessageService) SoftDelete(ctx context.Context, roomID uint, seq uint64, actor auth.Identity) error {
	msg, err := s.getExisting(ctx, roomID, seq)
	if err != nil {
		return err
	}
	if msg.SenderID != actor.UserID {
		if err := s.requireOwner(ctx, roomID, actor.UserID); err != nil {
			return errs.New(errs.CodeForbidden, "only the sender or the room owner can delete a message")
		}
	}
	if msg.IsDeleted {
		return nil
	}
	msg.IsDeleted = true
	if err := s.units.Update(ctx, roomID, msg); err != nil {
		return err
	}
	s.publishUpdate(ctx, roomID, msg.Redact(), events.UpdateDeleted)
	return nil
}

// TogglePin 房主翻转置顶标记。
func (s *MessageService) TogglePin(ctx context.Context, roomID uint, seq uint64, actor auth.Identity) (*models.Message, error) {
	if err := s.requireOwner(ctx, roomID, actor.UserID); err != nil {
		return nil, err
	}
	msg, err := s.getExisting(ctx, roomID, seq)
	if err != nil {
		return nil, err
	}
	msg.IsPinned = !msg.IsPinned
	if err := s.units.Update(ctx, roomID, msg); err != nil {
		return nil, err
	}
	s.publishUpdate(ctx, roomID, *msg, events.UpdatePinned)
	return msg, nil
}

// React 切换某用户的某种反应：已存在则移除，不存在则添加。
func (s *MessageService) React(ctx context.Context, roomID uint, seq uint64, actor auth.Identity, kind string) (*models.Message, error) {
	if kind == "" || utf8.RuneCountInString(kind) > 32 {
		return nil, errs.New(errs.CodeInvalidArgument, "invalid reaction")
	}
	if _, err := s.participants.Active(ctx, roomID, actor.UserID); err != nil {
		return nil, err
	}
	msg, err := s.getExisting(ctx, roomID, seq)
	if err != nil {
		return nil, err
	}
	if msg.IsDeleted {
		return nil, errs.New(errs.CodeForbidden, "cannot react to a deleted message")
	}
	if msg.Reactions == nil {
		msg.Reactions = make(models.Reactions)
	}
	msg.Reactions.Toggle(kind, actor.UserID)
	if err := s.units.Update(ctx, roomID, msg); err != nil {
		return nil, err
	}
	s.publishUpdate(ctx, roomID, *msg, events.UpdateReaction)
	return msg, nil
}

// Page 按序号降序分页。软删除的消息保留序号位置但正文已抹除，
// 分页游标因此保持稳定。
func (s *MessageService) Page(ctx context.Context, roomID uint, caller auth.Identity, beforeSeq uint64, limit int) ([]models.Message, error) {
	if _, err := s.rooms.Get(ctx, roomID); err != nil {
		return nil, err
	}
	if _, err := s.participants.Member(ctx, roomID, caller.UserID); err != nil {
		return nil, err
	}
	msgs, err := s.units.Page(ctx, roomID, beforeSeq, limit)
	if err != nil {
		return nil, err
	}
	for i := range msgs {
		msgs[i] = msgs[i].Redact()
	}
	return msgs, nil
}

// Typing 转发输入状态变化，服务端不做超时推断，始发用户不回收自己的事件。
func (s *MessageService) Typing(ctx context.Context, roomID uint, actor auth.Identity, action events.TypingAction) error {
	if action != events.TypingStart && action != events.TypingStop {
		return errs.New(errs.CodeInvalidArgument, "invalid typing action")
	}
	if _, err := s.participants.Active(ctx, roomID, actor.UserID); err != nil {
		return err
	}
	s.bc.Publish(ctx, events.TypingChannel(roomID), events.TypingChanged{
		RoomID:      roomID,
		UserID:      actor.UserID,
		DisplayName: actor.DisplayName,
		Action:      action,
	})
	return nil
}

func (s *MessageService) getExisting(ctx context.Context, roomID uint, seq uint64) (*models.Message, error) {
	msg, err := s.units.Get(ctx, roomID, seq)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, errs.New(errs.CodeInvalidArgument, "message does not exist")
	}
	return msg, nil
}

func (s *MessageService) requireOwner(ctx context.Context, roomID, userID uint) error {
	return s.participants.requireOwner(ctx, roomID, userID)
}

func (s *MessageService) publishUpdate(ctx context.Context, roomID uint, msg models.Message, kind events.UpdateKind) {
	s.bc.Publish(ctx, events.RoomChannel(roomID), events.MessageUpdated{
		RoomID:     roomID,
		Message:    msg,
		UpdateKind: kind,
	})
}
