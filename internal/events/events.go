package events

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"chathub/internal/models"
)

// Kind 是实时频道的封闭种类集合，配合 ID 构成类型化的频道标识，
// 避免散落在各处的字符串拼接。
type Kind string

const (
	KindRoom     Kind = "room"     // 房间内全体成员
	KindUser     Kind = "user"     // 点对点通知
	KindPresence Kind = "presence" // 房间在线状态
	KindTyping   Kind = "typing"   // 瞬态输入状态
)

const channelPrefix = "chat"

type Channel struct {
	Kind Kind
	ID   uint
}

func RoomChannel(roomID uint) Channel     { return Channel{Kind: KindRoom, ID: roomID} }
func UserChannel(userID uint) Channel     { return Channel{Kind: KindUser, ID: userID} }
func PresenceChannel(roomID uint) Channel { return Channel{Kind: KindPresence, ID: roomID} }
func TypingChannel(roomID uint) Channel   { return Channel{Kind: KindTyping, ID: roomID} }

// Name 生成线上的频道名，如 "chat:room:42"。
func (c Channel) Name() string {
	return fmt.Sprintf("%s:%s:%d", channelPrefix, c.Kind, c.ID)
}

// ParseChannel 从线上的频道名还原类型化频道。
func ParseChannel(name string) (Channel, bool) {
	parts := strings.Split(name, ":")
	if len(parts) != 3 || parts[0] != channelPrefix {
		return Channel{}, false
	}
	kind := Kind(parts[1])
	switch kind {
	case KindRoom, KindUser, KindPresence, KindTyping:
	default:
		return Channel{}, false
	}
	id, err := strconv.ParseUint(parts[2], 10, 64)
	if err != nil {
		return Channel{}, false
	}
	return Channel{Kind: kind, ID: uint(id)}, true
}

type UpdateKind string

const (
	UpdateEdited   UpdateKind = "edited"
	UpdateDeleted  UpdateKind = "deleted"
	UpdatePinned   UpdateKind = "pinned"
	UpdateReaction UpdateKind = "reaction"
)

type TypingAction string

const (
	TypingStart TypingAction = "start"
	TypingStop  TypingAction = "stop"
)

// Event 是可广播的领域事件。
type Event interface {
	EventType() string
}

// originated 由需要排除始发用户的事件实现。
type originated interface {
	origin() uint
}

type MessageSent struct {
	RoomID            uint           `json:"room_id"`
	Message           models.Message `json:"message"`
	SenderDisplayName string         `json:"sender_display_name"`
}

func (MessageSent) EventType() string { return "message.sent" }

// MessageUpdated 的 Message 在 deleted 场景下必须已经过 Redact。
type MessageUpdated struct {
	RoomID     uint           `json:"room_id"`
	Message    models.Message `json:"message"`
	UpdateKind UpdateKind     `json:"update_kind"`
}

func (MessageUpdated) EventType() string { return "message.updated" }

type ParticipantJoined struct {
	RoomID      uint   `json:"room_id"`
	UserID      uint   `json:"user_id"`
	Role        string `json:"role"`
	DisplayName string `json:"display_name"`
}

func (ParticipantJoined) EventType() string { return "participant.joined" }

type ParticipantLeft struct {
	RoomID uint   `json:"room_id"`
	UserID uint   `json:"user_id"`
	Reason string `json:"reason,omitempty"`
}

func (ParticipantLeft) EventType() string { return "participant.left" }

type TypingChanged struct {
	RoomID      uint         `json:"room_id"`
	UserID      uint         `json:"user_id"`
	DisplayName string       `json:"display_name"`
	Action      TypingAction `json:"action"`
}

func (TypingChanged) EventType() string { return "typing.changed" }
func (e TypingChanged) origin() uint    { return e.UserID }

type PresenceChanged struct {
	RoomID uint   `json:"room_id"`
	UserID uint   `json:"user_id"`
	Online int    `json:"online"`
	Action string `json:"action"` // "join" | "leave"
}

func (PresenceChanged) EventType() string { return "presence.changed" }

// Envelope 是频道上传输的统一外层结构。Origin 仅在需要
// 排除始发用户的事件（typing）上非零。
type Envelope struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel"`
	Origin  uint            `json:"origin,omitempty"`
	Data    json.RawMessage `json:"data"`
}

// Encode 把事件装入信封并序列化。
func Encode(ch Channel, ev Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	env := Envelope{Type: ev.EventType(), Channel: ch.Name(), Data: data}
	if o, ok := ev.(originated); ok {
		env.Origin = o.origin()
	}
	return json.Marshal(env)
}
