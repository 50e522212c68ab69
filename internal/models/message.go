package models

import (
	"encoding/json"
	"time"
)

const (
	MessageText   = "text"
	MessageImage  = "image"
	MessageFile   = "file"
	MessageVoice  = "voice"
	MessageVideo  = "video"
	MessageSystem = "system"
)

// Media 仅保存媒体引用，字节本身由外部存储负责。
type Media struct {
	URL  string `json:"url"`
	Name string `json:"name,omitempty"`
	Size int64  `json:"size,omitempty"`
	Mime string `json:"mime,omitempty"`
}

// Message 是按房间隔离存储的消息行，Seq 为房间内单调递增的序号。
// 消息不走 gorm，由 internal/store 写入各房间自己的存储单元。
type Message struct {
	Seq       uint64    `json:"seq"`
	RoomID    uint      `json:"room_id"`
	SenderID  uint      `json:"sender_id"`
	Type      string    `json:"type"`
	Content   string    `json:"content"`
	Media     *Media    `json:"media,omitempty"`
	ReplyTo   uint64    `json:"reply_to,omitempty"`
	IsEdited  bool      `json:"is_edited"`
	IsDeleted bool      `json:"is_deleted"`
	IsPinned  bool      `json:"is_pinned"`
	Reactions Reactions `json:"reactions,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Reactions 记录 反应种类 -> 用户ID集合。
type Reactions map[string][]uint

// Toggle 切换某用户对某种反应的状态，返回切换后是否存在。
func (r Reactions) Toggle(kind string, userID uint) bool {
	users := r[kind]
	for i, id := range users {
		if id == userID {
			users = append(users[:i], users[i+1:]...)
			if len(users) == 0 {
				delete(r, kind)
			} else {
				r[kind] = users
			}
			return false
		}
	}
	r[kind] = append(users, userID)
	return true
}

// Has 判断某用户是否已做出该反应。
func (r Reactions) Has(kind string, userID uint) bool {
	for _, id := range r[kind] {
		if id == userID {
			return true
		}
	}
	return false
}

func (r Reactions) Encode() (string, error) {
	if len(r) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func DecodeReactions(raw string) (Reactions, error) {
	r := make(Reactions)
	if raw == "" || raw == "{}" {
		return r, nil
	}
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return nil, err
	}
	return r, nil
}

// Redact 返回对外可见的副本：已删除消息的正文与媒体一律抹除。
func (m Message) Redact() Message {
	if !m.IsDeleted {
		return m
	}
	m.Content = ""
	m.Media = nil
	m.Reactions = nil
	return m
}
