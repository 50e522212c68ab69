package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"chathub/internal/auth"
	"chathub/internal/config"
	"chathub/internal/errs"
	"chathub/internal/events"
	"chathub/internal/models"
	"chathub/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

type Client struct {
	room     *RoomHub
	conn     *websocket.Conn
	send     chan []byte
	identity auth.Identity
	userID   uint
	msgSvc   *service.MessageService
	partSvc  *service.ParticipantService
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// InboundFrame 是客户端经 WS 上行的指令。
type InboundFrame struct {
	Type    string        `json:"type"` // "message" | "typing" | "mark_read"
	Content string        `json:"content,omitempty"`
	MsgType string        `json:"msg_type,omitempty"`
	ReplyTo uint64        `json:"reply_to,omitempty"`
	Media   *models.Media `json:"media,omitempty"`
	Action  string        `json:"action,omitempty"` // typing: "start" | "stop"
}

// Serve 升级 WS 连接。只有房间的非封禁成员可以订阅。
func Serve(h *Hub, db *gorm.DB, cfg config.Config, msgSvc *service.MessageService, partSvc *service.ParticipantService) gin.HandlerFunc {
	return func(c *gin.Context) {
		rid64, err := strconv.ParseUint(c.Query("room_id"), 10, 64)
		if err != nil || rid64 == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid room_id"})
			return
		}
		roomID := uint(rid64)

		identity, err := auth.Resolve(c, cfg, db)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		if _, err := partSvc.Member(c.Request.Context(), roomID, identity.UserID); err != nil {
			e := errs.From(err)
			c.JSON(http.StatusForbidden, gin.H{"error": e.Message, "code": e.Code})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		rh := h.GetRoom(roomID)
		client := &Client{
			room:     rh,
			conn:     conn,
			send:     make(chan []byte, 256),
			identity: identity,
			userID:   identity.UserID,
			msgSvc:   msgSvc,
			partSvc:  partSvc,
		}
		rh.register <- client

		go client.writePump()
		client.readPump()
	}
}

func (c *Client) readPump() {
	defer func() {
		c.room.unregister <- c
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(1 << 20) // 1MB
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		var in InboundFrame
		if err := json.Unmarshal(data, &in); err != nil {
			continue
		}
		c.handle(in)
	}
}

func (c *Client) handle(in InboundFrame) {
	ctx := context.Background()
	switch in.Type {
	case "typing":
		if err := c.msgSvc.Typing(ctx, c.room.roomID, c.identity, events.TypingAction(in.Action)); err != nil {
			c.reportError(err)
		}
	case "mark_read":
		if err := c.partSvc.MarkRead(ctx, c.room.roomID, c.userID); err != nil {
			c.reportError(err)
		}
	case "message":
		_, err := c.msgSvc.Append(ctx, c.room.roomID, c.identity, service.AppendInput{
			Content: in.Content,
			Type:    in.MsgType,
			ReplyTo: in.ReplyTo,
			Media:   in.Media,
		})
		if err != nil {
			c.reportError(err)
		}
	}
}

// reportError 把结构化错误回送给当前连接，广播链路不受影响。
func (c *Client) reportError(err error) {
	e := errs.From(err)
	if e.Code == errs.CodeInternal {
		log.Error().Err(err).Uint("room_id", c.room.roomID).Uint("user_id", c.userID).Msg("ws command failed")
	}
	payload, merr := json.Marshal(map[string]any{"type": "error", "code": e.Code, "message": e.Message})
	if merr != nil {
		return
	}
	select {
	case c.send <- payload:
	default:
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)
			_ = w.Close()
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
