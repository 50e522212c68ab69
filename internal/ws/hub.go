package ws

import (
	"context"
	"sync"
	"sync/atomic"

	"chathub/internal/events"
	"chathub/internal/metrics"
)

// Hub 管理房间级子 Hub 与用户索引，实现延迟创建与并发安全。
// 事件不直接投递：服务层发布到频道，Redis 订阅回调 Deliver 做本地扇出。
type Hub struct {
	mu    sync.RWMutex
	rooms map[uint]*RoomHub
	users map[uint]map[*Client]bool
	bc    events.Broadcaster
}

func NewHub(bc events.Broadcaster) *Hub {
	return &Hub{
		rooms: make(map[uint]*RoomHub),
		users: make(map[uint]map[*Client]bool),
		bc:    bc,
	}
}

// GetRoom 若房间未初始化则懒加载一个 RoomHub。
func (h *Hub) GetRoom(roomID uint) *RoomHub {
	h.mu.RLock()
	room := h.rooms[roomID]
	h.mu.RUnlock()
	if room != nil {
		return room
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	room = h.rooms[roomID]
	if room != nil {
		return room
	}
	room = newRoomHub(h, roomID)
	h.rooms[roomID] = room
	go room.run()
	return room
}

// Online 返回房间在线客户端数量，供 REST 接口复用。
func (h *Hub) Online(roomID uint) int {
	h.mu.RLock()
	room := h.rooms[roomID]
	h.mu.RUnlock()
	if room == nil {
		return 0
	}
	return room.Online()
}

// Deliver 把订阅到的信封按频道种类投递给本地客户端。
// typing 频道排除始发用户；user 频道跨房间找到该用户的全部连接。
func (h *Hub) Deliver(ch events.Channel, env events.Envelope, raw []byte) {
	switch ch.Kind {
	case events.KindRoom, events.KindPresence:
		h.deliverRoom(ch.ID, raw, 0)
	case events.KindTyping:
		h.deliverRoom(ch.ID, raw, env.Origin)
	case events.KindUser:
		h.deliverUser(ch.ID, raw)
	}
}

func (h *Hub) deliverRoom(roomID uint, payload []byte, exclude uint) {
	h.mu.RLock()
	room := h.rooms[roomID]
	h.mu.RUnlock()
	if room == nil {
		return
	}
	room.broadcast <- outbound{data: payload, exclude: exclude}
}

func (h *Hub) deliverUser(userID uint, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.users[userID] {
		select {
		case c.send <- payload:
		default:
		}
	}
}

func (h *Hub) trackUser(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.users[c.userID] == nil {
		h.users[c.userID] = make(map[*Client]bool)
	}
	h.users[c.userID][c] = true
}

func (h *Hub) untrackUser(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.users[c.userID], c)
	if len(h.users[c.userID]) == 0 {
		delete(h.users, c.userID)
	}
}

type outbound struct {
	data    []byte
	exclude uint
}

type RoomHub struct {
	hub        *Hub
	roomID     uint
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan outbound
	online     int32
}

func newRoomHub(h *Hub, roomID uint) *RoomHub {
	return &RoomHub{
		hub:        h,
		roomID:     roomID,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan outbound, 256),
	}
}

func (rh *RoomHub) run() {
	for {
		select {
		case c := <-rh.register:
			rh.clients[c] = true
			atomic.StoreInt32(&rh.online, int32(len(rh.clients)))
			metrics.WsConnections.Inc()
			rh.hub.trackUser(c)
			rh.publishPresence(c.userID, "join")
		case c := <-rh.unregister:
			if _, ok := rh.clients[c]; ok {
				delete(rh.clients, c)
				close(c.send)
				atomic.StoreInt32(&rh.online, int32(len(rh.clients)))
				metrics.WsConnections.Dec()
				rh.hub.untrackUser(c)
				rh.publishPresence(c.userID, "leave")
			}
		case out := <-rh.broadcast:
			for c := range rh.clients {
				if out.exclude != 0 && c.userID == out.exclude {
					continue
				}
				select {
				case c.send <- out.data:
				default:
					close(c.send)
					delete(rh.clients, c)
					rh.hub.untrackUser(c)
					metrics.WsConnections.Dec()
				}
			}
		}
	}
}

func (rh *RoomHub) publishPresence(userID uint, action string) {
	rh.hub.bc.Publish(context.Background(), events.PresenceChannel(rh.roomID), events.PresenceChanged{
		RoomID: rh.roomID,
		UserID: userID,
		Online: int(atomic.LoadInt32(&rh.online)),
		Action: action,
	})
}

// Online 返回房间在线客户端数量。
func (rh *RoomHub) Online() int { return int(atomic.LoadInt32(&rh.online)) }
