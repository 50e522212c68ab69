package ws

import (
	"context"
	"sync"
	"testing"
	"time"

	"chathub/internal/events"
)

// nopBroadcaster swallows presence events during hub tests.
type nopBroadcaster struct{}

func (nopBroadcaster) Publish(context.Context, events.Channel, events.Event) {}

func newTestClient(rh *RoomHub, userID uint) *Client {
	return &Client{
		room:   rh,
		userID: userID,
		send:   make(chan []byte, 256),
	}
}

func TestNewHub(t *testing.T) {
	hub := NewHub(nopBroadcaster{})
	if hub == nil {
		t.Fatal("NewHub() returned nil")
	}
	if hub.rooms == nil {
		t.Error("NewHub() rooms map is nil")
	}
}

func TestHub_Online_EmptyRoom(t *testing.T) {
	hub := NewHub(nopBroadcaster{})
	if online := hub.Online(1); online != 0 {
		t.Errorf("Online() for empty room = %d, want 0", online)
	}
}

func TestRoomHub_RegisterUnregister(t *testing.T) {
	hub := NewHub(nopBroadcaster{})
	rh := hub.GetRoom(1)

	client := newTestClient(rh, 1)
	rh.register <- client
	time.Sleep(10 * time.Millisecond)

	if rh.Online() != 1 {
		t.Errorf("Online() after register = %d, want 1", rh.Online())
	}

	rh.unregister <- client
	time.Sleep(10 * time.Millisecond)

	if rh.Online() != 0 {
		t.Errorf("Online() after unregister = %d, want 0", rh.Online())
	}
}

func TestHub_DeliverRoom(t *testing.T) {
	hub := NewHub(nopBroadcaster{})
	rh := hub.GetRoom(1)

	clients := make([]*Client, 3)
	for i := range clients {
		clients[i] = newTestClient(rh, uint(i+1))
		rh.register <- clients[i]
	}
	time.Sleep(20 * time.Millisecond)

	payload := []byte(`{"type":"message.sent"}`)
	hub.Deliver(events.RoomChannel(1), events.Envelope{}, payload)

	var wg sync.WaitGroup
	received := make([]bool, 3)
	for i, c := range clients {
		wg.Add(1)
		go func(idx int, client *Client) {
			defer wg.Done()
			select {
			case msg := <-client.send:
				received[idx] = string(msg) == string(payload)
			case <-time.After(100 * time.Millisecond):
			}
		}(i, c)
	}
	wg.Wait()

	for i, r := range received {
		if !r {
			t.Errorf("client %d did not receive the broadcast", i+1)
		}
	}
}

func TestHub_DeliverTypingExcludesOrigin(t *testing.T) {
	hub := NewHub(nopBroadcaster{})
	rh := hub.GetRoom(1)

	typist := newTestClient(rh, 1)
	other := newTestClient(rh, 2)
	rh.register <- typist
	rh.register <- other
	time.Sleep(20 * time.Millisecond)

	payload := []byte(`{"type":"typing.changed"}`)
	hub.Deliver(events.TypingChannel(1), events.Envelope{Origin: 1}, payload)

	select {
	case msg := <-other.send:
		if string(msg) != string(payload) {
			t.Errorf("other client received %s, want %s", msg, payload)
		}
	case <-time.After(100 * time.Millisecond):
		t.Error("other client did not receive the typing event")
	}

	select {
	case msg := <-typist.send:
		t.Errorf("typist received own typing event: %s", msg)
	case <-time.After(50 * time.Millisecond):
		// Correct: the originator is excluded
	}
}

func TestHub_DeliverUser(t *testing.T) {
	hub := NewHub(nopBroadcaster{})
	rh1 := hub.GetRoom(1)
	rh2 := hub.GetRoom(2)

	// The same user is connected to two rooms
	conn1 := newTestClient(rh1, 7)
	conn2 := newTestClient(rh2, 7)
	other := newTestClient(rh1, 8)
	rh1.register <- conn1
	rh2.register <- conn2
	rh1.register <- other
	time.Sleep(20 * time.Millisecond)

	payload := []byte(`{"type":"notice"}`)
	hub.Deliver(events.UserChannel(7), events.Envelope{}, payload)

	for i, c := range []*Client{conn1, conn2} {
		select {
		case msg := <-c.send:
			if string(msg) != string(payload) {
				t.Errorf("connection %d received %s, want %s", i+1, msg, payload)
			}
		case <-time.After(100 * time.Millisecond):
			t.Errorf("connection %d did not receive the user event", i+1)
		}
	}

	select {
	case msg := <-other.send:
		t.Errorf("unrelated user received %s", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_DeliverUnknownRoomIsNoop(t *testing.T) {
	hub := NewHub(nopBroadcaster{})
	// Must not panic or create the room
	hub.Deliver(events.RoomChannel(42), events.Envelope{}, []byte("x"))
	if hub.Online(42) != 0 {
		t.Error("Deliver() to an unknown room must not create it")
	}
}

func TestRoomHub_MultipleRooms(t *testing.T) {
	hub := NewHub(nopBroadcaster{})
	rh1 := hub.GetRoom(1)
	rh2 := hub.GetRoom(2)

	rh1.register <- newTestClient(rh1, 1)
	rh2.register <- newTestClient(rh2, 2)
	time.Sleep(20 * time.Millisecond)

	if hub.Online(1) != 1 {
		t.Errorf("Online(1) = %d, want 1", hub.Online(1))
	}
	if hub.Online(2) != 1 {
		t.Errorf("Online(2) = %d, want 1", hub.Online(2))
	}
}

func TestRoomHub_Concurrent(t *testing.T) {
	hub := NewHub(nopBroadcaster{})
	rh := hub.GetRoom(1)

	var wg sync.WaitGroup
	numClients := 10
	for i := 0; i < numClients; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			rh.register <- newTestClient(rh, uint(id+1))
		}(i)
	}
	wg.Wait()
	time.Sleep(50 * time.Millisecond)

	if rh.Online() != numClients {
		t.Errorf("Online() after concurrent register = %d, want %d", rh.Online(), numClients)
	}
}
