package service

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"chathub/internal/auth"
	"chathub/internal/config"
	"chathub/internal/events"
	"chathub/internal/models"
	"chathub/internal/store"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// fakeBroadcaster records published events for assertions.
type fakeBroadcaster struct {
	mu        sync.Mutex
	published []publishedEvent
}

type publishedEvent struct {
	Channel events.Channel
	Event   events.Event
}

func (f *fakeBroadcaster) Publish(_ context.Context, ch events.Channel, ev events.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, publishedEvent{Channel: ch, Event: ev})
}

func (f *fakeBroadcaster) byType(typ string) []publishedEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []publishedEvent
	for _, p := range f.published {
		if p.Event.EventType() == typ {
			out = append(out, p)
		}
	}
	return out
}

func (f *fakeBroadcaster) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = nil
}

type testEnv struct {
	db    *gorm.DB
	units store.Store
	bc    *fakeBroadcaster
	users *UserService
	rooms *RoomService
	parts *ParticipantService
	msgs  *MessageService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()

	gdb, err := gorm.Open(sqlite.Open(filepath.Join(dir, "test.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, gdb.AutoMigrate(&models.User{}, &models.Room{}, &models.Participant{}, &models.RefreshToken{}))

	units, err := store.NewManager(filepath.Join(dir, "rooms"))
	require.NoError(t, err)
	t.Cleanup(units.Close)

	bc := &fakeBroadcaster{}
	cfg := config.Config{JWTSecret: "test-secret", AccessTokenTTLMinutes: 15, RefreshTokenTTLDays: 7}
	roomSvc := NewRoomService(gdb, units)
	partSvc := NewParticipantService(gdb, bc)
	return &testEnv{
		db:    gdb,
		units: units,
		bc:    bc,
		users: NewUserService(gdb, cfg),
		rooms: roomSvc,
		parts: partSvc,
		msgs:  NewMessageService(gdb, units, partSvc, roomSvc, bc),
	}
}

// seedUser inserts a user row and returns the matching identity.
func (e *testEnv) seedUser(t *testing.T, username string) auth.Identity {
	t.Helper()
	res, err := e.users.Register(context.Background(), username, username, "password")
	require.NoError(t, err)
	return auth.Identity{UserID: res.ID, UUID: res.UUID, DisplayName: res.DisplayName}
}

// seedRoom creates a public room owned by the given user.
func (e *testEnv) seedRoom(t *testing.T, owner auth.Identity, params CreateRoomParams) *models.Room {
	t.Helper()
	if params.Title == "" {
		params.Title = "test room"
	}
	room, err := e.rooms.Create(context.Background(), owner, params)
	require.NoError(t, err)
	return room
}
