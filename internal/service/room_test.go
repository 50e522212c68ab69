package service

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"

	"chathub/internal/errs"
	"chathub/internal/models"
	"chathub/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoomService_CreateSeedsOwnerParticipant(t *testing.T) {
	env := newTestEnv(t)
	owner := env.seedUser(t, "alice")
	ctx := context.Background()

	room, err := env.rooms.Create(ctx, owner, CreateRoomParams{Title: "general"})
	require.NoError(t, err)
	assert.Equal(t, models.RoomStatusActive, room.Status)
	assert.Equal(t, models.VisibilityPublic, room.Visibility)
	assert.NotEmpty(t, room.UUID)

	p, err := env.parts.Get(ctx, room.ID, owner.UserID)
	require.NoError(t, err)
	require.NotNil(t, p, "creating a room must seed the owner participant")
	assert.Equal(t, models.RoleOwner, p.Role)
	assert.Equal(t, models.ParticipantActive, p.Status)
}

func TestRoomService_CreateValidation(t *testing.T) {
	env := newTestEnv(t)
	owner := env.seedUser(t, "alice")
	ctx := context.Background()

	tests := []struct {
		name   string
		params CreateRoomParams
	}{
		{"empty title", CreateRoomParams{Title: "   "}},
		{"title too long", CreateRoomParams{Title: strings.Repeat("x", 129)}},
		{"bad visibility", CreateRoomParams{Title: "t", Visibility: "hidden"}},
		{"negative capacity", CreateRoomParams{Title: "t", MaxParticipants: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.rooms.Create(ctx, owner, tt.params)
			require.Error(t, err)
			assert.Equal(t, errs.CodeInvalidArgument, errs.From(err).Code)
		})
	}
}

func TestRoomService_PrivateRoomGetsInviteCode(t *testing.T) {
	env := newTestEnv(t)
	owner := env.seedUser(t, "alice")

	room := env.seedRoom(t, owner, CreateRoomParams{Title: "secret", Visibility: models.VisibilityPrivate})
	assert.Len(t, room.InviteCode, 6)

	public := env.seedRoom(t, owner, CreateRoomParams{Title: "open"})
	assert.Empty(t, public.InviteCode)
}

func TestRoomService_GetMissing(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.rooms.Get(context.Background(), 999)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrRoomNotFound))
}

func TestRoomService_CloseIsTerminal(t *testing.T) {
	env := newTestEnv(t)
	owner := env.seedUser(t, "alice")
	stranger := env.seedUser(t, "bob")
	ctx := context.Background()
	room := env.seedRoom(t, owner, CreateRoomParams{})

	// Only the owner can close
	err := env.rooms.Close(ctx, room.ID, stranger)
	require.Error(t, err)
	assert.Equal(t, errs.CodeForbidden, errs.From(err).Code)

	require.NoError(t, env.rooms.Close(ctx, room.ID, owner))

	got, err := env.rooms.Get(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RoomStatusClosed, got.Status)

	// Closing twice reports the terminal state
	err = env.rooms.Close(ctx, room.ID, owner)
	require.Error(t, err)
	assert.Equal(t, errs.CodeRoomClosed, errs.From(err).Code)
}

func TestRoomService_ClosedRoomKeepsHistory(t *testing.T) {
	env := newTestEnv(t)
	owner := env.seedUser(t, "alice")
	ctx := context.Background()
	room := env.seedRoom(t, owner, CreateRoomParams{})

	_, err := env.msgs.Append(ctx, room.ID, owner, AppendInput{Content: "before close"})
	require.NoError(t, err)
	require.NoError(t, env.rooms.Close(ctx, room.ID, owner))

	// Reads still work after close
	msgs, err := env.msgs.Page(ctx, room.ID, owner, 0, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "before close", msgs[0].Content)

	// Writes are rejected
	_, err = env.msgs.Append(ctx, room.ID, owner, AppendInput{Content: "after close"})
	require.Error(t, err)
	assert.Equal(t, errs.CodeRoomClosed, errs.From(err).Code)
}

func TestRoomService_DeleteLeavesUnitForReconciler(t *testing.T) {
	env := newTestEnv(t)
	owner := env.seedUser(t, "alice")
	ctx := context.Background()
	room := env.seedRoom(t, owner, CreateRoomParams{})

	_, err := env.msgs.Append(ctx, room.ID, owner, AppendInput{Content: "hello"})
	require.NoError(t, err)

	mgr := env.units.(*store.Manager)
	unitPath := store.UnitPath(mgr.Dir(), room.ID)
	_, err = os.Stat(unitPath)
	require.NoError(t, err)

	require.NoError(t, env.rooms.Delete(ctx, room.ID, owner))

	// Room and participants are gone
	_, err = env.rooms.Get(ctx, room.ID)
	assert.True(t, errors.Is(err, errs.ErrRoomNotFound))
	p, err := env.parts.Get(ctx, room.ID, owner.UserID)
	require.NoError(t, err)
	assert.Nil(t, p)

	// Unit file stays on disk until the reconciler reclaims it
	_, err = os.Stat(unitPath)
	assert.NoError(t, err, "unit file must survive room deletion")
}

func TestRoomService_DeleteOwnerOnly(t *testing.T) {
	env := newTestEnv(t)
	owner := env.seedUser(t, "alice")
	stranger := env.seedUser(t, "bob")
	room := env.seedRoom(t, owner, CreateRoomParams{})

	err := env.rooms.Delete(context.Background(), room.ID, stranger)
	require.Error(t, err)
	assert.Equal(t, errs.CodeForbidden, errs.From(err).Code)
}

func TestRoomService_ListOrdersByActivity(t *testing.T) {
	env := newTestEnv(t)
	owner := env.seedUser(t, "alice")
	ctx := context.Background()

	first := env.seedRoom(t, owner, CreateRoomParams{Title: "first"})
	second := env.seedRoom(t, owner, CreateRoomParams{Title: "second"})

	// Touch the older room so it floats to the top
	require.NoError(t, env.rooms.TouchActivity(ctx, first.ID))

	rooms, err := env.rooms.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rooms, 2)
	assert.Equal(t, first.ID, rooms[0].ID)
	assert.Equal(t, second.ID, rooms[1].ID)
}
