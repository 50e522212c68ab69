package service

import (
	"context"
	"strings"
	"testing"

	"chathub/internal/access"
	"chathub/internal/errs"
	"chathub/internal/events"
	"chathub/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageService_AppendAssignsSeqAndPublishes(t *testing.T) {
	env := newTestEnv(t)
	owner := env.seedUser(t, "alice")
	ctx := context.Background()
	room := env.seedRoom(t, owner, CreateRoomParams{})
	env.bc.reset()

	msg, err := env.msgs.Append(ctx, room.ID, owner, AppendInput{Content: "hello"})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), msg.Seq)
	assert.Equal(t, models.MessageText, msg.Type)

	sent := env.bc.byType("message.sent")
	require.Len(t, sent, 1)
	ev := sent[0].Event.(events.MessageSent)
	assert.Equal(t, "alice", ev.SenderDisplayName)
	assert.Equal(t, events.KindRoom, sent[0].Channel.Kind)

	msg2, err := env.msgs.Append(ctx, room.ID, owner, AppendInput{Content: "again"})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), msg2.Seq)
}

func TestMessageService_ContentLength(t *testing.T) {
	env := newTestEnv(t)
	owner := env.seedUser(t, "alice")
	ctx := context.Background()
	room := env.seedRoom(t, owner, CreateRoomParams{})

	// Exactly at the limit passes
	_, err := env.msgs.Append(ctx, room.ID, owner, AppendInput{Content: strings.Repeat("a", MaxContentLength)})
	require.NoError(t, err)

	// One rune over fails
	_, err = env.msgs.Append(ctx, room.ID, owner, AppendInput{Content: strings.Repeat("a", MaxContentLength+1)})
	require.Error(t, err)
	assert.Equal(t, errs.CodeContentTooLong, errs.From(err).Code)

	// Multibyte runes count as single characters
	_, err = env.msgs.Append(ctx, room.ID, owner, AppendInput{Content: strings.Repeat("界", MaxContentLength)})
	require.NoError(t, err)
}

func TestMessageService_AppendValidation(t *testing.T) {
	env := newTestEnv(t)
	owner := env.seedUser(t, "alice")
	bob := env.seedUser(t, "bob")
	ctx := context.Background()
	room := env.seedRoom(t, owner, CreateRoomParams{})

	// Empty content with no media
	_, err := env.msgs.Append(ctx, room.ID, owner, AppendInput{Content: "   "})
	require.Error(t, err)
	assert.Equal(t, errs.CodeInvalidArgument, errs.From(err).Code)

	// Media-only message is fine
	_, err = env.msgs.Append(ctx, room.ID, owner, AppendInput{
		Type:  models.MessageImage,
		Media: &models.Media{URL: "https://example.com/a.png"},
	})
	require.NoError(t, err)

	// Unknown type
	_, err = env.msgs.Append(ctx, room.ID, owner, AppendInput{Content: "x", Type: "hologram"})
	require.Error(t, err)
	assert.Equal(t, errs.CodeInvalidArgument, errs.From(err).Code)

	// Non-members cannot write
	_, err = env.msgs.Append(ctx, room.ID, bob, AppendInput{Content: "hi"})
	require.Error(t, err)
	assert.Equal(t, errs.CodeNotParticipant, errs.From(err).Code)
}

func TestMessageService_ReplyTarget(t *testing.T) {
	env := newTestEnv(t)
	owner := env.seedUser(t, "alice")
	ctx := context.Background()
	room := env.seedRoom(t, owner, CreateRoomParams{})

	first, err := env.msgs.Append(ctx, room.ID, owner, AppendInput{Content: "original"})
	require.NoError(t, err)

	// Reply to an existing message in the same room
	_, err = env.msgs.Append(ctx, room.ID, owner, AppendInput{Content: "reply", ReplyTo: first.Seq})
	require.NoError(t, err)

	// Reply to a seq that does not exist in this room's unit
	_, err = env.msgs.Append(ctx, room.ID, owner, AppendInput{Content: "reply", ReplyTo: 999})
	require.Error(t, err)
	assert.Equal(t, errs.CodeInvalidReplyTarget, errs.From(err).Code)
}

func TestMessageService_EditRules(t *testing.T) {
	env := newTestEnv(t)
	owner := env.seedUser(t, "alice")
	bob := env.seedUser(t, "bob")
	ctx := context.Background()
	room := env.seedRoom(t, owner, CreateRoomParams{})
	_, err := env.parts.Join(ctx, room.ID, bob, access.Credentials{})
	require.NoError(t, err)

	msg, err := env.msgs.Append(ctx, room.ID, bob, AppendInput{Content: "draft"})
	require.NoError(t, err)

	// Even the owner cannot edit someone else's message
	_, err = env.msgs.Edit(ctx, room.ID, msg.Seq, owner, "hijacked")
	require.Error(t, err)
	assert.Equal(t, errs.CodeForbidden, errs.From(err).Code)

	env.bc.reset()
	edited, err := env.msgs.Edit(ctx, room.ID, msg.Seq, bob, "final")
	require.NoError(t, err)
	assert.True(t, edited.IsEdited)
	assert.Equal(t, "final", edited.Content)

	updated := env.bc.byType("message.updated")
	require.Len(t, updated, 1)
	assert.Equal(t, events.UpdateEdited, updated[0].Event.(events.MessageUpdated).UpdateKind)
}

func TestMessageService_SoftDeleteKeepsPosition(t *testing.T) {
	env := newTestEnv(t)
	owner := env.seedUser(t, "alice")
	ctx := context.Background()
	room := env.seedRoom(t, owner, CreateRoomParams{})

	for _, content := range []string{"one", "two", "three"} {
		_, err := env.msgs.Append(ctx, room.ID, owner, AppendInput{Content: content})
		require.NoError(t, err)
	}

	env.bc.reset()
	require.NoError(t, env.msgs.SoftDelete(ctx, room.ID, 2, owner))

	// Deleting again is idempotent and silent
	require.NoError(t, env.msgs.SoftDelete(ctx, room.ID, 2, owner))
	assert.Len(t, env.bc.byType("message.updated"), 1)

	// The broadcast copy is already redacted
	ev := env.bc.byType("message.updated")[0].Event.(events.MessageUpdated)
	assert.Equal(t, events.UpdateDeleted, ev.UpdateKind)
	assert.Empty(t, ev.Message.Content)

	// The page keeps the tombstone at its position with content cleared
	page, err := env.msgs.Page(ctx, room.ID, owner, 0, 10)
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, uint64(2), page[1].Seq)
	assert.True(t, page[1].IsDeleted)
	assert.Empty(t, page[1].Content)
	assert.Equal(t, "three", page[0].Content)
	assert.Equal(t, "one", page[2].Content)

	// Deleted messages cannot be edited
	_, err = env.msgs.Edit(ctx, room.ID, 2, owner, "resurrect")
	require.Error(t, err)
	assert.Equal(t, errs.CodeForbidden, errs.From(err).Code)
}

func TestMessageService_DeletePermissions(t *testing.T) {
	env := newTestEnv(t)
	owner := env.seedUser(t, "alice")
	bob := env.seedUser(t, "bob")
	carol := env.seedUser(t, "carol")
	ctx := context.Background()
	room := env.seedRoom(t, owner, CreateRoomParams{})
	_, err := env.parts.Join(ctx, room.ID, bob, access.Credentials{})
	require.NoError(t, err)
	_, err = env.parts.Join(ctx, room.ID, carol, access.Credentials{})
	require.NoError(t, err)

	msg, err := env.msgs.Append(ctx, room.ID, bob, AppendInput{Content: "target"})
	require.NoError(t, err)

	// A third member can neither delete
	err = env.msgs.SoftDelete(ctx, room.ID, msg.Seq, carol)
	require.Error(t, err)
	assert.Equal(t, errs.CodeForbidden, errs.From(err).Code)

	// The owner can moderate
	require.NoError(t, env.msgs.SoftDelete(ctx, room.ID, msg.Seq, owner))
}

func TestMessageService_TogglePinOwnerOnly(t *testing.T) {
	env := newTestEnv(t)
	owner := env.seedUser(t, "alice")
	bob := env.seedUser(t, "bob")
	ctx := context.Background()
	room := env.seedRoom(t, owner, CreateRoomParams{})
	_, err := env.parts.Join(ctx, room.ID, bob, access.Credentials{})
	require.NoError(t, err)

	msg, err := env.msgs.Append(ctx, room.ID, bob, AppendInput{Content: "important"})
	require.NoError(t, err)

	_, err = env.msgs.TogglePin(ctx, room.ID, msg.Seq, bob)
	require.Error(t, err)
	assert.Equal(t, errs.CodeForbidden, errs.From(err).Code)

	pinned, err := env.msgs.TogglePin(ctx, room.ID, msg.Seq, owner)
	require.NoError(t, err)
	assert.True(t, pinned.IsPinned)

	unpinned, err := env.msgs.TogglePin(ctx, room.ID, msg.Seq, owner)
	require.NoError(t, err)
	assert.False(t, unpinned.IsPinned)
}

func TestMessageService_ReactToggle(t *testing.T) {
	env := newTestEnv(t)
	owner := env.seedUser(t, "alice")
	ctx := context.Background()
	room := env.seedRoom(t, owner, CreateRoomParams{})

	msg, err := env.msgs.Append(ctx, room.ID, owner, AppendInput{Content: "react to me"})
	require.NoError(t, err)

	got, err := env.msgs.React(ctx, room.ID, msg.Seq, owner, "like")
	require.NoError(t, err)
	assert.True(t, got.Reactions.Has("like", owner.UserID))

	got, err = env.msgs.React(ctx, room.ID, msg.Seq, owner, "like")
	require.NoError(t, err)
	assert.False(t, got.Reactions.Has("like", owner.UserID))

	got, err = env.msgs.React(ctx, room.ID, msg.Seq, owner, "like")
	require.NoError(t, err)
	assert.True(t, got.Reactions.Has("like", owner.UserID), "toggling three times leaves the reaction set")

	// Invalid reaction kinds
	_, err = env.msgs.React(ctx, room.ID, msg.Seq, owner, "")
	require.Error(t, err)
	assert.Equal(t, errs.CodeInvalidArgument, errs.From(err).Code)
}

func TestMessageService_PageRequiresMembership(t *testing.T) {
	env := newTestEnv(t)
	owner := env.seedUser(t, "alice")
	bob := env.seedUser(t, "bob")
	ctx := context.Background()
	room := env.seedRoom(t, owner, CreateRoomParams{})

	_, err := env.msgs.Page(ctx, room.ID, bob, 0, 10)
	require.Error(t, err)
	assert.Equal(t, errs.CodeNotParticipant, errs.From(err).Code)

	// Inactive members keep read access
	_, err = env.parts.Join(ctx, room.ID, bob, access.Credentials{})
	require.NoError(t, err)
	require.NoError(t, env.parts.Leave(ctx, room.ID, bob.UserID, "left"))
	_, err = env.msgs.Page(ctx, room.ID, bob, 0, 10)
	require.NoError(t, err)

	// Missing rooms surface as not found
	_, err = env.msgs.Page(ctx, 999, owner, 0, 10)
	require.Error(t, err)
	assert.Equal(t, errs.CodeRoomNotFound, errs.From(err).Code)
}

func TestMessageService_Typing(t *testing.T) {
	env := newTestEnv(t)
	owner := env.seedUser(t, "alice")
	ctx := context.Background()
	room := env.seedRoom(t, owner, CreateRoomParams{})
	env.bc.reset()

	require.NoError(t, env.msgs.Typing(ctx, room.ID, owner, events.TypingStart))

	published := env.bc.byType("typing.changed")
	require.Len(t, published, 1)
	assert.Equal(t, events.KindTyping, published[0].Channel.Kind)
	ev := published[0].Event.(events.TypingChanged)
	assert.Equal(t, owner.UserID, ev.UserID)
	assert.Equal(t, events.TypingStart, ev.Action)

	err := env.msgs.Typing(ctx, room.ID, owner, "pause")
	require.Error(t, err)
	assert.Equal(t, errs.CodeInvalidArgument, errs.From(err).Code)
}
