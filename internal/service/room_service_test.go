package service_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stancp327/Fetchwork-sub000/internal/domain"
	"github.com/stancp327/Fetchwork-sub000/internal/protocol"
	"github.com/stancp327/Fetchwork-sub000/internal/service"
)

func TestRoomCreateJoinsMembers(t *testing.T) {
	h := newHarness(t)
	room := h.newRoom(t, alice, bob, bob, alice)

	require.Len(t, room.Members, 2)
	admin, ok := room.Member(alice)
	require.True(t, ok)
	assert.Equal(t, domain.RoleAdmin, admin.Role)
	assert.ElementsMatch(t, []int64{alice, bob}, h.fanout.members(room.Thread().Channel()))
	assert.Len(t, h.fanout.byEvent(protocol.EventRoomJoined), 2)

	_, err := h.rooms.Create(context.Background(), alice, service.RoomCreateInput{Name: " "})
	assert.True(t, errors.Is(err, domain.ErrValidation))

	_, err = h.rooms.Create(context.Background(), alice, service.RoomCreateInput{Name: "big", MemberIDs: []int64{2, 3, 4, 5}})
	assert.True(t, errors.Is(err, domain.ErrRoomFull))
}

func TestRoomMembershipRules(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	room := h.newRoom(t, alice, bob)

	_, err := h.rooms.AddMember(ctx, bob, room.ID, carol, domain.RoleMember)
	assert.True(t, errors.Is(err, domain.ErrAccessDenied), "plain members cannot add")

	require.NoError(t, h.rooms.SetRole(ctx, alice, room.ID, bob, domain.RoleModerator))
	_, err = h.rooms.AddMember(ctx, bob, room.ID, carol, domain.RoleAdmin)
	assert.True(t, errors.Is(err, domain.ErrAccessDenied), "moderators cannot grant admin")

	_, err = h.rooms.AddMember(ctx, bob, room.ID, carol, "")
	require.NoError(t, err)
	_, err = h.rooms.AddMember(ctx, alice, room.ID, carol, domain.RoleMember)
	assert.True(t, errors.Is(err, domain.ErrConflict))

	_, err = h.rooms.AddMember(ctx, alice, room.ID, dave, domain.RoleMember)
	require.NoError(t, err)
	_, err = h.rooms.AddMember(ctx, alice, room.ID, 5, domain.RoleMember)
	assert.True(t, errors.Is(err, domain.ErrRoomFull))

	assert.True(t, errors.Is(h.rooms.RemoveMember(ctx, bob, room.ID, alice), domain.ErrAccessDenied))
	assert.True(t, errors.Is(h.rooms.RemoveMember(ctx, carol, room.ID, dave), domain.ErrAccessDenied))
	require.NoError(t, h.rooms.RemoveMember(ctx, bob, room.ID, carol))
	require.NoError(t, h.rooms.RemoveMember(ctx, dave, room.ID, dave))
	assert.NotContains(t, h.fanout.members(room.Thread().Channel()), carol)

	got, err := h.rooms.Get(ctx, alice, room.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{alice, bob}, got.MemberIDs())
}

func TestPrivateRoomVisibility(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	room, err := h.rooms.Create(ctx, alice, service.RoomCreateInput{Name: "private", IsPrivate: true, MemberIDs: []int64{bob}})
	require.NoError(t, err)

	_, err = h.rooms.Get(ctx, bob, room.ID)
	require.NoError(t, err)
	_, err = h.rooms.Get(ctx, carol, room.ID)
	assert.True(t, errors.Is(err, domain.ErrAccessDenied))
}

func TestRoomDeactivate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	room := h.newRoom(t, alice, bob)
	h.fanout.reset()

	assert.True(t, errors.Is(h.rooms.Deactivate(ctx, bob, room.ID), domain.ErrAccessDenied))
	require.NoError(t, h.rooms.Deactivate(ctx, alice, room.ID))

	assert.Len(t, h.fanout.byEvent(protocol.EventRoomLeft), 2)
	assert.Contains(t, h.fanout.dropped, room.Thread().Channel())

	_, err := h.rooms.Get(ctx, alice, room.ID)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
	_, err = h.messages.SendMessage(ctx, service.SendInput{SenderID: alice, RoomID: room.ID, Content: "anyone?"})
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestConversationDeactivateStartsFreshThread(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	first := h.sendDirect(t, alice, bob, "hi")
	h.fanout.reset()

	assert.True(t, errors.Is(h.conversations.Deactivate(ctx, carol, first.Thread.ID), domain.ErrAccessDenied))
	require.NoError(t, h.conversations.Deactivate(ctx, bob, first.Thread.ID))
	assert.Len(t, h.fanout.byEvent(protocol.EventConversationUpdate), 2)
	assert.Contains(t, h.fanout.dropped, first.Thread.Channel())

	second := h.sendDirect(t, bob, alice, "hi again")
	assert.NotEqual(t, first.Thread, second.Thread)

	_, created, err := h.conversations.GetOrCreateDirect(ctx, alice, bob, "job-9")
	require.NoError(t, err)
	assert.True(t, created, "job conversations are separate threads")
	_, _, err = h.conversations.GetOrCreateDirect(ctx, alice, alice, "")
	assert.True(t, errors.Is(err, domain.ErrAccessDenied))
}
