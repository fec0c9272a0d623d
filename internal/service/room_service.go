package service

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/stancp327/Fetchwork-sub000/internal/clock"
	"github.com/stancp327/Fetchwork-sub000/internal/domain"
	"github.com/stancp327/Fetchwork-sub000/internal/protocol"
	"github.com/stancp327/Fetchwork-sub000/internal/store"
)

const maxRoomNameLength = 100

type RoomService struct {
	rooms  domain.RoomRepository
	fanout Fanout
	clock  clock.Clock
	limits Limits
	log    *zap.Logger
}

func NewRoomService(rooms domain.RoomRepository, fanout Fanout, clk clock.Clock, limits Limits, log *zap.Logger) *RoomService {
	return &RoomService{
		rooms:  rooms,
		fanout: fanout,
		clock:  clk,
		limits: limits,
		log:    log.Named("rooms"),
	}
}

type RoomCreateInput struct {
	Name        string
	Description string
	JobID       string
	IsPrivate   bool
	MemberIDs   []int64
}

// Create makes a room owned by creatorID, who joins as admin. The other
// listed users join as members.
func (s *RoomService) Create(ctx context.Context, creatorID int64, in RoomCreateInput) (*domain.Room, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, domain.Validationf("room name is required")
	}
	if utf8.RuneCountInString(name) > maxRoomNameLength {
		return nil, domain.Validationf("room name exceeds %d characters", maxRoomNameLength)
	}

	now := s.clock.Now().UTC()
	members := []domain.RoomMember{{UserID: creatorID, Role: domain.RoleAdmin, JoinedAt: now}}
	for _, id := range store.UniqueIDs(in.MemberIDs) {
		if id == creatorID {
			continue
		}
		members = append(members, domain.RoomMember{UserID: id, Role: domain.RoleMember, JoinedAt: now})
	}
	if len(members) > s.limits.MaxRoomMembers {
		return nil, domain.ErrRoomFull
	}

	room := &domain.Room{
		Name:         name,
		Description:  strings.TrimSpace(in.Description),
		Members:      members,
		CreatedBy:    creatorID,
		JobID:        strings.TrimSpace(in.JobID),
		IsPrivate:    in.IsPrivate,
		LastActivity: now,
		CreatedAt:    now,
	}
	if err := s.rooms.Create(ctx, room); err != nil {
		return nil, fmt.Errorf("create room: %w", err)
	}

	channel := room.Thread().Channel()
	joined := protocol.RoomMembership{ThreadData: protocol.ThreadDataOf(room.Thread())}
	for _, m := range room.Members {
		s.fanout.JoinUser(m.UserID, channel)
		s.fanout.EmitToUser(m.UserID, protocol.EventRoomJoined, joined)
	}
	s.log.Debug("room created", zap.Int64("id", room.ID), zap.Int("members", len(room.Members)))
	return room, nil
}

// Get returns an active room. Private rooms are visible to members only.
func (s *RoomService) Get(ctx context.Context, userID, id int64) (*domain.Room, error) {
	room, err := s.activeRoom(ctx, id)
	if err != nil {
		return nil, err
	}
	if room.IsPrivate && !room.IsMember(userID) {
		return nil, domain.AccessDeniedf("not a member of room %d", id)
	}
	return room, nil
}

func (s *RoomService) ListForUser(ctx context.Context, userID int64) ([]*domain.Room, error) {
	rooms, err := s.rooms.ListForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	return rooms, nil
}

// RequireMember returns the active room if userID is a member of it.
func (s *RoomService) RequireMember(ctx context.Context, userID, id int64) (*domain.Room, error) {
	room, err := s.activeRoom(ctx, id)
	if err != nil {
		return nil, err
	}
	if !room.IsMember(userID) {
		return nil, domain.AccessDeniedf("not a member of room %d", id)
	}
	return room, nil
}

// AddMember adds userID to the room. Admins and moderators may add
// members; only admins may grant an elevated role.
func (s *RoomService) AddMember(ctx context.Context, actorID, roomID, userID int64, role domain.RoomRole) (*domain.Room, error) {
	if userID <= 0 {
		return nil, domain.Validationf("user is required")
	}
	if role == "" {
		role = domain.RoleMember
	}
	if !role.Valid() {
		return nil, domain.Validationf("unknown role %q", role)
	}

	room, err := s.activeRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	actor, ok := room.Member(actorID)
	if !ok || !actor.Role.Elevated() {
		return nil, domain.AccessDeniedf("only admins and moderators can add members")
	}
	if role.Elevated() && actor.Role != domain.RoleAdmin {
		return nil, domain.AccessDeniedf("only admins can grant %s", role)
	}

	m := domain.RoomMember{UserID: userID, Role: role, JoinedAt: s.clock.Now().UTC()}
	if err := s.rooms.AddMember(ctx, roomID, m, s.limits.MaxRoomMembers); err != nil {
		return nil, err
	}
	room.Members = append(room.Members, m)

	s.fanout.JoinUser(userID, room.Thread().Channel())
	s.fanout.EmitToUser(userID, protocol.EventRoomJoined, protocol.RoomMembership{ThreadData: protocol.ThreadDataOf(room.Thread())})
	return room, nil
}

// RemoveMember removes userID from the room. Members may always leave;
// removing someone else requires an elevated role, and moderators cannot
// remove admins. The creator is never removed.
func (s *RoomService) RemoveMember(ctx context.Context, actorID, roomID, userID int64) error {
	room, err := s.activeRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if userID == room.CreatedBy {
		return domain.AccessDeniedf("the room creator cannot be removed")
	}
	target, ok := room.Member(userID)
	if !ok {
		return domain.NotFoundf("user %d is not a member of room %d", userID, roomID)
	}
	if actorID != userID {
		actor, ok := room.Member(actorID)
		if !ok || !actor.Role.Elevated() {
			return domain.AccessDeniedf("only admins and moderators can remove members")
		}
		if target.Role == domain.RoleAdmin && actor.Role != domain.RoleAdmin {
			return domain.AccessDeniedf("moderators cannot remove admins")
		}
	}

	if err := s.rooms.RemoveMember(ctx, roomID, userID); err != nil {
		return err
	}
	s.fanout.LeaveUser(userID, room.Thread().Channel())
	s.fanout.EmitToUser(userID, protocol.EventRoomLeft, protocol.RoomMembership{ThreadData: protocol.ThreadDataOf(room.Thread())})
	return nil
}

// SetRole changes a member's role. Admin only; the creator stays admin.
func (s *RoomService) SetRole(ctx context.Context, actorID, roomID, userID int64, role domain.RoomRole) error {
	if !role.Valid() {
		return domain.Validationf("unknown role %q", role)
	}
	room, err := s.activeRoom(ctx, roomID)
	if err != nil {
		return err
	}
	actor, ok := room.Member(actorID)
	if !ok || actor.Role != domain.RoleAdmin {
		return domain.AccessDeniedf("only admins can change roles")
	}
	if userID == room.CreatedBy {
		return domain.AccessDeniedf("the room creator's role cannot change")
	}
	if !room.IsMember(userID) {
		return domain.NotFoundf("user %d is not a member of room %d", userID, roomID)
	}
	return s.rooms.UpdateMemberRole(ctx, roomID, userID, role)
}

// Deactivate closes the room. Admin only.
func (s *RoomService) Deactivate(ctx context.Context, actorID, roomID int64) error {
	room, err := s.activeRoom(ctx, roomID)
	if err != nil {
		return err
	}
	actor, ok := room.Member(actorID)
	if !ok || actor.Role != domain.RoleAdmin {
		return domain.AccessDeniedf("only admins can close a room")
	}
	if err := s.rooms.Deactivate(ctx, roomID); err != nil {
		return err
	}

	left := protocol.RoomMembership{ThreadData: protocol.ThreadDataOf(room.Thread())}
	for _, m := range room.Members {
		s.fanout.EmitToUser(m.UserID, protocol.EventRoomLeft, left)
	}
	s.fanout.DropChannel(room.Thread().Channel())
	return nil
}

func (s *RoomService) activeRoom(ctx context.Context, id int64) (*domain.Room, error) {
	room, err := s.rooms.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get room: %w", err)
	}
	if room == nil || !room.IsActive {
		return nil, domain.NotFoundf("room %d", id)
	}
	return room, nil
}
