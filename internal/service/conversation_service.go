package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/stancp327/Fetchwork-sub000/internal/clock"
	"github.com/stancp327/Fetchwork-sub000/internal/domain"
	"github.com/stancp327/Fetchwork-sub000/internal/protocol"
	"github.com/stancp327/Fetchwork-sub000/internal/security"
)

// undecryptable replaces content that no configured key can open.
const undecryptable = "[message unavailable]"

type ConversationService struct {
	conversations domain.ConversationRepository
	fanout        Fanout
	encryptor     *security.Encryptor
	clock         clock.Clock
	log           *zap.Logger
}

func NewConversationService(
	conversations domain.ConversationRepository,
	fanout Fanout,
	encryptor *security.Encryptor,
	clk clock.Clock,
	log *zap.Logger,
) *ConversationService {
	return &ConversationService{
		conversations: conversations,
		fanout:        fanout,
		encryptor:     encryptor,
		clock:         clk,
		log:           log.Named("conversations"),
	}
}

// GetOrCreateDirect returns the active conversation between userID and
// otherID for jobID, creating it when none exists. Concurrent callers for
// the same pair all observe the same conversation: the loser of the insert
// race re-reads the winner's row.
func (s *ConversationService) GetOrCreateDirect(ctx context.Context, userID, otherID int64, jobID string) (*domain.Conversation, bool, error) {
	if otherID <= 0 {
		return nil, false, domain.Validationf("participant is required")
	}
	if userID == otherID {
		return nil, false, domain.AccessDeniedf("cannot start a conversation with yourself")
	}
	jobID = strings.TrimSpace(jobID)

	existing, err := s.conversations.FindDirect(ctx, userID, otherID, jobID)
	if err != nil {
		return nil, false, fmt.Errorf("find conversation: %w", err)
	}
	if existing != nil {
		s.decrypt(existing)
		return existing, false, nil
	}

	now := s.clock.Now().UTC()
	conv := &domain.Conversation{
		ParticipantA: userID,
		ParticipantB: otherID,
		JobID:        jobID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err = s.conversations.CreateDirect(ctx, conv)
	if errors.Is(err, domain.ErrConflict) {
		existing, err = s.conversations.FindDirect(ctx, userID, otherID, jobID)
		if err != nil {
			return nil, false, fmt.Errorf("refetch conversation: %w", err)
		}
		if existing == nil {
			return nil, false, fmt.Errorf("conversation %d/%d vanished after conflict", userID, otherID)
		}
		s.decrypt(existing)
		return existing, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("create conversation: %w", err)
	}

	s.log.Debug("conversation created",
		zap.Int64("id", conv.ID), zap.Int64("a", conv.ParticipantA), zap.Int64("b", conv.ParticipantB))
	for _, uid := range conv.Participants() {
		s.fanout.JoinUser(uid, conv.Thread().Channel())
	}
	return conv, true, nil
}

// Get returns the conversation if userID participates in it.
func (s *ConversationService) Get(ctx context.Context, userID, id int64) (*domain.Conversation, error) {
	conv, err := s.conversations.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	if conv == nil {
		return nil, domain.NotFoundf("conversation %d", id)
	}
	if !conv.HasParticipant(userID) {
		return nil, domain.AccessDeniedf("not a participant of conversation %d", id)
	}
	s.decrypt(conv)
	return conv, nil
}

// ListForUser returns the user's active conversations, most recent first.
func (s *ConversationService) ListForUser(ctx context.Context, userID int64) ([]*domain.Conversation, error) {
	convs, err := s.conversations.ListForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	for _, c := range convs {
		s.decrypt(c)
	}
	return convs, nil
}

// Deactivate closes the conversation for both participants. Its history
// is kept; a later send opens a new conversation.
func (s *ConversationService) Deactivate(ctx context.Context, userID, id int64) error {
	conv, err := s.Get(ctx, userID, id)
	if err != nil {
		return err
	}
	if !conv.IsActive {
		return nil
	}
	if err := s.conversations.Deactivate(ctx, id); err != nil {
		return err
	}
	conv.IsActive = false

	update := protocol.ConversationUpdate{Conversation: protocol.NewConversationPayload(conv)}
	for _, uid := range conv.Participants() {
		s.fanout.EmitToUser(uid, protocol.EventConversationUpdate, update)
	}
	s.fanout.DropChannel(conv.Thread().Channel())
	return nil
}

func (s *ConversationService) decrypt(c *domain.Conversation) {
	if c.LastMessage == nil {
		return
	}
	c.LastMessage.Content = decryptContent(s.encryptor, s.log, c.LastMessage.Content)
}

func decryptContent(enc *security.Encryptor, log *zap.Logger, content string) string {
	plain, err := enc.Decrypt(content)
	if err != nil {
		log.Warn("decrypt content", zap.Error(err))
		return undecryptable
	}
	return plain
}
