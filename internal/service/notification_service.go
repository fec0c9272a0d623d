package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/stancp327/Fetchwork-sub000/internal/domain"
	"github.com/stancp327/Fetchwork-sub000/internal/queue"
	"github.com/stancp327/Fetchwork-sub000/internal/security"
)

// TaskOfflineMessage is the queue task raised for a recipient without a
// live connection.
const TaskOfflineMessage = "notify:offline_message"

const previewLength = 100

// OfflineMessagePayload is the JSON payload of TaskOfflineMessage. Preview
// is already encrypted.
type OfflineMessagePayload struct {
	UserID         int64                   `json:"userId"`
	Kind           domain.NotificationKind `json:"kind"`
	MessageID      int64                   `json:"messageId"`
	SenderID       int64                   `json:"senderId"`
	ConversationID int64                   `json:"conversationId,omitempty"`
	RoomID         int64                   `json:"roomId,omitempty"`
	Preview        string                  `json:"preview"`
	CreatedAt      time.Time               `json:"createdAt"`
}

// Notifier hands offline notifications to the task queue.
type Notifier struct {
	client queue.Client
}

func NewNotifier(client queue.Client) *Notifier {
	return &Notifier{client: client}
}

func (n *Notifier) NotifyOffline(ctx context.Context, p OfflineMessagePayload) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	_, err = n.client.Enqueue(ctx, queue.Task{Type: TaskOfflineMessage, Payload: raw}, queue.EnqueueOption{MaxRetry: 5})
	return err
}

// RegisterNotificationHandler binds the worker that persists offline
// notifications.
func RegisterNotificationHandler(srv queue.Server, repo domain.NotificationRepository, log *zap.Logger) {
	log = log.Named("notify")
	srv.Register(TaskOfflineMessage, func(ctx context.Context, t queue.Task) error {
		var p OfflineMessagePayload
		if err := json.Unmarshal(t.Payload, &p); err != nil {
			// malformed payload: retrying cannot help
			log.Error("drop malformed task", zap.Error(err))
			return nil
		}
		thread, err := domain.ThreadFromIDs(p.ConversationID, p.RoomID)
		if err != nil {
			log.Error("drop task without thread", zap.Int64("message", p.MessageID))
			return nil
		}
		n := &domain.Notification{
			UserID:    p.UserID,
			Kind:      p.Kind,
			MessageID: p.MessageID,
			SenderID:  p.SenderID,
			Thread:    thread,
			Preview:   p.Preview,
			CreatedAt: p.CreatedAt,
		}
		if err := repo.Create(ctx, n); err != nil {
			return fmt.Errorf("store notification: %w", err)
		}
		return nil
	})
}

type NotificationService struct {
	repo      domain.NotificationRepository
	encryptor *security.Encryptor
	log       *zap.Logger
}

func NewNotificationService(repo domain.NotificationRepository, encryptor *security.Encryptor, log *zap.Logger) *NotificationService {
	return &NotificationService{repo: repo, encryptor: encryptor, log: log.Named("notifications")}
}

func (s *NotificationService) List(ctx context.Context, userID int64, unreadOnly bool, limit int) ([]*domain.Notification, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	list, err := s.repo.ListForUser(ctx, userID, unreadOnly, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	for _, n := range list {
		if n.Preview != "" {
			n.Preview = decryptContent(s.encryptor, s.log, n.Preview)
		}
	}
	return list, nil
}

func (s *NotificationService) MarkRead(ctx context.Context, userID, id int64) error {
	return s.repo.MarkRead(ctx, id, userID)
}

func preview(content string) string {
	r := []rune(content)
	if len(r) <= previewLength {
		return content
	}
	return string(r[:previewLength]) + "…"
}
