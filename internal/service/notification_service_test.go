package service_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/stancp327/Fetchwork-sub000/internal/domain"
	"github.com/stancp327/Fetchwork-sub000/internal/queue"
	"github.com/stancp327/Fetchwork-sub000/internal/service"
)

func TestOfflineNotificationIsPersisted(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	q := queue.NewInline(zap.NewNop())
	service.RegisterNotificationHandler(q, h.notifyRepo, zap.NewNop())
	notifier := service.NewNotifier(q)

	preview, err := h.encryptor.Encrypt("see attached quote")
	require.NoError(t, err)
	require.NoError(t, notifier.NotifyOffline(ctx, service.OfflineMessagePayload{
		UserID:         bob,
		Kind:           domain.NotifyDirectMessage,
		MessageID:      42,
		SenderID:       alice,
		ConversationID: 7,
		Preview:        preview,
		CreatedAt:      t0,
	}))
	// Without a thread the task is dropped, not retried.
	require.NoError(t, notifier.NotifyOffline(ctx, service.OfflineMessagePayload{UserID: bob, MessageID: 43}))
	q.Wait()

	list, err := h.notifications.List(ctx, bob, true, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	n := list[0]
	assert.Equal(t, "see attached quote", n.Preview)
	assert.Equal(t, domain.ConversationThread(7), n.Thread)
	assert.Equal(t, alice, n.SenderID)

	err = h.notifications.MarkRead(ctx, carol, n.ID)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
	require.NoError(t, h.notifications.MarkRead(ctx, bob, n.ID))

	unread, err := h.notifications.List(ctx, bob, true, 0)
	require.NoError(t, err)
	assert.Empty(t, unread)
	all, err := h.notifications.List(ctx, bob, false, 0)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestOfflinePreviewIsTruncated(t *testing.T) {
	h := newHarness(t)
	long := strings.Repeat("ü", 150)

	_, err := h.messages.SendMessage(context.Background(), service.SendInput{SenderID: alice, RecipientID: bob, Content: long})
	require.NoError(t, err)

	offline := h.queue.offlinePayloads(t)
	require.Len(t, offline, 1)
	plain, err := h.encryptor.Decrypt(offline[0].Preview)
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("ü", 100)+"…", plain)
}

func TestRedeliveredNotificationTaskStoresOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	q := queue.NewInline(zap.NewNop())
	service.RegisterNotificationHandler(q, h.notifyRepo, zap.NewNop())
	notifier := service.NewNotifier(q)

	payload := service.OfflineMessagePayload{
		UserID:         bob,
		Kind:           domain.NotifyDirectMessage,
		MessageID:      42,
		SenderID:       alice,
		ConversationID: 7,
		CreatedAt:      t0,
	}
	// A worker that crashes after the insert gets the same task again.
	require.NoError(t, notifier.NotifyOffline(ctx, payload))
	require.NoError(t, notifier.NotifyOffline(ctx, payload))
	mention := payload
	mention.Kind = domain.NotifyMention
	require.NoError(t, notifier.NotifyOffline(ctx, mention))
	q.Wait()

	all, err := h.notifications.List(ctx, bob, false, 0)
	require.NoError(t, err)
	require.Len(t, all, 2, "one row per message and kind")
}
