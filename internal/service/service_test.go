package service_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/stancp327/Fetchwork-sub000/internal/clock"
	"github.com/stancp327/Fetchwork-sub000/internal/protocol"
	"github.com/stancp327/Fetchwork-sub000/internal/queue"
	"github.com/stancp327/Fetchwork-sub000/internal/security"
	"github.com/stancp327/Fetchwork-sub000/internal/service"
	"github.com/stancp327/Fetchwork-sub000/internal/store/sqlite"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type emitted struct {
	UserID  int64
	Channel string
	Event   string
	Data    any
	Exclude protocol.Exclude
}

// recordingFanout captures every event instead of writing to sockets.
type recordingFanout struct {
	mu      sync.Mutex
	events  []emitted
	joins   map[string][]int64
	dropped []string
}

func newRecordingFanout() *recordingFanout {
	return &recordingFanout{joins: make(map[string][]int64)}
}

func (f *recordingFanout) JoinUser(userID int64, channel string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range f.joins[channel] {
		if id == userID {
			return
		}
	}
	f.joins[channel] = append(f.joins[channel], userID)
}

func (f *recordingFanout) LeaveUser(userID int64, channel string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := f.joins[channel][:0]
	for _, id := range f.joins[channel] {
		if id != userID {
			ids = append(ids, id)
		}
	}
	f.joins[channel] = ids
}

func (f *recordingFanout) DropChannel(channel string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.joins, channel)
	f.dropped = append(f.dropped, channel)
}

func (f *recordingFanout) EmitToUser(userID int64, event string, data any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, emitted{UserID: userID, Event: event, Data: data})
}

func (f *recordingFanout) EmitToChannel(channel, event string, data any, exclude protocol.Exclude) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, emitted{Channel: channel, Event: event, Data: data, Exclude: exclude})
}

func (f *recordingFanout) byEvent(event string) []emitted {
	f.mu.Lock()
	defer f.mu.Unlock()
	var res []emitted
	for _, e := range f.events {
		if e.Event == event {
			res = append(res, e)
		}
	}
	return res
}

func (f *recordingFanout) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = nil
}

func (f *recordingFanout) members(channel string) []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.joins[channel]...)
}

type fakePresence struct {
	mu     sync.Mutex
	online map[int64]bool
}

func (p *fakePresence) set(userID int64, online bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.online[userID] = online
}

func (p *fakePresence) IsOnline(_ context.Context, userID int64) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online[userID], nil
}

type mockQueue struct {
	mock.Mock
}

func (m *mockQueue) Enqueue(ctx context.Context, t queue.Task, opts ...queue.EnqueueOption) (string, error) {
	args := m.Called(ctx, t, opts)
	return args.String(0), args.Error(1)
}

func (m *mockQueue) Close() error { return nil }

// offlinePayloads decodes every TaskOfflineMessage handed to the mock.
func (m *mockQueue) offlinePayloads(t *testing.T) []service.OfflineMessagePayload {
	t.Helper()
	var res []service.OfflineMessagePayload
	for _, c := range m.Calls {
		if c.Method != "Enqueue" {
			continue
		}
		task := c.Arguments.Get(1).(queue.Task)
		require.Equal(t, service.TaskOfflineMessage, task.Type)
		var p service.OfflineMessagePayload
		require.NoError(t, json.Unmarshal(task.Payload, &p))
		res = append(res, p)
	}
	return res
}

type harness struct {
	clock         *clock.FakeClock
	fanout        *recordingFanout
	presence      *fakePresence
	queue         *mockQueue
	encryptor     *security.Encryptor
	conversations *service.ConversationService
	rooms         *service.RoomService
	messages      *service.MessageService
	notifications *service.NotificationService
	messageRepo   *sqlite.MessageRepo
	notifyRepo    *sqlite.NotificationRepo
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, sqlite.Migrate(ctx, db))

	enc, err := security.NewEncryptor("test-secret", nil)
	require.NoError(t, err)

	h := &harness{
		clock:       clock.Fake(t0),
		fanout:      newRecordingFanout(),
		presence:    &fakePresence{online: make(map[int64]bool)},
		queue:       &mockQueue{},
		encryptor:   enc,
		messageRepo: sqlite.NewMessageRepo(db),
		notifyRepo:  sqlite.NewNotificationRepo(db),
	}
	h.queue.On("Enqueue", mock.Anything, mock.Anything, mock.Anything).Return("task-id", nil).Maybe()

	log := zap.NewNop()
	limits := service.DefaultLimits()
	limits.MaxRoomMembers = 4
	h.conversations = service.NewConversationService(sqlite.NewConversationRepo(db), h.fanout, enc, h.clock, log)
	h.rooms = service.NewRoomService(sqlite.NewRoomRepo(db), h.fanout, h.clock, limits, log)
	h.messages = service.NewMessageService(service.MessageServiceDeps{
		Conversations: h.conversations,
		Rooms:         h.rooms,
		Messages:      h.messageRepo,
		Presence:      h.presence,
		Fanout:        h.fanout,
		Notifier:      service.NewNotifier(h.queue),
		Encryptor:     enc,
		Clock:         h.clock,
		Limits:        limits,
		Log:           log,
	})
	h.notifications = service.NewNotificationService(h.notifyRepo, enc, log)
	return h
}
