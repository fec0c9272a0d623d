package service

import (
	"context"

	"github.com/stancp327/Fetchwork-sub000/internal/protocol"
)

// Fanout delivers events to live connections. It is implemented by the
// websocket hub; every method is non-blocking and drops events for users
// without a connection.
type Fanout interface {
	// JoinUser subscribes every current connection of userID to channel.
	JoinUser(userID int64, channel string)
	LeaveUser(userID int64, channel string)
	// DropChannel unsubscribes every connection from channel.
	DropChannel(channel string)

	EmitToUser(userID int64, event string, data any)
	EmitToChannel(channel, event string, data any, exclude protocol.Exclude)
}

// Presence answers whether a user holds at least one live connection.
type Presence interface {
	IsOnline(ctx context.Context, userID int64) (bool, error)
}

// Limits carries the configurable bounds enforced by the services.
type Limits struct {
	MaxMessageLength int
	MaxAttachments   int
	HistoryPageSize  int
	MaxHistoryPage   int
	SyncRoomLimit    int
	MaxRoomMembers   int
}

func DefaultLimits() Limits {
	return Limits{
		MaxMessageLength: 5000,
		MaxAttachments:   10,
		HistoryPageSize:  50,
		MaxHistoryPage:   200,
		SyncRoomLimit:    500,
		MaxRoomMembers:   50,
	}
}
