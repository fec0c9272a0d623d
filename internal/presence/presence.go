// Package presence tracks which users currently hold at least one live
// connection. A user may be connected from several tabs or devices at
// once; only the first connection and the last disconnection change the
// user's presence.
package presence

import "context"

// Registry records live connection handles per user.
type Registry interface {
	// Register adds connID to userID's connection set and reports whether
	// it is the user's first live connection.
	Register(ctx context.Context, userID int64, connID string) (first bool, err error)

	// Unregister removes connID and reports whether it was the user's last
	// live connection.
	Unregister(ctx context.Context, userID int64, connID string) (last bool, err error)

	IsOnline(ctx context.Context, userID int64) (bool, error)
	OnlineUsers(ctx context.Context) ([]int64, error)
}
