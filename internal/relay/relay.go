// Package relay carries hub deliveries between server instances so that a
// user connected to one instance receives events produced on another.
package relay

import (
	"context"
	"encoding/json"
	"fmt"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultChannel is the pub/sub channel every instance subscribes to.
const DefaultChannel = "chat:relay"

type Op string

const (
	OpEmitUser    Op = "emit_user"
	OpEmitChannel Op = "emit_channel"
	OpPresence    Op = "presence"
	OpJoinUser    Op = "join_user"
	OpLeaveUser   Op = "leave_user"
	OpDropChannel Op = "drop_channel"
)

// Message is one hub operation. Frame is an encoded envelope ready to be
// written to sockets; it is empty for subscription changes.
type Message struct {
	Origin      string          `json:"origin"`
	Op          Op              `json:"op"`
	UserID      int64           `json:"userId,omitempty"`
	Channel     string          `json:"channel,omitempty"`
	Frame       json.RawMessage `json:"frame,omitempty"`
	ExcludeConn string          `json:"excludeConn,omitempty"`
	ExcludeUser int64           `json:"excludeUser,omitempty"`
}

// Relay publishes local operations and delivers the ones published by
// other instances. Subscribe blocks until ctx is canceled.
type Relay interface {
	Publish(ctx context.Context, m Message) error
	Subscribe(ctx context.Context, deliver func(Message)) error
}

// Redis relays over a Redis pub/sub channel. Redis keeps the order of
// messages from one publisher connection.
type Redis struct {
	client     *redis.Client
	channel    string
	instanceID string
	log        *zap.Logger
}

func NewRedis(client *redis.Client, instanceID string, log *zap.Logger) *Redis {
	return &Redis{
		client:     client,
		channel:    DefaultChannel,
		instanceID: instanceID,
		log:        log.Named("relay"),
	}
}

var _ Relay = (*Redis)(nil)

func (r *Redis) Publish(ctx context.Context, m Message) error {
	m.Origin = r.instanceID
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("relay: encode %s: %w", m.Op, err)
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("relay: publish %s: %w", m.Op, err)
	}
	return nil
}

func (r *Redis) Subscribe(ctx context.Context, deliver func(Message)) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("relay: subscribe %s: %w", r.channel, err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var m Message
			if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
				r.log.Warn("decode relay message", zap.Error(err))
				continue
			}
			if m.Origin == r.instanceID {
				continue
			}
			deliver(m)
		}
	}
}
