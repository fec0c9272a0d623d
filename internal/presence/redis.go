package presence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const (
	onlineKey         = "presence:online"
	connKeyPrefix     = "presence:conns:"
	instanceKeyPrefix = "presence:instance:"

	// InstanceTTL bounds how long the connections of a crashed instance
	// keep their users online.
	InstanceTTL = 30 * time.Second
)

// Connection handles are stored as "<instance>|<conn>". Every script first
// drops the handles whose instance key has expired, so first/last and
// IsOnline only count connections held by a live instance.
const pruneLua = `
local function prune(key, prefix)
	for _, m in ipairs(redis.call("SMEMBERS", key)) do
		local inst = string.match(m, "^([^|]+)|")
		if not inst or redis.call("EXISTS", prefix .. inst) == 0 then
			redis.call("SREM", key, m)
		end
	end
end
`

var (
	registerScript = redis.NewScript(pruneLua + `
prune(KEYS[1], ARGV[3])
local before = redis.call("SCARD", KEYS[1])
redis.call("SADD", KEYS[1], ARGV[1])
redis.call("SADD", KEYS[2], ARGV[2])
if before == 0 then
	return 1
end
return 0
`)

	unregisterScript = redis.NewScript(pruneLua + `
local removed = redis.call("SREM", KEYS[1], ARGV[1])
prune(KEYS[1], ARGV[3])
if redis.call("SCARD", KEYS[1]) > 0 then
	return 0
end
redis.call("DEL", KEYS[1])
redis.call("SREM", KEYS[2], ARGV[2])
return removed
`)

	isOnlineScript = redis.NewScript(pruneLua + `
prune(KEYS[1], ARGV[2])
if redis.call("SCARD", KEYS[1]) > 0 then
	return 1
end
redis.call("SREM", KEYS[2], ARGV[1])
return 0
`)

	onlineUsersScript = redis.NewScript(pruneLua + `
local res = {}
for _, user in ipairs(redis.call("SMEMBERS", KEYS[1])) do
	local key = ARGV[1] .. user
	prune(key, ARGV[2])
	if redis.call("SCARD", key) > 0 then
		table.insert(res, user)
	else
		redis.call("SREM", KEYS[1], user)
	end
end
return res
`)
)

// Redis is a Registry shared by every instance pointing at the same Redis.
// Each instance keeps a heartbeat key alive with Run; when it stops, the
// connections it registered no longer count.
type Redis struct {
	client     *redis.Client
	instanceID string
	ttl        time.Duration
}

// NewRedis registers instanceID with a live heartbeat key. The client is
// owned by the caller.
func NewRedis(ctx context.Context, client *redis.Client, instanceID string) (*Redis, error) {
	if instanceID == "" {
		return nil, errors.New("presence: instance id is empty")
	}
	r := &Redis{client: client, instanceID: instanceID, ttl: InstanceTTL}
	if err := r.beat(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

var _ Registry = (*Redis)(nil)

func (r *Redis) instanceKey() string { return instanceKeyPrefix + r.instanceID }

func (r *Redis) member(connID string) string { return r.instanceID + "|" + connID }

func (r *Redis) beat(ctx context.Context) error {
	if err := r.client.Set(ctx, r.instanceKey(), time.Now().Unix(), r.ttl).Err(); err != nil {
		return fmt.Errorf("presence: heartbeat: %w", err)
	}
	return nil
}

// Run refreshes the heartbeat until ctx is canceled and then removes it,
// which takes every connection of this instance offline at once.
func (r *Redis) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			delCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			return r.client.Del(delCtx, r.instanceKey()).Err()
		case <-ticker.C:
			if err := r.beat(ctx); err != nil && ctx.Err() == nil {
				return err
			}
		}
	}
}

func (r *Redis) Register(ctx context.Context, userID int64, connID string) (bool, error) {
	res, err := registerScript.Run(ctx, r.client,
		[]string{connKeyPrefix + strconv.FormatInt(userID, 10), onlineKey},
		r.member(connID), userID, instanceKeyPrefix,
	).Int()
	if err != nil {
		return false, fmt.Errorf("presence: register %d: %w", userID, err)
	}
	return res == 1, nil
}

func (r *Redis) Unregister(ctx context.Context, userID int64, connID string) (bool, error) {
	res, err := unregisterScript.Run(ctx, r.client,
		[]string{connKeyPrefix + strconv.FormatInt(userID, 10), onlineKey},
		r.member(connID), userID, instanceKeyPrefix,
	).Int()
	if err != nil {
		return false, fmt.Errorf("presence: unregister %d: %w", userID, err)
	}
	return res == 1, nil
}

func (r *Redis) IsOnline(ctx context.Context, userID int64) (bool, error) {
	res, err := isOnlineScript.Run(ctx, r.client,
		[]string{connKeyPrefix + strconv.FormatInt(userID, 10), onlineKey},
		userID, instanceKeyPrefix,
	).Int()
	if err != nil {
		return false, fmt.Errorf("presence: is online %d: %w", userID, err)
	}
	return res == 1, nil
}

func (r *Redis) OnlineUsers(ctx context.Context) ([]int64, error) {
	members, err := onlineUsersScript.Run(ctx, r.client,
		[]string{onlineKey}, connKeyPrefix, instanceKeyPrefix,
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("presence: online users: %w", err)
	}
	ids := make([]int64, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}
