package presence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"wiicare/pkg/types"
)

const keyPrefix = "wiicare:presence:"

// Only delete the key when it still belongs to the departing connection,
// so a late offline write never erases a newer login.
var offlineScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], "conn_id") == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisMirror mirrors presence into Redis hashes with a TTL.
// presence key: wiicare:presence:<user>, fields conn_id, role, since
type RedisMirror struct {
	client *redis.Client
	ttl    time.Duration
}

// DialRedis connects and pings the server
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return client, nil
}

// NewRedisMirror wraps a connected client
func NewRedisMirror(client *redis.Client, ttl time.Duration) *RedisMirror {
	return &RedisMirror{client: client, ttl: ttl}
}

func presenceKey(userID string) string { return keyPrefix + userID }

// Online sets the user as online and renews the TTL
func (m *RedisMirror) Online(ctx context.Context, identity types.Identity, connID string) error {
	key := presenceKey(identity.UserID)
	_, err := m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"conn_id", connID,
			"role", identity.Role,
			"since", time.Now().UTC().Format(time.RFC3339))
		if m.ttl > 0 {
			pipe.Expire(ctx, key, m.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("presence online %s: %w", identity.UserID, err)
	}
	return nil
}

// Offline removes the key if it still points at connID
func (m *RedisMirror) Offline(ctx context.Context, userID string, connID string) error {
	err := offlineScript.Run(ctx, m.client, []string{presenceKey(userID)}, connID).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("presence offline %s: %w", userID, err)
	}
	return nil
}

// IsOnline checks whether the user has a live presence key
func (m *RedisMirror) IsOnline(ctx context.Context, userID string) (bool, error) {
	n, err := m.client.Exists(ctx, presenceKey(userID)).Result()
	if err != nil {
		return false, fmt.Errorf("presence lookup %s: %w", userID, err)
	}
	return n > 0, nil
}

// Close closes the underlying client
func (m *RedisMirror) Close() error {
	return m.client.Close()
}
