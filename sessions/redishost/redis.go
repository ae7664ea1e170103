package redishost

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ggoodman/mcp-session-router/sessions"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

// Config for the Redis-backed StreamHost. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: SESSIONS_KEY_PREFIX
	KeyPrefix string `env:"SESSIONS_KEY_PREFIX,default=mcp:sessions:"`
	// MaxLen approximately bounds each session stream. ENV: SESSIONS_STREAM_MAXLEN
	MaxLen int64 `env:"SESSIONS_STREAM_MAXLEN,default=1024"`
	// StreamTTL expires idle streams left behind by crashed processes.
	// ENV: SESSIONS_STREAM_TTL
	StreamTTL time.Duration `env:"SESSIONS_STREAM_TTL,default=24h"`
}

type Host struct {
	client    *redis.Client
	keyPrefix string
	maxLen    int64
	ttl       time.Duration

	// pollInterval bounds how long a subscriber blocks before rechecking
	// for cleanup.
	pollInterval time.Duration
}

func New(cfg Config) (*Host, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := cl.Ping(ctx).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "mcp:sessions:"
	}
	return &Host{
		client:       cl,
		keyPrefix:    prefix,
		maxLen:       cfg.MaxLen,
		ttl:          cfg.StreamTTL,
		pollInterval: 500 * time.Millisecond,
	}, nil
}

// NewFromEnv builds a Host using envdecode to populate Config.
func NewFromEnv() (*Host, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode redis config: %w", err)
	}
	return New(cfg)
}

// Close closes the Redis client.
func (h *Host) Close() error { return h.client.Close() }

// --- Key helpers ---

func (h *Host) streamKey(sessionID string) string { return h.keyPrefix + "stream:" + sessionID }
func (h *Host) closedKey(sessionID string) string { return h.keyPrefix + "closed:" + sessionID }

// --- Messaging via Redis Streams ---

// publishScript appends to the stream unless the session's closed marker
// exists, in which case it returns nil.
var publishScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[2]) == 1 then
  return false
end
local id
if tonumber(ARGV[2]) > 0 then
  id = redis.call("XADD", KEYS[1], "MAXLEN", "~", ARGV[2], "*", "d", ARGV[1])
else
  id = redis.call("XADD", KEYS[1], "*", "d", ARGV[1])
end
if tonumber(ARGV[3]) > 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[3])
end
return id
`)

func (h *Host) Publish(ctx context.Context, sessionID string, data []byte) (string, error) {
	keys := []string{h.streamKey(sessionID), h.closedKey(sessionID)}
	id, err := publishScript.Run(ctx, h.client, keys, data, h.maxLen, h.ttl.Milliseconds()).Text()
	if errors.Is(err, redis.Nil) {
		return "", sessions.ErrSessionClosed
	}
	if err != nil {
		return "", fmt.Errorf("xadd: %w", err)
	}
	return id, nil
}

func (h *Host) Subscribe(ctx context.Context, sessionID string, lastEventID string, handler sessions.MessageHandlerFunction) error {
	key := h.streamKey(sessionID)
	if closed, err := h.client.Exists(ctx, h.closedKey(sessionID)).Result(); err == nil && closed == 1 {
		return nil
	}
	start := lastEventID
	if start == "" {
		// Resolve "only new messages" to a concrete id up front so messages
		// published between polls are not skipped.
		start = "0-0"
		last, err := h.client.XRevRangeN(ctx, key, "+", "-", 1).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("xrevrange: %w", err)
		}
		if len(last) > 0 {
			start = last[0].ID
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, err := h.client.XRead(ctx, &redis.XReadArgs{Streams: []string{key, start}, Count: 16, Block: h.pollInterval}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				closed, cerr := h.client.Exists(ctx, h.closedKey(sessionID)).Result()
				if cerr == nil && closed == 1 {
					return nil
				}
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("xread: %w", err)
		}
		if len(res) == 0 {
			continue
		}
		for _, m := range res[0].Messages {
			start = m.ID
			var payload []byte
			switch v := m.Values["d"].(type) {
			case string:
				payload = []byte(v)
			case []byte:
				payload = v
			default:
				payload = []byte(fmt.Sprintf("%v", v))
			}
			if err := handler(ctx, m.ID, payload); err != nil {
				return err
			}
		}
	}
}

func (h *Host) Cleanup(ctx context.Context, sessionID string) error {
	c := context.WithoutCancel(ctx)
	pipe := h.client.TxPipeline()
	pipe.Del(c, h.streamKey(sessionID))
	// The marker outlives the stream so that subscribers on other processes
	// notice the session is gone.
	pipe.Set(c, h.closedKey(sessionID), "1", time.Hour)
	if _, err := pipe.Exec(c); err != nil {
		return fmt.Errorf("cleanup session stream: %w", err)
	}
	return nil
}

// Interface compliance
var _ sessions.StreamHost = (*Host)(nil)
