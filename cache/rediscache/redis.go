// Package rediscache persists the mailbox synchroniser's cache in
// Redis, for deployments that already run a shared Redis and want the
// cache reachable from more than one process. Grounded on the
// teacher's internal/queue.RedisQueue: same pool tuning, same
// prefix+suffix key convention, same encoding/json value encoding.
package rediscache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fenilsonani/imapkit/cache"
	"github.com/fenilsonani/imapkit/wire"
)

// Config configures the Redis cache backend.
type Config struct {
	// RedisURL is the Redis connection URL, e.g. redis://localhost:6379/0.
	RedisURL string
	// Prefix namespaces every key this cache writes.
	Prefix string
}

// DefaultConfig returns a Config pointed at a local Redis instance.
func DefaultConfig() Config {
	return Config{RedisURL: "redis://localhost:6379/0", Prefix: "imapkit"}
}

// Cache is a Redis-backed cache.Cache.
type Cache struct {
	client *redis.Client
	prefix string
}

// New connects to Redis and returns a Cache using cfg.
func New(cfg Config) (*Cache, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("rediscache: invalid redis URL: %w", err)
	}
	opts.MaxRetries = 3
	opts.MinRetryBackoff = 100 * time.Millisecond
	opts.MaxRetryBackoff = 1 * time.Second
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.PoolSize = 10
	opts.MinIdleConns = 2
	opts.ConnMaxIdleTime = 5 * time.Minute

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("rediscache: connecting to redis: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "imapkit"
	}
	return &Cache{client: client, prefix: prefix}, nil
}

// Close releases the underlying Redis client.
func (c *Cache) Close() error { return c.client.Close() }

func (c *Cache) stateKey(mailbox string) string  { return c.prefix + ":state:" + mailbox }
func (c *Cache) uidMapKey(mailbox string) string { return c.prefix + ":uidmap:" + mailbox }
func (c *Cache) metaKey(mailbox string) string   { return c.prefix + ":meta:" + mailbox }
func (c *Cache) flagsKey(mailbox string) string  { return c.prefix + ":flags:" + mailbox }
func (c *Cache) bodyKey(mailbox string) string   { return c.prefix + ":body:" + mailbox }
func (c *Cache) threadKey(mailbox string) string { return c.prefix + ":thread:" + mailbox }

func bodyPartField(uid uint32, partID string) string {
	return strconv.FormatUint(uint64(uid), 10) + ":" + partID
}

type wireSyncState struct {
	UIDValidity   uint32 `json:"uid_validity"`
	UIDNext       uint32 `json:"uid_next"`
	Exists        uint32 `json:"exists"`
	HighestModSeq uint64 `json:"highest_modseq"`
}

func (c *Cache) GetSyncState(ctx context.Context, mailbox string) (cache.SyncState, bool, error) {
	raw, err := c.client.Get(ctx, c.stateKey(mailbox)).Bytes()
	if err == redis.Nil {
		return cache.SyncState{}, false, nil
	}
	if err != nil {
		return cache.SyncState{}, false, fmt.Errorf("rediscache: reading sync state: %w", err)
	}
	var s wireSyncState
	if err := json.Unmarshal(raw, &s); err != nil {
		return cache.SyncState{}, false, fmt.Errorf("rediscache: decoding sync state: %w", err)
	}
	return cache.SyncState(s), true, nil
}

func (c *Cache) SetSyncState(ctx context.Context, mailbox string, state cache.SyncState) error {
	raw, err := json.Marshal(wireSyncState(state))
	if err != nil {
		return fmt.Errorf("rediscache: encoding sync state: %w", err)
	}
	if err := c.client.Set(ctx, c.stateKey(mailbox), raw, 0).Err(); err != nil {
		return fmt.Errorf("rediscache: writing sync state: %w", err)
	}
	return nil
}

func (c *Cache) GetUIDMap(ctx context.Context, mailbox string) ([]uint32, bool, error) {
	raw, err := c.client.Get(ctx, c.uidMapKey(mailbox)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("rediscache: reading UID map: %w", err)
	}
	var uids []uint32
	if err := json.Unmarshal(raw, &uids); err != nil {
		return nil, false, fmt.Errorf("rediscache: decoding UID map: %w", err)
	}
	return uids, true, nil
}

func (c *Cache) SetUIDMap(ctx context.Context, mailbox string, uids []uint32) error {
	raw, err := json.Marshal(uids)
	if err != nil {
		return fmt.Errorf("rediscache: encoding UID map: %w", err)
	}
	if err := c.client.Set(ctx, c.uidMapKey(mailbox), raw, 0).Err(); err != nil {
		return fmt.Errorf("rediscache: writing UID map: %w", err)
	}
	return nil
}

func (c *Cache) ClearUIDMap(ctx context.Context, mailbox string) error {
	if err := c.client.Del(ctx, c.uidMapKey(mailbox)).Err(); err != nil {
		return fmt.Errorf("rediscache: clearing UID map: %w", err)
	}
	return nil
}

type wireMessageMetadata struct {
	Envelope      *wire.Envelope      `json:"envelope,omitempty"`
	BodyStructure *wire.BodyStructure `json:"body_structure,omitempty"`
	InternalDate  time.Time           `json:"internal_date"`
	Size          uint32              `json:"size"`
}

func (c *Cache) GetMessageMetadata(ctx context.Context, mailbox string, uid uint32) (cache.MessageMetadata, bool, error) {
	raw, err := c.client.HGet(ctx, c.metaKey(mailbox), strconv.FormatUint(uint64(uid), 10)).Bytes()
	if err == redis.Nil {
		return cache.MessageMetadata{}, false, nil
	}
	if err != nil {
		return cache.MessageMetadata{}, false, fmt.Errorf("rediscache: reading message metadata: %w", err)
	}
	var m wireMessageMetadata
	if err := json.Unmarshal(raw, &m); err != nil {
		return cache.MessageMetadata{}, false, fmt.Errorf("rediscache: decoding message metadata: %w", err)
	}
	return cache.MessageMetadata{
		Envelope:      m.Envelope,
		BodyStructure: m.BodyStructure,
		InternalDate:  m.InternalDate,
		Size:          m.Size,
	}, true, nil
}

func (c *Cache) SetMessageMetadata(ctx context.Context, mailbox string, uid uint32, meta cache.MessageMetadata) error {
	raw, err := json.Marshal(wireMessageMetadata{
		Envelope:      meta.Envelope,
		BodyStructure: meta.BodyStructure,
		InternalDate:  meta.InternalDate,
		Size:          meta.Size,
	})
	if err != nil {
		return fmt.Errorf("rediscache: encoding message metadata: %w", err)
	}
	if err := c.client.HSet(ctx, c.metaKey(mailbox), strconv.FormatUint(uint64(uid), 10), raw).Err(); err != nil {
		return fmt.Errorf("rediscache: writing message metadata: %w", err)
	}
	return nil
}

func (c *Cache) GetFlags(ctx context.Context, mailbox string, uid uint32) ([]string, bool, error) {
	raw, err := c.client.HGet(ctx, c.flagsKey(mailbox), strconv.FormatUint(uint64(uid), 10)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("rediscache: reading flags: %w", err)
	}
	var flags []string
	if err := json.Unmarshal(raw, &flags); err != nil {
		return nil, false, fmt.Errorf("rediscache: decoding flags: %w", err)
	}
	return flags, true, nil
}

func (c *Cache) SetFlags(ctx context.Context, mailbox string, uid uint32, flags []string) error {
	raw, err := json.Marshal(flags)
	if err != nil {
		return fmt.Errorf("rediscache: encoding flags: %w", err)
	}
	if err := c.client.HSet(ctx, c.flagsKey(mailbox), strconv.FormatUint(uint64(uid), 10), raw).Err(); err != nil {
		return fmt.Errorf("rediscache: writing flags: %w", err)
	}
	return nil
}

func (c *Cache) GetBodyPart(ctx context.Context, mailbox string, uid uint32, partID string) ([]byte, bool, error) {
	raw, err := c.client.HGet(ctx, c.bodyKey(mailbox), bodyPartField(uid, partID)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("rediscache: reading body part: %w", err)
	}
	return raw, true, nil
}

func (c *Cache) SetBodyPart(ctx context.Context, mailbox string, uid uint32, partID string, data []byte) error {
	if err := c.client.HSet(ctx, c.bodyKey(mailbox), bodyPartField(uid, partID), data).Err(); err != nil {
		return fmt.Errorf("rediscache: writing body part: %w", err)
	}
	return nil
}

func (c *Cache) GetThreading(ctx context.Context, mailbox string) ([]wire.ThreadNode, bool, error) {
	raw, err := c.client.Get(ctx, c.threadKey(mailbox)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("rediscache: reading threading: %w", err)
	}
	var tree []wire.ThreadNode
	if err := json.Unmarshal(raw, &tree); err != nil {
		return nil, false, fmt.Errorf("rediscache: decoding threading: %w", err)
	}
	return tree, true, nil
}

func (c *Cache) SetThreading(ctx context.Context, mailbox string, tree []wire.ThreadNode) error {
	raw, err := json.Marshal(tree)
	if err != nil {
		return fmt.Errorf("rediscache: encoding threading: %w", err)
	}
	if err := c.client.Set(ctx, c.threadKey(mailbox), raw, 0).Err(); err != nil {
		return fmt.Errorf("rediscache: writing threading: %w", err)
	}
	return nil
}

func (c *Cache) ClearAllMessages(ctx context.Context, mailbox string) error {
	pipe := c.client.TxPipeline()
	pipe.Del(ctx, c.uidMapKey(mailbox))
	pipe.Del(ctx, c.metaKey(mailbox))
	pipe.Del(ctx, c.flagsKey(mailbox))
	pipe.Del(ctx, c.bodyKey(mailbox))
	pipe.Del(ctx, c.threadKey(mailbox))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("rediscache: clearing mailbox %s: %w", mailbox, err)
	}
	return nil
}

func (c *Cache) ClearMessage(ctx context.Context, mailbox string, uid uint32) error {
	field := strconv.FormatUint(uint64(uid), 10)
	prefix := field + ":"

	bodyFields, err := c.client.HKeys(ctx, c.bodyKey(mailbox)).Result()
	if err != nil {
		return fmt.Errorf("rediscache: listing body parts for message %d: %w", uid, err)
	}
	var staleBodyFields []string
	for _, f := range bodyFields {
		if len(f) >= len(prefix) && f[:len(prefix)] == prefix {
			staleBodyFields = append(staleBodyFields, f)
		}
	}

	pipe := c.client.TxPipeline()
	pipe.HDel(ctx, c.metaKey(mailbox), field)
	pipe.HDel(ctx, c.flagsKey(mailbox), field)
	if len(staleBodyFields) > 0 {
		pipe.HDel(ctx, c.bodyKey(mailbox), staleBodyFields...)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("rediscache: clearing message %d: %w", uid, err)
	}
	return nil
}

var _ cache.Cache = (*Cache)(nil)
