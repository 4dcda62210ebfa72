package redis

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/tabchan/tabchan-go/pkg/persistence"
	"github.com/tabchan/tabchan-go/pkg/types"
)

// Key prefixes for namespacing in Redis
const (
	keyPrefixChannel     = "tabchan:channel:"
	keyPrefixLatestState = "tabchan:state:"
	keySchemaVersion     = "tabchan:metadata:schema_version"
	currentSchemaVersion = "v1"

	// Key set for listing operations (Redis doesn't support prefix iteration natively)
	keySetChannels = "tabchan:channels:index"
)

const opTimeout = 5 * time.Second

// RedisPersistence is a persistence implementation backed by Redis, suitable
// for cloud deployments where the relay runs with no local disk.
type RedisPersistence struct {
	client    *redis.Client
	logger    *zap.Logger
	keyPrefix string // Custom prefix for all keys
	mu        sync.RWMutex
	closed    bool
}

// RedisConfig holds the configuration for connecting to Redis
type RedisConfig struct {
	// Address is the Redis server address (host:port)
	Address string
	// Password is the optional Redis password
	Password string
	// DB is the Redis database number (0-15)
	DB int
	// KeyPrefix is an optional custom prefix for all keys (for multi-tenant
	// setups). If empty, keys use the default "tabchan:" namespace.
	KeyPrefix string
}

// NewRedisPersistence creates a new Redis-backed channel store.
func NewRedisPersistence(cfg *RedisConfig, logger *zap.Logger) (*RedisPersistence, error) {
	if cfg == nil {
		return nil, fmt.Errorf("redis config cannot be nil")
	}
	if cfg.Address == "" {
		return nil, fmt.Errorf("redis address cannot be empty")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Address, err)
	}

	rp := &RedisPersistence{
		client:    client,
		logger:    logger,
		keyPrefix: cfg.KeyPrefix,
	}

	if err := rp.initSchema(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Sugar().Infow("Redis persistence initialized", "address", cfg.Address, "db", cfg.DB)

	return rp, nil
}

// prefixKey adds the custom key prefix (if configured) to a key
func (r *RedisPersistence) prefixKey(key string) string {
	if r.keyPrefix == "" {
		return key
	}
	return r.keyPrefix + key
}

// initSchema initializes or validates the schema version
func (r *RedisPersistence) initSchema(ctx context.Context) error {
	schemaKey := r.prefixKey(keySchemaVersion)

	existingVersion, err := r.client.Get(ctx, schemaKey).Result()
	if err == redis.Nil {
		return r.client.Set(ctx, schemaKey, currentSchemaVersion, 0).Err()
	}
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	if existingVersion != currentSchemaVersion {
		return fmt.Errorf("unsupported schema version: %s (expected: %s)", existingVersion, currentSchemaVersion)
	}
	return nil
}

func (r *RedisPersistence) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), opTimeout)
}

// SaveChannel persists a channel record and indexes it for listing.
func (r *RedisPersistence) SaveChannel(ch *types.Channel) error {
	if ch == nil {
		return fmt.Errorf("cannot save nil Channel")
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return fmt.Errorf("persistence layer is closed")
	}

	data, err := persistence.MarshalChannel(ch)
	if err != nil {
		return err
	}

	ctx, cancel := r.opContext()
	defer cancel()

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.prefixKey(keyPrefixChannel+ch.ChannelID.Hex()), data, 0)
	pipe.SAdd(ctx, r.prefixKey(keySetChannels), ch.ChannelID.Hex())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save channel %s: %w", ch.ChannelID.Hex(), err)
	}
	return nil
}

// LoadChannel retrieves a channel record by ID.
func (r *RedisPersistence) LoadChannel(channelID common.Hash) (*types.Channel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, fmt.Errorf("persistence layer is closed")
	}

	ctx, cancel := r.opContext()
	defer cancel()

	data, err := r.client.Get(ctx, r.prefixKey(keyPrefixChannel+channelID.Hex())).Bytes()
	if err == redis.Nil {
		return nil, nil // Not found is not an error
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read channel %s: %w", channelID.Hex(), err)
	}
	return persistence.UnmarshalChannel(data)
}

// ListChannels returns all channel records sorted by channel ID.
func (r *RedisPersistence) ListChannels() ([]*types.Channel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, fmt.Errorf("persistence layer is closed")
	}

	ctx, cancel := r.opContext()
	defer cancel()

	ids, err := r.client.SMembers(ctx, r.prefixKey(keySetChannels)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list channel index: %w", err)
	}
	sort.Strings(ids)

	result := make([]*types.Channel, 0, len(ids))
	for _, id := range ids {
		data, err := r.client.Get(ctx, r.prefixKey(keyPrefixChannel+id)).Bytes()
		if err == redis.Nil {
			// Index entry without a record; skip stale entries.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read channel %s: %w", id, err)
		}
		ch, err := persistence.UnmarshalChannel(data)
		if err != nil {
			return nil, err
		}
		result = append(result, ch)
	}
	return result, nil
}

// DeleteChannel removes a channel record, its latest state and its index entry.
func (r *RedisPersistence) DeleteChannel(channelID common.Hash) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return fmt.Errorf("persistence layer is closed")
	}

	ctx, cancel := r.opContext()
	defer cancel()

	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.prefixKey(keyPrefixChannel+channelID.Hex()))
	pipe.Del(ctx, r.prefixKey(keyPrefixLatestState+channelID.Hex()))
	pipe.SRem(ctx, r.prefixKey(keySetChannels), channelID.Hex())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete channel %s: %w", channelID.Hex(), err)
	}
	return nil
}

// SaveLatestState persists the latest signed state for a channel.
func (r *RedisPersistence) SaveLatestState(signed *types.SignedChannelState) error {
	if signed == nil || signed.State == nil {
		return fmt.Errorf("cannot save nil SignedChannelState")
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return fmt.Errorf("persistence layer is closed")
	}

	data, err := persistence.MarshalSignedState(signed)
	if err != nil {
		return err
	}

	ctx, cancel := r.opContext()
	defer cancel()

	key := r.prefixKey(keyPrefixLatestState + signed.State.ChannelID.Hex())
	if err := r.client.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save latest state for %s: %w", signed.State.ChannelID.Hex(), err)
	}
	return nil
}

// LoadLatestState retrieves the latest signed state for a channel.
func (r *RedisPersistence) LoadLatestState(channelID common.Hash) (*types.SignedChannelState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, fmt.Errorf("persistence layer is closed")
	}

	ctx, cancel := r.opContext()
	defer cancel()

	data, err := r.client.Get(ctx, r.prefixKey(keyPrefixLatestState+channelID.Hex())).Bytes()
	if err == redis.Nil {
		return nil, nil // Not found is not an error
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read latest state for %s: %w", channelID.Hex(), err)
	}
	return persistence.UnmarshalSignedState(data)
}

// Close shuts down the Redis client.
func (r *RedisPersistence) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	if err := r.client.Close(); err != nil {
		return fmt.Errorf("failed to close redis client: %w", err)
	}
	return nil
}

// HealthCheck verifies the Redis connection is operational.
func (r *RedisPersistence) HealthCheck() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return fmt.Errorf("persistence layer is closed")
	}

	ctx, cancel := r.opContext()
	defer cancel()

	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}
