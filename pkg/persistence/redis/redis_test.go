package redis

import (
	"crypto/rand"
	"math/big"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabchan/tabchan-go/pkg/logger"
	"github.com/tabchan/tabchan-go/pkg/types"
)

// getTestRedisAddress returns the Redis address for testing.
// Uses REDIS_TEST_ADDRESS env var if set, otherwise defaults to localhost:6379.
func getTestRedisAddress() string {
	if addr := os.Getenv("REDIS_TEST_ADDRESS"); addr != "" {
		return addr
	}
	return "localhost:6379"
}

// requireRedis skips the test if Redis is not available.
func requireRedis(t *testing.T) *RedisPersistence {
	t.Helper()

	testLogger, _ := logger.NewLogger(&logger.LoggerConfig{Debug: false})
	cfg := &RedisConfig{
		Address: getTestRedisAddress(),
		DB:      15, // Use DB 15 for tests to avoid conflicts
	}

	rp, err := NewRedisPersistence(cfg, testLogger)
	if err != nil {
		t.Skipf("Redis not available at %s: %v", cfg.Address, err)
		return nil
	}
	t.Cleanup(func() { _ = rp.Close() })
	return rp
}

// randomChannel builds a channel record with a random ID so concurrent test
// runs against a shared Redis do not collide.
func randomChannel(t *testing.T) *types.Channel {
	t.Helper()

	var id common.Hash
	_, err := rand.Read(id[:])
	require.NoError(t, err)

	addrA := common.HexToAddress("0xaaaa")
	addrB := common.HexToAddress("0xbbbb")
	return &types.Channel{
		ChannelID:    id,
		Participants: []common.Address{addrA, addrB},
		Deposits: map[common.Address]*big.Int{
			addrA: big.NewInt(100),
			addrB: big.NewInt(100),
		},
		TotalDeposit: big.NewInt(200),
		Nonce:        0,
		Lifecycle:    types.LifecycleOpen,
		Timeout:      time.Now().UTC().Add(30 * 24 * time.Hour).Truncate(time.Second),
	}
}

func TestRedisPersistence_SaveAndLoadChannel(t *testing.T) {
	rp := requireRedis(t)

	ch := randomChannel(t)
	require.NoError(t, rp.SaveChannel(ch))
	defer func() { _ = rp.DeleteChannel(ch.ChannelID) }()

	loaded, err := rp.LoadChannel(ch.ChannelID)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, ch.ChannelID, loaded.ChannelID)
	assert.Equal(t, ch.Participants, loaded.Participants)
	assert.Equal(t, types.LifecycleOpen, loaded.Lifecycle)
	assert.Zero(t, loaded.Deposits[ch.Participants[0]].Cmp(big.NewInt(100)))
}

func TestRedisPersistence_LoadChannel_NotFound(t *testing.T) {
	rp := requireRedis(t)

	var id common.Hash
	_, err := rand.Read(id[:])
	require.NoError(t, err)

	loaded, err := rp.LoadChannel(id)
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestRedisPersistence_SaveChannel_Nil(t *testing.T) {
	rp := requireRedis(t)
	require.Error(t, rp.SaveChannel(nil))
}

func TestRedisPersistence_DeleteChannel(t *testing.T) {
	rp := requireRedis(t)

	ch := randomChannel(t)
	require.NoError(t, rp.SaveChannel(ch))
	require.NoError(t, rp.DeleteChannel(ch.ChannelID))

	loaded, err := rp.LoadChannel(ch.ChannelID)
	require.NoError(t, err)
	assert.Nil(t, loaded)

	// Deleting again is a no-op.
	require.NoError(t, rp.DeleteChannel(ch.ChannelID))
}

func TestRedisPersistence_LatestState(t *testing.T) {
	rp := requireRedis(t)

	ch := randomChannel(t)
	require.NoError(t, rp.SaveChannel(ch))
	defer func() { _ = rp.DeleteChannel(ch.ChannelID) }()

	signed := &types.SignedChannelState{
		State: &types.ChannelState{
			ChannelID: ch.ChannelID,
			StateHash: common.HexToHash("0x5555"),
			Nonce:     3,
			Balances:  []*big.Int{big.NewInt(-7), big.NewInt(7)},
		},
		Signatures: []hexutil.Bytes{{0x01, 0x02}},
	}
	require.NoError(t, rp.SaveLatestState(signed))

	loaded, err := rp.LoadLatestState(ch.ChannelID)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, uint64(3), loaded.State.Nonce)
	assert.Zero(t, loaded.State.Balances[1].Cmp(big.NewInt(7)))
	require.Len(t, loaded.Signatures, 1)
}

func TestRedisPersistence_LoadLatestState_NotFound(t *testing.T) {
	rp := requireRedis(t)

	var id common.Hash
	_, err := rand.Read(id[:])
	require.NoError(t, err)

	loaded, err := rp.LoadLatestState(id)
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestRedisPersistence_ListChannelsIncludesSaved(t *testing.T) {
	rp := requireRedis(t)

	ch := randomChannel(t)
	require.NoError(t, rp.SaveChannel(ch))
	defer func() { _ = rp.DeleteChannel(ch.ChannelID) }()

	channels, err := rp.ListChannels()
	require.NoError(t, err)

	found := false
	for _, c := range channels {
		if c.ChannelID == ch.ChannelID {
			found = true
			break
		}
	}
	assert.True(t, found, "saved channel must appear in the listing")
}

func TestRedisPersistence_Close(t *testing.T) {
	testLogger, _ := logger.NewLogger(&logger.LoggerConfig{Debug: false})
	rp, err := NewRedisPersistence(&RedisConfig{Address: getTestRedisAddress(), DB: 15}, testLogger)
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}

	require.NoError(t, rp.Close())
	// Close is idempotent.
	require.NoError(t, rp.Close())

	// Operations after close are rejected.
	require.Error(t, rp.SaveChannel(randomChannel(t)))
	_, err = rp.LoadChannel(common.Hash{})
	require.Error(t, err)
	require.Error(t, rp.HealthCheck())
}

func TestRedisPersistence_HealthCheck(t *testing.T) {
	rp := requireRedis(t)
	require.NoError(t, rp.HealthCheck())
}

func TestRedisPersistence_ThreadSafety(t *testing.T) {
	rp := requireRedis(t)

	var wg sync.WaitGroup
	channels := make([]*types.Channel, 8)
	for i := range channels {
		channels[i] = randomChannel(t)
	}

	for _, ch := range channels {
		wg.Add(1)
		go func(ch *types.Channel) {
			defer wg.Done()
			assert.NoError(t, rp.SaveChannel(ch))
			loaded, err := rp.LoadChannel(ch.ChannelID)
			assert.NoError(t, err)
			assert.NotNil(t, loaded)
		}(ch)
	}
	wg.Wait()

	for _, ch := range channels {
		_ = rp.DeleteChannel(ch.ChannelID)
	}
}

func TestRedisPersistence_Config_Nil(t *testing.T) {
	testLogger, _ := logger.NewLogger(&logger.LoggerConfig{Debug: false})

	_, err := NewRedisPersistence(nil, testLogger)
	require.Error(t, err)

	_, err = NewRedisPersistence(&RedisConfig{}, testLogger)
	require.Error(t, err)
}
