package memory

import (
	"bytes"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/tabchan/tabchan-go/pkg/types"
)

// MemoryPersistence is an in-memory implementation of IChannelPersistence.
// All data is lost when the process exits; intended for tests and local
// development. Thread-safe, and deep copies everything at the boundary to
// prevent external mutation.
type MemoryPersistence struct {
	mu sync.RWMutex

	channels map[common.Hash]*types.Channel
	states   map[common.Hash]*types.SignedChannelState

	closed bool
}

// NewMemoryPersistence creates a new in-memory channel store.
func NewMemoryPersistence() *MemoryPersistence {
	return &MemoryPersistence{
		channels: make(map[common.Hash]*types.Channel),
		states:   make(map[common.Hash]*types.SignedChannelState),
	}
}

// SaveChannel persists a channel record.
func (m *MemoryPersistence) SaveChannel(ch *types.Channel) error {
	if ch == nil {
		return fmt.Errorf("cannot save nil Channel")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("persistence layer is closed")
	}

	m.channels[ch.ChannelID] = ch.Copy()
	return nil
}

// LoadChannel retrieves a channel record by ID.
func (m *MemoryPersistence) LoadChannel(channelID common.Hash) (*types.Channel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, fmt.Errorf("persistence layer is closed")
	}

	ch, exists := m.channels[channelID]
	if !exists {
		return nil, nil // Not found is not an error
	}
	return ch.Copy(), nil
}

// ListChannels returns all channel records sorted by channel ID.
func (m *MemoryPersistence) ListChannels() ([]*types.Channel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, fmt.Errorf("persistence layer is closed")
	}

	ids := make([]common.Hash, 0, len(m.channels))
	for id := range m.channels {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return bytes.Compare(ids[i][:], ids[j][:]) < 0
	})

	result := make([]*types.Channel, 0, len(ids))
	for _, id := range ids {
		result = append(result, m.channels[id].Copy())
	}
	return result, nil
}

// DeleteChannel removes a channel record and its latest state.
func (m *MemoryPersistence) DeleteChannel(channelID common.Hash) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("persistence layer is closed")
	}

	delete(m.channels, channelID)
	delete(m.states, channelID)
	return nil
}

// SaveLatestState persists the latest signed state for a channel.
func (m *MemoryPersistence) SaveLatestState(signed *types.SignedChannelState) error {
	if signed == nil || signed.State == nil {
		return fmt.Errorf("cannot save nil SignedChannelState")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("persistence layer is closed")
	}

	m.states[signed.State.ChannelID] = signed.Copy()
	return nil
}

// LoadLatestState retrieves the latest signed state for a channel.
func (m *MemoryPersistence) LoadLatestState(channelID common.Hash) (*types.SignedChannelState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, fmt.Errorf("persistence layer is closed")
	}

	signed, exists := m.states[channelID]
	if !exists {
		return nil, nil // Not found is not an error
	}
	return signed.Copy(), nil
}

// Close shuts down the persistence layer.
func (m *MemoryPersistence) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	return nil
}

// HealthCheck verifies the persistence layer is operational.
func (m *MemoryPersistence) HealthCheck() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return fmt.Errorf("persistence layer is closed")
	}
	return nil
}
