package persistence

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/tabchan/tabchan-go/pkg/types"
)

// IChannelPersistence defines the interface for persisting channel records
// and their latest fully-signed states across restarts. All implementations
// must be thread-safe as ledger operations are concurrent.
type IChannelPersistence interface {
	// SaveChannel persists a channel record, overwriting any existing record
	// with the same channel ID.
	SaveChannel(ch *types.Channel) error

	// LoadChannel retrieves a channel record by ID.
	// Returns nil if the channel doesn't exist, error only on storage failure.
	LoadChannel(channelID common.Hash) (*types.Channel, error)

	// ListChannels returns all persisted channel records sorted by channel ID.
	// Returns empty slice if no channels exist, error only on storage failure.
	ListChannels() ([]*types.Channel, error)

	// DeleteChannel removes a channel record.
	// Idempotent - returns nil if the channel doesn't exist.
	DeleteChannel(channelID common.Hash) error

	// SaveLatestState persists the latest accepted signed state for a channel,
	// overwriting the previous one.
	SaveLatestState(signed *types.SignedChannelState) error

	// LoadLatestState retrieves the latest signed state for a channel.
	// Returns nil if none has been stored, error only on storage failure.
	LoadLatestState(channelID common.Hash) (*types.SignedChannelState, error)

	// Close cleanly shuts down the persistence layer.
	// Idempotent - safe to call multiple times.
	// After Close(), all other operations should return errors.
	Close() error

	// HealthCheck verifies the persistence layer is operational.
	// Returns nil if healthy, error describing the problem if not.
	// Should be called during startup to fail fast.
	HealthCheck() error
}
