package badger

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	badgerdb "github.com/dgraph-io/badger/v3"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/tabchan/tabchan-go/pkg/persistence"
	"github.com/tabchan/tabchan-go/pkg/types"
)

// Key prefixes for namespacing
const (
	keyPrefixChannel     = "channel:"
	keyPrefixLatestState = "state:"
	keySchemaVersion     = "metadata:schema_version"
	currentSchemaVersion = "v1"
)

// BadgerPersistence is a production-ready persistence implementation using
// Badger. Provides durable, disk-based storage with ACID guarantees.
type BadgerPersistence struct {
	db       *badgerdb.DB
	logger   *zap.Logger
	gcCancel context.CancelFunc
	gcWg     sync.WaitGroup
	mu       sync.RWMutex
	closed   bool
}

// NewBadgerPersistence creates a new Badger-backed channel store.
// The database is opened at the specified path with SyncWrites enabled for
// durability. A background goroutine is started for garbage collection.
func NewBadgerPersistence(dataPath string, logger *zap.Logger) (*BadgerPersistence, error) {
	absPath, err := filepath.Abs(dataPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}

	opts := badgerdb.DefaultOptions(absPath)
	opts.Logger = newDBLogger(logger)
	opts.SyncWrites = true // fsync on every write
	opts.CompactL0OnClose = true
	opts.NumVersionsToKeep = 1

	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database at %s: %w", absPath, err)
	}

	bp := &BadgerPersistence{
		db:     db,
		logger: logger,
	}

	if err := bp.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	bp.gcCancel = cancel
	bp.gcWg.Add(1)
	go bp.runGC(ctx)

	logger.Sugar().Infow("Badger persistence initialized", "path", absPath)

	return bp, nil
}

// initSchema initializes or validates the schema version
func (b *BadgerPersistence) initSchema() error {
	return b.db.Update(func(txn *badgerdb.Txn) error {
		item, err := txn.Get([]byte(keySchemaVersion))
		if err == badgerdb.ErrKeyNotFound {
			return txn.Set([]byte(keySchemaVersion), []byte(currentSchemaVersion))
		}
		if err != nil {
			return fmt.Errorf("failed to read schema version: %w", err)
		}

		var existingVersion string
		err = item.Value(func(val []byte) error {
			existingVersion = string(val)
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to read schema version value: %w", err)
		}

		if existingVersion != currentSchemaVersion {
			return fmt.Errorf("unsupported schema version: %s (expected: %s)", existingVersion, currentSchemaVersion)
		}
		return nil
	})
}

// runGC runs periodic value-log garbage collection in the background
func (b *BadgerPersistence) runGC(ctx context.Context) {
	defer b.gcWg.Done()

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// RunValueLogGC returns an error when nothing was collected;
			// that is the common case and not a failure.
			if err := b.db.RunValueLogGC(0.5); err != nil && err != badgerdb.ErrNoRewrite {
				b.logger.Sugar().Debugw("Badger GC cycle skipped", "error", err)
			}
		}
	}
}

func channelKey(channelID common.Hash) []byte {
	return []byte(keyPrefixChannel + channelID.Hex())
}

func latestStateKey(channelID common.Hash) []byte {
	return []byte(keyPrefixLatestState + channelID.Hex())
}

// SaveChannel persists a channel record.
func (b *BadgerPersistence) SaveChannel(ch *types.Channel) error {
	if ch == nil {
		return fmt.Errorf("cannot save nil Channel")
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("persistence layer is closed")
	}

	data, err := persistence.MarshalChannel(ch)
	if err != nil {
		return err
	}

	return b.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set(channelKey(ch.ChannelID), data)
	})
}

// LoadChannel retrieves a channel record by ID.
func (b *BadgerPersistence) LoadChannel(channelID common.Hash) (*types.Channel, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, fmt.Errorf("persistence layer is closed")
	}

	var ch *types.Channel
	err := b.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(channelKey(channelID))
		if err == badgerdb.ErrKeyNotFound {
			return nil // Not found is not an error
		}
		if err != nil {
			return fmt.Errorf("failed to read channel %s: %w", channelID.Hex(), err)
		}
		return item.Value(func(val []byte) error {
			ch, err = persistence.UnmarshalChannel(val)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// ListChannels returns all channel records sorted by channel ID.
// Badger iterates keys in lexicographic order, which matches ID order here.
func (b *BadgerPersistence) ListChannels() ([]*types.Channel, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, fmt.Errorf("persistence layer is closed")
	}

	result := make([]*types.Channel, 0)
	err := b.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefixChannel)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				ch, err := persistence.UnmarshalChannel(val)
				if err != nil {
					return err
				}
				result = append(result, ch)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// DeleteChannel removes a channel record and its latest state.
func (b *BadgerPersistence) DeleteChannel(channelID common.Hash) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("persistence layer is closed")
	}

	return b.db.Update(func(txn *badgerdb.Txn) error {
		if err := txn.Delete(channelKey(channelID)); err != nil && err != badgerdb.ErrKeyNotFound {
			return err
		}
		if err := txn.Delete(latestStateKey(channelID)); err != nil && err != badgerdb.ErrKeyNotFound {
			return err
		}
		return nil
	})
}

// SaveLatestState persists the latest signed state for a channel.
func (b *BadgerPersistence) SaveLatestState(signed *types.SignedChannelState) error {
	if signed == nil || signed.State == nil {
		return fmt.Errorf("cannot save nil SignedChannelState")
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("persistence layer is closed")
	}

	data, err := persistence.MarshalSignedState(signed)
	if err != nil {
		return err
	}

	return b.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set(latestStateKey(signed.State.ChannelID), data)
	})
}

// LoadLatestState retrieves the latest signed state for a channel.
func (b *BadgerPersistence) LoadLatestState(channelID common.Hash) (*types.SignedChannelState, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, fmt.Errorf("persistence layer is closed")
	}

	var signed *types.SignedChannelState
	err := b.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(latestStateKey(channelID))
		if err == badgerdb.ErrKeyNotFound {
			return nil // Not found is not an error
		}
		if err != nil {
			return fmt.Errorf("failed to read latest state for %s: %w", channelID.Hex(), err)
		}
		return item.Value(func(val []byte) error {
			signed, err = persistence.UnmarshalSignedState(val)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return signed, nil
}

// Close stops the GC goroutine and closes the database.
func (b *BadgerPersistence) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	b.gcCancel()
	b.gcWg.Wait()

	if err := b.db.Close(); err != nil {
		return fmt.Errorf("failed to close badger database: %w", err)
	}
	return nil
}

// HealthCheck verifies the database is operational.
func (b *BadgerPersistence) HealthCheck() error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("persistence layer is closed")
	}

	return b.db.View(func(txn *badgerdb.Txn) error {
		_, err := txn.Get([]byte(keySchemaVersion))
		if err != nil && err != badgerdb.ErrKeyNotFound {
			return fmt.Errorf("badger health check failed: %w", err)
		}
		return nil
	})
}
