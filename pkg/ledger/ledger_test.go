package ledger

import (
	"crypto/ecdsa"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabchan/tabchan-go/pkg/logger"
	"github.com/tabchan/tabchan-go/pkg/persistence/memory"
	"github.com/tabchan/tabchan-go/pkg/signing"
	"github.com/tabchan/tabchan-go/pkg/types"
)

type ledgerFixture struct {
	ledger *Ledger
	now    time.Time
	keys   []*ecdsa.PrivateKey
	addrs  []common.Address
}

func newFixture(t *testing.T, numParticipants int) *ledgerFixture {
	t.Helper()

	l, err := logger.NewLogger(&logger.LoggerConfig{Debug: false})
	require.NoError(t, err)

	f := &ledgerFixture{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}

	led, err := NewLedger(Config{
		Store:  memory.NewMemoryPersistence(),
		Logger: l,
		Now:    func() time.Time { return f.now },
	})
	require.NoError(t, err)
	f.ledger = led

	for i := 0; i < numParticipants; i++ {
		key, err := crypto.GenerateKey()
		require.NoError(t, err)
		f.keys = append(f.keys, key)
		f.addrs = append(f.addrs, crypto.PubkeyToAddress(key.PublicKey))
	}
	return f
}

func (f *ledgerFixture) advance(d time.Duration) {
	f.now = f.now.Add(d)
}

func (f *ledgerFixture) openChannel(t *testing.T, depositEach int64) *types.Channel {
	t.Helper()
	deposits := make(map[common.Address]*big.Int, len(f.addrs))
	for _, a := range f.addrs {
		deposits[a] = big.NewInt(depositEach)
	}
	ch, err := f.ledger.OpenChannel(f.addrs, deposits)
	require.NoError(t, err)
	return ch
}

// fullySigned builds a state at the given nonce with every participant's
// signature.
func (f *ledgerFixture) fullySigned(t *testing.T, channelID common.Hash, nonce uint64, balances ...int64) *types.SignedChannelState {
	t.Helper()

	bs := make([]*big.Int, len(balances))
	for i, b := range balances {
		bs[i] = big.NewInt(b)
	}
	stateHash, err := signing.ComputeStateHash(channelID, nonce, bs)
	require.NoError(t, err)

	st := &types.ChannelState{
		ChannelID: channelID,
		StateHash: stateHash,
		Nonce:     nonce,
		Balances:  bs,
	}

	signed := &types.SignedChannelState{State: st}
	for _, key := range f.keys {
		sig, err := signing.SignState(st, key)
		require.NoError(t, err)
		signed.Signatures = append(signed.Signatures, hexutil.Bytes(sig))
	}
	return signed
}

func TestOpenChannel(t *testing.T) {
	t.Run("happy path", func(t *testing.T) {
		f := newFixture(t, 2)
		ch := f.openChannel(t, 10)

		assert.Equal(t, types.LifecycleOpen, ch.Lifecycle)
		assert.Equal(t, uint64(0), ch.Nonce)
		assert.Equal(t, big.NewInt(20), ch.TotalDeposit)
		assert.Len(t, ch.Participants, 2)

		latest, err := f.ledger.LatestState(ch.ChannelID)
		require.NoError(t, err)
		assert.Equal(t, uint64(0), latest.State.Nonce)
		assert.Empty(t, latest.Signatures)
	})

	t.Run("unique ids for identical participant sets", func(t *testing.T) {
		f := newFixture(t, 2)
		ch1 := f.openChannel(t, 10)
		ch2 := f.openChannel(t, 10)
		assert.NotEqual(t, ch1.ChannelID, ch2.ChannelID)
	})

	t.Run("too few participants", func(t *testing.T) {
		f := newFixture(t, 1)
		_, err := f.ledger.OpenChannel(f.addrs, map[common.Address]*big.Int{f.addrs[0]: big.NewInt(10)})
		assert.ErrorIs(t, errors.Cause(err), ErrTooFewParticipants)
	})

	t.Run("duplicate participant", func(t *testing.T) {
		f := newFixture(t, 2)
		dup := []common.Address{f.addrs[0], f.addrs[0]}
		_, err := f.ledger.OpenChannel(dup, map[common.Address]*big.Int{f.addrs[0]: big.NewInt(10)})
		assert.ErrorIs(t, errors.Cause(err), ErrDuplicateParticipant)
	})

	t.Run("zero address participant", func(t *testing.T) {
		f := newFixture(t, 2)
		participants := []common.Address{f.addrs[0], {}}
		_, err := f.ledger.OpenChannel(participants, map[common.Address]*big.Int{f.addrs[0]: big.NewInt(10)})
		assert.ErrorIs(t, errors.Cause(err), ErrZeroAddressParticipant)
	})

	t.Run("negative deposit", func(t *testing.T) {
		f := newFixture(t, 2)
		deposits := map[common.Address]*big.Int{
			f.addrs[0]: big.NewInt(-1),
			f.addrs[1]: big.NewInt(10),
		}
		_, err := f.ledger.OpenChannel(f.addrs, deposits)
		assert.ErrorIs(t, errors.Cause(err), ErrNegativeDeposit)
	})

	t.Run("zero total deposit", func(t *testing.T) {
		f := newFixture(t, 2)
		_, err := f.ledger.OpenChannel(f.addrs, map[common.Address]*big.Int{})
		assert.ErrorIs(t, errors.Cause(err), ErrZeroTotalDeposit)
	})
}

func TestUpdateState(t *testing.T) {
	t.Run("accepts fully signed next state", func(t *testing.T) {
		f := newFixture(t, 2)
		ch := f.openChannel(t, 10)

		signed := f.fullySigned(t, ch.ChannelID, 1, -5, 5)
		require.NoError(t, f.ledger.UpdateState(signed))

		got, err := f.ledger.GetChannel(ch.ChannelID)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), got.Nonce)
		assert.Equal(t, signed.State.StateHash, got.StateHash)
		assert.Equal(t, types.LifecycleOpen, got.Lifecycle)

		latest, err := f.ledger.LatestState(ch.ChannelID)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), latest.State.Nonce)
	})

	t.Run("rejects equal nonce", func(t *testing.T) {
		f := newFixture(t, 2)
		ch := f.openChannel(t, 10)

		require.NoError(t, f.ledger.UpdateState(f.fullySigned(t, ch.ChannelID, 1, -5, 5)))

		replay := f.fullySigned(t, ch.ChannelID, 1, -3, 3)
		err := f.ledger.UpdateState(replay)
		assert.ErrorIs(t, errors.Cause(err), ErrNonceTooLow)
	})

	t.Run("rejects lower nonce", func(t *testing.T) {
		f := newFixture(t, 2)
		ch := f.openChannel(t, 10)

		require.NoError(t, f.ledger.UpdateState(f.fullySigned(t, ch.ChannelID, 2, -5, 5)))

		stale := f.fullySigned(t, ch.ChannelID, 1, -1, 1)
		err := f.ledger.UpdateState(stale)
		assert.ErrorIs(t, errors.Cause(err), ErrNonceTooLow)
	})

	t.Run("rejects non-zero-sum balances", func(t *testing.T) {
		f := newFixture(t, 2)
		ch := f.openChannel(t, 10)

		bad := f.fullySigned(t, ch.ChannelID, 1, -5, 6)
		err := f.ledger.UpdateState(bad)
		assert.ErrorIs(t, errors.Cause(err), ErrBalancesNotZeroSum)
	})

	t.Run("rejects balance count mismatch", func(t *testing.T) {
		f := newFixture(t, 2)
		ch := f.openChannel(t, 10)

		bad := f.fullySigned(t, ch.ChannelID, 1, -5, 5, 0)
		err := f.ledger.UpdateState(bad)
		assert.ErrorIs(t, errors.Cause(err), ErrBalanceCountMismatch)
	})

	t.Run("rejects tampered state hash", func(t *testing.T) {
		f := newFixture(t, 2)
		ch := f.openChannel(t, 10)

		signed := f.fullySigned(t, ch.ChannelID, 1, -5, 5)
		signed.State.StateHash = common.HexToHash("0xdeadbeef")
		err := f.ledger.UpdateState(signed)
		assert.ErrorIs(t, errors.Cause(err), ErrStateHashMismatch)
	})

	t.Run("rejects incomplete signature set", func(t *testing.T) {
		f := newFixture(t, 2)
		ch := f.openChannel(t, 10)

		signed := f.fullySigned(t, ch.ChannelID, 1, -5, 5)
		signed.Signatures = signed.Signatures[:1]
		err := f.ledger.UpdateState(signed)
		assert.ErrorIs(t, errors.Cause(err), ErrInvalidSignatureSet)
		// The error names who is missing.
		assert.Contains(t, err.Error(), f.addrs[1].Hex())
	})

	t.Run("rejects unknown channel", func(t *testing.T) {
		f := newFixture(t, 2)
		ghost := f.fullySigned(t, common.HexToHash("0x01"), 1, -5, 5)
		err := f.ledger.UpdateState(ghost)
		assert.ErrorIs(t, errors.Cause(err), ErrChannelNotFound)
	})
}

// TestDisputeFlow walks the full dispute scenario: a stale-state challenge,
// a counter-challenge with a newer state, the dispute window, and settlement.
func TestDisputeFlow(t *testing.T) {
	f := newFixture(t, 2)
	ch := f.openChannel(t, 10)

	// Off-chain the participants reach nonce 3; nonce 2 also exists.
	nonce2 := f.fullySigned(t, ch.ChannelID, 2, -2, 2)
	nonce3 := f.fullySigned(t, ch.ChannelID, 3, -4, 4)

	// A participant challenges with the stale nonce-2 state.
	require.NoError(t, f.ledger.ChallengeState(nonce2))

	got, err := f.ledger.GetChannel(ch.ChannelID)
	require.NoError(t, err)
	assert.Equal(t, types.LifecycleDisputed, got.Lifecycle)
	firstDeadline := got.DisputeDeadline
	assert.Equal(t, f.now.Add(7*24*time.Hour), firstDeadline)

	// Regular updates are rejected while disputed.
	err = f.ledger.UpdateState(f.fullySigned(t, ch.ChannelID, 4, -1, 1))
	assert.ErrorIs(t, errors.Cause(err), ErrChannelNotOpen)

	// Closing before the window elapses is rejected.
	err = f.ledger.CloseChannel(f.fullySigned(t, ch.ChannelID, 2, -2, 2))
	assert.ErrorIs(t, errors.Cause(err), ErrDisputeWindowOpen)

	// The counterparty counters with the newer nonce-3 state; the deadline
	// resets so the new state gets a full window too.
	f.advance(24 * time.Hour)
	require.NoError(t, f.ledger.ChallengeState(nonce3))

	got, err = f.ledger.GetChannel(ch.ChannelID)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), got.Nonce)
	assert.True(t, got.DisputeDeadline.After(firstDeadline))

	// A re-challenge with a stale nonce is rejected.
	err = f.ledger.ChallengeState(f.fullySigned(t, ch.ChannelID, 3, -4, 4))
	assert.ErrorIs(t, errors.Cause(err), ErrNonceTooLow)

	// Once the window elapses, the channel settles at the challenged state.
	f.advance(7*24*time.Hour + time.Minute)
	require.NoError(t, f.ledger.CloseChannel(f.fullySigned(t, ch.ChannelID, 3, -4, 4)))

	got, err = f.ledger.GetChannel(ch.ChannelID)
	require.NoError(t, err)
	assert.Equal(t, types.LifecycleClosed, got.Lifecycle)
	assert.Equal(t, uint64(3), got.Nonce)
}

func TestCloseChannel(t *testing.T) {
	t.Run("cooperative close at current nonce", func(t *testing.T) {
		f := newFixture(t, 2)
		ch := f.openChannel(t, 10)

		signed := f.fullySigned(t, ch.ChannelID, 1, -5, 5)
		require.NoError(t, f.ledger.UpdateState(signed))
		// Close accepts the current nonce (non-strict), unlike updates.
		require.NoError(t, f.ledger.CloseChannel(f.fullySigned(t, ch.ChannelID, 1, -5, 5)))

		got, err := f.ledger.GetChannel(ch.ChannelID)
		require.NoError(t, err)
		assert.Equal(t, types.LifecycleClosed, got.Lifecycle)
	})

	t.Run("operations on closed channel fail", func(t *testing.T) {
		f := newFixture(t, 2)
		ch := f.openChannel(t, 10)
		require.NoError(t, f.ledger.CloseChannel(f.fullySigned(t, ch.ChannelID, 1, 0, 0)))

		err := f.ledger.UpdateState(f.fullySigned(t, ch.ChannelID, 2, -1, 1))
		assert.ErrorIs(t, errors.Cause(err), ErrChannelClosed)

		err = f.ledger.ChallengeState(f.fullySigned(t, ch.ChannelID, 2, -1, 1))
		assert.ErrorIs(t, errors.Cause(err), ErrChannelClosed)

		err = f.ledger.CloseChannel(f.fullySigned(t, ch.ChannelID, 2, -1, 1))
		assert.ErrorIs(t, errors.Cause(err), ErrChannelClosed)
	})
}

func TestForceClose(t *testing.T) {
	t.Run("rejected before timeout", func(t *testing.T) {
		f := newFixture(t, 2)
		ch := f.openChannel(t, 10)

		_, err := f.ledger.ForceClose(ch.ChannelID)
		assert.ErrorIs(t, errors.Cause(err), ErrTimeoutNotReached)
	})

	t.Run("closes with last accepted state after timeout", func(t *testing.T) {
		f := newFixture(t, 2)
		ch := f.openChannel(t, 10)
		require.NoError(t, f.ledger.UpdateState(f.fullySigned(t, ch.ChannelID, 1, -5, 5)))

		f.advance(30*24*time.Hour + time.Minute)

		got, err := f.ledger.ForceClose(ch.ChannelID)
		require.NoError(t, err)
		assert.Equal(t, types.LifecycleClosed, got.Lifecycle)
		assert.Equal(t, uint64(1), got.Nonce)
	})

	t.Run("rejected on unknown channel", func(t *testing.T) {
		f := newFixture(t, 2)
		_, err := f.ledger.ForceClose(common.HexToHash("0x02"))
		assert.ErrorIs(t, errors.Cause(err), ErrChannelNotFound)
	})
}
