package ledger

import (
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/tabchan/tabchan-go/pkg/config"
	"github.com/tabchan/tabchan-go/pkg/persistence"
	"github.com/tabchan/tabchan-go/pkg/signing"
	"github.com/tabchan/tabchan-go/pkg/types"
)

// ChainClient is the on-chain surface consumed by clients and the relay.
// The Ledger implements it; a deployment against a real chain would satisfy
// the same interface with contract bindings.
type ChainClient interface {
	OpenChannel(participants []common.Address, deposits map[common.Address]*big.Int) (*types.Channel, error)
	UpdateState(signed *types.SignedChannelState) error
	ChallengeState(signed *types.SignedChannelState) error
	CloseChannel(signed *types.SignedChannelState) error
	ForceClose(channelID common.Hash) (*types.Channel, error)
	GetChannel(channelID common.Hash) (*types.Channel, error)
	ChannelExists(channelID common.Hash) (bool, error)
	LatestState(channelID common.Hash) (*types.SignedChannelState, error)
}

// Config holds ledger construction parameters.
type Config struct {
	// Store is the channel persistence backend. Required.
	Store persistence.IChannelPersistence

	Logger *zap.Logger

	// DisputePeriod is the challenge window opened by ChallengeState.
	DisputePeriod time.Duration
	// ChannelTimeout is the force-close deadline measured from creation.
	ChannelTimeout time.Duration

	// Now overrides the clock, for tests. Defaults to time.Now.
	Now func() time.Time
}

// Ledger enforces the on-chain channel lifecycle: open -> active -> disputed
// -> closed, nonce monotonicity, balance conservation, and the dispute
// window. All operations are serialized; nonce strictness is the sole
// ordering guarantee for concurrent submissions.
type Ledger struct {
	store          persistence.IChannelPersistence
	logger         *zap.Logger
	disputePeriod  time.Duration
	channelTimeout time.Duration
	now            func() time.Time

	mu sync.Mutex
}

var _ ChainClient = (*Ledger)(nil)

// NewLedger creates a ledger over the given store.
func NewLedger(cfg Config) (*Ledger, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if err := cfg.Store.HealthCheck(); err != nil {
		return nil, fmt.Errorf("store health check failed: %w", err)
	}

	l := &Ledger{
		store:          cfg.Store,
		logger:         cfg.Logger,
		disputePeriod:  cfg.DisputePeriod,
		channelTimeout: cfg.ChannelTimeout,
		now:            cfg.Now,
	}
	if l.disputePeriod == 0 {
		l.disputePeriod = config.DefaultDisputePeriod
	}
	if l.channelTimeout == 0 {
		l.channelTimeout = config.DefaultChannelTimeout
	}
	if l.now == nil {
		l.now = time.Now
	}
	return l, nil
}

// OpenChannel creates a channel for the given participant set. The channel id
// is derived from the participants and a fresh salt, so ids are never reused
// even for identical participant sets.
func (l *Ledger) OpenChannel(participants []common.Address, deposits map[common.Address]*big.Int) (*types.Channel, error) {
	if len(participants) < config.MinParticipants {
		return nil, errors.Wrapf(ErrTooFewParticipants, "got %d", len(participants))
	}
	if len(participants) > config.MaxParticipants {
		return nil, errors.Wrapf(ErrTooManyParticipants, "got %d", len(participants))
	}

	seen := make(map[common.Address]struct{}, len(participants))
	for _, p := range participants {
		if p == (common.Address{}) {
			return nil, ErrZeroAddressParticipant
		}
		if _, dup := seen[p]; dup {
			return nil, errors.Wrapf(ErrDuplicateParticipant, "%s", p.Hex())
		}
		seen[p] = struct{}{}
	}

	total := new(big.Int)
	normalized := make(map[common.Address]*big.Int, len(participants))
	for _, p := range participants {
		amount := deposits[p]
		if amount == nil {
			amount = new(big.Int)
		}
		if amount.Sign() < 0 {
			return nil, errors.Wrapf(ErrNegativeDeposit, "participant %s", p.Hex())
		}
		normalized[p] = new(big.Int).Set(amount)
		total.Add(total, amount)
	}
	if total.Sign() == 0 {
		return nil, ErrZeroTotalDeposit
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	channelID := signing.DeriveChannelID(participants, uuid.NewString())

	existing, err := l.store.LoadChannel(channelID)
	if err != nil {
		return nil, fmt.Errorf("failed to check channel existence: %w", err)
	}
	if existing != nil {
		return nil, errors.Wrapf(ErrChannelExists, "%s", channelID.Hex())
	}

	genesisBalances := make([]*big.Int, len(participants))
	for i := range genesisBalances {
		genesisBalances[i] = new(big.Int)
	}
	stateHash, err := signing.ComputeStateHash(channelID, 0, genesisBalances)
	if err != nil {
		return nil, fmt.Errorf("failed to compute genesis state hash: %w", err)
	}

	ch := &types.Channel{
		ChannelID:    channelID,
		Participants: append([]common.Address(nil), participants...),
		Deposits:     normalized,
		TotalDeposit: total,
		Nonce:        0,
		StateHash:    stateHash,
		Lifecycle:    types.LifecycleOpen,
		Timeout:      now.Add(l.channelTimeout),
	}

	if err := l.store.SaveChannel(ch); err != nil {
		return nil, fmt.Errorf("failed to persist channel: %w", err)
	}
	genesis := &types.SignedChannelState{
		State: &types.ChannelState{
			ChannelID: channelID,
			StateHash: stateHash,
			Nonce:     0,
			Balances:  genesisBalances,
		},
	}
	if err := l.store.SaveLatestState(genesis); err != nil {
		return nil, fmt.Errorf("failed to persist genesis state: %w", err)
	}

	l.logger.Sugar().Infow("Channel opened",
		"channel_id", channelID.Hex(),
		"participants", len(participants),
		"total_deposit", total.String(),
		"timeout", ch.Timeout,
	)
	return ch.Copy(), nil
}

// UpdateState advances the channel to a higher-nonce, fully-signed state.
// Valid only while the channel is Open; the lifecycle does not change.
func (l *Ledger) UpdateState(signed *types.SignedChannelState) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	ch, err := l.loadChannel(signed)
	if err != nil {
		return err
	}

	switch ch.Lifecycle {
	case types.LifecycleClosed:
		return errors.Wrapf(ErrChannelClosed, "%s", ch.ChannelID.Hex())
	case types.LifecycleDisputed:
		return errors.Wrapf(ErrChannelNotOpen, "channel %s is disputed; resolve via ChallengeState", ch.ChannelID.Hex())
	}

	if err := l.validateStrictNonce(ch, signed.State); err != nil {
		return err
	}
	if err := l.validateSigned(ch, signed); err != nil {
		return err
	}

	ch.Nonce = signed.State.Nonce
	ch.StateHash = signed.State.StateHash
	if err := l.persistAccepted(ch, signed); err != nil {
		return err
	}

	l.logger.Sugar().Debugw("Channel state updated",
		"channel_id", ch.ChannelID.Hex(),
		"nonce", ch.Nonce,
	)
	return nil
}

// ChallengeState freezes the channel with a higher-nonce, fully-signed state
// and opens (or extends) the dispute window. Any participant who sees a
// counterparty settling with a stale state presents a newer one here.
func (l *Ledger) ChallengeState(signed *types.SignedChannelState) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	ch, err := l.loadChannel(signed)
	if err != nil {
		return err
	}

	if ch.Lifecycle == types.LifecycleClosed {
		return errors.Wrapf(ErrChannelClosed, "%s", ch.ChannelID.Hex())
	}

	if err := l.validateStrictNonce(ch, signed.State); err != nil {
		return err
	}
	if err := l.validateSigned(ch, signed); err != nil {
		return err
	}

	ch.Nonce = signed.State.Nonce
	ch.StateHash = signed.State.StateHash
	ch.Lifecycle = types.LifecycleDisputed
	// Each successful re-challenge resets the deadline, guaranteeing a full
	// window for an even newer state to surface.
	ch.DisputeDeadline = l.now().Add(l.disputePeriod)
	if err := l.persistAccepted(ch, signed); err != nil {
		return err
	}

	l.logger.Sugar().Infow("Channel disputed",
		"channel_id", ch.ChannelID.Hex(),
		"nonce", ch.Nonce,
		"dispute_deadline", ch.DisputeDeadline,
	)
	return nil
}

// CloseChannel settles the channel with a fully-signed final state. While
// Disputed, closing is only allowed once the dispute window has elapsed, so
// challengers get their full window.
func (l *Ledger) CloseChannel(signed *types.SignedChannelState) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	ch, err := l.loadChannel(signed)
	if err != nil {
		return err
	}

	if ch.Lifecycle == types.LifecycleClosed {
		return errors.Wrapf(ErrChannelClosed, "%s", ch.ChannelID.Hex())
	}
	if ch.Lifecycle == types.LifecycleDisputed && l.now().Before(ch.DisputeDeadline) {
		return errors.Wrapf(ErrDisputeWindowOpen, "until %s", ch.DisputeDeadline)
	}

	if signed.State.Nonce < ch.Nonce {
		return errors.Wrapf(ErrNonceTooLow, "final state nonce %d, channel nonce %d", signed.State.Nonce, ch.Nonce)
	}
	if err := l.validateSigned(ch, signed); err != nil {
		return err
	}

	ch.Nonce = signed.State.Nonce
	ch.StateHash = signed.State.StateHash
	ch.Lifecycle = types.LifecycleClosed
	if err := l.persistAccepted(ch, signed); err != nil {
		return err
	}

	l.logger.Sugar().Infow("Channel closed",
		"channel_id", ch.ChannelID.Hex(),
		"final_nonce", ch.Nonce,
	)
	return nil
}

// ForceClose closes the channel with whatever state was last accepted, once
// the channel timeout has passed. This is the liveness escape hatch against
// an unresponsive counterparty; no signatures are required.
func (l *Ledger) ForceClose(channelID common.Hash) (*types.Channel, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ch, err := l.store.LoadChannel(channelID)
	if err != nil {
		return nil, fmt.Errorf("failed to load channel: %w", err)
	}
	if ch == nil {
		return nil, errors.Wrapf(ErrChannelNotFound, "%s", channelID.Hex())
	}
	if ch.Lifecycle == types.LifecycleClosed {
		return nil, errors.Wrapf(ErrChannelClosed, "%s", channelID.Hex())
	}
	if l.now().Before(ch.Timeout) {
		return nil, errors.Wrapf(ErrTimeoutNotReached, "timeout at %s", ch.Timeout)
	}

	ch.Lifecycle = types.LifecycleClosed
	if err := l.store.SaveChannel(ch); err != nil {
		return nil, fmt.Errorf("failed to persist channel: %w", err)
	}

	l.logger.Sugar().Warnw("Channel force-closed",
		"channel_id", channelID.Hex(),
		"nonce", ch.Nonce,
	)
	return ch.Copy(), nil
}

// GetChannel returns the current on-chain record for a channel.
func (l *Ledger) GetChannel(channelID common.Hash) (*types.Channel, error) {
	ch, err := l.store.LoadChannel(channelID)
	if err != nil {
		return nil, fmt.Errorf("failed to load channel: %w", err)
	}
	if ch == nil {
		return nil, errors.Wrapf(ErrChannelNotFound, "%s", channelID.Hex())
	}
	return ch, nil
}

// ChannelExists reports whether a channel with the given id exists.
func (l *Ledger) ChannelExists(channelID common.Hash) (bool, error) {
	ch, err := l.store.LoadChannel(channelID)
	if err != nil {
		return false, fmt.Errorf("failed to load channel: %w", err)
	}
	return ch != nil, nil
}

// LatestState returns the last accepted signed state for a channel.
func (l *Ledger) LatestState(channelID common.Hash) (*types.SignedChannelState, error) {
	signed, err := l.store.LoadLatestState(channelID)
	if err != nil {
		return nil, fmt.Errorf("failed to load latest state: %w", err)
	}
	if signed == nil {
		return nil, errors.Wrapf(ErrChannelNotFound, "%s", channelID.Hex())
	}
	return signed, nil
}

func (l *Ledger) loadChannel(signed *types.SignedChannelState) (*types.Channel, error) {
	if signed == nil || signed.State == nil {
		return nil, fmt.Errorf("signed state cannot be nil")
	}
	ch, err := l.store.LoadChannel(signed.State.ChannelID)
	if err != nil {
		return nil, fmt.Errorf("failed to load channel: %w", err)
	}
	if ch == nil {
		return nil, errors.Wrapf(ErrChannelNotFound, "%s", signed.State.ChannelID.Hex())
	}
	return ch, nil
}

func (l *Ledger) validateStrictNonce(ch *types.Channel, st *types.ChannelState) error {
	// Equal nonces are never accepted; "last signer wins" races are resolved
	// by forcing the loser to re-sign at a higher nonce.
	if st.Nonce <= ch.Nonce {
		return errors.Wrapf(ErrNonceTooLow, "state nonce %d, channel nonce %d", st.Nonce, ch.Nonce)
	}
	return nil
}

// validateSigned enforces every state-acceptance invariant: channel binding,
// balance shape, conservation, hash commitment and the complete signature set.
func (l *Ledger) validateSigned(ch *types.Channel, signed *types.SignedChannelState) error {
	st := signed.State

	if st.ChannelID != ch.ChannelID {
		return errors.Wrapf(ErrChannelIDMismatch, "state %s, channel %s", st.ChannelID.Hex(), ch.ChannelID.Hex())
	}
	if len(st.Balances) != len(ch.Participants) {
		return errors.Wrapf(ErrBalanceCountMismatch, "%d balances for %d participants", len(st.Balances), len(ch.Participants))
	}
	if !st.ZeroSum() {
		return ErrBalancesNotZeroSum
	}

	expected, err := signing.ComputeStateHash(st.ChannelID, st.Nonce, st.Balances)
	if err != nil {
		return fmt.Errorf("failed to compute state hash: %w", err)
	}
	if expected != st.StateHash {
		return errors.Wrapf(ErrStateHashMismatch, "expected %s, got %s", expected.Hex(), st.StateHash.Hex())
	}

	if !signing.VerifyAllSignatures(st, signed.RawSignatures(), ch.Participants) {
		missing := l.missingSigners(ch, signed)
		return errors.Wrapf(ErrInvalidSignatureSet, "missing or invalid signatures from %v", missing)
	}
	return nil
}

// missingSigners names the participants without a valid signature, for error
// reporting.
func (l *Ledger) missingSigners(ch *types.Channel, signed *types.SignedChannelState) []string {
	have := signing.RecoverSigners(signed.State, signed.RawSignatures(), ch.Participants)
	missing := make([]string, 0)
	for _, p := range ch.Participants {
		if _, ok := have[p]; !ok {
			missing = append(missing, p.Hex())
		}
	}
	return missing
}

func (l *Ledger) persistAccepted(ch *types.Channel, signed *types.SignedChannelState) error {
	if err := l.store.SaveChannel(ch); err != nil {
		return fmt.Errorf("failed to persist channel: %w", err)
	}
	if err := l.store.SaveLatestState(signed); err != nil {
		return fmt.Errorf("failed to persist latest state: %w", err)
	}
	return nil
}
