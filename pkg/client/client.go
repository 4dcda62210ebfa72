// Package client implements the participant-side state channel client: it
// creates channels through the relay, proposes and countersigns balance
// updates, tracks the latest fully-signed state per channel, and settles
// on-chain.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/tabchan/tabchan-go/pkg/config"
	"github.com/tabchan/tabchan-go/pkg/ledger"
	"github.com/tabchan/tabchan-go/pkg/relay"
	"github.com/tabchan/tabchan-go/pkg/signer"
	"github.com/tabchan/tabchan-go/pkg/signing"
	"github.com/tabchan/tabchan-go/pkg/types"
)

var (
	// ErrUnknownChannel is returned for operations on a channel the client
	// has never seen.
	ErrUnknownChannel = errors.New("channel is not tracked by this client")
	// ErrProposalNotFinalized is returned when a proposal did not collect the
	// full signature set in time.
	ErrProposalNotFinalized = errors.New("proposal was not fully signed in time")
	// ErrStateNotFinal is returned when settlement is attempted with a state
	// that lacks the full signature set.
	ErrStateNotFinal = errors.New("latest state is not fully signed")
	// ErrNoChainClient is returned for settlement operations when the client
	// was built without a chain backend.
	ErrNoChainClient = errors.New("no chain client configured")
)

// ApproveFunc decides whether to countersign a counterparty's proposal.
// current is the last fully-signed state, proposed the incoming one. The
// proposal has already passed structural validation (zero-sum, correct nonce,
// valid existing signatures); the hook implements application policy on top.
type ApproveFunc func(current, proposed *types.ChannelState) bool

// BalanceUpdate is delivered to subscribers whenever a channel adopts a new
// fully-signed state.
type BalanceUpdate struct {
	ChannelID common.Hash
	Nonce     uint64
	Balances  []*big.Int
}

// Config holds client construction parameters.
type Config struct {
	// Conn is the relay connection. Required.
	Conn *relay.Connection
	// Chain is the settlement surface. Optional: without it the client can
	// still create channels and exchange updates, but cannot settle.
	Chain ledger.ChainClient
	// Signer holds the participant identity. Required.
	Signer signer.ISigner

	Logger *zap.Logger

	// Approve gates countersigning of incoming proposals. Defaults to
	// approving every structurally valid proposal.
	Approve ApproveFunc
}

// channelView is the client's local picture of one channel.
type channelView struct {
	channel *types.Channel
	latest  *types.SignedChannelState
}

type waiterKey struct {
	channelID common.Hash
	nonce     uint64
}

// StateChannelClient is one participant's handle on its channels. All methods
// are safe for concurrent use.
type StateChannelClient struct {
	conn   *relay.Connection
	chain  ledger.ChainClient
	logger *zap.Logger

	approve ApproveFunc

	mu          sync.Mutex
	signer      signer.ISigner
	views       map[common.Hash]*channelView
	waiters     map[waiterKey]chan *types.SignedChannelState
	subscribers map[int]chan BalanceUpdate
	nextSubID   int
}

// NewStateChannelClient creates a client and installs its state_update
// handler on the connection.
func NewStateChannelClient(cfg Config) (*StateChannelClient, error) {
	if cfg.Conn == nil {
		return nil, fmt.Errorf("relay connection is required")
	}
	if cfg.Signer == nil {
		return nil, fmt.Errorf("signer is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if cfg.Approve == nil {
		cfg.Approve = func(_, _ *types.ChannelState) bool { return true }
	}

	c := &StateChannelClient{
		conn:        cfg.Conn,
		chain:       cfg.Chain,
		logger:      cfg.Logger,
		approve:     cfg.Approve,
		signer:      cfg.Signer,
		views:       make(map[common.Hash]*channelView),
		waiters:     make(map[waiterKey]chan *types.SignedChannelState),
		subscribers: make(map[int]chan BalanceUpdate),
	}
	c.conn.RegisterHandler(types.MethodStateUpdate, c.onStateUpdate)
	return c, nil
}

// Connect establishes and authenticates the relay session.
func (c *StateChannelClient) Connect(ctx context.Context) error {
	if err := c.conn.Connect(ctx); err != nil {
		return err
	}
	return c.conn.Authenticate(ctx, c.currentSigner())
}

// Close releases the relay session.
func (c *StateChannelClient) Close() error {
	return c.conn.Close()
}

// Address returns the participant identity.
func (c *StateChannelClient) Address() common.Address {
	return c.currentSigner().Address()
}

// SetSigner swaps the signing backend, e.g. from a local key to a KMS key.
// The identity must stay the same; channels are bound to the address.
func (c *StateChannelClient) SetSigner(s signer.ISigner) error {
	if s == nil {
		return fmt.Errorf("signer cannot be nil")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if s.Address() != c.signer.Address() {
		return fmt.Errorf("replacement signer has address %s, expected %s",
			s.Address().Hex(), c.signer.Address().Hex())
	}
	c.signer = s
	return nil
}

// CreateChannel asks the relay to open a channel and starts tracking it at
// the genesis state.
func (c *StateChannelClient) CreateChannel(ctx context.Context, participants []common.Address, deposits map[common.Address]*big.Int) (*types.Channel, error) {
	raw, err := c.conn.SendRequest(ctx, types.MethodChannelCreate, types.ChannelCreateParams{
		Participants: participants,
		Deposits:     deposits,
	})
	if err != nil {
		return nil, fmt.Errorf("channel creation failed: %w", err)
	}

	var ch types.Channel
	if err := json.Unmarshal(raw, &ch); err != nil {
		return nil, fmt.Errorf("malformed channel_create result: %w", err)
	}

	genesisBalances := make([]*big.Int, len(ch.Participants))
	for i := range genesisBalances {
		genesisBalances[i] = new(big.Int)
	}
	genesis := &types.SignedChannelState{
		State: &types.ChannelState{
			ChannelID: ch.ChannelID,
			StateHash: ch.StateHash,
			Nonce:     0,
			Balances:  genesisBalances,
		},
	}

	c.mu.Lock()
	c.views[ch.ChannelID] = &channelView{channel: ch.Copy(), latest: genesis}
	c.mu.Unlock()

	c.logger.Sugar().Infow("Channel created",
		"channel_id", ch.ChannelID.Hex(),
		"participants", len(ch.Participants),
	)
	return &ch, nil
}

// GetChannel fetches the on-chain record through the relay and refreshes the
// local view.
func (c *StateChannelClient) GetChannel(ctx context.Context, channelID common.Hash) (*types.Channel, error) {
	raw, err := c.conn.SendRequest(ctx, types.MethodChannelGet, types.ChannelGetParams{ChannelID: channelID})
	if err != nil {
		return nil, fmt.Errorf("channel lookup failed: %w", err)
	}

	var ch types.Channel
	if err := json.Unmarshal(raw, &ch); err != nil {
		return nil, fmt.Errorf("malformed channel_get result: %w", err)
	}

	c.mu.Lock()
	view, ok := c.views[ch.ChannelID]
	if !ok {
		view = &channelView{}
		c.views[ch.ChannelID] = view
	}
	view.channel = ch.Copy()
	c.mu.Unlock()

	return &ch, nil
}

// CurrentState returns the latest fully-signed state the client holds for a
// channel.
func (c *StateChannelClient) CurrentState(channelID common.Hash) (*types.SignedChannelState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	view, ok := c.views[channelID]
	if !ok || view.latest == nil {
		return nil, errors.Wrapf(ErrUnknownChannel, "%s", channelID.Hex())
	}
	return view.latest.Copy(), nil
}

// IsChannelActive reports whether the channel is tracked and not closed.
func (c *StateChannelClient) IsChannelActive(channelID common.Hash) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	view, ok := c.views[channelID]
	return ok && view.channel != nil && view.channel.Lifecycle != types.LifecycleClosed
}

// ProposeUpdate signs a new balance vector at the next nonce and submits it
// to the relay, then waits for the counterparties' signatures. On success the
// returned state is fully signed and has been adopted locally.
func (c *StateChannelClient) ProposeUpdate(ctx context.Context, channelID common.Hash, balances []*big.Int) (*types.SignedChannelState, error) {
	c.mu.Lock()
	view, ok := c.views[channelID]
	if !ok || view.channel == nil {
		c.mu.Unlock()
		return nil, errors.Wrapf(ErrUnknownChannel, "%s", channelID.Hex())
	}
	ch := view.channel.Copy()
	c.mu.Unlock()

	if ch.Lifecycle != types.LifecycleOpen {
		return nil, fmt.Errorf("channel %s is %s; no further updates", channelID.Hex(), ch.Lifecycle)
	}
	if len(balances) != len(ch.Participants) {
		return nil, fmt.Errorf("expected %d balances, got %d", len(ch.Participants), len(balances))
	}

	// Detach from the caller's slice; the signed state must stay in sync
	// with its hash even if the caller mutates the input afterwards.
	owned := make([]*big.Int, len(balances))
	for i, b := range balances {
		if b != nil {
			owned[i] = new(big.Int).Set(b)
		}
	}

	nonce := ch.Nonce + 1
	st := &types.ChannelState{
		ChannelID: channelID,
		Nonce:     nonce,
		Balances:  owned,
	}
	if !st.ZeroSum() {
		return nil, fmt.Errorf("proposed balances do not sum to zero")
	}

	stateHash, err := signing.ComputeStateHash(channelID, nonce, owned)
	if err != nil {
		return nil, fmt.Errorf("failed to compute state hash: %w", err)
	}
	st.StateHash = stateHash

	digest, err := signing.HashState(st)
	if err != nil {
		return nil, fmt.Errorf("failed to hash proposal: %w", err)
	}
	sig, err := c.currentSigner().SignDigest(ctx, digest)
	if err != nil {
		return nil, fmt.Errorf("failed to sign proposal: %w", err)
	}

	done := c.addWaiter(channelID, nonce)
	defer c.removeWaiter(channelID, nonce)

	signed := &types.SignedChannelState{
		State:      st,
		Signatures: []hexutil.Bytes{sig},
	}
	raw, err := c.conn.SendRequest(ctx, types.MethodStatePropose, types.StateProposeParams{Signed: signed})
	if err != nil {
		return nil, fmt.Errorf("failed to submit proposal: %w", err)
	}

	// The response carries the merged set so far; counterparties may already
	// have countersigned an identical proposal.
	var notice types.StateUpdateNotice
	if err := json.Unmarshal(raw, &notice); err == nil && notice.Signed != nil {
		c.considerSigned(ch, notice.Signed)
	}

	select {
	case final := <-done:
		return final, nil
	case <-ctx.Done():
		return nil, errors.Wrapf(ErrProposalNotFinalized, "channel %s nonce %d: %v", channelID.Hex(), nonce, ctx.Err())
	}
}

// Reconcile refreshes the on-chain view of a channel and returns it. If the
// chain has advanced past the local state (e.g. the client was offline), the
// local nonce is fast-forwarded so the next proposal lands correctly.
func (c *StateChannelClient) Reconcile(ctx context.Context, channelID common.Hash) (*types.Channel, error) {
	ch, err := c.GetChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	view := c.views[channelID]
	stale := view.latest == nil || view.latest.State.Nonce < ch.Nonce
	c.mu.Unlock()

	if stale && c.chain != nil {
		latest, err := c.chain.LatestState(channelID)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch latest settled state: %w", err)
		}
		c.adopt(ch, latest)
	}
	return ch, nil
}

// CloseChannel settles the channel cooperatively with the latest fully-signed
// state. A channel whose latest state lacks the full signature set (e.g. a
// never-updated channel at genesis) must first finalize a state via
// ProposeUpdate.
func (c *StateChannelClient) CloseChannel(ctx context.Context, channelID common.Hash) error {
	if c.chain == nil {
		return ErrNoChainClient
	}
	signed, err := c.finalState(channelID)
	if err != nil {
		return err
	}
	if err := c.chain.CloseChannel(signed); err != nil {
		return fmt.Errorf("failed to close channel: %w", err)
	}

	c.mu.Lock()
	if view, ok := c.views[channelID]; ok && view.channel != nil {
		view.channel.Lifecycle = types.LifecycleClosed
	}
	c.mu.Unlock()

	c.logger.Sugar().Infow("Channel closed",
		"channel_id", channelID.Hex(),
		"final_nonce", signed.State.Nonce,
	)
	return nil
}

// Challenge presents the latest fully-signed state on-chain, freezing the
// channel and opening the dispute window. Used when a counterparty tries to
// settle with a stale state.
func (c *StateChannelClient) Challenge(ctx context.Context, channelID common.Hash) error {
	if c.chain == nil {
		return ErrNoChainClient
	}
	signed, err := c.finalState(channelID)
	if err != nil {
		return err
	}
	if err := c.chain.ChallengeState(signed); err != nil {
		return fmt.Errorf("failed to challenge channel: %w", err)
	}

	c.logger.Sugar().Warnw("Channel challenged",
		"channel_id", channelID.Hex(),
		"nonce", signed.State.Nonce,
	)
	return nil
}

// ForceClose closes the channel unilaterally after its timeout, with whatever
// state the chain last accepted. The liveness escape against an unresponsive
// counterparty.
func (c *StateChannelClient) ForceClose(channelID common.Hash) (*types.Channel, error) {
	if c.chain == nil {
		return nil, ErrNoChainClient
	}
	ch, err := c.chain.ForceClose(channelID)
	if err != nil {
		return nil, fmt.Errorf("failed to force-close channel: %w", err)
	}

	c.mu.Lock()
	if view, ok := c.views[channelID]; ok {
		view.channel = ch.Copy()
	}
	c.mu.Unlock()
	return ch, nil
}

// SubscribeBalanceChanges returns a channel receiving an update each time any
// tracked channel adopts a new fully-signed state, and a cancel function.
// Slow subscribers drop updates rather than block adoption.
func (c *StateChannelClient) SubscribeBalanceChanges(buffer int) (<-chan BalanceUpdate, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan BalanceUpdate, buffer)

	c.mu.Lock()
	id := c.nextSubID
	c.nextSubID++
	c.subscribers[id] = ch
	c.mu.Unlock()

	cancel := func() {
		c.mu.Lock()
		delete(c.subscribers, id)
		c.mu.Unlock()
	}
	return ch, cancel
}

// onStateUpdate handles pushed proposal updates: adopt fully-signed states,
// countersign approved partial ones, drop everything invalid. The relay is
// untrusted; every check runs locally.
func (c *StateChannelClient) onStateUpdate(env *types.Envelope) {
	var notice types.StateUpdateNotice
	if err := json.Unmarshal(env.Params, &notice); err != nil || notice.Signed == nil || notice.Signed.State == nil {
		c.logger.Sugar().Debugw("Dropping malformed state_update")
		return
	}
	st := notice.Signed.State

	ctx, cancel := context.WithTimeout(context.Background(), config.DefaultRequestTimeout)
	defer cancel()

	c.mu.Lock()
	view, known := c.views[st.ChannelID]
	var ch *types.Channel
	if known && view.channel != nil {
		ch = view.channel.Copy()
	}
	c.mu.Unlock()

	if ch == nil {
		// A channel someone else created with us as a participant.
		fetched, err := c.GetChannel(ctx, st.ChannelID)
		if err != nil {
			c.logger.Sugar().Debugw("Dropping state_update for unknown channel",
				"channel_id", st.ChannelID.Hex(), "error", err)
			return
		}
		ch = fetched
	}

	c.considerSigned(ch, notice.Signed)
}

// considerSigned runs the local acceptance logic for a signed state from any
// source (push or propose response).
func (c *StateChannelClient) considerSigned(ch *types.Channel, signed *types.SignedChannelState) {
	st := signed.State

	if len(st.Balances) != len(ch.Participants) || !st.ZeroSum() {
		c.logger.Sugar().Warnw("Dropping structurally invalid state",
			"channel_id", st.ChannelID.Hex(), "nonce", st.Nonce)
		return
	}
	expected, err := signing.ComputeStateHash(st.ChannelID, st.Nonce, st.Balances)
	if err != nil || expected != st.StateHash {
		c.logger.Sugar().Warnw("Dropping state with bad hash commitment",
			"channel_id", st.ChannelID.Hex(), "nonce", st.Nonce)
		return
	}

	if signing.VerifyAllSignatures(st, signed.RawSignatures(), ch.Participants) {
		c.adopt(ch, signed)
		return
	}
	c.maybeCountersign(ch, signed)
}

// adopt installs a fully-signed state as the channel's latest, releases any
// waiter for it, and notifies subscribers.
func (c *StateChannelClient) adopt(ch *types.Channel, signed *types.SignedChannelState) {
	st := signed.State

	c.mu.Lock()
	view, ok := c.views[st.ChannelID]
	if !ok {
		view = &channelView{channel: ch.Copy()}
		c.views[st.ChannelID] = view
	}
	if view.latest != nil && view.latest.State.Nonce >= st.Nonce {
		c.mu.Unlock()
		return
	}
	view.latest = signed.Copy()
	if view.channel != nil {
		view.channel.Nonce = st.Nonce
		view.channel.StateHash = st.StateHash
	}

	waiter := c.waiters[waiterKey{channelID: st.ChannelID, nonce: st.Nonce}]
	subs := make([]chan BalanceUpdate, 0, len(c.subscribers))
	for _, sub := range c.subscribers {
		subs = append(subs, sub)
	}
	c.mu.Unlock()

	if waiter != nil {
		select {
		case waiter <- signed.Copy():
		default:
		}
	}

	update := BalanceUpdate{
		ChannelID: st.ChannelID,
		Nonce:     st.Nonce,
		Balances:  st.Copy().Balances,
	}
	for _, sub := range subs {
		select {
		case sub <- update:
		default:
		}
	}

	c.logger.Sugar().Debugw("Adopted fully-signed state",
		"channel_id", st.ChannelID.Hex(),
		"nonce", st.Nonce,
	)
}

// maybeCountersign adds this participant's signature to a valid partial
// proposal at the next nonce, if the approval policy allows it.
func (c *StateChannelClient) maybeCountersign(ch *types.Channel, signed *types.SignedChannelState) {
	st := signed.State

	c.mu.Lock()
	view := c.views[st.ChannelID]
	var current *types.ChannelState
	var currentNonce uint64
	if view != nil && view.latest != nil {
		current = view.latest.State.Copy()
		currentNonce = current.Nonce
	}
	c.mu.Unlock()

	if st.Nonce != currentNonce+1 {
		c.logger.Sugar().Debugw("Ignoring proposal at unexpected nonce",
			"channel_id", st.ChannelID.Hex(),
			"proposal_nonce", st.Nonce,
			"current_nonce", currentNonce,
		)
		return
	}

	recovered := signing.RecoverSigners(st, signed.RawSignatures(), ch.Participants)
	if len(recovered) == 0 {
		// Nothing trustworthy to countersign.
		return
	}
	self := c.currentSigner().Address()
	if _, signedAlready := recovered[self]; signedAlready {
		return
	}

	if !c.approve(current, st.Copy()) {
		c.logger.Sugar().Infow("Proposal declined by approval policy",
			"channel_id", st.ChannelID.Hex(),
			"nonce", st.Nonce,
		)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.DefaultRequestTimeout)
	defer cancel()

	digest, err := signing.HashState(st)
	if err != nil {
		c.logger.Sugar().Errorw("Failed to hash proposal", "error", err)
		return
	}
	sig, err := c.currentSigner().SignDigest(ctx, digest)
	if err != nil {
		c.logger.Sugar().Errorw("Failed to countersign proposal", "error", err)
		return
	}

	merged := signed.Copy()
	merged.Signatures = append(merged.Signatures, sig)
	raw, err := c.conn.SendRequest(ctx, types.MethodStatePropose, types.StateProposeParams{Signed: merged})
	if err != nil {
		c.logger.Sugar().Warnw("Failed to submit countersignature", "error", err)
		return
	}

	var notice types.StateUpdateNotice
	if err := json.Unmarshal(raw, &notice); err == nil && notice.Signed != nil {
		c.considerSigned(ch, notice.Signed)
	}
}

// finalState returns the latest state if its signature set is complete.
func (c *StateChannelClient) finalState(channelID common.Hash) (*types.SignedChannelState, error) {
	c.mu.Lock()
	view, ok := c.views[channelID]
	if !ok || view.latest == nil || view.channel == nil {
		c.mu.Unlock()
		return nil, errors.Wrapf(ErrUnknownChannel, "%s", channelID.Hex())
	}
	signed := view.latest.Copy()
	participants := append([]common.Address(nil), view.channel.Participants...)
	c.mu.Unlock()

	if !signing.VerifyAllSignatures(signed.State, signed.RawSignatures(), participants) {
		return nil, errors.Wrapf(ErrStateNotFinal, "channel %s nonce %d", channelID.Hex(), signed.State.Nonce)
	}
	return signed, nil
}

func (c *StateChannelClient) currentSigner() signer.ISigner {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.signer
}

func (c *StateChannelClient) addWaiter(channelID common.Hash, nonce uint64) chan *types.SignedChannelState {
	ch := make(chan *types.SignedChannelState, 1)
	c.mu.Lock()
	c.waiters[waiterKey{channelID: channelID, nonce: nonce}] = ch
	c.mu.Unlock()
	return ch
}

func (c *StateChannelClient) removeWaiter(channelID common.Hash, nonce uint64) {
	c.mu.Lock()
	delete(c.waiters, waiterKey{channelID: channelID, nonce: nonce})
	c.mu.Unlock()
}
