package relayserver

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/tabchan/tabchan-go/pkg/signing"
	"github.com/tabchan/tabchan-go/pkg/types"
)

type proposalKey struct {
	channelID common.Hash
	nonce     uint64
}

// proposalHub accumulates signatures for in-flight state proposals, keyed by
// channel and nonce. The hub never judges whether a state is acceptable; it
// only merges signatures that genuinely recover to distinct channel
// participants over the proposed state, and participants verify everything
// independently.
type proposalHub struct {
	mu      sync.Mutex
	entries map[proposalKey]map[common.Address]hexutil.Bytes
	states  map[proposalKey]*types.ChannelState
}

func newProposalHub() *proposalHub {
	return &proposalHub{
		entries: make(map[proposalKey]map[common.Address]hexutil.Bytes),
		states:  make(map[proposalKey]*types.ChannelState),
	}
}

// Merge folds the signatures of an incoming proposal into the accumulated set
// for its channel and nonce. It returns the merged signed state and whether
// the set grew. Signatures that do not recover to one of the channel
// participants are dropped: an outsider signature must never occupy a slot,
// or the accumulated set could exceed the participant count and the nonce
// would never finalize. Two proposals for the same channel and nonce with
// different content are rejected; the first writer wins and the loser must
// re-propose at a higher nonce.
func (h *proposalHub) Merge(signed *types.SignedChannelState, participants []common.Address) (*types.SignedChannelState, bool, error) {
	if signed == nil || signed.State == nil {
		return nil, false, fmt.Errorf("proposal cannot be nil")
	}

	members := make(map[common.Address]struct{}, len(participants))
	for _, p := range participants {
		members[p] = struct{}{}
	}

	st := signed.State
	key := proposalKey{channelID: st.ChannelID, nonce: st.Nonce}

	h.mu.Lock()
	defer h.mu.Unlock()

	existing, ok := h.states[key]
	if !ok {
		h.states[key] = st.Copy()
		h.entries[key] = make(map[common.Address]hexutil.Bytes)
		existing = h.states[key]
	} else if existing.StateHash != st.StateHash {
		return nil, false, fmt.Errorf("conflicting proposal for channel %s nonce %d", st.ChannelID.Hex(), st.Nonce)
	}

	digest, err := signing.HashState(existing)
	if err != nil {
		return nil, false, fmt.Errorf("failed to hash proposal: %w", err)
	}

	sigs := h.entries[key]
	grew := false
	for _, sig := range signed.Signatures {
		signer, err := signing.RecoverSigner(digest, sig)
		if err != nil {
			continue
		}
		if _, member := members[signer]; !member {
			continue
		}
		if _, dup := sigs[signer]; dup {
			continue
		}
		c := make(hexutil.Bytes, len(sig))
		copy(c, sig)
		sigs[signer] = c
		grew = true
	}

	return h.assembleLocked(key), grew, nil
}

// Prune drops every proposal for the channel at or below the given nonce,
// typically after a state was accepted on-chain.
func (h *proposalHub) Prune(channelID common.Hash, upTo uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for key := range h.states {
		if key.channelID == channelID && key.nonce <= upTo {
			delete(h.states, key)
			delete(h.entries, key)
		}
	}
}

// assembleLocked builds the merged signed state for a key. Caller holds the
// mutex.
func (h *proposalHub) assembleLocked(key proposalKey) *types.SignedChannelState {
	st := h.states[key]
	sigs := h.entries[key]

	merged := &types.SignedChannelState{
		State:      st.Copy(),
		Signatures: make([]hexutil.Bytes, 0, len(sigs)),
	}
	for _, sig := range sigs {
		c := make(hexutil.Bytes, len(sig))
		copy(c, sig)
		merged.Signatures = append(merged.Signatures, c)
	}
	return merged
}
