package relayserver

import (
	"crypto/ecdsa"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabchan/tabchan-go/pkg/signing"
	"github.com/tabchan/tabchan-go/pkg/types"
)

func proposalState(t *testing.T, nonce uint64, balances ...int64) *types.ChannelState {
	t.Helper()
	channelID := common.HexToHash("0x0101")

	bs := make([]*big.Int, len(balances))
	for i, b := range balances {
		bs[i] = big.NewInt(b)
	}
	stateHash, err := signing.ComputeStateHash(channelID, nonce, bs)
	require.NoError(t, err)

	return &types.ChannelState{
		ChannelID: channelID,
		StateHash: stateHash,
		Nonce:     nonce,
		Balances:  bs,
	}
}

func signProposal(t *testing.T, st *types.ChannelState, key *ecdsa.PrivateKey) hexutil.Bytes {
	t.Helper()
	sig, err := signing.SignState(st, key)
	require.NoError(t, err)
	return sig
}

func generateMembers(t *testing.T, n int) ([]*ecdsa.PrivateKey, []common.Address) {
	t.Helper()
	keys := make([]*ecdsa.PrivateKey, n)
	addrs := make([]common.Address, n)
	for i := range keys {
		key, err := crypto.GenerateKey()
		require.NoError(t, err)
		keys[i] = key
		addrs[i] = crypto.PubkeyToAddress(key.PublicKey)
	}
	return keys, addrs
}

func TestProposalHub_AccumulatesSignatures(t *testing.T) {
	hub := newProposalHub()
	keys, members := generateMembers(t, 2)

	st := proposalState(t, 1, -5, 5)

	merged, grew, err := hub.Merge(&types.SignedChannelState{
		State:      st,
		Signatures: []hexutil.Bytes{signProposal(t, st, keys[0])},
	}, members)
	require.NoError(t, err)
	assert.True(t, grew)
	assert.Len(t, merged.Signatures, 1)

	merged, grew, err = hub.Merge(&types.SignedChannelState{
		State:      st,
		Signatures: []hexutil.Bytes{signProposal(t, st, keys[1])},
	}, members)
	require.NoError(t, err)
	assert.True(t, grew)
	assert.Len(t, merged.Signatures, 2)
}

func TestProposalHub_DeduplicatesSigners(t *testing.T) {
	hub := newProposalHub()
	keys, members := generateMembers(t, 2)

	st := proposalState(t, 1, -5, 5)
	sig := signProposal(t, st, keys[0])

	_, grew, err := hub.Merge(&types.SignedChannelState{State: st, Signatures: []hexutil.Bytes{sig}}, members)
	require.NoError(t, err)
	assert.True(t, grew)

	merged, grew, err := hub.Merge(&types.SignedChannelState{State: st, Signatures: []hexutil.Bytes{sig}}, members)
	require.NoError(t, err)
	assert.False(t, grew, "re-submitting the same signature must not grow the set")
	assert.Len(t, merged.Signatures, 1)
}

func TestProposalHub_DropsMalformedSignatures(t *testing.T) {
	hub := newProposalHub()
	_, members := generateMembers(t, 2)
	st := proposalState(t, 1, -5, 5)

	merged, grew, err := hub.Merge(&types.SignedChannelState{
		State:      st,
		Signatures: []hexutil.Bytes{[]byte("garbage")},
	}, members)
	require.NoError(t, err)
	assert.False(t, grew)
	assert.Empty(t, merged.Signatures)
}

func TestProposalHub_DropsNonParticipantSignatures(t *testing.T) {
	hub := newProposalHub()
	keys, members := generateMembers(t, 2)

	outsider, err := crypto.GenerateKey()
	require.NoError(t, err)

	st := proposalState(t, 1, -5, 5)

	// A valid signature from outside the participant set must not occupy a
	// slot, or the accumulated set would exceed the participant count and
	// the nonce could never finalize.
	merged, grew, err := hub.Merge(&types.SignedChannelState{
		State:      st,
		Signatures: []hexutil.Bytes{signProposal(t, st, outsider)},
	}, members)
	require.NoError(t, err)
	assert.False(t, grew)
	assert.Empty(t, merged.Signatures)

	// Both real participants still complete the set afterwards.
	for _, key := range keys {
		merged, _, err = hub.Merge(&types.SignedChannelState{
			State:      st,
			Signatures: []hexutil.Bytes{signProposal(t, st, key)},
		}, members)
		require.NoError(t, err)
	}
	assert.Len(t, merged.Signatures, len(members))
	assert.True(t, signing.VerifyAllSignatures(merged.State, merged.RawSignatures(), members))
}

func TestProposalHub_RejectsConflictingProposal(t *testing.T) {
	hub := newProposalHub()
	keys, members := generateMembers(t, 2)

	st := proposalState(t, 1, -5, 5)
	_, _, err := hub.Merge(&types.SignedChannelState{
		State:      st,
		Signatures: []hexutil.Bytes{signProposal(t, st, keys[0])},
	}, members)
	require.NoError(t, err)

	// Same channel and nonce, different balances: first writer wins.
	conflicting := proposalState(t, 1, -3, 3)
	_, _, err = hub.Merge(&types.SignedChannelState{
		State:      conflicting,
		Signatures: []hexutil.Bytes{signProposal(t, conflicting, keys[0])},
	}, members)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "conflicting proposal")
}

func TestProposalHub_Prune(t *testing.T) {
	hub := newProposalHub()
	keys, members := generateMembers(t, 2)

	for nonce := uint64(1); nonce <= 3; nonce++ {
		st := proposalState(t, nonce, -int64(nonce), int64(nonce))
		_, _, err := hub.Merge(&types.SignedChannelState{
			State:      st,
			Signatures: []hexutil.Bytes{signProposal(t, st, keys[0])},
		}, members)
		require.NoError(t, err)
	}

	st2 := proposalState(t, 2, -2, 2)
	hub.Prune(st2.ChannelID, 2)

	// Nonces 1 and 2 are gone: a new merge starts a fresh entry, so a
	// conflicting state is accepted now.
	fresh := proposalState(t, 2, -9, 9)
	_, _, err := hub.Merge(&types.SignedChannelState{
		State:      fresh,
		Signatures: []hexutil.Bytes{signProposal(t, fresh, keys[0])},
	}, members)
	require.NoError(t, err)

	// Nonce 3 survived the prune and still rejects conflicts.
	conflict3 := proposalState(t, 3, -9, 9)
	_, _, err = hub.Merge(&types.SignedChannelState{
		State:      conflict3,
		Signatures: []hexutil.Bytes{signProposal(t, conflict3, keys[0])},
	}, members)
	require.Error(t, err)
}
