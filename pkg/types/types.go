package types

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Lifecycle is the on-chain lifecycle of a channel.
type Lifecycle string

const (
	LifecycleOpen     Lifecycle = "open"
	LifecycleDisputed Lifecycle = "disputed"
	LifecycleClosed   Lifecycle = "closed"
)

// Channel is the on-chain record for a participant set sharing off-chain
// obligations backed by deposits. Participants and deposits are immutable
// after creation; Nonce and StateHash advance with each accepted state.
type Channel struct {
	// ChannelID is derived deterministically from the participant set and a
	// creation salt. Never reused.
	ChannelID common.Hash `json:"channelId"`

	// Participants is the ordered set of member addresses (2-50, unique,
	// non-zero). Balance entries in ChannelState correspond positionally.
	Participants []common.Address `json:"participants"`

	// Deposits maps each participant to its contributed value.
	Deposits map[common.Address]*big.Int `json:"deposits"`

	// TotalDeposit is the sum of all deposits, cached at creation.
	TotalDeposit *big.Int `json:"totalDeposit"`

	// Nonce is the monotonically increasing counter of the last accepted
	// state. Starts at 0.
	Nonce uint64 `json:"nonce"`

	// StateHash commits to the last accepted ChannelState.
	StateHash common.Hash `json:"stateHash"`

	Lifecycle Lifecycle `json:"lifecycle"`

	// DisputeDeadline is meaningful only while Lifecycle is Disputed.
	DisputeDeadline time.Time `json:"disputeDeadline"`

	// Timeout is the absolute deadline after which any participant may
	// force-close regardless of signatures.
	Timeout time.Time `json:"timeout"`
}

// ChannelState is the off-chain-agreed value participants sign.
type ChannelState struct {
	ChannelID common.Hash `json:"channelId"`

	// StateHash is keccak256 over the canonical encoding of
	// channelId, nonce and balances (see pkg/signing).
	StateHash common.Hash `json:"stateHash"`

	Nonce uint64 `json:"nonce"`

	// Balances holds one signed delta per participant, positionally matching
	// Channel.Participants. The sum of all entries is always zero.
	Balances []*big.Int `json:"balances"`
}

// ZeroSum reports whether the balance deltas cancel out. A state violating
// this is never valid, regardless of signatures.
func (s *ChannelState) ZeroSum() bool {
	sum := new(big.Int)
	for _, b := range s.Balances {
		if b == nil {
			return false
		}
		sum.Add(sum, b)
	}
	return sum.Sign() == 0
}

// Copy returns a deep copy of the state.
func (s *ChannelState) Copy() *ChannelState {
	if s == nil {
		return nil
	}
	balances := make([]*big.Int, len(s.Balances))
	for i, b := range s.Balances {
		if b != nil {
			balances[i] = new(big.Int).Set(b)
		}
	}
	return &ChannelState{
		ChannelID: s.ChannelID,
		StateHash: s.StateHash,
		Nonce:     s.Nonce,
		Balances:  balances,
	}
}

// SignedChannelState bundles a state with the signatures collected for it.
// The state is authoritative only once the signature set satisfies
// signing.VerifyAllSignatures against the channel's participant set.
type SignedChannelState struct {
	State      *ChannelState   `json:"state"`
	Signatures []hexutil.Bytes `json:"signatures"`
}

// Copy returns a deep copy of the signed state.
func (ss *SignedChannelState) Copy() *SignedChannelState {
	if ss == nil {
		return nil
	}
	sigs := make([]hexutil.Bytes, len(ss.Signatures))
	for i, sig := range ss.Signatures {
		c := make(hexutil.Bytes, len(sig))
		copy(c, sig)
		sigs[i] = c
	}
	return &SignedChannelState{
		State:      ss.State.Copy(),
		Signatures: sigs,
	}
}

// RawSignatures returns the signature set as plain byte slices.
func (ss *SignedChannelState) RawSignatures() [][]byte {
	sigs := make([][]byte, len(ss.Signatures))
	for i, sig := range ss.Signatures {
		sigs[i] = sig
	}
	return sigs
}

// Copy returns a deep copy of the channel record.
func (c *Channel) Copy() *Channel {
	if c == nil {
		return nil
	}
	participants := make([]common.Address, len(c.Participants))
	copy(participants, c.Participants)

	deposits := make(map[common.Address]*big.Int, len(c.Deposits))
	for addr, amount := range c.Deposits {
		deposits[addr] = new(big.Int).Set(amount)
	}

	var total *big.Int
	if c.TotalDeposit != nil {
		total = new(big.Int).Set(c.TotalDeposit)
	}

	return &Channel{
		ChannelID:       c.ChannelID,
		Participants:    participants,
		Deposits:        deposits,
		TotalDeposit:    total,
		Nonce:           c.Nonce,
		StateHash:       c.StateHash,
		Lifecycle:       c.Lifecycle,
		DisputeDeadline: c.DisputeDeadline,
		Timeout:         c.Timeout,
	}
}

// IsParticipant reports whether addr is a member of the channel.
func (c *Channel) IsParticipant(addr common.Address) bool {
	for _, p := range c.Participants {
		if p == addr {
			return true
		}
	}
	return false
}
