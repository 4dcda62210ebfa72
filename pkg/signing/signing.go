package signing

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/tabchan/tabchan-go/pkg/types"
)

/*
Canonical state encoding

Every participant must produce byte-identical encodings for the same channel
state, or cross-verification of signatures silently breaks. JSON is ruled out
(key ordering is serializer-dependent), so states are encoded with the
Ethereum ABI encoding of a fixed tuple:

	(bytes32 channelId, bytes32 stateHash, uint64 nonce, int256[] balances)

and the state hash commits to the subset that defines the state:

	stateHash = keccak256(abi.encode(bytes32 channelId, uint64 nonce, int256[] balances))

Signatures are 65-byte recoverable secp256k1 signatures [R || S || V] over
keccak256 of the full encoding, V in {0,1}. V values of 27/28 are normalized
on recovery so externally produced signatures verify too.
*/

// SignatureLength is the expected length of a recoverable signature.
const SignatureLength = 65

var (
	stateArguments abi.Arguments
	hashArguments  abi.Arguments
)

func init() {
	bytes32Type, err := abi.NewType("bytes32", "", nil)
	if err != nil {
		panic(fmt.Sprintf("failed to build bytes32 abi type: %v", err))
	}
	uint64Type, err := abi.NewType("uint64", "", nil)
	if err != nil {
		panic(fmt.Sprintf("failed to build uint64 abi type: %v", err))
	}
	int256SliceType, err := abi.NewType("int256[]", "", nil)
	if err != nil {
		panic(fmt.Sprintf("failed to build int256[] abi type: %v", err))
	}

	stateArguments = abi.Arguments{
		{Type: bytes32Type}, // channelId
		{Type: bytes32Type}, // stateHash
		{Type: uint64Type},  // nonce
		{Type: int256SliceType},
	}
	hashArguments = abi.Arguments{
		{Type: bytes32Type}, // channelId
		{Type: uint64Type},  // nonce
		{Type: int256SliceType},
	}
}

// ComputeStateHash derives the commitment for a channel state from its
// defining fields.
func ComputeStateHash(channelID common.Hash, nonce uint64, balances []*big.Int) (common.Hash, error) {
	encoded, err := hashArguments.Pack([32]byte(channelID), nonce, balances)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to encode state for hashing: %w", err)
	}
	return crypto.Keccak256Hash(encoded), nil
}

// EncodeState produces the canonical byte encoding of a channel state:
// channelId || stateHash || nonce || balances, ABI-encoded.
func EncodeState(s *types.ChannelState) ([]byte, error) {
	if s == nil {
		return nil, fmt.Errorf("cannot encode nil state")
	}
	encoded, err := stateArguments.Pack([32]byte(s.ChannelID), [32]byte(s.StateHash), s.Nonce, s.Balances)
	if err != nil {
		return nil, fmt.Errorf("failed to encode state: %w", err)
	}
	return encoded, nil
}

// HashState returns keccak256 over the canonical encoding. This is the digest
// participants sign.
func HashState(s *types.ChannelState) (common.Hash, error) {
	encoded, err := EncodeState(s)
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(encoded), nil
}

// SignState signs the canonical state digest with a local private key,
// returning a 65-byte recoverable signature.
func SignState(s *types.ChannelState, key *ecdsa.PrivateKey) ([]byte, error) {
	hash, err := HashState(s)
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(hash[:], key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign state: %w", err)
	}
	return sig, nil
}

// RecoverSigner recovers the address that produced sig over hash.
func RecoverSigner(hash common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != SignatureLength {
		return common.Address{}, fmt.Errorf("signature must be %d bytes, got %d", SignatureLength, len(sig))
	}

	// Accept both V conventions.
	normalized := make([]byte, SignatureLength)
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}

	pub, err := crypto.SigToPub(hash[:], normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// VerifyAllSignatures reports whether sigs constitutes a complete, valid
// signature set for the state: exactly one signature per participant, each
// recovering to a distinct participant address. It is a pure predicate and
// returns false, never an error, on any violation.
func VerifyAllSignatures(s *types.ChannelState, sigs [][]byte, participants []common.Address) bool {
	if s == nil || len(participants) == 0 {
		return false
	}
	if len(sigs) != len(participants) {
		return false
	}

	hash, err := HashState(s)
	if err != nil {
		return false
	}

	members := make(map[common.Address]struct{}, len(participants))
	for _, p := range participants {
		members[p] = struct{}{}
	}

	seen := make(map[common.Address]struct{}, len(sigs))
	for _, sig := range sigs {
		signer, err := RecoverSigner(hash, sig)
		if err != nil {
			return false
		}
		if _, ok := members[signer]; !ok {
			return false
		}
		if _, dup := seen[signer]; dup {
			return false
		}
		seen[signer] = struct{}{}
	}
	return true
}

// RecoverSigners returns the set of distinct participant addresses that have
// validly signed the state. Non-participant or malformed signatures are
// skipped.
func RecoverSigners(s *types.ChannelState, sigs [][]byte, participants []common.Address) map[common.Address]struct{} {
	signers := make(map[common.Address]struct{})
	hash, err := HashState(s)
	if err != nil {
		return signers
	}
	members := make(map[common.Address]struct{}, len(participants))
	for _, p := range participants {
		members[p] = struct{}{}
	}
	for _, sig := range sigs {
		signer, err := RecoverSigner(hash, sig)
		if err != nil {
			continue
		}
		if _, ok := members[signer]; ok {
			signers[signer] = struct{}{}
		}
	}
	return signers
}

// EncodeAuthChallenge binds a relay authentication challenge to the client
// identity: keccak256(address || "-" || challenge). Signing this digest
// proves key ownership without signing relay-chosen arbitrary bytes.
func EncodeAuthChallenge(address common.Address, challenge string) common.Hash {
	payload := fmt.Sprintf("%s-%s", address.Hex(), challenge)
	return crypto.Keccak256Hash([]byte(payload))
}

// DeriveChannelID computes the deterministic channel identifier from the
// ordered participant set and a creation salt.
func DeriveChannelID(participants []common.Address, salt string) common.Hash {
	data := make([]byte, 0, len(participants)*common.AddressLength+len(salt))
	for _, p := range participants {
		data = append(data, p.Bytes()...)
	}
	data = append(data, []byte(salt)...)
	return crypto.Keccak256Hash(data)
}
