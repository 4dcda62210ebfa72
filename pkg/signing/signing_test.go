package signing

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabchan/tabchan-go/pkg/types"
)

func testState(t *testing.T, nonce uint64, balances ...int64) *types.ChannelState {
	t.Helper()
	channelID := common.HexToHash("0xaabbccdd00000000000000000000000000000000000000000000000000000001")

	bs := make([]*big.Int, len(balances))
	for i, b := range balances {
		bs[i] = big.NewInt(b)
	}
	stateHash, err := ComputeStateHash(channelID, nonce, bs)
	require.NoError(t, err)

	return &types.ChannelState{
		ChannelID: channelID,
		StateHash: stateHash,
		Nonce:     nonce,
		Balances:  bs,
	}
}

func TestEncodeState_Deterministic(t *testing.T) {
	st := testState(t, 3, -5, 5)

	first, err := EncodeState(st)
	require.NoError(t, err)
	second, err := EncodeState(st.Copy())
	require.NoError(t, err)

	assert.Equal(t, first, second, "identical states must encode identically")
}

func TestEncodeState_SensitiveToEveryField(t *testing.T) {
	base := testState(t, 3, -5, 5)
	baseEncoded, err := EncodeState(base)
	require.NoError(t, err)

	differentNonce := testState(t, 4, -5, 5)
	encoded, err := EncodeState(differentNonce)
	require.NoError(t, err)
	assert.NotEqual(t, baseEncoded, encoded)

	differentBalances := testState(t, 3, -6, 6)
	encoded, err = EncodeState(differentBalances)
	require.NoError(t, err)
	assert.NotEqual(t, baseEncoded, encoded)

	swapped := testState(t, 3, 5, -5)
	encoded, err = EncodeState(swapped)
	require.NoError(t, err)
	assert.NotEqual(t, baseEncoded, encoded, "balance order is significant")
}

func TestComputeStateHash_IgnoresStateHashField(t *testing.T) {
	st := testState(t, 1, -2, 2)

	recomputed, err := ComputeStateHash(st.ChannelID, st.Nonce, st.Balances)
	require.NoError(t, err)
	assert.Equal(t, st.StateHash, recomputed)
}

func TestSignState_RoundTrip(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	st := testState(t, 1, -10, 10)

	sig, err := SignState(st, key)
	require.NoError(t, err)
	require.Len(t, sig, SignatureLength)

	hash, err := HashState(st)
	require.NoError(t, err)

	recovered, err := RecoverSigner(hash, sig)
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), recovered)
}

func TestRecoverSigner_NormalizesV(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	st := testState(t, 1, -1, 1)

	sig, err := SignState(st, key)
	require.NoError(t, err)

	// Ethereum tooling commonly emits V as 27/28 instead of 0/1.
	legacy := make([]byte, len(sig))
	copy(legacy, sig)
	legacy[64] += 27

	hash, err := HashState(st)
	require.NoError(t, err)

	recovered, err := RecoverSigner(hash, legacy)
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), recovered)
}

func TestRecoverSigner_RejectsBadLength(t *testing.T) {
	_, err := RecoverSigner(common.Hash{}, []byte{1, 2, 3})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "65 bytes")
}

func TestVerifyAllSignatures(t *testing.T) {
	keyA, err := crypto.GenerateKey()
	require.NoError(t, err)
	keyB, err := crypto.GenerateKey()
	require.NoError(t, err)
	outsiderKey, err := crypto.GenerateKey()
	require.NoError(t, err)

	participants := []common.Address{
		crypto.PubkeyToAddress(keyA.PublicKey),
		crypto.PubkeyToAddress(keyB.PublicKey),
	}
	st := testState(t, 2, -7, 7)

	sigA, err := SignState(st, keyA)
	require.NoError(t, err)
	sigB, err := SignState(st, keyB)
	require.NoError(t, err)
	sigOutsider, err := SignState(st, outsiderKey)
	require.NoError(t, err)

	t.Run("complete set verifies", func(t *testing.T) {
		assert.True(t, VerifyAllSignatures(st, [][]byte{sigA, sigB}, participants))
	})

	t.Run("order does not matter", func(t *testing.T) {
		assert.True(t, VerifyAllSignatures(st, [][]byte{sigB, sigA}, participants))
	})

	t.Run("missing signature fails", func(t *testing.T) {
		assert.False(t, VerifyAllSignatures(st, [][]byte{sigA}, participants))
	})

	t.Run("duplicate signer fails", func(t *testing.T) {
		assert.False(t, VerifyAllSignatures(st, [][]byte{sigA, sigA}, participants))
	})

	t.Run("non-participant signer fails", func(t *testing.T) {
		assert.False(t, VerifyAllSignatures(st, [][]byte{sigA, sigOutsider}, participants))
	})

	t.Run("signature over different state fails", func(t *testing.T) {
		other := testState(t, 3, -7, 7)
		sigOther, err := SignState(other, keyB)
		require.NoError(t, err)
		assert.False(t, VerifyAllSignatures(st, [][]byte{sigA, sigOther}, participants))
	})
}

func TestRecoverSigners_PartialSet(t *testing.T) {
	keyA, err := crypto.GenerateKey()
	require.NoError(t, err)
	keyB, err := crypto.GenerateKey()
	require.NoError(t, err)

	addrA := crypto.PubkeyToAddress(keyA.PublicKey)
	addrB := crypto.PubkeyToAddress(keyB.PublicKey)
	participants := []common.Address{addrA, addrB}

	st := testState(t, 1, -3, 3)
	sigA, err := SignState(st, keyA)
	require.NoError(t, err)

	signers := RecoverSigners(st, [][]byte{sigA, []byte("garbage")}, participants)
	assert.Len(t, signers, 1)
	_, ok := signers[addrA]
	assert.True(t, ok)
	_, ok = signers[addrB]
	assert.False(t, ok)
}

func TestEncodeAuthChallenge_BindsIdentity(t *testing.T) {
	addrA := common.HexToAddress("0x1111111111111111111111111111111111111111")
	addrB := common.HexToAddress("0x2222222222222222222222222222222222222222")

	same := EncodeAuthChallenge(addrA, "challenge-1")
	assert.Equal(t, same, EncodeAuthChallenge(addrA, "challenge-1"))
	assert.NotEqual(t, same, EncodeAuthChallenge(addrB, "challenge-1"))
	assert.NotEqual(t, same, EncodeAuthChallenge(addrA, "challenge-2"))
}

func TestDeriveChannelID(t *testing.T) {
	participants := []common.Address{
		common.HexToAddress("0x1111111111111111111111111111111111111111"),
		common.HexToAddress("0x2222222222222222222222222222222222222222"),
	}

	id1 := DeriveChannelID(participants, "salt-a")
	id2 := DeriveChannelID(participants, "salt-a")
	id3 := DeriveChannelID(participants, "salt-b")

	assert.Equal(t, id1, id2)
	assert.NotEqual(t, id1, id3, "different salts must give different ids")
}
