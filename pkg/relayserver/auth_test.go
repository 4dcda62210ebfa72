package relayserver

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabchan/tabchan-go/pkg/signing"
)

func TestAuthManager_ChallengeRoundTrip(t *testing.T) {
	am := newAuthManager("secret", time.Hour, 5*time.Minute)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := crypto.PubkeyToAddress(key.PublicKey)

	challenge := am.IssueChallenge(addr)
	require.NotEmpty(t, challenge.Challenge)

	digest := signing.EncodeAuthChallenge(addr, challenge.Challenge)
	sig, err := crypto.Sign(digest[:], key)
	require.NoError(t, err)

	require.NoError(t, am.VerifyChallenge(addr, challenge.Challenge, sig))
}

func TestAuthManager_ChallengeIsSingleUse(t *testing.T) {
	am := newAuthManager("secret", time.Hour, 5*time.Minute)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := crypto.PubkeyToAddress(key.PublicKey)

	challenge := am.IssueChallenge(addr)
	digest := signing.EncodeAuthChallenge(addr, challenge.Challenge)
	sig, err := crypto.Sign(digest[:], key)
	require.NoError(t, err)

	require.NoError(t, am.VerifyChallenge(addr, challenge.Challenge, sig))

	err = am.VerifyChallenge(addr, challenge.Challenge, sig)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown challenge")
}

func TestAuthManager_RejectsWrongIdentity(t *testing.T) {
	am := newAuthManager("secret", time.Hour, 5*time.Minute)

	keyA, err := crypto.GenerateKey()
	require.NoError(t, err)
	keyB, err := crypto.GenerateKey()
	require.NoError(t, err)
	addrA := crypto.PubkeyToAddress(keyA.PublicKey)
	addrB := crypto.PubkeyToAddress(keyB.PublicKey)

	// B answers a challenge issued for A.
	challenge := am.IssueChallenge(addrA)
	digest := signing.EncodeAuthChallenge(addrB, challenge.Challenge)
	sig, err := crypto.Sign(digest[:], keyB)
	require.NoError(t, err)

	err = am.VerifyChallenge(addrB, challenge.Challenge, sig)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "different identity")
}

func TestAuthManager_RejectsForgedSignature(t *testing.T) {
	am := newAuthManager("secret", time.Hour, 5*time.Minute)

	keyA, err := crypto.GenerateKey()
	require.NoError(t, err)
	keyB, err := crypto.GenerateKey()
	require.NoError(t, err)
	addrA := crypto.PubkeyToAddress(keyA.PublicKey)

	// B signs A's challenge, claiming to be A.
	challenge := am.IssueChallenge(addrA)
	digest := signing.EncodeAuthChallenge(addrA, challenge.Challenge)
	sig, err := crypto.Sign(digest[:], keyB)
	require.NoError(t, err)

	err = am.VerifyChallenge(addrA, challenge.Challenge, sig)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "recovers to")
}

func TestAuthManager_RejectsExpiredChallenge(t *testing.T) {
	am := newAuthManager("secret", time.Hour, 5*time.Minute)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := crypto.PubkeyToAddress(key.PublicKey)

	challenge := am.IssueChallenge(addr)
	digest := signing.EncodeAuthChallenge(addr, challenge.Challenge)
	sig, err := crypto.Sign(digest[:], key)
	require.NoError(t, err)

	am.now = func() time.Time { return time.Now().Add(10 * time.Minute) }
	err = am.VerifyChallenge(addr, challenge.Challenge, sig)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expired")
}

func TestAuthManager_ResumeTokenRoundTrip(t *testing.T) {
	am := newAuthManager("secret", time.Hour, 5*time.Minute)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := crypto.PubkeyToAddress(key.PublicKey)

	token, expiry, err := am.IssueResumeToken(addr)
	require.NoError(t, err)
	require.NotEmpty(t, token)
	assert.True(t, expiry.After(time.Now()))

	recovered, err := am.VerifyResumeToken(token)
	require.NoError(t, err)
	assert.Equal(t, addr, recovered)
}

func TestAuthManager_RejectsTokenFromOtherSecret(t *testing.T) {
	issuer := newAuthManager("secret-a", time.Hour, 5*time.Minute)
	verifier := newAuthManager("secret-b", time.Hour, 5*time.Minute)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := crypto.PubkeyToAddress(key.PublicKey)

	token, _, err := issuer.IssueResumeToken(addr)
	require.NoError(t, err)

	_, err = verifier.VerifyResumeToken(token)
	require.Error(t, err)
}

func TestAuthManager_RejectsExpiredToken(t *testing.T) {
	am := newAuthManager("secret", time.Hour, 5*time.Minute)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := crypto.PubkeyToAddress(key.PublicKey)

	// Issue a token that expired an hour ago.
	am.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	token, _, err := am.IssueResumeToken(addr)
	require.NoError(t, err)

	_, err = am.VerifyResumeToken(token)
	require.Error(t, err)
}
