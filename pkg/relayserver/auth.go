package relayserver

import (
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwt"

	"github.com/tabchan/tabchan-go/pkg/signing"
	"github.com/tabchan/tabchan-go/pkg/types"
)

const tokenIssuer = "tabchan-relay"

type challengeEntry struct {
	address   common.Address
	expiresAt time.Time
}

// authManager issues single-use authentication challenges and HMAC-signed
// resume tokens. Challenges are bound to the requesting identity so a
// signature over one identity's challenge cannot authenticate another.
type authManager struct {
	secret       []byte
	tokenTTL     time.Duration
	challengeTTL time.Duration
	now          func() time.Time

	mu         sync.Mutex
	challenges map[string]challengeEntry
}

func newAuthManager(secret string, tokenTTL, challengeTTL time.Duration) *authManager {
	return &authManager{
		secret:       []byte(secret),
		tokenTTL:     tokenTTL,
		challengeTTL: challengeTTL,
		now:          time.Now,
		challenges:   make(map[string]challengeEntry),
	}
}

// IssueChallenge mints a fresh challenge for the given identity.
func (a *authManager) IssueChallenge(addr common.Address) types.AuthChallenge {
	challenge := uuid.NewString()
	expiresAt := a.now().Add(a.challengeTTL)

	a.mu.Lock()
	a.pruneLocked()
	a.challenges[challenge] = challengeEntry{address: addr, expiresAt: expiresAt}
	a.mu.Unlock()

	return types.AuthChallenge{Challenge: challenge, ExpiresAt: expiresAt.Unix()}
}

// VerifyChallenge checks the signature over an outstanding challenge and
// consumes it. The signature must recover to the identity the challenge was
// issued for.
func (a *authManager) VerifyChallenge(addr common.Address, challenge string, sig []byte) error {
	a.mu.Lock()
	entry, ok := a.challenges[challenge]
	if ok {
		// Single use: consumed whether verification succeeds or not.
		delete(a.challenges, challenge)
	}
	a.mu.Unlock()

	if !ok {
		return fmt.Errorf("unknown challenge")
	}
	if a.now().After(entry.expiresAt) {
		return fmt.Errorf("challenge expired")
	}
	if entry.address != addr {
		return fmt.Errorf("challenge was issued for a different identity")
	}

	digest := signing.EncodeAuthChallenge(addr, challenge)
	recovered, err := signing.RecoverSigner(digest, sig)
	if err != nil {
		return fmt.Errorf("failed to recover challenge signer: %w", err)
	}
	if recovered != addr {
		return fmt.Errorf("challenge signature recovers to %s, expected %s", recovered.Hex(), addr.Hex())
	}
	return nil
}

// IssueResumeToken mints a resume token for an authenticated identity.
func (a *authManager) IssueResumeToken(addr common.Address) (string, time.Time, error) {
	now := a.now()
	expiry := now.Add(a.tokenTTL)

	tok, err := jwt.NewBuilder().
		Issuer(tokenIssuer).
		Subject(addr.Hex()).
		IssuedAt(now).
		Expiration(expiry).
		Build()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to build resume token: %w", err)
	}

	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256(), a.secret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign resume token: %w", err)
	}
	return string(signed), expiry, nil
}

// VerifyResumeToken validates a resume token and returns the identity it was
// issued for.
func (a *authManager) VerifyResumeToken(token string) (common.Address, error) {
	tok, err := jwt.Parse(
		[]byte(token),
		jwt.WithKey(jwa.HS256(), a.secret),
		jwt.WithValidate(true),
	)
	if err != nil {
		return common.Address{}, fmt.Errorf("resume token rejected: %w", err)
	}

	issuer, ok := tok.Issuer()
	if !ok || issuer != tokenIssuer {
		return common.Address{}, fmt.Errorf("resume token has wrong issuer")
	}
	subject, ok := tok.Subject()
	if !ok {
		return common.Address{}, fmt.Errorf("resume token has no subject")
	}
	if !common.IsHexAddress(subject) {
		return common.Address{}, fmt.Errorf("resume token subject is not an address: %s", subject)
	}
	return common.HexToAddress(subject), nil
}

// pruneLocked drops expired challenges. Caller holds the mutex.
func (a *authManager) pruneLocked() {
	now := a.now()
	for challenge, entry := range a.challenges {
		if now.After(entry.expiresAt) {
			delete(a.challenges, challenge)
		}
	}
}
