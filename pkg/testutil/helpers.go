// Package testutil provides shared fixtures for channel protocol tests: test
// participants with throwaway keys, an in-memory chain, and a relay harness
// running over httptest.
package testutil

import (
	"math/big"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tabchan/tabchan-go/pkg/config"
	"github.com/tabchan/tabchan-go/pkg/ledger"
	"github.com/tabchan/tabchan-go/pkg/logger"
	"github.com/tabchan/tabchan-go/pkg/persistence/memory"
	"github.com/tabchan/tabchan-go/pkg/relayserver"
	"github.com/tabchan/tabchan-go/pkg/signer/inMemorySigner"
)

// NewTestLogger creates a quiet logger for tests.
func NewTestLogger(t *testing.T) *zap.Logger {
	t.Helper()
	l, err := logger.NewLogger(&logger.LoggerConfig{Debug: false})
	require.NoError(t, err)
	return l
}

// Participant is a test channel member with a throwaway key.
type Participant struct {
	Signer  *inMemorySigner.InMemorySigner
	Address common.Address
}

// NewParticipants generates n test participants with fresh keys.
func NewParticipants(t *testing.T, n int) []*Participant {
	t.Helper()
	l := NewTestLogger(t)

	participants := make([]*Participant, n)
	for i := range participants {
		key, err := crypto.GenerateKey()
		require.NoError(t, err)
		s := inMemorySigner.NewInMemorySigner(key, l)
		participants[i] = &Participant{Signer: s, Address: s.Address()}
	}
	return participants
}

// Addresses extracts the address list from a participant set.
func Addresses(participants []*Participant) []common.Address {
	addrs := make([]common.Address, len(participants))
	for i, p := range participants {
		addrs[i] = p.Address
	}
	return addrs
}

// EqualDeposits builds a deposit map giving every participant the same amount.
func EqualDeposits(participants []*Participant, amount int64) map[common.Address]*big.Int {
	deposits := make(map[common.Address]*big.Int, len(participants))
	for _, p := range participants {
		deposits[p.Address] = big.NewInt(amount)
	}
	return deposits
}

// NewTestLedger creates a memory-backed ledger with an adjustable clock.
// Moving the clock forward exercises dispute windows and timeouts without
// sleeping.
func NewTestLedger(t *testing.T, now *time.Time) *ledger.Ledger {
	t.Helper()
	l := NewTestLogger(t)

	store := memory.NewMemoryPersistence()
	led, err := ledger.NewLedger(ledger.Config{
		Store:  store,
		Logger: l,
		Now: func() time.Time {
			if now != nil {
				return *now
			}
			return time.Now()
		},
	})
	require.NoError(t, err)
	return led
}

// RelayHarness is a relay server running over httptest with an in-memory
// chain behind it.
type RelayHarness struct {
	Server *relayserver.RelayServer
	Chain  *ledger.Ledger
	// URL is the websocket endpoint clients dial.
	URL string

	httpServer *httptest.Server
}

// NewRelayHarness starts a relay over httptest. The harness is torn down with
// the test.
func NewRelayHarness(t *testing.T) *RelayHarness {
	t.Helper()
	l := NewTestLogger(t)

	chain := NewTestLedger(t, nil)
	cfg := &config.RelayServerConfig{
		Port:        1, // unused; the httptest listener owns the socket
		TokenSecret: "test-relay-token-secret",
		TokenTTL:    config.DefaultResumeTokenTTL,
		Persistence: config.PersistenceTypeMemory,
	}
	require.NoError(t, cfg.Validate())

	rs, err := relayserver.NewRelayServer(cfg, chain, l)
	require.NoError(t, err)

	httpServer := httptest.NewServer(rs.GetHandler())
	t.Cleanup(func() {
		httpServer.Close()
		_ = rs.Stop()
	})

	return &RelayHarness{
		Server:     rs,
		Chain:      chain,
		URL:        "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/ws",
		httpServer: httpServer,
	}
}
