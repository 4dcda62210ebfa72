// Package relayserver implements the relay daemon: it terminates client
// websocket sessions, runs the challenge/response authentication handshake,
// fronts the channel ledger for channel_create/channel_get, and fans out
// state proposal updates to channel participants.
package relayserver

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tabchan/tabchan-go/pkg/config"
	"github.com/tabchan/tabchan-go/pkg/ledger"
	"github.com/tabchan/tabchan-go/pkg/types"
)

// RelayServer is the relay daemon.
type RelayServer struct {
	logger         *zap.Logger
	chain          ledger.ChainClient
	auth           *authManager
	hub            *proposalHub
	heartbeatGrace time.Duration

	upgrader   websocket.Upgrader
	httpServer *http.Server

	mu        sync.Mutex
	sessions  map[*session]struct{}
	byAddress map[common.Address]map[*session]struct{}
}

// NewRelayServer creates a relay server over the given chain client. The
// configuration must already be validated.
func NewRelayServer(cfg *config.RelayServerConfig, chain ledger.ChainClient, logger *zap.Logger) (*RelayServer, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if chain == nil {
		return nil, fmt.Errorf("chain client cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	rs := &RelayServer{
		logger:         logger,
		chain:          chain,
		auth:           newAuthManager(cfg.TokenSecret, cfg.TokenTTL, config.DefaultAuthChallengeTTL),
		hub:            newProposalHub(),
		heartbeatGrace: config.DefaultHeartbeatGrace,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The relay authenticates by signature, not by origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		sessions:  make(map[*session]struct{}),
		byAddress: make(map[common.Address]map[*session]struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", rs.handleWebsocket)
	mux.HandleFunc("/healthz", rs.handleHealth)

	rs.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: mux,
	}
	return rs, nil
}

// Start begins accepting connections. It returns immediately; errors from the
// listener are logged.
func (rs *RelayServer) Start() error {
	go func() {
		rs.logger.Sugar().Infow("Starting relay server", "addr", rs.httpServer.Addr)
		if err := rs.httpServer.ListenAndServe(); err != http.ErrServerClosed {
			rs.logger.Sugar().Errorw("Relay server error", "error", err)
		}
	}()
	return nil
}

// Stop shuts the listener down and drops all sessions.
func (rs *RelayServer) Stop() error {
	rs.mu.Lock()
	for s := range rs.sessions {
		_ = s.conn.Close()
	}
	rs.mu.Unlock()

	return rs.httpServer.Close()
}

// GetHandler returns the HTTP handler, for tests run over httptest.
func (rs *RelayServer) GetHandler() http.Handler {
	return rs.httpServer.Handler
}

func (rs *RelayServer) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := rs.upgrader.Upgrade(w, r, nil)
	if err != nil {
		rs.logger.Sugar().Warnw("Websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	s := newSession(rs, conn)
	rs.mu.Lock()
	rs.sessions[s] = struct{}{}
	rs.mu.Unlock()

	rs.logger.Sugar().Debugw("Session opened", "remote", r.RemoteAddr)
	go s.run()
}

func (rs *RelayServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// register binds an authenticated session to its identity for push delivery.
// One identity may hold several concurrent sessions (e.g. two devices).
func (rs *RelayServer) register(s *session, addr common.Address) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.byAddress[addr] == nil {
		rs.byAddress[addr] = make(map[*session]struct{})
	}
	rs.byAddress[addr][s] = struct{}{}
}

func (rs *RelayServer) unregister(s *session) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	delete(rs.sessions, s)
	for addr, set := range rs.byAddress {
		if _, ok := set[s]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(rs.byAddress, addr)
			}
		}
	}
}

// onProposalGrowth fans the merged proposal out to every connected channel
// participant, and commits the state on-chain once the signature set is
// complete. Participants not connected right now catch up from channel_get on
// their next session.
func (rs *RelayServer) onProposalGrowth(ch *types.Channel, merged *types.SignedChannelState) {
	notice, err := types.NewNotification(types.MethodStateUpdate, types.StateUpdateNotice{Signed: merged})
	if err != nil {
		rs.logger.Sugar().Errorw("Failed to build state_update notification", "error", err)
		return
	}

	rs.mu.Lock()
	targets := make([]*session, 0)
	for _, p := range ch.Participants {
		for s := range rs.byAddress[p] {
			targets = append(targets, s)
		}
	}
	rs.mu.Unlock()

	for _, s := range targets {
		s.send(notice)
	}

	if len(merged.Signatures) == len(ch.Participants) {
		if err := rs.chain.UpdateState(merged); err != nil {
			// A losing race with a higher-nonce state is expected here; the
			// participants re-sign at a new nonce.
			rs.logger.Sugar().Infow("Fully-signed state not accepted on-chain",
				"channel_id", ch.ChannelID.Hex(),
				"nonce", merged.State.Nonce,
				"error", err,
			)
			return
		}
		rs.hub.Prune(ch.ChannelID, merged.State.Nonce)
		rs.logger.Sugar().Infow("Channel state committed",
			"channel_id", ch.ChannelID.Hex(),
			"nonce", merged.State.Nonce,
		)
	}
}
