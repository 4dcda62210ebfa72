package relayserver

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/tabchan/tabchan-go/pkg/types"
)

// Per-session request rate: sustained requests per second and burst.
const (
	sessionRateLimit = 20
	sessionRateBurst = 40
)

// session is one client connection. A session starts unauthenticated; only
// the auth_* methods are reachable until the handshake completes, after which
// the session is bound to a participant identity and registered for pushes.
type session struct {
	server  *RelayServer
	conn    *websocket.Conn
	logger  *zap.Logger
	limiter *rate.Limiter

	writeMu sync.Mutex

	mu            sync.Mutex
	authenticated bool
	identity      common.Address
}

func newSession(server *RelayServer, conn *websocket.Conn) *session {
	return &session{
		server:  server,
		conn:    conn,
		logger:  server.logger,
		limiter: rate.NewLimiter(rate.Limit(sessionRateLimit), sessionRateBurst),
	}
}

// run consumes frames until the connection drops. Gorilla's default ping
// handler answers client heartbeats with pongs; we only refresh the read
// deadline.
func (s *session) run() {
	defer func() {
		s.server.unregister(s)
		_ = s.conn.Close()
	}()

	grace := s.server.heartbeatGrace
	_ = s.conn.SetReadDeadline(time.Now().Add(grace))
	s.conn.SetPingHandler(func(appData string) error {
		_ = s.conn.SetReadDeadline(time.Now().Add(grace))
		deadline := time.Now().Add(time.Second)
		return s.conn.WriteControl(websocket.PongMessage, []byte(appData), deadline)
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.logger.Sugar().Debugw("Session read loop ended", "error", err)
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(grace))

		var env types.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.respondError(0, types.ErrCodeParse, "malformed frame")
			continue
		}
		if env.Type != types.MessageTypeRequest {
			// Clients have no business pushing notifications to the relay.
			s.logger.Sugar().Debugw("Dropping non-request frame", "type", env.Type)
			continue
		}
		s.route(&env)
	}
}

func (s *session) route(env *types.Envelope) {
	if !s.limiter.Allow() {
		s.respondError(env.ID, types.ErrCodeRateLimited, "request rate exceeded")
		return
	}

	switch env.Method {
	case types.MethodAuthRequest:
		s.handleAuthRequest(env)
	case types.MethodAuthVerify:
		s.handleAuthVerify(env)
	case types.MethodAuthResume:
		s.handleAuthResume(env)
	case types.MethodChannelCreate, types.MethodChannelGet, types.MethodStatePropose:
		if !s.isAuthenticated() {
			s.respondError(env.ID, types.ErrCodeUnauthenticated, "authenticate first")
			return
		}
		switch env.Method {
		case types.MethodChannelCreate:
			s.handleChannelCreate(env)
		case types.MethodChannelGet:
			s.handleChannelGet(env)
		case types.MethodStatePropose:
			s.handleStatePropose(env)
		}
	default:
		s.respondError(env.ID, types.ErrCodeUnknownMethod, fmt.Sprintf("unknown method: %s", env.Method))
	}
}

func (s *session) handleAuthRequest(env *types.Envelope) {
	var params types.AuthRequestParams
	if err := json.Unmarshal(env.Params, &params); err != nil {
		s.respondError(env.ID, types.ErrCodeInvalidParams, "malformed auth_request params")
		return
	}
	if params.Address == (common.Address{}) {
		s.respondError(env.ID, types.ErrCodeInvalidParams, "address is required")
		return
	}

	challenge := s.server.auth.IssueChallenge(params.Address)
	s.respond(env.ID, challenge)
}

func (s *session) handleAuthVerify(env *types.Envelope) {
	var params types.AuthVerifyParams
	if err := json.Unmarshal(env.Params, &params); err != nil {
		s.respondError(env.ID, types.ErrCodeInvalidParams, "malformed auth_verify params")
		return
	}

	if err := s.server.auth.VerifyChallenge(params.Address, params.Challenge, params.Signature); err != nil {
		s.logger.Sugar().Infow("Authentication rejected",
			"address", params.Address.Hex(),
			"error", err,
		)
		s.respondError(env.ID, types.ErrCodeAuthFailed, err.Error())
		return
	}
	s.grantAuth(env.ID, params.Address)
}

func (s *session) handleAuthResume(env *types.Envelope) {
	var params types.AuthResumeParams
	if err := json.Unmarshal(env.Params, &params); err != nil {
		s.respondError(env.ID, types.ErrCodeInvalidParams, "malformed auth_resume params")
		return
	}

	addr, err := s.server.auth.VerifyResumeToken(params.Token)
	if err != nil {
		s.logger.Sugar().Debugw("Session resumption rejected", "error", err)
		s.respondError(env.ID, types.ErrCodeAuthFailed, "resume token rejected")
		return
	}
	s.grantAuth(env.ID, addr)
}

// grantAuth completes authentication: binds the identity, registers for
// pushes, and responds with a fresh resume token.
func (s *session) grantAuth(requestID uint64, addr common.Address) {
	token, expiry, err := s.server.auth.IssueResumeToken(addr)
	if err != nil {
		s.logger.Sugar().Errorw("Failed to issue resume token", "error", err)
		s.respondError(requestID, types.ErrCodeInternal, "failed to issue resume token")
		return
	}

	s.mu.Lock()
	s.authenticated = true
	s.identity = addr
	s.mu.Unlock()

	s.server.register(s, addr)
	s.logger.Sugar().Infow("Session authenticated", "address", addr.Hex())

	s.respond(requestID, types.AuthGrant{
		Address:     addr,
		ResumeToken: token,
		ExpiresAt:   expiry.Unix(),
	})
}

func (s *session) handleChannelCreate(env *types.Envelope) {
	var params types.ChannelCreateParams
	if err := json.Unmarshal(env.Params, &params); err != nil {
		s.respondError(env.ID, types.ErrCodeInvalidParams, "malformed channel_create params")
		return
	}

	// Only a member of the proposed channel may create it.
	identity := s.currentIdentity()
	member := false
	for _, p := range params.Participants {
		if p == identity {
			member = true
			break
		}
	}
	if !member {
		s.respondError(env.ID, types.ErrCodeInvalidParams, "creator must be a channel participant")
		return
	}

	ch, err := s.server.chain.OpenChannel(params.Participants, params.Deposits)
	if err != nil {
		s.respondError(env.ID, types.ErrCodeInvalidParams, err.Error())
		return
	}
	s.respond(env.ID, ch)
}

func (s *session) handleChannelGet(env *types.Envelope) {
	var params types.ChannelGetParams
	if err := json.Unmarshal(env.Params, &params); err != nil {
		s.respondError(env.ID, types.ErrCodeInvalidParams, "malformed channel_get params")
		return
	}

	ch, err := s.server.chain.GetChannel(params.ChannelID)
	if err != nil {
		s.respondError(env.ID, types.ErrCodeInvalidParams, err.Error())
		return
	}
	s.respond(env.ID, ch)
}

func (s *session) handleStatePropose(env *types.Envelope) {
	var params types.StateProposeParams
	if err := json.Unmarshal(env.Params, &params); err != nil {
		s.respondError(env.ID, types.ErrCodeInvalidParams, "malformed state_propose params")
		return
	}
	if params.Signed == nil || params.Signed.State == nil {
		s.respondError(env.ID, types.ErrCodeInvalidParams, "signed state is required")
		return
	}

	ch, err := s.server.chain.GetChannel(params.Signed.State.ChannelID)
	if err != nil {
		s.respondError(env.ID, types.ErrCodeInvalidParams, err.Error())
		return
	}
	if !ch.IsParticipant(s.currentIdentity()) {
		s.respondError(env.ID, types.ErrCodeInvalidParams, "proposer is not a channel participant")
		return
	}

	merged, grew, err := s.server.hub.Merge(params.Signed, ch.Participants)
	if err != nil {
		s.respondError(env.ID, types.ErrCodeInvalidParams, err.Error())
		return
	}

	s.respond(env.ID, types.StateUpdateNotice{Signed: merged})

	if grew {
		s.server.onProposalGrowth(ch, merged)
	}
}

func (s *session) isAuthenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authenticated
}

func (s *session) currentIdentity() common.Address {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

func (s *session) respond(id uint64, result interface{}) {
	env, err := types.NewResponse(id, result)
	if err != nil {
		s.logger.Sugar().Errorw("Failed to build response", "error", err)
		env = types.NewErrorResponse(id, types.ErrCodeInternal, "failed to encode response")
	}
	s.send(env)
}

func (s *session) respondError(id uint64, code int, message string) {
	s.send(types.NewErrorResponse(id, code, message))
}

func (s *session) send(env *types.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		s.logger.Sugar().Errorw("Failed to marshal frame", "error", err)
		return
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.logger.Sugar().Debugw("Failed to write frame", "error", err)
	}
}
