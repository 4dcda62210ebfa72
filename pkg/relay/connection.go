// Package relay maintains the client side of the relay connection protocol:
// a single logical duplex channel carrying correlated request/response frames
// and server pushes, with challenge/response authentication, heartbeat
// liveness, and bounded reconnection.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/tabchan/tabchan-go/pkg/config"
	"github.com/tabchan/tabchan-go/pkg/signer"
	"github.com/tabchan/tabchan-go/pkg/signing"
	"github.com/tabchan/tabchan-go/pkg/types"
)

// Phase is the connection session phase. Transitions are linear with a
// reset-to-Disconnected edge from any phase on transport failure.
type Phase string

const (
	PhaseDisconnected   Phase = "disconnected"
	PhaseConnecting     Phase = "connecting"
	PhaseConnected      Phase = "connected"
	PhaseAuthenticating Phase = "authenticating"
	PhaseAuthenticated  Phase = "authenticated"
)

var (
	// ErrSessionReset fails every request still pending when the transport
	// drops. Requests never survive across reconnects.
	ErrSessionReset = errors.New("relay session reset before response arrived")
	// ErrConnectionClosed is returned after a clean, caller-initiated close.
	ErrConnectionClosed = errors.New("relay connection closed")
	// ErrNotConnected is returned for operations requiring a live transport.
	ErrNotConnected = errors.New("relay connection is not established")
	// ErrNotAuthenticated is returned for operations requiring a completed
	// handshake.
	ErrNotAuthenticated = errors.New("relay connection is not authenticated")
	// ErrSequenceInFlight rejects a second concurrent connect/authenticate/
	// reconnect sequence; exactly one may run at a time.
	ErrSequenceInFlight = errors.New("another connect or authenticate sequence is in flight")
	// ErrReconnectExhausted is surfaced once the bounded reconnect attempts
	// are used up.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
)

// RetryConfig configures reconnection backoff.
type RetryConfig struct {
	MaxAttempts     int
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	BackoffMultiple float64
}

// DefaultRetryConfig provides default reconnect settings.
var DefaultRetryConfig = RetryConfig{
	MaxAttempts:     5,
	InitialBackoff:  500 * time.Millisecond,
	MaxBackoff:      30 * time.Second,
	BackoffMultiple: 2.0,
}

// Config holds relay connection construction parameters.
type Config struct {
	// RelayURL is the websocket endpoint, e.g. ws://relay:9000/ws. Required.
	RelayURL string

	Logger *zap.Logger

	ConnectTimeout    time.Duration
	AuthTimeout       time.Duration
	RequestTimeout    time.Duration
	HeartbeatInterval time.Duration
	// HeartbeatGrace is the maximum silence tolerated from the relay before
	// the transport is declared dead.
	HeartbeatGrace time.Duration

	Retry RetryConfig

	// OnTerminalFailure is invoked (at most once per exhaustion) when
	// automatic reconnection gives up. Optional.
	OnTerminalFailure func(error)
}

// Handler receives dispatched envelopes for a registered method.
type Handler func(env *types.Envelope)

type pendingResult struct {
	env *types.Envelope
	err error
}

// Connection is the single logical channel to the relay, shared by all
// channel operations of a client. Concurrent SendRequest calls are the
// expected mode; connect/authenticate/reconnect sequences are serialized.
type Connection struct {
	cfg    Config
	logger *zap.Logger

	nextID uint64 // atomic; never reset, so correlation ids are never reused

	mu             sync.Mutex
	phase          Phase
	conn           *websocket.Conn
	generation     uint64 // increments per transport; stale pump events are ignored
	sequenceActive bool
	closed         bool
	stopHeartbeat  chan struct{}

	// Authentication material, retained for automatic re-authentication.
	authSigner   signer.ISigner
	identity     common.Address
	resumeToken  string
	resumeExpiry time.Time

	pendingMu sync.Mutex
	pending   map[uint64]chan pendingResult

	handlerMu sync.Mutex
	handlers  map[string]Handler

	writeMu sync.Mutex
}

// NewConnection creates a relay connection in the Disconnected phase.
func NewConnection(cfg Config) (*Connection, error) {
	if cfg.RelayURL == "" {
		return nil, fmt.Errorf("relay URL is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = config.DefaultConnectTimeout
	}
	if cfg.AuthTimeout == 0 {
		cfg.AuthTimeout = config.DefaultAuthTimeout
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = config.DefaultRequestTimeout
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = config.DefaultHeartbeatInterval
	}
	if cfg.HeartbeatGrace == 0 {
		cfg.HeartbeatGrace = config.DefaultHeartbeatGrace
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = DefaultRetryConfig
	}

	return &Connection{
		cfg:      cfg,
		logger:   cfg.Logger,
		phase:    PhaseDisconnected,
		pending:  make(map[uint64]chan pendingResult),
		handlers: make(map[string]Handler),
	}, nil
}

// Phase returns the current session phase.
func (c *Connection) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// ResumeToken returns the current resume token and its expiry, if any.
func (c *Connection) ResumeToken() (string, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resumeToken, c.resumeExpiry
}

// Connect opens the transport and starts the heartbeat. Failing to reach the
// Connected phase within the connect timeout is a terminal failure for this
// attempt; Connect never retries internally.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnectionClosed
	}
	if c.sequenceActive {
		c.mu.Unlock()
		return ErrSequenceInFlight
	}
	if c.phase != PhaseDisconnected {
		c.mu.Unlock()
		return fmt.Errorf("cannot connect from phase %s", c.phase)
	}
	c.sequenceActive = true
	c.phase = PhaseConnecting
	c.mu.Unlock()

	err := c.establishTransport(ctx)

	c.mu.Lock()
	c.sequenceActive = false
	if err != nil {
		c.phase = PhaseDisconnected
	}
	c.mu.Unlock()
	return err
}

// establishTransport dials and wires the read/heartbeat pumps. Caller must
// hold the sequence.
func (c *Connection) establishTransport(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.ConnectTimeout}
	conn, _, err := dialer.DialContext(dialCtx, c.cfg.RelayURL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to relay at %s: %w", c.cfg.RelayURL, err)
	}

	c.mu.Lock()
	c.generation++
	gen := c.generation
	c.conn = conn
	c.phase = PhaseConnected
	c.stopHeartbeat = make(chan struct{})
	stop := c.stopHeartbeat
	c.mu.Unlock()

	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.HeartbeatGrace))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.cfg.HeartbeatGrace))
	})

	go c.readPump(conn, gen)
	go c.heartbeatLoop(conn, gen, stop)

	c.logger.Sugar().Debugw("Relay transport established", "url", c.cfg.RelayURL)
	return nil
}

// Authenticate runs the challenge/response handshake from the Connected
// phase. The signer and identity are retained so reconnects can
// re-authenticate automatically. A timeout is a hard failure; the session is
// never silently treated as authenticated.
func (c *Connection) Authenticate(ctx context.Context, s signer.ISigner) error {
	if s == nil {
		return fmt.Errorf("signer is required")
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnectionClosed
	}
	if c.sequenceActive {
		c.mu.Unlock()
		return ErrSequenceInFlight
	}
	if c.phase != PhaseConnected {
		c.mu.Unlock()
		return errors.Wrapf(ErrNotConnected, "cannot authenticate from phase %s", c.phase)
	}
	c.sequenceActive = true
	c.phase = PhaseAuthenticating
	c.authSigner = s
	c.identity = s.Address()
	c.mu.Unlock()

	authCtx, cancel := context.WithTimeout(ctx, c.cfg.AuthTimeout)
	defer cancel()

	err := c.runChallengeHandshake(authCtx, s)

	c.mu.Lock()
	c.sequenceActive = false
	if err != nil {
		// Transport failures already reset the phase; an auth rejection on a
		// live transport leaves the session Connected for another attempt.
		if c.phase == PhaseAuthenticating {
			c.phase = PhaseConnected
		}
	} else {
		c.phase = PhaseAuthenticated
	}
	c.mu.Unlock()

	if err != nil {
		return fmt.Errorf("authentication failed: %w", err)
	}
	return nil
}

func (c *Connection) runChallengeHandshake(ctx context.Context, s signer.ISigner) error {
	identity := s.Address()

	raw, err := c.SendRequest(ctx, types.MethodAuthRequest, types.AuthRequestParams{Address: identity})
	if err != nil {
		return err
	}
	var challenge types.AuthChallenge
	if err := json.Unmarshal(raw, &challenge); err != nil {
		return fmt.Errorf("malformed auth challenge: %w", err)
	}

	digest := signing.EncodeAuthChallenge(identity, challenge.Challenge)
	sig, err := s.SignDigest(ctx, digest)
	if err != nil {
		return fmt.Errorf("failed to sign auth challenge: %w", err)
	}

	raw, err = c.SendRequest(ctx, types.MethodAuthVerify, types.AuthVerifyParams{
		Address:   identity,
		Challenge: challenge.Challenge,
		Signature: sig,
	})
	if err != nil {
		return err
	}
	return c.acceptGrant(raw)
}

func (c *Connection) acceptGrant(raw json.RawMessage) error {
	var grant types.AuthGrant
	if err := json.Unmarshal(raw, &grant); err != nil {
		return fmt.Errorf("malformed auth grant: %w", err)
	}
	if grant.ResumeToken == "" {
		return fmt.Errorf("auth grant carried no resume token")
	}

	c.mu.Lock()
	c.resumeToken = grant.ResumeToken
	c.resumeExpiry = time.Unix(grant.ExpiresAt, 0)
	c.mu.Unlock()

	c.logger.Sugar().Infow("Relay session authenticated",
		"address", grant.Address.Hex(),
		"token_expiry", time.Unix(grant.ExpiresAt, 0),
	)
	return nil
}

// SendRequest issues a correlated request and waits for the matching
// response. Safe for concurrent use; responses may arrive out of order.
// A session reset fails the call immediately rather than leaving it hanging,
// and its correlation id is never reused.
func (c *Connection) SendRequest(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	if c.conn == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	c.mu.Unlock()

	id := atomic.AddUint64(&c.nextID, 1)
	env, err := types.NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}

	ch := make(chan pendingResult, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	if err := c.writeEnvelope(env); err != nil {
		c.removePending(id)
		return nil, fmt.Errorf("failed to send %s request: %w", method, err)
	}

	timer := time.NewTimer(c.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		if res.env.Error != nil {
			return nil, res.env.Error
		}
		return res.env.Result, nil
	case <-ctx.Done():
		c.removePending(id)
		return nil, fmt.Errorf("%s request canceled: %w", method, ctx.Err())
	case <-timer.C:
		c.removePending(id)
		return nil, fmt.Errorf("%s request timed out after %s", method, c.cfg.RequestTimeout)
	}
}

// RegisterHandler installs the handler for a method route. At most one
// handler exists per method; registering replaces the previous one.
func (c *Connection) RegisterHandler(method string, h Handler) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	if h == nil {
		delete(c.handlers, method)
		return
	}
	c.handlers[method] = h
}

// Close cleanly shuts the connection down. No reconnect is attempted for a
// caller-initiated close.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.phase = PhaseDisconnected
	conn := c.conn
	c.conn = nil
	if c.stopHeartbeat != nil {
		close(c.stopHeartbeat)
		c.stopHeartbeat = nil
	}
	c.mu.Unlock()

	c.failPending(ErrConnectionClosed)

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		return conn.Close()
	}
	return nil
}

func (c *Connection) writeEnvelope(env *types.Envelope) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Connection) removePending(id uint64) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

// failPending resolves every in-flight request with err and clears the map.
func (c *Connection) failPending(err error) {
	c.pendingMu.Lock()
	pending := c.pending
	c.pending = make(map[uint64]chan pendingResult)
	c.pendingMu.Unlock()

	for _, ch := range pending {
		ch <- pendingResult{err: err}
	}
}

// readPump consumes frames until the transport dies, then triggers the
// disconnect path for its generation.
func (c *Connection) readPump(conn *websocket.Conn, gen uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(gen, err)
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(c.cfg.HeartbeatGrace))

		var env types.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Sugar().Warnw("Dropping malformed relay frame", "error", err)
			continue
		}
		c.dispatch(&env)
	}
}

// dispatch routes a frame: correlation id first, then method handler, else
// log and drop.
func (c *Connection) dispatch(env *types.Envelope) {
	if env.Type == types.MessageTypeResponse {
		c.pendingMu.Lock()
		ch, ok := c.pending[env.ID]
		if ok {
			delete(c.pending, env.ID)
		}
		c.pendingMu.Unlock()

		if ok {
			ch <- pendingResult{env: env}
		} else {
			// Timed-out or reset requests clean their entries; a late
			// response has nowhere to go.
			c.logger.Sugar().Debugw("Dropping uncorrelated response", "id", env.ID)
		}
		return
	}

	c.handlerMu.Lock()
	h := c.handlers[env.Method]
	c.handlerMu.Unlock()

	if h == nil {
		c.logger.Sugar().Debugw("Dropping unhandled relay message",
			"type", env.Type, "method", env.Method)
		return
	}
	// Handlers may issue requests of their own; never run them on the read
	// loop.
	go h(env)
}

func (c *Connection) heartbeatLoop(conn *websocket.Conn, gen uint64, stop chan struct{}) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.cfg.HeartbeatInterval / 2)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.logger.Sugar().Debugw("Heartbeat write failed", "error", err)
				_ = conn.Close() // read pump observes the failure
				return
			}
		}
	}
}

// handleDisconnect resets the session after a transport failure and kicks off
// reconnection unless the close was caller-initiated.
func (c *Connection) handleDisconnect(gen uint64, cause error) {
	c.mu.Lock()
	if gen != c.generation {
		// A newer transport already replaced this one.
		c.mu.Unlock()
		return
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	if c.stopHeartbeat != nil {
		close(c.stopHeartbeat)
		c.stopHeartbeat = nil
	}
	c.phase = PhaseDisconnected
	wasClean := c.closed
	startReconnect := !wasClean && !c.sequenceActive && c.authSigner != nil
	if startReconnect {
		c.sequenceActive = true
	}
	c.mu.Unlock()

	c.failPending(errors.Wrapf(ErrSessionReset, "transport dropped: %v", cause))

	if wasClean {
		return
	}

	c.logger.Sugar().Warnw("Relay transport dropped", "error", cause)
	if startReconnect {
		go c.reconnectLoop()
	}
}

// reconnectLoop runs the bounded backoff reconnect sequence. If a valid
// resume token is held, resumption is attempted before the full handshake.
// Exhausting the attempts leaves the session Disconnected and surfaces a
// terminal error; it never loops forever.
func (c *Connection) reconnectLoop() {
	defer func() {
		c.mu.Lock()
		c.sequenceActive = false
		c.mu.Unlock()
	}()

	backoff := c.cfg.Retry.InitialBackoff
	var lastErr error

	for attempt := 1; attempt <= c.cfg.Retry.MaxAttempts; attempt++ {
		time.Sleep(backoff)
		backoff = time.Duration(float64(backoff) * c.cfg.Retry.BackoffMultiple)
		if backoff > c.cfg.Retry.MaxBackoff {
			backoff = c.cfg.Retry.MaxBackoff
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.phase = PhaseConnecting
		c.mu.Unlock()

		lastErr = c.attemptReconnect()
		if lastErr == nil {
			c.logger.Sugar().Infow("Relay session restored", "attempt", attempt)
			return
		}
		c.logger.Sugar().Warnw("Reconnect attempt failed",
			"attempt", attempt,
			"max_attempts", c.cfg.Retry.MaxAttempts,
			"error", lastErr,
		)

		c.mu.Lock()
		c.phase = PhaseDisconnected
		c.mu.Unlock()
	}

	err := errors.Wrapf(ErrReconnectExhausted, "after %d attempts: %v", c.cfg.Retry.MaxAttempts, lastErr)
	c.logger.Sugar().Errorw("Reconnect exhausted; session is down", "error", err)
	if c.cfg.OnTerminalFailure != nil {
		c.cfg.OnTerminalFailure(err)
	}
}

func (c *Connection) attemptReconnect() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ConnectTimeout+c.cfg.AuthTimeout)
	defer cancel()

	if err := c.establishTransport(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	c.phase = PhaseAuthenticating
	token := c.resumeToken
	expiry := c.resumeExpiry
	s := c.authSigner
	c.mu.Unlock()

	// Resume fast path: skip the challenge exchange while the token lives.
	if token != "" && time.Now().Before(expiry) {
		raw, err := c.SendRequest(ctx, types.MethodAuthResume, types.AuthResumeParams{Token: token})
		if err == nil {
			if err := c.acceptGrant(raw); err == nil {
				c.mu.Lock()
				c.phase = PhaseAuthenticated
				c.mu.Unlock()
				return nil
			}
		}
		c.logger.Sugar().Debugw("Session resumption rejected; falling back to full handshake", "error", err)
	}

	if err := c.runChallengeHandshake(ctx, s); err != nil {
		c.mu.Lock()
		if c.conn != nil {
			_ = c.conn.Close()
		}
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	c.phase = PhaseAuthenticated
	c.mu.Unlock()
	return nil
}
