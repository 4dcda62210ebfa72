package types

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// MessageType tags every relay frame. The set is closed: anything outside it
// is dropped by the dispatcher.
type MessageType string

const (
	// MessageTypeRequest carries a method call and expects a response with
	// the same ID.
	MessageTypeRequest MessageType = "request"
	// MessageTypeResponse answers the request with the matching ID, carrying
	// either a result or an error.
	MessageTypeResponse MessageType = "response"
	// MessageTypeNotify is a relay-initiated push with no correlation ID.
	MessageTypeNotify MessageType = "notify"
)

// Relay method names.
const (
	MethodAuthRequest   = "auth_request"
	MethodAuthVerify    = "auth_verify"
	MethodAuthResume    = "auth_resume"
	MethodChannelCreate = "channel_create"
	MethodChannelGet    = "channel_get"
	MethodStatePropose  = "state_propose"
	MethodStateUpdate   = "state_update"
)

// Wire error codes returned by the relay.
const (
	ErrCodeParse           = 1
	ErrCodeUnauthenticated = 2
	ErrCodeAuthFailed      = 3
	ErrCodeUnknownMethod   = 4
	ErrCodeInvalidParams   = 5
	ErrCodeRateLimited     = 6
	ErrCodeInternal        = 7
)

// WireError is the structured error carried in a response frame.
type WireError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *WireError) Error() string {
	return fmt.Sprintf("relay error %d: %s", e.Code, e.Message)
}

// Envelope is the single frame format exchanged with the relay. Requests
// carry ID+Method+Params; responses carry ID plus Result or Error;
// notifications carry Method+Params with no ID.
type Envelope struct {
	ID     uint64          `json:"id,omitempty"`
	Type   MessageType     `json:"type"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *WireError      `json:"error,omitempty"`
}

// NewRequest builds a request envelope, marshaling params to JSON.
func NewRequest(id uint64, method string, params interface{}) (*Envelope, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s params: %w", method, err)
	}
	return &Envelope{ID: id, Type: MessageTypeRequest, Method: method, Params: raw}, nil
}

// NewResponse builds a success response for a request ID.
func NewResponse(id uint64, result interface{}) (*Envelope, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal response result: %w", err)
	}
	return &Envelope{ID: id, Type: MessageTypeResponse, Result: raw}, nil
}

// NewErrorResponse builds an error response for a request ID.
func NewErrorResponse(id uint64, code int, message string) *Envelope {
	return &Envelope{ID: id, Type: MessageTypeResponse, Error: &WireError{Code: code, Message: message}}
}

// NewNotification builds an uncorrelated push frame.
func NewNotification(method string, params interface{}) (*Envelope, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s notification: %w", method, err)
	}
	return &Envelope{Type: MessageTypeNotify, Method: method, Params: raw}, nil
}

// AuthRequestParams opens the challenge/response handshake.
type AuthRequestParams struct {
	Address common.Address `json:"address"`
}

// AuthChallenge is the relay's answer to auth_request. The client signs the
// challenge bound to its identity and returns it via auth_verify before
// ExpiresAt.
type AuthChallenge struct {
	Challenge string `json:"challenge"`
	ExpiresAt int64  `json:"expiresAt"`
}

// AuthVerifyParams completes the handshake with the signed challenge.
type AuthVerifyParams struct {
	Address   common.Address `json:"address"`
	Challenge string         `json:"challenge"`
	Signature hexutil.Bytes  `json:"signature"`
}

// AuthGrant is returned on successful authentication. ResumeToken lets the
// client skip the challenge step on reconnect until ExpiresAt.
type AuthGrant struct {
	Address     common.Address `json:"address"`
	ResumeToken string         `json:"resumeToken"`
	ExpiresAt   int64          `json:"expiresAt"`
}

// AuthResumeParams short-circuits authentication with a prior grant.
type AuthResumeParams struct {
	Token string `json:"token"`
}

// ChannelCreateParams asks the relay to open a channel on-chain.
type ChannelCreateParams struct {
	Participants []common.Address            `json:"participants"`
	Deposits     map[common.Address]*big.Int `json:"deposits"`
}

// ChannelGetParams fetches the on-chain record for a channel.
type ChannelGetParams struct {
	ChannelID common.Hash `json:"channelId"`
}

// StateProposeParams submits a (possibly partially) signed state for
// accumulation and broadcast. The relay routes signatures without validating
// the state itself; participants verify independently.
type StateProposeParams struct {
	Signed *SignedChannelState `json:"signed"`
}

// StateUpdateNotice is pushed to participants whenever the signature set for
// a proposed state grows.
type StateUpdateNotice struct {
	Signed *SignedChannelState `json:"signed"`
}
