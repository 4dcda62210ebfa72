package ledger

import "github.com/pkg/errors"

// Protocol violations. Rejections are synchronous and non-retryable with the
// same arguments; the caller must change its inputs (e.g. fetch the current
// nonce) before trying again.
var (
	ErrNonceTooLow          = errors.New("state nonce is not strictly greater than channel nonce")
	ErrBalancesNotZeroSum   = errors.New("balance deltas do not sum to zero")
	ErrBalanceCountMismatch = errors.New("balance count does not match participant count")
	ErrInvalidSignatureSet  = errors.New("signature set is incomplete, duplicated, or recovers to non-participants")
	ErrStateHashMismatch    = errors.New("state hash does not commit to channel id, nonce and balances")
	ErrChannelIDMismatch    = errors.New("state channel id does not match channel")
)

// Lifecycle violations.
var (
	ErrChannelNotFound   = errors.New("channel not found")
	ErrChannelExists     = errors.New("channel already exists")
	ErrChannelClosed     = errors.New("channel is closed")
	ErrChannelNotOpen    = errors.New("channel is not open")
	ErrDisputeWindowOpen = errors.New("dispute window has not elapsed")
	ErrTimeoutNotReached = errors.New("channel timeout has not been reached")
)

// Resource exhaustion at creation time. No retry path; the caller must change
// its inputs.
var (
	ErrTooFewParticipants     = errors.New("channel requires at least 2 participants")
	ErrTooManyParticipants    = errors.New("channel allows at most 50 participants")
	ErrDuplicateParticipant   = errors.New("duplicate participant address")
	ErrZeroAddressParticipant = errors.New("participant address cannot be the zero address")
	ErrNegativeDeposit        = errors.New("deposit cannot be negative")
	ErrZeroTotalDeposit       = errors.New("total deposit must be greater than zero")
)
