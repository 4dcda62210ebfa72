package signer

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// ISigner is the signing capability injected into the client and the relay
// connection. Implementations hold the key material; callers only ever see
// digests and recoverable signatures.
//
// The client accepts a replacement signer at any time (wallet reconnects),
// so implementations must be safe for concurrent use.
type ISigner interface {
	// SignDigest signs a 32-byte digest, returning a 65-byte recoverable
	// signature [R || S || V] with V in {0,1}.
	SignDigest(ctx context.Context, digest [32]byte) ([]byte, error)

	// Address returns the address signatures recover to.
	Address() common.Address
}
