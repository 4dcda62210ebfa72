package inMemorySigner

import (
	"context"
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"
)

// InMemorySigner signs with a secp256k1 private key held in process memory.
// Suitable for tests and single-user deployments; production setups should
// prefer the AWS KMS signer.
type InMemorySigner struct {
	logger     *zap.Logger
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewInMemorySigner wraps an existing private key.
func NewInMemorySigner(key *ecdsa.PrivateKey, logger *zap.Logger) *InMemorySigner {
	return &InMemorySigner{
		logger:     logger,
		privateKey: key,
		address:    crypto.PubkeyToAddress(key.PublicKey),
	}
}

// NewInMemorySignerFromHex loads a private key from a hex string
// (with or without 0x prefix).
func NewInMemorySignerFromHex(hexKey string, logger *zap.Logger) (*InMemorySigner, error) {
	if len(hexKey) >= 2 && hexKey[:2] == "0x" {
		hexKey = hexKey[2:]
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("error loading private key: %w", err)
	}
	return NewInMemorySigner(key, logger), nil
}

// SignDigest signs the digest with the in-memory key.
func (s *InMemorySigner) SignDigest(_ context.Context, digest [32]byte) ([]byte, error) {
	sig, err := crypto.Sign(digest[:], s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign digest: %w", err)
	}
	return sig, nil
}

// Address returns the address derived from the key.
func (s *InMemorySigner) Address() common.Address {
	return s.address
}
