package awsKmsSigner

import (
	"context"
	cryptoEcdsa "crypto/ecdsa"
	"encoding/asn1"
	"fmt"
	"math/big"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// AWSKMSSigner implements signer.ISigner against an AWS KMS key with the
// ECC_SECG_P256K1 spec. The key never leaves KMS; signatures are requested
// per digest and converted to the recoverable [R || S || V] form.
type AWSKMSSigner struct {
	logger    *zap.Logger
	kmsClient *kms.Client
	keyId     string
	publicKey *cryptoEcdsa.PublicKey
	address   common.Address
}

// NewAWSKMSSigner resolves the public key for keyId and caches the derived
// address. Fails fast if the key is not a secp256k1 signing key.
func NewAWSKMSSigner(ctx context.Context, awsCfg aws.Config, keyId string, logger *zap.Logger) (*AWSKMSSigner, error) {
	kmsClient := kms.NewFromConfig(awsCfg)

	out, err := kmsClient.GetPublicKey(ctx, &kms.GetPublicKeyInput{KeyId: aws.String(keyId)})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get public key for key %s", keyId)
	}

	pubKey, err := parseECDSAPublicKey(out.PublicKey)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse public key for key %s", keyId)
	}

	return &AWSKMSSigner{
		logger:    logger,
		kmsClient: kmsClient,
		keyId:     keyId,
		publicKey: pubKey,
		address:   crypto.PubkeyToAddress(*pubKey),
	}, nil
}

// NewAWSKMSSignerFromEnv builds the signer with the default AWS config chain
// (env vars, shared config, instance role).
func NewAWSKMSSignerFromEnv(ctx context.Context, region string, keyId string, logger *zap.Logger) (*AWSKMSSigner, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewAWSKMSSigner(ctx, awsCfg, keyId, logger)
}

// Address returns the address derived from the KMS public key.
func (s *AWSKMSSigner) Address() common.Address {
	return s.address
}

// SignDigest signs the digest in KMS and normalizes the DER output to a
// recoverable signature with V in {0,1}.
func (s *AWSKMSSigner) SignDigest(ctx context.Context, digest [32]byte) ([]byte, error) {
	signOutput, err := s.kmsClient.Sign(ctx, &kms.SignInput{
		KeyId:            aws.String(s.keyId),
		Message:          digest[:],
		SigningAlgorithm: kmstypes.SigningAlgorithmSpecEcdsaSha256,
		MessageType:      kmstypes.MessageTypeDigest,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "kms sign failed for key %s", s.keyId)
	}

	var sigAsn1 asn1EcSig
	if _, err := asn1.Unmarshal(signOutput.Signature, &sigAsn1); err != nil {
		return nil, fmt.Errorf("failed to parse DER signature: %w", err)
	}

	r := new(big.Int).SetBytes(sigAsn1.R.Bytes)
	sv := new(big.Int).SetBytes(sigAsn1.S.Bytes)

	// Low-S canonicalization for malleability protection.
	curveOrder, _ := new(big.Int).SetString("FFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFEBAAEDCE6AF48A03BBFD25E8CD0364141", 16)
	halfOrder := new(big.Int).Rsh(curveOrder, 1)
	if sv.Cmp(halfOrder) > 0 {
		sv = new(big.Int).Sub(curveOrder, sv)
	}

	rBytes := r.FillBytes(make([]byte, 32))
	sBytes := sv.FillBytes(make([]byte, 32))

	// KMS does not return the recovery ID; find it by trial recovery.
	for recoveryId := 0; recoveryId < 4; recoveryId++ {
		sig := make([]byte, 65)
		copy(sig[0:32], rBytes)
		copy(sig[32:64], sBytes)
		sig[64] = byte(recoveryId)

		recoveredBytes, err := crypto.Ecrecover(digest[:], sig)
		if err != nil {
			s.logger.Debug("Ecrecover failed", zap.Int("recoveryId", recoveryId), zap.Error(err))
			continue
		}
		recovered, err := crypto.UnmarshalPubkey(recoveredBytes)
		if err != nil {
			continue
		}
		if recovered.X.Cmp(s.publicKey.X) == 0 && recovered.Y.Cmp(s.publicKey.Y) == 0 {
			return sig, nil
		}
	}

	return nil, fmt.Errorf("could not determine valid recovery ID for key %s", s.keyId)
}

// ASN.1 structures for KMS DER-encoded keys and signatures.
type asn1EcSig struct {
	R asn1.RawValue
	S asn1.RawValue
}

type asn1EcPublicKey struct {
	EcPublicKeyInfo asn1EcPublicKeyInfo
	PublicKey       asn1.BitString
}

type asn1EcPublicKeyInfo struct {
	Algorithm  asn1.ObjectIdentifier
	Parameters asn1.ObjectIdentifier
}

func parseECDSAPublicKey(derBytes []byte) (*cryptoEcdsa.PublicKey, error) {
	var asn1pubk asn1EcPublicKey
	if _, err := asn1.Unmarshal(derBytes, &asn1pubk); err != nil {
		return nil, fmt.Errorf("failed to parse ASN.1 public key: %w", err)
	}
	return crypto.UnmarshalPubkey(asn1pubk.PublicKey.Bytes)
}
