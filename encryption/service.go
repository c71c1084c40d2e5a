package encryption

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"golang.org/x/crypto/sha3"

	"attestation-ledger/models"
)

type CryptoService struct{}

func NewCryptoService() *CryptoService {
	return &CryptoService{}
}

// GenerateKeyPair generates a new secp256k1 key pair
func (cs *CryptoService) GenerateKeyPair() (*ecdsa.PrivateKey, error) {
	return crypto.GenerateKey()
}

// PubkeyHex serializes a public key to its uncompressed hex form.
func (cs *CryptoService) PubkeyHex(pub *ecdsa.PublicKey) string {
	if pub == nil || pub.X == nil || pub.Y == nil {
		return ""
	}
	return hex.EncodeToString(crypto.FromECDSAPub(pub))
}

// PrivateKeyHex exports a private key as 0x-prefixed hex.
func (cs *CryptoService) PrivateKeyHex(priv *ecdsa.PrivateKey) string {
	return hexutil.Encode(crypto.FromECDSA(priv))
}

// Keccak256 computes Keccak-256 hash
func (cs *CryptoService) Keccak256(data ...[]byte) []byte {
	d := sha3.NewLegacyKeccak256()
	for _, b := range data {
		d.Write(b)
	}
	return d.Sum(nil)
}

// Hash returns the hex SHA-256 digest used for transaction hashes and payload
// checksums.
func (cs *CryptoService) Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Sign creates a hex recoverable signature of message.
func (cs *CryptoService) Sign(message []byte, privateKey *ecdsa.PrivateKey) (string, error) {
	sig, err := crypto.Sign(cs.Keccak256(message), privateKey)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sig), nil
}

// Verify reports whether signature was produced over message by the holder of pubkey.
func (cs *CryptoService) Verify(signature, pubkey string, message []byte) bool {
	sig, err := hex.DecodeString(signature)
	if err != nil || len(sig) != crypto.SignatureLength {
		return false
	}
	pub, err := hex.DecodeString(pubkey)
	if err != nil {
		return false
	}

	sigPublicKey, err := crypto.SigToPub(cs.Keccak256(message), sig)
	if err != nil {
		return false
	}
	return bytes.Equal(crypto.FromECDSAPub(sigPublicKey), pub)
}

// NewTransaction builds, hashes and signs a transaction carrying payload.
func (cs *CryptoService) NewTransaction(payload models.Payload, privateKey *ecdsa.PrivateKey, timestamp int64) (*models.Transaction, error) {
	tx := &models.Transaction{
		TxType:    payload.TxType(),
		Timestamp: timestamp,
		Data:      payload,
		Nonce:     uuid.New().String(),
	}
	if err := tx.CheckPayload(); err != nil {
		return nil, err
	}
	if err := cs.SignTransaction(tx, privateKey); err != nil {
		return nil, err
	}
	return tx, nil
}

// SignTransaction stamps the attester key, hash and signature onto tx.
func (cs *CryptoService) SignTransaction(tx *models.Transaction, privateKey *ecdsa.PrivateKey) error {
	tx.AttesterPubkey = cs.PubkeyHex(&privateKey.PublicKey)

	message, err := tx.CanonicalBytes()
	if err != nil {
		return fmt.Errorf("failed to canonicalize transaction: %w", err)
	}
	tx.Hash = cs.Hash(message)

	tx.Signature, err = cs.Sign(message, privateKey)
	if err != nil {
		return fmt.Errorf("failed to sign transaction: %w", err)
	}
	return nil
}

// VerifyTransaction recomputes the hash and checks the signature. Failures wrap
// models.ErrValidation.
func (cs *CryptoService) VerifyTransaction(tx *models.Transaction) error {
	if err := tx.CheckPayload(); err != nil {
		return fmt.Errorf("%w: %v", models.ErrValidation, err)
	}

	message, err := tx.CanonicalBytes()
	if err != nil {
		return fmt.Errorf("%w: transaction %s: %v", models.ErrValidation, tx.Hash, err)
	}
	if cs.Hash(message) != tx.Hash {
		return fmt.Errorf("%w: transaction %s hash mismatch", models.ErrValidation, tx.Hash)
	}
	if !cs.Verify(tx.Signature, tx.AttesterPubkey, message) {
		return fmt.Errorf("%w: transaction %s: %w", models.ErrValidation, tx.Hash, ErrInvalidSignature)
	}
	return nil
}

// ParsePrivateKey helper function
func ParsePrivateKey(keyStr string) (*ecdsa.PrivateKey, error) {
	// Remove "0x" prefix if present
	keyStr = strings.TrimPrefix(keyStr, "0x")

	keyBytes, err := hex.DecodeString(keyStr)
	if err != nil {
		return nil, fmt.Errorf("failed to decode private key hex string: %w", err)
	}

	privateKey, err := crypto.ToECDSA(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	return privateKey, nil
}
