package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// DifficultyPrefix is the proof-of-work target every block hash must carry.
	DifficultyPrefix = "00"
	// GenesisPrevHash is the sentinel predecessor of the genesis block.
	GenesisPrevHash = "0"
)

type Block struct {
	Index        uint64         `json:"index"`
	Timestamp    int64          `json:"timestamp"` // unix milliseconds
	Transactions []*Transaction `json:"transactions"`
	PrevHash     string         `json:"prevHash"`
	Hash         string         `json:"hash"`
	Nonce        uint64         `json:"nonce"`
}

func NewBlock(index uint64, timestamp int64, txs []*Transaction, prevHash string) *Block {
	if txs == nil {
		txs = []*Transaction{}
	}
	block := &Block{
		Index:        index,
		Timestamp:    timestamp,
		Transactions: txs,
		PrevHash:     prevHash,
	}

	block.Mine() // Always perform mining
	return block
}

// NewGenesisBlock returns the deterministic genesis block shared by every device.
func NewGenesisBlock() *Block {
	return NewBlock(0, 0, nil, GenesisPrevHash)
}

func (b *Block) Mine() {
	var nonce uint64
	for {
		b.Nonce = nonce
		b.Hash = b.CalculateHash()

		if strings.HasPrefix(b.Hash, DifficultyPrefix) {
			return
		}

		nonce++
		if nonce%1000 == 0 {
			time.Sleep(time.Microsecond) // Prevent CPU hogging
		}
	}
}

// CalculateHash computes H(prevHash‖timestamp‖transactions‖nonce).
func (b *Block) CalculateHash() string {
	txs, err := json.Marshal(b.Transactions)
	if err != nil {
		// Transactions are plain data; a marshal failure yields a hash that can never validate.
		return ""
	}

	var sb strings.Builder
	sb.WriteString(b.PrevHash)
	sb.WriteString(strconv.FormatInt(b.Timestamp, 10))
	sb.Write(txs)
	sb.WriteString(strconv.FormatUint(b.Nonce, 10))

	hash := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(hash[:])
}

// Validate checks hash recomputation and the proof-of-work prefix.
func (b *Block) Validate() error {
	calculatedHash := b.CalculateHash()
	if calculatedHash == "" || calculatedHash != b.Hash {
		return fmt.Errorf("%w: block %d hash mismatch: stored %s, calculated %s",
			ErrValidation, b.Index, b.Hash, calculatedHash)
	}

	if !strings.HasPrefix(b.Hash, DifficultyPrefix) {
		return fmt.Errorf("%w: block %d hash %s lacks proof-of-work prefix", ErrValidation, b.Index, b.Hash)
	}
	return nil
}

// ValidateLink checks that b correctly follows prev. A nil prev means b must be
// a genesis block.
func (b *Block) ValidateLink(prev *Block) error {
	if prev == nil {
		if b.PrevHash != GenesisPrevHash || b.Index != 0 {
			return fmt.Errorf("%w: block %d is not a genesis block", ErrValidation, b.Index)
		}
		return nil
	}

	if b.PrevHash != prev.Hash {
		return fmt.Errorf("%w: block %d has invalid previous hash link", ErrValidation, b.Index)
	}

	if b.Index != prev.Index+1 {
		return fmt.Errorf("%w: block %d has invalid index, previous is %d", ErrValidation, b.Index, prev.Index)
	}

	if b.Timestamp <= prev.Timestamp {
		return fmt.Errorf("%w: block %d has invalid timestamp", ErrValidation, b.Index)
	}
	return nil
}
