package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"attestation-ledger/models"
)

const (
	StateVersion = "1.0.0"

	StateKey = "state"
	ChainKey = "chain"
)

// Metadata seals a persisted envelope. Checksum is the sha256 of the
// envelope serialized with an empty checksum.
type Metadata struct {
	Version   string `json:"version"`
	Timestamp int64  `json:"timestamp"`
	Checksum  string `json:"checksum"`
}

// State is the persisted profile plus the transaction history.
type State struct {
	Profile      *models.Profile       `json:"profile"`
	Transactions []*models.Transaction `json:"transactions"`
	Metadata     Metadata              `json:"metadata"`
}

// ChainState is the persisted block list.
type ChainState struct {
	Blocks   []*models.Block `json:"blocks"`
	Metadata Metadata        `json:"metadata"`
}

func SaveState(kv KV, profile *models.Profile, txs []*models.Transaction, now int64) error {
	st := &State{
		Profile:      profile,
		Transactions: txs,
		Metadata:     Metadata{Version: StateVersion, Timestamp: now},
	}
	data, err := seal(st, &st.Metadata)
	if err != nil {
		return fmt.Errorf("seal state: %w", err)
	}
	return kv.Save(StateKey, string(data))
}

// LoadState reads the state envelope and refuses it unless the checksum
// matches.
func LoadState(kv KV) (*State, error) {
	var st State
	if err := open(kv, StateKey, &st, &st.Metadata); err != nil {
		return nil, err
	}
	return &st, nil
}

func SaveChain(kv KV, blocks []*models.Block, now int64) error {
	cs := &ChainState{
		Blocks:   blocks,
		Metadata: Metadata{Version: StateVersion, Timestamp: now},
	}
	data, err := seal(cs, &cs.Metadata)
	if err != nil {
		return fmt.Errorf("seal chain: %w", err)
	}
	return kv.Save(ChainKey, string(data))
}

func LoadChain(kv KV) ([]*models.Block, error) {
	var cs ChainState
	if err := open(kv, ChainKey, &cs, &cs.Metadata); err != nil {
		return nil, err
	}
	return cs.Blocks, nil
}

func checksum(v interface{}, meta *Metadata) (string, error) {
	saved := meta.Checksum
	meta.Checksum = ""
	data, err := json.Marshal(v)
	meta.Checksum = saved
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func seal(v interface{}, meta *Metadata) ([]byte, error) {
	sum, err := checksum(v, meta)
	if err != nil {
		return nil, err
	}
	meta.Checksum = sum
	return json.Marshal(v)
}

func open(kv KV, key string, v interface{}, meta *Metadata) error {
	text, err := kv.Load(key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(text), v); err != nil {
		if errors.Is(err, models.ErrFormat) {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		return fmt.Errorf("%w: decode %s: %v", models.ErrFormat, key, err)
	}
	if meta.Version != StateVersion {
		return fmt.Errorf("%w: %s version %q", models.ErrFormat, key, meta.Version)
	}
	sum, err := checksum(v, meta)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", models.ErrFormat, key, err)
	}
	if sum != meta.Checksum {
		return fmt.Errorf("%w: %s checksum %s, computed %s", models.ErrIntegrity, key, meta.Checksum, sum)
	}
	return nil
}
