package models

// SyncDiffVersion is the only diff version this build understands.
const SyncDiffVersion = "1.0.0"

type SyncDiff struct {
	FromTimestamp int64          `json:"fromTimestamp"`
	ToTimestamp   int64          `json:"toTimestamp"`
	Transactions  []*Transaction `json:"transactions"`
	BlockHashes   []string       `json:"blockHashes"`
	Version       string         `json:"version"`
}

// QRChunk is one slice of a compressed diff. Checksum covers the full
// reassembled payload and is identical across all chunks of a session.
type QRChunk struct {
	SyncID   string `json:"syncId"`
	Index    int    `json:"index"`
	Total    int    `json:"total"`
	Data     string `json:"data"`
	Checksum string `json:"checksum"`
}

type ConflictType string

const (
	ConflictDuplicate        ConflictType = "duplicate"
	ConflictInvalidSignature ConflictType = "invalid_signature"
	ConflictRateLimit        ConflictType = "rate_limit"
	ConflictValidation       ConflictType = "validation"
)

type Conflict struct {
	TxHash string       `json:"txHash"`
	Type   ConflictType `json:"type"`
	Reason string       `json:"reason"`
}

type MergeResult struct {
	AddedTransactions    int                `json:"addedTransactions"`
	UpdatedDistributions []string           `json:"updatedDistributions"`
	ReputationChanges    map[string]float64 `json:"reputationChanges"`
	Conflicts            []Conflict         `json:"conflicts"`
	Success              bool               `json:"success"`
}
