package syncproto

import (
	"encoding/json"
	"fmt"

	"attestation-ledger/models"
)

// TransferVersion is the version of the bulk transfer file forms.
const TransferVersion = "1.0"

const fullBackupType = "full"

// TransferFile is the fallback when visual transfer is impractical. The diff
// form carries Diff and Metadata; the full backup form carries Type "full"
// and a compressed diff from time zero.
type TransferFile struct {
	Version    string            `json:"version"`
	Type       string            `json:"type,omitempty"`
	Exported   int64             `json:"exported,omitempty"`
	DeviceID   string            `json:"deviceId,omitempty"`
	Diff       *models.SyncDiff  `json:"diff,omitempty"`
	Metadata   *TransferMetadata `json:"metadata,omitempty"`
	Compressed string            `json:"compressed,omitempty"`
}

type TransferMetadata struct {
	TransactionCount int   `json:"transactionCount"`
	BlockCount       int   `json:"blockCount"`
	FromTimestamp    int64 `json:"fromTimestamp"`
	ToTimestamp      int64 `json:"toTimestamp"`
}

func ExportFile(diff *models.SyncDiff, deviceID string, now int64) ([]byte, error) {
	if diff == nil {
		return nil, fmt.Errorf("%w: nil diff", models.ErrFormat)
	}
	return json.MarshalIndent(TransferFile{
		Version:  TransferVersion,
		Exported: now,
		DeviceID: deviceID,
		Diff:     diff,
		Metadata: &TransferMetadata{
			TransactionCount: len(diff.Transactions),
			BlockCount:       len(diff.BlockHashes),
			FromTimestamp:    diff.FromTimestamp,
			ToTimestamp:      diff.ToTimestamp,
		},
	}, "", "  ")
}

// ExportFullBackup writes the full backup form. diff should start at zero.
func ExportFullBackup(c *Compressor, diff *models.SyncDiff) ([]byte, error) {
	compressed, err := c.Compress(diff)
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(TransferFile{
		Version:    TransferVersion,
		Type:       fullBackupType,
		Compressed: compressed,
	}, "", "  ")
}

// ImportFile reads either file form back into a diff.
func ImportFile(c *Compressor, data []byte) (*models.SyncDiff, error) {
	var f TransferFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: transfer file: %v", models.ErrFormat, err)
	}
	if f.Version != TransferVersion {
		return nil, fmt.Errorf("%w: unsupported transfer file version %q", models.ErrFormat, f.Version)
	}

	if f.Type == fullBackupType {
		if f.Compressed == "" {
			return nil, fmt.Errorf("%w: full backup without payload", models.ErrFormat)
		}
		return c.Decompress(f.Compressed)
	}
	if f.Diff == nil {
		return nil, fmt.Errorf("%w: transfer file without diff", models.ErrFormat)
	}
	if f.Diff.Version != models.SyncDiffVersion {
		return nil, fmt.Errorf("%w: unsupported diff version %q", models.ErrFormat, f.Diff.Version)
	}
	return f.Diff, nil
}
