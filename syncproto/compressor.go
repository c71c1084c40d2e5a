// Package syncproto moves ledger diffs between devices over a visual
// transport: compression, checksummed chunking, a cycling sender, a
// scanning receiver and the merge back into the local ledger.
package syncproto

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"attestation-ledger/models"
)

// MaxPayloadSize bounds a decompressed diff.
const MaxPayloadSize = 64 << 20

var (
	ErrStopped          = errors.New("syncproto: stopped")
	ErrSessionCancelled = errors.New("syncproto: session cancelled")
)

// Compressor turns a SyncDiff into a compact printable string and back.
type Compressor struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func NewCompressor() (*Compressor, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBestCompression))
	if err != nil {
		return nil, err
	}
	decoder, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxPayloadSize))
	if err != nil {
		return nil, err
	}
	return &Compressor{encoder: encoder, decoder: decoder}, nil
}

func (c *Compressor) Compress(diff *models.SyncDiff) (string, error) {
	if diff == nil {
		return "", fmt.Errorf("%w: nil diff", models.ErrFormat)
	}
	raw, err := json.Marshal(diff)
	if err != nil {
		return "", fmt.Errorf("%w: encode diff: %v", models.ErrFormat, err)
	}
	return base64.StdEncoding.EncodeToString(c.encoder.EncodeAll(raw, nil)), nil
}

// Decompress reverses Compress and rejects diffs of another version.
func (c *Compressor) Decompress(compressed string) (*models.SyncDiff, error) {
	packed, err := base64.StdEncoding.DecodeString(compressed)
	if err != nil {
		return nil, fmt.Errorf("%w: payload encoding: %v", models.ErrFormat, err)
	}
	raw, err := c.decoder.DecodeAll(packed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: decompress: %v", models.ErrFormat, err)
	}
	var diff models.SyncDiff
	if err := json.Unmarshal(raw, &diff); err != nil {
		if errors.Is(err, models.ErrFormat) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: decode diff: %v", models.ErrFormat, err)
	}
	if diff.Version != models.SyncDiffVersion {
		return nil, fmt.Errorf("%w: unsupported diff version %q", models.ErrFormat, diff.Version)
	}
	return &diff, nil
}

// Checksum is the hex sha256 of a compressed payload.
func Checksum(payload string) string {
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

func NewSyncID() string {
	return uuid.New().String()
}
