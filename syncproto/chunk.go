package syncproto

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"attestation-ledger/models"
)

const (
	// MaxChunkSize is the largest data slice carried by one record.
	MaxChunkSize = 1500

	RecordTag     = "QRS"
	RecordVersion = "1"

	// PrefixLen is how much of the sync id and checksum a record carries.
	PrefixLen = 8

	recordFields = 7
)

// Chunk splits a compressed payload into MaxChunkSize slices. An empty syncID
// gets a fresh one.
func Chunk(compressed, syncID string) []models.QRChunk {
	if syncID == "" {
		syncID = NewSyncID()
	}
	checksum := Checksum(compressed)

	total := (len(compressed) + MaxChunkSize - 1) / MaxChunkSize
	if total == 0 {
		total = 1
	}
	chunks := make([]models.QRChunk, 0, total)
	for i := 0; i < total; i++ {
		start := i * MaxChunkSize
		end := min(start+MaxChunkSize, len(compressed))
		chunks = append(chunks, models.QRChunk{
			SyncID:   syncID,
			Index:    i,
			Total:    total,
			Data:     compressed[start:end],
			Checksum: checksum,
		})
	}
	return chunks
}

// Reassemble joins a complete chunk set and verifies it against the shared
// checksum, which may be the full digest or its record prefix.
func Reassemble(chunks []models.QRChunk) (string, error) {
	if len(chunks) == 0 {
		return "", fmt.Errorf("%w: no chunks", models.ErrFormat)
	}
	first := chunks[0]
	if first.Total < 1 {
		return "", fmt.Errorf("%w: invalid chunk total %d", models.ErrFormat, first.Total)
	}

	byIndex := make(map[int]string, first.Total)
	for _, c := range chunks {
		if c.SyncID != first.SyncID || c.Checksum != first.Checksum || c.Total != first.Total {
			return "", fmt.Errorf("%w: chunk %d belongs to another session", models.ErrFormat, c.Index)
		}
		if c.Index < 0 || c.Index >= c.Total {
			return "", fmt.Errorf("%w: chunk index %d out of range", models.ErrFormat, c.Index)
		}
		if prev, ok := byIndex[c.Index]; ok && prev != c.Data {
			return "", fmt.Errorf("%w: conflicting copies of chunk %d", models.ErrIntegrity, c.Index)
		}
		byIndex[c.Index] = c.Data
	}
	if len(byIndex) != first.Total {
		return "", fmt.Errorf("%w: have %d of %d chunks", models.ErrFormat, len(byIndex), first.Total)
	}

	indices := make([]int, 0, len(byIndex))
	for i := range byIndex {
		indices = append(indices, i)
	}
	sort.Ints(indices)

	var sb strings.Builder
	for _, i := range indices {
		sb.WriteString(byIndex[i])
	}
	payload := sb.String()

	if !checksumMatches(Checksum(payload), first.Checksum) {
		return "", fmt.Errorf("%w: payload checksum does not match %s", models.ErrIntegrity, first.Checksum)
	}
	return payload, nil
}

func checksumMatches(computed, expected string) bool {
	if len(expected) < PrefixLen {
		return false
	}
	return strings.HasPrefix(computed, expected)
}

func prefix(s string) string {
	if len(s) > PrefixLen {
		return s[:PrefixLen]
	}
	return s
}

// EncodeChunk renders a chunk as QRS|version|syncId8|index|total|checksum8|data.
func EncodeChunk(c models.QRChunk) string {
	return strings.Join([]string{
		RecordTag,
		RecordVersion,
		prefix(c.SyncID),
		strconv.Itoa(c.Index),
		strconv.Itoa(c.Total),
		prefix(c.Checksum),
		c.Data,
	}, "|")
}

// DecodeChunk parses a record. Everything after the sixth delimiter is data.
func DecodeChunk(record string) (models.QRChunk, error) {
	parts := strings.SplitN(record, "|", recordFields)
	if len(parts) != recordFields {
		return models.QRChunk{}, fmt.Errorf("%w: record has %d fields", models.ErrFormat, len(parts))
	}
	if parts[0] != RecordTag {
		return models.QRChunk{}, fmt.Errorf("%w: unknown record tag %q", models.ErrFormat, parts[0])
	}
	if parts[1] != RecordVersion {
		return models.QRChunk{}, fmt.Errorf("%w: unsupported record version %q", models.ErrFormat, parts[1])
	}
	index, err := strconv.Atoi(parts[3])
	if err != nil {
		return models.QRChunk{}, fmt.Errorf("%w: record index: %v", models.ErrFormat, err)
	}
	total, err := strconv.Atoi(parts[4])
	if err != nil {
		return models.QRChunk{}, fmt.Errorf("%w: record total: %v", models.ErrFormat, err)
	}
	if total < 1 || index < 0 || index >= total {
		return models.QRChunk{}, fmt.Errorf("%w: record index %d of %d", models.ErrFormat, index, total)
	}
	if parts[2] == "" || len(parts[5]) < PrefixLen {
		return models.QRChunk{}, fmt.Errorf("%w: record missing sync id or checksum", models.ErrFormat)
	}
	return models.QRChunk{
		SyncID:   parts[2],
		Index:    index,
		Total:    total,
		Checksum: parts[5],
		Data:     parts[6],
	}, nil
}
