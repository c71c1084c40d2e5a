package syncproto

import (
	"crypto/ecdsa"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"attestation-ledger/blockchain/ledger"
	"attestation-ledger/clock"
	"attestation-ledger/encryption"
	"attestation-ledger/models"
)

var cs = encryption.NewCryptoService()

func newKey(t *testing.T) *ecdsa.PrivateKey {
	key, err := cs.GenerateKeyPair()
	require.NoError(t, err)
	return key
}

func newClock() *clock.Clock {
	clk := &clock.Clock{}
	clk.Set(time.Unix(1_700_000_000, 0))
	return clk
}

func signed(t *testing.T, key *ecdsa.PrivateKey, payload models.Payload, ts int64) *models.Transaction {
	tx, err := cs.NewTransaction(payload, key, ts)
	require.NoError(t, err)
	return tx
}

func mcq(t *testing.T, key *ecdsa.PrivateKey, question, answer string, ts int64) *models.Transaction {
	return signed(t, key, &models.AttestationPayload{
		QuestionID:   question,
		QuestionType: models.MultipleChoice,
		Answer:       answer,
	}, ts)
}

func newCompressor(t *testing.T) *Compressor {
	c, err := NewCompressor()
	require.NoError(t, err)
	return c
}

// sampleDiff builds a populated ledger and extracts everything from it.
func sampleDiff(t *testing.T, clk *clock.Clock, attesters int) *models.SyncDiff {
	l := ledger.New(cs, clk, nil)
	for i := 0; i < attesters; i++ {
		key := newKey(t)
		require.NoError(t, l.AddTransaction(signed(t, key, &models.CreateUserPayload{Username: fmt.Sprintf("user%d", i)}, clk.UnixMilli())))
		require.NoError(t, l.AddTransaction(mcq(t, key, "q1", "A", clk.UnixMilli())))
		score := float64(i + 1)
		require.NoError(t, l.AddTransaction(signed(t, key, &models.AttestationPayload{
			QuestionID:   "q2",
			QuestionType: models.FreeResponse,
			Score:        &score,
		}, clk.UnixMilli())))
	}
	_, err := l.MinePendingTransactions()
	require.NoError(t, err)
	return l.ExtractDiff(0)
}

func TestCompressRoundTrip(t *testing.T) {
	require := require.New(t)
	c := newCompressor(t)
	diff := sampleDiff(t, newClock(), 3)

	compressed, err := c.Compress(diff)
	require.NoError(err)
	require.NotContains(compressed, "|")

	got, err := c.Decompress(compressed)
	require.NoError(err)
	require.Equal(diff, got)
}

func TestCompressEmptyDiff(t *testing.T) {
	require := require.New(t)
	c := newCompressor(t)
	diff := &models.SyncDiff{
		Transactions: []*models.Transaction{},
		BlockHashes:  []string{},
		Version:      models.SyncDiffVersion,
	}

	compressed, err := c.Compress(diff)
	require.NoError(err)
	got, err := c.Decompress(compressed)
	require.NoError(err)
	require.Equal(diff, got)
}

func TestDecompressRejectsBadInput(t *testing.T) {
	require := require.New(t)
	c := newCompressor(t)

	_, err := c.Decompress("not base64 at all!")
	require.ErrorIs(err, models.ErrFormat)

	_, err = c.Decompress("aGVsbG8=")
	require.ErrorIs(err, models.ErrFormat)

	compressed, err := c.Compress(&models.SyncDiff{Version: "0.1"})
	require.NoError(err)
	_, err = c.Decompress(compressed)
	require.ErrorIs(err, models.ErrFormat)

	_, err = c.Compress(nil)
	require.ErrorIs(err, models.ErrFormat)
}

func TestChunkReassembleRoundTrip(t *testing.T) {
	require := require.New(t)
	payload := strings.Repeat("abcdefghij", 400) // 4000 chars

	chunks := Chunk(payload, "")
	require.Len(chunks, 3)
	for i, c := range chunks {
		require.Equal(i, c.Index)
		require.Equal(3, c.Total)
		require.Equal(chunks[0].SyncID, c.SyncID)
		require.Equal(Checksum(payload), c.Checksum)
		require.LessOrEqual(len(c.Data), MaxChunkSize)
	}

	shuffled := []models.QRChunk{chunks[2], chunks[0], chunks[1], chunks[0]}
	got, err := Reassemble(shuffled)
	require.NoError(err)
	require.Equal(payload, got)
}

func TestChunkedDiffRoundTripThroughRecords(t *testing.T) {
	require := require.New(t)
	c := newCompressor(t)
	diff := sampleDiff(t, newClock(), 12)

	compressed, err := c.Compress(diff)
	require.NoError(err)
	chunks := Chunk(compressed, NewSyncID())

	decoded := make([]models.QRChunk, 0, len(chunks))
	for i := len(chunks) - 1; i >= 0; i-- {
		record := EncodeChunk(chunks[i])
		require.True(strings.HasPrefix(record, "QRS|1|"))
		chunk, err := DecodeChunk(record)
		require.NoError(err)
		require.Len(chunk.SyncID, PrefixLen)
		require.Len(chunk.Checksum, PrefixLen)
		decoded = append(decoded, chunk)
	}

	payload, err := Reassemble(decoded)
	require.NoError(err)
	got, err := c.Decompress(payload)
	require.NoError(err)
	require.Equal(diff, got)
}

func TestReassembleDetectsCorruption(t *testing.T) {
	require := require.New(t)
	chunks := Chunk(strings.Repeat("0123456789", 350), "sync")

	corrupted := append([]models.QRChunk(nil), chunks...)
	data := []byte(corrupted[1].Data)
	data[10] ^= 0x01
	corrupted[1].Data = string(data)

	got, err := Reassemble(corrupted)
	require.ErrorIs(err, models.ErrIntegrity)
	require.Empty(got)
}

func TestReassembleRejectsIncompleteOrMixedSets(t *testing.T) {
	require := require.New(t)
	chunks := Chunk(strings.Repeat("x", 3200), "sync-a")
	other := Chunk(strings.Repeat("y", 3200), "sync-b")

	_, err := Reassemble(nil)
	require.ErrorIs(err, models.ErrFormat)

	_, err = Reassemble(chunks[:2])
	require.ErrorIs(err, models.ErrFormat)

	_, err = Reassemble([]models.QRChunk{chunks[0], chunks[1], other[2]})
	require.ErrorIs(err, models.ErrFormat)

	short := append([]models.QRChunk(nil), chunks...)
	for i := range short {
		short[i].Checksum = "abc"
	}
	_, err = Reassemble(short)
	require.ErrorIs(err, models.ErrIntegrity)
}

func TestDecodeChunkKeepsDelimitersInData(t *testing.T) {
	require := require.New(t)
	chunk, err := DecodeChunk("QRS|1|abcd1234|0|2|deadbeef|a|b||c")
	require.NoError(err)
	require.Equal(models.QRChunk{
		SyncID:   "abcd1234",
		Index:    0,
		Total:    2,
		Checksum: "deadbeef",
		Data:     "a|b||c",
	}, chunk)
}

func TestDecodeChunkRejectsMalformedRecords(t *testing.T) {
	for _, record := range []string{
		"",
		"QRS|1|abcd1234|0|2",
		"XYZ|1|abcd1234|0|2|deadbeef|data",
		"QRS|2|abcd1234|0|2|deadbeef|data",
		"QRS|1|abcd1234|x|2|deadbeef|data",
		"QRS|1|abcd1234|2|2|deadbeef|data",
		"QRS|1|abcd1234|0|0|deadbeef|data",
		"QRS|1||0|2|deadbeef|data",
		"QRS|1|abcd1234|0|2|dead|data",
	} {
		_, err := DecodeChunk(record)
		require.ErrorIs(t, err, models.ErrFormat, record)
	}
}
