package ledger

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"attestation-ledger/clock"
	"attestation-ledger/encryption"
	"attestation-ledger/models"
)

func newTestLedger(t *testing.T) (*Ledger, *clock.Clock) {
	t.Helper()
	clk := &clock.Clock{}
	clk.Set(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	return New(encryption.NewCryptoService(), clk, nil), clk
}

func newKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := encryption.NewCryptoService().GenerateKeyPair()
	require.NoError(t, err)
	return key
}

func mcqAttestation(t *testing.T, key *ecdsa.PrivateKey, question, answer string, ts int64) *models.Transaction {
	t.Helper()
	tx, err := encryption.NewCryptoService().NewTransaction(&models.AttestationPayload{
		QuestionID:   question,
		QuestionType: models.MultipleChoice,
		Answer:       answer,
	}, key, ts)
	require.NoError(t, err)
	return tx
}

func cloneBlock(t *testing.T, b *models.Block) *models.Block {
	t.Helper()
	data, err := json.Marshal(b)
	require.NoError(t, err)
	var out models.Block
	require.NoError(t, json.Unmarshal(data, &out))
	return &out
}

func TestNewLedgerHasValidGenesis(t *testing.T) {
	require := require.New(t)

	l, _ := newTestLedger(t)
	require.Len(l.Chain(), 1)
	require.NoError(l.ValidateChain())

	other, _ := newTestLedger(t)
	require.Equal(l.Head().Hash, other.Head().Hash)
	require.Equal(models.GenesisPrevHash, l.Head().PrevHash)
}

func TestMineEmptyPoolIsNoop(t *testing.T) {
	require := require.New(t)

	l, _ := newTestLedger(t)
	block, err := l.MinePendingTransactions()
	require.NoError(err)
	require.Nil(block)
	require.Len(l.Chain(), 1)
}

func TestAddAndMine(t *testing.T) {
	require := require.New(t)

	l, clk := newTestLedger(t)
	key := newKey(t)
	tx := mcqAttestation(t, key, "q1", "A", clk.UnixMilli())

	require.NoError(l.AddTransaction(tx))
	require.True(l.HasTransaction(tx.Hash))
	require.Len(l.Pending(), 1)
	require.Empty(l.AttestationsForQuestion("q1"))

	block, err := l.MinePendingTransactions()
	require.NoError(err)
	require.NotNil(block)
	require.True(bytes.HasPrefix([]byte(block.Hash), []byte(models.DifficultyPrefix)))
	require.Empty(l.Pending())
	require.Len(l.AttestationsForQuestion("q1"), 1)
	require.Equal([]string{tx.AttesterPubkey}, l.Attesters())
	require.NoError(l.ValidateChain())
}

func TestAddTransactionRejectsDuplicate(t *testing.T) {
	require := require.New(t)

	l, clk := newTestLedger(t)
	tx := mcqAttestation(t, newKey(t), "q1", "A", clk.UnixMilli())

	require.NoError(l.AddTransaction(tx))
	err := l.AddTransaction(tx)
	require.ErrorIs(err, models.ErrDuplicate)

	_, err = l.MinePendingTransactions()
	require.NoError(err)
	err = l.AddTransaction(tx)
	require.ErrorIs(err, models.ErrDuplicate)
	require.Empty(l.Pending())
}

func TestAddTransactionRejectsTampering(t *testing.T) {
	require := require.New(t)

	l, clk := newTestLedger(t)
	key := newKey(t)

	badSig := mcqAttestation(t, key, "q1", "A", clk.UnixMilli())
	badSig.Signature = mcqAttestation(t, newKey(t), "q1", "A", clk.UnixMilli()).Signature
	err := l.AddTransaction(badSig)
	require.ErrorIs(err, models.ErrValidation)
	require.ErrorIs(err, encryption.ErrInvalidSignature)

	badHash := mcqAttestation(t, key, "q1", "A", clk.UnixMilli())
	badHash.Data.(*models.AttestationPayload).Answer = "B"
	err = l.AddTransaction(badHash)
	require.ErrorIs(err, models.ErrValidation)

	require.Empty(l.Pending())
}

func TestDuplicateCreateUserRejected(t *testing.T) {
	require := require.New(t)

	l, clk := newTestLedger(t)
	cs := encryption.NewCryptoService()
	key := newKey(t)

	first, err := cs.NewTransaction(&models.CreateUserPayload{Username: "ada"}, key, clk.UnixMilli())
	require.NoError(err)
	require.NoError(l.AddTransaction(first))
	require.True(l.HasUserWithPubkey(first.AttesterPubkey))

	second, err := cs.NewTransaction(&models.CreateUserPayload{Username: "ada2"}, key, clk.UnixMilli()+1)
	require.NoError(err)
	require.ErrorIs(l.AddTransaction(second), models.ErrDuplicate)
	require.False(l.HasUserWithPubkey(cs.PubkeyHex(&newKey(t).PublicKey)))
}

func TestChainValidityIsMonotonic(t *testing.T) {
	require := require.New(t)

	l, clk := newTestLedger(t)
	key := newKey(t)
	for i, q := range []string{"q1", "q2", "q3"} {
		require.NoError(l.AddTransaction(mcqAttestation(t, key, q, "A", clk.UnixMilli()+int64(i))))
		_, err := l.MinePendingTransactions()
		require.NoError(err)
		require.NoError(l.ValidateChain())
	}
	require.Len(l.Chain(), 4)
}

func TestBlockTimestampsStrictlyIncrease(t *testing.T) {
	require := require.New(t)

	l, clk := newTestLedger(t)
	key := newKey(t)

	require.NoError(l.AddTransaction(mcqAttestation(t, key, "q1", "A", clk.UnixMilli())))
	first, err := l.MinePendingTransactions()
	require.NoError(err)

	// the clock does not move between blocks
	require.NoError(l.AddTransaction(mcqAttestation(t, key, "q2", "A", clk.UnixMilli())))
	second, err := l.MinePendingTransactions()
	require.NoError(err)
	require.Equal(first.Timestamp+1, second.Timestamp)
}

func TestFlippedByteInvalidatesBlockAndChain(t *testing.T) {
	require := require.New(t)

	l, clk := newTestLedger(t)
	require.NoError(l.AddTransaction(mcqAttestation(t, newKey(t), "q1", "A", clk.UnixMilli())))
	_, err := l.MinePendingTransactions()
	require.NoError(err)

	chain := l.Chain()
	data, err := json.Marshal(chain[1])
	require.NoError(err)
	flipped := bytes.Replace(data, []byte(`"answer":"A"`), []byte(`"answer":"B"`), 1)
	require.NotEqual(data, flipped)

	var tampered models.Block
	require.NoError(json.Unmarshal(flipped, &tampered))
	require.ErrorIs(l.ValidateBlock(&tampered, chain[0]), models.ErrValidation)

	forged := []*models.Block{chain[0], &tampered}
	require.ErrorIs(l.LoadChain(forged), models.ErrValidation)
	require.Equal(chain[1].Hash, l.Head().Hash)
}

func TestValidateBlockChecksLinkage(t *testing.T) {
	require := require.New(t)

	l, clk := newTestLedger(t)
	require.NoError(l.AddTransaction(mcqAttestation(t, newKey(t), "q1", "A", clk.UnixMilli())))
	_, err := l.MinePendingTransactions()
	require.NoError(err)
	chain := l.Chain()

	relinked := cloneBlock(t, chain[1])
	relinked.PrevHash = "00ff"
	relinked.Mine()
	require.ErrorIs(l.ValidateBlock(relinked, chain[0]), models.ErrValidation)

	stale := cloneBlock(t, chain[1])
	stale.Timestamp = chain[0].Timestamp
	stale.Mine()
	require.ErrorIs(l.ValidateBlock(stale, chain[0]), models.ErrValidation)

	unmined := cloneBlock(t, chain[1])
	for unmined.Nonce = 0; ; unmined.Nonce++ {
		unmined.Hash = unmined.CalculateHash()
		if unmined.Hash[:2] != models.DifficultyPrefix {
			break
		}
	}
	require.ErrorIs(l.ValidateBlock(unmined, chain[0]), models.ErrValidation)
}

func TestLoadChainAdoptsValidChain(t *testing.T) {
	require := require.New(t)

	source, clk := newTestLedger(t)
	key := newKey(t)
	require.NoError(source.AddTransaction(mcqAttestation(t, key, "q1", "A", clk.UnixMilli())))
	_, err := source.MinePendingTransactions()
	require.NoError(err)

	target, _ := newTestLedger(t)
	require.NoError(target.LoadChain(source.Chain()))
	require.Equal(source.Head().Hash, target.Head().Hash)
	require.Len(target.AttestationsForQuestion("q1"), 1)
	require.Len(target.PairAttestations(cs().PubkeyHex(&key.PublicKey), "q1"), 1)

	require.Error(target.LoadChain(nil))
	require.Equal(source.Head().Hash, target.Head().Hash)
}

func TestResetToGenesis(t *testing.T) {
	require := require.New(t)

	l, clk := newTestLedger(t)
	require.NoError(l.AddTransaction(mcqAttestation(t, newKey(t), "q1", "A", clk.UnixMilli())))
	_, err := l.MinePendingTransactions()
	require.NoError(err)

	l.ResetToGenesis()
	require.Len(l.Chain(), 1)
	require.Empty(l.Attesters())
	require.NoError(l.ValidateChain())
}

func TestExtractDiff(t *testing.T) {
	require := require.New(t)

	l, clk := newTestLedger(t)
	key := newKey(t)
	start := clk.UnixMilli()

	old := mcqAttestation(t, key, "q1", "A", start)
	require.NoError(l.AddTransaction(old))
	_, err := l.MinePendingTransactions()
	require.NoError(err)

	clk.Advance(time.Minute)
	watermark := clk.UnixMilli()
	clk.Advance(time.Minute)

	fresh := mcqAttestation(t, key, "q2", "B", clk.UnixMilli())
	require.NoError(l.AddTransaction(fresh))

	diff := l.ExtractDiff(watermark)
	require.Equal(models.SyncDiffVersion, diff.Version)
	require.Len(diff.Transactions, 1)
	require.Equal(fresh.Hash, diff.Transactions[0].Hash)
	require.Empty(diff.BlockHashes)
	require.Equal(fresh.Timestamp, diff.ToTimestamp)

	full := l.ExtractDiff(0)
	require.Len(full.Transactions, 2)
	require.Len(full.BlockHashes, 1)
}

func cs() *encryption.CryptoService {
	return encryption.NewCryptoService()
}
