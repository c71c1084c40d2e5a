package syncproto

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"attestation-ledger/blockchain/ledger"
	"attestation-ledger/clock"
	"attestation-ledger/consensus"
	"attestation-ledger/models"
	"attestation-ledger/ratelimit"
)

type node struct {
	ledger  *ledger.Ledger
	tracker *consensus.Tracker
	limiter *ratelimit.EnhancedLimiter
	merger  *StateMerger
}

func newNode(clk *clock.Clock) *node {
	l := ledger.New(cs, clk, nil)
	engine := consensus.NewEngine(clk, nil)
	tracker := consensus.NewTracker(engine)
	limiter := ratelimit.NewEnhanced(clk, nil, nil)
	return &node{
		ledger:  l,
		tracker: tracker,
		limiter: limiter,
		merger:  NewStateMerger(l, tracker, consensus.NewReputation(engine), limiter, cs, nil),
	}
}

func TestMergeAppliesDiffAndIsIdempotent(t *testing.T) {
	require := require.New(t)
	clk := newClock()
	diff := sampleDiff(t, clk, 3)
	local := newNode(clk)
	var mined []*models.Block
	local.merger.OnMined(func(b *models.Block, _ time.Duration) { mined = append(mined, b) })

	result, err := local.merger.Merge(diff)
	require.NoError(err)
	require.True(result.Success)
	require.Equal(9, result.AddedTransactions)
	require.Len(mined, 1)
	require.Len(mined[0].Transactions, 9)
	require.Equal(local.ledger.Head().Hash, mined[0].Hash)
	require.Empty(result.Conflicts)
	require.ElementsMatch([]string{"q1", "q2"}, result.UpdatedDistributions)
	require.Len(result.ReputationChanges, 3)
	for _, delta := range result.ReputationChanges {
		// q1 agrees unanimously; q2 has not reached its quorum
		require.InDelta(1.0, delta, 1e-9)
	}

	require.NoError(local.ledger.ValidateChain())
	require.Empty(local.ledger.Pending())
	d, ok := local.tracker.Distribution("q1")
	require.True(ok)
	require.Equal(3, d.Choices["A"])
	answer, ok := consensus.MCQConsensusAnswer(d)
	require.True(ok)
	require.Equal("A", answer)

	for _, tx := range diff.Transactions {
		if p, ok := tx.Attestation(); ok {
			require.False(local.limiter.CanAttest(tx.AttesterPubkey, p.QuestionID))
		}
	}

	again, err := local.merger.Merge(diff)
	require.NoError(err)
	require.True(again.Success)
	require.Zero(again.AddedTransactions)
	require.Len(again.Conflicts, 9)
	for _, c := range again.Conflicts {
		require.Equal(models.ConflictDuplicate, c.Type)
	}
	require.Empty(again.UpdatedDistributions)
	require.Empty(again.ReputationChanges)
	require.Len(mined, 1)
}

func TestMergeClassifiesConflicts(t *testing.T) {
	require := require.New(t)
	clk := newClock()
	local := newNode(clk)

	alice := newKey(t)
	mine := mcq(t, alice, "q1", "A", clk.UnixMilli())
	require.NoError(local.ledger.AddTransaction(mine))
	_, err := local.ledger.MinePendingTransactions()
	require.NoError(err)

	clk.Advance(24 * time.Hour)
	tooSoon := mcq(t, alice, "q1", "B", clk.UnixMilli())

	forged := mcq(t, newKey(t), "q2", "C", clk.UnixMilli())
	forged.Signature = mcq(t, alice, "q2", "C", clk.UnixMilli()).Signature

	clk.Advance(31 * 24 * time.Hour)
	later := mcq(t, alice, "q1", "B", clk.UnixMilli())

	result, err := local.merger.Merge(&models.SyncDiff{
		Transactions: []*models.Transaction{mine, tooSoon, forged, later, nil},
		BlockHashes:  []string{},
		Version:      models.SyncDiffVersion,
	})
	require.NoError(err)
	require.True(result.Success)
	require.Equal(1, result.AddedTransactions)
	require.Equal([]string{"q1"}, result.UpdatedDistributions)

	kinds := make([]models.ConflictType, len(result.Conflicts))
	for i, c := range result.Conflicts {
		kinds[i] = c.Type
	}
	require.Equal([]models.ConflictType{
		models.ConflictDuplicate,
		models.ConflictRateLimit,
		models.ConflictInvalidSignature,
		models.ConflictValidation,
	}, kinds)

	summary := Summary(result)
	require.Contains(summary, "Added 1 transactions")
	require.Contains(summary, "1 rate_limit")
	require.Contains(summary, "1 invalid_signature")
}

func TestMergeRejectsUnsupportedDiff(t *testing.T) {
	require := require.New(t)
	local := newNode(newClock())

	_, err := local.merger.Merge(nil)
	require.ErrorIs(err, models.ErrFormat)

	_, err = local.merger.Merge(&models.SyncDiff{Version: "2.0.0"})
	require.ErrorIs(err, models.ErrFormat)
	require.Len(local.ledger.Chain(), 1)
}

func TestTransferFileForms(t *testing.T) {
	require := require.New(t)
	c := newCompressor(t)
	diff := sampleDiff(t, newClock(), 2)

	data, err := ExportFile(diff, "device-1", 1234)
	require.NoError(err)
	got, err := ImportFile(c, data)
	require.NoError(err)
	require.Equal(diff, got)

	data, err = ExportFullBackup(c, diff)
	require.NoError(err)
	require.Contains(string(data), `"type": "full"`)
	got, err = ImportFile(c, data)
	require.NoError(err)
	require.Equal(diff, got)

	_, err = ImportFile(c, []byte(`{"version":"9"}`))
	require.ErrorIs(err, models.ErrFormat)
	_, err = ImportFile(c, []byte(`{"version":"1.0"}`))
	require.ErrorIs(err, models.ErrFormat)
	_, err = ImportFile(c, []byte(`nope`))
	require.ErrorIs(err, models.ErrFormat)
}
