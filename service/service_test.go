package service

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"attestation-ledger/clock"
	"attestation-ledger/encryption"
	"attestation-ledger/models"
	"attestation-ledger/ratelimit"
	"attestation-ledger/storage"
)

type testService struct {
	*AttestationService
	kv      *storage.FileStore
	clock   *clock.Clock
	metrics *Metrics
}

func newTestService(t *testing.T) *testService {
	kv, err := storage.New(t.TempDir(), 0, nil)
	require.NoError(t, err)
	return newTestServiceWithKV(t, kv)
}

func newTestServiceWithKV(t *testing.T, kv *storage.FileStore) *testService {
	clk := &clock.Clock{}
	clk.Set(time.Unix(1_700_000_000, 0))
	metrics, err := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	svc, err := New(Options{
		KV:            kv,
		Clock:         clk,
		Metrics:       metrics,
		DeviceID:      "device-test",
		ChunkInterval: 5 * time.Millisecond,
	})
	require.NoError(t, err)
	return &testService{AttestationService: svc, kv: kv, clock: clk, metrics: metrics}
}

func register(t *testing.T, svc *testService, name string) *ecdsa.PrivateKey {
	user, err := svc.RegisterUser(name)
	require.NoError(t, err)
	key, err := encryption.ParsePrivateKey(user.PrivateKey)
	require.NoError(t, err)
	return key
}

func mcqRequest(question, answer string) AttestationRequest {
	return AttestationRequest{QuestionID: question, QuestionType: models.MultipleChoice, Answer: answer}
}

func TestRegisterUser(t *testing.T) {
	require := require.New(t)
	svc := newTestService(t)

	user, err := svc.RegisterUser("alice")
	require.NoError(err)
	require.NotEmpty(user.Pubkey)
	require.Equal("alice", svc.Profile().Username)
	require.Equal(user.Pubkey, svc.Profile().Pubkey)

	_, err = svc.RegisterUser("bob")
	require.NoError(err)
	require.Equal("alice", svc.Profile().Username)
	require.Len(svc.Chain(), 3)

	_, err = svc.RegisterUser("x")
	require.ErrorIs(err, models.ErrValidation)
	_, err = svc.RegisterUser("bad name!")
	require.ErrorIs(err, models.ErrValidation)

	require.Equal(2.0, testutil.ToFloat64(svc.metrics.registrations))
	require.Equal(2.0, testutil.ToFloat64(svc.metrics.blocksMined))
}

func TestSubmitAttestationReachesConsensus(t *testing.T) {
	require := require.New(t)
	svc := newTestService(t)

	var keys []*ecdsa.PrivateKey
	for _, name := range []string{"alice", "bob", "carol"} {
		keys = append(keys, register(t, svc, name))
	}
	for _, key := range keys {
		_, err := svc.SubmitAttestation(key, mcqRequest("q1", "A"))
		require.NoError(err)
	}

	view, err := svc.Consensus("q1")
	require.NoError(err)
	require.True(view.Reached)
	require.Equal(3, view.Quorum)
	require.Equal("A", view.Answer)

	for _, score := range svc.Reputation() {
		require.InDelta(1.0, score, 1e-9)
	}
	require.InDelta(1.0, svc.Profile().Reputation, 1e-9)
	require.Equal(3.0, testutil.ToFloat64(svc.metrics.attestations))
	require.NoError(svc.ValidateChain())

	_, err = svc.Consensus("missing")
	require.ErrorIs(err, ErrNotFound)

	stats := svc.Statistics()
	require.Equal(1, stats.TotalQuestions)
	require.Equal(1, stats.ConsensusReached)
	require.Equal(3, stats.Attesters)
}

func TestSubmitAttestationRejections(t *testing.T) {
	require := require.New(t)
	svc := newTestService(t)

	stranger, err := encryption.NewCryptoService().GenerateKeyPair()
	require.NoError(err)
	_, err = svc.SubmitAttestation(stranger, mcqRequest("q1", "A"))
	require.ErrorIs(err, models.ErrValidation)

	alice := register(t, svc, "alice")
	_, err = svc.SubmitAttestation(alice, AttestationRequest{QuestionID: "q1", QuestionType: models.MultipleChoice})
	require.ErrorIs(err, models.ErrFormat)

	_, err = svc.SubmitAttestation(alice, mcqRequest("q1", "A"))
	require.NoError(err)

	svc.clock.Advance(time.Hour)
	_, err = svc.SubmitAttestation(alice, mcqRequest("q1", "B"))
	require.ErrorIs(err, models.ErrRateLimit)
	require.Equal(1, svc.Statistics().GlobalViolations)
	require.Equal(1.0, testutil.ToFloat64(svc.metrics.rateLimits.WithLabelValues("violation")))

	score := 2.0
	_, err = svc.SubmitAttestation(alice, AttestationRequest{QuestionID: "q1", QuestionType: models.FreeResponse, Score: &score})
	require.ErrorIs(err, models.ErrValidation)

	pubkey := encryption.NewCryptoService().PubkeyHex(&alice.PublicKey)
	require.Greater(svc.TimeUntilNext(pubkey, "q1"), 29*24*time.Hour)
}

func TestRevealAnswerMarksMatch(t *testing.T) {
	require := require.New(t)
	svc := newTestService(t)

	for _, name := range []string{"alice", "bob", "carol"} {
		_, err := svc.SubmitAttestation(register(t, svc, name), mcqRequest("q1", "C"))
		require.NoError(err)
	}

	tx, err := svc.RevealAnswer("q1", "C", nil)
	require.NoError(err)
	require.NotNil(tx.IsMatch)
	require.True(*tx.IsMatch)
	require.Equal(svc.DevicePubkey(), tx.AttesterPubkey)

	view, err := svc.Consensus("q1")
	require.NoError(err)
	require.Equal(tx.Hash, view.Reveal.Hash)
}

func TestSaveAndLoad(t *testing.T) {
	require := require.New(t)
	svc := newTestService(t)

	alice := register(t, svc, "alice")
	_, err := svc.SubmitAttestation(alice, mcqRequest("q1", "A"))
	require.NoError(err)
	require.NoError(svc.Close())

	restored := newTestServiceWithKV(t, svc.kv)
	require.Equal(svc.DevicePubkey(), restored.DevicePubkey())
	require.NoError(restored.Load())

	require.Len(restored.Chain(), len(svc.Chain()))
	require.Equal(svc.Chain()[2].Hash, restored.Chain()[2].Hash)
	require.Len(restored.Questions(), 1)
	require.Equal(svc.Questions()[0].TotalAttestations, restored.Questions()[0].TotalAttestations)
	require.Equal("alice", restored.Profile().Username)

	pubkey := encryption.NewCryptoService().PubkeyHex(&alice.PublicKey)
	require.Greater(restored.TimeUntilNext(pubkey, "q1"), time.Duration(0))

	// a tampered envelope is refused as a whole
	text, err := svc.kv.Load(storage.StateKey)
	require.NoError(err)
	require.NoError(svc.kv.Save(storage.StateKey, strings.Replace(text, `"alice"`, `"mallory"`, 1)))
	require.ErrorIs(newTestServiceWithKV(t, svc.kv).Load(), models.ErrIntegrity)
}

func TestSyncBetweenDevices(t *testing.T) {
	require := require.New(t)
	sender := newTestService(t)
	receiver := newTestService(t)

	for _, name := range []string{"alice", "bob", "carol"} {
		_, err := sender.SubmitAttestation(register(t, sender, name), mcqRequest("q1", "A"))
		require.NoError(err)
	}

	pkg, err := sender.PrepareSync(0)
	require.NoError(err)
	require.Equal(6, pkg.Transactions)
	require.NotEmpty(pkg.Records)

	var last *ScanResult
	for _, record := range pkg.Records {
		last, err = receiver.ScanRecord(record)
		require.NoError(err)
	}
	require.True(last.Progress.Complete)
	require.NotNil(last.Merge)
	require.Equal(6, last.Merge.AddedTransactions)
	require.Contains(last.Summary, "Added 6 transactions")

	view, err := receiver.Consensus("q1")
	require.NoError(err)
	require.Equal("A", view.Answer)
	require.Len(receiver.Reputation(), 3)
	require.Equal(1.0, testutil.ToFloat64(receiver.metrics.syncSessions))
	require.Equal(1.0, testutil.ToFloat64(receiver.metrics.blocksMined))

	result, _, err := receiver.ImportFile(mustExport(t, sender, 0, false))
	require.NoError(err)
	require.Zero(result.AddedTransactions)
	require.Len(result.Conflicts, 6)
	require.Equal(6.0, testutil.ToFloat64(receiver.metrics.mergeOutcomes.WithLabelValues("duplicate")))
}

func mustExport(t *testing.T, svc *testService, since int64, full bool) []byte {
	data, err := svc.ExportFile(since, full)
	require.NoError(t, err)
	return data
}

func TestFullBackupImport(t *testing.T) {
	require := require.New(t)
	source := newTestService(t)
	target := newTestService(t)

	_, err := source.SubmitAttestation(register(t, source, "alice"), mcqRequest("q1", "A"))
	require.NoError(err)

	result, summary, err := target.ImportFile(mustExport(t, source, 0, true))
	require.NoError(err)
	require.Equal(2, result.AddedTransactions)
	require.NotEmpty(summary)

	_, _, err = target.ImportFile([]byte("{}"))
	require.ErrorIs(err, models.ErrFormat)
}

type countingRenderer struct {
	mu    sync.Mutex
	count int
}

func (r *countingRenderer) Render(context.Context, string, int, int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.count++
	return nil
}

func TestTransmitCompletes(t *testing.T) {
	require := require.New(t)
	svc := newTestService(t)
	register(t, svc, "alice")

	pkg, err := svc.PrepareSync(0)
	require.NoError(err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r := &countingRenderer{}
	require.NoError(svc.Transmit(ctx, pkg.Records, r))
	require.GreaterOrEqual(r.count, len(pkg.Records))
}

func TestResetChain(t *testing.T) {
	require := require.New(t)
	svc := newTestService(t)
	_, err := svc.SubmitAttestation(register(t, svc, "alice"), mcqRequest("q1", "A"))
	require.NoError(err)

	svc.ResetChain()
	require.Len(svc.Chain(), 1)
	require.Empty(svc.Questions())
}

func TestQueueProcessorSerializesRequests(t *testing.T) {
	require := require.New(t)
	svc := newTestService(t)
	qp := NewQueueProcessor(svc.AttestationService, 8, 0, nil)
	qp.Start()

	ctx := context.Background()
	res, err := Await(ctx, qp.QueueRegistration("alice"))
	require.NoError(err)
	require.True(res.Success)
	user := res.Value.(*RegisteredUser)

	key, err := encryption.ParsePrivateKey(user.PrivateKey)
	require.NoError(err)
	res, err = Await(ctx, qp.QueueAttestation(key, mcqRequest("q1", "A")))
	require.NoError(err)
	require.Equal(models.TxAttestation, res.Value.(*models.Transaction).TxType)

	res, err = Await(ctx, qp.QueueAttestation(key, mcqRequest("q1", "A")))
	require.ErrorIs(err, models.ErrRateLimit)
	require.False(res.Success)

	qp.Stop()
	_, err = Await(ctx, qp.QueueRegistration("bob"))
	require.ErrorIs(err, ErrQueueStopped)
}

func TestQueueStopAnswersEveryRequest(t *testing.T) {
	require := require.New(t)
	svc := newTestService(t)
	qp := NewQueueProcessor(svc.AttestationService, 64, 0, nil)
	qp.Start()

	const n = 40
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_, err := Await(ctx, qp.QueueRegistration(fmt.Sprintf("user-%02d", i)))
			errs <- err
		}(i)
		if i == n/2 {
			go qp.Stop()
		}
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			require.ErrorIs(err, ErrQueueStopped)
		}
	}
}

func TestLoadReseedsMalformedRateLimits(t *testing.T) {
	require := require.New(t)
	svc := newTestService(t)

	alice := register(t, svc, "alice")
	_, err := svc.SubmitAttestation(alice, mcqRequest("q1", "A"))
	require.NoError(err)
	require.NoError(svc.Close())
	require.NoError(svc.kv.Save(ratelimit.SnapshotKey, "{"))

	restored := newTestServiceWithKV(t, svc.kv)
	require.NoError(restored.Load())

	pubkey := encryption.NewCryptoService().PubkeyHex(&alice.PublicKey)
	require.False(restored.CanAttest(pubkey, "q1"))
	require.Greater(restored.TimeUntilNext(pubkey, "q1"), 29*24*time.Hour)
}
