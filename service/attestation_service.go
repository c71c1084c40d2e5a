package service

import (
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"attestation-ledger/blockchain/ledger"
	"attestation-ledger/clock"
	"attestation-ledger/consensus"
	"attestation-ledger/encryption"
	"attestation-ledger/models"
	"attestation-ledger/ratelimit"
	"attestation-ledger/storage"
	"attestation-ledger/syncproto"
)

const (
	identityKey      = "identity"
	distributionsKey = "distributions"
)

var ErrNotFound = errors.New("not found")

// Options configures an AttestationService. Only KV is required.
type Options struct {
	KV               storage.KV
	Clock            *clock.Clock
	Logger           *zap.Logger
	Metrics          *Metrics
	DeviceID         string
	SessionCacheSize int
	ChunkInterval    time.Duration
}

// AttestationService owns the ledger and everything derived from it.
// Mutations are serialized by mu; reads go straight to the components.
type AttestationService struct {
	mu sync.Mutex

	kv         storage.KV
	crypto     *encryption.CryptoService
	clock      *clock.Clock
	log        *zap.Logger
	metrics    *Metrics
	ledger     *ledger.Ledger
	engine     *consensus.Engine
	tracker    *consensus.Tracker
	reputation *consensus.Reputation
	limiter    *ratelimit.EnhancedLimiter
	merger     *syncproto.StateMerger
	compressor *syncproto.Compressor
	receiver   *syncproto.Receiver

	deviceID      string
	chunkInterval time.Duration
	deviceKey     *ecdsa.PrivateKey
	profile       *models.Profile
}

type RegisteredUser struct {
	Username   string `json:"username"`
	Pubkey     string `json:"pubkey"`
	PrivateKey string `json:"privateKey"`
}

type IdentityCredentials struct {
	PublicKey  string `json:"publicKey"`
	PrivateKey string `json:"privateKey"`
}

// AttestationRequest carries an answer (multiple choice) or a score (free
// response).
type AttestationRequest struct {
	QuestionID   string              `json:"questionId"`
	QuestionType models.QuestionType `json:"questionType"`
	Answer       string              `json:"answer,omitempty"`
	Score        *float64            `json:"score,omitempty"`
}

type ConsensusView struct {
	Distribution *models.Distribution `json:"distribution"`
	Reached      bool                 `json:"reached"`
	Quorum       int                  `json:"quorum"`
	Answer       string               `json:"answer,omitempty"`
	Score        *float64             `json:"score,omitempty"`
	Reveal       *models.Transaction  `json:"reveal,omitempty"`
}

type Statistics struct {
	consensus.Statistics
	ChainHeight      int      `json:"chainHeight"`
	Pending          int      `json:"pending"`
	Attesters        int      `json:"attesters"`
	NeedsMore        []string `json:"needsMoreAttestations"`
	GlobalViolations int      `json:"globalViolations"`
	SuspiciousUsers  []string `json:"suspiciousUsers"`
}

func New(opts Options) (*AttestationService, error) {
	if opts.KV == nil {
		return nil, errors.New("service: a KV store is required")
	}
	if opts.Clock == nil {
		opts.Clock = &clock.Clock{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.DeviceID == "" {
		opts.DeviceID = uuid.New().String()
	}
	if opts.SessionCacheSize <= 0 {
		opts.SessionCacheSize = 16
	}
	if opts.ChunkInterval <= 0 {
		opts.ChunkInterval = 500 * time.Millisecond
	}

	cs := encryption.NewCryptoService()
	deviceKey, err := loadOrGenerateIdentityKey(opts.KV, cs)
	if err != nil {
		return nil, fmt.Errorf("failed to setup device key: %w", err)
	}
	compressor, err := syncproto.NewCompressor()
	if err != nil {
		return nil, fmt.Errorf("failed to setup compressor: %w", err)
	}
	receiver, err := syncproto.NewReceiver(opts.SessionCacheSize, opts.Logger.Named("receiver"))
	if err != nil {
		return nil, err
	}

	l := ledger.New(cs, opts.Clock, opts.Logger.Named("ledger"))
	engine := consensus.NewEngine(opts.Clock, opts.Logger.Named("consensus"))
	tracker := consensus.NewTracker(engine)
	reputation := consensus.NewReputation(engine)
	limiter := ratelimit.NewEnhanced(opts.Clock, opts.KV, opts.Logger.Named("ratelimit"))

	merger := syncproto.NewStateMerger(l, tracker, reputation, limiter, cs, opts.Logger.Named("merge"))
	merger.OnMined(func(_ *models.Block, took time.Duration) {
		opts.Metrics.ObserveMining(took)
	})

	return &AttestationService{
		kv:            opts.KV,
		crypto:        cs,
		clock:         opts.Clock,
		log:           opts.Logger,
		metrics:       opts.Metrics,
		ledger:        l,
		engine:        engine,
		tracker:       tracker,
		reputation:    reputation,
		limiter:       limiter,
		merger:        merger,
		compressor:    compressor,
		receiver:      receiver,
		deviceID:      opts.DeviceID,
		chunkInterval: opts.ChunkInterval,
		deviceKey:     deviceKey,
	}, nil
}

func loadOrGenerateIdentityKey(kv storage.KV, cs *encryption.CryptoService) (*ecdsa.PrivateKey, error) {
	// Try to load existing credentials
	text, err := kv.Load(identityKey)
	if err == nil {
		var creds IdentityCredentials
		if err := json.Unmarshal([]byte(text), &creds); err != nil {
			return nil, fmt.Errorf("failed to parse identity credentials: %w", err)
		}
		return encryption.ParsePrivateKey(creds.PrivateKey)
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	privateKey, err := cs.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate device key: %w", err)
	}
	creds := IdentityCredentials{
		PublicKey:  hexutil.Encode(crypto.FromECDSAPub(&privateKey.PublicKey)),
		PrivateKey: cs.PrivateKeyHex(privateKey),
	}
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal identity credentials: %w", err)
	}
	if err := kv.Save(identityKey, string(data)); err != nil {
		return nil, fmt.Errorf("failed to save identity credentials: %w", err)
	}
	return privateKey, nil
}

func (s *AttestationService) DeviceID() string { return s.deviceID }

// DevicePubkey is the key reveals are signed with.
func (s *AttestationService) DevicePubkey() string {
	return s.crypto.PubkeyHex(&s.deviceKey.PublicKey)
}

func (s *AttestationService) Profile() *models.Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.profile == nil {
		return nil
	}
	p := *s.profile
	p.Reputation = s.reputation.Score(p.Pubkey)
	return &p
}

// mine seals the pool. It must be called with mu held.
func (s *AttestationService) mine() (*models.Block, error) {
	start := time.Now()
	block, err := s.ledger.MinePendingTransactions()
	if err != nil {
		return nil, err
	}
	if block != nil {
		s.metrics.ObserveMining(time.Since(start))
	}
	return block, nil
}

// RegisterUser creates an identity and records it on the chain. The first
// identity registered on a device becomes its profile.
func (s *AttestationService) RegisterUser(username string) (*RegisteredUser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.TrimSpace(username)
	if err := verifyUsername(username); err != nil {
		return nil, err
	}
	privateKey, err := s.crypto.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key pair: %w", err)
	}

	tx, err := s.crypto.NewTransaction(&models.CreateUserPayload{Username: username}, privateKey, s.clock.UnixMilli())
	if err != nil {
		return nil, err
	}
	if err := s.ledger.AddTransaction(tx); err != nil {
		return nil, err
	}
	if _, err := s.mine(); err != nil {
		return nil, err
	}
	s.metrics.IncRegistrations()

	if s.profile == nil {
		s.profile = &models.Profile{Username: username, Pubkey: tx.AttesterPubkey, CreatedAt: tx.Timestamp}
	}
	s.log.Info("user registered", zap.String("username", username), zap.String("pubkey", tx.AttesterPubkey))

	return &RegisteredUser{
		Username:   username,
		Pubkey:     tx.AttesterPubkey,
		PrivateKey: s.crypto.PrivateKeyHex(privateKey),
	}, nil
}

// SubmitAttestation signs, rate limits and mines one attestation, then folds
// it into the question's distribution.
func (s *AttestationService) SubmitAttestation(privateKey *ecdsa.PrivateKey, req AttestationRequest) (*models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload := &models.AttestationPayload{
		QuestionID:   req.QuestionID,
		QuestionType: req.QuestionType,
		Answer:       req.Answer,
		Score:        req.Score,
	}
	if err := payload.Validate(); err != nil {
		return nil, err
	}

	pubkey := s.crypto.PubkeyHex(&privateKey.PublicKey)
	if !s.ledger.HasUserWithPubkey(pubkey) {
		return nil, fmt.Errorf("%w: attester is not registered", models.ErrValidation)
	}
	if d, ok := s.tracker.Distribution(req.QuestionID); ok && d.Type != req.QuestionType {
		return nil, fmt.Errorf("%w: question %s is %s", models.ErrValidation, req.QuestionID, d.Type)
	}

	outcome, err := s.limiter.Attempt(pubkey, req.QuestionID)
	s.metrics.ObserveRateLimit(outcome)
	if err != nil {
		return nil, err
	}

	tx, err := s.crypto.NewTransaction(payload, privateKey, s.clock.UnixMilli())
	if err != nil {
		return nil, err
	}
	if err := s.ledger.AddTransaction(tx); err != nil {
		return nil, err
	}
	if _, err := s.mine(); err != nil {
		return nil, err
	}
	s.limiter.RecordAttestationAt(pubkey, req.QuestionID, tx.Timestamp)
	s.tracker.Track([]*models.Transaction{tx})
	s.reputation.Recompute(s.ledger, s.tracker.Snapshot())
	s.metrics.IncAttestations()

	s.log.Info("attestation recorded",
		zap.String("txHash", tx.Hash),
		zap.String("questionId", req.QuestionID),
		zap.String("outcome", string(outcome)))
	return tx, nil
}

// RevealAnswer publishes the official answer for a question, signed with the
// device key. IsMatch records whether it agrees with the current consensus.
func (s *AttestationService) RevealAnswer(questionID, answer string, score *float64) (*models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload := &models.APRevealPayload{QuestionID: questionID, Answer: answer, Score: score}
	tx, err := s.crypto.NewTransaction(payload, s.deviceKey, s.clock.UnixMilli())
	if err != nil {
		return nil, err
	}
	if d, ok := s.tracker.Distribution(questionID); ok {
		match := revealMatches(payload, d)
		tx.IsMatch = &match
	}
	if err := s.ledger.AddTransaction(tx); err != nil {
		return nil, err
	}
	if _, err := s.mine(); err != nil {
		return nil, err
	}
	return tx, nil
}

func revealMatches(p *models.APRevealPayload, d *models.Distribution) bool {
	switch d.Type {
	case models.MultipleChoice:
		answer, ok := consensus.MCQConsensusAnswer(d)
		return ok && answer == p.Answer
	case models.FreeResponse:
		mean, ok := consensus.FRQConsensusScore(d)
		return ok && p.Score != nil && *p.Score >= mean-d.StdDev && *p.Score <= mean+d.StdDev
	default:
		return false
	}
}

func (s *AttestationService) Consensus(questionID string) (*ConsensusView, error) {
	d, ok := s.tracker.Distribution(questionID)
	if !ok {
		return nil, fmt.Errorf("question %s: %w", questionID, ErrNotFound)
	}
	view := &ConsensusView{
		Distribution: d,
		Reached:      consensus.HasReachedConsensus(d),
		Quorum:       consensus.Quorum(d.Convergence),
	}
	if answer, ok := consensus.MCQConsensusAnswer(d); ok {
		view.Answer = answer
	}
	if mean, ok := consensus.FRQConsensusScore(d); ok {
		view.Score = &mean
	}
	if reveal, ok := s.ledger.RevealFor(questionID); ok {
		view.Reveal = reveal
	}
	return view, nil
}

// Questions returns every distribution ordered by question id.
func (s *AttestationService) Questions() []*models.Distribution {
	snap := s.tracker.Snapshot()
	out := make([]*models.Distribution, 0, len(snap))
	for _, d := range snap {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QuestionID < out[j].QuestionID })
	return out
}

func (s *AttestationService) TopQuestions(n int) []*models.Distribution {
	return s.tracker.TopByConvergence(n)
}

func (s *AttestationService) Statistics() Statistics {
	return Statistics{
		Statistics:       s.tracker.Statistics(),
		ChainHeight:      len(s.ledger.Chain()),
		Pending:          len(s.ledger.Pending()),
		Attesters:        len(s.ledger.Attesters()),
		NeedsMore:        s.tracker.NeedsMoreAttestations(),
		GlobalViolations: s.limiter.GlobalViolations(),
		SuspiciousUsers:  s.limiter.SuspiciousUsers(),
	}
}

func (s *AttestationService) Chain() []*models.Block { return s.ledger.Chain() }

func (s *AttestationService) ValidateChain() error { return s.ledger.ValidateChain() }

func (s *AttestationService) Reputation() map[string]float64 { return s.reputation.Scores() }

// CanAttest reports whether an attempt on the pair would be let through now,
// counting an unspent grace window and an exhausted pair.
func (s *AttestationService) CanAttest(pubkey, questionID string) bool {
	return s.limiter.CanAttest(pubkey, questionID)
}

func (s *AttestationService) TimeUntilNext(pubkey, questionID string) time.Duration {
	return s.limiter.TimeUntilNext(pubkey, questionID)
}

// ClearViolations is the admin override for an exhausted pair.
func (s *AttestationService) ClearViolations(pubkey, questionID string) bool {
	return s.limiter.ClearViolations(pubkey, questionID)
}

// ResetChain replaces the chain with a fresh genesis block and drops every
// derived distribution.
func (s *AttestationService) ResetChain() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ledger.ResetToGenesis()
	for q := range s.tracker.Snapshot() {
		s.tracker.Rebuild(q, nil)
	}
	s.reputation.Recompute(s.ledger, s.tracker.Snapshot())
	s.log.Warn("chain reset to genesis")
}
