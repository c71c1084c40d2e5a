package consensus

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"attestation-ledger/models"
)

// AttestationRecord is the tracker's copy of one folded attestation.
type AttestationRecord struct {
	TxHash    string   `json:"txHash"`
	Attester  string   `json:"attester"`
	Answer    string   `json:"answer,omitempty"`
	Score     *float64 `json:"score,omitempty"`
	Timestamp int64    `json:"timestamp"`
}

// Statistics is a rollup across every tracked question.
type Statistics struct {
	TotalQuestions     int     `json:"totalQuestions"`
	TotalAttestations  int     `json:"totalAttestations"`
	ConsensusReached   int     `json:"consensusReached"`
	MultipleChoice     int     `json:"multipleChoice"`
	FreeResponse       int     `json:"freeResponse"`
	AverageConvergence float64 `json:"averageConvergence"`
}

// Tracker owns the distributions keyed by question id together with the
// attestation history that produced them.
type Tracker struct {
	mu            sync.RWMutex
	engine        *Engine
	distributions map[string]*models.Distribution
	history       map[string][]AttestationRecord
}

func NewTracker(engine *Engine) *Tracker {
	return &Tracker{
		engine:        engine,
		distributions: make(map[string]*models.Distribution),
		history:       make(map[string][]AttestationRecord),
	}
}

// Track folds new attestations. Each attestation must be passed once.
func (t *Tracker) Track(attestations []*models.Transaction) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	updated := t.engine.UpdateDistributions(attestations, t.distributions)
	for _, tx := range attestations {
		p, ok := tx.Attestation()
		if !ok {
			continue
		}
		// mismatched question types were skipped by the engine
		if d := t.distributions[p.QuestionID]; d != nil && d.Type == p.QuestionType {
			t.history[p.QuestionID] = append(t.history[p.QuestionID], recordOf(tx, p))
		}
	}
	return updated
}

// Rebuild replaces the distribution and history of questionID with one
// computed from the complete attestation set.
func (t *Tracker) Rebuild(questionID string, attestations []*models.Transaction) *models.Distribution {
	d := t.engine.RebuildDistribution(questionID, attestations)

	var records []AttestationRecord
	for _, tx := range attestations {
		if p, ok := tx.Attestation(); ok && p.QuestionID == questionID && d != nil && p.QuestionType == d.Type {
			records = append(records, recordOf(tx, p))
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if d == nil {
		delete(t.distributions, questionID)
		delete(t.history, questionID)
		return nil
	}
	t.distributions[questionID] = d
	t.history[questionID] = records
	return d.Clone()
}

func recordOf(tx *models.Transaction, p *models.AttestationPayload) AttestationRecord {
	return AttestationRecord{
		TxHash:    tx.Hash,
		Attester:  tx.AttesterPubkey,
		Answer:    p.Answer,
		Score:     p.Score,
		Timestamp: tx.Timestamp,
	}
}

// Distribution returns a copy of the distribution for questionID.
func (t *Tracker) Distribution(questionID string) (*models.Distribution, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	d, ok := t.distributions[questionID]
	if !ok {
		return nil, false
	}
	return d.Clone(), true
}

// Snapshot returns copies of every distribution.
func (t *Tracker) Snapshot() map[string]*models.Distribution {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]*models.Distribution, len(t.distributions))
	for q, d := range t.distributions {
		out[q] = d.Clone()
	}
	return out
}

func (t *Tracker) History(questionID string) []AttestationRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]AttestationRecord(nil), t.history[questionID]...)
}

func (t *Tracker) Statistics() Statistics {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var (
		stats       Statistics
		convergence float64
	)
	for _, d := range t.distributions {
		stats.TotalQuestions++
		stats.TotalAttestations += d.TotalAttestations
		convergence += d.Convergence
		if HasReachedConsensus(d) {
			stats.ConsensusReached++
		}
		switch d.Type {
		case models.MultipleChoice:
			stats.MultipleChoice++
		case models.FreeResponse:
			stats.FreeResponse++
		}
	}
	if stats.TotalQuestions > 0 {
		stats.AverageConvergence = convergence / float64(stats.TotalQuestions)
	}
	return stats
}

// NeedsMoreAttestations lists questions still short of their quorum, closest
// to consensus first.
func (t *Tracker) NeedsMoreAttestations() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	type shortfall struct {
		question string
		missing  int
	}
	var short []shortfall
	for q, d := range t.distributions {
		if missing := Quorum(d.Convergence) - d.TotalAttestations; missing > 0 {
			short = append(short, shortfall{question: q, missing: missing})
		}
	}
	sort.Slice(short, func(i, j int) bool {
		if short[i].missing != short[j].missing {
			return short[i].missing < short[j].missing
		}
		return short[i].question < short[j].question
	})

	out := make([]string, len(short))
	for i, s := range short {
		out[i] = s.question
	}
	return out
}

// TopByConvergence returns up to n distributions ordered by convergence.
func (t *Tracker) TopByConvergence(n int) []*models.Distribution {
	t.mu.RLock()
	defer t.mu.RUnlock()

	all := make([]*models.Distribution, 0, len(t.distributions))
	for _, d := range t.distributions {
		all = append(all, d.Clone())
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Convergence != all[j].Convergence {
			return all[i].Convergence > all[j].Convergence
		}
		return all[i].QuestionID < all[j].QuestionID
	})
	if n >= 0 && n < len(all) {
		all = all[:n]
	}
	return all
}

type trackerExport struct {
	Distributions map[string]*models.Distribution `json:"distributions"`
	History       map[string][]AttestationRecord  `json:"history"`
}

// Export serializes the tracker state.
func (t *Tracker) Export() ([]byte, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return json.Marshal(trackerExport{Distributions: t.distributions, History: t.history})
}

// Import replaces the tracker state with a previous Export.
func (t *Tracker) Import(data []byte) error {
	var in trackerExport
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("%w: tracker state: %v", models.ErrFormat, err)
	}
	if in.Distributions == nil {
		in.Distributions = make(map[string]*models.Distribution)
	}
	if in.History == nil {
		in.History = make(map[string][]AttestationRecord)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.distributions = in.Distributions
	t.history = in.History
	return nil
}
