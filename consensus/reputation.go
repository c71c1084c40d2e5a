package consensus

import (
	"sort"
	"sync"

	"attestation-ledger/models"
)

const (
	agreementReward = 1.0
	minorityBonus   = 0.5
	dissentPenalty  = -0.25
)

// AttestationSource is the read side of the ledger used for replays.
type AttestationSource interface {
	Attesters() []string
	AttestationsByAttester(pubkey string) []*models.Transaction
	AttestationsForQuestion(questionID string) []*models.Transaction
}

// Reputation keeps the last computed score of every attester.
type Reputation struct {
	mu     sync.RWMutex
	engine *Engine
	scores map[string]float64
}

func NewReputation(engine *Engine) *Reputation {
	return &Reputation{
		engine: engine,
		scores: make(map[string]float64),
	}
}

// Recompute replays the history of every attester against dists and returns
// the score delta of each attester whose score changed.
func (r *Reputation) Recompute(src AttestationSource, dists map[string]*models.Distribution) map[string]float64 {
	scores := r.Compute(src, dists)

	r.mu.Lock()
	defer r.mu.Unlock()

	changes := make(map[string]float64)
	for user, score := range scores {
		if delta := score - r.scores[user]; delta != 0 {
			changes[user] = delta
		}
	}
	for user, old := range r.scores {
		if _, ok := scores[user]; !ok && old != 0 {
			changes[user] = -old
		}
	}
	r.scores = scores
	return changes
}

// Compute scores every attester without touching the stored scores.
func (r *Reputation) Compute(src AttestationSource, dists map[string]*models.Distribution) map[string]float64 {
	minority := make(map[string]map[string]bool)
	scores := make(map[string]float64)

	for _, user := range src.Attesters() {
		var score float64
		for _, tx := range src.AttestationsByAttester(user) {
			p, ok := tx.Attestation()
			if !ok {
				continue
			}
			d := dists[p.QuestionID]
			if !HasReachedConsensus(d) {
				continue
			}
			if !AgreesWithConsensus(tx, d) {
				score += dissentPenalty
				continue
			}
			score += agreementReward

			was, ok := minority[p.QuestionID]
			if !ok {
				was = r.minorityAtCastTime(src.AttestationsForQuestion(p.QuestionID))
				minority[p.QuestionID] = was
			}
			if was[tx.Hash] {
				score += minorityBonus
			}
		}
		scores[user] = score
	}
	return scores
}

// minorityAtCastTime replays a question chronologically and marks every
// attestation that was a minority position right after it was cast.
func (r *Reputation) minorityAtCastTime(attestations []*models.Transaction) map[string]bool {
	ordered := append([]*models.Transaction(nil), attestations...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Timestamp != ordered[j].Timestamp {
			return ordered[i].Timestamp < ordered[j].Timestamp
		}
		return ordered[i].Hash < ordered[j].Hash
	})

	was := make(map[string]bool, len(ordered))
	running := make(map[string]*models.Distribution)
	for _, tx := range ordered {
		p, ok := tx.Attestation()
		if !ok {
			continue
		}
		r.engine.UpdateDistributions([]*models.Transaction{tx}, running)
		was[tx.Hash] = IsMinorityAttestation(tx, running[p.QuestionID])
	}
	return was
}

// Score returns the stored score of pubkey.
func (r *Reputation) Score(pubkey string) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.scores[pubkey]
}

// Scores returns a copy of every stored score.
func (r *Reputation) Scores() map[string]float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]float64, len(r.scores))
	for k, v := range r.scores {
		out[k] = v
	}
	return out
}
