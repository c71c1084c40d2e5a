// Package consensus folds attestations into per-question distributions and
// decides when a question has reached consensus.
package consensus

import (
	"math"
	"sort"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"attestation-ledger/clock"
	"attestation-ledger/models"
)

const (
	lowConvergence  = 0.5
	highConvergence = 0.8

	quorumLow    = 5
	quorumMedium = 4
	quorumHigh   = 3
)

// Convergence returns how strongly the attestations of d agree, in [0,1].
func Convergence(d *models.Distribution) float64 {
	if d == nil || d.TotalAttestations == 0 {
		return 0
	}
	switch d.Type {
	case models.MultipleChoice:
		_, top := plurality(d.Choices)
		return float64(top) / float64(d.TotalAttestations)
	case models.FreeResponse:
		if len(d.Scores) == 0 {
			return 0
		}
		if d.StdDev == 0 {
			return 1
		}
		if d.Mean == 0 {
			return 0
		}
		return math.Max(0, math.Min(1, 1-d.StdDev/d.Mean))
	default:
		return 0
	}
}

// Quorum is the number of attestations needed to declare consensus. Stronger
// agreement needs fewer confirmations.
func Quorum(convergence float64) int {
	switch {
	case convergence < lowConvergence:
		return quorumLow
	case convergence < highConvergence:
		return quorumMedium
	default:
		return quorumHigh
	}
}

func HasReachedConsensus(d *models.Distribution) bool {
	if d == nil {
		return false
	}
	return d.TotalAttestations >= Quorum(d.Convergence)
}

// MCQConsensusAnswer returns the plurality choice once consensus is reached.
// Ties resolve to the lexicographically smallest label.
func MCQConsensusAnswer(d *models.Distribution) (string, bool) {
	if d == nil || d.Type != models.MultipleChoice || !HasReachedConsensus(d) {
		return "", false
	}
	label, _ := plurality(d.Choices)
	return label, true
}

// FRQConsensusScore returns the mean score once consensus is reached.
func FRQConsensusScore(d *models.Distribution) (float64, bool) {
	if d == nil || d.Type != models.FreeResponse || !HasReachedConsensus(d) {
		return 0, false
	}
	return d.Mean, true
}

// IsMinorityAttestation reports whether tx sits outside the current majority
// of d: a chosen option that is counted but not the maximum, or a score more
// than one standard deviation from the mean.
func IsMinorityAttestation(tx *models.Transaction, d *models.Distribution) bool {
	p, ok := tx.Attestation()
	if !ok || d == nil || p.QuestionType != d.Type {
		return false
	}
	switch d.Type {
	case models.MultipleChoice:
		count := d.Choices[p.Answer]
		_, top := plurality(d.Choices)
		return count > 0 && count < top
	case models.FreeResponse:
		if p.Score == nil {
			return false
		}
		return math.Abs(*p.Score-d.Mean) > d.StdDev
	default:
		return false
	}
}

// AgreesWithConsensus reports whether tx matches the consensus of d. It is
// false while d has not reached consensus.
func AgreesWithConsensus(tx *models.Transaction, d *models.Distribution) bool {
	p, ok := tx.Attestation()
	if !ok || d == nil || p.QuestionType != d.Type {
		return false
	}
	switch d.Type {
	case models.MultipleChoice:
		answer, ok := MCQConsensusAnswer(d)
		return ok && answer == p.Answer
	case models.FreeResponse:
		mean, ok := FRQConsensusScore(d)
		return ok && p.Score != nil && math.Abs(*p.Score-mean) <= d.StdDev
	default:
		return false
	}
}

func plurality(choices map[string]int) (string, int) {
	labels := make([]string, 0, len(choices))
	for label := range choices {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	var (
		best  string
		count int
	)
	for _, label := range labels {
		if choices[label] > count {
			best, count = label, choices[label]
		}
	}
	return best, count
}

// Engine folds attestations into distributions.
type Engine struct {
	clock *clock.Clock
	log   *zap.Logger
}

func NewEngine(clk *clock.Clock, log *zap.Logger) *Engine {
	if clk == nil {
		clk = &clock.Clock{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{clock: clk, log: log}
}

// UpdateDistributions folds every attestation into dists exactly once,
// creating distributions lazily. It does not deduplicate: callers must not
// pass an attestation twice. The ids of touched questions are returned in
// first-touch order.
func (e *Engine) UpdateDistributions(attestations []*models.Transaction, dists map[string]*models.Distribution) []string {
	var (
		updated []string
		seen    = make(map[string]struct{})
	)
	for _, tx := range attestations {
		p, ok := tx.Attestation()
		if !ok {
			continue
		}
		d, exists := dists[p.QuestionID]
		if !exists {
			d = models.NewDistribution(p.QuestionID, p.QuestionType)
			dists[p.QuestionID] = d
		}
		if !fold(d, p) {
			e.log.Warn("skipping attestation with mismatched question type",
				zap.String("txHash", tx.Hash),
				zap.String("questionId", p.QuestionID),
				zap.String("expected", string(d.Type)),
				zap.String("got", string(p.QuestionType)),
			)
			continue
		}
		e.recompute(d)
		if _, dup := seen[p.QuestionID]; !dup {
			seen[p.QuestionID] = struct{}{}
			updated = append(updated, p.QuestionID)
		}
	}
	return updated
}

// RebuildDistribution computes a fresh distribution from the full set of
// attestations for one question.
func (e *Engine) RebuildDistribution(questionID string, attestations []*models.Transaction) *models.Distribution {
	dists := make(map[string]*models.Distribution)
	var mine []*models.Transaction
	for _, tx := range attestations {
		if p, ok := tx.Attestation(); ok && p.QuestionID == questionID {
			mine = append(mine, tx)
		}
	}
	e.UpdateDistributions(mine, dists)
	return dists[questionID]
}

func fold(d *models.Distribution, p *models.AttestationPayload) bool {
	if p.QuestionType != d.Type {
		return false
	}
	switch d.Type {
	case models.MultipleChoice:
		if d.Choices == nil {
			d.Choices = make(map[string]int)
		}
		d.Choices[p.Answer]++
	case models.FreeResponse:
		if p.Score == nil {
			return false
		}
		d.Scores = append(d.Scores, *p.Score)
	default:
		return false
	}
	d.TotalAttestations++
	return true
}

func (e *Engine) recompute(d *models.Distribution) {
	if d.Type == models.FreeResponse {
		if len(d.Scores) > 0 {
			d.Mean, d.StdDev = stat.PopMeanStdDev(d.Scores, nil)
		} else {
			d.Mean, d.StdDev = 0, 0
		}
	}
	d.Convergence = Convergence(d)
	d.LastUpdated = e.clock.UnixMilli()
}
