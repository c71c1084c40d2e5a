package syncproto

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"attestation-ledger/blockchain/ledger"
	"attestation-ledger/consensus"
	"attestation-ledger/encryption"
	"attestation-ledger/models"
	"attestation-ledger/ratelimit"
)

// StateMerger applies incoming diffs to the local ledger and brings the
// distributions and reputations up to date.
type StateMerger struct {
	ledger     *ledger.Ledger
	tracker    *consensus.Tracker
	reputation *consensus.Reputation
	limiter    *ratelimit.EnhancedLimiter
	crypto     *encryption.CryptoService
	log        *zap.Logger
	onMined    func(*models.Block, time.Duration)
}

// NewStateMerger wires a merger. limiter may be nil.
func NewStateMerger(
	l *ledger.Ledger,
	tracker *consensus.Tracker,
	reputation *consensus.Reputation,
	limiter *ratelimit.EnhancedLimiter,
	cs *encryption.CryptoService,
	log *zap.Logger,
) *StateMerger {
	if log == nil {
		log = zap.NewNop()
	}
	return &StateMerger{
		ledger:     l,
		tracker:    tracker,
		reputation: reputation,
		limiter:    limiter,
		crypto:     cs,
		log:        log,
	}
}

// OnMined registers fn to be called with every block a merge mines and the
// time its proof-of-work search took.
func (m *StateMerger) OnMined(fn func(*models.Block, time.Duration)) {
	m.onMined = fn
}

// Merge classifies every transaction of diff, in order, as a duplicate, an
// invalid signature, a rate limit hit or accepted. Each accepted transaction
// is kept even if a later one fails. Accepted transactions are mined, the
// touched questions are rebuilt from the whole chain and reputations are
// recomputed.
func (m *StateMerger) Merge(diff *models.SyncDiff) (*models.MergeResult, error) {
	if diff == nil {
		return nil, fmt.Errorf("%w: nil diff", models.ErrFormat)
	}
	if diff.Version != models.SyncDiffVersion {
		return nil, fmt.Errorf("%w: unsupported diff version %q", models.ErrFormat, diff.Version)
	}

	result := &models.MergeResult{
		UpdatedDistributions: []string{},
		ReputationChanges:    map[string]float64{},
		Conflicts:            []models.Conflict{},
	}
	var (
		scheduled []string
		seen      = make(map[string]struct{})
	)

	for _, tx := range diff.Transactions {
		if conflict := m.apply(tx); conflict != nil {
			result.Conflicts = append(result.Conflicts, *conflict)
			continue
		}
		result.AddedTransactions++

		if p, ok := tx.Attestation(); ok {
			if m.limiter != nil {
				m.limiter.RecordAttestationAt(tx.AttesterPubkey, p.QuestionID, tx.Timestamp)
			}
			if _, ok := seen[p.QuestionID]; !ok {
				seen[p.QuestionID] = struct{}{}
				scheduled = append(scheduled, p.QuestionID)
			}
		}
	}

	if result.AddedTransactions > 0 {
		start := time.Now()
		block, err := m.ledger.MinePendingTransactions()
		if err != nil {
			return result, fmt.Errorf("mine merged transactions: %w", err)
		}
		if block != nil && m.onMined != nil {
			m.onMined(block, time.Since(start))
		}
	}

	for _, q := range scheduled {
		if d := m.tracker.Rebuild(q, m.ledger.AttestationsForQuestion(q)); d != nil {
			result.UpdatedDistributions = append(result.UpdatedDistributions, q)
		}
	}
	if result.AddedTransactions > 0 {
		result.ReputationChanges = m.reputation.Recompute(m.ledger, m.tracker.Snapshot())
	}

	result.Success = true
	m.log.Info("diff merged",
		zap.Int("added", result.AddedTransactions),
		zap.Int("conflicts", len(result.Conflicts)),
		zap.Strings("updated", result.UpdatedDistributions),
		zap.Int("reputationChanges", len(result.ReputationChanges)),
	)
	return result, nil
}

func (m *StateMerger) apply(tx *models.Transaction) *models.Conflict {
	if tx == nil {
		return &models.Conflict{Type: models.ConflictValidation, Reason: "empty transaction"}
	}
	if m.ledger.HasTransaction(tx.Hash) {
		return &models.Conflict{TxHash: tx.Hash, Type: models.ConflictDuplicate, Reason: "transaction already known"}
	}
	if err := m.crypto.VerifyTransaction(tx); err != nil {
		kind := models.ConflictValidation
		if errors.Is(err, encryption.ErrInvalidSignature) {
			kind = models.ConflictInvalidSignature
		}
		return &models.Conflict{TxHash: tx.Hash, Type: kind, Reason: err.Error()}
	}
	if p, ok := tx.Attestation(); ok {
		for _, prior := range m.ledger.PairAttestations(tx.AttesterPubkey, p.QuestionID) {
			if withinCooldown(prior.Timestamp, tx.Timestamp) {
				return &models.Conflict{
					TxHash: tx.Hash,
					Type:   models.ConflictRateLimit,
					Reason: fmt.Sprintf("attester already attested %s at %d", p.QuestionID, prior.Timestamp),
				}
			}
		}
	}

	if err := m.ledger.AddTransaction(tx); err != nil {
		kind := models.ConflictValidation
		if errors.Is(err, models.ErrDuplicate) {
			kind = models.ConflictDuplicate
		}
		return &models.Conflict{TxHash: tx.Hash, Type: kind, Reason: err.Error()}
	}
	return nil
}

func withinCooldown(a, b int64) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d < ratelimit.Cooldown.Milliseconds()
}

// Summary renders a merge result for people.
func Summary(result *models.MergeResult) string {
	if result == nil {
		return "Merge failed"
	}
	counts := make(map[models.ConflictType]int)
	for _, c := range result.Conflicts {
		counts[c.Type]++
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Added %d transactions", result.AddedTransactions)
	if n := len(result.UpdatedDistributions); n > 0 {
		fmt.Fprintf(&sb, ", updated %d questions", n)
	}
	if n := len(result.ReputationChanges); n > 0 {
		fmt.Fprintf(&sb, ", %d reputation changes", n)
	}
	if len(result.Conflicts) > 0 {
		var parts []string
		for _, kind := range []models.ConflictType{
			models.ConflictDuplicate,
			models.ConflictInvalidSignature,
			models.ConflictRateLimit,
			models.ConflictValidation,
		} {
			if counts[kind] > 0 {
				parts = append(parts, fmt.Sprintf("%d %s", counts[kind], kind))
			}
		}
		fmt.Fprintf(&sb, "; skipped %d (%s)", len(result.Conflicts), strings.Join(parts, ", "))
	}
	if !result.Success {
		sb.WriteString("; merge did not complete")
	}
	return sb.String()
}
