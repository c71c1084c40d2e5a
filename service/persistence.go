package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"attestation-ledger/models"
	"attestation-ledger/storage"
)

// Save persists the chain, the profile with the transaction history, the
// distributions and the rate limiter.
func (s *AttestationService) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save()
}

func (s *AttestationService) save() error {
	now := s.clock.UnixMilli()

	if err := storage.SaveChain(s.kv, s.ledger.Chain(), now); err != nil {
		return fmt.Errorf("save chain: %w", err)
	}

	profile := s.profile
	if profile != nil {
		p := *profile
		p.Reputation = s.reputation.Score(p.Pubkey)
		profile = &p
	}
	if err := storage.SaveState(s.kv, profile, s.ledger.Transactions(), now); err != nil {
		return fmt.Errorf("save state: %w", err)
	}

	dists, err := s.tracker.Export()
	if err != nil {
		return fmt.Errorf("export distributions: %w", err)
	}
	if err := s.kv.Save(distributionsKey, string(dists)); err != nil {
		return fmt.Errorf("save distributions: %w", err)
	}

	if err := s.limiter.Save(); err != nil {
		return err
	}
	s.log.Debug("state saved", zap.Int("blocks", len(s.ledger.Chain())))
	return nil
}

// Load restores whatever Save left behind. Missing keys are skipped; a
// checksum failure aborts before anything is applied.
func (s *AttestationService) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	blocks, err := storage.LoadChain(s.kv)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return fmt.Errorf("load chain: %w", err)
	}

	state, err := storage.LoadState(s.kv)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		state = nil
	case err != nil:
		return fmt.Errorf("load state: %w", err)
	}

	if blocks != nil {
		if err := s.ledger.LoadChain(blocks); err != nil {
			return fmt.Errorf("load chain: %w", err)
		}
	}
	if state != nil {
		s.profile = state.Profile
		for _, tx := range state.Transactions {
			if s.ledger.HasTransaction(tx.Hash) {
				continue
			}
			if err := s.ledger.AddTransaction(tx); err != nil {
				s.log.Warn("dropping persisted transaction", zap.String("txHash", tx.Hash), zap.Error(err))
			}
		}
	}

	// Distributions and rate limits are derived state: a malformed record is
	// dropped and rebuilt from the chain, while a store failure is fatal.
	text, err := s.kv.Load(distributionsKey)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return fmt.Errorf("load distributions: %w", err)
	default:
		if err := s.tracker.Import([]byte(text)); err != nil {
			s.log.Warn("discarding persisted distributions", zap.Error(err))
		}
	}
	s.reconcileDistributions()

	if err := s.limiter.Load(); err != nil {
		if !errors.Is(err, models.ErrFormat) {
			return err
		}
		s.log.Warn("discarding persisted rate limits, reseeding from the chain", zap.Error(err))
		s.reseedLimiter()
	}
	s.reputation.Recompute(s.ledger, s.tracker.Snapshot())

	s.log.Info("state loaded",
		zap.Int("blocks", len(s.ledger.Chain())),
		zap.Int("pending", len(s.ledger.Pending())),
		zap.Int("questions", len(s.ledger.Questions())))
	return nil
}

// reseedLimiter restores the cooldown of every attested pair from the
// ledger. Violations and grace use cannot be recovered. It must be called
// with mu held.
func (s *AttestationService) reseedLimiter() {
	for _, tx := range append(s.ledger.Transactions(), s.ledger.Pending()...) {
		if p, ok := tx.Attestation(); ok {
			s.limiter.RecordAttestationAt(tx.AttesterPubkey, p.QuestionID, tx.Timestamp)
		}
	}
}

// reconcileDistributions rebuilds every distribution that disagrees with the
// chain. It must be called with mu held.
func (s *AttestationService) reconcileDistributions() {
	onChain := make(map[string]struct{})
	for _, q := range s.ledger.Questions() {
		onChain[q] = struct{}{}
		atts := s.ledger.AttestationsForQuestion(q)
		if d, ok := s.tracker.Distribution(q); ok && d.TotalAttestations == len(atts) {
			continue
		}
		s.tracker.Rebuild(q, atts)
	}
	for q := range s.tracker.Snapshot() {
		if _, ok := onChain[q]; !ok {
			s.tracker.Rebuild(q, nil)
		}
	}
}

// Run autosaves every interval until ctx is done, then saves once more.
func (s *AttestationService) Run(ctx context.Context, interval time.Duration) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.limiter.Run(ctx, interval)
	})
	g.Go(func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if err := s.Save(); err != nil {
					s.log.Error("autosave failed", zap.Error(err))
				}
			}
		}
	})
	return g.Wait()
}

// Close stops receiving and performs the shutdown save.
func (s *AttestationService) Close() error {
	s.receiver.Stop()
	return s.Save()
}
