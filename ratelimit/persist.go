package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"attestation-ledger/models"
	"attestation-ledger/storage"
)

// SnapshotKey is the KV key the limiter persists under.
const SnapshotKey = "rate_limits"

type Snapshot struct {
	Entries          []Entry            `json:"entries"`
	GlobalViolations int                `json:"globalViolations"`
	Attempts         map[string][]int64 `json:"attempts"`
	SavedAt          int64              `json:"savedAt"`
}

func (l *EnhancedLimiter) Snapshot() Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()

	attempts := make(map[string][]int64, len(l.attempts))
	for user, ats := range l.attempts {
		attempts[user] = append([]int64(nil), ats...)
	}
	return Snapshot{
		Entries:          l.entries.sorted(),
		GlobalViolations: l.globalViolations,
		Attempts:         attempts,
		SavedAt:          l.clock.UnixMilli(),
	}
}

// Restore replaces the limiter state with snap and prunes stale entries.
func (l *EnhancedLimiter) Restore(snap Snapshot) int {
	entries := make(table, len(snap.Entries))
	for i := range snap.Entries {
		e := snap.Entries[i]
		entries[pairKey{e.UserID, e.QuestionID}] = &e
	}
	attempts := snap.Attempts
	if attempts == nil {
		attempts = make(map[string][]int64)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = entries
	l.attempts = attempts
	l.globalViolations = snap.GlobalViolations
	return l.prune(l.clock.UnixMilli())
}

func (l *EnhancedLimiter) Save() error {
	if l.kv == nil {
		return nil
	}
	data, err := json.Marshal(l.Snapshot())
	if err != nil {
		return fmt.Errorf("marshal rate limits: %w", err)
	}
	if err := l.kv.Save(SnapshotKey, string(data)); err != nil {
		return fmt.Errorf("save rate limits: %w", err)
	}
	return nil
}

// Load restores the last saved snapshot. A missing snapshot leaves the
// limiter empty.
func (l *EnhancedLimiter) Load() error {
	if l.kv == nil {
		return nil
	}
	text, err := l.kv.Load(SnapshotKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load rate limits: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal([]byte(text), &snap); err != nil {
		return fmt.Errorf("%w: rate limits: %v", models.ErrFormat, err)
	}
	pruned := l.Restore(snap)
	l.log.Info("rate limits loaded",
		zap.Int("entries", len(snap.Entries)-pruned),
		zap.Int("pruned", pruned),
		zap.Int("globalViolations", snap.GlobalViolations))
	return nil
}

// Run saves the limiter every interval until ctx is done.
func (l *EnhancedLimiter) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := l.Save(); err != nil {
				l.log.Error("autosave failed", zap.Error(err))
			}
		}
	}
}

// Close performs the shutdown save.
func (l *EnhancedLimiter) Close() error {
	return l.Save()
}
