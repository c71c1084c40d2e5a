package ratelimit

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"attestation-ledger/clock"
	"attestation-ledger/models"
	"attestation-ledger/storage"
)

// Outcome classifies one attempt.
type Outcome string

const (
	Allowed   Outcome = "allowed"
	Grace     Outcome = "grace"
	Violation Outcome = "violation"
	Blocked   Outcome = "blocked"
)

// EnhancedLimiter adds the one-time grace window, violation counting and
// abuse detection to the cooldown rule, and persists itself through a KV.
type EnhancedLimiter struct {
	mu               sync.RWMutex
	clock            *clock.Clock
	kv               storage.KV
	log              *zap.Logger
	entries          table
	attempts         map[string][]int64
	globalViolations int
}

func NewEnhanced(clk *clock.Clock, kv storage.KV, log *zap.Logger) *EnhancedLimiter {
	if clk == nil {
		clk = &clock.Clock{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &EnhancedLimiter{
		clock:    clk,
		kv:       kv,
		log:      log,
		entries:  make(table),
		attempts: make(map[string][]int64),
	}
}

// CanAttest reports whether an attempt now would be accepted, without
// recording anything.
func (l *EnhancedLimiter) CanAttest(user, question string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	outcome, _ := l.evaluate(l.entries.get(user, question), l.clock.UnixMilli())
	return outcome == Allowed || outcome == Grace
}

func (l *EnhancedLimiter) evaluate(e *Entry, now int64) (Outcome, time.Duration) {
	if e == nil {
		return Allowed, 0
	}
	if e.Violations >= MaxViolations {
		return Blocked, 0
	}
	since := elapsed(now, e.LastAttestation)
	switch {
	case since >= Cooldown:
		return Allowed, since
	case since >= Cooldown-GracePeriod && !e.GracePeriodUsed:
		return Grace, since
	default:
		return Violation, since
	}
}

// Attempt evaluates an attestation attempt and applies its side effects: the
// attempt is logged for abuse detection, a grace attempt spends the pair's
// grace, and an early attempt counts as a violation. A nil error means the
// caller may proceed and should then call RecordAttestation.
func (l *EnhancedLimiter) Attempt(user, question string) (Outcome, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.UnixMilli()
	l.logAttempt(user, now)

	e := l.entries.get(user, question)
	outcome, since := l.evaluate(e, now)
	switch outcome {
	case Allowed:
		return outcome, nil
	case Grace:
		e.GracePeriodUsed = true
		l.log.Info("grace period used",
			zap.String("user", user),
			zap.String("questionId", question),
			zap.Duration("elapsed", since))
		return outcome, nil
	case Blocked:
		return outcome, fmt.Errorf("%w: %s on %s has %d violations", models.ErrExhausted, user, question, e.Violations)
	default:
		e.Violations++
		e.LastViolation = now
		l.globalViolations++
		l.log.Warn("rate limit violation",
			zap.String("user", user),
			zap.String("questionId", question),
			zap.Int("violations", e.Violations),
			zap.Duration("remaining", untilNext(e, now)))
		return outcome, fmt.Errorf("%w: %s may attest %s again in %s",
			models.ErrRateLimit, user, question, untilNext(e, now).Round(time.Minute))
	}
}

func (l *EnhancedLimiter) logAttempt(user string, now int64) {
	cutoff := now - AbuseWindow.Milliseconds()
	kept := l.attempts[user][:0]
	for _, at := range l.attempts[user] {
		if at > cutoff {
			kept = append(kept, at)
		}
	}
	l.attempts[user] = append(kept, now)
}

func (l *EnhancedLimiter) RecordAttestation(user, question string) {
	l.RecordAttestationAt(user, question, l.clock.UnixMilli())
}

// RecordAttestationAt stamps the pair with at. Merged attestations are
// recorded at their own timestamp.
func (l *EnhancedLimiter) RecordAttestationAt(user, question string, at int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries.record(user, question, at)
}

func (l *EnhancedLimiter) TimeUntilNext(user, question string) time.Duration {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return untilNext(l.entries.get(user, question), l.clock.UnixMilli())
}

// Entry returns a copy of the pair's entry.
func (l *EnhancedLimiter) Entry(user, question string) (Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e := l.entries.get(user, question)
	if e == nil {
		return Entry{}, false
	}
	return *e, true
}

func (l *EnhancedLimiter) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.entries.sorted()
}

// ClearViolations resets the violation counter of a pair. It reports whether
// the pair existed.
func (l *EnhancedLimiter) ClearViolations(user, question string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.entries.get(user, question)
	if e == nil {
		return false
	}
	e.Violations = 0
	e.LastViolation = 0
	l.log.Info("violations cleared", zap.String("user", user), zap.String("questionId", question))
	return true
}

func (l *EnhancedLimiter) GlobalViolations() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.globalViolations
}

// IsSuspicious reports whether user made more than AbuseThreshold attempts
// in the trailing AbuseWindow.
func (l *EnhancedLimiter) IsSuspicious(user string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.recentAttempts(user, l.clock.UnixMilli()) > AbuseThreshold
}

func (l *EnhancedLimiter) SuspiciousUsers() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	now := l.clock.UnixMilli()
	var out []string
	for user := range l.attempts {
		if l.recentAttempts(user, now) > AbuseThreshold {
			out = append(out, user)
		}
	}
	sort.Strings(out)
	return out
}

func (l *EnhancedLimiter) recentAttempts(user string, now int64) int {
	cutoff := now - AbuseWindow.Milliseconds()
	n := 0
	for _, at := range l.attempts[user] {
		if at > cutoff {
			n++
		}
	}
	return n
}

// Prune drops stale entries and expired attempt logs. It returns the number
// of entries removed.
func (l *EnhancedLimiter) Prune() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.prune(l.clock.UnixMilli())
}

func (l *EnhancedLimiter) prune(now int64) int {
	cutoff := now - StaleAfter.Milliseconds()
	removed := 0
	for k, e := range l.entries {
		// a blocked pair stays blocked while its last violation is recent
		if e.LastAttestation < cutoff && e.LastViolation < cutoff {
			delete(l.entries, k)
			removed++
		}
	}

	window := now - AbuseWindow.Milliseconds()
	for user, ats := range l.attempts {
		kept := ats[:0]
		for _, at := range ats {
			if at > window {
				kept = append(kept, at)
			}
		}
		if len(kept) == 0 {
			delete(l.attempts, user)
		} else {
			l.attempts[user] = kept
		}
	}
	return removed
}
