// Package ratelimit gates how often a user may attest the same question.
package ratelimit

import (
	"sort"
	"sync"
	"time"

	"attestation-ledger/clock"
)

const (
	// Cooldown is the minimum time between two attestations of one pair.
	Cooldown = 30 * 24 * time.Hour
	// GracePeriod is the window before the cooldown boundary in which one
	// early attempt per pair is tolerated.
	GracePeriod = 3 * 24 * time.Hour
	// MaxViolations blocks a pair until an admin clears it.
	MaxViolations = 3
	// StaleAfter is the age at which a persisted entry is dropped on load.
	StaleAfter = 60 * 24 * time.Hour

	AbuseWindow    = 24 * time.Hour
	AbuseThreshold = 10
)

// Entry is the limiter state for one (user, question) pair. Timestamps are
// unix milliseconds.
type Entry struct {
	UserID          string `json:"userId"`
	QuestionID      string `json:"questionId"`
	LastAttestation int64  `json:"lastAttestation"`
	AttemptCount    int    `json:"attemptCount"`
	GracePeriodUsed bool   `json:"gracePeriodUsed"`
	Violations      int    `json:"violations"`
	LastViolation   int64  `json:"lastViolation,omitempty"`
}

type pairKey struct {
	user     string
	question string
}

// table is the unlocked entry map shared by both limiters.
type table map[pairKey]*Entry

func (t table) get(user, question string) *Entry {
	return t[pairKey{user, question}]
}

func (t table) record(user, question string, at int64) *Entry {
	k := pairKey{user, question}
	e, ok := t[k]
	if !ok {
		e = &Entry{UserID: user, QuestionID: question}
		t[k] = e
	}
	if at > e.LastAttestation {
		e.LastAttestation = at
	}
	e.AttemptCount++
	return e
}

func (t table) sorted() []Entry {
	out := make([]Entry, 0, len(t))
	for _, e := range t {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].QuestionID < out[j].QuestionID
	})
	return out
}

func elapsed(now, since int64) time.Duration {
	return time.Duration(now-since) * time.Millisecond
}

func untilNext(e *Entry, now int64) time.Duration {
	if e == nil {
		return 0
	}
	if left := Cooldown - elapsed(now, e.LastAttestation); left > 0 {
		return left
	}
	return 0
}

// Limiter applies the plain cooldown rule: a pair may attest again once
// Cooldown has fully elapsed.
type Limiter struct {
	mu      sync.RWMutex
	clock   *clock.Clock
	entries table
}

func NewLimiter(clk *clock.Clock) *Limiter {
	if clk == nil {
		clk = &clock.Clock{}
	}
	return &Limiter{clock: clk, entries: make(table)}
}

func (l *Limiter) CanAttest(user, question string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e := l.entries.get(user, question)
	return e == nil || elapsed(l.clock.UnixMilli(), e.LastAttestation) >= Cooldown
}

// RecordAttestation stamps the pair with the current time.
func (l *Limiter) RecordAttestation(user, question string) {
	l.RecordAttestationAt(user, question, l.clock.UnixMilli())
}

// RecordAttestationAt stamps the pair with at, keeping the later of at and
// the previous stamp.
func (l *Limiter) RecordAttestationAt(user, question string, at int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries.record(user, question, at)
}

func (l *Limiter) TimeUntilNext(user, question string) time.Duration {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return untilNext(l.entries.get(user, question), l.clock.UnixMilli())
}

// Entries returns copies of every entry ordered by user and question.
func (l *Limiter) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.entries.sorted()
}
