package syncproto

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"attestation-ledger/models"
)

// Renderer displays one record, e.g. as a QR code.
type Renderer interface {
	Render(ctx context.Context, record string, index, total int) error
}

// Sender cycles through the records of one sync session on a fixed
// interval. Completion is signalled once, after the final record has been
// on display for a full interval; cycling continues until Stop.
type Sender struct {
	mu        sync.Mutex
	records   []string
	index     int
	paused    bool
	completed bool
	stopped   bool
	interval  time.Duration
	done      chan struct{}
	stop      chan struct{}
	stopOnce  sync.Once
	log       *zap.Logger
}

func NewSender(records []string, interval time.Duration, log *zap.Logger) (*Sender, error) {
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: nothing to send", models.ErrFormat)
	}
	if interval <= 0 {
		return nil, fmt.Errorf("invalid cycle interval %s", interval)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Sender{
		records:  append([]string(nil), records...),
		interval: interval,
		done:     make(chan struct{}),
		stop:     make(chan struct{}),
		log:      log,
	}, nil
}

// Current returns the record on display and its index.
func (s *Sender) Current() (string, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[s.index], s.index
}

func (s *Sender) Total() int { return len(s.records) }

// Tick advances the cycle by one interval. It reports whether the record on
// display changed. The tick that completes the session does not advance.
func (s *Sender) Tick() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped || s.paused {
		return false
	}
	if s.index == len(s.records)-1 && !s.completed {
		// the display stays on the final record for this tick
		s.completed = true
		close(s.done)
		s.log.Info("all records shown", zap.Int("total", len(s.records)))
		return false
	}
	prev := s.index
	s.index = (s.index + 1) % len(s.records)
	return s.index != prev
}

func (s *Sender) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = true
}

func (s *Sender) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = false
}

func (s *Sender) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// Next moves forward one record, wrapping to the first.
func (s *Sender) Next() int { return s.seek(1) }

// Prev moves back one record, wrapping to the last.
func (s *Sender) Prev() int { return s.seek(-1) }

func (s *Sender) seek(delta int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.records)
	s.index = ((s.index+delta)%n + n) % n
	return s.index
}

func (s *Sender) Completed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed
}

// Done is closed once the final record has been shown for a full interval.
func (s *Sender) Done() <-chan struct{} { return s.done }

// Stop ends Run. The sender cannot be restarted.
func (s *Sender) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		s.mu.Unlock()
		close(s.stop)
	})
}

// Run renders the current record and then re-renders on every change until
// ctx is done or Stop is called.
func (s *Sender) Run(ctx context.Context, r Renderer) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	render := func() error {
		record, index := s.Current()
		if err := r.Render(ctx, record, index, len(s.records)); err != nil {
			return fmt.Errorf("render record %d: %w", index, err)
		}
		return nil
	}
	if err := render(); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stop:
			return nil
		case <-ticker.C:
			if s.Tick() {
				if err := render(); err != nil {
					return err
				}
			}
		}
	}
}
