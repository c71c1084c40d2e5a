package syncproto

import (
	"context"
	"errors"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"

	"attestation-ledger/models"
)

// Scanner captures the next decoded record from the visual transport.
type Scanner interface {
	Scan(ctx context.Context) (string, error)
}

// Progress reports the state of a session after one scan. Complete is true
// exactly once per session, on the scan that finished it.
type Progress struct {
	SyncID    string `json:"syncId"`
	Received  int    `json:"received"`
	Total     int    `json:"total"`
	Duplicate bool   `json:"duplicate"`
	Complete  bool   `json:"complete"`
	Payload   string `json:"-"`
}

type session struct {
	total    int
	checksum string
	chunks   map[int]models.QRChunk
	finished bool
}

// Receiver collects scanned records into sessions keyed by sync id. At most
// size sessions are held; the least recently scanned one is cancelled when a
// new session would exceed that.
type Receiver struct {
	mu        sync.Mutex
	sessions  *lru.Cache
	cancelled map[string]struct{}
	stopped   bool
	log       *zap.Logger
}

func NewReceiver(size int, log *zap.Logger) (*Receiver, error) {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Receiver{
		cancelled: make(map[string]struct{}),
		log:       log,
	}
	// the cache is only touched with r.mu held, so onEvict must not lock
	cache, err := lru.NewWithEvict(size, r.onEvict)
	if err != nil {
		return nil, fmt.Errorf("session cache: %w", err)
	}
	r.sessions = cache
	return r, nil
}

func (r *Receiver) onEvict(key, value interface{}) {
	id := key.(string)
	if s := value.(*session); !s.finished {
		r.cancelled[id] = struct{}{}
		r.log.Info("sync session discarded", zap.String("syncId", id), zap.Int("received", len(s.chunks)))
	}
}

// Scan decodes one record and adds it to its session.
func (r *Receiver) Scan(record string) (Progress, error) {
	chunk, err := DecodeChunk(record)
	if err != nil {
		return Progress{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		return Progress{}, ErrStopped
	}
	if _, ok := r.cancelled[chunk.SyncID]; ok {
		return Progress{}, fmt.Errorf("%w: %s", ErrSessionCancelled, chunk.SyncID)
	}

	var s *session
	if v, ok := r.sessions.Get(chunk.SyncID); ok {
		s = v.(*session)
	} else {
		s = &session{total: chunk.Total, checksum: chunk.Checksum, chunks: make(map[int]models.QRChunk)}
		r.sessions.Add(chunk.SyncID, s)
		r.log.Info("sync session started", zap.String("syncId", chunk.SyncID), zap.Int("total", chunk.Total))
	}

	progress := Progress{SyncID: chunk.SyncID, Received: len(s.chunks), Total: s.total}
	if s.finished {
		progress.Received = s.total
		progress.Duplicate = true
		return progress, nil
	}
	if chunk.Total != s.total || chunk.Checksum != s.checksum {
		return progress, fmt.Errorf("%w: record %d disagrees with session %s", models.ErrFormat, chunk.Index, chunk.SyncID)
	}
	if _, ok := s.chunks[chunk.Index]; ok {
		progress.Duplicate = true
		return progress, nil
	}

	s.chunks[chunk.Index] = chunk
	progress.Received = len(s.chunks)
	if len(s.chunks) < s.total {
		return progress, nil
	}

	chunks := make([]models.QRChunk, 0, len(s.chunks))
	for _, c := range s.chunks {
		chunks = append(chunks, c)
	}
	payload, err := Reassemble(chunks)
	if err != nil {
		r.sessions.Remove(chunk.SyncID)
		r.log.Warn("sync session failed", zap.String("syncId", chunk.SyncID), zap.Error(err))
		return progress, err
	}

	s.finished = true
	s.chunks = nil
	progress.Complete = true
	progress.Payload = payload
	r.log.Info("sync session complete", zap.String("syncId", chunk.SyncID), zap.Int("total", s.total))
	return progress, nil
}

// Cancel discards a session. Its sync id is refused from then on.
func (r *Receiver) Cancel(syncID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.sessions.Remove(syncID) {
		r.cancelled[syncID] = struct{}{}
	}
}

// Stop discards every partial session and refuses further scans until
// Restart.
func (r *Receiver) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	r.sessions.Purge()
}

// Restart accepts scans again. Cancelled sessions stay cancelled.
func (r *Receiver) Restart() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = false
}

// Sessions returns the number of sessions held.
func (r *Receiver) Sessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions.Len()
}

// Run scans until a session completes, the receiver is stopped or ctx is
// done. Malformed records are logged and skipped.
func (r *Receiver) Run(ctx context.Context, sc Scanner) (Progress, error) {
	for {
		record, err := sc.Scan(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return Progress{}, ctx.Err()
			}
			return Progress{}, fmt.Errorf("scan: %w", err)
		}

		progress, err := r.Scan(record)
		switch {
		case err == nil:
			if progress.Complete {
				return progress, nil
			}
		case errors.Is(err, models.ErrFormat), errors.Is(err, ErrSessionCancelled):
			r.log.Debug("record skipped", zap.Error(err))
		default:
			return progress, err
		}
	}
}
