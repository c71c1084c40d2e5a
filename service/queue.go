// service/queue.go
package service

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"attestation-ledger/models"
)

var (
	ErrQueueFull    = errors.New("mutation queue is full")
	ErrQueueStopped = errors.New("mutation queue is stopped")
)

// QueueProcessor runs every mutating request on a single worker, in arrival
// order, so the ledger only ever sees one mutator.
type QueueProcessor struct {
	service         *AttestationService
	requests        chan *request
	processingWg    sync.WaitGroup
	shutdownCh      chan struct{}
	stopOnce        sync.Once
	mu              sync.Mutex // guards stopped and sends on requests
	stopped         bool
	processingDelay time.Duration // For benchmarking purposes
	log             *zap.Logger
}

type request struct {
	kind     string
	run      func() (interface{}, error)
	resultCh chan<- *ProcessingResult
}

// ProcessingResult contains the result of a queued operation
type ProcessingResult struct {
	Success      bool
	Value        interface{}
	Err          error
	ErrorMessage string
	Timestamp    int64
}

// NewQueueProcessor creates a new queue processor
func NewQueueProcessor(svc *AttestationService, queueSize int, processingDelay time.Duration, log *zap.Logger) *QueueProcessor {
	if log == nil {
		log = zap.NewNop()
	}
	return &QueueProcessor{
		service:         svc,
		requests:        make(chan *request, queueSize),
		shutdownCh:      make(chan struct{}),
		processingDelay: processingDelay,
		log:             log,
	}
}

// Start begins processing queued requests
func (qp *QueueProcessor) Start() {
	qp.processingWg.Add(1)
	go qp.worker()
}

// Stop gracefully shuts down the queue processor. Requests still queued are
// answered with ErrQueueStopped.
func (qp *QueueProcessor) Stop() {
	qp.stopOnce.Do(func() {
		qp.mu.Lock()
		qp.stopped = true
		qp.mu.Unlock()

		close(qp.shutdownCh)
		qp.processingWg.Wait()
		for {
			select {
			case req := <-qp.requests:
				fail(req.resultCh, ErrQueueStopped)
			default:
				return
			}
		}
	})
}

func fail(ch chan<- *ProcessingResult, err error) {
	ch <- &ProcessingResult{Success: false, Err: err, ErrorMessage: err.Error()}
	close(ch)
}

func (qp *QueueProcessor) enqueue(kind string, run func() (interface{}, error)) <-chan *ProcessingResult {
	resultCh := make(chan *ProcessingResult, 1)
	qp.mu.Lock()
	defer qp.mu.Unlock()
	if qp.stopped {
		fail(resultCh, ErrQueueStopped)
		return resultCh
	}

	select {
	case qp.requests <- &request{kind: kind, run: run, resultCh: resultCh}:
		qp.service.metrics.SetQueueDepth(len(qp.requests))
	default:
		// Queue is full, return immediate error
		qp.log.Warn("queue is full, request dropped", zap.String("kind", kind))
		fail(resultCh, ErrQueueFull)
	}
	return resultCh
}

func (qp *QueueProcessor) QueueRegistration(username string) <-chan *ProcessingResult {
	return qp.enqueue("registration", func() (interface{}, error) {
		return qp.service.RegisterUser(username)
	})
}

func (qp *QueueProcessor) QueueAttestation(privateKey *ecdsa.PrivateKey, req AttestationRequest) <-chan *ProcessingResult {
	return qp.enqueue("attestation", func() (interface{}, error) {
		return qp.service.SubmitAttestation(privateKey, req)
	})
}

func (qp *QueueProcessor) QueueReveal(questionID, answer string, score *float64) <-chan *ProcessingResult {
	return qp.enqueue("reveal", func() (interface{}, error) {
		return qp.service.RevealAnswer(questionID, answer, score)
	})
}

// MergeOutcome is the value of a queued import.
type MergeOutcome struct {
	Result  *models.MergeResult `json:"result"`
	Summary string              `json:"summary"`
}

func (qp *QueueProcessor) QueueImport(diff *models.SyncDiff) <-chan *ProcessingResult {
	return qp.enqueue("import", func() (interface{}, error) {
		result, summary, err := qp.service.ImportDiff(diff)
		return &MergeOutcome{Result: result, Summary: summary}, err
	})
}

func (qp *QueueProcessor) QueueImportFile(data []byte) <-chan *ProcessingResult {
	return qp.enqueue("import_file", func() (interface{}, error) {
		result, summary, err := qp.service.ImportFile(data)
		return &MergeOutcome{Result: result, Summary: summary}, err
	})
}

func (qp *QueueProcessor) QueueScan(record string) <-chan *ProcessingResult {
	return qp.enqueue("scan", func() (interface{}, error) {
		return qp.service.ScanRecord(record)
	})
}

// Await waits for a queued result.
func Await(ctx context.Context, ch <-chan *ProcessingResult) (*ProcessingResult, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		return res, res.Err
	}
}

// worker processes queued requests
func (qp *QueueProcessor) worker() {
	defer qp.processingWg.Done()

	for {
		select {
		case <-qp.shutdownCh:
			return
		case req := <-qp.requests:
			qp.service.metrics.SetQueueDepth(len(qp.requests))
			// Add artificial delay for benchmarking if needed
			if qp.processingDelay > 0 {
				time.Sleep(qp.processingDelay)
			}

			startTime := time.Now()
			value, err := req.run()
			qp.log.Debug("request processed",
				zap.String("kind", req.kind),
				zap.Duration("took", time.Since(startTime)),
				zap.Error(err))

			if err != nil {
				req.resultCh <- &ProcessingResult{
					Success:      false,
					Value:        value,
					Err:          err,
					ErrorMessage: err.Error(),
				}
			} else {
				req.resultCh <- &ProcessingResult{
					Success:   true,
					Value:     value,
					Timestamp: time.Now().UnixMilli(),
				}
			}
			close(req.resultCh)
		}
	}
}
