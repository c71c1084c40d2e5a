package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"attestation-ledger/models"
	"attestation-ledger/syncproto"
)

// SyncPackage is a diff ready for visual transfer.
type SyncPackage struct {
	SyncID        string   `json:"syncId"`
	Records       []string `json:"records"`
	Transactions  int      `json:"transactions"`
	FromTimestamp int64    `json:"fromTimestamp"`
	ToTimestamp   int64    `json:"toTimestamp"`
}

type ScanResult struct {
	Progress syncproto.Progress  `json:"progress"`
	Merge    *models.MergeResult `json:"merge,omitempty"`
	Summary  string              `json:"summary,omitempty"`
}

// PrepareSync compresses everything newer than since and encodes it as
// transfer records.
func (s *AttestationService) PrepareSync(since int64) (*SyncPackage, error) {
	diff := s.ledger.ExtractDiff(since)
	compressed, err := s.compressor.Compress(diff)
	if err != nil {
		return nil, err
	}

	syncID := syncproto.NewSyncID()
	chunks := syncproto.Chunk(compressed, syncID)
	records := make([]string, len(chunks))
	for i, c := range chunks {
		records[i] = syncproto.EncodeChunk(c)
	}

	s.log.Info("sync prepared",
		zap.String("syncId", syncID),
		zap.Int("transactions", len(diff.Transactions)),
		zap.Int("records", len(records)),
		zap.Int("bytes", len(compressed)))
	return &SyncPackage{
		SyncID:        syncID,
		Records:       records,
		Transactions:  len(diff.Transactions),
		FromTimestamp: diff.FromTimestamp,
		ToTimestamp:   diff.ToTimestamp,
	}, nil
}

// Transmit cycles the records through r until every record has been shown
// for a full interval or ctx is done.
func (s *AttestationService) Transmit(ctx context.Context, records []string, r syncproto.Renderer) error {
	sender, err := syncproto.NewSender(records, s.chunkInterval, s.log.Named("sender"))
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- sender.Run(ctx, r) }()

	select {
	case <-sender.Done():
		sender.Stop()
		return <-errCh
	case err := <-errCh:
		return err
	}
}

// ScanRecord feeds one scanned record to the receiver. The scan that
// completes a session also merges its diff.
func (s *AttestationService) ScanRecord(record string) (*ScanResult, error) {
	progress, err := s.receiver.Scan(record)
	if err != nil {
		return &ScanResult{Progress: progress}, err
	}
	return s.finishScan(progress)
}

// Receive scans until one session completes and merges it.
func (s *AttestationService) Receive(ctx context.Context, sc syncproto.Scanner) (*ScanResult, error) {
	progress, err := s.receiver.Run(ctx, sc)
	if err != nil {
		return &ScanResult{Progress: progress}, err
	}
	return s.finishScan(progress)
}

func (s *AttestationService) finishScan(progress syncproto.Progress) (*ScanResult, error) {
	out := &ScanResult{Progress: progress}
	if !progress.Complete {
		return out, nil
	}
	s.metrics.IncSyncSessions()

	diff, err := s.compressor.Decompress(progress.Payload)
	if err != nil {
		return out, err
	}
	out.Merge, out.Summary, err = s.ImportDiff(diff)
	return out, err
}

// StopReceiving discards partially received sessions.
func (s *AttestationService) StopReceiving() {
	s.receiver.Stop()
	s.receiver.Restart()
}

// ImportDiff merges diff into the local ledger.
func (s *AttestationService) ImportDiff(diff *models.SyncDiff) (*models.MergeResult, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.merger.Merge(diff)
	s.metrics.ObserveMerge(result)
	return result, syncproto.Summary(result), err
}

// ExportFile writes the fallback transfer file. full selects the full
// backup form, which always starts at time zero.
func (s *AttestationService) ExportFile(since int64, full bool) ([]byte, error) {
	if full {
		return syncproto.ExportFullBackup(s.compressor, s.ledger.ExtractDiff(0))
	}
	return syncproto.ExportFile(s.ledger.ExtractDiff(since), s.deviceID, s.clock.UnixMilli())
}

func (s *AttestationService) ImportFile(data []byte) (*models.MergeResult, string, error) {
	diff, err := syncproto.ImportFile(s.compressor, data)
	if err != nil {
		return nil, "", fmt.Errorf("import transfer file: %w", err)
	}
	return s.ImportDiff(diff)
}
