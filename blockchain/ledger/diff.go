package ledger

import "attestation-ledger/models"

// ExtractDiff collects every transaction and block hash newer than since. It
// includes pending transactions so that unmined local work still travels.
func (l *Ledger) ExtractDiff(since int64) *models.SyncDiff {
	txs := l.TransactionsSince(since)
	blocks := l.BlocksSince(since)

	diff := &models.SyncDiff{
		FromTimestamp: since,
		ToTimestamp:   since,
		Transactions:  txs,
		BlockHashes:   make([]string, 0, len(blocks)),
		Version:       models.SyncDiffVersion,
	}
	if diff.Transactions == nil {
		diff.Transactions = []*models.Transaction{}
	}

	for _, block := range blocks {
		diff.BlockHashes = append(diff.BlockHashes, block.Hash)
		if block.Timestamp > diff.ToTimestamp {
			diff.ToTimestamp = block.Timestamp
		}
	}
	for _, tx := range txs {
		if tx.Timestamp > diff.ToTimestamp {
			diff.ToTimestamp = tx.Timestamp
		}
	}
	if diff.ToTimestamp == since {
		diff.ToTimestamp = l.clock.UnixMilli()
	}
	return diff
}
