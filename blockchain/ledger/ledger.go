// Package ledger owns the append-only block chain and the pending-transaction
// pool. Blocks carry a light proof-of-work for tamper evidence.
package ledger

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/btree"
	"go.uber.org/zap"

	"attestation-ledger/clock"
	"attestation-ledger/encryption"
	"attestation-ledger/models"
)

const (
	defaultTreeDegree = 32

	// pendingHeight marks an indexed transaction that sits in the pool.
	pendingHeight = -1
)

var errEmptyChain = errors.New("chain has no genesis block")

type pairKey struct {
	attester string
	question string
}

type Ledger struct {
	mu      sync.RWMutex
	chain   []*models.Block
	pending []*models.Transaction

	crypto *encryption.CryptoService
	clock  *clock.Clock
	log    *zap.Logger

	// hash -> block index, or pendingHeight
	txIndex map[string]int
	// pubkey -> CreateUser tx hash (chain and pool)
	pubkeys map[string]string
	// (attester, question) -> attestations (chain and pool)
	byPair map[pairKey][]*models.Transaction
	// question -> on-chain attestations
	byQuestion map[string][]*models.Transaction
	// attester -> on-chain attestations
	byAttester map[string][]*models.Transaction
	// question -> latest on-chain reveal
	reveals map[string]*models.Transaction
	// every known transaction ordered by (timestamp, hash)
	byTime *btree.BTreeG[*models.Transaction]
}

func lessByTime(a, b *models.Transaction) bool {
	if a.Timestamp != b.Timestamp {
		return a.Timestamp < b.Timestamp
	}
	return a.Hash < b.Hash
}

// New returns a ledger holding only the genesis block.
func New(cryptoService *encryption.CryptoService, clk *clock.Clock, log *zap.Logger) *Ledger {
	if clk == nil {
		clk = &clock.Clock{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	l := &Ledger{
		crypto: cryptoService,
		clock:  clk,
		log:    log,
	}
	l.chain = []*models.Block{models.NewGenesisBlock()}
	l.reindex()
	return l
}

// AddTransaction validates tx and queues it for the next block. It either
// succeeds completely or leaves the ledger untouched.
func (l *Ledger) AddTransaction(tx *models.Transaction) error {
	if tx == nil {
		return fmt.Errorf("%w: nil transaction", models.ErrFormat)
	}
	if err := l.crypto.VerifyTransaction(tx); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.txIndex[tx.Hash]; ok {
		return fmt.Errorf("%w: transaction %s already known", models.ErrDuplicate, tx.Hash)
	}
	if _, ok := tx.CreateUser(); ok {
		if _, exists := l.pubkeys[tx.AttesterPubkey]; exists {
			return fmt.Errorf("%w: user with pubkey %.16s already registered", models.ErrDuplicate, tx.AttesterPubkey)
		}
	}

	l.pending = append(l.pending, tx)
	l.indexTx(tx, pendingHeight)
	l.log.Debug("transaction queued",
		zap.String("txHash", tx.Hash),
		zap.String("txType", string(tx.TxType)),
		zap.Int("pending", len(l.pending)),
	)
	return nil
}

// MinePendingTransactions seals the pool into a new block. It returns nil when
// the pool is empty.
func (l *Ledger) MinePendingTransactions() (*models.Block, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.pending) == 0 {
		return nil, nil
	}

	head := l.chain[len(l.chain)-1]
	txs := make([]*models.Transaction, len(l.pending))
	copy(txs, l.pending)

	block := models.NewBlock(head.Index+1, ensureUniqueTimestamp(head.Timestamp, l.clock.UnixMilli()), txs, head.Hash)
	if err := l.validateBlock(block, head); err != nil {
		l.log.Error("mined block failed validation", zap.Uint64("index", block.Index), zap.Error(err))
		return nil, err
	}

	l.chain = append(l.chain, block)
	l.pending = make([]*models.Transaction, 0)
	l.indexBlock(block)

	l.log.Info("block mined",
		zap.Uint64("index", block.Index),
		zap.String("hash", block.Hash),
		zap.Uint64("nonce", block.Nonce),
		zap.Int("transactions", len(block.Transactions)),
	)
	return block, nil
}

func ensureUniqueTimestamp(lastTimestamp, now int64) int64 {
	if now <= lastTimestamp {
		return lastTimestamp + 1
	}
	return now
}

// ValidateBlock checks block against its predecessor. A nil prevBlock
// validates block as genesis, for which the timestamp rule does not apply.
func (l *Ledger) ValidateBlock(block, prevBlock *models.Block) error {
	return l.validateBlock(block, prevBlock)
}

func (l *Ledger) validateBlock(block, prevBlock *models.Block) error {
	if block == nil {
		return fmt.Errorf("%w: nil block", models.ErrValidation)
	}
	if err := block.ValidateLink(prevBlock); err != nil {
		return err
	}
	if err := block.Validate(); err != nil {
		return err
	}
	for _, tx := range block.Transactions {
		if tx == nil {
			return fmt.Errorf("%w: block %d contains a nil transaction", models.ErrValidation, block.Index)
		}
		if err := l.crypto.VerifyTransaction(tx); err != nil {
			return fmt.Errorf("block %d: %w", block.Index, err)
		}
	}
	return nil
}

// ValidateChain pairwise-validates the held chain from genesis.
func (l *Ledger) ValidateChain() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.validateBlocks(l.chain)
}

func (l *Ledger) validateBlocks(blocks []*models.Block) error {
	if len(blocks) == 0 {
		return fmt.Errorf("%w: %w", models.ErrValidation, errEmptyChain)
	}
	var prev *models.Block
	seen := make(map[string]struct{})
	for _, block := range blocks {
		if err := l.validateBlock(block, prev); err != nil {
			return err
		}
		for _, tx := range block.Transactions {
			if _, dup := seen[tx.Hash]; dup {
				return fmt.Errorf("%w: transaction %s appears twice in chain", models.ErrValidation, tx.Hash)
			}
			seen[tx.Hash] = struct{}{}
		}
		prev = block
	}
	return nil
}

// LoadChain replaces the chain with blocks if, and only if, the whole supplied
// chain validates. The pending pool is kept for transactions not in blocks.
func (l *Ledger) LoadChain(blocks []*models.Block) error {
	if err := l.validateBlocks(blocks); err != nil {
		l.log.Warn("rejected supplied chain", zap.Int("blocks", len(blocks)), zap.Error(err))
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	onChain := make(map[string]struct{})
	for _, block := range blocks {
		for _, tx := range block.Transactions {
			onChain[tx.Hash] = struct{}{}
		}
	}
	pending := make([]*models.Transaction, 0, len(l.pending))
	for _, tx := range l.pending {
		if _, ok := onChain[tx.Hash]; !ok {
			pending = append(pending, tx)
		}
	}

	l.chain = append([]*models.Block(nil), blocks...)
	l.pending = pending
	l.reindex()

	l.log.Info("chain loaded", zap.Int("blocks", len(blocks)), zap.Int("pending", len(pending)))
	return nil
}

// ResetToGenesis is the explicit admin reset: it discards every block and
// pending transaction.
func (l *Ledger) ResetToGenesis() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.chain = []*models.Block{models.NewGenesisBlock()}
	l.pending = make([]*models.Transaction, 0)
	l.reindex()
	l.log.Warn("ledger reset to genesis")
}

// HasUserWithPubkey reports whether a CreateUser transaction for pubkey is on
// chain or pending.
func (l *Ledger) HasUserWithPubkey(pubkey string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.pubkeys[pubkey]
	return ok
}

// HasTransaction reports whether hash is on chain or pending.
func (l *Ledger) HasTransaction(hash string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.txIndex[hash]
	return ok
}

func (l *Ledger) reindex() {
	l.txIndex = make(map[string]int)
	l.pubkeys = make(map[string]string)
	l.byPair = make(map[pairKey][]*models.Transaction)
	l.byQuestion = make(map[string][]*models.Transaction)
	l.byAttester = make(map[string][]*models.Transaction)
	l.reveals = make(map[string]*models.Transaction)
	l.byTime = btree.NewG(defaultTreeDegree, lessByTime)

	for _, block := range l.chain {
		for _, tx := range block.Transactions {
			l.indexTx(tx, int(block.Index))
		}
		l.indexOnChain(block)
	}
	for _, tx := range l.pending {
		l.indexTx(tx, pendingHeight)
	}
}

// indexTx records tx in the indexes shared by chain and pool.
func (l *Ledger) indexTx(tx *models.Transaction, height int) {
	l.txIndex[tx.Hash] = height
	l.byTime.ReplaceOrInsert(tx)

	switch p := tx.Data.(type) {
	case *models.CreateUserPayload:
		l.pubkeys[tx.AttesterPubkey] = tx.Hash
	case *models.AttestationPayload:
		key := pairKey{attester: tx.AttesterPubkey, question: p.QuestionID}
		l.byPair[key] = append(l.byPair[key], tx)
	case *models.APRevealPayload:
	default:
		l.log.Warn("indexing transaction with unknown payload", zap.String("txHash", tx.Hash))
	}
}

// indexBlock moves freshly mined transactions from pool to chain indexes.
func (l *Ledger) indexBlock(block *models.Block) {
	for _, tx := range block.Transactions {
		l.txIndex[tx.Hash] = int(block.Index)
	}
	l.indexOnChain(block)
}

func (l *Ledger) indexOnChain(block *models.Block) {
	for _, tx := range block.Transactions {
		switch p := tx.Data.(type) {
		case *models.AttestationPayload:
			l.byQuestion[p.QuestionID] = append(l.byQuestion[p.QuestionID], tx)
			l.byAttester[tx.AttesterPubkey] = append(l.byAttester[tx.AttesterPubkey], tx)
		case *models.APRevealPayload:
			if cur, ok := l.reveals[p.QuestionID]; !ok || cur.Timestamp <= tx.Timestamp {
				l.reveals[p.QuestionID] = tx
			}
		case *models.CreateUserPayload:
		}
	}
}

func (l *Ledger) Chain() []*models.Block {
	l.mu.RLock()
	defer l.mu.RUnlock()
	blocks := make([]*models.Block, len(l.chain))
	copy(blocks, l.chain)
	return blocks
}

func (l *Ledger) Head() *models.Block {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.chain[len(l.chain)-1]
}

func (l *Ledger) Pending() []*models.Transaction {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]*models.Transaction(nil), l.pending...)
}

// Transactions returns every on-chain transaction in block order.
func (l *Ledger) Transactions() []*models.Transaction {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var txs []*models.Transaction
	for _, block := range l.chain {
		txs = append(txs, block.Transactions...)
	}
	return txs
}

// AttestationsForQuestion returns the on-chain attestations for questionID.
func (l *Ledger) AttestationsForQuestion(questionID string) []*models.Transaction {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]*models.Transaction(nil), l.byQuestion[questionID]...)
}

// AttestationsByAttester returns the on-chain attestations signed by pubkey.
func (l *Ledger) AttestationsByAttester(pubkey string) []*models.Transaction {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]*models.Transaction(nil), l.byAttester[pubkey]...)
}

// PairAttestations returns on-chain and pending attestations by pubkey on questionID.
func (l *Ledger) PairAttestations(pubkey, questionID string) []*models.Transaction {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]*models.Transaction(nil), l.byPair[pairKey{attester: pubkey, question: questionID}]...)
}

// Attesters returns every pubkey with at least one on-chain attestation, sorted.
func (l *Ledger) Attesters() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	attesters := make([]string, 0, len(l.byAttester))
	for pubkey := range l.byAttester {
		attesters = append(attesters, pubkey)
	}
	sort.Strings(attesters)
	return attesters
}

// Questions returns every question with at least one on-chain attestation, sorted.
func (l *Ledger) Questions() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	questions := make([]string, 0, len(l.byQuestion))
	for q := range l.byQuestion {
		questions = append(questions, q)
	}
	sort.Strings(questions)
	return questions
}

// RevealFor returns the latest on-chain reveal for questionID.
func (l *Ledger) RevealFor(questionID string) (*models.Transaction, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	tx, ok := l.reveals[questionID]
	return tx, ok
}

// TransactionsSince returns known transactions with timestamp > since, oldest first.
func (l *Ledger) TransactionsSince(since int64) []*models.Transaction {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var txs []*models.Transaction
	pivot := &models.Transaction{Timestamp: since + 1}
	l.byTime.AscendGreaterOrEqual(pivot, func(tx *models.Transaction) bool {
		txs = append(txs, tx)
		return true
	})
	return txs
}

// BlocksSince returns blocks with timestamp > since.
func (l *Ledger) BlocksSince(since int64) []*models.Block {
	l.mu.RLock()
	defer l.mu.RUnlock()

	i := sort.Search(len(l.chain), func(i int) bool {
		return l.chain[i].Timestamp > since
	})
	return append([]*models.Block(nil), l.chain[i:]...)
}
