// Package ledger maintains the hash-linked chain of blocks that anchors and
// revokes credential hashes. A single writer produces blocks; every other
// operation reads an immutable snapshot of the chain.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/pilacorp/go-credential-ledger/crypto"
	"github.com/pilacorp/go-credential-ledger/errdefs"
)

// Default values
const (
	DefaultConfirmations = 6
	tracerName           = "github.com/pilacorp/go-credential-ledger/ledger"
)

// DefaultGenesisTime is the timestamp of the genesis block.
var DefaultGenesisTime = time.Unix(0, 0).UTC()

// BlockStore persists the append-only block log.
type BlockStore interface {
	LoadBlock(ctx context.Context, height uint64) (*Block, error)
	StoreBlock(ctx context.Context, b *Block) error
}

// Rewinder is implemented by block stores that can drop blocks above a
// height. It is only used when switching to a fork.
type Rewinder interface {
	RewindTo(ctx context.Context, height uint64) error
}

// Observer is notified of chain changes. Calls are made by the single
// writer, in chain order, with blocks the observer may keep.
type Observer interface {
	// BlockAppended is called after b became the new tip.
	BlockAppended(b *Block)
	// ChainReset is called when the chain is replaced or found corrupt;
	// blocks is the trusted chain from genesis.
	ChainReset(blocks []*Block)
}

// SubmitStatus is the outcome of a successful submission.
type SubmitStatus string

// StatusQueued means the transaction waits for the next block.
const StatusQueued SubmitStatus = "Queued"

// Receipt acknowledges a submitted transaction.
type Receipt struct {
	TxHash crypto.Digest `json:"txHash"`
	Status SubmitStatus  `json:"status"`
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfirmations sets K, the number of blocks that must follow a block
// before it is Confirmed.
func WithConfirmations(k uint64) Option {
	return func(e *Engine) {
		e.confirmations = k
	}
}

// WithGenesisTime sets the genesis block timestamp.
func WithGenesisTime(t time.Time) Option {
	return func(e *Engine) {
		e.genesisTime = t
	}
}

// WithMaxBlockTransactions caps the transactions per block; 0 means no cap.
func WithMaxBlockTransactions(n int) Option {
	return func(e *Engine) {
		e.maxTxs = n
	}
}

// WithVerifyWorkers sets the parallelism of chain verification.
func WithVerifyWorkers(n int) Option {
	return func(e *Engine) {
		e.workers = n
	}
}

// WithBlockStore sets the persistence backend for blocks.
func WithBlockStore(bs BlockStore) Option {
	return func(e *Engine) {
		e.store = bs
	}
}

// WithObserver registers an observer at construction time.
func WithObserver(o Observer) Option {
	return func(e *Engine) {
		e.observers = append(e.observers, o)
	}
}

// WithClock sets the clock used for submission and block timestamps.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		e.clock = clock
	}
}

// WithLogger sets the logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(e *Engine) {
		e.log = log
	}
}

// Engine owns the chain.
type Engine struct {
	// mu serializes chain mutation: block production, reconciliation, loading.
	mu sync.Mutex
	// poolMu guards the pending pool and orders submissions against publishing.
	poolMu sync.Mutex
	pool   *pool

	snap  atomic.Pointer[snapshot]
	fault atomic.Pointer[IntegrityError]

	confirmations uint64
	genesisTime   time.Time
	maxTxs        int
	workers       int
	store         BlockStore
	loaded        bool
	observers     []Observer
	clock         func() time.Time
	log           logrus.FieldLogger
	tracer        trace.Tracer
}

// NewEngine creates an engine holding only the genesis block.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		pool:          newPool(),
		confirmations: DefaultConfirmations,
		genesisTime:   DefaultGenesisTime,
		workers:       DefaultVerifyWorkers,
		clock:         time.Now,
		log:           logrus.StandardLogger(),
		tracer:        otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.WithField("component", "ledger")
	e.snap.Store(newSnapshot([]*Block{Genesis(e.genesisTime)}, e.confirmations))
	return e
}

// Load replays the block store. An empty store is initialized with the
// genesis block. A stored chain that fails verification is kept for reads,
// the fault is recorded and observers are reset to the valid prefix.
func (e *Engine) Load(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.store == nil {
		e.loaded = true
		return nil
	}

	var blocks []*Block
	for height := uint64(0); ; height++ {
		b, err := e.store.LoadBlock(ctx, height)
		if errors.Is(err, errdefs.ErrNotFound) {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to load block %d: %w", height, err)
		}
		blocks = append(blocks, b.Clone())
	}

	if len(blocks) == 0 {
		genesis := e.snap.Load().blocks[0]
		if err := e.store.StoreBlock(ctx, genesis.Clone()); err != nil {
			return fmt.Errorf("failed to store genesis block: %w", err)
		}
		e.loaded = true
		e.log.WithField("hash", genesis.Hash.Hex()).Info("Initialized block store with genesis")
		return nil
	}

	err := VerifySegment(ctx, nil, blocks, e.workers)
	var integrity *IntegrityError
	if err != nil && !errors.As(err, &integrity) {
		return err
	}

	e.snap.Store(newSnapshot(blocks, e.confirmations))
	e.fault.Store(integrity)
	e.loaded = true

	good := blocks
	if integrity != nil {
		good = blocks[:integrity.Height]
		e.log.WithFields(logrus.Fields{
			"height": integrity.Height,
			"reason": integrity.Reason,
		}).Error("Stored chain failed verification")
	}
	e.resetObservers(good)

	e.log.WithFields(logrus.Fields{
		"height": blocks[len(blocks)-1].Height,
		"hash":   blocks[len(blocks)-1].Hash.Hex(),
	}).Info("Loaded chain from block store")

	return err
}

// Subscribe registers an observer and resets it to the current trusted chain.
func (e *Engine) Subscribe(o Observer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observers = append(e.observers, o)
	o.ChainReset(cloneBlocks(e.trustedBlocks(e.snap.Load())))
}

// SubmitTransaction validates tx and queues it for the next block.
func (e *Engine) SubmitTransaction(ctx context.Context, tx Transaction) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}

	// 1. Validate fields
	if tx.SubmittedAt.IsZero() {
		tx.SubmittedAt = e.clock()
	}
	tx.SubmittedAt = tx.SubmittedAt.UTC().Round(0)
	if err := tx.Validate(); err != nil {
		e.log.WithError(err).Debug("Rejected transaction")
		return Receipt{}, err
	}
	ptx := pendingTx{tx: tx, hash: tx.Hash()}

	// 2. Check against chain and pool atomically with respect to publishing
	e.poolMu.Lock()
	defer e.poolMu.Unlock()

	if err := e.admitLocked(e.snap.Load(), ptx); err != nil {
		e.log.WithFields(logrus.Fields{
			"kind":       tx.Kind.String(),
			"credential": tx.CredentialHash.Hex(),
		}).WithError(err).Debug("Rejected transaction")
		return Receipt{}, err
	}

	// 3. Queue
	e.pool.add(ptx)
	e.log.WithFields(logrus.Fields{
		"kind":       tx.Kind.String(),
		"credential": tx.CredentialHash.Hex(),
		"tx":         ptx.hash.Hex(),
	}).Debug("Transaction queued")

	return Receipt{TxHash: ptx.hash, Status: StatusQueued}, nil
}

func (e *Engine) admitLocked(snap *snapshot, ptx pendingTx) error {
	tx := ptx.tx
	if e.pool.contains(ptx.hash) {
		return fmt.Errorf("%w: %s", ErrDuplicateTransaction, ptx.hash.Hex())
	}

	switch tx.Kind {
	case KindAnchor:
		if a := snap.inclusion(KindAnchor, tx.CredentialHash); a.Included {
			return fmt.Errorf("%w: %s at height %d", ErrAlreadyAnchored, tx.CredentialHash.Hex(), a.Height)
		}
		if _, ok := e.pool.pendingAnchor(tx.CredentialHash); ok {
			return fmt.Errorf("%w: %s is pending", ErrAlreadyAnchored, tx.CredentialHash.Hex())
		}

	case KindRevoke:
		issuer := ""
		if a := snap.inclusion(KindAnchor, tx.CredentialHash); a.Included {
			issuer = a.Issuer
		} else if pending, ok := e.pool.pendingAnchor(tx.CredentialHash); ok {
			if tx.SubmittedAt.Before(pending.SubmittedAt) {
				return fmt.Errorf("%w: revocation predates its pending anchor", ErrMalformedTransaction)
			}
			issuer = pending.Issuer
		} else {
			return fmt.Errorf("%w: %s", ErrUnknownCredential, tx.CredentialHash.Hex())
		}
		if issuer != tx.Issuer {
			return fmt.Errorf("%w: anchored by %s", ErrIssuerMismatch, issuer)
		}
		if r := snap.inclusion(KindRevoke, tx.CredentialHash); r.Included || e.pool.pendingRevoke(tx.CredentialHash) {
			return fmt.Errorf("%w: %s", ErrAlreadyRevoked, tx.CredentialHash.Hex())
		}
	}
	return nil
}

// ProduceBlock drains the pending pool into a new block on top of the tip.
// It is the only operation that appends to the chain.
func (e *Engine) ProduceBlock(ctx context.Context) (*Block, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ctx, span := e.tracer.Start(ctx, "ledger.ProduceBlock")
	defer span.End()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if e.store != nil && !e.loaded {
		return nil, ErrNotLoaded
	}
	if fault := e.fault.Load(); fault != nil {
		return nil, fmt.Errorf("%w: %v", ErrChainCorrupt, fault)
	}

	snap := e.snap.Load()
	tip := snap.tip()

	// 1. Pending: collect queued transactions in block order
	e.poolMu.Lock()
	drained := e.pool.drain(e.maxTxs)
	e.poolMu.Unlock()

	txs, dropped := admissible(snap, drained)
	e.log.WithFields(logrus.Fields{
		"height":  tip.Height + 1,
		"txs":     len(txs),
		"dropped": dropped,
		"state":   StatePending.String(),
	}).Debug("Collected block candidate")

	// 2. Validated: hash and check linkage against the tip
	block := NewBlock(tip, txs, e.blockTime(tip))
	if err := e.validateCandidate(snap, block); err != nil {
		e.abort(span, err)
		return nil, err
	}

	// 3. Persist before publishing
	if e.store != nil {
		if err := e.store.StoreBlock(ctx, block.Clone()); err != nil {
			err = fmt.Errorf("failed to store block %d: %w", block.Height, err)
			e.abort(span, err)
			return nil, err
		}
	}

	// 4. Appended: publish the new snapshot
	e.poolMu.Lock()
	e.snap.Store(snap.extend(block))
	e.pool.commit()
	e.poolMu.Unlock()

	for _, o := range e.observers {
		o.BlockAppended(block.Clone())
	}

	span.SetAttributes(
		attribute.Int64("ledger.height", int64(block.Height)),
		attribute.Int("ledger.txs", len(block.Transactions)),
	)
	e.log.WithFields(logrus.Fields{
		"height": block.Height,
		"hash":   block.Hash.Hex(),
		"txs":    len(block.Transactions),
		"state":  StateAppended.String(),
	}).Info("Block appended")

	return block.Clone(), nil
}

// admissible filters drained transactions against the chain they are about
// to extend. Anything that is no longer valid is dropped.
// A revocation is only kept after its anchor, on the chain or earlier in the
// same block.
func admissible(snap *snapshot, drained []pendingTx) ([]Transaction, int) {
	txs := make([]Transaction, 0, len(drained))
	anchored := make(map[crypto.Digest]string)
	revoked := make(map[crypto.Digest]bool)
	for _, ptx := range drained {
		tx := ptx.tx
		switch tx.Kind {
		case KindAnchor:
			if _, ok := anchored[tx.CredentialHash]; ok || snap.inclusion(KindAnchor, tx.CredentialHash).Included {
				continue
			}
			anchored[tx.CredentialHash] = tx.Issuer
		case KindRevoke:
			if revoked[tx.CredentialHash] || snap.inclusion(KindRevoke, tx.CredentialHash).Included {
				continue
			}
			issuer := anchored[tx.CredentialHash]
			if a := snap.inclusion(KindAnchor, tx.CredentialHash); a.Included {
				issuer = a.Issuer
			}
			if issuer == "" || issuer != tx.Issuer {
				continue
			}
			revoked[tx.CredentialHash] = true
		}
		txs = append(txs, tx)
	}
	return txs, len(drained) - len(txs)
}

func (e *Engine) validateCandidate(snap *snapshot, block *Block) error {
	tip := snap.tip()
	if e.snap.Load() != snap || block.PrevHash != tip.Hash || block.Height != tip.Height+1 {
		return fmt.Errorf("%w: candidate %d does not extend tip %d", ErrStaleTip, block.Height, tip.Height)
	}
	if reason := checkBlock(block, tip, tip.Height+1); reason != "" {
		return &IntegrityError{Height: block.Height, Reason: reason}
	}
	e.log.WithFields(logrus.Fields{
		"height": block.Height,
		"hash":   block.Hash.Hex(),
		"state":  StateValidated.String(),
	}).Debug("Validated block candidate")
	return nil
}

// abort returns in-flight transactions to the queue after a failed production.
func (e *Engine) abort(span trace.Span, err error) {
	e.poolMu.Lock()
	e.pool.restore()
	e.poolMu.Unlock()

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	e.log.WithError(err).Error("Block production aborted")
}

func (e *Engine) blockTime(tip *Block) time.Time {
	now := e.clock().UTC().Round(0)
	if now.Before(tip.Timestamp) {
		return tip.Timestamp
	}
	return now
}

// View is what one snapshot of the chain says about a credential hash.
type View struct {
	Anchor     Inclusion
	Revocation Inclusion
	// Height is the tip of the snapshot both inclusions were read from.
	Height uint64
	// FaultHeight is the lowest known corrupt height when Faulted is set.
	FaultHeight uint64
	Faulted     bool
}

// Lookup reads the anchor and revocation of hash from a single snapshot, so
// a block appended concurrently is either fully visible or not at all.
func (e *Engine) Lookup(hash crypto.Digest) View {
	snap := e.snap.Load()
	v := View{
		Anchor:     snap.inclusion(KindAnchor, hash),
		Revocation: snap.inclusion(KindRevoke, hash),
		Height:     snap.height(),
	}
	if fault := e.fault.Load(); fault != nil && fault.Height <= v.Height {
		v.FaultHeight, v.Faulted = fault.Height, true
	}
	return v
}

// GetAnchor returns where the ANCHOR transaction for hash was included.
func (e *Engine) GetAnchor(hash crypto.Digest) Inclusion {
	return e.snap.Load().inclusion(KindAnchor, hash)
}

// GetRevocation returns where the REVOKE transaction for hash was included.
func (e *Engine) GetRevocation(hash crypto.Digest) Inclusion {
	return e.snap.Load().inclusion(KindRevoke, hash)
}

// Height returns the tip height.
func (e *Engine) Height() uint64 {
	return e.snap.Load().height()
}

// Tip returns a copy of the tip block.
func (e *Engine) Tip() *Block {
	return e.snap.Load().tip().Clone()
}

// Block returns a copy of the block at height.
func (e *Engine) Block(height uint64) (*Block, error) {
	snap := e.snap.Load()
	if height > snap.height() {
		return nil, fmt.Errorf("%w: %d > tip %d", ErrHeightOutOfRange, height, snap.height())
	}
	return snap.blocks[height].Clone(), nil
}

// Blocks returns copies of the blocks in [from, to].
func (e *Engine) Blocks(from, to uint64) ([]*Block, error) {
	snap := e.snap.Load()
	if from > to {
		return nil, fmt.Errorf("%w: %d > %d", ErrInvalidRange, from, to)
	}
	if to > snap.height() {
		return nil, fmt.Errorf("%w: %d > tip %d", ErrHeightOutOfRange, to, snap.height())
	}
	return cloneBlocks(snap.blocks[from : to+1]), nil
}

// State returns the lifecycle state of the block at height.
func (e *Engine) State(height uint64) (State, error) {
	snap := e.snap.Load()
	if height > snap.height() {
		return 0, fmt.Errorf("%w: %d > tip %d", ErrHeightOutOfRange, height, snap.height())
	}
	if snap.confirmed(height) {
		return StateConfirmed, nil
	}
	return StateAppended, nil
}

// IsConfirmed reports whether the block at height is Confirmed.
func (e *Engine) IsConfirmed(height uint64) bool {
	return e.snap.Load().confirmed(height)
}

// Confirmations returns K.
func (e *Engine) Confirmations() uint64 {
	return e.confirmations
}

// Pending returns the number of queued transactions.
func (e *Engine) Pending() int {
	e.poolMu.Lock()
	defer e.poolMu.Unlock()
	return e.pool.size()
}

// FaultHeight returns the lowest height known to be corrupt.
func (e *Engine) FaultHeight() (uint64, bool) {
	if fault := e.fault.Load(); fault != nil {
		return fault.Height, true
	}
	return 0, false
}

// trustedBlocks returns the chain prefix below any known fault.
func (e *Engine) trustedBlocks(snap *snapshot) []*Block {
	if fault := e.fault.Load(); fault != nil && fault.Height <= snap.height() {
		return snap.blocks[:fault.Height]
	}
	return snap.blocks
}

func (e *Engine) resetObservers(blocks []*Block) {
	for _, o := range e.observers {
		o.ChainReset(cloneBlocks(blocks))
	}
}
