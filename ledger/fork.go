package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/pilacorp/go-credential-ledger/crypto"
	"github.com/pilacorp/go-credential-ledger/errdefs"
)

// ErrEmptyChain is returned when a chain to reconcile has no blocks.
var ErrEmptyChain = fmt.Errorf("empty chain: %w", errdefs.ErrMalformedInput)

// CompareChains decides between two valid chains rooted at the same genesis.
// It returns -1 when a is canonical, 1 when b is, and 0 when both end in the
// same tip. The longer chain wins; on equal length the tip with the
// numerically smaller hash wins, regardless of which was seen first.
func CompareChains(a, b []*Block) int {
	switch {
	case len(a) == 0 && len(b) == 0:
		return 0
	case len(b) == 0:
		return -1
	case len(a) == 0:
		return 1
	case len(a) > len(b):
		return -1
	case len(a) < len(b):
		return 1
	}
	return crypto.Compare(a[len(a)-1].Hash, b[len(b)-1].Hash)
}

// Canonical verifies both chains and returns the one that should be adopted.
// An invalid chain always loses to a valid one.
func Canonical(ctx context.Context, a, b []*Block, workers int) ([]*Block, error) {
	errA := VerifySegment(ctx, nil, a, workers)
	errB := VerifySegment(ctx, nil, b, workers)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	switch {
	case errA != nil && errB != nil:
		return nil, errors.Join(errA, errB)
	case errA != nil:
		return b, nil
	case errB != nil:
		return a, nil
	case CompareChains(a, b) <= 0:
		return a, nil
	default:
		return b, nil
	}
}

// Reconcile compares the local chain with a foreign chain starting at
// genesis and switches to the foreign chain when it is canonical. Confirmed
// blocks are never replaced unless they lie above a known fault. It reports
// whether the foreign chain was adopted.
func (e *Engine) Reconcile(ctx context.Context, foreign []*Block) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ctx, span := e.tracer.Start(ctx, "ledger.Reconcile")
	defer span.End()

	// 1. Validate the foreign chain
	if len(foreign) == 0 {
		return false, ErrEmptyChain
	}
	foreign = cloneBlocks(foreign)
	if foreign[0].Height != 0 {
		return false, fmt.Errorf("%w: foreign chain starts at height %d", ErrInvalidRange, foreign[0].Height)
	}
	if err := VerifySegment(ctx, nil, foreign, e.workers); err != nil {
		return false, fmt.Errorf("foreign chain rejected: %w", err)
	}

	snap := e.snap.Load()
	current := snap.blocks
	if foreign[0].Hash != current[0].Hash {
		return false, ErrGenesisMismatch
	}

	// 2. Fork choice against the trusted part of the local chain
	if CompareChains(e.trustedBlocks(snap), foreign) <= 0 {
		return false, nil
	}

	fork := 0
	for fork < len(current) && fork < len(foreign) && current[fork].Hash == foreign[fork].Hash {
		fork++
	}
	if fork == len(foreign) {
		return false, nil
	}

	fault := e.fault.Load()
	if fork < len(current) && snap.confirmed(uint64(fork)) && (fault == nil || uint64(fork) < fault.Height) {
		return false, fmt.Errorf("%w: fork at height %d, tip %d, confirmations %d",
			ErrConfirmedReorg, fork, snap.height(), e.confirmations)
	}

	// 3. Persist the switch
	if e.store != nil {
		if fork < len(current) {
			rw, ok := e.store.(Rewinder)
			if !ok {
				return false, ErrRewindUnsupported
			}
			if err := rw.RewindTo(ctx, uint64(fork-1)); err != nil {
				return false, fmt.Errorf("failed to rewind block store to %d: %w", fork-1, err)
			}
		}
		for _, b := range foreign[fork:] {
			if err := e.store.StoreBlock(ctx, b.Clone()); err != nil {
				return false, fmt.Errorf("failed to store block %d: %w", b.Height, err)
			}
		}
	}

	// 4. Publish and requeue orphaned transactions
	next := newSnapshot(foreign, e.confirmations)
	var orphans []pendingTx
	for _, b := range current[fork:] {
		for _, tx := range b.Transactions {
			if !next.inclusion(tx.Kind, tx.CredentialHash).Included {
				orphans = append(orphans, pendingTx{tx: tx, hash: tx.Hash()})
			}
		}
	}

	e.poolMu.Lock()
	e.snap.Store(next)
	e.pool.requeue(orphans)
	e.poolMu.Unlock()
	e.fault.Store(nil)

	e.resetObservers(next.blocks)

	e.log.WithFields(logrus.Fields{
		"fork_height": fork,
		"old_tip":     snap.tip().Hash.Hex(),
		"new_tip":     next.tip().Hash.Hex(),
		"height":      next.height(),
		"requeued":    len(orphans),
	}).Warn("Switched to foreign chain")

	return true, nil
}
