package ledger

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/pilacorp/go-credential-ledger/crypto"
)

// DefaultVerifyWorkers is the number of goroutines re-hashing blocks.
const DefaultVerifyWorkers = 4

// verifyBatch is the number of consecutive blocks one worker checks per task.
const verifyBatch = 64

// VerifySegment checks a contiguous run of blocks. prev is the block
// preceding blocks[0], or nil when the segment starts at genesis or its
// predecessor is unknown. It only reads its input, so cancelling ctx aborts
// it without side effects.
//
// On failure it returns an *IntegrityError for the lowest failing height.
func VerifySegment(ctx context.Context, prev *Block, blocks []*Block, workers int) error {
	if len(blocks) == 0 {
		return nil
	}
	if workers <= 0 {
		workers = DefaultVerifyWorkers
	}

	first := blocks[0].Height
	reasons := make([]string, len(blocks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for start := 0; start < len(blocks); start += verifyBatch {
		end := min(start+verifyBatch, len(blocks))
		g.Go(func() error {
			for i := start; i < end; i++ {
				if err := gctx.Err(); err != nil {
					return err
				}
				var before *Block
				if i > 0 {
					before = blocks[i-1]
				} else {
					before = prev
				}
				reasons[i] = checkBlock(blocks[i], before, first+uint64(i))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("chain verification aborted: %w", err)
	}

	for i, reason := range reasons {
		if reason != "" {
			return &IntegrityError{Height: first + uint64(i), Reason: reason}
		}
	}
	return nil
}

// checkBlock returns why b is invalid at the expected height, or "".
// prev may be nil when the predecessor is not available.
func checkBlock(b, prev *Block, height uint64) string {
	if b == nil {
		return "missing block"
	}
	if b.Height != height {
		return fmt.Sprintf("height field is %d", b.Height)
	}
	if computed := b.ComputeHash(); computed != b.Hash {
		return fmt.Sprintf("stored hash %s does not match recomputed %s", b.Hash.Hex(), computed.Hex())
	}
	switch {
	case height == 0:
		if b.PrevHash != crypto.ZeroDigest {
			return "genesis block references a previous hash"
		}
	case prev != nil:
		if b.PrevHash != prev.Hash {
			return fmt.Sprintf("previous hash %s does not match block %d hash %s", b.PrevHash.Hex(), prev.Height, prev.Hash.Hex())
		}
		if b.Timestamp.Before(prev.Timestamp) {
			return "timestamp precedes previous block"
		}
	}
	return ""
}
