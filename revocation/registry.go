// Package revocation keeps a derived view of which credential hashes have
// been revoked, and at which height. The view is rebuilt from the chain at
// any time; the chain stays the source of truth.
package revocation

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/pilacorp/go-credential-ledger/crypto"
	"github.com/pilacorp/go-credential-ledger/ledger"
)

// BlockSource is the chain a registry is rebuilt from.
type BlockSource interface {
	Height() uint64
	Blocks(from, to uint64) ([]*ledger.Block, error)
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(r *Registry) {
		r.log = log
	}
}

// Registry maps credential hashes to the height of their REVOKE transaction.
// It implements ledger.Observer.
type Registry struct {
	mu      sync.RWMutex
	revoked map[crypto.Digest]uint64
	height  uint64

	rebuilds singleflight.Group
	log      logrus.FieldLogger
}

var _ ledger.Observer = (*Registry)(nil)

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		revoked: make(map[crypto.Digest]uint64),
		log:     logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.WithField("component", "revocation")
	return r
}

// IsRevoked reports whether hash was revoked at or before atHeight.
func (r *Registry) IsRevoked(hash crypto.Digest, atHeight uint64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	height, ok := r.revoked[hash]
	return ok && height <= atHeight
}

// RevokedAt returns the height at which hash was revoked.
func (r *Registry) RevokedAt(hash crypto.Digest) (uint64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	height, ok := r.revoked[hash]
	return height, ok
}

// Height returns the height of the last block applied.
func (r *Registry) Height() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.height
}

// Len returns the number of revoked credentials.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.revoked)
}

// BlockAppended applies the REVOKE transactions of b.
func (r *Registry) BlockAppended(b *ledger.Block) {
	r.mu.Lock()
	defer r.mu.Unlock()
	applyBlock(r.revoked, b)
	r.height = b.Height
}

// ChainReset replaces the view with one derived from blocks.
func (r *Registry) ChainReset(blocks []*ledger.Block) {
	revoked, height := replay(blocks)

	r.mu.Lock()
	r.revoked = revoked
	r.height = height
	r.mu.Unlock()

	r.log.WithFields(logrus.Fields{
		"height":  height,
		"revoked": len(revoked),
	}).Info("Revocation registry reset")
}

// Rebuild replays the chain from genesis up to upTo. Blocks above upTo that
// were applied while replaying are kept, so the height never moves back.
// Concurrent rebuilds to the same height share one replay.
func (r *Registry) Rebuild(ctx context.Context, src BlockSource, upTo uint64) error {
	_, err, shared := r.rebuilds.Do(strconv.FormatUint(upTo, 10), func() (interface{}, error) {
		blocks, err := src.Blocks(0, upTo)
		if err != nil {
			return nil, fmt.Errorf("failed to read blocks: %w", err)
		}

		revoked := make(map[crypto.Digest]uint64)
		for _, b := range blocks {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			applyBlock(revoked, b)
		}

		r.mu.Lock()
		height := upTo
		if r.height > upTo {
			for hash, at := range r.revoked {
				if _, ok := revoked[hash]; !ok && at > upTo {
					revoked[hash] = at
				}
			}
			height = r.height
		}
		r.revoked = revoked
		r.height = height
		r.mu.Unlock()

		r.log.WithFields(logrus.Fields{
			"height":  height,
			"replay":  upTo,
			"revoked": len(revoked),
		}).Info("Revocation registry rebuilt")
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("failed to rebuild revocation registry: %w", err)
	}
	if shared {
		r.log.WithField("height", upTo).Debug("Joined in-flight registry rebuild")
	}
	return nil
}

func replay(blocks []*ledger.Block) (map[crypto.Digest]uint64, uint64) {
	revoked := make(map[crypto.Digest]uint64)
	var height uint64
	for _, b := range blocks {
		applyBlock(revoked, b)
		height = b.Height
	}
	return revoked, height
}

func applyBlock(revoked map[crypto.Digest]uint64, b *ledger.Block) {
	for _, tx := range b.Transactions {
		if tx.Kind != ledger.KindRevoke {
			continue
		}
		if _, ok := revoked[tx.CredentialHash]; !ok {
			revoked[tx.CredentialHash] = b.Height
		}
	}
}
