// Package store provides append-only persistence for the block log and the
// DID document version log.
package store

import (
	"fmt"
	"io"

	"github.com/pilacorp/go-credential-ledger/did"
	"github.com/pilacorp/go-credential-ledger/errdefs"
	"github.com/pilacorp/go-credential-ledger/ledger"
)

var (
	// ErrBlockNotFound is returned when no block is stored at a height.
	ErrBlockNotFound = fmt.Errorf("block not found: %w", errdefs.ErrNotFound)
	// ErrHeightExists is returned when a block is stored twice at the same height.
	ErrHeightExists = fmt.Errorf("block height already stored: %w", errdefs.ErrConflictingState)
	// ErrHeightGap is returned when a block does not directly follow the stored tip.
	ErrHeightGap = fmt.Errorf("block height does not follow the stored tip: %w", errdefs.ErrConflictingState)
	// ErrVersionExists is returned when a document version is stored twice.
	ErrVersionExists = fmt.Errorf("document version already stored: %w", errdefs.ErrConflictingState)
	// ErrVersionGap is returned when a document version does not follow the stored latest.
	ErrVersionGap = fmt.Errorf("document version does not follow the stored latest: %w", errdefs.ErrConflictingState)
	// ErrCorruptRecord is returned when a stored record cannot be decoded.
	ErrCorruptRecord = fmt.Errorf("corrupt record: %w", errdefs.ErrIntegrityViolation)
)

// Store is a persistence backend for a node.
type Store interface {
	ledger.BlockStore
	ledger.Rewinder
	did.VersionStore
	io.Closer
}

var (
	_ Store = (*Memory)(nil)
	_ Store = (*Bolt)(nil)
)

func checkNextHeight(height, next uint64) error {
	switch {
	case height < next:
		return fmt.Errorf("%w: %d", ErrHeightExists, height)
	case height > next:
		return fmt.Errorf("%w: got %d, want %d", ErrHeightGap, height, next)
	}
	return nil
}

func checkNextVersion(id string, version, next uint64) error {
	switch {
	case version < next:
		return fmt.Errorf("%w: %s version %d", ErrVersionExists, id, version)
	case version > next:
		return fmt.Errorf("%w: %s got version %d, want %d", ErrVersionGap, id, version, next)
	}
	return nil
}
