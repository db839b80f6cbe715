package ledger

import (
	"errors"
	"fmt"

	"github.com/pilacorp/go-credential-ledger/errdefs"
)

var (
	// ErrMalformedTransaction is returned when a transaction fails validation.
	ErrMalformedTransaction = fmt.Errorf("malformed transaction: %w", errdefs.ErrMalformedInput)
	// ErrUnknownCredential is returned when revoking a credential that was never anchored.
	ErrUnknownCredential = fmt.Errorf("unknown credential: %w", errdefs.ErrConflictingState)
	// ErrAlreadyAnchored is returned when anchoring a credential hash twice.
	ErrAlreadyAnchored = fmt.Errorf("credential already anchored: %w", errdefs.ErrConflictingState)
	// ErrAlreadyRevoked is returned when revoking a credential hash twice.
	ErrAlreadyRevoked = fmt.Errorf("credential already revoked: %w", errdefs.ErrConflictingState)
	// ErrIssuerMismatch is returned when a revocation is submitted by a DID
	// other than the one that anchored the credential.
	ErrIssuerMismatch = fmt.Errorf("issuer does not match anchor: %w", errdefs.ErrConflictingState)
	// ErrDuplicateTransaction is returned when an identical transaction is already pending.
	ErrDuplicateTransaction = fmt.Errorf("duplicate transaction: %w", errdefs.ErrConflictingState)
	// ErrStaleTip is returned when a candidate block does not extend the current tip.
	ErrStaleTip = fmt.Errorf("candidate block does not extend the tip: %w", errdefs.ErrConflictingState)
	// ErrGenesisMismatch is returned when a foreign chain has a different genesis block.
	ErrGenesisMismatch = fmt.Errorf("genesis block mismatch: %w", errdefs.ErrConflictingState)
	// ErrConfirmedReorg is returned when a fork would replace confirmed blocks.
	ErrConfirmedReorg = fmt.Errorf("fork would replace confirmed blocks: %w", errdefs.ErrConflictingState)
	// ErrHeightOutOfRange is returned for heights above the tip.
	ErrHeightOutOfRange = fmt.Errorf("height out of range: %w", errdefs.ErrNotFound)
	// ErrInvalidRange is returned when a range is empty or reversed.
	ErrInvalidRange = fmt.Errorf("invalid height range: %w", errdefs.ErrMalformedInput)
	// ErrChainCorrupt is returned by writes while a known integrity fault is unresolved.
	ErrChainCorrupt = fmt.Errorf("chain is corrupt: %w", errdefs.ErrIntegrityViolation)

	// ErrNotLoaded is returned when a block store is configured but Load was not called.
	ErrNotLoaded = errors.New("ledger not loaded from block store")
	// ErrRewindUnsupported is returned when a fork switch needs to rewind a
	// block store that cannot remove blocks.
	ErrRewindUnsupported = errors.New("block store does not support rewinding")
)

// IntegrityError reports the first height at which a chain failed verification.
type IntegrityError struct {
	Height uint64
	Reason string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity violation at height %d: %s", e.Height, e.Reason)
}

// Unwrap returns errdefs.ErrIntegrityViolation.
func (e *IntegrityError) Unwrap() error {
	return errdefs.ErrIntegrityViolation
}
