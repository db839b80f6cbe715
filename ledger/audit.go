package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// VerifyChain recomputes every block hash and previous-hash link in
// [from, to]. On corruption it returns an *IntegrityError for the first
// failing height, records the fault and resets observers to the valid prefix.
func (e *Engine) VerifyChain(ctx context.Context, from, to uint64) error {
	ctx, span := e.tracer.Start(ctx, "ledger.VerifyChain", trace.WithAttributes(
		attribute.Int64("ledger.from", int64(from)),
		attribute.Int64("ledger.to", int64(to)),
	))
	defer span.End()

	snap := e.snap.Load()
	if from > to {
		return ErrInvalidRange
	}
	if to > snap.height() {
		return ErrHeightOutOfRange
	}

	var prev *Block
	if from > 0 {
		prev = snap.blocks[from-1]
	}

	err := VerifySegment(ctx, prev, snap.blocks[from:to+1], e.workers)
	var integrity *IntegrityError
	if errors.As(err, &integrity) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.recordFault(snap, integrity)
	}
	return err
}

// Audit verifies the whole chain.
func (e *Engine) Audit(ctx context.Context) error {
	return e.VerifyChain(ctx, 0, e.Height())
}

// RunAuditor audits the chain every interval until ctx is cancelled.
func (e *Engine) RunAuditor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.Audit(ctx); err != nil && ctx.Err() == nil {
				e.log.WithError(err).Error("Chain audit failed")
			}
		}
	}
}

func (e *Engine) recordFault(snap *snapshot, fault *IntegrityError) {
	e.mu.Lock()
	defer e.mu.Unlock()

	// Ignore results for blocks that were replaced while verifying.
	current := e.snap.Load()
	if fault.Height > current.height() || current.blocks[fault.Height] != snap.blocks[fault.Height] {
		return
	}
	if known := e.fault.Load(); known != nil && known.Height <= fault.Height {
		return
	}

	e.fault.Store(fault)
	e.log.WithFields(logrus.Fields{
		"height": fault.Height,
		"reason": fault.Reason,
	}).Error("Chain integrity violation detected")

	e.resetObservers(current.blocks[:fault.Height])
}
