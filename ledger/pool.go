package ledger

import (
	"golang.org/x/exp/slices"

	"github.com/pilacorp/go-credential-ledger/crypto"
)

type pendingTx struct {
	tx   Transaction
	hash crypto.Digest
}

// pool holds submitted transactions until a block drains them. Drained
// transactions stay visible as in-flight until the block is published or
// the production fails. Callers hold the engine's pool lock.
type pool struct {
	queued   []pendingTx
	inflight []pendingTx
	hashes   map[crypto.Digest]struct{}
	anchors  map[crypto.Digest]Transaction
	revokes  map[crypto.Digest]struct{}
}

func newPool() *pool {
	return &pool{
		hashes:  make(map[crypto.Digest]struct{}),
		anchors: make(map[crypto.Digest]Transaction),
		revokes: make(map[crypto.Digest]struct{}),
	}
}

func (p *pool) contains(hash crypto.Digest) bool {
	_, ok := p.hashes[hash]
	return ok
}

func (p *pool) pendingAnchor(credential crypto.Digest) (Transaction, bool) {
	tx, ok := p.anchors[credential]
	return tx, ok
}

func (p *pool) pendingRevoke(credential crypto.Digest) bool {
	_, ok := p.revokes[credential]
	return ok
}

func (p *pool) add(ptx pendingTx) {
	p.queued = append(p.queued, ptx)
	p.track(ptx)
}

func (p *pool) track(ptx pendingTx) {
	p.hashes[ptx.hash] = struct{}{}
	switch ptx.tx.Kind {
	case KindAnchor:
		p.anchors[ptx.tx.CredentialHash] = ptx.tx
	case KindRevoke:
		p.revokes[ptx.tx.CredentialHash] = struct{}{}
	}
}

func (p *pool) untrack(ptx pendingTx) {
	delete(p.hashes, ptx.hash)
	switch ptx.tx.Kind {
	case KindAnchor:
		delete(p.anchors, ptx.tx.CredentialHash)
	case KindRevoke:
		delete(p.revokes, ptx.tx.CredentialHash)
	}
}

// drain moves up to max queued transactions (all when max is 0) in block
// order to in-flight and returns them.
func (p *pool) drain(max int) []pendingTx {
	sortPending(p.queued)
	n := len(p.queued)
	if max > 0 && n > max {
		n = max
	}
	p.inflight = append(p.inflight[:0], p.queued[:n]...)
	p.queued = append([]pendingTx(nil), p.queued[n:]...)
	return append([]pendingTx(nil), p.inflight...)
}

// commit forgets the in-flight transactions once their block is published.
func (p *pool) commit() {
	for _, ptx := range p.inflight {
		p.untrack(ptx)
	}
	p.inflight = p.inflight[:0]
}

// restore puts in-flight transactions back in the queue.
func (p *pool) restore() {
	p.queued = append(p.inflight, p.queued...)
	p.inflight = nil
}

// requeue adds transactions orphaned by a fork switch.
func (p *pool) requeue(txs []pendingTx) {
	for _, ptx := range txs {
		if p.contains(ptx.hash) {
			continue
		}
		p.add(ptx)
	}
}

func (p *pool) size() int {
	return len(p.queued)
}

// sortPending orders by submission time, anchors before revocations, then
// by transaction hash.
func sortPending(txs []pendingTx) {
	slices.SortFunc(txs, func(a, b pendingTx) int {
		if c := a.tx.SubmittedAt.Compare(b.tx.SubmittedAt); c != 0 {
			return c
		}
		if a.tx.Kind != b.tx.Kind {
			return int(a.tx.Kind) - int(b.tx.Kind)
		}
		return crypto.Compare(a.hash, b.hash)
	})
}
