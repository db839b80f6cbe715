package ledger

import (
	"sync"

	"github.com/pilacorp/go-credential-ledger/crypto"
)

// Inclusion describes where a transaction for a credential hash was included.
// Confirmed is false while the block is Appended but not yet Confirmed, in
// which case any answer derived from it is provisional.
type Inclusion struct {
	Height    uint64 `json:"height"`
	Included  bool   `json:"included"`
	Confirmed bool   `json:"confirmed"`
	Issuer    string `json:"issuer,omitempty"`
}

// Provisional reports whether the inclusion is not yet confirmed.
func (i Inclusion) Provisional() bool {
	return i.Included && !i.Confirmed
}

type indexEntry struct {
	height uint64
	issuer string
}

// index maps credential hashes to the height of their ANCHOR and REVOKE
// transactions. It is shared by all snapshots of one chain lineage and only
// grows; a snapshot ignores entries above its own tip.
type index struct {
	mu      sync.RWMutex
	anchors map[crypto.Digest]indexEntry
	revokes map[crypto.Digest]indexEntry
}

func newIndex(blocks []*Block) *index {
	idx := &index{
		anchors: make(map[crypto.Digest]indexEntry),
		revokes: make(map[crypto.Digest]indexEntry),
	}
	for _, b := range blocks {
		idx.add(b)
	}
	return idx
}

func (idx *index) add(b *Block) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for _, tx := range b.Transactions {
		entry := indexEntry{height: b.Height, issuer: tx.Issuer}
		switch tx.Kind {
		case KindAnchor:
			if _, ok := idx.anchors[tx.CredentialHash]; !ok {
				idx.anchors[tx.CredentialHash] = entry
			}
		case KindRevoke:
			if _, ok := idx.revokes[tx.CredentialHash]; !ok {
				idx.revokes[tx.CredentialHash] = entry
			}
		}
	}
}

func (idx *index) lookup(kind Kind, hash crypto.Digest) (indexEntry, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	var (
		entry indexEntry
		ok    bool
	)
	switch kind {
	case KindAnchor:
		entry, ok = idx.anchors[hash]
	case KindRevoke:
		entry, ok = idx.revokes[hash]
	}
	return entry, ok
}

// snapshot is an immutable view of the chain. Readers load it atomically
// and never observe a partially appended block.
type snapshot struct {
	blocks        []*Block
	index         *index
	confirmations uint64
}

func (s *snapshot) tip() *Block {
	return s.blocks[len(s.blocks)-1]
}

func (s *snapshot) height() uint64 {
	return s.tip().Height
}

func (s *snapshot) confirmed(height uint64) bool {
	return height <= s.height() && s.height()-height >= s.confirmations
}

func (s *snapshot) inclusion(kind Kind, hash crypto.Digest) Inclusion {
	entry, ok := s.index.lookup(kind, hash)
	if !ok || entry.height > s.height() {
		return Inclusion{}
	}
	return Inclusion{
		Height:    entry.height,
		Included:  true,
		Confirmed: s.confirmed(entry.height),
		Issuer:    entry.issuer,
	}
}

// extend returns a snapshot with b appended. The backing array may be
// shared with s; s never reads past its own length.
func (s *snapshot) extend(b *Block) *snapshot {
	s.index.add(b)
	return &snapshot{
		blocks:        append(s.blocks, b),
		index:         s.index,
		confirmations: s.confirmations,
	}
}

func newSnapshot(blocks []*Block, confirmations uint64) *snapshot {
	owned := make([]*Block, len(blocks))
	copy(owned, blocks)
	return &snapshot{
		blocks:        owned,
		index:         newIndex(owned),
		confirmations: confirmations,
	}
}
