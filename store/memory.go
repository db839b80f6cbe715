package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/pilacorp/go-credential-ledger/did"
	"github.com/pilacorp/go-credential-ledger/ledger"
)

// Memory keeps both logs in process memory. Nothing survives a restart.
type Memory struct {
	mu        sync.RWMutex
	blocks    []*ledger.Block
	documents map[string][]did.Document
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{documents: make(map[string][]did.Document)}
}

// LoadBlock returns the block at height.
func (m *Memory) LoadBlock(ctx context.Context, height uint64) (*ledger.Block, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if height >= uint64(len(m.blocks)) {
		return nil, fmt.Errorf("%w: height %d", ErrBlockNotFound, height)
	}
	return m.blocks[height].Clone(), nil
}

// StoreBlock appends b. Its height must directly follow the stored tip.
func (m *Memory) StoreBlock(ctx context.Context, b *ledger.Block) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := checkNextHeight(b.Height, uint64(len(m.blocks))); err != nil {
		return err
	}
	m.blocks = append(m.blocks, b.Clone())
	return nil
}

// RewindTo drops every block above height.
func (m *Memory) RewindTo(ctx context.Context, height uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if height+1 < uint64(len(m.blocks)) {
		clear(m.blocks[height+1:])
		m.blocks = m.blocks[:height+1]
	}
	return nil
}

// LoadDocumentVersions returns every stored version of the document, oldest first.
func (m *Memory) LoadDocumentVersions(ctx context.Context, id string) ([]did.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := did.Validate(id); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	versions := m.documents[id]
	out := make([]did.Document, len(versions))
	for i := range versions {
		out[i] = *versions[i].Clone()
	}
	return out, nil
}

// StoreDocumentVersion appends doc to the version log of the DID.
func (m *Memory) StoreDocumentVersion(ctx context.Context, id string, doc did.Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := did.Validate(id); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	versions := m.documents[id]
	if err := checkNextVersion(id, doc.Version, uint64(len(versions))+1); err != nil {
		return err
	}
	m.documents[id] = append(versions, *doc.Clone())
	return nil
}

// Close is a no-op.
func (m *Memory) Close() error {
	return nil
}
