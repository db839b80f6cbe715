package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/pilacorp/go-credential-ledger/did"
	"github.com/pilacorp/go-credential-ledger/ledger"
)

// DefaultOpenTimeout bounds how long OpenBolt waits for the file lock.
const DefaultOpenTimeout = 5 * time.Second

var (
	blocksBucket    = []byte("blocks")
	documentsBucket = []byte("documents")
)

// Bolt persists both logs in a single bbolt file.
//
// Blocks are keyed by big-endian height; document versions by
// did | 0x00 | big-endian version, so one DID's versions are contiguous and
// ordered.
type Bolt struct {
	db *bolt.DB
}

// OpenBolt opens or creates the store at path.
func OpenBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: DefaultOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{blocksBucket, documentsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Bolt{db: db}, nil
}

// LoadBlock returns the block at height.
func (s *Bolt) LoadBlock(ctx context.Context, height uint64) (*ledger.Block, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var b *ledger.Block
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(blocksBucket).Get(heightKey(height))
		if data == nil {
			return fmt.Errorf("%w: height %d", ErrBlockNotFound, height)
		}
		var err error
		b, err = decodeBlock(data)
		if err != nil {
			return fmt.Errorf("failed to decode block %d: %w", height, err)
		}
		return nil
	})
	return b, err
}

// StoreBlock appends b. Its height must directly follow the stored tip.
func (s *Bolt) StoreBlock(ctx context.Context, b *ledger.Block) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := encodeBlock(b)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(blocksBucket)

		next := uint64(0)
		if k, _ := bucket.Cursor().Last(); k != nil {
			next = binary.BigEndian.Uint64(k) + 1
		}
		if err := checkNextHeight(b.Height, next); err != nil {
			return err
		}
		return bucket.Put(heightKey(b.Height), data)
	})
}

// RewindTo drops every block above height.
func (s *Bolt) RewindTo(ctx context.Context, height uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(blocksBucket)

		// Deleting under a live cursor skips keys, so collect first.
		var stale [][]byte
		c := bucket.Cursor()
		for k, _ := c.Seek(heightKey(height + 1)); k != nil; k, _ = c.Next() {
			stale = append(stale, append([]byte(nil), k...))
		}
		for _, k := range stale {
			if err := bucket.Delete(k); err != nil {
				return fmt.Errorf("failed to delete block %d: %w", binary.BigEndian.Uint64(k), err)
			}
		}
		return nil
	})
}

// LoadDocumentVersions returns every stored version of the document, oldest first.
func (s *Bolt) LoadDocumentVersions(ctx context.Context, id string) ([]did.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// The key prefix is id followed by a NUL, which a valid DID never contains.
	if err := did.Validate(id); err != nil {
		return nil, err
	}

	var docs []did.Document
	err := s.db.View(func(tx *bolt.Tx) error {
		prefix := documentPrefix(id)
		c := tx.Bucket(documentsBucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			if len(k) != len(prefix)+8 {
				continue
			}
			doc, err := decodeDocument(v)
			if err != nil {
				return fmt.Errorf("failed to decode %s version %d: %w", id, binary.BigEndian.Uint64(k[len(prefix):]), err)
			}
			docs = append(docs, *doc)
		}
		return nil
	})
	return docs, err
}

// StoreDocumentVersion appends doc to the version log of the DID.
func (s *Bolt) StoreDocumentVersion(ctx context.Context, id string, doc did.Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := did.Validate(id); err != nil {
		return err
	}

	data, err := encodeDocument(&doc)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(documentsBucket)
		prefix := documentPrefix(id)

		next := uint64(1)
		c := bucket.Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			if len(k) == len(prefix)+8 {
				next = binary.BigEndian.Uint64(k[len(prefix):]) + 1
			}
		}
		if err := checkNextVersion(id, doc.Version, next); err != nil {
			return err
		}
		return bucket.Put(documentKey(id, doc.Version), data)
	})
}

// Close releases the file lock.
func (s *Bolt) Close() error {
	return s.db.Close()
}

func heightKey(height uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, height)
}

func documentPrefix(id string) []byte {
	return append([]byte(id), 0x00)
}

func documentKey(id string, version uint64) []byte {
	return binary.BigEndian.AppendUint64(documentPrefix(id), version)
}
