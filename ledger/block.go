package ledger

import (
	"encoding/binary"
	"time"

	"github.com/pilacorp/go-credential-ledger/crypto"
)

// State is the lifecycle state of a block.
type State uint8

// Block states. A block moves Pending -> Validated -> Appended -> Confirmed.
const (
	StatePending State = iota
	StateValidated
	StateAppended
	StateConfirmed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "Pending"
	case StateValidated:
		return "Validated"
	case StateAppended:
		return "Appended"
	case StateConfirmed:
		return "Confirmed"
	default:
		return "Unknown"
	}
}

// Block is an ordered batch of transactions linked to its predecessor.
// PrevHash is the zero digest only for the genesis block.
type Block struct {
	Height       uint64        `json:"height"`
	PrevHash     crypto.Digest `json:"prevHash"`
	Timestamp    time.Time     `json:"timestamp"`
	Transactions []Transaction `json:"transactions"`
	Hash         crypto.Digest `json:"hash"`
}

// NewBlock builds a block on top of prev and computes its hash. A nil prev
// yields a genesis block.
func NewBlock(prev *Block, txs []Transaction, timestamp time.Time) *Block {
	b := &Block{
		Timestamp:    timestamp.UTC().Round(0),
		Transactions: append([]Transaction(nil), txs...),
	}
	if prev != nil {
		b.Height = prev.Height + 1
		b.PrevHash = prev.Hash
	}
	b.Hash = b.ComputeHash()
	return b
}

// Genesis returns the genesis block for the given timestamp.
func Genesis(timestamp time.Time) *Block {
	return NewBlock(nil, nil, timestamp)
}

// ComputeHash recomputes the content hash from the block fields.
//
// Layout: prev hash (32) | height (8) | timestamp (12) | tx count (4) | tx hashes (32 each).
func (b *Block) ComputeHash() crypto.Digest {
	buf := make([]byte, 0, crypto.DigestLength+8+timeLength+4+len(b.Transactions)*crypto.DigestLength)
	buf = append(buf, b.PrevHash[:]...)
	buf = binary.BigEndian.AppendUint64(buf, b.Height)
	buf = appendTime(buf, b.Timestamp)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(b.Transactions)))
	for i := range b.Transactions {
		h := b.Transactions[i].Hash()
		buf = append(buf, h[:]...)
	}
	return crypto.Hash(buf)
}

// IsGenesis reports whether b is a genesis block.
func (b *Block) IsGenesis() bool {
	return b.Height == 0
}

// Clone returns a copy that shares no mutable state with b.
func (b *Block) Clone() *Block {
	out := *b
	out.Transactions = append([]Transaction(nil), b.Transactions...)
	return &out
}

func cloneBlocks(blocks []*Block) []*Block {
	out := make([]*Block, len(blocks))
	for i, b := range blocks {
		out[i] = b.Clone()
	}
	return out
}

const timeLength = 12

// appendTime writes t as unix seconds (8) and nanoseconds (4), covering the
// whole time.Time range.
func appendTime(buf []byte, t time.Time) []byte {
	buf = binary.BigEndian.AppendUint64(buf, uint64(t.Unix()))
	return binary.BigEndian.AppendUint32(buf, uint32(t.Nanosecond()))
}
