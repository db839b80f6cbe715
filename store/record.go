package store

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/rlp"

	"github.com/pilacorp/go-credential-ledger/crypto"
	"github.com/pilacorp/go-credential-ledger/did"
	"github.com/pilacorp/go-credential-ledger/ledger"
)

// timeRecord stores unix seconds and nanoseconds separately, covering the
// whole time.Time range. The uint64 conversion round-trips negative seconds.
type timeRecord struct {
	Seconds uint64
	Nanos   uint32
}

type txRecord struct {
	Kind           uint8
	CredentialHash crypto.Digest
	Issuer         string
	SubmittedAt    timeRecord
}

type blockRecord struct {
	Height       uint64
	PrevHash     crypto.Digest
	Timestamp    timeRecord
	Transactions []txRecord
	Hash         crypto.Digest
}

type keyRecord struct {
	ID        string
	Algorithm string
	PublicKey []byte
	Active    bool
}

type documentRecord struct {
	DID             string
	Version         uint64
	EffectiveHeight uint64
	Keys            []keyRecord
	UpdatedAt       timeRecord
}

func encodeTime(t time.Time) timeRecord {
	return timeRecord{Seconds: uint64(t.Unix()), Nanos: uint32(t.Nanosecond())}
}

func decodeTime(v timeRecord) time.Time {
	return time.Unix(int64(v.Seconds), int64(v.Nanos)).UTC()
}

func encodeBlock(b *ledger.Block) ([]byte, error) {
	rec := blockRecord{
		Height:       b.Height,
		PrevHash:     b.PrevHash,
		Timestamp:    encodeTime(b.Timestamp),
		Transactions: make([]txRecord, len(b.Transactions)),
		Hash:         b.Hash,
	}
	for i, tx := range b.Transactions {
		rec.Transactions[i] = txRecord{
			Kind:           uint8(tx.Kind),
			CredentialHash: tx.CredentialHash,
			Issuer:         tx.Issuer,
			SubmittedAt:    encodeTime(tx.SubmittedAt),
		}
	}

	data, err := rlp.EncodeToBytes(&rec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode block %d: %w", b.Height, err)
	}
	return data, nil
}

func decodeBlock(data []byte) (*ledger.Block, error) {
	var rec blockRecord
	if err := rlp.DecodeBytes(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}

	b := &ledger.Block{
		Height:       rec.Height,
		PrevHash:     rec.PrevHash,
		Timestamp:    decodeTime(rec.Timestamp),
		Transactions: make([]ledger.Transaction, len(rec.Transactions)),
		Hash:         rec.Hash,
	}
	for i, tx := range rec.Transactions {
		b.Transactions[i] = ledger.Transaction{
			Kind:           ledger.Kind(tx.Kind),
			CredentialHash: tx.CredentialHash,
			Issuer:         tx.Issuer,
			SubmittedAt:    decodeTime(tx.SubmittedAt),
		}
	}
	return b, nil
}

func encodeDocument(doc *did.Document) ([]byte, error) {
	rec := documentRecord{
		DID:             doc.DID,
		Version:         doc.Version,
		EffectiveHeight: doc.EffectiveHeight,
		Keys:            make([]keyRecord, len(doc.Keys)),
		UpdatedAt:       encodeTime(doc.UpdatedAt),
	}
	for i, k := range doc.Keys {
		rec.Keys[i] = keyRecord{
			ID:        k.ID,
			Algorithm: string(k.Algorithm),
			PublicKey: k.PublicKey,
			Active:    k.Active,
		}
	}

	data, err := rlp.EncodeToBytes(&rec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode document %s version %d: %w", doc.DID, doc.Version, err)
	}
	return data, nil
}

func decodeDocument(data []byte) (*did.Document, error) {
	var rec documentRecord
	if err := rlp.DecodeBytes(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}

	doc := &did.Document{
		DID:             rec.DID,
		Version:         rec.Version,
		EffectiveHeight: rec.EffectiveHeight,
		Keys:            make([]did.KeyEntry, len(rec.Keys)),
		UpdatedAt:       decodeTime(rec.UpdatedAt),
	}
	for i, k := range rec.Keys {
		doc.Keys[i] = did.KeyEntry{
			ID:        k.ID,
			Algorithm: crypto.Algorithm(k.Algorithm),
			PublicKey: k.PublicKey,
			Active:    k.Active,
		}
	}
	return doc, nil
}
