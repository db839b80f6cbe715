package did

import (
	"time"

	"github.com/pilacorp/go-credential-ledger/crypto"
)

// KeyEntry is a public key published in a DID document.
type KeyEntry struct {
	ID        string           `json:"id"`
	Algorithm crypto.Algorithm `json:"algorithm"`
	PublicKey []byte           `json:"publicKey"`
	Active    bool             `json:"active"`
}

// CryptoKey returns the entry as a crypto public key.
func (k KeyEntry) CryptoKey() crypto.PublicKey {
	return crypto.PublicKey{Algorithm: k.Algorithm, Key: k.PublicKey}
}

// Document is one version of a DID document.
//
// EffectiveHeight is the first ledger height at which this version is the
// one in force. UpdatedAt is the wall-clock time the version was created.
type Document struct {
	DID             string     `json:"id"`
	Version         uint64     `json:"version"`
	EffectiveHeight uint64     `json:"effectiveHeight"`
	Keys            []KeyEntry `json:"keys"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// Key returns the entry with the given id.
func (d *Document) Key(id string) (KeyEntry, bool) {
	for _, k := range d.Keys {
		if k.ID == id {
			return k, true
		}
	}
	return KeyEntry{}, false
}

// ActiveKeys returns the keys currently marked active, in document order.
func (d *Document) ActiveKeys() []KeyEntry {
	var keys []KeyEntry
	for _, k := range d.Keys {
		if k.Active {
			keys = append(keys, k)
		}
	}
	return keys
}

// Clone returns a deep copy of the document.
func (d *Document) Clone() *Document {
	out := *d
	out.Keys = make([]KeyEntry, len(d.Keys))
	for i, k := range d.Keys {
		k.PublicKey = append([]byte(nil), k.PublicKey...)
		out.Keys[i] = k
	}
	return &out
}
