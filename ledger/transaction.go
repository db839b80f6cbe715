package ledger

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/pilacorp/go-credential-ledger/crypto"
	"github.com/pilacorp/go-credential-ledger/did"
)

// Kind is the type of a ledger transaction.
type Kind uint8

// Transaction kinds.
const (
	KindAnchor Kind = iota + 1
	KindRevoke
)

func (k Kind) String() string {
	switch k {
	case KindAnchor:
		return "ANCHOR"
	case KindRevoke:
		return "REVOKE"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Transaction anchors or revokes one credential hash.
type Transaction struct {
	Kind           Kind          `json:"kind"`
	CredentialHash crypto.Digest `json:"credentialHash"`
	Issuer         string        `json:"issuer"`
	SubmittedAt    time.Time     `json:"submittedAt"`
}

// NewAnchor returns an ANCHOR transaction.
func NewAnchor(hash crypto.Digest, issuer string) Transaction {
	return Transaction{Kind: KindAnchor, CredentialHash: hash, Issuer: issuer}
}

// NewRevoke returns a REVOKE transaction.
func NewRevoke(hash crypto.Digest, issuer string) Transaction {
	return Transaction{Kind: KindRevoke, CredentialHash: hash, Issuer: issuer}
}

// Validate checks the transaction fields without consulting any state.
func (tx *Transaction) Validate() error {
	if tx.Kind != KindAnchor && tx.Kind != KindRevoke {
		return fmt.Errorf("%w: unknown kind %s", ErrMalformedTransaction, tx.Kind)
	}
	if tx.CredentialHash == crypto.ZeroDigest {
		return fmt.Errorf("%w: credential hash is empty", ErrMalformedTransaction)
	}
	if err := did.Validate(tx.Issuer); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedTransaction, err)
	}
	return nil
}

// Hash returns the content hash of the transaction.
//
// Layout: kind (1) | credential hash (32) | issuer length (4) | issuer | submitted-at (12).
func (tx *Transaction) Hash() crypto.Digest {
	buf := make([]byte, 0, 1+crypto.DigestLength+4+len(tx.Issuer)+timeLength)
	buf = append(buf, byte(tx.Kind))
	buf = append(buf, tx.CredentialHash[:]...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(tx.Issuer)))
	buf = append(buf, tx.Issuer...)
	buf = appendTime(buf, tx.SubmittedAt)
	return crypto.Hash(buf)
}
