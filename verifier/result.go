package verifier

import "github.com/pilacorp/go-credential-ledger/crypto"

// Status is the verdict of a verification.
type Status string

// Verification verdicts.
const (
	Valid                 Status = "Valid"
	InvalidSignature      Status = "InvalidSignature"
	UnknownIssuer         Status = "UnknownIssuer"
	NotAnchored           Status = "NotAnchored"
	Revoked               Status = "Revoked"
	Expired               Status = "Expired"
	ChainIntegrityFailure Status = "ChainIntegrityFailure"
)

// Result is the outcome of verifying one credential.
//
// Provisional is set when the verdict relies on a block that is Appended but
// not yet Confirmed: the anchor for Valid, the revocation for Revoked.
type Result struct {
	Status         Status        `json:"status"`
	Reason         string        `json:"reason,omitempty"`
	CredentialHash crypto.Digest `json:"credentialHash"`
	Anchored       bool          `json:"anchored"`
	AnchorHeight   uint64        `json:"anchorHeight,omitempty"`
	KeyID          string        `json:"keyId,omitempty"`
	Provisional    bool          `json:"provisional,omitempty"`
}

// Valid reports whether the credential was certified valid.
func (r *Result) Valid() bool {
	return r.Status == Valid
}
