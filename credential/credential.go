// Package credential models verifiable credentials issued against DIDs and
// provides their deterministic canonical form, content hash and signatures.
package credential

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pilacorp/go-credential-ledger/crypto"
	"github.com/pilacorp/go-credential-ledger/did"
	"github.com/pilacorp/go-credential-ledger/errdefs"
)

var (
	// ErrMissingProof is returned when a credential has no signature attached.
	ErrMissingProof = fmt.Errorf("credential has no proof: %w", errdefs.ErrMalformedInput)
	// ErrInvalidCredential is returned when required credential fields are missing.
	ErrInvalidCredential = fmt.Errorf("invalid credential: %w", errdefs.ErrMalformedInput)
)

// Credential is a signed claim issued by one DID about a subject DID.
// It must not be modified once a proof is attached.
type Credential struct {
	ID        string                 `json:"id"`
	Issuer    string                 `json:"issuer"`
	Subject   string                 `json:"subject"`
	Claims    map[string]interface{} `json:"claims,omitempty"`
	IssuedAt  time.Time              `json:"issuedAt"`
	ExpiresAt time.Time              `json:"expiresAt,omitzero"`
	Proof     *Proof                 `json:"proof,omitempty"`
}

// Proof is the detachable signature of a credential.
type Proof struct {
	Algorithm crypto.Algorithm `json:"algorithm"`
	KeyID     string           `json:"keyId,omitempty"`
	Value     []byte           `json:"value"`
}

// Signature returns the proof as a crypto signature.
func (p *Proof) Signature() crypto.Signature {
	return crypto.Signature{Algorithm: p.Algorithm, Value: p.Value}
}

// HasExpiry reports whether the credential carries an expiration timestamp.
func (c *Credential) HasExpiry() bool {
	return !c.ExpiresAt.IsZero()
}

// ExpiredAt reports whether the credential is expired at t.
func (c *Credential) ExpiredAt(t time.Time) bool {
	return c.HasExpiry() && !t.Before(c.ExpiresAt)
}

// Option configures credential creation.
type Option func(*options)

type options struct {
	id          string
	clock       func() time.Time
	expiresAt   time.Time
	validFor    time.Duration
	schema      []byte
	idGenerator func() string
}

// WithID sets the credential identifier instead of generating one.
func WithID(id string) Option {
	return func(o *options) {
		o.id = id
	}
}

// WithClock sets the clock used for the issuance timestamp.
func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		o.clock = clock
	}
}

// WithExpiry sets an absolute expiration timestamp.
func WithExpiry(t time.Time) Option {
	return func(o *options) {
		o.expiresAt = t
	}
}

// WithValidity sets the expiration relative to the issuance timestamp.
func WithValidity(d time.Duration) Option {
	return func(o *options) {
		o.validFor = d
	}
}

// WithClaimsSchema validates the claims against a JSON schema before the
// credential is created.
func WithClaimsSchema(schema []byte) Option {
	return func(o *options) {
		o.schema = schema
	}
}

// NewID returns a fresh urn:uuid credential identifier.
func NewID() string {
	return "urn:uuid:" + uuid.NewString()
}

// New creates an unsigned credential.
func New(issuer, subject string, claims map[string]interface{}, opts ...Option) (*Credential, error) {
	o := &options{
		clock:       time.Now,
		idGenerator: NewID,
	}
	for _, opt := range opts {
		opt(o)
	}

	// 1. Validate identifiers
	if err := did.Validate(issuer); err != nil {
		return nil, fmt.Errorf("invalid issuer: %w", err)
	}
	if err := did.Validate(subject); err != nil {
		return nil, fmt.Errorf("invalid subject: %w", err)
	}

	// 2. Validate claims
	if o.schema != nil {
		if err := ValidateClaims(o.schema, claims); err != nil {
			return nil, err
		}
	}

	// 3. Build the credential
	c := &Credential{
		ID:       o.id,
		Issuer:   issuer,
		Subject:  subject,
		Claims:   claims,
		IssuedAt: o.clock().UTC(),
	}
	if c.ID == "" {
		c.ID = o.idGenerator()
	}
	switch {
	case !o.expiresAt.IsZero():
		c.ExpiresAt = o.expiresAt.UTC()
	case o.validFor > 0:
		c.ExpiresAt = c.IssuedAt.Add(o.validFor)
	}
	if c.HasExpiry() && !c.ExpiresAt.After(c.IssuedAt) {
		return nil, fmt.Errorf("%w: expiration must be after issuance", ErrInvalidCredential)
	}

	return c, nil
}

// Hash returns the content hash of the credential under the default
// canonicalizer. This is the key under which the credential is anchored.
func Hash(c *Credential) (crypto.Digest, error) {
	return HashWith(JCS{}, c)
}

// HashWith returns the content hash of the credential under canon.
func HashWith(canon Canonicalizer, c *Credential) (crypto.Digest, error) {
	data, err := canon.Canonicalize(c)
	if err != nil {
		return crypto.ZeroDigest, fmt.Errorf("failed to canonicalize credential: %w", err)
	}
	return crypto.Hash(data), nil
}

// Sign attaches a proof over the canonical form of the credential.
func Sign(c *Credential, signer crypto.Signer, keyID string) error {
	return SignWith(JCS{}, c, signer, keyID)
}

// SignWith attaches a proof over the canonical form produced by canon.
func SignWith(canon Canonicalizer, c *Credential, signer crypto.Signer, keyID string) error {
	if c == nil {
		return fmt.Errorf("%w: credential is nil", ErrInvalidCredential)
	}

	input, err := canon.Canonicalize(c)
	if err != nil {
		return fmt.Errorf("failed to canonicalize credential: %w", err)
	}

	sig, err := signer.Sign(input)
	if err != nil {
		return fmt.Errorf("failed to sign credential: %w", err)
	}

	c.Proof = &Proof{
		Algorithm: sig.Algorithm,
		KeyID:     keyID,
		Value:     sig.Value,
	}
	return nil
}
