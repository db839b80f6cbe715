package crypto

import "fmt"

// Signer is the interface for the signer provider.
type Signer interface {
	Sign(msg []byte) (Signature, error)
	PublicKey() PublicKey
}

// DefaultSigner is the default signer provider holding the private key in memory.
type DefaultSigner struct {
	priv PrivateKey
	pub  PublicKey
}

// NewSigner creates a new default signer provider.
//
// Returns the signer provider or an error if the private key is invalid.
func NewSigner(priv PrivateKey) (*DefaultSigner, error) {
	pub, err := DerivePublicKey(priv)
	if err != nil {
		return nil, fmt.Errorf("failed to derive public key: %w", err)
	}
	return &DefaultSigner{priv: priv, pub: pub}, nil
}

// Sign signs msg.
func (s *DefaultSigner) Sign(msg []byte) (Signature, error) {
	sig, err := Sign(s.priv, msg)
	if err != nil {
		return Signature{}, fmt.Errorf("failed to sign payload: %w", err)
	}
	return sig, nil
}

// PublicKey returns the public key of the signer.
func (s *DefaultSigner) PublicKey() PublicKey {
	return s.pub
}
