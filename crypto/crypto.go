// Package crypto wraps the hash and signature primitives used by credentials,
// DID documents and the ledger behind a small algorithm-tagged interface.
package crypto

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	btcecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/pilacorp/go-credential-ledger/errdefs"
)

// Algorithm tags a key or signature with the scheme that produced it.
type Algorithm string

// Supported algorithms.
const (
	// ES256K is secp256k1 over SHA-256 with a 65-byte [R || S || V] signature.
	ES256K Algorithm = "ES256K"
	// ES256KDER is secp256k1 over SHA-256 with an ASN.1 DER encoded signature.
	ES256KDER Algorithm = "ES256K-DER"
	// EdDSA is Ed25519.
	EdDSA Algorithm = "EdDSA"
)

var (
	// ErrUnsupportedAlgorithm is returned for an unknown algorithm tag.
	ErrUnsupportedAlgorithm = fmt.Errorf("unsupported algorithm: %w", errdefs.ErrMalformedInput)
	// ErrInvalidKeyFormat is returned when key bytes do not match the algorithm tag.
	ErrInvalidKeyFormat = fmt.Errorf("invalid key format: %w", errdefs.ErrMalformedInput)
)

// Supported reports whether alg is a known algorithm.
func (a Algorithm) Supported() bool {
	switch a {
	case ES256K, ES256KDER, EdDSA:
		return true
	}
	return false
}

// PublicKey is a raw public key tagged with its algorithm.
type PublicKey struct {
	Algorithm Algorithm
	Key       []byte
}

// PrivateKey is a raw private key tagged with its algorithm.
type PrivateKey struct {
	Algorithm Algorithm
	Key       []byte
}

// Signature is a detachable signature tagged with its algorithm.
type Signature struct {
	Algorithm Algorithm
	Value     []byte
}

// ValidatePublicKey checks that key is a well-formed public key for alg.
// secp256k1 keys may be compressed (33 bytes) or uncompressed (65 bytes).
func ValidatePublicKey(alg Algorithm, key []byte) error {
	switch alg {
	case ES256K, ES256KDER:
		if len(key) != 33 && len(key) != 65 {
			return fmt.Errorf("%w: secp256k1 key must be 33 or 65 bytes, got %d", ErrInvalidKeyFormat, len(key))
		}
		if _, err := secp256k1.ParsePubKey(key); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidKeyFormat, err)
		}
		return nil
	case EdDSA:
		if len(key) != ed25519.PublicKeySize {
			return fmt.Errorf("%w: ed25519 key must be %d bytes, got %d", ErrInvalidKeyFormat, ed25519.PublicKeySize, len(key))
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, alg)
	}
}

// Sign signs msg with the private key.
// secp256k1 algorithms sign the SHA-256 digest of msg; EdDSA signs msg itself.
func Sign(priv PrivateKey, msg []byte) (Signature, error) {
	switch priv.Algorithm {
	case ES256K:
		key, err := parseSecp256k1PrivateKey(priv.Key)
		if err != nil {
			return Signature{}, err
		}
		hash := sha256.Sum256(msg)
		sig, err := crypto.Sign(hash[:], key)
		if err != nil {
			return Signature{}, fmt.Errorf("failed to sign message: %w", err)
		}
		return Signature{Algorithm: ES256K, Value: sig}, nil

	case ES256KDER:
		if len(priv.Key) != 32 {
			return Signature{}, fmt.Errorf("%w: private key must be 32 bytes", ErrInvalidKeyFormat)
		}
		key, _ := btcec.PrivKeyFromBytes(priv.Key)
		hash := sha256.Sum256(msg)
		sig := btcecdsa.Sign(key, hash[:])
		return Signature{Algorithm: ES256KDER, Value: sig.Serialize()}, nil

	case EdDSA:
		key, err := parseEd25519PrivateKey(priv.Key)
		if err != nil {
			return Signature{}, err
		}
		return Signature{Algorithm: EdDSA, Value: ed25519.Sign(key, msg)}, nil

	default:
		return Signature{}, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, priv.Algorithm)
	}
}

// Verify reports whether sig is a valid signature of msg under pub.
// It never panics and returns false for any malformed or mismatched input.
func Verify(pub PublicKey, msg []byte, sig Signature) bool {
	if pub.Algorithm != sig.Algorithm || len(msg) == 0 {
		return false
	}

	switch sig.Algorithm {
	case ES256K:
		return verifyES256K(pub.Key, msg, sig.Value)
	case ES256KDER:
		return verifyES256KDER(pub.Key, msg, sig.Value)
	case EdDSA:
		if len(pub.Key) != ed25519.PublicKeySize || len(sig.Value) != ed25519.SignatureSize {
			return false
		}
		return ed25519.Verify(ed25519.PublicKey(pub.Key), msg, sig.Value)
	default:
		return false
	}
}

// GenerateKey generates a new key pair for alg.
func GenerateKey(alg Algorithm) (PrivateKey, PublicKey, error) {
	switch alg {
	case ES256K, ES256KDER:
		key, err := crypto.GenerateKey()
		if err != nil {
			return PrivateKey{}, PublicKey{}, fmt.Errorf("failed to generate private key: %w", err)
		}
		return PrivateKey{Algorithm: alg, Key: crypto.FromECDSA(key)},
			PublicKey{Algorithm: alg, Key: crypto.CompressPubkey(&key.PublicKey)}, nil

	case EdDSA:
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return PrivateKey{}, PublicKey{}, fmt.Errorf("failed to generate private key: %w", err)
		}
		return PrivateKey{Algorithm: alg, Key: priv}, PublicKey{Algorithm: alg, Key: pub}, nil

	default:
		return PrivateKey{}, PublicKey{}, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, alg)
	}
}

// DerivePublicKey returns the public key of priv.
func DerivePublicKey(priv PrivateKey) (PublicKey, error) {
	switch priv.Algorithm {
	case ES256K, ES256KDER:
		key, err := parseSecp256k1PrivateKey(priv.Key)
		if err != nil {
			return PublicKey{}, err
		}
		return PublicKey{Algorithm: priv.Algorithm, Key: crypto.CompressPubkey(&key.PublicKey)}, nil
	case EdDSA:
		key, err := parseEd25519PrivateKey(priv.Key)
		if err != nil {
			return PublicKey{}, err
		}
		return PublicKey{Algorithm: EdDSA, Key: key.Public().(ed25519.PublicKey)}, nil
	default:
		return PublicKey{}, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, priv.Algorithm)
	}
}

func verifyES256K(publicKey, msg, signature []byte) bool {
	compressed, ok := compressSecp256k1(publicKey)
	if !ok {
		return false
	}
	hash := sha256.Sum256(msg)

	switch len(signature) {
	case 64:
		return crypto.VerifySignature(compressed, hash[:], signature)
	case 65:
		// Recover the signer and compare it to the expected key.
		recovered, err := crypto.SigToPub(hash[:], signature)
		if err != nil {
			return false
		}
		return bytes.Equal(crypto.CompressPubkey(recovered), compressed) &&
			crypto.VerifySignature(compressed, hash[:], signature[:64])
	default:
		return false
	}
}

func verifyES256KDER(publicKey, msg, signature []byte) bool {
	pub, err := btcec.ParsePubKey(publicKey)
	if err != nil {
		return false
	}
	sig, err := btcecdsa.ParseDERSignature(signature)
	if err != nil {
		return false
	}
	hash := sha256.Sum256(msg)
	return sig.Verify(hash[:], pub)
}

func compressSecp256k1(publicKey []byte) ([]byte, bool) {
	pub, err := btcec.ParsePubKey(publicKey)
	if err != nil {
		return nil, false
	}
	return pub.SerializeCompressed(), true
}

func parseSecp256k1PrivateKey(key []byte) (*ecdsa.PrivateKey, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("%w: private key must be 32 bytes", ErrInvalidKeyFormat)
	}
	priv, err := crypto.ToECDSA(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyFormat, err)
	}
	return priv, nil
}

func parseEd25519PrivateKey(key []byte) (ed25519.PrivateKey, error) {
	switch len(key) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(key), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(key), nil
	default:
		return nil, fmt.Errorf("%w: ed25519 private key must be %d or %d bytes", ErrInvalidKeyFormat, ed25519.SeedSize, ed25519.PrivateKeySize)
	}
}
