package crypto

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// DefaultRemoteTimeout bounds one remote signing request.
const DefaultRemoteTimeout = 10 * time.Second

// ErrRemoteSigner is returned when the remote signing service fails or
// returns an unusable signature.
var ErrRemoteSigner = errors.New("remote signer failed")

// RemoteOption configures a RemoteSigner.
type RemoteOption func(*RemoteSigner)

// WithAPIKey sets the x-api-key header sent with every request.
func WithAPIKey(key string) RemoteOption {
	return func(s *RemoteSigner) {
		s.apiKey = key
	}
}

// WithHTTPClient replaces the instrumented default client.
func WithHTTPClient(c *http.Client) RemoteOption {
	return func(s *RemoteSigner) {
		s.client = c
	}
}

// RemoteSigner signs ES256K payloads with a key held by a remote service.
// The service receives the SHA-256 digest of the message and answers with a
// 65-byte recoverable signature.
type RemoteSigner struct {
	endpoint string
	apiKey   string
	pub      PublicKey
	client   *http.Client
}

// NewRemoteSigner creates a signer for the service at endpoint holding the
// private half of pub.
func NewRemoteSigner(endpoint string, pub PublicKey, opts ...RemoteOption) (*RemoteSigner, error) {
	if strings.TrimSpace(endpoint) == "" {
		return nil, fmt.Errorf("%w: endpoint required", ErrRemoteSigner)
	}
	if pub.Algorithm != ES256K {
		return nil, fmt.Errorf("%w: remote signing supports %s only", ErrUnsupportedAlgorithm, ES256K)
	}
	if err := ValidatePublicKey(pub.Algorithm, pub.Key); err != nil {
		return nil, err
	}

	s := &RemoteSigner{
		endpoint: endpoint,
		pub:      pub,
		client: &http.Client{
			Timeout:   DefaultRemoteTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Sign signs msg remotely.
func (s *RemoteSigner) Sign(msg []byte) (Signature, error) {
	return s.SignContext(context.Background(), msg)
}

// SignContext signs msg remotely, bounded by ctx.
func (s *RemoteSigner) SignContext(ctx context.Context, msg []byte) (Signature, error) {
	digest := sha256.Sum256(msg)
	reqBody, err := json.Marshal(map[string]any{
		"payload_hex": hex.EncodeToString(digest[:]),
	})
	if err != nil {
		return Signature{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return Signature{}, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("x-api-key", s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return Signature{}, fmt.Errorf("%w: %v", ErrRemoteSigner, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Signature{}, fmt.Errorf("%w: http %d", ErrRemoteSigner, resp.StatusCode)
	}

	var out struct {
		SignatureHex string `json:"signature_hex"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Signature{}, fmt.Errorf("%w: failed to decode response: %v", ErrRemoteSigner, err)
	}

	value, err := hex.DecodeString(strings.TrimPrefix(out.SignatureHex, "0x"))
	if err != nil {
		return Signature{}, fmt.Errorf("%w: signature is not hex: %v", ErrRemoteSigner, err)
	}
	if len(value) != 65 {
		return Signature{}, fmt.Errorf("%w: invalid signature length %d", ErrRemoteSigner, len(value))
	}

	sig := Signature{Algorithm: ES256K, Value: value}
	if !Verify(s.pub, msg, sig) {
		return Signature{}, fmt.Errorf("%w: signature does not match the configured public key", ErrRemoteSigner)
	}
	return sig, nil
}

// PublicKey returns the public key of the remote signing key.
func (s *RemoteSigner) PublicKey() PublicKey {
	return s.pub
}
