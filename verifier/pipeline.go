// Package verifier runs the credential verification pipeline: expiry,
// issuer resolution, signature, anchor and revocation checks, guarded by the
// integrity of the chain up to the tip they are read at.
package verifier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/pilacorp/go-credential-ledger/credential"
	"github.com/pilacorp/go-credential-ledger/crypto"
	"github.com/pilacorp/go-credential-ledger/did"
	"github.com/pilacorp/go-credential-ledger/errdefs"
	"github.com/pilacorp/go-credential-ledger/ledger"
)

const tracerName = "github.com/pilacorp/go-credential-ledger/verifier"

// ErrNilCredential is returned when Verify is called without a credential.
var ErrNilCredential = fmt.Errorf("credential is nil: %w", errdefs.ErrMalformedInput)

// Resolver resolves issuer DID documents.
type Resolver interface {
	Resolve(ctx context.Context, did string) (*did.Document, error)
	ResolveAt(ctx context.Context, did string, height uint64) (*did.Document, error)
}

// Ledger answers anchor lookups and chain integrity questions.
type Ledger interface {
	Lookup(hash crypto.Digest) ledger.View
	VerifyChain(ctx context.Context, from, to uint64) error
}

// RevocationChecker reports revocations as of a height.
type RevocationChecker interface {
	IsRevoked(hash crypto.Digest, atHeight uint64) bool
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithCanonicalizer sets the canonical form credentials are hashed and
// signed over. It must match the one used when anchoring.
func WithCanonicalizer(c credential.Canonicalizer) Option {
	return func(v *Verifier) {
		v.canon = c
	}
}

// WithClock sets the clock expiry is checked against.
func WithClock(clock func() time.Time) Option {
	return func(v *Verifier) {
		v.clock = clock
	}
}

// WithAuditOnVerify re-verifies the chain up to the tip on every
// verification instead of relying on the last audit.
func WithAuditOnVerify(enabled bool) Option {
	return func(v *Verifier) {
		v.auditOnVerify = enabled
	}
}

// WithLogger sets the logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(v *Verifier) {
		v.log = log
	}
}

// Verifier checks credentials against DID documents and the ledger.
type Verifier struct {
	resolver      Resolver
	ledger        Ledger
	revocations   RevocationChecker
	canon         credential.Canonicalizer
	clock         func() time.Time
	auditOnVerify bool
	log           logrus.FieldLogger
	tracer        trace.Tracer
}

// New creates a verifier.
func New(resolver Resolver, l Ledger, revocations RevocationChecker, opts ...Option) *Verifier {
	v := &Verifier{
		resolver:    resolver,
		ledger:      l,
		revocations: revocations,
		canon:       credential.JCS{},
		clock:       time.Now,
		log:         logrus.StandardLogger(),
		tracer:      otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(v)
	}
	v.log = v.log.WithField("component", "verifier")
	return v
}

// Verify runs the pipeline and returns its verdict. Verdicts such as Expired
// or Revoked are results, not errors; an error means the pipeline could not
// run at all.
func (v *Verifier) Verify(ctx context.Context, c *credential.Credential) (*Result, error) {
	ctx, span := v.tracer.Start(ctx, "verifier.Verify")
	defer span.End()

	if c == nil {
		return nil, ErrNilCredential
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	input, err := v.canon.Canonicalize(c)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize credential: %w", err)
	}
	res := &Result{CredentialHash: crypto.Hash(input)}
	span.SetAttributes(
		attribute.String("credential.id", c.ID),
		attribute.String("credential.hash", res.CredentialHash.Hex()),
	)

	view := v.ledger.Lookup(res.CredentialHash)
	anchor := view.Anchor
	if anchor.Included {
		res.Anchored = true
		res.AnchorHeight = anchor.Height
	}

	// 0. Never certify against a corrupt chain. The revocation check reads
	// every block up to the tip, so a fault anywhere below it counts.
	reason, err := v.integrityFailure(ctx, view)
	if err != nil {
		return nil, err
	}
	if reason != "" {
		return v.finish(span, c, res, ChainIntegrityFailure, reason), nil
	}

	// 1. Expiry
	if now := v.clock(); c.ExpiredAt(now) {
		return v.finish(span, c, res, Expired, fmt.Sprintf("expired at %s", c.ExpiresAt.Format(time.RFC3339))), nil
	}

	// 2. Issuer document as of the anchor height, or latest
	var doc *did.Document
	if anchor.Included {
		doc, err = v.resolver.ResolveAt(ctx, c.Issuer, anchor.Height)
	} else {
		doc, err = v.resolver.Resolve(ctx, c.Issuer)
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return v.finish(span, c, res, UnknownIssuer, err.Error()), nil
	}

	// 3. Signature
	keyID, reason := verifyProof(doc, input, c.Proof)
	if reason != "" {
		return v.finish(span, c, res, InvalidSignature, reason), nil
	}
	res.KeyID = keyID

	// 4. Anchor
	if !anchor.Included {
		return v.finish(span, c, res, NotAnchored, "no anchor transaction on the chain"), nil
	}

	// 5. Revocation as of the tip the anchor was read at. The registry may
	// lag a block that is being appended; the view never does.
	revocation := view.Revocation
	if revocation.Included || v.revocations.IsRevoked(res.CredentialHash, view.Height) {
		res.Provisional = revocation.Provisional()
		reason = "revoked"
		if revocation.Included {
			reason = fmt.Sprintf("revoked at height %d", revocation.Height)
		}
		return v.finish(span, c, res, Revoked, reason), nil
	}

	// 6. Valid
	res.Provisional = anchor.Provisional()
	return v.finish(span, c, res, Valid, ""), nil
}

// integrityFailure returns a reason when the chain is known, or found, to be
// corrupt at or below the tip of view.
func (v *Verifier) integrityFailure(ctx context.Context, view ledger.View) (string, error) {
	if view.Faulted && view.FaultHeight <= view.Height {
		return fmt.Sprintf("chain corrupt at height %d", view.FaultHeight), nil
	}
	if !v.auditOnVerify {
		return "", nil
	}

	err := v.ledger.VerifyChain(ctx, 0, view.Height)
	var integrity *ledger.IntegrityError
	switch {
	case err == nil:
		return "", nil
	case errors.As(err, &integrity):
		return integrity.Error(), nil
	default:
		return "", fmt.Errorf("failed to verify chain: %w", err)
	}
}

// verifyProof checks the proof against the document. It returns the key that
// verified, or a reason for the failure.
func verifyProof(doc *did.Document, input []byte, proof *credential.Proof) (string, string) {
	if proof == nil {
		return "", "credential has no proof"
	}
	sig := proof.Signature()

	if proof.KeyID != "" {
		key, ok := doc.Key(proof.KeyID)
		switch {
		case !ok:
			return "", fmt.Sprintf("key %s not in document version %d", proof.KeyID, doc.Version)
		case !key.Active:
			return "", fmt.Sprintf("key %s inactive in document version %d", proof.KeyID, doc.Version)
		case !crypto.Verify(key.CryptoKey(), input, sig):
			return "", fmt.Sprintf("signature does not verify under key %s", proof.KeyID)
		}
		return key.ID, ""
	}

	for _, key := range doc.ActiveKeys() {
		if key.Algorithm == sig.Algorithm && crypto.Verify(key.CryptoKey(), input, sig) {
			return key.ID, ""
		}
	}
	return "", fmt.Sprintf("signature does not verify under any active key of document version %d", doc.Version)
}

func (v *Verifier) finish(span trace.Span, c *credential.Credential, res *Result, status Status, reason string) *Result {
	res.Status = status
	res.Reason = reason

	span.SetAttributes(
		attribute.String("verification.status", string(status)),
		attribute.Bool("verification.provisional", res.Provisional),
	)
	v.log.WithFields(logrus.Fields{
		"credential": c.ID,
		"hash":       res.CredentialHash.Hex(),
		"status":     status,
		"reason":     reason,
	}).Debug("Credential verified")

	return res
}
