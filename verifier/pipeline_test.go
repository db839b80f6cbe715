package verifier

import (
	"context"
	"sync"
	"testing"
	"time"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pilacorp/go-credential-ledger/credential"
	"github.com/pilacorp/go-credential-ledger/crypto"
	"github.com/pilacorp/go-credential-ledger/did"
	"github.com/pilacorp/go-credential-ledger/errdefs"
	"github.com/pilacorp/go-credential-ledger/ledger"
	"github.com/pilacorp/go-credential-ledger/revocation"
)

const (
	issuer  = "did:example:issuer1"
	subject = "did:example:alice"
	key1    = issuer + "#key-1"
	key2    = issuer + "#key-2"
)

var issuedAt = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

type fixture struct {
	ctx      context.Context
	engine   *ledger.Engine
	dids     *did.Store
	registry *revocation.Registry
	signer   *crypto.DefaultSigner

	mu  sync.Mutex
	now time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger, _ := logtest.NewNullLogger()

	f := &fixture{ctx: context.Background(), now: issuedAt.Add(time.Minute)}

	blockTime := issuedAt
	var clockMu sync.Mutex
	f.engine = ledger.NewEngine(
		ledger.WithLogger(logger),
		ledger.WithConfirmations(2),
		ledger.WithClock(func() time.Time {
			clockMu.Lock()
			defer clockMu.Unlock()
			blockTime = blockTime.Add(time.Second)
			return blockTime
		}),
	)
	f.registry = revocation.New(revocation.WithLogger(logger))
	f.engine.Subscribe(f.registry)
	f.dids = did.NewStore(did.WithHeightSource(f.engine), did.WithLogger(logger))

	f.signer = newSigner(t)
	_, err := f.dids.Create(f.ctx, issuer, did.KeyEntry{
		ID:        key1,
		Algorithm: crypto.ES256K,
		PublicKey: f.signer.PublicKey().Key,
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) setNow(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t
}

func (f *fixture) verifier(opts ...Option) *Verifier {
	logger, _ := logtest.NewNullLogger()
	base := []Option{WithClock(f.clock), WithLogger(logger)}
	return New(f.dids, f.engine, f.registry, append(base, opts...)...)
}

func (f *fixture) submit(t *testing.T, txs ...ledger.Transaction) *ledger.Block {
	t.Helper()
	for _, tx := range txs {
		_, err := f.engine.SubmitTransaction(f.ctx, tx)
		require.NoError(t, err)
	}
	b, err := f.engine.ProduceBlock(f.ctx)
	require.NoError(t, err)
	return b
}

func newSigner(t *testing.T) *crypto.DefaultSigner {
	t.Helper()
	priv, _, err := crypto.GenerateKey(crypto.ES256K)
	require.NoError(t, err)
	signer, err := crypto.NewSigner(priv)
	require.NoError(t, err)
	return signer
}

func issue(t *testing.T, signer crypto.Signer, keyID, id string, opts ...credential.Option) *credential.Credential {
	t.Helper()
	base := []credential.Option{
		credential.WithID(id),
		credential.WithClock(func() time.Time { return issuedAt }),
	}
	c, err := credential.New(issuer, subject, map[string]interface{}{"degree": "BSc"}, append(base, opts...)...)
	require.NoError(t, err)
	require.NoError(t, credential.Sign(c, signer, keyID))
	return c
}

func hashOf(t *testing.T, c *credential.Credential) crypto.Digest {
	t.Helper()
	h, err := credential.Hash(c)
	require.NoError(t, err)
	return h
}

func TestVerifyLifecycle(t *testing.T) {
	f := newFixture(t)
	v := f.verifier()
	c := issue(t, f.signer, key1, "cred-1")
	hash := hashOf(t, c)

	res, err := v.Verify(f.ctx, c)
	require.NoError(t, err)
	assert.Equal(t, NotAnchored, res.Status)
	assert.Equal(t, hash, res.CredentialHash)
	assert.False(t, res.Anchored)

	f.submit(t, ledger.NewAnchor(hash, issuer))
	res, err = v.Verify(f.ctx, c)
	require.NoError(t, err)
	assert.True(t, res.Valid())
	assert.Equal(t, uint64(1), res.AnchorHeight)
	assert.Equal(t, key1, res.KeyID)
	assert.True(t, res.Provisional, "anchor has no confirmations yet")

	f.submit(t)
	f.submit(t)
	res, err = v.Verify(f.ctx, c)
	require.NoError(t, err)
	assert.True(t, res.Valid())
	assert.False(t, res.Provisional)

	f.submit(t, ledger.NewRevoke(hash, issuer))
	res, err = v.Verify(f.ctx, c)
	require.NoError(t, err)
	assert.Equal(t, Revoked, res.Status)
	assert.True(t, res.Provisional)

	for i := 0; i < 3; i++ {
		f.submit(t)
		res, err = v.Verify(f.ctx, c)
		require.NoError(t, err)
		assert.Equal(t, Revoked, res.Status, "a revoked credential never verifies again")
	}
	assert.False(t, res.Provisional)
}

func TestVerifyExpired(t *testing.T) {
	f := newFixture(t)
	v := f.verifier()
	expiry := issuedAt.Add(time.Hour)
	c := issue(t, f.signer, key1, "cred-1", credential.WithExpiry(expiry))
	f.submit(t, ledger.NewAnchor(hashOf(t, c), issuer))

	tests := []struct {
		name string
		now  time.Time
		want Status
	}{
		{name: "before expiry", now: expiry.Add(-time.Second), want: Valid},
		{name: "at expiry", now: expiry, want: Expired},
		{name: "after expiry", now: expiry.Add(time.Hour), want: Expired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f.setNow(tt.now)
			res, err := v.Verify(f.ctx, c)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Status)
		})
	}
}

func TestVerifyExpiredPrecedesRevoked(t *testing.T) {
	f := newFixture(t)
	v := f.verifier()
	c := issue(t, f.signer, key1, "cred-1", credential.WithValidity(time.Hour))
	hash := hashOf(t, c)
	f.submit(t, ledger.NewAnchor(hash, issuer))
	f.submit(t, ledger.NewRevoke(hash, issuer))

	f.setNow(issuedAt.Add(2 * time.Hour))
	res, err := v.Verify(f.ctx, c)
	require.NoError(t, err)
	assert.Equal(t, Expired, res.Status)
}

func TestVerifyUnknownIssuer(t *testing.T) {
	f := newFixture(t)
	v := f.verifier()

	c, err := credential.New("did:example:ghost", subject, nil, credential.WithID("cred-1"))
	require.NoError(t, err)
	require.NoError(t, credential.Sign(c, f.signer, "did:example:ghost#key-1"))

	res, err := v.Verify(f.ctx, c)
	require.NoError(t, err)
	assert.Equal(t, UnknownIssuer, res.Status)
	assert.NotEmpty(t, res.Reason)
}

func TestVerifyInvalidSignature(t *testing.T) {
	f := newFixture(t)
	v := f.verifier()
	other := newSigner(t)

	tests := []struct {
		name   string
		build  func(t *testing.T) *credential.Credential
		anchor bool
	}{
		{
			name: "missing proof",
			build: func(t *testing.T) *credential.Credential {
				c := issue(t, f.signer, key1, "cred-a")
				c.Proof = nil
				return c
			},
			anchor: true,
		},
		{
			name: "signed by a foreign key",
			build: func(t *testing.T) *credential.Credential {
				return issue(t, other, key1, "cred-b")
			},
			anchor: true,
		},
		{
			name: "foreign key without key id",
			build: func(t *testing.T) *credential.Credential {
				return issue(t, other, "", "cred-c")
			},
			anchor: true,
		},
		{
			name: "key id not in document",
			build: func(t *testing.T) *credential.Credential {
				return issue(t, f.signer, issuer+"#key-9", "cred-d")
			},
			anchor: true,
		},
		{
			name: "claims changed after signing",
			build: func(t *testing.T) *credential.Credential {
				c := issue(t, f.signer, key1, "cred-e")
				c.Claims["degree"] = "PhD"
				return c
			},
			anchor: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := tt.build(t)
			if tt.anchor {
				f.submit(t, ledger.NewAnchor(hashOf(t, c), issuer))
			}
			res, err := v.Verify(f.ctx, c)
			require.NoError(t, err)
			assert.Equal(t, InvalidSignature, res.Status)
			assert.NotEmpty(t, res.Reason)
		})
	}
}

func TestVerifyWithoutKeyID(t *testing.T) {
	f := newFixture(t)
	v := f.verifier()
	c := issue(t, f.signer, "", "cred-1")
	f.submit(t, ledger.NewAnchor(hashOf(t, c), issuer))

	res, err := v.Verify(f.ctx, c)
	require.NoError(t, err)
	assert.True(t, res.Valid())
	assert.Equal(t, key1, res.KeyID)
}

func TestKeyRotationIsolation(t *testing.T) {
	f := newFixture(t)
	v := f.verifier()

	old := issue(t, f.signer, key1, "cred-1")
	f.submit(t, ledger.NewAnchor(hashOf(t, old), issuer))

	rotated := newSigner(t)
	doc, err := f.dids.RotateKey(f.ctx, issuer, did.KeyEntry{
		ID:        key2,
		Algorithm: crypto.ES256K,
		PublicKey: rotated.PublicKey().Key,
	})
	require.NoError(t, err)
	require.Equal(t, uint64(2), doc.EffectiveHeight)

	stale := issue(t, f.signer, key1, "cred-2")
	fresh := issue(t, rotated, key2, "cred-3")
	f.submit(t, ledger.NewAnchor(hashOf(t, stale), issuer), ledger.NewAnchor(hashOf(t, fresh), issuer))

	res, err := v.Verify(f.ctx, old)
	require.NoError(t, err)
	assert.True(t, res.Valid(), "anchored before rotation, verified against the version in force then")
	assert.Equal(t, key1, res.KeyID)

	res, err = v.Verify(f.ctx, stale)
	require.NoError(t, err)
	assert.Equal(t, InvalidSignature, res.Status, "old key is inactive at the anchor height")

	res, err = v.Verify(f.ctx, fresh)
	require.NoError(t, err)
	assert.True(t, res.Valid())
	assert.Equal(t, key2, res.KeyID)
}

// faultyLedger reports a fault or an audit failure regardless of the blocks.
type faultyLedger struct {
	*ledger.Engine
	fault      *uint64
	auditFails *ledger.IntegrityError
	audits     int
}

func (l *faultyLedger) Lookup(hash crypto.Digest) ledger.View {
	view := l.Engine.Lookup(hash)
	if l.fault != nil {
		view.FaultHeight, view.Faulted = *l.fault, true
	}
	return view
}

func (l *faultyLedger) VerifyChain(ctx context.Context, from, to uint64) error {
	l.audits++
	if l.auditFails != nil && l.auditFails.Height <= to {
		return l.auditFails
	}
	return l.Engine.VerifyChain(ctx, from, to)
}

func TestVerifyChainIntegrityFailure(t *testing.T) {
	f := newFixture(t)
	logger, _ := logtest.NewNullLogger()
	f.submit(t)
	c := issue(t, f.signer, key1, "cred-1", credential.WithValidity(time.Hour))
	f.submit(t, ledger.NewAnchor(hashOf(t, c), issuer))
	f.submit(t)

	height := func(h uint64) *uint64 { return &h }
	tests := []struct {
		name  string
		fault *uint64
		now   time.Time
		want  Status
	}{
		{name: "no fault", want: Valid},
		{name: "fault below anchor", fault: height(1), want: ChainIntegrityFailure},
		{name: "fault at anchor", fault: height(2), want: ChainIntegrityFailure},
		{name: "fault above anchor", fault: height(3), want: ChainIntegrityFailure},
		{name: "fault above tip", fault: height(4), want: Valid},
		{name: "fault precedes expiry", fault: height(1), now: issuedAt.Add(2 * time.Hour), want: ChainIntegrityFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			now := issuedAt.Add(time.Minute)
			if !tt.now.IsZero() {
				now = tt.now
			}
			l := &faultyLedger{Engine: f.engine, fault: tt.fault}
			v := New(f.dids, l, f.registry, WithLogger(logger), WithClock(func() time.Time { return now }))

			res, err := v.Verify(f.ctx, c)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Status)
			assert.Equal(t, uint64(2), res.AnchorHeight)
		})
	}

	t.Run("unanchored", func(t *testing.T) {
		v := New(f.dids, &faultyLedger{Engine: f.engine, fault: height(3)}, f.registry, WithLogger(logger), WithClock(f.clock))
		res, err := v.Verify(f.ctx, issue(t, f.signer, key1, "cred-2"))
		require.NoError(t, err)
		assert.Equal(t, ChainIntegrityFailure, res.Status)
		assert.False(t, res.Anchored)
	})
}

// blockLog is a block store whose records can be edited in place.
type blockLog map[uint64]*ledger.Block

func (l blockLog) LoadBlock(_ context.Context, height uint64) (*ledger.Block, error) {
	b, ok := l[height]
	if !ok {
		return nil, errdefs.ErrNotFound
	}
	return b.Clone(), nil
}

func (l blockLog) StoreBlock(_ context.Context, b *ledger.Block) error {
	l[b.Height] = b.Clone()
	return nil
}

func TestVerifyRevocationInCorruptSegment(t *testing.T) {
	f := newFixture(t)
	logger, _ := logtest.NewNullLogger()
	c := issue(t, f.signer, key1, "cred-1")
	hash := hashOf(t, c)
	f.submit(t, ledger.NewAnchor(hash, issuer))
	f.submit(t, ledger.NewRevoke(hash, issuer))
	for i := 0; i < 3; i++ {
		f.submit(t)
	}

	res, err := f.verifier().Verify(f.ctx, c)
	require.NoError(t, err)
	require.Equal(t, Revoked, res.Status)
	require.False(t, res.Provisional)

	blocks, err := f.engine.Blocks(0, f.engine.Height())
	require.NoError(t, err)
	stored := make(blockLog)
	for _, b := range blocks {
		stored[b.Height] = b
	}
	stored[2].Transactions[0].CredentialHash[0] ^= 0x01

	replica := ledger.NewEngine(ledger.WithBlockStore(stored), ledger.WithConfirmations(2), ledger.WithLogger(logger))
	err = replica.Load(f.ctx)
	var integrity *ledger.IntegrityError
	require.ErrorAs(t, err, &integrity)
	assert.Equal(t, uint64(2), integrity.Height)

	registry := revocation.New(revocation.WithLogger(logger))
	replica.Subscribe(registry)
	assert.False(t, registry.IsRevoked(hash, replica.Height()), "registry holds only the blocks below the fault")

	res, err = New(f.dids, replica, registry, WithClock(f.clock), WithLogger(logger)).Verify(f.ctx, c)
	require.NoError(t, err)
	assert.Equal(t, ChainIntegrityFailure, res.Status)
	assert.Contains(t, res.Reason, "height 2")
	assert.True(t, res.Anchored)
	assert.Equal(t, uint64(1), res.AnchorHeight)
}

// observerFunc verifies from inside block publication.
type observerFunc func(b *ledger.Block)

func (o observerFunc) BlockAppended(b *ledger.Block) { o(b) }
func (o observerFunc) ChainReset(_ []*ledger.Block) {}

func TestVerifyDuringAppend(t *testing.T) {
	ctx := context.Background()
	logger, _ := logtest.NewNullLogger()
	engine := ledger.NewEngine(ledger.WithLogger(logger), ledger.WithConfirmations(2))
	registry := revocation.New(revocation.WithLogger(logger))
	dids := did.NewStore(did.WithHeightSource(engine), did.WithLogger(logger))

	signer := newSigner(t)
	_, err := dids.Create(ctx, issuer, did.KeyEntry{ID: key1, Algorithm: crypto.ES256K, PublicKey: signer.PublicKey().Key})
	require.NoError(t, err)
	v := New(dids, engine, registry, WithLogger(logger), WithClock(func() time.Time { return issuedAt.Add(time.Minute) }))

	c := issue(t, signer, key1, "cred-1")
	hash := hashOf(t, c)

	// Registered ahead of the registry, so it runs while the registry still
	// holds the previous block.
	seen := make(map[uint64]*Result)
	engine.Subscribe(observerFunc(func(b *ledger.Block) {
		res, err := v.Verify(ctx, c)
		require.NoError(t, err)
		seen[b.Height] = res
	}))
	engine.Subscribe(registry)

	for _, tx := range []ledger.Transaction{ledger.NewAnchor(hash, issuer), ledger.NewRevoke(hash, issuer)} {
		_, err := engine.SubmitTransaction(ctx, tx)
		require.NoError(t, err)
		_, err = engine.ProduceBlock(ctx)
		require.NoError(t, err)
	}

	require.Contains(t, seen, uint64(1))
	require.Contains(t, seen, uint64(2))
	assert.Equal(t, Valid, seen[1].Status)
	assert.Equal(t, Revoked, seen[2].Status, "the revocation is read from the same tip as the anchor")
	assert.True(t, seen[2].Provisional)
	assert.Equal(t, "revoked at height 2", seen[2].Reason)
}

func TestVerifyAuditOnVerify(t *testing.T) {
	f := newFixture(t)
	c := issue(t, f.signer, key1, "cred-1")
	f.submit(t, ledger.NewAnchor(hashOf(t, c), issuer))
	f.submit(t)

	l := &faultyLedger{Engine: f.engine}
	v := New(f.dids, l, f.registry, WithClock(f.clock), WithAuditOnVerify(true))

	res, err := v.Verify(f.ctx, c)
	require.NoError(t, err)
	assert.True(t, res.Valid())
	assert.Equal(t, 1, l.audits)

	l.auditFails = &ledger.IntegrityError{Height: 1, Reason: "hash mismatch"}
	res, err = v.Verify(f.ctx, c)
	require.NoError(t, err)
	assert.Equal(t, ChainIntegrityFailure, res.Status)
	assert.Contains(t, res.Reason, "height 1")
}

func TestVerifyErrors(t *testing.T) {
	f := newFixture(t)
	v := f.verifier()

	_, err := v.Verify(f.ctx, nil)
	assert.ErrorIs(t, err, ErrNilCredential)

	ctx, cancel := context.WithCancel(f.ctx)
	cancel()
	_, err = v.Verify(ctx, issue(t, f.signer, key1, "cred-1"))
	assert.ErrorIs(t, err, context.Canceled)

	_, err = v.Verify(f.ctx, &credential.Credential{ID: "cred-2"})
	assert.Error(t, err, "incomplete credentials cannot be canonicalized")
}

func TestVerifyURDNA2015(t *testing.T) {
	f := newFixture(t)
	canon := credential.URDNA2015{}
	v := f.verifier(WithCanonicalizer(canon))

	c, err := credential.New(issuer, subject, map[string]interface{}{"degree": "BSc"},
		credential.WithID("urn:uuid:2b1e6c3a-7e8a-4f55-9a3b-0f5f7c1d2e10"),
		credential.WithClock(func() time.Time { return issuedAt }))
	require.NoError(t, err)
	require.NoError(t, credential.SignWith(canon, c, f.signer, key1))
	hash, err := credential.HashWith(canon, c)
	require.NoError(t, err)
	f.submit(t, ledger.NewAnchor(hash, issuer))

	res, err := v.Verify(f.ctx, c)
	require.NoError(t, err)
	assert.True(t, res.Valid())

	res, err = f.verifier().Verify(f.ctx, c)
	require.NoError(t, err)
	assert.Equal(t, InvalidSignature, res.Status, "signature was made over a different canonical form")
}
