package node

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	"github.com/pilacorp/go-credential-ledger/config"
	"github.com/pilacorp/go-credential-ledger/credential"
	"github.com/pilacorp/go-credential-ledger/crypto"
	"github.com/pilacorp/go-credential-ledger/did"
	"github.com/pilacorp/go-credential-ledger/ledger"
	"github.com/pilacorp/go-credential-ledger/verifier"
)

const (
	issuer  = "did:example:issuer1"
	subject = "did:example:alice"
	k1      = issuer + "#K1"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func newClock() *clock {
	return &clock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func testConfig(t *testing.T, backend string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Ledger.Confirmations = 1
	cfg.Store.Backend = backend
	if backend == config.BackendBolt {
		cfg.Store.Path = filepath.Join(t.TempDir(), "ledger.db")
	}
	return cfg
}

func startNode(t *testing.T, cfg *config.Config, c *clock) *Node {
	t.Helper()
	logger, _ := logtest.NewNullLogger()
	n, err := New(context.Background(), cfg, WithClock(c.Now), WithLogger(logger))
	require.NoError(t, err)
	t.Cleanup(func() { n.Close() })
	return n
}

func newIssuerKey(t *testing.T) (*crypto.DefaultSigner, did.KeyEntry) {
	t.Helper()
	priv, pub, err := crypto.GenerateKey(crypto.ES256K)
	require.NoError(t, err)
	signer, err := crypto.NewSigner(priv)
	require.NoError(t, err)
	return signer, did.KeyEntry{ID: k1, Algorithm: pub.Algorithm, PublicKey: pub.Key}
}

func issueCred(t *testing.T, c *clock, signer crypto.Signer, opts ...credential.Option) *credential.Credential {
	t.Helper()
	base := []credential.Option{credential.WithID("cred-1"), credential.WithClock(c.Now)}
	cred, err := credential.New(issuer, subject, map[string]interface{}{"name": "Alice"}, append(base, opts...)...)
	require.NoError(t, err)
	require.NoError(t, credential.Sign(cred, signer, k1))
	return cred
}

func TestEndToEnd(t *testing.T) {
	for _, backend := range []string{config.BackendMemory, config.BackendBolt} {
		t.Run(backend, func(t *testing.T) {
			ctx := context.Background()
			c := newClock()
			n := startNode(t, testConfig(t, backend), c)

			signer, key := newIssuerKey(t)
			_, err := n.CreateDID(ctx, issuer, key)
			require.NoError(t, err)
			cred := issueCred(t, c, signer)

			_, err = n.Anchor(ctx, cred)
			require.NoError(t, err)
			b, err := n.ProduceBlock(ctx)
			require.NoError(t, err)
			assert.Equal(t, uint64(1), b.Height)

			res, err := n.Verify(ctx, cred)
			require.NoError(t, err)
			assert.Equal(t, verifier.Valid, res.Status)
			assert.Equal(t, uint64(1), res.AnchorHeight)

			_, err = n.Revoke(ctx, cred)
			require.NoError(t, err)
			b, err = n.ProduceBlock(ctx)
			require.NoError(t, err)
			assert.Equal(t, uint64(2), b.Height)

			res, err = n.Verify(ctx, cred)
			require.NoError(t, err)
			assert.Equal(t, verifier.Revoked, res.Status)

			require.NoError(t, n.VerifyChain(ctx, 0, n.Height()))
		})
	}
}

func TestRestartPreservesState(t *testing.T) {
	ctx := context.Background()
	c := newClock()
	cfg := testConfig(t, config.BackendBolt)

	n := startNode(t, cfg, c)
	signer, key := newIssuerKey(t)
	_, err := n.CreateDID(ctx, issuer, key)
	require.NoError(t, err)

	revoked := issueCred(t, c, signer)
	valid := issueCred(t, c, signer, credential.WithID("cred-2"))
	_, err = n.Anchor(ctx, revoked)
	require.NoError(t, err)
	_, err = n.Anchor(ctx, valid)
	require.NoError(t, err)
	_, err = n.ProduceBlock(ctx)
	require.NoError(t, err)
	_, err = n.Revoke(ctx, revoked)
	require.NoError(t, err)
	_, err = n.ProduceBlock(ctx)
	require.NoError(t, err)
	require.NoError(t, n.Close())

	restarted := startNode(t, cfg, c)
	assert.Equal(t, uint64(2), restarted.Height())

	res, err := restarted.Verify(ctx, revoked)
	require.NoError(t, err)
	assert.Equal(t, verifier.Revoked, res.Status, "registry is rebuilt from the stored chain")

	res, err = restarted.Verify(ctx, valid)
	require.NoError(t, err)
	assert.Equal(t, verifier.Valid, res.Status)
	assert.False(t, res.Provisional)

	doc, err := restarted.Resolve(ctx, issuer)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), doc.Version)
}

func TestTamperedRevocationBlock(t *testing.T) {
	ctx := context.Background()
	c := newClock()
	cfg := testConfig(t, config.BackendBolt)

	n := startNode(t, cfg, c)
	signer, key := newIssuerKey(t)
	_, err := n.CreateDID(ctx, issuer, key)
	require.NoError(t, err)
	cred := issueCred(t, c, signer)
	hash, err := credential.Hash(cred)
	require.NoError(t, err)

	_, err = n.Anchor(ctx, cred)
	require.NoError(t, err)
	_, err = n.ProduceBlock(ctx)
	require.NoError(t, err)
	_, err = n.Revoke(ctx, cred)
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		_, err = n.ProduceBlock(ctx)
		require.NoError(t, err)
	}

	res, err := n.Verify(ctx, cred)
	require.NoError(t, err)
	require.Equal(t, verifier.Revoked, res.Status)
	require.False(t, res.Provisional)
	require.NoError(t, n.RebuildRevocations(ctx))
	assert.True(t, n.IsRevoked(hash, n.Height()))
	require.NoError(t, n.Close())

	// Flip one bit of the revoked credential hash in the stored block 2.
	db, err := bolt.Open(cfg.Store.Path, 0o600, nil)
	require.NoError(t, err)
	require.NoError(t, db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte("blocks"))
		k := binary.BigEndian.AppendUint64(nil, 2)
		raw := append([]byte(nil), bucket.Get(k)...)
		i := bytes.Index(raw, hash[:])
		if i < 0 {
			return errors.New("credential hash not found in block 2")
		}
		raw[i] ^= 0x01
		return bucket.Put(k, raw)
	}))
	require.NoError(t, db.Close())

	restarted := startNode(t, cfg, c)
	fault, ok := restarted.engine.FaultHeight()
	require.True(t, ok)
	assert.Equal(t, uint64(2), fault)
	assert.Equal(t, uint64(5), restarted.Height(), "the stored chain stays readable")

	res, err = restarted.Verify(ctx, cred)
	require.NoError(t, err)
	assert.Equal(t, verifier.ChainIntegrityFailure, res.Status)

	require.NoError(t, restarted.RebuildRevocations(ctx))
	assert.False(t, restarted.IsRevoked(hash, restarted.Height()), "only blocks below the fault are replayed")

	res, err = restarted.Verify(ctx, cred)
	require.NoError(t, err)
	assert.Equal(t, verifier.ChainIntegrityFailure, res.Status, "a revocation lost to corruption never turns into Valid")
}

func TestExpiryAndRotation(t *testing.T) {
	ctx := context.Background()
	c := newClock()
	n := startNode(t, testConfig(t, config.BackendMemory), c)

	signer, key := newIssuerKey(t)
	_, err := n.CreateDID(ctx, issuer, key)
	require.NoError(t, err)
	cred := issueCred(t, c, signer, credential.WithValidity(24*time.Hour))
	_, err = n.Anchor(ctx, cred)
	require.NoError(t, err)
	_, err = n.ProduceBlock(ctx)
	require.NoError(t, err)

	_, pub, err := crypto.GenerateKey(crypto.EdDSA)
	require.NoError(t, err)
	doc, err := n.RotateKey(ctx, issuer, did.KeyEntry{ID: issuer + "#K2", Algorithm: pub.Algorithm, PublicKey: pub.Key})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), doc.Version)

	res, err := n.Verify(ctx, cred)
	require.NoError(t, err)
	assert.Equal(t, verifier.Valid, res.Status, "rotation does not affect credentials anchored earlier")

	at, err := n.ResolveAt(ctx, issuer, res.AnchorHeight)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), at.Version)

	c.Set(c.Now().Add(48 * time.Hour))
	res, err = n.Verify(ctx, cred)
	require.NoError(t, err)
	assert.Equal(t, verifier.Expired, res.Status)
}

func TestAnchorAndRevokeErrors(t *testing.T) {
	ctx := context.Background()
	c := newClock()
	n := startNode(t, testConfig(t, config.BackendMemory), c)
	signer, _ := newIssuerKey(t)

	unsigned, err := credential.New(issuer, subject, nil, credential.WithID("cred-1"))
	require.NoError(t, err)
	_, err = n.Anchor(ctx, unsigned)
	assert.ErrorIs(t, err, credential.ErrMissingProof)

	_, err = n.Anchor(ctx, nil)
	assert.ErrorIs(t, err, verifier.ErrNilCredential)

	_, err = n.Revoke(ctx, issueCred(t, c, signer))
	assert.ErrorIs(t, err, ledger.ErrUnknownCredential)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Backend = "cassandra"
	_, err := New(context.Background(), cfg)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestAuditorRuns(t *testing.T) {
	c := newClock()
	cfg := testConfig(t, config.BackendMemory)
	cfg.Audit.Interval = 5 * time.Millisecond
	cfg.Audit.OnVerify = true

	logger, hook := logtest.NewNullLogger()
	n, err := New(context.Background(), cfg, WithClock(c.Now), WithLogger(logger))
	require.NoError(t, err)

	_, err = n.ProduceBlock(context.Background())
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, n.Close())
	require.NoError(t, n.Close(), "close is idempotent")

	for _, entry := range hook.AllEntries() {
		assert.NotEqual(t, logrus.ErrorLevel, entry.Level, entry.Message)
	}
	assert.Equal(t, "Node stopped", hook.LastEntry().Message)
}

func TestNewLogger(t *testing.T) {
	log, err := NewLogger(config.LogConfig{Level: "debug", Format: config.FormatJSON})
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, log.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, log.Formatter)

	_, err = NewLogger(config.LogConfig{Level: "chatty"})
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}
