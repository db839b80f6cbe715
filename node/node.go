// Package node assembles a single-writer credential ledger from a
// configuration and exposes its inbound operations.
package node

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pilacorp/go-credential-ledger/config"
	"github.com/pilacorp/go-credential-ledger/credential"
	"github.com/pilacorp/go-credential-ledger/crypto"
	"github.com/pilacorp/go-credential-ledger/did"
	"github.com/pilacorp/go-credential-ledger/ledger"
	"github.com/pilacorp/go-credential-ledger/revocation"
	"github.com/pilacorp/go-credential-ledger/store"
	"github.com/pilacorp/go-credential-ledger/verifier"
)

// Option configures a Node beyond what the configuration file covers.
type Option func(*options)

type options struct {
	clock  func() time.Time
	canon  credential.Canonicalizer
	logger *logrus.Logger
}

// WithClock sets the clock shared by every component.
func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		o.clock = clock
	}
}

// WithCanonicalizer sets the canonical form credentials are hashed and
// verified over.
func WithCanonicalizer(c credential.Canonicalizer) Option {
	return func(o *options) {
		o.canon = c
	}
}

// WithLogger replaces the logger built from the configuration.
func WithLogger(log *logrus.Logger) Option {
	return func(o *options) {
		o.logger = log
	}
}

// Node is a running credential ledger.
type Node struct {
	cfg      *config.Config
	log      *logrus.Logger
	canon    credential.Canonicalizer
	store    store.Store
	dids     *did.Store
	engine   *ledger.Engine
	registry *revocation.Registry
	verifier *verifier.Verifier

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// New opens the store, replays persisted state and starts the auditor when
// an interval is configured. A stored chain that fails verification does
// not prevent startup: the fault is logged and verifications anchored at or
// above it report ChainIntegrityFailure.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Node, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := &options{clock: time.Now, canon: credential.JCS{}}
	for _, opt := range opts {
		opt(o)
	}

	// 1. Logger
	log := o.logger
	if log == nil {
		var err error
		if log, err = NewLogger(cfg.Log); err != nil {
			return nil, err
		}
	}

	// 2. Store
	st, err := openStore(cfg.Store)
	if err != nil {
		return nil, err
	}

	// 3. Ledger, replayed from the store
	engine := ledger.NewEngine(
		ledger.WithConfirmations(cfg.Ledger.Confirmations),
		ledger.WithGenesisTime(cfg.Ledger.GenesisTime),
		ledger.WithMaxBlockTransactions(cfg.Ledger.MaxBlockTransactions),
		ledger.WithVerifyWorkers(cfg.Ledger.VerifyWorkers),
		ledger.WithBlockStore(st),
		ledger.WithClock(o.clock),
		ledger.WithLogger(log),
	)
	var integrity *ledger.IntegrityError
	if err := engine.Load(ctx); err != nil && !errors.As(err, &integrity) {
		st.Close()
		return nil, fmt.Errorf("failed to load ledger: %w", err)
	}

	// 4. Derived views and collaborators
	registry := revocation.New(revocation.WithLogger(log))
	engine.Subscribe(registry)

	dids := did.NewStore(
		did.WithVersionStore(st),
		did.WithHeightSource(engine),
		did.WithMethod(cfg.DID.Method),
		did.WithClock(o.clock),
		did.WithLogger(log),
	)

	v := verifier.New(dids, engine, registry,
		verifier.WithCanonicalizer(o.canon),
		verifier.WithClock(o.clock),
		verifier.WithAuditOnVerify(cfg.Audit.OnVerify),
		verifier.WithLogger(log),
	)

	n := &Node{
		cfg:      cfg,
		log:      log,
		canon:    o.canon,
		store:    st,
		dids:     dids,
		engine:   engine,
		registry: registry,
		verifier: v,
	}

	// 5. Background auditor
	auditCtx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel
	if cfg.Audit.Interval > 0 {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			engine.RunAuditor(auditCtx, cfg.Audit.Interval)
		}()
	}

	log.WithFields(logrus.Fields{
		"height":        engine.Height(),
		"hash":          engine.Tip().Hash.Hex(),
		"backend":       cfg.Store.Backend,
		"confirmations": cfg.Ledger.Confirmations,
		"integrity":     integrity == nil,
	}).Info("Node started")

	return n, nil
}

// NewLogger builds a logger from the log configuration.
func NewLogger(cfg config.LogConfig) (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("%w: log.level: %v", config.ErrInvalidConfig, err)
	}

	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetLevel(level)
	if cfg.Format == config.FormatJSON {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	return log, nil
}

func openStore(cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Backend {
	case config.BackendBolt:
		return store.OpenBolt(cfg.Path)
	default:
		return store.NewMemory(), nil
	}
}

// SubmitTransaction queues an ANCHOR or REVOKE transaction.
func (n *Node) SubmitTransaction(ctx context.Context, tx ledger.Transaction) (ledger.Receipt, error) {
	return n.engine.SubmitTransaction(ctx, tx)
}

// Anchor submits an ANCHOR transaction for a signed credential.
func (n *Node) Anchor(ctx context.Context, c *credential.Credential) (ledger.Receipt, error) {
	hash, err := n.hashSigned(c)
	if err != nil {
		return ledger.Receipt{}, err
	}
	return n.engine.SubmitTransaction(ctx, ledger.NewAnchor(hash, c.Issuer))
}

// Revoke submits a REVOKE transaction for a credential on behalf of its issuer.
func (n *Node) Revoke(ctx context.Context, c *credential.Credential) (ledger.Receipt, error) {
	if c == nil {
		return ledger.Receipt{}, verifier.ErrNilCredential
	}
	hash, err := credential.HashWith(n.canon, c)
	if err != nil {
		return ledger.Receipt{}, err
	}
	return n.engine.SubmitTransaction(ctx, ledger.NewRevoke(hash, c.Issuer))
}

func (n *Node) hashSigned(c *credential.Credential) (crypto.Digest, error) {
	if c == nil {
		return crypto.ZeroDigest, verifier.ErrNilCredential
	}
	if c.Proof == nil {
		return crypto.ZeroDigest, credential.ErrMissingProof
	}
	return credential.HashWith(n.canon, c)
}

// ProduceBlock seals the pending transactions into the next block.
func (n *Node) ProduceBlock(ctx context.Context) (*ledger.Block, error) {
	return n.engine.ProduceBlock(ctx)
}

// CreateDID registers a new DID document.
func (n *Node) CreateDID(ctx context.Context, id string, keys ...did.KeyEntry) (*did.Document, error) {
	return n.dids.Create(ctx, id, keys...)
}

// RotateKey appends a document version with key as the only active key.
func (n *Node) RotateKey(ctx context.Context, id string, key did.KeyEntry) (*did.Document, error) {
	return n.dids.RotateKey(ctx, id, key)
}

// RevokeKey appends a document version with the key marked inactive.
func (n *Node) RevokeKey(ctx context.Context, id, keyID string) (*did.Document, error) {
	return n.dids.RevokeKey(ctx, id, keyID)
}

// Resolve returns the latest document version.
func (n *Node) Resolve(ctx context.Context, id string) (*did.Document, error) {
	return n.dids.Resolve(ctx, id)
}

// ResolveAt returns the document version in force at height.
func (n *Node) ResolveAt(ctx context.Context, id string, height uint64) (*did.Document, error) {
	return n.dids.ResolveAt(ctx, id, height)
}

// Verify runs the verification pipeline.
func (n *Node) Verify(ctx context.Context, c *credential.Credential) (*verifier.Result, error) {
	return n.verifier.Verify(ctx, c)
}

// VerifyChain re-verifies the blocks in [from, to].
func (n *Node) VerifyChain(ctx context.Context, from, to uint64) error {
	return n.engine.VerifyChain(ctx, from, to)
}

// GetAnchor reports where a credential hash was anchored.
func (n *Node) GetAnchor(hash crypto.Digest) ledger.Inclusion {
	return n.engine.GetAnchor(hash)
}

// GetRevocation reports where a credential hash was revoked.
func (n *Node) GetRevocation(hash crypto.Digest) ledger.Inclusion {
	return n.engine.GetRevocation(hash)
}

// Reconcile adopts a foreign copy of the chain when fork choice prefers it.
func (n *Node) Reconcile(ctx context.Context, foreign []*ledger.Block) (bool, error) {
	return n.engine.Reconcile(ctx, foreign)
}

// RebuildRevocations replays the trusted chain, the blocks below any known
// fault, into the revocation registry.
func (n *Node) RebuildRevocations(ctx context.Context) error {
	upTo := n.engine.Height()
	if fault, ok := n.engine.FaultHeight(); ok {
		if fault == 0 {
			n.registry.ChainReset(nil)
			return nil
		}
		upTo = fault - 1
	}
	return n.registry.Rebuild(ctx, n.engine, upTo)
}

// IsRevoked reports whether the registry holds a revocation for hash at or
// below atHeight.
func (n *Node) IsRevoked(hash crypto.Digest, atHeight uint64) bool {
	return n.registry.IsRevoked(hash, atHeight)
}

// Height returns the tip height.
func (n *Node) Height() uint64 {
	return n.engine.Height()
}

// Blocks returns copies of the blocks in [from, to].
func (n *Node) Blocks(from, to uint64) ([]*ledger.Block, error) {
	return n.engine.Blocks(from, to)
}

// Close stops the auditor and closes the store.
func (n *Node) Close() error {
	n.closeOnce.Do(func() {
		n.cancel()
		n.wg.Wait()
		n.closeErr = n.store.Close()
		n.log.Info("Node stopped")
	})
	return n.closeErr
}
