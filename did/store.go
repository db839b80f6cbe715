package did

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pilacorp/go-credential-ledger/crypto"
	"github.com/pilacorp/go-credential-ledger/errdefs"
)

var (
	// ErrNotFound is returned when a DID is unknown, or has no version in
	// force at the requested height.
	ErrNotFound = fmt.Errorf("DID not found: %w", errdefs.ErrNotFound)
	// ErrKeyNotFound is returned when a key id is not part of the document.
	ErrKeyNotFound = fmt.Errorf("key not found: %w", errdefs.ErrNotFound)
	// ErrInvalidKeyFormat is returned when key bytes and algorithm tag do not match.
	ErrInvalidKeyFormat = crypto.ErrInvalidKeyFormat
	// ErrNoKeys is returned when a document would be created without keys.
	ErrNoKeys = fmt.Errorf("document must contain at least one key: %w", errdefs.ErrMalformedInput)
	// ErrMethodNotSupported is returned when the DID method differs from the configured one.
	ErrMethodNotSupported = fmt.Errorf("DID method not supported: %w", errdefs.ErrMalformedInput)
	// ErrAlreadyExists is returned when creating a DID that already has a document.
	ErrAlreadyExists = fmt.Errorf("DID already exists: %w", errdefs.ErrConflictingState)
	// ErrDuplicateKey is returned when a key id is already used by the document.
	ErrDuplicateKey = fmt.Errorf("duplicate key id: %w", errdefs.ErrConflictingState)
	// ErrKeyInactive is returned when revoking a key that is already inactive.
	ErrKeyInactive = fmt.Errorf("key already inactive: %w", errdefs.ErrConflictingState)
	// ErrCorruptHistory is returned when persisted versions are not a contiguous log.
	ErrCorruptHistory = fmt.Errorf("corrupt document history: %w", errdefs.ErrIntegrityViolation)
)

// VersionStore persists the append-only version log of each DID.
type VersionStore interface {
	LoadDocumentVersions(ctx context.Context, did string) ([]Document, error)
	StoreDocumentVersion(ctx context.Context, did string, doc Document) error
}

// HeightSource reports the current ledger tip height.
type HeightSource interface {
	Height() uint64
}

// HeightFunc adapts a function to HeightSource.
type HeightFunc func() uint64

// Height implements HeightSource.
func (f HeightFunc) Height() uint64 { return f() }

// Option configures a Store.
type Option func(*Store)

// WithVersionStore sets the persistence backend for document versions.
func WithVersionStore(vs VersionStore) Option {
	return func(s *Store) {
		s.persist = vs
	}
}

// WithHeightSource sets the ledger whose tip determines when new versions
// take effect.
func WithHeightSource(hs HeightSource) Option {
	return func(s *Store) {
		s.heights = hs
	}
}

// WithMethod restricts the store to DIDs of one method.
func WithMethod(method string) Option {
	return func(s *Store) {
		s.method = method
	}
}

// WithClock sets the clock used for UpdatedAt timestamps.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		s.clock = clock
	}
}

// WithLogger sets the logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(s *Store) {
		s.log = log
	}
}

// Store holds the version history of every known DID.
// A version created while the ledger tip is at height h takes effect at h+1.
type Store struct {
	mu        sync.RWMutex
	histories map[string][]*Document

	persist VersionStore
	heights HeightSource
	method  string
	clock   func() time.Time
	log     logrus.FieldLogger
}

// NewStore creates an empty document store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		histories: make(map[string][]*Document),
		heights:   HeightFunc(func() uint64 { return 0 }),
		clock:     time.Now,
		log:       logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.WithField("component", "did")
	return s
}

// Create registers a new DID with its initial keys as version 1.
func (s *Store) Create(ctx context.Context, did string, keys ...KeyEntry) (*Document, error) {
	if err := s.validateDID(did); err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, ErrNoKeys
	}

	seen := make(map[string]bool, len(keys))
	entries := make([]KeyEntry, 0, len(keys))
	for _, k := range keys {
		if err := validateKey(k); err != nil {
			return nil, err
		}
		if seen[k.ID] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateKey, k.ID)
		}
		seen[k.ID] = true
		k.Active = true
		k.PublicKey = append([]byte(nil), k.PublicKey...)
		entries = append(entries, k)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	history, err := s.historyLocked(ctx, did)
	if err != nil {
		return nil, err
	}
	if len(history) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, did)
	}

	return s.appendLocked(ctx, did, nil, entries)
}

// Resolve returns the latest version of the document.
func (s *Store) Resolve(ctx context.Context, did string) (*Document, error) {
	history, err := s.history(ctx, did)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, did)
	}
	return history[len(history)-1].Clone(), nil
}

// ResolveAt returns the version that was in force at the given ledger height.
func (s *Store) ResolveAt(ctx context.Context, did string, height uint64) (*Document, error) {
	history, err := s.history(ctx, did)
	if err != nil {
		return nil, err
	}

	// Effective heights are non-decreasing along the log.
	i := sort.Search(len(history), func(i int) bool {
		return history[i].EffectiveHeight > height
	})
	if i == 0 {
		return nil, fmt.Errorf("%w: %s at height %d", ErrNotFound, did, height)
	}
	return history[i-1].Clone(), nil
}

// History returns every version of the document, oldest first.
func (s *Store) History(ctx context.Context, did string) ([]Document, error) {
	history, err := s.history(ctx, did)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, did)
	}

	out := make([]Document, len(history))
	for i, doc := range history {
		out[i] = *doc.Clone()
	}
	return out, nil
}

// RotateKey appends a version in which key is the only active key. Prior
// keys are kept as inactive so older signatures remain verifiable.
func (s *Store) RotateKey(ctx context.Context, did string, key KeyEntry) (*Document, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	latest, err := s.latestLocked(ctx, did)
	if err != nil {
		return nil, err
	}
	if _, exists := latest.Key(key.ID); exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateKey, key.ID)
	}

	entries := cloneKeys(latest.Keys)
	for i := range entries {
		entries[i].Active = false
	}
	key.Active = true
	key.PublicKey = append([]byte(nil), key.PublicKey...)
	entries = append(entries, key)

	return s.appendLocked(ctx, did, latest, entries)
}

// RevokeKey appends a version in which the key is marked inactive.
func (s *Store) RevokeKey(ctx context.Context, did, keyID string) (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	latest, err := s.latestLocked(ctx, did)
	if err != nil {
		return nil, err
	}

	key, ok := latest.Key(keyID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	if !key.Active {
		return nil, fmt.Errorf("%w: %s", ErrKeyInactive, keyID)
	}

	entries := cloneKeys(latest.Keys)
	for i := range entries {
		if entries[i].ID == keyID {
			entries[i].Active = false
		}
	}

	return s.appendLocked(ctx, did, latest, entries)
}

func (s *Store) validateDID(did string) error {
	method, _, err := Parse(did)
	if err != nil {
		return err
	}
	if s.method != "" && method != s.method {
		return fmt.Errorf("%w: %q", ErrMethodNotSupported, method)
	}
	return nil
}

// history returns the version log, loading it from persistence on first use.
// The returned slice must not be modified.
func (s *Store) history(ctx context.Context, did string) ([]*Document, error) {
	if err := Validate(did); err != nil {
		return nil, err
	}

	s.mu.RLock()
	history, ok := s.histories[did]
	s.mu.RUnlock()
	if ok {
		return history, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.historyLocked(ctx, did)
}

func (s *Store) historyLocked(ctx context.Context, did string) ([]*Document, error) {
	if history, ok := s.histories[did]; ok {
		return history, nil
	}
	if s.persist == nil {
		return nil, nil
	}

	versions, err := s.persist.LoadDocumentVersions(ctx, did)
	if err != nil {
		return nil, fmt.Errorf("failed to load document versions: %w", err)
	}
	if len(versions) == 0 {
		return nil, nil
	}

	history := make([]*Document, len(versions))
	for i := range versions {
		doc := versions[i].Clone()
		if doc.DID != did || doc.Version != uint64(i+1) {
			return nil, fmt.Errorf("%w: %s version %d at position %d", ErrCorruptHistory, did, doc.Version, i)
		}
		if i > 0 && doc.EffectiveHeight < history[i-1].EffectiveHeight {
			return nil, fmt.Errorf("%w: %s version %d effective height decreases", ErrCorruptHistory, did, doc.Version)
		}
		history[i] = doc
	}
	s.histories[did] = history
	return history, nil
}

func (s *Store) latestLocked(ctx context.Context, did string) (*Document, error) {
	if err := Validate(did); err != nil {
		return nil, err
	}
	history, err := s.historyLocked(ctx, did)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, did)
	}
	return history[len(history)-1], nil
}

// appendLocked persists and publishes the next version of the document.
func (s *Store) appendLocked(ctx context.Context, did string, prev *Document, keys []KeyEntry) (*Document, error) {
	doc := &Document{
		DID:             did,
		Version:         1,
		EffectiveHeight: s.heights.Height() + 1,
		Keys:            keys,
		UpdatedAt:       s.clock().UTC(),
	}
	if prev != nil {
		doc.Version = prev.Version + 1
		if doc.EffectiveHeight < prev.EffectiveHeight {
			doc.EffectiveHeight = prev.EffectiveHeight
		}
	}

	if s.persist != nil {
		if err := s.persist.StoreDocumentVersion(ctx, did, *doc.Clone()); err != nil {
			return nil, fmt.Errorf("failed to store document version: %w", err)
		}
	}

	// Copy-on-write so readers holding the previous slice are unaffected.
	history := s.histories[did]
	next := make([]*Document, len(history), len(history)+1)
	copy(next, history)
	s.histories[did] = append(next, doc)

	s.log.WithFields(logrus.Fields{
		"did":              did,
		"version":          doc.Version,
		"effective_height": doc.EffectiveHeight,
		"active_keys":      len(doc.ActiveKeys()),
	}).Info("DID document version appended")

	return doc.Clone(), nil
}

func validateKey(k KeyEntry) error {
	if k.ID == "" {
		return fmt.Errorf("%w: key id is required", ErrInvalidKeyFormat)
	}
	if err := crypto.ValidatePublicKey(k.Algorithm, k.PublicKey); err != nil {
		if errors.Is(err, ErrInvalidKeyFormat) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrInvalidKeyFormat, err)
	}
	return nil
}

func cloneKeys(keys []KeyEntry) []KeyEntry {
	out := make([]KeyEntry, len(keys))
	for i, k := range keys {
		k.PublicKey = append([]byte(nil), k.PublicKey...)
		out[i] = k
	}
	return out
}
