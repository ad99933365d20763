package vector

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flarexio/ragvault/encryption"
)

type StoreOption func(*Store)

// WithDecrypter lets Search return plaintext for encrypted documents.
// Without it encrypted documents are never returned.
func WithDecrypter(d Decrypter) StoreOption {
	return func(s *Store) {
		s.decrypter = d
	}
}

// WithDimension fixes the embedding dimension of the vault up front instead
// of adopting the dimension of the first document.
func WithDimension(n int) StoreOption {
	return func(s *Store) {
		if n > 0 {
			s.dimension.Store(int64(n))
		}
	}
}

func WithIDGenerator(fn func() string) StoreOption {
	return func(s *Store) {
		if fn != nil {
			s.newID = fn
		}
	}
}

// Store is the vault's vector store. Documents live in memory as immutable
// values and are mirrored to a Backend; a document is published to readers
// only after the backend accepted it, so searches observe a document either
// completely or not at all.
type Store struct {
	backend   Backend
	decrypter Decrypter

	docs   sync.Map // id -> *Document
	nonces sync.Map // nonce -> id
	count  atomic.Int64
	locks  *keyedMutex

	dimension atomic.Int64
	claim     sync.Mutex // serializes writes while the dimension is unset
	newID     func() string

	log *zap.Logger
}

func NewStore(ctx context.Context, backend Backend, opts ...StoreOption) (*Store, error) {
	if backend == nil {
		return nil, errors.New("vector: backend not set")
	}

	s := &Store{
		backend: backend,
		locks:   newKeyedMutex(),
		newID:   uuid.NewString,
		log: zap.L().With(
			zap.String("service", "vector"),
		),
	}

	for _, opt := range opts {
		opt(s)
	}

	if err := s.load(ctx); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Store) load(ctx context.Context) error {
	log := s.log.With(
		zap.String("action", "load"),
	)

	docs, err := s.backend.Load(ctx, s.Dimension())
	if err != nil {
		return err
	}

	for _, doc := range docs {
		if err := s.validate(doc); err != nil {
			log.Warn("skipping invalid document", zap.String("id", doc.ID), zap.Error(err))
			continue
		}

		if err := s.claimDimension(len(doc.Embedding)); err != nil {
			log.Warn("skipping document", zap.String("id", doc.ID), zap.Error(err))
			continue
		}

		d := doc
		s.docs.Store(d.ID, &d)
		s.count.Add(1)

		if d.Encrypted {
			s.nonces.Store(string(d.Nonce), d.ID)
		}
	}

	log.Info("documents loaded",
		zap.Int64("count", s.count.Load()),
		zap.Int("dimension", s.Dimension()),
	)

	return nil
}

func (s *Store) Dimension() int {
	return int(s.dimension.Load())
}

func (s *Store) Count() int {
	return int(s.count.Load())
}

func (s *Store) Close() error {
	return s.backend.Close()
}

func (s *Store) claimDimension(n int) error {
	if s.dimension.CompareAndSwap(0, int64(n)) {
		return nil
	}

	if dim := s.Dimension(); dim != n {
		return fmt.Errorf("%w: embedding dimension %d, vault dimension is %d", ErrValidation, n, dim)
	}

	return nil
}

func (s *Store) checkDimension(n int) error {
	if dim := s.Dimension(); dim != 0 && dim != n {
		return fmt.Errorf("%w: embedding dimension %d, vault dimension is %d", ErrValidation, n, dim)
	}

	return nil
}

// save writes doc to the backend. The first document to be written fixes
// the vault dimension, and only once the backend has accepted it.
func (s *Store) save(ctx context.Context, doc Document) error {
	n := len(doc.Embedding)

	if s.Dimension() != 0 {
		if err := s.checkDimension(n); err != nil {
			return err
		}

		return s.backend.Save(ctx, doc)
	}

	s.claim.Lock()
	defer s.claim.Unlock()

	if err := s.checkDimension(n); err != nil {
		return err
	}

	if err := s.backend.Save(ctx, doc); err != nil {
		return err
	}

	s.dimension.CompareAndSwap(0, int64(n))
	return nil
}

// Facet counts documents by the value they hold under key. Documents
// without the key are not counted.
func (s *Store) Facet(key string) map[string]int {
	counts := make(map[string]int)

	s.docs.Range(func(_, v any) bool {
		doc := v.(*Document)

		value, ok := doc.field(key)
		if !ok {
			return true
		}

		if str := fmt.Sprint(value); str != "" {
			counts[str]++
		}

		return true
	})

	return counts
}

func (s *Store) validate(doc Document) error {
	if doc.ID == "" {
		return fmt.Errorf("%w: missing id", ErrValidation)
	}

	if len(doc.Embedding) == 0 {
		return fmt.Errorf("%w: missing embedding", ErrValidation)
	}

	if !finite(doc.Embedding) {
		return fmt.Errorf("%w: embedding contains NaN or Inf", ErrValidation)
	}

	if !doc.Encrypted {
		if doc.Content == "" {
			return fmt.Errorf("%w: missing content", ErrValidation)
		}
		return nil
	}

	if doc.Content != "" {
		return fmt.Errorf("%w: encrypted document carries plaintext", ErrValidation)
	}

	if len(doc.Ciphertext) == 0 && doc.Mode != encryption.ModeGCM {
		return fmt.Errorf("%w: missing ciphertext", ErrValidation)
	}

	if len(doc.Nonce) == 0 {
		return fmt.Errorf("%w: missing nonce", ErrValidation)
	}

	switch doc.Mode {
	case encryption.ModeGCM:
		if len(doc.Tag) == 0 {
			return fmt.Errorf("%w: missing gcm tag", ErrValidation)
		}
	case encryption.ModeCBC:
	default:
		return fmt.Errorf("%w: unknown cipher mode %q", ErrValidation, doc.Mode)
	}

	return nil
}

// Put stores doc and returns its identity, assigning one when doc.ID is
// empty. Existing identities are never overwritten.
func (s *Store) Put(ctx context.Context, doc Document) (string, error) {
	if doc.ID == "" {
		doc.ID = s.newID()
	}

	if err := s.validate(doc); err != nil {
		return "", err
	}

	unlock := s.locks.Lock(doc.ID)
	defer unlock()

	if _, ok := s.docs.Load(doc.ID); ok {
		return "", fmt.Errorf("%w: document %s already exists", ErrValidation, doc.ID)
	}

	if err := s.checkDimension(len(doc.Embedding)); err != nil {
		return "", err
	}

	doc = doc.clone()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}

	if doc.Encrypted {
		nonce := string(doc.Nonce)
		if owner, loaded := s.nonces.LoadOrStore(nonce, doc.ID); loaded {
			return "", fmt.Errorf("%w: nonce already used by document %v", encryption.ErrCryptoMisuse, owner)
		}
	}

	if err := s.save(ctx, doc); err != nil {
		if doc.Encrypted {
			s.nonces.Delete(string(doc.Nonce))
		}
		return "", err
	}

	s.docs.Store(doc.ID, &doc)
	s.count.Add(1)

	return doc.ID, nil
}

// Reindex stores doc under a freshly assigned identity. Any document the
// caller derived it from is left in place.
func (s *Store) Reindex(ctx context.Context, doc Document) (string, error) {
	doc.ID = ""
	doc.CreatedAt = time.Time{}
	return s.Put(ctx, doc)
}

func (s *Store) Get(ctx context.Context, id string) (Document, error) {
	v, ok := s.docs.Load(id)
	if !ok {
		return Document{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	return v.(*Document).clone(), nil
}

// Delete removes a document with its content, embedding and metadata.
func (s *Store) Delete(ctx context.Context, id string) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	v, ok := s.docs.Load(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	if err := s.backend.Delete(ctx, id); err != nil {
		return err
	}

	doc := v.(*Document)

	s.docs.Delete(id)
	s.count.Add(-1)

	if doc.Encrypted {
		s.nonces.Delete(string(doc.Nonce))
	}

	return nil
}

type scored struct {
	doc   *Document
	score float64
}

// Search ranks every document matching opts.Filters by cosine similarity to
// query, then returns the window [Offset, Offset+TopK). Documents that fail
// to decrypt are dropped from the ranking and logged.
func (s *Store) Search(ctx context.Context, query []float32, opts Options) ([]Result, error) {
	if opts.TopK <= 0 {
		return nil, fmt.Errorf("%w: top_k must be positive", ErrValidation)
	}

	if opts.Offset < 0 {
		return nil, fmt.Errorf("%w: offset must not be negative", ErrValidation)
	}

	if len(query) == 0 {
		return nil, fmt.Errorf("%w: empty query embedding", ErrValidation)
	}

	dim := s.Dimension()
	if dim == 0 {
		return []Result{}, nil
	}

	if len(query) != dim {
		return nil, fmt.Errorf("%w: query dimension %d, vault dimension is %d", ErrValidation, len(query), dim)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	candidates := make([]scored, 0, s.Count())
	s.docs.Range(func(_, v any) bool {
		doc := v.(*Document)
		if doc.matches(opts.Filters) {
			candidates = append(candidates, scored{doc, Cosine(query, doc.Embedding)})
		}
		return true
	})

	slices.SortFunc(candidates, func(a, b scored) int {
		if c := cmp.Compare(b.score, a.score); c != 0 {
			return c
		}
		return cmp.Compare(a.doc.ID, b.doc.ID)
	})

	log := s.log.With(
		zap.String("action", "search"),
	)

	results := make([]Result, 0, min(opts.TopK, len(candidates)))
	skipped := 0

	for _, c := range candidates {
		if len(results) == opts.TopK {
			break
		}

		if err := ctx.Err(); err != nil {
			return nil, err
		}

		content, err := s.plaintext(c.doc)
		if err != nil {
			log.Warn("excluding undecryptable document",
				zap.String("id", c.doc.ID),
				zap.Error(err),
			)
			continue
		}

		if skipped < opts.Offset {
			skipped++
			continue
		}

		results = append(results, Result{
			DocumentID: c.doc.ID,
			Score:      c.score,
			Content:    content,
			Metadata:   maps.Clone(c.doc.Metadata),
			FileType:   c.doc.FileType,
			Source:     c.doc.Source,
			Encrypted:  c.doc.Encrypted,
			CreatedAt:  c.doc.CreatedAt,
		})
	}

	return results, nil
}

// Plaintext returns the readable content of doc.
func (s *Store) Plaintext(doc Document) (string, error) {
	return s.plaintext(&doc)
}

func (s *Store) plaintext(doc *Document) (string, error) {
	if !doc.Encrypted {
		return doc.Content, nil
	}

	if s.decrypter == nil {
		return "", fmt.Errorf("%w: no key loaded to decrypt document", encryption.ErrCryptoMisuse)
	}

	plaintext, err := s.decrypter.Decrypt(doc.Sealed())
	if err != nil {
		return "", err
	}

	return string(plaintext), nil
}
