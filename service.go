package ragvault

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/flarexio/ragvault/embedding"
	"github.com/flarexio/ragvault/encryption"
	"github.com/flarexio/ragvault/generator/ollama"
	"github.com/flarexio/ragvault/parser"
	"github.com/flarexio/ragvault/rag"
	"github.com/flarexio/ragvault/vector"
)

type Service interface {
	Close() error
	Stats(ctx context.Context) (Stats, error)

	Put(ctx context.Context, req PutRequest) (string, error)
	Search(ctx context.Context, req SearchRequest) ([]vector.Result, error)
	Delete(ctx context.Context, id string) error
	Reindex(ctx context.Context, id string) (string, error)

	Ingest(ctx context.Context, req IngestRequest) (string, error)
	IngestFiles(ctx context.Context, req IndexRequest) (IndexResponse, error)
	IngestDirectory(ctx context.Context, req IndexDirectoryRequest) (IndexResponse, error)
	ClipWeb(ctx context.Context, req WebContentRequest) (string, error)

	BuildContext(ctx context.Context, req QueryRequest) (rag.Context, error)
	GenerateAnswer(ctx context.Context, req QueryRequest) (rag.Answer, error)
}

type ServiceMiddleware func(Service) Service

type ServiceOption func(*service)

// WithCipher enables encryption of new documents. The same cipher should be
// the store's decrypter.
func WithCipher(c *encryption.Cipher) ServiceOption {
	return func(svc *service) {
		svc.cipher = c
	}
}

func WithGenerator(g rag.Generator) ServiceOption {
	return func(svc *service) {
		svc.generator = g
	}
}

func WithParsers(r *parser.Registry) ServiceOption {
	return func(svc *service) {
		if r != nil {
			svc.parsers = r
		}
	}
}

// WithUsageHistory records the context usage of every generated answer.
func WithUsageHistory(h *UsageHistory) ServiceOption {
	return func(svc *service) {
		if h != nil {
			svc.usage = h
		}
	}
}

func NewService(cfg Config, store *vector.Store, embedder embedding.Embedder, opts ...ServiceOption) (Service, error) {
	if store == nil {
		return nil, ErrVectorStoreNotSet
	}

	if embedder == nil {
		return nil, ErrEmbedderNotSet
	}

	cfg = cfg.Normalize()

	usage, _ := OpenUsageHistory("")

	svc := &service{
		cfg:      cfg,
		store:    store,
		embedder: embedder,
		parsers:  parser.NewRegistry(),
		usage:    usage,
		log: zap.L().With(
			zap.String("service", "ragvault"),
		),
	}

	for _, opt := range opts {
		opt(svc)
	}

	engineOpts := []rag.Option{
		rag.WithSpans(rag.ParserSpans(svc.parsers)),
		rag.WithSearcher(rag.SearchFunc(svc.searchText)),
	}

	if svc.generator != nil {
		engineOpts = append(engineOpts, rag.WithGenerator(svc.generator))
	}

	svc.engine = rag.NewEngine(cfg.RAG.Engine(), engineOpts...)

	return svc, nil
}

// Open wires a service from cfg: the configured backend, the vault key, the
// embedding provider and, when enabled, the Ollama generator.
func Open(ctx context.Context, cfg Config) (Service, error) {
	cfg = cfg.Normalize()

	log := zap.L().With(
		zap.String("service", "ragvault"),
		zap.String("action", "open"),
	)

	embedder, err := NewEmbedder(cfg.Embedding)
	if err != nil {
		return nil, err
	}

	dimension := cfg.Vector.Dimension
	if dimension <= 0 {
		d, err := embedding.Dimension(ctx, embedder)
		if err != nil {
			log.Warn("embedding dimension unknown", zap.Error(err))
		}

		dimension = d
	}

	var opts []ServiceOption
	var storeOpts []vector.StoreOption

	storeOpts = append(storeOpts, vector.WithDimension(dimension))

	if cfg.Encryption.Enabled || keyExists(cfg.Encryption.KeyPath) {
		key, err := encryption.LoadOrGenerateKey(cfg.Encryption.KeyPath)
		if err != nil {
			return nil, err
		}

		cipher, err := encryption.NewCipher(key)
		if err != nil {
			return nil, err
		}

		storeOpts = append(storeOpts, vector.WithDecrypter(cipher))
		opts = append(opts, WithCipher(cipher))
	}

	if cfg.LLM.Enabled {
		generator := ollama.NewGenerator(cfg.LLM.Generator())

		if model, err := generator.ResolveModel(ctx); err != nil {
			log.Warn("llm model not resolved", zap.Error(err))
		} else {
			log.Info("llm model resolved", zap.String("model", model))
		}

		if cfg.RAG.ContextWindow <= 0 {
			window, err := generator.ContextWindow(ctx)
			if err != nil {
				log.Warn("context window not detected", zap.Error(err))
			} else {
				log.Info("context window detected", zap.Int("context_window", window))
				cfg.RAG.ContextWindow = window
			}
		}

		opts = append(opts, WithGenerator(generator))
	}

	if cfg.Path != "" {
		usage, err := OpenUsageHistory(filepath.Join(cfg.Path, UsageFilename))
		if err != nil {
			return nil, err
		}

		opts = append(opts, WithUsageHistory(usage))
	}

	backend, err := NewBackend(cfg.Vector)
	if err != nil {
		return nil, err
	}

	store, err := vector.NewStore(ctx, backend, storeOpts...)
	if err != nil {
		backend.Close()
		return nil, err
	}

	return NewService(cfg, store, embedder, opts...)
}

func keyExists(path string) bool {
	if path == "" {
		return false
	}

	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

type service struct {
	cfg       Config
	store     *vector.Store
	embedder  embedding.Embedder
	cipher    *encryption.Cipher
	generator rag.Generator
	parsers   *parser.Registry
	engine    *rag.Engine
	usage     *UsageHistory
	log       *zap.Logger
}

func (svc *service) Close() error {
	return svc.store.Close()
}

func (svc *service) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{
		Documents:  svc.store.Count(),
		Dimension:  svc.store.Dimension(),
		Backend:    svc.cfg.Vector.Backend,
		Encryption: svc.cipher != nil,
		Generator:  svc.generator != nil,
		Strategies: []rag.Strategy{
			rag.StrategyConcise,
			rag.StrategyComprehensive,
			rag.StrategyCodeFocused,
			rag.StrategyDocFocused,
		},
	}

	if svc.cipher != nil {
		stats.EphemeralKey = svc.cipher.Ephemeral()
	}

	window := svc.engine.Config().ContextWindow

	stats.Project = svc.cfg.Project
	stats.Projects = svc.store.Facet(ProjectKey)
	stats.ContextWindow = window
	stats.UsageEntries = len(svc.usage.Entries())
	stats.Recommendation = svc.usage.Recommend(window)

	return stats, nil
}

// Put embeds the plaintext content, seals it when encryption applies and
// stores the document.
func (svc *service) Put(ctx context.Context, req PutRequest) (string, error) {
	if strings.TrimSpace(req.Content) == "" {
		return "", fmt.Errorf("%w: %w", vector.ErrValidation, ErrEmptyDocument)
	}

	if !utf8.ValidString(req.Content) {
		return "", fmt.Errorf("%w: content is not valid utf-8", vector.ErrValidation)
	}

	doc, err := svc.document(ctx, req)
	if err != nil {
		return "", err
	}

	return svc.store.Put(ctx, doc)
}

func (svc *service) document(ctx context.Context, req PutRequest) (vector.Document, error) {
	vec, err := svc.embedder.Embed(ctx, req.Content)
	if err != nil {
		return vector.Document{}, err
	}

	doc := vector.Document{
		ID:              req.ID,
		Source:          req.Source,
		FileType:        req.FileType,
		Metadata:        req.Metadata,
		Embedding:       vec,
		PlaintextLength: len(req.Content),
	}

	if !req.Encrypt && !svc.cfg.Encryption.Enabled {
		doc.Content = req.Content
		return doc, nil
	}

	if svc.cipher == nil {
		return vector.Document{}, fmt.Errorf("%w: %w", encryption.ErrCryptoMisuse, ErrEncryptionDisabled)
	}

	mode := req.Mode
	if mode == "" {
		mode = svc.cfg.Encryption.Mode
	}

	sealed, err := svc.cipher.Encrypt(mode, []byte(req.Content))
	if err != nil {
		return vector.Document{}, err
	}

	doc.Encrypted = true
	doc.Mode = sealed.Mode
	doc.Ciphertext = sealed.Ciphertext
	doc.Nonce = sealed.Nonce
	doc.Tag = sealed.Tag

	return doc, nil
}

func (svc *service) Search(ctx context.Context, req SearchRequest) ([]vector.Result, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, fmt.Errorf("%w: %w", vector.ErrValidation, ErrMissingQuery)
	}

	vec, err := svc.embedder.Embed(ctx, req.Query)
	if err != nil {
		return nil, err
	}

	return svc.store.Search(ctx, vec, req.options(svc.cfg.RAG.TopK, svc.cfg.Project))
}

// searchText serves the engine's follow-up searches within the project scope
// of the query that started them.
func (svc *service) searchText(ctx context.Context, query string, topK int) ([]vector.Result, error) {
	req := SearchRequest{
		Query: query,
		TopK:  topK,
	}

	if scope, ok := ctx.Value(ProjectScope).(string); ok {
		req.Project = scope
		req.AllProjects = scope == ""
	}

	return svc.Search(ctx, req)
}

func (svc *service) Delete(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("%w: %w", vector.ErrValidation, ErrMissingDocumentID)
	}

	return svc.store.Delete(ctx, id)
}

// Reindex stores a fresh copy of a document under a new identity. The source
// file is re-read when it is still readable, otherwise the stored content is
// re-embedded. The previous document is kept.
func (svc *service) Reindex(ctx context.Context, id string) (string, error) {
	if id == "" {
		return "", fmt.Errorf("%w: %w", vector.ErrValidation, ErrMissingDocumentID)
	}

	log := svc.log.With(
		zap.String("action", "reindex"),
		zap.String("document_id", id),
	)

	old, err := svc.store.Get(ctx, id)
	if err != nil {
		return "", err
	}

	req := PutRequest{
		Source:   old.Source,
		FileType: old.FileType,
		Metadata: old.Metadata,
		Encrypt:  old.Encrypted,
		Mode:     old.Mode,
	}

	fresh, err := svc.readSource(old.Source)
	switch {
	case err == nil:
		req.Content = fresh.Text
		req.FileType = fresh.FileType
		req.Metadata = mergeMetadata(old.Metadata, fresh.Metadata)

	default:
		log.Debug("source not re-read", zap.Error(err))

		content, err := svc.store.Plaintext(old)
		if err != nil {
			return "", err
		}

		req.Content = content
		req.Metadata = mergeMetadata(old.Metadata, nil)
	}

	req.Metadata["reindexed_from"] = id

	if strings.TrimSpace(req.Content) == "" {
		return "", fmt.Errorf("%w: %w", vector.ErrValidation, ErrEmptyDocument)
	}

	doc, err := svc.document(ctx, req)
	if err != nil {
		return "", err
	}

	return svc.store.Reindex(ctx, doc)
}

func (svc *service) readSource(path string) (parser.Parsed, error) {
	if path == "" || !svc.parsers.Supports(path) {
		return parser.Parsed{}, ErrSourceNotReadable
	}

	info, err := os.Stat(path)
	if err != nil {
		return parser.Parsed{}, errors.Join(ErrSourceNotReadable, err)
	}

	if !info.Mode().IsRegular() {
		return parser.Parsed{}, ErrSourceNotReadable
	}

	return svc.parseFile(path)
}

func (svc *service) budget(req QueryRequest) rag.Budget {
	strategy := req.Strategy
	if strategy == "" {
		strategy = svc.cfg.RAG.Strategy
	}

	return rag.Budget{
		MaxTokens: req.MaxTokens,
		Strategy:  strategy,
	}
}

func (svc *service) BuildContext(ctx context.Context, req QueryRequest) (rag.Context, error) {
	search := req.search()
	ctx = context.WithValue(ctx, ProjectScope, search.project(svc.cfg.Project))

	results, err := svc.Search(ctx, search)
	if err != nil {
		return rag.Context{}, err
	}

	return svc.engine.BuildContext(ctx, req.Query, results, svc.budget(req))
}

func (svc *service) GenerateAnswer(ctx context.Context, req QueryRequest) (rag.Answer, error) {
	search := req.search()
	ctx = context.WithValue(ctx, ProjectScope, search.project(svc.cfg.Project))

	results, err := svc.Search(ctx, search)
	if err != nil {
		return rag.Answer{}, err
	}

	answer, err := svc.engine.GenerateAnswer(ctx, req.Query, results, svc.budget(req))
	if err != nil {
		return answer, err
	}

	if answer.Generated {
		entry := NewUsageEntry(answer.Stats, time.Now())
		if err := svc.usage.Add(entry); err != nil {
			svc.log.Warn("usage not recorded",
				zap.String("action", "generate_answer"),
				zap.Error(err),
			)
		}
	}

	return answer, nil
}
