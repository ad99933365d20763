package chromem

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/philippgille/chromem-go"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/flarexio/ragvault/vector"
)

const (
	DefaultCollection = "vault"

	recordKey = "record"
)

var ErrDimensionRequired = errors.New("chromem: vault dimension required to load documents")

func NewChromemBackend(cfg vector.Config) (vector.Backend, error) {
	var db *chromem.DB
	if !cfg.Persistent {
		db = chromem.NewDB()
	} else {
		d, err := chromem.NewPersistentDB(cfg.Path, cfg.Compress)
		if err != nil {
			return nil, err
		}

		db = d
	}

	name := cfg.Collection
	if name == "" {
		name = DefaultCollection
	}

	// embeddings are always computed before they reach the backend, so the
	// collection never calls an embedding func
	c, err := db.GetOrCreateCollection(name, nil, nil)
	if err != nil {
		return nil, err
	}

	b := &backend{
		collection: c,
		log: zap.L().With(
			zap.String("service", "chromem"),
			zap.String("collection", name),
		),
	}

	if cfg.Persistent {
		b.metaPath = filepath.Clean(cfg.Path) + "." + name + ".yaml"

		meta, err := readMeta(b.metaPath)
		if err != nil {
			return nil, err
		}

		b.dimension = meta.Dimension
	}

	return b, nil
}

// collectionMeta is kept beside the chromem directory. chromem can only
// list a collection through a query, which needs the embedding dimension.
type collectionMeta struct {
	Dimension int `yaml:"dimension"`
}

func readMeta(path string) (collectionMeta, error) {
	var meta collectionMeta

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return meta, nil

	case err != nil:
		return meta, err
	}

	if err := yaml.Unmarshal(data, &meta); err != nil {
		return meta, fmt.Errorf("chromem: %s: %w", path, err)
	}

	return meta, nil
}

type backend struct {
	collection *chromem.Collection
	metaPath   string

	dimension int
	mu        sync.Mutex

	log *zap.Logger
}

// remember records the collection dimension the first time it is known.
func (b *backend) remember(dimension int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.metaPath == "" || b.dimension != 0 || dimension <= 0 {
		return
	}

	b.dimension = dimension

	data, err := yaml.Marshal(&collectionMeta{dimension})
	if err == nil {
		err = os.WriteFile(b.metaPath, data, 0o600)
	}

	if err != nil {
		b.log.Warn("collection dimension not recorded", zap.Error(err))
	}
}

func (b *backend) knownDimension() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.dimension
}

// Load reads every document of the collection. chromem only exposes
// similarity queries, so the whole collection is fetched with a unit query vector
// and nResults equal to its size.
func (b *backend) Load(ctx context.Context, dimension int) ([]vector.Document, error) {
	count := b.collection.Count()
	if count == 0 {
		return nil, nil
	}

	if dimension <= 0 {
		dimension = b.knownDimension()
	}

	if dimension <= 0 {
		return nil, ErrDimensionRequired
	}

	unit := make([]float32, dimension)
	unit[0] = 1

	results, err := b.collection.QueryEmbedding(ctx, unit, count, nil, nil)
	if err != nil {
		return nil, err
	}

	docs := make([]vector.Document, 0, len(results))
	for _, result := range results {
		doc, err := decode(result.Metadata, result.Content)
		if err != nil {
			return nil, fmt.Errorf("chromem: document %s: %w", result.ID, err)
		}

		docs = append(docs, doc)
	}

	b.remember(dimension)

	return docs, nil
}

func (b *backend) Save(ctx context.Context, doc vector.Document) error {
	meta, payload, err := vector.EncodeRecord(doc)
	if err != nil {
		return err
	}

	document := chromem.Document{
		ID: doc.ID,
		Metadata: map[string]string{
			recordKey: string(meta),
		},
		Embedding: indexEmbedding(doc.Embedding),
		Content:   base64.StdEncoding.EncodeToString(payload),
	}

	if err := b.collection.AddDocument(ctx, document); err != nil {
		return err
	}

	b.remember(len(doc.Embedding))
	return nil
}

// indexEmbedding is the vector handed to chromem, which normalizes it. A zero
// vector would normalize to NaN, so it is replaced by a unit vector; the
// original embedding travels in the record.
func indexEmbedding(v []float32) []float32 {
	for _, x := range v {
		if x != 0 {
			return slices.Clone(v)
		}
	}

	unit := make([]float32, len(v))
	unit[0] = 1
	return unit
}

func (b *backend) Delete(ctx context.Context, id string) error {
	return b.collection.Delete(ctx, nil, nil, id)
}

func (b *backend) Close() error {
	return nil
}

func decode(metadata map[string]string, content string) (vector.Document, error) {
	meta, ok := metadata[recordKey]
	if !ok {
		return vector.Document{}, errors.New("missing record metadata")
	}

	payload, err := base64.StdEncoding.DecodeString(content)
	if err != nil {
		return vector.Document{}, err
	}

	return vector.DecodeRecord([]byte(meta), payload)
}
