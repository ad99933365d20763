// Package embedding defines the text-to-vector capability used by the vault.
package embedding

import (
	"context"
	"errors"
	"hash/fnv"
	"strings"
	"unicode"
)

var ErrEmptyEmbedding = errors.New("embedding: model returned an empty vector")

type Provider string

const (
	ProviderOllama Provider = "ollama"
	ProviderOpenAI Provider = "openai"
	ProviderHash   Provider = "hash"
)

type Config struct {
	Provider  Provider `yaml:"provider"`
	Model     string   `yaml:"model"`
	BaseURL   string   `yaml:"baseURL"`
	APIKey    string   `yaml:"apiKey"`
	Dimension int      `yaml:"dimension"`
}

// Embedder turns text into a fixed-dimension vector. Identical text under an
// identical model configuration must yield identical vectors.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type Func func(ctx context.Context, text string) ([]float32, error)

func (fn Func) Embed(ctx context.Context, text string) ([]float32, error) {
	return fn(ctx, text)
}

// Dimension embeds a short sample text and reports the vector length.
func Dimension(ctx context.Context, e Embedder) (int, error) {
	v, err := e.Embed(ctx, "dimension sample")
	if err != nil {
		return 0, err
	}

	if len(v) == 0 {
		return 0, ErrEmptyEmbedding
	}

	return len(v), nil
}

const DefaultHashDimension = 512

// NewHash returns a deterministic bag-of-words embedder based on feature
// hashing. It needs no model and suits tests and offline vaults, but only
// captures lexical overlap.
func NewHash(dimension int) Embedder {
	if dimension <= 0 {
		dimension = DefaultHashDimension
	}

	return Func(func(ctx context.Context, text string) ([]float32, error) {
		v := make([]float32, dimension)
		for _, term := range Terms(text) {
			h := fnv.New32a()
			h.Write([]byte(term))
			v[h.Sum32()%uint32(dimension)]++
		}
		return v, nil
	})
}

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {}, "by": {},
	"do": {}, "does": {}, "for": {}, "from": {}, "how": {}, "in": {}, "is": {}, "it": {},
	"of": {}, "on": {}, "or": {}, "that": {}, "the": {}, "this": {}, "to": {}, "was": {},
	"what": {}, "when": {}, "where": {}, "which": {}, "who": {}, "why": {}, "with": {},
}

// Terms splits text into lower-cased word and identifier tokens, dropping
// stopwords and single characters.
func Terms(text string) []string {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})

	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.ToLower(f)
		if len(f) < 2 {
			continue
		}

		if _, ok := stopwords[f]; ok {
			continue
		}

		terms = append(terms, f)
	}

	return terms
}
