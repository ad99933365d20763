// Package rag assembles ranked search hits into a bounded prompt context
// and drives answer generation over it.
package rag

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/flarexio/ragvault/parser"
	"github.com/flarexio/ragvault/vector"
)

var ErrGenerationUnavailable = errors.New("generation unavailable")

type Strategy string

const (
	StrategyConcise       Strategy = "concise"
	StrategyComprehensive Strategy = "comprehensive"
	StrategyCodeFocused   Strategy = "code-focused"
	StrategyDocFocused    Strategy = "doc-focused"
)

func ParseStrategy(s string) (Strategy, error) {
	switch strategy := Strategy(s); strategy {
	case "":
		return StrategyComprehensive, nil
	case StrategyConcise, StrategyComprehensive, StrategyCodeFocused, StrategyDocFocused:
		return strategy, nil
	default:
		return "", fmt.Errorf("%w: unknown strategy %q", vector.ErrValidation, s)
	}
}

// Budget bounds the assembled context. A zero MaxTokens selects the
// engine's default context budget.
type Budget struct {
	MaxTokens int      `json:"max_tokens"`
	Strategy  Strategy `json:"strategy"`
}

type Chunk struct {
	SourceDocumentID string  `json:"source_document_id"`
	Source           string  `json:"source"`
	FileType         string  `json:"file_type"`
	Text             string  `json:"text"`
	TokenCount       int     `json:"token_count"`
	PriorityScore    float64 `json:"priority_score"`
	Truncated        bool    `json:"truncated"`
	Supplementary    bool    `json:"supplementary"`
}

type Context struct {
	Chunks     []Chunk  `json:"chunks"`
	Text       string   `json:"text"`
	TokenCount int      `json:"token_count"`
	Warnings   []string `json:"warnings,omitempty"`
}

func (c Context) Empty() bool {
	return len(c.Chunks) == 0
}

type Stats struct {
	ContextTokens      int     `json:"context_tokens"`
	PromptTokens       int     `json:"prompt_tokens"`
	AnswerTokens       int     `json:"answer_tokens"`
	TotalTokens        int     `json:"total_tokens"`
	ContextWindow      int     `json:"context_window"`
	UsagePercent       float64 `json:"usage_percent"`
	Truncated          bool    `json:"truncated"`
	DocumentsUsed      int     `json:"documents_used"`
	DocumentsAvailable int     `json:"documents_available"`
}

type Answer struct {
	Answer    string   `json:"answer,omitempty"`
	Generated bool     `json:"generated"`
	Context   Context  `json:"context"`
	Rounds    int      `json:"rounds"`
	FollowUps []string `json:"follow_ups,omitempty"`
	Stats     Stats    `json:"stats"`
	Warnings  []string `json:"warnings,omitempty"`
}

// Searcher runs a text query against the vault.
type Searcher interface {
	Search(ctx context.Context, query string, topK int) ([]vector.Result, error)
}

type SearchFunc func(ctx context.Context, query string, topK int) ([]vector.Result, error)

func (fn SearchFunc) Search(ctx context.Context, query string, topK int) ([]vector.Result, error) {
	return fn(ctx, query, topK)
}

// Generator produces text for a prompt. Timeouts and outages are reported
// as ErrGenerationUnavailable.
type Generator interface {
	Generate(ctx context.Context, prompt string, maxTokens int) (string, error)
}

type GeneratorFunc func(ctx context.Context, prompt string, maxTokens int) (string, error)

func (fn GeneratorFunc) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	return fn(ctx, prompt, maxTokens)
}

// SpanFunc supplies the structural spans of a hit's content.
type SpanFunc func(r vector.Result) []parser.Span

// ParserSpans reparses a hit by its file type. Spans are discarded when the
// parser does not reproduce the stored text exactly.
func ParserSpans(registry *parser.Registry) SpanFunc {
	return func(r vector.Result) []parser.Span {
		if r.FileType == "" {
			return nil
		}

		parsed, err := registry.Parse("document."+r.FileType, []byte(r.Content))
		if err != nil || parsed.Text != r.Content {
			return nil
		}

		return parsed.Spans
	}
}

type Config struct {
	ContextWindow    int           `yaml:"contextWindow"`
	MaxChunkShare    float64       `yaml:"maxChunkShare"`
	MaxCandidates    int           `yaml:"maxCandidates"`
	MinChunkTokens   int           `yaml:"minChunkTokens"`
	MaxRounds        int           `yaml:"maxRounds"`
	MaxFollowUps     int           `yaml:"maxFollowUps"`
	MaxReferences    int           `yaml:"maxReferences"`
	ExpansionTimeout time.Duration `yaml:"-"`
}

const (
	DefaultContextWindow    = 4096
	DefaultMaxChunkShare    = 0.6
	DefaultMaxCandidates    = 10
	DefaultMinChunkTokens   = 16
	DefaultMaxRounds        = 1
	DefaultMaxFollowUps     = 3
	DefaultMaxReferences    = 3
	DefaultExpansionTimeout = 30 * time.Second
)

func (cfg Config) withDefaults() Config {
	if cfg.ContextWindow <= 0 {
		cfg.ContextWindow = DefaultContextWindow
	}

	if cfg.MaxChunkShare <= 0 || cfg.MaxChunkShare > 1 {
		cfg.MaxChunkShare = DefaultMaxChunkShare
	}

	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = DefaultMaxCandidates
	}

	if cfg.MinChunkTokens <= 0 {
		cfg.MinChunkTokens = DefaultMinChunkTokens
	}

	// negative values disable expansion and cross-references
	switch {
	case cfg.MaxRounds == 0:
		cfg.MaxRounds = DefaultMaxRounds
	case cfg.MaxRounds < 0:
		cfg.MaxRounds = 0
	}

	if cfg.MaxFollowUps <= 0 {
		cfg.MaxFollowUps = DefaultMaxFollowUps
	}

	switch {
	case cfg.MaxReferences == 0:
		cfg.MaxReferences = DefaultMaxReferences
	case cfg.MaxReferences < 0:
		cfg.MaxReferences = 0
	}

	if cfg.ExpansionTimeout <= 0 {
		cfg.ExpansionTimeout = DefaultExpansionTimeout
	}

	return cfg
}

// ContextBudget is the default number of context tokens, 75% of the
// model's context window.
func (cfg Config) ContextBudget() int {
	return cfg.ContextWindow * 3 / 4
}

// AnswerTokens is the default answer length, 10% of the context window.
func (cfg Config) AnswerTokens() int {
	return cfg.ContextWindow / 10
}
