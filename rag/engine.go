package rag

import (
	"cmp"
	"context"
	"fmt"
	"math"
	"slices"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/flarexio/ragvault/embedding"
	"github.com/flarexio/ragvault/parser"
	"github.com/flarexio/ragvault/vector"
)

const (
	// minimum weight of a hit, so non-positive scores still get a share
	epsilon = 1e-3

	// share multiplier of the type a focused strategy prefers
	focusMultiplier = 2.0

	// concise keeps the runner-up only when it scores within this ratio of
	// the top hit
	conciseRatio = 0.75

	elisionMarker = "\n[...]\n"
)

type Option func(*Engine)

func WithTokenizer(t Tokenizer) Option {
	return func(e *Engine) {
		e.tokenizer = t
	}
}

func WithLexer(l Lexer) Option {
	return func(e *Engine) {
		e.lexer = l
	}
}

func WithSpans(fn SpanFunc) Option {
	return func(e *Engine) {
		e.spans = fn
	}
}

func WithSearcher(s Searcher) Option {
	return func(e *Engine) {
		e.searcher = s
	}
}

func WithGenerator(g Generator) Option {
	return func(e *Engine) {
		e.generator = g
	}
}

type Engine struct {
	cfg       Config
	tokenizer Tokenizer
	lexer     Lexer
	spans     SpanFunc
	searcher  Searcher
	generator Generator

	log *zap.Logger
}

func NewEngine(cfg Config, opts ...Option) *Engine {
	e := &Engine{
		cfg:       cfg.withDefaults(),
		tokenizer: Heuristic,
		lexer:     DefaultLexer,
		spans: func(vector.Result) []parser.Span {
			return nil
		},
		log: zap.L().With(
			zap.String("service", "rag"),
		),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

func (e *Engine) Config() Config {
	return e.cfg
}

// candidate is a hit being placed into the context.
type candidate struct {
	result    vector.Result
	weight    float64
	preferred bool
	tokens    int
	spans     []parser.Span

	header       string
	headerTokens int
	alloc        int
}

func (c *candidate) need() int {
	return c.headerTokens + c.tokens
}

// BuildContext turns ranked hits into bounded prompt text. It fails only on
// an invalid budget: empty input, an exhausted budget and malformed hits
// all degrade to a smaller context.
func (e *Engine) BuildContext(ctx context.Context, query string, results []vector.Result, budget Budget) (Context, error) {
	log := e.log.With(
		zap.String("action", "build_context"),
	)

	strategy, err := ParseStrategy(string(budget.Strategy))
	if err != nil {
		return Context{}, err
	}

	if budget.MaxTokens < 0 {
		return Context{}, fmt.Errorf("%w: max_tokens must not be negative", vector.ErrValidation)
	}

	maxTokens := budget.MaxTokens
	if maxTokens == 0 {
		maxTokens = e.cfg.ContextBudget()
	}

	var out Context

	cands := e.prepare(results, strategy, log, &out)
	if len(cands) == 0 {
		return out, nil
	}

	cands = e.selectCandidates(cands, strategy)

	chunks := e.place(query, cands, strategy, maxTokens, log, &out)
	if len(chunks) == 0 {
		out.Warnings = append(out.Warnings,
			fmt.Sprintf("budget of %d tokens is below the minimum viable chunk", maxTokens))
		log.Warn("context budget exhausted", zap.Int("max_tokens", maxTokens))
		return out, nil
	}

	out.Chunks = chunks
	e.render(&out)

	if e.searcher != nil && e.cfg.MaxReferences > 0 {
		e.resolveReferences(ctx, &out, maxTokens, log)
	}

	return out, nil
}

// prepare drops malformed hits, keeps the best score per document and
// orders by score, then id.
func (e *Engine) prepare(results []vector.Result, strategy Strategy, log *zap.Logger, out *Context) []*candidate {
	best := make(map[string]*candidate, len(results))

	for _, r := range results {
		if strings.TrimSpace(r.Content) == "" || !utf8.ValidString(r.Content) {
			log.Warn("skipping malformed document", zap.String("id", r.DocumentID))
			out.Warnings = append(out.Warnings, fmt.Sprintf("skipped malformed document %s", r.DocumentID))
			continue
		}

		if c, ok := best[r.DocumentID]; ok {
			if r.Score > c.result.Score {
				c.result = r
			}
			continue
		}

		best[r.DocumentID] = &candidate{result: r}
	}

	cands := make([]*candidate, 0, len(best))
	for _, c := range best {
		c.preferred = preferred(strategy, c.result.FileType)
		c.weight = math.Max(c.result.Score, epsilon)
		if c.preferred {
			c.weight *= focusMultiplier
		}

		c.tokens = e.tokenizer.Count(c.result.Content)
		c.spans = validSpans(c.result.Content, e.spans(c.result))
		cands = append(cands, c)
	}

	slices.SortFunc(cands, func(a, b *candidate) int {
		if c := cmp.Compare(b.result.Score, a.result.Score); c != 0 {
			return c
		}
		return cmp.Compare(a.result.DocumentID, b.result.DocumentID)
	})

	return cands
}

func preferred(strategy Strategy, fileType string) bool {
	switch strategy {
	case StrategyCodeFocused:
		return parser.IsCode(fileType)
	case StrategyDocFocused:
		return parser.IsDoc(fileType)
	default:
		return false
	}
}

func (e *Engine) selectCandidates(cands []*candidate, strategy Strategy) []*candidate {
	switch strategy {
	case StrategyConcise:
		n := 1
		if len(cands) > 1 && cands[0].result.Score > 0 &&
			cands[1].result.Score >= conciseRatio*cands[0].result.Score {
			n = 2
		}
		return cands[:n]

	case StrategyComprehensive:
		return cands[:min(len(cands), 2*e.cfg.MaxCandidates)]

	default:
		return cands[:min(len(cands), e.cfg.MaxCandidates)]
	}
}

func (e *Engine) capShare(strategy Strategy) float64 {
	if strategy == StrategyComprehensive {
		return e.cfg.MaxChunkShare / 2
	}
	return e.cfg.MaxChunkShare
}

// place allocates the budget and truncates every candidate into its share.
// A candidate that cannot be made to fit is dropped and the budget is
// reallocated among the rest.
func (e *Engine) place(query string, cands []*candidate, strategy Strategy, maxTokens int, log *zap.Logger, out *Context) []Chunk {
	terms := queryTerms(query)

	for len(cands) > 0 {
		for i, c := range cands {
			// the newline closing the chunk is charged with its header
			c.header = header(i+1, c.result)
			c.headerTokens = e.tokenizer.Count(c.header + "\n")
		}

		allocate(cands, maxTokens, e.capShare(strategy))

		if i := e.unviable(cands); i >= 0 {
			victim := e.victim(cands)
			log.Debug("dropping document under budget pressure", zap.String("id", cands[victim].result.DocumentID))
			out.Warnings = append(out.Warnings,
				fmt.Sprintf("dropped document %s: insufficient budget", cands[victim].result.DocumentID))
			cands = slices.Delete(cands, victim, victim+1)
			continue
		}

		chunks := make([]Chunk, 0, len(cands))
		failed := -1

		for i, c := range cands {
			text, truncated, ok := e.fit(c, terms, c.alloc-c.headerTokens)
			if !ok {
				failed = i
				break
			}

			chunks = append(chunks, Chunk{
				SourceDocumentID: c.result.DocumentID,
				Source:           c.result.Source,
				FileType:         c.result.FileType,
				Text:             text,
				TokenCount:       e.tokenizer.Count(text),
				PriorityScore:    c.result.Score,
				Truncated:        truncated,
			})
		}

		if failed < 0 {
			return chunks
		}

		id := cands[failed].result.DocumentID
		log.Warn("dropping document: no structural unit fits", zap.String("id", id))
		out.Warnings = append(out.Warnings, fmt.Sprintf("dropped document %s: no structural unit fits", id))
		cands = slices.Delete(cands, failed, failed+1)
	}

	return nil
}

// allocate assigns each candidate a token share proportional to its weight,
// never more than it needs or the per-chunk cap. Shares freed by candidates
// that fit whole, or hit the cap, are redistributed to the others.
func allocate(cands []*candidate, budget int, capShare float64) {
	limit := budget
	if len(cands) > 1 {
		limit = int(capShare * float64(budget))
	}

	active := slices.Clone(cands)
	remaining := budget

	for len(active) > 0 {
		var total float64
		for _, c := range active {
			total += c.weight
		}

		next := make([]*candidate, 0, len(active))
		spent := 0

		for _, c := range active {
			share := float64(remaining) * c.weight / total
			ceiling := min(c.need(), limit)
			if float64(ceiling) <= share {
				c.alloc = ceiling
				spent += ceiling
				continue
			}
			next = append(next, c)
		}

		if len(next) == len(active) {
			for _, c := range active {
				c.alloc = int(float64(remaining) * c.weight / total)
			}
			return
		}

		remaining -= spent
		active = next
	}
}

// unviable reports the first candidate whose share is too small to hold a
// minimum chunk, or -1.
func (e *Engine) unviable(cands []*candidate) int {
	for i, c := range cands {
		body := c.alloc - c.headerTokens
		if body >= c.tokens {
			continue
		}

		if body < e.cfg.MinChunkTokens {
			return i
		}
	}
	return -1
}

// victim picks the candidate to drop under pressure: the lowest weighted
// one outside a focused strategy's preferred type, else the lowest
// weighted overall.
func (e *Engine) victim(cands []*candidate) int {
	victim := -1
	for i, c := range cands {
		if c.preferred {
			continue
		}
		if victim < 0 || c.weight <= cands[victim].weight {
			victim = i
		}
	}

	if victim >= 0 {
		return victim
	}

	victim = len(cands) - 1
	for i, c := range cands {
		if c.weight < cands[victim].weight {
			victim = i
		}
	}
	return victim
}

// fit shrinks a candidate's content to allowance tokens.
func (e *Engine) fit(c *candidate, terms map[string]bool, allowance int) (string, bool, bool) {
	content := c.result.Content
	if c.tokens <= allowance {
		return content, false, true
	}

	if len(c.spans) > 0 {
		text, ok := e.fitSpans(content, c.spans, terms, allowance)
		return text, true, ok
	}

	text, ok := e.headTail(content, allowance)
	return text, true, ok
}

func validSpans(text string, spans []parser.Span) []parser.Span {
	valid := make([]parser.Span, 0, len(spans))
	for _, s := range spans {
		if s.Start < 0 || s.End > len(text) || s.Start >= s.End {
			continue
		}

		if !utf8.RuneStart(text[s.Start]) || (s.End < len(text) && !utf8.RuneStart(text[s.End])) {
			continue
		}

		valid = append(valid, s)
	}
	return valid
}

// fitSpans keeps whole structural units only, spans named in the query
// first and the rest in document order. Elided regions are marked.
func (e *Engine) fitSpans(text string, spans []parser.Span, terms map[string]bool, allowance int) (string, bool) {
	order := slices.Clone(spans)
	slices.SortStableFunc(order, func(a, b parser.Span) int {
		an, bn := terms[strings.ToLower(a.Name)], terms[strings.ToLower(b.Name)]
		switch {
		case an && !bn:
			return -1
		case bn && !an:
			return 1
		default:
			return cmp.Compare(a.Start, b.Start)
		}
	})

	markerTokens := e.tokenizer.Count(elisionMarker)
	used := markerTokens

	var selected []parser.Span
	for _, s := range order {
		overlaps := slices.ContainsFunc(selected, func(o parser.Span) bool {
			return s.Start < o.End && o.Start < s.End
		})
		if overlaps {
			continue
		}

		cost := e.tokenizer.Count(text[s.Start:s.End]) + markerTokens
		if used+cost > allowance {
			continue
		}

		selected = append(selected, s)
		used += cost
	}

	if len(selected) == 0 {
		return "", false
	}

	slices.SortFunc(selected, func(a, b parser.Span) int {
		return cmp.Compare(a.Start, b.Start)
	})

	var sb strings.Builder
	pos := 0
	for _, s := range selected {
		if strings.TrimSpace(text[pos:s.Start]) != "" {
			sb.WriteString(elisionMarker)
		}
		sb.WriteString(text[s.Start:s.End])
		pos = s.End
	}

	if strings.TrimSpace(text[pos:]) != "" {
		sb.WriteString(elisionMarker)
	}

	return sb.String(), true
}

// headTail keeps the beginning and the end of text and cuts the middle.
func (e *Engine) headTail(text string, allowance int) (string, bool) {
	if allowance < e.cfg.MinChunkTokens {
		return "", false
	}

	runes := []rune(text)

	build := func(n int) string {
		head := n * 2 / 3
		tail := n - head
		omitted := e.tokenizer.Count(string(runes[head : len(runes)-tail]))
		return string(runes[:head]) +
			fmt.Sprintf("\n[... %d tokens omitted ...]\n", omitted) +
			string(runes[len(runes)-tail:])
	}

	lo, hi := 0, len(runes)-1
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if e.tokenizer.Count(build(mid)) <= allowance {
			lo = mid
		} else {
			hi = mid - 1
		}
	}

	if lo == 0 {
		return "", false
	}

	out := build(lo)
	if e.tokenizer.Count(out) > allowance {
		return "", false
	}

	return out, true
}

func header(n int, r vector.Result) string {
	source := r.Source
	if source == "" {
		source = "unknown"
	}
	return fmt.Sprintf("[Document %d] %s (id: %s, relevance: %.1f%%)\n", n, source, r.DocumentID, r.Score*100)
}

// render numbers the chunks in order and concatenates them, each followed
// by a blank line.
func (e *Engine) render(out *Context) {
	var sb strings.Builder
	for i, c := range out.Chunks {
		sb.WriteString(header(i+1, vector.Result{
			DocumentID: c.SourceDocumentID,
			Source:     c.Source,
			Score:      c.PriorityScore,
		}))
		sb.WriteString(c.Text)
		sb.WriteString("\n")
	}

	out.Text = sb.String()
	out.TokenCount = e.tokenizer.Count(out.Text)
}

func queryTerms(query string) map[string]bool {
	terms := make(map[string]bool)
	for _, t := range embedding.Terms(query) {
		terms[t] = true
	}
	return terms
}
