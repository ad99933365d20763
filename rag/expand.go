package rag

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"math"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/flarexio/ragvault/vector"
)

const (
	NoDocumentsAnswer = "I don't have access to any indexed code or documentation to answer your question. " +
		"Index some files into the vault first."

	followUpTopK = 5
)

var insufficiencyMarkers = []string{
	"cannot be found",
	"not found",
	"not available",
	"incomplete",
	"missing",
	"unclear",
	"not specified",
	"not mentioned",
}

// NeedsMoreContext reports whether a draft answer signals that the context
// lacked information. It is a phrase heuristic.
func NeedsMoreContext(draft string) bool {
	draft = strings.ToLower(draft)
	for _, marker := range insufficiencyMarkers {
		if strings.Contains(draft, marker) {
			return true
		}
	}
	return false
}

var (
	entityPattern   = regexp.MustCompile(`(?i)\b(?:def|class|func|type)\s+(\w+)`)
	filePathPattern = regexp.MustCompile(`(?i)[\w/\\.-]+\.(?:py|md|go|js|ts|java|cpp)\b`)
	wordPattern     = regexp.MustCompile(`[\w.-]+`)
)

// FollowUpTerms collects search terms from the query and draft that the
// covered text does not already mention: code entities, file names,
// inline code and long query words.
func FollowUpTerms(query, draft, covered string) []string {
	var terms []string

	for _, m := range entityPattern.FindAllStringSubmatch(draft, -1) {
		terms = append(terms, m[1])
	}

	for _, m := range filePathPattern.FindAllString(draft, -1) {
		terms = append(terms, filepath.Base(filepath.ToSlash(strings.ReplaceAll(m, `\`, "/"))))
	}

	for _, m := range backtickPattern.FindAllStringSubmatch(draft, -1) {
		terms = append(terms, strings.TrimSuffix(strings.TrimSpace(m[1]), "()"))
	}

	for _, w := range wordPattern.FindAllString(query, -1) {
		w = strings.Trim(w, ".-")
		if len(w) > 4 {
			terms = append(terms, w)
		}
	}

	covered = strings.ToLower(covered)

	out := make([]string, 0, len(terms))
	for _, t := range terms {
		if t == "" || slices.Contains(out, t) {
			continue
		}

		if strings.Contains(covered, strings.ToLower(t)) {
			continue
		}

		out = append(out, t)
	}

	return out
}

// GenerateAnswer builds a context from results, drafts an answer and, while
// the draft signals missing information, runs bounded follow-up searches and
// regenerates. Expansion stops at MaxRounds or at the earlier of the
// caller's deadline and ExpansionTimeout; the best answer so far is kept.
func (e *Engine) GenerateAnswer(ctx context.Context, query string, results []vector.Result, budget Budget) (Answer, error) {
	log := e.log.With(
		zap.String("action", "generate_answer"),
	)

	start := time.Now()

	cctx, err := e.BuildContext(ctx, query, results, budget)
	if err != nil {
		return Answer{}, err
	}

	answer := Answer{
		Context: cctx,
	}

	if len(results) == 0 {
		answer.Answer = NoDocumentsAnswer
		answer.Warnings = append(answer.Warnings, "no content available in context")
		answer.Stats = e.stats(answer, "", 0)
		return answer, nil
	}

	if cctx.Empty() {
		answer.Warnings = append(answer.Warnings, "no content fits the context budget")
		answer.Stats = e.stats(answer, "", len(results))
		return answer, nil
	}

	if e.generator == nil {
		answer.Warnings = append(answer.Warnings, ErrGenerationUnavailable.Error())
		answer.Stats = e.stats(answer, "", len(results))
		return answer, nil
	}

	prompt := Prompt(query, cctx.Text)

	draft, err := e.generator.Generate(ctx, prompt, e.cfg.AnswerTokens())
	if err != nil {
		if !errors.Is(err, ErrGenerationUnavailable) {
			return Answer{}, err
		}

		log.Warn("generation unavailable, returning raw context", zap.Error(err))
		answer.Warnings = append(answer.Warnings, err.Error())
		answer.Stats = e.stats(answer, prompt, len(results))
		return answer, nil
	}

	answer.Answer = strings.TrimSpace(draft)
	answer.Generated = true

	deadline := start.Add(e.cfg.ExpansionTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	expandCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	merged := make(map[string]vector.Result, len(results))
	for _, r := range results {
		if prev, ok := merged[r.DocumentID]; !ok || r.Score > prev.Score {
			merged[r.DocumentID] = r
		}
	}

	expired := func() bool {
		if time.Now().Before(deadline) && expandCtx.Err() == nil {
			return false
		}

		log.Warn("expansion deadline reached", zap.Int("rounds", answer.Rounds))
		answer.Warnings = append(answer.Warnings, "expansion deadline reached")
		return true
	}

expansion:
	for answer.Rounds < e.cfg.MaxRounds && e.searcher != nil && NeedsMoreContext(answer.Answer) {
		terms := FollowUpTerms(query, answer.Answer, answer.Context.Text)
		if len(terms) > e.cfg.MaxFollowUps {
			terms = terms[:e.cfg.MaxFollowUps]
		}

		if len(terms) == 0 {
			break
		}

		log.Info("draft signals missing information, expanding",
			zap.Int("round", answer.Rounds+1),
			zap.Strings("terms", terms),
		)

		added := 0
		for _, term := range terms {
			hits, err := e.searcher.Search(expandCtx, term, followUpTopK)
			if err != nil {
				log.Warn("follow-up search failed", zap.String("term", term), zap.Error(err))
			}

			for _, h := range hits {
				prev, ok := merged[h.DocumentID]
				if !ok {
					added++
				}
				if !ok || h.Score > prev.Score {
					merged[h.DocumentID] = h
				}
			}

			if expired() {
				break expansion
			}
		}

		answer.FollowUps = append(answer.FollowUps, terms...)

		if added == 0 {
			break
		}

		candidates := slices.Collect(maps.Values(merged))

		rebuilt, err := e.BuildContext(expandCtx, query, candidates, budget)
		if err != nil {
			return Answer{}, err
		}

		if expired() {
			break
		}

		nextPrompt := Prompt(query, rebuilt.Text)

		next, err := e.generator.Generate(expandCtx, nextPrompt, e.cfg.AnswerTokens())
		if err != nil {
			log.Warn("regeneration failed, keeping previous answer", zap.Error(err))
			answer.Warnings = append(answer.Warnings, fmt.Sprintf("regeneration failed: %v", err))
			break
		}

		answer.Rounds++
		answer.Context = rebuilt
		answer.Answer = strings.TrimSpace(next)
		prompt = nextPrompt
	}

	answer.Stats = e.stats(answer, prompt, len(merged))

	switch usage := answer.Stats.UsagePercent; {
	case usage > 90:
		log.Warn("context window nearly exhausted", zap.Float64("usage_percent", usage))
		answer.Warnings = append(answer.Warnings,
			fmt.Sprintf("context window usage is %.1f%%, consider a larger context window", usage))
	case usage > 75:
		log.Info("context window usage", zap.Float64("usage_percent", usage))
	}

	return answer, nil
}

func (e *Engine) stats(a Answer, prompt string, available int) Stats {
	s := Stats{
		ContextTokens:      a.Context.TokenCount,
		PromptTokens:       e.tokenizer.Count(prompt),
		AnswerTokens:       e.tokenizer.Count(a.Answer),
		ContextWindow:      e.cfg.ContextWindow,
		DocumentsUsed:      len(a.Context.Chunks),
		DocumentsAvailable: available,
	}

	// the prompt already embeds the context
	s.TotalTokens = s.PromptTokens + s.AnswerTokens
	if prompt == "" {
		s.TotalTokens = s.ContextTokens + s.AnswerTokens
	}

	s.UsagePercent = math.Round(float64(s.TotalTokens)/float64(s.ContextWindow)*1000) / 10

	for _, c := range a.Context.Chunks {
		if c.Truncated {
			s.Truncated = true
		}
	}

	if len(a.Context.Chunks) < available {
		s.Truncated = true
	}

	return s
}
