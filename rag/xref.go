package rag

import (
	"context"
	"slices"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/flarexio/ragvault/vector"
)

const (
	definitionTopK   = 3
	minReferenceName = 3
)

// resolveReferences looks up identifiers the context uses but never
// defines, and splices the defining unit of each into the context while the
// budget allows.
func (e *Engine) resolveReferences(ctx context.Context, out *Context, maxTokens int, log *zap.Logger) {
	defined := make(map[string]bool)
	inContext := make(map[string]bool)

	var refs []string
	for _, c := range out.Chunks {
		inContext[c.SourceDocumentID] = true

		symbols := e.lexer.Scan(c.Text, c.FileType)
		for _, name := range symbols.Defined {
			defined[name] = true
		}

		for _, name := range symbols.Referenced {
			if len(name) >= minReferenceName && !slices.Contains(refs, name) {
				refs = append(refs, name)
			}
		}
	}

	refs = slices.DeleteFunc(refs, func(name string) bool {
		return defined[name]
	})

	if len(refs) > e.cfg.MaxReferences {
		refs = refs[:e.cfg.MaxReferences]
	}

	for _, name := range refs {
		if ctx.Err() != nil {
			return
		}

		remaining := maxTokens - out.TokenCount
		if remaining < e.cfg.MinChunkTokens {
			return
		}

		log := log.With(
			zap.String("reference", name),
		)

		hits, err := e.searcher.Search(ctx, "definition of "+name, definitionTopK)
		if err != nil {
			log.Warn("definition search failed", zap.Error(err))
			continue
		}

		chunk, ok := e.definitionChunk(name, hits, inContext, remaining, len(out.Chunks)+1)
		if !ok {
			continue
		}

		log.Debug("spliced definition", zap.String("id", chunk.SourceDocumentID))

		inContext[chunk.SourceDocumentID] = true
		out.Chunks = append(out.Chunks, chunk)
		e.render(out)
	}
}

// definitionChunk cuts the unit defining name out of the top hit that
// defines it and is not yet in context.
func (e *Engine) definitionChunk(name string, hits []vector.Result, inContext map[string]bool, remaining int, n int) (Chunk, bool) {
	for _, hit := range hits {
		if inContext[hit.DocumentID] {
			continue
		}

		if strings.TrimSpace(hit.Content) == "" || !utf8.ValidString(hit.Content) {
			continue
		}

		body, found := "", false
		for _, s := range validSpans(hit.Content, e.spans(hit)) {
			if s.Defines(name) {
				body, found = hit.Content[s.Start:s.End], true
				break
			}
		}

		if !found {
			if !slices.Contains(e.lexer.Scan(hit.Content, hit.FileType).Defined, name) {
				continue
			}
			body = hit.Content
		}

		allowance := remaining - e.tokenizer.Count(header(n, hit)+"\n")
		if e.tokenizer.Count(body) > allowance {
			if found {
				// the defining unit is never cut
				e.log.Warn("definition does not fit the remaining budget",
					zap.String("reference", name),
					zap.String("id", hit.DocumentID),
				)
				return Chunk{}, false
			}

			text, ok := e.headTail(body, allowance)
			if !ok {
				return Chunk{}, false
			}
			body = text
		}

		return Chunk{
			SourceDocumentID: hit.DocumentID,
			Source:           hit.Source,
			FileType:         hit.FileType,
			Text:             body,
			TokenCount:       e.tokenizer.Count(body),
			PriorityScore:    hit.Score,
			Truncated:        body != hit.Content,
			Supplementary:    true,
		}, true
	}

	return Chunk{}, false
}
