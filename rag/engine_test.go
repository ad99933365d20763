package rag

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flarexio/ragvault/parser"
	"github.com/flarexio/ragvault/vector"
)

func hit(id, fileType string, score float64, content string) vector.Result {
	return vector.Result{
		DocumentID: id,
		Source:     id + "." + fileType,
		FileType:   fileType,
		Score:      score,
		Content:    content,
	}
}

func chunkOf(c Context, id string) (Chunk, bool) {
	for _, ch := range c.Chunks {
		if ch.SourceDocumentID == id {
			return ch, true
		}
	}
	return Chunk{}, false
}

func TestCodeFocusedFavorsCode(t *testing.T) {
	assert := assert.New(t)

	e := NewEngine(Config{})

	results := []vector.Result{
		hit("prose", "md", 0.85, strings.Repeat("p", 1200)),
		hit("code", "go", 0.8, strings.Repeat("c", 1200)),
	}

	out, err := e.BuildContext(context.Background(), "login", results, Budget{MaxTokens: 400, Strategy: StrategyCodeFocused})
	require.NoError(t, err)

	code, ok := chunkOf(out, "code")
	require.True(t, ok)
	prose, ok := chunkOf(out, "prose")
	require.True(t, ok)

	assert.Greater(code.TokenCount, prose.TokenCount)
	assert.True(code.Truncated)
	assert.LessOrEqual(out.TokenCount, 400)
}

func TestDocFocusedFavorsDocs(t *testing.T) {
	e := NewEngine(Config{})

	results := []vector.Result{
		hit("code", "py", 0.9, strings.Repeat("c", 1200)),
		hit("prose", "md", 0.8, strings.Repeat("p", 1200)),
	}

	out, err := e.BuildContext(context.Background(), "", results, Budget{MaxTokens: 400, Strategy: StrategyDocFocused})
	require.NoError(t, err)

	code, _ := chunkOf(out, "code")
	prose, _ := chunkOf(out, "prose")
	assert.Greater(t, prose.TokenCount, code.TokenCount)
}

func TestCodeFocusedDropsProseFirst(t *testing.T) {
	assert := assert.New(t)

	e := NewEngine(Config{})

	results := []vector.Result{
		hit("prose", "md", 0.95, strings.Repeat("p", 1200)),
		hit("code", "go", 0.5, strings.Repeat("c", 1200)),
	}

	// too small for two viable chunks
	out, err := e.BuildContext(context.Background(), "", results, Budget{MaxTokens: 45, Strategy: StrategyCodeFocused})
	require.NoError(t, err)

	require.Len(t, out.Chunks, 1)
	assert.Equal("code", out.Chunks[0].SourceDocumentID)
	assert.Contains(out.Warnings, "dropped document prose: insufficient budget")
}

func TestBudgetBound(t *testing.T) {
	e := NewEngine(Config{})

	var results []vector.Result
	for i := range 10 {
		fileType := "md"
		if i%2 == 0 {
			fileType = "go"
		}
		content := strings.Repeat(fmt.Sprintf("line %d of the document\n", i), 10*(i+1))
		results = append(results, hit(fmt.Sprintf("doc%02d", i), fileType, 1-float64(i)*0.05, content))
	}

	strategies := []Strategy{StrategyConcise, StrategyComprehensive, StrategyCodeFocused, StrategyDocFocused}
	for _, strategy := range strategies {
		for _, budget := range []int{40, 120, 400, 1500, 10000} {
			t.Run(fmt.Sprintf("%s/%d", strategy, budget), func(t *testing.T) {
				out, err := e.BuildContext(context.Background(), "document", results, Budget{MaxTokens: budget, Strategy: strategy})
				require.NoError(t, err)

				assert.LessOrEqual(t, out.TokenCount, budget)
				assert.Equal(t, Heuristic.Count(out.Text), out.TokenCount)

				for i := 1; i < len(out.Chunks); i++ {
					assert.GreaterOrEqual(t, out.Chunks[i-1].PriorityScore, out.Chunks[i].PriorityScore)
				}
			})
		}
	}
}

func TestEmptyCandidates(t *testing.T) {
	e := NewEngine(Config{})

	out, err := e.BuildContext(context.Background(), "anything", nil, Budget{MaxTokens: 100})
	require.NoError(t, err)

	assert.True(t, out.Empty())
	assert.Empty(t, out.Text)
	assert.Empty(t, out.Warnings)
}

func TestBudgetBelowMinimumChunk(t *testing.T) {
	e := NewEngine(Config{})

	out, err := e.BuildContext(context.Background(), "", []vector.Result{
		hit("a", "md", 0.9, strings.Repeat("a", 400)),
	}, Budget{MaxTokens: 10})
	require.NoError(t, err)

	assert.True(t, out.Empty())
	assert.Contains(t, strings.Join(out.Warnings, "\n"), "below the minimum viable chunk")
}

func TestInvalidBudget(t *testing.T) {
	e := NewEngine(Config{})

	_, err := e.BuildContext(context.Background(), "", nil, Budget{Strategy: "verbose"})
	assert.ErrorIs(t, err, vector.ErrValidation)

	_, err = e.BuildContext(context.Background(), "", nil, Budget{MaxTokens: -1})
	assert.ErrorIs(t, err, vector.ErrValidation)
}

func TestConcise(t *testing.T) {
	assert := assert.New(t)
	e := NewEngine(Config{})

	out, err := e.BuildContext(context.Background(), "", []vector.Result{
		hit("a", "md", 0.9, "alpha"),
		hit("b", "md", 0.8, "beta"),
		hit("c", "md", 0.7, "gamma"),
	}, Budget{MaxTokens: 500, Strategy: StrategyConcise})
	require.NoError(t, err)
	assert.Len(out.Chunks, 2)

	out, err = e.BuildContext(context.Background(), "", []vector.Result{
		hit("a", "md", 0.9, "alpha"),
		hit("b", "md", 0.5, "beta"),
	}, Budget{MaxTokens: 500, Strategy: StrategyConcise})
	require.NoError(t, err)
	require.Len(t, out.Chunks, 1)
	assert.Equal("a", out.Chunks[0].SourceDocumentID)
}

func TestComprehensiveTakesMoreCandidates(t *testing.T) {
	e := NewEngine(Config{MaxCandidates: 2})

	var results []vector.Result
	for i := range 6 {
		results = append(results, hit(fmt.Sprintf("d%d", i), "md", 0.9-float64(i)*0.1, "short text"))
	}

	out, err := e.BuildContext(context.Background(), "", results, Budget{MaxTokens: 1000, Strategy: StrategyComprehensive})
	require.NoError(t, err)
	assert.Len(t, out.Chunks, 4)

	out, err = e.BuildContext(context.Background(), "", results, Budget{MaxTokens: 1000, Strategy: StrategyCodeFocused})
	require.NoError(t, err)
	assert.Len(t, out.Chunks, 2)
}

func TestMalformedChunksSkipped(t *testing.T) {
	assert := assert.New(t)
	e := NewEngine(Config{})

	out, err := e.BuildContext(context.Background(), "", []vector.Result{
		hit("empty", "md", 0.9, "  "),
		hit("binary", "md", 0.8, "\xff\xfe"),
		hit("good", "md", 0.7, "good content"),
	}, Budget{MaxTokens: 500})
	require.NoError(t, err)

	require.Len(t, out.Chunks, 1)
	assert.Equal("good", out.Chunks[0].SourceDocumentID)
	assert.Len(out.Warnings, 2)
}

func TestDuplicateHitsKeepBestScore(t *testing.T) {
	e := NewEngine(Config{})

	out, err := e.BuildContext(context.Background(), "", []vector.Result{
		hit("a", "md", 0.4, "alpha"),
		hit("a", "md", 0.9, "alpha"),
	}, Budget{MaxTokens: 500})
	require.NoError(t, err)

	require.Len(t, out.Chunks, 1)
	assert.InDelta(t, 0.9, out.Chunks[0].PriorityScore, 1e-9)
}

func TestChunkAnnotation(t *testing.T) {
	e := NewEngine(Config{})

	out, err := e.BuildContext(context.Background(), "", []vector.Result{
		hit("a", "md", 0.875, "alpha"),
	}, Budget{MaxTokens: 500})
	require.NoError(t, err)

	assert.Equal(t, "[Document 1] a.md (id: a, relevance: 87.5%)\nalpha\n", out.Text)
}

func goFunction(name string, lines int) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "func %s() {\n", name)
	for i := range lines {
		fmt.Fprintf(&sb, "\tstep%d := compute(%d)\n", i, i)
	}
	sb.WriteString("}\n")
	return sb.String()
}

func TestStructuralTruncation(t *testing.T) {
	assert := assert.New(t)

	login := goFunction("Login", 12)
	refresh := goFunction("Refresh", 12)
	logout := goFunction("Logout", 12)
	source := "package auth\n\n" + login + "\n" + refresh + "\n" + logout

	e := NewEngine(Config{}, WithSpans(ParserSpans(parser.NewRegistry())))

	budget := Heuristic.Count(refresh) + 40
	out, err := e.BuildContext(context.Background(), "how does refresh work", []vector.Result{
		hit("auth", "go", 0.9, source),
	}, Budget{MaxTokens: budget})
	require.NoError(t, err)

	require.Len(t, out.Chunks, 1)
	chunk := out.Chunks[0]

	assert.True(chunk.Truncated)
	assert.Contains(chunk.Text, strings.TrimSuffix(refresh, "\n"))
	assert.NotContains(chunk.Text, "func Login")
	assert.NotContains(chunk.Text, "func Logout")
	assert.Contains(chunk.Text, "[...]")
	assert.LessOrEqual(out.TokenCount, budget)
}

func TestNoSpanFitsDropsChunk(t *testing.T) {
	e := NewEngine(Config{}, WithSpans(ParserSpans(parser.NewRegistry())))

	source := "package auth\n\n" + goFunction("Huge", 80)

	out, err := e.BuildContext(context.Background(), "", []vector.Result{
		hit("auth", "go", 0.9, source),
	}, Budget{MaxTokens: 80})
	require.NoError(t, err)

	assert.True(t, out.Empty())
	assert.Contains(t, out.Warnings, "dropped document auth: no structural unit fits")
}

func TestHeadTailTruncation(t *testing.T) {
	assert := assert.New(t)

	var sb strings.Builder
	for i := range 100 {
		fmt.Fprintf(&sb, "paragraph %03d\n", i)
	}
	content := sb.String()

	e := NewEngine(Config{})

	out, err := e.BuildContext(context.Background(), "", []vector.Result{
		hit("notes", "md", 0.9, content),
	}, Budget{MaxTokens: 100})
	require.NoError(t, err)

	require.Len(t, out.Chunks, 1)
	text := out.Chunks[0].Text

	assert.True(out.Chunks[0].Truncated)
	assert.True(strings.HasPrefix(text, "paragraph 000"))
	assert.True(strings.HasSuffix(text, "paragraph 099\n"))
	assert.Contains(text, "tokens omitted")
	assert.LessOrEqual(out.TokenCount, 100)
}

func TestAllocateRedistributesSurplus(t *testing.T) {
	assert := assert.New(t)

	cands := []*candidate{
		{weight: 1, tokens: 20},
		{weight: 1, tokens: 1000},
		{weight: 1, tokens: 1000},
	}

	allocate(cands, 300, 0.6)
	assert.Equal(20, cands[0].alloc)
	assert.Equal(140, cands[1].alloc)
	assert.Equal(140, cands[2].alloc)

	cands = []*candidate{
		{weight: 3, tokens: 1000},
		{weight: 1, tokens: 1000},
	}

	allocate(cands, 100, 0.6)
	assert.Equal(60, cands[0].alloc)
	assert.Equal(40, cands[1].alloc)

	single := []*candidate{{weight: 1, tokens: 1000}}
	allocate(single, 100, 0.6)
	assert.Equal(100, single[0].alloc)
}

type recordingSearcher struct {
	queries []string
	results map[string][]vector.Result
}

func (s *recordingSearcher) Search(ctx context.Context, query string, topK int) ([]vector.Result, error) {
	s.queries = append(s.queries, query)
	return s.results[query], nil
}

func TestCrossReferenceResolution(t *testing.T) {
	assert := assert.New(t)

	validate := "func validateToken(token string) error {\n\treturn nil\n}\n"
	code := "package auth\n\n" + validate + "\n" + goFunction("unrelated", 30)

	prose := hit("guide", "md", 0.9, "The authentication flow calls `validateToken` before issuing a session.")
	def := hit("auth", "go", 0.4, code)

	searcher := &recordingSearcher{
		results: map[string][]vector.Result{
			"definition of validateToken": {prose, def},
		},
	}

	e := NewEngine(Config{},
		WithSpans(ParserSpans(parser.NewRegistry())),
		WithSearcher(searcher),
	)

	out, err := e.BuildContext(context.Background(), "authentication flow", []vector.Result{prose}, Budget{MaxTokens: 500})
	require.NoError(t, err)

	assert.Equal([]string{"definition of validateToken"}, searcher.queries)

	require.Len(t, out.Chunks, 2)
	supplementary := out.Chunks[1]

	assert.True(supplementary.Supplementary)
	assert.True(supplementary.Truncated)
	assert.Equal("auth", supplementary.SourceDocumentID)
	assert.Equal(strings.TrimSuffix(validate, "\n"), supplementary.Text)
	assert.Contains(out.Text, "[Document 2] auth.go (id: auth")
	assert.LessOrEqual(out.TokenCount, 500)
}

func TestCrossReferenceCap(t *testing.T) {
	searcher := &recordingSearcher{}

	e := NewEngine(Config{MaxReferences: 2}, WithSearcher(searcher))

	prose := hit("guide", "md", 0.9, "Use `alpha`, `bravo`, `charlie` and `delta` together.")

	_, err := e.BuildContext(context.Background(), "", []vector.Result{prose}, Budget{MaxTokens: 500})
	require.NoError(t, err)

	assert.Equal(t, []string{"definition of alpha", "definition of bravo"}, searcher.queries)
}

func TestCrossReferenceNeedsBudget(t *testing.T) {
	validate := "func validateToken(token string) error {\n" + strings.Repeat("\t// check\n", 60) + "}\n"

	searcher := &recordingSearcher{
		results: map[string][]vector.Result{
			"definition of validateToken": {hit("auth", "go", 0.4, "package auth\n\n"+validate)},
		},
	}

	e := NewEngine(Config{},
		WithSpans(ParserSpans(parser.NewRegistry())),
		WithSearcher(searcher),
	)

	out, err := e.BuildContext(context.Background(), "", []vector.Result{
		hit("guide", "md", 0.9, "Call `validateToken` first."),
	}, Budget{MaxTokens: 60})
	require.NoError(t, err)

	require.Len(t, out.Chunks, 1)
	assert.LessOrEqual(t, out.TokenCount, 60)
}

func TestDefaultLexer(t *testing.T) {
	assert := assert.New(t)

	code := "func Login(user string) error {\n\tif err := validate(user); err != nil {\n\t\treturn err\n\t}\n\treturn Login2(user)\n}\n"
	s := DefaultLexer.Scan(code, "go")
	assert.Equal([]string{"Login"}, s.Defined)
	assert.Equal([]string{"validate", "Login2"}, s.Referenced)

	prose := "Call `auth.Refresh()` and `x := build(y)`.\n\n```go\nfunc helper() { run() }\n```\n"
	s = DefaultLexer.Scan(prose, "md")
	assert.Equal([]string{"helper"}, s.Defined)
	assert.ElementsMatch([]string{"run", "Refresh", "build"}, s.Referenced)
}
