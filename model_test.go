package ragvault

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/flarexio/ragvault/embedding"
	"github.com/flarexio/ragvault/encryption"
	"github.com/flarexio/ragvault/rag"
	"github.com/flarexio/ragvault/vector"
)

func TestDurationJSON(t *testing.T) {
	assert := assert.New(t)

	var cfg struct {
		Timeout Duration `json:"timeout"`
	}

	if err := json.Unmarshal([]byte(`{"timeout": "1m30s"}`), &cfg); err != nil {
		assert.Fail(err.Error())
		return
	}

	assert.Equal(90*time.Second, cfg.Timeout.Duration())

	bs, err := json.Marshal(cfg)
	if err != nil {
		assert.Fail(err.Error())
		return
	}

	assert.JSONEq(`{"timeout": "1m30s"}`, string(bs))
}

func TestDurationYAML(t *testing.T) {
	assert := assert.New(t)

	var cfg struct {
		Timeout Duration `yaml:"timeout"`
	}

	if err := yaml.Unmarshal([]byte("timeout: 45s\n"), &cfg); err != nil {
		assert.Fail(err.Error())
		return
	}

	assert.Equal(45*time.Second, cfg.Timeout.Duration())

	bs, err := yaml.Marshal(cfg)
	if err != nil {
		assert.Fail(err.Error())
		return
	}

	assert.Equal("timeout: 45s\n", string(bs))
}

func TestLoadConfigDefaults(t *testing.T) {
	assert := assert.New(t)

	path := t.TempDir()

	cfg, err := LoadConfig(path)
	if err != nil {
		assert.Fail(err.Error())
		return
	}

	assert.Equal(path, cfg.Path)
	assert.Equal(vector.BackendChromem, cfg.Vector.Backend)
	assert.True(cfg.Vector.Persistent)
	assert.Equal(filepath.Join(path, "vectors"), cfg.Vector.Path)
	assert.Equal("vault", cfg.Vector.Collection)
	assert.Equal(encryption.ModeGCM, cfg.Encryption.Mode)
	assert.Equal(filepath.Join(path, "vault.key"), cfg.Encryption.KeyPath)
	assert.Equal(embedding.ProviderOllama, cfg.Embedding.Provider)
	assert.Equal(DefaultTopK, cfg.RAG.TopK)
	assert.Equal(rag.StrategyComprehensive, cfg.RAG.Strategy)
	assert.Equal(rag.DefaultExpansionTimeout, cfg.RAG.Engine().ExpansionTimeout)
}

func TestLoadConfigFile(t *testing.T) {
	assert := assert.New(t)

	path := t.TempDir()

	input := `vector:
  backend: sqlite
encryption:
  enabled: true
  mode: cbc
embedding:
  provider: hash
  dimension: 64
llm:
  enabled: true
  model: llama3.2:latest
  timeout: 45s
rag:
  contextWindow: 8192
  maxRounds: 2
  topK: 5
  strategy: concise
  expansionTimeout: 10s
`

	if err := os.WriteFile(filepath.Join(path, ConfigFilename), []byte(input), 0o600); err != nil {
		assert.Fail(err.Error())
		return
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		assert.Fail(err.Error())
		return
	}

	assert.Equal(vector.BackendSQLite, cfg.Vector.Backend)
	assert.Equal(path, cfg.Vector.Path)
	assert.True(cfg.Encryption.Enabled)
	assert.Equal(encryption.ModeCBC, cfg.Encryption.Mode)
	assert.Equal(embedding.ProviderHash, cfg.Embedding.Provider)
	assert.Equal(64, cfg.Embedding.Dimension)

	assert.True(cfg.LLM.Enabled)
	assert.Equal("llama3.2:latest", cfg.LLM.Generator().Model)
	assert.Equal(45*time.Second, cfg.LLM.Generator().Timeout)

	engine := cfg.RAG.Engine()
	assert.Equal(8192, engine.ContextWindow)
	assert.Equal(2, engine.MaxRounds)
	assert.Equal(10*time.Second, engine.ExpansionTimeout)
	assert.Equal(5, cfg.RAG.TopK)
	assert.Equal(rag.StrategyConcise, cfg.RAG.Strategy)
}

func TestLoadConfigMalformed(t *testing.T) {
	path := t.TempDir()

	err := os.WriteFile(filepath.Join(path, ConfigFilename), []byte("rag: [unclosed\n"), 0o600)
	assert.NoError(t, err)

	_, err = LoadConfig(path)
	assert.Error(t, err)
}

func TestNewBackendUnsupported(t *testing.T) {
	_, err := NewBackend(vector.Config{Backend: "redis"})
	assert.ErrorIs(t, err, ErrUnsupportedBackend)
}

func TestIndexDirectoryExtensions(t *testing.T) {
	assert := assert.New(t)

	req := IndexDirectoryRequest{}
	assert.Equal(map[string]struct{}{".md": {}, ".go": {}, ".py": {}}, req.extensions())
	assert.True(req.recursive())

	recursive := false
	req = IndexDirectoryRequest{
		Extensions: []string{"MD", " .txt ", ""},
		Recursive:  &recursive,
	}

	assert.Equal(map[string]struct{}{".md": {}, ".txt": {}}, req.extensions())
	assert.False(req.recursive())
}

func TestSearchRequestOptions(t *testing.T) {
	assert := assert.New(t)

	opts := SearchRequest{Query: "login"}.options(7, "")
	assert.Equal(7, opts.TopK)
	assert.Nil(opts.Filters)

	req := SearchRequest{
		Query:    "login",
		TopK:     3,
		Offset:   2,
		FileType: "go",
		Filters:  map[string]any{"package": "auth"},
	}

	opts = req.options(7, "")
	assert.Equal(3, opts.TopK)
	assert.Equal(2, opts.Offset)
	assert.Equal(map[string]any{"package": "auth", "file_type": "go"}, opts.Filters)
	assert.Len(req.Filters, 1, "request filters must not be modified")
}

func TestSearchRequestProjectScope(t *testing.T) {
	assert := assert.New(t)

	opts := SearchRequest{Query: "login"}.options(7, "webapp")
	assert.Equal(map[string]any{ProjectKey: "webapp"}, opts.Filters)

	opts = SearchRequest{Query: "login", Project: "cli"}.options(7, "webapp")
	assert.Equal(map[string]any{ProjectKey: "cli"}, opts.Filters)

	opts = SearchRequest{Query: "login", AllProjects: true}.options(7, "webapp")
	assert.Nil(opts.Filters)

	req := SearchRequest{
		Query:   "login",
		Filters: map[string]any{ProjectKey: "legacy"},
	}

	opts = req.options(7, "webapp")
	assert.Equal(map[string]any{ProjectKey: "legacy"}, opts.Filters)
}

func TestSetProject(t *testing.T) {
	assert := assert.New(t)

	dir := t.TempDir()
	filename := filepath.Join(dir, ConfigFilename)

	require.NoError(t, os.WriteFile(filename, []byte("rag:\n  topK: 3\n"), 0o600))
	require.NoError(t, SetProject(dir, " webapp "))

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)
	assert.Equal("webapp", cfg.Project)
	assert.Equal(3, cfg.RAG.TopK)

	require.NoError(t, SetProject(dir, "cli"))

	cfg, err = LoadConfig(dir)
	require.NoError(t, err)
	assert.Equal("cli", cfg.Project)

	err = SetProject(dir, "  ")
	assert.ErrorIs(err, ErrMissingProject)
	assert.ErrorIs(err, vector.ErrValidation)

	fresh := filepath.Join(t.TempDir(), "vault")
	require.NoError(t, SetProject(fresh, "docs"))

	cfg, err = LoadConfig(fresh)
	require.NoError(t, err)
	assert.Equal("docs", cfg.Project)
}
