package ragvault

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/flarexio/ragvault/embedding"
	"github.com/flarexio/ragvault/encryption"
	"github.com/flarexio/ragvault/generator/ollama"
	"github.com/flarexio/ragvault/persistence/chromem"
	"github.com/flarexio/ragvault/persistence/sqlite"
	"github.com/flarexio/ragvault/rag"
	"github.com/flarexio/ragvault/vector"
)

var (
	ErrEmbedderNotSet      = errors.New("embedder not set")
	ErrVectorStoreNotSet   = errors.New("vector store not set")
	ErrUnsupportedBackend  = errors.New("unsupported vector backend")
	ErrEncryptionDisabled  = errors.New("encryption requested but no key is loaded")
	ErrDirectoryNotFound   = errors.New("directory not found")
	ErrSourceNotReadable   = errors.New("document source not readable")
	ErrEmptyDocument       = errors.New("document content is empty")
	ErrMissingQuery        = errors.New("query is required")
	ErrMissingDocumentID   = errors.New("document id is required")
	ErrMissingIngestSource = errors.New("either a path or content is required")
	ErrMissingProject      = errors.New("project name is required")
)

const (
	ConfigFilename  = "config.yaml"
	KeyFilename     = "vault.key"
	UsageFilename   = "usage.yaml"
	VectorDirectory = "vectors"

	// metadata key holding the project a document was indexed under
	ProjectKey = "project"

	DefaultTopK = 10
)

type ContextKey string

const (
	ProjectScope ContextKey = "project_scope"
)

var DefaultExtensions = []string{".md", ".go", ".py"}

type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	str := d.Duration().String()
	return json.Marshal(str)
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}

	duration, err := time.ParseDuration(str)
	if err != nil {
		return err
	}

	*d = Duration(duration)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.Duration().String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var str string
	if err := value.Decode(&str); err != nil {
		return err
	}

	duration, err := time.ParseDuration(str)
	if err != nil {
		return err
	}

	*d = Duration(duration)
	return nil
}

type Config struct {
	Path       string           `yaml:"path"`
	Project    string           `yaml:"project"`
	Vector     vector.Config    `yaml:"vector"`
	Encryption EncryptionConfig `yaml:"encryption"`
	Embedding  embedding.Config `yaml:"embedding"`
	LLM        LLMConfig        `yaml:"llm"`
	RAG        RAGConfig        `yaml:"rag"`
}

type EncryptionConfig struct {
	Enabled bool            `yaml:"enabled"`
	Mode    encryption.Mode `yaml:"mode"`
	KeyPath string          `yaml:"keyPath"`
}

type LLMConfig struct {
	Enabled     bool     `yaml:"enabled"`
	BaseURL     string   `yaml:"baseURL"`
	Model       string   `yaml:"model"`
	Temperature float64  `yaml:"temperature"`
	Timeout     Duration `yaml:"timeout"`
}

func (cfg LLMConfig) Generator() ollama.Config {
	return ollama.Config{
		BaseURL:     cfg.BaseURL,
		Model:       cfg.Model,
		Temperature: cfg.Temperature,
		Timeout:     cfg.Timeout.Duration(),
	}
}

type RAGConfig struct {
	rag.Config `yaml:",inline"`

	TopK             int          `yaml:"topK"`
	Strategy         rag.Strategy `yaml:"strategy"`
	ExpansionTimeout Duration     `yaml:"expansionTimeout"`
}

func (cfg RAGConfig) Engine() rag.Config {
	c := cfg.Config
	c.ExpansionTimeout = cfg.ExpansionTimeout.Duration()
	return c
}

// LoadConfig reads <path>/config.yaml. A missing file yields the defaults.
func LoadConfig(path string) (Config, error) {
	var cfg Config

	f, err := os.Open(filepath.Join(path, ConfigFilename))
	switch {
	case errors.Is(err, fs.ErrNotExist):

	case err != nil:
		return cfg, err

	default:
		defer f.Close()

		if err := yaml.NewDecoder(f).Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return cfg, err
		}
	}

	if cfg.Path == "" {
		cfg.Path = path
	}

	return cfg.Normalize(), nil
}

// SetProject records name as the current project in <path>/config.yaml.
// Other settings in the file are preserved as written.
func SetProject(path string, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: %w", vector.ErrValidation, ErrMissingProject)
	}

	filename := filepath.Join(path, ConfigFilename)

	doc := make(map[string]any)

	data, err := os.ReadFile(filename)
	switch {
	case errors.Is(err, fs.ErrNotExist):

	case err != nil:
		return err

	default:
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return err
		}

		if doc == nil {
			doc = make(map[string]any)
		}
	}

	doc[ProjectKey] = name

	out, err := yaml.Marshal(doc)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(path, 0o700); err != nil {
		return err
	}

	return os.WriteFile(filename, out, 0o600)
}

// Normalize fills every unset field with its default.
func (cfg Config) Normalize() Config {
	if cfg.Vector.Backend == "" {
		cfg.Vector.Backend = vector.BackendChromem
	}

	if cfg.Path != "" {
		cfg.Vector.Persistent = true
	}

	if cfg.Vector.Path == "" && cfg.Path != "" {
		switch cfg.Vector.Backend {
		case vector.BackendChromem:
			cfg.Vector.Path = filepath.Join(cfg.Path, VectorDirectory)
		default:
			cfg.Vector.Path = cfg.Path
		}
	}

	if cfg.Vector.Collection == "" {
		cfg.Vector.Collection = chromem.DefaultCollection
	}

	if cfg.Encryption.Mode == "" {
		cfg.Encryption.Mode = encryption.ModeGCM
	}

	if cfg.Encryption.KeyPath == "" && cfg.Path != "" {
		cfg.Encryption.KeyPath = filepath.Join(cfg.Path, KeyFilename)
	}

	if cfg.Embedding.Provider == "" {
		cfg.Embedding.Provider = embedding.ProviderOllama
	}

	if cfg.LLM.Timeout == 0 {
		cfg.LLM.Timeout = Duration(ollama.DefaultTimeout)
	}

	if cfg.RAG.TopK <= 0 {
		cfg.RAG.TopK = DefaultTopK
	}

	if cfg.RAG.Strategy == "" {
		cfg.RAG.Strategy = rag.StrategyComprehensive
	}

	if cfg.RAG.ExpansionTimeout == 0 {
		cfg.RAG.ExpansionTimeout = Duration(rag.DefaultExpansionTimeout)
	}

	return cfg
}

// NewBackend opens the persistence layer selected by cfg.
func NewBackend(cfg vector.Config) (vector.Backend, error) {
	switch cfg.Backend {
	case vector.BackendChromem, "":
		return chromem.NewChromemBackend(cfg)
	case vector.BackendSQLite:
		return sqlite.NewSQLiteBackend(cfg)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedBackend, cfg.Backend)
	}
}

// NewEmbedder returns the embedding function selected by cfg.
func NewEmbedder(cfg embedding.Config) (embedding.Embedder, error) {
	if cfg.Provider == embedding.ProviderHash {
		return embedding.NewHash(cfg.Dimension), nil
	}

	return chromem.NewEmbedder(cfg)
}

type PutRequest struct {
	ID       string          `json:"id,omitempty"`
	Content  string          `json:"content"`
	Source   string          `json:"source"`
	FileType string          `json:"file_type"`
	Metadata map[string]any  `json:"metadata,omitempty"`
	Encrypt  bool            `json:"encrypt"`
	Mode     encryption.Mode `json:"mode,omitempty"`
}

type PutResponse struct {
	DocumentID string `json:"document_id"`
}

type IngestRequest struct {
	Path     string          `json:"path,omitempty"`
	Content  string          `json:"content,omitempty"`
	Source   string          `json:"source,omitempty"`
	FileType string          `json:"file_type,omitempty"`
	Metadata map[string]any  `json:"metadata,omitempty"`
	Encrypt  bool            `json:"encrypt"`
	Mode     encryption.Mode `json:"mode,omitempty"`
	Project  string          `json:"project,omitempty"`
}

type IndexRequest struct {
	FilePaths []string `json:"file_paths"`
	Encrypt   bool     `json:"encrypt"`
	Project   string   `json:"project,omitempty"`
}

type IndexDirectoryRequest struct {
	DirectoryPath string   `json:"directory_path"`
	Extensions    []string `json:"extensions,omitempty"`
	Recursive     *bool    `json:"recursive,omitempty"`
	Encrypt       bool     `json:"encrypt"`
	Project       string   `json:"project,omitempty"`
}

// recursive defaults to true when the request leaves it unset.
func (req IndexDirectoryRequest) recursive() bool {
	return req.Recursive == nil || *req.Recursive
}

func (req IndexDirectoryRequest) extensions() map[string]struct{} {
	exts := req.Extensions
	if len(exts) == 0 {
		exts = DefaultExtensions
	}

	set := make(map[string]struct{}, len(exts))
	for _, ext := range exts {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}

		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}

		set[ext] = struct{}{}
	}

	return set
}

type IndexResponse struct {
	IndexedCount int      `json:"indexed_count"`
	FailedCount  int      `json:"failed_count"`
	DocumentIDs  []string `json:"document_ids"`
	Errors       []string `json:"errors,omitempty"`
}

type WebContentRequest struct {
	URL      string         `json:"url"`
	Title    string         `json:"title"`
	Content  string         `json:"content"`
	Tags     []string       `json:"tags,omitempty"`
	Source   string         `json:"source,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Encrypt  bool           `json:"encrypt"`
	Project  string         `json:"project,omitempty"`
}

// SearchRequest is scoped to Project, or to the vault's current project
// when Project is empty, unless AllProjects is set.
type SearchRequest struct {
	Query       string         `json:"query" form:"query"`
	TopK        int            `json:"top_k,omitempty" form:"top_k"`
	Offset      int            `json:"offset,omitempty" form:"offset"`
	FileType    string         `json:"file_type,omitempty" form:"file_type"`
	Project     string         `json:"project,omitempty" form:"project"`
	AllProjects bool           `json:"all_projects,omitempty" form:"all_projects"`
	Filters     map[string]any `json:"filters,omitempty" form:"-"`
}

func (req SearchRequest) project(current string) string {
	if req.AllProjects {
		return ""
	}

	if req.Project != "" {
		return req.Project
	}

	return current
}

func (req SearchRequest) options(defaultTopK int, currentProject string) vector.Options {
	opts := vector.Options{
		TopK:   req.TopK,
		Offset: req.Offset,
	}

	if opts.TopK <= 0 {
		opts.TopK = defaultTopK
	}

	project := req.project(currentProject)

	if len(req.Filters) > 0 || req.FileType != "" || project != "" {
		opts.Filters = make(map[string]any, len(req.Filters)+2)
		for k, v := range req.Filters {
			opts.Filters[k] = v
		}

		if req.FileType != "" {
			opts.Filters["file_type"] = req.FileType
		}

		if _, ok := opts.Filters[ProjectKey]; !ok && project != "" {
			opts.Filters[ProjectKey] = project
		}
	}

	return opts
}

type SearchResponse struct {
	Query        string          `json:"query"`
	Results      []vector.Result `json:"results"`
	TotalResults int             `json:"total_results"`
}

// QueryRequest drives both context assembly and answer generation.
type QueryRequest struct {
	Query       string         `json:"query"`
	TopK        int            `json:"top_k,omitempty"`
	FileType    string         `json:"file_type,omitempty"`
	Project     string         `json:"project,omitempty"`
	AllProjects bool           `json:"all_projects,omitempty"`
	Filters     map[string]any `json:"filters,omitempty"`
	MaxTokens   int            `json:"max_tokens,omitempty"`
	Strategy    rag.Strategy   `json:"strategy,omitempty"`
}

func (req QueryRequest) search() SearchRequest {
	return SearchRequest{
		Query:       req.Query,
		TopK:        req.TopK,
		FileType:    req.FileType,
		Project:     req.Project,
		AllProjects: req.AllProjects,
		Filters:     req.Filters,
	}
}

type ReindexResponse struct {
	DocumentID string `json:"document_id"`
	PreviousID string `json:"previous_id"`
}

type Stats struct {
	Documents    int                `json:"documents"`
	Dimension    int                `json:"dimension"`
	Backend      vector.BackendType `json:"backend"`
	Encryption   bool               `json:"encryption"`
	EphemeralKey bool               `json:"ephemeral_key"`
	Generator    bool               `json:"generator"`
	Strategies   []rag.Strategy     `json:"strategies"`

	Project  string         `json:"project,omitempty"`
	Projects map[string]int `json:"projects,omitempty"`

	ContextWindow  int             `json:"context_window"`
	UsageEntries   int             `json:"usage_entries"`
	Recommendation *Recommendation `json:"recommendation,omitempty"`
}
