// Package ollama generates answers with a local Ollama server.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/flarexio/ragvault/rag"
)

var ErrContextWindowUnknown = errors.New("ollama: context window unknown")

const (
	DefaultBaseURL     = "http://localhost:11434"
	DefaultModel       = "llama3.2"
	DefaultTimeout     = 120 * time.Second
	DefaultTemperature = 0.3
)

type Config struct {
	BaseURL     string        `yaml:"baseURL"`
	Model       string        `yaml:"model"`
	Temperature float64       `yaml:"temperature"`
	Timeout     time.Duration `yaml:"-"`
}

type Generator struct {
	client      *http.Client
	baseURL     string
	model       string
	temperature float64

	log *zap.Logger
}

func NewGenerator(cfg Config) *Generator {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}

	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	if cfg.Temperature <= 0 {
		cfg.Temperature = DefaultTemperature
	}

	return &Generator{
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		model:       cfg.Model,
		temperature: cfg.Temperature,
		log: zap.L().With(
			zap.String("service", "ollama"),
		),
	}
}

type generateRequest struct {
	Model   string   `json:"model"`
	Prompt  string   `json:"prompt"`
	Stream  bool     `json:"stream"`
	Options *options `json:"options,omitempty"`
}

type options struct {
	NumPredict  int     `json:"num_predict,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// Generate runs a non-streaming completion. Every failure to obtain an
// answer is reported as rag.ErrGenerationUnavailable.
func (g *Generator) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	body, err := json.Marshal(&generateRequest{
		Model:  g.model,
		Prompt: prompt,
		Stream: false,
		Options: &options{
			NumPredict:  maxTokens,
			Temperature: g.temperature,
		},
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", rag.ErrGenerationUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("%w: ollama status %d: %s",
			rag.ErrGenerationUnavailable, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var result generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("%w: decode response: %w", rag.ErrGenerationUnavailable, err)
	}

	answer := strings.TrimSpace(result.Response)

	// some models echo the prompt scaffold
	if i := strings.LastIndex(answer, "Answer:"); i >= 0 {
		answer = strings.TrimSpace(answer[i+len("Answer:"):])
	}

	return answer, nil
}

type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// Models lists the models installed on the server.
func (g *Generator) Models(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/api/tags", http.NoBody)
	if err != nil {
		return nil, err
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", rag.ErrGenerationUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: ollama status %d", rag.ErrGenerationUnavailable, resp.StatusCode)
	}

	var tags tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(tags.Models))
	for _, m := range tags.Models {
		names = append(names, m.Name)
	}

	return names, nil
}

// ResolveModel matches the configured model against the installed ones,
// tolerating a missing or extra tag such as ":latest", and switches to the
// installed name.
func (g *Generator) ResolveModel(ctx context.Context) (string, error) {
	log := g.log.With(
		zap.String("action", "resolve_model"),
		zap.String("model", g.model),
	)

	names, err := g.Models(ctx)
	if err != nil {
		return "", err
	}

	resolved, ok := resolve(g.model, names)
	if !ok {
		log.Warn("model not installed, run: ollama pull " + g.model)
		return "", fmt.Errorf("%w: model %s not installed", rag.ErrGenerationUnavailable, g.model)
	}

	if resolved != g.model {
		log.Info("resolved model", zap.String("resolved", resolved))
		g.model = resolved
	}

	return resolved, nil
}

type showRequest struct {
	Model string `json:"model"`
}

type showResponse struct {
	Modelfile  string `json:"modelfile"`
	Parameters string `json:"parameters"`
}

var numCtx = regexp.MustCompile(`(?i)num_ctx\s+(\d+)`)

// ContextWindow reports the num_ctx the server runs the model with, read
// from the model's parameters or Modelfile, then from OLLAMA_NUM_CTX.
func (g *Generator) ContextWindow(ctx context.Context) (int, error) {
	log := g.log.With(
		zap.String("action", "context_window"),
		zap.String("model", g.model),
	)

	n, err := g.show(ctx)
	if err != nil {
		log.Debug("model details unavailable", zap.Error(err))
	}

	if n > 0 {
		return n, nil
	}

	if env := os.Getenv("OLLAMA_NUM_CTX"); env != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(env)); err == nil && n > 0 {
			return n, nil
		}
	}

	return 0, ErrContextWindowUnknown
}

func (g *Generator) show(ctx context.Context) (int, error) {
	body, err := json.Marshal(&showRequest{Model: g.model})
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/api/show", bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("ollama status %d", resp.StatusCode)
	}

	var details showResponse
	if err := json.NewDecoder(resp.Body).Decode(&details); err != nil {
		return 0, err
	}

	for _, text := range []string{details.Parameters, details.Modelfile} {
		m := numCtx.FindStringSubmatch(text)
		if m == nil {
			continue
		}

		if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
			return n, nil
		}
	}

	return 0, nil
}

func resolve(model string, names []string) (string, bool) {
	base, _, _ := strings.Cut(model, ":")

	candidates := []func(string) bool{
		func(n string) bool { return n == model },
		func(n string) bool { return n == model+":latest" },
		func(n string) bool { return n == base },
		func(n string) bool { return strings.HasPrefix(n, base+":") },
	}

	for _, match := range candidates {
		for _, n := range names {
			if match(n) {
				return n, true
			}
		}
	}

	return "", false
}

func (g *Generator) Model() string {
	return g.model
}
