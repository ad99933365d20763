package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flarexio/ragvault/rag"
)

func TestGenerate(t *testing.T) {
	assert := assert.New(t)

	var got generateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal("/api/generate", r.URL.Path)
		assert.NoError(json.NewDecoder(r.Body).Decode(&got))

		json.NewEncoder(w).Encode(map[string]any{
			"response": "  Login hashes the password.  ",
			"done":     true,
		})
	}))
	defer srv.Close()

	g := NewGenerator(Config{BaseURL: srv.URL + "/"})

	answer, err := g.Generate(context.Background(), "prompt text", 128)
	require.NoError(t, err)

	assert.Equal("Login hashes the password.", answer)
	assert.Equal(DefaultModel, got.Model)
	assert.Equal("prompt text", got.Prompt)
	assert.False(got.Stream)
	require.NotNil(t, got.Options)
	assert.Equal(128, got.Options.NumPredict)
	assert.InDelta(DefaultTemperature, got.Options.Temperature, 1e-9)
}

func TestGenerateStripsEchoedScaffold(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"response": "Question: x\nAnswer: it works"})
	}))
	defer srv.Close()

	answer, err := NewGenerator(Config{BaseURL: srv.URL}).Generate(context.Background(), "p", 10)
	require.NoError(t, err)
	assert.Equal(t, "it works", answer)
}

func TestGenerateUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))

	g := NewGenerator(Config{BaseURL: srv.URL})

	_, err := g.Generate(context.Background(), "p", 10)
	assert.ErrorIs(t, err, rag.ErrGenerationUnavailable)
	assert.Contains(t, err.Error(), "model not loaded")

	srv.Close()

	_, err = g.Generate(context.Background(), "p", 10)
	assert.ErrorIs(t, err, rag.ErrGenerationUnavailable)
}

func TestResolveModel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"models": []map[string]string{
				{"name": "nomic-embed-text:latest"},
				{"name": "llama3.2:latest"},
			},
		})
	}))
	defer srv.Close()

	g := NewGenerator(Config{BaseURL: srv.URL})

	model, err := g.ResolveModel(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "llama3.2:latest", model)
	assert.Equal(t, "llama3.2:latest", g.Model())

	missing := NewGenerator(Config{BaseURL: srv.URL, Model: "mistral"})
	_, err = missing.ResolveModel(context.Background())
	assert.ErrorIs(t, err, rag.ErrGenerationUnavailable)
}

func TestResolve(t *testing.T) {
	assert := assert.New(t)

	names := []string{"llama3.2:3b", "qwen2.5", "llama3.2:latest"}

	n, ok := resolve("llama3.2", names)
	assert.True(ok)
	assert.Equal("llama3.2:latest", n)

	n, ok = resolve("qwen2.5:latest", names)
	assert.True(ok)
	assert.Equal("qwen2.5", n)

	n, ok = resolve("llama3.2:1b", names)
	assert.True(ok)
	assert.Equal("llama3.2:3b", n)

	_, ok = resolve("phi3", names)
	assert.False(ok)
}

func TestContextWindow(t *testing.T) {
	assert := assert.New(t)

	t.Setenv("OLLAMA_NUM_CTX", "")

	var got showRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal("/api/show", r.URL.Path)
		assert.NoError(json.NewDecoder(r.Body).Decode(&got))

		json.NewEncoder(w).Encode(map[string]any{
			"modelfile":  "FROM llama3.2\nPARAMETER num_ctx 4096",
			"parameters": "stop \"<|eot_id|>\"\nnum_ctx                        16384",
		})
	}))
	defer srv.Close()

	n, err := NewGenerator(Config{BaseURL: srv.URL}).ContextWindow(context.Background())
	require.NoError(t, err)
	assert.Equal(16384, n)
	assert.Equal(DefaultModel, got.Model)
}

func TestContextWindowFromModelfile(t *testing.T) {
	t.Setenv("OLLAMA_NUM_CTX", "")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"modelfile": "FROM llama3.2\nPARAMETER num_ctx 8192",
		})
	}))
	defer srv.Close()

	n, err := NewGenerator(Config{BaseURL: srv.URL}).ContextWindow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 8192, n)
}

func TestContextWindowFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	g := NewGenerator(Config{BaseURL: srv.URL})

	t.Setenv("OLLAMA_NUM_CTX", "32768")

	n, err := g.ContextWindow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 32768, n)

	t.Setenv("OLLAMA_NUM_CTX", "")

	_, err = g.ContextWindow(context.Background())
	assert.ErrorIs(t, err, ErrContextWindowUnknown)
}
