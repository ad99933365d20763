package main

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flarexio/ragvault"
)

func captureStdout(t *testing.T, fn func() error) string {
	t.Helper()

	r, w, err := os.Pipe()
	require.NoError(t, err)

	stdout := os.Stdout
	os.Stdout = w

	runErr := fn()

	os.Stdout = stdout
	w.Close()

	out, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, runErr)

	return string(out)
}

func run(t *testing.T, args ...string) string {
	t.Helper()

	return captureStdout(t, func() error {
		return newCommand().Run(context.Background(), append([]string{"ragvault"}, args...))
	})
}

func newVault(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	cfg := "embedding:\n  provider: hash\n  dimension: 64\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, ragvault.ConfigFilename), []byte(cfg), 0o600))

	return dir
}

func TestSearchOffset(t *testing.T) {
	assert := assert.New(t)

	vault := newVault(t)

	docs := t.TempDir()
	for name, content := range map[string]string{
		"a.md": "# Login\n\nlogin flow\n",
		"b.md": "# Session\n\nlogin session\n",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(docs, name), []byte(content), 0o600))
	}

	run(t, "--path", vault, "index", "--dir", docs)

	all := run(t, "--path", vault, "search", "login")
	assert.Contains(all, "[1] ")
	assert.Contains(all, "[2] ")

	paged := run(t, "--path", vault, "search", "--offset", "1", "login")
	lines := strings.Split(strings.TrimSpace(paged), "\n")
	require.Len(t, lines, 1)
	assert.True(strings.HasPrefix(lines[0], "[2] "), lines[0])
}

func TestProjectCommands(t *testing.T) {
	assert := assert.New(t)

	vault := newVault(t)

	out := run(t, "--path", vault, "project", "get")
	assert.Contains(out, "no current project")

	run(t, "--path", vault, "project", "create", "webapp")

	cfg, err := ragvault.LoadConfig(vault)
	require.NoError(t, err)
	assert.Equal("webapp", cfg.Project)
	assert.Equal(64, cfg.Embedding.Dimension)

	docs := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(docs, "a.md"), []byte("# Login\n\nlogin flow\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(docs, "b.md"), []byte("# Billing\n\ninvoice\n"), 0o600))

	run(t, "--path", vault, "index", filepath.Join(docs, "a.md"))
	run(t, "--path", vault, "index", "--project", "billing", filepath.Join(docs, "b.md"))

	run(t, "--path", vault, "project", "set", "billing")
	assert.Equal("billing\n", run(t, "--path", vault, "project", "get"))

	list := run(t, "--path", vault, "project", "list")
	assert.Contains(list, "billing: 1 documents (current)")
	assert.Contains(list, "webapp: 1 documents\n")

	scoped := run(t, "--path", vault, "search", "login")
	assert.NotContains(scoped, "a.md")

	all := run(t, "--path", vault, "search", "--all-projects", "login")
	assert.Contains(all, "a.md")
}
