package ragvault

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/flarexio/ragvault/rag"
)

const (
	UsageHistoryLimit = 100

	usageWindow     = 20
	minUsageEntries = 5
)

var ContextWindowSizes = []int{4096, 8192, 16384, 32768, 65536, 131072, 262144}

// UsageEntry records the context window usage of one generated answer.
type UsageEntry struct {
	Timestamp     time.Time `yaml:"timestamp" json:"timestamp"`
	ContextTokens int       `yaml:"contextTokens" json:"context_tokens"`
	TotalTokens   int       `yaml:"totalTokens" json:"total_tokens"`
	ContextWindow int       `yaml:"contextWindow" json:"context_window"`
	UsagePercent  float64   `yaml:"usagePercent" json:"usage_percent"`
	Truncated     bool      `yaml:"truncated" json:"truncated"`
	DocumentsUsed int       `yaml:"documentsUsed" json:"documents_used"`
}

func NewUsageEntry(stats rag.Stats, at time.Time) UsageEntry {
	return UsageEntry{
		Timestamp:     at.UTC(),
		ContextTokens: stats.ContextTokens,
		TotalTokens:   stats.TotalTokens,
		ContextWindow: stats.ContextWindow,
		UsagePercent:  stats.UsagePercent,
		Truncated:     stats.Truncated,
		DocumentsUsed: stats.DocumentsUsed,
	}
}

type Recommendation struct {
	Size       int    `json:"size"`
	Reason     string `json:"reason"`
	Confidence string `json:"confidence"`
}

// Recommend suggests a context window size from the most recent usage
// entries: larger when answers keep running close to the limit or getting
// truncated, smaller when usage stays low. It returns nil without enough
// history or when the current size fits.
func Recommend(entries []UsageEntry, currentWindow int) *Recommendation {
	if len(entries) < minUsageEntries {
		return nil
	}

	if currentWindow <= 0 {
		currentWindow = rag.DefaultContextWindow
	}

	recent := entries[max(0, len(entries)-usageWindow):]

	var (
		high      int
		truncated int
		avg       float64
	)

	for _, e := range recent {
		avg += e.UsagePercent

		if e.UsagePercent > 90 {
			high++
		}

		if e.Truncated {
			truncated++
		}
	}

	avg /= float64(len(recent))

	if high > 5 || truncated > 3 {
		for _, size := range ContextWindowSizes {
			if size <= currentWindow {
				continue
			}

			confidence := "medium"
			if high > 10 {
				confidence = "high"
			}

			return &Recommendation{
				Size: size,
				Reason: fmt.Sprintf("high usage detected (%d queries above 90%%, %d truncated), average usage %.1f%%, consider increasing to %d tokens",
					high, truncated, avg, size),
				Confidence: confidence,
			}
		}
	}

	if avg < 30 && currentWindow > ContextWindowSizes[0] {
		for _, size := range slices.Backward(ContextWindowSizes) {
			if size >= currentWindow {
				continue
			}

			return &Recommendation{
				Size:       size,
				Reason:     fmt.Sprintf("low average usage (%.1f%%), could reduce to %d tokens to save memory", avg, size),
				Confidence: "low",
			}
		}
	}

	return nil
}

type usageFile struct {
	Entries []UsageEntry `yaml:"entries"`
}

// UsageHistory keeps the most recent usage entries, mirrored to a YAML file
// when it has a path.
type UsageHistory struct {
	path    string
	entries []UsageEntry
	mu      sync.Mutex
}

// OpenUsageHistory loads the history stored at path. An empty path keeps the
// history in memory only.
func OpenUsageHistory(path string) (*UsageHistory, error) {
	h := &UsageHistory{path: path}
	if path == "" {
		return h, nil
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return h, nil

	case err != nil:
		return nil, err
	}

	var f usageFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, err
	}

	h.entries = trimUsage(f.Entries)
	return h, nil
}

func trimUsage(entries []UsageEntry) []UsageEntry {
	if len(entries) <= UsageHistoryLimit {
		return entries
	}

	return slices.Clone(entries[len(entries)-UsageHistoryLimit:])
}

// Add appends entry, dropping the oldest entries beyond the limit.
func (h *UsageHistory) Add(entry UsageEntry) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.entries = trimUsage(append(h.entries, entry))

	if h.path == "" {
		return nil
	}

	data, err := yaml.Marshal(&usageFile{h.entries})
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(h.path), 0o700); err != nil {
		return err
	}

	tmp := h.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}

	return os.Rename(tmp, h.path)
}

func (h *UsageHistory) Entries() []UsageEntry {
	h.mu.Lock()
	defer h.mu.Unlock()

	return slices.Clone(h.entries)
}

func (h *UsageHistory) Recommend(currentWindow int) *Recommendation {
	return Recommend(h.Entries(), currentWindow)
}
