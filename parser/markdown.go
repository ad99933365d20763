package parser

import (
	"bytes"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	frontMatterDelim = []byte("---")
	headingPattern   = regexp.MustCompile(`^(#{1,6})\s+(.+?)\s*#*\s*$`)
)

// ParseMarkdown strips YAML front matter into metadata and records one span
// per heading section. A section runs until the next heading of the same or
// a higher level.
func ParseMarkdown(path string, content []byte) (Parsed, error) {
	body, meta := splitFrontMatter(content)
	text := string(body)

	metadata := make(map[string]any)
	for k, v := range meta {
		if v, ok := metadataValue(v); ok {
			metadata[k] = v
		}
	}

	type heading struct {
		level int
		span  Span
	}

	var (
		headings []heading
		fenced   bool
		offset   int
	)

	for _, line := range strings.SplitAfter(text, "\n") {
		start := offset
		offset += len(line)

		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~") {
			fenced = !fenced
			continue
		}

		if fenced {
			continue
		}

		m := headingPattern.FindStringSubmatch(strings.TrimRight(line, "\r\n"))
		if m == nil {
			continue
		}

		level := len(m[1])
		for i := range headings {
			h := &headings[i]
			if h.span.End < 0 && h.level >= level {
				h.span.End = start
			}
		}

		headings = append(headings, heading{
			level: level,
			span:  Span{Kind: SpanHeading, Name: m[2], Start: start, End: -1},
		})
	}

	spans := make([]Span, 0, len(headings))
	titles := make([]any, 0, len(headings))
	for _, h := range headings {
		if h.span.End < 0 {
			h.span.End = len(text)
		}

		spans = append(spans, h.span)
		titles = append(titles, h.span.Name)

		if _, ok := metadata["title"]; !ok && h.level == 1 {
			metadata["title"] = h.span.Name
		}
	}

	if len(titles) > 0 {
		metadata["headings"] = titles
	}

	if _, ok := metadata["title"]; !ok && path != "" {
		metadata["title"] = titleFromPath(path)
	}

	return Parsed{
		Text:     text,
		FileType: FileTypeMarkdown,
		Spans:    spans,
		Metadata: metadata,
	}, nil
}

func splitFrontMatter(content []byte) ([]byte, map[string]any) {
	content = bytes.TrimPrefix(content, []byte("\ufeff"))

	first, rest, ok := bytes.Cut(content, []byte("\n"))
	if !ok || !bytes.Equal(bytes.TrimSpace(first), frontMatterDelim) {
		return content, nil
	}

	offset := 0
	for {
		line, next, found := bytes.Cut(rest[offset:], []byte("\n"))
		if bytes.Equal(bytes.TrimSpace(line), frontMatterDelim) {
			var meta map[string]any
			if err := yaml.Unmarshal(rest[:offset], &meta); err != nil {
				// not front matter after all
				return content, nil
			}

			return next, meta
		}

		if !found {
			return content, nil
		}

		offset = len(rest) - len(next)
	}
}

// metadataValue keeps scalars and sequences of scalars.
func metadataValue(v any) (any, bool) {
	switch v := v.(type) {
	case string, bool, int, int64, float64:
		return v, true
	case []any:
		out := make([]any, 0, len(v))
		for _, e := range v {
			if e, ok := metadataValue(e); ok {
				if _, nested := e.([]any); !nested {
					out = append(out, e)
				}
			}
		}
		return out, true
	default:
		return nil, false
	}
}

func titleFromPath(path string) string {
	name := filepath.Base(path)
	name = strings.TrimSuffix(name, filepath.Ext(name))
	name = strings.ReplaceAll(name, "_", " ")
	name = strings.ReplaceAll(name, "-", " ")
	return name
}
