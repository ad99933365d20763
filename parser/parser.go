// Package parser turns raw files into indexable text plus the structural
// spans (functions, classes, headings) used for truncation and
// cross-reference resolution.
package parser

import (
	"errors"
	"fmt"
	"maps"
	"path/filepath"
	"slices"
	"strings"
)

var ErrUnsupportedFileType = errors.New("no parser available for file type")

const (
	FileTypeMarkdown = "md"
	FileTypeGo       = "go"
	FileTypePython   = "py"
	FileTypeText     = "txt"
)

type SpanKind string

const (
	SpanFunction SpanKind = "function"
	SpanMethod   SpanKind = "method"
	SpanClass    SpanKind = "class"
	SpanType     SpanKind = "type"
	SpanHeading  SpanKind = "heading"
)

// Span is a named structural unit of a parsed text, addressed by the byte
// range [Start, End).
type Span struct {
	Kind  SpanKind `json:"kind"`
	Name  string   `json:"name"`
	Start int      `json:"start"`
	End   int      `json:"end"`
}

func (s Span) Len() int {
	return s.End - s.Start
}

// Defines reports whether the span introduces the given identifier.
func (s Span) Defines(name string) bool {
	return s.Kind != SpanHeading && s.Name == name
}

type Parsed struct {
	Text     string         `json:"text"`
	FileType string         `json:"file_type"`
	Spans    []Span         `json:"spans,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type Parser interface {
	Parse(path string, content []byte) (Parsed, error)
}

type ParserFunc func(path string, content []byte) (Parsed, error)

func (fn ParserFunc) Parse(path string, content []byte) (Parsed, error) {
	return fn(path, content)
}

// Registry selects a parser by lower-cased file extension.
type Registry struct {
	parsers map[string]Parser
}

func NewRegistry() *Registry {
	r := &Registry{
		parsers: make(map[string]Parser),
	}

	r.Register(".md", ParserFunc(ParseMarkdown))
	r.Register(".markdown", ParserFunc(ParseMarkdown))
	r.Register(".go", ParserFunc(ParseGo))
	r.Register(".py", ParserFunc(ParsePython))
	r.Register(".txt", ParserFunc(ParseText))

	return r
}

func (r *Registry) Register(ext string, p Parser) {
	r.parsers[normalizeExt(ext)] = p
}

func (r *Registry) Extensions() []string {
	return slices.Sorted(maps.Keys(r.parsers))
}

func (r *Registry) Supports(path string) bool {
	_, ok := r.parsers[normalizeExt(filepath.Ext(path))]
	return ok
}

func (r *Registry) Parse(path string, content []byte) (Parsed, error) {
	ext := normalizeExt(filepath.Ext(path))

	p, ok := r.parsers[ext]
	if !ok {
		return Parsed{}, fmt.Errorf("%w: %q", ErrUnsupportedFileType, ext)
	}

	return p.Parse(path, content)
}

func normalizeExt(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}

func ParseText(path string, content []byte) (Parsed, error) {
	return Parsed{
		Text:     string(content),
		FileType: FileTypeText,
		Metadata: map[string]any{},
	}, nil
}

// IsCode reports whether a file type holds source code.
func IsCode(fileType string) bool {
	switch strings.ToLower(fileType) {
	case FileTypeGo, FileTypePython, "js", "ts", "java", "rs", "c", "cpp", "h", "rb", "sh", "code":
		return true
	}
	return false
}

// IsDoc reports whether a file type holds prose.
func IsDoc(fileType string) bool {
	switch strings.ToLower(fileType) {
	case FileTypeMarkdown, "markdown", FileTypeText, "text", "html", "web", "rst":
		return true
	}
	return false
}
