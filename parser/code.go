package parser

import (
	"go/ast"
	"go/parser"
	"go/token"
	"regexp"
	"strings"
)

// ParseGo records top-level functions, methods and types, each span
// including its doc comment. A file that does not parse is still indexed,
// without spans.
func ParseGo(path string, content []byte) (Parsed, error) {
	parsed := Parsed{
		Text:     string(content),
		FileType: FileTypeGo,
		Metadata: map[string]any{},
	}

	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, path, content, parser.ParseComments)
	if err != nil {
		return parsed, nil
	}

	offset := func(p token.Pos) int {
		return fset.Position(p).Offset
	}

	var (
		functions []any
		types     []any
		imports   []any
	)

	for _, imp := range file.Imports {
		imports = append(imports, strings.Trim(imp.Path.Value, `"`))
	}

	for _, decl := range file.Decls {
		switch d := decl.(type) {
		case *ast.FuncDecl:
			start := d.Pos()
			if d.Doc != nil {
				start = d.Doc.Pos()
			}

			kind := SpanFunction
			if d.Recv != nil {
				kind = SpanMethod
			}

			parsed.Spans = append(parsed.Spans, Span{
				Kind:  kind,
				Name:  d.Name.Name,
				Start: offset(start),
				End:   offset(d.End()),
			})

			functions = append(functions, d.Name.Name)

		case *ast.GenDecl:
			if d.Tok != token.TYPE {
				continue
			}

			for _, spec := range d.Specs {
				ts := spec.(*ast.TypeSpec)

				start, end := ts.Pos(), ts.End()
				if len(d.Specs) == 1 {
					start, end = d.Pos(), d.End()
				}

				if d.Doc != nil && len(d.Specs) == 1 {
					start = d.Doc.Pos()
				} else if ts.Doc != nil {
					start = ts.Doc.Pos()
				}

				parsed.Spans = append(parsed.Spans, Span{
					Kind:  SpanType,
					Name:  ts.Name.Name,
					Start: offset(start),
					End:   offset(end),
				})

				types = append(types, ts.Name.Name)
			}
		}
	}

	parsed.Metadata["package"] = file.Name.Name
	parsed.Metadata["functions"] = nonNil(functions)
	parsed.Metadata["types"] = nonNil(types)
	if len(imports) > 0 {
		parsed.Metadata["imports"] = imports
	}

	return parsed, nil
}

var (
	pythonDefPattern       = regexp.MustCompile(`^([ \t]*)(?:async[ \t]+)?def[ \t]+([A-Za-z_]\w*)`)
	pythonClassPattern     = regexp.MustCompile(`^([ \t]*)class[ \t]+([A-Za-z_]\w*)`)
	pythonDocstringPattern = regexp.MustCompile(`^\s*(?:[rRuU]?)("""|''')((?s).*?)("""|''')`)
)

// ParsePython records every def and class as a span. A block ends before
// the next non-blank line indented no deeper than its header; leading
// decorators belong to the block.
func ParsePython(path string, content []byte) (Parsed, error) {
	text := string(content)

	parsed := Parsed{
		Text:     text,
		FileType: FileTypePython,
		Metadata: map[string]any{},
	}

	type line struct {
		start  int
		text   string
		indent int
		blank  bool
	}

	var lines []line
	offset := 0
	for _, l := range strings.SplitAfter(text, "\n") {
		if l == "" {
			continue
		}

		body := strings.TrimRight(l, "\r\n")
		trimmed := strings.TrimSpace(body)

		lines = append(lines, line{
			start:  offset,
			text:   body,
			indent: len(body) - len(strings.TrimLeft(body, " \t")),
			blank:  trimmed == "" || strings.HasPrefix(trimmed, "#"),
		})

		offset += len(l)
	}

	var (
		functions []any
		classes   []any
	)

	for i, l := range lines {
		kind := SpanFunction
		m := pythonDefPattern.FindStringSubmatch(l.text)
		if m == nil {
			kind = SpanClass
			m = pythonClassPattern.FindStringSubmatch(l.text)
		}

		if m == nil {
			continue
		}

		start := l.start
		for j := i - 1; j >= 0; j-- {
			if !strings.HasPrefix(strings.TrimSpace(lines[j].text), "@") || lines[j].indent != l.indent {
				break
			}
			start = lines[j].start
		}

		end := len(text)
		for j := i + 1; j < len(lines); j++ {
			if lines[j].blank || lines[j].indent > l.indent {
				continue
			}

			// trailing blank lines and comments stay outside the block
			k := j - 1
			for k > i && lines[k].blank {
				k--
			}
			end = lines[k].start + len(lines[k].text)
			break
		}

		parsed.Spans = append(parsed.Spans, Span{
			Kind:  kind,
			Name:  m[2],
			Start: start,
			End:   end,
		})

		if kind == SpanClass {
			classes = append(classes, m[2])
		} else {
			functions = append(functions, m[2])
		}
	}

	parsed.Metadata["functions"] = nonNil(functions)
	parsed.Metadata["classes"] = nonNil(classes)

	if m := pythonDocstringPattern.FindStringSubmatch(text); m != nil && m[1] == m[3] {
		parsed.Metadata["docstring"] = strings.TrimSpace(m[2])
	}

	return parsed, nil
}

func nonNil(v []any) []any {
	if v == nil {
		return []any{}
	}
	return v
}
