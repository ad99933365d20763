package rag

import (
	"regexp"
	"strings"

	"github.com/flarexio/ragvault/parser"
)

// Symbols are the identifiers a text defines and the ones it uses, each in
// order of first appearance.
type Symbols struct {
	Defined    []string
	Referenced []string
}

type Lexer interface {
	Scan(text, fileType string) Symbols
}

type LexerFunc func(text, fileType string) Symbols

func (fn LexerFunc) Scan(text, fileType string) Symbols {
	return fn(text, fileType)
}

var (
	definitionPattern = regexp.MustCompile(`(?m)^\s*(?:async\s+)?(?:func(?:\s*\([^)]*\))?|def|class|type|function)\s+([A-Za-z_]\w*)`)
	callPattern       = regexp.MustCompile(`\b([A-Za-z_]\w*)\s*\(`)
	backtickPattern   = regexp.MustCompile("`([^`\n]+)`")
	fencePattern      = regexp.MustCompile("(?s)```[^\n]*\n(.*?)```")
	identPattern      = regexp.MustCompile(`^[A-Za-z_][\w.]*(?:\(\))?$`)
)

var keywords = map[string]struct{}{
	"if": {}, "for": {}, "while": {}, "switch": {}, "return": {}, "func": {}, "def": {},
	"class": {}, "type": {}, "function": {}, "print": {}, "len": {}, "make": {}, "new": {},
	"append": {}, "range": {}, "go": {}, "defer": {}, "select": {}, "case": {}, "with": {},
	"elif": {}, "not": {}, "and": {}, "or": {}, "in": {}, "isinstance": {}, "str": {},
	"int": {}, "float": {}, "bool": {}, "list": {}, "dict": {}, "set": {}, "tuple": {},
	"super": {}, "string": {}, "byte": {}, "rune": {}, "error": {}, "panic": {},
	"recover": {}, "copy": {}, "delete": {}, "cap": {}, "close": {}, "min": {}, "max": {},
	"catch": {}, "typeof": {}, "assert": {}, "lambda": {}, "sorted": {}, "open": {},
}

// DefaultLexer finds definitions and call sites with regular expressions.
// Prose is only scanned inside inline code and fenced blocks.
var DefaultLexer LexerFunc = func(text, fileType string) Symbols {
	var s symbolSet

	if parser.IsCode(fileType) {
		s.scanCode(text)
		return s.Symbols
	}

	for _, m := range fencePattern.FindAllStringSubmatch(text, -1) {
		s.scanCode(m[1])
	}

	for _, m := range backtickPattern.FindAllStringSubmatch(text, -1) {
		code := strings.TrimSpace(m[1])
		if !identPattern.MatchString(code) {
			s.scanCode(code)
			continue
		}

		code = strings.TrimSuffix(code, "()")
		if i := strings.LastIndex(code, "."); i >= 0 {
			code = code[i+1:]
		}

		s.reference(code)
	}

	s.prune()
	return s.Symbols
}

type symbolSet struct {
	Symbols

	seen map[string]bool
}

func (s *symbolSet) scanCode(code string) {
	if s.seen == nil {
		s.seen = make(map[string]bool)
	}

	for _, m := range definitionPattern.FindAllStringSubmatch(code, -1) {
		if !s.seen["def:"+m[1]] {
			s.seen["def:"+m[1]] = true
			s.Defined = append(s.Defined, m[1])
		}
	}

	for _, m := range callPattern.FindAllStringSubmatch(code, -1) {
		s.reference(m[1])
	}

	s.prune()
}

func (s *symbolSet) reference(name string) {
	if s.seen == nil {
		s.seen = make(map[string]bool)
	}

	if name == "" || s.seen["ref:"+name] {
		return
	}

	if _, ok := keywords[name]; ok {
		return
	}

	s.seen["ref:"+name] = true
	s.Referenced = append(s.Referenced, name)
}

// prune drops references to locally defined names.
func (s *symbolSet) prune() {
	refs := s.Referenced[:0]
	for _, r := range s.Referenced {
		if !s.seen["def:"+r] {
			refs = append(refs, r)
		}
	}
	s.Referenced = refs
}
