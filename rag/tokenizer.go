package rag

import "unicode/utf8"

type Tokenizer interface {
	Count(text string) int
}

type TokenizerFunc func(text string) int

func (fn TokenizerFunc) Count(text string) int {
	return fn(text)
}

// Heuristic estimates one token per four characters, rounded up.
var Heuristic TokenizerFunc = func(text string) int {
	n := utf8.RuneCountInString(text)
	return (n + 3) / 4
}
