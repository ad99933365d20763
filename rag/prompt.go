package rag

import "fmt"

const promptTemplate = `You are an expert code analyst. Answer the question using the code snippets and documentation retrieved from the vault below.

Guidelines:
- Explain how the relevant functions, classes and modules work
- Point out relationships and dependencies between components
- Reference file paths when relevant
- Cite code from the context rather than guessing
- If the context does not contain the information, say what is missing

Context:
%s
Question: %s

Answer with specific references to the context:`

func Prompt(query, context string) string {
	return fmt.Sprintf(promptTemplate, context, query)
}
