// Package llm holds the text-completion clients used by the decision step.
package llm

import "context"

// Completer returns a single completion for a system instruction and a
// user prompt.
type Completer interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}
