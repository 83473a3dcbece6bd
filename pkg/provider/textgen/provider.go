// Package textgen defines the Generator interface for text generation
// backends.
//
// Review sessions use generation for one thing: rephrasing card prompts,
// intros, and outros into conversational speech. The contract is therefore a
// single prompt-in, text-out call rather than a full chat abstraction.
// Failures are expected and recoverable; callers fall back to the undecorated
// text when generation is unavailable.
//
// Implementations must be safe for concurrent use.
package textgen

import "context"

// Request describes one generation call.
type Request struct {
	// System is an optional system prompt framing the generation.
	System string

	// Prompt is the user-level instruction.
	Prompt string

	// Temperature adjusts sampling randomness. Zero means provider default.
	Temperature float64

	// MaxTokens caps the response length. Zero means provider default.
	MaxTokens int
}

// Generator produces one text completion per request.
type Generator interface {
	// Generate blocks until the completion is ready or ctx is done. The
	// returned string has surrounding whitespace trimmed.
	Generate(ctx context.Context, req Request) (string, error)
}
