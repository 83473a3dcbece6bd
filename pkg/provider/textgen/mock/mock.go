// Package mock provides test doubles for the textgen package interfaces.
//
// Use Generator to script completions and inspect the requests that were
// submitted.
//
// Example:
//
//	gen := &mock.Generator{Response: "Here is your next challenge!"}
//	text, _ := gen.Generate(ctx, textgen.Request{Prompt: "rephrase: ..."})
package mock

import (
	"context"
	"sync"

	"github.com/mnemovox/mnemovox/pkg/provider/textgen"
)

// GenerateCall records a single invocation of Generator.Generate.
type GenerateCall struct {
	// Req is the Request passed to Generate.
	Req textgen.Request
}

// Generator is a mock implementation of textgen.Generator.
type Generator struct {
	mu sync.Mutex

	// Response is returned by every Generate call unless Responses is set.
	Response string

	// Responses, if non-empty, are consumed one per call; the last entry
	// repeats once exhausted.
	Responses []string

	// GenerateErr, if non-nil, is returned by every Generate call.
	GenerateErr error

	// GenerateCalls records every call to Generate in order.
	GenerateCalls []GenerateCall

	next int
}

// Generate records the call and returns the scripted response.
func (g *Generator) Generate(ctx context.Context, req textgen.Request) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.GenerateCalls = append(g.GenerateCalls, GenerateCall{Req: req})
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if g.GenerateErr != nil {
		return "", g.GenerateErr
	}
	if len(g.Responses) > 0 {
		i := g.next
		if i >= len(g.Responses) {
			i = len(g.Responses) - 1
		}
		g.next++
		return g.Responses[i], nil
	}
	return g.Response, nil
}

// ResetCalls clears all recorded call history and response position.
// Thread-safe.
func (g *Generator) ResetCalls() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.GenerateCalls = nil
	g.next = 0
}

// Ensure Generator implements textgen.Generator at compile time.
var _ textgen.Generator = (*Generator)(nil)
