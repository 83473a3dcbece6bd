package backend

import (
	"context"

	"github.com/mnemovox/mnemovox/pkg/provider/textgen"
)

// TextGenerator adapts a Client to textgen.Generator so conversational mode
// can delegate prompt decoration to the card source's LLM instead of a
// locally configured provider.
type TextGenerator struct {
	Client *Client
}

// Generate implements textgen.Generator. The card source API takes a single
// prompt, so System and Prompt are joined with a blank line when both are
// set; Temperature and MaxTokens are left to the server's defaults.
func (g *TextGenerator) Generate(ctx context.Context, req textgen.Request) (string, error) {
	prompt := req.Prompt
	if req.System != "" {
		prompt = req.System + "\n\n" + req.Prompt
	}
	return g.Client.GenerateText(ctx, prompt)
}

// Ensure TextGenerator implements textgen.Generator at compile time.
var _ textgen.Generator = (*TextGenerator)(nil)
