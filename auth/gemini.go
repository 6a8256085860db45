package auth

import (
	"context"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/plyght/amp-acp/errors"
)

const defaultGeminiModel = "gemini-1.5-flash"

// probeGemini counts the tokens of a short prompt, which needs a valid key
// but generates nothing.
func probeGemini(ctx context.Context, c Credential, opts ProbeOptions) error {
	options := []option.ClientOption{option.WithAPIKey(c.Secret)}
	if opts.BaseURL != "" {
		options = append(options, option.WithEndpoint(opts.BaseURL))
	}
	client, err := genai.NewClient(ctx, options...)
	if err != nil {
		return errors.Wrapf(err, "failed to create genai client")
	}
	defer client.Close()

	model := opts.Model
	if model == "" {
		model = defaultGeminiModel
	}
	if _, err := client.GenerativeModel(model).CountTokens(ctx, genai.Text("ping")); err != nil {
		return errors.Wrapf(err, "failed to reach Gemini")
	}
	return nil
}
