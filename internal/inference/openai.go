package inference

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/tinytelemetry/sift/internal/model"
)

// OpenAIConfig configures a provider for any OpenAI-compatible chat API.
type OpenAIConfig struct {
	Name string

	// BaseURL of the API, e.g. "https://api.openai.com/v1" or a local
	// server such as "http://localhost:11434/v1".
	BaseURL string

	// APIKey is optional for local servers.
	APIKey string

	// Model used when a run does not name one.
	Model string

	// CallTimeout bounds each call independently of the run timeout.
	CallTimeout time.Duration
}

// OpenAIProvider calls a chat completion endpoint and expects a JSON reply.
type OpenAIProvider struct {
	name        string
	client      *openai.Client
	model       string
	callTimeout time.Duration
}

// NewOpenAIProvider creates a provider. The HTTP request is bound to the
// call context, so cancelling a run aborts the request in flight.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.Model == "" {
		return nil, errors.New("model is required")
	}
	if cfg.Name == "" {
		cfg.Name = KindOpenAI
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}

	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = "unused" // local servers ignore the key
	}
	config := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}

	return &OpenAIProvider{
		name:        cfg.Name,
		client:      openai.NewClientWithConfig(config),
		model:       cfg.Model,
		callTimeout: cfg.CallTimeout,
	}, nil
}

func (p *OpenAIProvider) Name() string { return p.name }

// Infer sends prompt as a single chat turn. Recognized options are
// "temperature" and "max_tokens".
func (p *OpenAIProvider) Infer(ctx context.Context, prompt, modelName string, options map[string]string) (model.AnalysisResult, error) {
	if modelName == "" {
		modelName = p.model
	}
	ctx, cancel := context.WithTimeout(ctx, p.callTimeout)
	defer cancel()

	req := openai.ChatCompletionRequest{
		Model: modelName,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}
	opts, err := ParseOptions(options)
	if err != nil {
		return model.AnalysisResult{}, err
	}
	if opts.Temperature != nil {
		req.Temperature = *opts.Temperature
	}
	req.MaxTokens = opts.MaxTokens

	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return model.AnalysisResult{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return model.AnalysisResult{}, errors.New("chat completion returned no choices")
	}

	res := ParseResult(resp.Choices[0].Message.Content)
	res.Provider = p.name
	res.Model = modelName
	return res, nil
}
