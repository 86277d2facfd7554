package llm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

const (
	localDefaultEndpoint     = "http://localhost:11434"
	localDefaultModel        = "llama3.2"
	localDefaultProbeTimeout = 5 * time.Second
)

// LocalProvider talks to an OpenAI compatible server such as Ollama,
// llama.cpp or LM Studio. The server is probed once before first use.
type LocalProvider struct {
	client       *openai.Client
	model        string
	endpoint     string
	probeTimeout time.Duration

	mu     sync.Mutex
	probed bool
}

func NewLocalProvider(cfg ProviderConfig) *LocalProvider {
	endpoint := trimBaseURL(cfg.Endpoint)
	if endpoint == "" {
		endpoint = localDefaultEndpoint
	}
	opts := []option.RequestOption{
		option.WithBaseURL(endpoint + "/v1/"),
		option.WithMaxRetries(0),
	}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	} else {
		// Local servers usually take no credential; never forward OPENAI_API_KEY.
		opts = append(opts, option.WithHeaderDel("authorization"))
	}
	client := openai.NewClient(opts...)
	return &LocalProvider{
		client:       &client,
		model:        chooseModel(cfg.Model, localDefaultModel),
		endpoint:     endpoint,
		probeTimeout: localDefaultProbeTimeout,
	}
}

// WithProbeTimeout overrides how long the reachability probe may take.
func (p *LocalProvider) WithProbeTimeout(d time.Duration) *LocalProvider {
	if d > 0 {
		p.probeTimeout = d
	}
	return p
}

func (p *LocalProvider) Name() string {
	return fmt.Sprintf("Local (%s @ %s)", p.model, p.endpoint)
}

// Probe checks that the server answers GET /v1/models. A success is cached
// for the provider's lifetime; failures are retried on the next call.
func (p *LocalProvider) Probe(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.probed {
		return nil
	}
	if err := p.Validate(ctx); err != nil {
		return err
	}
	p.probed = true
	return nil
}

// Validate is an uncached probe, so a server that went away since the
// last turn is reported.
func (p *LocalProvider) Validate(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, p.probeTimeout)
	defer cancel()
	if _, err := p.client.Models.List(probeCtx); err != nil {
		return classifyLocalError(ctx, fmt.Errorf("probe %s: %w", p.endpoint, err))
	}
	return nil
}

func (p *LocalProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}
	params.StreamOptions = openai.ChatCompletionStreamOptionsParam{IncludeUsage: openai.Bool(true)}

	return newEventStream(ctx, func(ctx context.Context, events chan<- Event) error {
		if err := p.Probe(ctx); err != nil {
			return err
		}
		stream := p.client.Chat.Completions.NewStreaming(ctx, params)
		defer stream.Close()

		var usage Usage
		finished := false
		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) > 0 {
				choice := chunk.Choices[0]
				if choice.Delta.Content != "" {
					if err := send(ctx, events, Event{Type: EventDelta, Text: choice.Delta.Content}); err != nil {
						return err
					}
				}
				if choice.FinishReason != "" {
					finished = true
				}
			}
			if chunk.Usage.PromptTokens > 0 || chunk.Usage.CompletionTokens > 0 {
				usage.InputTokens = int(chunk.Usage.PromptTokens)
				usage.OutputTokens = int(chunk.Usage.CompletionTokens)
			}
		}
		if err := stream.Err(); err != nil {
			return classifyLocalError(ctx, err)
		}
		if !finished {
			return NewError(Network, "stream ended before completion", nil)
		}
		return send(ctx, events, Event{Type: EventUsage, Use: &usage})
	}), nil
}

func (p *LocalProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}
	if err := p.Probe(ctx); err != nil {
		return nil, err
	}
	completion, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, classifyLocalError(ctx, err)
	}
	resp := &Response{
		Usage: Usage{
			InputTokens:  int(completion.Usage.PromptTokens),
			OutputTokens: int(completion.Usage.CompletionTokens),
		},
	}
	if len(completion.Choices) > 0 {
		resp.Text = completion.Choices[0].Message.Content
	}
	return resp, nil
}

func (p *LocalProvider) buildParams(req Request) (openai.ChatCompletionNewParams, error) {
	turns := nonEmptyTurns(req.Turns)
	if len(turns) == 0 {
		return openai.ChatCompletionNewParams{}, errEmptyRequest
	}
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(turns)+1)
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	for _, t := range turns {
		if t.Role == RoleAssistant {
			messages = append(messages, openai.AssistantMessage(t.Text))
		} else {
			messages = append(messages, openai.UserMessage(t.Text))
		}
	}
	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(chooseModel(req.Model, p.model)),
		Messages: messages,
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	return params, nil
}

func classifyLocalError(ctx context.Context, err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return FromStatus(apiErr.StatusCode, apiErr.Error(), err)
	}
	return transportError(ctx, err)
}
