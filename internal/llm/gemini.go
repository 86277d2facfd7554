package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

const geminiDefaultModel = "gemini-2.5-flash"

// GeminiProvider talks to the Gemini API through the genai SDK.
type GeminiProvider struct {
	client *genai.Client
	model  string
}

func NewGeminiProvider(ctx context.Context, cfg ProviderConfig) (*GeminiProvider, error) {
	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if base := trimBaseURL(cfg.Endpoint); base != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: base + "/"}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &GeminiProvider{
		client: client,
		model:  chooseModel(cfg.Model, geminiDefaultModel),
	}, nil
}

func (p *GeminiProvider) Name() string {
	return fmt.Sprintf("Gemini (%s)", p.model)
}

// Validate lists one model to check the API key.
func (p *GeminiProvider) Validate(ctx context.Context) error {
	if _, err := p.client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1}); err != nil {
		return classifyGeminiError(ctx, err)
	}
	return nil
}

func (p *GeminiProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	contents, config, err := buildGeminiRequest(req)
	if err != nil {
		return nil, err
	}
	model := chooseModel(req.Model, p.model)

	return newEventStream(ctx, func(ctx context.Context, events chan<- Event) error {
		var usage Usage
		finished := false
		for resp, err := range p.client.Models.GenerateContentStream(ctx, model, contents, config) {
			if err != nil {
				return classifyGeminiError(ctx, err)
			}
			if blocked := geminiBlockReason(resp); blocked != "" {
				return Rejected(ContentPolicy, blocked, nil)
			}
			if text := resp.Text(); text != "" {
				if err := send(ctx, events, Event{Type: EventDelta, Text: text}); err != nil {
					return err
				}
			}
			if resp.UsageMetadata != nil {
				usage.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
				usage.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
			}
			if len(resp.Candidates) > 0 && resp.Candidates[0].FinishReason != "" {
				finished = true
			}
		}
		if !finished {
			return NewError(Network, "stream ended before completion", nil)
		}
		return send(ctx, events, Event{Type: EventUsage, Use: &usage})
	}), nil
}

func (p *GeminiProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	contents, config, err := buildGeminiRequest(req)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Models.GenerateContent(ctx, chooseModel(req.Model, p.model), contents, config)
	if err != nil {
		return nil, classifyGeminiError(ctx, err)
	}
	if blocked := geminiBlockReason(resp); blocked != "" {
		return nil, Rejected(ContentPolicy, blocked, nil)
	}
	out := &Response{Text: resp.Text()}
	if resp.UsageMetadata != nil {
		out.Usage = Usage{
			InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
		}
	}
	return out, nil
}

func buildGeminiRequest(req Request) ([]*genai.Content, *genai.GenerateContentConfig, error) {
	turns := nonEmptyTurns(req.Turns)
	if len(turns) == 0 {
		return nil, nil, errEmptyRequest
	}

	contents := make([]*genai.Content, 0, len(turns))
	for _, t := range turns {
		role := genai.RoleUser
		if t.Role == RoleAssistant {
			role = genai.RoleModel
		}
		// Images go ahead of the text part.
		parts := make([]*genai.Part, 0, len(t.Images)+1)
		for _, img := range t.Images {
			parts = append(parts, &genai.Part{InlineData: &genai.Blob{MIMEType: img.MIMEType, Data: img.Data}})
		}
		if t.Text != "" {
			parts = append(parts, &genai.Part{Text: t.Text})
		}
		contents = append(contents, &genai.Content{Role: role, Parts: parts})
	}

	config := &genai.GenerateContentConfig{}
	if req.System != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.System}}}
	}
	if req.Temperature > 0 {
		config.Temperature = genai.Ptr(float32(req.Temperature))
	}
	return contents, config, nil
}

func geminiBlockReason(resp *genai.GenerateContentResponse) string {
	if resp == nil {
		return ""
	}
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return strings.ToLower(string(resp.PromptFeedback.BlockReason))
	}
	if len(resp.Candidates) > 0 {
		switch resp.Candidates[0].FinishReason {
		case genai.FinishReasonSafety, genai.FinishReasonProhibitedContent, genai.FinishReasonBlocklist, genai.FinishReasonSPII:
			return strings.ToLower(string(resp.Candidates[0].FinishReason))
		}
	}
	return ""
}

func classifyGeminiError(ctx context.Context, err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return FromStatus(apiErr.Code, apiErr.Status+" "+apiErr.Message, err)
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return FromStatus(apiErrPtr.Code, apiErrPtr.Status+" "+apiErrPtr.Message, err)
	}
	return transportError(ctx, err)
}
