package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

const defaultOpenAIBaseURL = "https://api.openai.com"

type openaiProvider struct {
	name    string
	apiKey  string
	baseURL string
	model   string
}

func newOpenAI(apiKey, baseURL, model string) Provider {
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	return &openaiProvider{name: "openai", apiKey: apiKey, baseURL: baseURL, model: model}
}

func (o *openaiProvider) Name() string { return o.name }

// openaiRequest is the OpenAI Chat Completions request format, also spoken
// by OpenRouter and most self-hosted inference servers.
type openaiRequest struct {
	Model     string          `json:"model"`
	Messages  []openaiMessage `json:"messages"`
	MaxTokens int             `json:"max_tokens,omitempty"`
	Tools     []openaiTool    `json:"tools,omitempty"`
}

type openaiMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openaiTool struct {
	Type     string         `json:"type"`
	Function openaiFunction `json:"function"`
}

type openaiFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type openaiToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type openaiResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      openaiMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (o *openaiProvider) BuildRequest(ctx context.Context, req *Request) (*http.Request, error) {
	model := req.Model
	if model == "" {
		model = o.model
	}

	msgs := make([]openaiMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, openaiMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		om := openaiMessage{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			otc := openaiToolCall{ID: tc.ID, Type: "function"}
			otc.Function.Name = tc.Name
			otc.Function.Arguments = string(tc.Input)
			om.ToolCalls = append(om.ToolCalls, otc)
		}
		msgs = append(msgs, om)
	}

	oreq := openaiRequest{
		Model:     model,
		Messages:  msgs,
		MaxTokens: req.MaxTokens,
	}
	for _, t := range req.Tools {
		oreq.Tools = append(oreq.Tools, openaiTool{
			Type:     "function",
			Function: openaiFunction{Name: t.Name, Description: t.Description, Parameters: t.Schema},
		})
	}

	body, err := json.Marshal(oreq)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", o.name, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)
	return httpReq, nil
}

func (o *openaiProvider) ParseResponse(body []byte, statusCode int) (*Response, error) {
	if statusCode < 200 || statusCode >= 300 {
		return nil, &ProviderError{Provider: o.name, Status: statusCode, Body: body}
	}
	var oresp openaiResponse
	if err := json.Unmarshal(body, &oresp); err != nil {
		return nil, fmt.Errorf("%s: parse response: %w", o.name, err)
	}
	if len(oresp.Choices) == 0 {
		return nil, fmt.Errorf("%s: response has no choices", o.name)
	}

	choice := oresp.Choices[0]
	out := &Response{
		Text:         choice.Message.Content,
		Model:        oresp.Model,
		StopReason:   choice.FinishReason,
		InputTokens:  oresp.Usage.PromptTokens,
		OutputTokens: oresp.Usage.CompletionTokens,
	}
	for _, tc := range choice.Message.ToolCalls {
		input := json.RawMessage(tc.Function.Arguments)
		if len(input) == 0 {
			input = json.RawMessage(`{}`)
		}
		out.ToolCalls = append(out.ToolCalls, ToolCall{ID: tc.ID, Name: tc.Function.Name, Input: input})
	}
	return out, nil
}
