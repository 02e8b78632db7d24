package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	cortex "github.com/arimelias/cortex"
)

// Client implements cortex.ObjectGenerator over the OpenAI chat completions
// API. The /chat/completions path is appended to baseURL automatically.
type Client struct {
	apiKey      string
	model       string
	baseURL     string
	http        *http.Client
	logger      *slog.Logger
	temperature *float64
	maxTokens   int
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client (timeouts, proxies).
func WithHTTPClient(c *http.Client) Option {
	return func(p *Client) { p.http = c }
}

// WithLogger sets a structured logger for request/response diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(p *Client) { p.logger = l }
}

// WithTemperature sets the sampling temperature on every request.
func WithTemperature(t float64) Option {
	return func(p *Client) { p.temperature = &t }
}

// WithMaxTokens caps the completion length on every request.
func WithMaxTokens(n int) Option {
	return func(p *Client) { p.maxTokens = n }
}

// New creates an OpenAI-compatible client.
//
// baseURL is the API base (e.g. "https://api.openai.com/v1",
// "https://api.groq.com/openai/v1", "http://localhost:11434/v1").
func New(apiKey, model, baseURL string, opts ...Option) *Client {
	c := &Client{
		apiKey:  apiKey,
		model:   model,
		baseURL: baseURL,
		http:    &http.Client{},
		logger:  slog.New(slog.DiscardHandler),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

var _ cortex.ObjectGenerator = (*Client)(nil)

// GenerateText sends a non-streaming chat request. Tool call arguments come
// back as raw JSON; the response message objects are preserved for
// conversation replay.
func (c *Client) GenerateText(ctx context.Context, req cortex.GenerateTextRequest) (cortex.GenerateTextResult, error) {
	body := c.buildBody(req)
	resp, err := c.send(ctx, body)
	if err != nil {
		return cortex.GenerateTextResult{}, err
	}
	return parseResponse(resp)
}

// GenerateObject asks for a value conforming to a JSON Schema via the
// json_schema response format.
func (c *Client) GenerateObject(ctx context.Context, req cortex.GenerateObjectRequest) (cortex.GenerateObjectResult, error) {
	body := c.buildBody(cortex.GenerateTextRequest{Messages: req.Messages})
	body.ResponseFormat = &responseFormat{
		Type:       "json_schema",
		JSONSchema: &jsonSchema{Name: "result", Schema: req.Schema, Strict: true},
	}
	resp, err := c.send(ctx, body)
	if err != nil {
		return cortex.GenerateObjectResult{}, err
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message == nil {
		return cortex.GenerateObjectResult{}, fmt.Errorf("openaicompat: empty response")
	}
	var obj any
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &obj); err != nil {
		return cortex.GenerateObjectResult{}, fmt.Errorf("openaicompat: decode object: %w", err)
	}
	return cortex.GenerateObjectResult{Object: obj, Usage: toUsage(resp.Usage)}, nil
}

// buildBody converts the engine's request into the wire format.
func (c *Client) buildBody(req cortex.GenerateTextRequest) chatRequest {
	body := chatRequest{Model: c.model, Temperature: c.temperature, MaxTokens: c.maxTokens}
	if req.System != "" {
		body.Messages = append(body.Messages, wireMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		body.Messages = append(body.Messages, toWireMessage(m))
	}
	for _, t := range req.Tools {
		body.Tools = append(body.Tools, wireTool{
			Type:     "function",
			Function: wireFunction{Name: t.Name, Description: t.Description, Parameters: t.Parameters},
		})
	}
	return body
}

func toWireMessage(m cortex.ChatMessage) wireMessage {
	out := wireMessage{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID}
	for _, tc := range m.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, wireToolCall{
			ID:       tc.ID,
			Type:     "function",
			Function: functionCall{Name: tc.Name, Arguments: string(tc.Args)},
		})
	}
	return out
}

// parseResponse converts the wire response into the engine's result type.
func parseResponse(resp chatResponse) (cortex.GenerateTextResult, error) {
	if len(resp.Choices) == 0 || resp.Choices[0].Message == nil {
		return cortex.GenerateTextResult{}, fmt.Errorf("openaicompat: response has no choices")
	}
	msg := resp.Choices[0].Message

	out := cortex.GenerateTextResult{Text: msg.Content, Usage: toUsage(resp.Usage)}
	raw := cortex.ChatMessage{Role: "assistant", Content: msg.Content}
	for _, tc := range msg.ToolCalls {
		call := cortex.ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: json.RawMessage(tc.Function.Arguments),
		}
		out.ToolCalls = append(out.ToolCalls, call)
		raw.ToolCalls = append(raw.ToolCalls, call)
	}
	out.ResponseMessages = []cortex.ChatMessage{raw}
	return out, nil
}

func toUsage(u *wireUsage) cortex.Usage {
	if u == nil {
		return cortex.Usage{}
	}
	return cortex.Usage{InputTokens: u.PromptTokens, OutputTokens: u.CompletionTokens, TotalTokens: u.TotalTokens}
}

// send marshals the body, posts it, and decodes the response.
func (c *Client) send(ctx context.Context, body chatRequest) (chatResponse, error) {
	resp, err := c.post(ctx, body)
	if err != nil {
		return chatResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return chatResponse{}, c.httpErr(resp)
	}
	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return chatResponse{}, fmt.Errorf("openaicompat: decode response: %w", err)
	}
	return out, nil
}

// post sends the request to the chat completions endpoint.
func (c *Client) post(ctx context.Context, body chatRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("openaicompat: marshal request: %w", err)
	}
	url := c.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("openaicompat: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	c.logger.Debug("openaicompat: request", "model", c.model, "messages", len(body.Messages), "tools", len(body.Tools))
	return c.http.Do(httpReq)
}

func (c *Client) httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("openaicompat: http %d: %s", resp.StatusCode, string(body))
}
