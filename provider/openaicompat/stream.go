package openaicompat

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	cortex "github.com/arimelias/cortex"
)

var _ cortex.StreamingGenerator = (*Client)(nil)

// StreamText streams text deltas into ch while the call is in flight and
// returns the final assembled result. ch is closed before returning.
func (c *Client) StreamText(ctx context.Context, req cortex.GenerateTextRequest, ch chan<- cortex.TextChunk) (cortex.GenerateTextResult, error) {
	body := c.buildBody(req)
	body.Stream = true
	body.StreamOptions = &streamOptions{IncludeUsage: true}

	resp, err := c.post(ctx, body)
	if err != nil {
		close(ch)
		return cortex.GenerateTextResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		close(ch)
		return cortex.GenerateTextResult{}, c.httpErr(resp)
	}
	defer close(ch)

	var (
		text  strings.Builder
		calls []wireToolCall
		usage *wireUsage
	)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}
		var chunk chatResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return cortex.GenerateTextResult{}, fmt.Errorf("openaicompat: decode chunk: %w", err)
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta == nil {
			continue
		}
		delta := chunk.Choices[0].Delta
		if delta.Content != "" {
			text.WriteString(delta.Content)
			select {
			case ch <- cortex.TextChunk{Text: delta.Content}:
			case <-ctx.Done():
				return cortex.GenerateTextResult{}, ctx.Err()
			}
		}
		for _, tc := range delta.ToolCalls {
			calls = mergeToolCallDelta(calls, tc)
		}
	}
	if err := scanner.Err(); err != nil {
		return cortex.GenerateTextResult{}, fmt.Errorf("openaicompat: read stream: %w", err)
	}

	final := choiceMessage{Content: text.String(), ToolCalls: calls}
	return parseResponse(chatResponse{
		Choices: []choice{{Message: &final}},
		Usage:   usage,
	})
}

// mergeToolCallDelta folds a streamed tool call fragment into the
// accumulated calls, keyed by the delta's index.
func mergeToolCallDelta(calls []wireToolCall, delta wireToolCall) []wireToolCall {
	for delta.Index >= len(calls) {
		calls = append(calls, wireToolCall{Index: len(calls)})
	}
	cur := &calls[delta.Index]
	if delta.ID != "" {
		cur.ID = delta.ID
	}
	if delta.Function.Name != "" {
		cur.Function.Name = delta.Function.Name
	}
	cur.Function.Arguments += delta.Function.Arguments
	return calls
}
