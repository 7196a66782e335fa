package llm

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/openai/openai-go"
	"github.com/tidwall/gjson"
)

// ToolCall is a tool invocation reassembled from streamed fragments.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// Usage is token accounting from the usage-bearing chunk.
type Usage struct {
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
}

// Result is everything a streamed completion produced.
type Result struct {
	Text         string
	Reasoning    string
	Usage        Usage
	ToolCalls    []ToolCall
	FinishReason string
}

type toolCallAccumulator struct {
	id        string
	name      string
	arguments strings.Builder
}

// Stream runs one streaming completion and accumulates visible text,
// reasoning_content, usage and tool calls. onChunk, when set, receives every
// visible text delta as it arrives.
func Stream(ctx context.Context, c Completions, params openai.ChatCompletionNewParams, onChunk func(string)) (*Result, error) {
	params.StreamOptions = openai.ChatCompletionStreamOptionsParam{
		IncludeUsage: openai.Bool(true),
	}

	stream := c.NewStreaming(ctx, params)
	if stream == nil {
		return nil, errors.New("chat completion stream not available")
	}
	defer stream.Close()

	var (
		text      strings.Builder
		reasoning strings.Builder
		calls     = make(map[int]*toolCallAccumulator)
		res       Result
	)

	for stream.Next() {
		chunk := stream.Current()

		if chunk.Usage.TotalTokens > 0 {
			res.Usage = Usage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
				TotalTokens:      chunk.Usage.TotalTokens,
			}
		}

		for _, choice := range chunk.Choices {
			if choice.FinishReason != "" {
				res.FinishReason = string(choice.FinishReason)
			}
			delta := choice.Delta

			if raw := delta.RawJSON(); raw != "" {
				if rc := gjson.Get(raw, "reasoning_content"); rc.Type == gjson.String {
					reasoning.WriteString(rc.Str)
				}
			}

			if delta.Content != "" {
				text.WriteString(delta.Content)
				if onChunk != nil {
					onChunk(delta.Content)
				}
			}

			for _, tc := range delta.ToolCalls {
				idx := int(tc.Index)
				acc, ok := calls[idx]
				if !ok {
					acc = &toolCallAccumulator{}
					calls[idx] = acc
				}
				if tc.ID != "" {
					acc.id = tc.ID
				}
				if tc.Function.Name != "" {
					acc.name = tc.Function.Name
				}
				acc.arguments.WriteString(tc.Function.Arguments)
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, err
	}

	indices := make([]int, 0, len(calls))
	for idx := range calls {
		indices = append(indices, idx)
	}
	sort.Ints(indices)
	for _, idx := range indices {
		acc := calls[idx]
		if acc.name == "" && acc.id == "" {
			continue
		}
		res.ToolCalls = append(res.ToolCalls, ToolCall{
			ID:        acc.id,
			Name:      acc.name,
			Arguments: acc.arguments.String(),
		})
	}

	res.Text = text.String()
	res.Reasoning = reasoning.String()
	return &res, nil
}
