// Package llmtest provides a scripted chat completion fake for tests.
package llmtest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
)

// Reply is one scripted streaming response: raw chunk payloads, or an error
// returned when the stream is opened.
type Reply struct {
	Chunks []string
	Err    error
}

// Completions replays Replies in order, one per NewStreaming call, and
// records every request.
type Completions struct {
	mu      sync.Mutex
	Replies []Reply
	Calls   []openai.ChatCompletionNewParams
}

func (c *Completions) New(context.Context, openai.ChatCompletionNewParams, ...option.RequestOption) (*openai.ChatCompletion, error) {
	return nil, errors.New("llmtest: non-streaming completions not scripted")
}

func (c *Completions) NewStreaming(_ context.Context, params openai.ChatCompletionNewParams, _ ...option.RequestOption) *ssestream.Stream[openai.ChatCompletionChunk] {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Calls = append(c.Calls, params)
	idx := len(c.Calls) - 1
	if idx >= len(c.Replies) {
		return ssestream.NewStream[openai.ChatCompletionChunk](nil, errors.New("llmtest: unexpected call"))
	}
	r := c.Replies[idx]
	if r.Err != nil {
		return ssestream.NewStream[openai.ChatCompletionChunk](nil, r.Err)
	}
	return ssestream.NewStream[openai.ChatCompletionChunk](&decoder{events: r.Chunks}, nil)
}

// CallCount is safe to use while other goroutines stream.
func (c *Completions) CallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Calls)
}

type decoder struct {
	events []string
	i      int
	cur    ssestream.Event
}

func (d *decoder) Next() bool {
	if d.i >= len(d.events) {
		return false
	}
	d.cur = ssestream.Event{Data: []byte(d.events[d.i])}
	d.i++
	return true
}

func (d *decoder) Event() ssestream.Event { return d.cur }
func (d *decoder) Close() error           { return nil }
func (d *decoder) Err() error             { return nil }

func chunk(delta map[string]any, finish string, usage map[string]any) string {
	choice := map[string]any{"index": 0, "delta": delta}
	if finish != "" {
		choice["finish_reason"] = finish
	}
	body := map[string]any{
		"id":      "chatcmpl-test",
		"object":  "chat.completion.chunk",
		"created": 0,
		"model":   "test-model",
		"choices": []any{choice},
	}
	if usage != nil {
		body["choices"] = []any{}
		body["usage"] = usage
	}
	raw, _ := json.Marshal(body)
	return string(raw)
}

// Text streams each piece as a content delta, then a stop chunk and a usage
// chunk reporting total tokens.
func Text(total int64, pieces ...string) Reply {
	var r Reply
	for _, p := range pieces {
		r.Chunks = append(r.Chunks, chunk(map[string]any{"content": p}, "", nil))
	}
	r.Chunks = append(r.Chunks,
		chunk(map[string]any{}, "stop", nil),
		Usage(total),
		"[DONE]",
	)
	return r
}

// ToolCall streams a single tool call whose arguments arrive in fragments.
func ToolCall(total int64, id, name string, argFragments ...string) Reply {
	var r Reply
	r.Chunks = append(r.Chunks, chunk(map[string]any{
		"tool_calls": []any{map[string]any{
			"index":    0,
			"id":       id,
			"type":     "function",
			"function": map[string]any{"name": name, "arguments": ""},
		}},
	}, "", nil))
	for _, frag := range argFragments {
		r.Chunks = append(r.Chunks, chunk(map[string]any{
			"tool_calls": []any{map[string]any{
				"index":    0,
				"function": map[string]any{"arguments": frag},
			}},
		}, "", nil))
	}
	r.Chunks = append(r.Chunks,
		chunk(map[string]any{}, "tool_calls", nil),
		Usage(total),
		"[DONE]",
	)
	return r
}

// Content is a delta carrying only visible text.
func Content(text string) string {
	return chunk(map[string]any{"content": text}, "", nil)
}

// Reasoning is a delta carrying only reasoning_content.
func Reasoning(text string) string {
	return chunk(map[string]any{"reasoning_content": text}, "", nil)
}

// Usage is a choice-less chunk carrying token usage.
func Usage(total int64) string {
	return chunk(nil, "", map[string]any{
		"prompt_tokens":     total / 2,
		"completion_tokens": total - total/2,
		"total_tokens":      total,
	})
}
