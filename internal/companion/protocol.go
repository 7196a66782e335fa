// Package companion runs conversations against the memory core: the
// tool-calling chat protocol and the session that serializes turns and
// memory updates.
package companion

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/tidwall/gjson"

	"github.com/stellarlinkco/companion/internal/llm"
	"github.com/stellarlinkco/companion/internal/memory"
	"github.com/stellarlinkco/companion/internal/weather"
)

const (
	ToolGetMemory = "get_memory"

	nothingFound = "No related memories were found."
	timeLayout   = "2006-01-02 15:04"

	// One lookup round per user turn: the request that may call the tool
	// and the continuation that answers with the result.
	maxModelRequests = 2
)

// ConverseRequest carries everything one user turn needs. History already
// ends with the user's new turn.
type ConverseRequest struct {
	Chat        llm.Completions
	Model       string
	MaxTokens   int
	Temperature float64

	History          []memory.ShortTermMemory
	Profile          memory.Profile
	LongTerm         []memory.LongTermMemory
	FirstInteraction time.Time

	Index   *memory.Index
	Embed   memory.EmbedFunc
	Weather weather.Plugin

	AllowMemoryLookup bool
	OnChunk           func(string)
	Now               func() time.Time
}

type ConverseResult struct {
	Text      string
	Reasoning string
	Tokens    int64
	// History is the full turn sequence: the input plus any tool-call and
	// tool-result turns and the final assistant turn.
	History []memory.ShortTermMemory
}

type protocolState int

const (
	stateAwaitingModel protocolState = iota
	stateStreaming
	stateToolCallRequested
	stateFinalText
)

func (s protocolState) String() string {
	switch s {
	case stateAwaitingModel:
		return "awaiting_model"
	case stateStreaming:
		return "streaming"
	case stateToolCallRequested:
		return "tool_call_requested"
	case stateFinalText:
		return "final_text"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Converse runs one user turn to completion. Transport errors are returned
// as they come; a malformed tool call is a *ProtocolError.
func Converse(ctx context.Context, req ConverseRequest) (*ConverseResult, error) {
	if req.Chat == nil {
		return nil, fmt.Errorf("converse: no chat client")
	}
	now := req.Now
	if now == nil {
		now = time.Now
	}
	index := req.Index
	if index == nil {
		index = memory.NewIndex(nil, 0, memory.Thresholds{})
	}

	history := append([]memory.ShortTermMemory(nil), req.History...)
	allowLookup := req.AllowMemoryLookup
	system := buildSystemPrompt(ctx, req, now())

	var (
		state     = stateAwaitingModel
		params    openai.ChatCompletionNewParams
		last      *llm.Result
		requests  int
		tokens    int64
		reasoning strings.Builder
	)

	for {
		switch state {
		case stateAwaitingModel:
			if requests >= maxModelRequests {
				return nil, &ProtocolError{Reason: "model kept requesting tools after the lookup round"}
			}
			params = buildParams(req, system, history, allowLookup)
			requests++
			state = stateStreaming

		case stateStreaming:
			res, err := llm.Stream(ctx, req.Chat, params, req.OnChunk)
			if err != nil {
				return nil, fmt.Errorf("chat completion: %w", err)
			}
			last = res
			tokens += res.Usage.TotalTokens
			if res.Reasoning != "" {
				if reasoning.Len() > 0 {
					reasoning.WriteString("\n")
				}
				reasoning.WriteString(res.Reasoning)
			}
			if allowLookup && len(res.ToolCalls) > 0 {
				state = stateToolCallRequested
			} else {
				state = stateFinalText
			}

		case stateToolCallRequested:
			turns, err := resolveToolCalls(ctx, req, index, history, last, now())
			if err != nil {
				return nil, err
			}
			history = append(history, turns...)
			allowLookup = false
			state = stateAwaitingModel

		case stateFinalText:
			history = append(history, memory.NewTurn(memory.RoleAssistant, last.Text, now()))
			return &ConverseResult{
				Text:      last.Text,
				Reasoning: reasoning.String(),
				Tokens:    tokens,
				History:   history,
			}, nil

		default:
			return nil, fmt.Errorf("converse: unexpected state %s", state)
		}
	}
}

func buildParams(req ConverseRequest, system string, history []memory.ShortTermMemory, allowLookup bool) openai.ChatCompletionNewParams {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+1)
	msgs = append(msgs, openai.SystemMessage(system))
	msgs = append(msgs, toMessages(history)...)

	params := openai.ChatCompletionNewParams{
		Model:    req.Model,
		Messages: msgs,
		Tools:    []openai.ChatCompletionToolParam{getMemoryTool()},
	}
	choice := openai.ChatCompletionToolChoiceOptionAutoNone
	if allowLookup {
		choice = openai.ChatCompletionToolChoiceOptionAutoAuto
	}
	params.ToolChoice = openai.ChatCompletionToolChoiceOptionUnionParam{OfAuto: openai.String(string(choice))}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	return params
}

func getMemoryTool() openai.ChatCompletionToolParam {
	return openai.ChatCompletionToolParam{
		Function: openai.FunctionDefinitionParam{
			Name:        ToolGetMemory,
			Description: openai.String("Recall long-term memories of past conversations with the user. Use it when the user refers to something that happened before."),
			Parameters: openai.FunctionParameters{
				"type": "object",
				"properties": map[string]any{
					"memoryDescription": map[string]any{
						"type":        "string",
						"description": "A short description of what to remember, e.g. \"the user's cat\".",
					},
				},
				"required": []string{"memoryDescription"},
			},
		},
	}
}

func toMessages(history []memory.ShortTermMemory) []openai.ChatCompletionMessageParamUnion {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(history))
	for _, t := range history {
		switch t.Role {
		case memory.RoleUser:
			msgs = append(msgs, openai.UserMessage(t.Content))
		case memory.RoleTool:
			msgs = append(msgs, openai.ToolMessage(t.Content, t.ToolCallID))
		case memory.RoleAssistant:
			if len(t.ToolCalls) == 0 {
				msgs = append(msgs, openai.AssistantMessage(t.Content))
				continue
			}
			p := openai.ChatCompletionAssistantMessageParam{}
			if t.Content != "" {
				p.Content = openai.ChatCompletionAssistantMessageParamContentUnion{OfString: openai.String(t.Content)}
			}
			for _, c := range t.ToolCalls {
				p.ToolCalls = append(p.ToolCalls, openai.ChatCompletionMessageToolCallParam{
					ID: c.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      c.Function.Name,
						Arguments: c.Function.Arguments,
					},
				})
			}
			msgs = append(msgs, openai.ChatCompletionMessageParamUnion{OfAssistant: &p})
		}
	}
	return msgs
}

// surfacedUUIDs collects long-term memories already handed to the model in
// this conversation.
func surfacedUUIDs(history []memory.ShortTermMemory) map[string]bool {
	seen := make(map[string]bool)
	for _, t := range history {
		if t.Role != memory.RoleTool || t.Recall == nil {
			continue
		}
		for _, id := range t.Recall.UUIDs {
			seen[id] = true
		}
	}
	return seen
}

// resolveToolCalls turns the model's tool calls into the assistant turn
// that carries them and one tool-result turn per call.
func resolveToolCalls(ctx context.Context, req ConverseRequest, index *memory.Index, history []memory.ShortTermMemory, res *llm.Result, now time.Time) ([]memory.ShortTermMemory, error) {
	call := memory.NewTurn(memory.RoleAssistant, "", now)
	for _, tc := range res.ToolCalls {
		call.ToolCalls = append(call.ToolCalls, memory.ToolCall{
			ID:       tc.ID,
			Type:     "function",
			Function: memory.FunctionCall{Name: tc.Name, Arguments: tc.Arguments},
		})
	}

	exclude := surfacedUUIDs(history)
	turns := []memory.ShortTermMemory{call}
	for _, tc := range res.ToolCalls {
		if tc.Name != ToolGetMemory {
			return nil, &ProtocolError{Tool: tc.Name, Reason: "unknown tool"}
		}
		desc, err := memoryDescription(tc.Arguments)
		if err != nil {
			return nil, err
		}

		var hits []memory.ScoredMemory
		if req.Embed != nil {
			if vec := req.Embed(ctx, desc); vec != nil {
				hits = index.Retrieve(ctx, vec, req.LongTerm, exclude)
			}
		}

		recall := &memory.Recall{Description: desc, UUIDs: []string{}, Similarities: []float64{}}
		for _, h := range hits {
			recall.UUIDs = append(recall.UUIDs, h.UUID)
			recall.Similarities = append(recall.Similarities, h.Similarity)
			exclude[h.UUID] = true
		}
		log.Printf("[companion] get_memory %q: %d hit(s)", desc, len(hits))

		result := memory.NewTurn(memory.RoleTool, formatRecall(hits), now)
		result.ToolCallID = tc.ID
		result.Recall = recall
		turns = append(turns, result)
	}
	return turns, nil
}

func memoryDescription(arguments string) (string, error) {
	if !gjson.Valid(arguments) {
		return "", &ProtocolError{Tool: ToolGetMemory, Reason: "arguments are not valid JSON"}
	}
	args := gjson.Parse(arguments)
	if !args.IsObject() {
		return "", &ProtocolError{Tool: ToolGetMemory, Reason: "arguments must be a JSON object"}
	}
	desc := args.Get("memoryDescription")
	if desc.Type != gjson.String {
		return "", &ProtocolError{Tool: ToolGetMemory, Reason: "memoryDescription must be a string"}
	}
	return desc.Str, nil
}

func formatRecall(hits []memory.ScoredMemory) string {
	if len(hits) == 0 {
		return nothingFound
	}
	var b strings.Builder
	for i, h := range hits {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "- %s (%s ~ %s)", h.Summary,
			memory.Time(h.StartTime).Format(timeLayout),
			memory.Time(h.EndTime).Format(timeLayout))
	}
	return b.String()
}
