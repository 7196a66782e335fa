package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/openai/openai-go"
	"github.com/tidwall/gjson"

	"github.com/stellarlinkco/companion/internal/llm"
)

// Consolidation is the outcome of summarising one short-term batch. It is
// applied to a store with Store.ApplyConsolidation.
type Consolidation struct {
	Batch        []ShortTermMemory
	NewAiInfo    string
	NewHumanInfo string
	NewMemories  []LongTermMemory
	StartTime    int64
	EndTime      int64
	Reasoning    string
	Tokens       int64
}

var thinkBlock = regexp.MustCompile(`(?s)<think>(.*?)</think>`)

// Consolidate asks the model to fold batch into both profiles and a set of
// long-term summaries. Nothing is written anywhere; embed may be nil, and a
// nil vector from it leaves the entry unindexed.
func Consolidate(ctx context.Context, chat llm.Completions, model string, batch []ShortTermMemory, priorSelf, priorUser string, embed EmbedFunc) (*Consolidation, error) {
	if len(batch) == 0 {
		return nil, ErrNothingToConsolidate
	}

	start, end := batch[0].Timestamp, batch[0].Timestamp
	for _, t := range batch[1:] {
		if t.Timestamp < start {
			start = t.Timestamp
		}
		if t.Timestamp > end {
			end = t.Timestamp
		}
	}

	params := openai.ChatCompletionNewParams{
		Model: model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(consolidationPrompt),
			openai.UserMessage(fmt.Sprintf(consolidationInput,
				orEmpty(priorSelf), orEmpty(priorUser), RenderTranscript(batch))),
		},
	}
	res, err := llm.Stream(ctx, chat, params, nil)
	if err != nil {
		return nil, fmt.Errorf("consolidate: %w", err)
	}

	body, think := stripThink(res.Text)
	parsed, err := parseConsolidation(body)
	if err != nil {
		log.Printf("[memory] consolidation output rejected: %v", err)
		return nil, ErrMalformedOutput
	}

	out := &Consolidation{
		Batch:        cloneTurns(batch),
		NewAiInfo:    parsed.aiInfo,
		NewHumanInfo: parsed.humanInfo,
		StartTime:    start,
		EndTime:      end,
		Reasoning:    joinReasoning(res.Reasoning, think),
		Tokens:       res.Usage.TotalTokens,
	}
	for _, summary := range parsed.memories {
		m := LongTermMemory{
			UUID:      uuid.New().String(),
			Summary:   summary,
			StartTime: start,
			EndTime:   end,
		}
		if embed != nil {
			m.Vector = embed(ctx, summary)
		}
		if m.Vector == nil {
			log.Printf("[memory] memory %s stored without vector", m.UUID)
		}
		out.NewMemories = append(out.NewMemories, m)
	}
	return out, nil
}

// RenderTranscript numbers the turns of a conversation for the
// consolidation prompt.
func RenderTranscript(batch []ShortTermMemory) string {
	var b strings.Builder
	for i, t := range batch {
		fmt.Fprintf(&b, "%d. ", i+1)
		switch {
		case t.Role == RoleTool:
			b.WriteString("memory retrieval result: ")
			b.WriteString(t.Content)
		case len(t.ToolCalls) > 0:
			fns := make([]FunctionCall, len(t.ToolCalls))
			for j, c := range t.ToolCalls {
				fns[j] = c.Function
			}
			raw, _ := json.Marshal(fns)
			b.Write(raw)
		case t.Role == RoleUser:
			b.WriteString("human said ")
			b.WriteString(t.Content)
		default:
			b.WriteString("assistant said ")
			b.WriteString(t.Content)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

type consolidationOutput struct {
	aiInfo    string
	humanInfo string
	memories  []string
}

// stripThink removes reasoning wrappers and returns the visible text and the
// reasoning it held. An unmatched closing tag drops everything before it.
func stripThink(text string) (visible, reasoning string) {
	var thoughts []string
	visible = thinkBlock.ReplaceAllStringFunc(text, func(m string) string {
		thoughts = append(thoughts, strings.TrimSpace(thinkBlock.FindStringSubmatch(m)[1]))
		return ""
	})
	if i := strings.LastIndex(visible, "</think>"); i >= 0 {
		thoughts = append(thoughts, strings.TrimSpace(visible[:i]))
		visible = visible[i+len("</think>"):]
	}
	return strings.TrimSpace(visible), strings.Join(thoughts, "\n")
}

func joinReasoning(parts ...string) string {
	var kept []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "\n")
}

// trimToObject cuts text down to the outermost {...}.
func trimToObject(text string) (string, bool) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	first := strings.Index(text, "{")
	last := strings.LastIndex(text, "}")
	if first < 0 || last < first {
		return "", false
	}
	return text[first : last+1], true
}

func parseConsolidation(text string) (*consolidationOutput, error) {
	obj, ok := trimToObject(text)
	if !ok {
		return nil, fmt.Errorf("no JSON object in output")
	}
	if !gjson.Valid(obj) {
		return nil, fmt.Errorf("invalid JSON")
	}
	root := gjson.Parse(obj)
	if !root.IsObject() {
		return nil, fmt.Errorf("expected object")
	}

	var out consolidationOutput
	for _, f := range []struct {
		key string
		dst *string
	}{
		{"newAiInfo", &out.aiInfo},
		{"newHumanInfo", &out.humanInfo},
	} {
		v := root.Get(f.key)
		if v.Type != gjson.String {
			return nil, fmt.Errorf("%s: expected string", f.key)
		}
		*f.dst = v.Str
	}

	mems := root.Get("newMemories")
	if !mems.IsArray() {
		return nil, fmt.Errorf("newMemories: expected array")
	}
	for i, m := range mems.Array() {
		if m.Type != gjson.String {
			return nil, fmt.Errorf("newMemories[%d]: expected string", i)
		}
		if s := strings.TrimSpace(m.Str); s != "" {
			out.memories = append(out.memories, s)
		}
	}
	return &out, nil
}

func orEmpty(s string) string {
	if strings.TrimSpace(s) == "" {
		return "(empty)"
	}
	return s
}
