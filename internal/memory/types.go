package memory

import (
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// FunctionCall is the function part of a model-issued tool call.
// Arguments is the raw JSON string exactly as streamed by the model.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// Recall records which long-term memories a tool-result turn surfaced.
type Recall struct {
	Description  string    `json:"description"`
	UUIDs        []string  `json:"uuids"`
	Similarities []float64 `json:"similarities"`
}

// ShortTermMemory is one conversational turn. Archived memory uses the same
// shape.
type ShortTermMemory struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	Timestamp  int64      `json:"timestamp"` // ms epoch
	UUID       string     `json:"uuid"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Recall     *Recall    `json:"recall,omitempty"`
}

// LongTermMemory is one consolidated summary. Vector is nil when embedding
// failed; such entries never take part in retrieval.
type LongTermMemory struct {
	UUID      string    `json:"uuid"`
	Summary   string    `json:"summary"`
	StartTime int64     `json:"startTime"`
	EndTime   int64     `json:"endTime"`
	Vector    []float32 `json:"vector,omitempty"`
}

// ScoredMemory is a retrieval hit.
type ScoredMemory struct {
	LongTermMemory
	Similarity float64 `json:"similarity"`
}

// Profile is the persona state read by the system prompt.
type Profile struct {
	SelfName        string `json:"selfName"`
	UserName        string `json:"userName"`
	MemoryAboutSelf string `json:"memoryAboutSelf"`
	MemoryAboutUser string `json:"memoryAboutUser"`
}

// Stats is a compact snapshot used by status reporting.
type Stats struct {
	ShortTerm      int
	LongTerm       int
	LongTermNoVec  int
	Archived       int
	LastTurnAt     time.Time
	FirstContactAt time.Time
}

func NewTurn(role Role, content string, now time.Time) ShortTermMemory {
	return ShortTermMemory{
		Role:      role,
		Content:   content,
		Timestamp: now.UnixMilli(),
		UUID:      uuid.New().String(),
	}
}

// Time converts a ms epoch timestamp.
func Time(ms int64) time.Time {
	return time.UnixMilli(ms)
}

func cloneTurns(in []ShortTermMemory) []ShortTermMemory {
	if in == nil {
		return nil
	}
	out := make([]ShortTermMemory, len(in))
	for i, t := range in {
		out[i] = t
		if t.ToolCalls != nil {
			out[i].ToolCalls = append([]ToolCall(nil), t.ToolCalls...)
		}
		if t.Recall != nil {
			r := *t.Recall
			r.UUIDs = append([]string(nil), t.Recall.UUIDs...)
			r.Similarities = append([]float64(nil), t.Recall.Similarities...)
			out[i].Recall = &r
		}
	}
	return out
}

func cloneLongTerm(in []LongTermMemory) []LongTermMemory {
	if in == nil {
		return nil
	}
	out := make([]LongTermMemory, len(in))
	for i, m := range in {
		out[i] = m
		if m.Vector != nil {
			out[i].Vector = append([]float32(nil), m.Vector...)
		}
	}
	return out
}
