package memory

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellarlinkco/companion/internal/llm/llmtest"
)

func conversation() []ShortTermMemory {
	call := turnAt(RoleAssistant, "", 1500)
	call.ToolCalls = []ToolCall{{ID: "call_1", Type: "function", Function: FunctionCall{Name: "get_memory", Arguments: `{"memoryDescription":"pets"}`}}}
	result := turnAt(RoleTool, "- The user has a cat named Mochi.", 1600)
	result.ToolCallID = "call_1"
	return []ShortTermMemory{
		turnAt(RoleUser, "My cat is sick", 1000),
		call,
		result,
		turnAt(RoleAssistant, "Oh no, I hope Mochi feels better.", 2000),
		turnAt(RoleUser, "Thanks", 1200),
	}
}

const goodOutput = `{"newAiInfo":"I care about the user's pets.","newHumanInfo":"The user has a sick cat.","newMemories":["The user's cat fell ill.","The user thanked me for my concern."]}`

func TestRenderTranscript(t *testing.T) {
	got := RenderTranscript(conversation())
	want := strings.Join([]string{
		"1. human said My cat is sick",
		`2. [{"name":"get_memory","arguments":"{\"memoryDescription\":\"pets\"}"}]`,
		"3. memory retrieval result: - The user has a cat named Mochi.",
		"4. assistant said Oh no, I hope Mochi feels better.",
		"5. human said Thanks",
		"",
	}, "\n")
	assert.Equal(t, want, got)
}

func TestConsolidate_EmptyBatch(t *testing.T) {
	fake := &llmtest.Completions{}
	_, err := Consolidate(context.Background(), fake, "m", nil, "", "", nil)
	require.ErrorIs(t, err, ErrNothingToConsolidate)
	assert.Zero(t, fake.CallCount())
}

func TestConsolidate_Success(t *testing.T) {
	fake := &llmtest.Completions{Replies: []llmtest.Reply{llmtest.Text(120, goodOutput[:30], goodOutput[30:])}}
	var embedded []string
	embed := func(_ context.Context, text string) []float32 {
		embedded = append(embedded, text)
		return []float32{1, 0}
	}

	batch := conversation()
	c, err := Consolidate(context.Background(), fake, "summary-model", batch, "I am Hiyori's persona.", "", embed)
	require.NoError(t, err)

	assert.Equal(t, "I care about the user's pets.", c.NewAiInfo)
	assert.Equal(t, "The user has a sick cat.", c.NewHumanInfo)
	assert.Equal(t, int64(1000), c.StartTime)
	assert.Equal(t, int64(2000), c.EndTime)
	assert.Equal(t, int64(120), c.Tokens)
	assert.Equal(t, batch, c.Batch)

	require.Len(t, c.NewMemories, 2)
	seen := map[string]bool{}
	for _, m := range c.NewMemories {
		assert.NotEmpty(t, m.UUID)
		assert.False(t, seen[m.UUID], "uuids must be fresh")
		seen[m.UUID] = true
		assert.Equal(t, int64(1000), m.StartTime)
		assert.Equal(t, int64(2000), m.EndTime)
		assert.Equal(t, []float32{1, 0}, m.Vector)
	}
	assert.Equal(t, []string{"The user's cat fell ill.", "The user thanked me for my concern."}, embedded)

	require.Len(t, fake.Calls, 1)
	call := fake.Calls[0]
	assert.Equal(t, "summary-model", call.Model)
	require.Len(t, call.Messages, 2)
	user := call.Messages[1].OfUser.Content.OfString.Value
	assert.Contains(t, user, "I am Hiyori's persona.")
	assert.Contains(t, user, "(empty)")
	assert.Contains(t, user, "1. human said My cat is sick")
}

func TestConsolidate_EmbeddingFailureIsSoft(t *testing.T) {
	fake := &llmtest.Completions{Replies: []llmtest.Reply{llmtest.Text(1, goodOutput)}}
	embed := func(context.Context, string) []float32 { return nil }

	c, err := Consolidate(context.Background(), fake, "m", conversation(), "", "", embed)
	require.NoError(t, err)
	require.Len(t, c.NewMemories, 2)
	for _, m := range c.NewMemories {
		assert.Nil(t, m.Vector)
	}
}

func TestConsolidate_LenientExtraction(t *testing.T) {
	cases := map[string]string{
		"think wrapper":      "<think>The user mentioned a cat.</think>\n" + goodOutput,
		"code fence":         "```json\n" + goodOutput + "\n```",
		"prose around":       "Sure! Here is the result:\n" + goodOutput + "\nHope this helps.",
		"unclosed think":     "reasoning here</think>" + goodOutput,
		"extra keys ignored": strings.TrimSuffix(goodOutput, "}") + `,"mood":"happy"}`,
	}
	for name, out := range cases {
		t.Run(name, func(t *testing.T) {
			fake := &llmtest.Completions{Replies: []llmtest.Reply{llmtest.Text(1, out)}}
			c, err := Consolidate(context.Background(), fake, "m", conversation(), "", "", nil)
			require.NoError(t, err)
			assert.Equal(t, "The user has a sick cat.", c.NewHumanInfo)
			assert.Len(t, c.NewMemories, 2)
		})
	}
}

func TestConsolidate_ThinkContentBecomesReasoning(t *testing.T) {
	fake := &llmtest.Completions{Replies: []llmtest.Reply{llmtest.Text(1, "<think>weighing facts</think>"+goodOutput)}}
	c, err := Consolidate(context.Background(), fake, "m", conversation(), "", "", nil)
	require.NoError(t, err)
	assert.Equal(t, "weighing facts", c.Reasoning)
}

func TestConsolidate_ReasoningSourcesAreJoined(t *testing.T) {
	reply := llmtest.Text(1, "<think>weighing facts</think>"+goodOutput)
	reply.Chunks = append([]string{llmtest.Reasoning("streamed thoughts")}, reply.Chunks...)
	fake := &llmtest.Completions{Replies: []llmtest.Reply{reply}}
	c, err := Consolidate(context.Background(), fake, "m", conversation(), "", "", nil)
	require.NoError(t, err)
	assert.Equal(t, "streamed thoughts\nweighing facts", c.Reasoning)
}

func TestConsolidate_MalformedOutputIsAllOrNothing(t *testing.T) {
	cases := map[string]string{
		"no json":               "I could not do it.",
		"broken json":           `{"newAiInfo": "x", "newHumanInfo": `,
		"missing newMemories":   `{"newAiInfo":"a","newHumanInfo":"b"}`,
		"newAiInfo number":      `{"newAiInfo":1,"newHumanInfo":"b","newMemories":[]}`,
		"newHumanInfo null":     `{"newAiInfo":"a","newHumanInfo":null,"newMemories":[]}`,
		"newMemories string":    `{"newAiInfo":"a","newHumanInfo":"b","newMemories":"c"}`,
		"newMemories of object": `{"newAiInfo":"a","newHumanInfo":"b","newMemories":[{"text":"c"}]}`,
	}
	for name, out := range cases {
		t.Run(name, func(t *testing.T) {
			s, _ := newTestStore(t)
			require.NoError(t, s.SetShortTermMemory(conversation()))
			before := s.Snapshot()

			fake := &llmtest.Completions{Replies: []llmtest.Reply{llmtest.Text(1, out)}}
			c, err := Consolidate(context.Background(), fake, "m", s.ShortTermMemory(), s.Profile().MemoryAboutSelf, s.Profile().MemoryAboutUser, nil)
			require.ErrorIs(t, err, ErrMalformedOutput)
			assert.Nil(t, c)
			assert.Equal(t, before, s.Snapshot())
		})
	}
}

func TestConsolidate_TransportErrorPropagates(t *testing.T) {
	boom := errors.New("503 service unavailable")
	fake := &llmtest.Completions{Replies: []llmtest.Reply{{Err: boom}}}
	_, err := Consolidate(context.Background(), fake, "m", conversation(), "", "", nil)
	require.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrMalformedOutput)
}
