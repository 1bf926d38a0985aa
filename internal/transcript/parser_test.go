package transcript

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, raw string) *Line {
	t.Helper()
	line, err := parseLine([]byte(raw))
	require.NoError(t, err)
	return line
}

func TestParseLine_TextBlocks(t *testing.T) {
	line := mustParse(t, `{"type":"assistant","message":{"content":[{"type":"text","text":"hello"},{"type":"text","text":"world"}]}}`)
	assert.Equal(t, "assistant", line.Type)
	assert.Equal(t, "hello\nworld", extractText(line, false))
}

func TestParseLine_StringContent(t *testing.T) {
	line := mustParse(t, `{"type":"user","message":{"content":"run the tests"}}`)
	assert.Equal(t, "user", line.Type)
	assert.Equal(t, "run the tests", line.Message.Content[0].Text)
}

func TestExtractText_ExcludesToolBlocks(t *testing.T) {
	line := mustParse(t, `{"type":"assistant","message":{"content":[
		{"type":"tool_use","id":"t1","name":"bash","input":{"cmd":"ls"}},
		{"type":"text","text":"done"},
		{"type":"tool_result","tool_use_id":"t1","text":"file.txt"}
	]}}`)
	assert.Equal(t, "done", extractText(line, false))
}

func TestExtractText_ThinkingOnlyWhenVerbose(t *testing.T) {
	line := mustParse(t, `{"type":"assistant","message":{"content":[
		{"type":"thinking","thinking":"let me check"},
		{"type":"text","text":"the answer is 4"}
	]}}`)
	assert.Equal(t, "the answer is 4", extractText(line, false))
	assert.Equal(t, "let me check\nthe answer is 4", extractText(line, true))
}

func TestLastAssistantCandidate_ToolLoop(t *testing.T) {
	// One user turn with a tool loop: two assistant lines with text, tool
	// traffic in between. Only the final text line is the reply.
	lines := []*Line{
		mustParse(t, `{"type":"user","message":{"content":"do it"}}`),
		mustParse(t, `{"type":"assistant","message":{"content":[{"type":"text","text":"working on it"}]}}`),
		mustParse(t, `{"type":"assistant","message":{"content":[{"type":"tool_use","id":"t1","name":"bash"}]}}`),
		mustParse(t, `{"type":"tool_result","message":{"content":[{"type":"tool_result","tool_use_id":"t1"}]}}`),
		mustParse(t, `{"type":"assistant","message":{"content":[{"type":"text","text":"all done"}]}}`),
	}
	c := lastAssistantCandidate(lines, 1, false)
	require.NotNil(t, c)
	assert.Equal(t, "all done", c.Text)
	assert.Equal(t, 5, c.LineNumber)
}

func TestLastAssistantCandidate_SkipsEmptyAndMalformed(t *testing.T) {
	lines := []*Line{
		mustParse(t, `{"type":"assistant","message":{"content":[{"type":"text","text":"real"}]}}`),
		nil, // malformed line placeholder
		mustParse(t, `{"type":"assistant","message":{"content":[{"type":"text","text":"   "}]}}`),
		mustParse(t, `{"type":"system","message":{"content":[{"type":"text","text":"restart"}]}}`),
	}
	c := lastAssistantCandidate(lines, 10, false)
	require.NotNil(t, c)
	assert.Equal(t, "real", c.Text)
	assert.Equal(t, 10, c.LineNumber)
}

func TestLastAssistantCandidate_None(t *testing.T) {
	lines := []*Line{
		mustParse(t, `{"type":"user","message":{"content":"hi"}}`),
	}
	assert.Nil(t, lastAssistantCandidate(lines, 1, false))
}

func TestParseLine_UnknownBlockTypesIgnored(t *testing.T) {
	line := mustParse(t, `{"type":"assistant","message":{"content":[
		{"type":"server_tool_use","id":"x"},
		{"type":"text","text":"ok"}
	]}}`)
	assert.Equal(t, "ok", extractText(line, false))
}
