package node

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTrailerFromCodeBlock(t *testing.T) {
	text := "# Chapter 1: The Gate\n\nThe rain fell on the old city.\n\n" +
		"```json\n{\"summary\": \"Rain in the city.\", \"choices\": [\"Enter the gate\", \"Turn back\"]}\n```"

	trailer, prose, ok := ParseTrailer(text)
	require.True(t, ok)
	assert.Equal(t, "Rain in the city.", trailer.Summary)
	assert.Equal(t, []string{"Enter the gate", "Turn back"}, trailer.Choices)
	assert.Equal(t, "# Chapter 1: The Gate\n\nThe rain fell on the old city.", prose)
}

func TestParseTrailerUsesLastCodeBlock(t *testing.T) {
	text := "Example:\n```json\n{\"summary\": \"early block\"}\n```\n\nMore prose.\n\n" +
		"```json\n{\"summary\": \"final block\", \"choices\": [\"Go\"]}\n```"

	trailer, prose, ok := ParseTrailer(text)
	require.True(t, ok)
	assert.Equal(t, "final block", trailer.Summary)
	assert.Contains(t, prose, "More prose.")
}

func TestParseTrailerUnclosedCodeBlock(t *testing.T) {
	text := "The door closed behind her.\n\n```json\n{\"summary\": \"Trapped.\", \"choices\": [\"Shout\", \"Wait\"]}"

	trailer, prose, ok := ParseTrailer(text)
	require.True(t, ok)
	assert.Equal(t, "Trapped.", trailer.Summary)
	assert.Equal(t, "The door closed behind her.", prose)
}

func TestParseTrailerBraceScanFallback(t *testing.T) {
	// 没有代码围栏，尾部裸 JSON
	text := "She lit the lantern and waited.\n\n" +
		`{"summary": "Waiting in the dark.", "choices": ["Open the hatch"], "questions": [{"question": "Whose lantern is it?", "type": "open"}]}`

	trailer, prose, ok := ParseTrailer(text)
	require.True(t, ok)
	assert.Equal(t, "Waiting in the dark.", trailer.Summary)
	require.Len(t, trailer.Questions, 1)
	assert.Equal(t, "Whose lantern is it?", trailer.Questions[0].Question)
	assert.Equal(t, "She lit the lantern and waited.", prose)
}

func TestParseTrailerBraceScanSkipsStringLiterals(t *testing.T) {
	// JSON 字符串里的花括号不参与配平
	text := "Prose before.\n" +
		`{"summary": "He said {run} twice.", "choices": ["Run"]}`

	trailer, _, ok := ParseTrailer(text)
	require.True(t, ok)
	assert.Equal(t, "He said {run} twice.", trailer.Summary)
}

func TestParseTrailerRejectsUnrelatedJSON(t *testing.T) {
	// 软校验：既无 summary 也无 choices 的 JSON 不算尾部
	text := "The ledger read:\n" + `{"gold": 12, "silver": 4}`

	trailer, prose, ok := ParseTrailer(text)
	assert.False(t, ok)
	assert.Nil(t, trailer)
	assert.Equal(t, text, prose)
}

func TestParseTrailerMalformedKeepsProse(t *testing.T) {
	text := "A fine chapter with no structure at all."

	trailer, prose, ok := ParseTrailer(text)
	assert.False(t, ok)
	assert.Nil(t, trailer)
	assert.Equal(t, text, prose)

	broken := "Chapter text.\n```json\n{\"summary\": \"unterminated\n```"
	trailer, prose, ok = ParseTrailer(broken)
	assert.False(t, ok)
	assert.Nil(t, trailer)
	assert.Equal(t, broken, prose)
}

func TestParseTrailerEmptyCodeBlockFallsThrough(t *testing.T) {
	text := "Prose.\n```json\n```\n" + `{"summary": "bare", "choices": []}`

	trailer, _, ok := ParseTrailer(text)
	require.True(t, ok)
	assert.Equal(t, "bare", trailer.Summary)
}

func TestTruncateByRunes(t *testing.T) {
	assert.Equal(t, "", TruncateByRunes("hello", 0))
	assert.Equal(t, "hello", TruncateByRunes("hello", 10))
	assert.Equal(t, "hel", TruncateByRunes("hello", 3))
	// 多字节字符按符文截断，不会截出非法 UTF-8
	assert.Equal(t, "世界", TruncateByRunes("世界很大", 2))
}

func TestCountWords(t *testing.T) {
	assert.Equal(t, 0, CountWords(""))
	assert.Equal(t, 4, CountWords("the rain fell hard"))
	assert.Equal(t, 4, CountWords("风起于青萍"[:12])) // 四个汉字
	assert.Equal(t, 5, CountWords("rain 落在 old city"))
}

func TestFirstLine(t *testing.T) {
	assert.Equal(t, "Chapter 1: The Gate", FirstLine("# Chapter 1: The Gate\n\nProse."))
	assert.Equal(t, "plain title", FirstLine("\n\nplain title\nrest"))
	assert.Equal(t, "", FirstLine("\n\n  \n"))
}

func TestExtractJSONObject(t *testing.T) {
	out := ExtractJSONObject("Here you go:\n{\"a\": 1}\nHope that helps!")
	assert.Equal(t, `{"a": 1}`, out)

	out = ExtractJSONObject("[1, 2, 3]")
	assert.Equal(t, "[1, 2, 3]", out)

	out = ExtractJSONObject("   {\"nested\": {\"b\": 2}}  ")
	assert.Equal(t, `{"nested": {"b": 2}}`, out)
}

func TestCountWordsMixedWhitespace(t *testing.T) {
	assert.Equal(t, 3, CountWords("one\ttwo\nthree"))
	assert.Equal(t, 1, CountWords(strings.Repeat(" ", 5)+"word"))
}
