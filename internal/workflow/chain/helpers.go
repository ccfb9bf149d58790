package chain

import (
	"encoding/json"
	"fmt"
	"strings"

	"fable-weaver-api/internal/domain/entity"
	wfmodel "fable-weaver-api/internal/workflow/model"
)

// marshalWorldState 序列化世界文档供提示词使用，nil 时给出空对象
func marshalWorldState(bible *entity.WorldBible) string {
	if bible == nil || bible.IsEmpty() {
		return "{}"
	}
	data, err := json.MarshalIndent(bible, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

func formatRecentChapters(chapters []wfmodel.ChapterContext) string {
	if len(chapters) == 0 {
		return "(none yet)"
	}
	var sb strings.Builder
	for _, ch := range chapters {
		fmt.Fprintf(&sb, "Chapter %d: %s\n", ch.Seq, ch.Summary)
	}
	return strings.TrimSpace(sb.String())
}

func formatLoreContext(passages []string) string {
	if len(passages) == 0 {
		return "(none)"
	}
	var sb strings.Builder
	for _, p := range passages {
		sb.WriteString("- ")
		sb.WriteString(strings.TrimSpace(p))
		sb.WriteString("\n")
	}
	return strings.TrimSpace(sb.String())
}

func formatQuestionAnswers(answers map[string]string) string {
	if len(answers) == 0 {
		return "(none)"
	}
	var sb strings.Builder
	for q, a := range answers {
		fmt.Fprintf(&sb, "Q: %s\nA: %s\n", q, a)
	}
	return strings.TrimSpace(sb.String())
}

func formatFindings(findings []wfmodel.ResearchFinding) string {
	var sb strings.Builder
	for _, f := range findings {
		fmt.Fprintf(&sb, "=== %s ===\n%s\n\n", f.Angle, strings.TrimSpace(f.Content))
	}
	return strings.TrimSpace(sb.String())
}
