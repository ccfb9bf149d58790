// Package node 提供工作流内可复用的处理节点
package node

import (
	"encoding/json"
	"strings"

	wfmodel "fable-weaver-api/internal/workflow/model"
)

// Trailer 章节输出末尾内嵌的结构化块
type Trailer struct {
	Summary   string                       `json:"summary"`
	Choices   []string                     `json:"choices"`
	Questions []wfmodel.ClarifyingQuestion `json:"questions,omitempty"`
}

// ParseTrailer 从章节全文中提取结构化尾部并剥离出正文。
// 提取策略按可靠性排序：最后一个 ```json 代码块，其次从文末
// 反向扫描配平的花括号块。解析失败时返回 ok=false，正文原样保留，
// 调用方以通用摘要和空选项降级提交，不丢弃已生成的叙事文本。
func ParseTrailer(text string) (trailer *Trailer, prose string, ok bool) {
	raw, start := extractFromCodeBlock(text)
	if raw == "" {
		raw, start = extractByBraceScan(text)
	}
	if raw == "" {
		return nil, text, false
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &probe); err != nil {
		return nil, text, false
	}
	// 软校验：至少要有 summary 或 choices，避免把叙事里的无关 JSON 当尾部
	if _, hasSummary := probe["summary"]; !hasSummary {
		if _, hasChoices := probe["choices"]; !hasChoices {
			return nil, text, false
		}
	}

	var t Trailer
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return nil, text, false
	}

	return &t, strings.TrimSpace(text[:start]), true
}

// extractFromCodeBlock 提取最后一个 ```json 围栏代码块
// 返回候选 JSON 及围栏起始位置（用于剥离正文）。
func extractFromCodeBlock(text string) (string, int) {
	marker := "```json"
	idx := strings.LastIndex(text, marker)
	if idx == -1 {
		return "", 0
	}

	start := idx + len(marker)
	end := strings.Index(text[start:], "```")
	var candidate string
	if end == -1 {
		// 未闭合的代码块——取标记之后的全部内容
		candidate = strings.TrimSpace(text[start:])
	} else {
		candidate = strings.TrimSpace(text[start : start+end])
	}
	if candidate == "" {
		return "", 0
	}
	return candidate, idx
}

// extractByBraceScan 从文末反向寻找最后一个配平且可解析的 {…} 块
func extractByBraceScan(text string) (string, int) {
	searchFrom := len(text)
	for {
		openIdx := strings.LastIndex(text[:searchFrom], "{")
		if openIdx == -1 {
			return "", 0
		}

		if closeIdx := findMatchingBrace(text, openIdx); closeIdx >= 0 {
			candidate := text[openIdx : closeIdx+1]
			if json.Valid([]byte(candidate)) {
				return candidate, openIdx
			}
		}

		searchFrom = openIdx
	}
}

// findMatchingBrace 寻找与 start 处 { 配平的 }，跳过 JSON 字符串字面量
// 以免字符串内嵌的花括号干扰计数。
func findMatchingBrace(text string, start int) int {
	depth := 0
	inString := false
	escape := false

	for i := start; i < len(text); i++ {
		ch := text[i]

		if escape {
			escape = false
			continue
		}

		switch ch {
		case '\\':
			if inString {
				escape = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return i
				}
			}
		}
	}
	return -1
}
