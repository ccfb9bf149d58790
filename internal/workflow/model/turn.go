// Package model 定义工作流输入输出结构
package model

import (
	"fable-weaver-api/internal/domain/entity"
)

// ResearchDepth 研究深度
type ResearchDepth string

const (
	// ResearchQuick 快速研究，单工作者
	ResearchQuick ResearchDepth = "quick"
	// ResearchDeep 深度研究，多工作者并行扇出
	ResearchDeep ResearchDepth = "deep"
)

// ResearchInput 研究阶段输入
type ResearchInput struct {
	StoryID  string
	Premise  string
	Universe string
	Depth    ResearchDepth

	// Existing 已有世界状态；独立研究请求在其基础上增补
	Existing *entity.WorldBible
}

// ResearchFinding 单个研究工作者的产出
type ResearchFinding struct {
	Angle   string
	Content string
}

// SynthesisInput 世界观合成阶段输入
type SynthesisInput struct {
	StoryID  string
	Premise  string
	Universe string
	Findings []ResearchFinding

	// Existing 非空时合成结果与其合并而非从零构建
	Existing *entity.WorldBible
}

// ChapterInput 章节生成阶段输入
type ChapterInput struct {
	StoryID    string
	Seq        int
	Premise    string
	WorldState *entity.WorldBible

	// UserAction 玩家本回合的自由文本行动；首章为空
	UserAction string
	// QuestionAnswers 对上一章澄清问题的回答
	QuestionAnswers map[string]string

	// RecentChapters 最近章节摘要，按序号升序
	RecentChapters []ChapterContext
	// LoreContext 语义检索到的研究发现片段
	LoreContext []string

	MinWords int
	MaxWords int
}

// ChapterContext 供提示词使用的历史章节上下文
type ChapterContext struct {
	Seq     int
	Summary string
}

// ChapterOutput 章节生成阶段输出
type ChapterOutput struct {
	// Prose 去除结构化尾部后的正文
	Prose string
	// RawText 模型原始输出全文
	RawText string
	// Summary 摘要；尾部解析失败时为兜底文案
	Summary string
	// Choices 下一回合候选行动；尾部解析失败时为空
	Choices []string
	// Questions 可选的澄清问题
	Questions []ClarifyingQuestion
	// TrailerParsed 结构化尾部是否解析成功
	TrailerParsed bool
}

// ClarifyingQuestion 澄清问题
type ClarifyingQuestion struct {
	Question string   `json:"question"`
	Context  string   `json:"context,omitempty"`
	Type     string   `json:"type,omitempty"`
	Options  []string `json:"options,omitempty"`
}

// ArchiveInput 归档阶段输入
type ArchiveInput struct {
	StoryID    string
	WorldState *entity.WorldBible

	// ChapterText 刚结束回合的章节正文
	ChapterText string
	// ChapterSummary 章节摘要
	ChapterSummary string
	// UserAction 该回合玩家行动
	UserAction string
	Seq        int
}
