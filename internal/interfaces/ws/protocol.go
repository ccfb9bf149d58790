// Package ws 提供故事会话的 WebSocket 协议与连接管理
package ws

import (
	"encoding/json"

	wfmodel "fable-weaver-api/internal/workflow/model"
)

// ClientAction 入站消息封套
type ClientAction struct {
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// 入站动作
const (
	ActionInit     = "init"
	ActionChoice   = "choice"
	ActionResearch = "research"
	ActionUndo     = "undo"
	ActionReset    = "reset"
	ActionDiff     = "diff"
	ActionSnapshot = "snapshot"
)

// InitPayload 初始化动作载荷
type InitPayload struct {
	Depth string `json:"depth,omitempty"` // quick / deep，默认 deep
}

// ChoicePayload 选择动作载荷
type ChoicePayload struct {
	Text    string            `json:"text"`
	Answers map[string]string `json:"answers,omitempty"`
}

// ResearchPayload 独立调研载荷；depth 为 quick / deep，默认 quick
type ResearchPayload struct {
	Question string `json:"question,omitempty"`
	Depth    string `json:"depth,omitempty"`
}

// SnapshotPayload 快照动作载荷
type SnapshotPayload struct {
	Op   string `json:"op,omitempty"` // save / restore / list / delete，默认 save
	Name string `json:"name,omitempty"`
}

// Meta 出站消息公共头。Seq 由各连接在发送时单调递增填充，
// 客户端据此检测乱序或丢失。
type Meta struct {
	Type string `json:"type"`
	Seq  uint64 `json:"seq"`
}

func (m *Meta) setSeq(seq uint64) { m.Seq = seq }

// sequenced 发送前由连接盖上序号
type sequenced interface {
	setSeq(seq uint64)
}

// StatusEvent 阶段状态事件
type StatusEvent struct {
	Meta
	Phase   string `json:"phase"`
	Message string `json:"message,omitempty"`
}

func NewStatusEvent(phase, message string) *StatusEvent {
	return &StatusEvent{Meta: Meta{Type: "status"}, Phase: phase, Message: message}
}

// ContentDeltaEvent 正文增量事件
type ContentDeltaEvent struct {
	Meta
	Sender string `json:"sender"`
	Text   string `json:"text"`
}

func NewContentDeltaEvent(sender, text string) *ContentDeltaEvent {
	return &ContentDeltaEvent{Meta: Meta{Type: "content_delta"}, Sender: sender, Text: text}
}

// RestartEvent 通知客户端丢弃当前回合已渲染的增量，生成将重新开始
type RestartEvent struct {
	Meta
}

func NewRestartEvent() *RestartEvent {
	return &RestartEvent{Meta: Meta{Type: "restart"}}
}

// TurnChapter 回合完成时携带的章节信息
type TurnChapter struct {
	ID        string `json:"id"`
	Seq       int    `json:"seq"`
	Title     string `json:"title"`
	WordCount int    `json:"word_count"`
}

// TurnCompleteEvent 回合完成事件
type TurnCompleteEvent struct {
	Meta
	Chapter   TurnChapter                  `json:"chapter"`
	Summary   string                       `json:"summary"`
	Choices   []string                     `json:"choices"`
	Questions []wfmodel.ClarifyingQuestion `json:"questions,omitempty"`
	Degraded  bool                         `json:"degraded,omitempty"`
}

// ErrorEvent 错误事件，回合以此收尾时世界状态未改变
type ErrorEvent struct {
	Meta
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewErrorEvent(code, message string) *ErrorEvent {
	return &ErrorEvent{Meta: Meta{Type: "error"}, Code: code, Message: message}
}

// ResearchResultEvent 独立调研结果事件
type ResearchResultEvent struct {
	Meta
	Question string   `json:"question,omitempty"`
	Depth    string   `json:"depth"`
	Answer   string   `json:"answer,omitempty"`
	Sections []string `json:"sections_updated,omitempty"`
}

// DiffResultEvent 世界状态差异事件
type DiffResultEvent struct {
	Meta
	Changes interface{} `json:"changes"`
}

// SnapshotResultEvent 快照操作结果事件
type SnapshotResultEvent struct {
	Meta
	Op    string   `json:"op"`
	Name  string   `json:"name,omitempty"`
	Names []string `json:"names,omitempty"`
}

// ResetCompleteEvent 会话复位完成事件，章节与世界文档不受影响
type ResetCompleteEvent struct {
	Meta
}

// UndoCompleteEvent 回合撤销完成事件
type UndoCompleteEvent struct {
	Meta
	RemovedSeq int `json:"removed_seq"`
}
