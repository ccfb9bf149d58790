// Package entity 定义领域实体
package entity

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// WorldBible 世界圣经文档
// 上游生成模型产出的 JSON 不保证严格符合模式，已知段落解析为类型化结构，
// 未识别的顶层字段折叠进 Extra 侧表，序列化时原样还原，保证不丢数据。
type WorldBible struct {
	Meta                *MetaSection               `json:"meta,omitempty"`
	CharacterSheet      *CharacterSheet            `json:"character_sheet,omitempty"`
	Stakes              *StakesSection             `json:"stakes_and_consequences,omitempty"`
	CanonTimeline       []TimelineEvent            `json:"canon_timeline,omitempty"`
	StoryTimeline       []TimelineEvent            `json:"story_timeline,omitempty"`
	Divergences         []Divergence               `json:"divergences,omitempty"`
	CharacterVoices     map[string]string          `json:"character_voices,omitempty"`
	KnowledgeBoundaries *KnowledgeBoundaries       `json:"knowledge_boundaries,omitempty"`
	PowerOrigins        map[string]string          `json:"power_origins,omitempty"`
	Extra               map[string]json.RawMessage `json:"-"`
}

// MetaSection 故事元信息段落
type MetaSection struct {
	Title        string                     `json:"title,omitempty"`
	Genre        string                     `json:"genre,omitempty"`
	Tone         string                     `json:"tone,omitempty"`
	Premise      string                     `json:"premise,omitempty"`
	Setting      string                     `json:"setting,omitempty"`
	POVCharacter string                     `json:"pov_character,omitempty"`
	Extra        map[string]json.RawMessage `json:"-"`
}

// CharacterSheet 主角角色卡段落
type CharacterSheet struct {
	Name          string                     `json:"name,omitempty"`
	Background    string                     `json:"background,omitempty"`
	Personality   string                     `json:"personality,omitempty"`
	Motivation    string                     `json:"motivation,omitempty"`
	Skills        []string                   `json:"skills,omitempty"`
	Inventory     []string                   `json:"inventory,omitempty"`
	Relationships map[string]string          `json:"relationships,omitempty"`
	Extra         map[string]json.RawMessage `json:"-"`
}

// StakesSection 风险与后果段落
type StakesSection struct {
	Immediate    string                     `json:"immediate,omitempty"`
	LongTerm     string                     `json:"long_term,omitempty"`
	Consequences []string                   `json:"consequences,omitempty"`
	Extra        map[string]json.RawMessage `json:"-"`
}

// TimelineEventStatus 时间线事件状态
type TimelineEventStatus string

const (
	TimelineEventUpcoming  TimelineEventStatus = "upcoming"
	TimelineEventOccurred  TimelineEventStatus = "occurred"
	TimelineEventModified  TimelineEventStatus = "modified"
	TimelineEventPrevented TimelineEventStatus = "prevented"
)

// TimelineEvent 时间线事件
type TimelineEvent struct {
	ID           string              `json:"id,omitempty"`
	Time         string              `json:"time,omitempty"`
	Event        string              `json:"event"`
	Status       TimelineEventStatus `json:"status,omitempty"`
	Significance string              `json:"significance,omitempty"`
}

// Divergence 与正史的分歧记录
type Divergence struct {
	Chapter     int    `json:"chapter,omitempty"`
	Description string `json:"description"`
	Impact      string `json:"impact,omitempty"`
}

// KnowledgeBoundaries 角色认知边界段落
type KnowledgeBoundaries struct {
	Knows         []string                   `json:"knows,omitempty"`
	DoesNotKnow   []string                   `json:"does_not_know,omitempty"`
	DramaticIrony []string                   `json:"dramatic_irony,omitempty"`
	Extra         map[string]json.RawMessage `json:"-"`
}

// IsEmpty 文档是否为空
func (b *WorldBible) IsEmpty() bool {
	return b == nil || (b.Meta == nil && b.CharacterSheet == nil && b.Stakes == nil &&
		len(b.CanonTimeline) == 0 && len(b.StoryTimeline) == 0 && len(b.Divergences) == 0 &&
		len(b.CharacterVoices) == 0 && b.KnowledgeBoundaries == nil &&
		len(b.PowerOrigins) == 0 && len(b.Extra) == 0)
}

// Clone 深拷贝文档
func (b *WorldBible) Clone() *WorldBible {
	if b == nil {
		return nil
	}
	data, err := json.Marshal(b)
	if err != nil {
		return &WorldBible{}
	}
	var out WorldBible
	if err := json.Unmarshal(data, &out); err != nil {
		return &WorldBible{}
	}
	return &out
}

// mergeExtra 将类型化字段与侧表合并为单个映射；map 键在序列化时按字典序输出，
// 因此同一文档两次序列化字节一致。
func mergeExtra(typed any, extra map[string]json.RawMessage) ([]byte, error) {
	base, err := json.Marshal(typed)
	if err != nil {
		return nil, err
	}
	if len(extra) == 0 {
		return base, nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(base, &m); err != nil {
		return nil, err
	}
	for k, raw := range extra {
		if _, ok := m[k]; !ok {
			m[k] = raw
		}
	}
	return json.Marshal(m)
}

// splitExtra 解析 JSON 并将未知顶层键剥离进侧表
func splitExtra(data []byte, typed any, known ...string) (map[string]json.RawMessage, error) {
	if err := json.Unmarshal(data, typed); err != nil {
		return nil, err
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	for _, k := range known {
		delete(m, k)
	}
	if len(m) == 0 {
		return nil, nil
	}
	return m, nil
}

var worldBibleKeys = []string{
	"meta", "character_sheet", "stakes_and_consequences",
	"canon_timeline", "story_timeline", "divergences",
	"character_voices", "knowledge_boundaries", "power_origins",
}

// MarshalJSON 序列化文档，还原侧表字段
func (b WorldBible) MarshalJSON() ([]byte, error) {
	type alias WorldBible
	return mergeExtra(alias(b), b.Extra)
}

// UnmarshalJSON 反序列化文档，未识别字段进侧表
func (b *WorldBible) UnmarshalJSON(data []byte) error {
	type alias WorldBible
	var a alias
	extra, err := splitExtra(data, &a, worldBibleKeys...)
	if err != nil {
		return err
	}
	*b = WorldBible(a)
	b.Extra = extra
	return nil
}

// MarshalJSON 序列化元信息段落
func (s MetaSection) MarshalJSON() ([]byte, error) {
	type alias MetaSection
	return mergeExtra(alias(s), s.Extra)
}

// UnmarshalJSON 反序列化元信息段落
func (s *MetaSection) UnmarshalJSON(data []byte) error {
	type alias MetaSection
	var a alias
	extra, err := splitExtra(data, &a, "title", "genre", "tone", "premise", "setting", "pov_character")
	if err != nil {
		return err
	}
	*s = MetaSection(a)
	s.Extra = extra
	return nil
}

// MarshalJSON 序列化角色卡段落
func (s CharacterSheet) MarshalJSON() ([]byte, error) {
	type alias CharacterSheet
	return mergeExtra(alias(s), s.Extra)
}

// UnmarshalJSON 反序列化角色卡段落
func (s *CharacterSheet) UnmarshalJSON(data []byte) error {
	type alias CharacterSheet
	var a alias
	extra, err := splitExtra(data, &a, "name", "background", "personality", "motivation", "skills", "inventory", "relationships")
	if err != nil {
		return err
	}
	*s = CharacterSheet(a)
	s.Extra = extra
	return nil
}

// MarshalJSON 序列化风险段落
func (s StakesSection) MarshalJSON() ([]byte, error) {
	type alias StakesSection
	return mergeExtra(alias(s), s.Extra)
}

// UnmarshalJSON 反序列化风险段落
func (s *StakesSection) UnmarshalJSON(data []byte) error {
	type alias StakesSection
	var a alias
	extra, err := splitExtra(data, &a, "immediate", "long_term", "consequences")
	if err != nil {
		return err
	}
	*s = StakesSection(a)
	s.Extra = extra
	return nil
}

// MarshalJSON 序列化认知边界段落
func (s KnowledgeBoundaries) MarshalJSON() ([]byte, error) {
	type alias KnowledgeBoundaries
	return mergeExtra(alias(s), s.Extra)
}

// UnmarshalJSON 反序列化认知边界段落
func (s *KnowledgeBoundaries) UnmarshalJSON(data []byte) error {
	type alias KnowledgeBoundaries
	var a alias
	extra, err := splitExtra(data, &a, "knows", "does_not_know", "dramatic_irony")
	if err != nil {
		return err
	}
	*s = KnowledgeBoundaries(a)
	s.Extra = extra
	return nil
}

// WorldState 世界状态持久化实体，一个故事恰好拥有一份
type WorldState struct {
	ID        string      `json:"id" gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	StoryID   string      `json:"story_id" gorm:"type:uuid;uniqueIndex;not null"`
	Document  *WorldBible `json:"document" gorm:"type:jsonb;serializer:json;not null"`
	CreatedAt time.Time   `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time   `json:"updated_at" gorm:"autoUpdateTime"`
}

// TableName 指定表名
func (WorldState) TableName() string {
	return "world_states"
}

// NewWorldState 创建世界状态，doc 为 nil 时使用空文档
func NewWorldState(storyID string, doc *WorldBible) *WorldState {
	if doc == nil {
		doc = &WorldBible{}
	}
	now := time.Now()
	return &WorldState{
		ID:        uuid.NewString(),
		StoryID:   storyID,
		Document:  doc,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
