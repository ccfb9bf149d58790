// Package entity 定义领域实体
package entity

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Chapter 章节实体
// Seq 在单个故事内严格递增且无空洞；删除章节后由仓储负责重排后续序号。
// PreTurnState 保存本回合开始前的世界状态快照，供撤销与差异对比使用。
type Chapter struct {
	ID           string      `json:"id" gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	StoryID      string      `json:"story_id" gorm:"type:uuid;index:idx_chapters_story_seq,unique;not null"`
	Seq          int         `json:"seq" gorm:"index:idx_chapters_story_seq,unique;not null"`
	Title        string      `json:"title,omitempty" gorm:"type:varchar(255)"`
	Content      string      `json:"content" gorm:"type:text;not null"`
	Summary      string      `json:"summary,omitempty" gorm:"type:text"`
	Choices      []string    `json:"choices,omitempty" gorm:"type:jsonb;serializer:json"`
	UserAction   string      `json:"user_action,omitempty" gorm:"type:text"`
	PreTurnState *WorldBible `json:"pre_turn_state,omitempty" gorm:"type:jsonb;serializer:json"`
	WordCount    int         `json:"word_count" gorm:"default:0"`
	CreatedAt    time.Time   `json:"created_at" gorm:"autoCreateTime"`
}

// TableName 指定表名
func (Chapter) TableName() string {
	return "chapters"
}

// NewChapter 创建新章节
func NewChapter(storyID string, seq int, content string) *Chapter {
	return &Chapter{
		ID:        uuid.NewString(),
		StoryID:   storyID,
		Seq:       seq,
		Content:   content,
		WordCount: len(strings.Fields(content)),
		CreatedAt: time.Now(),
	}
}
