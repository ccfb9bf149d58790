// Package entity 定义领域实体
package entity

import (
	"time"

	"github.com/google/uuid"
)

// WorldStateSnapshot 命名世界状态快照
// 同一故事内名称唯一，覆盖保存由仓储层以 upsert 实现。
type WorldStateSnapshot struct {
	ID        string      `json:"id" gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	StoryID   string      `json:"story_id" gorm:"type:uuid;index:idx_snapshots_story_name,unique;not null"`
	Name      string      `json:"name" gorm:"type:varchar(128);index:idx_snapshots_story_name,unique;not null"`
	Document  *WorldBible `json:"document" gorm:"type:jsonb;serializer:json;not null"`
	CreatedAt time.Time   `json:"created_at" gorm:"autoCreateTime"`
}

// TableName 指定表名
func (WorldStateSnapshot) TableName() string {
	return "world_state_snapshots"
}

// NewWorldStateSnapshot 创建命名快照
func NewWorldStateSnapshot(storyID, name string, doc *WorldBible) *WorldStateSnapshot {
	return &WorldStateSnapshot{
		ID:        uuid.NewString(),
		StoryID:   storyID,
		Name:      name,
		Document:  doc.Clone(),
		CreatedAt: time.Now(),
	}
}
