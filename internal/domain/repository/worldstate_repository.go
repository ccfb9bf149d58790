// Package repository 定义数据访问层接口
package repository

import (
	"context"

	"fable-weaver-api/internal/domain/entity"
)

// WorldStateRepository 世界状态仓储接口
type WorldStateRepository interface {
	// Create 创建世界状态
	Create(ctx context.Context, state *entity.WorldState) error

	// GetByStory 获取故事的世界状态
	GetByStory(ctx context.Context, storyID string) (*entity.WorldState, error)

	// Save 整体保存世界状态文档
	Save(ctx context.Context, state *entity.WorldState) error
}

// SnapshotRepository 命名快照仓储接口
type SnapshotRepository interface {
	// Save 保存快照，同名覆盖
	Save(ctx context.Context, snapshot *entity.WorldStateSnapshot) error

	// GetByName 按名称获取快照
	GetByName(ctx context.Context, storyID, name string) (*entity.WorldStateSnapshot, error)

	// ListByStory 获取故事全部快照（按创建时间降序）
	ListByStory(ctx context.Context, storyID string) ([]*entity.WorldStateSnapshot, error)

	// Delete 按名称删除快照
	Delete(ctx context.Context, storyID, name string) error
}
