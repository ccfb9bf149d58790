// Package repository 定义数据访问层接口
package repository

import (
	"context"

	"fable-weaver-api/internal/domain/entity"
)

// StoryRepository 故事仓储接口
type StoryRepository interface {
	// Create 创建故事
	Create(ctx context.Context, story *entity.Story) error

	// GetByID 根据 ID 获取故事
	GetByID(ctx context.Context, id string) (*entity.Story, error)

	// Update 更新故事
	Update(ctx context.Context, story *entity.Story) error

	// Delete 删除故事（级联删除章节、世界状态与快照）
	Delete(ctx context.Context, id string) error

	// List 分页获取故事列表
	List(ctx context.Context, pagination Pagination) (*PagedResult[*entity.Story], error)

	// ListChildren 获取某故事的直接分支（按创建时间排序）
	ListChildren(ctx context.Context, parentID string) ([]*entity.Story, error)
}
