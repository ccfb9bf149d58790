// Package repository 定义数据访问层接口
package repository

import (
	"context"

	"fable-weaver-api/internal/domain/entity"
)

// ChapterRepository 章节仓储接口
type ChapterRepository interface {
	// Create 创建章节
	Create(ctx context.Context, chapter *entity.Chapter) error

	// GetByID 根据 ID 获取章节
	GetByID(ctx context.Context, id string) (*entity.Chapter, error)

	// ListByStory 获取故事全部章节（按序号升序）
	ListByStory(ctx context.Context, storyID string) ([]*entity.Chapter, error)

	// GetLast 获取故事最后一章，不存在时返回 nil
	GetLast(ctx context.Context, storyID string) (*entity.Chapter, error)

	// CountByStory 统计故事章节数
	CountByStory(ctx context.Context, storyID string) (int, error)

	// NextSeq 获取下一个序号（最后一章序号 + 1，空故事为 1）
	NextSeq(ctx context.Context, storyID string) (int, error)

	// Delete 删除章节并重排后续章节序号，保持序号无空洞
	Delete(ctx context.Context, id string) error
}
