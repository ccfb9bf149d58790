// Package postgres 提供 PostgreSQL Repository 实现
package postgres

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"fable-weaver-api/internal/domain/entity"
)

// ChapterRepository 章节仓储实现
type ChapterRepository struct {
	client *Client
}

// NewChapterRepository 创建章节仓储
func NewChapterRepository(client *Client) *ChapterRepository {
	return &ChapterRepository{client: client}
}

// Create 创建章节
func (r *ChapterRepository) Create(ctx context.Context, chapter *entity.Chapter) error {
	ctx, span := tracer.Start(ctx, "postgres.ChapterRepository.Create")
	defer span.End()

	db := getDB(ctx, r.client.db)
	if err := db.Create(chapter).Error; err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to create chapter: %w", err)
	}
	return nil
}

// GetByID 根据 ID 获取章节
func (r *ChapterRepository) GetByID(ctx context.Context, id string) (*entity.Chapter, error) {
	ctx, span := tracer.Start(ctx, "postgres.ChapterRepository.GetByID")
	defer span.End()

	db := getDB(ctx, r.client.db)
	var chapter entity.Chapter
	if err := db.First(&chapter, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get chapter: %w", err)
	}
	return &chapter, nil
}

// ListByStory 获取故事全部章节（按序号升序）
func (r *ChapterRepository) ListByStory(ctx context.Context, storyID string) ([]*entity.Chapter, error) {
	ctx, span := tracer.Start(ctx, "postgres.ChapterRepository.ListByStory")
	defer span.End()

	db := getDB(ctx, r.client.db)
	var chapters []*entity.Chapter
	if err := db.Where("story_id = ?", storyID).
		Order("seq ASC").
		Find(&chapters).Error; err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to list chapters: %w", err)
	}
	return chapters, nil
}

// GetLast 获取故事最后一章
func (r *ChapterRepository) GetLast(ctx context.Context, storyID string) (*entity.Chapter, error) {
	ctx, span := tracer.Start(ctx, "postgres.ChapterRepository.GetLast")
	defer span.End()

	db := getDB(ctx, r.client.db)
	var chapter entity.Chapter
	if err := db.Where("story_id = ?", storyID).
		Order("seq DESC").
		First(&chapter).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get last chapter: %w", err)
	}
	return &chapter, nil
}

// CountByStory 统计故事章节数
func (r *ChapterRepository) CountByStory(ctx context.Context, storyID string) (int, error) {
	ctx, span := tracer.Start(ctx, "postgres.ChapterRepository.CountByStory")
	defer span.End()

	db := getDB(ctx, r.client.db)
	var total int64
	if err := db.Model(&entity.Chapter{}).
		Where("story_id = ?", storyID).
		Count(&total).Error; err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("failed to count chapters: %w", err)
	}
	return int(total), nil
}

// NextSeq 获取下一个序号
func (r *ChapterRepository) NextSeq(ctx context.Context, storyID string) (int, error) {
	last, err := r.GetLast(ctx, storyID)
	if err != nil {
		return 0, err
	}
	if last == nil {
		return 1, nil
	}
	return last.Seq + 1, nil
}

// Delete 删除章节并重排后续章节序号
func (r *ChapterRepository) Delete(ctx context.Context, id string) error {
	ctx, span := tracer.Start(ctx, "postgres.ChapterRepository.Delete")
	defer span.End()

	db := getDB(ctx, r.client.db)
	var chapter entity.Chapter
	if err := db.First(&chapter, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		span.RecordError(err)
		return fmt.Errorf("failed to load chapter for delete: %w", err)
	}

	if err := db.Delete(&entity.Chapter{}, "id = ?", id).Error; err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to delete chapter: %w", err)
	}

	// 后续章节序号前移，保持序号连续。
	// (story_id, seq) 唯一索引逐行校验，单步 seq-1 会与未更新的行
	// 瞬时撞号，先整体取负再翻回来规避。
	if err := db.Model(&entity.Chapter{}).
		Where("story_id = ? AND seq > ?", chapter.StoryID, chapter.Seq).
		UpdateColumn("seq", gorm.Expr("-seq")).Error; err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to resequence chapters: %w", err)
	}
	if err := db.Model(&entity.Chapter{}).
		Where("story_id = ? AND seq < 0", chapter.StoryID).
		UpdateColumn("seq", gorm.Expr("-seq - 1")).Error; err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to resequence chapters: %w", err)
	}
	return nil
}
