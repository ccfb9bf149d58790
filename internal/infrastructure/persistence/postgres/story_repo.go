// Package postgres 提供 PostgreSQL Repository 实现
package postgres

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"fable-weaver-api/internal/domain/entity"
	"fable-weaver-api/internal/domain/repository"
)

// StoryRepository 故事仓储实现
type StoryRepository struct {
	client *Client
}

// NewStoryRepository 创建故事仓储
func NewStoryRepository(client *Client) *StoryRepository {
	return &StoryRepository{client: client}
}

// Create 创建故事
func (r *StoryRepository) Create(ctx context.Context, story *entity.Story) error {
	ctx, span := tracer.Start(ctx, "postgres.StoryRepository.Create")
	defer span.End()

	db := getDB(ctx, r.client.db)
	if err := db.Create(story).Error; err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to create story: %w", err)
	}
	return nil
}

// GetByID 根据 ID 获取故事
func (r *StoryRepository) GetByID(ctx context.Context, id string) (*entity.Story, error) {
	ctx, span := tracer.Start(ctx, "postgres.StoryRepository.GetByID")
	defer span.End()

	db := getDB(ctx, r.client.db)
	var story entity.Story
	if err := db.First(&story, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get story: %w", err)
	}
	return &story, nil
}

// Update 更新故事
func (r *StoryRepository) Update(ctx context.Context, story *entity.Story) error {
	ctx, span := tracer.Start(ctx, "postgres.StoryRepository.Update")
	defer span.End()

	db := getDB(ctx, r.client.db)
	if err := db.Save(story).Error; err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to update story: %w", err)
	}
	return nil
}

// Delete 删除故事及其章节、世界状态与快照
func (r *StoryRepository) Delete(ctx context.Context, id string) error {
	ctx, span := tracer.Start(ctx, "postgres.StoryRepository.Delete")
	defer span.End()

	db := getDB(ctx, r.client.db)
	if err := db.Delete(&entity.Chapter{}, "story_id = ?", id).Error; err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to delete story chapters: %w", err)
	}
	if err := db.Delete(&entity.WorldState{}, "story_id = ?", id).Error; err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to delete story world state: %w", err)
	}
	if err := db.Delete(&entity.WorldStateSnapshot{}, "story_id = ?", id).Error; err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to delete story snapshots: %w", err)
	}
	if err := db.Delete(&entity.Story{}, "id = ?", id).Error; err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to delete story: %w", err)
	}
	return nil
}

// List 分页获取故事列表
func (r *StoryRepository) List(ctx context.Context, pagination repository.Pagination) (*repository.PagedResult[*entity.Story], error) {
	ctx, span := tracer.Start(ctx, "postgres.StoryRepository.List")
	defer span.End()

	db := getDB(ctx, r.client.db)
	query := db.Model(&entity.Story{})

	var total int64
	if err := query.Count(&total).Error; err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to count stories: %w", err)
	}

	var stories []*entity.Story
	if err := query.Order("created_at DESC").
		Offset(pagination.Offset()).
		Limit(pagination.Limit()).
		Find(&stories).Error; err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to list stories: %w", err)
	}

	return repository.NewPagedResult(stories, total, pagination), nil
}

// ListChildren 获取某故事的直接分支
func (r *StoryRepository) ListChildren(ctx context.Context, parentID string) ([]*entity.Story, error) {
	ctx, span := tracer.Start(ctx, "postgres.StoryRepository.ListChildren")
	defer span.End()

	db := getDB(ctx, r.client.db)
	var children []*entity.Story
	if err := db.Where("parent_story_id = ?", parentID).
		Order("created_at ASC").
		Find(&children).Error; err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to list child stories: %w", err)
	}
	return children, nil
}
