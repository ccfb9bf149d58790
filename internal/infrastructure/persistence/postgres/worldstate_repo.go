// Package postgres 提供 PostgreSQL Repository 实现
package postgres

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"fable-weaver-api/internal/domain/entity"
)

// WorldStateRepository 世界状态仓储实现
type WorldStateRepository struct {
	client *Client
}

// NewWorldStateRepository 创建世界状态仓储
func NewWorldStateRepository(client *Client) *WorldStateRepository {
	return &WorldStateRepository{client: client}
}

// Create 创建世界状态
func (r *WorldStateRepository) Create(ctx context.Context, state *entity.WorldState) error {
	ctx, span := tracer.Start(ctx, "postgres.WorldStateRepository.Create")
	defer span.End()

	db := getDB(ctx, r.client.db)
	if err := db.Create(state).Error; err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to create world state: %w", err)
	}
	return nil
}

// GetByStory 获取故事的世界状态
func (r *WorldStateRepository) GetByStory(ctx context.Context, storyID string) (*entity.WorldState, error) {
	ctx, span := tracer.Start(ctx, "postgres.WorldStateRepository.GetByStory")
	defer span.End()

	db := getDB(ctx, r.client.db)
	var state entity.WorldState
	if err := db.First(&state, "story_id = ?", storyID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get world state: %w", err)
	}
	return &state, nil
}

// Save 整体保存世界状态文档
func (r *WorldStateRepository) Save(ctx context.Context, state *entity.WorldState) error {
	ctx, span := tracer.Start(ctx, "postgres.WorldStateRepository.Save")
	defer span.End()

	db := getDB(ctx, r.client.db)
	if err := db.Save(state).Error; err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to save world state: %w", err)
	}
	return nil
}
