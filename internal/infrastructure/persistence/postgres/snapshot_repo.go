// Package postgres 提供 PostgreSQL Repository 实现
package postgres

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"fable-weaver-api/internal/domain/entity"
)

// SnapshotRepository 命名快照仓储实现
type SnapshotRepository struct {
	client *Client
}

// NewSnapshotRepository 创建命名快照仓储
func NewSnapshotRepository(client *Client) *SnapshotRepository {
	return &SnapshotRepository{client: client}
}

// Save 保存快照，同名覆盖
func (r *SnapshotRepository) Save(ctx context.Context, snapshot *entity.WorldStateSnapshot) error {
	ctx, span := tracer.Start(ctx, "postgres.SnapshotRepository.Save")
	defer span.End()

	db := getDB(ctx, r.client.db)
	if err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "story_id"}, {Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"document", "created_at"}),
	}).Create(snapshot).Error; err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// GetByName 按名称获取快照
func (r *SnapshotRepository) GetByName(ctx context.Context, storyID, name string) (*entity.WorldStateSnapshot, error) {
	ctx, span := tracer.Start(ctx, "postgres.SnapshotRepository.GetByName")
	defer span.End()

	db := getDB(ctx, r.client.db)
	var snapshot entity.WorldStateSnapshot
	if err := db.First(&snapshot, "story_id = ? AND name = ?", storyID, name).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}
	return &snapshot, nil
}

// ListByStory 获取故事全部快照
func (r *SnapshotRepository) ListByStory(ctx context.Context, storyID string) ([]*entity.WorldStateSnapshot, error) {
	ctx, span := tracer.Start(ctx, "postgres.SnapshotRepository.ListByStory")
	defer span.End()

	db := getDB(ctx, r.client.db)
	var snapshots []*entity.WorldStateSnapshot
	if err := db.Where("story_id = ?", storyID).
		Order("created_at DESC").
		Find(&snapshots).Error; err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	return snapshots, nil
}

// Delete 按名称删除快照
func (r *SnapshotRepository) Delete(ctx context.Context, storyID, name string) error {
	ctx, span := tracer.Start(ctx, "postgres.SnapshotRepository.Delete")
	defer span.End()

	db := getDB(ctx, r.client.db)
	if err := db.Delete(&entity.WorldStateSnapshot{}, "story_id = ? AND name = ?", storyID, name).Error; err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	return nil
}
