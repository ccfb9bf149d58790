// Package milvus 提供 Milvus 向量数据库访问层实现
package milvus

import (
	"context"
	"fmt"

	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Repository 研究发现向量仓储
type Repository struct {
	client *Client
}

// NewRepository 创建向量仓储
func NewRepository(client *Client) *Repository {
	return &Repository{client: client}
}

// SearchParams 检索参数
type SearchParams struct {
	StoryID     string
	QueryVector []float32
	TopK        int
}

// SearchResult 检索结果
type SearchResult struct {
	ID          string
	Score       float32
	Angle       string
	TextContent string
}

// EnsureCollection 确保研究发现集合存在并已加载
func (r *Repository) EnsureCollection(ctx context.Context) error {
	if r == nil || r.client == nil || r.client.milvus == nil {
		return fmt.Errorf("milvus client not configured")
	}
	ctx, span := tracer.Start(ctx, "milvus.EnsureCollection")
	defer span.End()

	has, err := r.client.HasCollection(ctx, CollectionLoreFindings)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to check collection: %w", err)
	}

	collName := r.client.CollectionName(CollectionLoreFindings)
	if !has {
		schema := LoreFindingsSchema()
		schema.CollectionName = collName
		if err := r.client.milvus.CreateCollection(ctx, schema, entity.DefaultShardNumber); err != nil {
			span.RecordError(err)
			return fmt.Errorf("failed to create collection: %w", err)
		}

		idx, err := entity.NewIndexHNSW(entity.COSINE, 16, 200)
		if err != nil {
			span.RecordError(err)
			return fmt.Errorf("failed to build index definition: %w", err)
		}
		if err := r.client.milvus.CreateIndex(ctx, collName, "vector", idx, false); err != nil {
			span.RecordError(err)
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	if err := r.client.milvus.LoadCollection(ctx, collName, false); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to load collection: %w", err)
	}
	return nil
}

// InsertFindings 插入研究发现
func (r *Repository) InsertFindings(ctx context.Context, storyID string, findings []*LoreFinding) error {
	if r == nil || r.client == nil || r.client.milvus == nil {
		return fmt.Errorf("milvus client not configured")
	}
	if len(findings) == 0 {
		return nil
	}
	ctx, span := tracer.Start(ctx, "milvus.InsertFindings",
		trace.WithAttributes(
			attribute.String("story_id", storyID),
			attribute.Int("count", len(findings)),
		))
	defer span.End()

	collName := r.client.CollectionName(CollectionLoreFindings)
	partitionName := PartitionName(storyID)

	// 确保分区存在
	has, _ := r.client.milvus.HasPartition(ctx, collName, partitionName)
	if !has {
		if err := r.client.milvus.CreatePartition(ctx, collName, partitionName); err != nil {
			span.RecordError(err)
			return fmt.Errorf("failed to create partition: %w", err)
		}
	}

	ids := make([]string, len(findings))
	vectors := make([][]float32, len(findings))
	storyIDs := make([]string, len(findings))
	angles := make([]string, len(findings))
	createdAts := make([]int64, len(findings))
	texts := make([]string, len(findings))

	for i, f := range findings {
		ids[i] = f.ID
		vectors[i] = f.Vector
		storyIDs[i] = f.StoryID
		angles[i] = f.Angle
		createdAts[i] = f.CreatedAt
		texts[i] = f.TextContent
	}

	idCol := entity.NewColumnVarChar("id", ids)
	vectorCol := entity.NewColumnFloatVector("vector", VectorDimension, vectors)
	storyCol := entity.NewColumnVarChar("story_id", storyIDs)
	angleCol := entity.NewColumnVarChar("angle", angles)
	createdCol := entity.NewColumnInt64("created_at", createdAts)
	textCol := entity.NewColumnVarChar("text_content", texts)

	_, err := r.client.milvus.Insert(ctx, collName, partitionName,
		idCol, vectorCol, storyCol, angleCol, createdCol, textCol)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to insert findings: %w", err)
	}

	return nil
}

// SearchFindings 检索研究发现
func (r *Repository) SearchFindings(ctx context.Context, params *SearchParams) ([]*SearchResult, error) {
	if r == nil || r.client == nil || r.client.milvus == nil {
		return nil, fmt.Errorf("milvus client not configured")
	}
	ctx, span := tracer.Start(ctx, "milvus.SearchFindings",
		trace.WithAttributes(
			attribute.String("story_id", params.StoryID),
			attribute.Int("top_k", params.TopK),
		))
	defer span.End()

	collName := r.client.CollectionName(CollectionLoreFindings)
	partitionName := PartitionName(params.StoryID)

	// 分区尚未创建（故事还没做过研究）时直接返回空结果
	if has, err := r.client.milvus.HasPartition(ctx, collName, partitionName); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to check partition: %w", err)
	} else if !has {
		return []*SearchResult{}, nil
	}

	filter := fmt.Sprintf(`story_id == "%s"`, params.StoryID)

	sp, err := entity.NewIndexHNSWSearchParam(128)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to create search param: %w", err)
	}

	results, err := r.client.milvus.Search(ctx,
		collName,
		[]string{partitionName},
		filter,
		[]string{"id", "angle", "text_content"},
		[]entity.Vector{entity.FloatVector(params.QueryVector)},
		"vector",
		entity.COSINE,
		params.TopK,
		sp,
	)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	var searchResults []*SearchResult
	for _, result := range results {
		for i := 0; i < result.ResultCount; i++ {
			sr := &SearchResult{
				Score: result.Scores[i],
			}
			if idCol, ok := result.Fields.GetColumn("id").(*entity.ColumnVarChar); ok {
				sr.ID = idCol.Data()[i]
			}
			if angleCol, ok := result.Fields.GetColumn("angle").(*entity.ColumnVarChar); ok {
				sr.Angle = angleCol.Data()[i]
			}
			if textCol, ok := result.Fields.GetColumn("text_content").(*entity.ColumnVarChar); ok {
				sr.TextContent = textCol.Data()[i]
			}
			searchResults = append(searchResults, sr)
		}
	}

	span.SetAttributes(attribute.Int("result_count", len(searchResults)))
	return searchResults, nil
}

// DeleteByStory 删除故事的全部研究发现
func (r *Repository) DeleteByStory(ctx context.Context, storyID string) error {
	if r == nil || r.client == nil || r.client.milvus == nil {
		return fmt.Errorf("milvus client not configured")
	}
	ctx, span := tracer.Start(ctx, "milvus.DeleteByStory",
		trace.WithAttributes(attribute.String("story_id", storyID)))
	defer span.End()

	collName := r.client.CollectionName(CollectionLoreFindings)
	partitionName := PartitionName(storyID)

	if has, err := r.client.milvus.HasPartition(ctx, collName, partitionName); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to check partition: %w", err)
	} else if !has {
		return nil
	}

	filter := fmt.Sprintf(`story_id == "%s"`, storyID)
	if err := r.client.milvus.Delete(ctx, collName, partitionName, filter); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to delete findings: %w", err)
	}
	return nil
}
