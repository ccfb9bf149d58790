// Package milvus 提供 Milvus 向量数据库访问层实现
package milvus

import (
	"strings"

	"github.com/milvus-io/milvus-sdk-go/v2/entity"
)

const (
	// CollectionLoreFindings 设定研究发现集合
	CollectionLoreFindings = "lore_findings"

	// VectorDimension 向量维度
	VectorDimension = 1536
)

// LoreFindingsSchema 研究发现 Collection Schema
func LoreFindingsSchema() *entity.Schema {
	return &entity.Schema{
		CollectionName: CollectionLoreFindings,
		Description:    "Research findings for semantic retrieval during chapter generation",
		Fields: []*entity.Field{
			{
				Name:       "id",
				DataType:   entity.FieldTypeVarChar,
				PrimaryKey: true,
				AutoID:     false,
				TypeParams: map[string]string{
					"max_length": "64",
				},
			},
			{
				Name:     "vector",
				DataType: entity.FieldTypeFloatVector,
				TypeParams: map[string]string{
					"dim": "1536",
				},
			},
			{
				Name:     "story_id",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "64",
				},
			},
			{
				Name:     "angle",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "128",
				},
			},
			{
				Name:     "created_at",
				DataType: entity.FieldTypeInt64,
			},
			{
				Name:     "text_content",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "65535",
				},
			},
		},
	}
}

// LoreFinding 研究发现数据结构
type LoreFinding struct {
	ID          string    `json:"id"`
	Vector      []float32 `json:"vector"`
	StoryID     string    `json:"story_id"`
	Angle       string    `json:"angle"`
	CreatedAt   int64     `json:"created_at"`
	TextContent string    `json:"text_content"`
}

// PartitionName 生成分区名称（Milvus 分区名仅允许字母、数字和下划线）
func PartitionName(storyID string) string {
	return "story_" + strings.ReplaceAll(storyID, "-", "_")
}
