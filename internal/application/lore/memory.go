// Package lore 管理故事调研成果的向量化长期记忆
package lore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/embedding"
	"github.com/google/uuid"

	"fable-weaver-api/internal/config"
	"fable-weaver-api/internal/infrastructure/persistence/milvus"
	wfmodel "fable-weaver-api/internal/workflow/model"
	"fable-weaver-api/pkg/logger"
)

// chunkMaxRunes 单个片段的最大长度，过长的调研笔记按段落切分
const chunkMaxRunes = 1200

type Memory struct {
	embedder embedding.Embedder
	repo     *milvus.Repository
	topK     int
}

func NewMemory(embedder embedding.Embedder, repo *milvus.Repository, cfg *config.MilvusConfig) *Memory {
	topK := cfg.TopK
	if topK <= 0 {
		topK = 5
	}
	return &Memory{embedder: embedder, repo: repo, topK: topK}
}

// StoreFindings 将调研笔记切片、向量化并写入向量库
func (m *Memory) StoreFindings(ctx context.Context, storyID string, findings []wfmodel.ResearchFinding) error {
	if m == nil || m.embedder == nil || m.repo == nil {
		return fmt.Errorf("lore memory not configured")
	}
	if len(findings) == 0 {
		return nil
	}

	var texts []string
	var angles []string
	for _, f := range findings {
		for _, chunk := range splitChunks(f.Content, chunkMaxRunes) {
			texts = append(texts, chunk)
			angles = append(angles, f.Angle)
		}
	}
	if len(texts) == 0 {
		return nil
	}

	vectors, err := m.embedder.EmbedStrings(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed research findings: %w", err)
	}
	if len(vectors) != len(texts) {
		return fmt.Errorf("embedding count mismatch: got %d, want %d", len(vectors), len(texts))
	}

	now := time.Now().Unix()
	rows := make([]*milvus.LoreFinding, 0, len(texts))
	for i, text := range texts {
		rows = append(rows, &milvus.LoreFinding{
			ID:          uuid.NewString(),
			Vector:      toFloat32(vectors[i]),
			StoryID:     storyID,
			Angle:       angles[i],
			CreatedAt:   now,
			TextContent: text,
		})
	}

	logger.Info(ctx, "storing lore findings", "story_id", storyID, "chunks", len(rows))
	return m.repo.InsertFindings(ctx, storyID, rows)
}

// Retrieve 按语义检索与查询最相关的调研片段
func (m *Memory) Retrieve(ctx context.Context, storyID string, query string) ([]string, error) {
	if m == nil || m.embedder == nil || m.repo == nil {
		return nil, fmt.Errorf("lore memory not configured")
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}

	vectors, err := m.embedder.EmbedStrings(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed lore query: %w", err)
	}
	if len(vectors) == 0 {
		return nil, nil
	}

	results, err := m.repo.SearchFindings(ctx, &milvus.SearchParams{
		StoryID:     storyID,
		QueryVector: toFloat32(vectors[0]),
		TopK:        m.topK,
	})
	if err != nil {
		return nil, err
	}

	passages := make([]string, 0, len(results))
	for _, r := range results {
		passages = append(passages, r.TextContent)
	}
	return passages, nil
}

// Forget 删除一个故事的全部记忆（故事删除时调用）
func (m *Memory) Forget(ctx context.Context, storyID string) error {
	if m == nil || m.repo == nil {
		return nil
	}
	return m.repo.DeleteByStory(ctx, storyID)
}

// splitChunks 按空行切段后贪心合并，保持每片不超过 maxRunes
func splitChunks(text string, maxRunes int) []string {
	paragraphs := strings.Split(strings.TrimSpace(text), "\n\n")
	var chunks []string
	var current strings.Builder

	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			chunks = append(chunks, s)
		}
		current.Reset()
	}

	for _, p := range paragraphs {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if current.Len() > 0 && len([]rune(current.String()))+len([]rune(p)) > maxRunes {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(p)
	}
	flush()
	return chunks
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, f := range v {
		out[i] = float32(f)
	}
	return out
}
