package port

import (
	"context"

	wfmodel "fable-weaver-api/internal/workflow/model"
)

// LoreMemory 调研成果的向量化长期记忆
type LoreMemory interface {
	StoreFindings(ctx context.Context, storyID string, findings []wfmodel.ResearchFinding) error
	Retrieve(ctx context.Context, storyID string, query string) ([]string, error)
	Forget(ctx context.Context, storyID string) error
}
