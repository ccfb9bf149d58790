package chain

import (
	"context"
	"encoding/json"
	"fmt"

	"fable-weaver-api/internal/domain/entity"
	wfmodel "fable-weaver-api/internal/workflow/model"
	wfnode "fable-weaver-api/internal/workflow/node"
	workflowport "fable-weaver-api/internal/workflow/port"
	workflowprompt "fable-weaver-api/internal/workflow/prompt"
)

type ArchivistChain struct {
	registry *workflowprompt.Registry
	invoker  workflowport.Invoker
}

func NewArchivistChain(registry *workflowprompt.Registry, invoker workflowport.Invoker) *ArchivistChain {
	return &ArchivistChain{registry: registry, invoker: invoker}
}

// Run 根据刚生成的章节更新世界文档，返回合并后的完整文档。
// 模型漏掉的节以更新前的文档兜底，不会因为一次归档丢字段。
func (c *ArchivistChain) Run(ctx context.Context, in *wfmodel.ArchiveInput) (*entity.WorldBible, error) {
	if c == nil || c.invoker == nil {
		return nil, fmt.Errorf("archivist chain not configured")
	}
	if in == nil {
		return nil, fmt.Errorf("input is nil")
	}

	tpl, err := c.registry.ChatTemplate(workflowprompt.PromptArchivistV1)
	if err != nil {
		return nil, err
	}
	msgs, err := tpl.Format(ctx, map[string]any{
		"world_state":     marshalWorldState(in.WorldState),
		"seq":             in.Seq,
		"user_action":     in.UserAction,
		"chapter_text":    in.ChapterText,
		"chapter_summary": in.ChapterSummary,
	})
	if err != nil {
		return nil, fmt.Errorf("format archivist prompt: %w", err)
	}

	out, err := c.invoker.Invoke(ctx, msgs)
	if err != nil {
		return nil, err
	}

	raw := wfnode.ExtractJSONObject(out.Content)
	var parsed entity.WorldBible
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, fmt.Errorf("decode updated world document: %w", err)
	}

	if in.WorldState == nil || in.WorldState.IsEmpty() {
		return &parsed, nil
	}
	merged := in.WorldState.Clone()
	merged.Merge(&parsed)
	return merged, nil
}
