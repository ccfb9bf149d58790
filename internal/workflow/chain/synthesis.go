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

type SynthesisChain struct {
	registry *workflowprompt.Registry
	invoker  workflowport.Invoker
}

func NewSynthesisChain(registry *workflowprompt.Registry, invoker workflowport.Invoker) *SynthesisChain {
	return &SynthesisChain{registry: registry, invoker: invoker}
}

// Run 把各角度的调研笔记合并为结构化世界文档。
// 已有文档作为底稿，模型输出按节覆盖，未提及的节保留原值。
func (c *SynthesisChain) Run(ctx context.Context, in *wfmodel.SynthesisInput) (*entity.WorldBible, error) {
	if c == nil || c.invoker == nil {
		return nil, fmt.Errorf("synthesis chain not configured")
	}
	if in == nil {
		return nil, fmt.Errorf("input is nil")
	}
	if len(in.Findings) == 0 {
		return nil, fmt.Errorf("no research findings to synthesize")
	}

	tpl, err := c.registry.ChatTemplate(workflowprompt.PromptSynthesisV1)
	if err != nil {
		return nil, err
	}
	msgs, err := tpl.Format(ctx, map[string]any{
		"universe": in.Universe,
		"premise":  in.Premise,
		"existing": marshalWorldState(in.Existing),
		"findings": formatFindings(in.Findings),
	})
	if err != nil {
		return nil, fmt.Errorf("format synthesis prompt: %w", err)
	}

	out, err := c.invoker.Invoke(ctx, msgs)
	if err != nil {
		return nil, err
	}

	raw := wfnode.ExtractJSONObject(out.Content)
	var parsed entity.WorldBible
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, fmt.Errorf("decode world document: %w", err)
	}

	if in.Existing == nil || in.Existing.IsEmpty() {
		return &parsed, nil
	}
	merged := in.Existing.Clone()
	merged.Merge(&parsed)
	return merged, nil
}
