// Package chain 按阶段封装对语言模型的调用
package chain

import (
	"context"
	"fmt"

	"fable-weaver-api/internal/domain/entity"
	wfmodel "fable-weaver-api/internal/workflow/model"
	workflowport "fable-weaver-api/internal/workflow/port"
	workflowprompt "fable-weaver-api/internal/workflow/prompt"
)

// quickAngles 快速调研只跑一个综合角度
var quickAngles = []string{
	"core premise, immediate context and protagonist situation",
}

// deepAngles 深度调研的并行角度，彼此不重叠
var deepAngles = []string{
	"timeline position and major upcoming events",
	"characters, factions and their relationships",
	"power system rules, limitations and costs",
	"scene-level examples of how abilities are used in practice",
}

// AnglesFor 返回给定调研深度的角度列表
func AnglesFor(depth wfmodel.ResearchDepth) []string {
	if depth == wfmodel.ResearchDeep {
		return deepAngles
	}
	return quickAngles
}

type ResearchChain struct {
	registry *workflowprompt.Registry
	invoker  workflowport.Invoker
}

func NewResearchChain(registry *workflowprompt.Registry, invoker workflowport.Invoker) *ResearchChain {
	return &ResearchChain{registry: registry, invoker: invoker}
}

// RunAngle 执行单个调研角度；并行扇出由上层编排
func (c *ResearchChain) RunAngle(ctx context.Context, in *wfmodel.ResearchInput, angle string) (wfmodel.ResearchFinding, error) {
	if c == nil || c.invoker == nil {
		return wfmodel.ResearchFinding{}, fmt.Errorf("research chain not configured")
	}
	if in == nil {
		return wfmodel.ResearchFinding{}, fmt.Errorf("input is nil")
	}

	tpl, err := c.registry.ChatTemplate(workflowprompt.PromptResearchV1)
	if err != nil {
		return wfmodel.ResearchFinding{}, err
	}
	msgs, err := tpl.Format(ctx, map[string]any{
		"universe": in.Universe,
		"premise":  in.Premise,
		"angle":    angle,
		"existing": marshalWorldState(in.Existing),
	})
	if err != nil {
		return wfmodel.ResearchFinding{}, fmt.Errorf("format research prompt: %w", err)
	}

	out, err := c.invoker.Invoke(ctx, msgs)
	if err != nil {
		return wfmodel.ResearchFinding{}, err
	}
	return wfmodel.ResearchFinding{Angle: angle, Content: out.Content}, nil
}

// AnswerQuery 回答会话中的一次性设定提问，不推进剧情
func (c *ResearchChain) AnswerQuery(ctx context.Context, worldState *entity.WorldBible, question string) (string, error) {
	if c == nil || c.invoker == nil {
		return "", fmt.Errorf("research chain not configured")
	}

	tpl, err := c.registry.ChatTemplate(workflowprompt.PromptLoreQueryV1)
	if err != nil {
		return "", err
	}
	msgs, err := tpl.Format(ctx, map[string]any{
		"world_state": marshalWorldState(worldState),
		"question":    question,
	})
	if err != nil {
		return "", fmt.Errorf("format lore query prompt: %w", err)
	}

	out, err := c.invoker.Invoke(ctx, msgs)
	if err != nil {
		return "", err
	}
	return out.Content, nil
}
