package chain

import (
	"context"
	"fmt"

	wfmodel "fable-weaver-api/internal/workflow/model"
	wfnode "fable-weaver-api/internal/workflow/node"
	workflowport "fable-weaver-api/internal/workflow/port"
	workflowprompt "fable-weaver-api/internal/workflow/prompt"
	"fable-weaver-api/pkg/logger"
)

// genericSummaryRunes 尾部解析失败时用正文开头截断充当摘要
const genericSummaryRunes = 200

type ChapterChain struct {
	registry *workflowprompt.Registry
	invoker  workflowport.Invoker
}

func NewChapterChain(registry *workflowprompt.Registry, invoker workflowport.Invoker) *ChapterChain {
	return &ChapterChain{registry: registry, invoker: invoker}
}

// Run 流式生成一章。onChunk 逐段回调正文，onRestart 在某次尝试
// 已吐出内容后失败重试时通知调用方清空已展示内容。
// 尾部解析失败不丢弃正文：降级为通用摘要和空选项。
func (c *ChapterChain) Run(ctx context.Context, in *wfmodel.ChapterInput, onChunk func(text string), onRestart func()) (*wfmodel.ChapterOutput, error) {
	if c == nil || c.invoker == nil {
		return nil, fmt.Errorf("chapter chain not configured")
	}
	if in == nil {
		return nil, fmt.Errorf("input is nil")
	}

	tpl, err := c.registry.ChatTemplate(workflowprompt.PromptChapterGenV1)
	if err != nil {
		return nil, err
	}
	msgs, err := tpl.Format(ctx, map[string]any{
		"premise":          in.Premise,
		"world_state":      marshalWorldState(in.WorldState),
		"recent_chapters":  formatRecentChapters(in.RecentChapters),
		"lore_context":     formatLoreContext(in.LoreContext),
		"question_answers": formatQuestionAnswers(in.QuestionAnswers),
		"user_action":      in.UserAction,
		"seq":              in.Seq,
		"min_words":        in.MinWords,
		"max_words":        in.MaxWords,
	})
	if err != nil {
		return nil, fmt.Errorf("format chapter prompt: %w", err)
	}

	full, err := c.invoker.Stream(ctx, msgs, onChunk, onRestart)
	if err != nil {
		return nil, err
	}

	out := &wfmodel.ChapterOutput{RawText: full}
	trailer, prose, ok := wfnode.ParseTrailer(full)
	if !ok {
		logger.Warn(ctx, "chapter trailer unparseable, degrading to generic summary",
			"story_id", in.StoryID,
			"seq", in.Seq,
			"text_len", len(full),
		)
		out.Prose = full
		out.Summary = wfnode.TruncateByRunes(full, genericSummaryRunes)
		return out, nil
	}

	out.Prose = prose
	out.Summary = trailer.Summary
	out.Choices = trailer.Choices
	out.Questions = trailer.Questions
	out.TrailerParsed = true
	if out.Summary == "" {
		out.Summary = wfnode.TruncateByRunes(prose, genericSummaryRunes)
	}
	return out, nil
}
