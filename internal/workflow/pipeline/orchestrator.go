// Package pipeline 编排一次回合经过的生成阶段
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"fable-weaver-api/internal/config"
	"fable-weaver-api/internal/domain/entity"
	"fable-weaver-api/internal/domain/repository"
	"fable-weaver-api/internal/workflow/chain"
	wfmodel "fable-weaver-api/internal/workflow/model"
	wfnode "fable-weaver-api/internal/workflow/node"
	workflowport "fable-weaver-api/internal/workflow/port"
	apperrors "fable-weaver-api/pkg/errors"
	"fable-weaver-api/pkg/logger"
	"fable-weaver-api/pkg/metrics"
)

var tracer = otel.Tracer("pipeline")

// Phase 流水线阶段
type Phase string

const (
	PhaseUninitialized Phase = "UNINITIALIZED"
	PhaseResearching   Phase = "RESEARCHING"
	PhaseSynthesizing  Phase = "SYNTHESIZING"
	PhaseFirstChapter  Phase = "FIRST_CHAPTER"
	PhaseReady         Phase = "READY"
	PhaseArchiving     Phase = "ARCHIVING"
	PhaseNextChapter   Phase = "NEXT_CHAPTER"
)

// recentChapterWindow 提示词中携带的近期章节摘要条数
const recentChapterWindow = 5

// truncationThreshold 超过该长度仍无尾部视为输出被截断
const truncationThreshold = 2000

// Events 回合执行期间的回调，全部可为 nil
type Events struct {
	OnPhase   func(phase Phase)
	OnDelta   func(sender, text string)
	OnRestart func()
}

func (e Events) emitPhase(p Phase) {
	if e.OnPhase != nil {
		e.OnPhase(p)
	}
}

func (e Events) emitDelta(sender, text string) {
	if e.OnDelta != nil {
		e.OnDelta(sender, text)
	}
}

// TurnResult 一次回合的产出
type TurnResult struct {
	Chapter   *entity.Chapter
	Summary   string
	Choices   []string
	Questions []wfmodel.ClarifyingQuestion
	Degraded  bool
	Truncated bool
}

// StoryCache 回合提交后失效相关缓存
type StoryCache interface {
	InvalidateStory(ctx context.Context, storyID string) error
}

type Orchestrator struct {
	stories     repository.StoryRepository
	chapters    repository.ChapterRepository
	worldstates repository.WorldStateRepository
	tx          repository.Transactor

	research  *chain.ResearchChain
	synthesis *chain.SynthesisChain
	chapter   *chain.ChapterChain
	archivist *chain.ArchivistChain

	lore  workflowport.LoreMemory // 可为 nil（向量库未启用）
	cache StoryCache              // 可为 nil

	cfg *config.PipelineConfig

	mu      sync.Mutex
	running map[string]Phase
}

func NewOrchestrator(
	stories repository.StoryRepository,
	chapters repository.ChapterRepository,
	worldstates repository.WorldStateRepository,
	tx repository.Transactor,
	research *chain.ResearchChain,
	synthesis *chain.SynthesisChain,
	chapterChain *chain.ChapterChain,
	archivist *chain.ArchivistChain,
	lore workflowport.LoreMemory,
	cache StoryCache,
	cfg *config.PipelineConfig,
) *Orchestrator {
	return &Orchestrator{
		stories:     stories,
		chapters:    chapters,
		worldstates: worldstates,
		tx:          tx,
		research:    research,
		synthesis:   synthesis,
		chapter:     chapterChain,
		archivist:   archivist,
		lore:        lore,
		cache:       cache,
		cfg:         cfg,
		running:     make(map[string]Phase),
	}
}

// Processing 该故事是否有进行中的回合
func (o *Orchestrator) Processing(storyID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.running[storyID]
	return ok
}

// Phase 返回进行中回合的当前阶段；空闲时返回 READY
func (o *Orchestrator) Phase(storyID string) Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	if p, ok := o.running[storyID]; ok {
		return p
	}
	return PhaseReady
}

// begin 占用单回合槽位；同一故事同时只允许一个进行中的回合
func (o *Orchestrator) begin(storyID string, initial Phase) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.running[storyID]; ok {
		return apperrors.ErrTurnInFlight
	}
	o.running[storyID] = initial
	return nil
}

func (o *Orchestrator) end(storyID string) {
	o.mu.Lock()
	delete(o.running, storyID)
	o.mu.Unlock()
}

// Reset 强制释放故事的回合槽位，用于恢复异常残留的会话。
// 已落库的章节与世界文档不受影响。
func (o *Orchestrator) Reset(storyID string) {
	o.mu.Lock()
	delete(o.running, storyID)
	o.mu.Unlock()
	logger.Info(context.Background(), "pipeline slot reset", "story_id", storyID)
}

func (o *Orchestrator) setPhase(ctx context.Context, storyID string, p Phase, ev Events) {
	o.mu.Lock()
	if _, ok := o.running[storyID]; ok {
		o.running[storyID] = p
	}
	o.mu.Unlock()

	logger.Info(ctx, "pipeline phase transition", "story_id", storyID, "phase", string(p))
	ev.emitPhase(p)
}

// Initialize 从空白故事跑到第一章：
// UNINITIALIZED → RESEARCHING → SYNTHESIZING → FIRST_CHAPTER → READY
func (o *Orchestrator) Initialize(ctx context.Context, story *entity.Story, depth wfmodel.ResearchDepth, ev Events) (*TurnResult, error) {
	ctx, span := tracer.Start(ctx, "pipeline.Initialize", trace.WithAttributes(
		attribute.String("story.id", story.ID),
	))
	defer span.End()

	if story.IsInitialized() {
		return nil, apperrors.ErrStoryInitialized
	}
	if err := o.begin(story.ID, PhaseResearching); err != nil {
		return nil, err
	}
	defer o.end(story.ID)

	ev.emitPhase(PhaseResearching)
	findings, err := o.runResearch(ctx, story, depth, "", nil)
	if err != nil {
		metrics.TurnsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	o.setPhase(ctx, story.ID, PhaseSynthesizing, ev)
	bible, err := o.runSynthesis(ctx, story, findings, nil)
	if err != nil {
		metrics.TurnsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	// 世界文档先行落库，首章失败不丢调研成果
	if err := o.saveWorldState(ctx, story.ID, bible); err != nil {
		return nil, err
	}
	o.storeLore(ctx, story.ID, findings)

	o.setPhase(ctx, story.ID, PhaseFirstChapter, ev)
	result, err := o.generateAndCommit(ctx, story, bible, bible, "Begin the story from the premise.", nil, ev, func(ctx context.Context) error {
		story.MarkReady()
		return o.stories.Update(ctx, story)
	})
	if err != nil {
		metrics.TurnsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	o.setPhase(ctx, story.ID, PhaseReady, ev)
	metrics.TurnsTotal.WithLabelValues("complete").Inc()
	return result, nil
}

// Turn 执行常规回合：READY → ARCHIVING → NEXT_CHAPTER → READY。
// 归档产生的世界文档增量与新章节在同一事务提交，
// 章节生成失败时世界文档保持回合前的状态。
func (o *Orchestrator) Turn(ctx context.Context, story *entity.Story, userAction string, answers map[string]string, ev Events) (*TurnResult, error) {
	ctx, span := tracer.Start(ctx, "pipeline.Turn", trace.WithAttributes(
		attribute.String("story.id", story.ID),
	))
	defer span.End()

	if !story.IsInitialized() {
		return nil, apperrors.ErrInvalidParam.WithDetail("story is not initialized yet")
	}
	if err := o.begin(story.ID, PhaseArchiving); err != nil {
		return nil, err
	}
	defer o.end(story.ID)

	state, err := o.worldstates.GetByStory(ctx, story.ID)
	if err != nil {
		return nil, err
	}
	if state == nil || state.Document == nil {
		return nil, apperrors.ErrWorldStateNotFound
	}
	preTurn := state.Document.Clone()

	lastChapter, err := o.chapters.GetLast(ctx, story.ID)
	if err != nil {
		return nil, err
	}

	ev.emitPhase(PhaseArchiving)
	updated := state.Document
	if lastChapter != nil {
		archiveStart := time.Now()
		updated, err = o.archivist.Run(ctx, &wfmodel.ArchiveInput{
			StoryID:        story.ID,
			WorldState:     state.Document,
			ChapterText:    lastChapter.Content,
			ChapterSummary: lastChapter.Summary,
			UserAction:     userAction,
			Seq:            lastChapter.Seq,
		})
		metrics.PhaseDuration.WithLabelValues(string(PhaseArchiving)).Observe(time.Since(archiveStart).Seconds())
		if err != nil {
			metrics.TurnsTotal.WithLabelValues("error").Inc()
			return nil, err
		}
	}

	o.setPhase(ctx, story.ID, PhaseNextChapter, ev)
	result, err := o.generateAndCommit(ctx, story, updated, preTurn, userAction, answers, ev, nil)
	if err != nil {
		metrics.TurnsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	o.setPhase(ctx, story.ID, PhaseReady, ev)
	metrics.TurnsTotal.WithLabelValues("complete").Inc()
	return result, nil
}

// ResearchResult 独立调研请求的结果
type ResearchResult struct {
	// Answer 针对提问的回答；未提问时为空
	Answer string
	// Changes 本次调研对世界文档的逐节改动
	Changes []entity.SectionChange
	// Document 增补后的世界文档
	Document *entity.WorldBible
}

// Research 独立调研：在既有世界文档基础上扇出调研并把合成结果
// 合并回文档落库，不生成章节、不推进序号。与普通回合共用
// 单回合槽位，进行中时并发动作被拒绝。
func (o *Orchestrator) Research(ctx context.Context, story *entity.Story, depth wfmodel.ResearchDepth, question string, ev Events) (*ResearchResult, error) {
	ctx, span := tracer.Start(ctx, "pipeline.Research", trace.WithAttributes(
		attribute.String("story.id", story.ID),
		attribute.String("research.depth", string(depth)),
	))
	defer span.End()

	state, err := o.worldstates.GetByStory(ctx, story.ID)
	if err != nil {
		return nil, err
	}
	if state == nil || state.Document == nil {
		return nil, apperrors.ErrWorldStateNotFound.WithDetail("initialize the story first")
	}
	if err := o.begin(story.ID, PhaseResearching); err != nil {
		return nil, err
	}
	defer o.end(story.ID)

	ev.emitPhase(PhaseResearching)
	existing := state.Document
	before := existing.Clone()
	findings, err := o.runResearch(ctx, story, depth, question, existing)
	if err != nil {
		return nil, err
	}

	o.setPhase(ctx, story.ID, PhaseSynthesizing, ev)
	merged, err := o.runSynthesis(ctx, story, findings, existing)
	if err != nil {
		return nil, err
	}

	if err := o.saveWorldState(ctx, story.ID, merged); err != nil {
		return nil, err
	}
	o.storeLore(ctx, story.ID, findings)
	o.invalidateCache(ctx, story.ID)

	result := &ResearchResult{Document: merged, Changes: merged.Diff(before)}
	if question != "" {
		answer, err := o.research.AnswerQuery(ctx, merged, question)
		if err != nil {
			// 增补已落库，回答失败只降级不报错
			logger.Warn(ctx, "research answer failed", "story_id", story.ID, "error", err.Error())
		} else {
			result.Answer = answer
		}
	}

	o.setPhase(ctx, story.ID, PhaseReady, ev)
	logger.Info(ctx, "standalone research complete",
		"story_id", story.ID,
		"depth", string(depth),
		"findings", len(findings),
		"changed_sections", len(result.Changes),
	)
	return result, nil
}

// runResearch 并行扇出调研角度，容忍部分失败；全军覆没才算失败。
// focus 非空时作为额外角度加入扇出（独立调研请求的用户提问）。
func (o *Orchestrator) runResearch(ctx context.Context, story *entity.Story, depth wfmodel.ResearchDepth, focus string, existing *entity.WorldBible) ([]wfmodel.ResearchFinding, error) {
	ctx, span := tracer.Start(ctx, "pipeline.runResearch")
	defer span.End()
	start := time.Now()
	defer func() {
		metrics.PhaseDuration.WithLabelValues(string(PhaseResearching)).Observe(time.Since(start).Seconds())
	}()

	angles := chain.AnglesFor(depth)
	if depth == wfmodel.ResearchDeep && o.cfg.DeepResearchWorkers > 0 && o.cfg.DeepResearchWorkers < len(angles) {
		angles = angles[:o.cfg.DeepResearchWorkers]
	}
	if focus != "" {
		angles = append(angles, focus)
	}
	in := &wfmodel.ResearchInput{
		StoryID:  story.ID,
		Premise:  story.Premise,
		Universe: story.Title,
		Depth:    depth,
		Existing: existing,
	}

	type angleResult struct {
		finding wfmodel.ResearchFinding
		err     error
	}
	results := make(chan angleResult, len(angles))

	var wg sync.WaitGroup
	for _, angle := range angles {
		wg.Add(1)
		go func(angle string) {
			defer wg.Done()
			finding, err := o.research.RunAngle(ctx, in, angle)
			results <- angleResult{finding: finding, err: err}
		}(angle)
	}
	wg.Wait()
	close(results)

	findings := make([]wfmodel.ResearchFinding, 0, len(angles))
	var lastErr error
	for r := range results {
		if r.err != nil {
			lastErr = r.err
			metrics.ResearchWorkersTotal.WithLabelValues("failure").Inc()
			logger.Warn(ctx, "research worker failed", "story_id", story.ID, "error", r.err.Error())
			continue
		}
		metrics.ResearchWorkersTotal.WithLabelValues("success").Inc()
		findings = append(findings, r.finding)
	}

	if len(findings) == 0 {
		return nil, apperrors.ErrGenerationFailed.WithDetail("all research workers failed").WithError(lastErr)
	}
	return findings, nil
}

func (o *Orchestrator) runSynthesis(ctx context.Context, story *entity.Story, findings []wfmodel.ResearchFinding, existing *entity.WorldBible) (*entity.WorldBible, error) {
	ctx, span := tracer.Start(ctx, "pipeline.runSynthesis")
	defer span.End()
	start := time.Now()
	defer func() {
		metrics.PhaseDuration.WithLabelValues(string(PhaseSynthesizing)).Observe(time.Since(start).Seconds())
	}()

	return o.synthesis.Run(ctx, &wfmodel.SynthesisInput{
		StoryID:  story.ID,
		Premise:  story.Premise,
		Universe: story.Title,
		Findings: findings,
		Existing: existing,
	})
}

// generateAndCommit 流式生成一章并与世界文档在同一事务提交。
// preTurn 作为章节的回合前快照保存，供回退使用。
func (o *Orchestrator) generateAndCommit(
	ctx context.Context,
	story *entity.Story,
	bible *entity.WorldBible,
	preTurn *entity.WorldBible,
	userAction string,
	answers map[string]string,
	ev Events,
	extraCommit func(ctx context.Context) error,
) (*TurnResult, error) {
	start := time.Now()
	phase := PhaseNextChapter
	if !story.IsInitialized() {
		phase = PhaseFirstChapter
	}
	defer func() {
		metrics.PhaseDuration.WithLabelValues(string(phase)).Observe(time.Since(start).Seconds())
	}()

	seq, err := o.chapters.NextSeq(ctx, story.ID)
	if err != nil {
		return nil, err
	}
	recent, err := o.recentSummaries(ctx, story.ID)
	if err != nil {
		return nil, err
	}

	out, err := o.chapter.Run(ctx, &wfmodel.ChapterInput{
		StoryID:         story.ID,
		Seq:             seq,
		Premise:         story.Premise,
		WorldState:      bible,
		UserAction:      userAction,
		QuestionAnswers: answers,
		RecentChapters:  recent,
		LoreContext:     o.retrieveLore(ctx, story.ID, userAction),
		MinWords:        o.cfg.ChapterMinWords,
		MaxWords:        o.cfg.ChapterMaxWords,
	}, func(text string) {
		ev.emitDelta("storyteller", text)
	}, func() {
		if ev.OnRestart != nil {
			ev.OnRestart()
		}
	})
	if err != nil {
		return nil, err
	}

	truncated := !out.TrailerParsed && len(out.RawText) > truncationThreshold
	if truncated {
		ev.emitDelta("system", "\n\n[The chapter output appears to have been cut off before its ending.]")
	}

	ch := entity.NewChapter(story.ID, seq, out.Prose)
	ch.Title = wfnode.FirstLine(out.Prose)
	ch.Summary = out.Summary
	ch.Choices = out.Choices
	ch.UserAction = userAction
	ch.PreTurnState = preTurn
	ch.WordCount = wfnode.CountWords(out.Prose)

	err = o.tx.WithTransaction(ctx, func(txCtx context.Context) error {
		if err := o.chapters.Create(txCtx, ch); err != nil {
			return err
		}
		if err := o.saveWorldState(txCtx, story.ID, bible); err != nil {
			return err
		}
		if extraCommit != nil {
			return extraCommit(txCtx)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("commit turn: %w", err)
	}
	o.invalidateCache(ctx, story.ID)

	return &TurnResult{
		Chapter:   ch,
		Summary:   out.Summary,
		Choices:   out.Choices,
		Questions: out.Questions,
		Degraded:  !out.TrailerParsed,
		Truncated: truncated,
	}, nil
}

func (o *Orchestrator) recentSummaries(ctx context.Context, storyID string) ([]wfmodel.ChapterContext, error) {
	all, err := o.chapters.ListByStory(ctx, storyID)
	if err != nil {
		return nil, err
	}
	if len(all) > recentChapterWindow {
		all = all[len(all)-recentChapterWindow:]
	}
	recent := make([]wfmodel.ChapterContext, 0, len(all))
	for _, ch := range all {
		recent = append(recent, wfmodel.ChapterContext{Seq: ch.Seq, Summary: ch.Summary})
	}
	return recent, nil
}

func (o *Orchestrator) saveWorldState(ctx context.Context, storyID string, bible *entity.WorldBible) error {
	state, err := o.worldstates.GetByStory(ctx, storyID)
	if err != nil {
		return err
	}
	if state == nil {
		return o.worldstates.Create(ctx, entity.NewWorldState(storyID, bible))
	}
	state.Document = bible
	return o.worldstates.Save(ctx, state)
}

func (o *Orchestrator) storeLore(ctx context.Context, storyID string, findings []wfmodel.ResearchFinding) {
	if o.lore == nil {
		return
	}
	if err := o.lore.StoreFindings(ctx, storyID, findings); err != nil {
		logger.Warn(ctx, "store research findings to lore memory failed", "story_id", storyID, "error", err.Error())
	}
}

func (o *Orchestrator) retrieveLore(ctx context.Context, storyID, query string) []string {
	if o.lore == nil || query == "" {
		return nil
	}
	passages, err := o.lore.Retrieve(ctx, storyID, query)
	if err != nil {
		logger.Warn(ctx, "retrieve lore context failed", "story_id", storyID, "error", err.Error())
		return nil
	}
	return passages
}

func (o *Orchestrator) invalidateCache(ctx context.Context, storyID string) {
	if o.cache == nil {
		return
	}
	if err := o.cache.InvalidateStory(ctx, storyID); err != nil {
		logger.Warn(ctx, "invalidate story cache failed", "story_id", storyID, "error", err.Error())
	}
}
