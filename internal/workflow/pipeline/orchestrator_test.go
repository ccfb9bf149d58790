package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fable-weaver-api/internal/config"
	"fable-weaver-api/internal/domain/entity"
	"fable-weaver-api/internal/domain/repository"
	"fable-weaver-api/internal/workflow/chain"
	wfmodel "fable-weaver-api/internal/workflow/model"
	workflowprompt "fable-weaver-api/internal/workflow/prompt"
	apperrors "fable-weaver-api/pkg/errors"
)

// ---- 内存仓储 ----

type memStoryRepo struct {
	mu      sync.Mutex
	stories map[string]*entity.Story
}

func newMemStoryRepo() *memStoryRepo {
	return &memStoryRepo{stories: map[string]*entity.Story{}}
}

func (r *memStoryRepo) Create(_ context.Context, s *entity.Story) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *s
	r.stories[s.ID] = &cp
	return nil
}

func (r *memStoryRepo) GetByID(_ context.Context, id string) (*entity.Story, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.stories[id]
	if !ok {
		return nil, apperrors.ErrStoryNotFound
	}
	cp := *s
	return &cp, nil
}

func (r *memStoryRepo) Update(_ context.Context, s *entity.Story) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *s
	r.stories[s.ID] = &cp
	return nil
}

func (r *memStoryRepo) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.stories, id)
	return nil
}

func (r *memStoryRepo) List(context.Context, repository.Pagination) (*repository.PagedResult[*entity.Story], error) {
	return nil, errors.New("not implemented")
}

func (r *memStoryRepo) ListChildren(_ context.Context, parentID string) ([]*entity.Story, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*entity.Story
	for _, s := range r.stories {
		if s.ParentStoryID != nil && *s.ParentStoryID == parentID {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

type memChapterRepo struct {
	mu       sync.Mutex
	chapters map[string][]*entity.Chapter // storyID → 按序号升序
}

func newMemChapterRepo() *memChapterRepo {
	return &memChapterRepo{chapters: map[string][]*entity.Chapter{}}
}

func (r *memChapterRepo) Create(_ context.Context, ch *entity.Chapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *ch
	r.chapters[ch.StoryID] = append(r.chapters[ch.StoryID], &cp)
	return nil
}

func (r *memChapterRepo) GetByID(_ context.Context, id string) (*entity.Chapter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, list := range r.chapters {
		for _, ch := range list {
			if ch.ID == id {
				cp := *ch
				return &cp, nil
			}
		}
	}
	return nil, apperrors.ErrChapterNotFound
}

func (r *memChapterRepo) ListByStory(_ context.Context, storyID string) ([]*entity.Chapter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*entity.Chapter, 0, len(r.chapters[storyID]))
	for _, ch := range r.chapters[storyID] {
		cp := *ch
		out = append(out, &cp)
	}
	return out, nil
}

func (r *memChapterRepo) GetLast(_ context.Context, storyID string) (*entity.Chapter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.chapters[storyID]
	if len(list) == 0 {
		return nil, nil
	}
	cp := *list[len(list)-1]
	return &cp, nil
}

func (r *memChapterRepo) CountByStory(_ context.Context, storyID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.chapters[storyID]), nil
}

func (r *memChapterRepo) NextSeq(_ context.Context, storyID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.chapters[storyID]
	if len(list) == 0 {
		return 1, nil
	}
	return list[len(list)-1].Seq + 1, nil
}

func (r *memChapterRepo) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for storyID, list := range r.chapters {
		for i, ch := range list {
			if ch.ID == id {
				list = append(list[:i], list[i+1:]...)
				for j := i; j < len(list); j++ {
					list[j].Seq = j + 1
				}
				r.chapters[storyID] = list
				return nil
			}
		}
	}
	return apperrors.ErrChapterNotFound
}

type memWorldStateRepo struct {
	mu     sync.Mutex
	states map[string]*entity.WorldState // storyID → state
}

func newMemWorldStateRepo() *memWorldStateRepo {
	return &memWorldStateRepo{states: map[string]*entity.WorldState{}}
}

func (r *memWorldStateRepo) Create(_ context.Context, st *entity.WorldState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *st
	cp.Document = st.Document.Clone()
	r.states[st.StoryID] = &cp
	return nil
}

func (r *memWorldStateRepo) GetByStory(_ context.Context, storyID string) (*entity.WorldState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.states[storyID]
	if !ok {
		return nil, nil
	}
	cp := *st
	cp.Document = st.Document.Clone()
	return &cp, nil
}

func (r *memWorldStateRepo) Save(_ context.Context, st *entity.WorldState) error {
	return r.Create(context.Background(), st)
}

type passthroughTx struct{}

func (passthroughTx) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// ---- 脚本化调用器 ----

// scriptedInvoker 按提示词内容路由到各阶段的脚本应答
type scriptedInvoker struct {
	mu            sync.Mutex
	researchCalls int

	researchFailOn string // 含该子串的调研角度返回错误
	researchErr    error
	synthesisOut   string
	archivistOut   string
	loreQueryOut   string
	chapterOut     string
	chapterErr     error
}

func promptText(messages []*schema.Message) string {
	var sb strings.Builder
	for _, m := range messages {
		sb.WriteString(m.Content)
		sb.WriteString("\n")
	}
	return sb.String()
}

func (s *scriptedInvoker) Invoke(_ context.Context, messages []*schema.Message) (*schema.Message, error) {
	prompt := promptText(messages)
	switch {
	case strings.Contains(prompt, "ASSIGNED RESEARCH ANGLE"):
		s.mu.Lock()
		s.researchCalls++
		s.mu.Unlock()
		if s.researchFailOn != "" && strings.Contains(prompt, s.researchFailOn) {
			err := s.researchErr
			if err == nil {
				err = errors.New("429 rate limit")
			}
			return nil, err
		}
		return schema.AssistantMessage("notes on the assigned angle", nil), nil
	case strings.Contains(prompt, "RESEARCH NOTES BY ANGLE"):
		return schema.AssistantMessage(s.synthesisOut, nil), nil
	case strings.Contains(prompt, "CHAPTER SUMMARY"):
		return schema.AssistantMessage(s.archivistOut, nil), nil
	case strings.Contains(prompt, "QUESTION"):
		return schema.AssistantMessage(s.loreQueryOut, nil), nil
	}
	return nil, errors.New("unexpected prompt")
}

func (s *scriptedInvoker) Stream(_ context.Context, _ []*schema.Message, onChunk func(string), _ func()) (string, error) {
	if s.chapterErr != nil {
		return "", s.chapterErr
	}
	if onChunk != nil {
		onChunk(s.chapterOut)
	}
	return s.chapterOut, nil
}

// ---- 装配 ----

const chapterWithTrailer = "# Chapter: The Gate\n\nRain fell on the old city and the gate stood open.\n\n" +
	"```json\n{\"summary\": \"The gate stands open.\", \"choices\": [\"Enter\", \"Wait for dawn\"]}\n```"

type testEnv struct {
	stories     *memStoryRepo
	chapters    *memChapterRepo
	worldstates *memWorldStateRepo
	invoker     *scriptedInvoker
	orch        *Orchestrator
}

func newTestEnv(t *testing.T, invoker *scriptedInvoker) *testEnv {
	t.Helper()
	registry := workflowprompt.NewRegistry()
	env := &testEnv{
		stories:     newMemStoryRepo(),
		chapters:    newMemChapterRepo(),
		worldstates: newMemWorldStateRepo(),
		invoker:     invoker,
	}
	cfg := &config.PipelineConfig{
		DeepResearchWorkers: 4,
		ChapterMinWords:     10,
		ChapterMaxWords:     500,
	}
	env.orch = NewOrchestrator(
		env.stories, env.chapters, env.worldstates, passthroughTx{},
		chain.NewResearchChain(registry, invoker),
		chain.NewSynthesisChain(registry, invoker),
		chain.NewChapterChain(registry, invoker),
		chain.NewArchivistChain(registry, invoker),
		nil, nil, cfg,
	)
	return env
}

func defaultInvoker() *scriptedInvoker {
	return &scriptedInvoker{
		synthesisOut: `{"meta": {"title": "The Lantern Keeper", "genre": "fantasy"}, "character_sheet": {"name": "Mira"}}`,
		archivistOut: `{"story_timeline": [{"id": "ev-1", "event": "The gate opens", "status": "occurred"}]}`,
		loreQueryOut: "The lantern is older than the city.",
		chapterOut:   chapterWithTrailer,
	}
}

func seedReadyStory(t *testing.T, env *testEnv) *entity.Story {
	t.Helper()
	ctx := context.Background()
	story := entity.NewStory("The Lantern Keeper", "A keeper guards the last lit gate.")
	story.MarkReady()
	require.NoError(t, env.stories.Create(ctx, story))

	doc := &entity.WorldBible{
		Meta: &entity.MetaSection{Title: "The Lantern Keeper"},
		StoryTimeline: []entity.TimelineEvent{
			{ID: "ev-1", Event: "The gate opens", Status: entity.TimelineEventUpcoming},
		},
	}
	require.NoError(t, env.worldstates.Create(ctx, entity.NewWorldState(story.ID, doc)))

	ch := entity.NewChapter(story.ID, 1, "The first night passed quietly.")
	ch.Summary = "A quiet first night."
	require.NoError(t, env.chapters.Create(ctx, ch))
	return story
}

// ---- 用例 ----

func TestInitializeRunsFullPipeline(t *testing.T) {
	invoker := defaultInvoker()
	env := newTestEnv(t, invoker)
	ctx := context.Background()

	story := entity.NewStory("The Lantern Keeper", "A keeper guards the last lit gate.")
	require.NoError(t, env.stories.Create(ctx, story))

	var phases []Phase
	var deltas []string
	ev := Events{
		OnPhase: func(p Phase) { phases = append(phases, p) },
		OnDelta: func(_, text string) { deltas = append(deltas, text) },
	}

	result, err := env.orch.Initialize(ctx, story, wfmodel.ResearchDeep, ev)
	require.NoError(t, err)

	assert.Equal(t, []Phase{PhaseResearching, PhaseSynthesizing, PhaseFirstChapter, PhaseReady}, phases)
	assert.Equal(t, 4, invoker.researchCalls)
	assert.NotEmpty(t, deltas)

	// 尾部解析成功：正文剥离、摘要与选项来自尾部
	require.NotNil(t, result.Chapter)
	assert.Equal(t, 1, result.Chapter.Seq)
	assert.Equal(t, "The gate stands open.", result.Summary)
	assert.Equal(t, []string{"Enter", "Wait for dawn"}, result.Choices)
	assert.False(t, result.Degraded)
	assert.NotContains(t, result.Chapter.Content, "```json")

	// 故事标记就绪并落库
	stored, err := env.stories.GetByID(ctx, story.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsInitialized())

	// 世界文档来自合成结果
	state, err := env.worldstates.GetByStory(ctx, story.ID)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, "Mira", state.Document.CharacterSheet.Name)

	// 回合结束后槽位释放
	assert.False(t, env.orch.Processing(story.ID))
}

func TestInitializeToleratesPartialResearchFailure(t *testing.T) {
	invoker := defaultInvoker()
	// 仅匹配分派的角度行，模板固定指令里也含 "power system rules" 字样
	invoker.researchFailOn = "ASSIGNED RESEARCH ANGLE: power system rules"
	env := newTestEnv(t, invoker)
	ctx := context.Background()

	story := entity.NewStory("The Lantern Keeper", "premise")
	require.NoError(t, env.stories.Create(ctx, story))

	result, err := env.orch.Initialize(ctx, story, wfmodel.ResearchDeep, Events{})
	require.NoError(t, err)
	require.NotNil(t, result.Chapter)
	assert.Equal(t, 4, invoker.researchCalls)
}

func TestInitializeFailsWhenAllResearchFails(t *testing.T) {
	invoker := defaultInvoker()
	invoker.researchErr = errors.New("429 rate limit")
	invoker.researchFailOn = "ASSIGNED RESEARCH ANGLE" // 匹配所有调研提示词
	env := newTestEnv(t, invoker)
	ctx := context.Background()

	story := entity.NewStory("The Lantern Keeper", "premise")
	require.NoError(t, env.stories.Create(ctx, story))

	_, err := env.orch.Initialize(ctx, story, wfmodel.ResearchDeep, Events{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrGenerationFailed))

	// 没有任何落库
	stored, getErr := env.stories.GetByID(ctx, story.ID)
	require.NoError(t, getErr)
	assert.False(t, stored.IsInitialized())
	n, _ := env.chapters.CountByStory(ctx, story.ID)
	assert.Zero(t, n)
}

func TestInitializeRejectsInitializedStory(t *testing.T) {
	env := newTestEnv(t, defaultInvoker())
	story := seedReadyStory(t, env)

	_, err := env.orch.Initialize(context.Background(), story, wfmodel.ResearchQuick, Events{})
	assert.True(t, errors.Is(err, apperrors.ErrStoryInitialized))
}

func TestTurnArchivesThenGenerates(t *testing.T) {
	invoker := defaultInvoker()
	env := newTestEnv(t, invoker)
	ctx := context.Background()
	story := seedReadyStory(t, env)

	var phases []Phase
	result, err := env.orch.Turn(ctx, story, "Enter the gate", nil, Events{
		OnPhase: func(p Phase) { phases = append(phases, p) },
	})
	require.NoError(t, err)

	assert.Equal(t, []Phase{PhaseArchiving, PhaseNextChapter, PhaseReady}, phases)
	assert.Equal(t, 2, result.Chapter.Seq)
	assert.Equal(t, "Enter the gate", result.Chapter.UserAction)

	// 归档增量已并入世界文档
	state, err := env.worldstates.GetByStory(ctx, story.ID)
	require.NoError(t, err)
	require.Len(t, state.Document.StoryTimeline, 1)
	assert.Equal(t, entity.TimelineEventOccurred, state.Document.StoryTimeline[0].Status)
	// 合成前已有的段落未丢失
	assert.Equal(t, "The Lantern Keeper", state.Document.Meta.Title)

	// 回合前快照保存在新章节上，供撤销使用
	require.NotNil(t, result.Chapter.PreTurnState)
	assert.Equal(t, entity.TimelineEventUpcoming, result.Chapter.PreTurnState.StoryTimeline[0].Status)
}

func TestTurnChapterFailureKeepsWorldState(t *testing.T) {
	invoker := defaultInvoker()
	invoker.chapterErr = errors.New("invalid request")
	env := newTestEnv(t, invoker)
	ctx := context.Background()
	story := seedReadyStory(t, env)

	_, err := env.orch.Turn(ctx, story, "Enter the gate", nil, Events{})
	require.Error(t, err)

	// 归档增量未落库：世界文档保持回合前状态
	state, getErr := env.worldstates.GetByStory(ctx, story.ID)
	require.NoError(t, getErr)
	assert.Equal(t, entity.TimelineEventUpcoming, state.Document.StoryTimeline[0].Status)

	n, _ := env.chapters.CountByStory(ctx, story.ID)
	assert.Equal(t, 1, n)
	assert.False(t, env.orch.Processing(story.ID))
}

func TestTurnRejectsConcurrentTurn(t *testing.T) {
	env := newTestEnv(t, defaultInvoker())
	story := seedReadyStory(t, env)

	require.NoError(t, env.orch.begin(story.ID, PhaseArchiving))
	defer env.orch.end(story.ID)

	assert.True(t, env.orch.Processing(story.ID))
	assert.Equal(t, PhaseArchiving, env.orch.Phase(story.ID))

	_, err := env.orch.Turn(context.Background(), story, "act", nil, Events{})
	assert.True(t, errors.Is(err, apperrors.ErrTurnInFlight))
}

func TestResetReleasesTurnSlot(t *testing.T) {
	env := newTestEnv(t, defaultInvoker())
	story := seedReadyStory(t, env)

	require.NoError(t, env.orch.begin(story.ID, PhaseArchiving))
	assert.True(t, env.orch.Processing(story.ID))

	env.orch.Reset(story.ID)
	assert.False(t, env.orch.Processing(story.ID))
	assert.Equal(t, PhaseReady, env.orch.Phase(story.ID))

	// 复位后可以重新开启回合
	require.NoError(t, env.orch.begin(story.ID, PhaseNextChapter))
	env.orch.end(story.ID)
}

func TestTurnDegradesOnMissingTrailer(t *testing.T) {
	invoker := defaultInvoker()
	invoker.chapterOut = strings.Repeat("The rain kept falling on the gate. ", 100)
	env := newTestEnv(t, invoker)
	ctx := context.Background()
	story := seedReadyStory(t, env)

	var systemDeltas []string
	result, err := env.orch.Turn(ctx, story, "Wait", nil, Events{
		OnDelta: func(sender, text string) {
			if sender == "system" {
				systemDeltas = append(systemDeltas, text)
			}
		},
	})
	require.NoError(t, err)

	// 正文保留，摘要降级，超长无尾部视为截断
	assert.True(t, result.Degraded)
	assert.True(t, result.Truncated)
	assert.Equal(t, invoker.chapterOut, result.Chapter.Content)
	assert.NotEmpty(t, result.Summary)
	assert.Empty(t, result.Choices)
	require.Len(t, systemDeltas, 1)
	assert.Contains(t, systemDeltas[0], "cut off")
}

func TestResearchAugmentsWorldStateWithoutChapter(t *testing.T) {
	invoker := defaultInvoker()
	env := newTestEnv(t, invoker)
	ctx := context.Background()
	story := seedReadyStory(t, env)

	result, err := env.orch.Research(ctx, story, wfmodel.ResearchDeep, "Who lit the lantern?", Events{})
	require.NoError(t, err)

	// 提问作为额外角度加入扇出
	assert.Equal(t, 5, invoker.researchCalls)
	assert.Equal(t, "The lantern is older than the city.", result.Answer)
	assert.NotEmpty(t, result.Changes)

	// 合成结果合并进既有文档并落库，时间线保留
	state, err := env.worldstates.GetByStory(ctx, story.ID)
	require.NoError(t, err)
	assert.Equal(t, "Mira", state.Document.CharacterSheet.Name)
	assert.Equal(t, "The Lantern Keeper", state.Document.Meta.Title)
	require.Len(t, state.Document.StoryTimeline, 1)
	assert.Equal(t, entity.TimelineEventUpcoming, state.Document.StoryTimeline[0].Status)

	// 不生成新章节，槽位释放
	count, err := env.chapters.CountByStory(ctx, story.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.False(t, env.orch.Processing(story.ID))
}

func TestResearchRequiresInitializedWorldState(t *testing.T) {
	env := newTestEnv(t, defaultInvoker())
	ctx := context.Background()

	story := entity.NewStory("The Lantern Keeper", "premise")
	require.NoError(t, env.stories.Create(ctx, story))

	_, err := env.orch.Research(ctx, story, wfmodel.ResearchQuick, "", Events{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrWorldStateNotFound))
}
