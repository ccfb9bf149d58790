// Package story 故事应用服务
package story

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"

	"fable-weaver-api/internal/domain/entity"
	"fable-weaver-api/internal/domain/repository"
	"fable-weaver-api/internal/infrastructure/persistence/redis"
	apperrors "fable-weaver-api/pkg/errors"
	"fable-weaver-api/pkg/logger"
)

var tracer = otel.Tracer("application.story")

// ProcessGuard 查询故事是否有进行中的回合
type ProcessGuard interface {
	Processing(storyID string) bool
}

// LoreForgetter 故事删除时清理向量记忆
type LoreForgetter interface {
	Forget(ctx context.Context, storyID string) error
}

type Service struct {
	stories  repository.StoryRepository
	chapters repository.ChapterRepository
	tx       repository.Transactor
	guard    ProcessGuard
	cache    *redis.Cache  // 可为 nil
	lore     LoreForgetter // 可为 nil
}

func NewService(
	stories repository.StoryRepository,
	chapters repository.ChapterRepository,
	tx repository.Transactor,
	guard ProcessGuard,
	cache *redis.Cache,
	lore LoreForgetter,
) *Service {
	return &Service{
		stories:  stories,
		chapters: chapters,
		tx:       tx,
		guard:    guard,
		cache:    cache,
		lore:     lore,
	}
}

type CreateStoryInput struct {
	Title   string
	Premise string
}

func (s *Service) Create(ctx context.Context, in *CreateStoryInput) (*entity.Story, error) {
	ctx, span := tracer.Start(ctx, "story.Create")
	defer span.End()

	if in == nil || strings.TrimSpace(in.Title) == "" {
		return nil, apperrors.ErrInvalidParam.WithDetail("title is required")
	}
	if strings.TrimSpace(in.Premise) == "" {
		return nil, apperrors.ErrInvalidParam.WithDetail("premise is required")
	}

	story := entity.NewStory(strings.TrimSpace(in.Title), strings.TrimSpace(in.Premise))
	if err := s.stories.Create(ctx, story); err != nil {
		return nil, err
	}
	logger.Info(ctx, "story created", "story_id", story.ID, "title", story.Title)
	return story, nil
}

func (s *Service) Get(ctx context.Context, id string) (*entity.Story, error) {
	story, err := s.stories.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if story == nil {
		return nil, apperrors.ErrStoryNotFound
	}
	return story, nil
}

func (s *Service) List(ctx context.Context, p repository.Pagination) (*repository.PagedResult[*entity.Story], error) {
	ctx, span := tracer.Start(ctx, "story.List")
	defer span.End()
	return s.stories.List(ctx, p)
}

type UpdateStoryInput struct {
	Title   *string
	Premise *string
}

// Update 修改故事元信息。前提只能在初始化前修改，
// 初始化后世界文档已经基于它生成，改前提会造成不一致。
func (s *Service) Update(ctx context.Context, id string, in *UpdateStoryInput) (*entity.Story, error) {
	ctx, span := tracer.Start(ctx, "story.Update")
	defer span.End()

	story, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if in == nil {
		return story, nil
	}

	if in.Title != nil {
		title := strings.TrimSpace(*in.Title)
		if title == "" {
			return nil, apperrors.ErrInvalidParam.WithDetail("title cannot be empty")
		}
		story.Title = title
	}
	if in.Premise != nil {
		if story.IsInitialized() {
			return nil, apperrors.ErrStoryInitialized.WithDetail("premise is frozen after initialization")
		}
		premise := strings.TrimSpace(*in.Premise)
		if premise == "" {
			return nil, apperrors.ErrInvalidParam.WithDetail("premise cannot be empty")
		}
		story.Premise = premise
	}

	if err := s.stories.Update(ctx, story); err != nil {
		return nil, err
	}
	s.invalidate(ctx, id)
	return story, nil
}

// Delete 删除故事及其章节、世界文档、快照和向量记忆
func (s *Service) Delete(ctx context.Context, id string) error {
	ctx, span := tracer.Start(ctx, "story.Delete")
	defer span.End()

	if s.guard != nil && s.guard.Processing(id) {
		return apperrors.ErrConflict.WithDetail("a turn is currently in progress")
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}

	children, err := s.stories.ListChildren(ctx, id)
	if err != nil {
		return err
	}
	if len(children) > 0 {
		return apperrors.ErrConflict.WithDetail("story has branches; delete them first")
	}

	if err := s.tx.WithTransaction(ctx, func(txCtx context.Context) error {
		return s.stories.Delete(txCtx, id)
	}); err != nil {
		return err
	}

	if s.lore != nil {
		if err := s.lore.Forget(ctx, id); err != nil {
			logger.Warn(ctx, "forget story lore failed", "story_id", id, "error", err.Error())
		}
	}
	s.invalidate(ctx, id)
	logger.Info(ctx, "story deleted", "story_id", id)
	return nil
}

// StoryDetail 故事详情，聚合章节统计与处理状态
type StoryDetail struct {
	Story        *entity.Story `json:"story"`
	ChapterCount int           `json:"chapter_count"`
	LastChapter  *ChapterBrief `json:"last_chapter,omitempty"`
	Processing   bool          `json:"processing"`
}

type ChapterBrief struct {
	ID      string   `json:"id"`
	Seq     int      `json:"seq"`
	Title   string   `json:"title"`
	Summary string   `json:"summary"`
	Choices []string `json:"choices"`
}

func (s *Service) Detail(ctx context.Context, id string) (*StoryDetail, error) {
	ctx, span := tracer.Start(ctx, "story.Detail")
	defer span.End()

	load := func(ctx context.Context) (*StoryDetail, error) {
		story, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		count, err := s.chapters.CountByStory(ctx, id)
		if err != nil {
			return nil, err
		}
		detail := &StoryDetail{Story: story, ChapterCount: count}
		last, err := s.chapters.GetLast(ctx, id)
		if err != nil {
			return nil, err
		}
		if last != nil {
			detail.LastChapter = &ChapterBrief{
				ID:      last.ID,
				Seq:     last.Seq,
				Title:   last.Title,
				Summary: last.Summary,
				Choices: last.Choices,
			}
		}
		return detail, nil
	}

	var detail *StoryDetail
	var err error
	if s.cache != nil {
		detail, err = loadCachedDetail(ctx, s.cache, id, load)
	} else {
		detail, err = load(ctx)
	}
	if err != nil {
		return nil, err
	}
	// 处理状态是运行时信息，不随缓存
	if s.guard != nil {
		detail.Processing = s.guard.Processing(id)
	}
	return detail, nil
}

// storyDetailTTL 故事详情缓存时长
const storyDetailTTL = 5 * time.Minute

func loadCachedDetail(ctx context.Context, cache *redis.Cache, id string, load func(ctx context.Context) (*StoryDetail, error)) (*StoryDetail, error) {
	key := redis.BuildStoryDetailKey(id)
	raw, err := cache.GetOrLoadSafe(ctx, key, storyDetailTTL, func() (interface{}, error) {
		return load(ctx)
	})
	if err != nil {
		return nil, err
	}
	var detail StoryDetail
	if err := json.Unmarshal(raw, &detail); err != nil {
		return nil, fmt.Errorf("decode cached story detail: %w", err)
	}
	return &detail, nil
}

func (s *Service) Chapters(ctx context.Context, storyID string) ([]*entity.Chapter, error) {
	if _, err := s.Get(ctx, storyID); err != nil {
		return nil, err
	}
	return s.chapters.ListByStory(ctx, storyID)
}

func (s *Service) Chapter(ctx context.Context, storyID string, seq int) (*entity.Chapter, error) {
	chapters, err := s.Chapters(ctx, storyID)
	if err != nil {
		return nil, err
	}
	for _, ch := range chapters {
		if ch.Seq == seq {
			return ch, nil
		}
	}
	return nil, apperrors.ErrChapterNotFound
}

// DeleteChapter 删除指定章节，后续章节序号前移补洞。
// 只改正文历史，不回滚世界文档；要连带回滚请用撤销。
func (s *Service) DeleteChapter(ctx context.Context, storyID string, seq int) error {
	ctx, span := tracer.Start(ctx, "story.DeleteChapter")
	defer span.End()

	if s.guard != nil && s.guard.Processing(storyID) {
		return apperrors.ErrConflict.WithDetail("a turn is currently in progress")
	}
	ch, err := s.Chapter(ctx, storyID, seq)
	if err != nil {
		return err
	}

	if err := s.tx.WithTransaction(ctx, func(txCtx context.Context) error {
		return s.chapters.Delete(txCtx, ch.ID)
	}); err != nil {
		return err
	}
	s.invalidate(ctx, storyID)
	logger.Info(ctx, "chapter deleted", "story_id", storyID, "seq", seq)
	return nil
}

// Export 把整个故事导出为 Markdown 文本
func (s *Service) Export(ctx context.Context, storyID string) (string, error) {
	ctx, span := tracer.Start(ctx, "story.Export")
	defer span.End()

	story, err := s.Get(ctx, storyID)
	if err != nil {
		return "", err
	}
	chapters, err := s.chapters.ListByStory(ctx, storyID)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s\n\n", story.Title)
	fmt.Fprintf(&sb, "> %s\n\n", story.Premise)
	for _, ch := range chapters {
		if ch.Title != "" && !strings.HasPrefix(strings.TrimSpace(ch.Content), "#") {
			fmt.Fprintf(&sb, "## %s\n\n", ch.Title)
		}
		sb.WriteString(strings.TrimSpace(ch.Content))
		sb.WriteString("\n\n")
	}
	return sb.String(), nil
}

func (s *Service) invalidate(ctx context.Context, storyID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.InvalidateStory(ctx, storyID); err != nil {
		logger.Warn(ctx, "invalidate story cache failed", "story_id", storyID, "error", err.Error())
	}
}
