package story

import (
	"context"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"fable-weaver-api/internal/domain/entity"
	"fable-weaver-api/internal/domain/repository"
	apperrors "fable-weaver-api/pkg/errors"
	"fable-weaver-api/pkg/logger"
)

// BranchService 在某一章节点上分叉平行故事线。
// 分支持有父故事世界文档与章节的完整拷贝，之后完全独立演化。
type BranchService struct {
	stories     repository.StoryRepository
	chapters    repository.ChapterRepository
	worldstates repository.WorldStateRepository
	tx          repository.Transactor
	guard       ProcessGuard

	mu      sync.Mutex
	copying map[string]bool // 父故事 ID → 是否有拷贝进行中
}

func NewBranchService(
	stories repository.StoryRepository,
	chapters repository.ChapterRepository,
	worldstates repository.WorldStateRepository,
	tx repository.Transactor,
	guard ProcessGuard,
) *BranchService {
	return &BranchService{
		stories:     stories,
		chapters:    chapters,
		worldstates: worldstates,
		tx:          tx,
		guard:       guard,
		copying:     make(map[string]bool),
	}
}

type CreateBranchInput struct {
	ParentID string
	Name     string
}

// CreateBranch 从父故事的当前进度分叉。
// 同一父故事同时只允许一次拷贝；父故事有进行中回合时拒绝，
// 避免拷贝到写了一半的世界文档。
func (s *BranchService) CreateBranch(ctx context.Context, in *CreateBranchInput) (*entity.Story, error) {
	ctx, span := tracer.Start(ctx, "story.CreateBranch", trace.WithAttributes(
		attribute.String("story.parent_id", in.ParentID),
	))
	defer span.End()

	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, apperrors.ErrInvalidParam.WithDetail("branch name is required")
	}

	if s.guard != nil && s.guard.Processing(in.ParentID) {
		return nil, apperrors.ErrConflict.WithDetail("parent story has a turn in progress")
	}
	if err := s.beginCopy(in.ParentID); err != nil {
		return nil, err
	}
	defer s.endCopy(in.ParentID)

	parent, err := s.stories.GetByID(ctx, in.ParentID)
	if err != nil {
		return nil, err
	}
	if parent == nil {
		return nil, apperrors.ErrStoryNotFound
	}
	if !parent.IsInitialized() {
		return nil, apperrors.ErrInvalidParam.WithDetail("cannot branch an uninitialized story")
	}

	parentState, err := s.worldstates.GetByStory(ctx, parent.ID)
	if err != nil {
		return nil, err
	}
	if parentState == nil || parentState.Document == nil {
		return nil, apperrors.ErrWorldStateNotFound
	}
	parentChapters, err := s.chapters.ListByStory(ctx, parent.ID)
	if err != nil {
		return nil, err
	}

	branch := entity.NewBranch(parent, name, len(parentChapters))
	branch.MarkReady()

	err = s.tx.WithTransaction(ctx, func(txCtx context.Context) error {
		if err := s.stories.Create(txCtx, branch); err != nil {
			return err
		}
		if err := s.worldstates.Create(txCtx, entity.NewWorldState(branch.ID, parentState.Document.Clone())); err != nil {
			return err
		}
		for _, src := range parentChapters {
			dup := entity.NewChapter(branch.ID, src.Seq, src.Content)
			dup.Title = src.Title
			dup.Summary = src.Summary
			dup.Choices = src.Choices
			dup.UserAction = src.UserAction
			dup.WordCount = src.WordCount
			if src.PreTurnState != nil {
				dup.PreTurnState = src.PreTurnState.Clone()
			}
			if err := s.chapters.Create(txCtx, dup); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Info(ctx, "branch created",
		"story_id", branch.ID,
		"parent_id", parent.ID,
		"branch_point", len(parentChapters),
	)
	return branch, nil
}

func (s *BranchService) beginCopy(parentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.copying[parentID] {
		return apperrors.ErrBranchInFlight
	}
	s.copying[parentID] = true
	return nil
}

func (s *BranchService) endCopy(parentID string) {
	s.mu.Lock()
	delete(s.copying, parentID)
	s.mu.Unlock()
}

// ListBranches 列出一个故事的直接分支，连同该故事自身的
// 分支归属（是否分支、父故事、分叉章节）一并返回
func (s *BranchService) ListBranches(ctx context.Context, parentID string) (*entity.Story, []*entity.Story, error) {
	parent, err := s.stories.GetByID(ctx, parentID)
	if err != nil {
		return nil, nil, err
	}
	if parent == nil {
		return nil, nil, apperrors.ErrStoryNotFound
	}
	branches, err := s.stories.ListChildren(ctx, parentID)
	if err != nil {
		return nil, nil, err
	}
	return parent, branches, nil
}

// FamilyTreeNode 分支族谱节点
type FamilyTreeNode struct {
	Story    *entity.Story     `json:"story"`
	Children []*FamilyTreeNode `json:"children"`
}

// FamilyTree 从任一故事出发构建整棵分支族谱（先上溯到根）
func (s *BranchService) FamilyTree(ctx context.Context, storyID string) (*FamilyTreeNode, error) {
	ctx, span := tracer.Start(ctx, "story.FamilyTree")
	defer span.End()

	story, err := s.stories.GetByID(ctx, storyID)
	if err != nil {
		return nil, err
	}
	if story == nil {
		return nil, apperrors.ErrStoryNotFound
	}

	for story.ParentStoryID != nil {
		parent, err := s.stories.GetByID(ctx, *story.ParentStoryID)
		if err != nil {
			return nil, err
		}
		if parent == nil {
			break
		}
		story = parent
	}

	return s.buildTree(ctx, story)
}

func (s *BranchService) buildTree(ctx context.Context, story *entity.Story) (*FamilyTreeNode, error) {
	node := &FamilyTreeNode{Story: story, Children: []*FamilyTreeNode{}}
	children, err := s.stories.ListChildren(ctx, story.ID)
	if err != nil {
		return nil, err
	}
	for _, child := range children {
		childNode, err := s.buildTree(ctx, child)
		if err != nil {
			return nil, err
		}
		node.Children = append(node.Children, childNode)
	}
	return node, nil
}
