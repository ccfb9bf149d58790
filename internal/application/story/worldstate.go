package story

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"fable-weaver-api/internal/domain/entity"
	"fable-weaver-api/internal/domain/repository"
	"fable-weaver-api/internal/infrastructure/persistence/redis"
	apperrors "fable-weaver-api/pkg/errors"
	"fable-weaver-api/pkg/logger"
)

// worldStateTTL 世界文档缓存时长
const worldStateTTL = 10 * time.Minute

// WorldStateService 世界文档的读取、人工修订、快照与回退
type WorldStateService struct {
	stories     repository.StoryRepository
	chapters    repository.ChapterRepository
	worldstates repository.WorldStateRepository
	snapshots   repository.SnapshotRepository
	tx          repository.Transactor
	guard       ProcessGuard
	cache       *redis.Cache // 可为 nil
}

func NewWorldStateService(
	stories repository.StoryRepository,
	chapters repository.ChapterRepository,
	worldstates repository.WorldStateRepository,
	snapshots repository.SnapshotRepository,
	tx repository.Transactor,
	guard ProcessGuard,
	cache *redis.Cache,
) *WorldStateService {
	return &WorldStateService{
		stories:     stories,
		chapters:    chapters,
		worldstates: worldstates,
		snapshots:   snapshots,
		tx:          tx,
		guard:       guard,
		cache:       cache,
	}
}

// GetDocument 返回序列化后的世界文档。
// 文档序列化是确定性的：内容不变时两次读取字节一致。
func (s *WorldStateService) GetDocument(ctx context.Context, storyID string) (json.RawMessage, error) {
	ctx, span := tracer.Start(ctx, "worldstate.GetDocument", trace.WithAttributes(
		attribute.String("story.id", storyID),
	))
	defer span.End()

	if s.cache != nil {
		raw, err := s.cache.GetOrLoadSafe(ctx, redis.BuildWorldStateKey(storyID), worldStateTTL, func() (interface{}, error) {
			state, err := s.mustGetState(ctx, storyID)
			if err != nil {
				return nil, err
			}
			return state.Document, nil
		})
		if err != nil {
			return nil, err
		}
		return json.RawMessage(raw), nil
	}

	state, err := s.mustGetState(ctx, storyID)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(state.Document)
	if err != nil {
		return nil, fmt.Errorf("marshal world document: %w", err)
	}
	return data, nil
}

// GetSection 按点路径读取文档的某个子树
func (s *WorldStateService) GetSection(ctx context.Context, storyID, path string) (json.RawMessage, error) {
	state, err := s.mustGetState(ctx, storyID)
	if err != nil {
		return nil, err
	}
	value, ok := state.Document.GetPath(path)
	if !ok {
		return nil, apperrors.ErrNotFound.WithDetail(fmt.Sprintf("no value at path %q", path))
	}
	return json.Marshal(value)
}

// PatchOp 一条人工修订：点路径 + 新值
type PatchOp struct {
	Path  string          `json:"path"`
	Value json.RawMessage `json:"value"`
}

// Patch 人工修订世界文档。回合进行中拒绝，避免覆盖归档写入；
// 多条修订按顺序应用，同一路径后写覆盖先写。
func (s *WorldStateService) Patch(ctx context.Context, storyID string, ops []PatchOp) (json.RawMessage, error) {
	ctx, span := tracer.Start(ctx, "worldstate.Patch", trace.WithAttributes(
		attribute.String("story.id", storyID),
		attribute.Int("patch.ops", len(ops)),
	))
	defer span.End()

	if len(ops) == 0 {
		return nil, apperrors.ErrInvalidParam.WithDetail("no patch operations given")
	}
	if s.guard != nil && s.guard.Processing(storyID) {
		return nil, apperrors.ErrConflict.WithDetail("a turn is in progress; world state is locked")
	}

	state, err := s.mustGetState(ctx, storyID)
	if err != nil {
		return nil, err
	}

	doc := state.Document.Clone()
	for _, op := range ops {
		path := strings.TrimSpace(op.Path)
		if path == "" {
			return nil, apperrors.ErrInvalidParam.WithDetail("patch path cannot be empty")
		}
		var value any
		if len(op.Value) > 0 {
			if err := json.Unmarshal(op.Value, &value); err != nil {
				return nil, apperrors.ErrInvalidParam.WithDetail(fmt.Sprintf("invalid value for path %q", path))
			}
		}
		if err := doc.SetPath(path, value); err != nil {
			return nil, apperrors.ErrInvalidParam.WithDetail(err.Error())
		}
	}

	state.Document = doc
	if err := s.worldstates.Save(ctx, state); err != nil {
		return nil, err
	}
	s.invalidateWorldState(ctx, storyID)

	logger.Info(ctx, "world state patched", "story_id", storyID, "ops", len(ops))
	return json.Marshal(doc)
}

// Diff 当前世界文档与上一回合开始前快照的逐节差异
func (s *WorldStateService) Diff(ctx context.Context, storyID string) ([]entity.SectionChange, error) {
	ctx, span := tracer.Start(ctx, "worldstate.Diff")
	defer span.End()

	state, err := s.mustGetState(ctx, storyID)
	if err != nil {
		return nil, err
	}
	last, err := s.chapters.GetLast(ctx, storyID)
	if err != nil {
		return nil, err
	}
	var prev *entity.WorldBible
	if last != nil {
		prev = last.PreTurnState
	}
	return state.Document.Diff(prev), nil
}

// CreateSnapshot 手工命名快照；同名已存在时返回冲突
func (s *WorldStateService) CreateSnapshot(ctx context.Context, storyID, name string) (*entity.WorldStateSnapshot, error) {
	ctx, span := tracer.Start(ctx, "worldstate.CreateSnapshot")
	defer span.End()

	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperrors.ErrInvalidParam.WithDetail("snapshot name is required")
	}

	existing, err := s.snapshots.GetByName(ctx, storyID, name)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, apperrors.ErrSnapshotExists.WithDetail(name)
	}

	state, err := s.mustGetState(ctx, storyID)
	if err != nil {
		return nil, err
	}

	snapshot := entity.NewWorldStateSnapshot(storyID, name, state.Document)
	if err := s.snapshots.Save(ctx, snapshot); err != nil {
		return nil, err
	}
	logger.Info(ctx, "world state snapshot created", "story_id", storyID, "name", name)
	return snapshot, nil
}

func (s *WorldStateService) ListSnapshots(ctx context.Context, storyID string) ([]*entity.WorldStateSnapshot, error) {
	return s.snapshots.ListByStory(ctx, storyID)
}

// RestoreSnapshot 把世界文档整体恢复到命名快照
func (s *WorldStateService) RestoreSnapshot(ctx context.Context, storyID, name string) error {
	ctx, span := tracer.Start(ctx, "worldstate.RestoreSnapshot")
	defer span.End()

	if s.guard != nil && s.guard.Processing(storyID) {
		return apperrors.ErrConflict.WithDetail("a turn is in progress; world state is locked")
	}

	snapshot, err := s.snapshots.GetByName(ctx, storyID, name)
	if err != nil {
		return err
	}
	if snapshot == nil {
		return apperrors.ErrSnapshotNotFound
	}
	state, err := s.mustGetState(ctx, storyID)
	if err != nil {
		return err
	}

	state.Document = snapshot.Document.Clone()
	if err := s.worldstates.Save(ctx, state); err != nil {
		return err
	}
	s.invalidateWorldState(ctx, storyID)
	logger.Info(ctx, "world state restored from snapshot", "story_id", storyID, "name", name)
	return nil
}

func (s *WorldStateService) DeleteSnapshot(ctx context.Context, storyID, name string) error {
	snapshot, err := s.snapshots.GetByName(ctx, storyID, name)
	if err != nil {
		return err
	}
	if snapshot == nil {
		return apperrors.ErrSnapshotNotFound
	}
	return s.snapshots.Delete(ctx, storyID, name)
}

// Undo 撤销最近一个回合：删除最后一章并把世界文档
// 恢复到该章生成前的快照。
func (s *WorldStateService) Undo(ctx context.Context, storyID string) (*entity.Chapter, error) {
	ctx, span := tracer.Start(ctx, "worldstate.Undo", trace.WithAttributes(
		attribute.String("story.id", storyID),
	))
	defer span.End()

	if s.guard != nil && s.guard.Processing(storyID) {
		return nil, apperrors.ErrConflict.WithDetail("a turn is in progress")
	}

	last, err := s.chapters.GetLast(ctx, storyID)
	if err != nil {
		return nil, err
	}
	if last == nil {
		return nil, apperrors.ErrChapterNotFound.WithDetail("nothing to undo")
	}
	if last.PreTurnState == nil {
		return nil, apperrors.ErrConflict.WithDetail("last chapter has no pre-turn snapshot")
	}
	state, err := s.mustGetState(ctx, storyID)
	if err != nil {
		return nil, err
	}

	err = s.tx.WithTransaction(ctx, func(txCtx context.Context) error {
		if err := s.chapters.Delete(txCtx, last.ID); err != nil {
			return err
		}
		state.Document = last.PreTurnState.Clone()
		return s.worldstates.Save(txCtx, state)
	})
	if err != nil {
		return nil, err
	}
	s.invalidateWorldState(ctx, storyID)

	logger.Info(ctx, "turn undone", "story_id", storyID, "seq", last.Seq)
	return last, nil
}

func (s *WorldStateService) mustGetState(ctx context.Context, storyID string) (*entity.WorldState, error) {
	story, err := s.stories.GetByID(ctx, storyID)
	if err != nil {
		return nil, err
	}
	if story == nil {
		return nil, apperrors.ErrStoryNotFound
	}
	state, err := s.worldstates.GetByStory(ctx, storyID)
	if err != nil {
		return nil, err
	}
	if state == nil || state.Document == nil {
		return nil, apperrors.ErrWorldStateNotFound
	}
	return state, nil
}

func (s *WorldStateService) invalidateWorldState(ctx context.Context, storyID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, redis.BuildWorldStateKey(storyID)); err != nil {
		logger.Warn(ctx, "invalidate world state cache failed", "story_id", storyID, "error", err.Error())
	}
}
