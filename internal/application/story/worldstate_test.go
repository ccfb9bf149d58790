package story

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fable-weaver-api/internal/domain/entity"
	apperrors "fable-weaver-api/pkg/errors"
)

func TestWorldStateGetDocument(t *testing.T) {
	env := newServiceEnv()
	ctx := context.Background()
	story := env.seedStory(t)

	raw, err := env.world.GetDocument(ctx, story.ID)
	require.NoError(t, err)
	var doc entity.WorldBible
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, "The Lantern Keeper", doc.Meta.Title)

	again, err := env.world.GetDocument(ctx, story.ID)
	require.NoError(t, err)
	assert.Equal(t, raw, again)

	_, err = env.world.GetDocument(ctx, "missing")
	assert.True(t, errors.Is(err, apperrors.ErrStoryNotFound))
}

func TestWorldStateGetSection(t *testing.T) {
	env := newServiceEnv()
	ctx := context.Background()
	story := env.seedStory(t)

	raw, err := env.world.GetSection(ctx, story.ID, "meta.title")
	require.NoError(t, err)
	assert.Equal(t, `"The Lantern Keeper"`, string(raw))

	_, err = env.world.GetSection(ctx, story.ID, "meta.missing_field")
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
}

func TestWorldStatePatch(t *testing.T) {
	env := newServiceEnv()
	ctx := context.Background()
	story := env.seedStory(t)

	raw, err := env.world.Patch(ctx, story.ID, []PatchOp{
		{Path: "meta.tone", Value: json.RawMessage(`"grim"`)},
		{Path: "story_timeline.0.status", Value: json.RawMessage(`"modified"`)},
	})
	require.NoError(t, err)

	var doc entity.WorldBible
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, "grim", doc.Meta.Tone)
	assert.Equal(t, entity.TimelineEventModified, doc.StoryTimeline[0].Status)

	state, err := env.worldstates.GetByStory(ctx, story.ID)
	require.NoError(t, err)
	assert.Equal(t, "grim", state.Document.Meta.Tone)
}

func TestWorldStatePatchValidation(t *testing.T) {
	env := newServiceEnv()
	ctx := context.Background()
	story := env.seedStory(t)

	_, err := env.world.Patch(ctx, story.ID, nil)
	assert.True(t, errors.Is(err, apperrors.ErrInvalidParam))

	_, err = env.world.Patch(ctx, story.ID, []PatchOp{{Path: "  ", Value: json.RawMessage(`1`)}})
	assert.True(t, errors.Is(err, apperrors.ErrInvalidParam))

	_, err = env.world.Patch(ctx, story.ID, []PatchOp{{Path: "meta.tone", Value: json.RawMessage(`{broken`)}})
	assert.True(t, errors.Is(err, apperrors.ErrInvalidParam))

	// 越界数组路径：整个批次失败，文档保持原样
	_, err = env.world.Patch(ctx, story.ID, []PatchOp{
		{Path: "meta.tone", Value: json.RawMessage(`"grim"`)},
		{Path: "story_timeline.99.status", Value: json.RawMessage(`"occurred"`)},
	})
	assert.True(t, errors.Is(err, apperrors.ErrInvalidParam))
	state, err := env.worldstates.GetByStory(ctx, story.ID)
	require.NoError(t, err)
	assert.Empty(t, state.Document.Meta.Tone)
}

func TestWorldStatePatchLockedDuringTurn(t *testing.T) {
	env := newServiceEnv()
	ctx := context.Background()
	story := env.seedStory(t)
	env.guard.set(story.ID, true)

	_, err := env.world.Patch(ctx, story.ID, []PatchOp{{Path: "meta.tone", Value: json.RawMessage(`"grim"`)}})
	assert.True(t, errors.Is(err, apperrors.ErrConflict))
}

func TestWorldStateDiffAgainstPreTurnSnapshot(t *testing.T) {
	env := newServiceEnv()
	ctx := context.Background()
	story := env.seedStory(t)

	changes, err := env.world.Diff(ctx, story.ID)
	require.NoError(t, err)

	// 最后一章回合前快照没有故事时间线，当前文档有
	var found bool
	for _, c := range changes {
		if c.Section == "story_timeline" {
			found = true
			assert.Equal(t, entity.ChangeAdded, c.Kind)
		}
	}
	assert.True(t, found, "expected a story_timeline change entry")
}

func TestWorldStateSnapshotLifecycle(t *testing.T) {
	env := newServiceEnv()
	ctx := context.Background()
	story := env.seedStory(t)

	snap, err := env.world.CreateSnapshot(ctx, story.ID, " before the gate ")
	require.NoError(t, err)
	assert.Equal(t, "before the gate", snap.Name)

	_, err = env.world.CreateSnapshot(ctx, story.ID, "before the gate")
	assert.True(t, errors.Is(err, apperrors.ErrSnapshotExists))

	_, err = env.world.CreateSnapshot(ctx, story.ID, "")
	assert.True(t, errors.Is(err, apperrors.ErrInvalidParam))

	snaps, err := env.world.ListSnapshots(ctx, story.ID)
	require.NoError(t, err)
	assert.Len(t, snaps, 1)

	// 文档改动后恢复快照应回到快照内容
	_, err = env.world.Patch(ctx, story.ID, []PatchOp{{Path: "meta.tone", Value: json.RawMessage(`"grim"`)}})
	require.NoError(t, err)
	require.NoError(t, env.world.RestoreSnapshot(ctx, story.ID, "before the gate"))
	state, err := env.worldstates.GetByStory(ctx, story.ID)
	require.NoError(t, err)
	assert.Empty(t, state.Document.Meta.Tone)

	err = env.world.RestoreSnapshot(ctx, story.ID, "never made")
	assert.True(t, errors.Is(err, apperrors.ErrSnapshotNotFound))

	require.NoError(t, env.world.DeleteSnapshot(ctx, story.ID, "before the gate"))
	err = env.world.DeleteSnapshot(ctx, story.ID, "before the gate")
	assert.True(t, errors.Is(err, apperrors.ErrSnapshotNotFound))
}

func TestWorldStateUndoRemovesLastTurn(t *testing.T) {
	env := newServiceEnv()
	ctx := context.Background()
	story := env.seedStory(t)

	undone, err := env.world.Undo(ctx, story.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, undone.Seq)

	chapters, err := env.chapters.ListByStory(ctx, story.ID)
	require.NoError(t, err)
	require.Len(t, chapters, 1)
	assert.Equal(t, 1, chapters[0].Seq)

	// 文档回到第二章生成前：没有故事时间线
	state, err := env.worldstates.GetByStory(ctx, story.ID)
	require.NoError(t, err)
	assert.Empty(t, state.Document.StoryTimeline)
}

func TestWorldStateUndoEdgeCases(t *testing.T) {
	env := newServiceEnv()
	ctx := context.Background()
	story := env.seedStory(t)

	env.guard.set(story.ID, true)
	_, err := env.world.Undo(ctx, story.ID)
	assert.True(t, errors.Is(err, apperrors.ErrConflict))
	env.guard.set(story.ID, false)

	// 第一章没有回合前快照：拒绝继续撤销
	_, err = env.world.Undo(ctx, story.ID)
	require.NoError(t, err)
	env.chapters.chapters[story.ID][0].PreTurnState = nil
	_, err = env.world.Undo(ctx, story.ID)
	assert.True(t, errors.Is(err, apperrors.ErrConflict))

	// 无章节可撤销
	empty := entity.NewStory("Empty", "p")
	empty.MarkReady()
	require.NoError(t, env.stories.Create(ctx, empty))
	require.NoError(t, env.worldstates.Create(ctx, entity.NewWorldState(empty.ID, &entity.WorldBible{Meta: &entity.MetaSection{Title: "Empty"}})))
	_, err = env.world.Undo(ctx, empty.ID)
	assert.True(t, errors.Is(err, apperrors.ErrChapterNotFound))
}

func TestTimelineComparisonStats(t *testing.T) {
	env := newServiceEnv()
	ctx := context.Background()
	story := env.seedStory(t)

	cmp, err := env.world.TimelineComparison(ctx, story.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, cmp.Stats.Total)
	assert.Equal(t, 1, cmp.Stats.Upcoming)
	assert.Equal(t, 1, cmp.Stats.Occurred)
	assert.Equal(t, 1, cmp.Stats.Prevented)
	assert.Equal(t, 0, cmp.Stats.Modified)
	assert.Len(t, cmp.Story, 1)
	assert.NotNil(t, cmp.Divergences)
}
