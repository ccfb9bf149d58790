package handler

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"fable-weaver-api/internal/application/story"
	"fable-weaver-api/internal/interfaces/http/dto"
)

// WorldStateHandler 世界状态处理器
type WorldStateHandler struct {
	svc *story.WorldStateService
}

func NewWorldStateHandler(svc *story.WorldStateService) *WorldStateHandler {
	return &WorldStateHandler{svc: svc}
}

// GetWorldState 获取世界状态文档
// @Summary 获取世界状态
// @Tags WorldState
// @Produce json
// @Param sid path string true "故事 ID"
// @Param section query string false "只取文档的某个子树（点路径）"
// @Success 200 {object} map[string]interface{}
// @Failure 404 {object} dto.ErrorResponse
// @Router /v1/stories/{sid}/worldstate [get]
func (h *WorldStateHandler) GetWorldState(c *gin.Context) {
	ctx := c.Request.Context()
	storyID := dto.BindStoryID(c)

	if section := c.Query("section"); section != "" {
		value, err := h.svc.GetSection(ctx, storyID, section)
		if err != nil {
			respondError(c, ctx, err, "failed to get world state section")
			return
		}
		c.Data(http.StatusOK, "application/json; charset=utf-8", value)
		return
	}

	doc, err := h.svc.GetDocument(ctx, storyID)
	if err != nil {
		respondError(c, ctx, err, "failed to get world state")
		return
	}
	// 文档字节原样返回，同一内容两次读取完全一致
	c.Data(http.StatusOK, "application/json; charset=utf-8", doc)
}

// PatchWorldState 人工修订世界状态
// @Summary 修订世界状态
// @Tags WorldState
// @Accept json
// @Produce json
// @Param sid path string true "故事 ID"
// @Param body body dto.PatchWorldStateRequest true "修订操作"
// @Success 200 {object} map[string]interface{}
// @Failure 409 {object} dto.ErrorResponse
// @Router /v1/stories/{sid}/worldstate [patch]
func (h *WorldStateHandler) PatchWorldState(c *gin.Context) {
	ctx := c.Request.Context()
	storyID := dto.BindStoryID(c)

	var req dto.PatchWorldStateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		dto.BadRequest(c, "invalid request body: "+err.Error())
		return
	}

	ops := make([]story.PatchOp, 0, len(req.Ops))
	for _, op := range req.Ops {
		value, err := json.Marshal(op.Value)
		if err != nil {
			dto.BadRequest(c, "invalid patch value")
			return
		}
		ops = append(ops, story.PatchOp{Path: op.Path, Value: value})
	}

	doc, err := h.svc.Patch(ctx, storyID, ops)
	if err != nil {
		respondError(c, ctx, err, "failed to patch world state")
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", doc)
}

// DiffWorldState 世界状态与上一回合前快照的差异
// @Summary 世界状态差异
// @Tags WorldState
// @Produce json
// @Param sid path string true "故事 ID"
// @Success 200 {object} dto.Response[[]entity.SectionChange]
// @Router /v1/stories/{sid}/worldstate/diff [get]
func (h *WorldStateHandler) DiffWorldState(c *gin.Context) {
	ctx := c.Request.Context()
	storyID := dto.BindStoryID(c)

	changes, err := h.svc.Diff(ctx, storyID)
	if err != nil {
		respondError(c, ctx, err, "failed to diff world state")
		return
	}
	dto.Success(c, changes)
}

// TimelineComparison 正史与故事时间线对照
// @Summary 时间线对照
// @Tags WorldState
// @Produce json
// @Param sid path string true "故事 ID"
// @Success 200 {object} dto.Response[story.TimelineComparison]
// @Router /v1/stories/{sid}/timeline-comparison [get]
func (h *WorldStateHandler) TimelineComparison(c *gin.Context) {
	ctx := c.Request.Context()
	storyID := dto.BindStoryID(c)

	cmp, err := h.svc.TimelineComparison(ctx, storyID)
	if err != nil {
		respondError(c, ctx, err, "failed to compare timelines")
		return
	}
	dto.Success(c, cmp)
}

// CreateSnapshot 创建命名快照
// @Summary 创建世界状态快照
// @Tags WorldState
// @Accept json
// @Produce json
// @Param sid path string true "故事 ID"
// @Param body body dto.CreateSnapshotRequest true "快照名"
// @Success 201 {object} dto.Response[dto.SnapshotResponse]
// @Failure 409 {object} dto.ErrorResponse
// @Router /v1/stories/{sid}/worldstate/snapshots [post]
func (h *WorldStateHandler) CreateSnapshot(c *gin.Context) {
	ctx := c.Request.Context()
	storyID := dto.BindStoryID(c)

	var req dto.CreateSnapshotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		dto.BadRequest(c, "invalid request body: "+err.Error())
		return
	}

	snapshot, err := h.svc.CreateSnapshot(ctx, storyID, req.Name)
	if err != nil {
		respondError(c, ctx, err, "failed to create snapshot")
		return
	}
	dto.Created(c, dto.SnapshotResponse{
		Name:      snapshot.Name,
		StoryID:   snapshot.StoryID,
		CreatedAt: snapshot.CreatedAt,
	})
}

// ListSnapshots 列出命名快照
// @Summary 快照列表
// @Tags WorldState
// @Produce json
// @Param sid path string true "故事 ID"
// @Success 200 {object} dto.Response[[]dto.SnapshotResponse]
// @Router /v1/stories/{sid}/worldstate/snapshots [get]
func (h *WorldStateHandler) ListSnapshots(c *gin.Context) {
	ctx := c.Request.Context()
	storyID := dto.BindStoryID(c)

	snapshots, err := h.svc.ListSnapshots(ctx, storyID)
	if err != nil {
		respondError(c, ctx, err, "failed to list snapshots")
		return
	}
	dto.Success(c, dto.ToSnapshotListResponse(snapshots))
}

// RestoreSnapshot 恢复到命名快照
// @Summary 恢复快照
// @Tags WorldState
// @Param sid path string true "故事 ID"
// @Param name path string true "快照名"
// @Success 204
// @Failure 409 {object} dto.ErrorResponse
// @Router /v1/stories/{sid}/worldstate/snapshots/{name}/restore [post]
func (h *WorldStateHandler) RestoreSnapshot(c *gin.Context) {
	ctx := c.Request.Context()
	storyID := dto.BindStoryID(c)
	name := dto.BindSnapshotName(c)

	if err := h.svc.RestoreSnapshot(ctx, storyID, name); err != nil {
		respondError(c, ctx, err, "failed to restore snapshot")
		return
	}
	dto.NoContent(c)
}

// DeleteSnapshot 删除命名快照
// @Summary 删除快照
// @Tags WorldState
// @Param sid path string true "故事 ID"
// @Param name path string true "快照名"
// @Success 204
// @Router /v1/stories/{sid}/worldstate/snapshots/{name} [delete]
func (h *WorldStateHandler) DeleteSnapshot(c *gin.Context) {
	ctx := c.Request.Context()
	storyID := dto.BindStoryID(c)
	name := dto.BindSnapshotName(c)

	if err := h.svc.DeleteSnapshot(ctx, storyID, name); err != nil {
		respondError(c, ctx, err, "failed to delete snapshot")
		return
	}
	dto.NoContent(c)
}

// UndoTurn 撤销最近一个回合
// @Summary 撤销回合
// @Tags WorldState
// @Produce json
// @Param sid path string true "故事 ID"
// @Success 200 {object} dto.Response[dto.ChapterResponse]
// @Failure 409 {object} dto.ErrorResponse
// @Router /v1/stories/{sid}/undo [post]
func (h *WorldStateHandler) UndoTurn(c *gin.Context) {
	ctx := c.Request.Context()
	storyID := dto.BindStoryID(c)

	removed, err := h.svc.Undo(ctx, storyID)
	if err != nil {
		respondError(c, ctx, err, "failed to undo turn")
		return
	}
	dto.Success(c, dto.ToChapterResponse(removed, false))
}
