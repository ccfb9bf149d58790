package handler

import (
	"github.com/gin-gonic/gin"

	"fable-weaver-api/internal/application/story"
	"fable-weaver-api/internal/interfaces/http/dto"
)

// BranchHandler 故事分支处理器
type BranchHandler struct {
	svc *story.BranchService
}

func NewBranchHandler(svc *story.BranchService) *BranchHandler {
	return &BranchHandler{svc: svc}
}

// CreateBranch 从当前进度创建分支
// @Summary 创建故事分支
// @Tags Branches
// @Accept json
// @Produce json
// @Param sid path string true "父故事 ID"
// @Param body body dto.CreateBranchRequest true "分支信息"
// @Success 201 {object} dto.Response[dto.StoryResponse]
// @Failure 409 {object} dto.ErrorResponse
// @Router /v1/stories/{sid}/branches [post]
func (h *BranchHandler) CreateBranch(c *gin.Context) {
	ctx := c.Request.Context()
	parentID := dto.BindStoryID(c)

	var req dto.CreateBranchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		dto.BadRequest(c, "invalid request body: "+err.Error())
		return
	}

	branch, err := h.svc.CreateBranch(ctx, &story.CreateBranchInput{
		ParentID: parentID,
		Name:     req.Name,
	})
	if err != nil {
		respondError(c, ctx, err, "failed to create branch")
		return
	}
	dto.Created(c, dto.ToStoryResponse(branch))
}

// ListBranches 列出直接分支及被查询故事自身的分支归属
// @Summary 获取分支列表
// @Tags Branches
// @Produce json
// @Param sid path string true "故事 ID"
// @Success 200 {object} dto.Response[dto.BranchListResponse]
// @Router /v1/stories/{sid}/branches [get]
func (h *BranchHandler) ListBranches(c *gin.Context) {
	ctx := c.Request.Context()
	storyID := dto.BindStoryID(c)

	parent, branches, err := h.svc.ListBranches(ctx, storyID)
	if err != nil {
		respondError(c, ctx, err, "failed to list branches")
		return
	}
	dto.Success(c, dto.ToBranchListResponse(parent, branches))
}

// FamilyTree 从任一节点返回整棵分支族谱
// @Summary 获取分支族谱
// @Tags Branches
// @Produce json
// @Param sid path string true "故事 ID"
// @Success 200 {object} dto.Response[story.FamilyTreeNode]
// @Router /v1/stories/{sid}/family-tree [get]
func (h *BranchHandler) FamilyTree(c *gin.Context) {
	ctx := c.Request.Context()
	storyID := dto.BindStoryID(c)

	tree, err := h.svc.FamilyTree(ctx, storyID)
	if err != nil {
		respondError(c, ctx, err, "failed to build family tree")
		return
	}
	dto.Success(c, tree)
}
