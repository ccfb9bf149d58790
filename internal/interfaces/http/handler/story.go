package handler

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"fable-weaver-api/internal/application/story"
	"fable-weaver-api/internal/domain/repository"
	"fable-weaver-api/internal/interfaces/http/dto"
)

// StoryHandler 故事处理器
type StoryHandler struct {
	svc *story.Service
}

func NewStoryHandler(svc *story.Service) *StoryHandler {
	return &StoryHandler{svc: svc}
}

// ListStories 获取故事列表
// @Summary 获取故事列表
// @Tags Stories
// @Produce json
// @Param page query int false "页码" default(1)
// @Param page_size query int false "每页条数" default(20)
// @Success 200 {object} dto.Response[[]dto.StoryResponse]
// @Router /v1/stories [get]
func (h *StoryHandler) ListStories(c *gin.Context) {
	ctx := c.Request.Context()
	pageReq := dto.BindPage(c)

	result, err := h.svc.List(ctx, repository.NewPagination(pageReq.Page, pageReq.PageSize))
	if err != nil {
		respondError(c, ctx, err, "failed to list stories")
		return
	}

	resp := dto.ToStoryListResponse(result.Items)
	meta := dto.NewPageMeta(pageReq.Page, pageReq.PageSize, int(result.Total))
	dto.SuccessWithPage(c, resp, meta)
}

// CreateStory 创建故事
// @Summary 创建故事
// @Tags Stories
// @Accept json
// @Produce json
// @Param body body dto.CreateStoryRequest true "故事信息"
// @Success 201 {object} dto.Response[dto.StoryResponse]
// @Failure 400 {object} dto.ErrorResponse
// @Router /v1/stories [post]
func (h *StoryHandler) CreateStory(c *gin.Context) {
	ctx := c.Request.Context()

	var req dto.CreateStoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		dto.BadRequest(c, "invalid request body: "+err.Error())
		return
	}

	s, err := h.svc.Create(ctx, &story.CreateStoryInput{
		Title:   req.Title,
		Premise: req.Premise,
	})
	if err != nil {
		respondError(c, ctx, err, "failed to create story")
		return
	}
	dto.Created(c, dto.ToStoryResponse(s))
}

// GetStory 获取故事详情
// @Summary 获取故事详情
// @Tags Stories
// @Produce json
// @Param sid path string true "故事 ID"
// @Success 200 {object} dto.Response[story.StoryDetail]
// @Failure 404 {object} dto.ErrorResponse
// @Router /v1/stories/{sid} [get]
func (h *StoryHandler) GetStory(c *gin.Context) {
	ctx := c.Request.Context()
	storyID := dto.BindStoryID(c)

	detail, err := h.svc.Detail(ctx, storyID)
	if err != nil {
		respondError(c, ctx, err, "failed to get story")
		return
	}
	dto.Success(c, detail)
}

// UpdateStory 修改故事元信息
// @Summary 修改故事
// @Tags Stories
// @Accept json
// @Produce json
// @Param sid path string true "故事 ID"
// @Param body body dto.UpdateStoryRequest true "修改内容"
// @Success 200 {object} dto.Response[dto.StoryResponse]
// @Failure 409 {object} dto.ErrorResponse
// @Router /v1/stories/{sid} [put]
func (h *StoryHandler) UpdateStory(c *gin.Context) {
	ctx := c.Request.Context()
	storyID := dto.BindStoryID(c)

	var req dto.UpdateStoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		dto.BadRequest(c, "invalid request body: "+err.Error())
		return
	}

	s, err := h.svc.Update(ctx, storyID, &story.UpdateStoryInput{
		Title:   req.Title,
		Premise: req.Premise,
	})
	if err != nil {
		respondError(c, ctx, err, "failed to update story")
		return
	}
	dto.Success(c, dto.ToStoryResponse(s))
}

// DeleteStory 删除故事
// @Summary 删除故事及其全部数据
// @Tags Stories
// @Param sid path string true "故事 ID"
// @Success 204
// @Failure 409 {object} dto.ErrorResponse
// @Router /v1/stories/{sid} [delete]
func (h *StoryHandler) DeleteStory(c *gin.Context) {
	ctx := c.Request.Context()
	storyID := dto.BindStoryID(c)

	if err := h.svc.Delete(ctx, storyID); err != nil {
		respondError(c, ctx, err, "failed to delete story")
		return
	}
	dto.NoContent(c)
}

// ListChapters 获取章节列表（不含正文）
// @Summary 获取章节列表
// @Tags Stories
// @Produce json
// @Param sid path string true "故事 ID"
// @Success 200 {object} dto.Response[[]dto.ChapterResponse]
// @Router /v1/stories/{sid}/chapters [get]
func (h *StoryHandler) ListChapters(c *gin.Context) {
	ctx := c.Request.Context()
	storyID := dto.BindStoryID(c)

	chapters, err := h.svc.Chapters(ctx, storyID)
	if err != nil {
		respondError(c, ctx, err, "failed to list chapters")
		return
	}

	resp := make([]dto.ChapterResponse, 0, len(chapters))
	for _, ch := range chapters {
		resp = append(resp, dto.ToChapterResponse(ch, false))
	}
	dto.Success(c, resp)
}

// GetChapter 获取单章（含正文）
// @Summary 获取章节
// @Tags Stories
// @Produce json
// @Param sid path string true "故事 ID"
// @Param seq path int true "章节序号"
// @Success 200 {object} dto.Response[dto.ChapterResponse]
// @Failure 404 {object} dto.ErrorResponse
// @Router /v1/stories/{sid}/chapters/{seq} [get]
func (h *StoryHandler) GetChapter(c *gin.Context) {
	ctx := c.Request.Context()
	storyID := dto.BindStoryID(c)

	seq, ok := dto.BindChapterSeq(c)
	if !ok {
		dto.BadRequest(c, "invalid chapter seq")
		return
	}

	ch, err := h.svc.Chapter(ctx, storyID, seq)
	if err != nil {
		respondError(c, ctx, err, "failed to get chapter")
		return
	}
	dto.Success(c, dto.ToChapterResponse(ch, true))
}

// DeleteChapter 删除章节
// @Summary 删除章节
// @Tags Stories
// @Param sid path string true "故事 ID"
// @Param seq path int true "章节序号"
// @Success 204
// @Failure 404 {object} dto.ErrorResponse
// @Failure 409 {object} dto.ErrorResponse
// @Router /v1/stories/{sid}/chapters/{seq} [delete]
func (h *StoryHandler) DeleteChapter(c *gin.Context) {
	ctx := c.Request.Context()
	storyID := dto.BindStoryID(c)

	seq, ok := dto.BindChapterSeq(c)
	if !ok {
		dto.BadRequest(c, "invalid chapter seq")
		return
	}

	if err := h.svc.DeleteChapter(ctx, storyID, seq); err != nil {
		respondError(c, ctx, err, "failed to delete chapter")
		return
	}
	c.Status(http.StatusNoContent)
}

// ExportStory 导出完整故事
// @Summary 导出故事
// @Tags Stories
// @Produce text/markdown
// @Param sid path string true "故事 ID"
// @Param format query string false "导出格式" Enums(markdown, text) default(markdown)
// @Success 200 {string} string
// @Router /v1/stories/{sid}/export [get]
func (h *StoryHandler) ExportStory(c *gin.Context) {
	ctx := c.Request.Context()
	storyID := dto.BindStoryID(c)

	content, err := h.svc.Export(ctx, storyID)
	if err != nil {
		respondError(c, ctx, err, "failed to export story")
		return
	}

	contentType := "text/markdown; charset=utf-8"
	ext := ".md"
	if c.DefaultQuery("format", "markdown") == "text" {
		contentType = "text/plain; charset=utf-8"
		ext = ".txt"
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", storyID+ext))
	c.Data(http.StatusOK, contentType, []byte(content))
}
