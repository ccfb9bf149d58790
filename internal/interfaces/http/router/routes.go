package router

import (
	"github.com/gin-gonic/gin"
)

// RegisterV1Routes 注册 v1 版本路由
func RegisterV1Routes(v1 *gin.RouterGroup, h *Handlers) {
	// 故事管理
	stories := v1.Group("/stories")
	{
		stories.GET("", h.Story.ListStories)
		stories.POST("", h.Story.CreateStory)
		stories.GET("/:sid", h.Story.GetStory)
		stories.PUT("/:sid", h.Story.UpdateStory)
		stories.DELETE("/:sid", h.Story.DeleteStory)
		stories.GET("/:sid/export", h.Story.ExportStory)

		// 章节（生成走会话，这里只有查询和删除）
		stories.GET("/:sid/chapters", h.Story.ListChapters)
		stories.GET("/:sid/chapters/:seq", h.Story.GetChapter)
		stories.DELETE("/:sid/chapters/:seq", h.Story.DeleteChapter)

		// 世界状态
		stories.GET("/:sid/worldstate", h.WorldState.GetWorldState)
		stories.PATCH("/:sid/worldstate", h.WorldState.PatchWorldState)
		stories.GET("/:sid/worldstate/diff", h.WorldState.DiffWorldState)
		stories.GET("/:sid/worldstate/snapshots", h.WorldState.ListSnapshots)
		stories.POST("/:sid/worldstate/snapshots", h.WorldState.CreateSnapshot)
		stories.POST("/:sid/worldstate/snapshots/:name/restore", h.WorldState.RestoreSnapshot)
		stories.DELETE("/:sid/worldstate/snapshots/:name", h.WorldState.DeleteSnapshot)
		stories.GET("/:sid/timeline-comparison", h.WorldState.TimelineComparison)
		stories.POST("/:sid/undo", h.WorldState.UndoTurn)

		// 分支
		stories.GET("/:sid/branches", h.Branch.ListBranches)
		stories.POST("/:sid/branches", h.Branch.CreateBranch)
		stories.GET("/:sid/family-tree", h.Branch.FamilyTree)
	}
}
