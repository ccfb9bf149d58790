package dto

import (
	"time"

	"fable-weaver-api/internal/domain/entity"
)

// CreateStoryRequest 创建故事请求
type CreateStoryRequest struct {
	Title   string `json:"title" binding:"required"`
	Premise string `json:"premise" binding:"required"`
}

// UpdateStoryRequest 修改故事请求，nil 字段表示不变
type UpdateStoryRequest struct {
	Title   *string `json:"title"`
	Premise *string `json:"premise"`
}

// CreateBranchRequest 创建分支请求
type CreateBranchRequest struct {
	Name string `json:"name" binding:"required"`
}

// CreateSnapshotRequest 创建世界状态快照请求
type CreateSnapshotRequest struct {
	Name string `json:"name" binding:"required"`
}

// PatchWorldStateRequest 世界状态修订请求
type PatchWorldStateRequest struct {
	Ops []PatchOpRequest `json:"ops" binding:"required"`
}

// PatchOpRequest 单条修订
type PatchOpRequest struct {
	Path  string      `json:"path" binding:"required"`
	Value interface{} `json:"value"`
}

// StoryResponse 故事响应
type StoryResponse struct {
	ID                 string    `json:"id"`
	Title              string    `json:"title"`
	Premise            string    `json:"premise"`
	Status             string    `json:"status"`
	ParentStoryID      *string   `json:"parent_story_id,omitempty"`
	BranchPointChapter *int      `json:"branch_point_chapter,omitempty"`
	BranchName         *string   `json:"branch_name,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// ToStoryResponse 实体转响应
func ToStoryResponse(s *entity.Story) StoryResponse {
	return StoryResponse{
		ID:                 s.ID,
		Title:              s.Title,
		Premise:            s.Premise,
		Status:             string(s.Status),
		ParentStoryID:      s.ParentStoryID,
		BranchPointChapter: s.BranchPointChapter,
		BranchName:         s.BranchName,
		CreatedAt:          s.CreatedAt,
		UpdatedAt:          s.UpdatedAt,
	}
}

// ToStoryListResponse 实体列表转响应
func ToStoryListResponse(items []*entity.Story) []StoryResponse {
	out := make([]StoryResponse, 0, len(items))
	for _, s := range items {
		out = append(out, ToStoryResponse(s))
	}
	return out
}

// BranchListResponse 分支列表响应，携带被查询故事自身的分支归属
type BranchListResponse struct {
	StoryID            string          `json:"story_id"`
	IsBranch           bool            `json:"is_branch"`
	ParentStoryID      *string         `json:"parent_story_id,omitempty"`
	BranchPointChapter *int            `json:"branch_point_chapter,omitempty"`
	Branches           []StoryResponse `json:"branches"`
}

// ToBranchListResponse 组装分支列表响应
func ToBranchListResponse(parent *entity.Story, branches []*entity.Story) BranchListResponse {
	return BranchListResponse{
		StoryID:            parent.ID,
		IsBranch:           parent.ParentStoryID != nil,
		ParentStoryID:      parent.ParentStoryID,
		BranchPointChapter: parent.BranchPointChapter,
		Branches:           ToStoryListResponse(branches),
	}
}

// ChapterResponse 章节响应
type ChapterResponse struct {
	ID         string    `json:"id"`
	StoryID    string    `json:"story_id"`
	Seq        int       `json:"seq"`
	Title      string    `json:"title"`
	Content    string    `json:"content,omitempty"`
	Summary    string    `json:"summary"`
	Choices    []string  `json:"choices"`
	UserAction string    `json:"user_action,omitempty"`
	WordCount  int       `json:"word_count"`
	CreatedAt  time.Time `json:"created_at"`
}

// ToChapterResponse 实体转响应；withContent 控制是否携带正文
func ToChapterResponse(ch *entity.Chapter, withContent bool) ChapterResponse {
	resp := ChapterResponse{
		ID:         ch.ID,
		StoryID:    ch.StoryID,
		Seq:        ch.Seq,
		Title:      ch.Title,
		Summary:    ch.Summary,
		Choices:    ch.Choices,
		UserAction: ch.UserAction,
		WordCount:  ch.WordCount,
		CreatedAt:  ch.CreatedAt,
	}
	if withContent {
		resp.Content = ch.Content
	}
	return resp
}

// SnapshotResponse 快照响应（不携带完整文档）
type SnapshotResponse struct {
	Name      string    `json:"name"`
	StoryID   string    `json:"story_id"`
	CreatedAt time.Time `json:"created_at"`
}

// ToSnapshotListResponse 快照列表转响应
func ToSnapshotListResponse(items []*entity.WorldStateSnapshot) []SnapshotResponse {
	out := make([]SnapshotResponse, 0, len(items))
	for _, s := range items {
		out = append(out, SnapshotResponse{
			Name:      s.Name,
			StoryID:   s.StoryID,
			CreatedAt: s.CreatedAt,
		})
	}
	return out
}
