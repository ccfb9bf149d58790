// Package entity 定义领域实体
package entity

import (
	"time"

	"github.com/google/uuid"
)

// StoryStatus 故事状态
type StoryStatus string

const (
	// StoryStatusDraft 已创建但尚未完成初始化（研究 + 世界观合成 + 首章）
	StoryStatusDraft StoryStatus = "draft"
	// StoryStatusReady 初始化完成，可进入回合循环
	StoryStatusReady StoryStatus = "ready"
)

// Story 故事实体
// 分支不是独立实体：ParentStoryID 非空即为分支，
// BranchPointChapter 记录创建分支时父故事的章节数。
type Story struct {
	ID                 string      `json:"id" gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	Title              string      `json:"title" gorm:"type:varchar(255);not null"`
	Premise            string      `json:"premise,omitempty" gorm:"type:text"`
	Status             StoryStatus `json:"status" gorm:"type:varchar(20);default:'draft'"`
	ParentStoryID      *string     `json:"parent_story_id,omitempty" gorm:"type:uuid;index"`
	BranchPointChapter *int        `json:"branch_point_chapter,omitempty"`
	BranchName         *string     `json:"branch_name,omitempty" gorm:"type:varchar(255)"`
	CreatedAt          time.Time   `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt          time.Time   `json:"updated_at" gorm:"autoUpdateTime"`
}

// TableName 指定表名
func (Story) TableName() string {
	return "stories"
}

// NewStory 创建新故事
func NewStory(title, premise string) *Story {
	now := time.Now()
	return &Story{
		ID:        uuid.NewString(),
		Title:     title,
		Premise:   premise,
		Status:    StoryStatusDraft,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// NewBranch 从父故事派生分支故事
// branchPoint 为创建时父故事的章节数，分支继承父故事的标题与前提。
func NewBranch(parent *Story, name string, branchPoint int) *Story {
	now := time.Now()
	return &Story{
		ID:                 uuid.NewString(),
		Title:              parent.Title + " / " + name,
		Premise:            parent.Premise,
		Status:             parent.Status,
		ParentStoryID:      &parent.ID,
		BranchPointChapter: &branchPoint,
		BranchName:         &name,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

// IsBranch 是否为分支故事
func (s *Story) IsBranch() bool {
	return s.ParentStoryID != nil
}

// IsInitialized 是否已完成初始化
func (s *Story) IsInitialized() bool {
	return s.Status == StoryStatusReady
}

// MarkReady 标记初始化完成
func (s *Story) MarkReady() {
	s.Status = StoryStatusReady
	s.UpdatedAt = time.Now()
}
