// Package entity 定义领域实体
package entity

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// SetPath 按点分路径写入值，路径目标为 last-write-wins 覆盖。
// 路径段为数字时索引数组（如 "story_timeline.0.status"），
// 中间缺失的对象节点按需创建，数组越界视为错误。
func (b *WorldBible) SetPath(path string, value any) error {
	segments := strings.Split(path, ".")
	if len(segments) == 0 || segments[0] == "" {
		return fmt.Errorf("empty path")
	}

	tree, err := b.toMap()
	if err != nil {
		return err
	}

	var node any = tree
	for i, seg := range segments {
		last := i == len(segments)-1
		switch cur := node.(type) {
		case map[string]any:
			if last {
				cur[seg] = value
				return b.fromMap(tree)
			}
			child, ok := cur[seg]
			if !ok || child == nil {
				child = map[string]any{}
				cur[seg] = child
			}
			node = child
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil {
				return fmt.Errorf("path segment %q indexes an array but is not a number", seg)
			}
			if idx < 0 || idx >= len(cur) {
				return fmt.Errorf("path segment %q out of range (array length %d)", seg, len(cur))
			}
			if last {
				cur[idx] = value
				return b.fromMap(tree)
			}
			node = cur[idx]
		default:
			return fmt.Errorf("path segment %q traverses a scalar value", seg)
		}
	}
	return b.fromMap(tree)
}

// GetPath 按点分路径读取值
func (b *WorldBible) GetPath(path string) (any, bool) {
	tree, err := b.toMap()
	if err != nil {
		return nil, false
	}

	var node any = tree
	for _, seg := range strings.Split(path, ".") {
		switch cur := node.(type) {
		case map[string]any:
			child, ok := cur[seg]
			if !ok {
				return nil, false
			}
			node = child
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(cur) {
				return nil, false
			}
			node = cur[idx]
		default:
			return nil, false
		}
	}
	return node, true
}

// Merge 将另一文档中非空的段落覆盖到当前文档（段落级 last-write-wins），
// 供独立研究请求把增补后的状态并回使用。
func (b *WorldBible) Merge(other *WorldBible) {
	if other == nil {
		return
	}
	if other.Meta != nil {
		b.Meta = other.Meta
	}
	if other.CharacterSheet != nil {
		b.CharacterSheet = other.CharacterSheet
	}
	if other.Stakes != nil {
		b.Stakes = other.Stakes
	}
	if len(other.CanonTimeline) > 0 {
		b.CanonTimeline = other.CanonTimeline
	}
	if len(other.StoryTimeline) > 0 {
		b.StoryTimeline = other.StoryTimeline
	}
	if len(other.Divergences) > 0 {
		b.Divergences = other.Divergences
	}
	if len(other.CharacterVoices) > 0 {
		b.CharacterVoices = other.CharacterVoices
	}
	if other.KnowledgeBoundaries != nil {
		b.KnowledgeBoundaries = other.KnowledgeBoundaries
	}
	if len(other.PowerOrigins) > 0 {
		b.PowerOrigins = other.PowerOrigins
	}
	for k, v := range other.Extra {
		if b.Extra == nil {
			b.Extra = map[string]json.RawMessage{}
		}
		b.Extra[k] = v
	}
}

// ChangeKind 段落变更类型
type ChangeKind string

const (
	ChangeAdded    ChangeKind = "added"
	ChangeRemoved  ChangeKind = "removed"
	ChangeModified ChangeKind = "modified"
)

// SectionChange 单个段落的变更记录
type SectionChange struct {
	Section string     `json:"section"`
	Kind    ChangeKind `json:"kind"`
	Before  any        `json:"before,omitempty"`
	After   any        `json:"after,omitempty"`
}

// Diff 与旧版本文档按段落对比
func (b *WorldBible) Diff(prev *WorldBible) []SectionChange {
	if prev == nil {
		prev = &WorldBible{}
	}
	curTree, err := b.toMap()
	if err != nil {
		return nil
	}
	prevTree, err := prev.toMap()
	if err != nil {
		return nil
	}

	seen := make(map[string]struct{}, len(curTree)+len(prevTree))
	var sections []string
	for _, k := range worldBibleKeys {
		if _, inCur := curTree[k]; inCur {
			sections = append(sections, k)
			seen[k] = struct{}{}
			continue
		}
		if _, inPrev := prevTree[k]; inPrev {
			sections = append(sections, k)
			seen[k] = struct{}{}
		}
	}
	for k := range curTree {
		if _, ok := seen[k]; !ok {
			sections = append(sections, k)
			seen[k] = struct{}{}
		}
	}
	for k := range prevTree {
		if _, ok := seen[k]; !ok {
			sections = append(sections, k)
		}
	}

	var changes []SectionChange
	for _, section := range sections {
		before, hadBefore := prevTree[section]
		after, hasAfter := curTree[section]
		switch {
		case !hadBefore && hasAfter:
			changes = append(changes, SectionChange{Section: section, Kind: ChangeAdded, After: after})
		case hadBefore && !hasAfter:
			changes = append(changes, SectionChange{Section: section, Kind: ChangeRemoved, Before: before})
		case hadBefore && hasAfter && !jsonEqual(before, after):
			changes = append(changes, SectionChange{Section: section, Kind: ChangeModified, Before: before, After: after})
		}
	}
	return changes
}

func jsonEqual(a, b any) bool {
	ab, errA := json.Marshal(a)
	bb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}

// toMap 文档转通用映射（经两侧自定义序列化，侧表字段保留）
func (b *WorldBible) toMap() (map[string]any, error) {
	data, err := json.Marshal(b)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}

// fromMap 通用映射写回文档
func (b *WorldBible) fromMap(m map[string]any) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return b.UnmarshalJSON(data)
}
