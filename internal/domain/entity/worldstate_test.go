package entity

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleBible() *WorldBible {
	return &WorldBible{
		Meta: &MetaSection{
			Title: "The Lantern Keeper",
			Genre: "fantasy",
		},
		CharacterSheet: &CharacterSheet{
			Name:   "Mira",
			Skills: []string{"lockpicking"},
		},
		StoryTimeline: []TimelineEvent{
			{ID: "ev-1", Event: "The gate opens", Status: TimelineEventUpcoming},
			{ID: "ev-2", Event: "The flood", Status: TimelineEventUpcoming},
		},
		CharacterVoices: map[string]string{"Mira": "dry, clipped"},
	}
}

func TestWorldBibleExtraFieldsSurviveRoundTrip(t *testing.T) {
	raw := []byte(`{
		"meta": {"title": "T", "mood_board": ["gray", "rust"]},
		"character_sheet": {"name": "Mira"},
		"faction_ledger": {"guild": "hostile"}
	}`)

	var b WorldBible
	require.NoError(t, json.Unmarshal(raw, &b))

	// 未识别的顶层字段与段落内字段都进侧表
	require.Contains(t, b.Extra, "faction_ledger")
	require.Contains(t, b.Meta.Extra, "mood_board")
	assert.Equal(t, "T", b.Meta.Title)

	out, err := json.Marshal(&b)
	require.NoError(t, err)

	var m map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(out, &m))
	assert.Contains(t, m, "faction_ledger")

	var meta map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(m["meta"], &meta))
	assert.Contains(t, meta, "mood_board")
}

func TestWorldBibleMarshalIsByteStable(t *testing.T) {
	b := sampleBible()
	b.Extra = map[string]json.RawMessage{
		"zeta":  json.RawMessage(`1`),
		"alpha": json.RawMessage(`"x"`),
	}

	first, err := json.Marshal(b)
	require.NoError(t, err)
	second, err := json.Marshal(b)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// 经反序列化再序列化仍字节一致
	var parsed WorldBible
	require.NoError(t, json.Unmarshal(first, &parsed))
	third, err := json.Marshal(&parsed)
	require.NoError(t, err)
	assert.Equal(t, first, third)
}

func TestWorldBibleClone(t *testing.T) {
	b := sampleBible()
	c := b.Clone()

	c.Meta.Title = "changed"
	c.StoryTimeline[0].Status = TimelineEventOccurred
	c.CharacterVoices["Mira"] = "loud"

	assert.Equal(t, "The Lantern Keeper", b.Meta.Title)
	assert.Equal(t, TimelineEventUpcoming, b.StoryTimeline[0].Status)
	assert.Equal(t, "dry, clipped", b.CharacterVoices["Mira"])

	var nilBible *WorldBible
	assert.Nil(t, nilBible.Clone())
}

func TestWorldBibleSetPath(t *testing.T) {
	b := sampleBible()

	require.NoError(t, b.SetPath("meta.title", "New Title"))
	assert.Equal(t, "New Title", b.Meta.Title)

	// 数组索引路径
	require.NoError(t, b.SetPath("story_timeline.1.status", "prevented"))
	assert.Equal(t, TimelineEventPrevented, b.StoryTimeline[1].Status)

	// 中间缺失的对象节点按需创建
	require.NoError(t, b.SetPath("knowledge_boundaries.knows", []any{"the gate is cursed"}))
	require.NotNil(t, b.KnowledgeBoundaries)
	assert.Equal(t, []string{"the gate is cursed"}, b.KnowledgeBoundaries.Knows)

	// 未识别路径写入侧表而非丢弃
	require.NoError(t, b.SetPath("faction_ledger.guild", "hostile"))
	v, ok := b.GetPath("faction_ledger.guild")
	require.True(t, ok)
	assert.Equal(t, "hostile", v)
}

func TestWorldBibleSetPathErrors(t *testing.T) {
	b := sampleBible()

	assert.Error(t, b.SetPath("", "x"))
	// 数组段必须是数字
	assert.Error(t, b.SetPath("story_timeline.first.status", "occurred"))
	// 数组越界
	assert.Error(t, b.SetPath("story_timeline.9.status", "occurred"))
	// 穿越标量
	assert.Error(t, b.SetPath("meta.title.deeper", "x"))
}

func TestWorldBibleGetPath(t *testing.T) {
	b := sampleBible()

	v, ok := b.GetPath("character_sheet.name")
	require.True(t, ok)
	assert.Equal(t, "Mira", v)

	v, ok = b.GetPath("story_timeline.0.event")
	require.True(t, ok)
	assert.Equal(t, "The gate opens", v)

	_, ok = b.GetPath("meta.missing")
	assert.False(t, ok)
	_, ok = b.GetPath("story_timeline.5")
	assert.False(t, ok)
}

func TestWorldBibleMergeOverlaysNonEmptySections(t *testing.T) {
	base := sampleBible()
	incoming := &WorldBible{
		Meta: &MetaSection{Title: "Rewritten"},
		PowerOrigins: map[string]string{
			"lantern": "bound spirit",
		},
	}

	base.Merge(incoming)

	assert.Equal(t, "Rewritten", base.Meta.Title)
	assert.Equal(t, "bound spirit", base.PowerOrigins["lantern"])
	// incoming 缺失的段落保持原值
	assert.Equal(t, "Mira", base.CharacterSheet.Name)
	assert.Len(t, base.StoryTimeline, 2)

	base.Merge(nil)
	assert.Equal(t, "Rewritten", base.Meta.Title)
}

func TestWorldBibleDiff(t *testing.T) {
	prev := sampleBible()
	cur := prev.Clone()
	cur.Meta.Title = "Renamed"
	cur.PowerOrigins = map[string]string{"lantern": "bound spirit"}
	cur.CharacterVoices = nil

	changes := cur.Diff(prev)
	byKind := map[string]ChangeKind{}
	for _, ch := range changes {
		byKind[ch.Section] = ch.Kind
	}

	assert.Equal(t, ChangeModified, byKind["meta"])
	assert.Equal(t, ChangeAdded, byKind["power_origins"])
	assert.Equal(t, ChangeRemoved, byKind["character_voices"])
	assert.NotContains(t, byKind, "character_sheet")

	// 与空文档对比：全部段落视为新增
	fresh := sampleBible()
	changes = fresh.Diff(nil)
	for _, ch := range changes {
		assert.Equal(t, ChangeAdded, ch.Kind)
	}
}

func TestWorldBibleIsEmpty(t *testing.T) {
	assert.True(t, (&WorldBible{}).IsEmpty())
	var nilBible *WorldBible
	assert.True(t, nilBible.IsEmpty())
	assert.False(t, sampleBible().IsEmpty())
}

func TestNewWorldStateDefaultsDocument(t *testing.T) {
	ws := NewWorldState("story-1", nil)
	require.NotNil(t, ws.Document)
	assert.True(t, ws.Document.IsEmpty())
	assert.Equal(t, "story-1", ws.StoryID)
	assert.NotEmpty(t, ws.ID)
}
