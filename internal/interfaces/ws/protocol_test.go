package ws

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSlashCommand(t *testing.T) {
	cmd, rest, ok := parseSlashCommand("/undo")
	require.True(t, ok)
	assert.Equal(t, "undo", cmd)
	assert.Empty(t, rest)

	cmd, rest, ok = parseSlashCommand("  /research Who rules the city?  ")
	require.True(t, ok)
	assert.Equal(t, "research", cmd)
	assert.Equal(t, "Who rules the city?", rest)

	cmd, rest, ok = parseSlashCommand("/Snapshot before-the-gate")
	require.True(t, ok)
	assert.Equal(t, "snapshot", cmd)
	assert.Equal(t, "before-the-gate", rest)

	_, _, ok = parseSlashCommand("Enter the gate")
	assert.False(t, ok)
	_, _, ok = parseSlashCommand("")
	assert.False(t, ok)
}

func TestParseSnapshotArgs(t *testing.T) {
	op, name := parseSnapshotArgs("save before the gate")
	assert.Equal(t, "save", op)
	assert.Equal(t, "before the gate", name)

	op, name = parseSnapshotArgs("restore checkpoint")
	assert.Equal(t, "restore", op)
	assert.Equal(t, "checkpoint", name)

	op, name = parseSnapshotArgs("list")
	assert.Equal(t, "list", op)
	assert.Empty(t, name)

	op, name = parseSnapshotArgs("")
	assert.Equal(t, "list", op)
	assert.Empty(t, name)

	// 首词不是子命令：整段当作快照名保存
	op, name = parseSnapshotArgs("before-the-gate")
	assert.Equal(t, "save", op)
	assert.Equal(t, "before-the-gate", name)
}

func TestEventMarshalling(t *testing.T) {
	ev := NewStatusEvent("RESEARCHING", "processing")
	ev.setSeq(7)

	data, err := json.Marshal(ev)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, "status", m["type"])
	assert.Equal(t, float64(7), m["seq"])
	assert.Equal(t, "RESEARCHING", m["phase"])
	assert.Equal(t, "processing", m["message"])
}

func TestClientActionDecoding(t *testing.T) {
	raw := []byte(`{"action": "choice", "payload": {"text": "/diff", "answers": {"q": "a"}}}`)

	var action ClientAction
	require.NoError(t, json.Unmarshal(raw, &action))
	assert.Equal(t, ActionChoice, action.Action)

	var payload ChoicePayload
	require.NoError(t, json.Unmarshal(action.Payload, &payload))
	assert.Equal(t, "/diff", payload.Text)
	assert.Equal(t, map[string]string{"q": "a"}, payload.Answers)
}

func TestBroadcastStampsPerSessionSequence(t *testing.T) {
	// 每个会话的序号独立单调递增，广播为每个连接构造独立消息
	s := &Session{}
	first := s.seq.Add(1)
	second := s.seq.Add(1)
	assert.Equal(t, uint64(1), first)
	assert.Equal(t, uint64(2), second)

	other := &Session{}
	assert.Equal(t, uint64(1), other.seq.Add(1))
}
