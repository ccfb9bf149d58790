package ws

import (
	"errors"
	"testing"
	"time"

	"fable-weaver-api/internal/workflow/pipeline"
)

// 回合在独立 goroutine 执行，读循环立刻拿回控制权，
// 长回合期间连接仍能读取 pong 维持读超时。
func TestRunTurnReturnsWhileTurnStillExecutes(t *testing.T) {
	h := &Handler{manager: NewManager(), heartbeat: time.Hour}
	session := &Session{id: "s-1", storyID: "story-1"}

	release := make(chan struct{})
	finished := make(chan struct{})
	h.runTurn(session, ActionChoice, func(ev pipeline.Events) (*pipeline.TurnResult, error) {
		<-release
		close(finished)
		return nil, errors.New("upstream unavailable")
	})

	// runTurn 已返回而回合还卡在 release 上
	select {
	case <-finished:
		t.Fatal("turn executed synchronously in the read loop")
	default:
	}

	close(release)
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("turn goroutine never ran")
	}
}
