package ws

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"fable-weaver-api/internal/domain/entity"
	"fable-weaver-api/internal/infrastructure/persistence/redis"
	wfmodel "fable-weaver-api/internal/workflow/model"
	"fable-weaver-api/internal/workflow/pipeline"
	apperrors "fable-weaver-api/pkg/errors"
	"fable-weaver-api/pkg/logger"
	"fable-weaver-api/pkg/metrics"
)

// turnActionsPerMinute 单故事每分钟允许发起的回合数
const turnActionsPerMinute = 6

// dispatch 路由入站动作；"/" 开头的选择文本作为斜杠命令处理
func (h *Handler) dispatch(session *Session, action *ClientAction) {
	switch action.Action {
	case ActionInit:
		var payload InitPayload
		unmarshalPayload(action.Payload, &payload)
		h.handleInit(session, &payload)

	case ActionChoice:
		var payload ChoicePayload
		unmarshalPayload(action.Payload, &payload)
		if cmd, rest, ok := parseSlashCommand(payload.Text); ok {
			h.handleSlashCommand(session, cmd, rest)
			return
		}
		h.handleChoice(session, &payload)

	case ActionResearch:
		var payload ResearchPayload
		unmarshalPayload(action.Payload, &payload)
		h.handleResearch(session, &payload)

	case ActionUndo:
		h.handleUndo(session)

	case ActionReset:
		h.handleReset(session)

	case ActionDiff:
		h.handleDiff(session)

	case ActionSnapshot:
		var payload SnapshotPayload
		unmarshalPayload(action.Payload, &payload)
		h.handleSnapshot(session, payload.Op, payload.Name)

	default:
		metrics.WSActionsTotal.WithLabelValues(action.Action, "invalid").Inc()
		session.Send(NewErrorEvent(string(apperrors.CodeInvalidParam), "unknown action: "+action.Action))
	}
}

// parseSlashCommand 识别选择文本中的斜杠命令
func parseSlashCommand(text string) (cmd, rest string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}
	parts := strings.SplitN(text[1:], " ", 2)
	cmd = strings.ToLower(parts[0])
	if len(parts) > 1 {
		rest = strings.TrimSpace(parts[1])
	}
	return cmd, rest, true
}

func (h *Handler) handleSlashCommand(session *Session, cmd, rest string) {
	switch cmd {
	case "undo":
		h.handleUndo(session)
	case "reset":
		h.handleReset(session)
	case "diff":
		h.handleDiff(session)
	case "research":
		h.handleResearch(session, &ResearchPayload{Question: rest})
	case "snapshot":
		op, name := parseSnapshotArgs(rest)
		h.handleSnapshot(session, op, name)
	default:
		session.Send(NewErrorEvent(string(apperrors.CodeInvalidParam), "unknown command: /"+cmd))
	}
}

func (h *Handler) handleInit(session *Session, payload *InitPayload) {
	if !h.allowTurn(session) {
		return
	}

	depth := wfmodel.ResearchDeep
	if payload.Depth == string(wfmodel.ResearchQuick) {
		depth = wfmodel.ResearchQuick
	}

	ctx := h.turnContext(session)
	st, err := h.stories.Get(ctx, session.storyID)
	if err != nil {
		h.sendTurnError(session, ActionInit, err)
		return
	}

	h.runTurn(session, ActionInit, func(ev pipeline.Events) (*pipeline.TurnResult, error) {
		return h.orch.Initialize(ctx, st, depth, ev)
	})
}

func (h *Handler) handleChoice(session *Session, payload *ChoicePayload) {
	text := strings.TrimSpace(payload.Text)
	if text == "" {
		session.Send(NewErrorEvent(string(apperrors.CodeInvalidParam), "choice text is required"))
		return
	}
	if !h.allowTurn(session) {
		return
	}

	ctx := h.turnContext(session)
	st, err := h.stories.Get(ctx, session.storyID)
	if err != nil {
		h.sendTurnError(session, ActionChoice, err)
		return
	}

	h.runTurn(session, ActionChoice, func(ev pipeline.Events) (*pipeline.TurnResult, error) {
		return h.orch.Turn(ctx, st, text, payload.Answers, ev)
	})
}

// runTurn 执行一次回合：阶段与增量事件广播给故事的所有连接，
// 回合执行期间按心跳间隔重发当前阶段状态作为保活。
// 回合在独立 goroutine 执行，读循环保持读取以驱动 pong 处理；
// 回合期间到达的动作由编排器的回合槽位当场拒绝，不会排队。
func (h *Handler) runTurn(session *Session, action string, run func(ev pipeline.Events) (*pipeline.TurnResult, error)) {
	go h.executeTurn(session, action, run)
}

func (h *Handler) executeTurn(session *Session, action string, run func(ev pipeline.Events) (*pipeline.TurnResult, error)) {
	storyID := session.storyID

	done := make(chan struct{})
	go h.keepalive(storyID, done)

	ev := pipeline.Events{
		OnPhase: func(p pipeline.Phase) {
			h.manager.Broadcast(storyID, func() sequenced {
				return NewStatusEvent(string(p), "")
			})
		},
		OnDelta: func(sender, text string) {
			h.manager.Broadcast(storyID, func() sequenced {
				return NewContentDeltaEvent(sender, text)
			})
		},
		OnRestart: func() {
			h.manager.Broadcast(storyID, func() sequenced {
				return NewRestartEvent()
			})
		},
	}

	result, err := run(ev)
	close(done)
	if err != nil {
		metrics.WSActionsTotal.WithLabelValues(action, "rejected").Inc()
		h.sendTurnError(session, action, err)
		return
	}

	metrics.WSActionsTotal.WithLabelValues(action, "accepted").Inc()
	h.manager.Broadcast(storyID, func() sequenced {
		return &TurnCompleteEvent{
			Meta: Meta{Type: "turn_complete"},
			Chapter: TurnChapter{
				ID:        result.Chapter.ID,
				Seq:       result.Chapter.Seq,
				Title:     result.Chapter.Title,
				WordCount: result.Chapter.WordCount,
			},
			Summary:   result.Summary,
			Choices:   result.Choices,
			Questions: result.Questions,
			Degraded:  result.Degraded,
		}
	})
}

// keepalive 回合执行期间按心跳间隔向故事的连接重发处理中状态
func (h *Handler) keepalive(storyID string, done <-chan struct{}) {
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			phase := string(h.orch.Phase(storyID))
			h.manager.Broadcast(storyID, func() sequenced {
				return NewStatusEvent(phase, "processing")
			})
		}
	}
}

// handleResearch 独立调研：扇出调研并把结果合并进世界文档，
// 不生成新章节。带提问时额外调研该问题并在结果中回答。
func (h *Handler) handleResearch(session *Session, payload *ResearchPayload) {
	question := strings.TrimSpace(payload.Question)
	depth := wfmodel.ResearchQuick
	if payload.Depth == string(wfmodel.ResearchDeep) {
		depth = wfmodel.ResearchDeep
	}
	if !h.allowTurn(session) {
		return
	}

	ctx := h.turnContext(session)
	st, err := h.stories.Get(ctx, session.storyID)
	if err != nil {
		h.sendTurnError(session, ActionResearch, err)
		return
	}

	storyID := session.storyID
	go func() {
		done := make(chan struct{})
		go h.keepalive(storyID, done)
		defer close(done)

		ev := pipeline.Events{
			OnPhase: func(p pipeline.Phase) {
				h.manager.Broadcast(storyID, func() sequenced {
					return NewStatusEvent(string(p), "")
				})
			},
		}

		result, err := h.orch.Research(ctx, st, depth, question, ev)
		if err != nil {
			metrics.WSActionsTotal.WithLabelValues(ActionResearch, "rejected").Inc()
			h.sendTurnError(session, ActionResearch, err)
			return
		}

		sections := make([]string, 0, len(result.Changes))
		for _, c := range result.Changes {
			sections = append(sections, c.Section)
		}
		metrics.WSActionsTotal.WithLabelValues(ActionResearch, "accepted").Inc()
		h.manager.Broadcast(storyID, func() sequenced {
			return &ResearchResultEvent{
				Meta:     Meta{Type: "research_result"},
				Question: question,
				Depth:    string(depth),
				Answer:   result.Answer,
				Sections: sections,
			}
		})
	}()
}

func (h *Handler) handleUndo(session *Session) {
	ctx := h.turnContext(session)
	removed, err := h.worldstates.Undo(ctx, session.storyID)
	if err != nil {
		metrics.WSActionsTotal.WithLabelValues(ActionUndo, "rejected").Inc()
		h.sendTurnError(session, ActionUndo, err)
		return
	}
	metrics.WSActionsTotal.WithLabelValues(ActionUndo, "accepted").Inc()
	h.manager.Broadcast(session.storyID, func() sequenced {
		return &UndoCompleteEvent{Meta: Meta{Type: "undo_complete"}, RemovedSeq: removed.Seq}
	})
}

func (h *Handler) handleDiff(session *Session) {
	ctx := h.turnContext(session)
	changes, err := h.worldstates.Diff(ctx, session.storyID)
	if err != nil {
		metrics.WSActionsTotal.WithLabelValues(ActionDiff, "rejected").Inc()
		h.sendTurnError(session, ActionDiff, err)
		return
	}
	metrics.WSActionsTotal.WithLabelValues(ActionDiff, "accepted").Inc()
	session.Send(&DiffResultEvent{Meta: Meta{Type: "diff_result"}, Changes: changes})
}

// parseSnapshotArgs 解析斜杠命令参数；首词不是子命令时当作快照名保存
func parseSnapshotArgs(rest string) (op, name string) {
	parts := strings.Fields(rest)
	if len(parts) == 0 {
		return "list", ""
	}
	switch parts[0] {
	case "save", "restore", "load", "list", "delete":
		op = parts[0]
		name = strings.Join(parts[1:], " ")
	default:
		op = "save"
		name = rest
	}
	return op, name
}

func (h *Handler) handleSnapshot(session *Session, op, name string) {
	ctx := h.turnContext(session)
	if op == "" {
		op = "save"
	}

	var result *SnapshotResultEvent
	var err error
	switch op {
	case "save":
		var snapshot *entity.WorldStateSnapshot
		snapshot, err = h.worldstates.CreateSnapshot(ctx, session.storyID, name)
		if err == nil {
			result = &SnapshotResultEvent{Meta: Meta{Type: "snapshot_result"}, Op: op, Name: snapshot.Name}
		}
	case "restore", "load":
		err = h.worldstates.RestoreSnapshot(ctx, session.storyID, name)
		if err == nil {
			result = &SnapshotResultEvent{Meta: Meta{Type: "snapshot_result"}, Op: "restore", Name: name}
		}
	case "list":
		var snapshots []*entity.WorldStateSnapshot
		snapshots, err = h.worldstates.ListSnapshots(ctx, session.storyID)
		if err == nil {
			names := make([]string, 0, len(snapshots))
			for _, s := range snapshots {
				names = append(names, s.Name)
			}
			result = &SnapshotResultEvent{Meta: Meta{Type: "snapshot_result"}, Op: op, Names: names}
		}
	case "delete":
		err = h.worldstates.DeleteSnapshot(ctx, session.storyID, name)
		if err == nil {
			result = &SnapshotResultEvent{Meta: Meta{Type: "snapshot_result"}, Op: op, Name: name}
		}
	default:
		session.Send(NewErrorEvent(string(apperrors.CodeInvalidParam), "unknown snapshot op: "+op))
		return
	}

	if err != nil {
		metrics.WSActionsTotal.WithLabelValues(ActionSnapshot, "rejected").Inc()
		h.sendTurnError(session, ActionSnapshot, err)
		return
	}
	metrics.WSActionsTotal.WithLabelValues(ActionSnapshot, "accepted").Inc()
	session.Send(result)
}

// handleReset 复位故事的会话运行状态，章节与世界文档保持不变。
// 用于回合槽位因异常残留时恢复会话。
func (h *Handler) handleReset(session *Session) {
	h.orch.Reset(session.storyID)
	metrics.WSActionsTotal.WithLabelValues(ActionReset, "accepted").Inc()
	session.Send(NewContentDeltaEvent("system", "session reset; story history and world document preserved"))
	session.Send(&ResetCompleteEvent{Meta: Meta{Type: "reset_complete"}})
}

// allowTurn 回合动作限流；限流器故障时放行
func (h *Handler) allowTurn(session *Session) bool {
	if h.limiter == nil {
		return true
	}
	key := redis.BuildSessionKey(session.storyID, "turn")
	allowed, err := h.limiter.Allow(context.Background(), key, turnActionsPerMinute, time.Minute)
	if err != nil {
		return true
	}
	if !allowed {
		metrics.WSActionsTotal.WithLabelValues(ActionChoice, "rejected").Inc()
		session.Send(NewErrorEvent(string(apperrors.CodeTooManyRequests), "too many turns, slow down"))
	}
	return allowed
}

// turnContext 回合用的 context：带上故事标识，不随连接断开取消
func (h *Handler) turnContext(session *Session) context.Context {
	return logger.WithContext(context.Background(), logger.StoryIDKey, session.storyID)
}

// sendTurnError 把错误翻译成 error 事件发给发起方
func (h *Handler) sendTurnError(session *Session, action string, err error) {
	appErr := apperrors.AsAppError(err)
	logger.Warn(context.Background(), "session action failed",
		"story_id", session.storyID,
		"action", action,
		"code", string(appErr.Code),
		"error", err.Error(),
	)
	session.Send(NewErrorEvent(string(appErr.Code), appErr.Message))
}

func unmarshalPayload(raw json.RawMessage, v any) {
	if len(raw) == 0 {
		return
	}
	_ = json.Unmarshal(raw, v)
}
