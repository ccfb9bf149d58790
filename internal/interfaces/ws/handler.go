package ws

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"fable-weaver-api/internal/application/story"
	"fable-weaver-api/internal/config"
	"fable-weaver-api/internal/infrastructure/persistence/redis"
	"fable-weaver-api/internal/workflow/pipeline"
	apperrors "fable-weaver-api/pkg/errors"
	"fable-weaver-api/pkg/logger"
	"fable-weaver-api/pkg/metrics"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// 浏览器跨域由部署层收紧
		return true
	},
}

// Handler 故事会话 WebSocket 处理器
type Handler struct {
	manager     *Manager
	orch        *pipeline.Orchestrator
	stories     *story.Service
	worldstates *story.WorldStateService
	limiter     *redis.RateLimiter // 可为 nil
	sessionCfg  *config.SessionConfig
	heartbeat   time.Duration
}

func NewHandler(
	manager *Manager,
	orch *pipeline.Orchestrator,
	stories *story.Service,
	worldstates *story.WorldStateService,
	limiter *redis.RateLimiter,
	sessionCfg *config.SessionConfig,
	heartbeat time.Duration,
) *Handler {
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	return &Handler{
		manager:     manager,
		orch:        orch,
		stories:     stories,
		worldstates: worldstates,
		limiter:     limiter,
		sessionCfg:  sessionCfg,
		heartbeat:   heartbeat,
	}
}

// Serve 升级连接并进入会话读循环
// @Summary 故事会话 WebSocket
// @Tags Session
// @Param sid path string true "故事 ID"
// @Router /ws/stories/{sid} [get]
func (h *Handler) Serve(c *gin.Context) {
	ctx := c.Request.Context()
	storyID := c.Param("sid")

	st, err := h.stories.Get(ctx, storyID)
	if err != nil {
		appErr := apperrors.AsAppError(err)
		c.JSON(appErr.HTTPStatus, gin.H{"code": appErr.HTTPStatus, "message": appErr.Message})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn(ctx, "websocket upgrade failed", "story_id", storyID, "error", err.Error())
		return
	}

	session := newSession(
		uuid.NewString(),
		storyID,
		conn,
		h.sessionCfg.MaxMessageBytes,
		h.sessionCfg.WriteTimeout,
		h.sessionCfg.PongTimeout,
	)
	metrics.WSConnectionsActive.Inc()
	h.manager.register(session)
	go session.writePump()

	// 连接后立即告知当前状态，便于断线重连的客户端恢复视图
	if st.IsInitialized() || h.orch.Processing(storyID) {
		session.Send(NewStatusEvent(string(h.orch.Phase(storyID)), ""))
	} else {
		session.Send(NewStatusEvent(string(pipeline.PhaseUninitialized), "send init to begin"))
	}

	logger.Info(ctx, "session connected", "story_id", storyID, "session_id", session.id)
	h.readLoop(session)

	// 不关闭 send 通道：writePump 在连接关闭后的下一次写入出错退出
	h.manager.unregister(session)
	session.close()
	logger.Info(ctx, "session disconnected", "story_id", storyID, "session_id", session.id)
}

// readLoop 逐条读取入站动作并分发。连接断开只结束读循环，
// 进行中的回合继续执行并照常落库。
func (h *Handler) readLoop(session *Session) {
	for {
		_, data, err := session.conn.ReadMessage()
		if err != nil {
			return
		}

		var action ClientAction
		if err := json.Unmarshal(data, &action); err != nil {
			metrics.WSActionsTotal.WithLabelValues("unknown", "invalid").Inc()
			session.Send(NewErrorEvent(string(apperrors.CodeInvalidParam), "malformed action"))
			continue
		}

		h.dispatch(session, &action)
	}
}
