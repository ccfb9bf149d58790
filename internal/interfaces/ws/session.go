package ws

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"fable-weaver-api/pkg/logger"
	"fable-weaver-api/pkg/metrics"
)

const sendQueueSize = 256

// Session 单个故事会话连接。
// 出站消息经 send 队列由 writePump 串行写出，并在发送时
// 盖上本连接单调递增的序号。
type Session struct {
	id      string
	storyID string
	conn    *websocket.Conn

	send   chan []byte
	seq    atomic.Uint64
	closed atomic.Bool

	writeTimeout time.Duration
	pongTimeout  time.Duration
}

func newSession(id, storyID string, conn *websocket.Conn, maxMessageBytes int64, writeTimeout, pongTimeout time.Duration) *Session {
	s := &Session{
		id:           id,
		storyID:      storyID,
		conn:         conn,
		send:         make(chan []byte, sendQueueSize),
		writeTimeout: writeTimeout,
		pongTimeout:  pongTimeout,
	}

	conn.SetReadLimit(maxMessageBytes)
	conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	return s
}

// Send 序列化消息并入队；队列满时丢弃并记录，不阻塞回合执行
func (s *Session) Send(msg sequenced) {
	if s.closed.Load() {
		return
	}
	msg.setSeq(s.seq.Add(1))

	data, err := json.Marshal(msg)
	if err != nil {
		logger.Error(context.Background(), "marshal session message failed", err, "session_id", s.id)
		return
	}

	select {
	case s.send <- data:
	default:
		logger.Warn(context.Background(), "session send queue full, message dropped",
			"session_id", s.id, "story_id", s.storyID)
	}
}

// writePump 串行写出队列消息并维持 ping 心跳
func (s *Session) writePump() {
	ticker := time.NewTicker(s.pongTimeout * 8 / 10)
	defer func() {
		ticker.Stop()
		s.close()
	}()

	for {
		select {
		case data, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Session) close() {
	if s.closed.CompareAndSwap(false, true) {
		s.conn.Close()
		metrics.WSConnectionsActive.Dec()
	}
}
