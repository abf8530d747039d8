// wschat.go — 本地调试用 WebSocket 聊天通道。
//
// 客户端连 ws://{addr}/ws?user_id=42 模拟一个用户;
// 同一用户重复连接时新连接顶替旧连接。帧为单行 JSON:
//
//	入站: {"text":"..."}
//	出站: {"type":"segment","text":"..."} / {"type":"typing"}
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	apperrors "github.com/chat-relay/go-relay-v2/pkg/errors"
	"github.com/chat-relay/go-relay-v2/pkg/logger"
)

const (
	wsWriteTimeout   = 10 * time.Second
	wsMaxMessageSize = 64 << 10
)

// wsConn 单个连接 + 写锁 (gorilla/websocket 不安全并发写)。
type wsConn struct {
	ws        *websocket.Conn
	wrMu      sync.Mutex // 序列化所有写操作
	closeCh   chan struct{}
	closeOnce sync.Once
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{ws: ws, closeCh: make(chan struct{})}
}

// writeJSON 线程安全地写一帧。
func (c *wsConn) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.wrMu.Lock()
	defer c.wrMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) closeNow() {
	c.closeOnce.Do(func() {
		close(c.closeCh)
		if c.ws != nil {
			_ = c.ws.Close()
		}
	})
}

// wsInboundFrame 客户端入站帧。
type wsInboundFrame struct {
	Text string `json:"text"`
}

// wsOutboundFrame 服务端出站帧。
type wsOutboundFrame struct {
	Type string `json:"type"` // segment / typing
	Text string `json:"text,omitempty"`
}

// WSChat 本地 WebSocket 通道。
type WSChat struct {
	addr     string
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[int64]*wsConn // user → 当前连接，新连接顶替旧的
	srv   *http.Server
}

// NewWSChat 构建通道，监听在 Start 时才开始。
func NewWSChat(addr string) *WSChat {
	return &WSChat{
		addr:     addr,
		conns:    make(map[int64]*wsConn),
		upgrader: websocket.Upgrader{CheckOrigin: checkLocalOrigin},
	}
}

// checkLocalOrigin 仅允许 localhost 来源的 WebSocket 连接。
//
// 接受: 无 Origin header (CLI 工具), localhost, 127.0.0.1, [::1]。
func checkLocalOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true // 无 Origin = 非浏览器客户端
	}
	origin = strings.ToLower(origin)
	for _, allowed := range []string{
		"http://localhost", "https://localhost",
		"http://127.0.0.1", "https://127.0.0.1",
		"http://[::1]", "https://[::1]",
	} {
		if strings.HasPrefix(origin, allowed) {
			return true
		}
	}
	logger.Warnw("wschat: rejected non-local origin", "origin", origin)
	return false
}

// Name 实现 Transport。
func (w *WSChat) Name() string { return NameWSChat }

// Start 启动 HTTP 监听，阻塞直到 ctx 取消。
func (w *WSChat) Start(ctx context.Context, h Handler) error {
	const op = "Transport.WSChat.Start"

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(rw http.ResponseWriter, r *http.Request) {
		w.handleWS(ctx, rw, r, h)
	})

	srv := &http.Server{Addr: w.addr, Handler: mux}
	w.mu.Lock()
	w.srv = srv
	w.mu.Unlock()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logger.Infow("wschat listening", logger.FieldTransport, NameWSChat, logger.FieldAddr, w.addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		w.closeAll()
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return apperrors.Wrapf(apperrors.ErrUnavailable, op, "listen %s: %v", w.addr, err)
	}
}

// handleWS 升级连接并跑读循环。同一用户的旧连接被顶替关闭。
func (w *WSChat) handleWS(ctx context.Context, rw http.ResponseWriter, r *http.Request, h Handler) {
	userID, err := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
	if err != nil || userID == 0 {
		http.Error(rw, "user_id query parameter is required", http.StatusBadRequest)
		return
	}

	ws, err := w.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		logger.Warnw("wschat upgrade failed", logger.FieldError, err.Error())
		return
	}
	ws.SetReadLimit(wsMaxMessageSize)

	conn := newWSConn(ws)
	if old := w.attach(userID, conn); old != nil {
		old.closeNow()
	}
	logger.Infow("wschat client connected",
		logger.FieldUserID, userID, "remote", r.RemoteAddr)

	defer func() {
		w.detach(userID, conn)
		conn.closeNow()
		logger.Infow("wschat client disconnected", logger.FieldUserID, userID)
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warnw("wschat read failed",
					logger.FieldUserID, userID, logger.FieldError, err.Error())
			}
			return
		}
		var frame wsInboundFrame
		if err := json.Unmarshal(data, &frame); err != nil || strings.TrimSpace(frame.Text) == "" {
			continue
		}
		h(ctx, Inbound{UserID: userID, Text: frame.Text, ReceivedAt: time.Now()})
	}
}

// attach 登记连接，返回被顶替的旧连接 (可能为 nil)。
func (w *WSChat) attach(userID int64, conn *wsConn) *wsConn {
	w.mu.Lock()
	defer w.mu.Unlock()
	old := w.conns[userID]
	w.conns[userID] = conn
	return old
}

// detach 仅当仍是当前连接时注销，顶替者不受影响。
func (w *WSChat) detach(userID int64, conn *wsConn) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conns[userID] == conn {
		delete(w.conns, userID)
	}
}

func (w *WSChat) lookup(userID int64) *wsConn {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conns[userID]
}

func (w *WSChat) closeAll() {
	w.mu.Lock()
	conns := make([]*wsConn, 0, len(w.conns))
	for _, c := range w.conns {
		conns = append(conns, c)
	}
	w.conns = make(map[int64]*wsConn)
	w.mu.Unlock()
	for _, c := range conns {
		c.closeNow()
	}
}

// SendSegment 给在线用户推一段回复，用户不在线直接报错。
func (w *WSChat) SendSegment(ctx context.Context, userID int64, text string) error {
	const op = "Transport.WSChat.SendSegment"
	if err := ctx.Err(); err != nil {
		return apperrors.Wrap(err, op, "context done")
	}
	conn := w.lookup(userID)
	if conn == nil {
		return apperrors.Wrapf(apperrors.ErrUnavailable, op, "user %d not connected", userID)
	}
	if err := conn.writeJSON(wsOutboundFrame{Type: "segment", Text: text}); err != nil {
		return apperrors.Wrapf(apperrors.ErrUnavailable, op, "user %d: %v", userID, err)
	}
	return nil
}

// Typing 给在线用户推"正在输入"帧，离线或失败静默。
func (w *WSChat) Typing(ctx context.Context, userID int64) {
	if ctx.Err() != nil {
		return
	}
	if conn := w.lookup(userID); conn != nil {
		_ = conn.writeJSON(wsOutboundFrame{Type: "typing"})
	}
}
