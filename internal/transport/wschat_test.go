// wschat_test.go — WebSocket 通道连接顶替与收发测试
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	apperrors "github.com/chat-relay/go-relay-v2/pkg/errors"
)

func TestAttachDetach_NewestWins(t *testing.T) {
	w := NewWSChat("127.0.0.1:0")
	c1 := newWSConn(nil)
	c2 := newWSConn(nil)

	if old := w.attach(7, c1); old != nil {
		t.Fatalf("first attach displaced %v", old)
	}
	if old := w.attach(7, c2); old != c1 {
		t.Fatalf("second attach should displace c1, got %v", old)
	}

	// 旧连接的 detach 不影响顶替者
	w.detach(7, c1)
	if got := w.lookup(7); got != c2 {
		t.Errorf("lookup = %v, want c2", got)
	}

	w.detach(7, c2)
	if got := w.lookup(7); got != nil {
		t.Errorf("lookup after detach = %v, want nil", got)
	}
}

func TestSendSegment_OfflineUser(t *testing.T) {
	w := NewWSChat("127.0.0.1:0")
	err := w.SendSegment(context.Background(), 99, "hello")
	if !errors.Is(err, apperrors.ErrUnavailable) {
		t.Errorf("error = %v, want ErrUnavailable", err)
	}
}

func TestCheckLocalOrigin(t *testing.T) {
	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"http://localhost:5173", true},
		{"http://127.0.0.1:8091", true},
		{"https://evil.example.com", false},
	}
	for _, tt := range tests {
		r := &http.Request{Header: http.Header{}}
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		if got := checkLocalOrigin(r); got != tt.want {
			t.Errorf("checkLocalOrigin(%q) = %v, want %v", tt.origin, got, tt.want)
		}
	}
}

// newWSChatServer 把 handleWS 挂到 httptest 上，返回拨号地址。
func newWSChatServer(t *testing.T, w *WSChat, h Handler) string {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(rw http.ResponseWriter, r *http.Request) {
		w.handleWS(context.Background(), rw, r, h)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dialWS(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestWSChat_InboundAndSegmentRoundTrip(t *testing.T) {
	received := make(chan Inbound, 1)
	w := NewWSChat("127.0.0.1:0")
	url := newWSChatServer(t, w, func(_ context.Context, msg Inbound) {
		received <- msg
	})

	client := dialWS(t, url+"?user_id=42")

	// 入站: 客户端帧到 Handler
	if err := client.WriteMessage(websocket.TextMessage, []byte(`{"text":"你好"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case msg := <-received:
		if msg.UserID != 42 || msg.Text != "你好" {
			t.Errorf("inbound = %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for inbound")
	}

	// 出站: SendSegment 到客户端帧
	waitOnline(t, w, 42)
	if err := w.SendSegment(context.Background(), 42, "很高兴见到你"); err != nil {
		t.Fatalf("SendSegment: %v", err)
	}
	var frame wsOutboundFrame
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if frame.Type != "segment" || frame.Text != "很高兴见到你" {
		t.Errorf("frame = %+v", frame)
	}
}

func TestWSChat_ReconnectDisplacesOldConn(t *testing.T) {
	w := NewWSChat("127.0.0.1:0")
	url := newWSChatServer(t, w, func(context.Context, Inbound) {})

	first := dialWS(t, url+"?user_id=7")
	waitOnline(t, w, 7)
	firstConn := w.lookup(7)

	second := dialWS(t, url+"?user_id=7")
	// 等到注册表指向新连接
	deadline := time.Now().Add(2 * time.Second)
	for w.lookup(7) == firstConn {
		if time.Now().After(deadline) {
			t.Fatal("timeout waiting for displacement")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// 旧客户端应读到关闭
	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := first.ReadMessage(); err == nil {
		t.Error("old connection should be closed after displacement")
	}

	// 新连接收发正常
	if err := w.SendSegment(context.Background(), 7, "still here"); err != nil {
		t.Fatalf("SendSegment after reconnect: %v", err)
	}
	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := second.ReadMessage(); err != nil {
		t.Fatalf("new connection read: %v", err)
	}
}

func TestWSChat_RejectsMissingUserID(t *testing.T) {
	w := NewWSChat("127.0.0.1:0")
	url := newWSChatServer(t, w, func(context.Context, Inbound) {})

	if _, resp, err := websocket.DefaultDialer.Dial(url, nil); err == nil {
		t.Error("dial without user_id should fail")
	} else if resp != nil && resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

// waitOnline 等 handleWS 完成 attach。
func waitOnline(t *testing.T, w *WSChat, userID int64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for w.lookup(userID) == nil {
		if time.Now().After(deadline) {
			t.Fatal("timeout waiting for connection registration")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
