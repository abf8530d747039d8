// sse_test.go — SSE 事件总线测试。
package dashboard

import (
	"testing"
	"time"

	"github.com/chat-relay/go-relay-v2/internal/bus"
)

func recvEvent(t *testing.T, ch chan Event) Event {
	t.Helper()
	select {
	case evt := <-ch:
		return evt
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestEventBus_PublishSubscribe(t *testing.T) {
	eb := NewEventBus()
	ch := eb.Subscribe("c1")

	eb.Publish(Event{Type: "live", Data: 42})

	evt := recvEvent(t, ch)
	if evt.Type != "live" {
		t.Errorf("type = %q, want live", evt.Type)
	}
	if evt.Data != 42 {
		t.Errorf("data = %v, want 42", evt.Data)
	}
}

func TestEventBus_FanOut(t *testing.T) {
	// 同一事件广播给所有订阅者。
	eb := NewEventBus()
	a := eb.Subscribe("a")
	b := eb.Subscribe("b")

	eb.Publish(Event{Type: "live"})

	if evt := recvEvent(t, a); evt.Type != "live" {
		t.Errorf("subscriber a got %q", evt.Type)
	}
	if evt := recvEvent(t, b); evt.Type != "live" {
		t.Errorf("subscriber b got %q", evt.Type)
	}
}

func TestEventBus_SlowSubscriberDropsEvents(t *testing.T) {
	// 通道满之后继续发布不阻塞，事件丢弃。
	eb := NewEventBus()
	ch := eb.Subscribe("slow")

	done := make(chan struct{})
	go func() {
		for i := 0; i < cap(ch)+10; i++ {
			eb.Publish(Event{Type: "live", Data: i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber channel")
	}
	if len(ch) != cap(ch) {
		t.Errorf("buffered = %d, want cap %d", len(ch), cap(ch))
	}
}

func TestEventBus_Unsubscribe(t *testing.T) {
	eb := NewEventBus()
	ch := eb.Subscribe("c1")
	if eb.SubscriberCount() != 1 {
		t.Fatalf("count = %d, want 1", eb.SubscriberCount())
	}

	eb.Unsubscribe("c1")
	if eb.SubscriberCount() != 0 {
		t.Fatalf("count = %d, want 0", eb.SubscriberCount())
	}

	eb.Publish(Event{Type: "live"})
	if len(ch) != 0 {
		t.Errorf("unsubscribed channel received %d events", len(ch))
	}
}

func TestAttachBus_BridgesBusEvents(t *testing.T) {
	// 进程内总线的事件桥接到 SSE 订阅者。
	env := newTestServer(t)
	mb := bus.NewMessageBus()
	env.srv.AttachBus(mb)

	ch := env.srv.Events().Subscribe("c1")
	defer env.srv.Events().Unsubscribe("c1")

	mb.PublishEvent(bus.UserTopic(42, bus.KindDelivery), bus.MsgDeliveryBegin, 42, "at-1",
		map[string]int{"segments": 3})

	evt := recvEvent(t, ch)
	if evt.Type != bus.MsgDeliveryBegin {
		t.Fatalf("type = %q, want %q", evt.Type, bus.MsgDeliveryBegin)
	}
	msg, ok := evt.Data.(bus.Message)
	if !ok {
		t.Fatalf("data is %T, want bus.Message", evt.Data)
	}
	if msg.UserID != 42 || msg.AttemptID != "at-1" {
		t.Errorf("message = %+v", msg)
	}
}
