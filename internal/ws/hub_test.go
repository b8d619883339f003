package ws

import (
	"context"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"ranchat/internal/metrics"
)

func newTestClient(uid string) *Client {
	_, cancel := context.WithCancel(context.Background())
	return &Client{
		uid:    uid,
		send:   make(chan []byte, 256),
		cancel: cancel,
	}
}

func TestNewHub(t *testing.T) {
	hub := NewHub()
	if hub == nil {
		t.Fatal("NewHub() returned nil")
	}
	if hub.clients == nil {
		t.Error("NewHub() clients map is nil")
	}
}

func TestHub_Online(t *testing.T) {
	hub := NewHub()
	if hub.Online() != 0 {
		t.Errorf("Online() = %d, want 0", hub.Online())
	}

	hub.register(newTestClient("u-1"))
	hub.register(newTestClient("u-2"))
	if hub.Online() != 2 {
		t.Errorf("Online() = %d, want 2", hub.Online())
	}
}

func TestHub_Send(t *testing.T) {
	hub := NewHub()
	c := newTestClient("u-1")
	hub.register(c)

	if !hub.Send("u-1", []byte("hello")) {
		t.Error("Send() to registered client = false, want true")
	}
	select {
	case msg := <-c.send:
		if string(msg) != "hello" {
			t.Errorf("received %q, want %q", msg, "hello")
		}
	default:
		t.Error("no message in send channel")
	}

	if hub.Send("missing", []byte("hello")) {
		t.Error("Send() to unknown user = true, want false")
	}
}

func TestHub_Send_FullBufferDrops(t *testing.T) {
	hub := NewHub()
	c := newTestClient("u-1")
	c.send = make(chan []byte, 1)
	hub.register(c)

	if !hub.Send("u-1", []byte("first")) {
		t.Fatal("first Send() = false, want true")
	}
	if hub.Send("u-1", []byte("second")) {
		t.Error("Send() with full buffer = true, want false")
	}
}

func TestHub_Unregister(t *testing.T) {
	hub := NewHub()
	c := newTestClient("u-1")
	hub.register(c)

	if !hub.unregister(c) {
		t.Error("unregister() current client = false, want true")
	}
	if hub.Online() != 0 {
		t.Errorf("Online() after unregister = %d, want 0", hub.Online())
	}
	// 重复注销是空操作
	if hub.unregister(c) {
		t.Error("second unregister() = true, want false")
	}
}

// 新连接顶替旧连接：旧连接注销时不得摘掉新连接。
func TestHub_RegisterReplacesExisting(t *testing.T) {
	hub := NewHub()
	first := newTestClient("u-1")
	second := newTestClient("u-1")

	hub.register(first)
	hub.register(second)
	if hub.Online() != 1 {
		t.Errorf("Online() = %d, want 1", hub.Online())
	}

	if hub.unregister(first) {
		t.Error("stale unregister() = true, want false")
	}
	if !hub.Send("u-1", []byte("ping")) {
		t.Error("Send() after replacement = false, want true")
	}
	select {
	case <-second.send:
	default:
		t.Error("replacement client did not receive message")
	}
}

// 连接计数只跟随映射表的增减：顶替与陈旧注销都不得改变净数。
func TestHub_ConnectionGaugeStableAcrossReplacement(t *testing.T) {
	hub := NewHub()
	base := testutil.ToFloat64(metrics.WsConnections)

	first := newTestClient("u-1")
	second := newTestClient("u-1")

	hub.register(first)
	if got := testutil.ToFloat64(metrics.WsConnections); got != base+1 {
		t.Errorf("gauge after register = %v, want %v", got, base+1)
	}

	hub.register(second)
	if got := testutil.ToFloat64(metrics.WsConnections); got != base+1 {
		t.Errorf("gauge after replacement = %v, want %v", got, base+1)
	}

	hub.unregister(first)
	if got := testutil.ToFloat64(metrics.WsConnections); got != base+1 {
		t.Errorf("gauge after stale unregister = %v, want %v", got, base+1)
	}

	hub.unregister(second)
	if got := testutil.ToFloat64(metrics.WsConnections); got != base {
		t.Errorf("gauge after final unregister = %v, want %v", got, base)
	}
}

func TestHub_Concurrent(t *testing.T) {
	hub := NewHub()
	var wg sync.WaitGroup
	numClients := 10

	for i := 0; i < numClients; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			hub.register(newTestClient("user-" + string(rune('a'+id))))
		}(i)
	}
	wg.Wait()

	if hub.Online() != numClients {
		t.Errorf("Online() after concurrent register = %d, want %d", hub.Online(), numClients)
	}
}
