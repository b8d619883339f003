package ws

import (
	"sync"

	"github.com/rs/zerolog/log"

	"ranchat/internal/metrics"
)

// Hub 按用户 ID 管理活跃连接。每用户至多一条连接，新连接把旧连接
// 顶下线（多标签页场景）。
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

func NewHub() *Hub { return &Hub{clients: make(map[string]*Client)} }

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	old := h.clients[c.uid]
	h.clients[c.uid] = c
	h.mu.Unlock()
	// 顶替不改变连接净数，计数器只跟随映射表的增减。
	if old != nil {
		old.kick()
		return
	}
	metrics.WsConnections.Inc()
}

// unregister 只在当前映射仍指向 c 时移除，避免把顶替者摘掉。
func (h *Hub) unregister(c *Client) bool {
	h.mu.Lock()
	cur, ok := h.clients[c.uid]
	if ok && cur == c {
		delete(h.clients, c.uid)
	}
	h.mu.Unlock()
	if ok && cur == c {
		metrics.WsConnections.Dec()
		return true
	}
	return false
}

// Send 向指定用户推送一帧，连接不存在或发送缓冲已满时丢弃。
func (h *Hub) Send(uid string, msg []byte) bool {
	h.mu.RLock()
	c := h.clients[uid]
	h.mu.RUnlock()
	if c == nil {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		log.Warn().Str("user_id", uid).Msg("ws send buffer full, frame dropped")
		return false
	}
}

// Online 返回当前连接数。
func (h *Hub) Online() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
