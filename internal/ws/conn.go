package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"ranchat/internal/auth"
	"ranchat/internal/config"
	"ranchat/internal/feed"
	"ranchat/internal/models"
	"ranchat/internal/presence"
	"ranchat/internal/service"
	"ranchat/internal/session"
	"ranchat/internal/signal"
	"ranchat/internal/store"
)

// Deps 汇集 WS 层要桥接的各个协调组件。
type Deps struct {
	Cfg       config.Config
	Store     store.Store
	Bus       *feed.Bus
	Queue     *service.QueueService
	Messages  *service.MessageService
	Presence  *presence.Manager
	Broker    *signal.Broker
	Lifecycle *session.Lifecycle
}

// Client 是一条用户连接。入站帧驱动队列、信令与聊天操作，
// 出站帧由会话监听把状态变化推给浏览器。
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	uid  string

	deps   Deps
	cancel context.CancelFunc

	mu            sync.Mutex
	sessionID     string
	partnerID     string
	caller        bool
	sessionCancel context.CancelFunc
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// InboundFrame 是浏览器发来的统一帧格式，type 决定哪些字段有效。
type InboundFrame struct {
	Type      string                     `json:"type"`
	SDP       *models.SessionDescription `json:"sdp,omitempty"`
	Candidate string                     `json:"candidate,omitempty"`
	Text      string                     `json:"text,omitempty"`
	ImageURL  string                     `json:"image_url,omitempty"`
	IsTyping  bool                       `json:"is_typing,omitempty"`
	Status    string                     `json:"status,omitempty"`
}

func Serve(h *Hub, deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenStr := auth.TokenFromRequest(c)
		if tokenStr == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			return
		}
		claims, err := auth.ParseToken(tokenStr, deps.Cfg.JWTSecret)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		user, err := deps.Store.GetUser(claims.UserID)
		if err != nil || user == nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "user not found"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		ctx, cancel := context.WithCancel(context.Background())
		client := &Client{
			hub:    h,
			conn:   conn,
			send:   make(chan []byte, 256),
			uid:    user.ID,
			deps:   deps,
			cancel: cancel,
		}
		h.register(client)

		go client.writePump()
		go client.watchMatches(ctx)
		client.readPump()
	}
}

// kick 被新连接顶替时调用，关闭底层连接让旧 readPump 退出。
// 顶替方会接管会话监听，这里不做状态清理。
func (c *Client) kick() {
	c.cancel()
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

func (c *Client) push(v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case c.send <- b:
	default:
		log.Warn().Str("user_id", c.uid).Msg("ws send buffer full, frame dropped")
	}
}

func (c *Client) pushError(msg string) {
	c.push(gin.H{"type": "error", "error": msg})
}

func (c *Client) currentSession() (sessionID, partnerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID, c.partnerID
}

func (c *Client) readPump() {
	defer func() {
		owner := c.hub.unregister(c)
		c.cancel()
		_ = c.conn.Close()
		// 断线即下线：offline 迁移会结束活跃会话并级联清理身份。
		// 被顶替的连接不是所有者，不得替新连接清场。
		if owner {
			c.deps.Presence.SetStatus(c.uid, models.StatusOffline)
		}
	}()
	c.conn.SetReadLimit(1 << 20) // 1MB
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		var in InboundFrame
		if err := json.Unmarshal(data, &in); err != nil {
			continue
		}
		c.handle(&in)
	}
}

func (c *Client) handle(in *InboundFrame) {
	switch in.Type {
	case "join_queue":
		if _, err := c.deps.Queue.Join(c.uid); err != nil {
			c.pushError("join queue failed")
		}
	case "cancel_queue":
		if err := c.deps.Queue.Cancel(c.uid); err != nil {
			c.pushError("cancel queue failed")
		}
	case "offer":
		sessID, _ := c.currentSession()
		if sessID == "" || in.SDP == nil {
			return
		}
		if err := c.deps.Broker.SendOffer(sessID, c.uid, *in.SDP); err != nil {
			c.pushError("send offer failed")
		}
	case "answer":
		sessID, _ := c.currentSession()
		if sessID == "" || in.SDP == nil {
			return
		}
		if err := c.deps.Broker.SendAnswer(sessID, c.uid, *in.SDP); err != nil {
			c.pushError("send answer failed")
		}
	case "candidate":
		sessID, _ := c.currentSession()
		if sessID == "" || in.Candidate == "" {
			return
		}
		if err := c.deps.Broker.SendCandidate(sessID, c.uid, in.Candidate); err != nil {
			c.pushError("send candidate failed")
		}
	case "chat":
		sessID, _ := c.currentSession()
		if sessID == "" {
			return
		}
		if _, err := c.deps.Messages.Append(sessID, c.uid, in.Text, in.ImageURL); err != nil {
			c.pushError("send message failed")
		}
	case "typing":
		// 打字信号不落库，直接转发给对端
		_, partnerID := c.currentSession()
		if partnerID == "" {
			return
		}
		if b, err := json.Marshal(gin.H{"type": "typing", "user_id": c.uid, "is_typing": in.IsTyping}); err == nil {
			c.hub.Send(partnerID, b)
		}
	case "end":
		sessID, _ := c.currentSession()
		if sessID != "" {
			c.deps.Lifecycle.End(sessID, c.uid)
		}
	case "status":
		c.deps.Presence.SetStatus(c.uid, in.Status)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)
			_ = w.Close()
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
