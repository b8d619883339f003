package ws

import (
	"context"

	"github.com/gin-gonic/gin"

	"ranchat/internal/feed"
	"ranchat/internal/match"
	"ranchat/internal/models"
)

// watchMatches 是连接的主监听循环：等待包含自己的会话出现，进入
// 会话并桥接各路监听，会话记录消失后回到等待状态。主动配对成功的
// 一方同样经由这里收到 matched 事件，两侧路径完全一致。
func (c *Client) watchMatches(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		m, ok := <-c.deps.Lifecycle.WatchForMatch(ctx, c.uid)
		if !ok {
			if ctx.Err() != nil {
				return
			}
			continue
		}

		c.enterSession(ctx, m)

		_, deleted := <-c.deps.Lifecycle.WatchForEnd(ctx, m.SessionID)
		c.leaveSession(m.SessionID, deleted)
		if ctx.Err() != nil {
			return
		}
	}
}

func (c *Client) enterSession(parent context.Context, m match.Match) {
	sctx, scancel := context.WithCancel(parent)
	c.mu.Lock()
	c.sessionID = m.SessionID
	c.partnerID = m.PartnerID
	c.caller = m.Caller
	c.sessionCancel = scancel
	c.mu.Unlock()

	var partner *models.User
	if u, err := c.deps.Store.GetUser(m.PartnerID); err == nil {
		partner = u
	}
	c.push(gin.H{
		"type":       "matched",
		"session_id": m.SessionID,
		"partner_id": m.PartnerID,
		"partner":    partner,
		"caller":     m.Caller,
	})

	go c.relaySignals(sctx, m)
	go c.relayCandidates(sctx, m)
	go c.relayPartner(sctx, m)
	go c.relayMessages(sctx, m)
}

func (c *Client) leaveSession(sessionID string, deleted bool) {
	c.mu.Lock()
	if c.sessionCancel != nil {
		c.sessionCancel()
	}
	c.sessionID = ""
	c.partnerID = ""
	c.caller = false
	c.sessionCancel = nil
	c.mu.Unlock()
	if deleted {
		c.push(gin.H{"type": "session-ended", "session_id": sessionID})
	}
}

// relaySignals 把对端的 offer/answer 推给浏览器。记录可能被重复
// 投递，同一描述只推一次。
func (c *Client) relaySignals(ctx context.Context, m match.Match) {
	offerSent, answerSent := false, false
	for rec := range c.deps.Broker.WatchRemote(ctx, m.SessionID, m.PartnerID) {
		if offer := rec.Offer(); offer != nil && !offerSent {
			offerSent = true
			c.push(gin.H{"type": "offer", "session_id": m.SessionID, "sdp": offer})
		}
		if answer := rec.Answer(); answer != nil && !answerSent {
			answerSent = true
			c.push(gin.H{"type": "answer", "session_id": m.SessionID, "sdp": answer})
		}
	}
}

func (c *Client) relayCandidates(ctx context.Context, m match.Match) {
	for cand := range c.deps.Broker.WatchCandidates(ctx, m.SessionID, m.PartnerID) {
		c.push(gin.H{"type": "candidate", "session_id": m.SessionID, "candidate": cand.Payload})
	}
}

func (c *Client) relayPartner(ctx context.Context, m match.Match) {
	for evt := range c.deps.Lifecycle.WatchPartner(ctx, m.PartnerID) {
		if evt.Gone {
			c.push(gin.H{"type": "partner-gone", "session_id": m.SessionID})
			return
		}
		c.push(gin.H{"type": "partner-updated", "session_id": m.SessionID, "partner": evt.User})
	}
}

// relayMessages 把会话内的新消息推给浏览器，发送方自己也会收到
// 回显，落库成功即为发送成功。
func (c *Client) relayMessages(ctx context.Context, m match.Match) {
	sub := c.deps.Bus.Subscribe(feed.Messages)
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.C:
			if !ok {
				return
			}
			if evt.Op != feed.OpPut || evt.Key != m.SessionID {
				continue
			}
			if msg, ok := evt.Doc.(*models.Message); ok {
				c.push(gin.H{"type": "message", "message": msg})
			}
		}
	}
}
