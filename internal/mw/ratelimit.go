package mw

import (
	"net"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// 信令与候选滴流走单条 WS 连接，不经过这里；HTTP 面只剩注册、
// 排队与历史分页这类低频操作，限速可以收得比较紧。
const (
	visitorTTL    = 2 * time.Minute
	sweepInterval = 30 * time.Second
)

type visitor struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// Throttle 按 IP+路径维护令牌桶。闲置条目在访问路径上顺带回收，
// 不需要后台 goroutine。
type Throttle struct {
	mu        sync.Mutex
	visitors  map[string]*visitor
	r         rate.Limit
	burst     int
	nextSweep time.Time
}

func NewThrottle(r rate.Limit, burst int) *Throttle {
	return &Throttle{
		visitors:  make(map[string]*visitor),
		r:         r,
		burst:     burst,
		nextSweep: time.Now().Add(sweepInterval),
	}
}

func (t *Throttle) allow(key string) bool {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	if now.After(t.nextSweep) {
		for k, v := range t.visitors {
			if now.Sub(v.lastSeen) > visitorTTL {
				delete(t.visitors, k)
			}
		}
		t.nextSweep = now.Add(sweepInterval)
	}
	v, ok := t.visitors[key]
	if !ok {
		v = &visitor{lim: rate.NewLimiter(t.r, t.burst)}
		t.visitors[key] = v
	}
	v.lastSeen = now
	return v.lim.Allow()
}

// RateLimit 返回基于 IP+路径的令牌桶限速中间件。
func RateLimit(r rate.Limit, burst int) gin.HandlerFunc {
	t := NewThrottle(r, burst)
	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		if !t.allow(clientIP(c.Request.RemoteAddr) + "|" + path) {
			c.AbortWithStatusJSON(429, gin.H{"error": "too many requests"})
			return
		}
		c.Next()
	}
}

func clientIP(remote string) string {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return remote
	}
	return host
}
