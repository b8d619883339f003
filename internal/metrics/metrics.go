package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	WsConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ranchat_ws_connections",
		Help: "Current number of active websocket connections",
	})
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ranchat_online_users",
		Help: "Current number of online user records",
	})
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ranchat_active_sessions",
		Help: "Current number of active chat sessions",
	})
	MatchesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ranchat_matches_total",
		Help: "Total number of committed pairings",
	})
	MatchContentionTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ranchat_match_contention_total",
		Help: "Total number of matchmaking transaction aborts due to contention",
	})
	SignalMessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ranchat_signal_messages_total",
		Help: "Total number of relayed signaling payloads",
	}, []string{"kind"})
	ChatMessagesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ranchat_chat_messages_total",
		Help: "Total number of chat messages sent",
	})
	FeedDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ranchat_feed_dropped_total",
		Help: "Total number of change feed events dropped on slow subscribers",
	})
	HttpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
	HttpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
)

func init() {
	prometheus.MustRegister(
		WsConnections,
		OnlineUsers,
		ActiveSessions,
		MatchesTotal,
		MatchContentionTotal,
		SignalMessagesTotal,
		ChatMessagesTotal,
		FeedDroppedTotal,
		HttpRequestsTotal,
		HttpRequestDuration,
	)
}

// GinMiddleware 统计基础请求指标，供 Prometheus 拉取。
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		labels := prometheus.Labels{"method": c.Request.Method, "path": path, "status": status}
		HttpRequestsTotal.With(labels).Inc()
		HttpRequestDuration.With(labels).Observe(time.Since(start).Seconds())
	}
}
