package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"ranchat/internal/auth"
	"ranchat/internal/config"
	"ranchat/internal/metrics"
	"ranchat/internal/mw"
	"ranchat/internal/ws"
)

// SetupRouter 统一初始化 Gin 中间件、REST API 以及 WebSocket 端点。
func SetupRouter(cfg config.Config, h *Handler, hub *ws.Hub, wsDeps ws.Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metrics.GinMiddleware())
	r.Use(mw.CORS(cfg.Env))
	// 控制单个 IP+路由的速率，匿名服务很容易被脚本刷爆。
	r.Use(mw.RateLimit(rate.Every(time.Second/20), 40))

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/v1")
	api.POST("/users", h.Register)

	// 需要身份令牌的业务接口。
	authed := api.Group("")
	authed.Use(auth.AuthMiddleware(cfg, wsDeps.Store))

	authed.GET("/users/me", h.Me)
	authed.PATCH("/users/me", h.UpdateProfile)
	authed.POST("/users/me/status", h.SetStatus)

	authed.POST("/queue/join", h.JoinQueue)
	authed.POST("/queue/cancel", h.CancelQueue)

	authed.POST("/sessions/:id/end", h.EndSession)
	authed.GET("/sessions/:id/messages", h.ListMessages)
	authed.POST("/sessions/:id/messages", h.PostMessage)

	r.GET("/ws", ws.Serve(hub, wsDeps))

	return r
}
