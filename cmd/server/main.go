package main

import (
	"github.com/rs/zerolog/log"

	"ranchat/internal/config"
	"ranchat/internal/db"
	"ranchat/internal/feed"
	clog "ranchat/internal/log"
	"ranchat/internal/match"
	"ranchat/internal/presence"
	"ranchat/internal/server"
	"ranchat/internal/service"
	"ranchat/internal/session"
	"ranchat/internal/signal"
	"ranchat/internal/store"
	"ranchat/internal/ws"
)

func main() {
	// main 函数负责加载配置、初始化日志、连接数据库并启动 Gin 服务。
	cfg := config.Load()
	clog.Init(cfg.Env)
	if err := config.Validate(cfg); err != nil {
		log.Fatal().Err(err).Msg("config validate")
	}

	gdb, err := db.Connect(cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	if err := db.Migrate(gdb); err != nil {
		log.Fatal().Err(err).Msg("db migrate")
	}

	bus := feed.NewBus()
	st := store.NewPostgres(gdb, bus)

	lc := session.NewLifecycle(st, bus)
	queueSvc := service.NewQueueService(st, match.New(st, cfg.MatchScanLimit, cfg.MatchAllowFallback), lc)
	msgSvc := service.NewMessageService(st)
	pm := presence.NewManager(st, lc)
	h := server.NewHandler(service.NewUserService(st, cfg), queueSvc, msgSvc, pm, lc, st)

	hub := ws.NewHub()
	deps := ws.Deps{
		Cfg:       cfg,
		Store:     st,
		Bus:       bus,
		Queue:     queueSvc,
		Messages:  msgSvc,
		Presence:  pm,
		Broker:    signal.NewBroker(st, bus),
		Lifecycle: lc,
	}

	r := server.SetupRouter(cfg, h, hub, deps)
	if err := r.Run(":" + cfg.Port); err != nil {
		log.Fatal().Err(err).Msg("server run")
	}
}
