package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chathub/internal/config"
	"chathub/internal/db"
	"chathub/internal/events"
	clog "chathub/internal/log"
	"chathub/internal/reconciler"
	"chathub/internal/server"
	"chathub/internal/service"
	"chathub/internal/store"
	"chathub/internal/worker"
	"chathub/internal/ws"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

func main() {
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

	units, err := store.NewManager(cfg.MessageDataDir)
	if err != nil {
		log.Fatal().Err(err).Msg("open message store")
	}
	defer units.Close()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	bc := events.NewRedisBroadcaster(rdb)

	userSvc := service.NewUserService(gdb, cfg)
	roomSvc := service.NewRoomService(gdb, units)
	partSvc := service.NewParticipantService(gdb, bc)
	msgSvc := service.NewMessageService(gdb, units, partSvc, roomSvc, bc)

	hub := ws.NewHub(bc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := events.NewSubscriber(rdb, hub.Deliver)
	go sub.Run(ctx)

	rec := reconciler.New(gdb, cfg.MessageDataDir)
	workerSrv := worker.NewServer(cfg.RedisAddr, rec)
	go func() {
		if err := workerSrv.Start(); err != nil {
			log.Error().Err(err).Msg("worker server")
		}
	}()
	sched := worker.NewScheduler(cfg.RedisAddr, time.Duration(cfg.ReconcileIntervalMin)*time.Minute)
	go sched.Run(ctx)

	h := server.NewHandler(userSvc, roomSvc, partSvc, msgSvc, hub)
	r := server.SetupRouter(cfg, gdb, h, hub, msgSvc, partSvc)

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: r}
	go func() {
		log.Info().Str("port", cfg.Port).Str("env", cfg.Env).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server run")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down")

	cancel()
	workerSrv.Shutdown()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown")
	}
}
