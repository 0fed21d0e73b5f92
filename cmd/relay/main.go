// Package main runs the presence relay: a WebSocket server that issues
// connection ids, evicts idle clients and fans tagged messages out to every
// connected client.
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/relay/internal/admin"
	"github.com/cory-johannsen/relay/internal/audit"
	"github.com/cory-johannsen/relay/internal/config"
	"github.com/cory-johannsen/relay/internal/observability"
	"github.com/cory-johannsen/relay/internal/presence"
	"github.com/cory-johannsen/relay/internal/rules"
	"github.com/cory-johannsen/relay/internal/scripting"
	"github.com/cory-johannsen/relay/internal/server"
	"github.com/cory-johannsen/relay/internal/storage/postgres"
	"github.com/cory-johannsen/relay/internal/transport"
)

const (
	auditQueue        = 1024
	auditWriteTimeout = 5 * time.Second
	dbHealthInterval  = 30 * time.Second
	stopTimeout       = 10 * time.Second
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file (empty for defaults and environment only)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	ctx := context.Background()
	lifecycle := server.NewLifecycle(logger)
	lifecycle.StopTimeout = stopTimeout

	var exts presence.Extensions

	if cfg.Rules.Path != "" {
		set, err := rules.LoadFile(cfg.Rules.Path)
		if err != nil {
			logger.Fatal("loading rules", zap.Error(err))
		}
		engine := rules.NewEngine(set, logger.Named("rules"))
		lifecycle.OnStop(engine.Stop)
		exts = append(exts, engine)
		logger.Info("rules loaded",
			zap.String("path", cfg.Rules.Path),
			zap.Int("triggers", len(set.Triggers)),
			zap.String("presence_tag", set.Presence.Tag),
		)
	}

	if cfg.Scripting.Dir != "" {
		scripts := scripting.NewManager(logger.Named("lua"))
		if err := scripts.Load(cfg.Scripting.Dir, cfg.Scripting.InstructionLimit); err != nil {
			logger.Fatal("loading scripts", zap.Error(err))
		}
		exts = append(exts, scripts)
		defer scripts.Close()
	}

	var recorder *audit.Recorder
	if cfg.Database.Enabled {
		dbStart := time.Now()
		pool, err := postgres.NewPool(ctx, cfg.Database)
		if err != nil {
			logger.Fatal("connecting to database", zap.Error(err))
		}
		logger.Info("database connected",
			zap.String("host", cfg.Database.Host),
			zap.Int("port", cfg.Database.Port),
			zap.String("database", cfg.Database.Name),
			zap.Duration("elapsed", time.Since(dbStart)),
		)
		recorder = audit.NewRecorder(pool.Sessions(), auditQueue, auditWriteTimeout, logger.Named("audit"))
		exts = append(exts, recorder)

		quit := make(chan struct{})
		lifecycle.Add("postgres", &server.FuncService{
			StartFn: func() error { return pool.Watch(quit, dbHealthInterval, logger) },
			StopFn: func() {
				close(quit)
				pool.Close()
			},
		})
	}

	reg := presence.NewRegistry(cfg.Registry.IDSpace, nil)
	live := presence.NewLiveness(reg, cfg.Liveness.IdleTimeout, logger)
	dispatcher := presence.NewDispatcher(reg, live, exts, presence.Options{
		EvictOnSendFailure: cfg.Broadcast.EvictOnSendFailure,
	}, logger)
	if err := dispatcher.Start(); err != nil {
		logger.Fatal("starting extensions", zap.Error(err))
	}

	var health *admin.Server
	if cfg.Admin.Enabled {
		health = admin.NewServer(cfg.Admin, logger.Named("admin"))
		lifecycle.Add("admin", &server.FuncService{
			StartFn: health.Serve,
			StopFn:  health.Stop,
		})
		lifecycle.OnStop(func() { health.SetServing(false) })
	}

	acceptor := transport.NewAcceptor(cfg.Server, dispatcher, logger)
	acceptor.OnListen = func(string) {
		if health != nil {
			health.SetServing(true)
		}
	}
	lifecycle.Add("relay", &server.FuncService{
		StartFn: acceptor.ListenAndServe,
		StopFn: func() {
			// Stop ends live sessions through dispatcher.Shutdown before
			// dropping sockets.
			acceptor.Stop()
			if recorder != nil {
				recorder.Stop()
			}
		},
	})

	logger.Info("relay initialized",
		zap.String("addr", cfg.Server.Addr()),
		zap.String("path", cfg.Server.Path),
		zap.Duration("idle_timeout", live.TTL()),
		zap.Int("extensions", len(exts)),
		zap.Duration("startup", time.Since(start)),
	)

	if err := lifecycle.Run(ctx); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}
