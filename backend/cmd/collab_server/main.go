package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"collabCoordinator/backend/config"
	"collabCoordinator/backend/internal/cache"
	"collabCoordinator/backend/internal/collab"
	"collabCoordinator/backend/internal/httpapi/handlers"
	"collabCoordinator/backend/internal/httpapi/middleware"
	"collabCoordinator/backend/internal/logger"
	"collabCoordinator/backend/internal/permission"
	"collabCoordinator/backend/internal/store"
	"collabCoordinator/backend/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	log := logger.Init(logger.Config{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("collab server exited")
	}
	log.Info().Msg("collab server stopped")
}

func run(ctx context.Context, cfg *config.CollabConfig, log zerolog.Logger) error {
	// MySQL：版本走 gorm，权限走 database/sql
	gdb, sqlDB, err := store.OpenMySQL(cfg.Mysql.DSN, cfg.Mysql.MaxOpenConns)
	if err != nil {
		return fmt.Errorf("open mysql: %w", err)
	}
	defer sqlDB.Close()
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = sqlDB.PingContext(pingCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("ping mysql: %w", err)
	}
	if cfg.Mysql.Migrate {
		if err := store.Migrate(sqlDB); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	docs := store.NewDocumentStore(sqlDB)
	versions := store.NewVersionStore(gdb)
	// 保存前必须看到最新角色，不走缓存；加入和查询走缓存
	saveGate := permission.NewStoreGate(docs)
	joinGate := permission.NewCachedGate(docs, cfg.Collab.RoleCacheTTL)
	go joinGate.Start()
	defer joinGate.Stop()

	// Redis 在线状态镜像，可选
	var (
		mirror  *cache.RedisMirror
		pmirror collab.PresenceMirror
	)
	if cfg.Redis.Enabled {
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.Redis.Addrs,
			Password: cfg.Redis.Password,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			// 镜像失败不影响协作，只告警
			log.Warn().Err(err).Strs("addrs", cfg.Redis.Addrs).Msg("redis unavailable, presence mirror disabled")
		} else {
			mirror = cache.NewRedisMirror(rdb, log)
			pmirror = mirror
		}
	}

	// Kafka 变更事件，可选
	var (
		dispatcher *collab.KafkaDispatcher
		sink       collab.EventSink
	)
	if cfg.Kafka.Enabled {
		kcfg := sarama.NewConfig()
		kcfg.Producer.Return.Successes = true
		kcfg.Producer.RequiredAcks = sarama.WaitForLocal
		kcfg.Producer.Partitioner = sarama.NewHashPartitioner
		producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kcfg)
		if err != nil {
			return fmt.Errorf("kafka producer: %w", err)
		}
		defer producer.Close()
		dispatcher = collab.NewKafkaDispatcher(producer, cfg.Kafka.Topic, collab.NewSemaphoreControl(collab.MaxSemaphore), collab.KafkaDispatcherOptions{
			QueueSize:   10_000,
			Workers:     cfg.Kafka.Workers,
			MaxRetry:    cfg.Kafka.MaxRetry,
			BaseBackoff: 50 * time.Millisecond,
			MaxBackoff:  time.Second,
		}, log)
		sink = dispatcher
	}

	registry := collab.NewRegistry()
	broadcaster := collab.NewBroadcaster(cfg.Collab.DeliveryTimeout, log)
	presence := collab.NewPresence(registry, broadcaster, pmirror, log)
	relay := collab.NewRelay(broadcaster, sink, log)
	saver := collab.NewSaver(saveGate, versions, broadcaster, sink, collab.SaverOptions{
		GateTimeout:   cfg.Collab.GateTimeout,
		StoreTimeout:  cfg.Collab.SaveTimeout,
		MaxConcurrent: cfg.Collab.MaxConcurrentSaves,
	}, log)
	lc := collab.NewLifecycle(registry, presence, relay, saver, joinGate, collab.LifecycleOptions{
		GateTimeout:   cfg.Collab.GateTimeout,
		StaleWindow:   cfg.Collab.StaleWindow,
		SweepInterval: cfg.Collab.SweepInterval,
	}, log)

	manager := ws.NewManager(lc, ws.Options{
		SendBuffer:     cfg.Collab.SendBuffer,
		PongWait:       cfg.Collab.PongWait,
		MaxMessageSize: cfg.Collab.MaxMessageSize,
		AllowedOrigins: cfg.Collab.AllowedOrigins,
	}, log)

	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())
	if cfg.Cors.Enabled {
		corsCfg := cors.Config{
			AllowOrigins:     cfg.Cors.AllowOrigins,
			AllowMethods:     []string{"GET", "OPTIONS"},
			AllowHeaders:     []string{"Authorization", "Content-Type"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}
		if len(corsCfg.AllowOrigins) == 0 {
			// 未配置白名单时放开，但不允许携带凭证
			corsCfg.AllowAllOrigins = true
			corsCfg.AllowCredentials = false
		}
		r.Use(cors.New(corsCfg))
	}
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/collab/healthz", handlers.Health(lc))

	g := r.Group("/collab")
	g.Use(middleware.AuthMiddleware([]byte(cfg.Auth.JWTSecret)))
	g.GET("/ws", manager.WebSocketConnect)
	handlers.NewDocuments(lc, versions, joinGate, log).Register(g)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Running.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		log.Info().Int("port", cfg.Running.Port).Msg("collab server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	eg.Go(func() error { return lc.RunSweeper(egCtx) })
	if mirror != nil {
		eg.Go(func() error { return mirror.RunJanitor(egCtx, cfg.Collab.SweepInterval) })
	}
	eg.Go(func() error {
		<-egCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Running.ShutdownTimeout)
		defer cancel()
		// 先停止接收新连接，再断开已有 websocket，最后把镜像和事件队列发完
		err := srv.Shutdown(shutdownCtx)
		if werr := manager.Shutdown(shutdownCtx); werr != nil {
			log.Warn().Err(werr).Msg("websocket shutdown incomplete")
		}
		// 断线清理产生的镜像写入执行完再退出
		presence.Close()
		if dispatcher != nil {
			dispatcher.Close()
		}
		return err
	})
	return eg.Wait()
}
