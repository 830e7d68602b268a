package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmerrifield20/profilesync/internal/auth"
	"github.com/jmerrifield20/profilesync/internal/config"
	"github.com/jmerrifield20/profilesync/internal/credentials"
	"github.com/jmerrifield20/profilesync/internal/errsink"
	"github.com/jmerrifield20/profilesync/internal/health"
	"github.com/jmerrifield20/profilesync/internal/jobs"
	"github.com/jmerrifield20/profilesync/internal/metrics"
	"github.com/jmerrifield20/profilesync/internal/network"
	"github.com/jmerrifield20/profilesync/internal/profiles/handler"
	"github.com/jmerrifield20/profilesync/internal/profiles/repository"
	"github.com/jmerrifield20/profilesync/internal/profiles/service"
	"github.com/jmerrifield20/profilesync/internal/rank"
	"github.com/jmerrifield20/profilesync/internal/syncer"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

const serviceName = "profilesync"

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	if err := run(logger); err != nil {
		logger.Fatal("profilesvc exited with error", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	// ── Configuration ─────────────────────────────────────────────────────────
	cfg, err := config.Load(os.Getenv("PROFILESYNC_CONFIG"))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Credentials sealing ───────────────────────────────────────────────────
	var sealer *credentials.Sealer
	if cfg.Credentials.Key != "" {
		key, err := credentials.ParseKey(cfg.Credentials.Key)
		if err != nil {
			return fmt.Errorf("credentials key: %w", err)
		}
		if sealer, err = credentials.NewSealer(key); err != nil {
			return fmt.Errorf("credentials sealer: %w", err)
		}
	} else {
		logger.Warn("credentials.key not set; network tokens are stored unsealed")
	}

	// ── Store ─────────────────────────────────────────────────────────────────
	checker := health.New(cfg.Health, logger)
	checker.SetMetricsRecord(metrics.RecordDependencyProbe)

	var profiles repository.Store
	switch cfg.Database.Driver {
	case config.DriverMemory:
		logger.Warn("using in-memory store; data is lost on restart")
		profiles = repository.NewMemoryStore()
	default:
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		defer pool.Close()
		if err := pool.Ping(ctx); err != nil {
			return fmt.Errorf("ping database: %w", err)
		}
		logger.Info("connected to database")
		checker.Register("postgres", pool.Ping)
		var cipher repository.Cipher
		if sealer != nil {
			cipher = sealer
		}
		profiles = repository.NewPostgresStore(pool, cipher)
	}

	// ── Error sink ────────────────────────────────────────────────────────────
	var sink errsink.Reporter = errsink.NewLogReporter(logger)
	if cfg.Mail.Host != "" && len(cfg.Mail.To) > 0 {
		sink = errsink.Multi{sink, errsink.NewMailReporter(cfg.Mail, logger)}
		logger.Info("error mail enabled", zap.Strings("to", cfg.Mail.To))
	}

	// ── Sync pipeline ─────────────────────────────────────────────────────────
	clients := network.NewFactory(cfg.Networks, logger)
	ranker := rank.NewEngine(cfg.FollowRank)
	orch := syncer.New(profiles, clients, ranker, sink, cfg.Syncer, logger)
	worker := syncer.NewWorker(profiles, orch, logger)

	locker, rdb, err := newLocker(ctx, cfg.Redis, logger)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer rdb.Close() //nolint:errcheck
		checker.Register("redis", func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
	}

	dispatcher := jobs.NewDispatcher(worker, locker, cfg.Jobs, logger)
	dispatcher.Start(ctx)

	scheduler, err := jobs.NewScheduler(profiles, dispatcher, cfg.Schedule, logger)
	if err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	scheduler.Start()

	// ── Services ──────────────────────────────────────────────────────────────
	profileSvc := service.NewProfileService(profiles, logger)
	profileSvc.SetRanker(orch)
	profileSvc.SetEnqueuer(dispatcher)

	var tokens *auth.Issuer
	if cfg.Auth.Secret != "" {
		if tokens, err = auth.NewIssuer([]byte(cfg.Auth.Secret), cfg.Auth.Issuer, cfg.Auth.TokenTTL); err != nil {
			return fmt.Errorf("token issuer: %w", err)
		}
	} else {
		logger.Warn("auth.secret not set; API is unauthenticated")
	}

	router := newRouter(cfg.HTTP, handler.NewProfileHandler(profileSvc, tokens, logger), checker, logger)

	// ── Servers ───────────────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("profilesvc HTTP listening", zap.Int("port", cfg.HTTP.Port))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP listen error", zap.Error(err))
		}
	}()

	var grpcServer *grpc.Server
	var healthSvc *grpchealth.Server
	if cfg.GRPC.Port > 0 {
		grpcLis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPC.Port))
		if err != nil {
			return fmt.Errorf("gRPC listen on :%d: %w", cfg.GRPC.Port, err)
		}
		grpcServer = grpc.NewServer(
			grpc.ChainUnaryInterceptor(loggingInterceptor(logger)),
		)

		// Standard gRPC health service, for orchestrator probes
		healthSvc = grpchealth.NewServer()
		grpc_health_v1.RegisterHealthServer(grpcServer, healthSvc)
		healthSvc.SetServingStatus(serviceName, grpc_health_v1.HealthCheckResponse_SERVING)
		checker.SetReadyChange(func(ready bool) {
			st := grpc_health_v1.HealthCheckResponse_NOT_SERVING
			if ready {
				st = grpc_health_v1.HealthCheckResponse_SERVING
			}
			healthSvc.SetServingStatus(serviceName, st)
		})
		reflection.Register(grpcServer)

		go func() {
			logger.Info("profilesvc gRPC health listening", zap.Int("port", cfg.GRPC.Port))
			if err := grpcServer.Serve(grpcLis); err != nil {
				logger.Fatal("gRPC serve error", zap.Error(err))
			}
		}()
	}

	go checker.Start(ctx)

	// ── Graceful shutdown ──────────────────────────────────────────────────────
	<-quit
	logger.Info("shutting down profilesvc...")

	if healthSvc != nil {
		healthSvc.Shutdown()
	}

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutCancel()
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}

	scheduler.Stop()
	dispatcher.Stop()
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}

	logger.Info("profilesvc stopped")
	return nil
}

// newLocker returns the Redis locker when an address is configured and the
// in-process locker otherwise. The Redis client is nil for the latter.
func newLocker(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) (jobs.Locker, *redis.Client, error) {
	if cfg.Addr == "" {
		logger.Info("task locks held in process; run a single replica")
		return jobs.NewMemoryLocker(), nil, nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close() //nolint:errcheck
		return nil, nil, fmt.Errorf("ping redis at %s: %w", cfg.Addr, err)
	}
	logger.Info("connected to redis", zap.String("addr", cfg.Addr))
	return jobs.NewRedisLocker(rdb, cfg.Prefix), rdb, nil
}

// newRouter builds the HTTP surface: middleware, probes, metrics and the
// versioned API.
func newRouter(cfg config.HTTPConfig, profiles *handler.ProfileHandler, checker *health.Checker, logger *zap.Logger) *gin.Engine {
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	// CORS
	corsConfig := cors.Config{
		AllowOrigins:     cfg.CORSOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept"},
		ExposeHeaders:    []string{"Content-Length", "Retry-After"},
		AllowCredentials: !containsWildcard(cfg.CORSOrigins),
		MaxAge:           12 * time.Hour,
	}
	if len(cfg.CORSOrigins) > 0 {
		router.Use(cors.New(corsConfig))
	}

	// Security headers
	router.Use(func(c *gin.Context) {
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	})

	// Request body size limit (1 MB)
	router.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 1<<20)
		c.Next()
	})

	if cfg.RateLimitRPS > 0 {
		router.Use(handler.RateLimiter(float64(cfg.RateLimitRPS), cfg.RateLimitRPS*2))
	}

	router.Use(metrics.PrometheusMiddleware())
	router.Use(requestLogger(logger))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": serviceName})
	})
	router.GET("/readyz", func(c *gin.Context) {
		status := http.StatusOK
		if !checker.Ready() {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"ready": status == http.StatusOK, "dependencies": checker.Status()})
	})
	router.GET("/metrics", metrics.Handler())

	v1 := router.Group("/api/v1")
	profiles.Register(v1)
	return router
}

// loggingInterceptor returns a gRPC unary server interceptor that logs each call.
func loggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Info("grpc",
			zap.String("method", info.FullMethod),
			zap.String("code", status.Code(err).String()),
			zap.Duration("latency", time.Since(start)),
		)
		return resp, err
	}
}

// containsWildcard returns true if origins includes "*".
func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if o == "*" {
			return true
		}
	}
	return false
}

// requestLogger returns a Gin middleware that logs each request with zap.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
