package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"

	"github.com/BaSui01/headshotflow/config"
	"github.com/BaSui01/headshotflow/gen"
	"github.com/BaSui01/headshotflow/gen/archive"
	"github.com/BaSui01/headshotflow/gen/budget"
	"github.com/BaSui01/headshotflow/gen/circuitbreaker"
	"github.com/BaSui01/headshotflow/gen/cost"
	"github.com/BaSui01/headshotflow/gen/health"
	"github.com/BaSui01/headshotflow/gen/idempotency"
	"github.com/BaSui01/headshotflow/gen/ledger"
	"github.com/BaSui01/headshotflow/gen/notify"
	"github.com/BaSui01/headshotflow/gen/providers/dalle"
	"github.com/BaSui01/headshotflow/gen/providers/flux"
	"github.com/BaSui01/headshotflow/gen/providers/sdlegacy"
	"github.com/BaSui01/headshotflow/gen/retry"
	"github.com/BaSui01/headshotflow/internal/database"
	"github.com/BaSui01/headshotflow/internal/metrics"
	"github.com/BaSui01/headshotflow/internal/server"
	"github.com/BaSui01/headshotflow/internal/telemetry"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 是 HeadshotFlow 的主服务器
type Server struct {
	cfg    *config.Config
	logger *zap.Logger
	otel   *telemetry.Providers

	// 服务器管理器
	httpManager    *server.Manager
	metricsManager *server.Manager

	// 核心组件
	collector    *metrics.Collector
	registry     *gen.Registry
	healthMon    *health.Monitor
	gate         *budget.Gate
	orchestrator *gen.Orchestrator

	// 外部依赖
	pool        *database.PoolManager
	mongoClient *mongo.Client
}

// NewServer 装配全部组件。任何必需依赖装配失败都直接返回错误，
// 可选依赖（数据库、Redis、Mongo）不可用时回退到进程内实现。
func NewServer(cfg *config.Config, logger *zap.Logger, otel *telemetry.Providers) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logger,
		otel:   otel,
	}

	// 1. 指标收集器
	s.collector = metrics.NewCollector("headshotflow", logger)

	// 2. 提供商注册表与定价表
	s.registry = gen.NewRegistry()
	priceTable := make(map[cost.PriceKey]cost.Price)

	register := func(p gen.Provider, pc config.ProviderConfig) error {
		if err := s.registry.Register(p); err != nil {
			return err
		}
		for _, pr := range pc.Pricing {
			priceTable[cost.PriceKey{Provider: p.Name(), ModelClass: pr.Class, Resolution: pr.Resolution}] = cost.Price{
				Unit:          cost.FromUSD(pr.UnitUSD),
				BaseSteps:     pr.BaseSteps,
				StepSurcharge: cost.FromUSD(pr.StepSurchargeUSD),
			}
		}
		return nil
	}

	if pc := cfg.Providers.Flux; pc.Enabled {
		p := flux.New(flux.Config{
			APIKey:      pc.APIKey,
			BaseURL:     pc.BaseURL,
			Timeout:     pc.Timeout,
			Priority:    pc.Priority,
			Resolutions: pc.Resolutions,
			Models:      pc.Models,
		})
		if err := register(p, pc); err != nil {
			return nil, err
		}
	}
	if pc := cfg.Providers.Dalle; pc.Enabled {
		p := dalle.New(dalle.Config{
			APIKey:      pc.APIKey,
			BaseURL:     pc.BaseURL,
			Timeout:     pc.Timeout,
			Priority:    pc.Priority,
			MaxBatch:    pc.MaxBatch,
			Resolutions: pc.Resolutions,
			Models:      pc.Models,
		})
		if err := register(p, pc); err != nil {
			return nil, err
		}
	}
	if pc := cfg.Providers.SDLegacy; pc.Enabled {
		p := sdlegacy.New(sdlegacy.Config{
			APIKey:      pc.APIKey,
			BaseURL:     pc.BaseURL,
			Timeout:     pc.Timeout,
			Priority:    pc.Priority,
			MaxBatch:    pc.MaxBatch,
			Resolutions: pc.Resolutions,
			Engines:     pc.Models,
		})
		if err := register(p, pc); err != nil {
			return nil, err
		}
	}
	if len(s.registry.All()) == 0 {
		return nil, fmt.Errorf("no providers enabled")
	}

	costs := cost.NewModel(priceTable)

	// 3. 预算门
	tiers := make(map[string]budget.Tier, len(cfg.Budget.Tiers))
	for _, t := range cfg.Budget.Tiers {
		tiers[t.Name] = budget.Tier{
			Name:    t.Name,
			Daily:   cost.FromUSD(t.DailyUSD),
			Weekly:  cost.FromUSD(t.WeeklyUSD),
			Monthly: cost.FromUSD(t.MonthlyUSD),
		}
	}
	s.gate = budget.NewGate(budget.Config{
		Tiers:       tiers,
		DefaultTier: cfg.Budget.DefaultTier,
	}, logger)

	// 4. 健康监控
	s.healthMon = health.NewMonitor(health.Config{
		Interval:     cfg.Health.Interval,
		ProbeTimeout: cfg.Health.ProbeTimeout,
		WindowSize:   cfg.Health.WindowSize,
		P95Threshold: cfg.Health.P95Threshold,
		DegradeAfter: cfg.Health.DegradeAfter,
		OfflineAfter: cfg.Health.OfflineAfter,
		RecoverAfter: cfg.Health.RecoverAfter,
	}, logger)
	s.healthMon.OnStatusChange(s.collector.HealthStatusChanged)
	for _, p := range s.registry.All() {
		provider := p
		s.healthMon.Register(provider.Name(), health.ProberFunc(func(ctx context.Context) (time.Duration, error) {
			st, err := provider.HealthCheck(ctx)
			if err != nil {
				return 0, err
			}
			if !st.Healthy {
				return st.Latency, fmt.Errorf("provider %s unhealthy", provider.Name())
			}
			return st.Latency, nil
		}))
	}

	// 5. 幂等槽位
	var slots idempotency.Registry
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
		})
		slots = idempotency.NewRedisRegistry(client, "headshotflow", logger)
	} else {
		slots = idempotency.NewMemoryRegistry(logger)
	}

	// 6. 账本（可选）
	var ldg gen.Ledger
	if cfg.Database.Driver != "" {
		db, err := database.Open(cfg.Database.Driver, cfg.Database.DSN(), logger)
		if err != nil {
			logger.Warn("ledger database unavailable, attempts will not be persisted", zap.Error(err))
		} else {
			pool, err := database.NewPoolManager(db, database.PoolConfig{
				MaxIdleConns:        cfg.Database.MaxIdleConns,
				MaxOpenConns:        cfg.Database.MaxOpenConns,
				ConnMaxLifetime:     cfg.Database.ConnMaxLifetime,
				ConnMaxIdleTime:     10 * time.Minute,
				HealthCheckInterval: 30 * time.Second,
			}, logger)
			if err != nil {
				return nil, err
			}
			pool.OnStats(func(open, idle int) {
				s.collector.RecordDBConnections(cfg.Database.Name, open, idle)
			})
			store, err := ledger.NewStore(pool.DB(), logger)
			if err != nil {
				return nil, err
			}
			s.pool = pool
			ldg = store
		}
	}

	// 7. 归档
	var archiver gen.Archiver
	if cfg.Mongo.Enabled {
		client, err := mongo.Connect(options.Client().ApplyURI(cfg.Mongo.URI))
		if err != nil {
			return nil, fmt.Errorf("connect mongo: %w", err)
		}
		s.mongoClient = client
		archiver = archive.NewMongoStore(client, cfg.Mongo.Database, cfg.Mongo.Collection, logger)
	} else {
		archiver = archive.NewMemoryStore()
	}

	// 8. 编排器
	orch, err := gen.NewOrchestrator(gen.OrchestratorOptions{
		Registry: s.registry,
		Selector: gen.NewSelector(s.registry, costs, s.healthMon, logger),
		Costs:    costs,
		Gate:     s.gate,
		Health:   s.healthMon,
		Slots:    slots,
		Ledger:   ldg,
		Notifier: notify.NewLogNotifier(logger),
		Archiver: archiver,
		Observer: s.collector,
		Logger:   logger,
		Config: gen.OrchestratorConfig{
			SubmitRetry: &retry.Policy{
				InitialDelay: cfg.Orchestrator.SubmitInitialDelay,
				MaxAttempts:  cfg.Orchestrator.SubmitMaxAttempts,
			},
			RateLimitRetries:    cfg.Orchestrator.RateLimitRetries,
			RetryAfterCap:       cfg.Orchestrator.RetryAfterCap,
			PollInitial:         cfg.Orchestrator.PollInitial,
			PollMax:             cfg.Orchestrator.PollMax,
			OverallTimeout:      cfg.Orchestrator.OverallTimeout,
			ProviderConcurrency: int64(cfg.Orchestrator.ProviderConcurrency),
			ProviderRPS:         cfg.Orchestrator.ProviderRPS,
			Breaker: &circuitbreaker.Config{
				Threshold:    cfg.Orchestrator.BreakerThreshold,
				ResetTimeout: cfg.Orchestrator.BreakerResetTimeout,
			},
			RetainSettled: cfg.Orchestrator.RetainSettled,
		},
	})
	if err != nil {
		return nil, err
	}
	s.orchestrator = orch

	return s, nil
}

// =============================================================================
// 🚀 启动与关闭
// =============================================================================

// Start 启动健康监控、任务 API 与指标服务
func (s *Server) Start() error {
	s.healthMon.Start()

	s.httpManager = server.NewManager(s.routes(), server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     120 * time.Second,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}, s.logger)
	if err := s.httpManager.Start(); err != nil {
		return err
	}

	if s.cfg.Server.MetricsPort > 0 {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		s.metricsManager = server.NewManager(metricsMux, server.Config{
			Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			IdleTimeout:     60 * time.Second,
			MaxHeaderBytes:  1 << 20,
			ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
		}, s.logger)
		if err := s.metricsManager.Start(); err != nil {
			return err
		}
	}

	s.logger.Info("All servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
	)
	return nil
}

// WaitForShutdown 等待信号并依序关闭：先停止接收请求，
// 再排空编排器，最后释放外部连接。
func (s *Server) WaitForShutdown() {
	s.httpManager.WaitForShutdown()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	if s.metricsManager != nil {
		_ = s.metricsManager.Shutdown(ctx)
	}
	if err := s.orchestrator.Shutdown(ctx); err != nil {
		s.logger.Warn("orchestrator shutdown incomplete", zap.Error(err))
	}
	s.healthMon.Stop()

	if s.pool != nil {
		_ = s.pool.Close()
	}
	if s.mongoClient != nil {
		_ = s.mongoClient.Disconnect(ctx)
	}
	if s.otel != nil {
		_ = s.otel.Shutdown(ctx)
	}
}

// =============================================================================
// 🌐 路由与 Handlers
// =============================================================================

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/providers", s.handleProviders)
	mux.HandleFunc("POST /v1/generations", s.handleSubmit)
	mux.HandleFunc("GET /v1/generations/{id}", s.handleStatus)
	mux.HandleFunc("GET /v1/generations/{id}/wait", s.handleWait)
	mux.HandleFunc("DELETE /v1/generations/{id}", s.handleCancel)
	mux.HandleFunc("GET /v1/accounts/{id}/spend", s.handleSpend)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": Version})
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.healthMon.Snapshots())
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req gen.GenerationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, gen.Errf(gen.KindInvalidRequest, "", "invalid request body: %v", err))
		return
	}

	snap, err := s.orchestrator.Submit(r.Context(), &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, snap)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.orchestrator.Status(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleWait(w http.ResponseWriter, r *http.Request) {
	snap, err := s.orchestrator.Wait(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.orchestrator.Cancel(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

func (s *Server) handleSpend(w http.ResponseWriter, r *http.Request) {
	day, week, month := s.gate.Spent(r.PathValue("id"))
	writeJSON(w, http.StatusOK, map[string]any{
		"day_usd":   day.USD(),
		"week_usd":  week.USD(),
		"month_usd": month.USD(),
	})
}

// =============================================================================
// 🔧 响应辅助
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError 把分类错误映射到 HTTP 状态码
func writeError(w http.ResponseWriter, err error) {
	var ge *gen.Error
	if !errors.As(err, &ge) {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	status := http.StatusInternalServerError
	switch ge.Kind {
	case gen.KindInvalidRequest:
		status = http.StatusBadRequest
	case gen.KindBudgetExceeded:
		status = http.StatusPaymentRequired
	case gen.KindAlreadyInProgress:
		status = http.StatusConflict
	case gen.KindNoCapacity:
		status = http.StatusServiceUnavailable
	case gen.KindRateLimited:
		status = http.StatusTooManyRequests
	case gen.KindNotSupported:
		status = http.StatusNotFound
	}
	writeJSON(w, status, map[string]any{
		"error": ge.Message,
		"kind":  string(ge.Kind),
	})
}
