// =============================================================================
// 📦 HeadshotFlow 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:       DefaultServerConfig(),
		Providers:    DefaultProvidersConfig(),
		Budget:       DefaultBudgetConfig(),
		Orchestrator: DefaultOrchestratorConfig(),
		Health:       DefaultHealthConfig(),
		Redis:        DefaultRedisConfig(),
		Database:     DefaultDatabaseConfig(),
		Mongo:        DefaultMongoConfig(),
		Log:          DefaultLogConfig(),
		Telemetry:    DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
	}
}

// DefaultProvidersConfig 返回默认提供商配置。
// 密钥必须通过 YAML 或环境变量显式提供。
func DefaultProvidersConfig() ProvidersConfig {
	return ProvidersConfig{
		Flux: ProviderConfig{
			Enabled:  true,
			Timeout:  120 * time.Second,
			Priority: 1,
			MaxBatch: 8,
			Pricing: []PriceConfig{
				{Class: "balanced", Resolution: "1024x1024", UnitUSD: 0.04, BaseSteps: 28, StepSurchargeUSD: 0.01},
				{Class: "premium", Resolution: "1024x1024", UnitUSD: 0.06, BaseSteps: 28, StepSurchargeUSD: 0.01},
			},
		},
		Dalle: ProviderConfig{
			Enabled:  true,
			Timeout:  120 * time.Second,
			Priority: 2,
			MaxBatch: 4,
			Pricing: []PriceConfig{
				{Class: "fast", Resolution: "1024x1024", UnitUSD: 0.02},
				{Class: "balanced", Resolution: "1024x1024", UnitUSD: 0.08},
			},
		},
		SDLegacy: ProviderConfig{
			Enabled:  false,
			Timeout:  120 * time.Second,
			Priority: 3,
			MaxBatch: 10,
			Pricing: []PriceConfig{
				{Class: "fast", Resolution: "1024x1024", UnitUSD: 0.01, BaseSteps: 30, StepSurchargeUSD: 0.005},
			},
		},
	}
}

// DefaultBudgetConfig 返回默认预算配置
func DefaultBudgetConfig() BudgetConfig {
	return BudgetConfig{
		DefaultTier: "free",
		Tiers: []TierConfig{
			{Name: "free", DailyUSD: 1, WeeklyUSD: 5, MonthlyUSD: 10},
			{Name: "pro", DailyUSD: 20, WeeklyUSD: 100, MonthlyUSD: 300},
			{Name: "studio", DailyUSD: 0, WeeklyUSD: 0, MonthlyUSD: 2000},
		},
	}
}

// DefaultOrchestratorConfig 返回默认编排器配置
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		SubmitMaxAttempts:   3,
		SubmitInitialDelay:  500 * time.Millisecond,
		RateLimitRetries:    1,
		RetryAfterCap:       30 * time.Second,
		PollInitial:         2 * time.Second,
		PollMax:             15 * time.Second,
		OverallTimeout:      10 * time.Minute,
		ProviderConcurrency: 4,
		ProviderRPS:         0,
		BreakerThreshold:    5,
		BreakerResetTimeout: 60 * time.Second,
		RetainSettled:       time.Hour,
	}
}

// DefaultHealthConfig 返回默认健康监控配置
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		Interval:     30 * time.Second,
		ProbeTimeout: 5 * time.Second,
		WindowSize:   20,
		P95Threshold: 10 * time.Second,
		DegradeAfter: 2,
		OfflineAfter: 5,
		RecoverAfter: 3,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Enabled:      false,
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "sqlite",
		Name:            "headshotflow.db",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultMongoConfig 返回默认归档配置
func DefaultMongoConfig() MongoConfig {
	return MongoConfig{
		Enabled:    false,
		URI:        "mongodb://localhost:27017",
		Database:   "headshotflow",
		Collection: "settled_jobs",
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "headshotflow",
		SampleRate:   0.1,
	}
}
