// =============================================================================
// 📦 HeadshotFlow 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("HEADSHOTFLOW").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// 进程启动后配置不可变：提供商表、定价与预算档位均在启动时固化。
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 HeadshotFlow 的完整配置结构
type Config struct {
	// Server 服务器配置
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Providers 生成提供商配置（静态表，启动时固化）
	Providers ProvidersConfig `yaml:"providers" env:"PROVIDERS"`

	// Budget 预算档位配置
	Budget BudgetConfig `yaml:"budget" env:"BUDGET"`

	// Orchestrator 编排器配置
	Orchestrator OrchestratorConfig `yaml:"orchestrator" env:"ORCHESTRATOR"`

	// Health 健康监控配置
	Health HealthConfig `yaml:"health" env:"HEALTH"`

	// Redis 幂等槽位存储配置
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Database 账本数据库配置
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`

	// Mongo 终态归档配置
	Mongo MongoConfig `yaml:"mongo" env:"MONGO"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	// HTTP 端口
	HTTPPort int `yaml:"http_port" env:"HTTP_PORT"`
	// Metrics 端口
	MetricsPort int `yaml:"metrics_port" env:"METRICS_PORT"`
	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// 写入超时
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// ProvidersConfig 聚合所有提供商适配器配置。
// 环境变量只覆盖标量字段，定价与模型映射等复合字段仅支持 YAML。
type ProvidersConfig struct {
	Flux     ProviderConfig `yaml:"flux" env:"FLUX"`
	Dalle    ProviderConfig `yaml:"dalle" env:"DALLE"`
	SDLegacy ProviderConfig `yaml:"sdlegacy" env:"SDLEGACY"`
}

// ProviderConfig 单个提供商的配置
type ProviderConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// API 密钥
	APIKey string `yaml:"api_key" env:"API_KEY"`
	// 基础 URL（可选）
	BaseURL string `yaml:"base_url" env:"BASE_URL"`
	// 单次请求超时
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// 静态优先级，数值小者优先
	Priority int `yaml:"priority" env:"PRIORITY"`
	// 单批最大张数
	MaxBatch int `yaml:"max_batch" env:"MAX_BATCH"`
	// 支持的分辨率
	Resolutions []string `yaml:"resolutions" env:"RESOLUTIONS"`
	// 模型档位映射: fast/balanced/premium → 提供商模型 ID
	Models map[string]string `yaml:"models" env:"-"`
	// 定价表
	Pricing []PriceConfig `yaml:"pricing" env:"-"`
}

// PriceConfig 一条定价记录
type PriceConfig struct {
	// 模型档位
	Class string `yaml:"class"`
	// 分辨率
	Resolution string `yaml:"resolution"`
	// 单张美元价格
	UnitUSD float64 `yaml:"unit_usd"`
	// 附加费起算步数
	BaseSteps int `yaml:"base_steps"`
	// 每超出一步的附加美元价
	StepSurchargeUSD float64 `yaml:"step_surcharge_usd"`
}

// BudgetConfig 预算配置
type BudgetConfig struct {
	// 默认档位名
	DefaultTier string `yaml:"default_tier" env:"DEFAULT_TIER"`
	// 档位定义
	Tiers []TierConfig `yaml:"tiers" env:"-"`
}

// TierConfig 一个预算档位。0 表示该窗口不设上限。
type TierConfig struct {
	Name       string  `yaml:"name"`
	DailyUSD   float64 `yaml:"daily_usd"`
	WeeklyUSD  float64 `yaml:"weekly_usd"`
	MonthlyUSD float64 `yaml:"monthly_usd"`
}

// OrchestratorConfig 编排器配置
type OrchestratorConfig struct {
	// 提交阶段最大尝试次数
	SubmitMaxAttempts int `yaml:"submit_max_attempts" env:"SUBMIT_MAX_ATTEMPTS"`
	// 提交重试初始退避
	SubmitInitialDelay time.Duration `yaml:"submit_initial_delay" env:"SUBMIT_INITIAL_DELAY"`
	// 限流后同提供商重试次数
	RateLimitRetries int `yaml:"rate_limit_retries" env:"RATE_LIMIT_RETRIES"`
	// Retry-After 等待上限
	RetryAfterCap time.Duration `yaml:"retry_after_cap" env:"RETRY_AFTER_CAP"`
	// 轮询初始间隔
	PollInitial time.Duration `yaml:"poll_initial" env:"POLL_INITIAL"`
	// 轮询最大间隔
	PollMax time.Duration `yaml:"poll_max" env:"POLL_MAX"`
	// 单任务整体超时
	OverallTimeout time.Duration `yaml:"overall_timeout" env:"OVERALL_TIMEOUT"`
	// 每提供商并发上限
	ProviderConcurrency int `yaml:"provider_concurrency" env:"PROVIDER_CONCURRENCY"`
	// 每提供商 RPS 上限，0 表示不限
	ProviderRPS float64 `yaml:"provider_rps" env:"PROVIDER_RPS"`
	// 熔断阈值（连续可重试失败次数）
	BreakerThreshold int `yaml:"breaker_threshold" env:"BREAKER_THRESHOLD"`
	// 熔断恢复等待
	BreakerResetTimeout time.Duration `yaml:"breaker_reset_timeout" env:"BREAKER_RESET_TIMEOUT"`
	// 已结算任务在内存中的保留时长
	RetainSettled time.Duration `yaml:"retain_settled" env:"RETAIN_SETTLED"`
}

// HealthConfig 健康监控配置
type HealthConfig struct {
	// 探活间隔
	Interval time.Duration `yaml:"interval" env:"INTERVAL"`
	// 单次探活超时
	ProbeTimeout time.Duration `yaml:"probe_timeout" env:"PROBE_TIMEOUT"`
	// 滑动窗口大小
	WindowSize int `yaml:"window_size" env:"WINDOW_SIZE"`
	// p95 延迟降级阈值
	P95Threshold time.Duration `yaml:"p95_threshold" env:"P95_THRESHOLD"`
	// 连续失败多少次降级
	DegradeAfter int `yaml:"degrade_after" env:"DEGRADE_AFTER"`
	// 连续失败多少次下线
	OfflineAfter int `yaml:"offline_after" env:"OFFLINE_AFTER"`
	// 连续成功多少次恢复
	RecoverAfter int `yaml:"recover_after" env:"RECOVER_AFTER"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 是否启用（关闭时回退到进程内幂等槽位）
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// 连接池大小
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
	// 最小空闲连接
	MinIdleConns int `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 驱动类型: postgres, mysql, sqlite
	Driver string `yaml:"driver" env:"DRIVER"`
	// 主机
	Host string `yaml:"host" env:"HOST"`
	// 端口
	Port int `yaml:"port" env:"PORT"`
	// 用户名
	User string `yaml:"user" env:"USER"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库名
	Name string `yaml:"name" env:"NAME"`
	// SSL 模式
	SSLMode string `yaml:"ssl_mode" env:"SSL_MODE"`
	// 最大连接数
	MaxOpenConns int `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	// 最大空闲连接
	MaxIdleConns int `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	// 连接最大生命周期
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// MongoConfig 终态归档配置
type MongoConfig struct {
	// 是否启用（关闭时归档落入进程内存储）
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 连接 URI
	URI string `yaml:"uri" env:"URI"`
	// 数据库名
	Database string `yaml:"database" env:"DATABASE"`
	// 集合名
	Collection string `yaml:"collection" env:"COLLECTION"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "HEADSHOTFLOW",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	// 1. 从默认值开始
	cfg := DefaultConfig()

	// 2. 如果指定了配置文件，从文件加载
	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	// 3. 从环境变量覆盖
	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	// 4. 运行验证器
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// 文件不存在，使用默认值
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadFromEnv 从环境变量加载配置
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		// 获取 env tag
		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		// 如果是结构体，递归处理
		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		// 获取环境变量值
		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		// 设置字段值
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// 特殊处理 time.Duration
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 支持逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv 仅从环境变量加载配置
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}
	if c.Server.MetricsPort < 0 || c.Server.MetricsPort > 65535 {
		errs = append(errs, "invalid metrics port")
	}
	if c.Orchestrator.SubmitMaxAttempts <= 0 {
		errs = append(errs, "submit_max_attempts must be positive")
	}
	if c.Orchestrator.PollInitial <= 0 {
		errs = append(errs, "poll_initial must be positive")
	}
	if c.Health.OfflineAfter < c.Health.DegradeAfter {
		errs = append(errs, "offline_after must be >= degrade_after")
	}
	for _, t := range c.Budget.Tiers {
		if t.Name == "" {
			errs = append(errs, "budget tier with empty name")
		}
		if t.DailyUSD < 0 || t.WeeklyUSD < 0 || t.MonthlyUSD < 0 {
			errs = append(errs, fmt.Sprintf("budget tier %q has negative ceiling", t.Name))
		}
	}
	for _, pc := range []struct {
		name string
		cfg  ProviderConfig
	}{{"flux", c.Providers.Flux}, {"dalle", c.Providers.Dalle}, {"sdlegacy", c.Providers.SDLegacy}} {
		if pc.cfg.Enabled && pc.cfg.APIKey == "" {
			errs = append(errs, fmt.Sprintf("provider %s enabled without api_key", pc.name))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN 返回数据库连接字符串
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}
