package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/helloemzy/personal-brand-dna-sub000/internal/models"
)

// RedisConfig 定义了 Redis 的连接配置。
type RedisConfig struct {
	Address      string `yaml:"address"`      // Redis 服务器地址 (例如: "localhost:6379")
	Password     string `yaml:"password"`     // Redis 密码
	DB           int    `yaml:"db"`           // Redis 数据库编号
	PoolSize     int    `yaml:"poolSize"`     // 连接池大小，0 使用默认值
	MinIdleConns int    `yaml:"minIdleConns"` // 最小空闲连接数
	DialTimeout  string `yaml:"dialTimeout"`  // 建立连接超时 (例如: "5s")
}

// MySQLConfig 定义了 MySQL 数据库的连接配置。
type MySQLConfig struct {
	Address         string `yaml:"address"`         // MySQL 服务器地址
	Username        string `yaml:"username"`        // 用户名
	Password        string `yaml:"password"`        // 密码
	Database        string `yaml:"database"`        // 数据库名称
	MaxOpenConns    int    `yaml:"maxOpenConns"`    // 最大打开连接数
	MaxIdleConns    int    `yaml:"maxIdleConns"`    // 最大空闲连接数
	ConnMaxLifetime int    `yaml:"connMaxLifetime"` // 连接最大生命周期 (秒)
}

// MongoConfig 定义了 MongoDB 数据库的连接配置。
type MongoConfig struct {
	Address          string `yaml:"address"`          // MongoDB 服务器地址
	Username         string `yaml:"username"`         // 用户名
	Password         string `yaml:"password"`         // 密码
	Database         string `yaml:"database"`         // 数据库名称
	Collection       string `yaml:"collection"`       // 任务集合名称
	MaxPoolSize      uint64 `yaml:"maxPoolSize"`      // 连接池上限，0 使用默认值
	SelectionTimeout string `yaml:"selectionTimeout"` // 节点选择超时 (例如: "10s")
}

// EtcdConfig 定义了 Etcd 服务发现的连接配置。
type EtcdConfig struct {
	Endpoints []string `yaml:"endpoints"` // Etcd 节点地址列表
	LeaseTTL  int64    `yaml:"leaseTTL"`  // Agent 注册租约时长 (秒)
}

// KafkaConfig 定义了 Kafka 消息总线的连接与主题配置。
type KafkaConfig struct {
	Brokers         []string `yaml:"brokers"`         // Kafka Broker 地址列表
	TaskTopicPrefix string   `yaml:"taskTopicPrefix"` // 任务主题前缀，完整主题为 <prefix>.<agentType>
	ResultsTopic    string   `yaml:"resultsTopic"`    // 任务结果主题
	EventsTopic     string   `yaml:"eventsTopic"`     // 心跳、协调、学习更新等事件主题
	DeadLetterTopic string   `yaml:"deadLetterTopic"` // 死信主题
}

// BackoffConfig 定义了统一的指数退避策略，供任务重试和消息重投使用。
type BackoffConfig struct {
	InitialDelay string  `yaml:"initialDelay"` // 首次重试延迟 (例如: "1s")
	Multiplier   float64 `yaml:"multiplier"`   // 退避系数 (例如: 2.0)
	MaxDelay     string  `yaml:"maxDelay"`     // 单次延迟上限 (例如: "2m")
	MaxAttempts  int     `yaml:"maxAttempts"`  // 最大尝试次数（含首次）
}

// AgentConfig 定义了单一类型 Agent 的运行参数。
type AgentConfig struct {
	Capacity          int           `yaml:"capacity"`          // 最大并发任务数
	MaxRetries        int           `yaml:"maxRetries"`        // 瞬时错误的最大重试次数
	Backoff           BackoffConfig `yaml:"backoff"`           // 重试退避策略
	RunningSLA        string        `yaml:"runningSLA"`        // 单个任务的最长执行时间，超时视为失败并重试
	HeartbeatInterval string        `yaml:"heartbeatInterval"` // 心跳间隔 (例如: "10s")
	HealthAddress     string        `yaml:"healthAddress"`     // 健康检查/指标 HTTP 端口 (例如: ":8081")
}

// AgentsConfig 汇总了所有 Agent 类型的运行参数。
type AgentsConfig struct {
	NewsMonitor      AgentConfig `yaml:"newsMonitor"`
	ContentGenerator AgentConfig `yaml:"contentGenerator"`
	QualityControl   AgentConfig `yaml:"qualityControl"`
	Publisher        AgentConfig `yaml:"publisher"`
	Learning         AgentConfig `yaml:"learning"`
}

// ForType 返回指定 Agent 类型的配置。
func (a *AgentsConfig) ForType(t models.AgentType) AgentConfig {
	switch t {
	case models.AgentTypeNewsMonitor:
		return a.NewsMonitor
	case models.AgentTypeContentGenerator:
		return a.ContentGenerator
	case models.AgentTypeQualityControl:
		return a.QualityControl
	case models.AgentTypePublisher:
		return a.Publisher
	case models.AgentTypeLearning:
		return a.Learning
	}
	return AgentConfig{}
}

// OrchestratorConfig 定义了编排器的运行参数。
type OrchestratorConfig struct {
	ServerAddress          string `yaml:"serverAddress"`          // 任务提交 HTTP API 地址
	HeartbeatMissThreshold int    `yaml:"heartbeatMissThreshold"` // 连续缺失多少次心跳判定 Agent 死亡
	AssignInterval         string `yaml:"assignInterval"`         // 分配循环的轮询间隔
	ReconcileInterval      string `yaml:"reconcileInterval"`      // 对账循环间隔，兜底恢复卡死任务
	QueuedTimeout          string `yaml:"queuedTimeout"`          // 任务排队超过该时长后提升优先级
}

// RateWindowConfig 定义了单个限流窗口：窗口时长内最多允许 Limit 次发布。
type RateWindowConfig struct {
	Limit  int    `yaml:"limit"`  // 窗口内允许的发布次数
	Window string `yaml:"window"` // 窗口时长 (例如: "1h", "24h", "168h")
}

// PlatformConfig 定义了某个外部平台的发布网关与全部限流窗口，所有窗口需同时满足。
type PlatformConfig struct {
	Endpoint string             `yaml:"endpoint"` // 发布网关地址，为空时使用本地桩实现
	Windows  []RateWindowConfig `yaml:"windows"`
}

// PublisherConfig 定义了发布队列的调度参数。
type PublisherConfig struct {
	Platforms        map[string]PlatformConfig `yaml:"platforms"`        // 按平台名称索引的限流窗口
	DispatchInterval string                    `yaml:"dispatchInterval"` // 队列调度循环间隔
	PublishBackoff   BackoffConfig             `yaml:"publishBackoff"`   // 外部调用瞬时失败的退避策略
}

// QualityConfig 定义了质量控制的阈值参数。
type QualityConfig struct {
	PassThreshold    float64 `yaml:"passThreshold"`    // 综合分数及格线 [0,1]
	MaxRegenerations int     `yaml:"maxRegenerations"` // 软性不及格时允许的重新生成次数
}

// FeedConfig 定义了一个外部新闻源。
type FeedConfig struct {
	Name string `yaml:"name"` // 信息源名称
	URL  string `yaml:"url"`  // JSON feed 地址
}

// NewsConfig 定义了新闻监控的参数。
type NewsConfig struct {
	ScoreThreshold float64      `yaml:"scoreThreshold"` // 机会分数达到该值才进入内容生成
	DedupeCapacity uint         `yaml:"dedupeCapacity"` // 去重布隆过滤器的预估容量
	Feeds          []FeedConfig `yaml:"feeds"`          // 要扫描的信息源列表
}

// LearningConfig 定义了学习 Agent 的参数。
type LearningConfig struct {
	EmitInterval string  `yaml:"emitInterval"` // 参数更新的广播周期
	Smoothing    float64 `yaml:"smoothing"`    // 指数滑动平均的平滑系数 (0,1]
}

// RateLimiterConfig 定义了健康端点限流中间件的配置。
type RateLimiterConfig struct {
	Enabled  bool    `yaml:"enabled"`
	Rate     float64 `yaml:"rate"`     // 令牌桶每秒速率
	Capacity int     `yaml:"capacity"` // 令牌桶容量
}

// CircuitBreakerConfig 定义了熔断器的配置。
type CircuitBreakerConfig struct {
	Enabled          bool   `yaml:"enabled"`
	FailureThreshold uint32 `yaml:"failureThreshold"` // 连续失败多少次后熔断
	SuccessThreshold uint32 `yaml:"successThreshold"` // 半开状态下连续成功多少次后恢复
	Timeout          string `yaml:"timeout"`          // 熔断后多久进入半开 (例如: "30s")
}

// MiddlewareConfig 包含所有中间件的配置。
type MiddlewareConfig struct {
	RateLimiter    RateLimiterConfig    `yaml:"rateLimiter"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuitBreaker"`
}

// DatabaseConfigs 包含所有外部存储与消息基础设施的配置。
type DatabaseConfigs struct {
	Redis   RedisConfig `yaml:"redis"`   // Redis：发布幂等键
	MySQL   MySQLConfig `yaml:"mysql"`   // MySQL：发布作业审计表
	MongoDB MongoConfig `yaml:"mongodb"` // MongoDB：任务存储
	Etcd    EtcdConfig  `yaml:"etcd"`    // Etcd：Agent 服务注册
	Kafka   KafkaConfig `yaml:"kafka"`   // Kafka：消息总线
}

// AppInfo 对应 'app' 部分，包含应用程序的基本信息。
type AppInfo struct {
	Name        string `yaml:"name"`        // 应用程序名称
	Version     string `yaml:"version"`     // 应用程序版本
	Environment string `yaml:"environment"` // 运行环境 (例如: "development", "production")
}

// LoggerConfig 定义了日志记录器的配置。
type LoggerConfig struct {
	Level string `yaml:"level"` // 日志级别 (例如: "info", "debug", "warn", "error")
}

// AppConfig 是整个 YAML 文件的根结构。
type AppConfig struct {
	App          AppInfo            `yaml:"app"`
	Logger       LoggerConfig       `yaml:"logger"`
	Databases    DatabaseConfigs    `yaml:"databases"`
	Agents       AgentsConfig       `yaml:"agents"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Publisher    PublisherConfig    `yaml:"publisher"`
	Quality      QualityConfig      `yaml:"quality"`
	News         NewsConfig         `yaml:"news"`
	Learning     LearningConfig     `yaml:"learning"`
	Middleware   MiddlewareConfig   `yaml:"middleware"`
}

// LoadConfig 从指定路径加载并解析 YAML 配置文件。
func LoadConfig(path string) (*AppConfig, error) {
	yamlFile, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("无法读取 YAML 文件 '%s': %w", path, err)
	}
	var cfg AppConfig
	if err := yaml.Unmarshal(yamlFile, &cfg); err != nil {
		return nil, fmt.Errorf("解析 YAML 文件失败: %w", err)
	}
	return &cfg, nil
}

// ParseDuration 解析配置中的时长字符串，空值或非法值时返回给定的默认值。
func ParseDuration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}
