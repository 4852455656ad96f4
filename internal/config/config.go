// Package config 负责加载和管理应用程序的配置。
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// 全局配置变量，存储从配置文件加载的所有设置。
var Conf Config

// Config 是整个应用程序的配置结构体，与 config.yaml 文件结构对应。
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Log      LogConfig      `mapstructure:"log"`
	LLM      LLMConfig      `mapstructure:"llm"`
	Session  SessionConfig  `mapstructure:"session"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// ServerConfig 存储服务器相关的配置。
type ServerConfig struct {
	Port      string `mapstructure:"port"`
	Mode      string `mapstructure:"mode"`
	StaticDir string `mapstructure:"static_dir"`
}

// DatabaseConfig 存储所有数据库连接的配置。
type DatabaseConfig struct {
	// Driver 取值 sqlite、mysql 或 postgres。
	Driver string      `mapstructure:"driver"`
	DSN    string      `mapstructure:"dsn"`
	Redis  RedisConfig `mapstructure:"redis"`
}

// RedisConfig 存储 Redis 的配置。Addr 为空时不启用会话缓存。
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// KafkaConfig 存储 Kafka 相关的配置。Brokers 为空时不发布会话事件。
type KafkaConfig struct {
	Brokers string `mapstructure:"brokers"`
	Topic   string `mapstructure:"topic"`
}

// LogConfig 存储日志相关的配置。
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// LLMConfig 存储大语言模型相关的配置。
type LLMConfig struct {
	APIKey     string              `mapstructure:"api_key"`
	BaseURL    string              `mapstructure:"base_url"`
	Model      string              `mapstructure:"model"`
	MaxRetries int                 `mapstructure:"max_retries"`
	Generation LLMGenerationConfig `mapstructure:"generation"`
	Prompt     LLMPromptConfig     `mapstructure:"prompt"`
}

// LLMGenerationConfig 是轮次请求未携带采样参数时使用的默认值。
type LLMGenerationConfig struct {
	Temperature float64 `mapstructure:"temperature"`
	TopP        float64 `mapstructure:"top_p"`
	TopK        int     `mapstructure:"top_k"`
	MaxTokens   int     `mapstructure:"max_tokens"`
}

// LLMPromptConfig 配置系统指令与标题生成。
type LLMPromptConfig struct {
	Directive    string `mapstructure:"directive"`
	DefaultTitle string `mapstructure:"default_title"`
	TitleMaxLen  int    `mapstructure:"title_max_len"`
}

// SessionConfig 控制 WebSocket 会话行为。
type SessionConfig struct {
	// TitleUserTurnLimit 为触发标题推荐的最大 user 消息数。
	TitleUserTurnLimit int           `mapstructure:"title_user_turn_limit"`
	TitleTimeout       time.Duration `mapstructure:"title_timeout"`
	ReadLimit          int64         `mapstructure:"read_limit"`
}

// AuthConfig 配置可选的 HTTP Basic 认证，格式为 user:password。
type AuthConfig struct {
	BasicAuth []string `mapstructure:"basic_auth"`
}

// MetricsConfig 配置 Prometheus 指标端点。
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// Accounts 将 user:password 列表解析为 gin.Accounts 兼容的 map。
func (a AuthConfig) Accounts() (map[string]string, error) {
	accounts := make(map[string]string, len(a.BasicAuth))
	for _, entry := range a.BasicAuth {
		user, pass, ok := strings.Cut(entry, ":")
		if !ok || user == "" {
			return nil, fmt.Errorf("无效的 basic auth 配置 %q，应为 user:password", entry)
		}
		accounts[user] = pass
	}
	return accounts, nil
}

// SetDefaults 注册所有配置项的默认值。
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8035")
	v.SetDefault("server.mode", "release")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "chats.db")
	v.SetDefault("database.redis.addr", "")
	v.SetDefault("database.redis.ttl", 10*time.Minute)
	v.SetDefault("kafka.brokers", "")
	v.SetDefault("kafka.topic", "conversation-events")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.base_url", "https://generativelanguage.googleapis.com/v1beta/openai")
	v.SetDefault("llm.model", "learnlm-1.5-pro-experimental")
	v.SetDefault("llm.max_retries", 2)
	v.SetDefault("llm.generation.temperature", 1.0)
	v.SetDefault("llm.generation.top_p", 0.95)
	v.SetDefault("llm.generation.top_k", 64)
	v.SetDefault("llm.generation.max_tokens", 8192)
	v.SetDefault("llm.prompt.directive", DefaultDirective)
	v.SetDefault("llm.prompt.default_title", "New Conversation")
	v.SetDefault("llm.prompt.title_max_len", 50)
	v.SetDefault("session.title_user_turn_limit", 3)
	v.SetDefault("session.title_timeout", time.Minute)
	v.SetDefault("session.read_limit", 4<<20)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
}

// DefaultDirective 是未配置时注入到每个会话的系统指令。
const DefaultDirective = `You are a patient tutor. Reply in the learner's language.
Do not hand out finished solutions to assigned problems; find out what is unclear and
build understanding with simpler exercises first, then return to the original task.
Reference facts, definitions and formulas may be given directly.
Use markdown and LaTeX for mathematical notation.`

// Load 从给定路径读取 YAML 配置（路径为空时只使用默认值与环境变量）。
// 环境变量以 TUTOR_ 为前缀，例如 TUTOR_LLM_API_KEY。
func Load(v *viper.Viper, configPath string) (Config, error) {
	var cfg Config
	SetDefaults(v)
	v.SetEnvPrefix("TUTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return cfg, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("无法将配置解析到结构体中: %w", err)
	}
	return cfg, nil
}

// Init 使用全局 viper 实例加载配置到 Conf，失败时 panic。
func Init(configPath string) {
	cfg, err := Load(viper.GetViper(), configPath)
	if err != nil {
		panic(err)
	}
	Conf = cfg
}
