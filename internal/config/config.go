// Package config 负责加载和管理应用程序的配置。
package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// 全局配置变量，存储从配置文件加载的所有设置。
var Conf Config

// Config 是整个应用程序的配置结构体，与 config.yaml 文件结构对应。
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	JWT           JWTConfig           `mapstructure:"jwt"`
	Log           LogConfig           `mapstructure:"log"`
	Kafka         KafkaConfig         `mapstructure:"kafka"`
	Tika          TikaConfig          `mapstructure:"tika"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
	MinIO         MinIOConfig         `mapstructure:"minio"`
	Embedding     EmbeddingConfig     `mapstructure:"embedding"`
	Rerank        RerankConfig        `mapstructure:"rerank"`
	LLM           LLMConfig           `mapstructure:"llm"`
	Chunking      ChunkingConfig      `mapstructure:"chunking"`
	Retrieval     RetrievalConfig     `mapstructure:"retrieval"`
	MCP           MCPConfig           `mapstructure:"mcp"`
}

// ServerConfig 存储服务器相关的配置。
type ServerConfig struct {
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

// DatabaseConfig 存储所有数据库连接的配置。
type DatabaseConfig struct {
	MySQL MySQLConfig `mapstructure:"mysql"`
	Redis RedisConfig `mapstructure:"redis"`
}

// MySQLConfig 存储 MySQL 数据库的配置。
type MySQLConfig struct {
	DSN string `mapstructure:"dsn"`
}

// RedisConfig 存储 Redis 的配置。
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// JWTConfig 存储 JWT 相关的配置。
type JWTConfig struct {
	Secret                 string `mapstructure:"secret"`
	AccessTokenExpireHours int    `mapstructure:"access_token_expire_hours"`
	RefreshTokenExpireDays int    `mapstructure:"refresh_token_expire_days"`
}

// LogConfig 存储日志相关的配置。
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// KafkaConfig 存储 Kafka 相关的配置。
type KafkaConfig struct {
	Brokers string `mapstructure:"brokers"`
	Topic   string `mapstructure:"topic"`
}

// TikaConfig 存储 Tika 服务器相关的配置。
type TikaConfig struct {
	ServerURL string `mapstructure:"server_url"`
}

// ElasticsearchConfig 存储 Elasticsearch 相关的配置。
type ElasticsearchConfig struct {
	Addresses string `mapstructure:"addresses"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	IndexName string `mapstructure:"index_name"`
}

// MinIOConfig 存储 MinIO 对象存储的配置。
type MinIOConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	BucketName      string `mapstructure:"bucket_name"`
	ToolBucketName  string `mapstructure:"tool_bucket_name"`
}

// EmbeddingConfig 存储 Embedding 模型相关的配置。
type EmbeddingConfig struct {
	APIKey     string `mapstructure:"api_key"`
	BaseURL    string `mapstructure:"base_url"`
	Model      string `mapstructure:"model"`
	ImageModel string `mapstructure:"image_model"`
	Dimensions int    `mapstructure:"dimensions"`
}

// RerankConfig 存储重排序服务相关的配置。
type RerankConfig struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
	Model   string `mapstructure:"model"`
	Enabled bool   `mapstructure:"enabled"`
}

// LLMConfig 存储大语言模型相关的配置。
type LLMConfig struct {
	APIKey     string              `mapstructure:"api_key"`
	BaseURL    string              `mapstructure:"base_url"`
	Model      string              `mapstructure:"model"`
	Generation LLMGenerationConfig `mapstructure:"generation"`
	Prompt     LLMPromptConfig     `mapstructure:"prompt"`
}

// LLMGenerationConfig 配置生成相关参数（可选）。
type LLMGenerationConfig struct {
	Temperature float64 `mapstructure:"temperature"`
	TopP        float64 `mapstructure:"top_p"`
	MaxTokens   int     `mapstructure:"max_tokens"`
}

// LLMPromptConfig 配置系统提示与上下文包裹格式（可选）。
type LLMPromptConfig struct {
	Rules        string `mapstructure:"rules"`
	RefStart     string `mapstructure:"ref_start"`
	RefEnd       string `mapstructure:"ref_end"`
	NoResultText string `mapstructure:"no_result_text"`
}

// ChunkingConfig 存储文档切分的全局默认参数，可被知识库级配置覆盖。
type ChunkingConfig struct {
	Size           int     `mapstructure:"size"`
	Overlap        int     `mapstructure:"overlap"`
	MaxExpandRatio float64 `mapstructure:"max_expand_ratio"`
}

// RetrievalConfig 存储混合检索与置信度估计相关的配置。
type RetrievalConfig struct {
	TopK                int     `mapstructure:"top_k"`
	Alpha               float64 `mapstructure:"alpha"`
	SingleListPenalty   float64 `mapstructure:"single_list_penalty"`
	ConfidenceThreshold float64 `mapstructure:"confidence_threshold"`
	CalibrationCeiling  float64 `mapstructure:"calibration_ceiling"`
	SnippetLength       int     `mapstructure:"snippet_length"`
	ContextBudget       int     `mapstructure:"context_budget"`
	ExpandWindow        int     `mapstructure:"expand_window"`
	SubCallTimeoutSec   int     `mapstructure:"sub_call_timeout_sec"`
	EnableHybrid        bool    `mapstructure:"enable_hybrid"`
}

// MCPConfig 存储 MCP 工具调用相关的配置。
type MCPConfig struct {
	MaxToolIterations int               `mapstructure:"max_tool_iterations"`
	Servers           []MCPServerConfig `mapstructure:"servers"`
}

// MCPServerConfig 描述一个外部 MCP 服务端点。
type MCPServerConfig struct {
	Name     string `mapstructure:"name"`
	Endpoint string `mapstructure:"endpoint"`
}

// Init 初始化配置加载，从指定的路径读取 YAML 文件并解析到 Conf 变量中。
func Init(configPath string) {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		panic(fmt.Errorf("读取配置文件失败: %w", err))
	}

	if err := viper.Unmarshal(&Conf); err != nil {
		panic(fmt.Errorf("无法将配置解析到结构体中: %w", err))
	}
}

// setDefaults 注册检索与切分相关的默认值，配置文件缺省时沿用线上基线。
func setDefaults() {
	viper.SetDefault("chunking.size", 1000)
	viper.SetDefault("chunking.overlap", 100)
	viper.SetDefault("chunking.max_expand_ratio", 1.2)
	viper.SetDefault("retrieval.top_k", 5)
	viper.SetDefault("retrieval.alpha", 0.5)
	viper.SetDefault("retrieval.single_list_penalty", 0.7)
	viper.SetDefault("retrieval.confidence_threshold", 0.6)
	viper.SetDefault("retrieval.calibration_ceiling", 1.0)
	viper.SetDefault("retrieval.snippet_length", 200)
	viper.SetDefault("retrieval.context_budget", 8000)
	viper.SetDefault("retrieval.expand_window", 1)
	viper.SetDefault("retrieval.sub_call_timeout_sec", 8)
	viper.SetDefault("retrieval.enable_hybrid", true)
	viper.SetDefault("rerank.enabled", true)
	viper.SetDefault("mcp.max_tool_iterations", 5)
}
