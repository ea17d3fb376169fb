package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig
	SQLite     SQLiteConfig
	Redis      RedisConfig
	Milvus     MilvusConfig
	Kafka      KafkaConfig
	LLM        LLMConfig
	Detection  DetectionConfig
	Clustering ClusteringConfig
	Logging    LoggingConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  int
	WriteTimeout int
	BodyLimit    int
}

type SQLiteConfig struct {
	Path string
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

type MilvusConfig struct {
	Enabled        bool
	Endpoint       string
	CollectionName string
	VectorDim      int
}

type KafkaConfig struct {
	Enabled bool
	Brokers []string
	Topic   string
	GroupID string
	Workers int
}

type LLMConfig struct {
	APIKey         string
	Model          string
	EmbeddingModel string
	Temperature    float32
	MaxTokens      int
}

// DetectionConfig holds the tunables of the tiered detection path.
// EscalationThreshold is the single knob trading LLM cost against recall.
type DetectionConfig struct {
	EscalationThreshold           float64
	ValidationConfidenceThreshold float64
	DailyBudgetUSD                float64
	CacheSize                     int
	ScorerWindowSize              int
	ScorerMinObservations         int
	ScorerZThreshold              float64
}

type ClusteringConfig struct {
	MinClusterSize          int
	MinSamples              int
	SampleSize              int
	ClusterSelectionEpsilon float64
	SampleSeed              int64
	IntervalMinutes         int
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/ai-log-analytics")

	viper.SetEnvPrefix("AI_LOG")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.readTimeout", 30)
	viper.SetDefault("server.writeTimeout", 30)
	viper.SetDefault("server.bodyLimit", 1048576)

	viper.SetDefault("sqlite.path", "./data/ailog.db")

	viper.SetDefault("redis.enabled", false)
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.db", 0)

	viper.SetDefault("milvus.enabled", false)
	viper.SetDefault("milvus.endpoint", "localhost:19530")
	viper.SetDefault("milvus.collectionName", "log_embeddings")
	viper.SetDefault("milvus.vectorDim", 1536)

	viper.SetDefault("kafka.enabled", false)
	viper.SetDefault("kafka.brokers", []string{"localhost:9092"})
	viper.SetDefault("kafka.topic", "logs-raw")
	viper.SetDefault("kafka.groupId", "ai-log-backend")
	viper.SetDefault("kafka.workers", 4)

	viper.SetDefault("llm.model", "gpt-4o-mini")
	viper.SetDefault("llm.temperature", 0.2)
	viper.SetDefault("llm.maxTokens", 800)
	viper.SetDefault("llm.embeddingModel", "text-embedding-3-small")

	viper.SetDefault("detection.escalationThreshold", 0.7)
	viper.SetDefault("detection.validationConfidenceThreshold", 0.6)
	viper.SetDefault("detection.dailyBudgetUSD", 0.0)
	viper.SetDefault("detection.cacheSize", 10000)
	viper.SetDefault("detection.scorerWindowSize", 512)
	viper.SetDefault("detection.scorerMinObservations", 32)
	viper.SetDefault("detection.scorerZThreshold", 3.0)

	viper.SetDefault("clustering.minClusterSize", 5)
	viper.SetDefault("clustering.minSamples", 3)
	viper.SetDefault("clustering.sampleSize", 10000)
	viper.SetDefault("clustering.clusterSelectionEpsilon", 0.0)
	viper.SetDefault("clustering.sampleSeed", 42)
	viper.SetDefault("clustering.intervalMinutes", 0)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.outputPath", "stdout")
}
