package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Neo4j     Neo4jConfig
	Milvus    MilvusConfig
	SQLite    SQLiteConfig
	Redis     RedisConfig
	Inference InferenceConfig
	Fetch     FetchConfig
	Safety    SafetyConfig
	Retention RetentionConfig
	Logging   LoggingConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  int
	WriteTimeout int
	BodyLimit    int
}

type Neo4jConfig struct {
	URI      string
	Username string
	Password string
	Database string
}

type MilvusConfig struct {
	Endpoint        string
	APIKey          string
	QueryCollection string
	ChunkCollection string
	VectorDim       int
}

type SQLiteConfig struct {
	Path string
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// InferenceConfig points at a local OpenAI-compatible runtime. BaseURL must
// resolve to a loopback or LAN host; query text is never sent anywhere else.
type InferenceConfig struct {
	BaseURL        string
	ChatModel      string
	CodeModel      string
	EmbeddingModel string
	EmbeddingDim   int
	MaxTokens      int
	TimeoutSec     int
}

type FetchConfig struct {
	Endpoint   string
	APIKey     string
	MaxResults int
	TimeoutSec int
}

// SafetyConfig carries the thresholds gating cache hits and generated
// queries. SimilarityThreshold gates the query-embedding cache;
// HybridVectorGate gates chunk candidates independently.
type SafetyConfig struct {
	SimilarityThreshold float64
	SimilarityTopK      int
	HybridTextWeight    float64
	HybridVectorWeight  float64
	HybridVectorGate    float64
	ResultLimit         int
	MaxQueryLength      int
}

type RetentionConfig struct {
	CacheDays   int
	GraphDays   int
	SessionDays int
	SweepHours  int
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
	viper.AddConfigPath("/etc/medgraph")

	viper.SetEnvPrefix("MEDGRAPH")
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
	viper.SetDefault("server.bodyLimit", 10485760)

	viper.SetDefault("neo4j.uri", "bolt://localhost:7687")
	viper.SetDefault("neo4j.username", "neo4j")
	viper.SetDefault("neo4j.password", "password")
	viper.SetDefault("neo4j.database", "neo4j")

	viper.SetDefault("milvus.endpoint", "localhost:19530")
	viper.SetDefault("milvus.queryCollection", "query_embeddings")
	viper.SetDefault("milvus.chunkCollection", "document_chunks")
	viper.SetDefault("milvus.vectorDim", 768)

	viper.SetDefault("sqlite.path", "./data/medgraph.db")

	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.db", 0)

	viper.SetDefault("inference.baseURL", "http://localhost:11434/v1")
	viper.SetDefault("inference.chatModel", "llama3.1:8b")
	viper.SetDefault("inference.codeModel", "codellama:13b")
	viper.SetDefault("inference.embeddingModel", "nomic-embed-text")
	viper.SetDefault("inference.embeddingDim", 768)
	viper.SetDefault("inference.maxTokens", 1024)
	viper.SetDefault("inference.timeoutSec", 60)

	viper.SetDefault("fetch.endpoint", "https://api.research-aggregator.example/v1/search")
	viper.SetDefault("fetch.maxResults", 10)
	viper.SetDefault("fetch.timeoutSec", 15)

	viper.SetDefault("safety.similarityThreshold", 0.7)
	viper.SetDefault("safety.similarityTopK", 5)
	viper.SetDefault("safety.hybridTextWeight", 0.3)
	viper.SetDefault("safety.hybridVectorWeight", 0.7)
	viper.SetDefault("safety.hybridVectorGate", 0.5)
	viper.SetDefault("safety.resultLimit", 25)
	viper.SetDefault("safety.maxQueryLength", 5000)

	viper.SetDefault("retention.cacheDays", 90)
	viper.SetDefault("retention.graphDays", 30)
	viper.SetDefault("retention.sessionDays", 90)
	viper.SetDefault("retention.sweepHours", 24)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.outputPath", "stdout")
}
