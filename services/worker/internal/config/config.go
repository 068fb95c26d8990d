package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config location, relative to the working dir.
const ConfigPath = "config.yaml"

// The blob sweep runs daily unless configured otherwise.
const defaultCleanupIntervalHours = 24

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	LogLevel               string `yaml:"logLevel"`
	DatabaseURL            string `yaml:"databaseURL"`
	RedisAddr              string `yaml:"redisAddr"`
	RedisPassword          string `yaml:"redisPassword"`
	Broker                 string `yaml:"broker"`
	AmqpURL                string `yaml:"amqpURL"`
	QueueName              string `yaml:"queueName"`
	QueueGroup             string `yaml:"queueGroup"`
	QueueConcurrency       int    `yaml:"queueConcurrency"`
	QueueMaxRetries        int    `yaml:"queueMaxRetries"`
	QueueRetryDelaySeconds int    `yaml:"queueRetryDelaySeconds"`
	JobRetentionHours      int    `yaml:"jobRetentionHours"`
	RecoverFailedOnStart   bool   `yaml:"recoverFailedOnStart"`
	CleanupIntervalHours   int    `yaml:"cleanupIntervalHours"`
	MinioEndpoint          string `yaml:"minioEndpoint"`
	MinioAccessKey         string `yaml:"minioAccessKey"`
	MinioSecretKey         string `yaml:"minioSecretKey"`
	MinioBucket            string `yaml:"minioBucket"`
	MinioUseSSL            bool   `yaml:"minioUseSSL"`
	ChunkSize              int    `yaml:"chunkSize"`
	ChunkOverlap           int    `yaml:"chunkOverlap"`
	EmbedWorkers           int    `yaml:"embedWorkers"`
	OllamaBaseURL          string `yaml:"ollamaBaseURL"`
	EmbeddingModel         string `yaml:"embeddingModel"`
	EmbeddingDim           int    `yaml:"embeddingDim"`
	GenerationProvider     string `yaml:"generationProvider"`
	GenerationModel        string `yaml:"generationModel"`
	OpenAIBaseURL          string `yaml:"openAIBaseURL"`
	OpenAIAPIKey           string `yaml:"openAIAPIKey"`
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	// Override with environment variables
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("DOCBRAIN_BROKER"); v != "" {
		cfg.Broker = v
	}
	if v := os.Getenv("AMQP_URL"); v != "" {
		cfg.AmqpURL = v
	}
	if v := os.Getenv("DOCBRAIN_QUEUE_NAME"); v != "" {
		cfg.QueueName = v
	}
	if v := os.Getenv("DOCBRAIN_QUEUE_GROUP"); v != "" {
		cfg.QueueGroup = v
	}
	if v := os.Getenv("DOCBRAIN_QUEUE_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.QueueConcurrency = n
		}
	}
	if v := os.Getenv("DOCBRAIN_QUEUE_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.QueueMaxRetries = n
		}
	}
	if v := os.Getenv("DOCBRAIN_QUEUE_RETRY_DELAY_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.QueueRetryDelaySeconds = n
		}
	}
	if v := os.Getenv("DOCBRAIN_JOB_RETENTION_HOURS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.JobRetentionHours = n
		}
	}
	if v := os.Getenv("DOCBRAIN_RECOVER_FAILED_ON_START"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.RecoverFailedOnStart = b
		}
	}
	if v := os.Getenv("DOCBRAIN_CLEANUP_INTERVAL_HOURS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.CleanupIntervalHours = n
		}
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		cfg.MinioEndpoint = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.MinioAccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.MinioSecretKey = v
	}
	if v := os.Getenv("MINIO_BUCKET"); v != "" {
		cfg.MinioBucket = v
	}
	if v := os.Getenv("MINIO_USE_SSL"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.MinioUseSSL = b
		}
	}
	if v := os.Getenv("DOCBRAIN_CHUNK_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ChunkSize = n
		}
	}
	if v := os.Getenv("DOCBRAIN_CHUNK_OVERLAP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ChunkOverlap = n
		}
	}
	if v := os.Getenv("DOCBRAIN_EMBED_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.EmbedWorkers = n
		}
	}
	if v := os.Getenv("DOCBRAIN_OLLAMA_BASE_URL"); v != "" {
		cfg.OllamaBaseURL = v
	}
	if v := os.Getenv("DOCBRAIN_EMBEDDING_MODEL"); v != "" {
		cfg.EmbeddingModel = v
	}
	if v := os.Getenv("DOCBRAIN_EMBEDDING_DIM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.EmbeddingDim = n
		}
	}
	if v := os.Getenv("DOCBRAIN_GENERATION_PROVIDER"); v != "" {
		cfg.GenerationProvider = v
	}
	if v := os.Getenv("DOCBRAIN_GENERATION_MODEL"); v != "" {
		cfg.GenerationModel = v
	}
	if v := os.Getenv("OPENAI_BASE_URL"); v != "" {
		cfg.OpenAIBaseURL = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.OpenAIAPIKey = v
	}
	if cfg.CleanupIntervalHours == 0 {
		cfg.CleanupIntervalHours = defaultCleanupIntervalHours
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func validateConfig(cfg FileConfig) error {
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	if cfg.RedisAddr == "" {
		return errors.New("config: redisAddr is required (set in config.yaml or REDIS_ADDR)")
	}
	switch cfg.Broker {
	case "", "redis":
	case "amqp":
		if cfg.AmqpURL == "" {
			return errors.New("config: amqpURL is required when broker=amqp")
		}
	default:
		return fmt.Errorf("config: unknown broker %q (want redis or amqp)", cfg.Broker)
	}
	if cfg.QueueConcurrency < 0 {
		return errors.New("config: queueConcurrency must be >= 0")
	}
	if cfg.QueueMaxRetries < 0 {
		return errors.New("config: queueMaxRetries must be >= 0")
	}
	if cfg.JobRetentionHours < 0 {
		return errors.New("config: jobRetentionHours must be >= 0")
	}
	if cfg.CleanupIntervalHours < 0 {
		return errors.New("config: cleanupIntervalHours must be >= 0")
	}
	if cfg.MinioEndpoint == "" || cfg.MinioBucket == "" {
		return errors.New("config: minioEndpoint and minioBucket are required (set in config.yaml or MINIO_ENDPOINT/MINIO_BUCKET)")
	}
	if cfg.ChunkSize <= 0 {
		return errors.New("config: chunkSize must be > 0 (set in config.yaml or DOCBRAIN_CHUNK_SIZE)")
	}
	if cfg.ChunkOverlap < 0 {
		return errors.New("config: chunkOverlap must be >= 0 (set in config.yaml or DOCBRAIN_CHUNK_OVERLAP)")
	}
	if cfg.ChunkOverlap >= cfg.ChunkSize {
		return errors.New("config: chunkOverlap must be smaller than chunkSize")
	}
	if cfg.EmbeddingModel == "" {
		return errors.New("config: embeddingModel is required (set in config.yaml or DOCBRAIN_EMBEDDING_MODEL)")
	}
	if cfg.EmbeddingDim < 0 {
		return errors.New("config: embeddingDim must be >= 0")
	}
	switch cfg.GenerationProvider {
	case "", "ollama":
	case "openai":
		if cfg.OpenAIBaseURL == "" {
			return errors.New("config: openAIBaseURL is required when generationProvider=openai")
		}
	default:
		return fmt.Errorf("config: unknown generationProvider %q (want ollama or openai)", cfg.GenerationProvider)
	}
	if cfg.GenerationModel == "" {
		return errors.New("config: generationModel is required (set in config.yaml or DOCBRAIN_GENERATION_MODEL)")
	}
	return nil
}
