package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"codecompete/internal/common/cache"
	"codecompete/internal/common/db"
	"codecompete/internal/common/mq"
	"codecompete/internal/common/storage"
	"codecompete/internal/judge/autoscale"
	"codecompete/internal/judge/model"
	"codecompete/internal/judge/sandbox"
	"codecompete/pkg/utils/logger"

	"github.com/segmentio/kafka-go"
	"gopkg.in/yaml.v3"
)

const (
	defaultHTTPAddr          = "0.0.0.0:8085"
	defaultReadTimeout       = 5 * time.Second
	defaultWriteTimeout      = 10 * time.Second
	defaultIdleTimeout       = 60 * time.Second
	defaultShutdownTimeout   = 10 * time.Second
	defaultMaxDeliveries     = 3
	defaultVisibilityTimeout = 2 * time.Minute
	defaultHeartbeatInterval = 30 * time.Second
	defaultAutoscaleInterval = 30 * time.Second
	defaultJudgeTimeout      = 90 * time.Second
	defaultSourceTimeout     = 10 * time.Second
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	IdleTimeout  time.Duration `yaml:"idleTimeout"`
}

// KafkaConfig holds event producer settings. No brokers disables event publishing.
type KafkaConfig struct {
	Brokers      []string      `yaml:"brokers"`
	ClientID     string        `yaml:"clientID"`
	BatchSize    int           `yaml:"batchSize"`
	BatchTimeout time.Duration `yaml:"batchTimeout"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	RequiredAcks int           `yaml:"requiredAcks"`
	Compression  string        `yaml:"compression"`
	AutoCreate   bool          `yaml:"autoCreateTopics"`
	VerdictTopic string        `yaml:"verdictTopic"`
	AlertTopic   string        `yaml:"alertTopic"`
	ScalingTopic string        `yaml:"scalingTopic"`
}

// QueueConfig holds work queue settings shared by every language.
type QueueConfig struct {
	MaxDeliveries     int           `yaml:"maxDeliveries"`
	VisibilityTimeout time.Duration `yaml:"visibilityTimeout"`
	PollWait          time.Duration `yaml:"pollWait"`
	PollInterval      time.Duration `yaml:"pollInterval"`
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`
	ReclaimInterval   time.Duration `yaml:"reclaimInterval"`
}

// SourceConfig holds source download settings.
type SourceConfig struct {
	Bucket   string        `yaml:"bucket"`
	Timeout  time.Duration `yaml:"timeout"`
	MaxBytes int64         `yaml:"maxBytes"`
}

// ExecutorConfig holds the sandbox executor endpoint.
type ExecutorConfig struct {
	BaseURL        string        `yaml:"baseURL"`
	CompileTimeout time.Duration `yaml:"compileTimeout"`
	MaxConcurrent  int           `yaml:"maxConcurrent"`
	RequestSlack   time.Duration `yaml:"requestSlack"`
}

// JudgeSettings holds evaluation and recording settings.
type JudgeSettings struct {
	Timeout           time.Duration `yaml:"timeout"`
	MaxOutputBytes    int           `yaml:"maxOutputBytes"`
	CompressThreshold int           `yaml:"compressThreshold"`
	ProgressRetries   int           `yaml:"progressRetries"`
}

// QuestionCacheConfig holds question cache-aside settings.
type QuestionCacheConfig struct {
	TTL      time.Duration `yaml:"ttl"`
	EmptyTTL time.Duration `yaml:"emptyTTL"`
}

// AutoscaleConfig holds the controller interval.
type AutoscaleConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

// LanguageSection configures one language's queue, pool and executor.
type LanguageSection struct {
	Name     string             `yaml:"name"`
	Scaling  autoscale.Policy   `yaml:"scaling"`
	Capacity autoscale.Capacity `yaml:"capacity"`
	// ExecutorURL points this language at its own executor fleet. Empty uses Executor.BaseURL.
	ExecutorURL string                 `yaml:"executorURL"`
	Runtime     *sandbox.PistonRuntime `yaml:"runtime"`
}

// LocalConfig runs the service with in-process store and queues.
type LocalConfig struct {
	Enabled       bool   `yaml:"enabled"`
	QuestionsFile string `yaml:"questionsFile"`
}

// AppConfig holds judge-service config.
type AppConfig struct {
	Server        ServerConfig        `yaml:"server"`
	Logger        logger.Config       `yaml:"logger"`
	Kafka         KafkaConfig         `yaml:"kafka"`
	Database      db.MySQLConfig      `yaml:"database"`
	Redis         cache.RedisConfig   `yaml:"redis"`
	MinIO         storage.MinIOConfig `yaml:"minio"`
	Source        SourceConfig        `yaml:"source"`
	Queue         QueueConfig         `yaml:"queue"`
	Executor      ExecutorConfig      `yaml:"executor"`
	Judge         JudgeSettings       `yaml:"judge"`
	QuestionCache QuestionCacheConfig `yaml:"questionCache"`
	Autoscale     AutoscaleConfig     `yaml:"autoscale"`
	Languages     []LanguageSection   `yaml:"languages"`
	Local         LocalConfig         `yaml:"local"`
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file failed: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config file failed: %w", err)
	}
	return nil
}

func loadAppConfig(path string) (*AppConfig, error) {
	var cfg AppConfig
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *AppConfig) applyDefaults() error {
	if !cfg.Local.Enabled {
		if cfg.Database.DSN == "" {
			return fmt.Errorf("database dsn is required")
		}
		if cfg.Redis.Addr == "" {
			return fmt.Errorf("redis addr is required")
		}
		cfg.Redis.ApplyDefaults()
	}
	if cfg.Executor.BaseURL == "" {
		return fmt.Errorf("executor baseURL is required")
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = defaultHTTPAddr
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = defaultReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = defaultIdleTimeout
	}
	if cfg.Source.Bucket == "" {
		cfg.Source.Bucket = cfg.MinIO.Bucket
	}
	if cfg.Source.Bucket == "" {
		return fmt.Errorf("source bucket is required")
	}
	if cfg.Source.Timeout == 0 {
		cfg.Source.Timeout = defaultSourceTimeout
	}
	if cfg.Queue.MaxDeliveries <= 0 {
		cfg.Queue.MaxDeliveries = defaultMaxDeliveries
	}
	if cfg.Queue.VisibilityTimeout == 0 {
		cfg.Queue.VisibilityTimeout = defaultVisibilityTimeout
	}
	if cfg.Queue.HeartbeatInterval == 0 {
		cfg.Queue.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.Queue.HeartbeatInterval >= cfg.Queue.VisibilityTimeout {
		return fmt.Errorf("queue heartbeatInterval must be shorter than visibilityTimeout")
	}
	if cfg.Judge.Timeout == 0 {
		cfg.Judge.Timeout = defaultJudgeTimeout
	}
	if cfg.Autoscale.Interval == 0 {
		cfg.Autoscale.Interval = defaultAutoscaleInterval
	}
	if len(cfg.Languages) == 0 {
		cfg.Languages = defaultLanguages()
	}
	seen := make(map[model.Language]bool, len(cfg.Languages))
	for i := range cfg.Languages {
		section := &cfg.Languages[i]
		lang, ok := model.ParseLanguage(section.Name)
		if !ok {
			return fmt.Errorf("language %q is not supported", section.Name)
		}
		if seen[lang] {
			return fmt.Errorf("language %q is configured twice", lang)
		}
		seen[lang] = true
		section.Name = string(lang)
		if section.Scaling.Min == 0 && section.Scaling.Max == 0 {
			section.Scaling = autoscale.DefaultPolicy()
		}
		if err := section.Scaling.Validate(); err != nil {
			return fmt.Errorf("language %s: %w", lang, err)
		}
		if section.Capacity == (autoscale.Capacity{}) {
			section.Capacity = defaultCapacity(lang)
		}
	}
	return nil
}

func (s LanguageSection) language() model.Language {
	return model.Language(s.Name)
}

func defaultLanguages() []LanguageSection {
	langs := model.SupportedLanguages()
	out := make([]LanguageSection, 0, len(langs))
	for _, lang := range langs {
		out = append(out, LanguageSection{
			Name:     string(lang),
			Scaling:  autoscale.DefaultPolicy(),
			Capacity: defaultCapacity(lang),
		})
	}
	return out
}

// defaultCapacity is the per-worker reservation: the JVM gets twice the default.
func defaultCapacity(lang model.Language) autoscale.Capacity {
	if lang == model.LanguageJava {
		return autoscale.Capacity{MemoryMiB: 2048, CPUUnits: 1024}
	}
	return autoscale.Capacity{MemoryMiB: 1024, CPUUnits: 512}
}

func (k KafkaConfig) toMQConfig() mq.KafkaConfig {
	return mq.KafkaConfig{
		Brokers:      k.Brokers,
		ClientID:     k.ClientID,
		BatchSize:    k.BatchSize,
		BatchTimeout: k.BatchTimeout,
		DialTimeout:  k.DialTimeout,
		WriteTimeout: k.WriteTimeout,
		RequiredAcks: kafka.RequiredAcks(k.RequiredAcks),
		Compression:  parseCompression(k.Compression),

		AutoCreateTopics: k.AutoCreate,
	}
}

func parseCompression(raw string) kafka.Compression {
	switch strings.ToLower(raw) {
	case "gzip":
		return kafka.Gzip
	case "snappy":
		return kafka.Snappy
	case "lz4":
		return kafka.Lz4
	case "zstd":
		return kafka.Zstd
	default:
		return kafka.Compression(0)
	}
}

// questionFile is the local-mode question seed format.
type questionFile struct {
	Questions []model.Question `yaml:"questions"`
}

func loadQuestions(path string) ([]model.Question, error) {
	var file questionFile
	if err := loadYAML(path, &file); err != nil {
		return nil, err
	}
	for i := range file.Questions {
		if err := file.Questions[i].Validate(); err != nil {
			return nil, err
		}
	}
	return file.Questions, nil
}
