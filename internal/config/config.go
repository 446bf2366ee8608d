package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Server        ServerConfig
	Worker        WorkerConfig
	Database      DatabaseConfig
	MinIO         MinIOConfig
	StorageOrigin StorageOriginConfig
	RabbitMQ      RabbitMQConfig
	Redis         RedisConfig
	Cache         CacheConfig
	Transform     TransformConfig
	Origin        OriginConfig
	Fallback      FallbackConfig
}

type ServerConfig struct {
	Port            int           `envconfig:"API_PORT" default:"8080"`
	ReadTimeout     time.Duration `envconfig:"API_READ_TIMEOUT" default:"10s"`
	WriteTimeout    time.Duration `envconfig:"API_WRITE_TIMEOUT" default:"30s"`
	ShutdownTimeout time.Duration `envconfig:"API_SHUTDOWN_TIMEOUT" default:"10s"`
}

type WorkerConfig struct {
	TempDir         string        `envconfig:"WORKER_TEMP_DIR" default:"/tmp/gostream"`
	MaxRetries      int           `envconfig:"WORKER_MAX_RETRIES" default:"3"`
	ShutdownTimeout time.Duration `envconfig:"WORKER_SHUTDOWN_TIMEOUT" default:"30s"`
}

type DatabaseConfig struct {
	Host     string `envconfig:"POSTGRES_HOST" default:"localhost"`
	Port     int    `envconfig:"POSTGRES_PORT" default:"5432"`
	User     string `envconfig:"POSTGRES_USER" default:"gostream"`
	Password string `envconfig:"POSTGRES_PASSWORD" default:"gostream"`
	DBName   string `envconfig:"POSTGRES_DB" default:"gostream"`
	SSLMode  string `envconfig:"POSTGRES_SSLMODE" default:"disable"`
}

func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// MinIOConfig holds the artifact-cache bucket's connection settings (C3).
type MinIOConfig struct {
	Endpoint  string `envconfig:"MINIO_ENDPOINT" default:"localhost:9000"`
	AccessKey string `envconfig:"MINIO_ACCESS_KEY" default:"minioadmin"`
	SecretKey string `envconfig:"MINIO_SECRET_KEY" default:"minioadmin"`
	Bucket    string `envconfig:"MINIO_BUCKET" default:"videos"`
	UseSSL    bool   `envconfig:"MINIO_USE_SSL" default:"false"`
}

// StorageOriginConfig holds the second MinIO bucket's connection settings:
// the storage-service collaborator FallbackPipeline step 3 consults,
// distinct from the artifact-cache bucket.
type StorageOriginConfig struct {
	Endpoint  string `envconfig:"STORAGE_ORIGIN_MINIO_ENDPOINT" default:"localhost:9000"`
	AccessKey string `envconfig:"STORAGE_ORIGIN_MINIO_ACCESS_KEY" default:"minioadmin"`
	SecretKey string `envconfig:"STORAGE_ORIGIN_MINIO_SECRET_KEY" default:"minioadmin"`
	Bucket    string `envconfig:"STORAGE_ORIGIN_MINIO_BUCKET" default:"source-media"`
	UseSSL    bool   `envconfig:"STORAGE_ORIGIN_MINIO_USE_SSL" default:"false"`
	// Enabled gates whether FallbackPipeline step 3 is wired up at all; a
	// deployment with no storage-service tier leaves this false.
	Enabled bool `envconfig:"STORAGE_ORIGIN_ENABLED" default:"false"`
}

type RabbitMQConfig struct {
	Host     string `envconfig:"RABBITMQ_HOST" default:"localhost"`
	Port     int    `envconfig:"RABBITMQ_PORT" default:"5672"`
	User     string `envconfig:"RABBITMQ_USER" default:"gostream"`
	Password string `envconfig:"RABBITMQ_PASSWORD" default:"gostream"`
	VHost    string `envconfig:"RABBITMQ_VHOST" default:"/"`
	// InProcess bypasses RabbitMQ entirely in favor of the channel-backed
	// queue, for single-process deployments and local development.
	InProcess bool `envconfig:"RABBITMQ_IN_PROCESS" default:"false"`
}

func (c RabbitMQConfig) URL() string {
	return fmt.Sprintf(
		"amqp://%s:%s@%s:%d%s",
		c.User, c.Password, c.Host, c.Port, c.VHost,
	)
}

// RedisConfig holds the connection settings shared by C2's version-record
// namespace and the metadata-cache L1 layer.
type RedisConfig struct {
	Addr     string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	Password string `envconfig:"REDIS_PASSWORD" default:""`
	DB       int    `envconfig:"REDIS_DB" default:"0"`
}

// TransformConfig holds the upstream media-transformation endpoint's
// connection details, per spec §6's upstream transformer URL layout.
type TransformConfig struct {
	Scheme            string `envconfig:"TRANSFORM_SCHEME" default:"http"`
	Host              string `envconfig:"TRANSFORM_HOST" default:"localhost:8081"`
	BasePath          string `envconfig:"TRANSFORM_BASE_PATH" default:"/transform"`
	TimeoutMS         int    `envconfig:"UPSTREAM_TIMEOUT_MS" default:"30000"`
	MaxErrorBodyBytes int64  `envconfig:"TRANSFORM_MAX_ERROR_BODY_BYTES" default:"4096"`
}

func (c TransformConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// OriginConfig holds the direct-origin collaborator's connection details,
// consulted by FallbackPipeline step 2. A zero Host disables direct-origin
// fallback entirely.
type OriginConfig struct {
	Scheme            string `envconfig:"ORIGIN_SCHEME" default:"https"`
	Host              string `envconfig:"ORIGIN_HOST" default:""`
	MaxErrorBodyBytes int64  `envconfig:"ORIGIN_MAX_ERROR_BODY_BYTES" default:"4096"`
}

// FallbackConfig maps onto §6's fallback.* configuration table.
type FallbackConfig struct {
	Enabled         bool `envconfig:"FALLBACK_ENABLED" default:"true"`
	BadRequestOnly  bool `envconfig:"FALLBACK_BAD_REQUEST_ONLY" default:"false"`
	MaxRetries      int  `envconfig:"FALLBACK_MAX_RETRIES" default:"1"`
	PreserveHeaders bool `envconfig:"FALLBACK_PRESERVE_HEADERS" default:"true"`
}

// CacheConfig maps onto §6's "Configuration recognized by the core" table:
// chunk sizing, the TTL table, refresh thresholds, coalescer sizing, and
// bypass parameters.
type CacheConfig struct {
	ChunkMaxBytes   int64 `envconfig:"CHUNK_MAX_BYTES" default:"20971520"`
	ChunkSizeTarget int64 `envconfig:"CHUNK_SIZE_TARGET" default:"20971520"`

	TTLOKSeconds        int64 `envconfig:"TTL_OK_SECONDS" default:"3600"`
	TTLRedirectSeconds  int64 `envconfig:"TTL_REDIRECTS_SECONDS" default:"300"`
	TTLClientErrSeconds int64 `envconfig:"TTL_CLIENT_ERROR_SECONDS" default:"300"`
	TTLServerErrSeconds int64 `envconfig:"TTL_SERVER_ERROR_SECONDS" default:"30"`

	VersionTTLMultiplier int `envconfig:"VERSION_TTL_MULTIPLIER" default:"2"`

	RefreshMinElapsedPct       float64 `envconfig:"REFRESH_MIN_ELAPSED_PCT" default:"0.5"`
	RefreshMinRemainingSeconds int64   `envconfig:"REFRESH_MIN_REMAINING_SECONDS" default:"60"`

	CoalesceMaxEntries    int `envconfig:"COALESCE_MAX_ENTRIES" default:"1000"`
	CoalesceEntryTTLMS    int `envconfig:"COALESCE_ENTRY_TTL_MS" default:"300000"`
	CoalesceWaitTimeoutMS int `envconfig:"COALESCE_WAIT_TIMEOUT_MS" default:"300000"`

	// ChunkIOSoftLimit/ChunkIOHardLimit size the blob store's C9 concurrency
	// gate over parallel chunk reads/writes.
	ChunkIOSoftLimit int `envconfig:"CHUNK_IO_SOFT_LIMIT" default:"16"`
	ChunkIOHardLimit int `envconfig:"CHUNK_IO_HARD_LIMIT" default:"64"`

	BypassQueryParams []string `envconfig:"BYPASS_QUERY_PARAMS" default:"nocache,bypass,debug"`
	DebugQueryParam   string   `envconfig:"DEBUG_QUERY_PARAM" default:"debug"`
}

func (c CacheConfig) TTLOK() time.Duration        { return time.Duration(c.TTLOKSeconds) * time.Second }
func (c CacheConfig) TTLRedirect() time.Duration  { return time.Duration(c.TTLRedirectSeconds) * time.Second }
func (c CacheConfig) TTLClientErr() time.Duration { return time.Duration(c.TTLClientErrSeconds) * time.Second }
func (c CacheConfig) TTLServerErr() time.Duration { return time.Duration(c.TTLServerErrSeconds) * time.Second }

func (c CacheConfig) CoalesceEntryTTL() time.Duration {
	return time.Duration(c.CoalesceEntryTTLMS) * time.Millisecond
}

func (c CacheConfig) CoalesceWaitTimeout() time.Duration {
	return time.Duration(c.CoalesceWaitTimeoutMS) * time.Millisecond
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}
