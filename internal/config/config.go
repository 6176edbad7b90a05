package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type LogConfig struct {
	Level     string
	Format    string
	Component string
	Source    bool
	SQLLevel  string
}

type DBConfig struct {
	Driver   string
	DSN      string
	Replicas []string
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	MaxOpen  int
	MaxIdle  int
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type GRPCConfig struct {
	Host string
	Port string
}

type HTTPConfig struct {
	Host            string
	Port            string
	ShutdownTimeout time.Duration
}

type AuthConfig struct {
	JWTSecret string
	Issuer    string
}

type KafkaConfig struct {
	Brokers           []string
	NotificationTopic string
	AnalyticsTopic    string
}

type MinIOConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	UseSSL          bool
	PublicBaseURL   string
	UploadTimeout   time.Duration
}

type AsyncConfig struct {
	PoolSize       int
	TaskTimeout    time.Duration
	ReleaseTimeout time.Duration
}

type MatchingConfig struct {
	MatchTTL         time.Duration
	EditWindow       time.Duration
	OverFetchFactor  int
	BoostDuration    time.Duration
	PresenceScope    string
	SessionQueueSize int
	ExpirySweep      time.Duration
	FramesPerSecond  float64
	FrameBurst       int
}

type Config struct {
	App struct {
		ENV    string
		NodeID int64
	}

	Log      LogConfig
	DB       DBConfig
	Redis    RedisConfig
	GRPC     GRPCConfig
	HTTP     HTTPConfig
	Auth     AuthConfig
	Kafka    KafkaConfig
	MinIO    MinIOConfig
	Async    AsyncConfig
	Matching MatchingConfig
}

// New loads configuration from the environment. A .env file in the working
// directory is read first when present; real environment variables win.
func New() *Config {
	_ = godotenv.Load()

	cfg := &Config{}

	cfg.App.ENV = getEnvDefault("APP_ENV", "production")
	cfg.App.NodeID = int64(getEnvInt("SNOWFLAKE_NODE_ID", 1))

	// Logger
	cfg.Log.Level = getEnvDefault("LOG_LEVEL", "info")
	cfg.Log.Format = getEnvDefault("LOG_FORMAT", "text")
	cfg.Log.Component = getEnvDefault("LOG_COMPONENT", "muzz_connect")
	cfg.Log.Source = isTruthy(os.Getenv("LOG_SOURCE"))
	cfg.Log.SQLLevel = getEnvDefault("LOG_SQL_LEVEL", "warn")

	// Database
	cfg.DB.Driver = strings.ToLower(getEnvDefault("DB_DRIVER", "mysql"))
	cfg.DB.Host = getEnvDefault("DB_HOST", "localhost")
	cfg.DB.User = getEnvDefault("DB_USER", "root")
	cfg.DB.Password = getEnvDefault("DB_PASSWORD", "root")
	cfg.DB.Name = getEnvDefault("DB_NAME", "muzz")
	cfg.DB.MaxOpen = getEnvInt("DB_MAX_OPEN_CONNS", 50)
	cfg.DB.MaxIdle = getEnvInt("DB_MAX_IDLE_CONNS", 10)
	cfg.DB.Replicas = getEnvList("DB_REPLICA_DSNS")
	cfg.DB.DSN = os.Getenv("DB_DSN")
	if cfg.DB.DSN == "" {
		cfg.DB.DSN = os.Getenv("MYSQL_DSN")
	}
	if cfg.DB.DSN == "" {
		cfg.DB.DSN = buildDSN(&cfg.DB)
	}

	// Redis
	cfg.Redis.Addr = getEnvDefault("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnvDefault("REDIS_PASSWORD", "")
	cfg.Redis.DB = getEnvInt("REDIS_DB", 0)

	// gRPC
	cfg.GRPC.Host = getEnvDefault("GRPC_HOST", "127.0.0.1")
	cfg.GRPC.Port = getEnvDefault("GRPC_PORT", "50051")

	// HTTP (websocket gateway, health, metrics)
	cfg.HTTP.Host = getEnvDefault("HTTP_HOST", "127.0.0.1")
	cfg.HTTP.Port = getEnvDefault("HTTP_PORT", "8080")
	cfg.HTTP.ShutdownTimeout = getEnvDuration("HTTP_SHUTDOWN_TIMEOUT", 10*time.Second)

	cfg.Auth.JWTSecret = getEnvDefault("JWT_SECRET", "dev-secret")
	cfg.Auth.Issuer = getEnvDefault("JWT_ISSUER", "muzz")

	// Kafka is optional: no brokers means notifications and analytics are dropped.
	cfg.Kafka.Brokers = getEnvList("KAFKA_BROKERS")
	cfg.Kafka.NotificationTopic = getEnvDefault("KAFKA_NOTIFICATION_TOPIC", "muzz.notifications")
	cfg.Kafka.AnalyticsTopic = getEnvDefault("KAFKA_ANALYTICS_TOPIC", "muzz.analytics")

	cfg.MinIO.Endpoint = getEnvDefault("MINIO_ENDPOINT", "")
	cfg.MinIO.AccessKeyID = getEnvDefault("MINIO_ACCESS_KEY", "")
	cfg.MinIO.SecretAccessKey = getEnvDefault("MINIO_SECRET_KEY", "")
	cfg.MinIO.BucketName = getEnvDefault("MINIO_BUCKET", "muzz-media")
	cfg.MinIO.UseSSL = isTruthy(os.Getenv("MINIO_USE_SSL"))
	cfg.MinIO.PublicBaseURL = getEnvDefault("MINIO_PUBLIC_URL", "")
	cfg.MinIO.UploadTimeout = getEnvDuration("MINIO_UPLOAD_TIMEOUT", 30*time.Second)

	cfg.Async.PoolSize = getEnvInt("ASYNC_POOL_SIZE", 256)
	cfg.Async.TaskTimeout = getEnvDuration("ASYNC_TASK_TIMEOUT", 10*time.Second)
	cfg.Async.ReleaseTimeout = getEnvDuration("ASYNC_RELEASE_TIMEOUT", 5*time.Second)

	cfg.Matching.MatchTTL = getEnvDuration("MATCH_TTL", 7*24*time.Hour)
	cfg.Matching.EditWindow = getEnvDuration("MESSAGE_EDIT_WINDOW", 15*time.Minute)
	cfg.Matching.OverFetchFactor = getEnvInt("DISCOVERY_OVERFETCH", 5)
	cfg.Matching.BoostDuration = getEnvDuration("BOOST_DURATION", 30*time.Minute)
	cfg.Matching.PresenceScope = strings.ToLower(getEnvDefault("PRESENCE_SCOPE", "matches"))
	cfg.Matching.SessionQueueSize = getEnvInt("SESSION_QUEUE_SIZE", 64)
	cfg.Matching.ExpirySweep = getEnvDuration("MATCH_EXPIRY_SWEEP", time.Minute)
	cfg.Matching.FramesPerSecond = getEnvFloat("WS_FRAMES_PER_SECOND", 20)
	cfg.Matching.FrameBurst = getEnvInt("WS_FRAME_BURST", 40)

	return cfg
}

func buildDSN(c *DBConfig) string {
	switch c.Driver {
	case "postgres":
		c.Port = getEnvDefault("DB_PORT", "5432")
		return fmt.Sprintf(
			"host=%s port=%s user=%s password=%s dbname=%s sslmode=disable TimeZone=UTC",
			c.Host, c.Port, c.User, c.Password, c.Name,
		)
	case "sqlite":
		return getEnvDefault("SQLITE_PATH", "muzz.db")
	default:
		c.Port = getEnvDefault("DB_PORT", "3306")
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%s)/%s?parseTime=true&charset=utf8mb4&loc=UTC",
			c.User, c.Password, c.Host, c.Port, c.Name,
		)
	}
}

func getEnvDefault(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}

func getEnvInt(k string, def int) int {
	if v, err := strconv.Atoi(getEnvDefault(k, "")); err == nil {
		return v
	}
	return def
}

func getEnvFloat(k string, def float64) float64 {
	if v, err := strconv.ParseFloat(getEnvDefault(k, ""), 64); err == nil {
		return v
	}
	return def
}

func getEnvDuration(k string, def time.Duration) time.Duration {
	if v, err := time.ParseDuration(getEnvDefault(k, "")); err == nil {
		return v
	}
	return def
}

// getEnvList splits a comma separated variable, dropping empty items.
func getEnvList(k string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(k), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func isTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "y", "on":
		return true
	}
	return false
}
