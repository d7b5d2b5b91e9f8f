// Package config loads process configuration from the environment with
// viper. Loading is once-only; every later LoadConfig call returns the
// same instance.
package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig
	Redis    RedisConfig
	Database DatabaseConfig
	Kafka    KafkaConfig
	MinIO    MinIOConfig
	JWT      JWTConfig
	Log      LogConfig

	// ForceCloseTimeout bounds how long a channel worker may ignore a
	// close command before it is killed.
	ForceCloseTimeout time.Duration
}

type ServerConfig struct {
	Host         string
	Port         string
	Origin       string // allowed websocket origin; "" or "*" allows any
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type RedisConfig struct {
	URL          string
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	MinIdleConns int
}

type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode)
}

type KafkaConfig struct {
	Enabled bool
	Brokers []string
	Topic   string
}

type MinIOConfig struct {
	Enabled   bool
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string

	// OffloadThreshold is the inline-payload size in bytes above which an
	// attachment is stored in MinIO and replaced by an object reference.
	OffloadThreshold int
}

type JWTConfig struct {
	Secret string
}

type LogConfig struct {
	Level  string // debug|info|warn|error
	Format string // json|text
}

var (
	instance *Config
	loadErr  error
	once     sync.Once
)

// LoadConfig reads the environment once and returns the process config.
func LoadConfig() (*Config, error) {
	once.Do(func() {
		viper.SetDefault("CHANNELMUX_HOST", "")
		viper.SetDefault("CHANNELMUX_PORT", "8080")
		viper.SetDefault("CHANNELMUX_ORIGIN", "*")
		viper.SetDefault("CHANNELMUX_READ_TIMEOUT", 30*time.Second)
		viper.SetDefault("CHANNELMUX_WRITE_TIMEOUT", 30*time.Second)
		viper.SetDefault("CHANNELMUX_IDLE_TIMEOUT", 60*time.Second)
		viper.SetDefault("CHANNELMUX_FORCE_CLOSE_TIMEOUT", 5*time.Second)
		viper.SetDefault("CHANNELMUX_JWT_SECRET", "")
		viper.SetDefault("CHANNELMUX_LOG_LEVEL", "info")
		viper.SetDefault("CHANNELMUX_LOG_FORMAT", "json")
		viper.SetDefault("REDIS_URL", "redis://127.0.0.1:6379/0")
		viper.SetDefault("REDIS_MAX_RETRIES", 3)
		viper.SetDefault("REDIS_DIAL_TIMEOUT", 5*time.Second)
		viper.SetDefault("REDIS_READ_TIMEOUT", 3*time.Second)
		viper.SetDefault("REDIS_WRITE_TIMEOUT", 3*time.Second)
		viper.SetDefault("REDIS_POOL_SIZE", 100)
		viper.SetDefault("REDIS_MIN_IDLE_CONNS", 10)
		viper.SetDefault("POSTGRES_HOST", "localhost")
		viper.SetDefault("POSTGRES_PORT", "5432")
		viper.SetDefault("POSTGRES_USER", "postgres")
		viper.SetDefault("POSTGRES_PASSWORD", "password")
		viper.SetDefault("POSTGRES_DB", "channelmux")
		viper.SetDefault("POSTGRES_SSLMODE", "disable")
		viper.SetDefault("KAFKA_ENABLED", false)
		viper.SetDefault("KAFKA_BROKERS", "localhost:9092")
		viper.SetDefault("KAFKA_TOPIC", "channelmux.audit")
		viper.SetDefault("MINIO_ENABLED", false)
		viper.SetDefault("MINIO_ENDPOINT", "localhost:9000")
		viper.SetDefault("MINIO_ACCESS_KEY", "")
		viper.SetDefault("MINIO_SECRET_KEY", "")
		viper.SetDefault("MINIO_BUCKET", "channelmux-attachments")
		viper.SetDefault("MINIO_OFFLOAD_THRESHOLD", 16*1024)
		viper.AutomaticEnv()

		cfg := &Config{
			Server: ServerConfig{
				Host:         viper.GetString("CHANNELMUX_HOST"),
				Port:         viper.GetString("CHANNELMUX_PORT"),
				Origin:       viper.GetString("CHANNELMUX_ORIGIN"),
				ReadTimeout:  viper.GetDuration("CHANNELMUX_READ_TIMEOUT"),
				WriteTimeout: viper.GetDuration("CHANNELMUX_WRITE_TIMEOUT"),
				IdleTimeout:  viper.GetDuration("CHANNELMUX_IDLE_TIMEOUT"),
			},
			Redis: RedisConfig{
				URL:          viper.GetString("REDIS_URL"),
				MaxRetries:   viper.GetInt("REDIS_MAX_RETRIES"),
				DialTimeout:  viper.GetDuration("REDIS_DIAL_TIMEOUT"),
				ReadTimeout:  viper.GetDuration("REDIS_READ_TIMEOUT"),
				WriteTimeout: viper.GetDuration("REDIS_WRITE_TIMEOUT"),
				PoolSize:     viper.GetInt("REDIS_POOL_SIZE"),
				MinIdleConns: viper.GetInt("REDIS_MIN_IDLE_CONNS"),
			},
			Database: DatabaseConfig{
				Host:     viper.GetString("POSTGRES_HOST"),
				Port:     viper.GetString("POSTGRES_PORT"),
				User:     viper.GetString("POSTGRES_USER"),
				Password: viper.GetString("POSTGRES_PASSWORD"),
				DBName:   viper.GetString("POSTGRES_DB"),
				SSLMode:  viper.GetString("POSTGRES_SSLMODE"),
			},
			Kafka: KafkaConfig{
				Enabled: viper.GetBool("KAFKA_ENABLED"),
				Brokers: strings.Split(viper.GetString("KAFKA_BROKERS"), ","),
				Topic:   viper.GetString("KAFKA_TOPIC"),
			},
			MinIO: MinIOConfig{
				Enabled:          viper.GetBool("MINIO_ENABLED"),
				Endpoint:         viper.GetString("MINIO_ENDPOINT"),
				AccessKey:        viper.GetString("MINIO_ACCESS_KEY"),
				SecretKey:        viper.GetString("MINIO_SECRET_KEY"),
				Bucket:           viper.GetString("MINIO_BUCKET"),
				OffloadThreshold: viper.GetInt("MINIO_OFFLOAD_THRESHOLD"),
			},
			JWT: JWTConfig{
				Secret: viper.GetString("CHANNELMUX_JWT_SECRET"),
			},
			Log: LogConfig{
				Level:  viper.GetString("CHANNELMUX_LOG_LEVEL"),
				Format: viper.GetString("CHANNELMUX_LOG_FORMAT"),
			},
			ForceCloseTimeout: viper.GetDuration("CHANNELMUX_FORCE_CLOSE_TIMEOUT"),
		}

		if cfg.ForceCloseTimeout <= 0 {
			loadErr = fmt.Errorf("config: CHANNELMUX_FORCE_CLOSE_TIMEOUT must be positive, got %v", cfg.ForceCloseTimeout)
			return
		}
		switch cfg.Log.Format {
		case "json", "text":
		default:
			loadErr = fmt.Errorf("config: CHANNELMUX_LOG_FORMAT must be json or text, got %q", cfg.Log.Format)
			return
		}
		instance = cfg
	})
	return instance, loadErr
}
