package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/vault-client-go"
	"github.com/spf13/viper"
	_ "github.com/spf13/viper/remote"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Config struct {
	AppEnv     string `mapstructure:"APP_ENV"`
	AppName    string `mapstructure:"APP_NAME"`
	AppVersion string `mapstructure:"APP_VERSION"`
	NodeID     int64  `mapstructure:"NODE_ID"`
	LogLevel   string `mapstructure:"LOG_LEVEL"`
	TLS        struct {
		Enable   bool   `mapstructure:"ENABLE"`
		CertPath string `mapstructure:"CERT_PATH"`
		KeyPath  string `mapstructure:"KEY_PATH"`
	} `mapstructure:"TLS"`
	Otel struct {
		Addr        string  `mapstructure:"ADDR"`
		Protocol    string  `mapstructure:"PROTOCOL"`
		Insecure    bool    `mapstructure:"INSECURE"`
		SampleRatio float64 `mapstructure:"SAMPLE_RATIO"`
	} `mapstructure:"OTEL"`
	Flagsmith struct {
		ApiKey string `mapstructure:"API_KEY"`
		Addr   string `mapstructure:"ADDR"`
	} `mapstructure:"FLAGSMITH"`
	Consul struct {
		Addr        string `mapstructure:"ADDR"`
		ServiceHost string `mapstructure:"SERVICE_HOST"`
	} `mapstructure:"CONSUL"`
	Pyroscope struct {
		Addr string `mapstructure:"ADDR"`
	} `mapstructure:"PYROSCOPE"`
	Server struct {
		Addr         string        `mapstructure:"ADDR"`
		ReadTimeout  time.Duration `mapstructure:"READ_TIMEOUT"`
		WriteTimeout time.Duration `mapstructure:"WRITE_TIMEOUT"`
		IdleTimeout  time.Duration `mapstructure:"IDLE_TIMEOUT"`
	} `mapstructure:"HTTP_SERVER"`
	Database struct {
		Type           string `mapstructure:"TYPE"`
		AutoMigrate    bool   `mapstructure:"AUTO_MIGRATE"`
		Host           string `mapstructure:"HOST"`
		Port           string `mapstructure:"PORT"`
		DBNAME         string `mapstructure:"DBNAME"`
		User           string `mapstructure:"USER"`
		Password       string `mapstructure:"PASSWORD"`
		SSLMode        string `mapstructure:"SSLMODE"`
		Timezone       string `mapstructure:"TIMEZONE"`
		ConnectionPool struct {
			MaxIdleConn     int           `mapstructure:"MAX_IDLE_CONN"`
			MaxOpenConns    int           `mapstructure:"MAX_OPEN_CONNS"`
			ConnMaxLifetime time.Duration `mapstructure:"CONN_MAX_LIFETIME"`
			ConnMaxIdleTime time.Duration `mapstructure:"CONN_MAX_IDLE_TIME"`
		} `mapstructure:"CONNECTION_POOL"`
	} `mapstructure:"DATABASE"`
	Redis struct {
		Addr        string        `mapstructure:"ADDR"`
		Password    string        `mapstructure:"PASSWORD"`
		DB          int           `mapstructure:"DB"`
		PoolSize    int           `mapstructure:"POOL_SIZE"`
		PoolTimeout time.Duration `mapstructure:"POOL_TIMEOUT"`
	} `mapstructure:"REDIS"`
	Minio struct {
		Endpoint   string `mapstructure:"ENDPOINT"`
		AccessKey  string `mapstructure:"ACCESS_KEY"`
		SecretKey  string `mapstructure:"SECRET_KEY"`
		Secure     bool   `mapstructure:"SECURE"`
		BucketName string `mapstructure:"BUCKET_NAME"`
	} `mapstructure:"MINIO"`
	Cookie struct {
		EncryptionKey string `mapstructure:"ENCRYPTION_KEY"`
	} `mapstructure:"COOKIE"`
	Browser   BrowserConfig   `mapstructure:"BROWSER"`
	Dispatch  DispatchConfig  `mapstructure:"DISPATCH"`
	Retention RetentionConfig `mapstructure:"RETENTION"`
}

// BrowserConfig sizes the browser instance pool.
type BrowserConfig struct {
	Headless             bool          `mapstructure:"HEADLESS"`
	MaxInstances         int           `mapstructure:"MAX_INSTANCES"`
	MaxTabsPerInstance   int           `mapstructure:"MAX_TABS_PER_INSTANCE"`
	AcquireTimeout       time.Duration `mapstructure:"ACQUIRE_TIMEOUT"`
	IdleTimeout          time.Duration `mapstructure:"IDLE_TIMEOUT"`
	ViewportWidth        int           `mapstructure:"VIEWPORT_WIDTH"`
	ViewportHeight       int           `mapstructure:"VIEWPORT_HEIGHT"`
	DefaultActionTimeout time.Duration `mapstructure:"DEFAULT_ACTION_TIMEOUT"`
}

// DispatchConfig controls the asynq lanes and per-execution budgets.
type DispatchConfig struct {
	Timeout               time.Duration `mapstructure:"TIMEOUT"`
	MaxAttempts           int           `mapstructure:"MAX_ATTEMPTS"`
	BrowserConcurrency    int           `mapstructure:"BROWSER_CONCURRENCY"`
	APIConcurrency        int           `mapstructure:"API_CONCURRENCY"`
	AllowOverlap          bool          `mapstructure:"ALLOW_OVERLAP"`
	CancelGrace           time.Duration `mapstructure:"CANCEL_GRACE"`
	CancelPollInterval    time.Duration `mapstructure:"CANCEL_POLL_INTERVAL"`
	SchedulerSyncInterval time.Duration `mapstructure:"SCHEDULER_SYNC_INTERVAL"`
}

type RetentionConfig struct {
	LogHorizon time.Duration `mapstructure:"LOG_HORIZON"`
	SweepCron  string        `mapstructure:"SWEEP_CRON"`
}

var Module = fx.Module("config", fx.Provide(LoadConfig))

type Params struct {
	fx.In
	Vault *vault.Client `optional:"true"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("APP_NAME", "taskpilot")
	v.SetDefault("NODE_ID", 1)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("OTEL.PROTOCOL", "grpc")
	v.SetDefault("OTEL.INSECURE", true)
	v.SetDefault("OTEL.SAMPLE_RATIO", 1.0)
	v.SetDefault("HTTP_SERVER.ADDR", "8080")
	v.SetDefault("HTTP_SERVER.READ_TIMEOUT", 15*time.Second)
	v.SetDefault("HTTP_SERVER.IDLE_TIMEOUT", 60*time.Second)
	v.SetDefault("DATABASE.TYPE", "postgres")
	v.SetDefault("DATABASE.SSLMODE", "disable")
	v.SetDefault("DATABASE.TIMEZONE", "UTC")
	v.SetDefault("DATABASE.AUTO_MIGRATE", true)
	v.SetDefault("REDIS.ADDR", "127.0.0.1:6379")
	v.SetDefault("REDIS.POOL_SIZE", 10)
	v.SetDefault("REDIS.POOL_TIMEOUT", 5*time.Second)
	v.SetDefault("MINIO.BUCKET_NAME", "screenshots")
	v.SetDefault("BROWSER.HEADLESS", true)
	v.SetDefault("BROWSER.MAX_INSTANCES", 4)
	v.SetDefault("BROWSER.MAX_TABS_PER_INSTANCE", 5)
	v.SetDefault("BROWSER.ACQUIRE_TIMEOUT", 10*time.Minute)
	v.SetDefault("BROWSER.IDLE_TIMEOUT", 30*time.Minute)
	v.SetDefault("BROWSER.VIEWPORT_WIDTH", 1280)
	v.SetDefault("BROWSER.VIEWPORT_HEIGHT", 800)
	v.SetDefault("BROWSER.DEFAULT_ACTION_TIMEOUT", 30*time.Second)
	v.SetDefault("DISPATCH.TIMEOUT", time.Hour)
	v.SetDefault("DISPATCH.MAX_ATTEMPTS", 3)
	v.SetDefault("DISPATCH.BROWSER_CONCURRENCY", 2)
	v.SetDefault("DISPATCH.API_CONCURRENCY", 10)
	v.SetDefault("DISPATCH.SCHEDULER_SYNC_INTERVAL", time.Minute)
	v.SetDefault("DISPATCH.CANCEL_GRACE", 5*time.Second)
	v.SetDefault("DISPATCH.CANCEL_POLL_INTERVAL", time.Second)
	v.SetDefault("RETENTION.LOG_HORIZON", 30*24*time.Hour)
	v.SetDefault("RETENTION.SWEEP_CRON", "@daily")
}

// Load reads config.yaml from the working directory and the environment.
// A missing file is fine, defaults and env vars still apply.
func Load(v *viper.Viper) (*Config, error) {
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	if err := readRemote(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// readRemote layers a YAML document from a key/value store (consul, etcd3)
// under the local file when REMOTE_CONFIG_PROVIDER is set.
func readRemote(v *viper.Viper) error {
	provider := os.Getenv("REMOTE_CONFIG_PROVIDER")
	if provider == "" {
		return nil
	}
	addr := os.Getenv("REMOTE_CONFIG_ADDR")
	path := os.Getenv("REMOTE_CONFIG_PATH")
	if path == "" {
		path = "config/taskpilot"
	}

	if err := v.AddRemoteProvider(provider, addr, path); err != nil {
		return fmt.Errorf("remote config %s: %w", provider, err)
	}
	if err := v.ReadRemoteConfig(); err != nil {
		return fmt.Errorf("read remote config from %s%s: %w", addr, path, err)
	}
	return nil
}

func LoadConfig(p Params) *Config {
	cfg, err := Load(viper.New())
	if err != nil {
		zap.L().Error("failed to load config", zap.Error(err))
		os.Exit(1)
	}

	if p.Vault != nil {
		ctx := context.Background()

		zap.L().Info("Starting Get Secrets", zap.String("path", cfg.AppEnv))
		secret, err := p.Vault.Secrets.KvV2Read(ctx, cfg.AppEnv, vault.WithMountPath("secret"))
		if err != nil {
			zap.L().Error("failed get secret from vault", zap.Error(err))
			os.Exit(1)
		}
		zap.L().Info("Success Get Secret")

		get := func(key, fallback string) string {
			if val, ok := secret.Data.Data[key].(string); ok && val != "" {
				return val
			}
			return fallback
		}

		cfg.Database.User = get("database_user", cfg.Database.User)
		cfg.Database.Password = get("database_password", cfg.Database.Password)
		cfg.Redis.Password = get("redis_password", cfg.Redis.Password)
		cfg.Minio.AccessKey = get("minio_access_key", cfg.Minio.AccessKey)
		cfg.Minio.SecretKey = get("minio_secret_key", cfg.Minio.SecretKey)
		cfg.Cookie.EncryptionKey = get("cookie_encryption_key", cfg.Cookie.EncryptionKey)
	}

	return cfg
}
