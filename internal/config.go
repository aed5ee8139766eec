package internal

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/prappser/prappser_uploader/internal/api"
	"github.com/prappser/prappser_uploader/internal/channel"
	"github.com/prappser/prappser_uploader/internal/devbackend"
	"github.com/prappser/prappser_uploader/internal/ledger"
	"github.com/prappser/prappser_uploader/internal/pipeline"
	"github.com/prappser/prappser_uploader/internal/session"
	"github.com/prappser/prappser_uploader/internal/storage"
	"github.com/prappser/prappser_uploader/internal/watch"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const (
	DefaultConfigFile = "files/config.yaml"
	EnvPrefix         = "UPLOADER"
)

type Config struct {
	API        APIConfig        `mapstructure:"api"`
	Channel    ChannelConfig    `mapstructure:"channel"`
	Upload     UploadConfig     `mapstructure:"upload"`
	Watch      WatchConfig      `mapstructure:"watch"`
	Ledger     LedgerConfig     `mapstructure:"ledger"`
	Status     StatusConfig     `mapstructure:"status"`
	DevBackend DevBackendConfig `mapstructure:"devbackend"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Log        LogConfig        `mapstructure:"log"`
}

type APIConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type ChannelConfig struct {
	URL               string        `mapstructure:"url"`
	ReconnectDelay    time.Duration `mapstructure:"reconnect_delay"`
	MaxReconnectDelay time.Duration `mapstructure:"max_reconnect_delay"`
	PingInterval      time.Duration `mapstructure:"ping_interval"`
}

type UploadConfig struct {
	ScheduleAttempts  int           `mapstructure:"schedule_attempts"`
	ProcessingTimeout time.Duration `mapstructure:"processing_timeout"`
	TransportTimeout  time.Duration `mapstructure:"transport_timeout"`
	Description       string        `mapstructure:"description"`
	Category          string        `mapstructure:"category"`
	Tags              string        `mapstructure:"tags"`
	Visibility        string        `mapstructure:"visibility"`
	AllowComments     bool          `mapstructure:"allow_comments"`
}

type WatchConfig struct {
	Dir          string        `mapstructure:"dir"`
	Debounce     time.Duration `mapstructure:"debounce"`
	ScanExisting bool          `mapstructure:"scan_existing"`
}

type LedgerConfig struct {
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
	KeyPrefix     string        `mapstructure:"key_prefix"`
	TTL           time.Duration `mapstructure:"ttl"`
}

type StatusConfig struct {
	Addr string `mapstructure:"addr"`
}

type DevBackendConfig struct {
	Addr             string        `mapstructure:"addr"`
	ExternalURL      string        `mapstructure:"external_url"`
	JWTSecret        string        `mapstructure:"jwt_secret"`
	AllowedOrigins   []string      `mapstructure:"allowed_origins"`
	UploadURLExpiry  time.Duration `mapstructure:"upload_url_expiry"`
	StepDelay        time.Duration `mapstructure:"step_delay"`
	ProgressSteps    int           `mapstructure:"progress_steps"`
	Segments         int           `mapstructure:"segments"`
	FailResolution   string        `mapstructure:"fail_resolution"`
	ScheduleFailures int           `mapstructure:"schedule_failures"`
}

type StorageConfig struct {
	Type        string `mapstructure:"type"`
	LocalPath   string `mapstructure:"local_path"`
	S3Endpoint  string `mapstructure:"s3_endpoint"`
	S3Bucket    string `mapstructure:"s3_bucket"`
	S3AccessKey string `mapstructure:"s3_access_key"`
	S3SecretKey string `mapstructure:"s3_secret_key"`
	S3Region    string `mapstructure:"s3_region"`
	S3UseSSL    bool   `mapstructure:"s3_use_ssl"`
	URLSecret   string `mapstructure:"url_secret"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.base_url", "http://localhost:8080")
	v.SetDefault("api.token", "")
	v.SetDefault("api.timeout", 15*time.Second)

	v.SetDefault("channel.url", "ws://localhost:8080"+devbackend.SocketPath)
	v.SetDefault("channel.reconnect_delay", time.Second)
	v.SetDefault("channel.max_reconnect_delay", 30*time.Second)
	v.SetDefault("channel.ping_interval", 30*time.Second)

	v.SetDefault("upload.schedule_attempts", 3)
	v.SetDefault("upload.processing_timeout", 15*time.Minute)
	v.SetDefault("upload.transport_timeout", 0)
	v.SetDefault("upload.description", "")
	v.SetDefault("upload.category", "")
	v.SetDefault("upload.tags", "")
	v.SetDefault("upload.visibility", "public")
	v.SetDefault("upload.allow_comments", true)

	v.SetDefault("watch.dir", "")
	v.SetDefault("watch.debounce", watch.DefaultDebounce)
	v.SetDefault("watch.scan_existing", false)

	v.SetDefault("ledger.redis_addr", "")
	v.SetDefault("ledger.redis_password", "")
	v.SetDefault("ledger.redis_db", 0)
	v.SetDefault("ledger.key_prefix", ledger.DefaultKeyPrefix)
	v.SetDefault("ledger.ttl", 0)

	v.SetDefault("status.addr", "")

	v.SetDefault("devbackend.addr", ":8080")
	v.SetDefault("devbackend.external_url", "http://localhost:8080")
	v.SetDefault("devbackend.jwt_secret", "")
	v.SetDefault("devbackend.allowed_origins", []string{"http://localhost:*"})
	v.SetDefault("devbackend.upload_url_expiry", 15*time.Minute)
	v.SetDefault("devbackend.step_delay", 200*time.Millisecond)
	v.SetDefault("devbackend.progress_steps", 4)
	v.SetDefault("devbackend.segments", 0)
	v.SetDefault("devbackend.fail_resolution", "")
	v.SetDefault("devbackend.schedule_failures", 0)

	v.SetDefault("storage.type", string(storage.StorageTypeLocal))
	v.SetDefault("storage.local_path", "./storage")
	v.SetDefault("storage.s3_endpoint", "")
	v.SetDefault("storage.s3_bucket", "")
	v.SetDefault("storage.s3_access_key", "")
	v.SetDefault("storage.s3_secret_key", "")
	v.SetDefault("storage.s3_region", "")
	v.SetDefault("storage.s3_use_ssl", false)
	v.SetDefault("storage.url_secret", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", true)
}

// LoadConfig reads .env, then the config file, then UPLOADER_* overrides.
// A missing config file is fine; a broken one is not.
func LoadConfig(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warn().Err(err).Msg("Failed to load .env file")
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	explicit := path != ""
	if !explicit {
		path = DefaultConfigFile
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		log.Debug().Str("path", path).Msg("No config file, using defaults")
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &config, nil
}

func (c *Config) APIClient() api.Config {
	return api.Config{
		BaseURL:          c.API.BaseURL,
		Timeout:          c.API.Timeout,
		ScheduleAttempts: c.Upload.ScheduleAttempts,
	}
}

func (c *Config) PushChannel() channel.Config {
	return channel.Config{
		URL:               c.Channel.URL,
		ReconnectDelay:    c.Channel.ReconnectDelay,
		MaxReconnectDelay: c.Channel.MaxReconnectDelay,
		PingInterval:      c.Channel.PingInterval,
	}
}

func (c *Config) Pipeline() pipeline.Config {
	return pipeline.Config{ProcessingTimeout: c.Upload.ProcessingTimeout}
}

func (c *Config) FormDefaults() watch.Defaults {
	return watch.Defaults{
		Description:   c.Upload.Description,
		Category:      c.Upload.Category,
		Tags:          c.Upload.Tags,
		Visibility:    session.Visibility(c.Upload.Visibility),
		AllowComments: c.Upload.AllowComments,
	}
}

func (c *Config) Watcher() watch.Config {
	return watch.Config{
		Dir:          c.Watch.Dir,
		Debounce:     c.Watch.Debounce,
		ScanExisting: c.Watch.ScanExisting,
	}
}

func (c *Config) RedisLedger() ledger.RedisConfig {
	return ledger.RedisConfig{
		Addr:      c.Ledger.RedisAddr,
		Password:  c.Ledger.RedisPassword,
		DB:        c.Ledger.RedisDB,
		KeyPrefix: c.Ledger.KeyPrefix,
		TTL:       c.Ledger.TTL,
	}
}

func (c *Config) Backend(version string) devbackend.Config {
	return devbackend.Config{
		Addr:             c.DevBackend.Addr,
		ExternalURL:      c.DevBackend.ExternalURL,
		JWTSecret:        c.DevBackend.JWTSecret,
		AllowedOrigins:   c.DevBackend.AllowedOrigins,
		Version:          version,
		UploadURLExpiry:  c.DevBackend.UploadURLExpiry,
		StepDelay:        c.DevBackend.StepDelay,
		ProgressSteps:    c.DevBackend.ProgressSteps,
		Segments:         c.DevBackend.Segments,
		FailResolution:   c.DevBackend.FailResolution,
		ScheduleFailures: c.DevBackend.ScheduleFailures,
	}
}

func (c *Config) BlobStore() *storage.BackendConfig {
	return &storage.BackendConfig{
		Type:        storage.StorageType(c.Storage.Type),
		LocalPath:   c.Storage.LocalPath,
		S3Endpoint:  c.Storage.S3Endpoint,
		S3Bucket:    c.Storage.S3Bucket,
		S3AccessKey: c.Storage.S3AccessKey,
		S3SecretKey: c.Storage.S3SecretKey,
		S3Region:    c.Storage.S3Region,
		S3UseSSL:    c.Storage.S3UseSSL,
		ExternalURL: c.DevBackend.ExternalURL,
		URLSecret:   c.Storage.URLSecret,
	}
}
