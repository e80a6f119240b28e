package config

import (
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type AppConfig struct {
	ServerAddr  string `mapstructure:"SERVER_ADDR" validate:"min=2"`
	GinMode     string `mapstructure:"GIN_MODE" validate:"min=4"`
	DownloadDir string `mapstructure:"DOWNLOAD_DIR" validate:"min=1"`
	DataDir     string `mapstructure:"DATA_DIR" validate:"min=1"`
	UserAgent   string `mapstructure:"USER_AGENT" validate:"min=1"`

	ChunkSize int `mapstructure:"CHUNK_SIZE" validate:"min=1"`
	// MaxConcurrent = 0 keeps the unbounded one-goroutine-per-download
	// behavior; a positive value caps running engines.
	MaxConcurrent int `mapstructure:"MAX_CONCURRENT" validate:"min=0"`

	// DownloadTimeout = 0 means no overall deadline; a stalled
	// connection then blocks until cancelled.
	DownloadTimeout time.Duration `mapstructure:"DOWNLOAD_TIMEOUT" validate:"min=0"`
	ConnectTimeout  time.Duration `mapstructure:"CONNECT_TIMEOUT" validate:"nonzero_duration"`

	EventQueueSize int    `mapstructure:"EVENT_QUEUE_SIZE" validate:"min=1"`
	StorageMode    string `mapstructure:"STORAGE_MODE" validate:"oneof=memory bbolt"`
}

func (c *AppConfig) Validate() error {
	v := validator.New()

	_ = v.RegisterValidation("nonzero_duration", func(fl validator.FieldLevel) bool {
		if d, ok := fl.Field().Interface().(time.Duration); ok {
			return d > 0
		} else {
			return false
		}
	})
	if err := v.Struct(c); err != nil {
		return err
	}
	return nil
}

func LoadAppConfig(name, ext string, paths ...string) (*AppConfig, error) {
	for _, path := range paths {
		viper.AddConfigPath(path)
	}
	viper.SetConfigName(name)
	viper.SetConfigType(ext)
	viper.AutomaticEnv()

	viper.SetDefault("SERVER_ADDR", ":8081")
	viper.SetDefault("GIN_MODE", "debug")
	viper.SetDefault("DOWNLOAD_DIR", "./data/files")
	viper.SetDefault("DATA_DIR", "./data")
	viper.SetDefault("USER_AGENT", "Mozilla/5.0 (compatible; Fetchd/1.0)")
	viper.SetDefault("CHUNK_SIZE", 4096)
	viper.SetDefault("MAX_CONCURRENT", 0)
	viper.SetDefault("DOWNLOAD_TIMEOUT", time.Duration(0))
	viper.SetDefault("CONNECT_TIMEOUT", 10*time.Second)
	viper.SetDefault("EVENT_QUEUE_SIZE", 1024)
	viper.SetDefault("STORAGE_MODE", "bbolt")

	if err := viper.ReadInConfig(); err != nil {
		// missing config file is fine, env + defaults still apply
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}
	cfg := &AppConfig{}
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
