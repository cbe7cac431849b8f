package config

import (
	"time"

	"github.com/caarlos0/env/v10"
)

// Config centraliza la configuración del servicio.
type Config struct {
	HTTPPort string `env:"HTTP_PORT" envDefault:"8080"`

	// RemoteDriver elige el store remoto: memory, postgres o dynamodb.
	RemoteDriver  string        `env:"REMOTE_DRIVER" envDefault:"memory"`
	DatabaseURL   string        `env:"DATABASE_URL"`
	DynamoDBTable string        `env:"DYNAMODB_TABLE" envDefault:"case-chat"`
	AWSRegion     string        `env:"AWS_REGION" envDefault:"us-east-1"`
	RemoteTimeout time.Duration `env:"REMOTE_TIMEOUT" envDefault:"15s"`
	PollInterval  time.Duration `env:"POLL_INTERVAL" envDefault:"2s"`

	// LocalStoreDriver elige el tier persistente de la caché: memory, redis o badger.
	LocalStoreDriver string `env:"LOCAL_STORE_DRIVER" envDefault:"memory"`
	RedisAddr        string `env:"REDIS_ADDR"`
	RedisPassword    string `env:"REDIS_PASSWORD"`
	RedisDB          int    `env:"REDIS_DB" envDefault:"0"`
	BadgerPath       string `env:"BADGER_PATH" envDefault:"./data/cache"`

	JWTSecret string `env:"JWT_SECRET"`
	JWTIssuer string `env:"JWT_ISSUER" envDefault:"case-chat"`

	CacheMessageTTL    time.Duration `env:"CACHE_MESSAGE_TTL" envDefault:"5m"`
	CachePreviewTTL    time.Duration `env:"CACHE_PREVIEW_TTL" envDefault:"2m"`
	CacheMaxWindow     int           `env:"CACHE_MAX_WINDOW" envDefault:"100"`
	CacheMaxSize       int           `env:"CACHE_MAX_SIZE" envDefault:"50"`
	CacheSweepInterval time.Duration `env:"CACHE_SWEEP_INTERVAL" envDefault:"1m"`

	PageSize       int `env:"PAGE_SIZE" envDefault:"20"`
	KeepOnClose    int `env:"KEEP_ON_CLOSE" envDefault:"20"`
	LiveWindowSize int `env:"LIVE_WINDOW_SIZE" envDefault:"50"`

	// SendRateMax es cuántos envíos por usuario se aceptan en SendRateWindow.
	SendRateMax    int           `env:"SEND_RATE_MAX" envDefault:"30"`
	SendRateWindow time.Duration `env:"SEND_RATE_WINDOW" envDefault:"1m"`
}

// LoadConfig carga la configuración desde variables de entorno.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
