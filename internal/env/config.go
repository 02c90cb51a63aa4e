package env

import (
	"context"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	// Addr is the server the CLI and the gateway connect to.
	Addr        string        `env:"RESPITE_ADDR,default=127.0.0.1:6379"`
	DialTimeout time.Duration `env:"RESPITE_DIAL_TIMEOUT,default=5s"`

	// MaxDepth bounds the nesting of aggregate replies. Zero keeps the
	// reader's default.
	MaxDepth int `env:"RESPITE_MAX_DEPTH"`

	// PendingLimit is the number of commands that may wait for a reply.
	PendingLimit int `env:"RESPITE_PENDING_LIMIT,default=4096"`

	LogLevel  string `env:"RESPITE_LOG_LEVEL,default=info"`
	DebugHTTP bool   `env:"RESPITE_DEBUG_HTTP"`
}

func LoadConfig(ctx context.Context) (*Config, error) {
	config := Config{}

	if err := godotenv.Load(".env.local"); err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	}

	if err := envconfig.Process(ctx, &config); err != nil {
		return nil, err
	}

	return &config, nil
}
