// Package exchange parses federation service flags and launches the service.
package exchange

import (
	"context"
	"flag"

	server "github.com/learningtapestry/ssdn-sub000/internal/federation/app"
	entrypoint "github.com/learningtapestry/ssdn-sub000/internal/platform/cmd"
)

// Config holds exchange command configuration.
type Config struct {
	Port int `env:"SSDN_EXCHANGE_PORT" envDefault:"4018"`
}

// ParseConfig parses environment and flags into Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.IntVar(&cfg.Port, "port", cfg.Port, "The federation HTTP server port")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the federation HTTP API service.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceExchange, func(context.Context) error {
		return server.Run(ctx, cfg.Port)
	})
}
