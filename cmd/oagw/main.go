// Command oagw runs the Outbound API Gateway proxy process.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/oagw/gateway/internal/config"
	"github.com/oagw/gateway/internal/gateway"
	"github.com/oagw/gateway/internal/logging"
	"github.com/oagw/gateway/internal/repository"
	"github.com/oagw/gateway/internal/repository/etcd"
	"github.com/oagw/gateway/internal/repository/memory"
)

func main() {
	configPath := flag.String("config", "", "path to the bootstrap configuration YAML file")
	flag.Parse()

	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.NewLoader().Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "oagw: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	} else if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "oagw: %v\n", err)
		os.Exit(1)
	}

	logger, closer, err := logging.New(logging.Config{
		Level:      cfg.Logging.Level,
		Output:     cfg.Logging.Output,
		MaxSize:    cfg.Logging.MaxSize,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAge:     cfg.Logging.MaxAge,
		Compress:   cfg.Logging.Compress,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "oagw: init logger: %v\n", err)
		os.Exit(1)
	}
	logging.SetGlobal(logger)
	if closer != nil {
		defer closer.Close()
	}

	repo, err := newRepository(cfg)
	if err != nil {
		logger.Fatal("init repository", zap.Error(err))
	}

	ctx := context.Background()
	srv, err := gateway.NewServer(ctx, cfg, repo)
	if err != nil {
		logger.Fatal("init server", zap.Error(err))
	}

	if err := srv.Run(); err != nil {
		logger.Fatal("server exited with error", zap.Error(err))
	}
}

func newRepository(cfg *config.Config) (repository.Repository, error) {
	switch cfg.Repository.Type {
	case "etcd":
		return etcd.New(cfg.Repository.Etcd)
	default:
		return memory.New(), nil
	}
}
