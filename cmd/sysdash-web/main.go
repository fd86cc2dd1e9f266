package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/skobkin/sysdash-web/internal/app"
	"github.com/skobkin/sysdash-web/internal/config"
	"github.com/skobkin/sysdash-web/internal/version"
)

var (
	buildVersion = "dev"
	buildCommit  = ""
	buildTime    = ""
)

func main() {
	version.Set(version.Info{
		Version:   buildVersion,
		Commit:    buildCommit,
		BuildTime: buildTime,
	})

	flags := pflag.NewFlagSet("sysdash-web", pflag.ExitOnError)
	host := flags.String("host", "", "bind host (default all interfaces, overrides APP_HOST)")
	port := flags.IntP("port", "p", 0, "bind port (overrides APP_PORT)")
	configFile := flags.StringP("config", "c", "", "TOML config file (overrides "+config.EnvConfigFile+")")
	showVersion := flags.Bool("version", false, "print version and exit")
	_ = flags.Parse(os.Args[1:])

	if *showVersion {
		fmt.Println(version.Current().String())
		return
	}

	cfg, err := config.Load(*configFile)
	if err == nil {
		if flags.Changed("host") {
			cfg.Host = *host
		}
		if flags.Changed("port") {
			cfg.Port = *port
		}
		err = cfg.Validate()
	}
	if err != nil {
		handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})
		slog.New(handler).Error("failed to load configuration", "err", err)
		os.Exit(1)
	}

	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel})
	logger := slog.New(handler)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, logger, cfg); err != nil {
		logger.Error("application error", "err", err)
		os.Exit(1)
	}
}
