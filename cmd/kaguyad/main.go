package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/kaguya-irc/kaguyad/pkg/config"
	"github.com/kaguya-irc/kaguyad/pkg/logging"
	"github.com/kaguya-irc/kaguyad/pkg/server"
	"github.com/kaguya-irc/kaguyad/pkg/version"
)

func main() {
	def := config.Default()

	var (
		configPath   = flag.String("config", "", "YAML configuration file")
		host         = flag.String("host", def.Host, "listen interface (empty = all)")
		port         = flag.Int("port", def.Port, "TCP listen port")
		name         = flag.String("name", def.ServerName, "server name used as the reply origin")
		metricsAddr  = flag.String("metrics", def.MetricsAddr, "HTTP bind address for Prometheus /metrics (empty to disable)")
		channelsFile = flag.String("channels-file", "", "YAML file defining channels to seed at startup")
		testing      = flag.Bool("testing", def.Testing, "announce testing mode to registering clients")
		logLevel     = flag.String("log-level", def.Log.Level, "Log level: "+logging.LevelNames())
		logFormat    = flag.String("log-format", def.Log.Format, "Log format: text or json")
		logFile      = flag.String("log-file", "", "log file mirrored alongside console output")
		showVersion  = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Full())
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	// Flags explicitly set on the command line win over file and env.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "host":
			cfg.Host = *host
		case "port":
			cfg.Port = *port
		case "name":
			cfg.ServerName = *name
		case "metrics":
			cfg.MetricsAddr = *metricsAddr
		case "channels-file":
			cfg.ChannelsFile = *channelsFile
		case "testing":
			cfg.Testing = *testing
		case "log-level":
			cfg.Log.Level = *logLevel
		case "log-format":
			cfg.Log.Format = *logFormat
		case "log-file":
			cfg.Log.File = *logFile
		}
	})
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging
	if err := logging.Setup(logging.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
		Output: os.Stdout,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "invalid logging config: %v\n", err)
		os.Exit(1)
	}

	srv, err := server.New(cfg)
	if err != nil {
		slog.Error("server init", "err", err)
		os.Exit(1)
	}
	if err := srv.Run(); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
}
