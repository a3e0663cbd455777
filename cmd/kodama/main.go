package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/bdobrica/Kodama/common/environment"
	"github.com/bdobrica/Kodama/common/version"
	"github.com/bdobrica/Kodama/internal/kodama/app"
	"github.com/bdobrica/Kodama/internal/kodama/config"
	"github.com/bdobrica/Kodama/internal/kodama/observability"
)

func main() {
	configPath := flag.String("config", environment.StringOr("KODAMA_CONFIG", "kodama.yaml"), "path to the configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("Kodama %s\n", version.Info())
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	observability.Setup(cfg.Log.Level, cfg.Log.Format)

	kodama, err := app.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize Kodama: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := kodama.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error running Kodama: %v\n", err)
		os.Exit(1)
	}
}
