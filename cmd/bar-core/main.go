// Command bar-core runs the building automation runtime core: it loads
// configuration, starts the BACnet field-bus service, the blueprint
// engine and hot-reload watcher, and the JS plugin runtime pool, then
// blocks until an interrupt or terminate signal is received.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/neo-automation/bar-core/internal/config"
	"github.com/neo-automation/bar-core/internal/corelog"
	"github.com/neo-automation/bar-core/internal/runtime"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to a config file (optional; env vars and defaults apply regardless)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, flush, err := corelog.NewProduction(cfg.Logging.LogFile)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer flush()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := runtime.New(ctx, log, cfg)
	if err != nil {
		return fmt.Errorf("construct runtime: %w", err)
	}

	rt.Start(ctx)
	log.Info("bar-core started",
		corelog.String("bacnet_bind", fmt.Sprintf("%s:%d", cfg.BACnet.BindHost, cfg.BACnet.BindPort)),
		corelog.String("blueprints_dir", cfg.Blueprints.Dir),
		corelog.String("plugins_dir", cfg.Plugins.Dir),
	)

	<-ctx.Done()
	log.Info("shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	rt.Stop(stopCtx)

	log.Info("shutdown complete")
	return nil
}
