package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	api "github.com/CopperlineOS/exec-rt/internal/api/http"
	"github.com/CopperlineOS/exec-rt/internal/infrastructure/config"
	"github.com/CopperlineOS/exec-rt/internal/infrastructure/logging"
	"github.com/CopperlineOS/exec-rt/internal/infrastructure/monitoring"
	"github.com/CopperlineOS/exec-rt/internal/kernel"
	"github.com/CopperlineOS/exec-rt/internal/sched"
)

func main() {
	apiPort := flag.String("port", "", "telemetry API port (overrides env)")
	cores := flag.Int("cores", 0, "dispatch cores (overrides env, 0 = config default)")
	policy := flag.String("sched-policy", "", "scheduler policy TOML file (overrides env)")
	dev := flag.Bool("dev", false, "development logging")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if *apiPort != "" {
		cfg.API.Port = *apiPort
	}
	if *cores > 0 {
		cfg.Sched.Cores = *cores
	}
	if *policy != "" {
		cfg.Sched.PolicyFile = *policy
	}
	if *dev {
		cfg.Logging.Development = true
		cfg.Logging.Level = "debug"
	}

	var logger *logging.Logger
	if cfg.Logging.Development {
		logger = logging.NewDevelopment()
	} else {
		logger, err = logging.New(logging.Config{Level: cfg.Logging.Level})
		if err != nil {
			log.Fatalf("logger: %v", err)
		}
	}
	defer logger.Sync()

	metrics := monitoring.NewMetrics()

	k, err := kernel.New(kernel.Config{
		Sched: sched.Config{
			Cores:          cfg.Sched.Cores,
			UtilizationCap: cfg.Sched.UtilizationCap,
			RTQuantum:      cfg.Sched.RTQuantum,
			BEQuantum:      cfg.Sched.BEQuantum,
			RingSize:       cfg.Sched.RingSize,
		},
	}, logger.Logger, metrics)
	if err != nil {
		logger.Fatal("kernel boot failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return k.Run(ctx)
	})

	var srv *api.Server
	if cfg.API.Enabled {
		srv = api.NewServer(cfg, k, metrics, logger.Logger)
		g.Go(srv.Run)
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error("shutdown with error", zap.Error(err))
		return
	}
	logger.Info("shutdown complete")
}
