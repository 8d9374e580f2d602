package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flowmesh/enginerpc/internal/config"
	"github.com/flowmesh/enginerpc/internal/control"
	"github.com/flowmesh/enginerpc/internal/logging"
	"github.com/flowmesh/enginerpc/internal/metrics"
	"github.com/flowmesh/enginerpc/internal/registry"
	"github.com/flowmesh/enginerpc/internal/sched"
	"github.com/flowmesh/enginerpc/internal/shmchan"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const shutdownTimeout = 5 * time.Second

var (
	configPath  string
	metricsAddr string
)

var rootCmd = &cobra.Command{
	Use:   "enginerpcd",
	Short: "enginerpcd runs the RPC engine daemon",
	Long: `enginerpcd is the user-space RPC service plane daemon: it accepts
client subscriptions over a unix control socket, builds a per-subscription
graph of cooperatively scheduled engines, and drives the shared-memory
datapath between applications and the configured transport.`,
	RunE: runDaemon,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/enginerpc/config.toml", "path to the daemon's TOML configuration file")
	rootCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "127.0.0.1:9090", "address to serve Prometheus metrics and health checks on")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.FromPath(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log, err := logging.New(cfg.LogEnv, cfg.DefaultLogLevel)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := registry.New(ctx)
	defer reg.Close(ctx)

	scheduler := sched.NewScheduler(log)
	defer scheduler.Stop()

	dispatcher := control.New(cfg, scheduler, reg, log)
	defer dispatcher.Close()

	controlLn, err := shmchan.ListenControl(cfg.Control.Path)
	if err != nil {
		return fmt.Errorf("binding control socket %s: %w", cfg.Control.Path, err)
	}
	go func() {
		if err := dispatcher.Serve(ctx, controlLn); err != nil {
			log.Error("control socket server exited", zap.Error(err))
		}
	}()

	metricsReg := metrics.New()
	ln, err := net.Listen("tcp", metricsAddr)
	if err != nil {
		return fmt.Errorf("binding metrics listener on %s: %w", metricsAddr, err)
	}
	metricsSrv := metrics.NewServer(metricsAddr, metricsReg)
	go func() {
		if err := metricsSrv.Serve(ln); err != nil {
			log.Error("metrics server exited", zap.Error(err))
		}
	}()

	log.Info("enginerpcd started",
		zap.String("control_path", cfg.Control.Path),
		zap.Strings("modules", cfg.Modules),
		zap.String("metrics_addr", metricsAddr),
	)

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return metricsSrv.Shutdown(shutdownCtx)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
