// Command companiond serves a simulated companion over the framed and gRPC
// transports, optionally advertising its targets in etcd.
package main

import (
	"companion-rpc/companionsim"
	"companion-rpc/config"
	"companion-rpc/middleware"
	"companion-rpc/registry"
	"companion-rpc/server"
	"companion-rpc/stub"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configPath string
	overrides  config.ServerConfig
	endpoints  []string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:          "companiond",
	Short:        "Run a simulated device companion",
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Default()
		if configPath != "" {
			var err error
			if cfg, err = config.Load(configPath); err != nil {
				return err
			}
		}
		fs := cmd.Flags()
		if fs.Changed("framed") {
			cfg.Server.FramedAddr = overrides.FramedAddr
		}
		if fs.Changed("grpc") {
			cfg.Server.GRPCAddr = overrides.GRPCAddr
		}
		if fs.Changed("metrics") {
			cfg.Server.MetricsAddr = overrides.MetricsAddr
		}
		if fs.Changed("advertise-host") {
			cfg.Server.AdvertiseHost = overrides.AdvertiseHost
		}
		if fs.Changed("etcd") {
			cfg.Registry.Endpoints = endpoints
		}
		if fs.Changed("log-level") {
			cfg.Log.Level = logLevel
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		logger, err := cfg.Log.Build()
		if err != nil {
			return err
		}
		defer logger.Sync()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return run(ctx, cfg, logger)
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	fs := rootCmd.Flags()
	fs.StringVarP(&configPath, "config", "c", "", "YAML config file")
	fs.StringVar(&overrides.FramedAddr, "framed", ":10882", "framed listen address")
	fs.StringVar(&overrides.GRPCAddr, "grpc", ":10883", "gRPC listen address (empty disables)")
	fs.StringVar(&overrides.MetricsAddr, "metrics", "", "Prometheus /metrics listen address (empty disables)")
	fs.StringVar(&overrides.AdvertiseHost, "advertise-host", "127.0.0.1", "host advertised in the registry")
	fs.StringSliceVar(&endpoints, "etcd", nil, "etcd endpoints to advertise targets in")
	fs.StringVar(&logLevel, "log-level", "info", "log level")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	sim := companionsim.Demo(logger.Named("companionsim"))

	promReg := prometheus.NewRegistry()
	metrics, err := middleware.NewMetrics(promReg, "server")
	if err != nil {
		return err
	}

	svr := server.NewServer(logger.Named("server"))
	svr.Use(middleware.LoggingMiddleware(logger.Named("calls")))
	svr.Use(metrics.Middleware())
	if err := svr.RegisterName(stub.ServiceName, sim); err != nil {
		return err
	}

	framed, err := net.Listen("tcp", cfg.Server.FramedAddr)
	if err != nil {
		return err
	}
	errc := make(chan error, 3)
	go func() { errc <- svr.Serve(framed) }()
	logger.Info("serving framed", zap.String("addr", framed.Addr().String()))

	var grpcLis net.Listener
	if cfg.Server.GRPCAddr != "" {
		if grpcLis, err = net.Listen("tcp", cfg.Server.GRPCAddr); err != nil {
			svr.Shutdown(cfg.Server.ShutdownTimeout)
			return err
		}
		go func() { errc <- svr.ServeGRPC(grpcLis) }()
		logger.Info("serving grpc", zap.String("addr", grpcLis.Addr().String()))
	}

	var metricsSrv *http.Server
	if cfg.Server.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{Addr: cfg.Server.MetricsAddr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- err
			}
		}()
	}

	if len(cfg.Registry.Endpoints) > 0 {
		reg, err := registry.NewEtcdRegistry(cfg.Registry.Endpoints, logger.Named("registry"))
		if err != nil {
			svr.Shutdown(cfg.Server.ShutdownTimeout)
			return err
		}
		defer reg.Close()
		if err := advertise(ctx, svr, reg, cfg, framed, grpcLis, sim.UDIDs()); err != nil {
			svr.Shutdown(cfg.Server.ShutdownTimeout)
			return err
		}
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err = <-errc:
		logger.Error("serve failed", zap.Error(err))
	}

	if metricsSrv != nil {
		metricsSrv.Close()
	}
	if shutdownErr := svr.Shutdown(cfg.Server.ShutdownTimeout); shutdownErr != nil && err == nil {
		err = shutdownErr
	}
	return err
}

// advertise registers every simulated target under both listeners.
func advertise(ctx context.Context, svr *server.Server, reg registry.Registry, cfg *config.Config, framed, grpcLis net.Listener, udids []string) error {
	type listener struct {
		lis       net.Listener
		transport string
	}
	for _, l := range []listener{{framed, "framed"}, {grpcLis, "grpc"}} {
		if l.lis == nil {
			continue
		}
		port := l.lis.Addr().(*net.TCPAddr).Port
		inst := registry.Instance{
			Addr:      net.JoinHostPort(cfg.Server.AdvertiseHost, fmt.Sprint(port)),
			Weight:    1,
			Transport: l.transport,
		}
		if err := svr.Advertise(ctx, reg, inst, cfg.Registry.TTL, udids...); err != nil {
			return err
		}
	}
	return nil
}
