package main

import (
	"companion-rpc/client"
	"companion-rpc/codec"
	"companion-rpc/config"
	"companion-rpc/middleware"
	"companion-rpc/registry"
	"companion-rpc/transport"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type globalFlags struct {
	configPath string
	host       string
	port       int
	udid       string
	transport  string
	codec      string
	proxied    bool
	logLevel   string
}

var (
	flags  globalFlags
	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "companionctl",
	Short: "Talk to a device companion",
	Long: `companionctl connects to a companion (directly, or through an etcd
registry when registry endpoints are configured) and runs one call.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if flags.configPath != "" {
			cfg, err = config.Load(flags.configPath)
			if err != nil {
				return err
			}
		} else {
			cfg = config.Default()
		}
		applyFlags(cmd, cfg)
		if err := cfg.Validate(); err != nil {
			return err
		}
		logger, err = cfg.Log.Build()
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", "", "YAML config file")
	pf.StringVar(&flags.host, "host", "localhost", "companion host")
	pf.IntVarP(&flags.port, "port", "p", 10882, "companion port")
	pf.StringVarP(&flags.udid, "udid", "u", "", "target udid sent with every call")
	pf.StringVar(&flags.transport, "transport", "framed", "transport: framed|grpc")
	pf.StringVar(&flags.codec, "codec", "json", "framed body codec: json|binary|cbor")
	pf.BoolVar(&flags.proxied, "proxied", false, "the companion is remote; calls require --udid")
	pf.StringVar(&flags.logLevel, "log-level", "warn", "log level")

	rootCmd.AddCommand(callsCmd, targetsCmd, describeCmd, appsCmd, launchCmd, terminateCmd, screenshotCmd, callCmd, watchCmd)
}

// applyFlags overrides config values with flags given on the command line.
func applyFlags(cmd *cobra.Command, c *config.Config) {
	pf := cmd.Flags()
	if pf.Changed("host") {
		c.Host = flags.host
	}
	if pf.Changed("port") {
		c.Port = flags.port
	}
	if pf.Changed("udid") {
		udid := flags.udid
		c.UDID = &udid
	}
	if pf.Changed("transport") {
		c.Transport = flags.transport
	}
	if pf.Changed("codec") {
		c.Codec = flags.codec
	}
	if pf.Changed("proxied") {
		c.Proxied = flags.proxied
	}
	if pf.Changed("log-level") || flags.configPath == "" {
		c.Log.Level = flags.logLevel
	}
}

func clientOptions(c *config.Config) []client.Option {
	kind, _ := transport.ParseKind(c.Transport)
	ct, _ := codec.ParseCodecType(c.Codec)

	opts := []client.Option{
		client.WithLogger(logger.Named(client.DefaultLoggerName)),
		client.WithTransport(kind),
		client.WithCodec(ct),
		client.WithDialTimeout(c.Timeouts.Dial),
		client.WithHeartbeat(c.Timeouts.Heartbeat),
		client.WithProxied(c.Proxied),
		client.WithMiddleware(middleware.LoggingMiddleware(logger)),
	}
	if c.UDID != nil {
		opts = append(opts, client.WithTarget(*c.UDID))
	}
	if c.RateLimit.PerSecond > 0 {
		opts = append(opts, client.WithMiddleware(middleware.RateLimitMiddleware(c.RateLimit.PerSecond, c.RateLimit.Burst)))
	}
	if c.Timeouts.Call > 0 {
		opts = append(opts, client.WithMiddleware(middleware.TimeOutMiddleware(c.Timeouts.Call)))
	}
	return opts
}

// connect dials the configured companion, going through the registry when
// endpoints and a target are both set.
func connect(ctx context.Context) (*client.Client, error) {
	opts := clientOptions(cfg)
	if len(cfg.Registry.Endpoints) == 0 || cfg.UDID == nil {
		return client.New(ctx, cfg.Host, cfg.Port, opts...)
	}

	reg, err := registry.NewEtcdRegistry(cfg.Registry.Endpoints, logger)
	if err != nil {
		return nil, err
	}
	defer reg.Close()
	return client.NewFromRegistry(ctx, reg, cfg.Balancer(*cfg.UDID), *cfg.UDID, opts...)
}

// withClient runs fn against a connected client and closes it afterwards.
func withClient(cmd *cobra.Command, fn func(ctx context.Context, c *client.Client) (any, error)) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	c, err := connect(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := c.Close(); err != nil {
			logger.Warn("close client", zap.Error(err))
		}
	}()

	out, err := fn(ctx, c)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
