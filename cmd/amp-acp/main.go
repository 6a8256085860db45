package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/plyght/amp-acp/agent"
	acpserver "github.com/plyght/amp-acp/agent/acp"
	"github.com/plyght/amp-acp/config"
	"github.com/plyght/amp-acp/logx"
	"github.com/plyght/amp-acp/metrics"
	"github.com/plyght/amp-acp/tools"
	"github.com/plyght/amp-acp/transport"
)

var (
	cfgPath       string
	logLevel      string
	traceFile     string
	metricsListen string
)

var rootCmd = &cobra.Command{
	Use:   "amp-acp",
	Short: "Serve the amp coding agent over the Agent Client Protocol on stdio",
	Long: `amp-acp lets ACP clients such as Zed drive amp. Without a subcommand it
speaks ACP on stdin/stdout; nothing but protocol frames is written to stdout.`,
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgPath, "config", "", "config file, applied after ~/.amp-acp/config.yaml and ./.amp-acp/config.yaml")
	flags.StringVar(&logLevel, "log-level", "", "log level: trace, debug, info, warn, error or none")
	flags.StringVar(&traceFile, "trace-file", "", "write logs to this file instead of stderr")
	flags.StringVar(&metricsListen, "metrics-listen", "", "address of the metrics and status server, e.g. 127.0.0.1:9464")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "amp-acp: %+v\n", err)
		os.Exit(1)
	}
}

// loadConfig loads the layered configuration and applies flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if traceFile != "" {
		cfg.TraceFile = traceFile
	}
	if metricsListen != "" {
		cfg.Metrics.Listen = metricsListen
	}
	return cfg, nil
}

// setupLogging points logx at stderr or the trace file. The returned func
// closes the trace file.
func setupLogging(cfg *config.Config) (func(), error) {
	if cfg.TraceFile == "" {
		logx.Configure(cfg.LogLevel, nil)
		return func() {}, nil
	}
	f, err := logx.OpenTrace(cfg.TraceFile)
	if err != nil {
		return nil, err
	}
	logx.Configure(cfg.LogLevel, f)
	return func() { f.Close() }, nil
}

// startStatus registers the bridge metrics and, when configured, serves
// them with the MCP server status until ctx is done.
func startStatus(ctx context.Context, cfg *config.Config, mux *tools.Multiplexer) {
	reg := prometheus.NewRegistry()
	metrics.Register(reg)
	if cfg.Metrics.Listen == "" {
		return
	}
	h := metrics.NewHandler(reg, cfg.Metrics.CORSOrigins, func() any { return mux.Servers() })
	go func() {
		if err := metrics.Serve(ctx, cfg.Metrics.Listen, h); err != nil {
			logx.Log.Error().Err(err).Msg("status server stopped")
		}
	}()
}

// setup runs the common start of every command: config, logging, bridge
// and status server.
func setup(ctx context.Context) (*agent.Bridge, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	closeLog, err := setupLogging(cfg)
	if err != nil {
		return nil, nil, err
	}
	b := agent.New(agent.Options{Config: cfg})
	startStatus(ctx, cfg, b.Tools())
	return b, closeLog, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, closeLog, err := setup(ctx)
	if err != nil {
		return err
	}
	defer closeLog()

	logx.Log.Info().Msg("serving ACP on stdio")
	return serve(ctx, b, os.Stdin, os.Stdout)
}

// serve runs the ACP server over in and out. Run shuts the bridge down
// before it returns.
func serve(ctx context.Context, b *agent.Bridge, in io.Reader, out io.Writer) error {
	return acpserver.Run(ctx, b, transport.Stdio(in, out))
}
