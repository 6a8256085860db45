package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/plyght/amp-acp/agent"
	acpserver "github.com/plyght/amp-acp/agent/acp"
	"github.com/plyght/amp-acp/config"
	"github.com/plyght/amp-acp/logx"
	"github.com/plyght/amp-acp/transport"
)

var (
	listenAddr string
	cfgPath    string
	logLevel   string
	origins    []string
)

var rootCmd = &cobra.Command{
	Use:          "ws_bridge",
	Short:        "Serve amp-acp over websocket, one bridge per connection",
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().StringVar(&listenAddr, "listen", "localhost:8080", "listen address")
	rootCmd.Flags().StringVar(&cfgPath, "config", "", "config file")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "", "log level")
	rootCmd.Flags().StringSliceVar(&origins, "origin", nil, "allowed Origin header values (default: any)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ws_bridge: %+v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	logx.Configure(cfg.LogLevel, nil)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           newRouter(ctx, cfg, origins),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logx.Log.Info().Str("addr", "ws://"+listenAddr+"/ws").Msg("websocket server running")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// newRouter serves /ws and /healthz. Every websocket connection gets its own
// bridge, so closing the connection ends exactly its sessions.
func newRouter(ctx context.Context, cfg *config.Config, allowed []string) http.Handler {
	upgrader := websocket.Upgrader{CheckOrigin: checkOrigin(allowed)}

	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logx.Log.Warn().Err(err).Msg("upgrade error")
			return
		}
		c := transport.WebSocket(conn)
		defer c.Close()

		log := logx.Log.With().Str("remote", r.RemoteAddr).Logger()
		log.Info().Msg("client connected")
		b := agent.New(agent.Options{Config: cfg})
		if err := acpserver.Run(ctx, b, c); err != nil {
			log.Warn().Err(err).Msg("connection ended with error")
			return
		}
		log.Info().Msg("client disconnected")
	})
	return r
}

func checkOrigin(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		for _, o := range allowed {
			if o == origin {
				return true
			}
		}
		return false
	}
}
